package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/hashicorp/go-retryablehttp"
)

// BrowserKind identifies the type of Chromium-based browser.
type BrowserKind string

const (
	BrowserChrome   BrowserKind = "chrome"
	BrowserBrave    BrowserKind = "brave"
	BrowserEdge     BrowserKind = "edge"
	BrowserChromium BrowserKind = "chromium"
	BrowserCanary   BrowserKind = "canary"
	BrowserCustom   BrowserKind = "custom"
)

// Executable represents a found browser binary.
type Executable struct {
	Kind BrowserKind
	Path string
}

// Version is the /json/version document served by DevTools.
type Version struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// MajorVersion parses the major version out of "Chrome/124.0.6367.60" or
// "HeadlessChrome/124.0.6367.60".
func (v *Version) MajorVersion() (int, error) {
	_, ver, ok := strings.Cut(v.Browser, "/")
	if !ok {
		return 0, fmt.Errorf("unrecognized browser product %q", v.Browser)
	}
	major, _, _ := strings.Cut(ver, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return 0, fmt.Errorf("unrecognized browser version %q: %w", v.Browser, err)
	}
	return n, nil
}

// Discovery talks to the DevTools HTTP endpoint of local browsers.
type Discovery struct {
	ping *retryablehttp.Client
	poll *retryablehttp.Client
}

// NewDiscovery returns a Discovery that logs retries to logger.
func NewDiscovery(logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "devtools-discovery")

	ping := retryablehttp.NewClient()
	ping.RetryMax = 0
	ping.HTTPClient.Timeout = 2 * time.Second
	ping.Logger = nil

	poll := retryablehttp.NewClient()
	poll.RetryMax = 200
	poll.RetryWaitMin = 100 * time.Millisecond
	poll.RetryWaitMax = 500 * time.Millisecond
	poll.HTTPClient.Timeout = time.Second
	poll.Logger = logger

	return &Discovery{ping: ping, poll: poll}
}

// Version fetches /json/version once.
func (d *Discovery) Version(ctx context.Context, port int) (*Version, error) {
	return d.fetch(ctx, d.ping, port)
}

// Reachable reports whether DevTools answers on port.
func (d *Discovery) Reachable(ctx context.Context, port int) bool {
	_, err := d.Version(ctx, port)
	return err == nil
}

// WaitReady polls /json/version until it answers or ctx ends.
func (d *Discovery) WaitReady(ctx context.Context, port int) (*Version, error) {
	return d.fetch(ctx, d.poll, port)
}

func (d *Discovery) fetch(ctx context.Context, client *retryablehttp.Client, port int) (*Version, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, DevToolsURL(port)+"/json/version", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("devtools on port %d answered %s", port, resp.Status)
	}

	var v Version
	if err := json.UnmarshalRead(resp.Body, &v); err != nil {
		return nil, fmt.Errorf("decode /json/version: %w", err)
	}
	if v.WebSocketDebuggerURL == "" {
		return nil, errors.New("no webSocketDebuggerUrl in response")
	}
	if !isLoopbackURL(v.WebSocketDebuggerURL) {
		return nil, fmt.Errorf("devtools on port %d advertised non-loopback endpoint %s", port, v.WebSocketDebuggerURL)
	}
	if p, err := portFromURL(v.WebSocketDebuggerURL); err != nil || p != port {
		return nil, fmt.Errorf("devtools on port %d advertised endpoint on another port: %s", port, v.WebSocketDebuggerURL)
	}
	return &v, nil
}

// Process is a browser started by Launch.
type Process struct {
	PID         int
	Executable  *Executable
	UserDataDir string
	Port        int
	StartedAt   time.Time

	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Exited is closed when the process has terminated.
func (p *Process) Exited() <-chan struct{} { return p.done }

// Launch starts a browser for spec and waits until its DevTools endpoint
// answers. The returned Version carries the WebSocket debugger URL.
func Launch(ctx context.Context, cfg Config, spec LaunchSpec, d *Discovery) (*Process, *Version, error) {
	exe, err := FindExecutable(cfg.ExecutablePath)
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(spec.UserDataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create user data dir: %w", err)
	}
	markCleanExit(spec.UserDataDir)

	cmd := exec.Command(exe.Path, buildArgs(cfg, spec)...)
	cmd.Env = append(os.Environ(), "HOME="+os.Getenv("HOME"))
	setChromeProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", exe.Kind, err)
	}

	p := &Process{
		PID:         cmd.Process.Pid,
		Executable:  exe,
		UserDataDir: spec.UserDataDir,
		Port:        spec.Port,
		StartedAt:   time.Now(),
		cmd:         cmd,
		done:        make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	timeout := cfg.LaunchTimeout
	if timeout <= 0 {
		timeout = DefaultLaunchTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Abort the poll early if the browser dies during startup.
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	v, err := d.WaitReady(waitCtx, spec.Port)
	if err != nil {
		_ = p.Stop(0)
		select {
		case <-p.done:
			if p.err != nil {
				return nil, nil, fmt.Errorf("browser exited during startup: %w", p.err)
			}
		default:
		}
		return nil, nil, fmt.Errorf("devtools did not start on port %d within %s: %w", spec.Port, timeout, err)
	}
	return p, v, nil
}

// Stop interrupts the browser and kills its process group if it has not
// exited within timeout.
func (p *Process) Stop(timeout time.Duration) error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}

	if timeout > 0 {
		killChromeProcessGroup(p.cmd, false)
		select {
		case <-p.done:
			return nil
		case <-time.After(timeout):
		}
	}

	killChromeProcessGroup(p.cmd, true)
	select {
	case <-p.done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("browser pid %d did not exit after kill", p.PID)
	}
}

func buildArgs(cfg Config, spec LaunchSpec) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", spec.Port),
		"--remote-debugging-address=" + loopbackHost,
		fmt.Sprintf("--user-data-dir=%s", spec.UserDataDir),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-sync",
		"--disable-background-networking",
		"--disable-component-update",
		"--disable-features=Translate,MediaRouter",
		"--disable-blink-features=AutomationControlled",
		"--disable-session-crashed-bubble",
		"--hide-crash-restore-bubble",
		"--password-store=basic",
	}

	if spec.Headless {
		args = append(args, "--headless=new")
	}
	if cfg.NoSandbox {
		args = append(args, "--no-sandbox", "--disable-setuid-sandbox")
	}
	if runtime.GOOS == "linux" {
		args = append(args, "--disable-dev-shm-usage")
	}
	if spec.Lang != "" {
		args = append(args, "--lang="+spec.Lang)
	}
	if spec.Width > 0 && spec.Height > 0 {
		args = append(args, fmt.Sprintf("--window-size=%d,%d", spec.Width, spec.Height))
	}
	args = append(args, cfg.ExtraArgs...)

	// Always open a blank tab to ensure a target exists
	return append(args, "about:blank")
}

// markCleanExit rewrites the profile's last exit type so a browser that was
// killed does not greet the next launch with a restore prompt.
func markCleanExit(userDataDir string) {
	prefsPath := filepath.Join(userDataDir, "Default", "Preferences")
	data, err := os.ReadFile(prefsPath)
	if err != nil {
		return
	}
	var prefs map[string]any
	if err := json.Unmarshal(data, &prefs); err != nil {
		return
	}
	profile, _ := prefs["profile"].(map[string]any)
	if profile == nil {
		return
	}
	if profile["exit_type"] == "Normal" && profile["exited_cleanly"] == true {
		return
	}
	profile["exit_type"] = "Normal"
	profile["exited_cleanly"] = true
	out, err := json.Marshal(prefs)
	if err != nil {
		return
	}
	_ = os.WriteFile(prefsPath, out, 0o600)
}

// FindExecutable finds a Chrome/Chromium browser on the system.
func FindExecutable(customPath string) (*Executable, error) {
	if customPath != "" {
		if !fileExists(customPath) {
			return nil, fmt.Errorf("browser executable not found: %s", customPath)
		}
		return &Executable{Kind: BrowserCustom, Path: customPath}, nil
	}
	for _, c := range candidates(runtime.GOOS) {
		if fileExists(c.Path) {
			exe := c
			return &exe, nil
		}
	}
	if path, err := exec.LookPath("chromium"); err == nil {
		return &Executable{Kind: BrowserChromium, Path: path}, nil
	}
	return nil, fmt.Errorf("no supported browser found (Chrome/Brave/Edge/Chromium) on %s", runtime.GOOS)
}

func candidates(goos string) []Executable {
	home := os.Getenv("HOME")
	switch goos {
	case "darwin":
		return []Executable{
			{BrowserChrome, "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"},
			{BrowserChrome, filepath.Join(home, "Applications/Google Chrome.app/Contents/MacOS/Google Chrome")},
			{BrowserBrave, "/Applications/Brave Browser.app/Contents/MacOS/Brave Browser"},
			{BrowserEdge, "/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge"},
			{BrowserChromium, "/Applications/Chromium.app/Contents/MacOS/Chromium"},
			{BrowserCanary, "/Applications/Google Chrome Canary.app/Contents/MacOS/Google Chrome Canary"},
		}
	case "linux":
		return []Executable{
			{BrowserChrome, "/usr/bin/google-chrome"},
			{BrowserChrome, "/usr/bin/google-chrome-stable"},
			{BrowserChrome, "/usr/bin/chrome"},
			{BrowserBrave, "/usr/bin/brave-browser"},
			{BrowserEdge, "/usr/bin/microsoft-edge"},
			{BrowserChromium, "/usr/bin/chromium"},
			{BrowserChromium, "/usr/bin/chromium-browser"},
			{BrowserChromium, "/snap/bin/chromium"},
		}
	case "windows":
		programFiles := os.Getenv("ProgramFiles")
		if programFiles == "" {
			programFiles = `C:\Program Files`
		}
		programFilesX86 := os.Getenv("ProgramFiles(x86)")
		if programFilesX86 == "" {
			programFilesX86 = `C:\Program Files (x86)`
		}
		var out []Executable
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			out = append(out,
				Executable{BrowserChrome, filepath.Join(local, "Google", "Chrome", "Application", "chrome.exe")},
				Executable{BrowserBrave, filepath.Join(local, "BraveSoftware", "Brave-Browser", "Application", "brave.exe")},
				Executable{BrowserEdge, filepath.Join(local, "Microsoft", "Edge", "Application", "msedge.exe")},
			)
		}
		return append(out,
			Executable{BrowserChrome, filepath.Join(programFiles, "Google", "Chrome", "Application", "chrome.exe")},
			Executable{BrowserChrome, filepath.Join(programFilesX86, "Google", "Chrome", "Application", "chrome.exe")},
			Executable{BrowserEdge, filepath.Join(programFiles, "Microsoft", "Edge", "Application", "msedge.exe")},
		)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
