// Package fingerprint derives a browser identity from a seed and applies it
// to attached targets.
package fingerprint

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/emulation"
)

// Brand is one entry of the client-hints brand list.
type Brand struct {
	Brand   string `json:"brand"`
	Version string `json:"version"`
}

// Overrides switches individual primitives on or off.
type Overrides struct {
	UserAgent           bool `json:"userAgent" yaml:"userAgent" toml:"userAgent" envconfig:"USER_AGENT"`
	HardwareConcurrency bool `json:"hardwareConcurrency" yaml:"hardwareConcurrency" toml:"hardwareConcurrency" envconfig:"HARDWARE_CONCURRENCY"`
	Languages           bool `json:"languages" yaml:"languages" toml:"languages" envconfig:"LANGUAGES"`
	WebGL               bool `json:"webgl" yaml:"webgl" toml:"webgl" envconfig:"WEBGL"`
	Cloak               bool `json:"cloak" yaml:"cloak" toml:"cloak" envconfig:"CLOAK"`
}

// Any reports whether at least one primitive is enabled.
func (o Overrides) Any() bool {
	return o.UserAgent || o.HardwareConcurrency || o.Languages || o.WebGL
}

// Config holds the identity inputs that do not come from the browser.
type Config struct {
	Overrides Overrides `json:"overrides" yaml:"overrides" toml:"overrides" envconfig:"OVERRIDES"`

	// Seed pins the brand rotation. Zero means the browser's major version.
	Seed int `json:"seed,omitempty" yaml:"seed,omitempty" toml:"seed" envconfig:"SEED"`

	PrimaryBrand        string `json:"primaryBrand,omitempty" yaml:"primaryBrand,omitempty" toml:"primaryBrand" envconfig:"PRIMARY_BRAND"`
	Platform            string `json:"platform,omitempty" yaml:"platform,omitempty" toml:"platform" envconfig:"PLATFORM"`
	PlatformVersion     string `json:"platformVersion,omitempty" yaml:"platformVersion,omitempty" toml:"platformVersion" envconfig:"PLATFORM_VERSION"`
	Architecture        string `json:"architecture,omitempty" yaml:"architecture,omitempty" toml:"architecture" envconfig:"ARCHITECTURE"`
	HardwareConcurrency int    `json:"hardwareConcurrency,omitempty" yaml:"hardwareConcurrency,omitempty" toml:"hardwareConcurrency" envconfig:"HARDWARE_CONCURRENCY"`
	Locale              string `json:"locale,omitempty" yaml:"locale,omitempty" toml:"locale" envconfig:"LOCALE"`
	WebGLVendor         string `json:"webglVendor,omitempty" yaml:"webglVendor,omitempty" toml:"webglVendor" envconfig:"WEBGL_VENDOR"`
	WebGLRenderer       string `json:"webglRenderer,omitempty" yaml:"webglRenderer,omitempty" toml:"webglRenderer" envconfig:"WEBGL_RENDERER"`
}

const (
	DefaultPrimaryBrand        = "Google Chrome"
	DefaultPlatform            = "Windows"
	DefaultLocale              = "en-US"
	DefaultHardwareConcurrency = 8
)

// DefaultConfig enables every override with a Windows desktop profile.
func DefaultConfig() Config {
	return Config{
		Overrides: Overrides{
			UserAgent:           true,
			HardwareConcurrency: true,
			Languages:           true,
			WebGL:               true,
			Cloak:               true,
		},
		PrimaryBrand:        DefaultPrimaryBrand,
		Platform:            DefaultPlatform,
		Locale:              DefaultLocale,
		HardwareConcurrency: DefaultHardwareConcurrency,
	}
}

// Validate rejects platforms the identity cannot describe.
func (c Config) Validate() error {
	if c.Platform != "" {
		if _, ok := platforms[c.Platform]; !ok {
			return fmt.Errorf("unknown platform %q (want Windows, macOS or Linux)", c.Platform)
		}
	}
	if c.HardwareConcurrency < 0 {
		return fmt.Errorf("hardwareConcurrency must not be negative, got %d", c.HardwareConcurrency)
	}
	if c.Seed < 0 {
		return fmt.Errorf("seed must not be negative, got %d", c.Seed)
	}
	return nil
}

type platformProfile struct {
	uaToken         string
	navigator       string
	platformVersion string
	architecture    string
	bitness         string
	webglVendor     string
	webglRenderer   string
}

var platforms = map[string]platformProfile{
	"Windows": {
		uaToken:         "Windows NT 10.0; Win64; x64",
		navigator:       "Win32",
		platformVersion: "15.0.0",
		architecture:    "x86",
		bitness:         "64",
		webglVendor:     "Google Inc. (NVIDIA)",
		webglRenderer:   "ANGLE (NVIDIA, NVIDIA GeForce RTX 3060 Direct3D11 vs_5_0 ps_5_0, D3D11)",
	},
	"macOS": {
		uaToken:         "Macintosh; Intel Mac OS X 10_15_7",
		navigator:       "MacIntel",
		platformVersion: "14.5.0",
		architecture:    "arm",
		bitness:         "64",
		webglVendor:     "Google Inc. (Apple)",
		webglRenderer:   "ANGLE (Apple, ANGLE Metal Renderer: Apple M2, Unspecified Version)",
	},
	"Linux": {
		uaToken:         "X11; Linux x86_64",
		navigator:       "Linux x86_64",
		platformVersion: "6.5.0",
		architecture:    "x86",
		bitness:         "64",
		webglVendor:     "Google Inc. (Intel)",
		webglRenderer:   "ANGLE (Intel, Mesa Intel(R) UHD Graphics 630 (CFL GT2), OpenGL 4.6)",
	},
}

// Identity is the spoofed browser identity. It is a pure function of the
// seed and Config; callers must not mutate its slices.
type Identity struct {
	Seed int

	Brands          []Brand
	FullVersionList []Brand
	FullVersion     string

	UserAgent         string
	Platform          string
	PlatformVersion   string
	NavigatorPlatform string
	Architecture      string
	Bitness           string
	Mobile            bool

	HardwareConcurrency int
	Locale              string
	Languages           []string
	AcceptLanguage      string

	WebGLVendor   string
	WebGLRenderer string

	Overrides Overrides
}

// New derives the identity for seed. cfg.Seed, when set, wins over seed.
func New(seed int, cfg Config) Identity {
	if cfg.Seed > 0 {
		seed = cfg.Seed
	}
	primary := cfg.PrimaryBrand
	if primary == "" {
		primary = DefaultPrimaryBrand
	}
	platform := cfg.Platform
	prof, ok := platforms[platform]
	if !ok {
		platform = DefaultPlatform
		prof = platforms[platform]
	}
	locale := cfg.Locale
	if locale == "" {
		locale = DefaultLocale
	}
	cores := cfg.HardwareConcurrency
	if cores <= 0 {
		cores = DefaultHardwareConcurrency
	}

	id := Identity{
		Seed:                seed,
		Brands:              Brands(seed, primary),
		FullVersionList:     FullVersionList(seed, primary),
		FullVersion:         strconv.Itoa(seed) + ".0.0.0",
		Platform:            platform,
		PlatformVersion:     firstNonEmpty(cfg.PlatformVersion, prof.platformVersion),
		NavigatorPlatform:   prof.navigator,
		Architecture:        firstNonEmpty(cfg.Architecture, prof.architecture),
		Bitness:             prof.bitness,
		HardwareConcurrency: cores,
		Locale:              locale,
		Languages:           Languages(locale),
		WebGLVendor:         firstNonEmpty(cfg.WebGLVendor, prof.webglVendor),
		WebGLRenderer:       firstNonEmpty(cfg.WebGLRenderer, prof.webglRenderer),
		Overrides:           cfg.Overrides,
	}
	id.AcceptLanguage = AcceptLanguage(id.Languages)
	id.UserAgent = fmt.Sprintf("Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36", prof.uaToken, seed)
	return id
}

// permutations lists every ordering of {0,1,2}; the brand order is
// permutations[seed%6].
var permutations = [6][3]int{
	{0, 1, 2},
	{0, 2, 1},
	{1, 0, 2},
	{1, 2, 0},
	{2, 0, 1},
	{2, 1, 0},
}

var greaseChars = [...]string{" ", "(", ":", "-", ".", "/", ")", ";", "=", "?", "_"}

var greaseVersions = [...]string{"8", "99", "24"}

// Order returns the positions of the grease brand, Chromium and the primary
// brand for seed.
func Order(seed int) [3]int {
	return permutations[mod(seed, 6)]
}

// GreaseBrand is the synthetic low-entropy brand for seed.
func GreaseBrand(seed int) Brand {
	return Brand{
		Brand:   "Not" + greaseChars[mod(seed, 11)] + "A" + greaseChars[mod(seed+1, 11)] + "Brand",
		Version: greaseVersions[mod(seed, 3)],
	}
}

// Brands is the major-version brand list for seed.
func Brands(seed int, primary string) []Brand {
	v := strconv.Itoa(seed)
	return place(seed, GreaseBrand(seed), Brand{"Chromium", v}, Brand{primary, v})
}

// FullVersionList is Brands with full version strings.
func FullVersionList(seed int, primary string) []Brand {
	g := GreaseBrand(seed)
	g.Version += ".0.0.0"
	v := strconv.Itoa(seed) + ".0.0.0"
	return place(seed, g, Brand{"Chromium", v}, Brand{primary, v})
}

func place(seed int, grease, chromium, primary Brand) []Brand {
	order := Order(seed)
	out := make([]Brand, 3)
	out[order[0]] = grease
	out[order[1]] = chromium
	out[order[2]] = primary
	return out
}

// Languages expands a locale into navigator.languages: the locale followed
// by its base language.
func Languages(locale string) []string {
	locale = strings.ReplaceAll(strings.TrimSpace(locale), "_", "-")
	if locale == "" {
		locale = DefaultLocale
	}
	base, _, found := strings.Cut(locale, "-")
	if !found || base == "" {
		return []string{locale}
	}
	return []string{locale, base}
}

// AcceptLanguage renders langs as an Accept-Language header value.
func AcceptLanguage(langs []string) string {
	var b strings.Builder
	for i, l := range langs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l)
		if i > 0 {
			q := 10 - i
			if q < 1 {
				q = 1
			}
			fmt.Fprintf(&b, ";q=0.%d", q)
		}
	}
	return b.String()
}

// Metadata is the client-hints bundle for user-agent overrides.
func (id Identity) Metadata() *emulation.UserAgentMetadata {
	conv := func(bs []Brand) []*emulation.UserAgentBrandVersion {
		out := make([]*emulation.UserAgentBrandVersion, len(bs))
		for i, b := range bs {
			out[i] = &emulation.UserAgentBrandVersion{Brand: b.Brand, Version: b.Version}
		}
		return out
	}
	return &emulation.UserAgentMetadata{
		Brands:          conv(id.Brands),
		FullVersionList: conv(id.FullVersionList),
		Platform:        id.Platform,
		PlatformVersion: id.PlatformVersion,
		Architecture:    id.Architecture,
		Model:           "",
		Mobile:          id.Mobile,
		Bitness:         id.Bitness,
	}
}

// Equal reports whether two identities would produce the same overrides.
func (id Identity) Equal(other Identity) bool {
	return id.Seed == other.Seed &&
		id.UserAgent == other.UserAgent &&
		id.Platform == other.Platform &&
		id.PlatformVersion == other.PlatformVersion &&
		id.Architecture == other.Architecture &&
		id.HardwareConcurrency == other.HardwareConcurrency &&
		id.AcceptLanguage == other.AcceptLanguage &&
		id.WebGLVendor == other.WebGLVendor &&
		id.WebGLRenderer == other.WebGLRenderer &&
		id.Overrides == other.Overrides &&
		slices.Equal(id.FullVersionList, other.FullVersionList)
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
