package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/neboloop/veil/internal/browser"
	"github.com/neboloop/veil/internal/config"
	"github.com/neboloop/veil/internal/fingerprint"
	"github.com/neboloop/veil/internal/lifecycle"
	"github.com/neboloop/veil/internal/logging"
	"github.com/neboloop/veil/internal/pool"
	"github.com/neboloop/veil/internal/profile"
	"github.com/neboloop/veil/internal/server"
	"github.com/neboloop/veil/internal/session"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session runtime and status server",
		Long: `Keep browser sessions alive until interrupted. Profiles named with --open
are opened at startup. On SIGINT or SIGTERM every session is closed and its
cookies and local storage are saved.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// Handle Ctrl+C
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case sig := <-sigCh:
					fmt.Fprintf(cmd.ErrOrStderr(), "\n\033[33mReceived signal: %v - Shutting down...\033[0m\n", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			return runServe(ctx, loaded, openNames)
		},
	}
	cmd.Flags().StringSliceVar(&openNames, "open", nil, "profiles to open at startup")
	return cmd
}

// runServe wires the runtime together and blocks until ctx is done.
func runServe(ctx context.Context, c config.Config, open []string) error {
	logger, err := logging.New(c.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	store, err := profile.NewStore(c.ProfilesDir(), profile.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	events := lifecycle.New(logger)
	events.OnSession(func(event lifecycle.Event, data lifecycle.SessionEventData) {
		if event == lifecycle.EventSessionLost {
			logger.Warn("session lost", "name", data.Name, "port", data.Port, "error", data.Err)
		}
	})

	p := pool.New(
		pool.WithLogger(logger),
		pool.WithEvictHook(func(name, reason string) {
			logger.Info("session evicted", "name", name, "reason", reason)
		}),
	)

	events.OnShutdown(func() {
		logger.Info("closing sessions", "count", p.Len())
	})

	rt, err := session.NewRuntime(c.SessionConfig(), store, p,
		session.WithLogger(logger),
		session.WithDiscovery(browser.NewDiscovery(logger)),
		session.WithInjector(fingerprint.NewInjector(fingerprint.WithLogger(logger))),
		session.WithLifecycle(events),
	)
	if err != nil {
		return err
	}

	sched := cronlib.New()
	if _, err := sched.AddFunc(c.Liveness.Schedule, func() {
		if n := rt.Sweep(); n > 0 {
			logger.Info("swept dead sessions", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("liveness schedule %q: %w", c.Liveness.Schedule, err)
	}
	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	if c.Status.Addr != "" {
		h := server.Handler(server.Options{
			Sessions: rt,
			Profiles: store,
			Ports:    c.Ports,
			Logger:   logger,
		})
		g.Go(func() error { return server.Run(gctx, c.Status.Addr, h, logger) })
	}
	events.Emit(lifecycle.EventServerStarted, nil)

	for _, name := range open {
		info, err := rt.Open(gctx, name, session.OpenOptions{})
		if err != nil {
			logger.Error("open failed", "name", name, "error", err)
			continue
		}
		logger.Info("session ready", "name", info.Name, "port", info.Port, "launched", info.Launched, "seed", info.Seed)
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	events.Emit(lifecycle.EventShutdownStarted, nil)
	<-sched.Stop().Done()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	closeErr := rt.CloseAll(closeCtx)
	events.Emit(lifecycle.EventShutdownComplete, nil)

	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, closeErr)
}
