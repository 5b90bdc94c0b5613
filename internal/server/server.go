// Package server exposes a read-only HTTP view of the session runtime:
// health, pooled sessions, stored profiles, port lookups and metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/neboloop/veil/internal/browser"
	"github.com/neboloop/veil/internal/httputil"
	"github.com/neboloop/veil/internal/metrics"
	"github.com/neboloop/veil/internal/pool"
	"github.com/neboloop/veil/internal/profile"
	"github.com/neboloop/veil/internal/session"
)

// Sessions is the part of the runtime the server reads.
type Sessions interface {
	List() []pool.Info
	Info(name string) (*session.Info, error)
}

// Profiles lists stored profiles.
type Profiles interface {
	List(ctx context.Context) ([]profile.Entry, error)
}

// Options holds the server's collaborators.
type Options struct {
	Sessions Sessions
	Profiles Profiles
	Ports    browser.PortRange
	Logger   *slog.Logger
}

// Handler builds the status router.
func Handler(o Options) http.Handler {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.OkJSON(w, map[string]any{
			"status":   "ok",
			"sessions": len(o.Sessions.List()),
		})
	})

	r.Get("/sessions", func(w http.ResponseWriter, r *http.Request) {
		list := o.Sessions.List()
		if httputil.QueryBool(r, "alive", false) {
			live := list[:0]
			for _, s := range list {
				if s.Alive {
					live = append(live, s)
				}
			}
			list = live
		}
		if list == nil {
			list = []pool.Info{}
		}
		httputil.OkJSON(w, list)
	})

	r.Get("/sessions/{name}", func(w http.ResponseWriter, r *http.Request) {
		info, err := o.Sessions.Info(httputil.PathVar(r, "name"))
		if errors.Is(err, pool.ErrNotFound) {
			httputil.NotFound(w, r, err)
			return
		}
		if err != nil {
			httputil.InternalError(w, r, err)
			return
		}
		httputil.OkJSON(w, info)
	})

	r.Get("/profiles", func(w http.ResponseWriter, r *http.Request) {
		if o.Profiles == nil {
			httputil.OkJSON(w, []profile.Entry{})
			return
		}
		list, err := o.Profiles.List(r.Context())
		if err != nil {
			httputil.InternalError(w, r, err)
			return
		}
		if list == nil {
			list = []profile.Entry{}
		}
		httputil.OkJSON(w, list)
	})

	r.Get("/ports/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := httputil.PathVar(r, "name")
		if err := profile.ValidateName(name); err != nil {
			httputil.BadRequest(w, r, err)
			return
		}
		httputil.OkJSON(w, map[string]any{"name": name, "port": o.Ports.PortFor(name)})
	})

	r.Handle("/metrics", metrics.Handler())
	return r
}

// requestLogger logs each request at debug level.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}

// Run serves h on addr until ctx is cancelled.
func Run(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, h, logger)
}

// Serve serves h on ln until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, ln net.Listener, h http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	httpServer := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	logger.Info("status server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}
