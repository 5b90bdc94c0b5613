package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/neboloop/veil/internal/cdp"
	"github.com/neboloop/veil/internal/metrics"
)

// ErrInjectionFailed wraps every failure to apply an identity. Callers log it
// and keep the session.
var ErrInjectionFailed = errors.New("identity injection failed")

// Target is the protocol surface the injector needs. *cdp.Session
// implements it.
type Target interface {
	Execute(ctx context.Context, method string, params, res any) error
	TargetID() target.ID
	Type() string
}

// cdproto only generates the Emulation variant; workers have no Emulation
// domain.
const networkSetUserAgentOverride = "Network.setUserAgentOverride"

type networkUserAgentParams struct {
	UserAgent         string                       `json:"userAgent"`
	AcceptLanguage    string                       `json:"acceptLanguage,omitzero"`
	Platform          string                       `json:"platform,omitzero"`
	UserAgentMetadata *emulation.UserAgentMetadata `json:"userAgentMetadata,omitzero"`
}

type workerEvalParams struct {
	Expression string `json:"expression"`
	Silent     bool   `json:"silent,omitzero"`
}

type applied struct {
	identity Identity
	script   page.ScriptIdentifier
}

// Injector applies identities to targets and remembers what it applied so
// repeated calls are no-ops.
type Injector struct {
	logger *slog.Logger

	mu      sync.Mutex
	applied map[target.ID]applied
}

// InjectorOption configures an Injector.
type InjectorOption func(*Injector)

// WithLogger sets the injector's logger.
func WithLogger(logger *slog.Logger) InjectorOption {
	return func(in *Injector) {
		in.logger = logger
	}
}

func NewInjector(opts ...InjectorOption) *Injector {
	in := &Injector{
		logger:  slog.Default(),
		applied: make(map[target.ID]applied),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.logger = in.logger.With("component", "fingerprint")
	return in
}

// Apply overrides t's identity with id. Page-like targets get a direct
// user-agent override plus a script registered for every new document and
// run immediately on the current one. Workers get the network user-agent
// override and the script evaluated in place; they must still be paused by
// waitForDebuggerOnStart for the script to win the race with worker code.
func (in *Injector) Apply(ctx context.Context, t Target, id Identity) error {
	tid := t.TargetID()
	in.mu.Lock()
	prev, seen := in.applied[tid]
	in.mu.Unlock()
	if seen && prev.identity.Equal(id) {
		return nil
	}

	typ := t.Type()
	worker := cdp.IsWorker(typ)
	var errs []error

	if id.Overrides.UserAgent {
		if err := in.overrideUserAgent(ctx, t, id, worker); err != nil {
			errs = append(errs, err)
		}
	}

	var scriptID page.ScriptIdentifier
	src, err := id.Script()
	if err != nil {
		errs = append(errs, err)
	} else if worker {
		if src != "" {
			if err := t.Execute(ctx, runtime.CommandEvaluate, &workerEvalParams{Expression: src, Silent: true}, nil); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", runtime.CommandEvaluate, err))
			}
		}
	} else {
		if seen && prev.script != "" {
			if err := t.Execute(ctx, page.CommandRemoveScriptToEvaluateOnNewDocument,
				&page.RemoveScriptToEvaluateOnNewDocumentParams{Identifier: prev.script}, nil); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", page.CommandRemoveScriptToEvaluateOnNewDocument, err))
			}
		}
		if src != "" {
			var res page.AddScriptToEvaluateOnNewDocumentReturns
			if err := t.Execute(ctx, page.CommandAddScriptToEvaluateOnNewDocument, &page.AddScriptToEvaluateOnNewDocumentParams{
				Source:         src,
				RunImmediately: true,
			}, &res); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", page.CommandAddScriptToEvaluateOnNewDocument, err))
			} else {
				scriptID = res.Identifier
			}
		}
	}

	if len(errs) > 0 {
		metrics.FingerprintInjections.WithLabelValues(typ, "failed").Inc()
		return fmt.Errorf("%w on %s %s: %w", ErrInjectionFailed, typ, tid, errors.Join(errs...))
	}

	in.mu.Lock()
	in.applied[tid] = applied{identity: id, script: scriptID}
	in.mu.Unlock()
	metrics.FingerprintInjections.WithLabelValues(typ, "ok").Inc()
	in.logger.Debug("identity applied", "target", tid, "type", typ, "seed", id.Seed)
	return nil
}

func (in *Injector) overrideUserAgent(ctx context.Context, t Target, id Identity, worker bool) error {
	meta := id.Metadata()
	if worker {
		err := t.Execute(ctx, networkSetUserAgentOverride, &networkUserAgentParams{
			UserAgent:         id.UserAgent,
			AcceptLanguage:    id.AcceptLanguage,
			Platform:          id.NavigatorPlatform,
			UserAgentMetadata: meta,
		}, nil)
		if err != nil {
			return fmt.Errorf("%s: %w", networkSetUserAgentOverride, err)
		}
		return nil
	}
	err := t.Execute(ctx, emulation.CommandSetUserAgentOverride, &emulation.SetUserAgentOverrideParams{
		UserAgent:         id.UserAgent,
		AcceptLanguage:    id.AcceptLanguage,
		Platform:          id.NavigatorPlatform,
		UserAgentMetadata: meta,
	}, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", emulation.CommandSetUserAgentOverride, err)
	}
	return nil
}

// Applied reports the identity last applied to a target.
func (in *Injector) Applied(tid target.ID) (Identity, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	a, ok := in.applied[tid]
	return a.identity, ok
}

// Forget drops the record for a detached target.
func (in *Injector) Forget(tid target.ID) {
	in.mu.Lock()
	delete(in.applied, tid)
	in.mu.Unlock()
}
