package execctx

import (
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

var (
	// ErrResolutionTimeout means no context id arrived within the bound.
	ErrResolutionTimeout = errors.New("execution context resolution timed out")

	// ErrTargetGone means the target detached or its connection closed.
	ErrTargetGone = errors.New("target gone")

	// ErrContextsCleared means a navigation committed while a resolution was
	// in flight. Retrying resolves against the new document.
	ErrContextsCleared = errors.New("execution contexts cleared by navigation")
)

// World is a script realm of a target.
type World string

const (
	// WorldMain shares the page's own globals.
	WorldMain World = "main"

	// WorldIsolated has DOM access but private globals.
	WorldIsolated World = "isolated"
)

// ParseWorld accepts "main" and "isolated".
func ParseWorld(s string) (World, error) {
	switch World(s) {
	case WorldMain, WorldIsolated:
		return World(s), nil
	}
	return "", fmt.Errorf("unknown world %q", s)
}

// Strategy selects how main-world contexts are found.
type Strategy string

const (
	// StrategyBinding resolves the main world by a binding round-trip.
	StrategyBinding Strategy = "binding"

	// StrategyIsolated answers every request with an isolated world.
	StrategyIsolated Strategy = "isolated"
)

// Config tunes a Resolver.
type Config struct {
	Strategy Strategy      `json:"strategy,omitempty" yaml:"strategy,omitempty" toml:"strategy" envconfig:"STRATEGY"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout" envconfig:"TIMEOUT"`
}

// DefaultTimeout bounds a single resolution attempt.
const DefaultTimeout = 5 * time.Second

// DefaultConfig uses the binding strategy with a 5s bound.
func DefaultConfig() Config {
	return Config{Strategy: StrategyBinding, Timeout: DefaultTimeout}
}

// Validate rejects unknown strategies.
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategyBinding, StrategyIsolated, "":
		return nil
	}
	return fmt.Errorf("unknown resolver strategy %q", c.Strategy)
}

// State is the resolution state of one world.
type State int

const (
	Unresolved State = iota
	Resolving
	Resolved
	TimedOut
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Resolving:
		return "resolving"
	case Resolved:
		return "resolved"
	case TimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Context is a resolved execution context. It stays valid until its target
// commits a navigation or the resolver is closed.
type Context struct {
	TargetID target.ID
	World    World
	ID       runtime.ExecutionContextID

	epoch uint64
	r     *Resolver
}

// IsValid reports whether the context still belongs to the current document.
func (c *Context) IsValid() bool {
	if c == nil || c.r == nil {
		return false
	}
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if _, stale := c.r.stale[c]; stale {
		return false
	}
	return !c.r.closed && c.r.epoch == c.epoch
}

// Cleared is the synthetic notification published when a navigation commit
// invalidates every context of a target.
type Cleared struct {
	TargetID target.ID
	Epoch    uint64
	Reason   string
}
