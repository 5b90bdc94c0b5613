package execctx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json"

	"github.com/neboloop/veil/internal/cdp"
)

// EvalError is a script exception raised by an evaluated expression.
type EvalError struct {
	Text        string
	Description string
	Line        int64
	Column      int64
}

func (e *EvalError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("script exception at %d:%d: %s", e.Line, e.Column, e.Description)
	}
	return fmt.Sprintf("script exception at %d:%d: %s", e.Line, e.Column, e.Text)
}

// Evaluate runs expression in world and decodes its JSON value into out,
// which may be nil. Promises are awaited. A context that vanished between
// resolution and use is re-resolved once.
func (r *Resolver) Evaluate(ctx context.Context, world World, expression string, out any) error {
	for try := 0; ; try++ {
		c, err := r.Resolve(ctx, world)
		if err != nil {
			if try == 0 && errors.Is(err, ErrContextsCleared) {
				continue
			}
			return err
		}
		err = r.evaluateIn(ctx, c, expression, out)
		if err != nil && try == 0 && (contextLost(err) || !c.IsValid()) {
			r.forget(c)
			continue
		}
		return err
	}
}

func (r *Resolver) evaluateIn(ctx context.Context, c *Context, expression string, out any) error {
	var res evaluateResult
	err := r.t.Execute(ctx, runtime.CommandEvaluate, &evaluateParams{
		Expression:    expression,
		ContextID:     c.ID,
		ReturnByValue: true,
		AwaitPromise:  true,
	}, &res)
	if err != nil {
		if errors.Is(err, cdp.ErrDetached) || errors.Is(err, cdp.ErrClosed) {
			return fmt.Errorf("evaluate in %s world of %s: %w", c.World, c.TargetID, ErrTargetGone)
		}
		return err
	}
	if d := res.ExceptionDetails; d != nil {
		e := &EvalError{Text: d.Text, Line: d.LineNumber, Column: d.ColumnNumber}
		if d.Exception != nil {
			e.Description = d.Exception.Description
		}
		return e
	}
	if out != nil && len(res.Result.Value) > 0 {
		if err := json.Unmarshal(res.Result.Value, out); err != nil {
			return fmt.Errorf("decode evaluation result: %w", err)
		}
	}
	return nil
}

func contextLost(err error) bool {
	var perr *cdp.Error
	if !errors.As(err, &perr) {
		return false
	}
	return strings.Contains(perr.Message, "Cannot find context") ||
		strings.Contains(perr.Message, "Execution context was destroyed")
}
