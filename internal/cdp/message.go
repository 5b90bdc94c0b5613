package cdp

import (
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

var (
	// ErrClosed is returned for commands on, or pending on, a closed connection.
	ErrClosed = errors.New("cdp: connection closed")

	// ErrDetached is returned for commands sent to a detached target session.
	ErrDetached = errors.New("cdp: target detached")
)

// decodeOptions tolerate what browsers actually put on the wire.
var decodeOptions = json.JoinOptions(
	jsontext.AllowDuplicateNames(true),
	jsontext.AllowInvalidUTF8(true),
)

// Message is one frame on the DevTools socket: a command, its response, or
// an event. Flattened target sessions share the socket and are told apart
// by SessionID.
type Message struct {
	ID        int64            `json:"id,omitzero"`
	SessionID target.SessionID `json:"sessionId,omitzero"`
	Method    string           `json:"method,omitzero"`
	Params    jsontext.Value   `json:"params,omitzero"`
	Result    jsontext.Value   `json:"result,omitzero"`
	Error     *Error           `json:"error,omitzero"`
}

// Error is a protocol-level error response.
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitzero"`

	// Method is the command that failed. Not on the wire.
	Method string `json:"-"`
}

func (e *Error) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp %s error %d: %s (%s)", e.Method, e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp %s error %d: %s", e.Method, e.Code, e.Message)
}

// Event is a protocol notification.
type Event struct {
	SessionID target.SessionID
	Method    string
	Params    jsontext.Value
}

// Decode unmarshals the event parameters into v, typically a cdproto event
// struct such as *runtime.EventBindingCalled.
func (e *Event) Decode(v any) error {
	if len(e.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Params, v, decodeOptions); err != nil {
		return fmt.Errorf("decode %s: %w", e.Method, err)
	}
	return nil
}
