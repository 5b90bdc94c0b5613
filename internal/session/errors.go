// Package session opens profile-scoped browser sessions, keeps their
// targets instrumented and persists their state on close.
package session

import (
	"errors"

	"github.com/neboloop/veil/internal/profile"
)

var (
	// ErrSessionClosed fails tasks queued on, or submitted to, a closed
	// session.
	ErrSessionClosed = errors.New("session closed")

	// ErrProfileLocked means the profile is held by another session or
	// process, or is being closed.
	ErrProfileLocked = profile.ErrLocked

	// ErrPortConflict means another pooled session already owns the port the
	// profile hashes to.
	ErrPortConflict = errors.New("control port already in use by another session")

	// ErrElementNotFound is returned by element actions when the selector
	// matches nothing.
	ErrElementNotFound = errors.New("element not found")

	// ErrNoPage means the browser never exposed a page target.
	ErrNoPage = errors.New("no page target")
)
