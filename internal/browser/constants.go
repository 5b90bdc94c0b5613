// Package browser finds, launches and attaches to Chromium-family browsers
// for veil profiles. Every profile gets a stable DevTools port derived from
// its name, so an external tool can reconnect to "the session named X"
// without coordination.
package browser

import "time"

// Port range defaults for PortFor.
const (
	// DefaultPortBase is the first port handed out to profiles.
	DefaultPortBase = 9300

	// DefaultPortSize is the number of ports in the range (9300-9999).
	DefaultPortSize = 700
)

const (
	// DefaultLaunchTimeout bounds how long Launch waits for DevTools to answer.
	DefaultLaunchTimeout = 15 * time.Second

	// DefaultStopTimeout is the grace period between interrupt and kill.
	DefaultStopTimeout = 5 * time.Second

	// loopbackHost is where managed browsers listen.
	loopbackHost = "127.0.0.1"
)
