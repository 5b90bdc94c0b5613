package cdp

import (
	"log/slog"

	"github.com/chromedp/cdproto/target"
)

// sensitiveCommands touch page script, identity or stored credentials and
// are logged at info level; everything else is debug.
var sensitiveCommands = map[string]bool{
	"Runtime.evaluate":                         true,
	"Runtime.callFunctionOn":                   true,
	"Runtime.addBinding":                       true,
	"Page.navigate":                            true,
	"Page.addScriptToEvaluateOnNewDocument":    true,
	"Page.removeScriptToEvaluateOnNewDocument": true,
	"Storage.getCookies":                       true,
	"Storage.setCookies":                       true,
	"Input.insertText":                         true,
	"Emulation.setUserAgentOverride":           true,
	"Network.setUserAgentOverride":             true,
}

type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{logger: logger.With("component", "cdp-audit")}
}

func (l *auditLogger) logCommand(id int64, method string, sessionID target.SessionID) {
	if l == nil {
		return
	}

	attrs := []any{"id", id, "method", method}
	if sessionID != "" {
		attrs = append(attrs, "session", truncateID(string(sessionID)))
	}

	if sensitiveCommands[method] {
		l.logger.Info("cdp_sensitive_command", attrs...)
	} else {
		l.logger.Debug("cdp_command", attrs...)
	}
}

func (l *auditLogger) logError(method string, sessionID target.SessionID, err error) {
	if l == nil {
		return
	}
	l.logger.Debug("cdp_command_failed", "method", method, "session", truncateID(string(sessionID)), "error", err)
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
