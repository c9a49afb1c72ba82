// Package notify posts desktop notifications for daemon events. macOS only;
// everywhere else Send is a no-op so daemon code never branches on OS.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Notifier sends system notifications when enabled.
type Notifier struct {
	Enabled bool
}

// osascript string literals: backslashes must be escaped before quotes.
var scriptEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// Send displays a notification with the given title and message.
func (n *Notifier) Send(title, message string) error {
	if n == nil || !n.Enabled || runtime.GOOS != "darwin" {
		return nil
	}

	script := fmt.Sprintf(`display notification "%s" with title "%s"`,
		scriptEscaper.Replace(message), scriptEscaper.Replace(title))
	if err := exec.Command("osascript", "-e", script).Run(); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

// FormatAdviseComplete formats an advisory run completion message.
func FormatAdviseComplete(profileID string, totalPasses int, confidence string, degraded bool) (title, message string) {
	if degraded {
		title = "⚠️ stratagen Advisory Degraded"
		message = fmt.Sprintf("%s: fallback output after %d pass(es)", profileID, totalPasses)
	} else {
		title = "✅ stratagen Advisory Ready"
		message = fmt.Sprintf("%s: %s confidence after %d pass(es)", profileID, confidence, totalPasses)
	}
	return title, message
}

// FormatProfileDrift formats a profile drift detection message.
func FormatProfileDrift(changed int) (title, message string) {
	title = "📋 stratagen Profiles Changed"
	message = fmt.Sprintf("%d profile file(s) changed on disk; next advisory run will pick them up", changed)
	return title, message
}

// FormatJobFailed formats a daemon job failure message.
func FormatJobFailed(jobType string, jobErr error) (title, message string) {
	title = "⚠️ stratagen Job Failed"
	message = fmt.Sprintf("%s: %v", jobType, jobErr)
	return title, message
}
