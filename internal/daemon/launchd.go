package daemon

// Launchd integration. The daemon can run under a per-workspace macOS
// LaunchAgent so advisories refresh without a terminal session. Everything
// here degrades to plain errors on other platforms; callers decide how loud
// to be about that.

import (
	"bytes"
	"crypto/sha256"
	"encoding/xml"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"stratagen/internal/workspace"
)

const (
	agentLabelPrefix = "ai.stratagen."
	daemonLogName    = "stratagen.log"
)

// WorkspaceHash returns a stable 8-hex-char hash of the workspace root, used
// to keep one agent per workspace without leaking the path into the label.
func WorkspaceHash(wsRoot string) string {
	sum := sha256.Sum256([]byte(wsRoot))
	return fmt.Sprintf("%x", sum[:4])
}

// PlistLabel returns the LaunchAgent label for a workspace.
func PlistLabel(wsRoot string) string {
	return agentLabelPrefix + WorkspaceHash(wsRoot)
}

// PlistPath returns the plist location under the user's LaunchAgents dir.
func PlistPath(wsRoot string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, "Library", "LaunchAgents", PlistLabel(wsRoot)+".plist"), nil
}

var plistTmpl = template.Must(template.New("launchd").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.Binary}}</string>
		<string>daemon</string>
		<string>run</string>
		<string>--workspace</string>
		<string>{{.Root}}</string>
	</array>
	<key>EnvironmentVariables</key>
	<dict>
		<key>STRATAGEN_WORKSPACE</key>
		<string>{{.Root}}</string>
	</dict>
	<key>StandardOutPath</key>
	<string>{{.LogPath}}</string>
	<key>StandardErrorPath</key>
	<string>{{.LogPath}}</string>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>ThrottleInterval</key>
	<integer>10</integer>
	<key>ProcessType</key>
	<string>Background</string>
</dict>
</plist>
`))

type plistData struct {
	Label   string
	Binary  string
	Root    string
	LogPath string
}

// GeneratePlist renders the LaunchAgent plist for the workspace. Paths are
// XML-escaped; workspace roots with spaces or ampersands are normal on macOS.
func GeneratePlist(ws *workspace.Workspace, binaryPath string) (string, error) {
	if ws == nil {
		return "", fmt.Errorf("workspace is nil")
	}
	absBinary, err := filepath.Abs(binaryPath)
	if err != nil {
		return "", fmt.Errorf("resolve binary path: %w", err)
	}

	var buf bytes.Buffer
	err = plistTmpl.Execute(&buf, plistData{
		Label:   PlistLabel(ws.Root),
		Binary:  xmlEscape(absBinary),
		Root:    xmlEscape(ws.Root),
		LogPath: xmlEscape(GetLogPath(ws)),
	})
	if err != nil {
		return "", fmt.Errorf("render plist: %w", err)
	}
	return buf.String(), nil
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// Install writes the LaunchAgent plist for the workspace. It does not load
// the agent; Start does that.
func Install(ws *workspace.Workspace, binaryPath string) error {
	if ws == nil {
		return fmt.Errorf("workspace is nil")
	}
	if err := os.MkdirAll(ws.LogsDir, 0o755); err != nil {
		return fmt.Errorf("ensure logs dir: %w", err)
	}

	content, err := GeneratePlist(ws, binaryPath)
	if err != nil {
		return err
	}
	plistPath, err := PlistPath(ws.Root)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(plistPath), 0o755); err != nil {
		return fmt.Errorf("ensure LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(plistPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	return nil
}

// Uninstall removes the LaunchAgent plist for the workspace.
func Uninstall(ws *workspace.Workspace) error {
	if ws == nil {
		return fmt.Errorf("workspace is nil")
	}
	plistPath, err := PlistPath(ws.Root)
	if err != nil {
		return err
	}
	if _, err := os.Stat(plistPath); os.IsNotExist(err) {
		return fmt.Errorf("no launch agent installed (checked %s)", plistPath)
	}
	if err := os.Remove(plistPath); err != nil {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

// Start loads the LaunchAgent via launchctl.
func Start(ws *workspace.Workspace) error {
	if ws == nil {
		return fmt.Errorf("workspace is nil")
	}
	plistPath, err := PlistPath(ws.Root)
	if err != nil {
		return err
	}
	if _, err := os.Stat(plistPath); os.IsNotExist(err) {
		return fmt.Errorf("plist not found: %s (run 'stratagen daemon install' first)", plistPath)
	}
	_, err = launchctl("load", plistPath)
	return err
}

// Stop unloads the LaunchAgent. Unloading an agent that is not loaded is
// not an error.
func Stop(ws *workspace.Workspace) error {
	if ws == nil {
		return fmt.Errorf("workspace is nil")
	}
	plistPath, err := PlistPath(ws.Root)
	if err != nil {
		return err
	}
	if _, err := launchctl("unload", plistPath); err != nil {
		if strings.Contains(err.Error(), "Could not find specified service") {
			return nil
		}
		return err
	}
	return nil
}

// GetLogPath returns the daemon log file inside the workspace logs dir.
func GetLogPath(ws *workspace.Workspace) string {
	if ws == nil {
		return ""
	}
	return filepath.Join(ws.LogsDir, daemonLogName)
}

// IsRunning reports whether launchd currently lists the workspace agent.
// launchctl list prints one "PID  Status  Label" row per job; matching the
// label field exactly avoids false positives from similar labels.
func IsRunning(ws *workspace.Workspace) (bool, error) {
	if ws == nil {
		return false, fmt.Errorf("workspace is nil")
	}
	out, err := launchctl("list")
	if err != nil {
		return false, err
	}
	label := PlistLabel(ws.Root)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 3 && fields[2] == label {
			return true, nil
		}
	}
	return false, nil
}

func launchctl(args ...string) (string, error) {
	out, err := exec.Command("launchctl", args...).CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text != "" {
			return text, fmt.Errorf("launchctl %s: %s: %w", strings.Join(args, " "), text, err)
		}
		return text, fmt.Errorf("launchctl %s: %w", strings.Join(args, " "), err)
	}
	return text, nil
}
