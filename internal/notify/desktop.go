// Package notify pops desktop notifications for events an operator should
// see while the daemon runs unattended.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// ErrUnsupported means no notification command exists on this host.
var ErrUnsupported = errors.New("no desktop notifier available")

const sendTimeout = 5 * time.Second

// Desktop shows one notification: osascript on macOS, notify-send elsewhere.
func Desktop(title, body string) error {
	name, args, err := desktopCommand(runtime.GOOS, title, body)
	if err != nil {
		return err
	}
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%w: %s not on PATH", ErrUnsupported, name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if out, err := exec.CommandContext(ctx, name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func desktopCommand(goos, title, body string) (string, []string, error) {
	switch goos {
	case "darwin":
		script := fmt.Sprintf(`display notification "%s" with title "%s" sound name "default"`,
			quoteAppleScript(body), quoteAppleScript(title))
		return "osascript", []string{"-e", script}, nil
	case "linux", "freebsd", "openbsd":
		// argv, not a shell: no quoting needed
		return "notify-send", []string{"--app-name=conductor", title, body}, nil
	}
	return "", nil, fmt.Errorf("%w on %s", ErrUnsupported, goos)
}

// quoteAppleScript escapes s for use inside an AppleScript string literal.
func quoteAppleScript(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
