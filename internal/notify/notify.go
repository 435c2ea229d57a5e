// Package notify sends desktop notifications for finished turns and pending
// approvals. Rendering is delegated to the platform's notifier command; the
// bridge only decides when to fire and with what text.
package notify

import (
	"context"
	"os/exec"
	"runtime"

	"pkt.systems/pslog"
)

// Notifier delivers one desktop notification.
type Notifier interface {
	Notify(ctx context.Context, title, body string)
}

// Nop swallows notifications. Used in tests and headless deployments.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(ctx context.Context, title, body string) {}

// Command shells out to the platform notifier: notify-send on Linux,
// osascript on macOS.
type Command struct {
	log pslog.Logger
}

// NewCommand constructs a command notifier.
func NewCommand(logger pslog.Logger) *Command {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Command{log: logger}
}

// Notify implements Notifier. Failures are logged and otherwise ignored; a
// missing notifier binary must never break the bridge.
func (c *Command) Notify(ctx context.Context, title, body string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		script := "display notification " + appleQuote(body) + " with title " + appleQuote(title)
		cmd = exec.CommandContext(ctx, "osascript", "-e", script)
	default:
		cmd = exec.CommandContext(ctx, "notify-send", title, body)
	}
	if err := cmd.Run(); err != nil {
		c.log.Debug("notify failed", "title", title, "err", err)
		return
	}
	c.log.Trace("notify sent", "title", title, "body_len", len(body))
}

func appleQuote(value string) string {
	quoted := make([]byte, 0, len(value)+2)
	quoted = append(quoted, '"')
	for i := 0; i < len(value); i++ {
		if value[i] == '"' || value[i] == '\\' {
			quoted = append(quoted, '\\')
		}
		quoted = append(quoted, value[i])
	}
	return string(append(quoted, '"'))
}
