// Package notify shows guest desktop notifications on the host and
// collects them inside the guest.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"grimm.is/flatvm/internal/protocol"
)

// Notifier displays a notification.
type Notifier interface {
	Notify(ctx context.Context, n protocol.DesktopNotification) error
}

// CommandNotifier displays notifications with a notify-send compatible command.
type CommandNotifier struct {
	Command []string // argv prefix; defaults to notify-send
	// Exec runs the final argv. Nil runs it as a process.
	Exec func(ctx context.Context, argv []string) error
}

func (c *CommandNotifier) Notify(ctx context.Context, n protocol.DesktopNotification) error {
	argv := c.Argv(n)
	run := c.Exec
	if run == nil {
		run = execArgv
	}
	if err := run(ctx, argv); err != nil {
		return fmt.Errorf("notify %q: %w", n.Summary, err)
	}
	return nil
}

// Argv builds the command line for n.
func (c *CommandNotifier) Argv(n protocol.DesktopNotification) []string {
	argv := append([]string(nil), c.Command...)
	if len(argv) == 0 {
		argv = []string{"notify-send"}
	}
	if n.AppName != "" {
		argv = append(argv, "--app-name="+n.AppName)
	}
	if n.AppIcon != "" {
		argv = append(argv, "--icon="+n.AppIcon)
	}
	// Zero and negative both mean the server default to notify-send.
	if n.ExpireTimeout > 0 {
		argv = append(argv, "--expire-time="+strconv.Itoa(int(n.ExpireTimeout)))
	}
	if u, ok := n.Hints["urgency"]; ok {
		argv = append(argv, "--urgency="+u)
	}
	argv = append(argv, "--", n.Summary)
	if n.Body != "" {
		argv = append(argv, n.Body)
	}
	return argv
}

func execArgv(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil && len(out) > 0 {
		return fmt.Errorf("%w: %s", err, out)
	}
	return err
}
