package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// DesktopNotifier renders a platform-appropriate notification with an
// audible alert. On Linux it walks an ordered fallback chain: notify-send,
// then zenity, then xmessage as a last resort.
type DesktopNotifier struct {
	goos     string
	lookPath func(string) (string, error)
	run      func(ctx context.Context, name string, args ...string) error
	start    func(name string, args ...string) error
}

func NewDesktopNotifier() *DesktopNotifier {
	return &DesktopNotifier{
		goos:     runtime.GOOS,
		lookPath: exec.LookPath,
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run() // #nosec G204
		},
		// Dialogs stay open until the user dismisses them, so they are
		// launched detached from the send context and reaped in the
		// background.
		start: func(name string, args ...string) error {
			cmd := exec.Command(name, args...) // #nosec G204
			if err := cmd.Start(); err != nil {
				return err
			}
			go func() { _ = cmd.Wait() }()
			return nil
		},
	}
}

func (d *DesktopNotifier) Send(ctx context.Context, title, body string) error {
	switch d.goos {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q sound name \"default\"", body, title)
		if err := d.run(ctx, "osascript", "-e", script); err != nil {
			return fmt.Errorf("notification failed: %v", err)
		}
		return nil
	case "windows":
		// msg ships with every Windows edition the daemon targets.
		if err := d.run(ctx, "msg", "*", "/TIME:30", fmt.Sprintf("%s: %s", title, body)); err != nil {
			return fmt.Errorf("notification failed: %v", err)
		}
		return nil
	default:
		return d.sendLinux(ctx, title, body)
	}
}

func (d *DesktopNotifier) sendLinux(ctx context.Context, title, body string) error {
	type candidate struct {
		name   string
		args   []string
		dialog bool
	}
	chain := []candidate{
		{"notify-send", []string{"-u", "normal", title, body}, false},
		{"zenity", []string{"--info", "--title=" + title, "--text=" + body}, true},
		{"xmessage", []string{"-center", fmt.Sprintf("%s: %s", title, body)}, true},
	}
	for _, c := range chain {
		if _, err := d.lookPath(c.name); err != nil {
			continue
		}
		// zenity and xmessage block until the dialog is dismissed; only
		// their launch is awaited, not the dismissal.
		var err error
		if c.dialog {
			err = d.start(c.name, c.args...)
		} else {
			err = d.run(ctx, c.name, c.args...)
		}
		if err != nil {
			return fmt.Errorf("notification failed: %v", err)
		}
		// Audible alert is best effort; not every host has a sound theme.
		if _, err := d.lookPath("paplay"); err == nil {
			_ = d.run(ctx, "paplay", "/usr/share/sounds/freedesktop/stereo/message.oga")
		}
		return nil
	}
	return fmt.Errorf("no notification mechanism available on this system (%s)", d.goos)
}
