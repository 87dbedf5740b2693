// Package notify renders reminder notifications. The desktop notifier is the
// primary channel; optional push notifiers can mirror the same message.
package notify

import (
	"context"
	"log/slog"
)

// Notifier delivers a titled message to the user.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier fans a notification out to several notifiers, returning the
// first error encountered.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			return err
		}
	}
	return nil
}

// BestEffortNotifier logs delivery failures instead of returning them. It
// wraps secondary channels, like push mirroring, whose outage must not fail
// the reminder itself.
type BestEffortNotifier struct {
	inner  Notifier
	logger *slog.Logger
}

func NewBestEffortNotifier(inner Notifier, logger *slog.Logger) *BestEffortNotifier {
	return &BestEffortNotifier{inner: inner, logger: logger}
}

func (b *BestEffortNotifier) Send(ctx context.Context, title, body string) error {
	if err := b.inner.Send(ctx, title, body); err != nil {
		b.logger.Warn("secondary notification failed", "title", title, "error", err)
	}
	return nil
}
