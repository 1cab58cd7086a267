// Package notify pushes operator alerts about bet lifecycle events to chat
// channels (Telegram, Discord).
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/stakecourt/internal/domain"
)

// Sender delivers one message to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans events out to every sender. Only event types in the allowed
// set are forwarded; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for the given senders and event filter.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether events of type t are forwarded.
func (n *Notifier) Enabled(t domain.EventType) bool {
	if len(n.senders) == 0 {
		return false
	}
	return len(n.events) == 0 || n.events[t]
}

// NotifyEvent formats ev and sends it when its type is enabled.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.Event) error {
	if !n.Enabled(ev.Type) {
		return nil
	}
	title, message := Format(ev)
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a free-form message regardless of the filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch tries every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// Format renders ev as a title and a multi-line body.
func Format(ev domain.Event) (string, string) {
	title := fmt.Sprintf("Bet #%d: %s", ev.BetID, strings.ReplaceAll(string(ev.Type), "_", " "))

	var b strings.Builder
	fmt.Fprintf(&b, "actor: %s\n", ev.Actor.Hex())
	if ev.Party != "" {
		fmt.Fprintf(&b, "party: %s\n", ev.Party)
	}
	if ev.Amount != "" {
		fmt.Fprintf(&b, "amount: %s\n", ev.Amount)
	}
	if ev.Round > 0 {
		fmt.Fprintf(&b, "round: %d\n", ev.Round)
	}
	keys := make([]string, 0, len(ev.Detail))
	for k := range ev.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, ev.Detail[k])
	}
	return title, strings.TrimSuffix(b.String(), "\n")
}
