package pushover

import (
	"context"
	"fmt"

	"github.com/agusx1211/missionpilot/internal/config"
	"github.com/agusx1211/missionpilot/internal/debug"
	"github.com/agusx1211/missionpilot/internal/session"
	"github.com/agusx1211/missionpilot/internal/store"
)

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier watches session records and sends one message per outcome: when
// the session enters the error state, and when an active session settles in
// idle because the queue ran out.
type Notifier struct {
	Sender Sender
	Config config.NotifyConfig
	// Name prefixes message titles, e.g. the bridge service name.
	Name string

	active  bool
	errored bool
	cleared map[string]bool
}

// Observe inspects rec and sends a message when it marks an outcome. It
// returns the message sent, if any.
func (n *Notifier) Observe(ctx context.Context, rec store.SessionRecord) *Message {
	if n.cleared == nil {
		n.cleared = make(map[string]bool)
	}
	sctx := rec.Context
	if sctx.CompletedMissionID != "" {
		n.cleared[sctx.CompletedMissionID] = true
	}

	var msg *Message
	switch {
	case rec.State == session.StateError:
		if !n.errored && n.Config.Wants(config.NotifyError) {
			msg = &Message{
				Title:    n.title("session failed"),
				Body:     errorBody(sctx),
				Priority: PriorityHigh,
			}
		}
		n.errored = true
		n.active = true
	case rec.State.IsIdle():
		if n.active && sctx.CompletionReason == session.ReasonNoMissions && n.Config.Wants(config.NotifyComplete) {
			msg = &Message{
				Title:    n.title("queue exhausted"),
				Body:     fmt.Sprintf("Cleared %d mission(s); no eligible missions remain.", len(n.cleared)),
				Priority: PriorityLow,
			}
		}
		n.active = false
		n.errored = false
		n.cleared = make(map[string]bool)
	case rec.State.Active():
		n.active = true
		n.errored = false
	}

	if msg == nil || n.Sender == nil {
		return msg
	}
	if err := n.Sender.Send(ctx, *msg); err != nil {
		debug.LogKV("notify", "notification failed", "title", msg.Title, "error", err)
	} else {
		debug.LogKV("notify", "notification sent", "title", msg.Title)
	}
	return msg
}

// Follow observes updates until ctx is cancelled or the channel closes.
func (n *Notifier) Follow(ctx context.Context, updates <-chan store.SessionRecord) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-updates:
			if !ok {
				return
			}
			n.Observe(ctx, rec)
		}
	}
}

func (n *Notifier) title(what string) string {
	name := n.Name
	if name == "" {
		name = "missionpilot"
	}
	return name + ": " + what
}

func errorBody(ctx session.Context) string {
	body := ctx.LastError
	if body == "" {
		body = "unknown error"
	}
	if ctx.ActiveMissionID != "" {
		body = fmt.Sprintf("Mission %s: %s", ctx.ActiveMissionID, body)
	}
	return body + fmt.Sprintf(" (retries: %d)", ctx.ErrorRetryCount)
}
