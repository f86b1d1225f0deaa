// Package audit posts short human-readable notices about intent transitions
// to an operator room so the back office can follow what the assistant
// prepared, sent and filed without tailing the audit_log table.
//
// Every notice carries the trace ID; /td trace <id> shows the full record.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/tradedesk/common/redact"
	"github.com/bdobrica/tradedesk/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindIntentCreated   Kind = "intent.created"
	KindIntentExecuted  Kind = "intent.executed"
	KindIntentCancelled Kind = "intent.cancelled"
	KindIntentExpired   Kind = "intent.expired"
	KindIntentFailed    Kind = "intent.failed"
	KindPolicyOverride  Kind = "policy.override"
	KindError           Kind = "error"
)

// Event carries the data the notifier formats and sends.
type Event struct {
	Kind Kind
	// SessionID is the conversation the event belongs to.
	SessionID string
	Actor     string
	// Target is the primary resource (intent ID, draft ID, rule name).
	Target  string
	Message string
	// TraceID defaults to the trace in the context.
	TraceID   string
	Timestamp time.Time
}

// Notifier sends operator notices. Implementations must not block the
// caller for long; send failures are logged, not propagated.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client the notifier needs.
type Sender interface {
	SendNotice(ctx context.Context, roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats evt and posts it. Previews may contain addresses, so the
// message is redacted first.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}
	if err := n.sender.SendNotice(ctx, n.roomID, Format(ctx, evt)); err != nil {
		slog.Warn("audit notifier: failed to send room notice", "room", n.roomID, "kind", evt.Kind, "err", err)
		return
	}
	slog.Debug("audit notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
}

// Format renders evt as a notice body.
func Format(ctx context.Context, evt Event) string {
	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	icon := kindIcon(evt.Kind)
	body := redact.Personal(evt.Message)

	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, body)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s [%s] %s → %s", icon, evt.Kind, evt.Target, body)
	}
	if evt.SessionID != "" {
		msg += "\n  session: " + evt.SessionID
	}
	if tid != "" {
		msg += "\n  trace: " + tid
	}
	if evt.Actor != "" {
		msg += "\n  actor: " + evt.Actor
	}
	return msg
}

// Noop is used when notices are disabled.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(context.Context, Event) {}

func kindIcon(k Kind) string {
	switch k {
	case KindIntentCreated:
		return "🔔"
	case KindIntentExecuted:
		return "✅"
	case KindIntentCancelled:
		return "🚫"
	case KindIntentExpired:
		return "⏰"
	case KindIntentFailed, KindError:
		return "🚨"
	case KindPolicyOverride:
		return "📏"
	default:
		return "ℹ️"
	}
}
