package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/tradedesk/common/trace"
	"github.com/bdobrica/tradedesk/internal/tradedesk/audit"
	"github.com/bdobrica/tradedesk/internal/tradedesk/commands"
	"github.com/bdobrica/tradedesk/internal/tradedesk/config"
	"github.com/bdobrica/tradedesk/internal/tradedesk/confirm"
	"github.com/bdobrica/tradedesk/internal/tradedesk/session"
	"github.com/bdobrica/tradedesk/internal/tradedesk/store"
	"github.com/bdobrica/tradedesk/internal/tradedesk/tools"
)

// Turn is one inbound user message.
type Turn struct {
	SessionID string `json:"session_id"`
	Sender    string `json:"sender,omitempty"`
	Message   string `json:"message"`
	// History optionally supplies the prior exchange. When empty the
	// server-side window of the session is used.
	History []session.Message `json:"history,omitempty"`
	// Source names the transport: "matrix", "api" or "ws".
	Source string `json:"-"`
}

// Reply is the answer to a Turn.
type Reply struct {
	Text    string      `json:"text"`
	Action  *ActionMeta `json:"action,omitempty"`
	TraceID string      `json:"trace_id"`
}

// ActionMeta describes what the turn did besides talking.
type ActionMeta struct {
	// Kind is a tools.Kind for tool results or a confirm.OutcomeKind for
	// confirmation turns.
	Kind       string   `json:"kind"`
	IntentIDs  []string `json:"intent_ids,omitempty"`
	IntentType string   `json:"intent_type,omitempty"`
	Preview    string   `json:"preview,omitempty"`
	ResultRef  string   `json:"result_ref,omitempty"`
	Tool       string   `json:"tool,omitempty"`
	// Forced is true when the policy layer chose the tool.
	Forced bool `json:"forced,omitempty"`
}

// Event types emitted by HandleTurnStream.
const (
	EventPolicy  = "policy"
	EventTool    = "tool"
	EventPending = "pending"
	EventReply   = "reply"
)

// Event is one step of a streamed turn.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Emitter receives streamed events. It must not block for long.
type Emitter func(Event)

// HandleTurn runs one turn and returns the final reply.
func (a *App) HandleTurn(ctx context.Context, turn Turn) (*Reply, error) {
	return a.HandleTurnStream(ctx, turn, nil)
}

// HandleTurnStream runs one turn, reporting intermediate steps to emit.
//
// The order is fixed: operator commands, subject switches, the policy
// override, confirmation handling and finally the model with its tools.
func (a *App) HandleTurnStream(ctx context.Context, turn Turn, emit Emitter) (*Reply, error) {
	if turn.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if emit == nil {
		emit = func(Event) {}
	}
	ctx = trace.Ensure(trace.WithSession(ctx, turn.SessionID))
	log := trace.Logger(ctx)
	text := strings.TrimSpace(turn.Message)

	reply, err := a.runTurn(ctx, turn, text, emit)
	if err != nil {
		log.Error("turn failed", "err", err)
		a.notifier.Notify(ctx, audit.Event{
			Kind:      audit.KindError,
			SessionID: turn.SessionID,
			Actor:     turn.Sender,
			Message:   "turn failed: " + err.Error(),
		})
		return nil, err
	}
	reply.TraceID = trace.FromContext(ctx)

	if len(turn.History) == 0 {
		a.history.Record(turn.SessionID, "user", text)
		a.history.Record(turn.SessionID, "assistant", reply.Text)
	}
	a.notifyAction(ctx, turn, reply)
	emit(Event{Type: EventReply, Data: reply})
	log.Debug("turn complete", "action", actionKind(reply))
	return reply, nil
}

func (a *App) runTurn(ctx context.Context, turn Turn, text string, emit Emitter) (*Reply, error) {
	req := commands.Request{SessionID: turn.SessionID, Sender: turn.Sender}
	if a.commands.IsCommand(text) {
		out, err := a.commands.Route(ctx, text, req)
		if err != nil {
			return &Reply{Text: fmt.Sprintf("❌ Error: %s", err)}, nil
		}
		return &Reply{Text: out}, nil
	}

	rules := a.rules.Rules()
	if rules.IsSubjectSwitch(text) {
		if err := a.resetSubject(ctx, turn); err != nil {
			return nil, err
		}
	}

	dec, err := a.layer.Evaluate(ctx, turn.SessionID, text)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	var note string
	if dec.Matched {
		emit(Event{Type: EventPolicy, Data: dec})
		res := a.execTool(ctx, turn, dec.Tool, dec.Args, "policy")
		emit(Event{Type: EventTool, Data: res})
		if res.Kind == tools.KindFallback && res.FallbackTo == tools.FallbackCoreDelegate {
			note = res.Text
		} else {
			reply := resultReply(res)
			reply.Action.Forced = true
			if res.Kind == tools.KindPendingConfirmation {
				emit(Event{Type: EventPending, Data: res})
			}
			return reply, nil
		}
	}

	outcome, err := a.confirm.Handle(ctx, turn.SessionID, text)
	if err != nil {
		return nil, fmt.Errorf("confirm: %w", err)
	}
	if outcome.Handled() {
		return outcomeReply(outcome), nil
	}

	return a.runModel(ctx, turn, text, note, emit), nil
}

func (a *App) resetSubject(ctx context.Context, turn Turn) error {
	log := trace.Logger(ctx)
	if err := a.sessions.Clear(ctx, turn.SessionID); err != nil {
		return fmt.Errorf("clear context: %w", err)
	}
	a.layer.Reset(turn.SessionID)
	a.history.Forget(turn.SessionID)
	if err := a.store.WriteAudit(ctx, store.AuditRecord{
		Actor:  turn.Sender,
		Action: "context.cleared",
		Target: turn.SessionID,
		Result: store.ResultSuccess,
	}); err != nil {
		log.Warn("failed to write audit log", "err", err)
	}
	log.Info("subject switch; conversation context cleared")
	return nil
}

// ExecuteTool runs a tool outside a conversational turn, as for API edits.
// Side-effecting tools still only create a pending intent.
func (a *App) ExecuteTool(ctx context.Context, sessionID, actor, tool string, args map[string]any) tools.Result {
	ctx = trace.Ensure(trace.WithSession(ctx, sessionID))
	return a.execTool(ctx, Turn{SessionID: sessionID, Sender: actor}, tool, args, "api")
}

// execTool runs one tool call and resolves LEGACY_ROUTER fallbacks through
// the command router. CORE_DELEGATE results are returned to the caller.
func (a *App) execTool(ctx context.Context, turn Turn, tool string, args map[string]any, source string) tools.Result {
	ec := tools.ExecContext{
		SessionID: turn.SessionID,
		Actor:     turn.Sender,
		Source:    source,
		Documents: a.docs,
		Drafts:    a.drafts,
		Intents:   a.intents,
		Session:   a.sessions,
		IntentTTL: config.DurationOr(ctx, a.runtime, config.KeyIntentTTL, a.cfg.IntentTTL),
	}
	res := a.service.Execute(ctx, tool, args, ec)
	if res.Kind != tools.KindFallback || res.FallbackTo != tools.FallbackLegacyRouter {
		return res
	}

	out, err := a.commands.Dispatch(ctx, "tool."+tool, commands.ToolCommand(tool, args),
		commands.Request{SessionID: turn.SessionID, Sender: turn.Sender})
	if err != nil {
		if errors.Is(err, commands.ErrUnknownAction) {
			r := tools.Error(tools.ErrKindNotFound, fmt.Sprintf("tool %q is not available", tool))
			r.Tool = tool
			return r
		}
		r := tools.Error(tools.ErrKindExecution, err.Error())
		r.Tool = tool
		return r
	}
	r := tools.Answered(out, nil)
	r.Tool = tool
	r.HandlerID = res.HandlerID
	return r
}

func resultReply(res tools.Result) *Reply {
	meta := &ActionMeta{
		Kind:       string(res.Kind),
		IntentType: res.IntentType,
		Preview:    res.Preview,
		ResultRef:  res.ResultRef,
		Tool:       res.Tool,
	}
	if res.IntentID != "" {
		meta.IntentIDs = []string{res.IntentID}
	}
	text := res.Text
	if res.Kind == tools.KindPendingConfirmation {
		text = pendingText(res)
	}
	return &Reply{Text: text, Action: meta}
}

func pendingText(res tools.Result) string {
	return fmt.Sprintf("%s\n\nReply **yes** to confirm or **no** to cancel (ref `%s`).", res.Preview, shortID(res.IntentID))
}

func outcomeReply(o *confirm.Outcome) *Reply {
	meta := &ActionMeta{Kind: string(o.Kind)}
	for _, p := range o.Intents {
		meta.IntentIDs = append(meta.IntentIDs, p.ID)
		meta.IntentType = string(p.Type)
	}
	for _, r := range o.Results {
		if r != nil && r.Ref != "" {
			meta.ResultRef = r.Ref
		}
	}
	return &Reply{Text: o.Text, Action: meta}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func actionKind(r *Reply) string {
	if r.Action == nil {
		return ""
	}
	return r.Action.Kind
}

// notifyAction mirrors intent transitions to the operator notifier.
func (a *App) notifyAction(ctx context.Context, turn Turn, r *Reply) {
	if r.Action == nil {
		return
	}
	var kind audit.Kind
	switch r.Action.Kind {
	case string(tools.KindPendingConfirmation):
		kind = audit.KindIntentCreated
	case string(confirm.OutcomeConfirmed):
		kind = audit.KindIntentExecuted
	case string(confirm.OutcomeCancelled):
		kind = audit.KindIntentCancelled
	case string(confirm.OutcomeExpired):
		kind = audit.KindIntentExpired
	case string(confirm.OutcomeFailed):
		kind = audit.KindIntentFailed
	default:
		if !r.Action.Forced {
			return
		}
		kind = audit.KindPolicyOverride
	}
	a.notifier.Notify(ctx, audit.Event{
		Kind:      kind,
		SessionID: turn.SessionID,
		Actor:     turn.Sender,
		Target:    strings.Join(r.Action.IntentIDs, ","),
		Message:   firstLine(r.Text),
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
