package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/tradedesk/common/retry"
	"github.com/bdobrica/tradedesk/common/trace"
	"github.com/bdobrica/tradedesk/internal/tradedesk/commands"
	"github.com/bdobrica/tradedesk/internal/tradedesk/config"
	"github.com/bdobrica/tradedesk/internal/tradedesk/nlp"
	"github.com/bdobrica/tradedesk/internal/tradedesk/session"
	"github.com/bdobrica/tradedesk/internal/tradedesk/tools"
)

// maxToolRounds bounds the model/tool ping-pong within one turn.
const maxToolRounds = 5

const (
	msgNoModel      = "I can only handle commands and confirmations right now. Type /td help for the list."
	msgRateLimited  = "⏳ You're sending messages faster than I can process them. Please wait a moment."
	msgBudget       = "⏳ The daily assistant budget for this conversation is used up. Commands and confirmations still work."
	msgUpstreamBusy = "The assistant is busy right now. Please try again in a moment."
	msgFailed       = "Sorry, I could not process that request. Please try again."
	msgTooManySteps = "Sorry, I could not finish that request. Please rephrase it."
)

// MsgUnexpected is what a transport shows when a turn fails. The cause goes
// to the log and the audit room under the turn's trace ID.
const MsgUnexpected = "Sorry, something went wrong on my side. Please try again in a moment."

// runModel hands the turn to the model and executes the tools it calls.
// note, when set, is a hint from a handler that delegated back to the model.
// Failures are answered in text; runModel never fails the turn.
func (a *App) runModel(ctx context.Context, turn Turn, text, note string, emit Emitter) *Reply {
	log := trace.Logger(ctx)
	if a.provider == nil {
		return &Reply{Text: msgNoModel}
	}
	a.limiter.SetLimit(config.IntOr(ctx, a.runtime, config.KeyNLPRateLimit, a.cfg.NLP.RateLimit))
	if !a.limiter.Allow(turn.SessionID) {
		log.Warn("model rate limit hit", "session", turn.SessionID)
		return &Reply{Text: msgRateLimited}
	}
	if !a.budget.Allow(turn.SessionID) {
		log.Warn("token budget exhausted", "session", turn.SessionID)
		return &Reply{Text: msgBudget}
	}

	msgs, err := a.buildMessages(ctx, turn, text, note)
	if err != nil {
		log.Error("failed to build prompt", "err", err)
		return &Reply{Text: msgFailed}
	}
	defs := a.modelTools(ctx)
	model := config.StringOr(ctx, a.runtime, config.KeyNLPModel, a.cfg.NLP.Model)

	var pending []tools.Result
	var last *tools.Result
	for round := 0; round < maxToolRounds; round++ {
		resp, err := a.complete(ctx, nlp.CompletionRequest{Model: model, Messages: msgs, Tools: defs, User: turn.SessionID})
		if err != nil {
			log.Error("model call failed", "err", err, "round", round)
			if errors.Is(err, nlp.ErrRateLimit) {
				return &Reply{Text: msgUpstreamBusy}
			}
			return &Reply{Text: msgFailed}
		}
		a.budget.RecordUsage(turn.SessionID, resp.Usage.TotalTokens)

		if len(resp.Message.ToolCalls) == 0 {
			return modelReply(resp.Message.Content, pending, last)
		}

		msgs = append(msgs, resp.Message)
		for _, call := range resp.Message.ToolCalls {
			res := a.callTool(ctx, turn, call)
			emit(Event{Type: EventTool, Data: res})
			if res.Kind == tools.KindPendingConfirmation {
				pending = append(pending, res)
				emit(Event{Type: EventPending, Data: res})
			}
			r := res
			last = &r
			body, _ := json.Marshal(res)
			msgs = append(msgs, nlp.Message{
				Role:       nlp.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
				Content:    string(body),
			})
		}
	}
	log.Warn("model exceeded tool rounds", "rounds", maxToolRounds)
	if len(pending) > 0 {
		return modelReply("", pending, last)
	}
	return &Reply{Text: msgTooManySteps}
}

func (a *App) callTool(ctx context.Context, turn Turn, call nlp.ToolCall) tools.Result {
	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			r := tools.Error(tools.ErrKindInvalidArguments, fmt.Sprintf("arguments are not a JSON object: %v", err))
			r.Tool = call.Function.Name
			return r
		}
	}
	return a.execTool(ctx, turn, call.Function.Name, args, "model")
}

func (a *App) complete(ctx context.Context, req nlp.CompletionRequest) (*nlp.CompletionResponse, error) {
	cfg := a.retry
	cfg.ShouldRetry = retry.IsTransient
	var resp *nlp.CompletionResponse
	err := retry.Do(ctx, cfg, func() error {
		var err error
		resp, err = a.provider.Complete(ctx, req)
		return err
	})
	return resp, err
}

// modelReply composes the final text. Every preview created during the turn
// is shown verbatim so the user confirms exactly what will be executed.
func modelReply(text string, pending []tools.Result, last *tools.Result) *Reply {
	text = strings.TrimSpace(text)
	var b strings.Builder
	b.WriteString(text)
	for _, p := range pending {
		if strings.Contains(text, p.Preview) {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(pendingText(p))
	}
	reply := &Reply{Text: b.String()}
	switch {
	case len(pending) > 0:
		p := pending[len(pending)-1]
		reply.Action = &ActionMeta{Kind: string(p.Kind), IntentType: p.IntentType, Preview: p.Preview, Tool: p.Tool}
		for _, r := range pending {
			reply.Action.IntentIDs = append(reply.Action.IntentIDs, r.IntentID)
		}
	case last != nil:
		reply.Action = &ActionMeta{Kind: string(last.Kind), ResultRef: last.ResultRef, Tool: last.Tool}
	}
	if reply.Text == "" && last != nil {
		reply.Text = last.Text
	}
	return reply
}

func (a *App) buildMessages(ctx context.Context, turn Turn, text, note string) ([]nlp.Message, error) {
	sc, err := a.sessions.Get(ctx, turn.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	pc := nlp.PromptContext{Now: a.now(), EntityRef: sc.EntityRef, Category: sc.Category}
	if sc.ActiveDraftID != "" {
		// Display only; the coordinator re-reads the store before sending.
		if d, err := a.draftCache.Get(ctx, sc.ActiveDraftID); err == nil {
			pc.ActiveDraft = fmt.Sprintf("%s (revision %d, %s)", d.Subject, d.Revision, d.Status)
		}
	}
	list, err := a.intents.ListPending(ctx, turn.SessionID)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	for _, p := range list {
		pc.Pending = append(pc.Pending, fmt.Sprintf("[%s] %s: %s", p.ShortID(), p.Type.Label(), p.PreviewText))
	}

	msgs := []nlp.Message{{Role: nlp.RoleSystem, Content: nlp.BuildSystemPrompt(pc)}}
	hist := turn.History
	if len(hist) == 0 {
		hist = a.history.Recent(turn.SessionID)
	}
	if max := config.IntOr(ctx, a.runtime, config.KeyNLPMaxHistory, a.cfg.NLP.MaxHistory); max > 0 && len(hist) > max {
		hist = hist[len(hist)-max:]
	}
	msgs = append(msgs, historyMessages(hist)...)
	msgs = append(msgs, nlp.Message{Role: nlp.RoleUser, Content: text})
	if note != "" {
		msgs = append(msgs, nlp.Message{Role: nlp.RoleSystem, Content: note})
	}
	return msgs, nil
}

func historyMessages(hist []session.Message) []nlp.Message {
	out := make([]nlp.Message, 0, len(hist))
	for _, m := range hist {
		role := nlp.RoleUser
		if m.Role == "assistant" {
			role = nlp.RoleAssistant
		}
		out = append(out, nlp.Message{Role: role, Content: m.Content})
	}
	return out
}

// modelTools lists the consolidated and legacy tools, minus the ones an
// operator blocked.
func (a *App) modelTools(ctx context.Context) []nlp.ToolDefinition {
	blocked := make(map[string]bool)
	for _, name := range config.List(ctx, a.runtime, config.KeyBlockedTools) {
		blocked[name] = true
	}
	defs := append(a.service.Definitions(), commands.LegacyDefinitions()...)
	out := make([]nlp.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if blocked[d.Name] {
			continue
		}
		out = append(out, nlp.ToolDefinition{
			Type:     "function",
			Function: nlp.FunctionDef{Name: d.Name, Description: d.Description, Parameters: d.Parameters},
		})
	}
	return out
}
