package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/bdobrica/tradedesk/common/trace"
	"github.com/bdobrica/tradedesk/common/version"
	"github.com/bdobrica/tradedesk/internal/tradedesk/config"
	"github.com/bdobrica/tradedesk/internal/tradedesk/confirm"
	"github.com/bdobrica/tradedesk/internal/tradedesk/drafts"
	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/policy"
	"github.com/bdobrica/tradedesk/internal/tradedesk/session"
	"github.com/bdobrica/tradedesk/internal/tradedesk/store"
	"github.com/bdobrica/tradedesk/internal/tradedesk/tools"
)

// Legacy tool names hosted by the command router.
const (
	ToolListPending  = "list_pending"
	ToolDraftHistory = "draft_history"
)

// LegacyTools lists the tools that reach the router through LEGACY_ROUTER.
func LegacyTools() []string {
	return []string{ToolListPending, ToolDraftHistory}
}

// LegacyDefinitions describes the legacy tools to the model.
func LegacyDefinitions() []tools.Definition {
	return []tools.Definition{
		{
			Name:        ToolListPending,
			Description: "List the actions in this conversation that are waiting for the user's confirmation.",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		},
		{
			Name:        ToolDraftHistory,
			Description: "Show an e-mail draft with its revision history.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"draft_id": map[string]any{"type": "string", "description": "Draft to show. Defaults to the draft under discussion."},
				},
			},
		},
	}
}

// ToolCommand wraps model-supplied tool arguments as a Command for Dispatch.
func ToolCommand(tool string, args map[string]any) *Command {
	cmd := &Command{Name: tool, Args: []string{}, Flags: make(map[string]string), RawText: tool}
	for k, v := range args {
		cmd.Flags[k] = fmt.Sprint(v)
	}
	return cmd
}

// Handlers holds all command handlers and dependencies
type Handlers struct {
	store    *store.Store
	intents  *intents.Store
	drafts   *drafts.Store
	sessions *session.Store
	confirm  *confirm.Handler
	config   config.Store
	rules    *policy.Loader
	pins     *policy.Layer
}

// Deps bundles what NewHandlers needs.
type Deps struct {
	Store    *store.Store
	Intents  *intents.Store
	Drafts   *drafts.Store
	Sessions *session.Store
	Confirm  *confirm.Handler
	Config   config.Store
	Rules    *policy.Loader
	// Pins is optional; when set, /td subject also drops the tool pin.
	Pins *policy.Layer
}

// NewHandlers creates a new Handlers instance
func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		store:    d.Store,
		intents:  d.Intents,
		drafts:   d.Drafts,
		sessions: d.Sessions,
		confirm:  d.Confirm,
		config:   d.Config,
		rules:    d.Rules,
		pins:     d.Pins,
	}
}

// Register wires every command and legacy tool into r.
func (h *Handlers) Register(r *Router) {
	r.Register("help", h.HandleHelp)
	r.Register("version", h.HandleVersion)
	r.Register("pending", h.HandlePending)
	r.Register("confirm", h.HandleConfirm)
	r.Register("cancel", h.HandleCancel)
	r.Register("draft", h.HandleDraft)
	r.Register("trace", h.HandleTrace)
	r.Register("config.get", h.HandleConfigGet)
	r.Register("config.set", h.HandleConfigSet)
	r.Register("config.list", h.HandleConfigList)
	r.Register("policy.show", h.HandlePolicyShow)
	r.Register("subject", h.HandleSubjectReset)

	r.Register("tool."+ToolListPending, h.HandlePending)
	r.Register("tool."+ToolDraftHistory, h.HandleDraft)
}

func (h *Handlers) audit(ctx context.Context, req Request, action, target string, err error, payload store.AuditPayload) {
	rec := store.AuditRecord{
		SessionID: req.SessionID,
		Actor:     req.Sender,
		Action:    action,
		Target:    target,
		Result:    store.ResultSuccess,
		Payload:   payload,
	}
	if err != nil {
		rec.Result = store.ResultError
		rec.Error = err.Error()
	}
	if werr := h.store.WriteAudit(ctx, rec); werr != nil {
		slog.Warn("audit write failed", "op", action, "err", werr)
	}
}

// HandleHelp shows available commands
func (h *Handlers) HandleHelp(ctx context.Context, cmd *Command, req Request) (string, error) {
	return `**tradedesk**

• /td pending - List actions awaiting confirmation
• /td confirm <id> - Confirm one pending action
• /td cancel <id|all> - Cancel pending actions
• /td draft <id> - Show a draft and its revisions
• /td subject - Start a new subject (clears the context)
• /td trace <trace_id> - Show the audit trail of a turn
• /td config list | get <key> | set <key> <value> - Runtime settings
• /td policy show - Show the loaded policy rules
• /td version - Show version information`, nil
}

// HandleVersion shows version information
func (h *Handlers) HandleVersion(ctx context.Context, cmd *Command, req Request) (string, error) {
	return fmt.Sprintf("**tradedesk**\nVersion: %s\nCommit: %s\nBuild Time: %s",
		version.Version, version.GitCommit, version.BuildTime), nil
}

// HandlePending lists the session's pending intents.
func (h *Handlers) HandlePending(ctx context.Context, cmd *Command, req Request) (string, error) {
	list, err := h.intents.ListPending(ctx, req.SessionID)
	if err != nil {
		return "", fmt.Errorf("failed to list pending actions: %w", err)
	}
	var b strings.Builder
	n := 0
	for _, p := range list {
		if p.Status != intents.StatusPending {
			continue
		}
		n++
		fmt.Fprintf(&b, "%d. `%s` [%s] %s (expires %s)\n", n, p.ShortID(), p.Type, p.PreviewText, p.ExpiresAt.Format(time.RFC3339))
	}
	if n == 0 {
		return "No actions are waiting for confirmation.", nil
	}
	return fmt.Sprintf("**Pending actions (%d)**\n%s", n, b.String()), nil
}

// resolveIntent matches a full ID or a short prefix among the session's
// pending intents.
func (h *Handlers) resolveIntent(ctx context.Context, sessionID, ref string) (string, error) {
	list, err := h.intents.ListPending(ctx, sessionID)
	if err != nil {
		return "", err
	}
	var match string
	for _, p := range list {
		if p.ID == ref {
			return p.ID, nil
		}
		if strings.HasPrefix(p.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("%q matches more than one pending action", ref)
			}
			match = p.ID
		}
	}
	if match == "" {
		// Fall back to the store so terminal intents report their state.
		return ref, nil
	}
	return match, nil
}

// HandleConfirm confirms one intent by ID.
func (h *Handlers) HandleConfirm(ctx context.Context, cmd *Command, req Request) (string, error) {
	ref, ok := cmd.GetArg(0)
	if !ok {
		return "", fmt.Errorf("usage: /td confirm <id>")
	}
	id, err := h.resolveIntent(ctx, req.SessionID, ref)
	if err != nil {
		return "", err
	}
	out, err := h.confirm.ConfirmByID(ctx, req.SessionID, id)
	if errors.Is(err, intents.ErrNotFound) {
		return fmt.Sprintf("No action `%s` in this conversation.", ref), nil
	}
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// HandleCancel cancels one intent by ID, or every pending one with "all".
func (h *Handlers) HandleCancel(ctx context.Context, cmd *Command, req Request) (string, error) {
	ref, ok := cmd.GetArg(0)
	if !ok {
		return "", fmt.Errorf("usage: /td cancel <id|all>")
	}
	if ref == "all" {
		out, err := h.confirm.Handle(ctx, req.SessionID, "cancel all")
		if err != nil {
			return "", err
		}
		return out.Text, nil
	}
	id, err := h.resolveIntent(ctx, req.SessionID, ref)
	if err != nil {
		return "", err
	}
	out, err := h.confirm.CancelByID(ctx, req.SessionID, id)
	if errors.Is(err, intents.ErrNotFound) {
		return fmt.Sprintf("No action `%s` in this conversation.", ref), nil
	}
	if err != nil {
		return "", err
	}
	return out.Text, nil
}

// HandleDraft shows a draft with its revision history. Without an ID it
// shows the draft under discussion.
func (h *Handlers) HandleDraft(ctx context.Context, cmd *Command, req Request) (string, error) {
	id, _ := cmd.GetArg(0)
	if id == "" {
		id = cmd.GetFlag("draft_id", "")
	}
	if id == "" {
		sc, err := h.sessions.Get(ctx, req.SessionID)
		if err != nil {
			return "", err
		}
		id = sc.ActiveDraftID
	}
	if id == "" {
		return "No draft is under discussion.", nil
	}

	d, err := h.drafts.GetForSession(ctx, req.SessionID, id)
	if errors.Is(err, drafts.ErrNotFound) {
		return fmt.Sprintf("No draft `%s` in this conversation.", id), nil
	}
	if err != nil {
		return "", err
	}
	revs, err := h.drafts.Revisions(ctx, d.ID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Draft %s** (%s, revision %d)\nTo: %s\nSubject: %s\n\n%s\n",
		d.ID, d.Status, d.Revision, strings.Join(d.To, ", "), d.Subject, d.Body)
	if d.Status == drafts.StatusSent {
		fmt.Fprintf(&b, "\nSent revision %d (ref %s)\n", d.SentRevision, d.DeliveryRef)
	}
	b.WriteString("\n**History**\n")
	for _, r := range revs {
		fmt.Fprintf(&b, "• r%d %s by %s: %q\n", r.Revision, r.CreatedAt.Format(time.RFC3339), r.EditedBy, r.Subject)
	}
	return b.String(), nil
}

// HandleTrace shows every audit row of a trace.
func (h *Handlers) HandleTrace(ctx context.Context, cmd *Command, req Request) (string, error) {
	traceID, ok := cmd.GetArg(0)
	if !ok {
		return "", fmt.Errorf("usage: /td trace <trace_id>")
	}
	entries, err := h.store.GetAuditByTrace(ctx, traceID)
	if err != nil {
		return "", fmt.Errorf("failed to get trace: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Sprintf("No audit entries for trace %s.", traceID), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**Trace %s** (%d entries)\n", traceID, len(entries))
	for _, e := range entries {
		target := ""
		if e.Target.Valid {
			target = " " + e.Target.String
		}
		fmt.Fprintf(&b, "• %s %s%s: %s", e.Timestamp.Format("15:04:05"), e.Action, target, e.Result)
		if e.ErrorMessage.Valid && e.ErrorMessage.String != "" {
			fmt.Fprintf(&b, " (%s)", e.ErrorMessage.String)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// HandleSubjectReset clears the conversational context of the session.
func (h *Handlers) HandleSubjectReset(ctx context.Context, cmd *Command, req Request) (string, error) {
	if err := h.sessions.Clear(ctx, req.SessionID); err != nil {
		return "", err
	}
	if h.pins != nil {
		h.pins.Reset(req.SessionID)
	}
	h.audit(ctx, req, "context.cleared", req.SessionID, nil, nil)
	return "Context cleared. What would you like to work on?", nil
}

// HandleConfigSet stores a runtime configuration value.
//
// Usage: /td config set <key> <value>
func (h *Handlers) HandleConfigSet(ctx context.Context, cmd *Command, req Request) (string, error) {
	if len(cmd.Args) < 2 {
		return "", fmt.Errorf("usage: /td config set <key> <value>\n\nPermitted keys: %s", strings.Join(config.Permitted(), ", "))
	}
	key, value := cmd.Args[0], strings.Join(cmd.Args[1:], " ")
	if err := config.Validate(key, value); err != nil {
		return "", err
	}
	if err := h.config.Set(trace.WithSession(ctx, req.SessionID), key, value); err != nil {
		return "", fmt.Errorf("failed to set config: %w", err)
	}
	return fmt.Sprintf("✓ `%s` set to `%s`.", key, value), nil
}

// HandleConfigGet retrieves a runtime configuration value.
func (h *Handlers) HandleConfigGet(ctx context.Context, cmd *Command, req Request) (string, error) {
	key, ok := cmd.GetArg(0)
	if !ok {
		return "", fmt.Errorf("usage: /td config get <key>")
	}
	value, err := h.config.Get(ctx, key)
	if errors.Is(err, config.ErrNotFound) {
		return fmt.Sprintf("`%s`: (not set, using default)", key), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config: %w", err)
	}
	return fmt.Sprintf("`%s`: `%s`", key, value), nil
}

// HandleConfigList shows every explicitly set value.
func (h *Handlers) HandleConfigList(ctx context.Context, cmd *Command, req Request) (string, error) {
	values, err := h.config.List(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list config: %w", err)
	}
	if len(values) == 0 {
		return "No runtime overrides set. Permitted keys: " + strings.Join(config.Permitted(), ", "), nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("**Runtime config**\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "• `%s` = `%s`\n", k, values[k])
	}
	return b.String(), nil
}

// HandlePolicyShow summarises the live policy rules.
func (h *Handlers) HandlePolicyShow(ctx context.Context, cmd *Command, req Request) (string, error) {
	r := h.rules.Rules()
	var b strings.Builder
	fmt.Fprintf(&b, "**Policy rules** version %d, hash %s, pin window %s\n", r.Version, short(h.rules.Hash()), r.PinWindow)
	for _, rule := range r.Rules {
		pin := ""
		if rule.Pin {
			pin = " (pinned)"
		}
		fmt.Fprintf(&b, "• %s → %s, %d pattern(s)%s\n", rule.Name, rule.Tool, len(rule.Patterns), pin)
	}
	return b.String(), nil
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
