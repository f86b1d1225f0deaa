package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/tradedesk/common/trace"
	"github.com/bdobrica/tradedesk/internal/tradedesk/documents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/drafts"
	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/policy"
	"github.com/bdobrica/tradedesk/internal/tradedesk/session"
)

// Definition describes a tool to the model and to the service.
type Definition struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object. It is compiled at registration and
	// every call is validated against it.
	Parameters map[string]any
	// SideEffect marks tools that must go through a pending intent.
	SideEffect bool
}

// Handler implements one consolidated tool.
type Handler interface {
	Definition() Definition
	Handle(ctx context.Context, args map[string]any, ec ExecContext) (Result, error)
}

// DraftStore is the subset of the draft store handlers may use.
type DraftStore interface {
	Create(ctx context.Context, sessionID string, c drafts.Content, editedBy string) (*drafts.Draft, error)
	GetForSession(ctx context.Context, sessionID, id string) (*drafts.Draft, error)
	Revise(ctx context.Context, id string, c drafts.Content, expectedRevision int, editedBy string) (*drafts.Draft, error)
}

// IntentStore is the subset of the intent store handlers may use.
type IntentStore interface {
	Create(ctx context.Context, sessionID string, args intents.Args, preview string, ttl time.Duration) (*intents.PendingIntent, error)
	ListPending(ctx context.Context, sessionID string) ([]*intents.PendingIntent, error)
	UpdatePreview(ctx context.Context, id, preview string) error
}

// ContextStore is the subset of the conversation context handlers may use.
type ContextStore interface {
	Get(ctx context.Context, sessionID string) (*session.Context, error)
	SetEntity(ctx context.Context, sessionID, ref string) error
	SetActiveDraft(ctx context.Context, sessionID, draftID string) error
	SetFact(ctx context.Context, sessionID, key, value string, ttl time.Duration) error
	Fact(ctx context.Context, sessionID, key string) (string, bool, error)
}

// ExecContext is everything a handler may touch for one call.
type ExecContext struct {
	SessionID string
	Actor     string
	// Source is where the call came from: "model", "policy" or "api".
	Source    string
	Documents documents.Lookup
	Drafts    DraftStore
	Intents   IntentStore
	Session   ContextStore
	IntentTTL time.Duration
}

// Gate decides whether a call may proceed.
type Gate interface {
	Decide(ctx context.Context, in policy.GateInput) (policy.Verdict, error)
}

type registered struct {
	handler Handler
	def     Definition
	schema  *jsonschema.Schema
}

// Service executes tool calls through the router, schema validation, the
// gate and finally the registered handler.
type Service struct {
	router   *Router
	gate     Gate
	handlers map[HandlerID]registered
	blocked  func(ctx context.Context) []string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithBlockedTools supplies the operator's list of disabled tools, read on
// every call.
func WithBlockedTools(fn func(ctx context.Context) []string) ServiceOption {
	return func(s *Service) { s.blocked = fn }
}

// NewService creates a Service. gate may be nil to allow everything.
func NewService(router *Router, gate Gate, opts ...ServiceOption) *Service {
	s := &Service{router: router, gate: gate, handlers: make(map[HandlerID]registered)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds h under the route of its tool name. The route must exist and
// point at the core namespace.
func (s *Service) Register(h Handler) error {
	def := h.Definition()
	id, err := s.router.Route(def.Name)
	if err != nil {
		return err
	}
	if id.Namespace() != NamespaceCore {
		return fmt.Errorf("tool %q is routed to %s, not a core handler", def.Name, id)
	}
	if _, dup := s.handlers[id]; dup {
		return fmt.Errorf("duplicate handler registration: %s", id)
	}

	raw, err := json.Marshal(def.Parameters)
	if err != nil {
		return fmt.Errorf("tool %q: encode schema: %w", def.Name, err)
	}
	schema, err := jsonschema.CompileString("tradedesk://tools/"+def.Name+".json", string(raw))
	if err != nil {
		return fmt.Errorf("tool %q: compile schema: %w", def.Name, err)
	}

	s.handlers[id] = registered{handler: h, def: def, schema: schema}
	return nil
}

// MustRegister is Register for startup wiring.
func (s *Service) MustRegister(hs ...Handler) {
	for _, h := range hs {
		if err := s.Register(h); err != nil {
			panic("tools: " + err.Error())
		}
	}
}

// Definitions returns every registered tool definition, sorted by name.
func (s *Service) Definitions() []Definition {
	out := make([]Definition, 0, len(s.handlers))
	for _, r := range s.handlers {
		out = append(out, r.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup reports the definition of a registered tool.
func (s *Service) Lookup(tool string) (Definition, bool) {
	id, err := s.router.Route(tool)
	if err != nil {
		return Definition{}, false
	}
	r, ok := s.handlers[id]
	return r.def, ok
}

// Execute runs one tool call. It never returns a Go error: every outcome,
// including routing and validation failures, is a Result with FallbackTo
// set.
func (s *Service) Execute(ctx context.Context, tool string, args map[string]any, ec ExecContext) Result {
	log := trace.Logger(ctx).With("tool", tool, "source", ec.Source)

	id, err := s.router.Route(tool)
	if err != nil {
		log.Error("tool routing failed", "err", err)
		return s.tag(Error(ErrKindNotFound, fmt.Sprintf("Unknown tool %q.", tool)), tool, "")
	}

	reg, ok := s.handlers[id]
	if !ok {
		log.Info("tool has no consolidated handler", "handler", id)
		return legacy(tool, id)
	}

	if args == nil {
		args = map[string]any{}
	}
	norm := normalizeArgs(args)
	if err := reg.schema.Validate(norm); err != nil {
		log.Warn("tool arguments rejected", "err", err)
		return s.tag(Error(ErrKindInvalidArguments, describeValidation(err)), tool, id)
	}

	if s.gate != nil {
		in := policy.GateInput{
			Tool:       tool,
			SessionID:  ec.SessionID,
			Args:       norm,
			SideEffect: reg.def.SideEffect,
			Source:     ec.Source,
		}
		if s.blocked != nil {
			in.BlockedTools = s.blocked(ctx)
		}
		verdict, err := s.gate.Decide(ctx, in)
		if err != nil {
			log.Error("tool gate evaluation failed", "err", err)
			return s.tag(Error(ErrKindPolicyDenied, "This action could not be authorised right now."), tool, id)
		}
		if !verdict.Allow {
			log.Warn("tool call denied by policy", "reasons", verdict.Reasons)
			return s.tag(Error(ErrKindPolicyDenied, "Not allowed: "+strings.Join(verdict.Reasons, "; ")+"."), tool, id)
		}
	}

	start := time.Now()
	res, err := reg.handler.Handle(ctx, norm, ec)
	if err != nil {
		log.Error("tool handler failed", "handler", id, "err", err, "duration", time.Since(start))
		return s.tag(Error(ErrKindExecution, "Something went wrong while running this action. Please try again."), tool, id)
	}
	if reg.def.SideEffect && res.Kind == KindExecuted {
		// Side effects only run through a confirmed intent.
		log.Error("side-effecting handler executed without confirmation", "handler", id)
		return s.tag(Error(ErrKindExecution, "This action needs confirmation first."), tool, id)
	}
	if res.FallbackTo == "" {
		res.FallbackTo = FallbackNone
	}
	if res.FallbackTo == FallbackLegacyRouter {
		// A registered handler is never sent to the legacy router.
		log.Error("registered handler asked for legacy fallback", "handler", id)
		res = Delegate(res.Text)
	}
	log.Info("tool executed", "handler", id, "kind", res.Kind, "fallback_to", res.FallbackTo, "duration", time.Since(start))
	return s.tag(res, tool, id)
}

func (s *Service) tag(r Result, tool string, id HandlerID) Result {
	r.Tool = tool
	r.HandlerID = id
	if r.FallbackTo == "" {
		r.FallbackTo = FallbackNone
	}
	return r
}

// normalizeArgs round-trips args through JSON so the validator sees the
// same types a decoded model call would carry.
func normalizeArgs(args map[string]any) map[string]any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return args
	}
	return v
}

func describeValidation(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			return "Invalid arguments: " + leaf.Message + "."
		}
		return fmt.Sprintf("Invalid argument %q: %s.", loc, leaf.Message)
	}
	return "Invalid arguments: " + err.Error()
}
