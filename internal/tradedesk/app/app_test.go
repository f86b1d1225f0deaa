package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/tradedesk/common/retry"
	"github.com/bdobrica/tradedesk/internal/tradedesk/audit"
	"github.com/bdobrica/tradedesk/internal/tradedesk/confirm"
	"github.com/bdobrica/tradedesk/internal/tradedesk/coordinator"
	"github.com/bdobrica/tradedesk/internal/tradedesk/documents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/nlp"
	"github.com/bdobrica/tradedesk/internal/tradedesk/tools"
)

const room = "!ops:example.org"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scripted replays canned model responses in order and records requests.
type scripted struct {
	mu        sync.Mutex
	responses []*nlp.CompletionResponse
	errs      []error
	requests  []nlp.CompletionRequest
}

func (s *scripted) Complete(_ context.Context, req nlp.CompletionRequest) (*nlp.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(s.responses) == 0 {
		return &nlp.CompletionResponse{Message: nlp.Message{Role: nlp.RoleAssistant, Content: "(no script)"}}, nil
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func toolCall(name string, args map[string]any) *nlp.CompletionResponse {
	raw, _ := json.Marshal(args)
	return &nlp.CompletionResponse{
		Message: nlp.Message{
			Role: nlp.RoleAssistant,
			ToolCalls: []nlp.ToolCall{{
				ID:       "call_" + name,
				Type:     "function",
				Function: nlp.FunctionCall{Name: name, Arguments: string(raw)},
			}},
		},
		FinishReason: "tool_calls",
		Usage:        nlp.TokenUsage{TotalTokens: 100},
	}
}

func say(text string) *nlp.CompletionResponse {
	return &nlp.CompletionResponse{
		Message:      nlp.Message{Role: nlp.RoleAssistant, Content: text},
		FinishReason: "stop",
		Usage:        nlp.TokenUsage{TotalTokens: 50},
	}
}

type backend struct {
	mu      sync.Mutex
	mails   []coordinator.Message
	reports []intents.ReportArgs
}

func (b *backend) Send(_ context.Context, msg coordinator.Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mails = append(b.mails, msg)
	return "mail-" + msg.IdempotencyKey, nil
}

func (b *backend) SendReport(_ context.Context, key string, args intents.ReportArgs) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reports = append(b.reports, args)
	return "report-" + key, nil
}

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Notify(_ context.Context, evt audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) kinds() []audit.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type env struct {
	app      *App
	model    *scripted
	backend  *backend
	clock    *clock
	notifier *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		model:    &scripted{},
		backend:  &backend{},
		clock:    &clock{now: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)},
		notifier: &recorder{},
	}
	cat := documents.NewCatalog()
	cat.PutTariff(documents.Tariff{
		Code:        "84713012",
		Description: "Portable computers",
		Rates:       map[string]float64{"ii": 0, "ipi": 9.75},
	})
	a, err := New(&Config{DatabasePath: filepath.Join(t.TempDir(), "tradedesk-test.db")},
		WithProvider(e.model),
		WithMailer(e.backend),
		WithReportSender(e.backend),
		WithDocuments(cat),
		WithNotifier(e.notifier),
		WithClock(e.clock.Now),
		WithRetry(retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(a.Stop)
	e.app = a
	return e
}

func (e *env) turn(t *testing.T, msg string, script ...*nlp.CompletionResponse) *Reply {
	t.Helper()
	e.model.mu.Lock()
	e.model.responses = append(e.model.responses, script...)
	e.model.mu.Unlock()
	reply, err := e.app.HandleTurn(context.Background(), Turn{SessionID: room, Sender: "@ana:example.org", Message: msg})
	if err != nil {
		t.Fatalf("HandleTurn(%q) error = %v", msg, err)
	}
	return reply
}

var emailArgs = map[string]any{
	"to":      []any{"joana@acme.example"},
	"subject": "Report",
	"body":    "Please find the weekly report attached.",
}

func TestHandleTurn_EditAfterPreviewSendsLatestRevision(t *testing.T) {
	e := newEnv(t)

	r := e.turn(t, "email joana the weekly report",
		toolCall("send_email", emailArgs), say("I prepared the e-mail."))
	if r.Action == nil || r.Action.Kind != string(tools.KindPendingConfirmation) {
		t.Fatalf("expected a pending confirmation, got %+v", r.Action)
	}
	if !strings.Contains(r.Text, `subject "Report"`) {
		t.Errorf("preview missing from reply: %q", r.Text)
	}

	r = e.turn(t, "change the subject to Final Report",
		toolCall("edit_draft", map[string]any{"subject": "Final Report"}), say("Done, the subject is now Final Report."))
	if len(e.backend.mails) != 0 {
		t.Fatal("edit must not send anything")
	}

	r = e.turn(t, "yes")
	if r.Action == nil || r.Action.Kind != string(confirm.OutcomeConfirmed) {
		t.Fatalf("expected confirmed, got %+v: %q", r.Action, r.Text)
	}
	if len(e.backend.mails) != 1 {
		t.Fatalf("expected exactly one e-mail, got %d", len(e.backend.mails))
	}
	if got := e.backend.mails[0].Subject; got != "Final Report" {
		t.Errorf("sent subject = %q, want %q", got, "Final Report")
	}
	if e.backend.mails[0].Revision != 2 {
		t.Errorf("sent revision = %d, want 2", e.backend.mails[0].Revision)
	}
	if e.model.calls() != 4 {
		t.Errorf("confirmation must not reach the model; model calls = %d", e.model.calls())
	}
}

func TestHandleTurn_ConfirmTwiceIsAlreadySent(t *testing.T) {
	e := newEnv(t)
	e.turn(t, "email joana the weekly report", toolCall("send_email", emailArgs), say("Ready."))

	if r := e.turn(t, "yes"); r.Action.Kind != string(confirm.OutcomeConfirmed) {
		t.Fatalf("first yes: %+v", r.Action)
	}
	r := e.turn(t, "yes")
	if !strings.Contains(r.Text, "already sent") {
		t.Errorf("second yes = %q, want already sent", r.Text)
	}
	if len(e.backend.mails) != 1 {
		t.Errorf("expected one e-mail, got %d", len(e.backend.mails))
	}
}

func TestHandleTurn_TwoPendingAsksWhichOne(t *testing.T) {
	e := newEnv(t)
	e.turn(t, "email joana the weekly report", toolCall("send_email", emailArgs), say("Ready."))
	e.clock.Advance(time.Second)
	e.turn(t, "and the costs report to the boss",
		toolCall("send_report", map[string]any{"report": "process_costs", "recipients": []any{"boss@acme.example"}}),
		say("Ready as well."))

	r := e.turn(t, "yes")
	if r.Action.Kind != string(confirm.OutcomeAmbiguous) {
		t.Fatalf("expected ambiguous, got %+v: %q", r.Action, r.Text)
	}
	if len(r.Action.IntentIDs) != 2 {
		t.Errorf("expected both candidates listed, got %v", r.Action.IntentIDs)
	}
	if !strings.Contains(r.Text, "1.") || !strings.Contains(r.Text, "2.") {
		t.Errorf("expected a numbered list, got %q", r.Text)
	}

	r = e.turn(t, "2")
	if r.Action.Kind != string(confirm.OutcomeConfirmed) {
		t.Fatalf("selection: %+v: %q", r.Action, r.Text)
	}
	if len(e.backend.reports) != 1 || len(e.backend.mails) != 0 {
		t.Errorf("expected only the report, got %d reports and %d mails", len(e.backend.reports), len(e.backend.mails))
	}

	pending, err := e.app.Intents().ListPending(context.Background(), room)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != intents.TypeSendEmail {
		t.Errorf("the e-mail should still be pending, got %d", len(pending))
	}
}

func TestHandleTurn_ExpiredIntentAsksToRegenerate(t *testing.T) {
	e := newEnv(t)
	e.turn(t, "email joana the weekly report", toolCall("send_email", emailArgs), say("Ready."))

	e.clock.Advance(intents.DefaultTTL + time.Minute)
	r := e.turn(t, "yes")
	if r.Action.Kind != string(confirm.OutcomeExpired) {
		t.Fatalf("expected expired, got %+v", r.Action)
	}
	if !strings.Contains(r.Text, "expired, please regenerate") {
		t.Errorf("reply = %q", r.Text)
	}
	if len(e.backend.mails) != 0 {
		t.Error("expired intent must not send")
	}
}

func TestHandleTurn_PolicyOverrideBypassesModel(t *testing.T) {
	e := newEnv(t)

	var events []string
	reply, err := e.app.HandleTurnStream(context.Background(),
		Turn{SessionID: room, Message: "what is the duty for NCM 8471.30.12?"},
		func(ev Event) { events = append(events, ev.Type) })
	if err != nil {
		t.Fatalf("HandleTurnStream: %v", err)
	}
	if !reply.Action.Forced || reply.Action.Tool != "lookup_tariff" {
		t.Errorf("expected forced lookup_tariff, got %+v", reply.Action)
	}
	if !strings.Contains(reply.Text, "IPI 9.75%") {
		t.Errorf("reply = %q", reply.Text)
	}
	if want := []string{EventPolicy, EventTool, EventReply}; strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", events, want)
	}

	follow := e.turn(t, "and is there a license?")
	if follow.Action == nil || !follow.Action.Forced {
		t.Errorf("follow-up should stay pinned, got %+v", follow.Action)
	}
	if e.model.calls() != 0 {
		t.Errorf("model must not be called, got %d calls", e.model.calls())
	}
}

func TestHandleTurn_LegacyToolThroughRouter(t *testing.T) {
	e := newEnv(t)
	e.turn(t, "email joana the weekly report", toolCall("send_email", emailArgs), say("Ready."))

	r := e.turn(t, "what is waiting for me?", toolCall("list_pending", map[string]any{}), say(""))
	if r.Action == nil || r.Action.Tool != "list_pending" {
		t.Fatalf("expected the legacy tool result, got %+v", r.Action)
	}
	if !strings.Contains(r.Text, "Report") {
		t.Errorf("expected the pending list, got %q", r.Text)
	}
}

func TestHandleTurn_BlockedToolHiddenAndDenied(t *testing.T) {
	e := newEnv(t)
	if r := e.turn(t, "/td config set tools.blocked send_report"); !strings.Contains(r.Text, "tools.blocked") {
		t.Fatalf("config set: %q", r.Text)
	}

	e.turn(t, "send the costs report",
		toolCall("send_report", map[string]any{"report": "process_costs", "recipients": []any{"boss@acme.example"}}),
		say("I cannot send reports right now."))

	req := e.model.requests[0]
	for _, d := range req.Tools {
		if d.Function.Name == "send_report" {
			t.Error("blocked tool offered to the model")
		}
	}
	var toolMsg nlp.Message
	for _, m := range e.model.requests[1].Messages {
		if m.Role == nlp.RoleTool {
			toolMsg = m
		}
	}
	if !strings.Contains(toolMsg.Content, string(tools.ErrKindPolicyDenied)) {
		t.Errorf("expected a policy denial, got %q", toolMsg.Content)
	}
	pending, _ := e.app.Intents().ListPending(context.Background(), room)
	if len(pending) != 0 {
		t.Errorf("blocked tool created %d intents", len(pending))
	}
}

func TestHandleTurn_TransientModelErrorIsRetried(t *testing.T) {
	e := newEnv(t)
	e.model.errs = []error{retry.Transient(nlp.ErrRateLimit)}

	r := e.turn(t, "hello", say("Hi, how can I help?"))
	if r.Text != "Hi, how can I help?" {
		t.Errorf("reply = %q", r.Text)
	}
	if e.model.calls() != 2 {
		t.Errorf("calls = %d, want 2", e.model.calls())
	}
}

func TestHandleTurn_ModelFailureApologises(t *testing.T) {
	e := newEnv(t)
	e.model.errs = []error{errors.New("boom")}

	r := e.turn(t, "hello")
	if r.Text != msgFailed {
		t.Errorf("reply = %q", r.Text)
	}
}

func TestHandleTurn_SubjectSwitchAuditFailureLogsTrace(t *testing.T) {
	e := newEnv(t)
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	if _, err := e.app.Store().DB().Exec(`DROP TABLE audit_log`); err != nil {
		t.Fatalf("drop audit_log: %v", err)
	}
	r := e.turn(t, "new subject: what documents does an export need?", say("An invoice and a packing list."))

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "failed to write audit log") {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("no audit warning logged:\n%s", buf.String())
	}
	if !strings.Contains(line, "trace_id="+r.TraceID) || !strings.Contains(line, "session="+room) {
		t.Errorf("warning lacks trace fields: %s", line)
	}
}

func TestHandleTurn_SubjectSwitchClearsContext(t *testing.T) {
	e := newEnv(t)
	e.turn(t, "email joana the weekly report", toolCall("send_email", emailArgs), say("Ready."))

	e.turn(t, "new subject: what documents does an export need?", say("An invoice and a packing list."))

	sc, err := e.app.sessions.Get(context.Background(), room)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sc.ActiveDraftID != "" {
		t.Errorf("active draft survived the subject switch: %q", sc.ActiveDraftID)
	}
	sys := e.model.requests[len(e.model.requests)-1].Messages[0].Content
	if strings.Contains(sys, "Draft under discussion") {
		t.Errorf("prompt still mentions the old draft:\n%s", sys)
	}
}

func TestHandleTurn_NotifiesIntentTransitions(t *testing.T) {
	e := newEnv(t)
	e.turn(t, "email joana the weekly report", toolCall("send_email", emailArgs), say("Ready."))
	e.turn(t, "yes")

	got := e.notifier.kinds()
	want := []audit.Kind{audit.KindIntentCreated, audit.KindIntentExecuted}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("notifications = %v, want %v", got, want)
	}
}

func TestHandleTurn_RequiresSession(t *testing.T) {
	e := newEnv(t)
	if _, err := e.app.HandleTurn(context.Background(), Turn{Message: "hi"}); err == nil {
		t.Error("expected an error for a turn without session")
	}
}

func TestMarkdownToHTML(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"**bold** and `code`", "<strong>bold</strong> and <code>code</code>"},
		{"a\nb", "a<br/>b"},
		{"<script>", "&lt;script&gt;"},
		{"```\nx < y\n```", "<pre><code>x &lt; y<br/></code></pre>"},
	}
	for _, tt := range tests {
		if got := markdownToHTML(tt.in); got != tt.want {
			t.Errorf("markdownToHTML(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
