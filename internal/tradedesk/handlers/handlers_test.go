package handlers_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bdobrica/tradedesk/internal/tradedesk/documents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/drafts"
	"github.com/bdobrica/tradedesk/internal/tradedesk/handlers"
	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/policy"
	"github.com/bdobrica/tradedesk/internal/tradedesk/session"
	"github.com/bdobrica/tradedesk/internal/tradedesk/store"
	"github.com/bdobrica/tradedesk/internal/tradedesk/tools"
)

const sessionID = "!room:example.org"

type harness struct {
	svc      *tools.Service
	drafts   *drafts.Store
	intents  *intents.Store
	session  *session.Store
	catalog  *documents.Catalog
	now      time.Time
	recorder *countingLookup
}

// countingLookup counts calls to the underlying catalog.
type countingLookup struct {
	*documents.Catalog
	tariffCalls int
}

func (c *countingLookup) LookupTariff(ctx context.Context, code string) (*documents.Tariff, error) {
	c.tariffCalls++
	return c.Catalog.LookupTariff(ctx, code)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "handlers-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	router, err := tools.NewRouter(handlers.Routes("list_pending"))
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	gate, err := policy.NewGate(context.Background(), "")
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	svc := tools.NewService(router, gate)
	svc.MustRegister(handlers.All()...)

	cat := documents.NewCatalog()
	cat.PutProcess(documents.Process{
		Ref: "IMP-2024-0042", Direction: "import", Client: "Acme Ltda",
		Status: "awaiting customs clearance", ETA: "2024-04-02", Container: "MSCU1234567",
	})
	cat.PutTariff(documents.Tariff{
		Code: "8471.30.12", Description: "portable computers",
		Rates: map[string]float64{"ii": 16, "ipi": 0}, License: false,
	})

	h := &harness{
		svc:      svc,
		drafts:   drafts.NewStore(s.DB()),
		intents:  intents.NewStore(s.DB()),
		session:  session.NewStore(s.DB(), nil),
		catalog:  cat,
		recorder: &countingLookup{Catalog: cat},
	}
	return h
}

func (h *harness) exec(t *testing.T, tool string, args map[string]any) tools.Result {
	t.Helper()
	return h.svc.Execute(context.Background(), tool, args, tools.ExecContext{
		SessionID: sessionID,
		Actor:     "@ana:example.org",
		Source:    "model",
		Documents: h.recorder,
		Drafts:    h.drafts,
		Intents:   h.intents,
		Session:   h.session,
	})
}

func TestRoutes_LegacyNeverShadowsCore(t *testing.T) {
	routes := handlers.Routes("list_pending", "send_email")
	if routes["send_email"] != tools.Core("send_email") {
		t.Errorf("send_email routed to %q", routes["send_email"])
	}
	if routes["list_pending"] != tools.Legacy("list_pending") {
		t.Errorf("list_pending routed to %q", routes["list_pending"])
	}
	if len(routes) != len(handlers.All())+1 {
		t.Errorf("routes: %d", len(routes))
	}
}

func TestDraftEmail_SetsActiveDraft(t *testing.T) {
	h := newHarness(t)
	res := h.exec(t, handlers.ToolDraftEmail, map[string]any{
		"to": []string{"broker@example.com"}, "subject": "Draft Report", "body": "See attached.",
	})
	if res.Kind != tools.KindAnswered || res.FallbackTo != tools.FallbackNone {
		t.Fatalf("unexpected result: %+v", res)
	}

	sc, err := h.session.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sc.ActiveDraftID == "" {
		t.Fatal("active draft not set")
	}
	d, err := h.drafts.Get(context.Background(), sc.ActiveDraftID)
	if err != nil || d.Subject != "Draft Report" || d.Revision != 1 {
		t.Fatalf("draft: %+v %v", d, err)
	}
}

func TestDraftEmail_InvalidRecipient(t *testing.T) {
	h := newHarness(t)
	res := h.exec(t, handlers.ToolDraftEmail, map[string]any{
		"to": []string{"not-an-address"}, "subject": "x", "body": "y",
	})
	if res.Kind != tools.KindError || res.ErrorKind != tools.ErrKindInvalidArguments {
		t.Fatalf("expected invalid_arguments, got %+v", res)
	}
}

func TestSendEmail_CreatesPendingIntentOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.exec(t, handlers.ToolSendEmail, map[string]any{
		"to": []string{"broker@example.com"}, "subject": "Draft Report", "body": "See attached.",
	})
	if res.Kind != tools.KindPendingConfirmation {
		t.Fatalf("expected pending_confirmation, got %+v", res)
	}
	if res.IntentType != string(intents.TypeSendEmail) || res.IntentID == "" {
		t.Fatalf("intent fields: %+v", res)
	}
	if !strings.Contains(res.Text, `"yes"`) || !strings.Contains(res.Preview, "Draft Report") {
		t.Errorf("reply: %q preview: %q", res.Text, res.Preview)
	}

	p, err := h.intents.Get(ctx, res.IntentID)
	if err != nil {
		t.Fatalf("Get intent: %v", err)
	}
	args := p.Args.(intents.EmailArgs)
	d, err := h.drafts.Get(ctx, args.DraftID)
	if err != nil {
		t.Fatalf("Get draft: %v", err)
	}
	if d.Status != drafts.StatusDraft {
		t.Errorf("draft must not be sent before confirmation, status %q", d.Status)
	}
}

func TestEditDraft_RefreshesPendingPreview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sent := h.exec(t, handlers.ToolSendEmail, map[string]any{
		"to": []string{"broker@example.com"}, "subject": "Draft Report", "body": "See attached.",
	})
	if sent.Kind != tools.KindPendingConfirmation {
		t.Fatalf("send: %+v", sent)
	}

	edit := h.exec(t, handlers.ToolEditDraft, map[string]any{"subject": "Final Report"})
	if edit.Kind != tools.KindAnswered || !strings.Contains(edit.Text, "revision 2") {
		t.Fatalf("edit: %+v", edit)
	}

	p, err := h.intents.Get(ctx, sent.IntentID)
	if err != nil {
		t.Fatalf("Get intent: %v", err)
	}
	if !strings.Contains(p.PreviewText, "Final Report") {
		t.Errorf("preview not refreshed: %q", p.PreviewText)
	}
	d, _ := h.drafts.Get(ctx, p.Args.(intents.EmailArgs).DraftID)
	if d.Subject != "Final Report" || d.Body != "See attached." {
		t.Errorf("draft content: %+v", d.Content)
	}
}

func TestEditDraft_StaleRevision(t *testing.T) {
	h := newHarness(t)
	h.exec(t, handlers.ToolDraftEmail, map[string]any{
		"to": []string{"broker@example.com"}, "subject": "v1", "body": "b",
	})
	h.exec(t, handlers.ToolEditDraft, map[string]any{"subject": "v2"})

	res := h.exec(t, handlers.ToolEditDraft, map[string]any{"subject": "v3", "expected_revision": 1})
	if res.Kind != tools.KindAnswered || !strings.Contains(res.Text, "revision 2") {
		t.Fatalf("expected stale-revision answer, got %+v", res)
	}
}

func TestEditDraft_NoDraftDelegates(t *testing.T) {
	h := newHarness(t)
	res := h.exec(t, handlers.ToolEditDraft, map[string]any{"subject": "x"})
	if res.Kind != tools.KindFallback || res.FallbackTo != tools.FallbackCoreDelegate {
		t.Fatalf("expected CORE_DELEGATE, got %+v", res)
	}
}

func TestCreateDeclaration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.exec(t, handlers.ToolCreateDeclaration, map[string]any{
		"process_ref": "imp-2024-0042",
		"regime":      "Import",
		"items":       []any{map[string]any{"ncm": "84713012", "quantity": 10, "value": 5400.5, "currency": "usd"}},
	})
	if res.Kind != tools.KindPendingConfirmation {
		t.Fatalf("expected pending_confirmation, got %+v", res)
	}
	p, err := h.intents.Get(ctx, res.IntentID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := intents.DeclarationArgs{
		ProcessRef: "IMP-2024-0042",
		Regime:     "import",
		Items:      []intents.DeclarationItem{{NCM: "84713012", Quantity: 10, Value: 5400.5, Currency: "USD"}},
	}
	if diff := cmp.Diff(want, p.Args); diff != "" {
		t.Errorf("args (-want +got):\n%s", diff)
	}
	sc, _ := h.session.Get(ctx, sessionID)
	if sc.EntityRef != "IMP-2024-0042" {
		t.Errorf("entity: %q", sc.EntityRef)
	}
}

func TestCreateDeclaration_UnknownProcess(t *testing.T) {
	h := newHarness(t)
	res := h.exec(t, handlers.ToolCreateDeclaration, map[string]any{"process_ref": "IMP-2024-9999", "regime": "import"})
	if res.Kind != tools.KindAnswered || !strings.Contains(res.Text, "could not find") {
		t.Fatalf("unexpected: %+v", res)
	}
	pending, _ := h.intents.ListPending(context.Background(), sessionID)
	if len(pending) != 0 {
		t.Errorf("no intent expected, got %d", len(pending))
	}
}

func TestCreateDeclaration_RegimeDenied(t *testing.T) {
	h := newHarness(t)
	res := h.exec(t, handlers.ToolCreateDeclaration, map[string]any{"process_ref": "IMP-2024-0042", "regime": "smuggling"})
	if res.Kind != tools.KindError || res.ErrorKind != tools.ErrKindPolicyDenied {
		t.Fatalf("expected policy_denied, got %+v", res)
	}
}

func TestSendReport_DefaultsToEntityUnderDiscussion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.session.SetEntity(ctx, sessionID, "IMP-2024-0042"); err != nil {
		t.Fatalf("SetEntity: %v", err)
	}

	res := h.exec(t, handlers.ToolSendReport, map[string]any{
		"report": "weekly_status", "recipients": []string{"ops@example.com"},
	})
	if res.Kind != tools.KindPendingConfirmation {
		t.Fatalf("expected pending_confirmation, got %+v", res)
	}
	p, _ := h.intents.Get(ctx, res.IntentID)
	ra := p.Args.(intents.ReportArgs)
	if ra.ProcessRef != "IMP-2024-0042" {
		t.Errorf("process ref: %q", ra.ProcessRef)
	}
	if !strings.Contains(p.PreviewText, "ops@example.com") {
		t.Errorf("preview: %q", p.PreviewText)
	}
}

func TestSendReport_NamesSupersededIntent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.exec(t, handlers.ToolSendReport, map[string]any{
		"report": "weekly_status", "process_ref": "IMP-2024-0042", "recipients": []string{"ops@example.com"},
	})
	if first.Kind != tools.KindPendingConfirmation || strings.Contains(first.Preview, "replaces") {
		t.Fatalf("first: %+v", first)
	}
	second := h.exec(t, handlers.ToolSendReport, map[string]any{
		"report": "process_costs", "process_ref": "IMP-2024-0042", "recipients": []string{"boss@example.com"},
	})
	if second.Kind != tools.KindPendingConfirmation {
		t.Fatalf("second: %+v", second)
	}
	if !strings.Contains(second.Preview, "replaces the earlier pending report") || !strings.Contains(second.Text, "replaces the earlier pending report") {
		t.Errorf("superseded intent not mentioned: preview=%q text=%q", second.Preview, second.Text)
	}
	old, _ := h.intents.Get(ctx, first.IntentID)
	if old.Status != intents.StatusCancelled {
		t.Errorf("first intent status: %s", old.Status)
	}
}

func TestLookupProcess(t *testing.T) {
	h := newHarness(t)
	res := h.exec(t, handlers.ToolLookupProcess, map[string]any{"process_ref": "IMP-2024-0042", "question": "status?"})
	if res.Kind != tools.KindAnswered || !strings.Contains(res.Text, "awaiting customs clearance") {
		t.Fatalf("unexpected: %+v", res)
	}
	sc, _ := h.session.Get(context.Background(), sessionID)
	if sc.EntityRef != "IMP-2024-0042" {
		t.Errorf("entity: %q", sc.EntityRef)
	}

	miss := h.exec(t, handlers.ToolLookupProcess, map[string]any{"process_ref": "EXP-2024-0001"})
	if miss.Kind != tools.KindAnswered || !strings.Contains(miss.Text, "could not find") {
		t.Fatalf("miss: %+v", miss)
	}
}

func TestLookupTariff_CachesFact(t *testing.T) {
	h := newHarness(t)

	first := h.exec(t, handlers.ToolLookupTariff, map[string]any{"code": "8471.30.12"})
	if first.Kind != tools.KindAnswered || !strings.Contains(first.Text, "II 16%") {
		t.Fatalf("first: %+v", first)
	}
	second := h.exec(t, handlers.ToolLookupTariff, map[string]any{"code": "84713012"})
	if second.Text != first.Text {
		t.Errorf("cached answer differs: %q vs %q", second.Text, first.Text)
	}
	if h.recorder.tariffCalls != 1 {
		t.Errorf("tariff table hit %d times, want 1", h.recorder.tariffCalls)
	}
}

func TestLookupTariff_IncompleteCodeDelegates(t *testing.T) {
	h := newHarness(t)
	res := h.exec(t, handlers.ToolLookupTariff, map[string]any{"code": "8471"})
	if res.FallbackTo != tools.FallbackCoreDelegate {
		t.Fatalf("expected CORE_DELEGATE, got %+v", res)
	}
}
