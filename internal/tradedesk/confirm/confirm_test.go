package confirm_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/tradedesk/common/retry"
	"github.com/bdobrica/tradedesk/internal/tradedesk/confirm"
	"github.com/bdobrica/tradedesk/internal/tradedesk/coordinator"
	"github.com/bdobrica/tradedesk/internal/tradedesk/drafts"
	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/policy"
	"github.com/bdobrica/tradedesk/internal/tradedesk/session"
	"github.com/bdobrica/tradedesk/internal/tradedesk/store"
)

const sid = "!ops:example.org"

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

// backend records every external effect.
type backend struct {
	mu           sync.Mutex
	mails        []coordinator.Message
	declarations []intents.DeclarationArgs
	reports      []intents.ReportArgs
	failNext     error
}

func (b *backend) takeFailure() error {
	err := b.failNext
	b.failNext = nil
	return err
}

func (b *backend) Send(_ context.Context, msg coordinator.Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(); err != nil {
		return "", err
	}
	b.mails = append(b.mails, msg)
	return "mail-" + msg.IdempotencyKey, nil
}

func (b *backend) File(_ context.Context, key string, args intents.DeclarationArgs) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(); err != nil {
		return "", err
	}
	b.declarations = append(b.declarations, args)
	return "decl-" + key, nil
}

func (b *backend) SendReport(_ context.Context, key string, args intents.ReportArgs) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailure(); err != nil {
		return "", err
	}
	b.reports = append(b.reports, args)
	return "report-" + key, nil
}

func (b *backend) counts() (mails, decls, reports int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mails), len(b.declarations), len(b.reports)
}

type fixture struct {
	handler *confirm.Handler
	intents *intents.Store
	drafts  *drafts.Store
	session *session.Store
	backend *backend
	clock   *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "confirm-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	is := intents.NewStore(s.DB(), intents.WithClock(clk.Now))
	ds := drafts.NewStore(s.DB(), drafts.WithClock(clk.Now))
	ss := session.NewStore(s.DB(), clk.Now)
	be := &backend{}
	coord := coordinator.New(ds, be,
		coordinator.WithDeclarationAPI(be),
		coordinator.WithReportSender(be),
		coordinator.WithRetry(retry.Config{MaxAttempts: 1}))
	loader := policy.NewLoader()

	h := confirm.NewHandler(is, coord, ss,
		func() policy.WordLists { return loader.Rules().Confirmation },
		confirm.WithClock(clk.Now))
	return &fixture{handler: h, intents: is, drafts: ds, session: ss, backend: be, clock: clk}
}

func (f *fixture) say(t *testing.T, text string) *confirm.Outcome {
	t.Helper()
	out, err := f.handler.Handle(context.Background(), sid, text)
	if err != nil {
		t.Fatalf("Handle(%q): %v", text, err)
	}
	return out
}

func (f *fixture) emailIntent(t *testing.T, subject string) (*drafts.Draft, *intents.PendingIntent) {
	t.Helper()
	ctx := context.Background()
	d, err := f.drafts.Create(ctx, sid, drafts.Content{To: []string{"x@example.com"}, Subject: subject, Body: "Attached."}, "ana")
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	p, err := f.intents.Create(ctx, sid, intents.EmailArgs{DraftID: d.ID, PreviewRevision: d.Revision}, "send e-mail "+subject, 0)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return d, p
}

func (f *fixture) reportIntent(t *testing.T) *intents.PendingIntent {
	t.Helper()
	p, err := f.intents.Create(context.Background(), sid,
		intents.ReportArgs{Report: "weekly_status", Recipients: []string{"ops@example.com"}},
		"send weekly status to ops@example.com", 0)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return p
}

func (f *fixture) declarationIntent(t *testing.T) *intents.PendingIntent {
	t.Helper()
	p, err := f.intents.Create(context.Background(), sid,
		intents.DeclarationArgs{ProcessRef: "IMP-2024-0042", Regime: "import"},
		"file import declaration for IMP-2024-0042", 0)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return p
}

func (f *fixture) status(t *testing.T, id string) intents.Status {
	t.Helper()
	p, err := f.intents.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return p.Status
}

func TestClassify(t *testing.T) {
	words := policy.DefaultRules().Confirmation
	tests := []struct {
		text string
		want confirm.Classification
	}{
		{"yes", confirm.Classification{Kind: confirm.KindConfirm}},
		{"Yes!", confirm.Classification{Kind: confirm.KindConfirm}},
		{"go ahead please", confirm.Classification{Kind: confirm.KindConfirm}},
		{"sim, pode enviar", confirm.Classification{Kind: confirm.KindConfirm}},
		{"pode enviar", confirm.Classification{Kind: confirm.KindConfirm}},
		{"yes 2", confirm.Classification{Kind: confirm.KindConfirm, Selector: confirm.Selector{Index: 2}}},
		{"yes, the e-mail", confirm.Classification{Kind: confirm.KindConfirm, Selector: confirm.Selector{Type: intents.TypeSendEmail}}},
		{"confirm send_report", confirm.Classification{Kind: confirm.KindConfirm, Selector: confirm.Selector{Type: intents.TypeSendReport}}},
		{"yes all", confirm.Classification{Kind: confirm.KindConfirm, Selector: confirm.Selector{All: true}}},
		{"no", confirm.Classification{Kind: confirm.KindCancel}},
		{"cancel 1", confirm.Classification{Kind: confirm.KindCancel, Selector: confirm.Selector{Index: 1}}},
		{"não", confirm.Classification{Kind: confirm.KindCancel}},
		{"2", confirm.Classification{Kind: confirm.KindSelect, Selector: confirm.Selector{Index: 2}}},
		{"send_email", confirm.Classification{Kind: confirm.KindSelect, Selector: confirm.Selector{Type: intents.TypeSendEmail}}},
		{"send the report to ana@example.com", confirm.Classification{Kind: confirm.KindNone}},
		{"no idea what the tariff is", confirm.Classification{Kind: confirm.KindNone}},
		{"what is the status of IMP-2024-0042?", confirm.Classification{Kind: confirm.KindNone}},
		{"", confirm.Classification{Kind: confirm.KindNone}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, confirm.Classify(tt.text, words)); diff != "" {
				t.Errorf("Classify(%q) (-want +got):\n%s", tt.text, diff)
			}
		})
	}
}

// An edit after the preview is what gets sent.
func TestScenarioA_EditAfterPreviewSendsLatest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, p := f.emailIntent(t, "Report")

	if _, err := f.drafts.Revise(ctx, d.ID, drafts.Content{To: d.To, Subject: "Final Report", Body: d.Body}, 1, "ana"); err != nil {
		t.Fatalf("Revise: %v", err)
	}

	out := f.say(t, "yes")
	if out.Kind != confirm.OutcomeConfirmed {
		t.Fatalf("outcome: %+v", out)
	}
	if len(f.backend.mails) != 1 || f.backend.mails[0].Subject != "Final Report" || f.backend.mails[0].Revision != 2 {
		t.Fatalf("mails: %+v", f.backend.mails)
	}
	if f.status(t, p.ID) != intents.StatusExecuted {
		t.Errorf("intent status: %s", f.status(t, p.ID))
	}
	got, _ := f.drafts.Get(ctx, d.ID)
	if got.Status != drafts.StatusSent || got.SentRevision != 2 {
		t.Errorf("draft: %+v", got)
	}
}

func TestScenarioB_SecondConfirmationIsAlreadySent(t *testing.T) {
	f := newFixture(t)
	p := f.reportIntent(t)

	if out := f.say(t, "yes"); out.Kind != confirm.OutcomeConfirmed {
		t.Fatalf("first: %+v", out)
	}
	out := f.say(t, "yes")
	if out.Kind != confirm.OutcomeAlreadyDone || !strings.Contains(out.Text, "already sent") {
		t.Fatalf("second: %+v", out)
	}
	if _, _, reports := f.backend.counts(); reports != 1 {
		t.Errorf("reports delivered %d times", reports)
	}
	if f.status(t, p.ID) != intents.StatusExecuted {
		t.Errorf("status: %s", f.status(t, p.ID))
	}
}

func TestScenarioC_AmbiguityAsksThenExecutesOnlyPicked(t *testing.T) {
	f := newFixture(t)
	_, email := f.emailIntent(t, "Report")
	decl := f.declarationIntent(t)

	out := f.say(t, "yes")
	if out.Kind != confirm.OutcomeAmbiguous {
		t.Fatalf("expected ambiguity, got %+v", out)
	}
	if !strings.Contains(out.Text, "1. [send_email]") || !strings.Contains(out.Text, "2. [create_declaration]") {
		t.Errorf("list text: %q", out.Text)
	}
	if m, d, _ := f.backend.counts(); m+d != 0 {
		t.Fatal("nothing may run on an ambiguous yes")
	}
	if kind, _ := f.session.Awaiting(context.Background(), sid); kind != session.AwaitingIntent {
		t.Errorf("awaiting selection not recorded: %q", kind)
	}

	out = f.say(t, "send_email")
	if out.Kind != confirm.OutcomeConfirmed {
		t.Fatalf("pick: %+v", out)
	}
	if f.status(t, email.ID) != intents.StatusExecuted {
		t.Errorf("email status: %s", f.status(t, email.ID))
	}
	if f.status(t, decl.ID) != intents.StatusPending {
		t.Errorf("declaration status: %s", f.status(t, decl.ID))
	}
	if m, d, _ := f.backend.counts(); m != 1 || d != 0 {
		t.Errorf("effects: mails=%d declarations=%d", m, d)
	}
	if kind, _ := f.session.Awaiting(context.Background(), sid); kind != "" {
		t.Errorf("selection should be cleared, got %q", kind)
	}
}

func TestNumberedPickUsesShownList_ExpiredItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.drafts.Create(ctx, sid, drafts.Content{To: []string{"x@example.com"}, Subject: "Report", Body: "Attached."}, "ana")
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	email, err := f.intents.Create(ctx, sid, intents.EmailArgs{DraftID: d.ID, PreviewRevision: d.Revision}, "send e-mail Report", time.Minute)
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	decl := f.declarationIntent(t)

	if out := f.say(t, "yes"); out.Kind != confirm.OutcomeAmbiguous || !strings.Contains(out.Text, "1. [send_email]") {
		t.Fatalf("expected numbered list, got %+v", out)
	}
	f.clock.Advance(2 * time.Minute)

	out := f.say(t, "1")
	if out.Kind != confirm.OutcomeExpired || !strings.Contains(out.Text, "expired, please regenerate") {
		t.Fatalf("outcome: %+v", out)
	}
	if f.status(t, email.ID) != intents.StatusExpired {
		t.Errorf("email status: %s", f.status(t, email.ID))
	}
	if f.status(t, decl.ID) != intents.StatusPending {
		t.Errorf("declaration must not run on a stale number, status %s", f.status(t, decl.ID))
	}
	if m, dc, _ := f.backend.counts(); m+dc != 0 {
		t.Fatalf("effects: mails=%d declarations=%d", m, dc)
	}

	// The rest of the shown list keeps its numbers.
	if out := f.say(t, "2"); out.Kind != confirm.OutcomeConfirmed {
		t.Fatalf("second pick: %+v", out)
	}
	if f.status(t, decl.ID) != intents.StatusExecuted {
		t.Errorf("declaration status: %s", f.status(t, decl.ID))
	}
}

func TestNumberedPickUsesShownList_SupersededItem(t *testing.T) {
	f := newFixture(t)
	_, first := f.emailIntent(t, "Report")
	rep := f.reportIntent(t)

	if out := f.say(t, "yes"); out.Kind != confirm.OutcomeAmbiguous {
		t.Fatalf("expected numbered list, got %+v", out)
	}
	_, second := f.emailIntent(t, "Other report")

	out := f.say(t, "1")
	if out.Kind != confirm.OutcomeCancelled || !strings.Contains(out.Text, "already cancelled") {
		t.Fatalf("outcome: %+v", out)
	}
	for _, id := range []string{second.ID, rep.ID} {
		if f.status(t, id) != intents.StatusPending {
			t.Errorf("%s status: %s", id, f.status(t, id))
		}
	}
	if f.status(t, first.ID) != intents.StatusCancelled {
		t.Errorf("first status: %s", f.status(t, first.ID))
	}
	if m, _, r := f.backend.counts(); m+r != 0 {
		t.Fatalf("effects: mails=%d reports=%d", m, r)
	}
}

func TestNumberWithoutShownListAsksAgain(t *testing.T) {
	f := newFixture(t)
	f.emailIntent(t, "Report")
	decl := f.declarationIntent(t)

	out := f.say(t, "yes 2")
	if out.Kind != confirm.OutcomeAmbiguous {
		t.Fatalf("expected the list first, got %+v", out)
	}
	if f.status(t, decl.ID) != intents.StatusPending {
		t.Errorf("declaration status: %s", f.status(t, decl.ID))
	}
	kind, shown, _ := f.session.Selection(context.Background(), sid)
	if kind != session.AwaitingIntent || len(shown) != 2 || shown[1] != decl.ID {
		t.Errorf("shown list not recorded: %q %v", kind, shown)
	}

	if out := f.say(t, "yes 2"); out.Kind != confirm.OutcomeConfirmed {
		t.Fatalf("pick: %+v", out)
	}
	if f.status(t, decl.ID) != intents.StatusExecuted {
		t.Errorf("declaration status: %s", f.status(t, decl.ID))
	}
}

func TestBareSelectorIgnoredWhenNotAwaiting(t *testing.T) {
	f := newFixture(t)
	f.reportIntent(t)

	if out := f.say(t, "2"); out.Kind != confirm.OutcomeUnrelated {
		t.Fatalf("expected unrelated, got %+v", out)
	}
	if _, _, r := f.backend.counts(); r != 0 {
		t.Error("bare selector must not execute")
	}
}

func TestScenarioD_ExpiredIntent(t *testing.T) {
	f := newFixture(t)
	p := f.reportIntent(t)
	f.clock.Advance(intents.DefaultTTL + time.Second)

	out := f.say(t, "yes")
	if out.Kind != confirm.OutcomeExpired || !strings.Contains(out.Text, "expired, please regenerate") {
		t.Fatalf("outcome: %+v", out)
	}
	if f.status(t, p.ID) != intents.StatusExpired {
		t.Errorf("status: %s", f.status(t, p.ID))
	}
	if _, _, r := f.backend.counts(); r != 0 {
		t.Error("expired intent must never execute")
	}
}

func TestSweptIntentStillReportedAsExpired(t *testing.T) {
	f := newFixture(t)
	p := f.reportIntent(t)
	f.clock.Advance(intents.DefaultTTL + time.Second)
	if n, err := f.intents.ExpireStale(context.Background()); err != nil || n != 1 {
		t.Fatalf("ExpireStale = %d, %v", n, err)
	}
	f.clock.Advance(2 * time.Hour)

	out := f.say(t, "yes")
	if out.Kind != confirm.OutcomeExpired || !strings.Contains(out.Text, "expired, please regenerate") {
		t.Fatalf("outcome: %+v", out)
	}
	if len(out.Intents) != 1 || out.Intents[0].ID != p.ID {
		t.Errorf("intents: %+v", out.Intents)
	}
	if _, _, r := f.backend.counts(); r != 0 {
		t.Error("expired intent must never execute")
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	p := f.declarationIntent(t)

	out := f.say(t, "no")
	if out.Kind != confirm.OutcomeCancelled || !strings.Contains(out.Text, "Cancelled") {
		t.Fatalf("outcome: %+v", out)
	}
	if f.status(t, p.ID) != intents.StatusCancelled {
		t.Errorf("status: %s", f.status(t, p.ID))
	}

	again := f.say(t, "no")
	if again.Kind != confirm.OutcomeCancelled || !strings.Contains(again.Text, "already cancelled") {
		t.Errorf("second cancel: %+v", again)
	}
	if _, d, _ := f.backend.counts(); d != 0 {
		t.Error("cancel must not run the declaration")
	}
}

func TestCancelAll(t *testing.T) {
	f := newFixture(t)
	_, email := f.emailIntent(t, "Report")
	rep := f.reportIntent(t)

	out := f.say(t, "cancel all")
	if out.Kind != confirm.OutcomeCancelled || len(out.Intents) != 2 {
		t.Fatalf("outcome: %+v", out)
	}
	for _, id := range []string{email.ID, rep.ID} {
		if f.status(t, id) != intents.StatusCancelled {
			t.Errorf("%s status: %s", id, f.status(t, id))
		}
	}
}

func TestNothingPending(t *testing.T) {
	f := newFixture(t)
	out := f.say(t, "yes")
	if out.Kind != confirm.OutcomeNothingPending || out.Text != "There is nothing pending to confirm." {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestFailureKeepsIntentPending(t *testing.T) {
	f := newFixture(t)
	p := f.reportIntent(t)
	f.backend.failNext = errors.New("smtp relay refused connection")

	out := f.say(t, "yes")
	if out.Kind != confirm.OutcomeFailed || !strings.Contains(out.Text, "still pending") {
		t.Fatalf("outcome: %+v", out)
	}
	if strings.Contains(out.Text, "smtp relay") {
		t.Errorf("raw error leaked to the user: %q", out.Text)
	}
	if f.status(t, p.ID) != intents.StatusPending {
		t.Fatalf("status: %s", f.status(t, p.ID))
	}

	if out := f.say(t, "yes"); out.Kind != confirm.OutcomeConfirmed {
		t.Fatalf("retry: %+v", out)
	}
	if _, _, r := f.backend.counts(); r != 1 {
		t.Errorf("reports: %d", r)
	}
}

func TestConcurrentConfirmationsExecuteOnce(t *testing.T) {
	f := newFixture(t)
	p := f.reportIntent(t)

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := f.handler.ConfirmByID(context.Background(), sid, p.ID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("ConfirmByID: %v", err)
	}
	if _, _, r := f.backend.counts(); r != 1 {
		t.Errorf("report delivered %d times, want 1", r)
	}
	if f.status(t, p.ID) != intents.StatusExecuted {
		t.Errorf("status: %s", f.status(t, p.ID))
	}
}

func TestByID_SessionScopedAndTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.reportIntent(t)

	if _, err := f.handler.ConfirmByID(ctx, "other-session", p.ID); !errors.Is(err, intents.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across sessions, got %v", err)
	}
	out, err := f.handler.CancelByID(ctx, sid, p.ID)
	if err != nil || out.Kind != confirm.OutcomeCancelled {
		t.Fatalf("CancelByID: %+v %v", out, err)
	}
	out, err = f.handler.ConfirmByID(ctx, sid, p.ID)
	if err != nil || out.Kind != confirm.OutcomeCancelled || !strings.Contains(out.Text, "already cancelled") {
		t.Fatalf("ConfirmByID after cancel: %+v %v", out, err)
	}
}
