package session_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bdobrica/tradedesk/internal/tradedesk/session"
	"github.com/bdobrica/tradedesk/internal/tradedesk/store"
)

func newTestStore(t *testing.T, now func() time.Time) *session.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "session-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return session.NewStore(s.DB(), now)
}

func TestContext_EmptySession(t *testing.T) {
	ss := newTestStore(t, nil)
	c, err := ss.Get(context.Background(), "web:1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.SessionID != "web:1" || c.EntityRef != "" || c.AwaitingSelection != "" {
		t.Errorf("expected empty context, got %+v", c)
	}
}

func TestContext_SetFieldsIndependently(t *testing.T) {
	ss := newTestStore(t, nil)
	ctx := context.Background()

	if err := ss.SetEntity(ctx, "web:1", "IMP-2024-0042"); err != nil {
		t.Fatalf("SetEntity: %v", err)
	}
	if err := ss.SetAwaiting(ctx, "web:1", session.AwaitingIntent); err != nil {
		t.Fatalf("SetAwaiting: %v", err)
	}
	if err := ss.SetActiveDraft(ctx, "web:1", "d-1"); err != nil {
		t.Fatalf("SetActiveDraft: %v", err)
	}

	c, _ := ss.Get(ctx, "web:1")
	if c.EntityRef != "IMP-2024-0042" || c.AwaitingSelection != session.AwaitingIntent || c.ActiveDraftID != "d-1" {
		t.Errorf("unexpected context: %+v", c)
	}

	_ = ss.SetAwaiting(ctx, "web:1", "")
	if kind, _ := ss.Awaiting(ctx, "web:1"); kind != "" {
		t.Errorf("awaiting not cleared: %q", kind)
	}
}

func TestContext_SelectionKeepsShownOrder(t *testing.T) {
	ss := newTestStore(t, nil)
	ctx := context.Background()

	if err := ss.SetEntity(ctx, "web:1", "IMP-2024-0042"); err != nil {
		t.Fatalf("SetEntity: %v", err)
	}
	if err := ss.SetSelection(ctx, "web:1", session.AwaitingIntent, []string{"b-2", "a-1"}); err != nil {
		t.Fatalf("SetSelection: %v", err)
	}
	kind, ids, err := ss.Selection(ctx, "web:1")
	if err != nil {
		t.Fatalf("Selection: %v", err)
	}
	if kind != session.AwaitingIntent || len(ids) != 2 || ids[0] != "b-2" || ids[1] != "a-1" {
		t.Errorf("Selection = %q %v", kind, ids)
	}
	if c, _ := ss.Get(ctx, "web:1"); c.EntityRef != "IMP-2024-0042" {
		t.Errorf("entity overwritten: %+v", c)
	}

	if err := ss.SetAwaiting(ctx, "web:1", ""); err != nil {
		t.Fatalf("SetAwaiting: %v", err)
	}
	if kind, ids, _ := ss.Selection(ctx, "web:1"); kind != "" || len(ids) != 0 {
		t.Errorf("selection not cleared: %q %v", kind, ids)
	}
}

func TestContext_FactExpires(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ss := newTestStore(t, func() time.Time { return now })
	ctx := context.Background()

	if err := ss.SetFact(ctx, "web:1", "tariff:8471.30", "II 0%", 5*time.Minute); err != nil {
		t.Fatalf("SetFact: %v", err)
	}
	if v, ok, _ := ss.Fact(ctx, "web:1", "tariff:8471.30"); !ok || v != "II 0%" {
		t.Fatalf("expected live fact, got %q %v", v, ok)
	}

	now = now.Add(6 * time.Minute)
	if _, ok, _ := ss.Fact(ctx, "web:1", "tariff:8471.30"); ok {
		t.Fatal("expected stale fact to be dropped")
	}
}

func TestContext_Clear(t *testing.T) {
	ss := newTestStore(t, nil)
	ctx := context.Background()

	_ = ss.SetEntity(ctx, "web:1", "IMP-1")
	_ = ss.SetFact(ctx, "web:1", "k", "v", time.Hour)
	_ = ss.SetEntity(ctx, "web:2", "IMP-2")

	if err := ss.Clear(ctx, "web:1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	c, _ := ss.Get(ctx, "web:1")
	if c.EntityRef != "" {
		t.Errorf("entity not cleared: %+v", c)
	}
	if _, ok, _ := ss.Fact(ctx, "web:1", "k"); ok {
		t.Error("fact not cleared")
	}
	other, _ := ss.Get(ctx, "web:2")
	if other.EntityRef != "IMP-2" {
		t.Errorf("other session affected: %+v", other)
	}
}
