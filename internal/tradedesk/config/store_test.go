package config_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/tradedesk/internal/tradedesk/config"
	appstore "github.com/bdobrica/tradedesk/internal/tradedesk/store"
)

func newTestStore(t *testing.T) (config.Store, *appstore.Store) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "tradedesk-config-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	s, err := appstore.New(f.Name())
	if err != nil {
		t.Fatalf("appstore.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return config.New(s.DB()), s
}

func TestGetNotFound(t *testing.T) {
	cs, _ := newTestStore(t)
	if _, err := cs.Get(context.Background(), "missing.key"); !errors.Is(err, config.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestSetGetOverwriteDelete(t *testing.T) {
	cs, s := newTestStore(t)
	ctx := context.Background()

	if err := cs.Set(ctx, config.KeyIntentTTL, "10m"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := cs.Set(ctx, config.KeyIntentTTL, "20m"); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	got, err := cs.Get(ctx, config.KeyIntentTTL)
	if err != nil || got != "20m" {
		t.Fatalf("Get: %q %v", got, err)
	}

	entries, err := s.GetAuditByTarget(ctx, config.KeyIntentTTL)
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected 2 audit rows, got %d (%v)", len(entries), err)
	}

	if err := cs.Delete(ctx, config.KeyIntentTTL); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := cs.Delete(ctx, config.KeyIntentTTL); err != nil {
		t.Fatalf("Delete twice: %v", err)
	}
	if _, err := cs.Get(ctx, config.KeyIntentTTL); !errors.Is(err, config.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestListEmptyIsNotNil(t *testing.T) {
	cs, _ := newTestStore(t)
	m, err := cs.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if m == nil || len(m) != 0 {
		t.Fatalf("expected empty non-nil map, got %#v", m)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		key, value string
		ok         bool
	}{
		{config.KeyIntentTTL, "15m", true},
		{config.KeyIntentTTL, "soon", false},
		{config.KeyPinWindow, "-1m", false},
		{config.KeyNLPRateLimit, "20", true},
		{config.KeyNLPRateLimit, "-2", false},
		{config.KeyBlockedTools, "send_report,create_declaration", true},
		{"secrets.openai", "sk-123", false},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			err := config.Validate(tt.key, tt.value)
			if (err == nil) != tt.ok {
				t.Errorf("Validate(%q, %q) = %v, want ok=%v", tt.key, tt.value, err, tt.ok)
			}
		})
	}
}

func TestTypedAccessors(t *testing.T) {
	cs, _ := newTestStore(t)
	ctx := context.Background()

	if got := config.DurationOr(ctx, cs, config.KeyPinWindow, 3*time.Minute); got != 3*time.Minute {
		t.Errorf("default duration: %v", got)
	}
	_ = cs.Set(ctx, config.KeyPinWindow, "90s")
	if got := config.DurationOr(ctx, cs, config.KeyPinWindow, 3*time.Minute); got != 90*time.Second {
		t.Errorf("duration: %v", got)
	}
	_ = cs.Set(ctx, config.KeyNLPRateLimit, "oops")
	if got := config.IntOr(ctx, cs, config.KeyNLPRateLimit, 20); got != 20 {
		t.Errorf("invalid int should fall back, got %d", got)
	}
	_ = cs.Set(ctx, config.KeyBlockedTools, " send_report, ,create_declaration ")
	if got := config.List(ctx, cs, config.KeyBlockedTools); len(got) != 2 || got[0] != "send_report" {
		t.Errorf("list: %q", got)
	}
	if got := config.StringOr(ctx, cs, config.KeyNLPModel, "gpt-4o-mini"); got != "gpt-4o-mini" {
		t.Errorf("string default: %q", got)
	}
}

func TestConcurrentSets(t *testing.T) {
	cs, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := cs.Set(ctx, config.KeyNLPRateLimit, fmt.Sprint(n)); err != nil {
				t.Errorf("Set: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if _, err := cs.Get(ctx, config.KeyNLPRateLimit); err != nil {
		t.Fatalf("Get after concurrent sets: %v", err)
	}
}
