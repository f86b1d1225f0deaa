package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/tradedesk/internal/tradedesk/coordinator"
	"github.com/bdobrica/tradedesk/internal/tradedesk/store"
)

func TestLoadSettings_Defaults(t *testing.T) {
	t.Setenv("TRADEDESK_MATRIX_HOMESERVER", "")
	s := loadSettings()
	if s.App.DatabasePath != "./tradedesk.db" {
		t.Errorf("DatabasePath = %q", s.App.DatabasePath)
	}
	if s.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", s.HTTPAddr)
	}
	if s.App.IntentTTL != 15*time.Minute {
		t.Errorf("IntentTTL = %s", s.App.IntentTTL)
	}
	if s.App.Matrix != nil {
		t.Error("Matrix must stay disabled without a homeserver")
	}
	if err := s.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadSettings_Matrix(t *testing.T) {
	t.Setenv("TRADEDESK_MATRIX_HOMESERVER", "https://matrix.example.org")
	t.Setenv("TRADEDESK_MATRIX_USER_ID", "@desk:example.org")
	t.Setenv("TRADEDESK_MATRIX_ACCESS_TOKEN", "")
	t.Setenv("TRADEDESK_MATRIX_ROOMS", "!ops:example.org, !imports:example.org")
	t.Setenv("TRADEDESK_INTENT_TTL", "5m")

	s := loadSettings()
	if s.App.Matrix == nil {
		t.Fatal("Matrix config missing")
	}
	if got := s.App.Matrix.Rooms; len(got) != 2 || got[1] != "!imports:example.org" {
		t.Errorf("Rooms = %q", got)
	}
	if s.App.IntentTTL != 5*time.Minute {
		t.Errorf("IntentTTL = %s", s.App.IntentTTL)
	}
	err := s.validate()
	if err == nil || !strings.Contains(err.Error(), "TRADEDESK_MATRIX_ACCESS_TOKEN") {
		t.Errorf("validate = %v, want missing access token", err)
	}
}

func TestPolicyCheck_DefaultRules(t *testing.T) {
	t.Setenv("TRADEDESK_POLICY_RULES", "")
	t.Setenv("TRADEDESK_GATE_POLICY", "")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--env-file", t.TempDir() + "/missing.env",
		"policy", "check", "--tool", "send_report", "--args", `{"recipients":[]}`, "--session", ""})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("policy check: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "gate: ok") {
		t.Errorf("output = %q", got)
	}
	if !strings.Contains(got, "tool send_report: denied") {
		t.Errorf("a side-effecting tool without a session must be denied, got %q", got)
	}
}

func TestOutbox_ListAndAck(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "outbox.db")
	t.Setenv("TRADEDESK_DB_PATH", dbPath)
	ctx := context.Background()

	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	id, err := coordinator.NewOutbox(st.DB(), nil).Send(ctx, coordinator.Message{IdempotencyKey: "intent:1", Subject: "Report"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	st.Close()

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(append([]string{"--env-file", t.TempDir() + "/missing.env"}, args...))
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		return out.String()
	}

	if got := run("outbox", "list"); !strings.Contains(got, id) || !strings.Contains(got, coordinator.KindEmail) {
		t.Errorf("list output = %q", got)
	}
	if got := run("outbox", "ack", id); !strings.Contains(got, "delivered") {
		t.Errorf("ack output = %q", got)
	}

	st, err = store.New(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	pending, err := coordinator.NewOutbox(st.DB(), nil).Pending(ctx, 0)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("entry still queued: %+v", pending)
	}
}
