package redact_test

import (
	"testing"

	"github.com/bdobrica/tradedesk/common/redact"
)

func TestString_RedactsSensitiveValues(t *testing.T) {
	line := "Authorization: Bearer sk-live-12345 (relay)"
	const want = "Authorization: Bearer [REDACTED] (relay)"
	if got := redact.String(line, "sk-live-12345", "abc"); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEmail(t *testing.T) {
	got := redact.Email("send to joana.silva@broker.com.br and ops@example.org")
	const want = "send to j***@broker.com.br and o***@example.org"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestIBAN(t *testing.T) {
	got := redact.IBAN("pay DE89370400440532013000 today")
	const want = "pay DE89****3000 today"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestMap(t *testing.T) {
	in := map[string]any{
		"api_key": "sk-123456",
		"to":      "ana@example.com",
		"amount":  42,
	}
	out := redact.Map(in)
	if out["api_key"] != "[REDACTED]" {
		t.Errorf("api_key = %v", out["api_key"])
	}
	if out["to"] != "a***@example.com" {
		t.Errorf("to = %v", out["to"])
	}
	if out["amount"] != 42 {
		t.Errorf("amount = %v", out["amount"])
	}
	if in["to"] != "ana@example.com" {
		t.Error("input map was mutated")
	}
}
