package nlp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bdobrica/tradedesk/common/retry"
	"github.com/bdobrica/tradedesk/internal/tradedesk/nlp"
)

func TestOpenAI_ToolCallRoundTrip(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [{"id": "call_1", "type": "function",
						"function": {"name": "lookup_process", "arguments": "{\"process_ref\":\"IMP-2024-0042\"}"}}]
				}
			}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 14, "total_tokens": 134}
		}`))
	}))
	defer srv.Close()

	p := nlp.NewOpenAI(nlp.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o-mini"})
	resp, err := p.Complete(context.Background(), nlp.CompletionRequest{
		Messages: []nlp.Message{{Role: nlp.RoleUser, Content: "status of IMP-2024-0042?"}},
		Tools: []nlp.ToolDefinition{{Type: "function", Function: nlp.FunctionDef{
			Name:       "lookup_process",
			Parameters: map[string]any{"type": "object"},
		}}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if got["model"] != "gpt-4o-mini" {
		t.Errorf("default model not applied: %v", got["model"])
	}
	want := []nlp.ToolCall{{ID: "call_1", Type: "function", Function: nlp.FunctionCall{
		Name: "lookup_process", Arguments: `{"process_ref":"IMP-2024-0042"}`,
	}}}
	if diff := cmp.Diff(want, resp.Message.ToolCalls); diff != "" {
		t.Errorf("tool calls mismatch (-want +got):\n%s", diff)
	}
	if resp.FinishReason != "tool_calls" || resp.Usage.TotalTokens != 134 {
		t.Errorf("unexpected response metadata: %+v", resp)
	}
}

func TestOpenAI_RateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := nlp.NewOpenAI(nlp.OpenAIConfig{BaseURL: srv.URL})
	_, err := p.Complete(context.Background(), nlp.CompletionRequest{})
	if !errors.Is(err, nlp.ErrRateLimit) {
		t.Fatalf("expected ErrRateLimit, got %v", err)
	}
	if !retry.IsTransient(err) {
		t.Errorf("rate limit should be retryable")
	}
}

func TestOpenAI_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>gateway</html>"))
	}))
	defer srv.Close()

	_, err := nlp.NewOpenAI(nlp.OpenAIConfig{BaseURL: srv.URL}).Complete(context.Background(), nlp.CompletionRequest{})
	if !errors.Is(err, nlp.ErrMalformedOutput) {
		t.Fatalf("expected ErrMalformedOutput, got %v", err)
	}
	if retry.IsTransient(err) {
		t.Errorf("malformed output must not be retried")
	}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRateLimiter(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	rl := nlp.NewRateLimiter(2, time.Minute).WithClock(clk.Now)

	if !rl.Allow("s1") || !rl.Allow("s1") {
		t.Fatal("first two calls must be allowed")
	}
	if rl.Allow("s1") {
		t.Error("third call must be rejected")
	}
	if !rl.Allow("s2") {
		t.Error("sessions are independent")
	}
	if rl.Remaining("s1") != 0 {
		t.Errorf("Remaining = %d, want 0", rl.Remaining("s1"))
	}

	clk.Advance(61 * time.Second)
	if !rl.Allow("s1") {
		t.Error("window should have expired")
	}

	rl.SetLimit(5)
	if got := rl.Remaining("s1"); got != 4 {
		t.Errorf("Remaining after SetLimit = %d, want 4", got)
	}
}

func TestTokenBudget_ResetsAtMidnight(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)}
	b := nlp.NewTokenBudget(100).WithClock(clk.Now)

	b.RecordUsage("s1", 100)
	if b.Allow("s1") {
		t.Error("budget exhausted, Allow should be false")
	}
	clk.Advance(2 * time.Hour)
	if !b.Allow("s1") || b.Used("s1") != 0 {
		t.Errorf("budget should reset at midnight UTC, used=%d", b.Used("s1"))
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	got := nlp.BuildSystemPrompt(nlp.PromptContext{
		Now:       time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		EntityRef: "IMP-2024-0042",
		Pending:   []string{"[send_email] To: ops@acme.example | Subject: Final Report"},
	})
	for _, want := range []string{"2026-03-02", "IMP-2024-0042", "Awaiting the user's confirmation", "Final Report", "edit_draft"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	empty := nlp.BuildSystemPrompt(nlp.PromptContext{})
	if !strings.Contains(empty, "Nothing is awaiting confirmation") {
		t.Errorf("empty prompt should say nothing is pending")
	}
}

func TestOpenAI_UnauthorizedIsPermanent(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := nlp.NewOpenAI(nlp.OpenAIConfig{APIKey: "sk-bad", BaseURL: srv.URL})
	cfg := retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err := retry.Do(context.Background(), cfg, func() error {
		_, err := p.Complete(context.Background(), nlp.CompletionRequest{})
		return err
	})
	if !errors.Is(err, nlp.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if calls != 1 {
		t.Errorf("rejected credentials must not be retried, got %d calls", calls)
	}
}

func TestOpenAI_ForwardsUserAndHistory(t *testing.T) {
	var got struct {
		User     string        `json:"user"`
		Messages []nlp.Message `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"finish_reason":"stop","message":{"content":"Sent to Joana."}}]}`))
	}))
	defer srv.Close()

	history := []nlp.Message{
		{Role: nlp.RoleUser, Content: "email joana"},
		{Role: nlp.RoleAssistant, ToolCalls: []nlp.ToolCall{{ID: "c1", Type: "function",
			Function: nlp.FunctionCall{Name: "send_email", Arguments: `{}`}}}},
		{Role: nlp.RoleTool, ToolCallID: "c1", Name: "send_email", Content: `{"kind":"pending_confirmation"}`},
	}
	p := nlp.NewOpenAI(nlp.OpenAIConfig{BaseURL: srv.URL, Model: "m"})
	resp, err := p.Complete(context.Background(), nlp.CompletionRequest{Messages: history, User: "!ops:example.org"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got.User != "!ops:example.org" {
		t.Errorf("user = %q", got.User)
	}
	if diff := cmp.Diff(history, got.Messages); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
	if resp.Message.Role != nlp.RoleAssistant || resp.Message.Content != "Sent to Joana." {
		t.Errorf("unexpected message %+v", resp.Message)
	}
}
