package session

import (
	"sync"
	"time"
)

// HistoryConfig bounds the short-term history kept per session.
type HistoryConfig struct {
	// Cooldown is the inactivity after which a session's history is dropped.
	// Default: 30 minutes.
	Cooldown time.Duration

	// MaxMessages caps the sliding window. Default: 20.
	MaxMessages int

	// MaxTokens is an estimated token budget for the window. Default: 4000.
	MaxTokens int
}

// DefaultHistoryConfig returns a HistoryConfig with the documented defaults.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Cooldown:    30 * time.Minute,
		MaxMessages: 20,
		MaxTokens:   4000,
	}
}

// Message is a single turn in a conversation.
type Message struct {
	Role      string // "user" or "assistant"
	Content   string
	Timestamp time.Time
}

type history struct {
	messages []Message
	lastAt   time.Time
}

// History keeps recent messages per session so clients that do not send
// their own history still get context in model calls. It is safe for
// concurrent use.
type History struct {
	mu     sync.Mutex
	config HistoryConfig
	byID   map[string]*history
	now    func() time.Time
}

// NewHistory creates a History with cfg, filling zero fields with defaults.
func NewHistory(cfg HistoryConfig) *History {
	def := DefaultHistoryConfig()
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	return &History{config: cfg, byID: make(map[string]*history), now: time.Now}
}

// Record appends a message to the session's window, starting over when the
// previous exchange has gone stale.
func (h *History) Record(sessionID, role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	cur := h.byID[sessionID]
	if cur == nil || now.Sub(cur.lastAt) > h.config.Cooldown {
		cur = &history{}
		h.byID[sessionID] = cur
	}
	cur.messages = append(cur.messages, Message{Role: role, Content: content, Timestamp: now})
	cur.lastAt = now

	if len(cur.messages) > h.config.MaxMessages {
		cur.messages = cur.messages[len(cur.messages)-h.config.MaxMessages:]
	}
	for len(cur.messages) > 1 && estimateTokens(cur.messages) > h.config.MaxTokens {
		cur.messages = cur.messages[1:]
	}
}

// Recent returns a copy of the session's live window, oldest first.
func (h *History) Recent(sessionID string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur := h.byID[sessionID]
	if cur == nil || h.now().Sub(cur.lastAt) > h.config.Cooldown {
		return nil
	}
	out := make([]Message, len(cur.messages))
	copy(out, cur.messages)
	return out
}

// Forget drops a session's window.
func (h *History) Forget(sessionID string) {
	h.mu.Lock()
	delete(h.byID, sessionID)
	h.mu.Unlock()
}

// Sweep drops every window idle past the cooldown and returns how many were
// removed.
func (h *History) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	n := 0
	for id, cur := range h.byID {
		if now.Sub(cur.lastAt) > h.config.Cooldown {
			delete(h.byID, id)
			n++
		}
	}
	return n
}

// estimateTokens uses ~4 characters per token plus a small per-message
// overhead for role framing.
func estimateTokens(msgs []Message) int {
	const charsPerToken = 4
	const perMessageOverhead = 4

	total := 0
	for _, m := range msgs {
		total += len(m.Content)/charsPerToken + perMessageOverhead
	}
	return total
}
