package nlp

import (
	"sync"
	"time"
)

// DefaultTokenBudget is the daily token allowance per session when none is
// configured.
const DefaultTokenBudget = 200_000

// TokenBudget enforces a per-key daily token allowance. Counters reset at
// midnight UTC. Call Allow before a request and RecordUsage after it.
//
// TokenBudget is safe for concurrent use.
type TokenBudget struct {
	mu     sync.Mutex
	budget int
	now    func() time.Time
	usage  map[string]*dailyUsage
}

type dailyUsage struct {
	tokens  int
	resetAt time.Time
}

// NewTokenBudget returns a TokenBudget of dailyBudget tokens per key.
// dailyBudget <= 0 selects DefaultTokenBudget.
func NewTokenBudget(dailyBudget int) *TokenBudget {
	if dailyBudget <= 0 {
		dailyBudget = DefaultTokenBudget
	}
	return &TokenBudget{budget: dailyBudget, now: time.Now, usage: make(map[string]*dailyUsage)}
}

// WithClock replaces the time source. For tests.
func (b *TokenBudget) WithClock(now func() time.Time) *TokenBudget {
	b.now = now
	return b
}

func (b *TokenBudget) entry(key string) *dailyUsage {
	now := b.now().UTC()
	u, ok := b.usage[key]
	if !ok || !now.Before(u.resetAt) {
		y, m, d := now.Date()
		u = &dailyUsage{resetAt: time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)}
		b.usage[key] = u
	}
	return u
}

// Allow reports whether key has any allowance left today.
func (b *TokenBudget) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entry(key).tokens < b.budget
}

// RecordUsage adds tokens to key's counter.
func (b *TokenBudget) RecordUsage(key string, tokens int) {
	if tokens <= 0 {
		return
	}
	b.mu.Lock()
	b.entry(key).tokens += tokens
	b.mu.Unlock()
}

// Used returns today's consumption of key.
func (b *TokenBudget) Used(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entry(key).tokens
}
