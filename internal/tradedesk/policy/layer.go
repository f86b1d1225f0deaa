package policy

import (
	"context"
	"sync"
	"time"

	"github.com/bdobrica/tradedesk/common/trace"
)

// Decision is the outcome of Layer.Evaluate. A zero Decision means no
// override: the turn proceeds to the normal reasoning path.
type Decision struct {
	Matched bool
	Tool    string
	Args    map[string]any
	Rule    string
	// Pinned is true when the match came from a follow-up inside the pin
	// window rather than from a rule pattern.
	Pinned bool
}

type pin struct {
	rule    string
	tool    string
	args    map[string]any
	expires time.Time
}

// Layer evaluates the live rules against each message and keeps a short
// per-session pin so follow-up questions stay on the forced tool.
type Layer struct {
	loader *Loader
	now    func() time.Time
	window func() time.Duration

	mu   sync.Mutex
	pins map[string]pin
}

// NewLayer creates a Layer over the rules held by loader.
func NewLayer(loader *Loader) *Layer {
	return &Layer{loader: loader, now: time.Now, pins: make(map[string]pin)}
}

// WithClock overrides the layer's time source.
func (l *Layer) WithClock(now func() time.Time) *Layer {
	l.now = now
	return l
}

// WithPinWindow overrides the rules' pin window when fn returns a positive
// duration.
func (l *Layer) WithPinWindow(fn func() time.Duration) *Layer {
	l.window = fn
	return l
}

func (l *Layer) pinWindow(r *Rules) time.Duration {
	if l.window != nil {
		if d := l.window(); d > 0 {
			return d
		}
	}
	return r.PinWindow
}

// Evaluate decides whether message must be routed to a fixed tool. A direct
// rule match always wins and (re)pins the session. Otherwise a live pin
// whose rule recognises message as a follow-up forces the pinned tool with
// the previous arguments plus the new question. Any other message clears the
// pin.
func (l *Layer) Evaluate(ctx context.Context, sessionID, message string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	rules := l.loader.Rules()
	now := l.now()
	log := trace.Logger(ctx)

	for i := range rules.Rules {
		rule := &rules.Rules[i]
		args, ok := rule.match(message)
		if !ok {
			continue
		}
		args["question"] = message

		l.mu.Lock()
		if rule.Pin {
			l.pins[sessionID] = pin{rule: rule.Name, tool: rule.Tool, args: copyArgs(args), expires: now.Add(l.pinWindow(rules))}
		} else {
			delete(l.pins, sessionID)
		}
		l.mu.Unlock()

		log.Info("policy override", "rule", rule.Name, "tool", rule.Tool, "rules_version", rules.Version)
		return Decision{Matched: true, Tool: rule.Tool, Args: args, Rule: rule.Name}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pins[sessionID]
	if !ok {
		return Decision{}, nil
	}
	if !now.Before(p.expires) {
		delete(l.pins, sessionID)
		return Decision{}, nil
	}

	var rule *Rule
	for i := range rules.Rules {
		if rules.Rules[i].Name == p.rule {
			rule = &rules.Rules[i]
			break
		}
	}
	if rule == nil || !rule.isFollowUp(message) {
		delete(l.pins, sessionID)
		return Decision{}, nil
	}

	args := copyArgs(p.args)
	args["question"] = message
	p.expires = now.Add(l.pinWindow(rules))
	l.pins[sessionID] = p

	log.Info("policy override (pinned follow-up)", "rule", p.rule, "tool", p.tool)
	return Decision{Matched: true, Tool: p.tool, Args: args, Rule: p.rule, Pinned: true}, nil
}

// Reset drops the session's pin, as on an explicit subject switch.
func (l *Layer) Reset(sessionID string) {
	l.mu.Lock()
	delete(l.pins, sessionID)
	l.mu.Unlock()
}

// Pinned reports the tool a session is currently pinned to, if any.
func (l *Layer) Pinned(sessionID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pins[sessionID]
	if !ok || !l.now().Before(p.expires) {
		return "", false
	}
	return p.tool, true
}

func copyArgs(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
