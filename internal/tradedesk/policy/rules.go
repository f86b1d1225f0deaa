// Package policy holds the deterministic side of tool selection: versioned
// YAML rules evaluated before any model call (Layer) and the rego gate every
// tool invocation passes through (Gate).
package policy

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// DefaultPinWindow applies when the rules file does not set pin_window.
const DefaultPinWindow = 3 * time.Minute

// Rules is the parsed policy configuration.
type Rules struct {
	Version       int           `yaml:"version"`
	PinWindow     time.Duration `yaml:"pin_window"`
	Rules         []Rule        `yaml:"rules"`
	Confirmation  WordLists     `yaml:"confirmation"`
	SubjectSwitch []string      `yaml:"subject_switch"`
}

// Rule forces Tool when any of Patterns matches. Named capture groups become
// tool arguments, merged over Args.
type Rule struct {
	Name      string         `yaml:"name"`
	Tool      string         `yaml:"tool"`
	Patterns  []string       `yaml:"patterns"`
	Args      map[string]any `yaml:"args"`
	Pin       bool           `yaml:"pin"`
	FollowUps []string       `yaml:"follow_ups"`

	patterns  []*regexp.Regexp
	followUps []*regexp.Regexp
}

// WordLists are the confirmation vocabularies.
type WordLists struct {
	Affirmative []string `yaml:"affirmative"`
	Negative    []string `yaml:"negative"`
}

// ParseRules decodes and validates a rules document, compiling every pattern.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse policy rules: %w", err)
	}
	if err := r.compile(); err != nil {
		return nil, fmt.Errorf("invalid policy rules: %w", err)
	}
	return &r, nil
}

// DefaultRules returns the rules shipped with the binary.
func DefaultRules() *Rules {
	r, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded policy rules: %v", err))
	}
	return r
}

func (r *Rules) compile() error {
	if r.Version <= 0 {
		return fmt.Errorf("version must be a positive integer")
	}
	if r.PinWindow < 0 {
		return fmt.Errorf("pin_window must not be negative")
	}
	if r.PinWindow == 0 {
		r.PinWindow = DefaultPinWindow
	}

	seen := make(map[string]struct{}, len(r.Rules))
	for i := range r.Rules {
		rule := &r.Rules[i]
		if strings.TrimSpace(rule.Name) == "" {
			return fmt.Errorf("rules[%d]: name must not be empty", i)
		}
		if _, dup := seen[rule.Name]; dup {
			return fmt.Errorf("rules[%d]: duplicate name %q", i, rule.Name)
		}
		seen[rule.Name] = struct{}{}
		if strings.TrimSpace(rule.Tool) == "" {
			return fmt.Errorf("rules[%d] (%q): tool must not be empty", i, rule.Name)
		}
		if len(rule.Patterns) == 0 {
			return fmt.Errorf("rules[%d] (%q): at least one pattern is required", i, rule.Name)
		}
		for j, p := range rule.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("rules[%d] (%q): patterns[%d]: %w", i, rule.Name, j, err)
			}
			rule.patterns = append(rule.patterns, re)
		}
		for j, p := range rule.FollowUps {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("rules[%d] (%q): follow_ups[%d]: %w", i, rule.Name, j, err)
			}
			rule.followUps = append(rule.followUps, re)
		}
	}
	return nil
}

// match returns the arguments extracted by the first matching pattern.
func (rule *Rule) match(msg string) (map[string]any, bool) {
	for _, re := range rule.patterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		args := make(map[string]any, len(rule.Args)+len(m))
		for k, v := range rule.Args {
			args[k] = v
		}
		for i, name := range re.SubexpNames() {
			if name != "" && m[i] != "" {
				args[name] = m[i]
			}
		}
		return args, true
	}
	return nil, false
}

func (rule *Rule) isFollowUp(msg string) bool {
	for _, re := range rule.followUps {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// IsSubjectSwitch reports whether msg explicitly changes the subject.
func (r *Rules) IsSubjectSwitch(msg string) bool {
	norm := strings.ToLower(strings.TrimSpace(msg))
	for _, phrase := range r.SubjectSwitch {
		if strings.Contains(norm, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// Loader holds the live Rules and allows hot reloads.
type Loader struct {
	mu    sync.RWMutex
	rules *Rules
	hash  string
}

// NewLoader creates a Loader primed with the embedded default rules.
func NewLoader() *Loader {
	l := &Loader{}
	if err := l.Apply(defaultRulesYAML); err != nil {
		panic(fmt.Sprintf("embedded policy rules: %v", err))
	}
	return l
}

// LoadRules reads a rules file from disk.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy rules: %w", err)
	}
	return ParseRules(data)
}

// LoadFile reads, validates and applies a rules file.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy rules: %w", err)
	}
	return l.Apply(data)
}

// Apply parses data and atomically replaces the live rules. Invalid input
// leaves the current rules untouched.
func (l *Loader) Apply(data []byte) error {
	r, err := ParseRules(data)
	if err != nil {
		return err
	}
	h := sha256.Sum256(data)
	hash := hex.EncodeToString(h[:])

	l.mu.Lock()
	l.rules = r
	l.hash = hash
	l.mu.Unlock()

	slog.Info("policy rules applied", "version", r.Version, "rules", len(r.Rules), "hash", hash[:12])
	return nil
}

// Rules returns the live rules.
func (l *Loader) Rules() *Rules {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rules
}

// Hash returns the SHA-256 of the applied document.
func (l *Loader) Hash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hash
}
