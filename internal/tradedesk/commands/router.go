// Package commands provides operator slash-command parsing and routing. The
// router also hosts the legacy tools that have no consolidated handler; the
// tool execution service sends those here with fallback LEGACY_ROUTER.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Command is one parsed operator command, or a legacy tool call wrapped by
// ToolCommand.
type Command struct {
	Name       string
	Subcommand string
	Args       []string
	Flags      map[string]string
	RawText    string
}

// Request identifies who sent a command and in which session.
type Request struct {
	SessionID string
	Sender    string
}

// ErrNotACommand is returned by Parse when the message does not start with the
// command prefix. Callers should use errors.Is to distinguish this expected
// case from real errors.
var ErrNotACommand = errors.New("not a command (missing prefix)")

// ErrUnknownAction is returned by Dispatch when nothing is registered under
// the action key.
var ErrUnknownAction = errors.New("no handler registered for action")

// UnknownCommandError is returned by Route for a well-formed command nobody
// handles. Suggestions are registered keys sharing its first word.
type UnknownCommandError struct {
	Key         string
	Suggestions []string
}

func (e *UnknownCommandError) Error() string {
	if len(e.Suggestions) == 0 {
		return "unknown command: " + e.Key
	}
	return fmt.Sprintf("unknown command: %s (try: %s)", e.Key, strings.Join(e.Suggestions, ", "))
}

// Handler runs one command and returns the markdown reply.
type Handler func(ctx context.Context, cmd *Command, req Request) (string, error)

// Router maps "name" and "name.sub" keys to handlers.
type Router struct {
	handlers map[string]Handler
	prefix   string
}

// NewRouter creates a router for messages starting with prefix.
func NewRouter(prefix string) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		prefix:   prefix,
	}
}

// Prefix returns the command prefix, e.g. "/td".
func (r *Router) Prefix() string { return r.prefix }

// Register binds key to handler, replacing any earlier binding.
func (r *Router) Register(key string, handler Handler) {
	r.handlers[key] = handler
}

// IsCommand reports whether text is addressed to the router.
func (r *Router) IsCommand(text string) bool {
	text = strings.TrimSpace(text)
	return text == r.prefix || strings.HasPrefix(text, r.prefix+" ")
}

// Parse splits text into name, optional subcommand, positional args and
// --flags. Double-quoted tokens keep their spaces, so
// `config set tools.blocked "send_report, send_email"` has two args.
// Flags accept both "--key value" and "--key=value"; a bare "--key" is "true".
func (r *Router) Parse(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	if !r.IsCommand(text) {
		return nil, ErrNotACommand
	}

	body := strings.TrimSpace(strings.TrimPrefix(text, r.prefix))
	parts, err := tokenize(body)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, errors.New("empty command")
	}

	cmd := &Command{
		Name:    parts[0],
		Args:    []string{},
		Flags:   make(map[string]string),
		RawText: body,
	}
	parts = parts[1:]
	if len(parts) > 0 && !strings.HasPrefix(parts[0], "--") {
		cmd.Subcommand = parts[0]
		parts = parts[1:]
	}

	for i := 0; i < len(parts); i++ {
		part := parts[i]
		if !strings.HasPrefix(part, "--") {
			cmd.Args = append(cmd.Args, part)
			continue
		}
		name := strings.TrimPrefix(part, "--")
		if k, v, ok := strings.Cut(name, "="); ok {
			cmd.Flags[k] = v
			continue
		}
		if i+1 < len(parts) && !strings.HasPrefix(parts[i+1], "--") {
			cmd.Flags[name] = parts[i+1]
			i++
		} else {
			cmd.Flags[name] = "true"
		}
	}
	return cmd, nil
}

// tokenize splits on whitespace outside double quotes.
func tokenize(s string) ([]string, error) {
	var (
		out     []string
		cur     strings.Builder
		quoted  bool
		started bool
	)
	for _, c := range s {
		switch {
		case c == '"':
			quoted = !quoted
			started = true
		case unicode.IsSpace(c) && !quoted:
			if started {
				out = append(out, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(c)
			started = true
		}
	}
	if quoted {
		return nil, errors.New("unterminated quote")
	}
	if started {
		out = append(out, cur.String())
	}
	return out, nil
}

// Dispatch calls the handler registered under action directly, without
// parsing text. Legacy tools are dispatched as "tool.<name>".
func (r *Router) Dispatch(ctx context.Context, action string, cmd *Command, req Request) (string, error) {
	handler, ok := r.handlers[action]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownAction, action)
	}
	return handler(ctx, cmd, req)
}

// Route parses text and runs the most specific handler: "name.sub" first,
// then "name" with the subcommand moved back into Args, as commands such as
// "cancel <id>" take their argument in that slot.
func (r *Router) Route(ctx context.Context, text string, req Request) (string, error) {
	cmd, err := r.Parse(text)
	if err != nil {
		return "", err
	}

	key := cmd.Name
	if cmd.Subcommand != "" {
		key += "." + cmd.Subcommand
	}
	if handler, ok := r.handlers[key]; ok {
		return handler(ctx, cmd, req)
	}

	handler, ok := r.handlers[cmd.Name]
	if !ok {
		return "", &UnknownCommandError{Key: key, Suggestions: r.related(cmd.Name)}
	}
	if cmd.Subcommand != "" {
		cmd.Args = append([]string{cmd.Subcommand}, cmd.Args...)
		cmd.Subcommand = ""
	}
	return handler(ctx, cmd, req)
}

// related lists operator commands under name, formatted as typed.
func (r *Router) related(name string) []string {
	var out []string
	for _, k := range r.Actions() {
		if strings.HasPrefix(k, name+".") && !strings.HasPrefix(k, "tool.") {
			out = append(out, strings.ReplaceAll(k, ".", " "))
		}
	}
	return out
}

// Actions lists every registered key, sorted.
func (r *Router) Actions() []string {
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// GetFlag returns a flag value, or defaultValue when the flag is absent.
func (c *Command) GetFlag(name, defaultValue string) string {
	if val, ok := c.Flags[name]; ok {
		return val
	}
	return defaultValue
}

// GetArg returns the positional argument at index.
func (c *Command) GetArg(index int) (string, bool) {
	if index < 0 || index >= len(c.Args) {
		return "", false
	}
	return c.Args[index], true
}
