// Package tools routes tool calls to exactly one handler and executes the
// consolidated ones. Every result carries an explicit fallback tag so
// callers never infer dispatch from a missing value.
package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// HandlerID names the component responsible for a tool: "core.<tool>" for
// handlers registered with the Service, "legacy.<tool>" for tools owned by
// the command router.
type HandlerID string

// Handler namespaces.
const (
	NamespaceCore   = "core"
	NamespaceLegacy = "legacy"
)

// Namespace returns the part before the first dot.
func (id HandlerID) Namespace() string {
	ns, _, _ := strings.Cut(string(id), ".")
	return ns
}

// Core returns the consolidated handler ID for tool.
func Core(tool string) HandlerID { return HandlerID(NamespaceCore + "." + tool) }

// Legacy returns the legacy router handler ID for tool.
func Legacy(tool string) HandlerID { return HandlerID(NamespaceLegacy + "." + tool) }

// ErrNotFound is matched by every *NotFoundError.
var ErrNotFound = errors.New("tool not found")

// NotFoundError reports a tool name with no route. It indicates a
// programming error: the model was offered a tool nobody handles.
type NotFoundError struct {
	Tool string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("no handler registered for tool %q", e.Tool) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Router is a static tool name to handler lookup.
type Router struct {
	routes map[string]HandlerID
}

// NewRouter builds a Router from routes. Every ID must use a known
// namespace.
func NewRouter(routes map[string]HandlerID) (*Router, error) {
	r := &Router{routes: make(map[string]HandlerID, len(routes))}
	for tool, id := range routes {
		if ns := id.Namespace(); ns != NamespaceCore && ns != NamespaceLegacy {
			return nil, fmt.Errorf("tool %q: unknown handler namespace in %q", tool, id)
		}
		r.routes[tool] = id
	}
	return r, nil
}

// Route returns the handler responsible for tool.
func (r *Router) Route(tool string) (HandlerID, error) {
	id, ok := r.routes[tool]
	if !ok {
		return "", &NotFoundError{Tool: tool}
	}
	return id, nil
}

// Tools lists the routed tool names in sorted order.
func (r *Router) Tools() []string {
	out := make([]string, 0, len(r.routes))
	for name := range r.routes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
