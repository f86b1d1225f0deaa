// Package handlers implements the consolidated tools registered with the
// tool execution service. Read-only tools answer directly; side-effecting
// tools only create a pending intent and return its preview.
package handlers

import (
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/tools"
)

// Tool names.
const (
	ToolDraftEmail        = "draft_email"
	ToolEditDraft         = "edit_draft"
	ToolSendEmail         = "send_email"
	ToolCreateDeclaration = "create_declaration"
	ToolSendReport        = "send_report"
	ToolLookupProcess     = "lookup_process"
	ToolLookupTariff      = "lookup_tariff"
)

// FactTTL is how long a looked-up fact stays relevant in the session.
const FactTTL = 10 * time.Minute

// All returns one instance of every consolidated handler.
func All() []tools.Handler {
	return []tools.Handler{
		DraftEmail{},
		EditDraft{},
		SendEmail{},
		CreateDeclaration{},
		SendReport{},
		LookupProcess{},
		LookupTariff{},
	}
}

// Routes maps every consolidated tool to its core handler and each name in
// legacyTools to the legacy router.
func Routes(legacyTools ...string) map[string]tools.HandlerID {
	routes := make(map[string]tools.HandlerID)
	for _, h := range All() {
		name := h.Definition().Name
		routes[name] = tools.Core(name)
	}
	for _, name := range legacyTools {
		if _, taken := routes[name]; taken {
			continue
		}
		routes[name] = tools.Legacy(name)
	}
	return routes
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func stringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case []string:
		return v
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func emailListProp(desc string) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": desc,
		"items":       map[string]any{"type": "string", "pattern": "^[^@\\s]+@[^@\\s]+$"},
	}
}

// pendingResult reports a new intent. A superseded earlier intent is named in
// the preview so the user knows it will not run.
func pendingResult(p *intents.PendingIntent) tools.Result {
	preview := p.PreviewText
	switch n := len(p.Superseded); {
	case n == 1:
		preview += fmt.Sprintf("\n(This replaces the earlier pending %s.)", p.Type.Label())
	case n > 1:
		preview += fmt.Sprintf("\n(This replaces %d earlier pending %s requests.)", n, p.Type.Label())
	}
	r := tools.PendingConfirmation(p.ID, string(p.Type), preview)
	r.Text = fmt.Sprintf("Please confirm: %s\nReply \"yes\" to proceed or \"no\" to cancel.", preview)
	return r
}
