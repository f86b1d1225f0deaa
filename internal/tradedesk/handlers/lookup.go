package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bdobrica/tradedesk/internal/tradedesk/documents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/tools"
)

// LookupProcess answers questions about one import/export process.
type LookupProcess struct{}

func (LookupProcess) Definition() tools.Definition {
	return tools.Definition{
		Name:        ToolLookupProcess,
		Description: "Look up the current status of an import/export process by reference.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"process_ref": map[string]any{"type": "string", "pattern": "^(?i)(IMP|EXP)-[0-9]{4}-[0-9]{3,5}$"},
				"question":    stringProp("The user's question, verbatim."),
			},
			"required": []string{"process_ref"},
		},
	}
}

func (LookupProcess) Handle(ctx context.Context, args map[string]any, ec tools.ExecContext) (tools.Result, error) {
	if ec.Documents == nil {
		return tools.Delegate("The document store is not available; tell the user process data cannot be checked right now."), nil
	}
	ref := strings.ToUpper(stringArg(args, "process_ref"))
	p, err := ec.Documents.LookupProcess(ctx, ref)
	if errors.Is(err, documents.ErrNotFound) {
		return tools.Answered(fmt.Sprintf("I could not find process %s.", ref), nil), nil
	}
	if err != nil {
		return tools.Result{}, err
	}
	if err := ec.Session.SetEntity(ctx, ec.SessionID, p.Ref); err != nil {
		return tools.Result{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s, %s): %s.", p.Ref, p.Direction, p.Client, p.Status)
	if p.ETA != "" {
		fmt.Fprintf(&b, " ETA %s.", p.ETA)
	}
	if p.Container != "" {
		fmt.Fprintf(&b, " Container %s.", p.Container)
	}
	if p.BL != "" {
		fmt.Fprintf(&b, " BL %s.", p.BL)
	}
	if p.Notes != "" {
		fmt.Fprintf(&b, " %s", p.Notes)
	}
	return tools.Answered(b.String(), p), nil
}

// LookupTariff answers tariff classification questions from the official
// table. Results are cached in the session as short-lived facts.
type LookupTariff struct{}

func (LookupTariff) Definition() tools.Definition {
	return tools.Definition{
		Name:        ToolLookupTariff,
		Description: "Look up duty rates and licensing for an NCM/HS tariff code in the official table.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code":     map[string]any{"type": "string", "pattern": "^[0-9][0-9. ]{3,11}$"},
				"question": stringProp("The user's question, verbatim."),
				"source":   stringProp("Where the answer must come from."),
			},
			"required": []string{"code"},
		},
	}
}

func (LookupTariff) Handle(ctx context.Context, args map[string]any, ec tools.ExecContext) (tools.Result, error) {
	code := documents.NormalizeCode(stringArg(args, "code"))
	if len(code) < 8 {
		return tools.Delegate(fmt.Sprintf("Tariff code %s is incomplete; ask the user for the full 8-digit NCM.", code)), nil
	}

	key := "tariff:" + code
	if cached, ok, err := ec.Session.Fact(ctx, ec.SessionID, key); err == nil && ok {
		var t documents.Tariff
		if json.Unmarshal([]byte(cached), &t) == nil {
			return tools.Answered(describeTariff(&t), &t), nil
		}
	}

	if ec.Documents == nil {
		return tools.Delegate("The tariff table is not available; do not guess rates."), nil
	}
	t, err := ec.Documents.LookupTariff(ctx, code)
	if errors.Is(err, documents.ErrNotFound) {
		return tools.Answered(fmt.Sprintf("NCM %s is not in the tariff table.", code), nil), nil
	}
	if err != nil {
		return tools.Result{}, err
	}
	if raw, err := json.Marshal(t); err == nil {
		_ = ec.Session.SetFact(ctx, ec.SessionID, key, string(raw), FactTTL)
	}
	return tools.Answered(describeTariff(t), t), nil
}

func describeTariff(t *documents.Tariff) string {
	names := make([]string, 0, len(t.Rates))
	for name := range t.Rates {
		names = append(names, name)
	}
	sort.Strings(names)
	rates := make([]string, 0, len(names))
	for _, name := range names {
		rates = append(rates, fmt.Sprintf("%s %g%%", strings.ToUpper(name), t.Rates[name]))
	}
	s := fmt.Sprintf("NCM %s (%s): %s.", t.Code, t.Description, strings.Join(rates, ", "))
	if t.License {
		s += " Import license required."
	}
	return s
}
