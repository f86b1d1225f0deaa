package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/tradedesk/internal/tradedesk/documents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/tools"
)

// CreateDeclaration prepares a customs declaration for a process.
type CreateDeclaration struct{}

func (CreateDeclaration) Definition() tools.Definition {
	return tools.Definition{
		Name:        ToolCreateDeclaration,
		Description: "File a customs declaration for an import/export process. Always asks the user for confirmation first.",
		SideEffect:  true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"process_ref": stringProp("Process reference, e.g. IMP-2024-0042."),
				"regime":      stringProp("Customs regime: import, export, transit, temporary_admission or drawback."),
				"items": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"ncm":         map[string]any{"type": "string", "pattern": "^[0-9.]{4,10}$"},
							"description": map[string]any{"type": "string"},
							"quantity":    map[string]any{"type": "number", "minimum": 0},
							"value":       map[string]any{"type": "number", "minimum": 0},
							"currency":    map[string]any{"type": "string", "minLength": 3, "maxLength": 3},
						},
						"required": []string{"ncm"},
					},
				},
			},
			"required": []string{"process_ref", "regime"},
		},
	}
}

func (CreateDeclaration) Handle(ctx context.Context, args map[string]any, ec tools.ExecContext) (tools.Result, error) {
	da := intents.DeclarationArgs{
		ProcessRef: strings.ToUpper(stringArg(args, "process_ref")),
		Regime:     strings.ToLower(stringArg(args, "regime")),
		Items:      declarationItems(args),
	}

	if ec.Documents != nil {
		proc, err := ec.Documents.LookupProcess(ctx, da.ProcessRef)
		if errors.Is(err, documents.ErrNotFound) {
			return tools.Answered(fmt.Sprintf("I could not find process %s, so no declaration was prepared.", da.ProcessRef), nil), nil
		}
		if err != nil {
			return tools.Result{}, err
		}
		_ = ec.Session.SetEntity(ctx, ec.SessionID, proc.Ref)
	}

	preview := fmt.Sprintf("file %s declaration for %s with %d item(s)", da.Regime, da.ProcessRef, len(da.Items))
	if len(da.Items) > 0 {
		codes := make([]string, 0, len(da.Items))
		for _, it := range da.Items {
			codes = append(codes, it.NCM)
		}
		preview += " (NCM " + strings.Join(codes, ", ") + ")"
	}

	p, err := ec.Intents.Create(ctx, ec.SessionID, da, preview, ec.IntentTTL)
	if err != nil {
		return tools.Result{}, err
	}
	return pendingResult(p), nil
}

func declarationItems(args map[string]any) []intents.DeclarationItem {
	raw, _ := args["items"].([]any)
	items := make([]intents.DeclarationItem, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		item := intents.DeclarationItem{
			NCM:         stringArg(m, "ncm"),
			Description: stringArg(m, "description"),
			Currency:    strings.ToUpper(stringArg(m, "currency")),
		}
		item.Quantity, _ = m["quantity"].(float64)
		item.Value, _ = m["value"].(float64)
		items = append(items, item)
	}
	return items
}
