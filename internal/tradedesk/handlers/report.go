package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/tools"
)

// SendReport prepares delivery of a generated report.
type SendReport struct{}

func (SendReport) Definition() tools.Definition {
	return tools.Definition{
		Name:        ToolSendReport,
		Description: "Generate and send a report (e.g. weekly status, process costs) to recipients. Always asks the user for confirmation first.",
		SideEffect:  true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"report":      stringProp("Report name, e.g. weekly_status or process_costs."),
				"process_ref": stringProp("Process the report is about, if any."),
				"period":      stringProp("Reporting period, e.g. 2024-W12 or 2024-03."),
				"recipients":  emailListProp("Who receives the report."),
			},
			"required": []string{"report", "recipients"},
		},
	}
}

func (SendReport) Handle(ctx context.Context, args map[string]any, ec tools.ExecContext) (tools.Result, error) {
	ra := intents.ReportArgs{
		Report:     stringArg(args, "report"),
		ProcessRef: strings.ToUpper(stringArg(args, "process_ref")),
		Period:     stringArg(args, "period"),
		Recipients: stringSliceArg(args, "recipients"),
	}
	if ra.ProcessRef == "" {
		if sc, err := ec.Session.Get(ctx, ec.SessionID); err == nil {
			ra.ProcessRef = sc.EntityRef
		}
	}

	preview := fmt.Sprintf("send report %q", ra.Report)
	if ra.ProcessRef != "" {
		preview += " for " + ra.ProcessRef
	}
	if ra.Period != "" {
		preview += " (" + ra.Period + ")"
	}
	preview += " to " + strings.Join(ra.Recipients, ", ")

	p, err := ec.Intents.Create(ctx, ec.SessionID, ra, preview, ec.IntentTTL)
	if err != nil {
		return tools.Result{}, err
	}
	return pendingResult(p), nil
}
