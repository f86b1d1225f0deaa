package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/tradedesk/internal/tradedesk/intents"
	"github.com/bdobrica/tradedesk/internal/tradedesk/policy"
	"github.com/bdobrica/tradedesk/internal/tradedesk/store"
)

var intentsCmd = &cobra.Command{
	Use:   "intents",
	Short: "Inspect pending intents in the database",
}

var (
	listStatus string
	listLimit  int
)

var intentsListCmd = &cobra.Command{
	Use:   "list SESSION_ID",
	Short: "List the intents of one session, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.New(loadSettings().App.DatabasePath)
		if err != nil {
			return err
		}
		defer st.Close()

		status := intents.Status(listStatus)
		if status != "" && status != intents.StatusPending && !status.Terminal() {
			return fmt.Errorf("unknown status %q", listStatus)
		}
		list, err := intents.NewStore(st.DB()).List(cmd.Context(), args[0], status, listLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tCREATED\tEXPIRES\tPREVIEW")
		for _, p := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				p.ShortID(), p.Type, p.Status,
				p.CreatedAt.Format(time.RFC3339), p.ExpiresAt.Format(time.RFC3339),
				intents.TruncatePreview(p.PreviewText))
		}
		return w.Flush()
	},
}

var (
	checkMessage string
	checkTool    string
	checkArgs    string
	checkSession string
)

// policyCheckCmd validates the rules and gate files a deployment will load.
// With --message it reports which rule would force a tool; with --tool it
// asks the gate for a verdict.
var policyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the policy rules and gate, optionally against a sample",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := loadSettings().App
		out := cmd.OutOrStdout()

		loader := policy.NewLoader()
		if cfg.PolicyRulesPath != "" {
			if err := loader.LoadFile(cfg.PolicyRulesPath); err != nil {
				return err
			}
		}
		rules := loader.Rules()
		fmt.Fprintf(out, "rules: version %d, %d rule(s), pin window %s, sha256 %s\n",
			rules.Version, len(rules.Rules), rules.PinWindow, loader.Hash()[:12])

		var gate *policy.Gate
		var err error
		if cfg.GatePolicyPath != "" {
			gate, err = policy.LoadGate(ctx, cfg.GatePolicyPath)
		} else {
			gate, err = policy.NewGate(ctx, "")
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "gate: ok")

		if checkMessage != "" {
			d, err := policy.NewLayer(loader).Evaluate(ctx, checkSession, checkMessage)
			if err != nil {
				return err
			}
			if d.Matched {
				fmt.Fprintf(out, "message: rule %q forces %s %v\n", d.Rule, d.Tool, d.Args)
			} else {
				fmt.Fprintln(out, "message: no rule matches")
			}
		}

		if checkTool != "" {
			in := policy.GateInput{Tool: checkTool, SessionID: checkSession, SideEffect: true, Source: "cli"}
			if checkArgs != "" {
				if err := json.Unmarshal([]byte(checkArgs), &in.Args); err != nil {
					return fmt.Errorf("invalid --args: %w", err)
				}
			}
			v, err := gate.Decide(ctx, in)
			if err != nil {
				return err
			}
			if v.Allow {
				fmt.Fprintf(out, "tool %s: allowed\n", checkTool)
			} else {
				fmt.Fprintf(out, "tool %s: denied %v\n", checkTool, v.Reasons)
			}
		}
		return nil
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Work with the intent policy rules and tool gate",
}

func init() {
	intentsListCmd.Flags().StringVar(&listStatus, "status", "", "only intents in this status (pending, executed, cancelled, expired)")
	intentsListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum rows")
	intentsCmd.AddCommand(intentsListCmd)

	policyCheckCmd.Flags().StringVar(&checkMessage, "message", "", "sample chat message to run through the rules")
	policyCheckCmd.Flags().StringVar(&checkTool, "tool", "", "tool name to submit to the gate")
	policyCheckCmd.Flags().StringVar(&checkArgs, "args", "", "JSON tool arguments for --tool")
	policyCheckCmd.Flags().StringVar(&checkSession, "session", "!cli:localhost", "session ID for the sample")
	policyCmd.AddCommand(policyCheckCmd)
}
