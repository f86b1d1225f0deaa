package policy

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/open-policy-agent/opa/rego"
)

//go:embed gate.rego
var defaultGatePolicy string

const gateQuery = `decision := data.tradedesk.tools.decision; reasons := data.tradedesk.tools.deny_reasons`

// GateInput is the document the gate policy evaluates as input.
type GateInput struct {
	Tool         string         `json:"tool"`
	SessionID    string         `json:"session_id"`
	Args         map[string]any `json:"args"`
	SideEffect   bool           `json:"side_effect"`
	Source       string         `json:"source"`
	BlockedTools []string       `json:"blocked_tools"`
}

// Verdict is the gate's answer for one tool invocation.
type Verdict struct {
	Allow   bool
	Reasons []string
}

// Gate is the rego policy every tool call passes through.
type Gate struct {
	query rego.PreparedEvalQuery
}

// NewGate prepares the gate with module, or the embedded default policy
// when module is empty.
func NewGate(ctx context.Context, module string) (*Gate, error) {
	if module == "" {
		module = defaultGatePolicy
	}
	r := rego.New(
		rego.Query(gateQuery),
		rego.Module("tradedesk_tools.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Gate{query: query}, nil
}

// LoadGate reads a rego module from path.
func LoadGate(ctx context.Context, path string) (*Gate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gate policy: %w", err)
	}
	return NewGate(ctx, string(data))
}

// Decide evaluates in. A policy that yields no decision allows the call.
func (g *Gate) Decide(ctx context.Context, in GateInput) (Verdict, error) {
	if in.Args == nil {
		in.Args = map[string]any{}
	}
	if in.BlockedTools == nil {
		in.BlockedTools = []string{}
	}
	input := map[string]any{
		"tool":          in.Tool,
		"session_id":    in.SessionID,
		"args":          in.Args,
		"side_effect":   in.SideEffect,
		"source":        in.Source,
		"blocked_tools": toAnySlice(in.BlockedTools),
	}

	rs, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(rs) == 0 {
		return Verdict{Allow: true}, nil
	}

	decision, _ := rs[0].Bindings["decision"].(string)
	var reasons []string
	if set, ok := rs[0].Bindings["reasons"].([]any); ok {
		for _, r := range set {
			if s, ok := r.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	sort.Strings(reasons)

	return Verdict{Allow: decision != "deny", Reasons: reasons}, nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
