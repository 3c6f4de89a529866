// Package policy evaluates containment plans against Rego rules before they
// are critiqued.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"github.com/open-policy-agent/opa/rego"

	"cybersentinel/pkg/schema"
)

// PlanQuery is the rule set a plan policy must define: a set of violation
// messages.
const PlanQuery = "data.sentinel.plan.deny"

// DefaultPlanPolicy blocks destructive actions on weak hypotheses and empty
// critical plans.
const DefaultPlanPolicy = `package sentinel.plan

import rego.v1

destructive := {"wipe_host", "delete_account", "shutdown_network", "disable_logging", "reimage_host"}

deny contains msg if {
	some a in input.plan.actions
	destructive[a.action]
	input.hypothesis.confidence < 0.7
	msg := sprintf("destructive action %q requires hypothesis confidence of at least 0.7", [a.action])
}

deny contains msg if {
	input.plan.priority == "critical"
	count(input.plan.actions) == 0
	msg := "critical priority plan proposes no actions"
}
`

// PlanReview is the policy input for one plan.
type PlanReview struct {
	TenantID   string                `json:"tenant_id"`
	IncidentID string                `json:"incident_id"`
	Hypothesis schema.HypothesisItem `json:"hypothesis"`
	Plan       schema.ResponsePlan   `json:"plan"`
}

// PlanGuard holds a prepared deny query. The query can be swapped while
// readers evaluate. A nil *PlanGuard allows everything.
type PlanGuard struct {
	prepared atomic.Pointer[rego.PreparedEvalQuery]
}

// NewPlanGuard compiles src, which must define PlanQuery.
func NewPlanGuard(ctx context.Context, src string) (*PlanGuard, error) {
	g := &PlanGuard{}
	if err := g.Reload(ctx, src); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadPlanGuard compiles the Rego file at path. An empty path selects
// DefaultPlanPolicy.
func LoadPlanGuard(ctx context.Context, path string) (*PlanGuard, error) {
	if path == "" {
		return NewPlanGuard(ctx, DefaultPlanPolicy)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan policy: %w", err)
	}
	return NewPlanGuard(ctx, string(src))
}

// Reload replaces the active policy. On error the previous one stays active.
func (g *PlanGuard) Reload(ctx context.Context, src string) error {
	r := rego.New(
		rego.Query(PlanQuery),
		rego.Module("plan.rego", src),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("compile plan policy: %w", err)
	}
	g.prepared.Store(&pq)
	return nil
}

// Check returns the sorted violation messages for review.
func (g *PlanGuard) Check(ctx context.Context, review PlanReview) ([]string, error) {
	if g == nil {
		return nil, nil
	}
	pq := g.prepared.Load()
	if pq == nil {
		return nil, nil
	}

	input, err := toInput(review)
	if err != nil {
		return nil, err
	}
	rs, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluate plan policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	raw, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return nil, fmt.Errorf("plan policy returned %T, want a set of strings", rs[0].Expressions[0].Value)
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

// toInput converts review into plain JSON values so Rego sees the wire names.
func toInput(review PlanReview) (map[string]any, error) {
	raw, err := json.Marshal(review)
	if err != nil {
		return nil, fmt.Errorf("encode plan review: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode plan review: %w", err)
	}
	return m, nil
}
