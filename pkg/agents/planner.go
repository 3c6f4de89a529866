package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cybersentinel/pkg/confidence"
	"cybersentinel/pkg/incident"
	"cybersentinel/pkg/inference"
	"cybersentinel/pkg/reasoning"
	"cybersentinel/pkg/schema"
	"cybersentinel/pkg/structlog"
)

const (
	FallbackPlanImpact = "Error during plan generation"
	defaultPlanSummary = "Generated response plan"
)

// PlanInput feeds the Plan stage. Critique is set on the revision pass.
type PlanInput struct {
	Incident incident.Incident
	Top      schema.HypothesisItem
	Context  reasoning.Bundle
	Critique *schema.Critique
}

// PlanOutcome carries the containment plan.
type PlanOutcome struct {
	Outcome
	Plan schema.ResponsePlan
}

// ResponsePlanFallback is the payload persisted when planning fails: no
// automatic actions and full false-positive risk.
func ResponsePlanFallback(reason string) schema.ResponsePlan {
	risk := 1.0
	return schema.ResponsePlan{
		Actions:           []schema.PlanAction{},
		Priority:          schema.PriorityMedium,
		EstimatedImpact:   FallbackPlanImpact,
		FalsePositiveRisk: &risk,
		Error:             reason,
	}
}

// PlanRunner proposes containment actions for the top hypothesis.
type PlanRunner struct {
	deps Deps
}

func NewPlanRunner(d Deps) *PlanRunner { return &PlanRunner{deps: d} }

func (r *PlanRunner) Plan(ctx context.Context, in PlanInput) PlanOutcome {
	start := time.Now()
	plan, reason := call(ctx, r.deps, planPrompt(in), schema.ShapeResponsePlan, r.deps.Validator.ResponsePlan)
	if reason != "" {
		plan = ResponsePlanFallback(reason)
	}

	out := PlanOutcome{Plan: plan}
	out.Stage = incident.StageResponsePlanner
	out.FallbackReason = reason
	out.Payload = mustMarshal(plan)
	out.Confidence = confidence.Plan(plan.FalsePositiveRisk)
	out.Summary = plan.EstimatedImpact
	if out.Summary == "" {
		out.Summary = defaultPlanSummary
	}
	r.deps.finish(ctx, &out.Outcome, start, structlog.Fields{
		"actions":  len(plan.Actions),
		"priority": string(plan.Priority),
		"revision": in.Critique != nil,
	})
	return out
}

func planPrompt(in PlanInput) string {
	var sb strings.Builder
	sb.WriteString("Based on the following incident context and top hypothesis, propose a containment response plan.\n")
	sb.WriteString("Give concrete actions with a target and rationale, a priority (low, medium, high or critical), the estimated_impact of executing the plan, and false_positive_risk between 0 and 1.\n\n")
	sb.WriteString(in.Context.Text)
	fmt.Fprintf(&sb, "\nTop hypothesis (%s, confidence %.2f): %s\n", in.Top.ThreatCategory, in.Top.Confidence, in.Top.Text)
	for _, ev := range in.Top.Evidence {
		fmt.Fprintf(&sb, "- evidence: %s\n", ev)
	}

	if c := in.Critique; c != nil {
		sb.WriteString("\nA reviewer rejected the previous plan. The new plan must address every concern below.\n")
		sb.WriteString("Reviewer concerns:\n")
		if len(c.Concerns) == 0 {
			sb.WriteString("- (none stated)\n")
		}
		for _, concern := range c.Concerns {
			fmt.Fprintf(&sb, "- %s\n", concern)
		}
		if len(c.RevisedActions) > 0 {
			sb.WriteString("Reviewer suggested actions:\n")
			for _, a := range c.RevisedActions {
				fmt.Fprintf(&sb, "- %s on %s", a.Action, a.Target)
				if a.Rationale != "" {
					fmt.Fprintf(&sb, ": %s", a.Rationale)
				}
				sb.WriteString("\n")
			}
		}
		if c.Reasoning != "" {
			fmt.Fprintf(&sb, "Reviewer reasoning: %s\n", c.Reasoning)
		}
	}

	sb.WriteString("\n")
	sb.WriteString(inference.ShapeMarker(schema.ShapeResponsePlan))
	sb.WriteString("\nJSON: {\"actions\": [{\"action\": string, \"target\": string, \"rationale\": string}], \"priority\": string, \"estimated_impact\": string, \"false_positive_risk\": number}\n")
	return sb.String()
}
