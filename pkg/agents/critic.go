package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cybersentinel/pkg/confidence"
	"cybersentinel/pkg/incident"
	"cybersentinel/pkg/inference"
	"cybersentinel/pkg/policy"
	"cybersentinel/pkg/schema"
	"cybersentinel/pkg/structlog"
)

const FallbackCritiqueConcern = "internal error during critique"

// CritiqueInput feeds the Critique stage.
type CritiqueInput struct {
	Incident   incident.Incident
	Hypothesis schema.HypothesisItem
	Plan       schema.ResponsePlan
}

// CritiqueOutcome carries the review verdict.
type CritiqueOutcome struct {
	Outcome
	Critique schema.Critique
	// Violations are plan policy messages folded into Critique.Concerns.
	Violations []string
}

// Approved reports the final verdict after policy checks.
func (o CritiqueOutcome) Approved() bool { return o.Critique.Approved }

// CritiqueFallback rejects the plan so it goes to manual review.
func CritiqueFallback(reason string) schema.Critique {
	return schema.Critique{
		Approved:       false,
		Concerns:       []string{FallbackCritiqueConcern},
		RevisedActions: []schema.PlanAction{},
		Error:          reason,
	}
}

// CritiqueRunner reviews a plan independently of the planner. An optional
// PlanGuard adds policy violations as concerns.
type CritiqueRunner struct {
	deps  Deps
	guard *policy.PlanGuard
}

func NewCritiqueRunner(d Deps, guard *policy.PlanGuard) *CritiqueRunner {
	return &CritiqueRunner{deps: d, guard: guard}
}

func (r *CritiqueRunner) Review(ctx context.Context, in CritiqueInput) CritiqueOutcome {
	start := time.Now()
	critique, reason := call(ctx, r.deps, critiquePrompt(in), schema.ShapeCritique, r.deps.Validator.Critique)
	if reason != "" {
		critique = CritiqueFallback(reason)
	}

	violations := r.checkPolicy(ctx, in)
	if len(violations) > 0 {
		for _, v := range violations {
			critique.Concerns = append(critique.Concerns, "policy: "+v)
		}
		critique.Approved = false
	}

	out := CritiqueOutcome{Critique: critique, Violations: violations}
	out.Stage = incident.StageCritic
	out.FallbackReason = reason
	out.Payload = mustMarshal(critique)
	out.Confidence = confidence.Critique(critique.ConfidenceAdjustment)
	out.Summary = CritiqueSummary(critique)
	r.deps.finish(ctx, &out.Outcome, start, structlog.Fields{
		"approved":   critique.Approved,
		"concerns":   len(critique.Concerns),
		"violations": len(violations),
	})
	return out
}

func (r *CritiqueRunner) checkPolicy(ctx context.Context, in CritiqueInput) []string {
	if r.guard == nil {
		return nil
	}
	violations, err := r.guard.Check(ctx, policy.PlanReview{
		TenantID:   in.Incident.TenantID,
		IncidentID: in.Incident.ID,
		Hypothesis: in.Hypothesis,
		Plan:       in.Plan,
	})
	if err != nil {
		r.deps.logger().WithContext(ctx).Error("plan policy evaluation failed", structlog.Fields{"error": err})
		return []string{"plan policy could not be evaluated"}
	}
	return violations
}

// CritiqueSummary renders the verdict as persisted on the Decision.
func CritiqueSummary(c schema.Critique) string {
	verdict := "rejected"
	if c.Approved {
		verdict = "approved"
	}
	summary := fmt.Sprintf("Plan %s.", verdict)
	if len(c.Concerns) > 0 {
		summary += " Concerns: " + strings.Join(c.Concerns, ", ")
	}
	return summary
}

func critiquePrompt(in CritiqueInput) string {
	var sb strings.Builder
	sb.WriteString("Review the proposed response plan against the hypothesis it answers. Approve it or reject it with concrete concerns.\n")
	sb.WriteString("Reject plans that are disproportionate, miss an obvious containment step, or act on weak evidence.\n")
	sb.WriteString("Optionally suggest revised_actions and a confidence_adjustment between -0.3 and 0.3.\n\n")
	fmt.Fprintf(&sb, "Incident: %s (%s)\n", in.Incident.Title, in.Incident.ID)
	fmt.Fprintf(&sb, "Hypothesis (%s, confidence %.2f): %s\n", in.Hypothesis.ThreatCategory, in.Hypothesis.Confidence, in.Hypothesis.Text)
	fmt.Fprintf(&sb, "Plan priority: %s\n", in.Plan.Priority)
	if in.Plan.EstimatedImpact != "" {
		fmt.Fprintf(&sb, "Estimated impact: %s\n", in.Plan.EstimatedImpact)
	}
	if len(in.Plan.Actions) == 0 {
		sb.WriteString("Proposed actions: none\n")
	}
	for i, a := range in.Plan.Actions {
		fmt.Fprintf(&sb, "Proposed action %d: %s on %s", i+1, a.Action, a.Target)
		if a.Rationale != "" {
			fmt.Fprintf(&sb, " (%s)", a.Rationale)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(inference.ShapeMarker(schema.ShapeCritique))
	sb.WriteString("\nJSON: {\"approved\": boolean, \"concerns\": [string], \"revised_actions\": [{\"action\": string, \"target\": string, \"rationale\": string}], \"confidence_adjustment\": number, \"reasoning\": string}\n")
	return sb.String()
}
