package orchestrator

import (
	"encoding/json"
	"fmt"

	"cybersentinel/pkg/agents"
	"cybersentinel/pkg/incident"
	"cybersentinel/pkg/schema"
)

// State is a step of one pipeline run.
type State string

const (
	StateContextualizing State = "contextualizing"
	StateHypothesizing   State = "hypothesizing"
	StatePlanning        State = "planning"
	StateCritiquing      State = "critiquing"
	StateRevising        State = "revising"
	StateFinalizing      State = "finalizing"
)

// Result is the finalized outcome of one run. Every stage has a payload even
// when it fell back.
type Result struct {
	Incident   incident.Incident
	Hypothesis agents.HypothesisOutcome
	Top        schema.HypothesisItem
	Plans      []agents.PlanOutcome
	Critiques  []agents.CritiqueOutcome
	Revised    bool

	// Hypotheses and Decisions are the records written during this run.
	Hypotheses []incident.Hypothesis
	Decisions  []incident.Decision
	// AuditGaps lists records that could not be persisted.
	AuditGaps []string
	States    []State

	analysis schema.EventAnalysis
}

// FinalPlan is the last plan produced, revised or not.
func (r *Result) FinalPlan() agents.PlanOutcome {
	if len(r.Plans) == 0 {
		return agents.PlanOutcome{Plan: agents.ResponsePlanFallback("no plan produced")}
	}
	return r.Plans[len(r.Plans)-1]
}

// FinalCritique is the last critique produced.
func (r *Result) FinalCritique() agents.CritiqueOutcome {
	if len(r.Critiques) == 0 {
		return agents.CritiqueOutcome{Critique: agents.CritiqueFallback("no critique produced")}
	}
	return r.Critiques[len(r.Critiques)-1]
}

// Approved reports the final critique verdict.
func (r *Result) Approved() bool { return r.FinalCritique().Approved() }

// Degraded reports whether any stage resolved to its fallback.
func (r *Result) Degraded() bool {
	if r.Hypothesis.Degraded() {
		return true
	}
	for _, p := range r.Plans {
		if p.Degraded() {
			return true
		}
	}
	for _, c := range r.Critiques {
		if c.Degraded() {
			return true
		}
	}
	return false
}

// EventAnalysis is the condensed verdict returned to synchronous callers.
func (r *Result) EventAnalysis() schema.EventAnalysis { return r.analysis }

func (r *Result) gap(record string, err error) {
	r.AuditGaps = append(r.AuditGaps, fmt.Sprintf("%s: %v", record, err))
}

// buildAnalysis condenses the run and checks it against the analysis shape.
// A summary that fails validation is replaced by a conservative one.
func buildAnalysis(v *schema.Validator, r *Result) schema.EventAnalysis {
	plan := r.FinalPlan().Plan
	actions := make([]string, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		if a.Target != "" {
			actions = append(actions, a.Action+" "+a.Target)
		} else {
			actions = append(actions, a.Action)
		}
	}
	severity := plan.Priority
	if severity == "" {
		severity = schema.PriorityMedium
	}
	candidate := schema.EventAnalysis{
		ThreatType:         r.Top.ThreatCategory,
		Severity:           severity,
		Description:        r.Top.Text,
		RecommendedActions: actions,
		Confidence:         r.Top.Confidence,
	}
	if v == nil {
		return candidate.Normalized()
	}
	raw, err := json.Marshal(candidate)
	if err == nil {
		if validated, verr := v.EventAnalysis(raw); verr == nil {
			return validated
		}
	}
	return schema.EventAnalysis{
		ThreatType:         incident.ThreatOther,
		Severity:           schema.PriorityMedium,
		Description:        "Automated analysis produced an inconsistent summary; manual review required.",
		RecommendedActions: []string{},
		Confidence:         agents.FallbackHypothesisConfidence,
	}
}
