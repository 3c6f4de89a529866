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
	FallbackHypothesisConfidence = 0.1
	FallbackHypothesisEvidence   = "automated analysis failed or returned no results"
)

// HypothesisOutcome carries the generated hypothesis set.
type HypothesisOutcome struct {
	Outcome
	Set schema.HypothesisSet
}

// Top returns the highest-confidence hypothesis; the earliest wins ties.
func (o HypothesisOutcome) Top() schema.HypothesisItem {
	return TopHypothesis(o.Set.Hypotheses)
}

// TopHypothesis picks the max-confidence item, earliest on ties. An empty list
// yields the fallback hypothesis.
func TopHypothesis(items []schema.HypothesisItem) schema.HypothesisItem {
	if len(items) == 0 {
		return fallbackHypothesis()
	}
	top := items[0]
	for _, h := range items[1:] {
		if h.Confidence > top.Confidence {
			top = h
		}
	}
	return top
}

func fallbackHypothesis() schema.HypothesisItem {
	return schema.HypothesisItem{
		Text:           "Unable to determine the threat automatically; manual triage required.",
		Confidence:     FallbackHypothesisConfidence,
		Evidence:       []string{FallbackHypothesisEvidence},
		ThreatCategory: incident.ThreatOther,
	}
}

// HypothesisSetFallback is the payload persisted when generation fails.
func HypothesisSetFallback(reason string) schema.HypothesisSet {
	return schema.HypothesisSet{
		Hypotheses:       []schema.HypothesisItem{fallbackHypothesis()},
		ReasoningSummary: "Automated hypothesis generation failed.",
		Error:            reason,
	}
}

// HypothesisRunner asks for three competing hypotheses.
type HypothesisRunner struct {
	deps Deps
}

func NewHypothesisRunner(d Deps) *HypothesisRunner { return &HypothesisRunner{deps: d} }

func (r *HypothesisRunner) Generate(ctx context.Context, bundle reasoning.Bundle) HypothesisOutcome {
	start := time.Now()
	set, reason := call(ctx, r.deps, hypothesisPrompt(bundle), schema.ShapeHypothesisSet, r.deps.Validator.HypothesisSet)
	if reason == "" && len(set.Hypotheses) == 0 {
		reason = "reasoning service returned no hypotheses"
	}
	if reason != "" {
		set = HypothesisSetFallback(reason)
	}
	for i := range set.Hypotheses {
		set.Hypotheses[i].Confidence = confidence.Hypothesis(set.Hypotheses[i].Confidence)
	}

	out := HypothesisOutcome{Set: set}
	out.Stage = incident.StageHypothesis
	out.FallbackReason = reason
	out.Payload = mustMarshal(set)
	out.Confidence = out.Top().Confidence
	out.Summary = set.ReasoningSummary
	if out.Summary == "" {
		out.Summary = fmt.Sprintf("Generated %d hypotheses.", len(set.Hypotheses))
	}
	r.deps.finish(ctx, &out.Outcome, start, structlog.Fields{"hypotheses": len(set.Hypotheses)})
	return out
}

func hypothesisPrompt(b reasoning.Bundle) string {
	var sb strings.Builder
	sb.WriteString("Analyze the following security context and generate exactly three competing hypotheses about the incident.\n")
	sb.WriteString("For each hypothesis give text, confidence between 0 and 1, supporting evidence drawn from the events, and threat_category.\n")
	fmt.Fprintf(&sb, "threat_category must be one of: %s.\n", joinCategories())
	sb.WriteString("Also give a one-sentence reasoning_summary.\n\n")
	sb.WriteString(b.Text)
	sb.WriteString("\n")
	sb.WriteString(inference.ShapeMarker(schema.ShapeHypothesisSet))
	sb.WriteString("\nJSON: {\"hypotheses\": [{\"text\": string, \"confidence\": number, \"evidence\": [string], \"threat_category\": string}], \"reasoning_summary\": string}\n")
	return sb.String()
}

func joinCategories() string {
	names := make([]string, len(incident.ThreatCategories))
	for i, c := range incident.ThreatCategories {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
