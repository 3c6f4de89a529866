package agents

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cybersentinel/pkg/incident"
	"cybersentinel/pkg/inference"
	"cybersentinel/pkg/policy"
	"cybersentinel/pkg/reasoning"
	"cybersentinel/pkg/schema"
)

type fakeCaller struct {
	mu      sync.Mutex
	replies map[schema.Shape]string
	errs    map[schema.Shape]error
	prompts []string
}

func (f *fakeCaller) Call(ctx context.Context, prompt string, shape schema.Shape) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if err := f.errs[shape]; err != nil {
		return nil, err
	}
	return json.RawMessage(f.replies[shape]), nil
}

func deps(c Caller) Deps {
	return Deps{Caller: c, Validator: schema.MustNewValidator()}
}

var unavailable = &inference.Error{Class: inference.ClassUnavailable, Attempts: 3, Err: errors.New("down")}

func TestHypothesisRunner_TopSelection(t *testing.T) {
	c := &fakeCaller{replies: map[schema.Shape]string{schema.ShapeHypothesisSet: `{
		"hypotheses": [
			{"text": "low", "confidence": 0.4, "evidence": [], "threat_category": "phishing"},
			{"text": "best", "confidence": 0.85, "evidence": ["e1"], "threat_category": "malware"},
			{"text": "tie", "confidence": 0.85, "evidence": [], "threat_category": "other"},
			{"text": "least", "confidence": 0.2, "threat_category": "other"}
		],
		"reasoning_summary": "three ideas"
	}`}}
	out := NewHypothesisRunner(deps(c)).Generate(context.Background(), reasoning.Bundle{Text: "event 1: port_scan from firewall"})

	assert.False(t, out.Degraded())
	assert.Equal(t, "best", out.Top().Text)
	assert.Equal(t, 0.85, out.Confidence)
	assert.Equal(t, "three ideas", out.Summary)
	assert.Equal(t, incident.StageHypothesis, out.Stage)
	require.Len(t, c.prompts, 1)
	assert.Contains(t, c.prompts[0], "exactly three")
	assert.Contains(t, c.prompts[0], inference.ShapeMarker(schema.ShapeHypothesisSet))
	assert.Equal(t, []string{}, out.Set.Hypotheses[3].Evidence)
}

func TestHypothesisRunner_Fallback(t *testing.T) {
	cases := map[string]*fakeCaller{
		"gateway failure": {errs: map[schema.Shape]error{schema.ShapeHypothesisSet: unavailable}},
		"malformed":       {replies: map[schema.Shape]string{schema.ShapeHypothesisSet: `not json`}},
		"bad category":    {replies: map[schema.Shape]string{schema.ShapeHypothesisSet: `{"hypotheses":[{"text":"x","confidence":0.9,"threat_category":"aliens"}]}`}},
		"empty list":      {replies: map[schema.Shape]string{schema.ShapeHypothesisSet: `{"hypotheses":[]}`}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			out := NewHypothesisRunner(deps(c)).Generate(context.Background(), reasoning.Bundle{})
			assert.True(t, out.Degraded())
			require.Len(t, out.Set.Hypotheses, 1)
			h := out.Set.Hypotheses[0]
			assert.Equal(t, FallbackHypothesisConfidence, h.Confidence)
			assert.Equal(t, incident.ThreatOther, h.ThreatCategory)
			assert.Equal(t, []string{FallbackHypothesisEvidence}, h.Evidence)
			assert.Equal(t, FallbackHypothesisConfidence, out.Confidence)

			var payload map[string]any
			require.NoError(t, json.Unmarshal(out.Payload, &payload))
			assert.NotEmpty(t, payload["error"])
		})
	}
}

func TestPlanRunner_ConfidenceFromRisk(t *testing.T) {
	c := &fakeCaller{replies: map[schema.Shape]string{schema.ShapeResponsePlan: `{
		"actions": [{"action": "isolate_host", "target": "ws-01", "rationale": "stop spread"}],
		"priority": "high",
		"estimated_impact": "one workstation offline",
		"false_positive_risk": 0.25
	}`}}
	out := NewPlanRunner(deps(c)).Plan(context.Background(), PlanInput{Top: schema.HypothesisItem{Text: "bad", Confidence: 0.9}})

	assert.False(t, out.Degraded())
	assert.InDelta(t, 0.75, out.Confidence, 1e-9)
	assert.Equal(t, "one workstation offline", out.Summary)
	assert.Equal(t, schema.PriorityHigh, out.Plan.Priority)
}

func TestPlanRunner_MissingRiskMeansFullConfidence(t *testing.T) {
	c := &fakeCaller{replies: map[schema.Shape]string{schema.ShapeResponsePlan: `{"actions": [], "priority": "low"}`}}
	out := NewPlanRunner(deps(c)).Plan(context.Background(), PlanInput{})
	assert.Equal(t, 1.0, out.Confidence)
	assert.Equal(t, defaultPlanSummary, out.Summary)
}

func TestPlanRunner_Fallback(t *testing.T) {
	c := &fakeCaller{replies: map[schema.Shape]string{schema.ShapeResponsePlan: `{"actions": [], "priority": "urgent"}`}}
	out := NewPlanRunner(deps(c)).Plan(context.Background(), PlanInput{})

	assert.True(t, out.Degraded())
	assert.Empty(t, out.Plan.Actions)
	assert.Equal(t, schema.PriorityMedium, out.Plan.Priority)
	assert.Equal(t, 0.0, out.Confidence)
	assert.Equal(t, FallbackPlanImpact, out.Summary)
	assert.Contains(t, string(out.Payload), `"actions":[]`)
	assert.Contains(t, string(out.Payload), `"false_positive_risk":1`)
}

func TestPlanRunner_CritiqueRenderedIntoPrompt(t *testing.T) {
	c := &fakeCaller{replies: map[schema.Shape]string{schema.ShapeResponsePlan: `{"actions": [], "priority": "low"}`}}
	critique := &schema.Critique{
		Approved:       false,
		Concerns:       []string{"isolating the domain controller is disproportionate"},
		RevisedActions: []schema.PlanAction{{Action: "block_ip", Target: "203.0.113.7", Rationale: "cut c2"}},
	}
	NewPlanRunner(deps(c)).Plan(context.Background(), PlanInput{Critique: critique})

	require.Len(t, c.prompts, 1)
	p := c.prompts[0]
	assert.Contains(t, p, "rejected the previous plan")
	assert.Contains(t, p, "- isolating the domain controller is disproportionate")
	assert.Contains(t, p, "- block_ip on 203.0.113.7: cut c2")
}

func TestCritiqueRunner_ApprovedWithAdjustment(t *testing.T) {
	c := &fakeCaller{replies: map[schema.Shape]string{schema.ShapeCritique: `{"approved": true, "concerns": [], "confidence_adjustment": 0.3}`}}
	out := NewCritiqueRunner(deps(c), nil).Review(context.Background(), CritiqueInput{})

	assert.True(t, out.Approved())
	assert.Equal(t, 1.0, out.Confidence)
	assert.Equal(t, "Plan approved.", out.Summary)
}

func TestCritiqueRunner_RejectedSummary(t *testing.T) {
	c := &fakeCaller{replies: map[schema.Shape]string{schema.ShapeCritique: `{"approved": false, "concerns": ["too broad", "no rollback"], "confidence_adjustment": -0.2}`}}
	out := NewCritiqueRunner(deps(c), nil).Review(context.Background(), CritiqueInput{})

	assert.False(t, out.Approved())
	assert.InDelta(t, 0.6, out.Confidence, 1e-9)
	assert.Equal(t, "Plan rejected. Concerns: too broad, no rollback", out.Summary)
}

func TestCritiqueRunner_FallbackFailsClosed(t *testing.T) {
	c := &fakeCaller{errs: map[schema.Shape]error{schema.ShapeCritique: unavailable}}
	out := NewCritiqueRunner(deps(c), nil).Review(context.Background(), CritiqueInput{})

	assert.True(t, out.Degraded())
	assert.False(t, out.Approved())
	assert.Equal(t, []string{FallbackCritiqueConcern}, out.Critique.Concerns)
	assert.Empty(t, out.Critique.RevisedActions)
	assert.Equal(t, 0.8, out.Confidence)
	assert.True(t, strings.Contains(string(out.Payload), `"error"`))
}

func TestCritiqueRunner_AdjustmentOutOfRangeFallsBack(t *testing.T) {
	c := &fakeCaller{replies: map[schema.Shape]string{schema.ShapeCritique: `{"approved": true, "confidence_adjustment": 0.9}`}}
	out := NewCritiqueRunner(deps(c), nil).Review(context.Background(), CritiqueInput{})
	assert.True(t, out.Degraded())
	assert.False(t, out.Approved())
}

func TestCritiqueRunner_PolicyViolationForcesRejection(t *testing.T) {
	guard, err := policy.NewPlanGuard(context.Background(), policy.DefaultPlanPolicy)
	require.NoError(t, err)
	c := &fakeCaller{replies: map[schema.Shape]string{schema.ShapeCritique: `{"approved": true, "concerns": []}`}}

	out := NewCritiqueRunner(deps(c), guard).Review(context.Background(), CritiqueInput{
		Incident:   incident.Incident{ID: "inc-1", TenantID: "acme"},
		Hypothesis: schema.HypothesisItem{Text: "maybe", Confidence: 0.3, ThreatCategory: incident.ThreatMalware},
		Plan: schema.ResponsePlan{
			Priority: schema.PriorityHigh,
			Actions:  []schema.PlanAction{{Action: "wipe_host", Target: "ws-01"}},
		},
	})

	assert.False(t, out.Approved())
	require.Len(t, out.Violations, 1)
	require.Len(t, out.Critique.Concerns, 1)
	assert.True(t, strings.HasPrefix(out.Critique.Concerns[0], "policy: "))
	assert.False(t, out.Degraded())
}

func TestTopHypothesis_EmptyYieldsFallback(t *testing.T) {
	top := TopHypothesis(nil)
	assert.Equal(t, FallbackHypothesisConfidence, top.Confidence)
	assert.Equal(t, incident.ThreatOther, top.ThreatCategory)
}
