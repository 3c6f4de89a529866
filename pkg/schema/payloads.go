package schema

import "cybersentinel/pkg/incident"

// Priority is the urgency level of a response plan or analysis.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// HypothesisItem is one generated explanation.
type HypothesisItem struct {
	Text           string                  `json:"text"`
	Confidence     float64                 `json:"confidence"`
	Evidence       []string                `json:"evidence"`
	ThreatCategory incident.ThreatCategory `json:"threat_category"`
}

// HypothesisSet is the Hypothesis stage payload.
type HypothesisSet struct {
	Hypotheses       []HypothesisItem `json:"hypotheses"`
	ReasoningSummary string           `json:"reasoning_summary,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// PlanAction is one containment step.
type PlanAction struct {
	Action    string `json:"action"`
	Target    string `json:"target"`
	Rationale string `json:"rationale,omitempty"`
}

// ResponsePlan is the Plan stage payload.
type ResponsePlan struct {
	Actions           []PlanAction `json:"actions"`
	Priority          Priority     `json:"priority"`
	EstimatedImpact   string       `json:"estimated_impact,omitempty"`
	FalsePositiveRisk *float64     `json:"false_positive_risk,omitempty"`
	Error             string       `json:"error,omitempty"`
}

// Critique is the Critique stage payload.
type Critique struct {
	Approved             bool         `json:"approved"`
	Concerns             []string     `json:"concerns"`
	RevisedActions       []PlanAction `json:"revised_actions"`
	ConfidenceAdjustment *float64     `json:"confidence_adjustment,omitempty"`
	Reasoning            string       `json:"reasoning,omitempty"`
	Error                string       `json:"error,omitempty"`
}

// EventAnalysis is the condensed verdict handed to synchronous callers.
type EventAnalysis struct {
	ThreatType         incident.ThreatCategory `json:"threat_type"`
	Severity           Priority                `json:"severity"`
	Description        string                  `json:"description"`
	RecommendedActions []string                `json:"recommended_actions"`
	Confidence         float64                 `json:"confidence"`
}

// normalize replaces nil slices so marshalled payloads never carry null lists.
func (s *HypothesisSet) normalize() {
	if s.Hypotheses == nil {
		s.Hypotheses = []HypothesisItem{}
	}
	for i := range s.Hypotheses {
		if s.Hypotheses[i].Evidence == nil {
			s.Hypotheses[i].Evidence = []string{}
		}
	}
}

func (p *ResponsePlan) normalize() {
	if p.Actions == nil {
		p.Actions = []PlanAction{}
	}
}

func (c *Critique) normalize() {
	if c.Concerns == nil {
		c.Concerns = []string{}
	}
	if c.RevisedActions == nil {
		c.RevisedActions = []PlanAction{}
	}
}

func (a *EventAnalysis) normalize() {
	if a.RecommendedActions == nil {
		a.RecommendedActions = []string{}
	}
}

// Normalized helpers for callers that build payloads in code.

func (s HypothesisSet) Normalized() HypothesisSet { s.normalize(); return s }
func (p ResponsePlan) Normalized() ResponsePlan   { p.normalize(); return p }
func (c Critique) Normalized() Critique           { c.normalize(); return c }
func (a EventAnalysis) Normalized() EventAnalysis { a.normalize(); return a }
