// Package incident holds the domain records the reasoning pipeline reads and
// appends to, the storage contract, and the timeline read model.
package incident

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusOpen      Status = "open"
	StatusAnalyzing Status = "analyzing"
	StatusClosed    Status = "closed"
)

// StageTag identifies which pipeline stage produced a Decision.
type StageTag string

const (
	StageHypothesis      StageTag = "hypothesis"
	StageResponsePlanner StageTag = "response_planner"
	StageCritic          StageTag = "critic"
)

// ThreatCategory is the closed set of threat labels a hypothesis may carry.
type ThreatCategory string

const (
	ThreatMalware             ThreatCategory = "malware"
	ThreatPhishing            ThreatCategory = "phishing"
	ThreatBruteForce          ThreatCategory = "brute_force"
	ThreatLateralMovement     ThreatCategory = "lateral_movement"
	ThreatDataExfiltration    ThreatCategory = "data_exfiltration"
	ThreatPrivilegeEscalation ThreatCategory = "privilege_escalation"
	ThreatReconnaissance      ThreatCategory = "reconnaissance"
	ThreatDenialOfService     ThreatCategory = "denial_of_service"
	ThreatInsider             ThreatCategory = "insider_threat"
	ThreatOther               ThreatCategory = "other"
)

// ThreatCategories lists every accepted category in a stable order.
var ThreatCategories = []ThreatCategory{
	ThreatMalware, ThreatPhishing, ThreatBruteForce, ThreatLateralMovement,
	ThreatDataExfiltration, ThreatPrivilegeEscalation, ThreatReconnaissance,
	ThreatDenialOfService, ThreatInsider, ThreatOther,
}

// Valid reports whether c is a member of the enumeration.
func (c ThreatCategory) Valid() bool {
	for _, known := range ThreatCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Event is an ingested security event. The pipeline never mutates events.
type Event struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Source    string         `json:"source"`
	Type      string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Incident groups the hypotheses and decisions of one analysis.
type Incident struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Status      Status    `json:"status"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Hypothesis is one competing explanation for an incident.
type Hypothesis struct {
	ID         string         `json:"id"`
	IncidentID string         `json:"incident_id"`
	Text       string         `json:"hypothesis_text"`
	Confidence float64        `json:"confidence"`
	Evidence   []string       `json:"evidence"`
	Category   ThreatCategory `json:"threat_category"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Decision is the audit record of a single stage invocation.
type Decision struct {
	ID         string          `json:"id"`
	IncidentID string          `json:"incident_id"`
	Stage      StageTag        `json:"agent_type"`
	Payload    json.RawMessage `json:"decision_payload"`
	Confidence float64         `json:"confidence"`
	Summary    string          `json:"reasoning_summary"`
	CreatedAt  time.Time       `json:"created_at"`
}
