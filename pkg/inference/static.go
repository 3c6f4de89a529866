package inference

import (
	"context"
	"encoding/json"
	"strings"

	"cybersentinel/pkg/incident"
	"cybersentinel/pkg/schema"
)

// ShapeMarker is the line every stage prompt carries to name the payload shape
// it expects back. The static reasoner keys on it.
func ShapeMarker(shape schema.Shape) string {
	return "Output shape: " + string(shape)
}

var categoryKeywords = []struct {
	category incident.ThreatCategory
	keywords []string
}{
	{incident.ThreatPhishing, []string{"phish", "email", "attachment", "credential harvest"}},
	{incident.ThreatBruteForce, []string{"failed login", "login_failed", "brute", "auth_failure", "password spray"}},
	{incident.ThreatDataExfiltration, []string{"exfil", "upload", "dns tunnel", "large transfer"}},
	{incident.ThreatLateralMovement, []string{"lateral", "psexec", "smb", "rdp", "wmi"}},
	{incident.ThreatPrivilegeEscalation, []string{"privilege", "sudo", "admin group", "token manipulation"}},
	{incident.ThreatReconnaissance, []string{"scan", "recon", "enumerat", "port sweep"}},
	{incident.ThreatDenialOfService, []string{"ddos", "flood", "dos attack"}},
	{incident.ThreatMalware, []string{"malware", "ransom", "trojan", "beacon", "c2"}},
	{incident.ThreatInsider, []string{"insider", "after hours", "mass download"}},
}

// StaticReasoner answers every shape with canned but schema-valid JSON, so the
// pipeline runs without a model backend.
type StaticReasoner struct{}

func NewStaticReasoner() *StaticReasoner { return &StaticReasoner{} }

func (StaticReasoner) Infer(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	category := inferCategory(prompt)

	var payload any
	switch {
	case strings.Contains(prompt, ShapeMarker(schema.ShapeHypothesisSet)):
		payload = map[string]any{
			"hypotheses": []map[string]any{
				{
					"text":            "Activity is consistent with " + strings.ReplaceAll(string(category), "_", " ") + " against the tenant.",
					"confidence":      0.85,
					"evidence":        []string{"correlated events in the recent window"},
					"threat_category": category,
				},
				{
					"text":            "Benign administrative activity misclassified by sensors.",
					"confidence":      0.35,
					"evidence":        []string{"no confirmed malicious indicator"},
					"threat_category": incident.ThreatOther,
				},
				{
					"text":            "Automated reconnaissance preceding a targeted attack.",
					"confidence":      0.2,
					"evidence":        []string{"event volume above baseline"},
					"threat_category": incident.ThreatReconnaissance,
				},
			},
			"reasoning_summary": "Static analysis of the event window.",
		}
	case strings.Contains(prompt, ShapeMarker(schema.ShapeResponsePlan)):
		payload = map[string]any{
			"actions": []map[string]any{
				{"action": "isolate_host", "target": "affected host", "rationale": "Prevent lateral movement based on detected compromise."},
				{"action": "reset_credentials", "target": "affected accounts", "rationale": "Invalidate credentials that may be exposed."},
			},
			"priority":            "high",
			"estimated_impact":    "Affected host offline until triage completes.",
			"false_positive_risk": 0.2,
		}
	case strings.Contains(prompt, ShapeMarker(schema.ShapeCritique)):
		payload = map[string]any{
			"approved":              true,
			"concerns":              []string{},
			"revised_actions":       []map[string]any{},
			"confidence_adjustment": 0.05,
			"reasoning":             "Standard containment for the suspected compromise.",
		}
	case strings.Contains(prompt, ShapeMarker(schema.ShapeEventAnalysis)):
		payload = map[string]any{
			"threat_type":         category,
			"severity":            "high",
			"description":         "Static analysis of the supplied events.",
			"recommended_actions": []string{"isolate_host"},
			"confidence":          0.85,
		}
	default:
		return "", Errorf(ClassInvalidRequest, "prompt names no known output shape")
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return "", Errorf(ClassInternal, "marshal static payload: %w", err)
	}
	return string(out), nil
}

// EventLinePrefix starts every rendered event line in a prompt.
const EventLinePrefix = "event "

// inferCategory only looks at event lines; instructions list every category
// name and would match anything.
func inferCategory(prompt string) incident.ThreatCategory {
	var events strings.Builder
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(line, EventLinePrefix) {
			events.WriteString(line)
			events.WriteByte('\n')
		}
	}
	lower := events.String()
	for _, ck := range categoryKeywords {
		for _, kw := range ck.keywords {
			if strings.Contains(lower, kw) {
				return ck.category
			}
		}
	}
	return incident.ThreatOther
}
