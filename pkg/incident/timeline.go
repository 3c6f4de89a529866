package incident

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// EntryKind distinguishes the two record types merged into a timeline.
type EntryKind string

const (
	EntryHypothesis EntryKind = "hypothesis"
	EntryDecision   EntryKind = "decision"
)

// TimelineEntry is a read-side projection; it is never stored.
type TimelineEntry struct {
	ID        string         `json:"id"`
	Kind      EntryKind      `json:"type"`
	Stage     StageTag       `json:"agent_type,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// BuildTimeline merges hypotheses and decisions ordered by timestamp. Ties keep
// hypotheses ahead of decisions and otherwise preserve input order.
func BuildTimeline(hypotheses []Hypothesis, decisions []Decision) []TimelineEntry {
	entries := make([]TimelineEntry, 0, len(hypotheses)+len(decisions))
	for _, h := range hypotheses {
		entries = append(entries, TimelineEntry{
			ID:        h.ID,
			Kind:      EntryHypothesis,
			Stage:     StageHypothesis,
			Timestamp: h.CreatedAt,
			Content:   h.Text,
			Metadata: map[string]any{
				"confidence":      h.Confidence,
				"threat_category": h.Category,
				"evidence":        h.Evidence,
			},
		})
	}
	for _, d := range decisions {
		entries = append(entries, TimelineEntry{
			ID:        d.ID,
			Kind:      EntryDecision,
			Stage:     d.Stage,
			Timestamp: d.CreatedAt,
			Content:   fmt.Sprintf("Decision by %s", d.Stage),
			Metadata: map[string]any{
				"payload":    d.Payload,
				"reasoning":  d.Summary,
				"confidence": d.Confidence,
			},
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries
}

// Timeline loads and merges the audit trail of one incident.
func Timeline(ctx context.Context, store Store, incidentID string) ([]TimelineEntry, error) {
	if _, err := store.GetIncident(ctx, incidentID); err != nil {
		return nil, err
	}
	hyps, err := store.Hypotheses(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("load hypotheses: %w", err)
	}
	decs, err := store.Decisions(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("load decisions: %w", err)
	}
	return BuildTimeline(hyps, decs), nil
}
