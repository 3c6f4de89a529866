package incident

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an incident does not exist.
var ErrNotFound = errors.New("incident not found")

// DefaultEventWindow is how many recent events the pipeline reads per tenant.
const DefaultEventWindow = 50

// Store is the persistence contract consumed by the pipeline. Every call is
// transactional on its own; the pipeline never spans a transaction across
// stages. Insert methods assign ID and CreatedAt from the store's clock and
// return the stored record.
type Store interface {
	CreateIncident(ctx context.Context, inc Incident) (Incident, error)
	GetIncident(ctx context.Context, incidentID string) (Incident, error)
	SetIncidentStatus(ctx context.Context, incidentID string, status Status) error

	InsertEvent(ctx context.Context, evt Event) (Event, error)
	// RecentEvents returns at most limit events for the tenant, newest first.
	RecentEvents(ctx context.Context, tenantID string, limit int) ([]Event, error)

	InsertHypothesis(ctx context.Context, h Hypothesis) (Hypothesis, error)
	// Hypotheses returns the incident's hypotheses, oldest first.
	Hypotheses(ctx context.Context, incidentID string) ([]Hypothesis, error)

	InsertDecision(ctx context.Context, d Decision) (Decision, error)
	// Decisions returns the incident's decisions, oldest first.
	Decisions(ctx context.Context, incidentID string) ([]Decision, error)
}
