package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"cybersentinel/pkg/incident"
)

// PostgresStore implements incident.Store. Each call is its own statement;
// nothing spans a transaction.
type PostgresStore struct {
	db *Database
}

var _ incident.Store = (*PostgresStore)(nil)

func NewPostgresStore(db *Database) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateIncident(ctx context.Context, inc incident.Incident) (incident.Incident, error) {
	if inc.TenantID == "" {
		return incident.Incident{}, errors.New("create incident: tenant id is required")
	}
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	if inc.Status == "" {
		inc.Status = incident.StatusOpen
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO incidents (id, tenant_id, status, title, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		inc.ID, inc.TenantID, string(inc.Status), inc.Title, inc.Description,
	).Scan(&inc.CreatedAt, &inc.UpdatedAt)
	if err != nil {
		return incident.Incident{}, fmt.Errorf("create incident: %w", err)
	}
	return inc, nil
}

func (s *PostgresStore) GetIncident(ctx context.Context, incidentID string) (incident.Incident, error) {
	if _, err := uuid.Parse(incidentID); err != nil {
		return incident.Incident{}, incident.ErrNotFound
	}
	var (
		inc    incident.Incident
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, status, title, description, created_at, updated_at
		FROM incidents WHERE id = $1`, incidentID,
	).Scan(&inc.ID, &inc.TenantID, &status, &inc.Title, &inc.Description, &inc.CreatedAt, &inc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return incident.Incident{}, incident.ErrNotFound
	}
	if err != nil {
		return incident.Incident{}, fmt.Errorf("get incident: %w", err)
	}
	inc.Status = incident.Status(status)
	return inc, nil
}

func (s *PostgresStore) SetIncidentStatus(ctx context.Context, incidentID string, status incident.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET status = $2, updated_at = now() WHERE id = $1`,
		incidentID, string(status))
	if err != nil {
		return fmt.Errorf("set incident status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return incident.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, evt incident.Event) (incident.Event, error) {
	if evt.TenantID == "" {
		return incident.Event{}, errors.New("insert event: tenant id is required")
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return incident.Event{}, fmt.Errorf("insert event: encode payload: %w", err)
	}
	var created time.Time
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO events (id, tenant_id, source, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, clock_timestamp()))
		RETURNING occurred_at, created_at`,
		evt.ID, evt.TenantID, evt.Source, evt.Type, raw, nullTime(evt.Timestamp),
	).Scan(&evt.Timestamp, &created)
	if err != nil {
		return incident.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return evt, nil
}

func (s *PostgresStore) RecentEvents(ctx context.Context, tenantID string, limit int) ([]incident.Event, error) {
	if limit <= 0 {
		limit = incident.DefaultEventWindow
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, source, event_type, payload, occurred_at
		FROM events WHERE tenant_id = $1
		ORDER BY occurred_at DESC, created_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var out []incident.Event
	for rows.Next() {
		var (
			evt incident.Event
			raw []byte
		)
		if err := rows.Scan(&evt.ID, &evt.TenantID, &evt.Source, &evt.Type, &raw, &evt.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &evt.Payload); err != nil {
				return nil, fmt.Errorf("decode event %s payload: %w", evt.ID, err)
			}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertHypothesis(ctx context.Context, h incident.Hypothesis) (incident.Hypothesis, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Evidence == nil {
		h.Evidence = []string{}
	}
	if h.Category == "" {
		h.Category = incident.ThreatOther
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO incident_hypotheses (id, incident_id, hypothesis_text, confidence, evidence, threat_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		h.ID, h.IncidentID, h.Text, h.Confidence, pq.Array(h.Evidence), string(h.Category),
	).Scan(&h.CreatedAt)
	if err != nil {
		return incident.Hypothesis{}, fmt.Errorf("insert hypothesis: %w", err)
	}
	return h, nil
}

func (s *PostgresStore) Hypotheses(ctx context.Context, incidentID string) ([]incident.Hypothesis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, hypothesis_text, confidence, evidence, threat_type, created_at
		FROM incident_hypotheses WHERE incident_id = $1
		ORDER BY created_at ASC`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list hypotheses: %w", err)
	}
	defer rows.Close()

	var out []incident.Hypothesis
	for rows.Next() {
		var (
			h        incident.Hypothesis
			evidence []string
			category string
		)
		if err := rows.Scan(&h.ID, &h.IncidentID, &h.Text, &h.Confidence, pq.Array(&evidence), &category, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan hypothesis: %w", err)
		}
		if evidence == nil {
			evidence = []string{}
		}
		h.Evidence = evidence
		h.Category = incident.ThreatCategory(category)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertDecision(ctx context.Context, d incident.Decision) (incident.Decision, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	payload := d.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO agent_decisions (id, incident_id, agent_type, decision_payload, confidence, reasoning_summary)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		d.ID, d.IncidentID, string(d.Stage), []byte(payload), d.Confidence, d.Summary,
	).Scan(&d.CreatedAt)
	if err != nil {
		return incident.Decision{}, fmt.Errorf("insert decision: %w", err)
	}
	d.Payload = payload
	return d, nil
}

func (s *PostgresStore) Decisions(ctx context.Context, incidentID string) ([]incident.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, incident_id, agent_type, decision_payload, confidence, reasoning_summary, created_at
		FROM agent_decisions WHERE incident_id = $1
		ORDER BY created_at ASC`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []incident.Decision
	for rows.Next() {
		var (
			d     incident.Decision
			stage string
			raw   []byte
		)
		if err := rows.Scan(&d.ID, &d.IncidentID, &stage, &raw, &d.Confidence, &d.Summary, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Stage = incident.StageTag(stage)
		d.Payload = json.RawMessage(raw)
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
