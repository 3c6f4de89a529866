package incident

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store. Timestamps come from a clock that is
// forced to be strictly increasing so insertion order survives timeline sorts.
type MemoryStore struct {
	mu         sync.RWMutex
	now        func() time.Time
	last       time.Time
	incidents  map[string]Incident
	events     map[string][]Event
	hypotheses map[string][]Hypothesis
	decisions  map[string][]Decision
}

// NewMemoryStore returns an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock returns an empty store using now for timestamps.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		now:        now,
		incidents:  make(map[string]Incident),
		events:     make(map[string][]Event),
		hypotheses: make(map[string][]Hypothesis),
		decisions:  make(map[string][]Decision),
	}
}

// tick must be called with mu held.
func (s *MemoryStore) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *MemoryStore) CreateIncident(_ context.Context, inc Incident) (Incident, error) {
	if inc.TenantID == "" {
		return Incident{}, fmt.Errorf("create incident: tenant id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	if _, exists := s.incidents[inc.ID]; exists {
		return Incident{}, fmt.Errorf("create incident: %s already exists", inc.ID)
	}
	if inc.Status == "" {
		inc.Status = StatusOpen
	}
	now := s.tick()
	inc.CreatedAt = now
	inc.UpdatedAt = now
	s.incidents[inc.ID] = inc
	return inc, nil
}

func (s *MemoryStore) GetIncident(_ context.Context, incidentID string) (Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[incidentID]
	if !ok {
		return Incident{}, ErrNotFound
	}
	return inc, nil
}

func (s *MemoryStore) SetIncidentStatus(_ context.Context, incidentID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[incidentID]
	if !ok {
		return ErrNotFound
	}
	inc.Status = status
	inc.UpdatedAt = s.tick()
	s.incidents[incidentID] = inc
	return nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, evt Event) (Event, error) {
	if evt.TenantID == "" {
		return Event{}, fmt.Errorf("insert event: tenant id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.tick()
	}
	s.events[evt.TenantID] = append(s.events[evt.TenantID], evt)
	return evt, nil
}

func (s *MemoryStore) RecentEvents(_ context.Context, tenantID string, limit int) ([]Event, error) {
	s.mu.RLock()
	out := append([]Event(nil), s.events[tenantID]...)
	s.mu.RUnlock()

	// stable so same-timestamp events keep insertion order, newest inserted first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertHypothesis(_ context.Context, h Hypothesis) (Hypothesis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[h.IncidentID]; !ok {
		return Hypothesis{}, ErrNotFound
	}
	h.ID = uuid.NewString()
	h.CreatedAt = s.tick()
	h.Evidence = append([]string(nil), h.Evidence...)
	s.hypotheses[h.IncidentID] = append(s.hypotheses[h.IncidentID], h)
	return h, nil
}

func (s *MemoryStore) Hypotheses(_ context.Context, incidentID string) ([]Hypothesis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Hypothesis(nil), s.hypotheses[incidentID]...), nil
}

func (s *MemoryStore) InsertDecision(_ context.Context, d Decision) (Decision, error) {
	if len(d.Payload) == 0 {
		return Decision{}, fmt.Errorf("insert decision: payload must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[d.IncidentID]; !ok {
		return Decision{}, ErrNotFound
	}
	d.ID = uuid.NewString()
	d.CreatedAt = s.tick()
	d.Payload = append([]byte(nil), d.Payload...)
	s.decisions[d.IncidentID] = append(s.decisions[d.IncidentID], d)
	return d, nil
}

func (s *MemoryStore) Decisions(_ context.Context, incidentID string) ([]Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Decision(nil), s.decisions[incidentID]...), nil
}
