// Package broadcast fans pipeline progress out to live per-tenant observers.
// Delivery is best effort: nothing is persisted or replayed.
package broadcast

import (
	"context"
	"sync"
	"time"

	"cybersentinel/pkg/metrics"
	"cybersentinel/pkg/structlog"
)

// EventType names an observer event.
type EventType string

const (
	EventStageCompleted  EventType = "STAGE_COMPLETED"
	EventIncidentUpdated EventType = "INCIDENT_UPDATED"
)

// Event is the JSON document pushed to observers.
type Event struct {
	Type             EventType `json:"type"`
	TenantID         string    `json:"tenant_id"`
	IncidentID       string    `json:"incident_id"`
	Status           string    `json:"status,omitempty"`
	LatestHypothesis string    `json:"latest_hypothesis,omitempty"`
	Stage            string    `json:"stage,omitempty"`
	Confidence       *float64  `json:"confidence,omitempty"`
	Fallback         bool      `json:"fallback,omitempty"`
	Revision         int       `json:"revision,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Publisher delivers an event to its tenant's observers.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// DefaultBuffer is the per-observer queue length.
const DefaultBuffer = 64

// Subscription is one observer. C is closed when the subscription is removed,
// either by Unsubscribe or because the observer fell behind.
type Subscription struct {
	C      <-chan Event
	tenant string
	ch     chan Event
}

// Tenant returns the tenant the subscription listens to.
func (s *Subscription) Tenant() string { return s.tenant }

// Registry keeps the live observer sets. All membership changes and fan-out
// happen under one mutex.
type Registry struct {
	mu      sync.Mutex
	tenants map[string]map[*Subscription]struct{}
	buffer  int
	logger  *structlog.Logger
	metrics *metrics.Pipeline
}

type Option func(*Registry)

func WithBuffer(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.buffer = n
		}
	}
}

func WithLogger(l *structlog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithMetrics(m *metrics.Pipeline) Option { return func(r *Registry) { r.metrics = m } }

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tenants: make(map[string]map[*Subscription]struct{}),
		buffer:  DefaultBuffer,
		logger:  structlog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe adds an observer for tenant.
func (r *Registry) Subscribe(tenant string) *Subscription {
	ch := make(chan Event, r.buffer)
	sub := &Subscription{C: ch, tenant: tenant, ch: ch}

	r.mu.Lock()
	set, ok := r.tenants[tenant]
	if !ok {
		set = make(map[*Subscription]struct{})
		r.tenants[tenant] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()

	r.metrics.SubscriberAdded()
	return sub
}

// Unsubscribe removes sub. It is safe to call more than once and after the
// registry already evicted sub.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	removed := r.removeLocked(sub)
	r.mu.Unlock()
	if removed {
		r.metrics.SubscriberRemoved()
	}
}

// removeLocked must be called with mu held.
func (r *Registry) removeLocked(sub *Subscription) bool {
	set, ok := r.tenants[sub.tenant]
	if !ok {
		return false
	}
	if _, member := set[sub]; !member {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(r.tenants, sub.tenant)
	}
	close(sub.ch)
	return true
}

// Broadcast sends evt to every current observer of tenant without blocking.
// Observers whose queue is full are evicted. It returns how many observers
// received the event.
func (r *Registry) Broadcast(_ context.Context, tenant string, evt Event) int {
	if evt.TenantID == "" {
		evt.TenantID = tenant
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	delivered := 0
	var evicted []*Subscription
	for sub := range r.tenants[tenant] {
		select {
		case sub.ch <- evt:
			delivered++
		default:
			evicted = append(evicted, sub)
		}
	}
	for _, sub := range evicted {
		r.removeLocked(sub)
	}
	r.mu.Unlock()

	for range evicted {
		r.metrics.SubscriberRemoved()
		r.metrics.BroadcastEviction()
	}
	if len(evicted) > 0 {
		r.logger.Warn("evicted slow observers", structlog.Fields{
			"tenant_id": tenant,
			"evicted":   len(evicted),
			"event":     string(evt.Type),
		})
	}
	return delivered
}

// Publish implements Publisher for in-process delivery.
func (r *Registry) Publish(ctx context.Context, evt Event) error {
	r.Broadcast(ctx, evt.TenantID, evt)
	return nil
}

// Count returns the number of observers for tenant.
func (r *Registry) Count(tenant string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tenants[tenant])
}
