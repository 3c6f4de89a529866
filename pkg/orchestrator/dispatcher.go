package orchestrator

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"cybersentinel/pkg/incident"
	"cybersentinel/pkg/structlog"
)

// ErrQueueFull is returned when every dispatcher slot is busy.
var ErrQueueFull = errors.New("orchestrator: dispatcher is at capacity")

// DefaultConcurrency bounds background runs when no limit is configured.
const DefaultConcurrency = 8

// Dispatcher runs pipelines in the background with bounded concurrency.
// Submissions never queue: they are rejected when all slots are taken.
type Dispatcher struct {
	orch   *Orchestrator
	group  errgroup.Group
	logger *structlog.Logger
}

func NewDispatcher(o *Orchestrator, limit int, logger *structlog.Logger) *Dispatcher {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	if logger == nil {
		logger = structlog.Nop()
	}
	d := &Dispatcher{orch: o, logger: logger}
	d.group.SetLimit(limit)
	return d
}

// SubmitAdvance schedules a run for an existing incident. The run outlives
// ctx's cancellation but keeps its values.
func (d *Dispatcher) SubmitAdvance(ctx context.Context, incidentID string) error {
	bg := context.WithoutCancel(ctx)
	if !d.group.TryGo(func() error {
		d.advance(bg, incidentID)
		return nil
	}) {
		return ErrQueueFull
	}
	return nil
}

// SubmitAnalyze reserves a slot, opens the incident synchronously and runs
// the pipeline in the background. The returned incident is still open. When
// no slot is free nothing is recorded.
func (d *Dispatcher) SubmitAnalyze(ctx context.Context, tenantID string, events []incident.Event) (incident.Incident, error) {
	bg := context.WithoutCancel(ctx)
	opened := make(chan string, 1)
	if !d.group.TryGo(func() error {
		if id, ok := <-opened; ok {
			d.advance(bg, id)
		}
		return nil
	}) {
		return incident.Incident{}, ErrQueueFull
	}

	inc, err := d.orch.Open(ctx, tenantID, events)
	if err != nil {
		close(opened)
		return incident.Incident{}, err
	}
	opened <- inc.ID
	return inc, nil
}

func (d *Dispatcher) advance(ctx context.Context, incidentID string) {
	if _, err := d.orch.Advance(ctx, incidentID); err != nil {
		d.logger.WithContext(ctx).Error("background run failed", structlog.Fields{"incident_id": incidentID, "error": err})
	}
}

// Wait blocks until every scheduled run has finished.
func (d *Dispatcher) Wait() {
	_ = d.group.Wait()
}
