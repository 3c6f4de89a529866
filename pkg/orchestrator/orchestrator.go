// Package orchestrator sequences the reasoning stages for one incident,
// persists every stage result and broadcasts progress.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cybersentinel/pkg/agents"
	"cybersentinel/pkg/broadcast"
	"cybersentinel/pkg/incident"
	"cybersentinel/pkg/metrics"
	"cybersentinel/pkg/reasoning"
	"cybersentinel/pkg/schema"
	"cybersentinel/pkg/structlog"
)

// MaxRevisions bounds the Plan+Critique retries after a rejection.
const MaxRevisions = 1

// MaxStageCalls is the most reasoning calls one run makes.
const MaxStageCalls = 3 + 2*MaxRevisions

const tracerName = "cybersentinel/pkg/orchestrator"

// ErrIncidentClosed is returned by Advance for an incident that was closed
// outside the pipeline.
var ErrIncidentClosed = errors.New("orchestrator: incident is closed")

// Deps are the collaborators of an Orchestrator. Publisher, Logger, Metrics
// and Tracer are optional.
type Deps struct {
	Store      incident.Store
	Assembler  *reasoning.Assembler
	Hypotheses agents.HypothesisGenerator
	Planner    agents.ResponsePlanner
	Critic     agents.PlanCritic
	Validator  *schema.Validator
	Publisher  broadcast.Publisher
	Logger     *structlog.Logger
	Metrics    *metrics.Pipeline
	Tracer     trace.Tracer
}

// Orchestrator is safe for concurrent runs on different incidents.
type Orchestrator struct {
	store      incident.Store
	assembler  *reasoning.Assembler
	hypotheses agents.HypothesisGenerator
	planner    agents.ResponsePlanner
	critic     agents.PlanCritic
	validator  *schema.Validator
	publisher  broadcast.Publisher
	logger     *structlog.Logger
	metrics    *metrics.Pipeline
	tracer     trace.Tracer
}

func New(d Deps) (*Orchestrator, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case d.Hypotheses == nil || d.Planner == nil || d.Critic == nil:
		return nil, errors.New("orchestrator: all three stage runners are required")
	}
	o := &Orchestrator{
		store:      d.Store,
		assembler:  d.Assembler,
		hypotheses: d.Hypotheses,
		planner:    d.Planner,
		critic:     d.Critic,
		validator:  d.Validator,
		publisher:  d.Publisher,
		logger:     d.Logger,
		metrics:    d.Metrics,
		tracer:     d.Tracer,
	}
	if o.assembler == nil {
		o.assembler = reasoning.NewAssembler(d.Store)
	}
	if o.logger == nil {
		o.logger = structlog.Nop()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	return o, nil
}

// Analyze opens an incident for tenantID, records events and runs the
// pipeline on it.
func (o *Orchestrator) Analyze(ctx context.Context, tenantID string, events []incident.Event) (*Result, error) {
	inc, gaps, err := o.open(ctx, tenantID, events)
	if err != nil {
		return nil, err
	}
	res := o.run(ctx, inc)
	res.AuditGaps = append(gaps, res.AuditGaps...)
	return res, nil
}

// Open creates the incident and records events without running the
// pipeline. Events that fail to persist are logged and skipped.
func (o *Orchestrator) Open(ctx context.Context, tenantID string, events []incident.Event) (incident.Incident, error) {
	inc, _, err := o.open(ctx, tenantID, events)
	return inc, err
}

func (o *Orchestrator) open(ctx context.Context, tenantID string, events []incident.Event) (incident.Incident, []string, error) {
	if tenantID == "" {
		return incident.Incident{}, nil, errors.New("analyze: tenant id is required")
	}
	inc, err := o.store.CreateIncident(ctx, incident.Incident{
		TenantID:    tenantID,
		Status:      incident.StatusOpen,
		Title:       "Automated Analysis: " + tenantID,
		Description: fmt.Sprintf("Automated analysis of %d submitted events.", len(events)),
	})
	if err != nil {
		return incident.Incident{}, nil, fmt.Errorf("create incident: %w", err)
	}

	log := o.logger.WithContext(ctx).WithIncident(tenantID, inc.ID)
	var gaps []string
	for i, evt := range events {
		evt.TenantID = tenantID
		if _, err := o.store.InsertEvent(ctx, evt); err != nil {
			o.metrics.PersistenceFailure("event")
			log.Error("failed to record event", structlog.Fields{"index": i, "error": err})
			gaps = append(gaps, fmt.Sprintf("event %d: %v", i, err))
		}
	}
	return inc, gaps, nil
}

// Advance runs the pipeline for an existing incident and blocks until it is
// finalized. It fails only when the incident cannot be loaded or is closed.
func (o *Orchestrator) Advance(ctx context.Context, incidentID string) (*Result, error) {
	inc, err := o.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("load incident %s: %w", incidentID, err)
	}
	if inc.Status == incident.StatusClosed {
		return nil, fmt.Errorf("advance incident %s: %w", incidentID, ErrIncidentClosed)
	}
	return o.run(ctx, inc), nil
}

// run never fails: every stage resolves to a payload and persistence errors
// become audit gaps.
func (o *Orchestrator) run(ctx context.Context, inc incident.Incident) *Result {
	ctx, span := o.tracer.Start(ctx, "incident.advance", trace.WithAttributes(
		attribute.String("tenant.id", inc.TenantID),
		attribute.String("incident.id", inc.ID),
	))
	defer span.End()

	log := o.logger.WithContext(ctx).WithIncident(inc.TenantID, inc.ID)
	res := &Result{Incident: inc}
	start := time.Now()

	res.States = append(res.States, StateContextualizing)
	bundle, err := o.assembler.Assemble(ctx, inc)
	if err != nil {
		log.Warn("context assembled with missing parts", structlog.Fields{"error": err})
	}

	res.States = append(res.States, StateHypothesizing)
	res.Hypothesis = o.hypothesize(ctx, log, res, bundle)
	res.Top = res.Hypothesis.Top()

	critique := o.planAndCritique(ctx, log, res, bundle, nil, 0)
	for revision := 1; revision <= MaxRevisions && !critique.Approved(); revision++ {
		res.States = append(res.States, StateRevising)
		res.Revised = true
		o.metrics.Revision()
		log.Info("plan rejected, revising", structlog.Fields{"revision": revision, "concerns": critique.Critique.Concerns})
		feedback := critique.Critique
		critique = o.planAndCritique(ctx, log, res, bundle, &feedback, revision)
	}

	res.States = append(res.States, StateFinalizing)
	o.finalize(ctx, log, res)

	span.SetAttributes(
		attribute.Bool("pipeline.degraded", res.Degraded()),
		attribute.Bool("pipeline.revised", res.Revised),
		attribute.Bool("plan.approved", res.Approved()),
		attribute.Int("audit.gaps", len(res.AuditGaps)),
	)
	log.Info("pipeline finalized", structlog.Fields{
		"degraded":    res.Degraded(),
		"revised":     res.Revised,
		"approved":    res.Approved(),
		"audit_gaps":  len(res.AuditGaps),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return res
}

func (o *Orchestrator) hypothesize(ctx context.Context, log *structlog.Logger, res *Result, bundle reasoning.Bundle) agents.HypothesisOutcome {
	ctx, span := o.startStage(ctx, incident.StageHypothesis, 0)

	out := o.hypotheses.Generate(ctx, bundle)
	pctx := context.WithoutCancel(ctx)
	for _, item := range out.Set.Hypotheses {
		h, err := o.store.InsertHypothesis(pctx, incident.Hypothesis{
			IncidentID: res.Incident.ID,
			Text:       item.Text,
			Confidence: item.Confidence,
			Evidence:   item.Evidence,
			Category:   item.ThreatCategory,
		})
		if err != nil {
			o.persistenceFailed(log, res, "hypothesis", err)
			continue
		}
		res.Hypotheses = append(res.Hypotheses, h)
	}
	o.record(ctx, log, res, out.Outcome, 0)
	endStage(span, out.Outcome)
	return out
}

func (o *Orchestrator) planAndCritique(ctx context.Context, log *structlog.Logger, res *Result, bundle reasoning.Bundle, feedback *schema.Critique, revision int) agents.CritiqueOutcome {
	res.States = append(res.States, StatePlanning)
	pctx, pspan := o.startStage(ctx, incident.StageResponsePlanner, revision)
	plan := o.planner.Plan(pctx, agents.PlanInput{
		Incident: res.Incident,
		Top:      res.Top,
		Context:  bundle,
		Critique: feedback,
	})
	res.Plans = append(res.Plans, plan)
	o.record(pctx, log, res, plan.Outcome, revision)
	endStage(pspan, plan.Outcome)

	res.States = append(res.States, StateCritiquing)
	cctx, cspan := o.startStage(ctx, incident.StageCritic, revision)
	critique := o.critic.Review(cctx, agents.CritiqueInput{
		Incident:   res.Incident,
		Hypothesis: res.Top,
		Plan:       plan.Plan,
	})
	res.Critiques = append(res.Critiques, critique)
	o.record(cctx, log, res, critique.Outcome, revision)
	endStage(cspan, critique.Outcome)
	return critique
}

// record persists the stage Decision and announces the stage.
func (o *Orchestrator) record(ctx context.Context, log *structlog.Logger, res *Result, out agents.Outcome, revision int) {
	d, err := o.store.InsertDecision(context.WithoutCancel(ctx), incident.Decision{
		IncidentID: res.Incident.ID,
		Stage:      out.Stage,
		Payload:    out.Payload,
		Confidence: out.Confidence,
		Summary:    out.Summary,
	})
	if err != nil {
		o.persistenceFailed(log, res, "decision "+string(out.Stage), err)
	} else {
		res.Decisions = append(res.Decisions, d)
		log.AuditLog("decision_recorded", structlog.Fields{
			"decision_id": d.ID,
			"stage":       string(out.Stage),
			"confidence":  out.Confidence,
			"fallback":    out.Degraded(),
			"revision":    revision,
		})
	}

	conf := out.Confidence
	o.publish(ctx, log, broadcast.Event{
		Type:       broadcast.EventStageCompleted,
		TenantID:   res.Incident.TenantID,
		IncidentID: res.Incident.ID,
		Stage:      string(out.Stage),
		Confidence: &conf,
		Fallback:   out.Degraded(),
		Revision:   revision,
	})
}

// finalize writes the completion record and the completion broadcast.
func (o *Orchestrator) finalize(ctx context.Context, log *structlog.Logger, res *Result) {
	res.analysis = buildAnalysis(o.validator, res)

	if err := o.store.SetIncidentStatus(context.WithoutCancel(ctx), res.Incident.ID, incident.StatusAnalyzing); err != nil {
		o.persistenceFailed(log, res, "incident status", err)
	}
	res.Incident.Status = incident.StatusAnalyzing
	o.metrics.RunFinalized(res.Degraded())

	o.publish(ctx, log, broadcast.Event{
		Type:             broadcast.EventIncidentUpdated,
		TenantID:         res.Incident.TenantID,
		IncidentID:       res.Incident.ID,
		Status:           string(incident.StatusAnalyzing),
		LatestHypothesis: res.Top.Text,
	})
}

func (o *Orchestrator) publish(ctx context.Context, log *structlog.Logger, evt broadcast.Event) {
	if o.publisher == nil {
		return
	}
	evt.Timestamp = time.Now().UTC()
	if err := o.publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		log.Warn("broadcast failed", structlog.Fields{"event": string(evt.Type), "error": err})
	}
}

func (o *Orchestrator) persistenceFailed(log *structlog.Logger, res *Result, record string, err error) {
	o.metrics.PersistenceFailure(record)
	log.Error("failed to persist audit record, continuing", structlog.Fields{"record": record, "error": err})
	res.gap(record, err)
}

func (o *Orchestrator) startStage(ctx context.Context, stage incident.StageTag, revision int) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "stage."+string(stage), trace.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.Int("revision", revision),
	))
}

func endStage(span trace.Span, out agents.Outcome) {
	span.SetAttributes(
		attribute.Float64("confidence", out.Confidence),
		attribute.Bool("fallback", out.Degraded()),
	)
	if out.Degraded() {
		span.SetStatus(codes.Error, out.FallbackReason)
	}
	span.End()
}
