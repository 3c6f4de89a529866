// Package agents runs the three reasoning stages. Each runner wraps the
// inference gateway, the schema validator and a fixed fallback payload, and
// never returns an error to its caller.
package agents

import (
	"context"
	"encoding/json"
	"time"

	"cybersentinel/pkg/incident"
	"cybersentinel/pkg/metrics"
	"cybersentinel/pkg/reasoning"
	"cybersentinel/pkg/schema"
	"cybersentinel/pkg/structlog"
)

// Caller issues one structured reasoning request. *inference.Gateway
// implements it.
type Caller interface {
	Call(ctx context.Context, prompt string, shape schema.Shape) (json.RawMessage, error)
}

// Outcome is what every stage hands back for persistence.
type Outcome struct {
	Stage      incident.StageTag
	Payload    json.RawMessage
	Confidence float64
	Summary    string
	// FallbackReason is set when Payload is the fallback payload.
	FallbackReason string
	Duration       time.Duration
}

// Degraded reports whether the stage resolved to its fallback.
func (o Outcome) Degraded() bool { return o.FallbackReason != "" }

// HypothesisGenerator is the Hypothesis stage.
type HypothesisGenerator interface {
	Generate(ctx context.Context, bundle reasoning.Bundle) HypothesisOutcome
}

// ResponsePlanner is the Plan stage.
type ResponsePlanner interface {
	Plan(ctx context.Context, in PlanInput) PlanOutcome
}

// PlanCritic is the Critique stage.
type PlanCritic interface {
	Review(ctx context.Context, in CritiqueInput) CritiqueOutcome
}

// Deps are shared by every runner.
type Deps struct {
	Caller    Caller
	Validator *schema.Validator
	Logger    *structlog.Logger
	Metrics   *metrics.Pipeline
}

func (d Deps) logger() *structlog.Logger {
	if d.Logger == nil {
		return structlog.Nop()
	}
	return d.Logger
}

// call runs the gateway and decodes the reply with decode. Any failure is
// returned as the fallback reason.
func call[T any](ctx context.Context, d Deps, prompt string, shape schema.Shape, decode func([]byte) (T, error)) (T, string) {
	var zero T
	raw, err := d.Caller.Call(ctx, prompt, shape)
	if err != nil {
		return zero, err.Error()
	}
	out, err := decode(raw)
	if err != nil {
		return zero, err.Error()
	}
	return out, ""
}

// mustMarshal is only used on payload types that always encode.
func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"error":"payload encoding failed"}`)
	}
	return raw
}

func (d Deps) finish(ctx context.Context, o *Outcome, start time.Time, fields structlog.Fields) {
	o.Duration = time.Since(start)
	d.Metrics.StageDuration(string(o.Stage), o.Duration)
	log := d.logger().WithContext(ctx)
	if fields == nil {
		fields = structlog.Fields{}
	}
	fields["stage"] = string(o.Stage)
	fields["confidence"] = o.Confidence
	fields["duration_ms"] = o.Duration.Milliseconds()
	if o.Degraded() {
		d.Metrics.StageFallback(string(o.Stage))
		fields["reason"] = o.FallbackReason
		log.Warn("stage resolved to fallback", fields)
		return
	}
	log.Debug("stage completed", fields)
}
