// Package inference issues structured reasoning requests to an external model
// service with bounded retries and typed failures.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"cybersentinel/pkg/metrics"
	"cybersentinel/pkg/schema"
	"cybersentinel/pkg/structlog"
)

// Reasoner is one backend of the reasoning service. Implementations should
// return *Error for failures they can classify.
type Reasoner interface {
	Infer(ctx context.Context, prompt string) (string, error)
}

// ReasonerFunc adapts a function to Reasoner.
type ReasonerFunc func(ctx context.Context, prompt string) (string, error)

func (f ReasonerFunc) Infer(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Policy controls retry behaviour.
type Policy struct {
	MaxAttempts      int
	AttemptTimeout   time.Duration
	BaseBackoff      time.Duration
	RateLimitBackoff time.Duration
	JitterFraction   float64
}

// DefaultPolicy is three attempts, 30s each, 2^n s backoff (5n s when rate
// limited) plus up to 25% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      3,
		AttemptTimeout:   30 * time.Second,
		BaseBackoff:      time.Second,
		RateLimitBackoff: 5 * time.Second,
		JitterFraction:   0.25,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = d.BaseBackoff
	}
	if p.RateLimitBackoff <= 0 {
		p.RateLimitBackoff = d.RateLimitBackoff
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	return p
}

// Backoff is the wait before attempt n+1 after the n-th attempt failed with
// class, without jitter.
func (p Policy) Backoff(n int, class Class) time.Duration {
	if class == ClassRateLimited {
		return p.RateLimitBackoff * time.Duration(n)
	}
	return time.Duration(math.Pow(2, float64(n))) * p.BaseBackoff
}

// Budget is the longest one Call can take: every attempt times out and every
// wait uses the larger of the two schedules with full jitter.
func (p Policy) Budget() time.Duration {
	p = p.withDefaults()
	total := time.Duration(p.MaxAttempts) * p.AttemptTimeout
	for n := 1; n < p.MaxAttempts; n++ {
		wait := max(p.Backoff(n, ClassUnavailable), p.Backoff(n, ClassRateLimited))
		total += wait + time.Duration(float64(wait)*p.JitterFraction)
	}
	return total
}

// Gateway is stateless per call and safe for concurrent use.
type Gateway struct {
	reasoner Reasoner
	policy   Policy
	logger   *structlog.Logger
	metrics  *metrics.Pipeline

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// Option customises a Gateway.
type Option func(*Gateway)

func WithPolicy(p Policy) Option { return func(g *Gateway) { g.policy = p.withDefaults() } }

func WithLogger(l *structlog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

func WithMetrics(m *metrics.Pipeline) Option { return func(g *Gateway) { g.metrics = m } }

// WithSleep replaces the backoff wait. Tests use it to run without delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = fn }
}

// WithJitter replaces the jitter source; fn returns a value in [0,1).
func WithJitter(fn func() float64) Option { return func(g *Gateway) { g.jitter = fn } }

// NewGateway wraps a reasoner.
func NewGateway(r Reasoner, opts ...Option) *Gateway {
	g := &Gateway{
		reasoner: r,
		policy:   DefaultPolicy(),
		logger:   structlog.Nop(),
		sleep:    sleepCtx,
		jitter:   rand.Float64,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Call sends prompt and returns the first JSON object of the reply. The
// payload is not validated here; shape only labels logs and metrics.
func (g *Gateway) Call(ctx context.Context, prompt string, shape schema.Shape) (json.RawMessage, error) {
	var last *Error
	for attempt := 1; attempt <= g.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, g.terminal(NewError(ClassCanceled, err), attempt-1)
		}

		text, err := g.attempt(ctx, prompt)
		if err == nil {
			g.metrics.GatewayAttempt(string(shape), "ok")
			return json.RawMessage(ExtractJSON(text)), nil
		}

		last = asError(err)
		if ctx.Err() != nil {
			last = NewError(ClassCanceled, err)
		}
		g.metrics.GatewayAttempt(string(shape), string(last.Class))

		if !last.Class.Transient() {
			return nil, g.terminal(last, attempt)
		}
		if attempt == g.policy.MaxAttempts {
			break
		}

		wait := g.backoff(attempt, last.Class)
		g.logger.WithContext(ctx).Warn("reasoning attempt failed, retrying", structlog.Fields{
			"shape":   string(shape),
			"attempt": attempt,
			"class":   string(last.Class),
			"error":   last.Err,
			"backoff": wait.String(),
		})
		if err := g.sleep(ctx, wait); err != nil {
			return nil, g.terminal(NewError(ClassCanceled, err), attempt)
		}
	}
	return nil, g.terminal(last, g.policy.MaxAttempts)
}

func (g *Gateway) backoff(n int, class Class) time.Duration {
	base := g.policy.Backoff(n, class)
	if g.policy.JitterFraction == 0 || g.jitter == nil {
		return base
	}
	return base + time.Duration(float64(base)*g.policy.JitterFraction*g.jitter())
}

// attempt runs one Infer call under the per-attempt timeout. A reasoner that
// ignores its context is abandoned when the timeout fires.
func (g *Gateway) attempt(ctx context.Context, prompt string) (string, error) {
	actx, cancel := context.WithTimeout(ctx, g.policy.AttemptTimeout)
	defer cancel()

	type reply struct {
		text string
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		text, err := g.reasoner.Infer(actx, prompt)
		done <- reply{text, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", r.err
		}
		if strings.TrimSpace(r.text) == "" {
			return "", Errorf(ClassInternal, "empty response from reasoning service")
		}
		return r.text, nil
	case <-actx.Done():
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", NewError(ClassDeadlineExceeded, actx.Err())
	}
}

func (g *Gateway) terminal(e *Error, attempts int) *Error {
	if e == nil {
		e = Errorf(ClassInternal, "no attempts made")
	}
	return &Error{Class: e.Class, Attempts: attempts, Err: e.Err}
}

func asError(err error) *Error {
	var ie *Error
	if errors.As(err, &ie) {
		return ie
	}
	return NewError(Classify(err), err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
