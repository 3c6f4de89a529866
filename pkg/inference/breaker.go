package inference

import (
	"context"

	"cybersentinel/pkg/circuitbreaker"
)

// Guarded wraps r so that calls fail fast with ClassCircuitOpen while cb is
// open. Only transient failures count against the breaker; an attempt
// timeout is one, a cancelled caller is not.
func Guarded(r Reasoner, cb *circuitbreaker.CircuitBreaker) Reasoner {
	return ReasonerFunc(func(ctx context.Context, prompt string) (string, error) {
		done, err := cb.Allow()
		if err != nil {
			return "", NewError(ClassCircuitOpen, err)
		}
		text, err := r.Infer(ctx, prompt)
		done(err != nil && Classify(err).Transient(), err)
		return text, err
	})
}
