// Package confidence derives the confidence persisted with each Decision from
// stage-specific signals instead of trusting a caller-supplied score.
package confidence

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const (
	// CritiqueBase is the starting confidence before a critic's adjustment.
	CritiqueBase = 0.8
	// MaxAdjustment bounds a critic's confidence_adjustment in either direction.
	MaxAdjustment = 0.3
)

// Clamp forces v into [0,1]. NaN maps to 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Hypothesis returns the validated hypothesis confidence, clamped.
func Hypothesis(c float64) float64 {
	return Clamp(c)
}

// Plan derives confidence as 1 - false_positive_risk. A missing or
// non-numeric risk counts as zero risk.
func Plan(risk any) float64 {
	r, ok := number(risk)
	if !ok {
		r = 0
	}
	return Clamp(1 - r)
}

// Critique derives confidence as 0.8 + confidence_adjustment. A missing or
// non-numeric adjustment counts as zero.
func Critique(adjustment any) float64 {
	a, ok := number(adjustment)
	if !ok {
		a = 0
	}
	return Clamp(CritiqueBase + a)
}

func number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = n
	case *float64:
		if n == nil {
			return 0, false
		}
		f = *n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
