// Package schema validates the structured payloads produced by each reasoning
// stage against fixed JSON Schema documents and decodes them into typed values.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Shape names one of the fixed payload shapes.
type Shape string

const (
	ShapeHypothesisSet Shape = "hypothesis_set"
	ShapeResponsePlan  Shape = "response_plan"
	ShapeCritique      Shape = "critique"
	ShapeEventAnalysis Shape = "event_analysis"
)

// Shapes lists every shape the validator compiles.
var Shapes = []Shape{ShapeHypothesisSet, ShapeResponsePlan, ShapeCritique, ShapeEventAnalysis}

const schemaBaseURL = "https://schemas.cybersentinel.local/"

// DecodeError means the payload is not a JSON object at all.
type DecodeError struct {
	Shape Shape
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload: %v", e.Shape, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ValidationError means the payload parsed but violates its shape.
type ValidationError struct {
	Shape    Shape
	Location string
	Err      error
}

func (e *ValidationError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("validate %s payload at %s: %v", e.Shape, e.Location, e.Err)
	}
	return fmt.Sprintf("validate %s payload: %v", e.Shape, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validator holds the compiled schemas. It is immutable and safe for
// concurrent use.
type Validator struct {
	schemas map[Shape]*jsonschema.Schema
}

// NewValidator compiles the embedded schema documents.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	for _, shape := range Shapes {
		doc, err := schemaFS.ReadFile("schemas/" + string(shape) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", shape, err)
		}
		if err := compiler.AddResource(schemaURL(shape), bytes.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", shape, err)
		}
	}
	v := &Validator{schemas: make(map[Shape]*jsonschema.Schema, len(Shapes))}
	for _, shape := range Shapes {
		compiled, err := compiler.Compile(schemaURL(shape))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", shape, err)
		}
		v.schemas[shape] = compiled
	}
	return v, nil
}

// MustNewValidator panics if the embedded schemas fail to compile.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

func schemaURL(shape Shape) string {
	return schemaBaseURL + string(shape) + ".json"
}

// Validate checks raw against shape and returns the generic decoded document.
func (v *Validator) Validate(raw []byte, shape Shape) (any, error) {
	compiled, ok := v.schemas[shape]
	if !ok {
		return nil, fmt.Errorf("unknown payload shape %q", shape)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &DecodeError{Shape: shape, Err: err}
	}
	if dec.More() {
		return nil, &DecodeError{Shape: shape, Err: errors.New("trailing data after JSON value")}
	}
	if _, isObject := doc.(map[string]any); !isObject {
		return nil, &DecodeError{Shape: shape, Err: fmt.Errorf("expected JSON object, got %T", doc)}
	}

	if err := compiled.Validate(doc); err != nil {
		verr := &ValidationError{Shape: shape, Err: err}
		var schemaErr *jsonschema.ValidationError
		if errors.As(err, &schemaErr) {
			verr.Location = deepestLocation(schemaErr)
		}
		return nil, verr
	}
	return doc, nil
}

func deepestLocation(e *jsonschema.ValidationError) string {
	for len(e.Causes) > 0 {
		e = e.Causes[0]
	}
	if e.InstanceLocation == "" {
		return "/"
	}
	return e.InstanceLocation
}

func decodeInto[T any](v *Validator, raw []byte, shape Shape) (T, error) {
	var out T
	if _, err := v.Validate(raw, shape); err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &DecodeError{Shape: shape, Err: err}
	}
	return out, nil
}

// HypothesisSet validates and decodes a Hypothesis stage payload.
func (v *Validator) HypothesisSet(raw []byte) (HypothesisSet, error) {
	out, err := decodeInto[HypothesisSet](v, raw, ShapeHypothesisSet)
	out.normalize()
	return out, err
}

// ResponsePlan validates and decodes a Plan stage payload.
func (v *Validator) ResponsePlan(raw []byte) (ResponsePlan, error) {
	out, err := decodeInto[ResponsePlan](v, raw, ShapeResponsePlan)
	out.normalize()
	return out, err
}

// Critique validates and decodes a Critique stage payload.
func (v *Validator) Critique(raw []byte) (Critique, error) {
	out, err := decodeInto[Critique](v, raw, ShapeCritique)
	out.normalize()
	return out, err
}

// EventAnalysis validates and decodes an analysis summary.
func (v *Validator) EventAnalysis(raw []byte) (EventAnalysis, error) {
	out, err := decodeInto[EventAnalysis](v, raw, ShapeEventAnalysis)
	out.normalize()
	return out, err
}

// IsInvalidPayload reports whether err is a decode or validation failure.
func IsInvalidPayload(err error) bool {
	var de *DecodeError
	var ve *ValidationError
	return errors.As(err, &de) || errors.As(err, &ve)
}
