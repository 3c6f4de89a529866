// Package reasoning assembles the bounded incident context each stage reasons over.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"cybersentinel/pkg/incident"
)

const defaultPayloadLimit = 512

// Bundle is the context handed to the stage runners: the structured inputs and
// their prompt rendering.
type Bundle struct {
	Incident        incident.Incident
	Events          []incident.Event      // newest first
	PriorHypotheses []incident.Hypothesis // oldest first
	Text            string
}

// Assembler reads the event window and hypothesis history for an incident.
type Assembler struct {
	store        incident.Store
	window       int
	payloadLimit int
}

type AssemblerOption func(*Assembler)

// WithWindow bounds the number of recent tenant events included.
func WithWindow(n int) AssemblerOption {
	return func(a *Assembler) {
		if n > 0 {
			a.window = n
		}
	}
}

// WithPayloadLimit truncates each rendered event payload to n bytes.
func WithPayloadLimit(n int) AssemblerOption {
	return func(a *Assembler) {
		if n > 0 {
			a.payloadLimit = n
		}
	}
}

func NewAssembler(store incident.Store, opts ...AssemblerOption) *Assembler {
	a := &Assembler{store: store, window: incident.DefaultEventWindow, payloadLimit: defaultPayloadLimit}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble always returns a usable bundle. A read failure leaves the affected
// part empty and is reported in the error.
func (a *Assembler) Assemble(ctx context.Context, inc incident.Incident) (Bundle, error) {
	b := Bundle{Incident: inc}
	var errs []error

	events, err := a.store.RecentEvents(ctx, inc.TenantID, a.window)
	if err != nil {
		errs = append(errs, fmt.Errorf("read recent events: %w", err))
	} else {
		if len(events) > a.window {
			events = events[:a.window]
		}
		b.Events = events
	}

	hyps, err := a.store.Hypotheses(ctx, inc.ID)
	if err != nil {
		errs = append(errs, fmt.Errorf("read prior hypotheses: %w", err))
	} else {
		b.PriorHypotheses = hyps
	}

	b.Text = a.render(b)
	return b, errors.Join(errs...)
}

func (a *Assembler) render(b Bundle) string {
	var sb strings.Builder
	sb.WriteString("System Context:\n")
	if b.Incident.ID != "" {
		fmt.Fprintf(&sb, "Incident: %s (%s) for tenant %s, status %s\n", b.Incident.Title, b.Incident.ID, b.Incident.TenantID, b.Incident.Status)
		if b.Incident.Description != "" {
			fmt.Fprintf(&sb, "Description: %s\n", b.Incident.Description)
		}
	}
	fmt.Fprintf(&sb, "Number of events: %d (newest first)\n", len(b.Events))
	for i, ev := range b.Events {
		fmt.Fprintf(&sb, "event %d: %s from %s at %s", i+1, ev.Type, ev.Source, ev.Timestamp.UTC().Format(time.RFC3339))
		if p := a.renderPayload(ev.Payload); p != "" {
			fmt.Fprintf(&sb, " payload=%s", p)
		}
		sb.WriteByte('\n')
	}
	if len(b.PriorHypotheses) > 0 {
		sb.WriteString("\nPrevious Hypotheses:\n")
		for _, h := range b.PriorHypotheses {
			fmt.Fprintf(&sb, "- %s (Confidence: %.2f, category: %s)\n", h.Text, h.Confidence, h.Category)
		}
	}
	return sb.String()
}

func (a *Assembler) renderPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	s := strings.ReplaceAll(string(raw), "\n", " ")
	if len(s) > a.payloadLimit {
		cut := a.payloadLimit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "...(truncated)"
	}
	return s
}
