package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cybersentinel/pkg/incident"
)

func seedIncident(t *testing.T, store *incident.MemoryStore) incident.Incident {
	t.Helper()
	inc, err := store.CreateIncident(context.Background(), incident.Incident{TenantID: "acme", Title: "Suspicious logins"})
	require.NoError(t, err)
	return inc
}

func TestAssemble_WindowAndOrdering(t *testing.T) {
	ctx := context.Background()
	store := incident.NewMemoryStore()
	inc := seedIncident(t, store)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		_, err := store.InsertEvent(ctx, incident.Event{
			TenantID:  "acme",
			Source:    "firewall",
			Type:      fmt.Sprintf("evt_%02d", i),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}
	_, err := store.InsertEvent(ctx, incident.Event{TenantID: "other", Source: "x", Type: "foreign"})
	require.NoError(t, err)

	for _, text := range []string{"first", "second"} {
		_, err := store.InsertHypothesis(ctx, incident.Hypothesis{IncidentID: inc.ID, Text: text, Confidence: 0.5, Category: incident.ThreatOther})
		require.NoError(t, err)
	}

	b, err := NewAssembler(store).Assemble(ctx, inc)
	require.NoError(t, err)

	require.Len(t, b.Events, incident.DefaultEventWindow)
	assert.Equal(t, "evt_59", b.Events[0].Type)
	assert.Equal(t, "evt_10", b.Events[len(b.Events)-1].Type)
	require.Len(t, b.PriorHypotheses, 2)
	assert.Equal(t, "first", b.PriorHypotheses[0].Text)

	assert.Contains(t, b.Text, "Number of events: 50")
	assert.Contains(t, b.Text, "event 1: evt_59 from firewall")
	assert.NotContains(t, b.Text, "foreign")
	assert.Less(t, strings.Index(b.Text, "- first"), strings.Index(b.Text, "- second"))
}

func TestAssemble_TruncatesPayload(t *testing.T) {
	ctx := context.Background()
	store := incident.NewMemoryStore()
	inc := seedIncident(t, store)
	_, err := store.InsertEvent(ctx, incident.Event{
		TenantID: "acme", Source: "edr", Type: "process_start",
		Payload: map[string]any{"cmd": strings.Repeat("A", 200)},
	})
	require.NoError(t, err)

	b, err := NewAssembler(store, WithPayloadLimit(32)).Assemble(ctx, inc)
	require.NoError(t, err)
	assert.Contains(t, b.Text, "...(truncated)")
	assert.NotContains(t, b.Text, strings.Repeat("A", 100))
}

func TestRenderPayload_TruncatesOnRuneBoundary(t *testing.T) {
	a := NewAssembler(incident.NewMemoryStore(), WithPayloadLimit(33))
	// {"cmd":" is 8 bytes, so byte 33 falls inside a two-byte rune.
	out := a.renderPayload(map[string]any{"cmd": strings.Repeat("é", 40)})

	require.True(t, utf8.ValidString(out), out)
	assert.Equal(t, `{"cmd":"`+strings.Repeat("é", 12)+"...(truncated)", out)
}

type failingStore struct {
	*incident.MemoryStore
}

func (failingStore) RecentEvents(context.Context, string, int) ([]incident.Event, error) {
	return nil, errors.New("db down")
}

func TestAssemble_PartialOnReadFailure(t *testing.T) {
	mem := incident.NewMemoryStore()
	inc := seedIncident(t, mem)

	b, err := NewAssembler(failingStore{mem}).Assemble(context.Background(), inc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read recent events")
	assert.Empty(t, b.Events)
	assert.Contains(t, b.Text, "Number of events: 0")
}
