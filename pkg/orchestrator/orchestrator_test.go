package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cybersentinel/pkg/agents"
	"cybersentinel/pkg/broadcast"
	"cybersentinel/pkg/incident"
	"cybersentinel/pkg/inference"
	"cybersentinel/pkg/policy"
	"cybersentinel/pkg/reasoning"
	"cybersentinel/pkg/schema"
)

// scriptedCaller replies per shape. A shape with several replies consumes
// them in order and repeats the last one.
type scriptedCaller struct {
	mu      sync.Mutex
	replies map[schema.Shape][]string
	errs    map[schema.Shape]error
	prompts map[schema.Shape][]string
	block   chan struct{}
}

func (c *scriptedCaller) Call(ctx context.Context, prompt string, shape schema.Shape) (json.RawMessage, error) {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prompts == nil {
		c.prompts = make(map[schema.Shape][]string)
	}
	c.prompts[shape] = append(c.prompts[shape], prompt)
	if err := c.errs[shape]; err != nil {
		return nil, err
	}
	queue := c.replies[shape]
	if len(queue) == 0 {
		return nil, inference.Errorf(inference.ClassInternal, "no scripted reply for %s", shape)
	}
	reply := queue[0]
	if len(queue) > 1 {
		c.replies[shape] = queue[1:]
	}
	return json.RawMessage(reply), nil
}

func (c *scriptedCaller) promptsFor(shape schema.Shape) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts[shape]...)
}

type fixture struct {
	store    incident.Store
	registry *broadcast.Registry
	orch     *Orchestrator
}

func newFixture(t *testing.T, caller agents.Caller, store incident.Store, guard *policy.PlanGuard) fixture {
	t.Helper()
	if store == nil {
		store = incident.NewMemoryStore()
	}
	v := schema.MustNewValidator()
	d := agents.Deps{Caller: caller, Validator: v}
	reg := broadcast.NewRegistry()
	o, err := New(Deps{
		Store:      store,
		Assembler:  reasoning.NewAssembler(store),
		Hypotheses: agents.NewHypothesisRunner(d),
		Planner:    agents.NewPlanRunner(d),
		Critic:     agents.NewCritiqueRunner(d, guard),
		Validator:  v,
		Publisher:  reg,
	})
	require.NoError(t, err)
	return fixture{store: store, registry: reg, orch: o}
}

func drain(sub *broadcast.Subscription) []broadcast.Event {
	var out []broadcast.Event
	for {
		select {
		case evt := <-sub.C:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func sampleEvents() []incident.Event {
	return []incident.Event{
		{Source: "edr", Type: "process_start", Payload: map[string]any{"image": "powershell.exe", "note": "ransomware dropper"}, Timestamp: time.Now().Add(-time.Minute)},
		{Source: "firewall", Type: "outbound_conn", Payload: map[string]any{"dst": "203.0.113.7"}, Timestamp: time.Now()},
	}
}

const (
	hypothesesJSON = `{"hypotheses":[
		{"text":"commodity malware","confidence":0.6,"evidence":["dropper"],"threat_category":"malware"},
		{"text":"ransomware staging","confidence":0.85,"evidence":["powershell","c2"],"threat_category":"malware"},
		{"text":"admin script","confidence":0.2,"evidence":[],"threat_category":"other"}
	],"reasoning_summary":"three candidates"}`
	planJSON     = `{"actions":[{"action":"isolate_host","target":"ws-01","rationale":"contain"}],"priority":"high","estimated_impact":"ws-01 offline","false_positive_risk":0.1}`
	approvedJSON = `{"approved":true,"concerns":[],"revised_actions":[]}`
	rejectedJSON = `{"approved":false,"concerns":["no network containment"],"revised_actions":[{"action":"block_ip","target":"203.0.113.7","rationale":"c2"}]}`
)

func TestAnalyze_StaticReasonerEndToEnd(t *testing.T) {
	gw := inference.NewGateway(inference.NewStaticReasoner())
	guard, err := policy.NewPlanGuard(context.Background(), policy.DefaultPlanPolicy)
	require.NoError(t, err)
	f := newFixture(t, gw, nil, guard)
	sub := f.registry.Subscribe("acme")

	res, err := f.orch.Analyze(context.Background(), "acme", sampleEvents())
	require.NoError(t, err)

	assert.Equal(t, "Automated Analysis: acme", res.Incident.Title)
	assert.Equal(t, incident.StatusAnalyzing, res.Incident.Status)
	assert.False(t, res.Degraded())
	assert.False(t, res.Revised)
	assert.True(t, res.Approved())
	assert.Equal(t, 0.85, res.Top.Confidence)
	assert.Equal(t, incident.ThreatMalware, res.Top.ThreatCategory)
	assert.Len(t, res.Hypotheses, 3)
	assert.Len(t, res.Decisions, 3)
	assert.Empty(t, res.AuditGaps)

	analysis := res.EventAnalysis()
	assert.Equal(t, incident.ThreatMalware, analysis.ThreatType)
	assert.Equal(t, schema.PriorityHigh, analysis.Severity)
	assert.NotEmpty(t, analysis.RecommendedActions)

	stored, err := f.store.GetIncident(context.Background(), res.Incident.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusAnalyzing, stored.Status)

	events := drain(sub)
	require.Len(t, events, 4)
	assert.Equal(t, broadcast.EventStageCompleted, events[0].Type)
	assert.Equal(t, string(incident.StageHypothesis), events[0].Stage)
	assert.Equal(t, string(incident.StageResponsePlanner), events[1].Stage)
	assert.Equal(t, string(incident.StageCritic), events[2].Stage)
	last := events[3]
	assert.Equal(t, broadcast.EventIncidentUpdated, last.Type)
	assert.Equal(t, res.Incident.ID, last.IncidentID)
	assert.Equal(t, string(incident.StatusAnalyzing), last.Status)
	assert.Equal(t, res.Top.Text, last.LatestHypothesis)
}

func TestAdvance_TopHypothesisFeedsPlanner(t *testing.T) {
	c := &scriptedCaller{replies: map[schema.Shape][]string{
		schema.ShapeHypothesisSet: {hypothesesJSON},
		schema.ShapeResponsePlan:  {planJSON},
		schema.ShapeCritique:      {approvedJSON},
	}}
	f := newFixture(t, c, nil, nil)
	inc, err := f.orch.Open(context.Background(), "acme", sampleEvents())
	require.NoError(t, err)

	res, err := f.orch.Advance(context.Background(), inc.ID)
	require.NoError(t, err)

	assert.Equal(t, "ransomware staging", res.Top.Text)
	assert.Equal(t, 0.85, res.Top.Confidence)
	plans := c.promptsFor(schema.ShapeResponsePlan)
	require.Len(t, plans, 1)
	assert.Contains(t, plans[0], "ransomware staging")
	assert.InDelta(t, 0.9, res.FinalPlan().Confidence, 1e-9)
	assert.Equal(t, []State{StateContextualizing, StateHypothesizing, StatePlanning, StateCritiquing, StateFinalizing}, res.States)

	hyp := c.promptsFor(schema.ShapeHypothesisSet)
	require.Len(t, hyp, 1)
	assert.Contains(t, hyp[0], "Number of events: 2")
}

func TestAdvance_AllStagesUnavailable(t *testing.T) {
	down := &inference.Error{Class: inference.ClassUnavailable, Attempts: 3, Err: errors.New("connection refused")}
	c := &scriptedCaller{errs: map[schema.Shape]error{
		schema.ShapeHypothesisSet: down,
		schema.ShapeResponsePlan:  down,
		schema.ShapeCritique:      down,
	}}
	f := newFixture(t, c, nil, nil)
	sub := f.registry.Subscribe("acme")

	res, err := f.orch.Analyze(context.Background(), "acme", sampleEvents())
	require.NoError(t, err)

	assert.True(t, res.Degraded())
	assert.False(t, res.Approved())
	assert.True(t, res.Revised)
	assert.Equal(t, agents.FallbackHypothesisConfidence, res.Top.Confidence)
	assert.Equal(t, incident.ThreatOther, res.Top.ThreatCategory)
	assert.Equal(t, agents.FallbackPlanImpact, res.FinalPlan().Summary)
	assert.Equal(t, []string{agents.FallbackCritiqueConcern}, res.FinalCritique().Critique.Concerns)
	assert.Equal(t, incident.StatusAnalyzing, res.Incident.Status)

	// hypothesis, plan, critique, revised plan, revised critique
	require.Len(t, res.Decisions, 5)
	for _, d := range res.Decisions {
		assert.Contains(t, string(d.Payload), `"error"`)
	}

	events := drain(sub)
	require.NotEmpty(t, events)
	assert.Equal(t, broadcast.EventIncidentUpdated, events[len(events)-1].Type)
	for _, evt := range events[:len(events)-1] {
		assert.True(t, evt.Fallback)
	}
}

func TestAdvance_RevisesExactlyOnce(t *testing.T) {
	c := &scriptedCaller{replies: map[schema.Shape][]string{
		schema.ShapeHypothesisSet: {hypothesesJSON},
		schema.ShapeResponsePlan:  {planJSON},
		schema.ShapeCritique:      {rejectedJSON},
	}}
	f := newFixture(t, c, nil, nil)

	res, err := f.orch.Analyze(context.Background(), "acme", sampleEvents())
	require.NoError(t, err)

	assert.True(t, res.Revised)
	assert.False(t, res.Approved())
	assert.Len(t, res.Plans, 2)
	assert.Len(t, res.Critiques, 2)
	assert.Len(t, c.promptsFor(schema.ShapeCritique), 2)

	plans := c.promptsFor(schema.ShapeResponsePlan)
	require.Len(t, plans, 2)
	assert.NotContains(t, plans[0], "rejected the previous plan")
	assert.Contains(t, plans[1], "- no network containment")
	assert.Contains(t, plans[1], "- block_ip on 203.0.113.7: c2")

	var revising int
	for _, s := range res.States {
		if s == StateRevising {
			revising++
		}
	}
	assert.Equal(t, 1, revising)

	entries, err := incident.Timeline(context.Background(), f.store, res.Incident.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"hypothesis:hypothesis",
		"hypothesis:hypothesis",
		"hypothesis:hypothesis",
		"decision:hypothesis",
		"decision:response_planner",
		"decision:critic",
		"decision:response_planner",
		"decision:critic",
	}, timelineKinds(entries))
}

func timelineKinds(entries []incident.TimelineEntry) []string {
	kinds := make([]string, len(entries))
	for i, e := range entries {
		kinds[i] = string(e.Kind) + ":" + string(e.Stage)
	}
	return kinds
}

func TestAdvance_ClosedIncidentIsLeftAlone(t *testing.T) {
	down := inference.Errorf(inference.ClassUnavailable, "503")
	c := &scriptedCaller{errs: map[schema.Shape]error{
		schema.ShapeHypothesisSet: down,
		schema.ShapeResponsePlan:  down,
		schema.ShapeCritique:      down,
	}}
	f := newFixture(t, c, nil, nil)
	ctx := context.Background()

	inc, err := f.orch.Open(ctx, "acme", sampleEvents())
	require.NoError(t, err)
	require.NoError(t, f.store.SetIncidentStatus(ctx, inc.ID, incident.StatusClosed))

	res, err := f.orch.Advance(ctx, inc.ID)
	require.ErrorIs(t, err, ErrIncidentClosed)
	assert.Nil(t, res)

	got, err := f.store.GetIncident(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusClosed, got.Status)
	decisions, err := f.store.Decisions(ctx, inc.ID)
	require.NoError(t, err)
	assert.Empty(t, decisions)
	assert.Empty(t, c.promptsFor(schema.ShapeHypothesisSet))
}

func TestAdvance_RevisionApproved(t *testing.T) {
	c := &scriptedCaller{replies: map[schema.Shape][]string{
		schema.ShapeHypothesisSet: {hypothesesJSON},
		schema.ShapeResponsePlan:  {planJSON},
		schema.ShapeCritique:      {rejectedJSON, approvedJSON},
	}}
	f := newFixture(t, c, nil, nil)

	res, err := f.orch.Analyze(context.Background(), "acme", nil)
	require.NoError(t, err)
	assert.True(t, res.Revised)
	assert.True(t, res.Approved())
	assert.False(t, res.Degraded())
}

func TestAdvance_TimelineOrder(t *testing.T) {
	c := &scriptedCaller{replies: map[schema.Shape][]string{
		schema.ShapeHypothesisSet: {hypothesesJSON},
		schema.ShapeResponsePlan:  {planJSON},
		schema.ShapeCritique:      {approvedJSON},
	}}
	f := newFixture(t, c, nil, nil)
	res, err := f.orch.Analyze(context.Background(), "acme", sampleEvents())
	require.NoError(t, err)

	entries, err := incident.Timeline(context.Background(), f.store, res.Incident.ID)
	require.NoError(t, err)
	require.Len(t, entries, 6)

	assert.Equal(t, []string{
		"hypothesis:hypothesis",
		"hypothesis:hypothesis",
		"hypothesis:hypothesis",
		"decision:hypothesis",
		"decision:response_planner",
		"decision:critic",
	}, timelineKinds(entries))
	assert.Equal(t, "commodity malware", entries[0].Content)
}

type flakyStore struct {
	*incident.MemoryStore
	failDecisions bool
	failStatus    bool
}

func (s *flakyStore) InsertDecision(ctx context.Context, d incident.Decision) (incident.Decision, error) {
	if s.failDecisions {
		return incident.Decision{}, errors.New("connection reset")
	}
	return s.MemoryStore.InsertDecision(ctx, d)
}

func (s *flakyStore) SetIncidentStatus(ctx context.Context, id string, st incident.Status) error {
	if s.failStatus {
		return errors.New("connection reset")
	}
	return s.MemoryStore.SetIncidentStatus(ctx, id, st)
}

func TestAdvance_PersistenceFailureContinues(t *testing.T) {
	store := &flakyStore{MemoryStore: incident.NewMemoryStore(), failDecisions: true, failStatus: true}
	c := &scriptedCaller{replies: map[schema.Shape][]string{
		schema.ShapeHypothesisSet: {hypothesesJSON},
		schema.ShapeResponsePlan:  {planJSON},
		schema.ShapeCritique:      {approvedJSON},
	}}
	f := newFixture(t, c, store, nil)
	sub := f.registry.Subscribe("acme")

	res, err := f.orch.Analyze(context.Background(), "acme", sampleEvents())
	require.NoError(t, err)

	assert.True(t, res.Approved())
	assert.Len(t, res.Hypotheses, 3)
	assert.Empty(t, res.Decisions)
	require.Len(t, res.AuditGaps, 4)
	assert.True(t, strings.HasPrefix(res.AuditGaps[0], "decision hypothesis"))
	assert.True(t, strings.HasPrefix(res.AuditGaps[3], "incident status"))

	events := drain(sub)
	require.Len(t, events, 4)
	assert.Equal(t, broadcast.EventIncidentUpdated, events[3].Type)
}

func TestAdvance_CancelledCallerStillFinalizes(t *testing.T) {
	c := &scriptedCaller{replies: map[schema.Shape][]string{
		schema.ShapeHypothesisSet: {hypothesesJSON},
	}, block: make(chan struct{})}
	f := newFixture(t, c, nil, nil)
	inc, err := f.orch.Open(context.Background(), "acme", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.orch.Advance(ctx, inc.ID)
	require.NoError(t, err)

	assert.True(t, res.Degraded())
	assert.Len(t, res.Decisions, 5)
	stored, err := f.store.GetIncident(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusAnalyzing, stored.Status)
}

func TestAdvance_UnknownIncident(t *testing.T) {
	f := newFixture(t, &scriptedCaller{}, nil, nil)
	_, err := f.orch.Advance(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, incident.ErrNotFound)
}

func TestAnalyze_RequiresTenant(t *testing.T) {
	f := newFixture(t, &scriptedCaller{}, nil, nil)
	_, err := f.orch.Analyze(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
	_, err = New(Deps{Store: incident.NewMemoryStore()})
	assert.Error(t, err)
}

func TestDispatcher_RejectsWhenFull(t *testing.T) {
	c := &scriptedCaller{
		replies: map[schema.Shape][]string{
			schema.ShapeHypothesisSet: {hypothesesJSON},
			schema.ShapeResponsePlan:  {planJSON},
			schema.ShapeCritique:      {approvedJSON},
		},
		block: make(chan struct{}),
	}
	store := &countingStore{MemoryStore: incident.NewMemoryStore()}
	f := newFixture(t, c, store, nil)
	d := NewDispatcher(f.orch, 1, nil)

	first, err := d.SubmitAnalyze(context.Background(), "acme", sampleEvents())
	require.NoError(t, err)
	assert.Equal(t, incident.StatusOpen, first.Status)

	second, err := d.SubmitAnalyze(context.Background(), "acme", nil)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Empty(t, second.ID)
	assert.ErrorIs(t, d.SubmitAdvance(context.Background(), first.ID), ErrQueueFull)

	close(c.block)
	d.Wait()

	stored, err := f.store.GetIncident(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusAnalyzing, stored.Status)
	assert.Equal(t, 1, store.created())

	third, err := d.SubmitAnalyze(context.Background(), "acme", nil)
	require.NoError(t, err)
	d.Wait()
	stored, err = f.store.GetIncident(context.Background(), third.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusAnalyzing, stored.Status)
	assert.Equal(t, 2, store.created())
}

type countingStore struct {
	*incident.MemoryStore
	mu    sync.Mutex
	count int
}

func (s *countingStore) CreateIncident(ctx context.Context, inc incident.Incident) (incident.Incident, error) {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return s.MemoryStore.CreateIncident(ctx, inc)
}

func (s *countingStore) created() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func TestDispatcher_FailedOpenReleasesSlot(t *testing.T) {
	c := &scriptedCaller{replies: map[schema.Shape][]string{
		schema.ShapeHypothesisSet: {hypothesesJSON},
		schema.ShapeResponsePlan:  {planJSON},
		schema.ShapeCritique:      {approvedJSON},
	}}
	f := newFixture(t, c, nil, nil)
	d := NewDispatcher(f.orch, 1, nil)

	_, err := d.SubmitAnalyze(context.Background(), "", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQueueFull)
	d.Wait()

	inc, err := d.SubmitAnalyze(context.Background(), "acme", nil)
	require.NoError(t, err)
	d.Wait()
	stored, err := f.store.GetIncident(context.Background(), inc.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusAnalyzing, stored.Status)
}

func TestDispatcher_OutlivesRequestContext(t *testing.T) {
	c := &scriptedCaller{replies: map[schema.Shape][]string{
		schema.ShapeHypothesisSet: {hypothesesJSON},
		schema.ShapeResponsePlan:  {planJSON},
		schema.ShapeCritique:      {approvedJSON},
	}}
	f := newFixture(t, c, nil, nil)
	d := NewDispatcher(f.orch, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	inc, err := d.SubmitAnalyze(ctx, "acme", nil)
	require.NoError(t, err)
	cancel()
	d.Wait()

	entries, err := incident.Timeline(context.Background(), f.store, inc.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 6)
}
