package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/nets/internal/detect"
	"aegisflux/nets/internal/metrics"
	"aegisflux/nets/internal/model"
	"aegisflux/nets/internal/normalizer"
	"aegisflux/nets/internal/policy"
	"aegisflux/nets/internal/rules"
	"aegisflux/nets/internal/store"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const quarantineRule = `
rule listener-unexpected
  summary  "Unexpected listener on 8080"
  severity high
  when listener(8080) and not proc.name in ["apache2", "nginx"] -> quarantine(300s)
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakePolicy struct {
	mu          sync.Mutex
	proposals   []model.QuarantineRequest
	escalations []string
	escalate    map[string]bool
}

func (f *fakePolicy) Propose(req model.QuarantineRequest, reason string) (policy.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proposals = append(f.proposals, req)
	return policy.Decision{ID: "d-" + req.AlertID, State: policy.StateProposed}, nil
}

func (f *fakePolicy) Escalate(a *model.Alert, _ *model.NormalizedFlow) (policy.Decision, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.escalate[a.RuleID] {
		return policy.Decision{}, false, nil
	}
	f.escalations = append(f.escalations, a.RuleID)
	return policy.Decision{ID: "d-" + a.ID}, true, nil
}

func (f *fakePolicy) Subscribe(int) (<-chan policy.Event, func()) {
	ch := make(chan policy.Event)
	return ch, func() {}
}

func (f *fakePolicy) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.proposals)
}

func (f *fakePolicy) Counts() map[policy.State]int { return map[policy.State]int{} }

type fakePublisher struct {
	mu       sync.Mutex
	alerts   []string
	statuses []Status
}

func (f *fakePublisher) PublishAlert(a *model.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a.RuleID)
	return nil
}

func (f *fakePublisher) PublishDecision(policy.Event) error { return nil }

func (f *fakePublisher) PublishStatus(status any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := status.(Status); ok {
		f.statuses = append(f.statuses, st)
	}
	return nil
}

type failingSink struct {
	mu    sync.Mutex
	calls int
	panic bool
}

func (s *failingSink) Name() string { return "failing" }
func (s *failingSink) PutAlert(context.Context, *model.Alert) error {
	return errors.New("disk full")
}
func (s *failingSink) PutFlow(context.Context, *model.NormalizedFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.panic {
		panic("corrupt sink state")
	}
	return errors.New("disk full")
}
func (s *failingSink) Close() error { return nil }

type harness struct {
	p       *Pipeline
	store   *store.MemoryStore
	policy  *fakePolicy
	pub     *fakePublisher
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config, ncfg normalizer.Config, ruleText string, sink store.Sink) *harness {
	t.Helper()
	logger := testLogger()

	engine := rules.NewEngine(logger, 4)
	if ruleText != "" {
		res := engine.Import(rules.Source{Name: "test.rules", Text: ruleText})
		require.True(t, res.Accepted, "%v", res.Errors)
	}
	h := &harness{
		store:   store.NewMemoryStore(100, 100, 0),
		policy:  &fakePolicy{escalate: map[string]bool{detect.RulePortScan: true}},
		pub:     &fakePublisher{},
		metrics: metrics.NewMetrics(),
	}
	h.p = New(cfg, Deps{
		Normalizer: normalizer.New(ncfg, normalizer.NewLocalAddrs(netip.MustParseAddr("192.168.1.20")), logger, nil),
		Engine:     engine,
		Detectors:  detect.NewSet(detect.DefaultConfig(), logger),
		Policy:     h.policy,
		Store:      h.store,
		Sink:       sink,
		Publisher:  h.pub,
		Metrics:    h.metrics,
		Logger:     logger,
	})
	return h
}

// replay submits events, closes input and waits for Run to return
func (h *harness) replay(t *testing.T, events ...*model.FlowEvent) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.p.Run(context.Background()) }()

	for _, ev := range events {
		require.NoError(t, h.p.Submit(context.Background(), ev))
	}
	h.p.CloseInput()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
		return nil
	}
}

func listenEvent() *model.FlowEvent {
	return &model.FlowEvent{
		TsFirst: t0,
		TsLast:  t0,
		Proto:   model.ProtoTCP,
		SrcIP:   netip.IPv4Unspecified(),
		DstIP:   netip.IPv4Unspecified(),
		DstPort: 8080,
		State:   model.StateListen,
		Packets: 1,
		Process: &model.ProcessIdentity{PID: 666, Name: "malware", ExePath: "/tmp/malware"},
	}
}

func scanEvents(n int) []*model.FlowEvent {
	var out []*model.FlowEvent
	for i := 0; i < n; i++ {
		ts := t0.Add(time.Duration(i) * time.Second)
		out = append(out, &model.FlowEvent{
			TsFirst: ts,
			TsLast:  ts,
			Proto:   model.ProtoTCP,
			SrcIP:   netip.MustParseAddr("192.168.1.66"),
			SrcPort: 40000,
			DstIP:   netip.MustParseAddr("192.168.1.20"),
			DstPort: uint16(2000 + i),
			State:   model.StateSynSent,
			Packets: 1,
		})
	}
	return out
}

func ruleIDs(alerts []*model.Alert) []string {
	var ids []string
	for _, a := range alerts {
		ids = append(ids, a.RuleID)
	}
	return ids
}

func TestPipeline_RuleQuarantineProposed(t *testing.T) {
	h := newHarness(t, DefaultConfig(), normalizer.DefaultConfig(), quarantineRule, nil)
	require.NoError(t, h.replay(t, listenEvent()))

	alerts := h.store.GetAlerts(store.AlertFilter{RuleID: "listener-unexpected"})
	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, model.SeverityHigh, a.Severity)
	assert.Equal(t, "malware(666)", a.ProcessRef)

	require.Len(t, h.policy.proposals, 1)
	q := h.policy.proposals[0]
	assert.Equal(t, a.ID, q.AlertID)
	assert.Equal(t, 300*time.Second, q.Duration)
	assert.Equal(t, model.TargetProcess, q.Target.Kind)

	assert.Contains(t, h.pub.alerts, "listener-unexpected")
	st := h.p.Status()
	assert.Equal(t, uint64(1), st.Submitted)
	assert.Equal(t, uint64(1), st.Processed)
	assert.Equal(t, uint64(1), st.Proposals)
	assert.False(t, st.Running)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FlowsEmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsIngested))
}

func TestPipeline_DetectorEscalation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 3
	h := newHarness(t, cfg, normalizer.DefaultConfig(), "", nil)
	require.NoError(t, h.replay(t, scanEvents(12)...))

	assert.Contains(t, ruleIDs(h.store.GetAlerts(store.AlertFilter{})), detect.RulePortScan)
	assert.Equal(t, []string{detect.RulePortScan}, h.policy.escalations)
	assert.Equal(t, uint64(12), h.p.Status().Processed)
}

func TestPipeline_DeterministicReplay(t *testing.T) {
	run := func() []string {
		h := newHarness(t, DefaultConfig(), normalizer.DefaultConfig(), quarantineRule, nil)
		events := append(scanEvents(12), listenEvent())
		require.NoError(t, h.replay(t, events...))
		var ids []string
		for _, a := range h.store.GetAlerts(store.AlertFilter{}) {
			ids = append(ids, a.ID)
		}
		return ids
	}
	first := run()
	second := run()
	assert.NotEmpty(t, first)
	assert.ElementsMatch(t, first, second)
}

func TestPipeline_DegradeSignalled(t *testing.T) {
	ncfg := normalizer.DefaultConfig()
	ncfg.IngestCeiling = 1
	ncfg.DegradeHold = time.Hour
	h := newHarness(t, DefaultConfig(), ncfg, "", nil)

	events := scanEvents(5)
	for _, ev := range events {
		ev.Process = &model.ProcessIdentity{PID: 10, Name: "scanner"}
	}
	require.NoError(t, h.replay(t, events...))

	st := h.p.Status()
	assert.True(t, st.Degraded)
	assert.Equal(t, "ingest_ceiling", st.DegradeReason)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Degraded))

	require.Eventually(t, func() bool {
		h.pub.mu.Lock()
		defer h.pub.mu.Unlock()
		return len(h.pub.statuses) > 0 && h.pub.statuses[0].Degraded
	}, time.Second, 5*time.Millisecond)

	degraded := 0
	for _, f := range h.store.GetFlows(0) {
		if f.Degraded {
			degraded++
			assert.Nil(t, f.Process)
		}
	}
	assert.Positive(t, degraded)
}

func TestPipeline_SinkFailureContained(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SinkRetries = 1
	sink := &failingSink{}
	h := newHarness(t, cfg, normalizer.DefaultConfig(), quarantineRule, sink)
	require.NoError(t, h.replay(t, listenEvent()))

	assert.Len(t, h.store.GetAlerts(store.AlertFilter{RuleID: "listener-unexpected"}), 1)
	assert.Equal(t, 2, sink.calls)
	assert.Positive(t, h.p.Status().SinkFailures)
	assert.Positive(t, testutil.ToFloat64(h.metrics.SinkErrors.WithLabelValues("flow")))
}

func TestPipeline_StageFailureIsFatal(t *testing.T) {
	sink := &failingSink{panic: true}
	h := newHarness(t, DefaultConfig(), normalizer.DefaultConfig(), "", sink)
	err := h.replay(t, listenEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt sink state")
}

func TestPipeline_FatalStageHaltsIntake(t *testing.T) {
	sink := &failingSink{panic: true}
	h := newHarness(t, DefaultConfig(), normalizer.DefaultConfig(), "", sink)
	done := make(chan error, 1)
	go func() { done <- h.p.Run(context.Background()) }()

	// the state transition closes the first window straight away
	first := scanEvents(1)[0]
	next := *first
	next.State = model.StateEstablished
	ctx := context.Background()
	require.NoError(t, h.p.Submit(ctx, first))
	require.NoError(t, h.p.Submit(ctx, &next))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "corrupt sink state")
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not halt")
	}

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, h.p.Submit(ctx, listenEvent()), ErrStopped)
	}
	st := h.p.Status()
	assert.False(t, st.Running)
	assert.Equal(t, uint64(2), st.Submitted)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.EventsIngested))
}

func TestPipeline_ShedWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	cfg.ShedWhenFull = true
	h := newHarness(t, cfg, normalizer.DefaultConfig(), "", nil)

	ctx := context.Background()
	for _, ev := range scanEvents(3) {
		require.NoError(t, h.p.Submit(ctx, ev))
	}
	st := h.p.Status()
	assert.Equal(t, uint64(1), st.Submitted)
	assert.Equal(t, uint64(2), st.Shed)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.EventsShed))

	h.p.CloseInput()
	assert.ErrorIs(t, h.p.Submit(ctx, listenEvent()), ErrStopped)
}

func TestPipeline_SubmitBlocksUntilCancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	h := newHarness(t, cfg, normalizer.DefaultConfig(), "", nil)

	require.NoError(t, h.p.Submit(context.Background(), listenEvent()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.p.Submit(ctx, listenEvent()), context.DeadlineExceeded)
}

func TestPipeline_SubscribeAlerts(t *testing.T) {
	h := newHarness(t, DefaultConfig(), normalizer.DefaultConfig(), quarantineRule, nil)
	alerts, cancel := h.p.SubscribeAlerts(16)
	defer cancel()

	require.NoError(t, h.replay(t, listenEvent()))

	var got []string
	for len(alerts) > 0 {
		got = append(got, (<-alerts).RuleID)
	}
	assert.Contains(t, got, "listener-unexpected")
}

func TestPipeline_RunTwice(t *testing.T) {
	h := newHarness(t, DefaultConfig(), normalizer.DefaultConfig(), quarantineRule, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx) }()

	require.Eventually(t, func() bool { return h.p.Status().Running }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.p.Run(ctx), ErrAlreadyRunning)
	assert.True(t, h.p.Ready())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop on cancel")
	}
}
