package policy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/nets/internal/model"
)

type fakeTimer struct {
	clock   *fakeClock
	when    time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, when: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due callbacks on the caller's goroutine
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.when.After(c.now) {
				t.fired = true
				due = append(due, t)
			}
		}
		c.mu.Unlock()
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].when.Before(due[j].when) })
		for _, t := range due {
			t.f()
		}
	}
}

// Pending returns the number of armed timers
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type flakyEnforcer struct {
	mu       sync.Mutex
	failures int
	applied  int
	removed  int
	active   map[string]bool
}

func newFlakyEnforcer(failures int) *flakyEnforcer {
	return &flakyEnforcer{failures: failures, active: make(map[string]bool)}
}

func (f *flakyEnforcer) Name() string { return "flaky" }

func (f *flakyEnforcer) Apply(_ context.Context, d *Decision) (*Enforcement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("firewall busy")
	}
	id := "rule-" + d.ID
	f.active[id] = true
	return &Enforcement{Backend: f.Name(), RuleIDs: []string{id}}, nil
}

func (f *flakyEnforcer) Remove(_ context.Context, e *Enforcement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
	for _, id := range e.RuleIDs {
		delete(f.active, id)
	}
	return nil
}

func (f *flakyEnforcer) counts() (applied, removed, active int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied, f.removed, len(f.active)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRequest(pid int32) model.QuarantineRequest {
	key := model.FlowKey{
		Proto:   model.ProtoTCP,
		SrcIP:   netip.MustParseAddr("192.168.1.20"),
		SrcPort: 50122,
		DstIP:   netip.MustParseAddr("203.0.113.9"),
		DstPort: 4444,
	}
	return model.QuarantineRequest{
		AlertID:  "alert-1",
		RuleID:   "c2-beacon",
		Target:   model.Target{Kind: model.TargetProcess, PID: pid, Name: "beacon", Path: "/tmp/beacon", Flow: &key},
		Duration: 300 * time.Second,
	}
}

func newTestManager(t *testing.T, cfg Config, enf Enforcer) (*Manager, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	m := NewManager(cfg, enf, clock, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m, clock
}

func waitState(t *testing.T, m *Manager, id string, want State) Decision {
	t.Helper()
	var d Decision
	require.Eventually(t, func() bool {
		var err error
		d, err = m.Get(id)
		return err == nil && d.State == want
	}, 2*time.Second, 5*time.Millisecond, "decision never reached %s", want)
	return d
}

func states(d Decision) []State {
	out := make([]State, 0, len(d.History))
	for _, tr := range d.History {
		out = append(out, tr.To)
	}
	return out
}

func TestManager_ConfirmThenApply(t *testing.T) {
	enf := newFlakyEnforcer(0)
	m, _ := newTestManager(t, DefaultConfig(), enf)

	d, err := m.Propose(testRequest(4242), "quarantine action")
	require.NoError(t, err)
	assert.Equal(t, StateProposed, d.State)
	assert.Equal(t, "alert-1", d.AlertID)

	applied, _, _ := enf.counts()
	assert.Zero(t, applied, "nothing is enforced before confirmation")

	require.NoError(t, m.Confirm(d.ID, "admin"))
	got := waitState(t, m, d.ID, StateApplied)

	assert.Equal(t, []State{StateProposed, StateConfirmed, StateApplied}, states(got))
	require.NotNil(t, got.Enforcement)
	assert.Equal(t, []string{"rule-" + d.ID}, got.Enforcement.RuleIDs)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, 1, got.Attempts)
}

func TestManager_ConfirmTimeout(t *testing.T) {
	enf := newFlakyEnforcer(0)
	m, clock := newTestManager(t, DefaultConfig(), enf)

	d, err := m.Propose(testRequest(4242), "")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	got, err := m.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, StateProposed, got.State)

	clock.Advance(time.Minute)
	got, err = m.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, got.State)
	assert.Equal(t, ReasonTimeout, got.Reason)

	var te *TransitionError
	require.ErrorAs(t, m.Confirm(d.ID, "admin"), &te)
	assert.Equal(t, StateRejected, te.From)

	applied, _, _ := enf.counts()
	assert.Zero(t, applied)
}

func TestManager_ConfirmStopsTimeout(t *testing.T) {
	m, clock := newTestManager(t, DefaultConfig(), newFlakyEnforcer(0))

	d, err := m.Propose(testRequest(1), "")
	require.NoError(t, err)
	require.NoError(t, m.Confirm(d.ID, "admin"))
	waitState(t, m, d.ID, StateApplied)

	clock.Advance(2 * time.Minute)
	got, err := m.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, StateApplied, got.State)
}

func TestManager_ExpiryRemovesEnforcement(t *testing.T) {
	enf := newFlakyEnforcer(0)
	m, clock := newTestManager(t, DefaultConfig(), enf)

	d, err := m.Propose(testRequest(4242), "")
	require.NoError(t, err)
	require.NoError(t, m.Confirm(d.ID, "admin"))
	waitState(t, m, d.ID, StateApplied)

	clock.Advance(299 * time.Second)
	_, _, active := enf.counts()
	assert.Equal(t, 1, active)

	clock.Advance(time.Second)
	got := waitState(t, m, d.ID, StateExpired)
	assert.Equal(t, ReasonTTLExpired, got.Reason)

	_, removed, active := enf.counts()
	assert.Equal(t, 1, removed)
	assert.Zero(t, active)
}

func TestManager_RollbackIdempotent(t *testing.T) {
	enf := newFlakyEnforcer(0)
	m, clock := newTestManager(t, DefaultConfig(), enf)

	d, err := m.Propose(testRequest(4242), "")
	require.NoError(t, err)
	require.NoError(t, m.Confirm(d.ID, "admin"))
	waitState(t, m, d.ID, StateApplied)

	require.NoError(t, m.Rollback(context.Background(), d.ID, "admin"))
	got, err := m.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRolledBack, got.State)

	require.NoError(t, m.Rollback(context.Background(), d.ID, "admin"))

	// the expiry timer must not fire a second removal
	clock.Advance(10 * time.Minute)
	_, removed, active := enf.counts()
	assert.Equal(t, 1, removed)
	assert.Zero(t, active)

	assert.ErrorIs(t, m.Rollback(context.Background(), "missing", "admin"), ErrNotFound)
}

func TestManager_RollbackRequiresApplied(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig(), newFlakyEnforcer(0))

	d, err := m.Propose(testRequest(4242), "")
	require.NoError(t, err)

	var te *TransitionError
	require.ErrorAs(t, m.Rollback(context.Background(), d.ID, "admin"), &te)
	assert.Equal(t, StateProposed, te.From)
}

func TestManager_RetryThenApply(t *testing.T) {
	enf := newFlakyEnforcer(2)
	m, clock := newTestManager(t, DefaultConfig(), enf)

	d, err := m.Propose(testRequest(4242), "")
	require.NoError(t, err)
	require.NoError(t, m.Confirm(d.ID, "admin"))

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		got, _ := m.Get(d.ID)
		return got.State == StateApplied
	}, 2*time.Second, 5*time.Millisecond)

	got, err := m.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.Empty(t, got.LastError)
}

func TestManager_RetriesExhausted(t *testing.T) {
	enf := newFlakyEnforcer(100)
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	m, clock := newTestManager(t, cfg, enf)

	d, err := m.Propose(testRequest(4242), "")
	require.NoError(t, err)
	require.NoError(t, m.Confirm(d.ID, "admin"))

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		got, _ := m.Get(d.ID)
		return got.State == StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	got, err := m.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, ReasonRetriesExhausted, got.Reason)
	assert.Equal(t, 3, got.Attempts)
	assert.Contains(t, got.LastError, "firewall busy")

	applied, _, _ := enf.counts()
	assert.Equal(t, 3, applied)
}

func TestManager_Cancel(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig(), newFlakyEnforcer(0))

	d, err := m.Propose(testRequest(4242), "")
	require.NoError(t, err)
	require.NoError(t, m.Cancel(d.ID, "admin"))

	got, err := m.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, got.State)
	assert.Equal(t, ReasonCancelled, got.Reason)

	var te *TransitionError
	assert.ErrorAs(t, m.Cancel(d.ID, "admin"), &te)
	assert.ErrorIs(t, m.Cancel("missing", "admin"), ErrNotFound)
}

func TestManager_CancelDuringRetry(t *testing.T) {
	enf := newFlakyEnforcer(100)
	m, _ := newTestManager(t, DefaultConfig(), enf)

	d, err := m.Propose(testRequest(4242), "")
	require.NoError(t, err)
	require.NoError(t, m.Confirm(d.ID, "admin"))

	require.Eventually(t, func() bool {
		applied, _, _ := enf.counts()
		return applied >= 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Cancel(d.ID, "admin"))
	got, err := m.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, got.State)
	assert.Equal(t, []State{StateProposed, StateConfirmed, StateRejected}, states(got))
}

func TestManager_DuplicateTarget(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig(), newFlakyEnforcer(0))

	first, err := m.Propose(testRequest(4242), "")
	require.NoError(t, err)
	second, err := m.Propose(testRequest(4242), "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := m.Propose(testRequest(5151), "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 2, m.Pending())
}

func TestManager_Capacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPending = 2
	m, _ := newTestManager(t, cfg, newFlakyEnforcer(0))

	for pid := int32(1); pid <= 2; pid++ {
		_, err := m.Propose(testRequest(pid), "")
		require.NoError(t, err)
	}
	_, err := m.Propose(testRequest(3), "")
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestManager_AutoConfirm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoConfirm = []string{"c2-beacon"}
	m, _ := newTestManager(t, cfg, newFlakyEnforcer(0))

	d, err := m.Propose(testRequest(4242), "")
	require.NoError(t, err)
	got := waitState(t, m, d.ID, StateApplied)
	assert.Equal(t, ReasonAutoPolicy, got.History[1].Reason)
	assert.Equal(t, "policy", got.History[1].Actor)
}

func TestManager_Escalate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Escalations = map[string]time.Duration{"builtin.port_scan": 10 * time.Minute}
	m, _ := newTestManager(t, cfg, newFlakyEnforcer(0))

	f := &model.NormalizedFlow{
		Key: model.FlowKey{
			Proto:   model.ProtoTCP,
			SrcIP:   netip.MustParseAddr("192.168.1.66"),
			SrcPort: 40000,
			DstIP:   netip.MustParseAddr("192.168.1.10"),
			DstPort: 22,
		},
	}
	alert := &model.Alert{ID: "a-1", RuleID: "builtin.port_scan", Summary: "scan"}

	d, ok, err := m.Escalate(alert, f)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateProposed, d.State)
	assert.Equal(t, model.TargetConnection, d.Target.Kind)
	assert.Equal(t, 10*time.Minute, d.RequestedDuration)
	assert.Equal(t, ReasonDetectorEscalated, d.History[0].Reason)

	_, ok, err = m.Escalate(&model.Alert{ID: "a-2", RuleID: "builtin.suspicious_dns"}, f)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_Subscribe(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig(), newFlakyEnforcer(0))
	events, cancel := m.Subscribe(16)
	defer cancel()

	d, err := m.Propose(testRequest(4242), "")
	require.NoError(t, err)
	require.NoError(t, m.Reject(d.ID, "admin"))

	var got []State
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			assert.Equal(t, d.ID, ev.Decision.ID)
			got = append(got, ev.Transition.To)
		case <-time.After(time.Second):
			t.Fatal("missing decision event")
		}
	}
	assert.Equal(t, []State{StateProposed, StateRejected}, got)
}

func TestManager_ListAndCounts(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig(), newFlakyEnforcer(0))

	a, err := m.Propose(testRequest(1), "")
	require.NoError(t, err)
	_, err = m.Propose(testRequest(2), "")
	require.NoError(t, err)
	require.NoError(t, m.Reject(a.ID, "admin"))

	assert.Len(t, m.List(""), 2)
	rejected := m.List(StateRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, a.ID, rejected[0].ID)

	counts := m.Counts()
	assert.Equal(t, 1, counts[StateRejected])
	assert.Equal(t, 1, counts[StateProposed])
}

func TestManager_StopRejectsProposals(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig(), newFlakyEnforcer(0))
	require.NoError(t, m.Stop(context.Background()))
	_, err := m.Propose(testRequest(1), "")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateProposed, StateConfirmed))
	assert.True(t, CanTransition(StateConfirmed, StateApplied))
	assert.False(t, CanTransition(StateProposed, StateApplied))
	assert.False(t, CanTransition(StateRejected, StateConfirmed))
	assert.True(t, StateExpired.Terminal())
	assert.False(t, StateApplied.Terminal())
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	fail  func(args []string) (string, error)
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	if r.fail != nil {
		out, err := r.fail(args)
		return []byte(out), err
	}
	return nil, nil
}

func TestIptablesEnforcer_ApplyRemove(t *testing.T) {
	runner := &fakeRunner{}
	enf := NewIptablesEnforcer(runner, "iptables", testLogger())
	req := testRequest(4242)
	d := &Decision{ID: "d1", Target: req.Target}

	e, err := enf.Apply(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, e.Specs, 2)
	assert.Equal(t, []string{"nets:d1/0", "nets:d1/1"}, e.RuleIDs)
	assert.Equal(t,
		"iptables -I OUTPUT -p tcp -d 203.0.113.9 --dport 4444 -m comment --comment nets:d1 -j DROP",
		runner.calls[0])
	assert.Equal(t,
		"iptables -I INPUT -p tcp -s 203.0.113.9 --sport 4444 -m comment --comment nets:d1 -j DROP",
		runner.calls[1])

	require.NoError(t, enf.Remove(context.Background(), e))
	assert.True(t, strings.HasPrefix(runner.calls[2], "iptables -D OUTPUT"))
	assert.True(t, strings.HasPrefix(runner.calls[3], "iptables -D INPUT"))
}

func TestIptablesEnforcer_RemoveAlreadyGone(t *testing.T) {
	runner := &fakeRunner{fail: func(args []string) (string, error) {
		return "iptables: Bad rule (does a matching rule exist in that chain?).", errors.New("exit status 1")
	}}
	enf := NewIptablesEnforcer(runner, "iptables", testLogger())
	e := &Enforcement{Specs: [][]string{{"INPUT", "-p", "tcp", "-j", "DROP"}}}
	assert.NoError(t, enf.Remove(context.Background(), e))
}

func TestIptablesEnforcer_PartialFailureUndone(t *testing.T) {
	runner := &fakeRunner{fail: func(args []string) (string, error) {
		if args[0] == "-I" && args[1] == "INPUT" {
			return "iptables: permission denied", errors.New("exit status 4")
		}
		return "", nil
	}}
	enf := NewIptablesEnforcer(runner, "iptables", testLogger())
	req := testRequest(4242)

	_, err := enf.Apply(context.Background(), &Decision{ID: "d2", Target: req.Target})
	require.Error(t, err)
	require.Len(t, runner.calls, 3)
	assert.True(t, strings.HasPrefix(runner.calls[2], "iptables -D OUTPUT"))
}

func TestIptablesEnforcer_Listener(t *testing.T) {
	runner := &fakeRunner{}
	enf := NewIptablesEnforcer(runner, "iptables", testLogger())
	key := model.FlowKey{Proto: model.ProtoTCP, SrcIP: netip.MustParseAddr("0.0.0.0"), SrcPort: 0, DstIP: netip.IPv4Unspecified(), DstPort: 31337}
	d := &Decision{ID: "d3", Target: model.Target{Kind: model.TargetConnection, Flow: &key}}

	e, err := enf.Apply(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, e.Specs, 1)
	assert.Equal(t, "iptables -I INPUT -p tcp --dport 31337 -m comment --comment nets:d3 -j DROP", runner.calls[0])
}

func TestIptablesEnforcer_InboundBlocksRemotePeer(t *testing.T) {
	runner := &fakeRunner{}
	enf := NewIptablesEnforcer(runner, "iptables", testLogger())
	f := &model.NormalizedFlow{
		Key: model.FlowKey{
			Proto:   model.ProtoTCP,
			SrcIP:   netip.MustParseAddr("192.168.1.66"),
			SrcPort: 40000,
			DstIP:   netip.MustParseAddr("192.168.1.20"),
			DstPort: 22,
		},
		RemoteSrc: true,
	}
	d := &Decision{ID: "d4", Target: model.TargetForFlow(f)}

	e, err := enf.Apply(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, e.Specs, 2)
	assert.Equal(t,
		"iptables -I OUTPUT -p tcp -d 192.168.1.66 --sport 22 -m comment --comment nets:d4 -j DROP",
		runner.calls[0])
	assert.Equal(t,
		"iptables -I INPUT -p tcp -s 192.168.1.66 --dport 22 -m comment --comment nets:d4 -j DROP",
		runner.calls[1])
	for _, call := range runner.calls {
		assert.NotContains(t, call, "192.168.1.20")
	}
}

func TestNoopEnforcer(t *testing.T) {
	enf := NewNoopEnforcer(testLogger())
	e, err := enf.Apply(context.Background(), &Decision{ID: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, enf.Active())
	require.NoError(t, enf.Remove(context.Background(), e))
	require.NoError(t, enf.Remove(context.Background(), e))
	assert.Zero(t, enf.Active())
}
