package policy

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"aegisflux/nets/internal/model"
)

// Config controls confirmation, enforcement retries and retention
type Config struct {
	ConfirmTimeout time.Duration            `yaml:"confirm_timeout"`
	ApplyTimeout   time.Duration            `yaml:"apply_timeout"`
	MaxRetries     int                      `yaml:"max_retries"`
	RetryBackoff   time.Duration            `yaml:"retry_backoff"`
	MaxBackoff     time.Duration            `yaml:"max_backoff"`
	MaxPending     int                      `yaml:"max_pending"`
	MaxHistory     int                      `yaml:"max_history"`
	AutoConfirm    []string                 `yaml:"auto_confirm"`
	Escalations    map[string]time.Duration `yaml:"escalations"`
}

// DefaultConfig returns the stock policy settings
func DefaultConfig() Config {
	return Config{
		ConfirmTimeout: 2 * time.Minute,
		ApplyTimeout:   10 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		MaxPending:     256,
		MaxHistory:     1024,
	}
}

type record struct {
	d        *Decision
	timer    Timer
	cancel   context.CancelFunc
	canceled bool
}

type subscriber struct {
	ch      chan Event
	dropped int
}

// Manager owns every QuarantineDecision. Confirmation waits and
// enforcement run on timers and goroutines of their own, never on the
// caller's flow-processing path.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	clock    Clock
	enforcer Enforcer
	auto     map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	live     map[string]*record
	byTarget map[string]string
	done     *simplelru.LRU[string, *Decision]
	subs     []*subscriber
	stopped  bool
}

// NewManager creates a decision manager
func NewManager(cfg Config, enforcer Enforcer, clock Clock, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = def.ApplyTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = cfg.RetryBackoff
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	if clock == nil {
		clock = RealClock()
	}

	auto := make(map[string]bool, len(cfg.AutoConfirm))
	for _, id := range cfg.AutoConfirm {
		auto[id] = true
	}
	done, _ := simplelru.NewLRU[string, *Decision](cfg.MaxHistory, nil)
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:      cfg,
		logger:   logger.With("component", "policy"),
		clock:    clock,
		enforcer: enforcer,
		auto:     auto,
		ctx:      ctx,
		cancel:   cancel,
		live:     make(map[string]*record),
		byTarget: make(map[string]string),
		done:     done,
	}
}

// Propose registers a new decision in Proposed state. A target that
// already has a live decision gets that decision back instead.
func (m *Manager) Propose(req model.QuarantineRequest, reason string) (Decision, error) {
	m.mu.Lock()

	if m.stopped {
		m.mu.Unlock()
		return Decision{}, ErrStopped
	}
	targetKey := req.Target.Key()
	if id, ok := m.byTarget[targetKey]; ok {
		d := m.live[id].d.clone()
		m.mu.Unlock()
		return d, nil
	}
	if m.pendingLocked() >= m.cfg.MaxPending {
		m.mu.Unlock()
		m.logger.Warn("Decision capacity reached", "rule_id", req.RuleID, "max_pending", m.cfg.MaxPending)
		return Decision{}, ErrCapacity
	}

	now := m.clock.Now()
	d := &Decision{
		ID:                uuid.NewString(),
		Ts:                now,
		UpdatedAt:         now,
		Target:            req.Target,
		RequestedDuration: req.Duration,
		State:             StateProposed,
		AlertID:           req.AlertID,
		RuleID:            req.RuleID,
	}
	tr := Transition{To: StateProposed, At: now, Reason: reason}
	d.History = append(d.History, tr)

	rec := &record{d: d}
	m.live[d.ID] = rec
	m.byTarget[targetKey] = d.ID
	id := d.ID
	rec.timer = m.clock.AfterFunc(m.cfg.ConfirmTimeout, func() { m.timeout(id) })

	snapshot := d.clone()
	m.publishLocked(snapshot, tr)
	autoConfirm := m.auto[req.RuleID]
	m.mu.Unlock()

	m.logger.Info("Quarantine proposed",
		"decision_id", id,
		"rule_id", req.RuleID,
		"alert_id", req.AlertID,
		"target", targetKey,
		"duration", req.Duration)

	if autoConfirm {
		if err := m.confirm(id, "policy", ReasonAutoPolicy); err != nil {
			return snapshot, err
		}
		return m.Get(id)
	}
	return snapshot, nil
}

// Escalate proposes a quarantine for a detector alert when an escalation
// rule exists for its rule id
func (m *Manager) Escalate(alert *model.Alert, f *model.NormalizedFlow) (Decision, bool, error) {
	dur, ok := m.cfg.Escalations[alert.RuleID]
	if !ok {
		return Decision{}, false, nil
	}
	d, err := m.Propose(model.QuarantineRequest{
		AlertID:  alert.ID,
		RuleID:   alert.RuleID,
		Ts:       alert.Ts,
		Target:   model.TargetForFlow(f),
		Duration: dur,
		Reason:   alert.Summary,
	}, ReasonDetectorEscalated)
	return d, err == nil, err
}

// Confirm accepts a Proposed decision and starts enforcement
func (m *Manager) Confirm(id, actor string) error {
	return m.confirm(id, actor, ReasonOperator)
}

func (m *Manager) confirm(id, actor, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	rec, err := m.recordLocked(id, StateConfirmed)
	if err != nil {
		return err
	}
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	m.transitionLocked(rec, StateConfirmed, reason, actor)

	ctx, cancel := context.WithCancel(m.ctx)
	rec.cancel = cancel
	snapshot := rec.d.clone()
	m.wg.Add(1)
	go m.apply(ctx, snapshot)
	return nil
}

// Reject declines a Proposed or Confirmed decision
func (m *Manager) Reject(id, actor string) error {
	return m.withdraw(id, ReasonOperator, actor)
}

// Cancel withdraws a decision before it is Applied. An enforcement that
// completes after cancellation is removed again.
func (m *Manager) Cancel(id, actor string) error {
	return m.withdraw(id, ReasonCancelled, actor)
}

func (m *Manager) withdraw(id, reason, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.recordLocked(id, StateRejected)
	if err != nil {
		return err
	}
	rec.canceled = true
	if rec.cancel != nil {
		rec.cancel()
	}
	m.finishLocked(rec, StateRejected, reason, actor)
	return nil
}

// Rollback reverses an Applied decision. Rolling back a decision that is
// already Expired or RolledBack is a no-op.
func (m *Manager) Rollback(ctx context.Context, id, actor string) error {
	m.mu.Lock()
	rec, ok := m.live[id]
	if !ok {
		d, found := m.done.Get(id)
		m.mu.Unlock()
		if found && (d.State == StateRolledBack || d.State == StateExpired) {
			return nil
		}
		if found {
			return &TransitionError{ID: id, From: d.State, To: StateRolledBack}
		}
		return ErrNotFound
	}
	if rec.d.State != StateApplied {
		m.mu.Unlock()
		return &TransitionError{ID: id, From: rec.d.State, To: StateRolledBack}
	}
	enf := rec.d.Enforcement
	m.mu.Unlock()

	if err := m.remove(ctx, id, enf); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.live[id]; ok && rec.d.State == StateApplied {
		m.finishLocked(rec, StateRolledBack, ReasonManualRollback, actor)
	}
	return nil
}

// Get returns a snapshot of one decision
func (m *Manager) Get(id string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.live[id]; ok {
		return rec.d.clone(), nil
	}
	if d, ok := m.done.Peek(id); ok {
		return d.clone(), nil
	}
	return Decision{}, ErrNotFound
}

// List returns decisions, newest first, optionally filtered by state
func (m *Manager) List(state State) []Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Decision
	for _, rec := range m.live {
		if state == "" || rec.d.State == state {
			out = append(out, rec.d.clone())
		}
	}
	for _, id := range m.done.Keys() {
		if d, ok := m.done.Peek(id); ok && (state == "" || d.State == state) {
			out = append(out, d.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Ts.Equal(out[j].Ts) {
			return out[i].Ts.After(out[j].Ts)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Pending returns the number of decisions awaiting confirmation
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked()
}

// Counts returns the number of known decisions per state
func (m *Manager) Counts() map[State]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[State]int)
	for _, rec := range m.live {
		out[rec.d.State]++
	}
	for _, id := range m.done.Keys() {
		if d, ok := m.done.Peek(id); ok {
			out[d.State]++
		}
	}
	return out
}

// Subscribe streams decision events. Slow subscribers lose events rather
// than blocking the manager.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subs {
				if s == sub {
					m.subs = append(m.subs[:i], m.subs[i+1:]...)
					close(sub.ch)
					return
				}
			}
		})
	}
}

// Stop cancels in-flight enforcement and stops every timer. Applied
// decisions are left in place.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	for _, rec := range m.live {
		if rec.timer != nil {
			rec.timer.Stop()
		}
	}
	m.mu.Unlock()
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		close(sub.ch)
	}
	m.subs = nil
	return nil
}

func (m *Manager) pendingLocked() int {
	n := 0
	for _, rec := range m.live {
		if rec.d.State == StateProposed || rec.d.State == StateConfirmed {
			n++
		}
	}
	return n
}

// recordLocked finds a live decision that may move to state `to`
func (m *Manager) recordLocked(id string, to State) (*record, error) {
	rec, ok := m.live[id]
	if !ok {
		if d, found := m.done.Peek(id); found {
			return nil, &TransitionError{ID: id, From: d.State, To: to}
		}
		return nil, ErrNotFound
	}
	if !CanTransition(rec.d.State, to) {
		return nil, &TransitionError{ID: id, From: rec.d.State, To: to}
	}
	return rec, nil
}

func (m *Manager) transitionLocked(rec *record, to State, reason, actor string) {
	now := m.clock.Now()
	tr := Transition{From: rec.d.State, To: to, At: now, Reason: reason, Actor: actor}
	rec.d.State = to
	rec.d.Reason = reason
	rec.d.UpdatedAt = now
	rec.d.History = append(rec.d.History, tr)

	m.logger.Info("Decision state changed",
		"decision_id", rec.d.ID,
		"from", tr.From,
		"to", to,
		"reason", reason)
	m.publishLocked(rec.d.clone(), tr)
}

// finishLocked moves a decision to a terminal state and retires it
func (m *Manager) finishLocked(rec *record, to State, reason, actor string) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	m.transitionLocked(rec, to, reason, actor)
	delete(m.live, rec.d.ID)
	if m.byTarget[rec.d.Target.Key()] == rec.d.ID {
		delete(m.byTarget, rec.d.Target.Key())
	}
	m.done.Add(rec.d.ID, rec.d)
}

func (m *Manager) publishLocked(d Decision, tr Transition) {
	ev := Event{Decision: d, Transition: tr}
	for _, sub := range m.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			m.logger.Warn("Decision subscriber is full, event dropped", "decision_id", d.ID, "dropped", sub.dropped)
		}
	}
}

func (m *Manager) timeout(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.live[id]
	if !ok || rec.d.State != StateProposed {
		return
	}
	rec.timer = nil
	m.finishLocked(rec, StateRejected, ReasonTimeout, "")
}

// apply runs the enforcer with bounded retries and exponential backoff
func (m *Manager) apply(ctx context.Context, d Decision) {
	defer m.wg.Done()

	backoff := m.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries+1; attempt++ {
		enf, err := m.applyOnce(ctx, &d)

		m.mu.Lock()
		rec, ok := m.live[d.ID]
		if !ok || rec.canceled || rec.d.State != StateConfirmed {
			m.mu.Unlock()
			if err == nil {
				m.logger.Info("Reversing enforcement completed after cancellation", "decision_id", d.ID)
				if rmErr := m.enforcer.Remove(context.Background(), enf); rmErr != nil {
					m.logger.Error("Failed to reverse cancelled enforcement", "decision_id", d.ID, "error", rmErr)
				}
			}
			return
		}
		rec.d.Attempts = attempt
		if err == nil {
			m.appliedLocked(rec, enf)
			m.mu.Unlock()
			return
		}
		lastErr = err
		rec.d.LastError = err.Error()
		m.mu.Unlock()

		m.logger.Warn("Enforcement attempt failed", "decision_id", d.ID, "attempt", attempt, "error", err)
		if attempt > m.cfg.MaxRetries {
			break
		}
		if !m.sleep(ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > m.cfg.MaxBackoff {
			backoff = m.cfg.MaxBackoff
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.live[d.ID]; ok && rec.d.State == StateConfirmed && !rec.canceled {
		ee := &EnforcementError{ID: d.ID, Attempts: rec.d.Attempts, Err: lastErr}
		rec.d.LastError = ee.Error()
		m.logger.Error("Quarantine enforcement failed", "decision_id", d.ID, "attempts", rec.d.Attempts, "error", lastErr)
		m.finishLocked(rec, StateFailed, ReasonRetriesExhausted, "")
	}
}

func (m *Manager) applyOnce(ctx context.Context, d *Decision) (*Enforcement, error) {
	actx, cancel := context.WithTimeout(ctx, m.cfg.ApplyTimeout)
	defer cancel()
	enf, err := m.enforcer.Apply(actx, d)
	if err == nil && enf == nil {
		err = errors.New("enforcer returned no enforcement record")
	}
	return enf, err
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	wake := make(chan struct{})
	t := m.clock.AfterFunc(d, func() { close(wake) })
	select {
	case <-wake:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}

func (m *Manager) appliedLocked(rec *record, enf *Enforcement) {
	rec.cancel = nil
	rec.d.Enforcement = enf
	rec.d.LastError = ""
	m.transitionLocked(rec, StateApplied, ReasonApplied, "")

	if rec.d.RequestedDuration > 0 {
		expires := m.clock.Now().Add(rec.d.RequestedDuration)
		rec.d.ExpiresAt = &expires
		id := rec.d.ID
		rec.timer = m.clock.AfterFunc(rec.d.RequestedDuration, func() { m.expire(id) })
	}
}

func (m *Manager) expire(id string) {
	m.mu.Lock()
	rec, ok := m.live[id]
	if !ok || rec.d.State != StateApplied {
		m.mu.Unlock()
		return
	}
	rec.timer = nil
	enf := rec.d.Enforcement
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ApplyTimeout)
	defer cancel()
	if err := m.remove(ctx, id, enf); err != nil {
		m.mu.Lock()
		if rec, ok := m.live[id]; ok && rec.d.State == StateApplied {
			rec.timer = m.clock.AfterFunc(m.cfg.MaxBackoff, func() { m.expire(id) })
		}
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.live[id]; ok && rec.d.State == StateApplied {
		m.finishLocked(rec, StateExpired, ReasonTTLExpired, "")
	}
}

// remove is the single removal path shared by expiry and rollback
func (m *Manager) remove(ctx context.Context, id string, enf *Enforcement) error {
	if enf == nil {
		return nil
	}
	if err := m.enforcer.Remove(ctx, enf); err != nil {
		m.mu.Lock()
		if rec, ok := m.live[id]; ok {
			rec.d.LastError = err.Error()
		}
		m.mu.Unlock()
		m.logger.Error("Failed to remove quarantine", "decision_id", id, "error", err)
		return &EnforcementError{ID: id, Attempts: 1, Err: err}
	}
	return nil
}
