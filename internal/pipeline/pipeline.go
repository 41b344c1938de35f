package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"aegisflux/nets/internal/detect"
	"aegisflux/nets/internal/metrics"
	"aegisflux/nets/internal/model"
	"aegisflux/nets/internal/normalizer"
	"aegisflux/nets/internal/policy"
	"aegisflux/nets/internal/rules"
	"aegisflux/nets/internal/store"
)

var (
	// ErrStopped is returned by Submit once input is closed
	ErrStopped = errors.New("pipeline stopped")
	// ErrAlreadyRunning is returned by a second Run call
	ErrAlreadyRunning = errors.New("pipeline already running")
)

// Config sizes queues, workers and periodic tasks
type Config struct {
	QueueSize      int
	Workers        int
	WorkerQueue    int
	FlushInterval  time.Duration
	SweepInterval  time.Duration
	StatusInterval time.Duration
	SinkRetries    int
	SinkTimeout    time.Duration
	// ShedWhenFull makes Submit drop events instead of blocking on a full
	// ingest queue
	ShedWhenFull bool
}

// DefaultConfig returns the stock pipeline settings
func DefaultConfig() Config {
	return Config{
		QueueSize:      8192,
		Workers:        4,
		WorkerQueue:    1024,
		FlushInterval:  time.Second,
		SweepInterval:  10 * time.Second,
		StatusInterval: 30 * time.Second,
		SinkRetries:    2,
		SinkTimeout:    5 * time.Second,
	}
}

// Policy receives quarantine proposals and detector escalations
type Policy interface {
	Propose(req model.QuarantineRequest, reason string) (policy.Decision, error)
	Escalate(alert *model.Alert, f *model.NormalizedFlow) (policy.Decision, bool, error)
	Subscribe(buffer int) (<-chan policy.Event, func())
	Pending() int
	Counts() map[policy.State]int
}

// Publisher pushes output to the presentation bus
type Publisher interface {
	PublishAlert(alert *model.Alert) error
	PublishDecision(ev policy.Event) error
	PublishStatus(status any) error
}

// Deps are the components the pipeline drives. Policy, Sink, Publisher
// and Metrics are optional.
type Deps struct {
	Normalizer *normalizer.Normalizer
	Engine     *rules.Engine
	Detectors  *detect.Set
	Policy     Policy
	Store      *store.MemoryStore
	Sink       store.Sink
	Publisher  Publisher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Pipeline moves events from collectors through normalization, rules and
// detectors to policy, storage and the bus. No stage blocks on a slow
// consumer beyond its queue bound.
type Pipeline struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	seed maphash.Seed

	ingest  chan *model.FlowEvent
	workers []chan *model.NormalizedFlow

	closeOnce sync.Once
	closed    chan struct{}
	inputMu   sync.RWMutex
	inputDone bool
	running   atomic.Bool
	haltOnce  sync.Once
	halted    chan struct{}

	degraded      atomic.Bool
	degradeReason atomic.Value
	startedAt     atomic.Value

	submitted atomic.Uint64
	shed      atomic.Uint64
	processed atomic.Uint64
	alerts    atomic.Uint64
	proposals atomic.Uint64
	sinkFails atomic.Uint64

	eventsLost atomic.Uint64
	flowsLost  atomic.Uint64

	subMu sync.Mutex
	subs  []chan *model.Alert
}

// New creates a pipeline; Run starts it
func New(cfg Config, deps Deps) *Pipeline {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.WorkerQueue <= 0 {
		cfg.WorkerQueue = def.WorkerQueue
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.SinkRetries < 0 {
		cfg.SinkRetries = 0
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = def.SinkTimeout
	}

	p := &Pipeline{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger.With("component", "pipeline"),
		seed:   maphash.MakeSeed(),
		ingest: make(chan *model.FlowEvent, cfg.QueueSize),
		closed: make(chan struct{}),
		halted: make(chan struct{}),
	}
	p.degradeReason.Store("")
	for i := 0; i < cfg.Workers; i++ {
		p.workers = append(p.workers, make(chan *model.NormalizedFlow, cfg.WorkerQueue))
	}
	deps.Normalizer.OnDegrade(p.onDegrade)
	if m := deps.Metrics; m != nil {
		if deps.Engine != nil {
			deps.Engine.OnRuntimeError(func(err *rules.RuntimeError) {
				m.RuleErrors.WithLabelValues(err.RuleID).Inc()
			})
		}
		if deps.Detectors != nil {
			deps.Detectors.OnPanic(func(detector string) {
				m.DetectorPanics.WithLabelValues(detector).Inc()
			})
		}
	}
	return p
}

// Submit enqueues one collector event. It blocks while the ingest queue is
// full unless ShedWhenFull is set, in which case the event is counted as
// shed and dropped.
func (p *Pipeline) Submit(ctx context.Context, ev *model.FlowEvent) error {
	p.inputMu.RLock()
	defer p.inputMu.RUnlock()
	if p.inputDone {
		return ErrStopped
	}

	select {
	case p.ingest <- ev:
		p.accepted()
		return nil
	default:
	}

	p.deps.Normalizer.SetPressure(true)
	if p.cfg.ShedWhenFull {
		p.shed.Add(1)
		if p.deps.Metrics != nil {
			p.deps.Metrics.EventsShed.Inc()
		}
		return nil
	}
	select {
	case p.ingest <- ev:
		p.accepted()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrStopped
	}
}

func (p *Pipeline) accepted() {
	p.submitted.Add(1)
	if p.deps.Metrics != nil {
		p.deps.Metrics.EventsIngested.Inc()
	}
}

// CloseInput signals that no more events will arrive. Run drains what is
// queued, flushes every open window and returns.
func (p *Pipeline) CloseInput() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.inputMu.Lock()
		p.inputDone = true
		close(p.ingest)
		p.inputMu.Unlock()
	})
}

// Run processes events until ctx is cancelled or input is closed and
// drained. A stage that fails unexpectedly halts the pipeline: input is
// closed, whatever could not be processed is counted as lost and Run
// returns the stage's error.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	p.startedAt.Store(time.Now())
	p.log.Info("Pipeline started", "workers", len(p.workers), "queue_size", p.cfg.QueueSize)

	fatal := make(chan error, len(p.workers)+3)
	var workersWG, auxWG sync.WaitGroup

	for i, ch := range p.workers {
		workersWG.Add(1)
		go func(name string, ch chan *model.NormalizedFlow) {
			defer workersWG.Done()
			p.guard(name, fatal, func() { p.work(ch) })
		}(fmt.Sprintf("worker-%d", i), ch)
	}

	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		p.guard("normalizer", fatal, func() { p.normalize(ctx) })
	}()

	auxCtx, stopAux := context.WithCancel(context.Background())
	auxWG.Add(1)
	go func() {
		defer auxWG.Done()
		p.guard("maintenance", fatal, func() { p.maintain(auxCtx) })
	}()
	if p.deps.Policy != nil && p.deps.Publisher != nil {
		auxWG.Add(1)
		go func() {
			defer auxWG.Done()
			p.guard("decisions", fatal, func() { p.forwardDecisions(auxCtx) })
		}()
	}

	workersDone := make(chan struct{})
	go func() {
		workersWG.Wait()
		close(workersDone)
	}()

	var runErr error
	select {
	case <-ingestDone:
	case runErr = <-fatal:
	}
	if runErr == nil {
		// the normalizer closed the worker queues on its way out
		select {
		case <-workersDone:
		case runErr = <-fatal:
		}
	}
	if runErr == nil {
		select {
		case runErr = <-fatal:
		default:
		}
	}

	if runErr != nil {
		p.halt()
		cancelRun()
		<-ingestDone
		<-workersDone
		for range p.ingest {
			p.eventsLost.Add(1)
		}
		for _, ch := range p.workers {
			for range ch {
				p.flowsLost.Add(1)
			}
		}
	}

	stopAux()
	auxWG.Wait()
	p.running.Store(false)

	if runErr != nil {
		p.log.Error("Pipeline failed",
			"error", runErr,
			"events_lost", p.eventsLost.Load(),
			"flows_lost", p.flowsLost.Load())
		return runErr
	}
	p.log.Info("Pipeline stopped", "flows", p.processed.Load(), "alerts", p.alerts.Load())
	return nil
}

// halt stops intake after a fatal stage failure. Submit returns ErrStopped
// from here on and flows bound for a dead worker are dropped and counted.
func (p *Pipeline) halt() {
	p.haltOnce.Do(func() { close(p.halted) })
	p.CloseInput()
}

// guard runs fn and reports a panic as fatal
func (p *Pipeline) guard(stage string, fatal chan<- error, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			fatal <- fmt.Errorf("pipeline stage %s panicked: %v", stage, r)
		}
	}()
	fn()
}

// normalize owns the normalizer: it folds events, flushes expired windows
// on a ticker and dispatches closed flows to workers
func (p *Pipeline) normalize(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	defer func() {
		for _, ch := range p.workers {
			close(ch)
		}
	}()

	for {
		select {
		case <-p.halted:
			return
		default:
		}
		select {
		case ev, ok := <-p.ingest:
			if !ok {
				p.dispatchAll(p.deps.Normalizer.FlushAll())
				return
			}
			p.dispatchAll(p.deps.Normalizer.Ingest(ev))
			p.relievePressure()
		case <-ticker.C:
			p.dispatchAll(p.deps.Normalizer.Flush())
			p.relievePressure()
		case <-ctx.Done():
			select {
			case <-p.halted:
			default:
				p.drain()
			}
			return
		}
	}
}

// drain folds whatever is still queued, then closes every window
func (p *Pipeline) drain() {
	for {
		select {
		case ev, ok := <-p.ingest:
			if !ok {
				p.dispatchAll(p.deps.Normalizer.FlushAll())
				return
			}
			p.dispatchAll(p.deps.Normalizer.Ingest(ev))
		default:
			p.dispatchAll(p.deps.Normalizer.FlushAll())
			return
		}
	}
}

func (p *Pipeline) relievePressure() {
	if len(p.ingest) > cap(p.ingest)/2 {
		return
	}
	for _, ch := range p.workers {
		if len(ch) > cap(ch)/2 {
			return
		}
	}
	p.deps.Normalizer.SetPressure(false)
}

func (p *Pipeline) dispatchAll(flows []*model.NormalizedFlow) {
	for _, f := range flows {
		p.dispatch(f)
	}
}

// dispatch routes a flow to the worker owning its source address, so every
// per-source detector sees that source's flows in order. It waits for room
// until the pipeline halts.
func (p *Pipeline) dispatch(f *model.NormalizedFlow) {
	ch := p.workers[p.shard(f)]
	select {
	case ch <- f:
		return
	default:
	}
	p.deps.Normalizer.SetPressure(true)
	select {
	case ch <- f:
	case <-p.halted:
		p.flowsLost.Add(1)
	}
}

func (p *Pipeline) shard(f *model.NormalizedFlow) int {
	if len(p.workers) == 1 {
		return 0
	}
	var h maphash.Hash
	h.SetSeed(p.seed)
	h.Write(f.Key.SrcIP.AsSlice())
	return int(h.Sum64() % uint64(len(p.workers)))
}

func (p *Pipeline) work(ch <-chan *model.NormalizedFlow) {
	for f := range ch {
		p.process(f)
	}
}

// process runs rules and detectors on one flow and routes the results
func (p *Pipeline) process(f *model.NormalizedFlow) {
	p.processed.Add(1)
	if m := p.deps.Metrics; m != nil {
		m.FlowsEmitted.Inc()
		if f.Degraded {
			m.FlowsDegraded.Inc()
		}
	}
	p.deps.Store.AddFlow(f)
	p.persistFlow(f)

	var res rules.Result
	if p.deps.Engine != nil {
		res = p.deps.Engine.Evaluate(f)
	}
	for _, a := range res.Alerts {
		p.emit(a)
	}
	for _, q := range res.Quarantines {
		p.propose(q)
	}

	if p.deps.Detectors == nil {
		return
	}
	for _, a := range p.deps.Detectors.Observe(f) {
		p.emit(a)
		p.escalate(a, f)
	}
}

func (p *Pipeline) emit(a *model.Alert) {
	if !p.deps.Store.AddAlert(a) {
		return
	}
	p.alerts.Add(1)
	if m := p.deps.Metrics; m != nil {
		m.ObserveAlert(a.Source, string(a.Severity))
	}
	p.log.Info("Alert raised",
		"alert_id", a.ID,
		"rule_id", a.RuleID,
		"severity", a.Severity,
		"summary", a.Summary,
		"flows", a.FlowRefs)

	p.persistAlert(a)
	if p.deps.Publisher != nil {
		_ = p.deps.Publisher.PublishAlert(a)
	}
	p.broadcast(a)
}

func (p *Pipeline) propose(q *model.QuarantineRequest) {
	if p.deps.Policy == nil {
		return
	}
	d, err := p.deps.Policy.Propose(*q, "quarantine action")
	if err != nil {
		p.log.Warn("Quarantine proposal dropped", "rule_id", q.RuleID, "alert_id", q.AlertID, "error", err)
		return
	}
	p.proposals.Add(1)
	p.log.Debug("Quarantine proposal registered", "decision_id", d.ID, "rule_id", q.RuleID)
}

func (p *Pipeline) escalate(a *model.Alert, f *model.NormalizedFlow) {
	if p.deps.Policy == nil {
		return
	}
	d, ok, err := p.deps.Policy.Escalate(a, f)
	if err != nil {
		p.log.Warn("Detector escalation dropped", "rule_id", a.RuleID, "alert_id", a.ID, "error", err)
		return
	}
	if ok {
		p.proposals.Add(1)
		p.log.Info("Detector finding escalated", "decision_id", d.ID, "rule_id", a.RuleID)
	}
}

func (p *Pipeline) persistAlert(a *model.Alert) {
	if p.deps.Sink == nil {
		return
	}
	p.withRetry("alert", a.ID, func(ctx context.Context) error { return p.deps.Sink.PutAlert(ctx, a) })
}

func (p *Pipeline) persistFlow(f *model.NormalizedFlow) {
	if p.deps.Sink == nil {
		return
	}
	p.withRetry("flow", f.ID, func(ctx context.Context) error { return p.deps.Sink.PutFlow(ctx, f) })
}

// withRetry bounds storage retries so a failing sink costs latency, never
// liveness. Sinks are idempotent, so repeating a write is safe.
func (p *Pipeline) withRetry(kind, id string, fn func(ctx context.Context) error) {
	var err error
	for attempt := 0; attempt <= p.cfg.SinkRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SinkTimeout)
		err = fn(ctx)
		cancel()
		if err == nil {
			return
		}
	}
	p.sinkFails.Add(1)
	if p.deps.Metrics != nil {
		p.deps.Metrics.SinkErrors.WithLabelValues(kind).Inc()
	}
	p.log.Error("Failed to persist record", "kind", kind, "id", id, "sink", p.deps.Sink.Name(), "error", err)
}

// maintain sweeps detector and window state and refreshes gauges
func (p *Pipeline) maintain(ctx context.Context) {
	sweep := time.NewTicker(p.cfg.SweepInterval)
	defer sweep.Stop()
	status := time.NewTicker(p.cfg.StatusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			p.Sweep()
		case <-status.C:
			if p.deps.Publisher != nil {
				p.publishStatus()
			}
		}
	}
}

// Sweep expires idle detector state and window counters against the
// event-time watermark and refreshes gauges
func (p *Pipeline) Sweep() {
	wm := p.deps.Normalizer.Watermark()
	if wm.IsZero() {
		return
	}
	removed := 0
	if p.deps.Detectors != nil {
		removed += p.deps.Detectors.Sweep(wm)
	}
	if p.deps.Engine != nil {
		removed += p.deps.Engine.Rotate(wm)
	}
	if flusher, ok := p.deps.Sink.(interface{ Flush() error }); ok {
		if err := flusher.Flush(); err != nil {
			p.log.Warn("Failed to flush sink", "error", err)
		}
	}
	p.refreshGauges()
	if removed > 0 {
		p.log.Debug("State swept", "removed", removed, "watermark", wm)
	}
}

func (p *Pipeline) refreshGauges() {
	m := p.deps.Metrics
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(len(p.ingest)))
	if p.deps.Engine != nil {
		st := p.deps.Engine.Stats()
		m.ActiveRules.Set(float64(st.Rules))
		m.BundleVersion.Set(float64(st.Version))
	}
	if p.deps.Detectors != nil {
		for id, st := range p.deps.Detectors.Stats() {
			m.DetectorEntries.WithLabelValues(id).Set(float64(st.Entries))
			m.DetectorEvictions.WithLabelValues(id).Set(float64(st.Evicted))
		}
	}
	if p.deps.Policy != nil {
		m.PendingDecisions.Set(float64(p.deps.Policy.Pending()))
	}
}

func (p *Pipeline) forwardDecisions(ctx context.Context) {
	events, cancel := p.deps.Policy.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if p.deps.Metrics != nil {
				p.deps.Metrics.Decisions.WithLabelValues(string(ev.Transition.To)).Inc()
			}
			_ = p.deps.Publisher.PublishDecision(ev)
		}
	}
}

func (p *Pipeline) onDegrade(degraded bool, reason string) {
	p.degraded.Store(degraded)
	p.degradeReason.Store(reason)
	if p.deps.Metrics != nil {
		p.deps.Metrics.SetDegraded(degraded)
	}
	if p.deps.Publisher != nil {
		// called with the normalizer lock held, and Status takes it again
		go p.publishStatus()
	}
}

func (p *Pipeline) publishStatus() {
	if err := p.deps.Publisher.PublishStatus(p.Status()); err != nil {
		p.log.Debug("Failed to publish status", "error", err)
	}
}

// SubscribeAlerts streams alerts as they are raised. Slow subscribers
// miss alerts instead of stalling workers.
func (p *Pipeline) SubscribeAlerts(buffer int) (<-chan *model.Alert, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *model.Alert, buffer)
	p.subMu.Lock()
	p.subs = append(p.subs, ch)
	p.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subMu.Lock()
			defer p.subMu.Unlock()
			for i, s := range p.subs {
				if s == ch {
					p.subs = append(p.subs[:i], p.subs[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

func (p *Pipeline) broadcast(a *model.Alert) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- a:
		default:
			p.log.Warn("Alert subscriber is full, alert dropped", "alert_id", a.ID)
		}
	}
}
