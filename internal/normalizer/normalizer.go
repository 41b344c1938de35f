package normalizer

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"aegisflux/nets/internal/model"
)

// Degrade reasons reported through the status callback
const (
	ReasonIngestCeiling = "ingest_ceiling"
	ReasonBackpressure  = "backpressure"
)

// Config controls aggregation and the degrade policy
type Config struct {
	Window        time.Duration `yaml:"window"`
	MaxKeys       int           `yaml:"max_keys"`
	IngestCeiling int           `yaml:"ingest_ceiling"` // events per second, 0 disables the ceiling
	DegradeHold   time.Duration `yaml:"degrade_hold"`   // minimum time spent degraded before recovering
}

// DefaultConfig returns the stock normalizer settings
func DefaultConfig() Config {
	return Config{
		Window:      5 * time.Second,
		MaxKeys:     65536,
		DegradeHold: time.Second,
	}
}

// DegradeFunc is invoked on every degraded state transition
type DegradeFunc func(degraded bool, reason string)

// Stats is a point-in-time snapshot of normalizer counters
type Stats struct {
	Events         uint64 `json:"events"`
	Flows          uint64 `json:"flows"`
	DegradedEvents uint64 `json:"degraded_events"`
	Evicted        uint64 `json:"evicted"`
	ActiveKeys     int    `json:"active_keys"`
	Degraded       bool   `json:"degraded"`
	Reason         string `json:"reason,omitempty"`
}

type aggregate struct {
	flow  *model.NormalizedFlow
	state string
}

// Normalizer aggregates FlowEvents into windowed NormalizedFlows
type Normalizer struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	locals   atomic.Pointer[LocalAddrs]
	limiter  *ceiling
	pressure atomic.Bool
	onChange DegradeFunc

	mu         sync.Mutex
	active     *simplelru.LRU[model.FlowKey, *aggregate]
	lastWindow *simplelru.LRU[model.FlowKey, int64]
	watermark  time.Time
	lastIngest time.Time

	degraded      bool
	reason        string
	degradedSince time.Time

	events         uint64
	flows          uint64
	degradedEvents uint64
	evicted        uint64
}

// New creates a normalizer. now defaults to time.Now and drives only the
// ingestion ceiling and idle flushing; window boundaries follow event time.
func New(cfg Config, locals *LocalAddrs, logger *slog.Logger, now func() time.Time) *Normalizer {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultConfig().MaxKeys
	}
	if now == nil {
		now = time.Now
	}

	active, _ := simplelru.NewLRU[model.FlowKey, *aggregate](cfg.MaxKeys, nil)
	lastWindow, _ := simplelru.NewLRU[model.FlowKey, int64](cfg.MaxKeys, nil)

	n := &Normalizer{
		cfg:        cfg,
		logger:     logger.With("component", "normalizer"),
		now:        now,
		limiter:    newCeiling(cfg.IngestCeiling),
		active:     active,
		lastWindow: lastWindow,
	}
	if locals == nil {
		locals = NewLocalAddrs()
	}
	n.locals.Store(locals)
	return n
}

// OnDegrade registers the degraded state callback
func (n *Normalizer) OnDegrade(fn DegradeFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onChange = fn
}

// SetLocalAddrs swaps the local address table
func (n *Normalizer) SetLocalAddrs(locals *LocalAddrs) {
	n.locals.Store(locals)
}

// SetPressure is called by the orchestrator when downstream queues are full
func (n *Normalizer) SetPressure(on bool) {
	n.pressure.Store(on)
}

// Ingest folds one event into its window. It returns the flows closed as
// a consequence: the previous window on timeout or state transition, and
// any aggregate evicted to respect MaxKeys.
func (n *Normalizer) Ingest(ev *model.FlowEvent) []*model.NormalizedFlow {
	wall := n.now()
	withinCeiling := n.limiter.take(wall)

	n.mu.Lock()
	defer n.mu.Unlock()

	n.events++
	n.lastIngest = wall
	ts := ev.Time()
	if ts.After(n.watermark) {
		n.watermark = ts
	}

	n.updateDegradeLocked(wall, withinCeiling)

	var out []*model.NormalizedFlow
	key := ev.Key()

	if agg, ok := n.active.Peek(key); ok {
		if n.startsNewWindow(agg, ev, ts) {
			n.active.Remove(key)
			out = append(out, n.closeLocked(agg))
		} else {
			n.merge(agg, ev, ts)
			n.active.Get(key)
			return out
		}
	}

	if n.active.Len() >= n.cfg.MaxKeys {
		if _, oldest, ok := n.active.RemoveOldest(); ok {
			n.evicted++
			out = append(out, n.closeLocked(oldest))
		}
	}
	n.active.Add(key, n.open(key, ev, ts))
	return out
}

// Flush closes every window that has expired. Flow time advances by the
// wall time elapsed since the last ingested event, so an idle stream still
// drains while a replayed stream keeps its own clock.
func (n *Normalizer) Flush() []*model.NormalizedFlow {
	wall := n.now()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.watermark.IsZero() {
		return nil
	}
	effective := n.watermark
	if idle := wall.Sub(n.lastIngest); idle > 0 {
		effective = effective.Add(idle)
	}

	var out []*model.NormalizedFlow
	for _, key := range n.active.Keys() {
		agg, ok := n.active.Peek(key)
		if !ok {
			continue
		}
		if effective.Sub(agg.flow.WindowStart) >= n.cfg.Window {
			n.active.Remove(key)
			out = append(out, n.closeLocked(agg))
		}
	}
	n.updateDegradeLocked(wall, true)
	sortFlows(out)
	return out
}

// FlushAll closes every open window regardless of age
func (n *Normalizer) FlushAll() []*model.NormalizedFlow {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]*model.NormalizedFlow, 0, n.active.Len())
	for _, key := range n.active.Keys() {
		if agg, ok := n.active.Peek(key); ok {
			out = append(out, n.closeLocked(agg))
		}
	}
	n.active.Purge()
	sortFlows(out)
	return out
}

// Watermark returns the latest event time seen
func (n *Normalizer) Watermark() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.watermark
}

// Stats returns normalizer counters
func (n *Normalizer) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Stats{
		Events:         n.events,
		Flows:          n.flows,
		DegradedEvents: n.degradedEvents,
		Evicted:        n.evicted,
		ActiveKeys:     n.active.Len(),
		Degraded:       n.degraded,
		Reason:         n.reason,
	}
}

func (n *Normalizer) startsNewWindow(agg *aggregate, ev *model.FlowEvent, ts time.Time) bool {
	if ts.Sub(agg.flow.WindowStart) >= n.cfg.Window {
		return true
	}
	if ev.State != "" && agg.state != "" && ev.State != agg.state {
		return true
	}
	// each DNS question and each ARP binding is its own observation
	if ev.DNS != nil && agg.flow.DNS != nil && !strings.EqualFold(ev.DNS.QName, agg.flow.DNS.QName) {
		return true
	}
	if ev.Layer2 != nil && agg.flow.Layer2 != nil && ev.Layer2.MACSrc != agg.flow.Layer2.MACSrc {
		return true
	}
	return false
}

func (n *Normalizer) open(key model.FlowKey, ev *model.FlowEvent, ts time.Time) *aggregate {
	start := ev.TsFirst
	if start.IsZero() {
		start = ts
	}
	windowID := start.UnixNano()
	if prev, ok := n.lastWindow.Get(key); ok && windowID <= prev {
		windowID = prev + 1
	}
	n.lastWindow.Add(key, windowID)

	locals := n.locals.Load()
	flow := &model.NormalizedFlow{
		ID:          model.FlowID(key, windowID),
		Key:         key,
		WindowID:    windowID,
		WindowStart: start,
		TsLast:      ts,
		Direction:   Classify(key, locals, ev.Direction),
		RemoteSrc:   RemoteIsSource(key, locals),
		State:       ev.State,
		Iface:       ev.Iface,
		Bytes:       ev.Bytes,
		Packets:     ev.Packets,
		Events:      1,
	}
	agg := &aggregate{flow: flow, state: ev.State}
	n.enrich(agg, ev)
	return agg
}

func (n *Normalizer) merge(agg *aggregate, ev *model.FlowEvent, ts time.Time) {
	f := agg.flow
	f.Bytes += ev.Bytes
	f.Packets += ev.Packets
	f.Events++
	if ts.After(f.TsLast) {
		f.TsLast = ts
	}
	if ev.State != "" {
		agg.state = ev.State
		f.State = ev.State
	}
	if f.Iface == "" {
		f.Iface = ev.Iface
	}
	n.enrich(agg, ev)
}

// enrich copies metadata unless the normalizer is shedding
func (n *Normalizer) enrich(agg *aggregate, ev *model.FlowEvent) {
	f := agg.flow
	if ev.Layer2 != nil && f.Layer2 == nil {
		l2 := *ev.Layer2
		f.Layer2 = &l2
	}
	if n.degraded {
		n.degradedEvents++
		f.Degraded = true
		return
	}
	if ev.Process != nil && f.Process == nil {
		p := *ev.Process
		f.Process = &p
	}
	if ev.TLS != nil && f.TLS == nil {
		tls := *ev.TLS
		f.TLS = &tls
	}
	if ev.DNS != nil {
		dns := *ev.DNS
		f.DNS = &dns
	}
}

func (n *Normalizer) closeLocked(agg *aggregate) *model.NormalizedFlow {
	n.flows++
	f := agg.flow
	f.Tags = tagsFor(f)
	return f
}

func (n *Normalizer) updateDegradeLocked(wall time.Time, withinCeiling bool) {
	var reason string
	switch {
	case !withinCeiling:
		reason = ReasonIngestCeiling
	case n.pressure.Load():
		reason = ReasonBackpressure
	}

	if reason != "" {
		n.degradedSince = wall
		if !n.degraded || n.reason != reason {
			n.degraded = true
			n.reason = reason
			n.logger.Warn("Normalizer degraded to counters-only flows", "reason", reason)
			n.notify(true, reason)
		}
		return
	}
	if n.degraded && wall.Sub(n.degradedSince) >= n.cfg.DegradeHold {
		n.degraded = false
		n.reason = ""
		n.logger.Info("Normalizer recovered full enrichment")
		n.notify(false, "")
	}
}

func (n *Normalizer) notify(degraded bool, reason string) {
	if n.onChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Degrade callback panicked", "panic", r)
		}
	}()
	n.onChange(degraded, reason)
}

func tagsFor(f *model.NormalizedFlow) []string {
	var tags []string
	if app := model.AppProtocol(f.Key); app != "" {
		tags = append(tags, app)
	}
	if f.Direction != model.DirectionUnknown {
		tags = append(tags, string(f.Direction))
	}
	if f.State == model.StateListen {
		tags = append(tags, "listen")
	}
	if f.Layer2 != nil && f.Layer2.Kind != "" {
		tags = append(tags, strings.ToLower(f.Layer2.Kind))
	}
	if f.TLS != nil {
		tags = append(tags, "tls")
	}
	if f.DNS.NXDomain() {
		tags = append(tags, "nxdomain")
	}
	if f.Key.DstIP.IsMulticast() {
		tags = append(tags, "multicast")
	}
	if f.Degraded {
		tags = append(tags, "degraded")
	}
	return tags
}

func sortFlows(flows []*model.NormalizedFlow) {
	sort.Slice(flows, func(i, j int) bool {
		if !flows[i].WindowStart.Equal(flows[j].WindowStart) {
			return flows[i].WindowStart.Before(flows[j].WindowStart)
		}
		return flows[i].ID < flows[j].ID
	})
}
