package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"aegisflux/nets/internal/model"
)

// Bundle is an immutable, fully compiled set of rules
type Bundle struct {
	Version  uint64    `json:"version"`
	Hash     string    `json:"hash"`
	LoadedAt time.Time `json:"loaded_at"`
	Sources  []string  `json:"sources"`
	Rules    []*Rule   `json:"-"`
}

// RuleIDs returns the ids of all rules in the bundle
func (b *Bundle) RuleIDs() []string {
	if b == nil {
		return nil
	}
	ids := make([]string, len(b.Rules))
	for i, r := range b.Rules {
		ids[i] = r.ID
	}
	return ids
}

// Compile builds a bundle from sources without activating it. The error,
// when not nil, is a *BundleError.
func Compile(sources ...Source) (*Bundle, error) {
	rules, errs := compileSources(sources)
	if len(errs) > 0 {
		return nil, &BundleError{Errors: errs}
	}

	h := sha256.New()
	names := make([]string, 0, len(sources))
	for _, s := range sources {
		h.Write([]byte(s.Name))
		h.Write([]byte{0})
		h.Write([]byte(s.Text))
		h.Write([]byte{0})
		names = append(names, s.Name)
	}
	return &Bundle{
		Hash:    hex.EncodeToString(h.Sum(nil)),
		Sources: names,
		Rules:   rules,
	}, nil
}

// Result is everything one flow produced across all rules
type Result struct {
	Alerts      []*model.Alert
	Quarantines []*model.QuarantineRequest
	Errors      []*RuntimeError
}

// ImportResult is the structured accept/reject answer for a bundle import
type ImportResult struct {
	Accepted  bool            `json:"accepted"`
	Unchanged bool            `json:"unchanged,omitempty"`
	Version   uint64          `json:"version,omitempty"`
	Hash      string          `json:"hash,omitempty"`
	Rules     []string        `json:"rules,omitempty"`
	Errors    []*CompileError `json:"errors,omitempty"`
}

// SampleResult reports what one sample flow would have produced
type SampleResult struct {
	FlowID      string                     `json:"flow_id"`
	Alerts      []*model.Alert             `json:"alerts,omitempty"`
	Quarantines []*model.QuarantineRequest `json:"quarantines,omitempty"`
	Errors      []string                   `json:"errors,omitempty"`
}

// ValidationResult is returned by validation-only runs
type ValidationResult struct {
	Valid   bool            `json:"valid"`
	Rules   []string        `json:"rules,omitempty"`
	Errors  []*CompileError `json:"errors,omitempty"`
	Samples []SampleResult  `json:"samples,omitempty"`
}

// EngineStats is a snapshot of engine counters
type EngineStats struct {
	Version       uint64 `json:"version"`
	Rules         int    `json:"rules"`
	Evaluations   uint64 `json:"evaluations"`
	Matches       uint64 `json:"matches"`
	RuntimeErrors uint64 `json:"runtime_errors"`
	Rejected      uint64 `json:"rejected_imports"`
	Counters      int    `json:"window_counters"`
}

// Engine evaluates flows against the active bundle. The bundle pointer is
// swapped atomically so evaluators always see one complete snapshot.
type Engine struct {
	logger  *slog.Logger
	bundle  atomic.Pointer[Bundle]
	windows *WindowStore

	importMu sync.Mutex
	version  uint64

	onError func(*RuntimeError)

	evaluations   atomic.Uint64
	matches       atomic.Uint64
	runtimeErrors atomic.Uint64
	rejected      atomic.Uint64
}

// NewEngine creates an engine with no active bundle
func NewEngine(logger *slog.Logger, shards int) *Engine {
	return &Engine{
		logger:  logger.With("component", "rules"),
		windows: NewWindowStore(shards),
	}
}

// OnRuntimeError registers a hook called for every isolated rule failure
func (e *Engine) OnRuntimeError(fn func(*RuntimeError)) {
	e.onError = fn
}

// Bundle returns the active bundle, nil before the first import
func (e *Engine) Bundle() *Bundle {
	return e.bundle.Load()
}

// Import compiles and atomically activates sources. On any compile error
// nothing is activated and the previous bundle stays in force.
func (e *Engine) Import(sources ...Source) ImportResult {
	e.importMu.Lock()
	defer e.importMu.Unlock()

	b, err := Compile(sources...)
	if err != nil {
		e.rejected.Add(1)
		var be *BundleError
		if errors.As(err, &be) {
			e.logger.Warn("Rule bundle rejected", "errors", len(be.Errors), "first", be.Errors[0].Error())
			return ImportResult{Errors: be.Errors}
		}
		return ImportResult{Errors: []*CompileError{{Msg: err.Error()}}}
	}

	if cur := e.bundle.Load(); cur != nil && cur.Hash == b.Hash {
		return ImportResult{Accepted: true, Unchanged: true, Version: cur.Version, Hash: cur.Hash, Rules: cur.RuleIDs()}
	}

	e.version++
	b.Version = e.version
	b.LoadedAt = time.Now()
	e.bundle.Store(b)

	e.logger.Info("Rule bundle activated", "version", b.Version, "rules", len(b.Rules), "hash", b.Hash[:12])
	return ImportResult{Accepted: true, Version: b.Version, Hash: b.Hash, Rules: b.RuleIDs()}
}

// Evaluate runs every active rule against one flow
func (e *Engine) Evaluate(f *model.NormalizedFlow) Result {
	b := e.bundle.Load()
	if b == nil {
		return Result{}
	}
	e.evaluations.Add(1)
	res := evaluate(b, e.windows, f)
	if n := len(res.Alerts); n > 0 {
		e.matches.Add(uint64(n))
	}
	for _, rerr := range res.Errors {
		e.runtimeErrors.Add(1)
		e.logger.Warn("Rule evaluation failed", "rule_id", rerr.RuleID, "flow_id", rerr.FlowID, "error", rerr.Cause)
		if e.onError != nil {
			e.onError(rerr)
		}
	}
	return res
}

// Validate compiles sources and runs them over samples using scratch
// window state. The active bundle and its counters are untouched.
func (e *Engine) Validate(sources []Source, samples []*model.NormalizedFlow) ValidationResult {
	b, err := Compile(sources...)
	if err != nil {
		var be *BundleError
		if errors.As(err, &be) {
			return ValidationResult{Errors: be.Errors}
		}
		return ValidationResult{Errors: []*CompileError{{Msg: err.Error()}}}
	}

	scratch := NewWindowStore(1)
	out := ValidationResult{Valid: true, Rules: b.RuleIDs()}
	for _, f := range samples {
		res := evaluate(b, scratch, f)
		sr := SampleResult{FlowID: f.ID, Alerts: res.Alerts, Quarantines: res.Quarantines}
		for _, rerr := range res.Errors {
			sr.Errors = append(sr.Errors, rerr.Error())
		}
		out.Samples = append(out.Samples, sr)
	}
	return out
}

// Rotate drops idle window counters
func (e *Engine) Rotate(now time.Time) int {
	return e.windows.Rotate(now)
}

// Stats returns engine counters
func (e *Engine) Stats() EngineStats {
	st := EngineStats{
		Evaluations:   e.evaluations.Load(),
		Matches:       e.matches.Load(),
		RuntimeErrors: e.runtimeErrors.Load(),
		Rejected:      e.rejected.Load(),
		Counters:      e.windows.Len(),
	}
	if b := e.bundle.Load(); b != nil {
		st.Version = b.Version
		st.Rules = len(b.Rules)
	}
	return st
}

func evaluate(b *Bundle, windows *WindowStore, f *model.NormalizedFlow) Result {
	var res Result
	for _, rule := range b.Rules {
		alert, q, err := evalRule(rule, windows, f)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		if alert != nil {
			res.Alerts = append(res.Alerts, alert)
		}
		if q != nil {
			res.Quarantines = append(res.Quarantines, q)
		}
	}
	return res
}

// evalRule fires at most one clause per rule and flow: the first whose
// condition holds
func evalRule(rule *Rule, windows *WindowStore, f *model.NormalizedFlow) (alert *model.Alert, q *model.QuarantineRequest, rerr *RuntimeError) {
	defer func() {
		if r := recover(); r != nil {
			alert, q = nil, nil
			rerr = &RuntimeError{RuleID: rule.ID, FlowID: f.ID, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	ec := &evalCtx{flow: f}
	if len(rule.observers) > 0 {
		ec.counts = make(map[windowKey]uint64, len(rule.observers))
		weight := uint64(f.Events)
		if weight == 0 {
			weight = 1
		}
		for _, o := range rule.observers {
			var n uint64
			if o.match(f) {
				n = weight
			}
			ec.counts[o.key] = windows.observe(o.key, f.TsLast, n)
		}
	}

	for i, cl := range rule.Clauses {
		ok, err := cl.cond(ec)
		if err != nil {
			return nil, nil, &RuntimeError{RuleID: rule.ID, FlowID: f.ID, Cause: err}
		}
		if !ok {
			continue
		}
		alert = buildAlert(rule, cl, i, f)
		if cl.Action.Kind == ActionQuarantine {
			q = &model.QuarantineRequest{
				AlertID:  alert.ID,
				RuleID:   rule.ID,
				Ts:       alert.Ts,
				Target:   model.TargetForFlow(f),
				Duration: cl.Action.Duration,
				Reason:   alert.Summary,
			}
		}
		return alert, q, nil
	}
	return nil, nil, nil
}

func buildAlert(rule *Rule, cl *Clause, idx int, f *model.NormalizedFlow) *model.Alert {
	summary := cl.Action.Message
	if summary == "" {
		summary = rule.Summary
	}
	rationale := rule.Rationale
	if rationale == "" {
		rationale = "matched: " + cl.Text
	}
	sev := cl.Action.Severity
	if sev == "" {
		sev = rule.Severity
	}
	return &model.Alert{
		ID:              model.AlertID(rule.ID, f.ID, strconv.Itoa(idx)),
		Ts:              f.TsLast,
		Severity:        sev,
		RuleID:          rule.ID,
		Source:          model.SourceRule,
		Summary:         summary,
		FlowRefs:        []string{f.ID},
		ProcessRef:      f.ProcessRef(),
		Rationale:       rationale,
		SuggestedAction: rule.SuggestedAction,
	}
}

// RuleInfo is the public description of a compiled rule
type RuleInfo struct {
	ID        string   `json:"id"`
	File      string   `json:"file,omitempty"`
	Severity  string   `json:"severity"`
	Summary   string   `json:"summary"`
	Rationale string   `json:"rationale,omitempty"`
	Suggest   string   `json:"suggested_action,omitempty"`
	Clauses   []string `json:"clauses"`
}

// Describe lists the rules of a bundle sorted by id
func (b *Bundle) Describe() []RuleInfo {
	if b == nil {
		return nil
	}
	out := make([]RuleInfo, 0, len(b.Rules))
	for _, r := range b.Rules {
		info := RuleInfo{
			ID: r.ID, File: r.File, Severity: string(r.Severity),
			Summary: r.Summary, Rationale: r.Rationale, Suggest: r.SuggestedAction,
		}
		for _, cl := range r.Clauses {
			info.Clauses = append(info.Clauses, fmt.Sprintf("%s -> %s", cl.Text, cl.Action.Kind))
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
