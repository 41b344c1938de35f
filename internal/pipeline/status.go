package pipeline

import (
	"time"

	"aegisflux/nets/internal/detect"
	"aegisflux/nets/internal/normalizer"
	"aegisflux/nets/internal/policy"
	"aegisflux/nets/internal/rules"
)

// Status is a point-in-time view of the pipeline for the control API and
// the status subject
type Status struct {
	Running       bool                    `json:"running"`
	StartedAt     time.Time               `json:"started_at,omitempty"`
	Degraded      bool                    `json:"degraded"`
	DegradeReason string                  `json:"degrade_reason,omitempty"`
	QueueDepth    int                     `json:"queue_depth"`
	QueueCapacity int                     `json:"queue_capacity"`
	Submitted     uint64                  `json:"events_submitted"`
	Shed          uint64                  `json:"events_shed"`
	Processed     uint64                  `json:"flows_processed"`
	Alerts        uint64                  `json:"alerts"`
	Proposals     uint64                  `json:"quarantine_proposals"`
	SinkFailures  uint64                  `json:"sink_failures"`
	EventsLost    uint64                  `json:"events_lost"`
	FlowsLost     uint64                  `json:"flows_lost"`
	Watermark     time.Time               `json:"watermark,omitempty"`
	Normalizer    normalizer.Stats        `json:"normalizer"`
	Rules         *rules.EngineStats      `json:"rules,omitempty"`
	Detectors     map[string]detect.Stats `json:"detectors,omitempty"`
	Decisions     map[policy.State]int    `json:"decisions,omitempty"`
}

// Status returns the current pipeline status
func (p *Pipeline) Status() Status {
	reason, _ := p.degradeReason.Load().(string)
	started, _ := p.startedAt.Load().(time.Time)
	st := Status{
		Running:       p.running.Load(),
		StartedAt:     started,
		Degraded:      p.degraded.Load(),
		DegradeReason: reason,
		QueueDepth:    len(p.ingest),
		QueueCapacity: cap(p.ingest),
		Submitted:     p.submitted.Load(),
		Shed:          p.shed.Load(),
		Processed:     p.processed.Load(),
		Alerts:        p.alerts.Load(),
		Proposals:     p.proposals.Load(),
		SinkFailures:  p.sinkFails.Load(),
		EventsLost:    p.eventsLost.Load(),
		FlowsLost:     p.flowsLost.Load(),
		Watermark:     p.deps.Normalizer.Watermark(),
		Normalizer:    p.deps.Normalizer.Stats(),
	}
	if p.deps.Engine != nil {
		rs := p.deps.Engine.Stats()
		st.Rules = &rs
	}
	if p.deps.Detectors != nil {
		st.Detectors = p.deps.Detectors.Stats()
	}
	if p.deps.Policy != nil {
		st.Decisions = p.deps.Policy.Counts()
	}
	return st
}

// Ready reports whether the pipeline is running with an active rule bundle
func (p *Pipeline) Ready() bool {
	if !p.running.Load() {
		return false
	}
	return p.deps.Engine == nil || p.deps.Engine.Bundle() != nil
}
