package store

import (
	"container/ring"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"aegisflux/nets/internal/model"
)

// MemoryStore keeps the most recent alerts and flows for the control API.
// Alerts are deduplicated by id so replays and retries do not double count.
type MemoryStore struct {
	mu        sync.RWMutex
	alerts    *ring.Ring
	flows     *ring.Ring
	dedupe    *lru.Cache[string, bool]
	maxAlerts int
	maxFlows  int
	dedupeCap int
	dropped   int
}

// NewMemoryStore creates a memory store with the given capacities
func NewMemoryStore(maxAlerts, maxFlows, dedupeCap int) *MemoryStore {
	if maxAlerts <= 0 {
		maxAlerts = 1000
	}
	if maxFlows <= 0 {
		maxFlows = 1000
	}
	if dedupeCap <= 0 {
		dedupeCap = maxAlerts * 4
	}
	dedupeCache, _ := lru.New[string, bool](dedupeCap)

	return &MemoryStore{
		alerts:    ring.New(maxAlerts),
		flows:     ring.New(maxFlows),
		dedupe:    dedupeCache,
		maxAlerts: maxAlerts,
		maxFlows:  maxFlows,
		dedupeCap: dedupeCap,
	}
}

// AddAlert stores an alert unless one with the same id was seen
func (s *MemoryStore) AddAlert(alert *model.Alert) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.dedupe.Get(alert.ID); exists {
		s.dropped++
		return false
	}
	s.dedupe.Add(alert.ID, true)

	s.alerts.Value = alert
	s.alerts = s.alerts.Next()
	return true
}

// AddFlow stores a flow window
func (s *MemoryStore) AddFlow(flow *model.NormalizedFlow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows.Value = flow
	s.flows = s.flows.Next()
}

// AlertFilter narrows GetAlerts results. Zero values match everything.
type AlertFilter struct {
	Since       time.Time
	MinSeverity model.Severity
	RuleID      string
	Limit       int
}

// GetAlerts returns matching alerts, newest first
func (s *MemoryStore) GetAlerts(filter AlertFilter) []*model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var alerts []*model.Alert
	s.alerts.Do(func(value interface{}) {
		alert, ok := value.(*model.Alert)
		if !ok {
			return
		}
		if !filter.Since.IsZero() && alert.Ts.Before(filter.Since) {
			return
		}
		if filter.MinSeverity != "" && !alert.Severity.AtLeast(filter.MinSeverity) {
			return
		}
		if filter.RuleID != "" && alert.RuleID != filter.RuleID {
			return
		}
		alerts = append(alerts, alert)
	})

	reverseAlerts(alerts)
	if filter.Limit > 0 && len(alerts) > filter.Limit {
		alerts = alerts[:filter.Limit]
	}
	return alerts
}

// GetAlertsBySeverity returns alerts with the given severity or higher
func (s *MemoryStore) GetAlertsBySeverity(minSeverity model.Severity) []*model.Alert {
	return s.GetAlerts(AlertFilter{MinSeverity: minSeverity})
}

// GetFlows returns the most recent flows, newest first
func (s *MemoryStore) GetFlows(limit int) []*model.NormalizedFlow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var flows []*model.NormalizedFlow
	s.flows.Do(func(value interface{}) {
		if flow, ok := value.(*model.NormalizedFlow); ok {
			flows = append(flows, flow)
		}
	})
	for i, j := 0, len(flows)-1; i < j; i, j = i+1, j-1 {
		flows[i], flows[j] = flows[j], flows[i]
	}
	if limit > 0 && len(flows) > limit {
		flows = flows[:limit]
	}
	return flows
}

// Clear removes all alerts and flows and resets deduplication
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.alerts.Len(); i++ {
		s.alerts.Value = nil
		s.alerts = s.alerts.Next()
	}
	for i := 0; i < s.flows.Len(); i++ {
		s.flows.Value = nil
		s.flows = s.flows.Next()
	}
	s.dedupe.Purge()
	s.dropped = 0
}

// GetStats returns store statistics
func (s *MemoryStore) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alerts, flows := 0, 0
	s.alerts.Do(func(value interface{}) {
		if value != nil {
			alerts++
		}
	})
	s.flows.Do(func(value interface{}) {
		if value != nil {
			flows++
		}
	})

	return map[string]interface{}{
		"total_alerts":       alerts,
		"total_flows":        flows,
		"max_alerts":         s.maxAlerts,
		"max_flows":          s.maxFlows,
		"dedupe_cap":         s.dedupeCap,
		"dedupe_size":        s.dedupe.Len(),
		"duplicates_dropped": s.dropped,
	}
}

func reverseAlerts(a []*model.Alert) {
	for i, j := 0, len(a)-1; i < j; i, j = i+1, j-1 {
		a[i], a[j] = a[j], a[i]
	}
}
