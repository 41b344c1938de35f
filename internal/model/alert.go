package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

var alertNamespace = uuid.MustParse("6f1d3c52-8f4e-4b8e-9a51-2c0e4d7a9b10")

// Severity levels, ordered
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityLevels = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity accepts any letter case
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(s))
	_, ok := severityLevels[sev]
	return sev, ok
}

// Level returns the numeric rank, zero for unknown values
func (s Severity) Level() int {
	return severityLevels[s]
}

// AtLeast reports whether s ranks at or above min
func (s Severity) AtLeast(min Severity) bool {
	return s.Level() >= min.Level()
}

// Alert source identifiers
const (
	SourceRule     = "rule"
	SourceDetector = "detector"
)

// Alert is an immutable finding produced by a rule or a built-in detector
type Alert struct {
	ID              string    `json:"id"`
	Ts              time.Time `json:"ts"`
	Severity        Severity  `json:"severity"`
	RuleID          string    `json:"rule_id"`
	Source          string    `json:"source"`
	Summary         string    `json:"summary"`
	FlowRefs        []string  `json:"flow_refs"`
	ProcessRef      string    `json:"process_ref,omitempty"`
	Rationale       string    `json:"rationale"`
	SuggestedAction string    `json:"suggested_action,omitempty"`
}

// Valid reports whether the alert satisfies the minimal invariants
func (a *Alert) Valid() bool {
	return a.ID != "" && a.RuleID != "" && len(a.FlowRefs) > 0 && a.Severity.Level() > 0
}

// AlertID derives a stable identifier from the producing rule and the
// flow windows involved, so replays and redeliveries map to the same record
func AlertID(ruleID string, parts ...string) string {
	name := ruleID + "|" + strings.Join(parts, "|")
	return uuid.NewSHA1(alertNamespace, []byte(name)).String()
}
