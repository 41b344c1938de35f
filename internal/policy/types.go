package policy

import (
	"errors"
	"fmt"
	"time"

	"aegisflux/nets/internal/model"
)

// State of a quarantine decision
type State string

const (
	StateProposed   State = "proposed"
	StateConfirmed  State = "confirmed"
	StateRejected   State = "rejected"
	StateApplied    State = "applied"
	StateFailed     State = "failed"
	StateExpired    State = "expired"
	StateRolledBack State = "rolled_back"
)

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateFailed, StateExpired, StateRolledBack:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateProposed:  {StateConfirmed, StateRejected},
	StateConfirmed: {StateApplied, StateFailed, StateRejected},
	StateApplied:   {StateExpired, StateRolledBack},
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition reasons
const (
	ReasonTimeout           = "timeout"
	ReasonCancelled         = "cancelled"
	ReasonOperator          = "operator"
	ReasonAutoPolicy        = "auto_policy"
	ReasonApplied           = "enforcement_applied"
	ReasonRetriesExhausted  = "enforcement_failed"
	ReasonTTLExpired        = "ttl_expired"
	ReasonManualRollback    = "manual_rollback"
	ReasonDetectorEscalated = "detector_escalation"
)

// Transition is one entry of a decision's history
type Transition struct {
	From   State     `json:"from,omitempty"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
	Actor  string    `json:"actor,omitempty"`
}

// Enforcement records what was installed so it can be reversed
type Enforcement struct {
	Backend   string     `json:"backend"`
	RuleIDs   []string   `json:"rule_ids"`
	Specs     [][]string `json:"specs,omitempty"`
	AppliedAt time.Time  `json:"applied_at"`
}

// Decision is a confirmable quarantine request and its lifecycle
type Decision struct {
	ID                string        `json:"id"`
	Ts                time.Time     `json:"ts"`
	UpdatedAt         time.Time     `json:"updated_at"`
	Target            model.Target  `json:"target"`
	RequestedDuration time.Duration `json:"requested_duration"`
	State             State         `json:"state"`
	Reason            string        `json:"reason,omitempty"`
	AlertID           string        `json:"alert_id"`
	RuleID            string        `json:"rule_id"`
	Attempts          int           `json:"attempts,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	Enforcement       *Enforcement  `json:"enforcement,omitempty"`
	ExpiresAt         *time.Time    `json:"expires_at,omitempty"`
	History           []Transition  `json:"history"`
}

func (d *Decision) clone() Decision {
	c := *d
	c.History = append([]Transition(nil), d.History...)
	if d.Enforcement != nil {
		e := *d.Enforcement
		e.RuleIDs = append([]string(nil), d.Enforcement.RuleIDs...)
		e.Specs = append([][]string(nil), d.Enforcement.Specs...)
		c.Enforcement = &e
	}
	if d.ExpiresAt != nil {
		t := *d.ExpiresAt
		c.ExpiresAt = &t
	}
	return c
}

// Event is published on every state change
type Event struct {
	Decision   Decision   `json:"decision"`
	Transition Transition `json:"transition"`
}

var (
	ErrNotFound = errors.New("decision not found")
	ErrCapacity = errors.New("too many pending decisions")
	ErrStopped  = errors.New("policy manager stopped")

	ErrInvalidTransition = errors.New("invalid decision transition")
)

// TransitionError rejects an illegal state change
type TransitionError struct {
	ID   string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("decision %s cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// EnforcementError wraps a collaborator failure
type EnforcementError struct {
	ID       string
	Attempts int
	Err      error
}

func (e *EnforcementError) Error() string {
	return fmt.Sprintf("enforcement for decision %s failed after %d attempts: %v", e.ID, e.Attempts, e.Err)
}

func (e *EnforcementError) Unwrap() error {
	return e.Err
}
