package model

import (
	"fmt"
	"time"
)

// Quarantine target kinds
const (
	TargetProcess    = "process"
	TargetConnection = "connection"
)

// Target identifies what a quarantine would isolate. RemoteSrc marks a
// connection whose source endpoint is the remote peer.
type Target struct {
	Kind      string   `json:"kind"`
	PID       int32    `json:"pid,omitempty"`
	Name      string   `json:"name,omitempty"`
	Path      string   `json:"path,omitempty"`
	Flow      *FlowKey `json:"flow,omitempty"`
	RemoteSrc bool     `json:"remote_src,omitempty"`
}

// Key returns a stable identity used to detect duplicate proposals
func (t Target) Key() string {
	if t.Kind == TargetProcess {
		return fmt.Sprintf("%s:%d:%s:%s", t.Kind, t.PID, t.Path, t.Name)
	}
	if t.Flow != nil {
		return t.Kind + ":" + t.Flow.String()
	}
	return t.Kind
}

// TargetForFlow prefers the owning process and falls back to the connection
func TargetForFlow(f *NormalizedFlow) Target {
	key := f.Key
	if f.Process != nil && f.Process.PID > 0 {
		return Target{
			Kind:      TargetProcess,
			PID:       f.Process.PID,
			Name:      f.Process.Name,
			Path:      f.Process.ExePath,
			Flow:      &key,
			RemoteSrc: f.RemoteSrc,
		}
	}
	return Target{Kind: TargetConnection, Flow: &key, RemoteSrc: f.RemoteSrc}
}

// QuarantineRequest asks the policy layer to propose a decision. It is
// always bound to the alert that triggered it.
type QuarantineRequest struct {
	AlertID  string        `json:"alert_id"`
	RuleID   string        `json:"rule_id"`
	Ts       time.Time     `json:"ts"`
	Target   Target        `json:"target"`
	Duration time.Duration `json:"duration"`
	Reason   string        `json:"reason,omitempty"`
}
