package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"aegisflux/nets/internal/model"
)

// Enforcer installs and removes quarantine rules. Remove must succeed when
// the enforcement is already partially or fully gone.
type Enforcer interface {
	Name() string
	Apply(ctx context.Context, d *Decision) (*Enforcement, error)
	Remove(ctx context.Context, e *Enforcement) error
}

// NoopEnforcer records enforcements without touching the host
type NoopEnforcer struct {
	logger *slog.Logger
	mu     sync.Mutex
	active map[string]*Enforcement
}

// NewNoopEnforcer creates a recording enforcer
func NewNoopEnforcer(logger *slog.Logger) *NoopEnforcer {
	return &NoopEnforcer{logger: logger.With("component", "enforcer", "backend", "noop"), active: make(map[string]*Enforcement)}
}

func (n *NoopEnforcer) Name() string { return "noop" }

// Apply pretends to install one rule per decision
func (n *NoopEnforcer) Apply(ctx context.Context, d *Decision) (*Enforcement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := "noop-" + d.ID
	e := &Enforcement{Backend: n.Name(), RuleIDs: []string{id}, AppliedAt: time.Now()}

	n.mu.Lock()
	n.active[id] = e
	n.mu.Unlock()
	n.logger.Info("Quarantine recorded", "decision_id", d.ID, "target", d.Target.Key())
	return e, nil
}

// Remove forgets the rules, ignoring unknown ids
func (n *NoopEnforcer) Remove(_ context.Context, e *Enforcement) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range e.RuleIDs {
		delete(n.active, id)
	}
	return nil
}

// Active returns the number of recorded enforcements
func (n *NoopEnforcer) Active() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.active)
}

// Runner executes an external command
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// IptablesEnforcer drops traffic for a quarantined target with iptables
// rules tagged by decision id
type IptablesEnforcer struct {
	runner Runner
	binary string
	logger *slog.Logger
}

// NewIptablesEnforcer creates an enforcer; binary defaults to iptables
func NewIptablesEnforcer(runner Runner, binary string, logger *slog.Logger) *IptablesEnforcer {
	if runner == nil {
		runner = ExecRunner{}
	}
	if binary == "" {
		binary = "iptables"
	}
	return &IptablesEnforcer{runner: runner, binary: binary, logger: logger.With("component", "enforcer", "backend", "iptables")}
}

func (e *IptablesEnforcer) Name() string { return "iptables" }

var errNoFlow = errors.New("target carries no connection to block")

// specs builds the rule bodies, without the -I/-D verb
func (e *IptablesEnforcer) specs(d *Decision) ([][]string, error) {
	flow := d.Target.Flow
	if flow == nil {
		return nil, errNoFlow
	}
	proto := flow.Proto
	if proto != model.ProtoTCP && proto != model.ProtoUDP {
		proto = "all"
	}
	comment := []string{"-m", "comment", "--comment", "nets:" + d.ID}

	if flow.DstIP.IsUnspecified() || !flow.DstIP.IsValid() {
		// listening socket: refuse new inbound connections to its port
		spec := []string{"INPUT", "-p", proto}
		if proto != "all" {
			spec = append(spec, "--dport", strconv.Itoa(int(flow.DstPort)))
		}
		return [][]string{append(append(spec, comment...), "-j", "DROP")}, nil
	}

	// block the remote peer on the service port, whichever side it is on
	var out, in []string
	if d.Target.RemoteSrc {
		peer := flow.SrcIP.Unmap().String()
		out = []string{"OUTPUT", "-p", proto, "-d", peer}
		in = []string{"INPUT", "-p", proto, "-s", peer}
		if proto != "all" {
			out = append(out, "--sport", strconv.Itoa(int(flow.DstPort)))
			in = append(in, "--dport", strconv.Itoa(int(flow.DstPort)))
		}
	} else {
		peer := flow.DstIP.Unmap().String()
		out = []string{"OUTPUT", "-p", proto, "-d", peer}
		in = []string{"INPUT", "-p", proto, "-s", peer}
		if proto != "all" {
			out = append(out, "--dport", strconv.Itoa(int(flow.DstPort)))
			in = append(in, "--sport", strconv.Itoa(int(flow.DstPort)))
		}
	}
	return [][]string{
		append(append(out, comment...), "-j", "DROP"),
		append(append(in, comment...), "-j", "DROP"),
	}, nil
}

// Apply inserts every rule or none: a partial failure undoes what was added
func (e *IptablesEnforcer) Apply(ctx context.Context, d *Decision) (*Enforcement, error) {
	specs, err := e.specs(d)
	if err != nil {
		return nil, err
	}

	enf := &Enforcement{Backend: e.Name(), AppliedAt: time.Now()}
	for i, spec := range specs {
		args := append([]string{"-I"}, spec...)
		if out, err := e.runner.Run(ctx, e.binary, args...); err != nil {
			if rmErr := e.Remove(ctx, enf); rmErr != nil {
				e.logger.Error("Failed to undo partial quarantine", "decision_id", d.ID, "error", rmErr)
			}
			return nil, fmt.Errorf("%s %s: %w: %s", e.binary, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
		enf.Specs = append(enf.Specs, spec)
		enf.RuleIDs = append(enf.RuleIDs, fmt.Sprintf("nets:%s/%d", d.ID, i))
	}
	e.logger.Info("Quarantine installed", "decision_id", d.ID, "rules", len(enf.Specs))
	return enf, nil
}

// Remove deletes each recorded rule; rules already gone are skipped
func (e *IptablesEnforcer) Remove(ctx context.Context, enf *Enforcement) error {
	var errs []error
	for _, spec := range enf.Specs {
		args := append([]string{"-D"}, spec...)
		out, err := e.runner.Run(ctx, e.binary, args...)
		if err == nil || alreadyGone(string(out)) {
			continue
		}
		errs = append(errs, fmt.Errorf("%s %s: %w", e.binary, strings.Join(args, " "), err))
	}
	return errors.Join(errs...)
}

func alreadyGone(out string) bool {
	out = strings.ToLower(out)
	return strings.Contains(out, "does a matching rule exist") ||
		strings.Contains(out, "bad rule") ||
		strings.Contains(out, "no chain/target/match")
}
