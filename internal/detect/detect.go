package detect

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"aegisflux/nets/internal/model"
)

// Built-in detector rule ids
const (
	RuleHiddenListener  = "builtin.hidden_listener"
	RulePortScan        = "builtin.port_scan"
	RuleLateralMovement = "builtin.lateral_movement"
	RuleSuspiciousDNS   = "builtin.suspicious_dns"
	RuleLocalProxy      = "builtin.local_proxy"
	RuleARPSpoofing     = "builtin.arp_spoofing"
)

// Config holds the thresholds of all built-in detectors
type Config struct {
	Shards             int           `yaml:"shards"`
	MaxEntriesPerShard int           `yaml:"max_entries_per_shard"`
	DedupeWindow       time.Duration `yaml:"dedupe_window"`

	PortScanWindow    time.Duration `yaml:"port_scan_window"`
	PortScanThreshold int           `yaml:"port_scan_threshold"`

	DNSWindow     time.Duration `yaml:"dns_window"`
	DNSMinQueries int           `yaml:"dns_min_queries"`
	DNSFailRatio  float64       `yaml:"dns_fail_ratio"`
	DGAEntropy    float64       `yaml:"dga_entropy"`
	DGAMinLength  int           `yaml:"dga_min_length"`

	ARPRetention time.Duration `yaml:"arp_retention"`

	TrustedDirs    []string `yaml:"trusted_dirs"`
	ProxyPorts     []uint16 `yaml:"proxy_ports"`
	KnownProxyApps []string `yaml:"known_proxy_apps"`
	LateralPorts   []uint16 `yaml:"lateral_ports"`
}

// DefaultConfig returns the stock thresholds
func DefaultConfig() Config {
	return Config{
		Shards:             16,
		MaxEntriesPerShard: 4096,
		DedupeWindow:       time.Hour,
		PortScanWindow:     60 * time.Second,
		PortScanThreshold:  10,
		DNSWindow:          60 * time.Second,
		DNSMinQueries:      10,
		DNSFailRatio:       0.8,
		DGAEntropy:         3.5,
		DGAMinLength:       12,
		ARPRetention:       10 * time.Minute,
		TrustedDirs: []string{
			"/usr/bin/", "/usr/sbin/", "/bin/", "/sbin/", "/usr/lib/", "/usr/libexec/", "/lib/",
			`C:\Windows\`, `C:\Program Files\`, `C:\Program Files (x86)\`,
		},
		ProxyPorts:     []uint16{8080, 8888, 3128, 1080, 9050, 9150},
		KnownProxyApps: []string{"chrome", "firefox", "edge", "squid", "nginx", "privoxy", "tor"},
		LateralPorts:   []uint16{445, 139, 3389, 389, 636, 135, 5985, 5986},
	}
}

// Detector is one built-in, stateful heuristic. Implementations must be
// safe for concurrent Observe calls.
type Detector interface {
	ID() string
	Observe(f *model.NormalizedFlow) []*model.Alert
	Sweep(watermark time.Time) int
	Entries() int
	Evicted() uint64
}

// Stats describes one detector
type Stats struct {
	Alerts  uint64 `json:"alerts"`
	Panics  uint64 `json:"panics"`
	Entries int    `json:"entries"`
	Evicted uint64 `json:"evicted"`
}

type slot struct {
	det    Detector
	alerts atomic.Uint64
	panics atomic.Uint64
}

// Set runs every built-in detector with per-detector failure isolation
type Set struct {
	logger  *slog.Logger
	slots   []*slot
	onPanic func(detector string)
}

// NewSet creates the full set of built-in detectors
func NewSet(cfg Config, logger *slog.Logger) *Set {
	def := DefaultConfig()
	if cfg.PortScanWindow <= 0 {
		cfg.PortScanWindow = def.PortScanWindow
	}
	if cfg.PortScanThreshold <= 0 {
		cfg.PortScanThreshold = def.PortScanThreshold
	}
	if cfg.DNSWindow <= 0 {
		cfg.DNSWindow = def.DNSWindow
	}
	if cfg.DNSMinQueries <= 0 {
		cfg.DNSMinQueries = def.DNSMinQueries
	}
	if cfg.DNSFailRatio <= 0 {
		cfg.DNSFailRatio = def.DNSFailRatio
	}
	if cfg.DGAEntropy <= 0 {
		cfg.DGAEntropy = def.DGAEntropy
	}
	if cfg.DGAMinLength <= 0 {
		cfg.DGAMinLength = def.DGAMinLength
	}
	if cfg.ARPRetention <= 0 {
		cfg.ARPRetention = def.ARPRetention
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = def.DedupeWindow
	}
	if cfg.TrustedDirs == nil {
		cfg.TrustedDirs = def.TrustedDirs
	}
	if cfg.ProxyPorts == nil {
		cfg.ProxyPorts = def.ProxyPorts
	}
	if cfg.KnownProxyApps == nil {
		cfg.KnownProxyApps = def.KnownProxyApps
	}
	if cfg.LateralPorts == nil {
		cfg.LateralPorts = def.LateralPorts
	}

	return NewSetOf(logger,
		newHiddenListener(cfg),
		newPortScan(cfg),
		newLateralMovement(cfg),
		newSuspiciousDNS(cfg),
		newLocalProxy(cfg),
		newARPSpoofing(cfg),
	)
}

// NewSetOf wraps explicit detectors
func NewSetOf(logger *slog.Logger, detectors ...Detector) *Set {
	s := &Set{logger: logger.With("component", "detect")}
	for _, d := range detectors {
		s.slots = append(s.slots, &slot{det: d})
	}
	return s
}

// OnPanic registers a hook called when a detector panics
func (s *Set) OnPanic(fn func(detector string)) {
	s.onPanic = fn
}

// Observe feeds the flow to every detector. A failing detector loses
// only its own findings for this flow.
func (s *Set) Observe(f *model.NormalizedFlow) []*model.Alert {
	var out []*model.Alert
	for _, sl := range s.slots {
		alerts := s.observe(sl, f)
		if len(alerts) > 0 {
			sl.alerts.Add(uint64(len(alerts)))
			out = append(out, alerts...)
		}
	}
	return out
}

func (s *Set) observe(sl *slot, f *model.NormalizedFlow) (alerts []*model.Alert) {
	defer func() {
		if r := recover(); r != nil {
			sl.panics.Add(1)
			s.logger.Error("Detector failed", "detector", sl.det.ID(), "flow_id", f.ID, "panic", r)
			if s.onPanic != nil {
				s.onPanic(sl.det.ID())
			}
			alerts = nil
		}
	}()
	return sl.det.Observe(f)
}

// Sweep expires idle state in every detector
func (s *Set) Sweep(watermark time.Time) int {
	total := 0
	for _, sl := range s.slots {
		n := sl.det.Sweep(watermark)
		total += n
	}
	if total > 0 {
		s.logger.Debug("Detector state swept", "removed", total)
	}
	return total
}

// Stats returns per-detector counters keyed by rule id
func (s *Set) Stats() map[string]Stats {
	out := make(map[string]Stats, len(s.slots))
	for _, sl := range s.slots {
		out[sl.det.ID()] = Stats{
			Alerts:  sl.alerts.Load(),
			Panics:  sl.panics.Load(),
			Entries: sl.det.Entries(),
			Evicted: sl.det.Evicted(),
		}
	}
	return out
}

// IDs lists the detector rule ids in a stable order
func (s *Set) IDs() []string {
	ids := make([]string, 0, len(s.slots))
	for _, sl := range s.slots {
		ids = append(ids, sl.det.ID())
	}
	sort.Strings(ids)
	return ids
}

// newAlert builds a detector alert. key distinguishes findings that share
// a flow.
func newAlert(ruleID string, sev model.Severity, f *model.NormalizedFlow, key, summary, rationale, suggest string, refs ...string) *model.Alert {
	flowRefs := append([]string{f.ID}, refs...)
	return &model.Alert{
		ID:              model.AlertID(ruleID, key, f.ID),
		Ts:              f.TsLast,
		Severity:        sev,
		RuleID:          ruleID,
		Source:          model.SourceDetector,
		Summary:         summary,
		FlowRefs:        flowRefs,
		ProcessRef:      f.ProcessRef(),
		Rationale:       rationale,
		SuggestedAction: suggest,
	}
}

func portSet(ports []uint16) map[uint16]struct{} {
	m := make(map[uint16]struct{}, len(ports))
	for _, p := range ports {
		m[p] = struct{}{}
	}
	return m
}

func procLabel(f *model.NormalizedFlow) string {
	if f.Process == nil {
		return "unattributed process"
	}
	return fmt.Sprintf("%s (pid %d)", f.Process.Name, f.Process.PID)
}
