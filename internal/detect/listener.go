package detect

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"aegisflux/nets/internal/model"
)

// once remembers which findings were already raised within the dedupe window
type once struct {
	seen *state[struct{}]
}

func newOnce(cfg Config, retention time.Duration) once {
	return once{seen: newState[struct{}](cfg.Shards, cfg.MaxEntriesPerShard, retention)}
}

// first reports whether key was not raised during the retention window
func (o once) first(key string, now time.Time) bool {
	var first bool
	o.seen.update(key, now, func(_ *struct{}, fresh bool) { first = fresh })
	return first
}

func (o once) Sweep(watermark time.Time) int { return o.seen.sweep(watermark) }
func (o once) Entries() int                  { return o.seen.len() }
func (o once) Evicted() uint64               { return o.seen.evicted.Load() }

func isListener(f *model.NormalizedFlow) bool {
	return f.State == model.StateListen && f.Direction == model.DirectionInbound
}

type hiddenListener struct {
	once
	trusted []string
}

func newHiddenListener(cfg Config) *hiddenListener {
	trusted := make([]string, len(cfg.TrustedDirs))
	for i, d := range cfg.TrustedDirs {
		trusted[i] = strings.ToLower(d)
	}
	return &hiddenListener{once: newOnce(cfg, cfg.DedupeWindow), trusted: trusted}
}

func (d *hiddenListener) ID() string { return RuleHiddenListener }

func (d *hiddenListener) inTrustedDir(path string) bool {
	p := strings.ToLower(path)
	for _, dir := range d.trusted {
		if strings.HasPrefix(p, dir) {
			return true
		}
	}
	return false
}

func (d *hiddenListener) Observe(f *model.NormalizedFlow) []*model.Alert {
	port := f.Key.DstPort
	if !isListener(f) || port == 0 || port >= 1024 || f.Process == nil {
		return nil
	}

	p := f.Process
	unsigned := p.Signed != nil && !*p.Signed
	outside := p.ExePath != "" && !d.inTrustedDir(p.ExePath)
	if !unsigned && !outside {
		return nil
	}

	key := fmt.Sprintf("%d|%s|%d", p.PID, p.ExePath, port)
	if !d.first(key, f.TsLast) {
		return nil
	}

	var why []string
	if unsigned {
		why = append(why, "executable is unsigned")
	}
	if outside {
		why = append(why, fmt.Sprintf("%s is outside trusted install directories", filepath.Clean(p.ExePath)))
	}
	return []*model.Alert{newAlert(RuleHiddenListener, model.SeverityHigh, f, key,
		fmt.Sprintf("Hidden listener on privileged port %d", port),
		fmt.Sprintf("%s listens on port %d: %s", procLabel(f), port, strings.Join(why, " and ")),
		"Verify the binary and quarantine the process if it is not expected",
	)}
}

type localProxy struct {
	once
	ports map[uint16]struct{}
	known []string
}

func newLocalProxy(cfg Config) *localProxy {
	known := make([]string, len(cfg.KnownProxyApps))
	for i, a := range cfg.KnownProxyApps {
		known[i] = strings.ToLower(a)
	}
	return &localProxy{once: newOnce(cfg, cfg.DedupeWindow), ports: portSet(cfg.ProxyPorts), known: known}
}

func (d *localProxy) ID() string { return RuleLocalProxy }

func (d *localProxy) recognized(p *model.ProcessIdentity) bool {
	if p == nil {
		return false
	}
	name := strings.TrimSuffix(strings.ToLower(p.Name), ".exe")
	for _, k := range d.known {
		if name == k || strings.HasPrefix(name, k) {
			return true
		}
	}
	return false
}

func (d *localProxy) Observe(f *model.NormalizedFlow) []*model.Alert {
	port := f.Key.DstPort
	if !isListener(f) {
		return nil
	}
	if _, ok := d.ports[port]; !ok || d.recognized(f.Process) {
		return nil
	}

	var key string
	if f.Process != nil {
		key = fmt.Sprintf("%d|%s|%d", f.Process.PID, f.Process.Name, port)
	} else {
		key = fmt.Sprintf("-|%s|%d", f.Key.DstIP, port)
	}
	if !d.first(key, f.TsLast) {
		return nil
	}
	return []*model.Alert{newAlert(RuleLocalProxy, model.SeverityMedium, f, key,
		fmt.Sprintf("Unrecognized process listening on proxy port %d", port),
		fmt.Sprintf("%s is bound to well-known proxy/tunnel port %d and is not a known proxy application", procLabel(f), port),
		"Check whether a local proxy or tunnel was installed",
	)}
}
