package detect

import (
	"fmt"
	"time"

	"aegisflux/nets/internal/model"
)

const (
	maxTrackedPorts = 1024
	maxScanRefs     = 5
)

type scanState struct {
	ports map[uint16]time.Time
	refs  []string
	fired bool
}

type portScan struct {
	window    time.Duration
	threshold int
	sources   *state[scanState]
}

func newPortScan(cfg Config) *portScan {
	return &portScan{
		window:    cfg.PortScanWindow,
		threshold: cfg.PortScanThreshold,
		sources:   newState[scanState](cfg.Shards, cfg.MaxEntriesPerShard, cfg.PortScanWindow),
	}
}

func (d *portScan) ID() string      { return RulePortScan }
func (d *portScan) Entries() int    { return d.sources.len() }
func (d *portScan) Evicted() uint64 { return d.sources.evicted.Load() }

func (d *portScan) Sweep(watermark time.Time) int {
	return d.sources.sweep(watermark)
}

func (d *portScan) Observe(f *model.NormalizedFlow) []*model.Alert {
	if f.State == model.StateListen || f.Key.DstPort == 0 || !f.Key.SrcIP.IsValid() {
		return nil
	}
	if f.Key.Proto != model.ProtoTCP && f.Key.Proto != model.ProtoUDP {
		return nil
	}

	now := f.TsLast
	src := f.Key.SrcIP.Unmap().String()
	var (
		fire  bool
		count int
		refs  []string
	)
	d.sources.update(src, now, func(st *scanState, fresh bool) {
		if fresh || st.ports == nil {
			st.ports = make(map[uint16]time.Time)
		}
		for port, seen := range st.ports {
			if now.Sub(seen) > d.window {
				delete(st.ports, port)
			}
		}
		if seen, ok := st.ports[f.Key.DstPort]; ok || len(st.ports) < maxTrackedPorts {
			if !ok || now.After(seen) {
				st.ports[f.Key.DstPort] = now
			}
		}

		st.refs = append(st.refs, f.ID)
		if len(st.refs) > maxScanRefs {
			st.refs = st.refs[len(st.refs)-maxScanRefs:]
		}

		count = len(st.ports)
		switch {
		case count > d.threshold && !st.fired:
			st.fired = true
			fire = true
			refs = append([]string(nil), st.refs[:len(st.refs)-1]...)
		case count <= d.threshold:
			st.fired = false
		}
	})
	if !fire {
		return nil
	}

	key := fmt.Sprintf("%s|%d", src, now.UnixNano())
	return []*model.Alert{newAlert(RulePortScan, model.SeverityHigh, f, key,
		fmt.Sprintf("Port scan from %s", src),
		fmt.Sprintf("%s contacted %d distinct destination ports within %s (threshold %d)", src, count, d.window, d.threshold),
		"Identify the scanning host and isolate it if the activity is not authorized",
		refs...,
	)}
}
