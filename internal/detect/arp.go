package detect

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"aegisflux/nets/internal/model"
)

type binding struct {
	mac  string
	seen time.Time
}

type arpSpoofing struct {
	retention time.Duration
	bindings  *state[binding]
	raised    once
}

func newARPSpoofing(cfg Config) *arpSpoofing {
	return &arpSpoofing{
		retention: cfg.ARPRetention,
		bindings:  newState[binding](cfg.Shards, cfg.MaxEntriesPerShard, cfg.ARPRetention),
		raised:    newOnce(cfg, cfg.ARPRetention),
	}
}

func (d *arpSpoofing) ID() string      { return RuleARPSpoofing }
func (d *arpSpoofing) Entries() int    { return d.bindings.len() + d.raised.Entries() }
func (d *arpSpoofing) Evicted() uint64 { return d.bindings.evicted.Load() + d.raised.Evicted() }

func (d *arpSpoofing) Sweep(watermark time.Time) int {
	return d.bindings.sweep(watermark) + d.raised.Sweep(watermark)
}

// Observe alerts when the MAC bound to an IP changes and then adopts the
// new MAC, so repeated packets with it stay quiet. Two MACs fighting over
// one IP raise one alert until the pair has been quiet for the retention
// window.
func (d *arpSpoofing) Observe(f *model.NormalizedFlow) []*model.Alert {
	l2 := f.Layer2
	if l2 == nil || l2.IPSrc == "" || l2.MACSrc == "" {
		return nil
	}
	kind := strings.ToLower(l2.Kind)
	if kind != "arp" && kind != "nd" {
		return nil
	}

	ip := l2.IPSrc
	mac := strings.ToLower(l2.MACSrc)
	var previous string
	d.bindings.update(ip, f.TsLast, func(b *binding, fresh bool) {
		if !fresh && b.mac != "" && b.mac != mac {
			previous = b.mac
		}
		b.mac = mac
		b.seen = f.TsLast
	})
	if previous == "" {
		return nil
	}

	pair := []string{previous, mac}
	sort.Strings(pair)
	key := fmt.Sprintf("%s|%s|%s", ip, pair[0], pair[1])
	if !d.raised.first(key, f.TsLast) {
		return nil
	}
	return []*model.Alert{newAlert(RuleARPSpoofing, model.SeverityHigh, f, key,
		fmt.Sprintf("ARP binding for %s changed", ip),
		fmt.Sprintf("%s was bound to %s and is now claimed by %s within %s", ip, previous, mac, d.retention),
		"Verify the gateway MAC and look for an ARP spoofing host on the segment",
	)}
}
