package detect

import (
	"fmt"
	"math"
	"strings"
	"time"

	"aegisflux/nets/internal/model"
)

const dnsBuckets = 12

// dnsCounts keeps total and NXDOMAIN counts in event-time buckets
type dnsCounts struct {
	epochs [dnsBuckets]int64
	total  [dnsBuckets]uint32
	nx     [dnsBuckets]uint32
	fired  bool
}

func (c *dnsCounts) add(epoch int64, nx bool) {
	slot := epoch % dnsBuckets
	if slot < 0 {
		slot += dnsBuckets
	}
	if c.epochs[slot] != epoch {
		if c.epochs[slot] > epoch {
			return
		}
		c.epochs[slot] = epoch
		c.total[slot] = 0
		c.nx[slot] = 0
	}
	c.total[slot]++
	if nx {
		c.nx[slot]++
	}
}

func (c *dnsCounts) sum(epoch int64) (total, nx uint32) {
	for i := 0; i < dnsBuckets; i++ {
		if age := epoch - c.epochs[i]; age >= 0 && age < dnsBuckets {
			total += c.total[i]
			nx += c.nx[i]
		}
	}
	return total, nx
}

type suspiciousDNS struct {
	window     time.Duration
	width      int64
	minQueries int
	failRatio  float64
	entropy    float64
	minLength  int

	sources *state[dnsCounts]
	domains once
}

func newSuspiciousDNS(cfg Config) *suspiciousDNS {
	width := int64(cfg.DNSWindow) / dnsBuckets
	if width <= 0 {
		width = 1
	}
	return &suspiciousDNS{
		window:     cfg.DNSWindow,
		width:      width,
		minQueries: cfg.DNSMinQueries,
		failRatio:  cfg.DNSFailRatio,
		entropy:    cfg.DGAEntropy,
		minLength:  cfg.DGAMinLength,
		sources:    newState[dnsCounts](cfg.Shards, cfg.MaxEntriesPerShard, cfg.DNSWindow),
		domains:    newOnce(cfg, cfg.DedupeWindow),
	}
}

func (d *suspiciousDNS) ID() string { return RuleSuspiciousDNS }

func (d *suspiciousDNS) Entries() int { return d.sources.len() + d.domains.Entries() }

func (d *suspiciousDNS) Evicted() uint64 {
	return d.sources.evicted.Load() + d.domains.Evicted()
}

func (d *suspiciousDNS) Sweep(watermark time.Time) int {
	return d.sources.sweep(watermark) + d.domains.Sweep(watermark)
}

// sourceKey attributes queries to the process when known, else the host
func sourceKey(f *model.NormalizedFlow) string {
	if f.Process != nil && f.Process.PID > 0 {
		return fmt.Sprintf("proc|%d|%s", f.Process.PID, f.Process.Name)
	}
	return "ip|" + f.Key.SrcIP.Unmap().String()
}

func (d *suspiciousDNS) Observe(f *model.NormalizedFlow) []*model.Alert {
	if f.DNS == nil || f.DNS.QName == "" {
		return nil
	}
	var out []*model.Alert
	if a := d.ratio(f); a != nil {
		out = append(out, a)
	}
	if a := d.dga(f); a != nil {
		out = append(out, a)
	}
	return out
}

func (d *suspiciousDNS) ratio(f *model.NormalizedFlow) *model.Alert {
	key := sourceKey(f)
	epoch := f.TsLast.UnixNano() / d.width
	nx := f.DNS.NXDomain()

	var (
		fire        bool
		total, fail uint32
	)
	d.sources.update(key, f.TsLast, func(c *dnsCounts, fresh bool) {
		if fresh {
			*c = dnsCounts{}
		}
		c.add(epoch, nx)
		total, fail = c.sum(epoch)
		over := int(total) >= d.minQueries && float64(fail)/float64(total) > d.failRatio
		if over && !c.fired {
			fire = true
		}
		c.fired = over
	})
	if !fire {
		return nil
	}

	ratio := float64(fail) / float64(total)
	return newAlert(RuleSuspiciousDNS, model.SeverityMedium, f, key,
		"Suspicious DNS failure rate",
		fmt.Sprintf("NXDOMAIN ratio %.0f%% (%d of %d queries) from %s within %s exceeds %.0f%%",
			ratio*100, fail, total, procLabel(f), d.window, d.failRatio*100),
		"Inspect the process for domain generation or misconfiguration",
	)
}

func (d *suspiciousDNS) dga(f *model.NormalizedFlow) *model.Alert {
	name := strings.ToLower(strings.TrimSuffix(f.DNS.QName, "."))
	label := longestLabel(name)
	score, ok := dgaScore(label, d.minLength, d.entropy)
	if !ok {
		return nil
	}
	key := "dga|" + name
	if !d.domains.first(key, f.TsLast) {
		return nil
	}
	return newAlert(RuleSuspiciousDNS, model.SeverityMedium, f, key,
		fmt.Sprintf("Possible generated domain %s", name),
		fmt.Sprintf("label %q has entropy %.2f bits, vowel ratio %.2f and digit ratio %.2f", label, score.entropy, score.vowels, score.digits),
		"Check the querying process for malware command and control",
	)
}

// longestLabel skips the top-level label
func longestLabel(name string) string {
	labels := strings.Split(name, ".")
	if len(labels) > 1 {
		labels = labels[:len(labels)-1]
	}
	best := ""
	for _, l := range labels {
		if len(l) > len(best) {
			best = l
		}
	}
	return best
}

type labelScore struct {
	entropy float64
	vowels  float64
	digits  float64
}

// dgaScore flags long, high-entropy labels with little linguistic structure
func dgaScore(label string, minLength int, minEntropy float64) (labelScore, bool) {
	if len(label) < minLength {
		return labelScore{}, false
	}
	freq := make(map[rune]int)
	var vowels, digits int
	for _, r := range label {
		freq[r]++
		switch {
		case strings.ContainsRune("aeiouy", r):
			vowels++
		case r >= '0' && r <= '9':
			digits++
		}
	}
	n := float64(len(label))
	var h float64
	for _, c := range freq {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	s := labelScore{entropy: h, vowels: float64(vowels) / n, digits: float64(digits) / n}
	return s, h >= minEntropy && (s.vowels < 0.25 || s.digits > 0.3)
}
