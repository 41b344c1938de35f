package rules

import (
	"hash/maphash"
	"sync"
	"time"
)

const windowBuckets = 60

// windowKey identifies one rate/burst counter
type windowKey struct {
	rule   string
	name   string
	window time.Duration
}

// counter is a ring of sub-window buckets driven by event time
type counter struct {
	width  int64
	counts [windowBuckets]uint64
	epochs [windowBuckets]int64
	latest int64
}

func newCounter(window time.Duration) *counter {
	width := int64(window) / windowBuckets
	if width <= 0 {
		width = 1
	}
	c := &counter{width: width}
	for i := range c.epochs {
		c.epochs[i] = -1
	}
	return c
}

func (c *counter) epoch(ts time.Time) int64 {
	return ts.UnixNano() / c.width
}

// add records n observations at ts. Observations older than the ring
// are dropped.
func (c *counter) add(ts time.Time, n uint64) {
	e := c.epoch(ts)
	if e <= c.latest-windowBuckets {
		return
	}
	slot := e % windowBuckets
	if slot < 0 {
		slot += windowBuckets
	}
	switch {
	case c.epochs[slot] == e:
		c.counts[slot] += n
	case c.epochs[slot] < e:
		c.epochs[slot] = e
		c.counts[slot] = n
	default:
		return
	}
	if e > c.latest {
		c.latest = e
	}
}

// sum returns the count over the trailing window ending at ts
func (c *counter) sum(ts time.Time) uint64 {
	e := c.epoch(ts)
	var total uint64
	for i := 0; i < windowBuckets; i++ {
		if age := e - c.epochs[i]; c.epochs[i] >= 0 && age >= 0 && age < windowBuckets {
			total += c.counts[i]
		}
	}
	return total
}

func (c *counter) idle(ts time.Time) bool {
	return c.epoch(ts)-c.latest >= windowBuckets
}

type windowShard struct {
	mu       sync.Mutex
	counters map[windowKey]*counter
}

// WindowStore holds rate and burst counters sharded by key hash so
// concurrent rules rarely contend
type WindowStore struct {
	seed   maphash.Seed
	shards []*windowShard
}

// NewWindowStore creates a store with the given shard count
func NewWindowStore(shards int) *WindowStore {
	if shards <= 0 {
		shards = 16
	}
	s := &WindowStore{seed: maphash.MakeSeed(), shards: make([]*windowShard, shards)}
	for i := range s.shards {
		s.shards[i] = &windowShard{counters: make(map[windowKey]*counter)}
	}
	return s
}

func (s *WindowStore) shard(k windowKey) *windowShard {
	var h maphash.Hash
	h.SetSeed(s.seed)
	h.WriteString(k.rule)
	h.WriteByte(0)
	h.WriteString(k.name)
	return s.shards[h.Sum64()%uint64(len(s.shards))]
}

// observe adds n at ts and returns the trailing count
func (s *WindowStore) observe(k windowKey, ts time.Time, n uint64) uint64 {
	sh := s.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[k]
	if !ok {
		c = newCounter(k.window)
		sh.counters[k] = c
	}
	if n > 0 {
		c.add(ts, n)
	}
	return c.sum(ts)
}

// Rotate drops counters that saw nothing during their whole window. It
// takes one shard lock at a time.
func (s *WindowStore) Rotate(now time.Time) int {
	dropped := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, c := range sh.counters {
			if c.idle(now) {
				delete(sh.counters, k)
				dropped++
			}
		}
		sh.mu.Unlock()
	}
	return dropped
}

// Len returns the number of live counters
func (s *WindowStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.counters)
		sh.mu.Unlock()
	}
	return n
}
