package detect

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type entry[V any] struct {
	value   V
	touched time.Time
}

type shard[V any] struct {
	mu      sync.Mutex
	entries *simplelru.LRU[string, *entry[V]]
}

// state is a bounded, expiring map partitioned by key hash. Each shard is
// locked independently; when a shard is full its least recently touched
// entry is evicted.
type state[V any] struct {
	seed      maphash.Seed
	shards    []*shard[V]
	retention time.Duration
	evicted   atomic.Uint64
	expired   atomic.Uint64
}

func newState[V any](shards, perShard int, retention time.Duration) *state[V] {
	if shards <= 0 {
		shards = 16
	}
	if perShard <= 0 {
		perShard = 4096
	}
	s := &state[V]{seed: maphash.MakeSeed(), shards: make([]*shard[V], shards), retention: retention}
	for i := range s.shards {
		lru, _ := simplelru.NewLRU[string, *entry[V]](perShard, nil)
		s.shards[i] = &shard[V]{entries: lru}
	}
	return s
}

func (s *state[V]) shardFor(key string) *shard[V] {
	return s.shards[maphash.String(s.seed, key)%uint64(len(s.shards))]
}

// update runs fn on the entry for key under the shard lock. Expired
// entries are reset before fn sees them; fresh reports a new or reset
// entry.
func (s *state[V]) update(key string, now time.Time, fn func(v *V, fresh bool)) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries.Get(key)
	fresh := !ok
	if ok && s.retention > 0 && now.Sub(e.touched) > s.retention {
		var zero V
		e.value = zero
		fresh = true
		s.expired.Add(1)
	}
	if !ok {
		e = &entry[V]{}
		if sh.entries.Add(key, e) {
			s.evicted.Add(1)
		}
	}
	fn(&e.value, fresh)
	if now.After(e.touched) {
		e.touched = now
	}
}

// sweep removes entries idle for longer than the retention window. Shards
// are visited one at a time.
func (s *state[V]) sweep(watermark time.Time) int {
	if s.retention <= 0 {
		return 0
	}
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, key := range sh.entries.Keys() {
			if e, ok := sh.entries.Peek(key); ok && watermark.Sub(e.touched) > s.retention {
				sh.entries.Remove(key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	s.expired.Add(uint64(removed))
	return removed
}

func (s *state[V]) len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += sh.entries.Len()
		sh.mu.Unlock()
	}
	return n
}
