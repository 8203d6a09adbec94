// Package validity implements ValidityIndex: a sharded mapping
// (spot_id, block_id) -> bool that is the authoritative "is this entry
// live?" oracle for the log-structured cache.
package validity

import (
	"hash/maphash"
	"sync"
)

const shardCount = 32

// Key identifies one block's slot inside the SpotManager's storage.
type Key struct {
	SpotID  int
	BlockID int
}

type shard struct {
	mu sync.RWMutex
	m  map[Key]bool
}

// Index is a sharded concurrent map from Key to liveness bit. Sharding
// follows the teacher's own hash-bucketed map pattern: keys are spread over
// shardCount mutex-guarded maps, so different keys contend only when they
// hash to the same shard.
type Index struct {
	seed   maphash.Seed
	shards [shardCount]*shard
}

// New creates an empty ValidityIndex.
func New() *Index {
	idx := &Index{seed: maphash.MakeSeed()}
	for i := range idx.shards {
		idx.shards[i] = &shard{m: make(map[Key]bool)}
	}
	return idx
}

func (idx *Index) shardFor(k Key) *shard {
	var h maphash.Hash
	h.SetSeed(idx.seed)
	var buf [16]byte
	buf[0] = byte(k.SpotID)
	buf[1] = byte(k.SpotID >> 8)
	buf[2] = byte(k.SpotID >> 16)
	buf[3] = byte(k.SpotID >> 24)
	buf[8] = byte(k.BlockID)
	buf[9] = byte(k.BlockID >> 8)
	buf[10] = byte(k.BlockID >> 16)
	buf[11] = byte(k.BlockID >> 24)
	h.Write(buf[:])
	return idx.shards[h.Sum64()%shardCount]
}

// Set records the liveness bit for key, inserting it if absent.
func (idx *Index) Set(key Key, valid bool) {
	sh := idx.shardFor(key)
	sh.mu.Lock()
	sh.m[key] = valid
	sh.mu.Unlock()
}

// Get returns the recorded liveness bit, and whether key is present at
// all.
func (idx *Index) Get(key Key) (valid bool, present bool) {
	sh := idx.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	valid, present = sh.m[key]
	return
}

// Delete removes key entirely (as opposed to flipping it to false).
func (idx *Index) Delete(key Key) {
	sh := idx.shardFor(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// Each calls fn for every (key, valid) pair across all shards. fn must not
// call back into the Index; Each takes a consistent per-shard snapshot but
// makes no cross-shard atomicity guarantee, matching the "snapshot per
// iteration, not per index" discipline the rest of this cache uses.
func (idx *Index) Each(fn func(Key, bool)) {
	for _, sh := range idx.shards {
		sh.mu.RLock()
		snap := make(map[Key]bool, len(sh.m))
		for k, v := range sh.m {
			snap[k] = v
		}
		sh.mu.RUnlock()
		for k, v := range snap {
			fn(k, v)
		}
	}
}

// CountValid returns the number of keys whose recorded bit is true.
func (idx *Index) CountValid() int {
	n := 0
	idx.Each(func(_ Key, v bool) {
		if v {
			n++
		}
	})
	return n
}

// Count returns the total number of keys recorded, valid or not.
func (idx *Index) Count() int {
	n := 0
	for _, sh := range idx.shards {
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}
