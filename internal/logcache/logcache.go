// Package logcache implements LogStructuredCache: the component that
// composes SpotManager and ValidityIndex into append-only writes, lazy
// invalidation, and bulk erase of full spots.
package logcache

import (
	"sync"

	"github.com/zetareticula/kvcached/internal/block"
	"github.com/zetareticula/kvcached/internal/eviction"
	"github.com/zetareticula/kvcached/internal/spot"
	"github.com/zetareticula/kvcached/internal/validity"
)

// Stats summarizes the current state of the cache, per GetStats of the
// exposed interface.
type Stats struct {
	TotalBlocks int
	ValidBlocks int
	TotalSpots  int
}

// Cache is the LogStructuredCache component. The append path (Update) is
// linearized by a single mutex; reads of the validity index do not take
// this mutex, matching the concurrency discipline in spec's locking
// section.
type Cache struct {
	Spots     *spot.Manager
	Valid     *validity.Index
	threshold float32

	appendMu sync.Mutex
}

// New builds a LogStructuredCache over a freshly constructed SpotManager.
func New(spotCapacity, blockCapacity int, salienceThreshold float32) *Cache {
	return &Cache{
		Spots:     spot.NewManager(spotCapacity, blockCapacity),
		Valid:     validity.New(),
		threshold: salienceThreshold,
	}
}

// Update is admission-gated by salience >= threshold; otherwise it is a
// silent skip (the validity index is unchanged). When admitted, the append
// happens inside the single append-path mutex: append to SpotManager,
// obtain (spot_id, block_id), then record it live in the validity index.
// It reports whether the value was admitted and, if so, whether the
// SpotManager had room (false/false means capacity exhausted — callers
// translate that into "needs eviction").
func (c *Cache) Update(tokenID uint32, value, salience float32, pointer int, bias float32) (admitted, placed bool) {
	if salience < c.threshold {
		return false, false
	}

	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	spotID, blockID, ok := c.Spots.Append(tokenID, value, pointer, bias)
	if !ok {
		return true, false
	}
	c.Valid.Set(validity.Key{SpotID: spotID, BlockID: blockID}, true)
	return true, true
}

// InvalidateLowSalience walks the given (token_id, salience) pairs; for
// each below threshold, it finds the first live entry whose block holds
// that token, unmaps then invalidates the block, and flips the validity
// bit to false. At most one block per token is invalidated per call
// (first-match; rotation of validity bits across historical versions is
// the invalidator's responsibility per spec).
func (c *Cache) InvalidateLowSalience(scores []TokenSalience) {
	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	for _, ts := range scores {
		if ts.Salience >= c.threshold {
			continue
		}
		c.invalidateOne(ts.TokenID)
	}
}

// TokenSalience pairs a token id with its current salience score, the
// input shape InvalidateLowSalience expects.
type TokenSalience struct {
	TokenID  uint32
	Salience float32
}

func (c *Cache) invalidateOne(tokenID uint32) {
	var found bool
	c.Valid.Each(func(k validity.Key, live bool) {
		if found || !live {
			return
		}
		sp, ok := c.Spots.GetSpot(k.SpotID)
		if !ok {
			return
		}
		if blk := sp.Block(k.BlockID); blk == nil || !blk.Contains(tokenID) {
			return
		}
		sp.WithBlock(k.BlockID, func(b *block.Block) {
			b.Unmap()
			b.Invalidate()
		})
		c.Valid.Set(k, false)
		found = true
	})
}

// EraseFullSpots erases every spot reporting is_full wholesale, reclaiming
// capacity. Validity entries for the erased spots are dropped with them, so
// a true bit never outlives its block's Valid state. There is no promise of
// timeliness; callers invoke this opportunistically.
func (c *Cache) EraseFullSpots() {
	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	erased := make(map[int]bool)
	for _, sp := range c.Spots.Iter() {
		if sp.IsFull() {
			c.Spots.EraseSpot(sp.ID)
			erased[sp.ID] = true
		}
	}
	c.dropValidityLocked(erased)
}

// dropValidityLocked removes every validity entry belonging to the erased
// spots. Callers hold appendMu.
func (c *Cache) dropValidityLocked(erased map[int]bool) {
	if len(erased) == 0 {
		return
	}
	var dead []validity.Key
	c.Valid.Each(func(k validity.Key, _ bool) {
		if erased[k.SpotID] {
			dead = append(dead, k)
		}
	})
	for _, k := range dead {
		c.Valid.Delete(k)
	}
}

// EvictionSource adapts the cache to the eviction scheduler's Source
// interface: candidates are the occupied spots with their aggregate
// recency/frequency/salience stats, and evicting a spot erases its blocks
// and drops its validity entries.
type EvictionSource struct {
	cache *Cache
}

// EvictionSource returns the adapter the background eviction scheduler
// runs against.
func (c *Cache) EvictionSource() *EvictionSource {
	return &EvictionSource{cache: c}
}

// Candidates reports one candidate per spot holding at least one occupied
// block, and nothing at all while the SpotManager can still allocate — the
// background pass reclaims under capacity pressure only.
func (s *EvictionSource) Candidates() []eviction.Candidate {
	if !s.cache.Spots.AtCapacity() {
		return nil
	}
	var out []eviction.Candidate
	for _, sp := range s.cache.Spots.Iter() {
		lastAccessed, accessCount, salienceMean, occupied := sp.Stats()
		if occupied == 0 {
			continue
		}
		out = append(out, eviction.Candidate{
			SpotID:       sp.ID,
			LastAccessed: lastAccessed,
			AccessCount:  accessCount,
			SalienceMean: salienceMean,
		})
	}
	return out
}

// Evict erases the chosen spot and removes its validity entries.
func (s *EvictionSource) Evict(spotID int) {
	c := s.cache
	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	c.Spots.EraseSpot(spotID)
	c.dropValidityLocked(map[int]bool{spotID: true})
}

var _ eviction.Source = (*EvictionSource)(nil)

// GetStats reports total/valid block counts (derived from the validity
// index) and the current spot count.
func (c *Cache) GetStats() Stats {
	return Stats{
		TotalBlocks: c.Valid.Count(),
		ValidBlocks: c.Valid.CountValid(),
		TotalSpots:  c.Spots.SpotCount(),
	}
}

