// Package spot implements the Spot and SpotManager components: an ordered
// collection of fixed-length blocks, and the concurrent-map owner of all
// spots that allocates new ones on demand.
package spot

import (
	"sync"
	"sync/atomic"

	"github.com/zetareticula/kvcached/internal/block"
)

// Spot is an ordered, fixed-length sequence of Blocks. It becomes full when
// every block is non-Free.
type Spot struct {
	mu sync.Mutex

	ID       int
	Blocks   []*block.Block
	isFull   bool
	capacity int
}

// newSpot allocates a Spot of the given id with capacity blocks, all Free.
func newSpot(id, capacity int) *Spot {
	blocks := make([]*block.Block, capacity)
	for i := range blocks {
		blocks[i] = block.New(i, 1)
	}
	return &Spot{ID: id, Blocks: blocks, capacity: capacity}
}

// IsFull reports whether every block in the spot is non-Free.
func (s *Spot) IsFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isFull
}

// AppendBlock scans blocks in order and writes to the first Free one,
// returning its block id. Returns (0, false) when the spot is full.
func (s *Spot) AppendBlock(tokenID uint32, value float32, pointer int, bias float32) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isFull {
		return 0, false
	}
	for _, b := range s.Blocks {
		if b.State() == block.Free {
			b.Write(tokenID, value, pointer, bias, 0, block.GraphEntry{})
			s.recomputeFullLocked()
			return b.ID, true
		}
	}
	return 0, false
}

func (s *Spot) recomputeFullLocked() {
	for _, b := range s.Blocks {
		if b.State() == block.Free {
			s.isFull = false
			return
		}
	}
	s.isFull = true
}

// Stats aggregates the spot's non-Free blocks under its lock: the newest
// last-accessed stamp, the summed access count, the mean of the blocks'
// salience means, and how many blocks are occupied.
func (s *Spot) Stats() (lastAccessed int64, accessCount uint64, salienceMean float32, occupied int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var salienceSum float32
	for _, b := range s.Blocks {
		if b.State() == block.Free {
			continue
		}
		occupied++
		if la := b.LastAccessed(); la > lastAccessed {
			lastAccessed = la
		}
		accessCount += b.AccessCount()
		salienceSum += b.SalienceMean()
	}
	if occupied > 0 {
		salienceMean = salienceSum / float32(occupied)
	}
	return lastAccessed, accessCount, salienceMean, occupied
}

// Erase erases every block and clears the full flag.
func (s *Spot) Erase() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.Blocks {
		b.Erase()
	}
	s.isFull = false
}

// Block returns the block with the given id, for callers (ValidityIndex
// invalidation, LogStructuredCache) that already hold a spot reference.
// Only the lookup takes the spot's lock; the returned block is used without
// it, so mutations go through WithBlock.
func (s *Spot) Block(blockID int) *block.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blockID < 0 || blockID >= len(s.Blocks) {
		return nil
	}
	return s.Blocks[blockID]
}

// WithBlock runs fn on the block with blockID while holding the spot's
// lock, so state-machine transitions and the recomputed full flag stay
// consistent.
func (s *Spot) WithBlock(blockID int, fn func(*block.Block)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blockID < 0 || blockID >= len(s.Blocks) {
		return false
	}
	fn(s.Blocks[blockID])
	s.recomputeFullLocked()
	return true
}

// Manager owns all spots, keyed by spot id in a concurrent map, and
// allocates new spots on demand up to maxSpots.
type Manager struct {
	mu    sync.RWMutex
	spots map[int]*Spot
	order []int // insertion order, for deterministic append scanning

	nextSpotID    atomic.Int64
	spotCapacity  int // max spots
	blockCapacity int

	full atomic.Bool
}

// NewManager creates a SpotManager seeded with one empty spot, matching the
// teacher's/original source's convention of never starting with zero spots.
func NewManager(spotCapacity, blockCapacity int) *Manager {
	m := &Manager{
		spots:         make(map[int]*Spot),
		spotCapacity:  spotCapacity,
		blockCapacity: blockCapacity,
	}
	first := newSpot(0, blockCapacity)
	m.spots[0] = first
	m.order = append(m.order, 0)
	m.nextSpotID.Store(1)
	return m
}

// Append iterates present spots in insertion order, trying each until one
// accepts. If all refuse and spot count is below the cap, it allocates a
// new spot and retries once. At cap, it returns ok=false — callers
// translate that into "needs eviction".
func (m *Manager) Append(tokenID uint32, value float32, pointer int, bias float32) (spotID, blockID int, ok bool) {
	m.mu.RLock()
	order := make([]int, len(m.order))
	copy(order, m.order)
	m.mu.RUnlock()

	for _, id := range order {
		m.mu.RLock()
		sp, present := m.spots[id]
		m.mu.RUnlock()
		if !present {
			continue
		}
		if bid, accepted := sp.AppendBlock(tokenID, value, pointer, bias); accepted {
			return id, bid, true
		}
	}

	if m.full.Load() {
		return 0, 0, false
	}

	m.mu.Lock()
	if len(m.spots) >= m.spotCapacity {
		m.full.Store(true)
		m.mu.Unlock()
		return 0, 0, false
	}
	newID := int(m.nextSpotID.Add(1) - 1)
	sp := newSpot(newID, m.blockCapacity)
	m.spots[newID] = sp
	m.order = append(m.order, newID)
	if len(m.spots) >= m.spotCapacity {
		m.full.Store(true)
	}
	m.mu.Unlock()

	bid, accepted := sp.AppendBlock(tokenID, value, pointer, bias)
	if !accepted {
		return 0, 0, false
	}
	return newID, bid, true
}

// GetSpot returns the spot with the given id, if present.
func (m *Manager) GetSpot(spotID int) (*Spot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sp, ok := m.spots[spotID]
	return sp, ok
}

// EraseSpot erases all blocks in the spot; the spot remains allocated.
// Calling it twice on the same id has the same effect as calling it once.
func (m *Manager) EraseSpot(spotID int) {
	m.mu.RLock()
	sp, ok := m.spots[spotID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	sp.Erase()
}

// Iter returns a snapshot of the currently present spots. Iteration is
// snapshot-consistent: callers may iterate while writers append, but the
// snapshot does not grow mid-iteration.
func (m *Manager) Iter() []*Spot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Spot, 0, len(m.spots))
	for _, id := range m.order {
		if sp, ok := m.spots[id]; ok {
			out = append(out, sp)
		}
	}
	return out
}

// AtCapacity reports whether the manager can no longer allocate new spots.
func (m *Manager) AtCapacity() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.spots) >= m.spotCapacity
}

// SpotCount reports the number of spots currently allocated.
func (m *Manager) SpotCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.spots)
}
