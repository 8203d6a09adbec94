// Package block implements the fixed-capacity cell that holds one set of
// (K,V) entries plus metadata, and the small state machine that guards
// mutation.
package block

import "time"

// State is a Block's lifecycle stage.
type State int

const (
	// Free holds no live data; write() admits it.
	Free State = iota
	// Valid holds at least one live token entry.
	Valid
	// Obsolete has been unmapped; it still holds bytes but is no longer
	// addressable through the validity index.
	Obsolete
	// Invalid is fully dead; only erase() returns it to Free.
	Invalid
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Valid:
		return "valid"
	case Obsolete:
		return "obsolete"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// GraphEntry is one adjacency-list entry of the navigation graph: the
// vector-slot index and the ids of the slots it connects to.
type GraphEntry struct {
	VectorSlot int
	Adjacent   []int
}

// Block is the fixed-capacity log-structured storage cell described by
// spec's Block component. Callers are expected to hold whatever lock the
// owning Spot exposes before calling any method here; Block itself does no
// locking.
type Block struct {
	ID       int
	Capacity int

	state State

	data map[uint32]float32

	pointers  []int
	biases    []float32
	vectorIDs []uint32

	navGraph map[int][]int

	salience map[uint32]float32

	size         int
	accessCount  uint64
	lastAccessed int64 // monotonic seconds, per spec's "monotonic seconds" stamp
}

// New creates a Free block with the given id and capacity (the maximum
// number of distinct vector slots it will accumulate).
func New(id, capacity int) *Block {
	return &Block{
		ID:       id,
		Capacity: capacity,
		state:    Free,
		data:     make(map[uint32]float32),
		navGraph: make(map[int][]int),
		salience: make(map[uint32]float32),
	}
}

// State returns the block's current lifecycle stage.
func (b *Block) State() State { return b.state }

// Size returns the number of vector slots currently occupied.
func (b *Block) Size() int { return b.size }

// AccessCount returns how many times Write or an access-tracking touch has
// incremented the counter.
func (b *Block) AccessCount() uint64 { return b.accessCount }

// LastAccessed returns the monotonic-seconds timestamp of the most recent
// access, counted from package initialisation.
func (b *Block) LastAccessed() int64 { return b.lastAccessed }

// Contains reports whether tokenID currently has a live entry in this
// block's data map, regardless of block state.
func (b *Block) Contains(tokenID uint32) bool {
	_, ok := b.data[tokenID]
	return ok
}

// Write succeeds iff the block is Free or Valid. It inserts or updates the
// token's entry, appends to the parallel pointer/bias/vector-id slices,
// records the navigation-graph adjacency, bumps size and the access
// counter, stamps lastAccessed, and sets state to Valid.
func (b *Block) Write(tokenID uint32, value float32, pointer int, bias float32, vectorID uint32, graph GraphEntry) bool {
	if b.state != Free && b.state != Valid {
		return false
	}
	if _, exists := b.data[tokenID]; !exists {
		if b.size >= b.Capacity {
			return false
		}
		b.size++
	}
	b.data[tokenID] = value
	b.pointers = append(b.pointers, pointer)
	b.biases = append(b.biases, bias)
	b.vectorIDs = append(b.vectorIDs, vectorID)
	b.navGraph[graph.VectorSlot] = graph.Adjacent

	b.touch()
	b.state = Valid
	return true
}

// clockBase anchors lastAccessed stamps; time.Since reads the monotonic
// clock, so stamps never go backwards when the wall clock is adjusted.
var clockBase = time.Now()

func (b *Block) touch() {
	b.accessCount++
	b.lastAccessed = int64(time.Since(clockBase) / time.Second)
}

// UpdateSalience records a per-token salience score on the block.
func (b *Block) UpdateSalience(tokenID uint32, score float32) {
	b.salience[tokenID] = score
}

// GetSalience returns the recorded score for tokenID, if any. It never
// mutates state.
func (b *Block) GetSalience(tokenID uint32) (float32, bool) {
	s, ok := b.salience[tokenID]
	return s, ok
}

// SalienceMean returns the mean recorded salience across the block's
// tokens, or 0 when none has been recorded.
func (b *Block) SalienceMean() float32 {
	if len(b.salience) == 0 {
		return 0
	}
	var sum float32
	for _, s := range b.salience {
		sum += s
	}
	return sum / float32(len(b.salience))
}

// Unmap is the sole legal transition Valid -> Obsolete.
func (b *Block) Unmap() bool {
	if b.state != Valid {
		return false
	}
	b.state = Obsolete
	return true
}

// Invalidate is the sole legal transition Obsolete -> Invalid.
func (b *Block) Invalidate() bool {
	if b.state != Obsolete {
		return false
	}
	b.state = Invalid
	return true
}

// Erase resets content and state to Free from any state. A Free -> Free
// erase is a no-op on content (there is none) but is always legal.
func (b *Block) Erase() {
	for k := range b.data {
		delete(b.data, k)
	}
	b.pointers = b.pointers[:0]
	b.biases = b.biases[:0]
	b.vectorIDs = b.vectorIDs[:0]
	for k := range b.navGraph {
		delete(b.navGraph, k)
	}
	for k := range b.salience {
		delete(b.salience, k)
	}
	b.size = 0
	b.state = Free
}
