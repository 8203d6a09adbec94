// Package attention implements AttentionStore: the per-session KV cache
// registry spanning a device buffer, host memory, and disk, with prefill,
// decode, truncation, layer-wise preload, and background eviction.
package attention

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/zetareticula/kvcached/internal/eviction"
	"github.com/zetareticula/kvcached/internal/journal"
	"github.com/zetareticula/kvcached/internal/kverrors"
	"github.com/zetareticula/kvcached/internal/quant"
	"github.com/zetareticula/kvcached/internal/segment"
	"github.com/zetareticula/kvcached/internal/transfer"
)

// LayerCount is the number of transformer layers a KV chunk spans.
const LayerCount = 12

// EOSToken is the end-of-sequence sentinel that stops a decode loop early.
const EOSToken uint32 = 2

// MaxGenerationSteps bounds a single Decode call's generation loop.
const MaxGenerationSteps = 100

// KVChunk is one layer's worth of cached key/value state for one token,
// plus the positional encoding attached to it. PositionalEncoding is nil
// until TruncateCache re-embeds it per the layer_idx*max_tokens rule.
type KVChunk struct {
	Values             []float32
	PositionalEncoding []int32
}

// Compute generates the next token and its KV chunk given the previous
// token and the accumulated cache. It is supplied by the caller; the store
// has no model of its own.
type Compute func(ctx context.Context, prevToken uint32, cache []KVChunk) (nextToken uint32, chunk KVChunk, err error)

// Session holds one conversation's KV cache and placement bookkeeping.
// The session map's RWMutex only guards membership; a session's own mu
// serializes prefill/decode/truncate on it, so the map lock is never held
// across a compute callback or a transfer suspension point.
type Session struct {
	mu sync.Mutex

	ID           string
	Cache        []KVChunk
	LastActive   time.Time
	Truncated    bool
	SegmentID    string
	AccessCount  uint64
	SalienceMean float32

	layers int // 0 means the default LayerCount
}

func (s *Session) layerCount() int {
	if s.layers > 0 {
		return s.layers
	}
	return LayerCount
}

func (s *Session) tokenCount() int {
	return len(s.Cache) / s.layerCount()
}

func (s *Session) sizeKB() int {
	return s.tokenCount() * 1024
}

// snapshotStats reads the placement-relevant fields under the session lock.
func (s *Session) snapshotStats() (lastActive time.Time, accessCount uint64, salienceMean float32, sizeKB int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastActive, s.AccessCount, s.SalienceMean, s.sizeKB()
}

// Store is the session registry plus its three storage tiers.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	devMu        sync.Mutex
	deviceBuffer []KVChunk // hbm_buffer equivalent

	tiersMu sync.Mutex
	host    []*Session
	disk    []*Session

	hostCapacityKB int
	diskCapacityKB int

	layerCount int
	maxSteps   int
	eosToken   uint32

	hook        segment.Hook
	xfer        transfer.Engine
	compute     Compute
	evictPolicy eviction.Policy
	payload     *quant.PayloadCodec

	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

// Config configures a Store's capacities and collaborators. Zero values for
// LayerCount, MaxGenerationSteps, and EOSToken take the package defaults.
type Config struct {
	HostMemoryCapacityKB int
	DiskCapacityKB       int
	LayerCount           int
	MaxGenerationSteps   int
	EOSToken             uint32
	Hook                 segment.Hook
	Transfer             transfer.Engine
	Compute              Compute
	EvictionPolicy       eviction.Policy
	CompressionEnabled   bool
}

// New constructs a Store. A nil Hook defaults to segment.Noop{}; a nil
// Transfer defaults to an in-memory stub guarded by a circuit breaker with
// the package's default thresholds, so the deadline/backpressure contract
// holds even when no caller supplies its own engine.
func New(cfg Config) *Store {
	hook := cfg.Hook
	if hook == nil {
		hook = segment.Noop{}
	}
	xfer := cfg.Transfer
	if xfer == nil {
		xfer = transfer.NewDefaultGuardedEngine(transfer.NewMemEngine())
	}
	hostCap := cfg.HostMemoryCapacityKB
	if hostCap == 0 {
		hostCap = 1024 * 1024
	}
	diskCap := cfg.DiskCapacityKB
	if diskCap == 0 {
		diskCap = 10 * 1024 * 1024
	}
	layers := cfg.LayerCount
	if layers == 0 {
		layers = LayerCount
	}
	maxSteps := cfg.MaxGenerationSteps
	if maxSteps == 0 {
		maxSteps = MaxGenerationSteps
	}
	eos := cfg.EOSToken
	if eos == 0 {
		eos = EOSToken
	}
	payload, err := quant.NewPayloadCodec(cfg.CompressionEnabled)
	if err != nil {
		log.Printf("payload codec init failed, falling back to uncompressed: %v", err)
		payload, _ = quant.NewPayloadCodec(false)
	}
	return &Store{
		sessions:       make(map[string]*Session),
		hostCapacityKB: hostCap,
		diskCapacityKB: diskCap,
		layerCount:     layers,
		maxSteps:       maxSteps,
		eosToken:       eos,
		hook:           hook,
		xfer:           xfer,
		compute:        cfg.Compute,
		evictPolicy:    cfg.EvictionPolicy,
		payload:        payload,
	}
}

// ensureSession implements the "never await inside the lock-upgrade path"
// discipline: check under a read lock, drop it, do the async segment
// allocation with no lock held, then reacquire the write lock and insert
// only if another caller didn't win the race. A racer that loses unmounts
// the segment it allocated.
func (s *Store) ensureSession(ctx context.Context, sessionID string, seed []KVChunk) (*Session, error) {
	s.mu.RLock()
	_, exists := s.sessions[sessionID]
	s.mu.RUnlock()

	var segID string
	if !exists {
		id, err := s.allocateSegment(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		segID = id
	}

	s.mu.Lock()
	if sess, ok := s.sessions[sessionID]; ok {
		s.mu.Unlock()
		if segID != "" {
			if err := s.hook.UnmountSegment(segID, sessionID); err != nil && !segment.IsIdempotentSuccess(err) {
				log.Printf("unmount of unused segment %s: %v", segID, err)
			}
		}
		return sess, nil
	}
	sess := &Session{
		ID:         sessionID,
		Cache:      append([]KVChunk(nil), seed...),
		LastActive: time.Now(),
		SegmentID:  segID,
		layers:     s.layerCount,
	}
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	s.tiersMu.Lock()
	s.host = append(s.host, sess)
	s.tiersMu.Unlock()

	return sess, nil
}

func (s *Store) allocateSegment(ctx context.Context, sessionID string) (string, error) {
	seg := segment.Segment{
		ID:       fmt.Sprintf("seg-%d", time.Now().UnixNano()),
		Name:     fmt.Sprintf("seg_%s", sessionID),
		ClientID: sessionID,
	}
	err := s.hook.MountSegment(seg, sessionID)
	if err != nil && !segment.IsIdempotentSuccess(err) {
		return "", err
	}
	return seg.ID, nil
}

// Decode runs up to MaxGenerationSteps generation steps starting from
// token, stopping early on EOSToken, appending one KVChunk per step to the
// session's cache. LastActive is stamped once per completed step.
func (s *Store) Decode(ctx context.Context, sessionID string, token uint32, prevCache []KVChunk) (uint32, []KVChunk, error) {
	sess, err := s.ensureSession(ctx, sessionID, prevCache)
	if err != nil {
		return 0, nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := s.layerWisePreload(ctx, sess.Cache); err != nil {
		return 0, nil, err
	}

	next := token
	for step := 0; step < s.maxSteps; step++ {
		if s.compute == nil {
			break
		}
		if err := ctx.Err(); err != nil {
			return next, sess.Cache, err
		}
		nextToken, chunk, err := s.compute(ctx, next, sess.Cache)
		if err != nil {
			return 0, nil, err
		}
		sess.Cache = append(sess.Cache, chunk)
		sess.LastActive = time.Now()
		next = nextToken
		if next == s.eosToken {
			break
		}
	}

	sess.AccessCount++
	s.asyncSave(sess.ID, sess.Cache)
	return next, sess.Cache, nil
}

// Prefill seeds a session with newTokens' worth of KV chunks via Compute,
// preloading any existing cache layer-by-layer first.
func (s *Store) Prefill(ctx context.Context, sessionID string, newTokens []uint32) ([]KVChunk, error) {
	sess, err := s.ensureSession(ctx, sessionID, nil)
	if err != nil {
		return nil, err
	}

	out, err := s.prefillSession(ctx, sess, newTokens)
	if err != nil {
		return nil, err
	}
	// Eviction re-locks sessions to size them, so it runs only after the
	// session lock is released.
	s.evictIfNeeded()
	return out, nil
}

func (s *Store) prefillSession(ctx context.Context, sess *Session, newTokens []uint32) ([]KVChunk, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if len(sess.Cache) > 0 {
		if err := s.layerWisePreload(ctx, sess.Cache); err != nil {
			return nil, err
		}
	}

	for _, tok := range newTokens {
		if s.compute == nil {
			break
		}
		_, chunk, err := s.compute(ctx, tok, sess.Cache)
		if err != nil {
			return nil, err
		}
		sess.Cache = append(sess.Cache, chunk)
	}

	sess.LastActive = time.Now()
	s.asyncSave(sess.ID, sess.Cache)
	return sess.Cache, nil
}

// layerWisePreload stages the first LayerCount chunks of cache into the
// device buffer, loading each preceding layer asynchronously and yielding
// to let callers overlap the load with their own compute. A layer the
// transfer engine holds no copy of (kverrors.ErrNotFound) is staged from
// the in-memory cache alone; any other load error is returned.
func (s *Store) layerWisePreload(ctx context.Context, cache []KVChunk) error {
	s.devMu.Lock()
	defer s.devMu.Unlock()

	s.deviceBuffer = s.deviceBuffer[:0]
	limit := s.layerCount
	if limit > len(cache) {
		limit = len(cache)
	}
	for layerIdx := 0; layerIdx < limit; layerIdx++ {
		if layerIdx > 0 {
			req := transfer.Request{Opcode: transfer.OpRead, TargetID: int64(layerIdx - 1)}
			if _, err := s.xfer.AsyncLoad(ctx, req); err != nil && !errors.Is(err, kverrors.ErrNotFound) {
				return err
			}
		}
		s.deviceBuffer = append(s.deviceBuffer, cache[layerIdx])
		runtime.Gosched()
	}
	return nil
}

// asyncSave copies cache under the caller's session lock, frames it as one
// session-snapshot record of the persisted stream, and hands the bytes to
// the transfer engine on a background goroutine. Errors are logged, never
// propagated to the foreground caller.
func (s *Store) asyncSave(sessionID string, cache []KVChunk) {
	cacheCopy := append([]KVChunk(nil), cache...)
	go func() {
		flat := flattenChunks(cacheCopy)
		framed := journal.Marshal(journal.Record{
			Kind:    journal.KindSessionSnapshot,
			Version: journal.Version,
			Payload: s.payload.Encode(flat),
		})
		req := transfer.Request{
			Opcode:   transfer.OpWrite,
			Source:   framed,
			TargetID: hashSessionID(sessionID),
			Length:   uint64(len(framed)),
		}
		if err := s.xfer.AsyncSave(context.Background(), req); err != nil {
			log.Printf("async save failed for session %s: %v", sessionID, err)
		}
	}()
}

func flattenChunks(chunks []KVChunk) []float32 {
	total := 0
	for _, c := range chunks {
		total += len(c.Values)
	}
	out := make([]float32, 0, total)
	for _, c := range chunks {
		out = append(out, c.Values...)
	}
	return out
}

func hashSessionID(id string) int64 {
	var h int64 = 1469598103934665603
	for i := 0; i < len(id); i++ {
		h ^= int64(id[i])
		h *= 1099511628211
	}
	return h
}

// TruncateCache drops a session's cache down to maxTokens tokens' worth of
// chunks, re-embeds each remaining chunk's positional encoding as
// layer_idx*maxTokens (layer_idx = chunk index mod LayerCount), remounts
// its segment, and schedules an async save. Truncating twice to the same
// bound is a no-op after the first call.
func (s *Store) TruncateCache(ctx context.Context, sessionID string, maxTokens int) error {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.tokenCount() <= maxTokens {
		return nil
	}
	layers := sess.layerCount()
	sess.Cache = sess.Cache[:maxTokens*layers]
	sess.Truncated = true
	for i := range sess.Cache {
		layerIdx := i % layers
		sess.Cache[i].PositionalEncoding = PositionalEncoding(layerIdx, maxTokens)
	}

	if sess.SegmentID != "" {
		segs := []segment.Segment{{ID: sess.SegmentID, Name: fmt.Sprintf("seg_%s", sessionID), ClientID: sessionID}}
		if err := s.hook.RemountSegment(segs, sessionID); err != nil && !segment.IsIdempotentSuccess(err) {
			return err
		}
	}
	s.asyncSave(sess.ID, sess.Cache)
	return nil
}

// PositionalEncoding returns the truncated session's positional encoding:
// layer_idx*max_tokens repeated max_tokens times, per layer.
func PositionalEncoding(layerIdx, maxTokens int) []int32 {
	enc := make([]int32, maxTokens)
	for i := range enc {
		enc[i] = int32(layerIdx * maxTokens)
	}
	return enc
}

func (s *Store) evictIfNeeded() {
	s.tiersMu.Lock()
	hostUsed := 0
	for _, c := range s.host {
		_, _, _, kb := c.snapshotStats()
		hostUsed += kb
	}
	needsEvict := hostUsed > s.hostCapacityKB
	s.tiersMu.Unlock()
	if needsEvict {
		if err := s.Evict(); err != nil {
			log.Printf("evict: %v", err)
		}
	}
}

// Evict runs one eviction pass: the scheduler picks host-tier candidates to
// demote via a look-ahead window sized (host_cap+disk_cap)/1024, then host is
// drained into disk until it fits hostCapacityKB. A session that cannot fit
// in either tier surfaces kverrors.ErrCapacity to the caller.
func (s *Store) Evict() error {
	s.tiersMu.Lock()
	defer s.tiersMu.Unlock()

	candidates := make([]eviction.Candidate, len(s.host))
	hostSizes := make([]int, len(s.host))
	for i, sess := range s.host {
		lastActive, accessCount, salienceMean, kb := sess.snapshotStats()
		candidates[i] = eviction.Candidate{
			SpotID:       i,
			LastAccessed: lastActive.UnixNano(),
			AccessCount:  accessCount,
			SalienceMean: salienceMean,
		}
		hostSizes[i] = kb
	}
	diskUsed := 0
	for _, sess := range s.disk {
		_, _, _, kb := sess.snapshotStats()
		diskUsed += kb
	}

	window := (s.hostCapacityKB + s.diskCapacityKB) / 1024
	demote := eviction.SelectWindowed(candidates, s.evictPolicy, window)
	demoteSet := make(map[int]bool, len(demote))
	for _, idx := range demote {
		demoteSet[idx] = true
	}

	var kept []*Session
	var keptSizes []int
	var moved []*Session
	var movedSizes []int
	for i, sess := range s.host {
		if demoteSet[i] {
			moved = append(moved, sess)
			movedSizes = append(movedSizes, hostSizes[i])
		} else {
			kept = append(kept, sess)
			keptSizes = append(keptSizes, hostSizes[i])
		}
	}
	s.host = kept

	var overflow error
	for i, sess := range moved {
		if diskUsed < s.diskCapacityKB {
			s.disk = append(s.disk, sess)
			diskUsed += movedSizes[i]
		} else {
			overflow = fmt.Errorf("%w: session %s has no room in host or disk tier", kverrors.ErrCapacity, sess.ID)
		}
	}

	hostUsed := 0
	for _, kb := range keptSizes {
		hostUsed += kb
	}
	for hostUsed > s.hostCapacityKB && len(s.host) > 0 {
		popped := s.host[len(s.host)-1]
		poppedKB := keptSizes[len(s.host)-1]
		s.host = s.host[:len(s.host)-1]
		keptSizes = keptSizes[:len(keptSizes)-1]
		hostUsed -= poppedKB
		if diskUsed < s.diskCapacityKB {
			s.disk = append(s.disk, popped)
			diskUsed += poppedKB
		} else {
			overflow = fmt.Errorf("%w: session %s has no room in host or disk tier", kverrors.ErrCapacity, popped.ID)
			break
		}
	}
	return overflow
}

// StartSweep launches the background persistence sweep: every second, any
// session inactive for more than 60 seconds is saved and its segment
// unmounted.
func (s *Store) StartSweep(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.stopSweep = cancel
	s.sweepDone = make(chan struct{})
	go s.sweepLoop(ctx)
}

func (s *Store) sweepLoop(ctx context.Context) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Store) sweepOnce() {
	s.mu.RLock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	for _, sess := range all {
		sess.mu.Lock()
		stale := time.Since(sess.LastActive) > 60*time.Second
		var cacheCopy []KVChunk
		segID := sess.SegmentID
		if stale {
			cacheCopy = append([]KVChunk(nil), sess.Cache...)
		}
		sess.mu.Unlock()

		if !stale {
			continue
		}
		s.asyncSave(sess.ID, cacheCopy)
		if segID != "" {
			if err := s.hook.UnmountSegment(segID, sess.ID); err != nil && !segment.IsIdempotentSuccess(err) {
				log.Printf("unmount failed for segment %s: %v", segID, err)
			}
		}
	}
}

// StopSweep stops the background sweep started by StartSweep.
func (s *Store) StopSweep() {
	if s.stopSweep == nil {
		return
	}
	s.stopSweep()
	<-s.sweepDone
}

// Stats summarizes the session registry and tier occupancy.
type Stats struct {
	Sessions     int
	HostSessions int
	DiskSessions int
	HostUsedKB   int
	DiskUsedKB   int
	DeviceChunks int
}

// GetStats reports session counts and per-tier usage.
func (s *Store) GetStats() Stats {
	var st Stats

	s.mu.RLock()
	st.Sessions = len(s.sessions)
	s.mu.RUnlock()

	s.tiersMu.Lock()
	st.HostSessions = len(s.host)
	st.DiskSessions = len(s.disk)
	for _, sess := range s.host {
		_, _, _, kb := sess.snapshotStats()
		st.HostUsedKB += kb
	}
	for _, sess := range s.disk {
		_, _, _, kb := sess.snapshotStats()
		st.DiskUsedKB += kb
	}
	s.tiersMu.Unlock()

	s.devMu.Lock()
	st.DeviceChunks = len(s.deviceBuffer)
	s.devMu.Unlock()

	return st
}

// GetSession returns a snapshot copy of a session's cache, if present.
func (s *Store) GetSession(sessionID string) (*Session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	cp := &Session{
		ID:           sess.ID,
		Cache:        append([]KVChunk(nil), sess.Cache...),
		LastActive:   sess.LastActive,
		Truncated:    sess.Truncated,
		SegmentID:    sess.SegmentID,
		AccessCount:  sess.AccessCount,
		SalienceMean: sess.SalienceMean,
		layers:       sess.layers,
	}
	return cp, true
}
