package attention

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zetareticula/kvcached/internal/eviction"
)

func stubCompute(nextToken uint32) Compute {
	return func(_ context.Context, _ uint32, _ []KVChunk) (uint32, KVChunk, error) {
		return nextToken, KVChunk{Values: []float32{1, 2, 3}}, nil
	}
}

func TestPrefillSeedsSessionCache(t *testing.T) {
	store := New(Config{Compute: stubCompute(5)})
	cache, err := store.Prefill(context.Background(), "sess-1", []uint32{1, 2, 3})
	if err != nil {
		t.Fatalf("Prefill: %v", err)
	}
	if len(cache) != 3 {
		t.Fatalf("len(cache) = %d, want 3", len(cache))
	}
}

func TestDecodeStopsOnEOSToken(t *testing.T) {
	store := New(Config{Compute: stubCompute(EOSToken)})
	next, cache, err := store.Decode(context.Background(), "sess-2", 1, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if next != EOSToken {
		t.Fatalf("next = %d, want EOSToken", next)
	}
	if len(cache) != 1 {
		t.Fatalf("len(cache) = %d, want 1 (stopped after first step)", len(cache))
	}
}

func TestDecodeBreaksAtTheStepThatProducesEOS(t *testing.T) {
	steps := 0
	compute := func(_ context.Context, _ uint32, _ []KVChunk) (uint32, KVChunk, error) {
		steps++
		if steps == 3 {
			return EOSToken, KVChunk{Values: []float32{1}}, nil
		}
		return 7, KVChunk{Values: []float32{1}}, nil
	}
	store := New(Config{Compute: compute})
	next, cache, err := store.Decode(context.Background(), "sess-eos", 1, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if next != EOSToken {
		t.Fatalf("next = %d, want EOSToken", next)
	}
	if steps != 3 {
		t.Fatalf("compute ran %d times, want 3", steps)
	}
	if len(cache) != 3 {
		t.Fatalf("len(cache) = %d, want 3 (one chunk per completed step)", len(cache))
	}
}

func TestDecodeRunsUpToMaxGenerationSteps(t *testing.T) {
	store := New(Config{Compute: stubCompute(99)}) // never EOS
	_, cache, err := store.Decode(context.Background(), "sess-3", 1, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(cache) != MaxGenerationSteps {
		t.Fatalf("len(cache) = %d, want %d", len(cache), MaxGenerationSteps)
	}
}

func TestTruncateCacheDropsExcessTokens(t *testing.T) {
	store := New(Config{})
	cache := make([]KVChunk, 3*LayerCount)
	for i := range cache {
		cache[i] = KVChunk{Values: []float32{float32(i)}}
	}
	if _, err := store.ensureSession(context.Background(), "sess-4", cache); err != nil {
		t.Fatalf("ensureSession: %v", err)
	}
	if err := store.TruncateCache(context.Background(), "sess-4", 1); err != nil {
		t.Fatalf("TruncateCache: %v", err)
	}
	sess, ok := store.GetSession("sess-4")
	if !ok {
		t.Fatal("expected session to exist")
	}
	if sess.tokenCount() != 1 {
		t.Fatalf("tokenCount = %d, want 1", sess.tokenCount())
	}
	if !sess.Truncated {
		t.Fatal("expected Truncated = true")
	}
	for i, chunk := range sess.Cache {
		layerIdx := i % LayerCount
		want := PositionalEncoding(layerIdx, 1)
		if diffLen := len(chunk.PositionalEncoding); diffLen != len(want) {
			t.Fatalf("chunk[%d].PositionalEncoding has len %d, want %d", i, diffLen, len(want))
		}
		for j, v := range want {
			if chunk.PositionalEncoding[j] != v {
				t.Fatalf("chunk[%d].PositionalEncoding[%d] = %d, want %d", i, j, chunk.PositionalEncoding[j], v)
			}
		}
	}
}

func TestPositionalEncodingRepeatsLayerIndexTimesMaxTokens(t *testing.T) {
	enc := PositionalEncoding(2, 4)
	want := []int32{8, 8, 8, 8}
	if diff := cmp.Diff(want, enc); diff != "" {
		t.Fatalf("PositionalEncoding(2, 4) mismatch (-want +got):\n%s", diff)
	}
}

func TestTruncateCacheTwiceIsANoopAfterTheFirst(t *testing.T) {
	store := New(Config{})
	cache := make([]KVChunk, 3*LayerCount)
	if _, err := store.ensureSession(context.Background(), "sess-trunc2", cache); err != nil {
		t.Fatalf("ensureSession: %v", err)
	}
	if err := store.TruncateCache(context.Background(), "sess-trunc2", 1); err != nil {
		t.Fatalf("first TruncateCache: %v", err)
	}
	first, _ := store.GetSession("sess-trunc2")
	if err := store.TruncateCache(context.Background(), "sess-trunc2", 1); err != nil {
		t.Fatalf("second TruncateCache: %v", err)
	}
	second, _ := store.GetSession("sess-trunc2")
	if len(first.Cache) != len(second.Cache) {
		t.Fatalf("second truncate changed cache length: %d -> %d", len(first.Cache), len(second.Cache))
	}
}

func TestLayerWisePreloadWithEmptyCacheSucceeds(t *testing.T) {
	store := New(Config{})
	if err := store.layerWisePreload(context.Background(), nil); err != nil {
		t.Fatalf("layerWisePreload(empty): %v", err)
	}
	store.devMu.Lock()
	defer store.devMu.Unlock()
	if len(store.deviceBuffer) != 0 {
		t.Fatalf("device buffer has %d entries, want 0", len(store.deviceBuffer))
	}
}

func TestEvictAdaptivePolicyDemotesLowSalienceLowAccessSession(t *testing.T) {
	store := New(Config{
		HostMemoryCapacityKB: 2 * 1024,
		DiskCapacityKB:       100 * 1024,
		EvictionPolicy:       eviction.Adaptive,
	})
	oneToken := make([]KVChunk, LayerCount)
	add := func(id string, salience float32, access uint64) *Session {
		sess := &Session{ID: id, Cache: append([]KVChunk(nil), oneToken...), LastActive: time.Now(), SalienceMean: salience, AccessCount: access}
		store.host = append(store.host, sess)
		return sess
	}
	add("hot", 0.9, 10)
	add("warm", 0.5, 5)
	add("cold", 0.1, 1)

	if err := store.Evict(); err != nil {
		t.Fatalf("Evict: %v", err)
	}

	store.tiersMu.Lock()
	defer store.tiersMu.Unlock()
	if len(store.disk) != 1 || store.disk[0].ID != "cold" {
		t.Fatalf("disk tier = %v, want exactly the cold session", tierIDs(store.disk))
	}
	for _, sess := range store.host {
		if sess.ID == "cold" {
			t.Fatal("cold session still in host tier after eviction")
		}
	}
	hot := false
	for _, sess := range store.host {
		if sess.ID == "hot" {
			hot = true
		}
	}
	if !hot {
		t.Fatal("hot session should remain in host tier")
	}
}

func tierIDs(tier []*Session) []string {
	out := make([]string, len(tier))
	for i, sess := range tier {
		out[i] = sess.ID
	}
	return out
}

func TestEvictMovesSessionsFromHostToDisk(t *testing.T) {
	store := New(Config{HostMemoryCapacityKB: 1, DiskCapacityKB: 1000})
	big := make([]KVChunk, 2*LayerCount)
	store.host = append(store.host, &Session{ID: "a", Cache: big, LastActive: time.Now()})
	if err := store.Evict(); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if len(store.disk) == 0 {
		t.Fatal("expected session to be moved to disk")
	}
}

func TestEvictReturnsCapacityErrorOnDiskOverflow(t *testing.T) {
	store := New(Config{HostMemoryCapacityKB: 1, DiskCapacityKB: 1})
	full := make([]KVChunk, 1*LayerCount)
	store.disk = append(store.disk, &Session{ID: "already-on-disk", Cache: full, LastActive: time.Now()})
	big := make([]KVChunk, 2*LayerCount)
	store.host = append(store.host, &Session{ID: "a", Cache: big, LastActive: time.Now()})
	err := store.Evict()
	if err == nil {
		t.Fatal("expected a capacity error when disk also has no room")
	}
}

func TestPrefillPlacesNewSessionInHostTier(t *testing.T) {
	store := New(Config{Compute: stubCompute(5)})
	if _, err := store.Prefill(context.Background(), "sess-host", []uint32{1}); err != nil {
		t.Fatalf("Prefill: %v", err)
	}
	store.tiersMu.Lock()
	defer store.tiersMu.Unlock()
	found := false
	for _, sess := range store.host {
		if sess.ID == "sess-host" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected newly created session to be tracked in the host tier")
	}
}

func TestGetStatsCountsSessionsAndTiers(t *testing.T) {
	store := New(Config{Compute: stubCompute(5)})
	if _, err := store.Prefill(context.Background(), "sess-stats", []uint32{1, 2}); err != nil {
		t.Fatalf("Prefill: %v", err)
	}
	st := store.GetStats()
	if st.Sessions != 1 {
		t.Fatalf("Sessions = %d, want 1", st.Sessions)
	}
	if st.HostSessions != 1 {
		t.Fatalf("HostSessions = %d, want 1", st.HostSessions)
	}
	if st.DiskSessions != 0 {
		t.Fatalf("DiskSessions = %d, want 0", st.DiskSessions)
	}
}

func TestStartStopSweepDoesNotPanic(t *testing.T) {
	store := New(Config{})
	store.StartSweep(context.Background())
	time.Sleep(5 * time.Millisecond)
	store.StopSweep()
}
