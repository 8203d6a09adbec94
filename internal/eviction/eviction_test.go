package eviction

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSelectEvictsQuarterOfPopulation(t *testing.T) {
	candidates := make([]Candidate, 8)
	for i := range candidates {
		candidates[i] = Candidate{SpotID: i, LastAccessed: int64(i), AccessCount: uint64(i)}
	}
	got := Select(candidates, LRU)
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2 (25%% of 8)", len(got))
	}
	if got[0] != 0 || got[1] != 1 {
		t.Fatalf("got %v, want [0 1] (oldest first)", got)
	}
}

func TestSelectAlwaysEvictsAtLeastOne(t *testing.T) {
	candidates := []Candidate{{SpotID: 5, LastAccessed: 1}, {SpotID: 2, LastAccessed: 2}}
	got := Select(candidates, LRU)
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if got[0] != 5 {
		t.Fatalf("got %v, want [5]", got)
	}
}

func TestSelectBreaksTiesBySpotIDAscending(t *testing.T) {
	candidates := []Candidate{
		{SpotID: 9, LastAccessed: 100},
		{SpotID: 1, LastAccessed: 100},
		{SpotID: 3, LastAccessed: 100},
		{SpotID: 2, LastAccessed: 100},
	}
	got := Select(candidates, LRU)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("got %v, want [1] (lowest spot id wins tie)", got)
	}
}

func TestAdaptivePolicyWeightsSalienceAndFrequency(t *testing.T) {
	candidates := []Candidate{
		{SpotID: 1, SalienceMean: 0.9, AccessCount: 100}, // high salience, high freq: not evictable
		{SpotID: 2, SalienceMean: 0.1, AccessCount: 0},   // low salience, never accessed: most evictable
		{SpotID: 3, SalienceMean: 0.5, AccessCount: 10},
		{SpotID: 4, SalienceMean: 0.5, AccessCount: 10},
	}
	got := Select(candidates, Adaptive)
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("got %v, want [2]", got)
	}
}

type fakeSource struct {
	mu      sync.Mutex
	spots   []Candidate
	evicted []int
}

func (f *fakeSource) Candidates() []Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Candidate, len(f.spots))
	copy(out, f.spots)
	return out
}

func (f *fakeSource) Evict(spotID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, spotID)
	for i, c := range f.spots {
		if c.SpotID == spotID {
			f.spots = append(f.spots[:i], f.spots[i+1:]...)
			break
		}
	}
}

func TestSchedulerRunOnceEvictsViaSource(t *testing.T) {
	src := &fakeSource{spots: []Candidate{{SpotID: 0, LastAccessed: 0}, {SpotID: 1, LastAccessed: 1}, {SpotID: 2, LastAccessed: 2}, {SpotID: 3, LastAccessed: 3}}}
	sched := NewScheduler(src, LRU, time.Hour)
	evicted := sched.RunOnce()
	if len(evicted) != 1 || evicted[0] != 0 {
		t.Fatalf("evicted = %v, want [0]", evicted)
	}
	if len(src.evicted) != 1 || src.evicted[0] != 0 {
		t.Fatalf("src.evicted = %v, want [0]", src.evicted)
	}
}

func TestSchedulerStartStopRunsInBackground(t *testing.T) {
	src := &fakeSource{spots: []Candidate{{SpotID: 0}, {SpotID: 1}, {SpotID: 2}, {SpotID: 3}}}
	sched := NewScheduler(src, LRU, 5*time.Millisecond)
	sched.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	sched.Stop()

	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.evicted) == 0 {
		t.Fatal("expected at least one background eviction pass")
	}
}
