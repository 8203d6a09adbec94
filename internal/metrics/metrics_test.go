package metrics

import (
	"testing"
	"time"
)

func TestCounterIncrements(t *testing.T) {
	r := New()
	r.IncrCounter("ops", 1)
	r.IncrCounter("ops", 2)
	if got := r.Counter("ops"); got != 3 {
		t.Fatalf("Counter(ops) = %d, want 3", got)
	}
}

func TestHistogramAccumulates(t *testing.T) {
	r := New()
	r.ObserveLatency("update", 5*time.Millisecond)
	r.ObserveLatency("update", 15*time.Millisecond)

	snap, ok := r.Histogram("update")
	if !ok {
		t.Fatal("expected histogram to exist after observation")
	}
	if snap.Count != 2 {
		t.Fatalf("count = %d, want 2", snap.Count)
	}
	if snap.Min > 0.005+1e-9 {
		t.Fatalf("min = %v, want <= 0.005", snap.Min)
	}
	if snap.Max < 0.015-1e-9 {
		t.Fatalf("max = %v, want >= 0.015", snap.Max)
	}
}

func TestGaugeSetAndRead(t *testing.T) {
	r := New()
	r.SetGauge("host_mem_kb", 1024)
	v, ok := r.Gauge("host_mem_kb")
	if !ok || v != 1024 {
		t.Fatalf("Gauge = %v, %v, want 1024, true", v, ok)
	}
}

func TestEventLogIsAppendOnlyAndReplayable(t *testing.T) {
	r := New()
	r.RecordEvent("block.write", 10, "admitted")
	r.RecordEvent("block.invalidate", 10, "below threshold")

	events := r.Events()
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Name != "block.write" || events[0].TokenID != 10 {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
}
