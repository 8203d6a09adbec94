package block

import "testing"

func TestWriteTransitionsFreeToValid(t *testing.T) {
	b := New(0, 4)
	if b.State() != Free {
		t.Fatalf("new block state = %v, want Free", b.State())
	}
	if !b.Write(10, 1.0, 0, 0.0, 0, GraphEntry{}) {
		t.Fatal("write on Free block should succeed")
	}
	if b.State() != Valid {
		t.Fatalf("state after write = %v, want Valid", b.State())
	}
	if b.Size() != 1 {
		t.Fatalf("size after one write = %d, want 1", b.Size())
	}
}

func TestWriteUpdatesExistingTokenWithoutGrowingSize(t *testing.T) {
	b := New(0, 4)
	b.Write(10, 1.0, 0, 0.0, 0, GraphEntry{})
	b.Write(10, 2.0, 1, 0.1, 0, GraphEntry{})
	if b.Size() != 1 {
		t.Fatalf("size after rewrite of same token = %d, want 1", b.Size())
	}
}

func TestWriteRefusesNewTokenBeyondCapacity(t *testing.T) {
	b := New(0, 1)
	if !b.Write(10, 1.0, 0, 0.0, 0, GraphEntry{}) {
		t.Fatal("first write should succeed")
	}
	if b.Write(11, 1.0, 1, 0.0, 0, GraphEntry{}) {
		t.Fatal("write of a second distinct token should refuse at capacity 1")
	}
	if !b.Write(10, 2.0, 1, 0.0, 0, GraphEntry{}) {
		t.Fatal("rewrite of an existing token should still succeed at capacity")
	}
	if b.Size() != 1 {
		t.Fatalf("size = %d, want 1", b.Size())
	}
}

func TestStateMachineLegalTransitions(t *testing.T) {
	b := New(0, 4)
	b.Write(10, 1.0, 0, 0.0, 0, GraphEntry{})

	if b.Invalidate() {
		t.Fatal("invalidate from Valid should fail (must unmap first)")
	}
	if !b.Unmap() {
		t.Fatal("unmap from Valid should succeed")
	}
	if b.State() != Obsolete {
		t.Fatalf("state after unmap = %v, want Obsolete", b.State())
	}
	if b.Unmap() {
		t.Fatal("unmap from Obsolete should fail")
	}
	if !b.Invalidate() {
		t.Fatal("invalidate from Obsolete should succeed")
	}
	if b.State() != Invalid {
		t.Fatalf("state after invalidate = %v, want Invalid", b.State())
	}

	b.Erase()
	if b.State() != Free {
		t.Fatalf("state after erase = %v, want Free", b.State())
	}
	if b.Size() != 0 {
		t.Fatalf("size after erase = %d, want 0", b.Size())
	}
}

func TestEraseIsIdempotentFromFree(t *testing.T) {
	b := New(0, 4)
	b.Erase()
	b.Erase()
	if b.State() != Free {
		t.Fatalf("state = %v, want Free", b.State())
	}
}

func TestGetSalienceNeverMutatesState(t *testing.T) {
	b := New(0, 4)
	b.Write(10, 1.0, 0, 0.0, 0, GraphEntry{})
	b.UpdateSalience(10, 0.8)

	before := b.State()
	score, ok := b.GetSalience(10)
	if !ok || score != 0.8 {
		t.Fatalf("GetSalience = %v, %v, want 0.8, true", score, ok)
	}
	if b.State() != before {
		t.Fatalf("GetSalience mutated state: %v -> %v", before, b.State())
	}
	if _, ok := b.GetSalience(999); ok {
		t.Fatal("GetSalience for unknown token should report ok=false")
	}
}
