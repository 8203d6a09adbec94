package validity

import "testing"

func TestSetGetRoundTrip(t *testing.T) {
	idx := New()
	k := Key{SpotID: 1, BlockID: 2}

	if _, present := idx.Get(k); present {
		t.Fatal("fresh index should not report key present")
	}

	idx.Set(k, true)
	valid, present := idx.Get(k)
	if !present || !valid {
		t.Fatalf("Get after Set(true) = %v, %v, want true, true", valid, present)
	}

	idx.Set(k, false)
	valid, present = idx.Get(k)
	if !present || valid {
		t.Fatalf("Get after Set(false) = %v, %v, want false, true", valid, present)
	}
}

func TestCountValid(t *testing.T) {
	idx := New()
	idx.Set(Key{0, 0}, true)
	idx.Set(Key{0, 1}, true)
	idx.Set(Key{0, 2}, false)

	if got := idx.CountValid(); got != 2 {
		t.Fatalf("CountValid() = %d, want 2", got)
	}
	if got := idx.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}
}

func TestDeleteRemovesKeyEntirely(t *testing.T) {
	idx := New()
	k := Key{SpotID: 5, BlockID: 5}
	idx.Set(k, true)
	idx.Delete(k)
	if _, present := idx.Get(k); present {
		t.Fatal("deleted key should not be present")
	}
}
