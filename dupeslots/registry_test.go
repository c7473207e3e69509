package dupeslots

import "testing"

func withFakeAliveSet(t *testing.T, alive map[uint32]bool) {
	old := processAlive
	processAlive = func(pid uint32) bool { return alive[pid] }
	t.Cleanup(func() { processAlive = old })
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	r, err := Open(t.TempDir(), "test", 4)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	d := Digest("1.2.3.4", "/foo.bin")
	admitted, slot := r.Acquire(d, 1)
	if !admitted || slot < 0 {
		t.Fatalf("admitted=%v slot=%d", admitted, slot)
	}
	r.Release(slot)

	// slot must be reusable now.
	admitted2, slot2 := r.Acquire(d, 1)
	if !admitted2 || slot2 < 0 {
		t.Fatalf("admitted=%v slot=%d after release", admitted2, slot2)
	}
}

// TestConcurrentAcquiresFromSameProcessCountAgainstEachOther is spec §8
// scenario 6: cap=1, two concurrent GETs for the same (client, URI), the
// second must be rejected. Both come from this one test process — an
// earlier revision used this process's pid as the slot owner, so the
// second Acquire always saw the first slot as "mine" and never counted it.
func TestConcurrentAcquiresFromSameProcessCountAgainstEachOther(t *testing.T) {
	r, err := Open(t.TempDir(), "test", 4)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	d := Digest("1.2.3.4", "/foo.bin")
	if admitted, slot := r.Acquire(d, 1); !admitted || slot < 0 {
		t.Fatalf("first acquire should be admitted with a tracked slot, got admitted=%v slot=%d", admitted, slot)
	}
	if admitted, slot := r.Acquire(d, 1); admitted {
		t.Fatalf("second concurrent acquire for the same digest at cap=1 should be rejected, got slot=%d", slot)
	}
}

func TestAcquireRejectsAtCap(t *testing.T) {
	r, err := Open(t.TempDir(), "test", 4)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	d := Digest("1.2.3.4", "/foo.bin")
	if admitted, _ := r.Acquire(d, 1); !admitted {
		t.Fatal("first acquire should be admitted")
	}
	if admitted, slot := r.Acquire(d, 1); admitted {
		t.Fatalf("second acquire for same digest at cap=1 should be rejected, got slot=%d", slot)
	}
}

func TestReleasedSlotNoLongerCountsAgainstCap(t *testing.T) {
	r, err := Open(t.TempDir(), "test", 4)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	d := Digest("1.2.3.4", "/foo.bin")
	admitted, slot := r.Acquire(d, 1)
	if !admitted {
		t.Fatal("first acquire should be admitted")
	}
	r.Release(slot)

	// with the first request's slot released, a second should be let in
	// rather than rejected.
	if admitted, _ := r.Acquire(d, 1); !admitted {
		t.Fatal("acquire after release should be admitted")
	}
}

func TestLeakedOwnSlotIsReclaimed(t *testing.T) {
	r, err := Open(t.TempDir(), "test", 4)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	d := Digest("1.2.3.4", "/foo.bin")
	// simulate a request that reserved a slot and then crashed without
	// calling Release: the slot still bears our own pid, but its request
	// id was never added to (or was removed from) the active set.
	r.writeSlot(0, r.pid, 999, d)

	admitted, slot := r.Acquire(d, 1)
	if !admitted {
		t.Fatal("a leaked own-process slot should not count toward the cap")
	}
	if slot != 0 {
		t.Fatalf("expected the leaked slot to be reclaimed, got slot=%d", slot)
	}
}

func TestDeadPIDSlotIsReclaimed(t *testing.T) {
	withFakeAliveSet(t, map[uint32]bool{})

	r, err := Open(t.TempDir(), "test", 4)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	d := Digest("1.2.3.4", "/foo.bin")
	// manually plant a slot for a dead pid from another process.
	r.writeSlot(0, 999, 1, d)

	admitted, slot := r.Acquire(d, 1)
	if !admitted {
		t.Fatal("dead pid's slot should not count toward the cap")
	}
	if slot != 0 {
		t.Fatalf("expected the dead pid's slot to be reclaimed, got slot=%d", slot)
	}
}

func TestLivePIDFromAnotherProcessCountsAgainstCap(t *testing.T) {
	withFakeAliveSet(t, map[uint32]bool{999: true})

	r, err := Open(t.TempDir(), "test", 4)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	d := Digest("1.2.3.4", "/foo.bin")
	// a slot genuinely owned by another, still-live offload-server process.
	r.writeSlot(0, 999, 1, d)

	if admitted, slot := r.Acquire(d, 1); admitted {
		t.Fatalf("a live other-process slot should count toward cap=1, got slot=%d", slot)
	}
}

func TestZeroCapDisablesRegistry(t *testing.T) {
	r, err := Open(t.TempDir(), "test", 4)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	d := Digest("1.2.3.4", "/foo.bin")
	admitted, slot := r.Acquire(d, 0)
	if !admitted || slot != -1 {
		t.Fatalf("cap=0 must always admit without tracking, got admitted=%v slot=%d", admitted, slot)
	}
}

func TestFullTableAdmitsWithoutTracking(t *testing.T) {
	r, err := Open(t.TempDir(), "test", 4)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i := 0; i < 4; i++ {
		d := Digest("10.0.0.1", "/distinct")
		d[0] = byte(i)
		if admitted, slot := r.Acquire(d, 100); !admitted || slot < 0 {
			t.Fatalf("entry %d: admitted=%v slot=%d", i, admitted, slot)
		}
	}

	// table is now full of distinct live entries; a 5th, different digest
	// must still be admitted, just untracked.
	d5 := Digest("10.0.0.1", "/another")
	admitted, slot := r.Acquire(d5, 100)
	if !admitted {
		t.Fatal("full table must admit without tracking rather than reject")
	}
	if slot != -1 {
		t.Fatalf("expected untracked admission (slot=-1), got slot=%d", slot)
	}
}
