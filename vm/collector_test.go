package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Collector unit tests
// ---------------------------------------------------------------------------

// TestCollectStats verifies the fields of a forced cycle's stats.
func TestCollectStats(t *testing.T) {
	vm := NewDefaultVM()
	defer shutdown(t, vm)

	mustPushInt(t, vm, 1)
	mustPushInt(t, vm, 2)
	mustPushInt(t, vm, 3)
	mustPop(t, vm)

	stats := mustCollect(t, vm)
	if stats.Cycle != 1 {
		t.Errorf("Cycle = %d, want 1", stats.Cycle)
	}
	if stats.Reason != ReasonForced {
		t.Errorf("Reason = %v, want forced", stats.Reason)
	}
	if stats.Before != 3 || stats.Collected != 1 || stats.Remaining != 2 {
		t.Errorf("before/collected/remaining = %d/%d/%d, want 3/1/2",
			stats.Before, stats.Collected, stats.Remaining)
	}
	if stats.Threshold != 4 {
		t.Errorf("Threshold = %d, want 4", stats.Threshold)
	}
	if stats.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
	if vm.LastStats() != stats {
		t.Error("LastStats should return the most recent cycle")
	}
}

// TestCollectCounters verifies Cycles and TotalCollected accumulate. The
// floor keeps each wipe from dropping the threshold to 0, so only the
// forced cycles run.
func TestCollectCounters(t *testing.T) {
	vm := NewVM(Config{InitialThreshold: 10, MinThreshold: 10})
	defer shutdown(t, vm)

	if vm.LastStats() != nil {
		t.Fatal("LastStats should be nil before any cycle")
	}

	for round := 0; round < 3; round++ {
		mustPushInt(t, vm, 1)
		mustPushInt(t, vm, 2)
		mustPop(t, vm)
		mustPop(t, vm)
		mustCollect(t, vm)
	}

	if got := vm.Cycles(); got != 3 {
		t.Errorf("Cycles = %d, want 3", got)
	}
	if got := vm.TotalCollected(); got != 6 {
		t.Errorf("TotalCollected = %d, want 6", got)
	}
}

// TestCollectIsIdempotent verifies a second cycle over an unchanged graph
// frees nothing, which also shows mark bits were reset by the first.
func TestCollectIsIdempotent(t *testing.T) {
	vm := NewDefaultVM()
	defer shutdown(t, vm)

	mustPushInt(t, vm, 1)
	mustPushInt(t, vm, 2)
	mustPushPair(t, vm)
	mustPushInt(t, vm, 3)
	mustPop(t, vm)

	first := mustCollect(t, vm)
	second := mustCollect(t, vm)
	if first.Collected != 1 {
		t.Errorf("first Collected = %d, want 1", first.Collected)
	}
	if second.Collected != 0 || second.Remaining != first.Remaining {
		t.Errorf("second cycle = %+v, want nothing collected", second)
	}

	vm.heap.forEach(func(ref Ref, n *node) {
		if n.marked {
			t.Errorf("%v still marked after cycle", ref)
		}
	})
}

// TestSweepDoesNotSkipSuccessor frees adjacent runs of garbage at the head,
// middle and tail of the registry list.
func TestSweepDoesNotSkipSuccessor(t *testing.T) {
	vm := NewVM(Config{InitialThreshold: 100})
	defer shutdown(t, vm)

	// Registry order is newest first: g g k g g k g g (tail is oldest).
	var keep []Ref
	for i := 0; i < 8; i++ {
		ref := mustPushInt(t, vm, int64(i))
		if i == 2 || i == 5 {
			keep = append(keep, ref)
			continue
		}
		mustPop(t, vm)
	}

	stats := mustCollect(t, vm)
	if stats.Collected != 6 || stats.Remaining != 2 {
		t.Fatalf("collected/remaining = %d/%d, want 6/2", stats.Collected, stats.Remaining)
	}
	for _, ref := range keep {
		if !vm.IsLive(ref) {
			t.Errorf("%v should survive", ref)
		}
	}
}

// TestOnCollectObservers verifies observers see every cycle in order.
func TestOnCollectObservers(t *testing.T) {
	vm := NewVM(Config{InitialThreshold: 2})

	var order []string
	var seen []*CollectionStats
	vm.OnCollect(func(s *CollectionStats) {
		order = append(order, "a")
		seen = append(seen, s)
	})
	vm.OnCollect(func(s *CollectionStats) {
		order = append(order, "b")
	})

	mustPushInt(t, vm, 1)
	mustPushInt(t, vm, 2)
	mustPushInt(t, vm, 3) // triggers
	mustCollect(t, vm)
	if err := vm.Shutdown(); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 3 {
		t.Fatalf("observer saw %d cycles, want 3", len(seen))
	}
	wantReasons := []Reason{ReasonThreshold, ReasonForced, ReasonTeardown}
	for i, s := range seen {
		if s.Reason != wantReasons[i] {
			t.Errorf("cycle %d reason = %v, want %v", i+1, s.Reason, wantReasons[i])
		}
		if s.Cycle != uint64(i+1) {
			t.Errorf("cycle %d numbered %d", i+1, s.Cycle)
		}
	}
	if len(order) != 6 || order[0] != "a" || order[1] != "b" {
		t.Errorf("observer order = %v", order)
	}
}

// TestCallbacksCannotReenter verifies observers and finalizers can read the
// VM but not mutate it, so one triggered allocation runs one cycle.
func TestCallbacksCannotReenter(t *testing.T) {
	vm := NewVM(Config{InitialThreshold: 2})
	defer shutdown(t, vm)

	victim := mustPushInt(t, vm, 0)
	wr, _ := vm.NewWeakRef(victim)
	mustPop(t, vm)
	keep := mustPushInt(t, vm, 1)

	var finalizerErr error
	wr.SetFinalizer(func(Ref) {
		_, finalizerErr = vm.PushInt(99)
	})

	calls := 0
	var errs []error
	vm.OnCollect(func(s *CollectionStats) {
		calls++
		if vm.LiveCount() != s.Remaining {
			t.Errorf("LiveCount in observer = %d, want %d", vm.LiveCount(), s.Remaining)
		}
		_, err := vm.PushInt(7)
		errs = append(errs, err)
		_, err = vm.Collect()
		errs = append(errs, err)
		_, err = vm.Pop()
		errs = append(errs, err)
		errs = append(errs, vm.Push(keep))
		errs = append(errs, vm.Shutdown())
	})

	mustPushInt(t, vm, 2) // triggers

	if calls != 1 || vm.Cycles() != 1 {
		t.Fatalf("observer calls = %d, cycles = %d; want 1 and 1", calls, vm.Cycles())
	}
	for i, err := range errs {
		if !errors.Is(err, ErrReentrant) {
			t.Errorf("call %d from observer: err = %v, want ErrReentrant", i, err)
		}
	}
	if !errors.Is(finalizerErr, ErrReentrant) {
		t.Errorf("PushInt from finalizer: err = %v, want ErrReentrant", finalizerErr)
	}
	if vm.LiveCount() != 2 || vm.RootCount() != 2 {
		t.Errorf("live = %d, roots = %d; want 2 and 2", vm.LiveCount(), vm.RootCount())
	}

	// The guard is lifted once the cycle returns.
	mustCollect(t, vm)
}

// TestReasonString covers the diagnostic names.
func TestReasonString(t *testing.T) {
	cases := map[Reason]string{
		ReasonThreshold: "threshold",
		ReasonForced:    "forced",
		ReasonTeardown:  "teardown",
		Reason(42):      "unknown",
	}
	for r, want := range cases {
		if got := r.String(); got != want {
			t.Errorf("Reason(%d).String() = %q, want %q", r, got, want)
		}
	}
	if KindScalar.String() != "scalar" || KindPair.String() != "pair" {
		t.Error("Kind names")
	}
}
