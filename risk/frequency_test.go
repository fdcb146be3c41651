package risk

import (
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
)

func TestFrequencyTrackerStaysBounded(t *testing.T) {
	tr := newFrequencyTracker(new(mclock.Simulated))
	for i := 0; i < maxTrackedKeys+500; i++ {
		tr.record(fmt.Sprintf("from:0x%040x", i))
	}
	if n := tr.len(); n > maxTrackedKeys {
		t.Fatalf("tracker exceeded bound: have %d keys want <= %d", n, maxTrackedKeys)
	}
}

func TestWindowPrunesOnAccess(t *testing.T) {
	clock := new(mclock.Simulated)
	tr := newFrequencyTracker(clock)

	for i := 0; i < 5; i++ {
		tr.record("from:a")
		clock.Run(5 * time.Second)
	}
	// 25s in: all five observations still inside the 60s window.
	if n := tr.record("from:a"); n != 6 {
		t.Fatalf("in-window count: have %d want 6", n)
	}
	// After the window has fully passed, only the new observation counts.
	clock.Run(windowDuration + time.Second)
	if n := tr.record("from:a"); n != 1 {
		t.Fatalf("post-window count: have %d want 1", n)
	}
}

func TestSweepDropsStaleKeys(t *testing.T) {
	clock := new(mclock.Simulated)
	tr := newFrequencyTracker(clock)

	tr.record("from:a")
	tr.record("to:b")
	if n := tr.len(); n != 2 {
		t.Fatalf("tracked keys: have %d want 2", n)
	}

	// Entries expire entryTTL after their last touch.
	clock.Run(entryTTL)
	tr.sweep()
	if n := tr.len(); n != 0 {
		t.Fatalf("stale keys survived sweep: %d", n)
	}
}

func TestSweepKeepsFreshKeys(t *testing.T) {
	clock := new(mclock.Simulated)
	tr := newFrequencyTracker(clock)

	tr.record("from:a")
	clock.Run(entryTTL / 2)
	tr.record("from:b")
	tr.sweep()
	if n := tr.len(); n != 2 {
		t.Fatalf("fresh keys dropped by sweep: have %d want 2", n)
	}
}

func TestTrackerStartStopIdempotent(t *testing.T) {
	tr := newFrequencyTracker(mclock.System{})
	tr.start()
	tr.start() // second start is a no-op
	tr.stop()
	tr.stop() // second stop is a no-op
}
