package risk

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	windowDuration = 60 * time.Second
	entryTTL       = 2 * windowDuration
	sweepInterval  = 5 * time.Minute

	// maxTrackedKeys bounds the frequency map. Memory stays O(10000)
	// regardless of traffic; the LRU evicts the coldest key on overflow.
	maxTrackedKeys = 10_000

	senderWindowLimit   = 5  // H2 fires above this count
	receiverWindowLimit = 10 // H3 fires above this count
)

var trackedKeysGauge = metrics.NewRegisteredGauge("guard/risk/trackedkeys", nil)

type window struct {
	times     []mclock.AbsTime
	lastTouch mclock.AbsTime
}

// prune drops timestamps that have left the sliding window.
func (w *window) prune(now mclock.AbsTime) {
	cut := 0
	for cut < len(w.times) && now.Sub(w.times[cut]) > windowDuration {
		cut++
	}
	if cut > 0 {
		w.times = append(w.times[:0], w.times[cut:]...)
	}
}

// frequencyTracker maintains per-key sliding windows behind a bounded LRU.
// Keys are pruned opportunistically on access and by a periodic sweep.
type frequencyTracker struct {
	clock mclock.Clock

	mu   sync.Mutex
	keys *lru.Cache[string, *window]

	quit chan struct{}
	wg   sync.WaitGroup
}

func newFrequencyTracker(clock mclock.Clock) *frequencyTracker {
	cache, err := lru.New[string, *window](maxTrackedKeys)
	if err != nil {
		panic(err) // only fails on a non-positive size
	}
	return &frequencyTracker{clock: clock, keys: cache}
}

// record appends an observation for key and returns the in-window count,
// including the one just recorded.
func (t *frequencyTracker) record(key string) int {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.keys.Get(key)
	if !ok {
		w = &window{}
		t.keys.Add(key, w)
	}
	w.prune(now)
	w.times = append(w.times, now)
	w.lastTouch = now
	return len(w.times)
}

func (t *frequencyTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.keys.Len()
}

// sweep drops keys that have not been touched for entryTTL and keys whose
// window emptied out.
func (t *frequencyTracker) sweep() {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range t.keys.Keys() {
		w, ok := t.keys.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(w.lastTouch) >= entryTTL {
			t.keys.Remove(key)
			continue
		}
		w.prune(now)
		if len(w.times) == 0 {
			t.keys.Remove(key)
		}
	}
	trackedKeysGauge.Update(int64(t.keys.Len()))
}

func (t *frequencyTracker) start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.quit != nil {
		return
	}
	t.quit = make(chan struct{})
	t.wg.Add(1)
	go t.loop(t.quit)
}

func (t *frequencyTracker) stop() {
	t.mu.Lock()
	quit := t.quit
	t.quit = nil
	t.mu.Unlock()
	if quit == nil {
		return
	}
	close(quit)
	t.wg.Wait()
}

func (t *frequencyTracker) loop(quit chan struct{}) {
	defer t.wg.Done()
	for {
		select {
		case <-t.clock.After(sweepInterval):
			t.sweep()
		case <-quit:
			return
		}
	}
}
