// Package push fans monitoring events out to subscribed clients. Topics
// are dot-separated names with trailing-wildcard patterns; payloads are
// JSON with big integers as decimal strings. The bus keeps a short replay
// window so a reconnecting client can resume by sequence number; anything
// older requires a REST resync.
package push

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/chainguard-network/chainguard/types"
)

const (
	// replayWindow is how long published events stay replayable.
	replayWindow = 2 * time.Minute
	// replayLimit bounds the ring regardless of event rate.
	replayLimit = 8192
	// subscriberBuffer is the per-subscription channel depth; a client
	// that falls this far behind starts losing events.
	subscriberBuffer = 64
)

var (
	publishMeter    = metrics.NewRegisteredMeter("guard/push/published", nil)
	dropMeter       = metrics.NewRegisteredMeter("guard/push/dropped", nil)
	subscriberGauge = metrics.NewRegisteredGauge("guard/push/subscribers", nil)
)

// Envelope is the wire form of one push event.
type Envelope struct {
	Seq     uint64          `json:"seq"`
	Topic   string          `json:"topic"`
	Kind    string          `json:"kind"`
	Origin  string          `json:"origin"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// MatchTopic reports whether a topic matches a subscription pattern.
// Patterns are exact topics or carry a trailing "*" that matches any
// remainder, e.g. "contracts.0xabc.*" or "contracts.*".
func MatchTopic(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}
	return false
}

// Subscription is one client's view of the bus.
type Subscription struct {
	id       uint64
	patterns []string
	ch       chan *Envelope
	bus      *Bus
	once     sync.Once
}

// Events returns the subscription's delivery channel.
func (s *Subscription) Events() <-chan *Envelope { return s.ch }

// Unsubscribe detaches from the bus and closes the delivery channel.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.id)
		close(s.ch)
	})
}

// Bus is the in-process event bus. Safe for concurrent use.
type Bus struct {
	instanceID string
	log        log.Logger

	mu     sync.Mutex
	nextID uint64
	seq    uint64
	subs   map[uint64]*Subscription
	ring   []*Envelope

	published uint64
	dropped   uint64

	sink func(*Envelope) // optional cross-instance bridge
}

// NewBus creates an empty bus tagged with this instance's id.
func NewBus(instanceID string) *Bus {
	return &Bus{
		instanceID: instanceID,
		log:        log.New("component", "push"),
		subs:       make(map[uint64]*Subscription),
	}
}

// Publish marshals the event and fans it out to matching subscriptions
// and, when bridged, to other instances. Publish never blocks on slow
// consumers; their events are dropped and counted.
func (b *Bus) Publish(ev types.PushEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("Dropping unmarshalable push event", "kind", ev.Kind(), "err", err)
		return
	}
	env := &Envelope{
		Topic:   ev.Topic(),
		Kind:    ev.Kind(),
		Origin:  b.instanceID,
		Time:    time.Now().UTC(),
		Payload: payload,
	}
	b.dispatch(env, true)
}

// inject delivers an envelope received from another instance.
func (b *Bus) inject(env *Envelope) {
	b.dispatch(env, false)
}

func (b *Bus) dispatch(env *Envelope, forward bool) {
	b.mu.Lock()
	b.seq++
	env.Seq = b.seq
	b.ring = append(b.ring, env)
	b.pruneRing(env.Time)
	b.published++
	sink := b.sink

	for _, sub := range b.subs {
		if !matchAny(sub.patterns, env.Topic) {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			b.dropped++
			dropMeter.Mark(1)
		}
	}
	b.mu.Unlock()

	publishMeter.Mark(1)
	if forward && sink != nil {
		sink(env)
	}
}

// pruneRing drops replay entries that fell out of the window or exceed
// the hard cap. Caller holds b.mu.
func (b *Bus) pruneRing(now time.Time) {
	cutoff := now.Add(-replayWindow)
	i := 0
	for i < len(b.ring) && b.ring[i].Time.Before(cutoff) {
		i++
	}
	if over := len(b.ring) - i - replayLimit; over > 0 {
		i += over
	}
	if i > 0 {
		b.ring = append(b.ring[:0], b.ring[i:]...)
	}
}

// Subscribe registers interest in a set of topic patterns.
func (b *Bus) Subscribe(patterns []string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		patterns: patterns,
		ch:       make(chan *Envelope, subscriberBuffer),
		bus:      b,
	}
	b.subs[sub.id] = sub
	subscriberGauge.Update(int64(len(b.subs)))
	return sub
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
	subscriberGauge.Update(int64(len(b.subs)))
}

// Replay returns the buffered envelopes after a sequence number that
// match the patterns, oldest first. A client that kept its last seen
// sequence across a short reconnect gets the gap back; longer outages
// fall outside the window and return from its beginning.
func (b *Bus) Replay(patterns []string, afterSeq uint64) []*Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Envelope
	for _, env := range b.ring {
		if env.Seq <= afterSeq {
			continue
		}
		if matchAny(patterns, env.Topic) {
			out = append(out, env)
		}
	}
	return out
}

// Stats is the bus's self-description for the operational API.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Buffered    int    `json:"buffered"`
}

// Stats returns a consistent snapshot.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Subscribers: len(b.subs),
		Published:   b.published,
		Dropped:     b.dropped,
		Buffered:    len(b.ring),
	}
}

// Subscribers returns the live subscription count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// attach installs the cross-instance sink. Used by the redis bridge.
func (b *Bus) attach(sink func(*Envelope)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

func matchAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if MatchTopic(p, topic) {
			return true
		}
	}
	return false
}
