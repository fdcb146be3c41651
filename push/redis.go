package push

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/redis/go-redis/v9"
)

// channelPrefix namespaces the pub/sub channels so several deployments
// can share one redis.
const channelPrefix = "chainguard:events:"

// bridgeBuffer is the outbound queue depth towards redis. Publishing
// stays non-blocking; overflow is dropped and counted.
const bridgeBuffer = 256

var (
	bridgeOutMeter  = metrics.NewRegisteredMeter("guard/push/bridge/out", nil)
	bridgeInMeter   = metrics.NewRegisteredMeter("guard/push/bridge/in", nil)
	bridgeDropMeter = metrics.NewRegisteredMeter("guard/push/bridge/drop", nil)
)

// RedisBridge mirrors bus traffic across instances through redis
// pub/sub. Every local publish goes out on one channel per topic; remote
// envelopes are injected into the local bus unless they originated here.
type RedisBridge struct {
	bus *Bus
	rdb *redis.Client
	log log.Logger

	out    chan *Envelope
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisBridge connects to redis and attaches to the bus. The caller
// still has to Start the pump loops.
func NewRedisBridge(bus *Bus, redisURL string) (*RedisBridge, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	b := &RedisBridge{
		bus: bus,
		rdb: redis.NewClient(opt),
		log: log.New("component", "push.redis"),
		out: make(chan *Envelope, bridgeBuffer),
	}
	bus.attach(b.enqueue)
	return b, nil
}

// Start verifies the connection and launches the outbound and inbound
// pump loops. The loops run until Stop.
func (b *RedisBridge) Start(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	psub := b.rdb.PSubscribe(loopCtx, channelPrefix+"*")

	b.wg.Add(2)
	go b.sendLoop(loopCtx)
	go b.recvLoop(loopCtx, psub)

	b.log.Info("Redis event bridge started")
	return nil
}

// Stop tears down the loops and the connection.
func (b *RedisBridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	if err := b.rdb.Close(); err != nil {
		b.log.Warn("Redis close failed", "err", err)
	}
}

func (b *RedisBridge) enqueue(env *Envelope) {
	select {
	case b.out <- env:
	default:
		bridgeDropMeter.Mark(1)
	}
}

func (b *RedisBridge) sendLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case env := <-b.out:
			blob, err := json.Marshal(env)
			if err != nil {
				b.log.Error("Dropping unmarshalable envelope", "kind", env.Kind, "err", err)
				continue
			}
			if err := b.rdb.Publish(ctx, channelPrefix+env.Topic, blob).Err(); err != nil {
				bridgeDropMeter.Mark(1)
				b.log.Warn("Redis publish failed", "topic", env.Topic, "err", err)
				continue
			}
			bridgeOutMeter.Mark(1)
		case <-ctx.Done():
			return
		}
	}
}

func (b *RedisBridge) recvLoop(ctx context.Context, psub *redis.PubSub) {
	defer b.wg.Done()
	defer psub.Close()

	ch := psub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("Dropping undecodable bridge message", "channel", msg.Channel, "err", err)
				continue
			}
			// Our own publishes echo back through the pattern
			// subscription; skip them or every event doubles.
			if env.Origin == b.bus.instanceID {
				continue
			}
			if env.Topic == "" {
				env.Topic = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			bridgeInMeter.Mark(1)
			b.bus.inject(&env)
		case <-ctx.Done():
			return
		}
	}
}
