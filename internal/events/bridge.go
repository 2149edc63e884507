package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// publishQueueSize bounds how many envelopes a burst of writers can
	// park before the bridge starts dropping.
	publishQueueSize = 1024

	publishTimeout   = 5 * time.Second
	resubscribeDelay = 2 * time.Second
)

// Bridge fans events out across nodes through a single Redis channel.
// Every node publishes there and mirrors whatever it receives back into
// its local registry, its own messages included, so one node and many
// nodes behave identically. When the publish itself fails the envelope is
// delivered locally instead, which keeps a single-node deployment alive
// through a Redis outage.
type Bridge struct {
	rdb    *redis.Client
	local  LocalBroadcaster
	logger *zap.Logger

	queue chan *Envelope

	ready     chan struct{}
	readyOnce sync.Once
}

// NewBridge wires the bridge to a Redis client and an optional local
// registry. Worker processes pass local == nil; they only publish.
func NewBridge(rdb *redis.Client, local LocalBroadcaster, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		rdb:    rdb,
		local:  local,
		logger: logger,
		queue:  make(chan *Envelope, publishQueueSize),
		ready:  make(chan struct{}),
	}
}

// Broadcast queues an event for cluster-wide delivery. It never blocks:
// a full queue drops the envelope with a warning, and marshal failures
// are swallowed because event delivery never fails the write that caused
// the event.
func (b *Bridge) Broadcast(event string, payload any, orgID *string) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("event payload not serializable, dropping",
			zap.String("event", event), zap.Error(err))
		return
	}
	env := &Envelope{
		Event:     event,
		Data:      data,
		OrgID:     orgID,
		Timestamp: time.Now().UTC(),
	}
	select {
	case b.queue <- env:
	default:
		b.logger.Warn("event queue full, dropping",
			zap.String("event", event))
	}
}

// Ready is closed once the cross-node subscription is confirmed. Events
// broadcast before that sit in the queue, so callers only need this for
// startup ordering.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Run pumps the publish queue and mirrors the shared channel into the
// local registry until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.publishLoop(ctx)
	}()

	err := b.subscribeLoop(ctx)
	wg.Wait()
	return err
}

func (b *Bridge) publishLoop(ctx context.Context) {
	for {
		select {
		case env := <-b.queue:
			b.publish(ctx, env)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) publish(ctx context.Context, env *Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		b.logger.Warn("envelope not serializable, dropping",
			zap.String("event", env.Event), zap.Error(err))
		return
	}
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.rdb.Publish(pctx, ChannelEvents, raw).Err(); err != nil {
		b.logger.Warn("cross-node publish failed, delivering locally",
			zap.String("event", env.Event), zap.Error(err))
		b.deliver(env)
	}
}

func (b *Bridge) deliver(env *Envelope) {
	if b.local == nil {
		return
	}
	b.local.BroadcastLocal(env.Event, env.Data, env.OrgID)
}

func (b *Bridge) subscribeLoop(ctx context.Context) error {
	if b.local == nil {
		// Publish-only process. Nothing to mirror into.
		b.readyOnce.Do(func() { close(b.ready) })
		<-ctx.Done()
		return nil
	}

	for {
		err := b.mirror(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			b.logger.Warn("event subscription lost, retrying", zap.Error(err))
		}
		select {
		case <-time.After(resubscribeDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

// mirror holds one subscription to the shared channel and replays every
// envelope into the local registry until the subscription breaks.
func (b *Bridge) mirror(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, ChannelEvents)
	defer sub.Close()

	// Receive the subscription confirmation before declaring readiness,
	// otherwise an immediate publish can outrun the SUBSCRIBE command.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	b.readyOnce.Do(func() { close(b.ready) })

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("malformed cross-node event, skipping", zap.Error(err))
				continue
			}
			b.deliver(&env)
		case <-ctx.Done():
			return nil
		}
	}
}
