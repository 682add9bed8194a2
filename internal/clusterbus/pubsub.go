// Package clusterbus is the optional cross-instance PushHub fanout: impulse
// events published by one process are relayed to every subscribed process's
// local PushHub registry, so a horizontally scaled deployment's users get
// delivery regardless of which instance holds their socket.
package clusterbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/yofutures/impulse-screener/logging"
)

// Config configures the Redis connection and channel name.
type Config struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	Channel  string
}

// Sink is the local fanout target a relayed event is replayed into; in
// practice this is pushhub.Hub.SendToUser, but kept as a narrow interface
// so clusterbus never imports pushhub directly.
type Sink interface {
	SendToUser(userID string, payload interface{})
}

// relayedEvent is the wire shape published on the Redis channel: the
// recipient user id plus the already-built impulse payload. Origin carries the
// publishing instance id so that instance can ignore its own echo rather
// than re-delivering to a user its local hub already served directly.
type relayedEvent struct {
	Origin  string          `json:"origin"`
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

// Bus publishes impulse deliveries to the configured Redis channel and
// relays messages received from other instances into a local Sink.
type Bus struct {
	cfg      Config
	client   *redis.Client
	log      *logging.Logger
	sink     Sink
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	instance string
}

// New constructs a Bus. sink is fed events this process did not originate
// itself; call Start to begin the subscribe loop.
func New(cfg Config, sink Sink, log *logging.Logger) *Bus {
	if cfg.Channel == "" {
		cfg.Channel = "screener:impulses"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Bus{cfg: cfg, client: client, log: log, sink: sink, instance: uuid.New().String()}
}

// Start subscribes to the cluster channel and begins relaying inbound
// events into the local sink. Safe to call even when cfg.Enabled is false;
// it becomes a no-op so callers do not need to branch.
func (b *Bus) Start(ctx context.Context) {
	if !b.cfg.Enabled {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.pubsub = b.client.Subscribe(runCtx, b.cfg.Channel)

	b.wg.Add(1)
	go b.receiveLoop(runCtx)
}

func (b *Bus) receiveLoop(ctx context.Context) {
	defer b.wg.Done()
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt relayedEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.log.Warn("clusterbus malformed event", logging.Any("err", err.Error()))
				continue
			}
			if evt.Origin == b.instance {
				continue
			}
			b.sink.SendToUser(evt.UserID, json.RawMessage(evt.Payload))
		}
	}
}

// Publish relays payload (already built for a specific user) to every
// other subscribed instance. A no-op when the bus is disabled.
func (b *Bus) Publish(ctx context.Context, userID string, payload interface{}) {
	if !b.cfg.Enabled {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	evt := relayedEvent{Origin: b.instance, UserID: userID, Payload: body}
	wire, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := b.client.Publish(ctx, b.cfg.Channel, wire).Err(); err != nil {
		b.log.Warn("clusterbus publish failed", logging.Any("err", err.Error()))
	}
}

// Stop unsubscribes and waits for the receive loop to exit.
func (b *Bus) Stop() {
	if !b.cfg.Enabled {
		return
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.pubsub != nil {
		b.pubsub.Close()
	}
	b.wg.Wait()
	b.client.Close()
}
