package events

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// envelope is the wire form of an event on the Redis channel. Origin lets a
// process skip its own messages.
type envelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisBridge forwards events between processes over a Redis pub/sub
// channel. Register it with Bus.Forward and start Run in the background.
type RedisBridge struct {
	client  redis.UniversalClient
	channel string
	bus     *Bus
	origin  string
}

// NewRedisBridge creates a bridge delivering remote events to bus.
func NewRedisBridge(client redis.UniversalClient, channel string, bus *Bus) *RedisBridge {
	return &RedisBridge{
		client:  client,
		channel: channel,
		bus:     bus,
		origin:  uuid.NewString(),
	}
}

// Publish sends ev to the channel.
func (r *RedisBridge) Publish(ctx context.Context, ev Event) error {
	data, err := r.encode(ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return eris.Wrapf(err, "events: publish to %s", r.channel)
	}
	return nil
}

// Run subscribes to the channel and dispatches remote events to the local
// bus until ctx is canceled.
func (r *RedisBridge) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "events.redis"), zap.String("channel", r.channel))

	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close() //nolint:errcheck

	if _, err := sub.Receive(ctx); err != nil {
		return eris.Wrapf(err, "events: subscribe to %s", r.channel)
	}
	log.Info("listening for remote events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.handle(ctx, msg.Payload); err != nil {
				log.Warn("events: remote event failed", zap.Error(err))
			}
		}
	}
}

func (r *RedisBridge) encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(envelope{Origin: r.origin, Event: ev})
	if err != nil {
		return nil, eris.Wrap(err, "events: encode")
	}
	return data, nil
}

// handle decodes a payload and dispatches it unless it originated here.
func (r *RedisBridge) handle(ctx context.Context, payload string) error {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return eris.Wrap(err, "events: decode")
	}
	if env.Origin == r.origin {
		return nil
	}
	if env.Event.Topic == "" {
		return eris.New("events: remote event without topic")
	}
	return r.bus.Dispatch(ctx, env.Event)
}
