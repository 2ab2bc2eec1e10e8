package events

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisBridge_HandleRemoteEvent(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.Subscribe(AreasChanged, func(_ context.Context, ev Event) error {
		got = append(got, ev)
		return nil
	})

	sender := NewRedisBridge(nil, "test", NewBus())
	receiver := NewRedisBridge(nil, "test", bus)

	data, err := sender.encode(Event{Topic: AreasChanged, AreaLevelID: 9})
	require.NoError(t, err)

	require.NoError(t, receiver.handle(context.Background(), string(data)))
	require.Len(t, got, 1)
	assert.Equal(t, int64(9), got[0].AreaLevelID)
}

func TestRedisBridge_SkipsOwnMessages(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(AreasChanged, func(context.Context, Event) error {
		t.Fatal("own message dispatched")
		return nil
	})
	bridge := NewRedisBridge(nil, "test", bus)

	data, err := bridge.encode(Event{Topic: AreasChanged})
	require.NoError(t, err)
	require.NoError(t, bridge.handle(context.Background(), string(data)))
}

func TestRedisBridge_HandleInvalidPayload(t *testing.T) {
	bridge := NewRedisBridge(nil, "test", NewBus())

	require.Error(t, bridge.handle(context.Background(), "not json"))

	err := bridge.handle(context.Background(), `{"origin":"other","event":{}}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without topic")
}

func TestRedisBridge_PublishUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()

	bridge := NewRedisBridge(client, "daviplan:test", NewBus())
	err := bridge.Publish(context.Background(), Event{Topic: MatrixRebuilt, VariantID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish to daviplan:test")
}
