package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	var mu sync.Mutex
	var received []Event

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx, func(_ context.Context, e Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	}))

	require.NoError(t, bus.Publish(Event{Type: "STREAM_STARTED", Payload: map[string]string{"deviceId": "dev-1"}}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "STREAM_STARTED", received[0].Type)
	mu.Unlock()
}

func TestEvent_IsDeviceEvent(t *testing.T) {
	assert.True(t, Event{Type: "DEVICE_CONNECTED"}.IsDeviceEvent())
	assert.True(t, Event{Type: "DEVICE_DISCONNECTED"}.IsDeviceEvent())
	assert.False(t, Event{Type: "STREAM_STARTED"}.IsDeviceEvent())
	assert.False(t, Event{Type: "PONG"}.IsDeviceEvent())
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := New()
	require.NoError(t, bus.Close())
	err := bus.Publish(Event{Type: "STREAM_STOPPED"})
	assert.Error(t, err)
}
