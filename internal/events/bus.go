// Package events implements the broadcast fan-out bus that the socket
// server (C6) uses to push typed events to connected clients. Adapted
// from the teacher's Watermill-backed EventBus, trimmed to a single
// broadcast topic: this system has no durable event log or priority
// batching requirement, just "publish now, fan out to every live
// subscriber."
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const broadcastTopic = "broadcast"

// Event is one broadcast frame per §4.4/§6: a type name plus a JSON
// payload. IsDeviceEvent reports frames whose type starts with DEVICE_,
// which are delivered only to admin listeners.
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// IsDeviceEvent reports whether this event's type starts with DEVICE_,
// the role-filter rule from §4.4.
func (e Event) IsDeviceEvent() bool {
	return len(e.Type) >= 7 && e.Type[:7] == "DEVICE_"
}

// Handler processes one broadcast event. Handler errors are logged by
// the bus, never fatal, matching §4.4's "write errors are logged,
// never fatal" broadcast policy.
type Handler func(ctx context.Context, event Event) error

// Bus fans out Event values to every subscribed Handler.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
}

// New constructs a Bus backed by an in-process Watermill gochannel
// pub/sub (no persistence: broadcast events are transient by design).
func New() *Bus {
	logger := watermill.NewStdLogger(false, false)
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            1024,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		}, logger),
		logger: logger,
	}
}

// Publish sends event to every current subscriber. Publish errors
// (e.g. a closed bus) are returned to the caller but must never abort
// the operation that triggered the broadcast (§4.4).
func (b *Bus) Publish(event Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("event bus is closed")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal broadcast event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	return b.pubsub.Publish(broadcastTopic, msg)
}

// Subscribe registers handler to receive every published event until
// ctx is cancelled. Subscribe spawns its own delivery goroutine and
// returns immediately.
func (b *Bus) Subscribe(ctx context.Context, handler Handler) error {
	messages, err := b.pubsub.Subscribe(ctx, broadcastTopic)
	if err != nil {
		return fmt.Errorf("subscribe to broadcast topic: %w", err)
	}

	go func() {
		for msg := range messages {
			var event Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				b.logger.Error("failed to decode broadcast event", err, nil)
				msg.Ack()
				continue
			}
			if err := handler(ctx, event); err != nil {
				b.logger.Error("broadcast handler error", err, watermill.LogFields{"type": event.Type})
			}
			msg.Ack()
		}
	}()
	return nil
}

// Close shuts down the underlying pub/sub. Idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.pubsub.Close()
}
