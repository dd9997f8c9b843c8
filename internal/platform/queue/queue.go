// Package queue provides in-process fire-and-forget topics on top of
// watermill's Go channel pub/sub.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Handler processes one message payload. A returned error is logged; the
// message is acknowledged either way.
type Handler func(ctx context.Context, payload []byte) error

// Bus publishes payloads to named topics and runs handlers for them.
type Bus struct {
	pubsub *gochannel.GoChannel
	wg     sync.WaitGroup
}

// New creates a Bus whose subscriber channels hold up to buffer messages.
func New(buffer int64, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: buffer},
			watermill.NewSlogLogger(logger),
		),
	}
}

// Publish sends payload to topic. It does not wait for handlers.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(context.WithoutCancel(ctx))
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe runs handle for every message on topic until ctx is done or the
// bus is closed. Messages on one topic are handled one at a time.
func (b *Bus) Subscribe(ctx context.Context, topic string, handle Handler) error {
	messages, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range messages {
			if err := handle(msg.Context(), msg.Payload); err != nil {
				slog.Warn("queue handler failed",
					"topic", topic,
					"message_id", msg.UUID,
					"error", err,
				)
			}
			msg.Ack()
		}
		slog.Debug("queue subscriber stopped", "topic", topic)
	}()
	return nil
}

// Close stops the bus and waits for running handlers to return.
func (b *Bus) Close() error {
	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}
