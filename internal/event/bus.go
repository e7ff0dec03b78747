package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

type PubSub interface {
	message.Publisher
	message.Subscriber
}

// Bus routes events between the queue, supervisor, workspace manager
// and any registered hooks. Topics are event types; delivery is
// in-process via watermill's gochannel pub/sub.
type Bus struct {
	pubSub PubSub
	router *message.Router
	logger watermill.LoggerAdapter
}

// Handler is a function that handles typed events.
type Handler[T any] func(ctx context.Context, event *Event[T]) error

// NewBus creates a new event bus.
func NewBus() (*Bus, error) {
	logger := watermill.NewStdLogger(false, false)

	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 256,
		},
		logger,
	)

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	return &Bus{
		pubSub: pubSub,
		router: router,
		logger: logger,
	}, nil
}

// Start runs the router until the context is cancelled. Subscriptions
// must be registered before calling Start.
func (b *Bus) Start(ctx context.Context) error {
	return b.router.Run(ctx)
}

// Stop stops the event bus.
func (b *Bus) Stop() error {
	return b.router.Close()
}

// Running returns a channel that closes once the router is accepting
// messages, for callers that must not publish before handlers attach.
func (b *Bus) Running() <-chan struct{} {
	return b.router.Running()
}

// Publish serializes the payload and publishes it on the topic derived
// from its type.
func (b *Bus) Publish(ctx context.Context, source string, data any) error {
	msgBody, err := New(source, data).ToMessage()
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	payload, err := json.Marshal(msgBody)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := b.pubSub.Publish(string(msgBody.Type), msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// SubscribeAsync registers a raw handler for an event type through the
// message router.
func (b *Bus) SubscribeAsync(eventType Type, handlerName string, handler func(msg *Message) error) {
	b.router.AddNoPublisherHandler(
		handlerName,
		string(eventType),
		b.pubSub,
		func(msg *message.Message) error {
			var body Message
			if err := json.Unmarshal(msg.Payload, &body); err != nil {
				return fmt.Errorf("failed to unmarshal event message: %w", err)
			}
			return handler(&body)
		},
	)
}

// Subscribe registers a typed handler for an event type.
func Subscribe[T any](b *Bus, eventType Type, handlerName string, handler Handler[T]) {
	b.router.AddNoPublisherHandler(
		handlerName,
		string(eventType),
		b.pubSub,
		func(msg *message.Message) error {
			var body Message
			if err := json.Unmarshal(msg.Payload, &body); err != nil {
				return fmt.Errorf("failed to unmarshal event message: %w", err)
			}

			ev, err := FromMessage[T](&body)
			if err != nil {
				return fmt.Errorf("failed to convert message to event: %w", err)
			}

			return handler(msg.Context(), ev)
		},
	)
}
