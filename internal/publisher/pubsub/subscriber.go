package pubsub

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkedin-signals/internal/telemetry"
)

// Signaler receives continuation signals.
type Signaler interface {
	Continue(ctx context.Context) error
}

// Subscriber feeds continuation messages into a local Signaler.
type Subscriber struct {
	sub    *pubsub.Subscriber
	logger *zap.Logger
}

// NewSubscriber wraps a subscription handle.
func NewSubscriber(sub *pubsub.Subscriber, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{sub: sub, logger: logger}
}

// Receive blocks until ctx ends, forwarding each message to next. Messages
// next rejects are nacked for redelivery.
func (s *Subscriber) Receive(ctx context.Context, next Signaler) error {
	err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		ctx = otel.GetTextMapPropagator().Extract(ctx, &pubsubCarrier{attrs: msg.Attributes})
		ctx, span := telemetry.Tracer().Start(ctx, "continuation.receive")
		defer span.End()

		if err := next.Continue(ctx); err != nil {
			s.logger.Warn("continuation rejected", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive continuations: %w", err)
	}
	return nil
}
