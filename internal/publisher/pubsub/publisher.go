// Package pubsub carries continuation signals over Google Cloud Pub/Sub so
// any instance subscribed to the topic can run the next advance pass.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/linkedin-signals/internal/metrics"
	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// continueMessage is the payload of one continuation signal.
type continueMessage struct {
	RequestedAt time.Time `json:"requested_at"`
}

// Continuer publishes continuation signals to a topic.
type Continuer struct {
	publisher *pubsub.Publisher
	clock     pipeline.Clock
}

// NewContinuer creates a Continuer for the provided topic publisher.
func NewContinuer(publisher *pubsub.Publisher, clock pipeline.Clock) *Continuer {
	return &Continuer{publisher: publisher, clock: clock}
}

// Continue publishes one signal and waits for the broker to accept it. The
// caller's trace context travels in the message attributes.
func (c *Continuer) Continue(ctx context.Context) (err error) {
	defer func() { metrics.ObserveContinuation("pubsub", err) }()
	if c.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	now := time.Now().UTC()
	if c.clock != nil {
		now = c.clock.Now()
	}
	data, err := json.Marshal(continueMessage{RequestedAt: now})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	msg.Attributes = make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := c.publisher.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish continuation: %w", err)
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
