// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
)

// publishFunc sends one message to a topic and waits for the server ID.
type publishFunc func(ctx context.Context, topic string, msg *pubsub.Message) (string, error)

// Publisher publishes JSON payloads to Pub/Sub topics of one project.
type Publisher struct {
	publish publishFunc
	stop    func()
}

// New creates a Publisher backed by client. Topic handles are created lazily
// and reused.
func New(client *pubsub.Client) *Publisher {
	var (
		mu     sync.Mutex
		topics = make(map[string]*pubsub.Topic)
	)
	return &Publisher{
		publish: func(ctx context.Context, name string, msg *pubsub.Message) (string, error) {
			mu.Lock()
			topic, ok := topics[name]
			if !ok {
				topic = client.Topic(name)
				topics[name] = topic
			}
			mu.Unlock()
			id, err := topic.Publish(ctx, msg).Get(ctx)
			if err != nil {
				return "", fmt.Errorf("publish message: %w", err)
			}
			return id, nil
		},
		stop: func() {
			mu.Lock()
			defer mu.Unlock()
			for _, topic := range topics {
				topic.Stop()
			}
		},
	}
}

// Publish marshals the payload to JSON and publishes it to topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.publish == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
	return p.publish(ctx, topic, msg)
}

// Stop flushes pending messages on every topic handle.
func (p *Publisher) Stop() {
	if p != nil && p.stop != nil {
		p.stop()
	}
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
