package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/tududes/websophon/internal/sophon"
)

// PubSubSink publishes notifications to a Google Cloud Pub/Sub topic so
// external consumers (dashboards, alerting) can subscribe to event
// churn.
type PubSubSink struct {
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSubSink wraps an existing topic handle.
func NewPubSubSink(topic *pubsub.Topic, logger *zap.Logger) (*PubSubSink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{topic: topic, logger: logger}, nil
}

// Consume publishes each notification and waits for server
// acknowledgement within the batch context.
func (s *PubSubSink) Consume(ctx context.Context, batch []sophon.Notification) error {
	results := make([]*pubsub.PublishResult, 0, len(batch))
	for _, n := range batch {
		data, err := json.Marshal(n)
		if err != nil {
			s.logger.Warn("encode notification for pubsub", zap.Error(err))
			continue
		}
		results = append(results, s.topic.Publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"kind":   string(n.Kind),
				"domain": n.Domain,
			},
		}))
	}
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			return fmt.Errorf("publish notification: %w", err)
		}
	}
	return nil
}

// Close stops the topic's publish goroutines.
func (s *PubSubSink) Close(context.Context) error {
	s.topic.Stop()
	return nil
}
