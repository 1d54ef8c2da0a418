package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and additionally publishes every event
// to a Google Cloud Pub/Sub topic for durable, cross-service delivery.
// In-memory subscribers (the SSE stream) still get immediate fan-out.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubBus connects to a Pub/Sub topic, creating it when absent.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("[Events] Created Pub/Sub topic", "topic", topicID)
	}

	// Events about the same pilot or run must arrive in order.
	topic.EnableMessageOrdering = true

	slog.Info("[Events] Pub/Sub connected", "topic", fmt.Sprintf("projects/%s/topics/%s", projectID, topicID))
	return &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
	}, nil
}

// Emit publishes to Pub/Sub and fans out to in-memory subscribers.
func (pb *PubSubBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewEvent(eventType, source, subject, data)
	pb.publish(event)
	pb.Bus.Publish(event)
}

// publish serializes the event as a Pub/Sub message. Metadata rides as
// attributes so consumers can filter server-side.
func (pb *PubSubBus) publish(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		slog.Error("[Events] marshal event failed", "event_id", event.ID, "error", err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-subject":     event.Subject,
		},
		OrderingKey: event.Subject,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Resolve the publish off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			slog.Error("[Events] Pub/Sub publish failed", "event_id", event.ID, "type", event.Type, "error", err)
		}
	}()
}

// HealthCheck verifies the topic is still reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// Close flushes pending publishes and releases the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)
