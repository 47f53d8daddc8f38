package identity

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubDelivery implements OutboundDelivery by publishing OTP-delivery
// requests to a Pub/Sub topic consumed by an external SMS/email worker,
// grounded on the same publish-and-confirm shape as events.PubSubEventBus —
// the difference is this call blocks on the publish result, since an OTP
// request has no in-memory fallback fan-out to fall back on.
type PubSubDelivery struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

func NewPubSubDelivery(projectID, topicID string) (*PubSubDelivery, error) {
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
	}

	return &PubSubDelivery{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[identity/otp] ", log.LstdFlags),
	}, nil
}

// Send implements OutboundDelivery.
func (d *PubSubDelivery) Send(ctx context.Context, channel, address, body string) error {
	msg := &pubsub.Message{
		Data: []byte(body),
		Attributes: map[string]string{
			"channel": channel,
			"address": address,
		},
	}
	result := d.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish otp delivery: %w", err)
	}
	return nil
}

func (d *PubSubDelivery) Close() error {
	d.topic.Stop()
	return d.client.Close()
}
