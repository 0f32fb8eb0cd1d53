package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/iterator"
)

// Client abstracts the downstream messaging client so the sink's health and
// dispatch logic can be exercised without a live broker.
type Client interface {
	// Probe performs a lightweight metadata round-trip against the broker.
	Probe(ctx context.Context) error
	// TopicExists reports whether the named topic is present on the broker.
	TopicExists(ctx context.Context, topicID string) (bool, error)
	// Publish sends one message and blocks until the broker confirms it or
	// the context expires.
	Publish(ctx context.Context, topicID, key string, payload []byte) error
	// Close releases the underlying connection.
	Close() error
}

// GooglePubsubClient implements Client on top of the official Pub/Sub client.
// Topic handles are created lazily and cached for the life of the client.
type GooglePubsubClient struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewGooglePubsubClient wraps an existing Pub/Sub client.
func NewGooglePubsubClient(client *pubsub.Client) (*GooglePubsubClient, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	return &GooglePubsubClient{
		client: client,
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// Probe lists a single page of topics as a cheap liveness check against the
// broker, analogous to a metadata fetch.
func (g *GooglePubsubClient) Probe(ctx context.Context) error {
	it := g.client.Topics(ctx)
	_, err := it.Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("pubsub metadata probe: %w", err)
	}
	return nil
}

// TopicExists reports whether the topic exists in the configured project.
func (g *GooglePubsubClient) TopicExists(ctx context.Context, topicID string) (bool, error) {
	exists, err := g.client.Topic(topicID).Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	return exists, nil
}

// Publish sends a single message and waits for the server-assigned ID,
// bounded by the caller's context.
func (g *GooglePubsubClient) Publish(ctx context.Context, topicID, key string, payload []byte) error {
	topic := g.topicHandle(topicID)
	res := topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"source_topic": key},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", topicID, err)
	}
	return nil
}

// Close flushes cached topic handles and closes the client.
func (g *GooglePubsubClient) Close() error {
	g.mu.Lock()
	for _, t := range g.topics {
		t.Stop()
	}
	g.mu.Unlock()
	return g.client.Close()
}

func (g *GooglePubsubClient) topicHandle(topicID string) *pubsub.Topic {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.topics[topicID]; ok {
		return t
	}
	t := g.client.Topic(topicID)
	// Send-and-confirm is per message, so flush each publish promptly rather
	// than waiting for a batch to fill.
	t.PublishSettings.CountThreshold = 1
	g.topics[topicID] = t
	return t
}
