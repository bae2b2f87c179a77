// Package publisher sends call status documents to a message broker.
package publisher

import "context"

// Publisher publishes a payload on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}
