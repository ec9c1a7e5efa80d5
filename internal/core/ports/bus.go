package ports

import (
	"context"
	"time"
)

// QueueMessage is one claimed-but-unacknowledged message from the bus.
type QueueMessage struct {
	ID      string
	Payload []byte
}

// MessageBus abstracts the failover queue. Two backings exist: a log-structured
// stream on the KV store and a partitioned commit log. Acknowledge asserts the
// message was fully served, terminally failed, or requeued with a bumped retry
// count; an unacknowledged message is redelivered.
type MessageBus interface {
	Initialize(ctx context.Context) error
	Produce(ctx context.Context, payload []byte) (string, error)
	Consume(ctx context.Context, consumerName string, batchSize int, block time.Duration) ([]QueueMessage, error)
	Acknowledge(ctx context.Context, messageID string) error
	Depth(ctx context.Context) (int64, error)
	Close() error
}
