package bus

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kestrel-labs/sluice/internal/adapter/kv"
	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/constants"
	"github.com/kestrel-labs/sluice/internal/core/ports"
)

const (
	streamGroup  = "sluice-consumers"
	payloadField = "payload"
)

// StreamBus backs the message bus with a log-structured stream on the KV
// store. A single consumer group tracks per-consumer cursors; messages are
// claimed with XREADGROUP(">") and settled with XACK.
type StreamBus struct {
	kvClient *kv.Client
	logger   *slog.Logger
	key      string
}

var _ ports.MessageBus = (*StreamBus)(nil)

func NewStreamBus(cfg *config.QueueConfig, kvClient *kv.Client, logger *slog.Logger) *StreamBus {
	return &StreamBus{
		kvClient: kvClient,
		logger:   logger,
		key:      constants.KeyPrefixQueue + cfg.Topic,
	}
}

// Initialize creates the stream and its consumer group. Re-initialising an
// existing group is not an error.
func (b *StreamBus) Initialize(ctx context.Context) error {
	err := b.kvClient.Raw().XGroupCreateMkStream(ctx, b.key, streamGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (b *StreamBus) Produce(ctx context.Context, payload []byte) (string, error) {
	return b.kvClient.Raw().XAdd(ctx, &redis.XAddArgs{
		Stream: b.key,
		Values: map[string]any{payloadField: payload},
	}).Result()
}

func (b *StreamBus) Consume(ctx context.Context, consumerName string, batchSize int, block time.Duration) ([]ports.QueueMessage, error) {
	streams, err := b.kvClient.Raw().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    streamGroup,
		Consumer: consumerName,
		Streams:  []string{b.key, ">"},
		Count:    int64(batchSize),
		Block:    block,
	}).Result()
	if err != nil {
		// a block that expires with nothing to read is a normal empty poll
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var messages []ports.QueueMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values[payloadField].(string)
			if !ok {
				b.logger.Warn("dropping stream message without payload field", "id", msg.ID)
				_ = b.Acknowledge(ctx, msg.ID)
				continue
			}
			messages = append(messages, ports.QueueMessage{ID: msg.ID, Payload: []byte(raw)})
		}
	}
	return messages, nil
}

func (b *StreamBus) Acknowledge(ctx context.Context, messageID string) error {
	return b.kvClient.Raw().XAck(ctx, b.key, streamGroup, messageID).Err()
}

func (b *StreamBus) Depth(ctx context.Context) (int64, error) {
	return b.kvClient.Raw().XLen(ctx, b.key).Result()
}

func (b *StreamBus) Close() error {
	return nil
}
