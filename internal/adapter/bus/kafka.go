package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/ports"
	"github.com/kestrel-labs/sluice/internal/version"
)

// LogBus backs the message bus with a partitioned commit log. Offsets are
// committed per record on Acknowledge, never automatically, so an unserved
// message is redelivered after a consumer crash.
type LogBus struct {
	client *kgo.Client
	admin  *kadm.Client
	logger *slog.Logger
	topic  string
	group  string

	mu       sync.Mutex
	inflight map[string]*kgo.Record
}

var _ ports.MessageBus = (*LogBus)(nil)

func NewLogBus(cfg *config.QueueConfig, logger *slog.Logger) (*LogBus, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.ClientID(version.UserAgent()),
		kgo.ConsumerGroup(cfg.KafkaGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connecting to commit log: %w", err)
	}
	return &LogBus{
		client:   client,
		admin:    kadm.NewClient(client),
		logger:   logger,
		topic:    cfg.Topic,
		group:    cfg.KafkaGroup,
		inflight: make(map[string]*kgo.Record),
	}, nil
}

func (b *LogBus) Initialize(ctx context.Context) error {
	return b.client.Ping(ctx)
}

func (b *LogBus) Produce(ctx context.Context, payload []byte) (string, error) {
	rec := &kgo.Record{Topic: b.topic, Value: payload}
	if err := b.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return "", err
	}
	return recordID(rec), nil
}

func (b *LogBus) Consume(ctx context.Context, consumerName string, batchSize int, block time.Duration) ([]ports.QueueMessage, error) {
	pollCtx, cancel := context.WithTimeout(ctx, block)
	defer cancel()

	fetches := b.client.PollRecords(pollCtx, batchSize)
	if err := fetches.Err0(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	var messages []ports.QueueMessage
	b.mu.Lock()
	fetches.EachRecord(func(rec *kgo.Record) {
		id := recordID(rec)
		b.inflight[id] = rec
		messages = append(messages, ports.QueueMessage{ID: id, Payload: rec.Value})
	})
	b.mu.Unlock()
	return messages, nil
}

func (b *LogBus) Acknowledge(ctx context.Context, messageID string) error {
	b.mu.Lock()
	rec, ok := b.inflight[messageID]
	if ok {
		delete(b.inflight, messageID)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("bus: acknowledging unknown message %s", messageID)
	}
	return b.client.CommitRecords(ctx, rec)
}

// Depth reports total consumer-group lag across partitions, the closest
// commit-log analogue to a stream's length.
func (b *LogBus) Depth(ctx context.Context) (int64, error) {
	ends, err := b.admin.ListEndOffsets(ctx, b.topic)
	if err != nil {
		return 0, err
	}
	committed, err := b.admin.FetchOffsetsForTopics(ctx, b.group, b.topic)
	if err != nil {
		return 0, err
	}

	var depth int64
	ends.Each(func(end kadm.ListedOffset) {
		var at int64
		if o, ok := committed.Lookup(end.Topic, end.Partition); ok && o.At > 0 {
			at = o.At
		}
		if lag := end.Offset - at; lag > 0 {
			depth += lag
		}
	})
	return depth, nil
}

func (b *LogBus) Close() error {
	b.client.Close()
	return nil
}

func recordID(rec *kgo.Record) string {
	return fmt.Sprintf("%d-%d", rec.Partition, rec.Offset)
}
