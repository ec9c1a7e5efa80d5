package failover

import (
	"context"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/sluice/internal/adapter/admission"
	"github.com/kestrel-labs/sluice/internal/adapter/breaker"
	"github.com/kestrel-labs/sluice/internal/adapter/bus"
	"github.com/kestrel-labs/sluice/internal/adapter/cache"
	"github.com/kestrel-labs/sluice/internal/adapter/kv"
	"github.com/kestrel-labs/sluice/internal/adapter/metrics"
	"github.com/kestrel-labs/sluice/internal/adapter/provider"
	"github.com/kestrel-labs/sluice/internal/adapter/stream"
	"github.com/kestrel-labs/sluice/internal/adapter/tracker"
	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/constants"
	"github.com/kestrel-labs/sluice/internal/core/domain"
)

type rig struct {
	mr       *miniredis.Miniredis
	kvClient *kv.Client
	bus      *bus.StreamBus
	pub      *Publisher
	cons     *Consumer
	ctrl     *admission.Controller
}

func newRig(t *testing.T, maxConns int, providers ...*provider.Fake) *rig {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	logger := slog.Default()

	kvClient := kv.NewClient(&config.KVConfig{
		Host:             mr.Host(),
		Port:             port,
		MinConnections:   1,
		MaxConnections:   8,
		DialTimeout:      time.Second,
		OperationTimeout: time.Second,
		BatchSize:        10,
		BatchTimeout:     5 * time.Millisecond,
	}, logger)
	t.Cleanup(func() { _ = kvClient.Close() })

	queueCfg := &config.QueueConfig{
		Type:                   "stream",
		Topic:                  constants.DefaultFailoverTopic,
		MaxDepth:               100,
		BackpressureThreshold:  0.8,
		BackpressureMaxRetries: 1,
		BackpressureBaseDelay:  time.Millisecond,
		BackpressureMaxDelay:   5 * time.Millisecond,
	}
	streamBus := bus.NewStreamBus(queueCfg, kvClient, logger)
	require.NoError(t, streamBus.Initialize(context.Background()))
	producer := bus.NewProducer(queueCfg, streamBus, logger)

	brk := breaker.NewDistributedBreaker(&config.BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
	}, kvClient, logger)
	registry := provider.NewRegistry(brk, logger)
	for _, p := range providers {
		registry.Register(p)
	}

	twoTier, err := cache.NewTwoTierCache(&config.CacheConfig{L1MaxSize: 10, L2TTL: time.Hour}, kvClient, logger)
	require.NoError(t, err)

	ctrl := admission.NewController(&config.PoolConfig{
		MaxConcurrentConnections: maxConns,
		MaxConnectionsPerUser:    maxConns,
	}, kvClient, logger)

	m := metrics.New()
	orch := stream.NewOrchestrator(&config.Config{
		Cache: config.CacheConfig{L2TTL: time.Hour},
		Streaming: config.StreamingConfig{
			HeartbeatInterval:   time.Hour,
			FirstChunkTimeout:   time.Second,
			TotalRequestTimeout: 5 * time.Second,
		},
	}, stream.Deps{
		Cache:    twoTier,
		Registry: registry,
		Resilient: breaker.NewResilient(&config.RetryConfig{
			MaxRetries: 1,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
		}, brk, logger),
		Admission: ctrl,
		Tracker:   tracker.New(&config.TrackingConfig{Enabled: false}, logger),
		Metrics:   m,
	}, func() config.FeatureFlags { return config.FeatureFlags{} }, logger)

	failoverCfg := &config.FailoverConfig{
		MaxRetries:        2,
		Timeout:           2 * time.Second,
		RetryBaseDelay:    time.Millisecond,
		RetryMaxDelay:     5 * time.Millisecond,
		ConsumerBatchSize: 4,
		ConsumerBlock:     50 * time.Millisecond,
	}

	return &rig{
		mr:       mr,
		kvClient: kvClient,
		bus:      streamBus,
		pub:      NewPublisher(failoverCfg, kvClient, producer, logger),
		cons:     NewConsumer(failoverCfg, streamBus, kvClient, ctrl, orch, m, logger),
		ctrl:     ctrl,
	}
}

func parseFrames(t *testing.T, frames []string) []domain.SSEEvent {
	t.Helper()
	var events []domain.SSEEvent
	for _, f := range frames {
		ev, err := domain.ParseSSEEvent(f)
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func subscribeResults(t *testing.T, r *rig, requestID string) *redis.PubSub {
	t.Helper()
	sub := r.kvClient.Subscribe(context.Background(), constants.KeyPrefixQueueResults+requestID)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)
	return sub
}

func receiveFrame(t *testing.T, sub *redis.PubSub) string {
	t.Helper()
	select {
	case msg := <-sub.Channel():
		return msg.Payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result frame")
		return ""
	}
}

func TestQueueFailoverRoundTrip(t *testing.T) {
	r := newRig(t, 10, &provider.Fake{ProviderName: "primary", Chunks: []string{"hello ", "world"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.cons.Run(ctx) }()

	var frames []string
	err := r.pub.StreamViaQueue(ctx, &domain.StreamRequest{
		Query:    "hi",
		ThreadID: "t1",
		UserID:   "alice",
	}, func(frame string) error {
		frames = append(frames, frame)
		return nil
	})
	require.NoError(t, err)

	events := parseFrames(t, frames)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.SSEEventStatus, events[0].Type)
	assert.Equal(t, domain.SSEEventComplete, events[len(events)-1].Type)

	var content string
	for _, ev := range events {
		if ev.Type == domain.SSEEventChunk {
			content += ev.Data.(map[string]any)["content"].(string)
		}
	}
	assert.Equal(t, "hello world", content)
}

func TestExpiredRequestSignalsError(t *testing.T) {
	r := newRig(t, 10, &provider.Fake{ProviderName: "primary"})
	ctx := context.Background()

	envelope := &domain.QueuedStreamingRequest{
		RequestID:   "req-expired",
		Request:     domain.StreamRequest{Query: "hi", ThreadID: "t1", UserID: "alice"},
		EnqueueTime: time.Now().Add(-time.Hour),
	}
	payload, err := envelope.Marshal()
	require.NoError(t, err)
	_, err = r.bus.Produce(ctx, payload)
	require.NoError(t, err)

	sub := subscribeResults(t, r, "req-expired")

	msgs, err := r.bus.Consume(ctx, "w1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	r.cons.handle(ctx, msgs[0])

	frame := receiveFrame(t, sub)
	assert.Contains(t, frame, constants.SignalErrorPrefix)
	assert.Contains(t, frame, "expired")

	// the message was acknowledged, not left for redelivery
	again, err := r.bus.Consume(ctx, "w2", 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestDenialRequeuesWithBumpedRetryCount(t *testing.T) {
	// a zero-slot pool denies every acquire
	r := newRig(t, 0, &provider.Fake{ProviderName: "primary"})
	ctx := context.Background()

	envelope := &domain.QueuedStreamingRequest{
		RequestID:   "req-busy",
		Request:     domain.StreamRequest{Query: "hi", ThreadID: "t1", UserID: "alice"},
		EnqueueTime: time.Now(),
	}
	payload, err := envelope.Marshal()
	require.NoError(t, err)
	_, err = r.bus.Produce(ctx, payload)
	require.NoError(t, err)

	msgs, err := r.bus.Consume(ctx, "w1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	r.cons.handle(ctx, msgs[0])

	requeued, err := r.bus.Consume(ctx, "w1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, requeued, 1)

	got, err := domain.UnmarshalQueuedRequest(requeued[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "req-busy", got.RequestID)
}

func TestRetriesExhaustedSignalsError(t *testing.T) {
	r := newRig(t, 0, &provider.Fake{ProviderName: "primary"})
	ctx := context.Background()

	envelope := &domain.QueuedStreamingRequest{
		RequestID:   "req-give-up",
		Request:     domain.StreamRequest{Query: "hi", ThreadID: "t1", UserID: "alice"},
		EnqueueTime: time.Now(),
		RetryCount:  2,
	}
	payload, err := envelope.Marshal()
	require.NoError(t, err)
	_, err = r.bus.Produce(ctx, payload)
	require.NoError(t, err)

	sub := subscribeResults(t, r, "req-give-up")

	msgs, err := r.bus.Consume(ctx, "w1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	r.cons.handle(ctx, msgs[0])

	frame := receiveFrame(t, sub)
	assert.Contains(t, frame, "no capacity after retries")

	again, err := r.bus.Consume(ctx, "w2", 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, again, "an exhausted request must not be requeued")
}

func TestPoisonMessageIsAcked(t *testing.T) {
	r := newRig(t, 10, &provider.Fake{ProviderName: "primary"})
	ctx := context.Background()

	_, err := r.bus.Produce(ctx, []byte("{not an envelope"))
	require.NoError(t, err)

	msgs, err := r.bus.Consume(ctx, "w1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	r.cons.handle(ctx, msgs[0])

	again, err := r.bus.Consume(ctx, "w2", 10, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestPublisherTimesOutWithoutConsumer(t *testing.T) {
	r := newRig(t, 10, &provider.Fake{ProviderName: "primary"})
	r.pub.timeout = 50 * time.Millisecond

	var frames []string
	err := r.pub.StreamViaQueue(context.Background(), &domain.StreamRequest{
		Query:    "hi",
		ThreadID: "t1",
		UserID:   "alice",
	}, func(frame string) error {
		frames = append(frames, frame)
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrStreamTimeout)

	require.Len(t, frames, 1)
	ev, perr := domain.ParseSSEEvent(frames[0])
	require.NoError(t, perr)
	assert.Equal(t, domain.SSEEventError, ev.Type)
}

func TestPublisherRejectsWhenQueueFull(t *testing.T) {
	r := newRig(t, 10, &provider.Fake{ProviderName: "primary"})

	// a zero-capacity queue trips the hard cap immediately
	full := bus.NewProducer(&config.QueueConfig{
		MaxDepth:               0,
		BackpressureThreshold:  0.8,
		BackpressureMaxRetries: 0,
	}, r.bus, slog.Default())
	r.pub.producer = full

	err := r.pub.StreamViaQueue(context.Background(), &domain.StreamRequest{
		Query:    "hi",
		ThreadID: "t1",
		UserID:   "alice",
	}, func(string) error { return nil })
	assert.Equal(t, domain.ErrCodeQueueFull, domain.CodeOf(err))
}
