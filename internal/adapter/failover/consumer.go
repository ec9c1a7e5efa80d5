package failover

import (
	"context"
	"log/slog"
	"time"

	"github.com/kestrel-labs/sluice/internal/adapter/kv"
	"github.com/kestrel-labs/sluice/internal/adapter/metrics"
	"github.com/kestrel-labs/sluice/internal/adapter/stream"
	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/constants"
	"github.com/kestrel-labs/sluice/internal/core/domain"
	"github.com/kestrel-labs/sluice/internal/core/ports"
	"github.com/kestrel-labs/sluice/internal/util"
)

const (
	failoverServed   = "served"
	failoverRequeued = "requeued"
	failoverExpired  = "expired"
	failoverRejected = "rejected"
)

// Consumer is the worker half of queue failover. It drains parked requests
// from the bus, re-attempts admission locally and runs the pipeline,
// publishing the resulting frames onto the request's result channel. Every
// claimed message is acknowledged exactly once: after serving, after terminal
// rejection, or after being requeued with a bumped retry count.
type Consumer struct {
	bus       ports.MessageBus
	kvClient  *kv.Client
	admission ports.AdmissionController
	orch      *stream.Orchestrator
	metrics   *metrics.Metrics
	logger    *slog.Logger

	name       string
	batchSize  int
	block      time.Duration
	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
	expiry     time.Duration
}

func NewConsumer(cfg *config.FailoverConfig, b ports.MessageBus, kvClient *kv.Client, admission ports.AdmissionController, orch *stream.Orchestrator, m *metrics.Metrics, logger *slog.Logger) *Consumer {
	return &Consumer{
		bus:        b,
		kvClient:   kvClient,
		admission:  admission,
		orch:       orch,
		metrics:    m,
		logger:     logger,
		name:       "worker-" + util.GenerateRequestID()[:8],
		batchSize:  cfg.ConsumerBatchSize,
		block:      cfg.ConsumerBlock,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBaseDelay,
		retryCap:   cfg.RetryMaxDelay,
		expiry:     cfg.Timeout,
	}
}

// Run drains the queue until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.bus.Initialize(ctx); err != nil {
		return err
	}
	c.logger.Info("failover consumer started", "consumer", c.name)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := c.bus.Consume(ctx, c.name, c.batchSize, c.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("consuming from failover queue failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
		if depth, err := c.bus.Depth(ctx); err == nil {
			c.metrics.QueueDepth.Set(float64(depth))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg ports.QueueMessage) {
	envelope, err := domain.UnmarshalQueuedRequest(msg.Payload)
	if err != nil {
		// poison message; leaving it unacked would redeliver it forever
		c.logger.Error("dropping undecodable queued request", "message_id", msg.ID, "error", err)
		c.ack(ctx, msg.ID)
		return
	}
	channel := constants.KeyPrefixQueueResults + envelope.RequestID

	if envelope.Age(time.Now()) > c.expiry {
		c.logger.Warn("dropping expired queued request",
			"request_id", envelope.RequestID, "age", envelope.Age(time.Now()))
		c.signalError(ctx, channel, "request expired in queue")
		c.metrics.FailoverTotal.WithLabelValues(failoverExpired).Inc()
		c.ack(ctx, msg.ID)
		return
	}

	req := &envelope.Request
	verdict, err := c.admission.Acquire(ctx, req.UserID, req.ThreadID)
	if err != nil || verdict != domain.AdmissionGranted {
		c.requeue(ctx, envelope, channel, msg.ID)
		return
	}
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		if err := c.admission.Release(releaseCtx, req.UserID, req.ThreadID); err != nil {
			c.logger.Warn("releasing failover slot failed", "thread_id", req.ThreadID, "error", err)
		}
	}()

	emit := func(event domain.SSEEvent) error {
		frame, err := event.Format()
		if err != nil {
			return err
		}
		return c.kvClient.Publish(ctx, channel, frame)
	}

	if err := c.orch.RunPreAdmitted(ctx, req, emit); err != nil {
		// the terminal error frame is already on the channel
		c.logger.Warn("queued request failed in pipeline",
			"request_id", envelope.RequestID, "error", err)
	}
	if err := c.kvClient.Publish(ctx, channel, constants.SignalDone); err != nil {
		c.logger.Warn("publishing done sentinel failed", "request_id", envelope.RequestID, "error", err)
	}
	c.metrics.FailoverTotal.WithLabelValues(failoverServed).Inc()
	c.ack(ctx, msg.ID)
}

// requeue puts the envelope back with a bumped retry count, or gives up once
// retries are exhausted. The original message is acknowledged either way; the
// requeued copy is a new message.
func (c *Consumer) requeue(ctx context.Context, envelope *domain.QueuedStreamingRequest, channel, messageID string) {
	if envelope.RetryCount >= c.maxRetries {
		c.logger.Warn("queued request exhausted retries",
			"request_id", envelope.RequestID, "retries", envelope.RetryCount)
		c.signalError(ctx, channel, "no capacity after retries")
		c.metrics.FailoverTotal.WithLabelValues(failoverRejected).Inc()
		c.ack(ctx, messageID)
		return
	}

	envelope.RetryCount++
	delay := util.CalculateRequeueBackoff(envelope.RetryCount, c.retryBase, c.retryCap)
	select {
	case <-ctx.Done():
		// shutdown mid-requeue: leave the original unacked for redelivery
		return
	case <-time.After(delay):
	}

	payload, err := envelope.Marshal()
	if err != nil {
		c.signalError(ctx, channel, "encoding requeued request")
		c.ack(ctx, messageID)
		return
	}
	if _, err := c.bus.Produce(ctx, payload); err != nil {
		c.logger.Error("requeueing failed, leaving message for redelivery",
			"request_id", envelope.RequestID, "error", err)
		return
	}
	c.metrics.FailoverTotal.WithLabelValues(failoverRequeued).Inc()
	c.ack(ctx, messageID)
}

func (c *Consumer) signalError(ctx context.Context, channel, reason string) {
	if err := c.kvClient.Publish(ctx, channel, constants.SignalErrorPrefix+reason); err != nil {
		c.logger.Warn("publishing error sentinel failed", "channel", channel, "error", err)
	}
}

func (c *Consumer) ack(ctx context.Context, messageID string) {
	if err := c.bus.Acknowledge(ctx, messageID); err != nil {
		c.logger.Warn("acknowledging message failed", "message_id", messageID, "error", err)
	}
}
