package failover

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrel-labs/sluice/internal/adapter/bus"
	"github.com/kestrel-labs/sluice/internal/adapter/kv"
	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/constants"
	"github.com/kestrel-labs/sluice/internal/core/domain"
	"github.com/kestrel-labs/sluice/internal/util"
)

// Publisher is the client-facing half of queue failover. When local admission
// is denied, it parks the request on the bus and relays result frames from
// the per-request channel back to the caller's connection, so the client
// keeps a single uninterrupted SSE stream.
type Publisher struct {
	kvClient *kv.Client
	producer *bus.Producer
	logger   *slog.Logger
	timeout  time.Duration
}

func NewPublisher(cfg *config.FailoverConfig, kvClient *kv.Client, producer *bus.Producer, logger *slog.Logger) *Publisher {
	return &Publisher{
		kvClient: kvClient,
		producer: producer,
		logger:   logger,
		timeout:  cfg.Timeout,
	}
}

// StreamViaQueue enqueues the request and relays frames until a sentinel, the
// failover timeout, or context cancellation. The subscription is confirmed
// before the enqueue so a fast consumer cannot publish into the void.
func (p *Publisher) StreamViaQueue(ctx context.Context, req *domain.StreamRequest, write func(frame string) error) error {
	requestID := util.GenerateRequestID()
	channel := constants.KeyPrefixQueueResults + requestID

	sub := p.kvClient.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return domain.NewGatewayError(domain.ErrCodeQueueConsumer, "subscribing to result channel", err).WithThread(req.ThreadID)
	}

	envelope := &domain.QueuedStreamingRequest{
		RequestID:   requestID,
		Request:     *req,
		EnqueueTime: time.Now(),
	}
	payload, err := envelope.Marshal()
	if err != nil {
		return domain.NewGatewayError(domain.ErrCodeQueueConsumer, "encoding queued request", err).WithThread(req.ThreadID)
	}
	if _, err := p.producer.Publish(ctx, payload); err != nil {
		return err
	}

	p.logger.Info("request parked on failover queue",
		"thread_id", req.ThreadID, "request_id", requestID)

	frames := sub.Channel()
	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()

	for {
		select {
		case msg, ok := <-frames:
			if !ok {
				return domain.NewGatewayError(domain.ErrCodeQueueConsumer, "result channel closed", nil).WithThread(req.ThreadID)
			}
			switch {
			case msg.Payload == constants.SignalDone:
				return nil
			case strings.HasPrefix(msg.Payload, constants.SignalErrorPrefix):
				reason := strings.TrimPrefix(msg.Payload, constants.SignalErrorPrefix)
				p.writeErrorFrame(write, string(domain.ErrCodeQueueConsumer), reason)
				return domain.NewGatewayError(domain.ErrCodeQueueConsumer, reason, nil).WithThread(req.ThreadID)
			default:
				if err := write(msg.Payload); err != nil {
					// client went away; the consumer finishes and its frames
					// expire unheard
					return err
				}
			}

		case <-deadline.C:
			p.writeErrorFrame(write, "Timeout", "no result before failover timeout")
			return domain.ErrStreamTimeout

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Publisher) writeErrorFrame(write func(frame string) error, code, message string) {
	frame, err := domain.SSEEvent{
		Type: domain.SSEEventError,
		Data: domain.ErrorPayload{Error: code, Message: message},
	}.Format()
	if err == nil {
		_ = write(frame)
	}
}
