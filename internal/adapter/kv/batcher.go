package kv

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Batcher coalesces individually submitted commands into pipelined round
// trips. A command queued via Do waits until the batch it joined is flushed,
// which happens when batchSize commands have accumulated or batchTimeout has
// elapsed since the first one, whichever comes first.
//
// A single flusher goroutine drains the queue, so at most one flush is in
// progress at a time; commands enqueued during a flush join the next batch.
type Batcher struct {
	rdb          *redis.Client
	logger       *slog.Logger
	queue        chan *pendingCommand
	done         chan struct{}
	closeOnce    sync.Once
	batchSize    int
	batchTimeout time.Duration
}

type pendingCommand struct {
	ctx   context.Context
	build func(redis.Pipeliner) redis.Cmder
	cmd   redis.Cmder
	err   error
	ready chan struct{}
}

func NewBatcher(rdb *redis.Client, batchSize int, batchTimeout time.Duration, logger *slog.Logger) *Batcher {
	if batchSize <= 0 {
		batchSize = 10
	}
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}

	b := &Batcher{
		rdb:          rdb,
		logger:       logger,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		queue:        make(chan *pendingCommand, batchSize*4),
		done:         make(chan struct{}),
	}
	go b.flushLoop()
	return b
}

// Do queues one command and blocks until its batch has been flushed. The
// build callback adds the command to the shared pipeline; its result becomes
// available once the pipeline executes.
func (b *Batcher) Do(ctx context.Context, build func(redis.Pipeliner) redis.Cmder) (redis.Cmder, error) {
	pc := &pendingCommand{
		ctx:   ctx,
		build: build,
		ready: make(chan struct{}),
	}

	select {
	case b.queue <- pc:
	case <-b.done:
		return nil, redis.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-pc.ready:
		return pc.cmd, pc.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get is a convenience wrapper for the most common batched read.
func (b *Batcher) Get(ctx context.Context, key string) (string, error) {
	cmd, err := b.Do(ctx, func(pipe redis.Pipeliner) redis.Cmder {
		return pipe.Get(ctx, key)
	})
	if err != nil {
		return "", err
	}
	return cmd.(*redis.StringCmd).Result()
}

func (b *Batcher) flushLoop() {
	for {
		// the idle wait must also watch done, or Close leaks the flusher
		var first *pendingCommand
		select {
		case first = <-b.queue:
		case <-b.done:
			return
		}
		if first == nil {
			continue
		}

		batch := []*pendingCommand{first}
		timer := time.NewTimer(b.batchTimeout)

	fill:
		for len(batch) < b.batchSize {
			select {
			case pc := <-b.queue:
				batch = append(batch, pc)
			case <-timer.C:
				break fill
			case <-b.done:
				timer.Stop()
				b.flush(batch)
				return
			}
		}
		timer.Stop()

		b.flush(batch)

		select {
		case <-b.done:
			return
		default:
		}
	}
}

// flush executes one pipelined round trip and completes every waiter in the
// batch. A transport-level failure propagates to all of them.
func (b *Batcher) flush(batch []*pendingCommand) {
	pipe := b.rdb.Pipeline()
	for _, pc := range batch {
		pc.cmd = pc.build(pipe)
	}

	// the pipeline carries commands for many callers; use a background
	// context so one caller's cancellation doesn't fail its batch-mates
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, err := pipe.Exec(ctx)
	cancel()

	if err != nil && err != redis.Nil {
		b.logger.Debug("pipeline flush failed", "batch_size", len(batch), "error", err)
	}

	for _, pc := range batch {
		if pc.cmd == nil {
			pc.err = err
		} else if cmdErr := pc.cmd.Err(); cmdErr != nil && cmdErr != redis.Nil {
			pc.err = cmdErr
		} else if err != nil && err != redis.Nil && pc.cmd.Err() == nil {
			pc.err = err
		}
		close(pc.ready)
	}
}

func (b *Batcher) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}
