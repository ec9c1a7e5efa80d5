package domain

import (
	"encoding/json"
	"time"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// StreamRequest is the immutable unit of work flowing through the pipeline.
// Built once by the HTTP layer and never mutated afterwards.
type StreamRequest struct {
	Query    string            `json:"query"`
	Model    string            `json:"model"`
	Provider string            `json:"provider,omitempty"`
	ThreadID string            `json:"thread_id"`
	UserID   string            `json:"user_id"`
	Priority Priority          `json:"priority"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StreamChunk is one token batch produced by a provider adapter.
// A non-empty FinishReason terminates the stream; anything after it is discarded.
type StreamChunk struct {
	Content      string    `json:"content"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Model        string    `json:"model,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// QueuedStreamingRequest is the wire envelope placed on the failover topic
// when local admission was denied.
type QueuedStreamingRequest struct {
	RequestID   string        `json:"request_id"`
	Request     StreamRequest `json:"request"`
	EnqueueTime time.Time     `json:"enqueue_time"`
	RetryCount  int           `json:"retry_count"`
}

func (q *QueuedStreamingRequest) Marshal() ([]byte, error) {
	return json.Marshal(q)
}

func UnmarshalQueuedRequest(data []byte) (*QueuedStreamingRequest, error) {
	var q QueuedStreamingRequest
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Age reports how long the envelope has been sitting on the queue.
func (q *QueuedStreamingRequest) Age(now time.Time) time.Duration {
	return now.Sub(q.EnqueueTime)
}
