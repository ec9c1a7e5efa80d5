package ports

import (
	"context"

	"github.com/kestrel-labs/sluice/internal/core/domain"
)

// Provider is one upstream LLM adapter. Stream returns a finite,
// non-restartable sequence of chunks on the channel; the adapter closes it
// after the final chunk or on error (the error is delivered via errCh).
// Adapters translate vendor failures into the gateway error taxonomy.
type Provider interface {
	Name() string
	AcceptsModel(model string) bool
	Stream(ctx context.Context, req *domain.StreamRequest) (<-chan domain.StreamChunk, <-chan error)
}
