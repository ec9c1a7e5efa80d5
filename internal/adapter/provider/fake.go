package provider

import (
	"context"
	"strings"
	"time"

	"github.com/kestrel-labs/sluice/internal/core/domain"
	"github.com/kestrel-labs/sluice/internal/core/ports"
)

// Fake emits a deterministic scripted completion without touching the
// network. It backs the use_fake_llm flag for local development and is the
// workhorse of the pipeline tests.
type Fake struct {
	FailWith     error
	ProviderName string
	Model        string
	Chunks       []string
	ChunkDelay   time.Duration
	FailAfter    int
}

var _ ports.Provider = (*Fake)(nil)

// NewFake returns a fake that echoes the query back word by word.
func NewFake(name string) *Fake {
	return &Fake{ProviderName: name, Model: "fake-model"}
}

func (f *Fake) Name() string {
	if f.ProviderName == "" {
		return "fake"
	}
	return f.ProviderName
}

func (f *Fake) AcceptsModel(string) bool {
	return true
}

func (f *Fake) Stream(ctx context.Context, req *domain.StreamRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk, 16)
	errCh := make(chan error, 1)

	script := f.Chunks
	if script == nil {
		for _, word := range strings.Fields(req.Query) {
			script = append(script, word+" ")
		}
		if len(script) == 0 {
			script = []string{"ok"}
		}
	}

	go func() {
		defer close(chunks)
		defer close(errCh)

		for i, content := range script {
			if f.FailWith != nil && i >= f.FailAfter {
				errCh <- f.FailWith
				return
			}
			if f.ChunkDelay > 0 {
				select {
				case <-time.After(f.ChunkDelay):
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
			select {
			case chunks <- domain.StreamChunk{Content: content, Model: f.Model, Timestamp: time.Now()}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if f.FailWith != nil && f.FailAfter >= len(script) {
			errCh <- f.FailWith
			return
		}
		select {
		case chunks <- domain.StreamChunk{FinishReason: "stop", Model: f.Model, Timestamp: time.Now()}:
		case <-ctx.Done():
		}
	}()

	return chunks, errCh
}
