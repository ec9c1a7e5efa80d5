package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/domain"
)

func sseHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}
}

func newTestProvider(t *testing.T, handler http.Handler) *OpenAICompatible {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAICompatible(&config.ProviderConfig{
		Name:         "test",
		BaseURL:      srv.URL,
		DefaultModel: "gpt-4o-mini",
		Timeout:      5 * time.Second,
	}, slog.Default())
}

func collect(t *testing.T, chunks <-chan domain.StreamChunk, errCh <-chan error) ([]domain.StreamChunk, error) {
	t.Helper()
	var got []domain.StreamChunk
	for chunk := range chunks {
		got = append(got, chunk)
	}
	return got, <-errCh
}

func TestStreamParsesDeltas(t *testing.T) {
	p := newTestProvider(t, sseHandler(
		`{"model":"gpt-4o-mini","choices":[{"delta":{"content":"Hello"}}]}`,
		`{"model":"gpt-4o-mini","choices":[{"delta":{"content":" world"}}]}`,
		`{"model":"gpt-4o-mini","choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	))

	chunks, errCh := p.Stream(context.Background(), &domain.StreamRequest{Query: "hi", ThreadID: "t1"})
	got, err := collect(t, chunks, errCh)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "Hello", got[0].Content)
	assert.Equal(t, " world", got[1].Content)
	assert.Equal(t, "stop", got[2].FinishReason)
}

func TestStreamStopsAtDoneWithoutFinishReason(t *testing.T) {
	p := newTestProvider(t, sseHandler(
		`{"choices":[{"delta":{"content":"partial"}}]}`,
		`[DONE]`,
	))

	chunks, errCh := p.Stream(context.Background(), &domain.StreamRequest{Query: "hi"})
	got, err := collect(t, chunks, errCh)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "partial", got[0].Content)
}

func TestStreamSkipsMalformedEvents(t *testing.T) {
	p := newTestProvider(t, sseHandler(
		`{not json`,
		`{"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
	))

	chunks, errCh := p.Stream(context.Background(), &domain.StreamRequest{Query: "hi"})
	got, err := collect(t, chunks, errCh)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Content)
}

func TestStreamTranslatesStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   domain.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, domain.ErrCodeProviderAuth},
		{"rate limited", http.StatusTooManyRequests, domain.ErrCodeProviderNotAvailable},
		{"server error", http.StatusBadGateway, domain.ErrCodeProviderNotAvailable},
		{"bad request", http.StatusBadRequest, domain.ErrCodeProviderAPI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "upstream says no", tt.status)
			}))

			chunks, errCh := p.Stream(context.Background(), &domain.StreamRequest{Query: "hi"})
			got, err := collect(t, chunks, errCh)
			assert.Empty(t, got)
			require.Error(t, err)
			assert.Equal(t, tt.want, domain.CodeOf(err))

			var pe *domain.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.status, pe.StatusCode)
		})
	}
}

func TestStreamTranslatesConnectFailure(t *testing.T) {
	p := NewOpenAICompatible(&config.ProviderConfig{
		Name:    "dead",
		BaseURL: "http://127.0.0.1:1",
		Timeout: time.Second,
	}, slog.Default())

	chunks, errCh := p.Stream(context.Background(), &domain.StreamRequest{Query: "hi"})
	_, err := collect(t, chunks, errCh)
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeProviderNotAvailable, domain.CodeOf(err))
	assert.True(t, domain.IsRetryable(err))
}

func TestStreamSendsAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		sseHandler(`[DONE]`)(w, r)
	}))
	t.Cleanup(srv.Close)

	t.Setenv("TEST_PROVIDER_KEY", "sk-test-123")
	p := NewOpenAICompatible(&config.ProviderConfig{
		Name:      "test",
		BaseURL:   srv.URL,
		APIKeyEnv: "TEST_PROVIDER_KEY",
		Timeout:   time.Second,
	}, slog.Default())

	chunks, errCh := p.Stream(context.Background(), &domain.StreamRequest{Query: "hi"})
	_, err := collect(t, chunks, errCh)
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test-123", gotAuth)
}

func TestAcceptsModelPrefixes(t *testing.T) {
	p := &OpenAICompatible{prefixes: []string{"gpt-", "o1"}}

	assert.True(t, p.AcceptsModel("gpt-4o"))
	assert.True(t, p.AcceptsModel("o1-preview"))
	assert.True(t, p.AcceptsModel(""), "empty model falls back to the provider default")
	assert.False(t, p.AcceptsModel("deepseek-chat"))

	open := &OpenAICompatible{}
	assert.True(t, open.AcceptsModel("anything"))
}
