package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/domain"
	"github.com/kestrel-labs/sluice/internal/core/ports"
	"github.com/kestrel-labs/sluice/internal/version"
)

const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 5
	defaultIdleConnTimeout     = 90 * time.Second
	defaultTLSHandshakeTimeout = 10 * time.Second
	defaultDialTimeout         = 10 * time.Second
	defaultKeepAlive           = 30 * time.Second

	chatCompletionsPath = "/chat/completions"
	ssePrefix           = "data: "
	sseDone             = "[DONE]"
	maxErrorBodyBytes   = 4 * 1024
)

// OpenAICompatible streams chat completions from any endpoint speaking the
// OpenAI SSE dialect. One instance per configured upstream.
type OpenAICompatible struct {
	client       *http.Client
	logger       *slog.Logger
	name         string
	baseURL      string
	apiKey       string
	defaultModel string
	prefixes     []string
}

var _ ports.Provider = (*OpenAICompatible)(nil)

func NewOpenAICompatible(cfg *config.ProviderConfig, logger *slog.Logger) *OpenAICompatible {
	transport := &http.Transport{
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
		TLSHandshakeTimeout: defaultTLSHandshakeTimeout,
		DisableCompression:  true,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{
				Timeout:   defaultDialTimeout,
				KeepAlive: defaultKeepAlive,
			}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// Disable Nagle's algorithm for token streaming
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				if terr := tcpConn.SetNoDelay(true); terr != nil {
					logger.Warn("failed to set NoDelay", "err", terr)
				}
			}
			return conn, nil
		},
	}

	return &OpenAICompatible{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		logger:       logger,
		name:         cfg.Name,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       os.Getenv(cfg.APIKeyEnv),
		defaultModel: cfg.DefaultModel,
		prefixes:     cfg.ModelPrefixes,
	}
}

func (p *OpenAICompatible) Name() string {
	return p.name
}

// AcceptsModel matches on configured model-name prefixes. No prefixes means
// the provider takes anything.
func (p *OpenAICompatible) AcceptsModel(model string) bool {
	if model == "" || len(p.prefixes) == 0 {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatStreamChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type chatStreamEvent struct {
	Model   string             `json:"model"`
	Choices []chatStreamChoice `json:"choices"`
}

func (p *OpenAICompatible) Stream(ctx context.Context, req *domain.StreamRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunks)
		if err := p.stream(ctx, req, chunks); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	return chunks, errCh
}

func (p *OpenAICompatible) stream(ctx context.Context, req *domain.StreamRequest, chunks chan<- domain.StreamChunk) error {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	body, err := json.Marshal(chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: req.Query}},
		Stream:   true,
	})
	if err != nil {
		return domain.NewProviderError(domain.ErrCodeProviderAPI, p.name, model, 0, 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return domain.NewProviderError(domain.ErrCodeProviderAPI, p.name, model, 0, 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return p.translateTransportError(err, model, time.Since(start))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return p.translateStatusError(resp, model, time.Since(start))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, ssePrefix) {
			continue
		}
		payload := strings.TrimPrefix(line, ssePrefix)
		if payload == sseDone {
			return nil
		}

		var event chatStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			p.logger.Warn("skipping malformed stream event", "provider", p.name, "err", err)
			continue
		}
		if len(event.Choices) == 0 {
			continue
		}

		choice := event.Choices[0]
		chunk := domain.StreamChunk{
			Content:      choice.Delta.Content,
			FinishReason: choice.FinishReason,
			Model:        event.Model,
			Timestamp:    time.Now(),
		}

		select {
		case chunks <- chunk:
		case <-ctx.Done():
			return p.translateTransportError(ctx.Err(), model, time.Since(start))
		}
		if chunk.FinishReason != "" {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return p.translateTransportError(err, model, time.Since(start))
	}
	// the upstream closed the body without a finish_reason or [DONE]; the
	// buffered content stands, treat it as a clean end of stream
	return nil
}

func (p *OpenAICompatible) translateTransportError(err error, model string, latency time.Duration) error {
	code := domain.ErrCodeProviderNotAvailable
	if errors.Is(err, context.DeadlineExceeded) {
		code = domain.ErrCodeProviderTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		code = domain.ErrCodeProviderTimeout
	}
	return domain.NewProviderError(code, p.name, model, 0, latency, err)
}

func (p *OpenAICompatible) translateStatusError(resp *http.Response, model string, latency time.Duration) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var code domain.ErrorCode
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		code = domain.ErrCodeProviderAuth
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		code = domain.ErrCodeProviderNotAvailable
	default:
		code = domain.ErrCodeProviderAPI
	}

	err := fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	return domain.NewProviderError(code, p.name, model, resp.StatusCode, latency, err)
}
