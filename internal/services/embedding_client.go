package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"memograph/internal/config"
	"memograph/internal/models"
	"memograph/internal/vector"
)

// ProviderLauncher starts a local provider process. Implemented by the
// process managers; stubbed in tests.
type ProviderLauncher interface {
	Launch(ctx context.Context) error
}

// EmbeddingClient acquires embedding vectors from the external embedding
// provider over HTTP. It does not retry transient failures (that is the
// backfill layer's job) with one exception: a connection-refused error
// may mean the provider process simply has not been started yet, in which
// case the client launches it once and re-attempts exactly once.
type EmbeddingClient struct {
	httpClient *http.Client
	launcher   ProviderLauncher
	metrics    *Metrics

	mu         sync.RWMutex
	provider   config.ProviderEntry
	dimensions int // canonical D
	maxChars   int
}

// EmbeddingClientConfig holds construction parameters for EmbeddingClient.
type EmbeddingClientConfig struct {
	Provider   config.ProviderEntry
	Dimensions int
	MaxChars   int
	Timeout    time.Duration
	Launcher   ProviderLauncher // optional
	Metrics    *Metrics         // optional
}

// NewEmbeddingClient creates an embedding client.
func NewEmbeddingClient(cfg EmbeddingClientConfig) *EmbeddingClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = 8000
	}

	return &EmbeddingClient{
		httpClient: &http.Client{Timeout: timeout},
		launcher:   cfg.Launcher,
		metrics:    cfg.Metrics,
		provider:   cfg.Provider,
		dimensions: cfg.Dimensions,
		maxChars:   maxChars,
	}
}

// SetProvider swaps the provider endpoint (providers.yaml hot reload).
func (c *EmbeddingClient) SetProvider(entry config.ProviderEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provider = entry
	log.Printf("🔄 [EMBEDDING] Provider endpoint updated: %s", entry.BaseURL)
}

// Embed converts a text blob into a canonical-dimension vector.
// Fails with ErrEmbeddingUnavailable, ErrEmbeddingTimeout or
// ErrEmbeddingMalformed.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float64, error) {
	prepared := c.prepare(text)

	start := time.Now()
	vec, err := c.embedOnce(ctx, prepared)

	// One launch-and-retry for "service not yet started". An explicit
	// second attempt, bounded here, rather than recursion.
	if err != nil && errors.Is(err, ErrEmbeddingUnavailable) && c.launcher != nil && isConnectionRefused(err) {
		log.Printf("⚠️ [EMBEDDING] Provider not reachable, attempting to start it once")
		if launchErr := c.launcher.Launch(ctx); launchErr != nil {
			log.Printf("❌ [EMBEDDING] Provider launch failed: %v", launchErr)
			return nil, err
		}
		vec, err = c.embedOnce(ctx, prepared)
	}

	if err != nil {
		if c.metrics != nil {
			c.metrics.EmbeddingErrors.WithLabelValues(errorType(err)).Inc()
		}
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.EmbeddingsGenerated.Inc()
		c.metrics.EmbeddingLatency.Observe(time.Since(start).Seconds())
	}

	// Dimension drift is expected during provider migrations, not an
	// error: normalize and note it.
	if len(vec) != c.dimensions {
		log.Printf("🔧 [EMBEDDING] Provider returned %d dimensions, normalizing to %d", len(vec), c.dimensions)
		vec = vector.Normalize(vec, c.dimensions)
	}

	return vec, nil
}

// prepare collapses whitespace, trims, and truncates to the character
// budget. Raw conversation content can be arbitrarily long.
func (c *EmbeddingClient) prepare(text string) string {
	return truncateText(strings.Join(strings.Fields(text), " "), c.maxChars)
}

// truncateText caps s at limit bytes without splitting a rune, so
// truncated text is always valid UTF-8.
func truncateText(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// embedOnce makes a single provider call.
func (c *EmbeddingClient) embedOnce(ctx context.Context, text string) ([]float64, error) {
	c.mu.RLock()
	provider := c.provider
	c.mu.RUnlock()

	reqJSON, err := json.Marshal(models.EmbedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	url := strings.TrimSuffix(provider.BaseURL, "/") + "/api/embed"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if provider.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("%w: %w", ErrEmbeddingTimeout, err)
		}
		// Both errors stay in the chain: the sentinel for callers, the
		// transport error so connection-refused is still detectable.
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("%w: HTTP %d: %s", ErrEmbeddingUnavailable, resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrEmbeddingMalformed, resp.StatusCode, string(body))
	}

	var payload models.EmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingMalformed, err)
	}

	if payload.Error != "" {
		return nil, fmt.Errorf("%w: provider error: %s", ErrEmbeddingMalformed, payload.Error)
	}
	if len(payload.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding in response", ErrEmbeddingMalformed)
	}

	return payload.Embedding, nil
}

// isConnectionRefused reports whether the failure looks like a provider
// that has not been started yet.
func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// isTimeout distinguishes deadline expiry from other transport failures.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

// errorType maps a pipeline error to its metrics label.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrEmbeddingTimeout):
		return "timeout"
	case errors.Is(err, ErrEmbeddingMalformed):
		return "malformed"
	default:
		return "unavailable"
	}
}
