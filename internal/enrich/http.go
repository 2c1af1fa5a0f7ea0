package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// maxResponseBytes bounds how much enrichment text is accepted.
const maxResponseBytes = 256 << 10

// HTTPEnricher asks a knowledge service for task context. The service
// receives the Request as JSON and answers with {"context": "..."} or a
// plain-text body.
type HTTPEnricher struct {
	url     string
	client  *http.Client
	timeout time.Duration
	retry   RetryConfig
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// HTTPOptions configures NewHTTPEnricher. Zero values select defaults.
type HTTPOptions struct {
	Timeout time.Duration // Per-call budget including retries (default 10s)
	Retry   *RetryConfig
	Client  *http.Client
	Logger  *slog.Logger
}

// NewHTTPEnricher creates an enricher for the service at url.
func NewHTTPEnricher(url string, opts HTTPOptions) *HTTPEnricher {
	e := &HTTPEnricher{
		url:     url,
		client:  opts.Client,
		timeout: opts.Timeout,
		retry:   DefaultRetryConfig(),
		logger:  opts.Logger,
	}
	if e.client == nil {
		e.client = &http.Client{}
	}
	if e.timeout <= 0 {
		e.timeout = 10 * time.Second
	}
	if opts.Retry != nil {
		e.retry = *opts.Retry
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.breaker = newBreaker("enrichment", e.logger)
	return e
}

// Enrich implements Enricher.
func (e *HTTPEnricher) Enrich(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode enrichment request: %w", err)
	}

	out, err := callWithRetry(ctx, e.breaker, e.retry, func() (string, error) {
		return e.post(ctx, body)
	})
	if err != nil {
		return "", fmt.Errorf("enrich %s: %w", req.TaskKey, err)
	}
	return out, nil
}

func (e *HTTPEnricher) post(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return "", &permanentError{err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/plain")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("enrichment service returned %d", resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", &permanentError{fmt.Errorf("enrichment service returned %d", resp.StatusCode)}
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var payload struct {
			Context string `json:"context"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return "", &permanentError{fmt.Errorf("decode enrichment response: %w", err)}
		}
		return payload.Context, nil
	}
	return string(data), nil
}
