package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kindred-ngo/messaging-gateway/internal/apperr"
	"github.com/kindred-ngo/messaging-gateway/internal/model"
	"github.com/kindred-ngo/messaging-gateway/pkg/logger"
	"github.com/kindred-ngo/messaging-gateway/pkg/tracing"
)

// DefaultTimeout bounds every provider call.
const DefaultTimeout = 30 * time.Second

const maxResponseBytes = 1 << 20

// ClientConfig configures the provider HTTP client shared by an adapter.
type ClientConfig struct {
	Timeout time.Duration
	// RatePerSecond throttles outbound calls. Zero disables throttling.
	RatePerSecond float64
	Burst         int
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// ProviderError is a non-2xx provider response. Body is for server-side logs.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider responded %d", e.StatusCode)
}

// providerClient performs JSON calls against one provider.
type providerClient struct {
	channel model.Channel
	http    *http.Client
	limiter *rate.Limiter
	logger  *logger.Logger
}

func newProviderClient(ch model.Channel, cfg ClientConfig, log *logger.Logger) *providerClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &providerClient{
		channel: ch,
		http:    httpClient,
		limiter: limiter,
		logger:  log.Named(string(ch)),
	}
}

// do sends body as JSON and decodes a 2xx response into out.
func (c *providerClient) do(ctx context.Context, method, url string, header http.Header, body, out any) error {
	ctx, span := tracing.Tracer().Start(ctx, "channel."+string(c.channel)+".request")
	defer span.End()
	span.SetAttributes(
		attribute.String("channel", string(c.channel)),
		attribute.String("http.method", method),
	)

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &ProviderError{StatusCode: resp.StatusCode, Body: string(raw)}
		span.SetStatus(codes.Error, perr.Error())
		return perr
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// sendFailed logs the provider detail and returns the client-safe error.
func (c *providerClient) sendFailed(recipient string, err error) error {
	fields := []zap.Field{
		zap.String("channel", string(c.channel)),
		zap.String("recipient", recipient),
		zap.Error(err),
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		fields = append(fields,
			zap.Int("status_code", perr.StatusCode),
			zap.String("provider_response", perr.Body),
		)
	}
	c.logger.Error("provider send failed", fields...)
	return apperr.BadRequestWrap("SEND_FAILED", "failed to send via "+string(c.channel), err)
}
