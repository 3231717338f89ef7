// Package external calls out-of-process processor services over HTTP.
//
// A call is POST {base}/process?properties={base64url(json(properties))} with the
// payload as an octet-stream body. Every service has its own concurrency limiter
// and circuit breaker; failed calls are retried within a small budget before the
// error is returned to the pipeline.
package external

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// maxResponseBytes caps the response body read from a service.
const maxResponseBytes = 64 << 20

// Config configures the caller.
type Config struct {
	Timeout       time.Duration
	Attempts      int
	RetryDelay    time.Duration
	MaxConcurrent int
	Breaker       concurrency.BreakerConfig
}

// DefaultConfig returns the caller defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		Attempts:      3,
		RetryDelay:    500 * time.Millisecond,
		MaxConcurrent: 16,
		Breaker:       concurrency.DefaultBreakerConfig(),
	}
}

// Caller performs service calls.
type Caller struct {
	client   *http.Client
	resolver Resolver
	cfg      Config
	logger   *zap.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	limiters map[string]*concurrency.Limiter
}

// NewCaller creates a caller. A nil resolver resolves services statically.
func NewCaller(cfg Config, resolver Resolver, logger *zap.Logger) *Caller {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if resolver == nil {
		resolver = StaticResolver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &Caller{
		client:   &http.Client{Timeout: cfg.Timeout, Transport: transport},
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("daedalus/external"),
		limiters: make(map[string]*concurrency.Limiter),
	}
}

// Call sends payload to serviceName and returns the response body.
func (c *Caller) Call(ctx context.Context, serviceName string, properties map[string]any, payload []byte) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "external.Call",
		trace.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.Int("payload.size", len(payload)),
		))
	defer span.End()

	query, err := EncodeProperties(properties)
	if err != nil {
		span.RecordError(err)
		return nil, sdkerrors.NewExecutionError("EXTERNAL_PROPERTIES", "failed to encode properties",
			fmt.Errorf("%w: %v", sdkerrors.ErrExternalCall, err))
	}

	limiter := c.limiter(serviceName)
	var out []byte
	var lastErr error
retry:
	for attempt := 1; ; attempt++ {
		lastErr = limiter.Do(ctx, func(ctx context.Context) error {
			var callErr error
			out, callErr = c.post(ctx, serviceName, query, payload)
			return callErr
		})
		if lastErr == nil {
			span.SetAttributes(attribute.Int("call.attempts", attempt))
			span.SetStatus(codes.Ok, "")
			return out, nil
		}
		if errors.Is(lastErr, sdkerrors.ErrCircuitOpen) || ctx.Err() != nil || attempt >= c.cfg.Attempts {
			break
		}
		c.logger.Warn("External call failed",
			zap.String("service", serviceName),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.Attempts),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			break retry
		case <-time.After(c.cfg.RetryDelay):
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	if errors.Is(lastErr, sdkerrors.ErrCircuitOpen) {
		return nil, sdkerrors.NewExecutionError("CIRCUIT_OPEN",
			fmt.Sprintf("circuit open for service %s", serviceName), lastErr)
	}
	return nil, sdkerrors.NewExecutionError("EXTERNAL_CALL_FAILED",
		fmt.Sprintf("call to service %s failed", serviceName),
		fmt.Errorf("%w: %v", sdkerrors.ErrExternalCall, lastErr))
}

func (c *Caller) post(ctx context.Context, serviceName, properties string, payload []byte) ([]byte, error) {
	base, err := c.resolver.Resolve(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	endpoint := base + "/process?properties=" + url.QueryEscape(properties)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("service %s returned %d: %s", serviceName, resp.StatusCode, truncate(body, 256))
	}
	return body, nil
}

func (c *Caller) limiter(serviceName string) *concurrency.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[serviceName]
	if !ok {
		cb := concurrency.NewCircuitBreaker(c.cfg.Breaker)
		cb.OnStateChange(func(from, to concurrency.CircuitBreakerState) {
			c.logger.Info("Circuit breaker state changed",
				zap.String("service", serviceName),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		})
		l = concurrency.NewLimiter(c.cfg.MaxConcurrent, cb)
		c.limiters[serviceName] = l
	}
	return l
}

// BreakerState returns the breaker state of serviceName.
func (c *Caller) BreakerState(serviceName string) concurrency.CircuitBreakerState {
	return c.limiter(serviceName).Breaker().GetState()
}

// EncodeProperties serializes properties as URL-safe base64 JSON.
func EncodeProperties(properties map[string]any) (string, error) {
	if properties == nil {
		properties = map[string]any{}
	}
	raw, err := json.Marshal(properties)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
