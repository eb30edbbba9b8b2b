// Package terminal is the HTTP adapter for the local payment terminal gateway.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kevin07696/payment-bridge/internal/adapters/ports"
	"github.com/kevin07696/payment-bridge/internal/domain"
	pkghttp "github.com/kevin07696/payment-bridge/pkg/http"
	"github.com/kevin07696/payment-bridge/pkg/observability"
)

// maxResponseBytes bounds how much of the gateway reply is read
const maxResponseBytes = 64 << 10

// Config locates the gateway's pay endpoint
type Config struct {
	BaseURL string
	PayPath string
}

// Client issues one GET per sale to the terminal gateway. It never retries:
// a repeated request could charge the customer twice.
type Client struct {
	endpoint   *url.URL
	httpClient ports.HTTPClient
	breaker    *CircuitBreaker
	logger     *zap.Logger
}

var _ ports.TerminalGateway = (*Client)(nil)

// NewClient creates a terminal client with dependency injection.
// breaker may be nil to call the gateway unconditionally.
func NewClient(cfg Config, httpClient ports.HTTPClient, breaker *CircuitBreaker, logger *zap.Logger) (*Client, error) {
	endpoint, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/" + strings.TrimLeft(cfg.PayPath, "/"))
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeValidationFailed, "invalid terminal gateway URL", err)
	}
	if (endpoint.Scheme != "http" && endpoint.Scheme != "https") || endpoint.Host == "" {
		return nil, domain.ErrValidation.WithDetail("terminal_gateway_url", cfg.BaseURL)
	}

	return &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		breaker:    breaker,
		logger:     logger,
	}, nil
}

// NewClientWithDefaults creates a terminal client on the tuned HTTP client and
// a default circuit breaker that publishes its state to Prometheus.
// timeout is the only limit on how long a card interaction may take.
func NewClientWithDefaults(cfg Config, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	breakerCfg := DefaultCircuitBreakerConfig()
	breakerCfg.OnStateChange = func(from, to CircuitState) {
		observability.SetTerminalCircuitState(float64(to))
		logger.Warn("Terminal gateway circuit state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return NewClient(
		cfg,
		pkghttp.NewHTTPClient(pkghttp.TerminalClientConfig(), timeout),
		NewCircuitBreaker(breakerCfg),
		logger,
	)
}

// Breaker exposes the circuit breaker for health checks; nil when disabled
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// RequestPayment implements ports.TerminalGateway
func (c *Client) RequestPayment(ctx context.Context, amount decimal.Decimal, origin string) (*domain.TerminalResponse, error) {
	start := time.Now()

	var resp *domain.TerminalResponse
	call := func() error {
		var err error
		resp, err = c.do(ctx, amount, origin)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.CallContext(ctx, call)
	} else {
		err = call()
	}

	duration := time.Since(start).Seconds()

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests) {
		observability.RecordTerminalRequest("circuit_open", duration)
		c.logger.Warn("Terminal gateway circuit open, failing fast",
			zap.String("amount", amount.String()),
		)
		return nil, domain.WrapError(domain.ErrorCodeTerminalCircuit, "terminal gateway unavailable", err)
	}
	if err != nil {
		observability.RecordTerminalRequest("network_error", duration)
		c.logger.Error("Terminal gateway request failed",
			zap.String("amount", amount.String()),
			zap.Float64("duration_seconds", duration),
			zap.Error(err),
		)
		return nil, err
	}

	observability.RecordTerminalRequest("ok", duration)
	c.logger.Info("Terminal gateway responded",
		zap.String("reference_id", resp.ReferenceID),
		zap.String("status", resp.RawStatus),
		zap.String("amount", amount.String()),
		zap.Float64("duration_seconds", duration),
	)
	return resp, nil
}

func (c *Client) do(ctx context.Context, amount decimal.Decimal, origin string) (*domain.TerminalResponse, error) {
	u := *c.endpoint
	q := u.Query()
	q.Set("amount", amount.String())
	q.Set("origin", origin)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeTerminalNetwork, "failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeTerminalNetwork, "request failed", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeTerminalNetwork, "failed to read response", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, domain.WrapError(domain.ErrorCodeTerminalNetwork,
			fmt.Sprintf("gateway returned HTTP %d", httpResp.StatusCode), nil).
			WithDetail("status_code", httpResp.StatusCode).
			WithDetail("body", string(body))
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, domain.WrapError(domain.ErrorCodeTerminalNetwork, "empty response body", nil)
	}

	var out domain.TerminalResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, domain.WrapError(domain.ErrorCodeTerminalNetwork, "malformed response body", err).
			WithDetail("body", string(body))
	}
	out.Status = domain.ParseTerminalStatus(out.RawStatus)

	return &out, nil
}
