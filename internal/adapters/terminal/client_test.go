package terminal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kevin07696/payment-bridge/internal/adapters/ports"
	"github.com/kevin07696/payment-bridge/internal/domain"
	"github.com/kevin07696/payment-bridge/internal/testutil/mocks"
)

func newTestClient(t *testing.T, baseURL string, httpClient *mocks.MockHTTPClient, breaker *CircuitBreaker) *Client {
	t.Helper()

	var hc ports.HTTPClient = http.DefaultClient
	if httpClient != nil {
		hc = httpClient
	}

	client, err := NewClient(Config{BaseURL: baseURL, PayPath: "/pay"}, hc, breaker, zaptest.NewLogger(t))
	require.NoError(t, err)
	return client
}

func TestRequestPayment_Success(t *testing.T) {
	var gotPath, gotAmount, gotOrigin string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		gotPath = r.URL.Path
		gotAmount = r.URL.Query().Get("amount")
		gotOrigin = r.URL.Query().Get("origin")
		_, _ = w.Write([]byte(`{"referenceId":"532666cd-a992-475c-a004-15f0e804345f","status":"COMPLETED"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, nil, nil)

	resp, err := client.RequestPayment(context.Background(), decimal.RequireFromString("12.50"), "abc")
	require.NoError(t, err)

	assert.Equal(t, "/pay", gotPath)
	assert.Equal(t, "12.5", gotAmount)
	assert.Equal(t, "abc", gotOrigin)
	assert.Equal(t, "532666cd-a992-475c-a004-15f0e804345f", resp.ReferenceID)
	assert.Equal(t, domain.TerminalStatusCompleted, resp.Status)
	assert.Equal(t, "COMPLETED", resp.RawStatus)
}

func TestRequestPayment_UnknownStatusIsNotAnError(t *testing.T) {
	httpClient := mocks.NewMockHTTPClient(func(req *http.Request) (*http.Response, error) {
		return mocks.JSONResponse(http.StatusOK, `{"referenceId":"r","status":"PENDING"}`), nil
	})
	client := newTestClient(t, "http://terminal.local", httpClient, nil)

	resp, err := client.RequestPayment(context.Background(), decimal.NewFromInt(1), "o")
	require.NoError(t, err)
	assert.Equal(t, domain.TerminalStatusUnknown, resp.Status)
	assert.Equal(t, "PENDING", resp.RawStatus)
}

func TestRequestPayment_NetworkErrors(t *testing.T) {
	tests := []struct {
		name string
		do   func(req *http.Request) (*http.Response, error)
	}{
		{
			name: "transport error",
			do: func(req *http.Request) (*http.Response, error) {
				return nil, errors.New("connection refused")
			},
		},
		{
			name: "server error",
			do: func(req *http.Request) (*http.Response, error) {
				return mocks.JSONResponse(http.StatusInternalServerError, `{"error":"boom"}`), nil
			},
		},
		{
			name: "not found",
			do: func(req *http.Request) (*http.Response, error) {
				return mocks.JSONResponse(http.StatusNotFound, ``), nil
			},
		},
		{
			name: "empty body",
			do: func(req *http.Request) (*http.Response, error) {
				return mocks.JSONResponse(http.StatusOK, "  \n"), nil
			},
		},
		{
			name: "malformed body",
			do: func(req *http.Request) (*http.Response, error) {
				return mocks.JSONResponse(http.StatusOK, `{"referenceId":`), nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			httpClient := mocks.NewMockHTTPClient(tt.do)
			client := newTestClient(t, "http://terminal.local", httpClient, nil)

			resp, err := client.RequestPayment(context.Background(), decimal.NewFromInt(500), "abc")

			assert.Nil(t, resp)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrTerminalNetwork), "got %v", err)
			assert.True(t, domain.IsTerminalError(err))
			assert.Equal(t, 1, httpClient.CallCount(), "must not retry")
		})
	}
}

func TestRequestPayment_CircuitOpensAndFailsFast(t *testing.T) {
	httpClient := mocks.NewMockHTTPClient(func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:         2,
		Timeout:             time.Hour,
		MaxRequestsHalfOpen: 1,
	})
	client := newTestClient(t, "http://terminal.local", httpClient, breaker)

	for i := 0; i < 2; i++ {
		_, err := client.RequestPayment(context.Background(), decimal.NewFromInt(1), "o")
		require.True(t, errors.Is(err, domain.ErrTerminalNetwork))
	}
	require.Equal(t, StateOpen, breaker.State())

	_, err := client.RequestPayment(context.Background(), decimal.NewFromInt(1), "o")

	assert.True(t, errors.Is(err, domain.ErrTerminalCircuit), "got %v", err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.True(t, domain.IsTerminalError(err))
	assert.Equal(t, 2, httpClient.CallCount(), "open circuit must not reach the gateway")
}

func TestRequestPayment_CancelledSessionsKeepCircuitClosed(t *testing.T) {
	arrived := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("origin") == "abandoned" {
			arrived <- struct{}{}
			<-r.Context().Done()
			return
		}
		_, _ = w.Write([]byte(`{"referenceId":"r-ok","status":"COMPLETED"}`))
	}))
	defer server.Close()

	breaker := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	client := newTestClient(t, server.URL, nil, breaker)

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-arrived
			cancel()
		}()

		_, err := client.RequestPayment(ctx, decimal.NewFromInt(1), "abandoned")
		require.True(t, errors.Is(err, domain.ErrTerminalNetwork), "got %v", err)
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	go func() { <-arrived }()
	_, err := client.RequestPayment(ctx, decimal.NewFromInt(1), "abandoned")
	require.Error(t, err)

	assert.Equal(t, StateClosed, breaker.State())
	assert.Equal(t, uint32(0), breaker.Failures())

	resp, err := client.RequestPayment(context.Background(), decimal.NewFromInt(1), "register-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TerminalStatusCompleted, resp.Status)
}

func TestRequestPayment_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := newTestClient(t, server.URL, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.RequestPayment(ctx, decimal.NewFromInt(1), "o")
	assert.True(t, errors.Is(err, domain.ErrTerminalNetwork))
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, base := range []string{"", "localhost:8000", "ftp://terminal", "http://"} {
		_, err := NewClient(Config{BaseURL: base, PayPath: "/pay"}, http.DefaultClient, nil, zaptest.NewLogger(t))
		assert.True(t, errors.Is(err, domain.ErrValidation), "base %q: got %v", base, err)
	}
}

func TestNewClient_JoinsPath(t *testing.T) {
	client, err := NewClient(Config{BaseURL: "http://localhost:8000/", PayPath: "pay"}, http.DefaultClient, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/pay", client.endpoint.String())
}
