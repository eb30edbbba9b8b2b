package http

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminalClientConfig_NoHeaderTimeout(t *testing.T) {
	cfg := TerminalClientConfig()

	assert.Zero(t, cfg.ResponseHeaderTimeout, "card interactions must not be cut off by header timeout")
	assert.Less(t, cfg.DialTimeout, 10*time.Second)
}

func TestNewHTTPClient(t *testing.T) {
	client := NewHTTPClient(TerminalClientConfig(), 2*time.Minute)

	assert.Equal(t, 2*time.Minute, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 20, transport.MaxConnsPerHost)
	assert.True(t, transport.DisableCompression)
	assert.Zero(t, transport.ResponseHeaderTimeout)
}
