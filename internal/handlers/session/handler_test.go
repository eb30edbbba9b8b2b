package session

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kevin07696/payment-bridge/internal/channel"
	"github.com/kevin07696/payment-bridge/internal/domain"
	"github.com/kevin07696/payment-bridge/internal/services/bridge"
	"github.com/kevin07696/payment-bridge/internal/services/status"
	"github.com/kevin07696/payment-bridge/internal/testutil/mocks"
	"github.com/kevin07696/payment-bridge/pkg/schedule"
	"github.com/kevin07696/payment-bridge/pkg/shutdown"
)

const (
	posOrigin   = "https://pos.example.com"
	otherOrigin = "https://evil.example.com"
)

type testServer struct {
	srv      *httptest.Server
	registry *Registry
	terminal *mocks.MockTerminalGateway
	clock    *schedule.Manual
	tracker  *shutdown.InFlightTracker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := zaptest.NewLogger(t)
	ts := &testServer{
		registry: NewRegistry(time.Hour, logger),
		terminal: new(mocks.MockTerminalGateway),
		clock:    schedule.NewManual(),
		tracker:  shutdown.NewInFlightTracker("messages", logger),
	}

	h := NewHandler(context.Background(), ts.registry, ts.terminal, ts.clock, ts.tracker, []string{posOrigin}, logger)
	ts.srv = httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		_ = ts.registry.Shutdown(context.Background())
		ts.srv.Close()
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body string, headers map[string]string) *http.Response {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, r)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func (ts *testServer) create(t *testing.T, query string) CreateSessionResponse {
	t.Helper()

	resp := ts.do(t, http.MethodPost, basePath+"?"+query, "", map[string]string{HeaderHostOrigin: posOrigin})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out CreateSessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

type sseEvent struct {
	ID    string
	Event string
	Env   Envelope
}

// readEvents reads up to n events, or until the stream ends when n < 0
func readEvents(t *testing.T, body io.Reader, n int) []sseEvent {
	t.Helper()

	var (
		events []sseEvent
		cur    sseEvent
	)
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Event != "" {
				events = append(events, cur)
				if len(events) == n {
					return events
				}
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.Env))
		}
	}
	return events
}

func messageSteps(t *testing.T, events []sseEvent) []domain.Step {
	t.Helper()

	var steps []domain.Step
	for _, ev := range events {
		if ev.Env.Type != EnvelopeMessage {
			continue
		}
		decoded, err := channel.Decode(ev.Env.Data)
		require.NoError(t, err)
		steps = append(steps, decoded.Step)
	}
	return steps
}

func TestCreateSession_HostOrigin(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{name: "missing", headers: nil, want: http.StatusForbidden},
		{name: "not allowed", headers: map[string]string{HeaderHostOrigin: otherOrigin}, want: http.StatusForbidden},
		{name: "wildcard", headers: map[string]string{HeaderHostOrigin: "*"}, want: http.StatusForbidden},
		{name: "bridge header", headers: map[string]string{HeaderHostOrigin: posOrigin}, want: http.StatusCreated},
		{name: "origin fallback", headers: map[string]string{"Origin": posOrigin}, want: http.StatusCreated},
		{name: "trailing slash", headers: map[string]string{HeaderHostOrigin: posOrigin + "/"}, want: http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, basePath+"?amount=5&origin=abc", "", tt.headers)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestCreateSession_LaunchQuery(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{name: "origin missing", query: "amount=5", want: http.StatusBadRequest},
		{name: "amount invalid", query: "amount=five&origin=abc", want: http.StatusBadRequest},
		{name: "amount omitted", query: "origin=abc", want: http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, basePath+"?"+tt.query, "", map[string]string{HeaderHostOrigin: posOrigin})
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)

			if tt.want != http.StatusCreated {
				var body errorResponse
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, domain.ErrorCodeValidationFailed, body.Code)
			}
		})
	}
}

func TestStreamEvents_ReplaysHandshakeStart(t *testing.T) {
	ts := newTestServer(t)
	created := ts.create(t, "amount=500&origin=abc")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.srv.URL+created.EventsURL, nil)
	require.NoError(t, err)
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp.Body, 2)
	require.Len(t, events, 2)
	assert.Equal(t, "0", events[0].ID)
	assert.Equal(t, []domain.Step{domain.StepSetup, domain.StepData}, messageSteps(t, events))
	for _, ev := range events {
		assert.Equal(t, TargetParent, ev.Env.Target)
		assert.Equal(t, posOrigin, ev.Env.TargetOrigin)
	}
}

func TestStreamEvents_ResumesAfterLastEventID(t *testing.T) {
	ts := newTestServer(t)
	created := ts.create(t, "amount=500&origin=abc")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.srv.URL+created.EventsURL, nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "0")
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readEvents(t, resp.Body, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "1", events[0].ID)
	assert.Equal(t, []domain.Step{domain.StepData}, messageSteps(t, events))
}

func TestCreateSession_PopupPostsToOpener(t *testing.T) {
	ts := newTestServer(t)
	created := ts.create(t, "amount=5&origin=abc&context=popup")

	id := uuid.MustParse(created.SessionID)
	sess, err := ts.registry.Get(id)
	require.NoError(t, err)

	envelopes, _, _ := sess.Outbox.Since(0)
	require.Len(t, envelopes, 2)
	for _, env := range envelopes {
		assert.Equal(t, TargetOpener, env.Target)
	}
}

func TestSession_CompletedSaleClosesStream(t *testing.T) {
	ts := newTestServer(t)
	ts.terminal.On("RequestPayment", mock.Anything, mocks.AmountEq("12.50"), "abc").
		Return(&domain.TerminalResponse{ReferenceID: "ref-1", RawStatus: "COMPLETED", Status: domain.TerminalStatusCompleted}, nil).
		Once()

	created := ts.create(t, "amount=500&origin=abc")

	msg := `{"step":"DATA","success":true,"payment":{"amount":"12.50","register_id":"7"}}`
	resp := ts.do(t, http.MethodPost, created.MessagesURL, msg, map[string]string{HeaderMessageOrigin: posOrigin})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(ts.clock.Pending()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []time.Duration{status.CloseDelay}, ts.clock.Pending())

	ts.clock.Advance(status.CloseDelay)

	stream := ts.do(t, http.MethodGet, created.EventsURL, "", nil)
	defer stream.Body.Close()
	events := readEvents(t, stream.Body, -1)

	assert.Equal(t, []domain.Step{domain.StepSetup, domain.StepData, domain.StepAccept}, messageSteps(t, events))

	var texts []string
	for _, ev := range events {
		if ev.Env.Type == EnvelopeStatus && ev.Env.Text != "" {
			texts = append(texts, ev.Env.Text)
		}
	}
	assert.Equal(t, []string{bridge.MessageTapOrInsert, status.MessageAccepted}, texts)
	ts.terminal.AssertExpectations(t)
}

func TestPostMessage_ProtocolErrorRaisesAlert(t *testing.T) {
	ts := newTestServer(t)
	created := ts.create(t, "amount=5&origin=abc")

	resp := ts.do(t, http.MethodPost, created.MessagesURL, `{"step":"ACCEPT","success":true}`,
		map[string]string{HeaderMessageOrigin: posOrigin})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	sess, err := ts.registry.Get(uuid.MustParse(created.SessionID))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		envelopes, _, _ := sess.Outbox.Since(2)
		return len(envelopes) == 1 && envelopes[0].Type == EnvelopeAlert
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, bridge.StateAwaitingSaleData, sess.Machine.State())
	ts.terminal.AssertNotCalled(t, "RequestPayment", mock.Anything, mock.Anything, mock.Anything)
}

func TestPostMessage_ForeignOriginIgnored(t *testing.T) {
	ts := newTestServer(t)
	created := ts.create(t, "amount=5&origin=abc")

	resp := ts.do(t, http.MethodPost, created.MessagesURL, `{"step":"DATA","success":true}`,
		map[string]string{HeaderMessageOrigin: otherOrigin})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// drain the background handler
	require.NoError(t, ts.tracker.Shutdown(context.Background()))

	sess, err := ts.registry.Get(uuid.MustParse(created.SessionID))
	require.NoError(t, err)
	envelopes, _, _ := sess.Outbox.Since(0)
	assert.Len(t, envelopes, 2)
	assert.Equal(t, bridge.StateAwaitingSaleData, sess.Machine.State())
}

func TestPostMessage_ShuttingDown(t *testing.T) {
	ts := newTestServer(t)
	created := ts.create(t, "amount=5&origin=abc")

	require.NoError(t, ts.tracker.Shutdown(context.Background()))

	resp := ts.do(t, http.MethodPost, created.MessagesURL, `{"step":"DATA","success":true}`,
		map[string]string{HeaderMessageOrigin: posOrigin})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSessionRoutes_UnknownSession(t *testing.T) {
	ts := newTestServer(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, basePath + "/" + uuid.NewString() + "/events"},
		{http.MethodPost, basePath + "/" + uuid.NewString() + "/messages"},
		{http.MethodDelete, basePath + "/" + uuid.NewString()},
		{http.MethodGet, basePath + "/not-a-uuid/events"},
		{http.MethodDelete, basePath + "/not-a-uuid"},
	}

	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			resp := ts.do(t, p.method, p.path, "{}", nil)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)

			var body errorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, domain.ErrorCodeSessionNotFound, body.Code)
		})
	}
}

func TestDeleteSession(t *testing.T) {
	ts := newTestServer(t)
	created := ts.create(t, "amount=5&origin=abc")
	require.Equal(t, 1, ts.registry.Len())

	path := basePath + "/" + created.SessionID

	resp := ts.do(t, http.MethodDelete, path, "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, ts.registry.Len())

	resp = ts.do(t, http.MethodDelete, path, "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoutes_CORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodOptions, basePath, "", map[string]string{
		"Origin":                         posOrigin,
		"Access-Control-Request-Method":  http.MethodPost,
		"Access-Control-Request-Headers": HeaderHostOrigin,
	})
	resp.Body.Close()
	assert.Equal(t, posOrigin, resp.Header.Get("Access-Control-Allow-Origin"))

	resp = ts.do(t, http.MethodOptions, basePath, "", map[string]string{
		"Origin":                        otherOrigin,
		"Access-Control-Request-Method": http.MethodPost,
	})
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStreamEvents_CloseStreams(t *testing.T) {
	ts := newTestServer(t)
	created := ts.create(t, "amount=5&origin=abc")

	logger := zaptest.NewLogger(t)
	h := NewHandler(context.Background(), ts.registry, ts.terminal, ts.clock, ts.tracker, []string{posOrigin}, logger)
	h.CloseStreams()
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + created.EventsURL)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readEvents(t, resp.Body, -1)
	assert.Len(t, events, 2, "replays what is buffered, then ends")
}
