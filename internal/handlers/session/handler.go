// Package session hosts bridge machines behind HTTP: the browser side of
// the dialog creates a session, streams what the bridge wants posted or
// displayed, and forwards messages it receives from the POS window.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kevin07696/payment-bridge/internal/adapters/ports"
	"github.com/kevin07696/payment-bridge/internal/channel"
	"github.com/kevin07696/payment-bridge/internal/domain"
	"github.com/kevin07696/payment-bridge/internal/querystring"
	"github.com/kevin07696/payment-bridge/internal/services/bridge"
	"github.com/kevin07696/payment-bridge/pkg/observability"
	"github.com/kevin07696/payment-bridge/pkg/schedule"
	"github.com/kevin07696/payment-bridge/pkg/shutdown"
)

// Headers set by the in-page shim
const (
	HeaderHostOrigin    = "X-Bridge-Host-Origin"
	HeaderMessageOrigin = "X-Bridge-Message-Origin"
)

const (
	basePath        = "/api/v1/sessions"
	maxMessageBytes = 64 << 10
	keepAlive       = 15 * time.Second
)

// Handler serves the session API
type Handler struct {
	registry  *Registry
	gateway   ports.TerminalGateway
	scheduler schedule.Scheduler
	tracker   *shutdown.InFlightTracker
	allowed   map[string]struct{}
	origins   []string
	baseCtx   context.Context
	logger    *zap.Logger

	streamsDone chan struct{}
	closeOnce   sync.Once
}

// NewHandler creates a session handler. allowedOrigins must be validated
// concrete origins. baseCtx bounds the lifetime of every session.
func NewHandler(
	baseCtx context.Context,
	registry *Registry,
	gateway ports.TerminalGateway,
	scheduler schedule.Scheduler,
	tracker *shutdown.InFlightTracker,
	allowedOrigins []string,
	logger *zap.Logger,
) *Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return &Handler{
		registry:  registry,
		gateway:   gateway,
		scheduler: scheduler,
		tracker:   tracker,
		allowed:   allowed,
		origins:   allowedOrigins,
		baseCtx:   baseCtx,
		logger:    logger,

		streamsDone: make(chan struct{}),
	}
}

// CloseStreams ends every open event stream so the API server can drain.
// Browsers reconnect with Last-Event-ID.
func (h *Handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.streamsDone) })
}

// Routes returns the session API with CORS for the allowed origins
func (h *Handler) Routes() http.Handler {
	router := httprouter.New()
	router.Handler(http.MethodPost, basePath, observability.HTTPMiddleware("create_session", http.HandlerFunc(h.CreateSession)))
	router.Handler(http.MethodGet, basePath+"/:id/events", observability.HTTPMiddleware("session_events", http.HandlerFunc(h.StreamEvents)))
	router.Handler(http.MethodPost, basePath+"/:id/messages", observability.HTTPMiddleware("session_messages", http.HandlerFunc(h.PostMessage)))
	router.Handler(http.MethodDelete, basePath+"/:id", observability.HTTPMiddleware("delete_session", http.HandlerFunc(h.DeleteSession)))

	return cors.New(cors.Options{
		AllowedOrigins:   h.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", "Last-Event-ID", HeaderHostOrigin, HeaderMessageOrigin},
		AllowCredentials: false,
		MaxAge:           600,
	}).Handler(router)
}

// CreateSessionResponse is returned when a session starts
type CreateSessionResponse struct {
	SessionID   string `json:"session_id"`
	EventsURL   string `json:"events_url"`
	MessagesURL string `json:"messages_url"`
}

// CreateSession handles POST /api/v1/sessions?amount=&origin=[&context=popup]
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	hostOrigin := r.Header.Get(HeaderHostOrigin)
	if hostOrigin == "" {
		hostOrigin = r.Header.Get("Origin")
	}
	hostOrigin, err := channel.NormalizeOrigin(hostOrigin)
	if err == nil && !h.isAllowed(hostOrigin) {
		err = domain.ErrOriginRejected.WithDetail("origin", hostOrigin)
	}
	if err != nil {
		h.logger.Warn("Rejected session for host origin",
			zap.String("host_origin", r.Header.Get(HeaderHostOrigin)),
			zap.String("origin", r.Header.Get("Origin")),
		)
		writeError(w, http.StatusForbidden, domain.ErrorCodeOriginRejected, "host origin not allowed")
		return
	}

	launch, err := bridge.ParseLaunch(r.URL.RawQuery)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrorCodeValidationFailed, err.Error())
		return
	}
	if launch.Origin == "" {
		writeError(w, http.StatusBadRequest, domain.ErrorCodeValidationFailed, "origin is required")
		return
	}

	params, _ := querystring.Parse(r.URL.RawQuery)
	popup := strings.EqualFold(params["context"], "popup")

	id := uuid.New()
	logger := h.logger.With(zap.String("session_id", id.String()))

	outbox := NewOutbox()
	var opener channel.Window
	if popup {
		opener = outbox.Window(TargetOpener)
	}
	ch, err := channel.New(opener, outbox.Window(TargetParent), hostOrigin, logger)
	if err != nil {
		writeError(w, http.StatusInternalServerError, domain.GetErrorCode(err), "failed to open channel")
		return
	}

	machine := bridge.NewMachine(launch, ch, h.gateway, outbox, h.scheduler, logger)
	sess := h.registry.Add(h.baseCtx, id, machine, outbox)

	if err := machine.Start(sess.Context()); err != nil {
		logger.Error("Failed to start handshake", zap.Error(err))
		_ = h.registry.Remove(id)
		writeError(w, http.StatusInternalServerError, domain.GetErrorCode(err), "failed to start handshake")
		return
	}

	// The stream ends once the closing step is out
	go func() {
		select {
		case <-machine.Done():
			outbox.Close()
		case <-sess.Context().Done():
		}
	}()

	logger.Info("Session started",
		zap.String("host_origin", hostOrigin),
		zap.String("launch_origin", launch.Origin),
		zap.Bool("popup", popup),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(CreateSessionResponse{
		SessionID:   id.String(),
		EventsURL:   fmt.Sprintf("%s/%s/events", basePath, id),
		MessagesURL: fmt.Sprintf("%s/%s/messages", basePath, id),
	})
}

// StreamEvents handles GET /api/v1/sessions/:id/events as Server-Sent Events
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	next := 0
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if n, err := strconv.Atoi(last); err == nil && n >= 0 {
			next = n + 1
		}
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Error("Event stream not supported by writer", zap.Error(err))
		return
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		envelopes, notify, closed := sess.Outbox.Since(next)
		for _, env := range envelopes {
			if err := writeEvent(w, env); err != nil {
				return
			}
			next = env.Seq + 1
		}
		if err := rc.Flush(); err != nil {
			return
		}
		if closed {
			return
		}

		select {
		case <-notify:
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		case <-h.streamsDone:
			return
		}
	}
}

func writeEvent(w io.Writer, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", env.Seq, env.Type, data)
	return err
}

// PostMessage handles POST /api/v1/sessions/:id/messages. The body is the raw
// message the POS window posted; it is processed in the background because a
// DATA reply holds the terminal request open until the customer is done.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, domain.ErrorCodeMalformedMessage, "message too large")
		return
	}

	origin := r.Header.Get(HeaderMessageOrigin)
	if origin == "" {
		origin = r.Header.Get("Origin")
	}

	if !h.tracker.Add() {
		writeError(w, http.StatusServiceUnavailable, "", "shutting down")
		return
	}

	go func() {
		defer h.tracker.Done()

		err := sess.Machine.HandleMessage(sess.Context(), origin, body)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrUnhandledStatus):
			h.logger.Warn("Transaction left open by terminal status",
				zap.String("session_id", sess.ID.String()), zap.Error(err))
		case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrOriginRejected):
			h.logger.Debug("Message ignored",
				zap.String("session_id", sess.ID.String()), zap.Error(err))
		default:
			h.logger.Info("Message rejected",
				zap.String("session_id", sess.ID.String()), zap.Error(err))
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"accepted"}`))
}

// DeleteSession handles DELETE /api/v1/sessions/:id
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(httprouter.ParamsFromContext(r.Context()).ByName("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, domain.ErrorCodeSessionNotFound, "session not found")
		return
	}
	if err := h.registry.Remove(id); err != nil {
		writeError(w, http.StatusNotFound, domain.ErrorCodeSessionNotFound, "session not found")
		return
	}
	h.logger.Info("Session closed by client", zap.String("session_id", id.String()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	id, err := uuid.Parse(httprouter.ParamsFromContext(r.Context()).ByName("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, domain.ErrorCodeSessionNotFound, "session not found")
		return nil, false
	}
	sess, err := h.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, domain.ErrorCodeSessionNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func (h *Handler) isAllowed(origin string) bool {
	_, ok := h.allowed[origin]
	return ok
}

type errorResponse struct {
	Code    domain.ErrorCode `json:"code,omitempty"`
	Message string           `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code domain.ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Code: code, Message: message})
}
