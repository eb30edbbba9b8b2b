// Package channel carries handshake events between the bridge and the
// hosting point-of-sale window.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/kevin07696/payment-bridge/internal/domain"
	"github.com/kevin07696/payment-bridge/pkg/observability"
)

// Window is a hosting context that accepts posted messages.
// targetOrigin is the only origin allowed to receive data.
type Window interface {
	PostMessage(data []byte, targetOrigin string) error
}

// Channel sends events to the window that opened or embeds the bridge and
// accepts events from the configured origin only
type Channel struct {
	target        Window
	allowedOrigin string
	logger        *zap.Logger
}

// New returns a Channel posting to opener when it is set and to parent
// otherwise. allowedOrigin must be a concrete scheme://host[:port] origin.
func New(opener, parent Window, allowedOrigin string, logger *zap.Logger) (*Channel, error) {
	origin, err := NormalizeOrigin(allowedOrigin)
	if err != nil {
		return nil, err
	}

	target := opener
	if target == nil {
		target = parent
	}
	if target == nil {
		return nil, domain.ErrValidation.WithDetail("reason", "no opener or parent window")
	}

	return &Channel{
		target:        target,
		allowedOrigin: origin,
		logger:        logger,
	}, nil
}

// AllowedOrigin returns the origin messages are exchanged with
func (c *Channel) AllowedOrigin() string {
	return c.allowedOrigin
}

// Send encodes the event and posts it to the hosting window
func (c *Channel) Send(ctx context.Context, event domain.HandshakeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := Encode(event)
	if err != nil {
		return err
	}

	if err := c.target.PostMessage(data, c.allowedOrigin); err != nil {
		return fmt.Errorf("post %s event: %w", event.Step, err)
	}

	observability.RecordHandshakeEvent("outbound", string(event.Step))
	c.logger.Debug("Handshake event sent",
		zap.String("step", string(event.Step)),
		zap.String("target_origin", c.allowedOrigin),
	)
	return nil
}

// Receive checks the sender's origin and decodes the message.
// Messages from any other origin return ErrOriginRejected without being parsed.
func (c *Channel) Receive(origin string, raw []byte) (domain.HandshakeEvent, error) {
	if !strings.EqualFold(strings.TrimRight(origin, "/"), c.allowedOrigin) {
		return domain.HandshakeEvent{}, domain.ErrOriginRejected.WithDetail("origin", origin)
	}

	event, err := Decode(raw)
	if err != nil {
		return domain.HandshakeEvent{}, err
	}

	observability.RecordHandshakeEvent("inbound", string(event.Step))
	return event, nil
}

// Encode renders an event as one flat JSON object: step, success and every
// payload key at the top level
func Encode(event domain.HandshakeEvent) ([]byte, error) {
	obj := make(map[string]any, len(event.Payload)+2)
	for k, v := range event.Payload {
		obj[k] = v
	}
	obj["step"] = event.Step
	obj["success"] = event.Success

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event.Step, err)
	}
	return data, nil
}

// Decode parses a flat JSON object into an event. Numbers are kept as
// json.Number so amounts never pass through float64.
func Decode(raw []byte) (domain.HandshakeEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return domain.HandshakeEvent{}, domain.WrapError(domain.ErrorCodeMalformedMessage, "invalid JSON", err)
	}
	if obj == nil {
		return domain.HandshakeEvent{}, domain.ErrMalformedMessage.WithDetail("reason", "message is not an object")
	}
	if dec.More() {
		return domain.HandshakeEvent{}, domain.ErrMalformedMessage.WithDetail("reason", "trailing data")
	}

	var event domain.HandshakeEvent
	if v, ok := obj["step"]; ok {
		s, ok := v.(string)
		if !ok {
			return domain.HandshakeEvent{}, domain.ErrMalformedMessage.WithDetail("reason", "step is not a string")
		}
		event.Step = domain.Step(s)
	}
	if v, ok := obj["success"]; ok {
		b, ok := v.(bool)
		if !ok {
			return domain.HandshakeEvent{}, domain.ErrMalformedMessage.WithDetail("reason", "success is not a boolean")
		}
		event.Success = b
	}

	delete(obj, "step")
	delete(obj, "success")
	if len(obj) > 0 {
		event.Payload = obj
	}
	return event, nil
}

// NormalizeOrigin validates a concrete origin and returns it without a
// trailing slash. The wildcard "*" is refused.
func NormalizeOrigin(origin string) (string, error) {
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	if origin == "" || origin == "*" {
		return "", domain.ErrValidation.WithDetail("origin", origin)
	}

	u, err := url.Parse(origin)
	if err != nil {
		return "", domain.WrapError(domain.ErrorCodeValidationFailed, "invalid origin", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || u.Path != "" || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return "", domain.ErrValidation.WithDetail("origin", origin)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}
