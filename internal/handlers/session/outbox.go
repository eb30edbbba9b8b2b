package session

import (
	"encoding/json"
	"sync"
)

// Envelope types on the event stream
const (
	EnvelopeMessage = "message" // handshake event to forward with postMessage
	EnvelopeStatus  = "status"  // status area text; empty clears it
	EnvelopeAlert   = "alert"   // blocking alert
)

// Targets for message envelopes
const (
	TargetOpener = "opener"
	TargetParent = "parent"
)

// Envelope is one item on a session's event stream
type Envelope struct {
	Seq          int             `json:"seq"`
	Type         string          `json:"type"`
	Target       string          `json:"target,omitempty"`
	TargetOrigin string          `json:"target_origin,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Text         string          `json:"text,omitempty"`
}

// Outbox records everything the bridge wants the browser to do, in order.
// Streams replay from any sequence number, so events produced before the
// browser connects are not lost.
type Outbox struct {
	mu        sync.Mutex
	envelopes []Envelope
	notify    chan struct{}
	closed    bool
}

// NewOutbox creates an empty outbox
func NewOutbox() *Outbox {
	return &Outbox{notify: make(chan struct{})}
}

// Window returns a channel.Window that posts through the opener or parent
func (o *Outbox) Window(target string) *Window {
	return &Window{outbox: o, target: target}
}

// Clear implements bridge.Display
func (o *Outbox) Clear() {
	o.append(Envelope{Type: EnvelopeStatus})
}

// Show implements bridge.Display
func (o *Outbox) Show(message string) {
	o.append(Envelope{Type: EnvelopeStatus, Text: message})
}

// Alert implements bridge.Display
func (o *Outbox) Alert(message string) {
	o.append(Envelope{Type: EnvelopeAlert, Text: message})
}

// Since returns envelopes from seq onwards, a channel closed when more
// arrive, and whether the outbox is closed
func (o *Outbox) Since(seq int) ([]Envelope, <-chan struct{}, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if seq < 0 {
		seq = 0
	}
	var out []Envelope
	if seq < len(o.envelopes) {
		out = append(out, o.envelopes[seq:]...)
	}
	return out, o.notify, o.closed
}

// Close ends every stream once it has drained
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	close(o.notify)
}

func (o *Outbox) append(env Envelope) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	env.Seq = len(o.envelopes)
	o.envelopes = append(o.envelopes, env)

	close(o.notify)
	o.notify = make(chan struct{})
	return true
}

// Window is one side of the hosting context: the opener of a popup or the
// parent of a frame
type Window struct {
	outbox *Outbox
	target string
}

// PostMessage implements channel.Window
func (w *Window) PostMessage(data []byte, targetOrigin string) error {
	if !w.outbox.append(Envelope{
		Type:         EnvelopeMessage,
		Target:       w.target,
		TargetOrigin: targetOrigin,
		Data:         append(json.RawMessage(nil), data...),
	}) {
		return errOutboxClosed
	}
	return nil
}
