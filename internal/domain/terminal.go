package domain

import (
	"strings"
	"time"
)

// TerminalStatus is the transaction status reported by the terminal gateway
type TerminalStatus string

const (
	TerminalStatusAuthorized TerminalStatus = "AUTHORIZED"
	TerminalStatusCanceled   TerminalStatus = "CANCELED"
	TerminalStatusCompleted  TerminalStatus = "COMPLETED"
	TerminalStatusFailed     TerminalStatus = "FAILED"
	TerminalStatusRefunded   TerminalStatus = "REFUNDED"
	TerminalStatusVoided     TerminalStatus = "VOIDED"
	TerminalStatusUnknown    TerminalStatus = "UNKNOWN"
)

// ParseTerminalStatus normalizes a raw status string. Anything unrecognized
// becomes TerminalStatusUnknown; the raw text is kept on TerminalResponse.
func ParseTerminalStatus(raw string) TerminalStatus {
	switch s := TerminalStatus(strings.ToUpper(strings.TrimSpace(raw))); s {
	case TerminalStatusAuthorized,
		TerminalStatusCanceled,
		TerminalStatusCompleted,
		TerminalStatusFailed,
		TerminalStatusRefunded,
		TerminalStatusVoided:
		return s
	default:
		return TerminalStatusUnknown
	}
}

// TerminalResponse is the gateway's reply to a payment request
type TerminalResponse struct {
	ReferenceID string         `json:"referenceId"`
	RawStatus   string         `json:"status"`
	Status      TerminalStatus `json:"-"`
}

// OutcomeKind separates outcomes that close the dialog from those that don't
type OutcomeKind int

const (
	// OutcomeUnhandled means the status has no closing step; the dialog stays open
	OutcomeUnhandled OutcomeKind = iota
	// OutcomeClose means a closing step is scheduled after Delay
	OutcomeClose
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeClose:
		return "close"
	case OutcomeUnhandled:
		return "unhandled"
	default:
		return "unknown"
	}
}

// Outcome is what the state machine does with a terminal status
type Outcome struct {
	Status         TerminalStatus
	ClosingStep    Step
	DisplayMessage string
	Delay          time.Duration
	Kind           OutcomeKind
}

// Closes reports whether the outcome schedules a closing handshake step
func (o Outcome) Closes() bool {
	return o.Kind == OutcomeClose
}
