package domain

import (
	"github.com/shopspring/decimal"
)

// Step identifies one message in the SETUP -> DATA -> (ACCEPT|EXIT) handshake
type Step string

const (
	StepSetup  Step = "SETUP"  // Configure the hosting dialog
	StepData   Step = "DATA"   // Request sale data from the host
	StepAccept Step = "ACCEPT" // Close the dialog with a successful payment
	StepExit   Step = "EXIT"   // Close the dialog without payment
)

// IsKnown reports whether s is one of the four handshake steps.
// Inbound messages may carry anything, so unknown values are kept as-is
// and rejected by the state machine rather than by the decoder.
func (s Step) IsKnown() bool {
	switch s {
	case StepSetup, StepData, StepAccept, StepExit:
		return true
	default:
		return false
	}
}

// HandshakeEvent is one message crossing the channel in either direction.
// Payload keys are flattened next to step and success on the wire.
type HandshakeEvent struct {
	Payload map[string]any
	Step    Step
	Success bool
}

// NewSetupEvent builds the SETUP event that hides the dialog close button
// so the cashier cannot interrupt the payment without a clean exit
func NewSetupEvent() HandshakeEvent {
	return HandshakeEvent{
		Step:    StepSetup,
		Success: true,
		Payload: map[string]any{
			"setup": map[string]any{
				"enable_close": false,
			},
		},
	}
}

// NewDataEvent builds the DATA event requesting sale data from the host
func NewDataEvent() HandshakeEvent {
	return HandshakeEvent{
		Step:    StepData,
		Success: true,
		Payload: map[string]any{
			"name": "payment",
		},
	}
}

// NewClosingEvent builds an ACCEPT or EXIT event
func NewClosingEvent(step Step) HandshakeEvent {
	return HandshakeEvent{
		Step:    step,
		Success: true,
	}
}

// SaleContext holds the per-transaction data needed to drive the terminal call.
// It is built once from the first accepted DATA reply and the launch URL and is
// passed by value afterwards.
type SaleContext struct {
	Amount                decimal.Decimal `json:"amount"`
	OriginatingTerminalID string          `json:"originating_terminal_id"`
	LaunchOrigin          string          `json:"launch_origin"`
}
