// Package status maps terminal gateway statuses to the handshake step that
// closes the payment dialog.
package status

import (
	"time"

	"github.com/kevin07696/payment-bridge/internal/domain"
)

// Messages shown in the dialog status area
const (
	MessageCancelled = "Transaction Cancelled"
	MessageAccepted  = "Transaction Accepted"
	MessageFailed    = "Transaction Failed"
)

// CloseDelay is how long the outcome message stays visible before the
// closing step is sent
const CloseDelay = 2500 * time.Millisecond

// Map returns the outcome for a terminal status. Every status has a case;
// statuses without a closing step come back as OutcomeUnhandled rather than
// falling through.
//
// AUTHORIZED closes the dialog exactly like CANCELED. The gateway is not
// expected to stop at AUTHORIZED for a sale, and whether an auth-only result
// should ACCEPT is an open question for the terminal integration.
func Map(s domain.TerminalStatus) domain.Outcome {
	switch s {
	case domain.TerminalStatusAuthorized, domain.TerminalStatusCanceled:
		return closing(s, domain.StepExit, MessageCancelled)
	case domain.TerminalStatusCompleted:
		return closing(s, domain.StepAccept, MessageAccepted)
	case domain.TerminalStatusFailed:
		return closing(s, domain.StepExit, MessageFailed)
	case domain.TerminalStatusRefunded, domain.TerminalStatusVoided, domain.TerminalStatusUnknown:
		return unhandled(s)
	default:
		return unhandled(domain.TerminalStatusUnknown)
	}
}

// MapResponse maps a gateway response and returns ErrUnhandledStatus, with
// the raw status and reference attached, when nothing closes the dialog.
func MapResponse(resp *domain.TerminalResponse) (domain.Outcome, error) {
	outcome := Map(resp.Status)
	if !outcome.Closes() {
		return outcome, domain.ErrUnhandledStatus.
			WithDetail("status", resp.RawStatus).
			WithDetail("reference_id", resp.ReferenceID)
	}
	return outcome, nil
}

func closing(s domain.TerminalStatus, step domain.Step, message string) domain.Outcome {
	return domain.Outcome{
		Status:         s,
		ClosingStep:    step,
		DisplayMessage: message,
		Delay:          CloseDelay,
		Kind:           domain.OutcomeClose,
	}
}

func unhandled(s domain.TerminalStatus) domain.Outcome {
	return domain.Outcome{
		Status: s,
		Kind:   domain.OutcomeUnhandled,
	}
}
