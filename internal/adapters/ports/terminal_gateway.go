package ports

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/kevin07696/payment-bridge/internal/domain"
)

// TerminalGateway sends a sale amount to the payment terminal and waits for
// the customer to finish at the device
type TerminalGateway interface {
	// RequestPayment blocks until the gateway answers. Failures to reach the
	// gateway or read its reply are returned as domain.ErrTerminalNetwork
	// (or domain.ErrTerminalCircuit when failing fast).
	RequestPayment(ctx context.Context, amount decimal.Decimal, origin string) (*domain.TerminalResponse, error)
}
