package mocks

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/kevin07696/payment-bridge/internal/domain"
)

// MockTerminalGateway is a testify mock of ports.TerminalGateway
type MockTerminalGateway struct {
	mock.Mock
}

func (m *MockTerminalGateway) RequestPayment(ctx context.Context, amount decimal.Decimal, origin string) (*domain.TerminalResponse, error) {
	args := m.Called(ctx, amount, origin)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TerminalResponse), args.Error(1)
}

// AmountEq matches a decimal argument by value, so 500 and 500.00 compare equal
func AmountEq(want string) interface{} {
	expected := decimal.RequireFromString(want)
	return mock.MatchedBy(func(got decimal.Decimal) bool {
		return got.Equal(expected)
	})
}
