package bridge

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/kevin07696/payment-bridge/internal/domain"
	"github.com/kevin07696/payment-bridge/internal/querystring"
)

// Launch holds the values read once from the launch URL
type Launch struct {
	Amount decimal.NullDecimal
	Origin string
}

// ParseLaunch reads amount and origin from a launch URL or bare query string.
// Both are optional here: a missing amount may still arrive with the DATA
// reply, and callers decide whether origin is required.
func ParseLaunch(rawURL string) (Launch, error) {
	params, err := querystring.Parse(rawURL)
	if err != nil {
		return Launch{}, domain.WrapError(domain.ErrorCodeValidationFailed, "invalid launch query", err)
	}

	launch := Launch{Origin: strings.TrimSpace(params["origin"])}

	if raw := strings.TrimSpace(params["amount"]); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return Launch{}, domain.WrapError(domain.ErrorCodeValidationFailed, "invalid launch amount", err).
				WithDetail("amount", raw)
		}
		launch.Amount = decimal.NewNullDecimal(amount)
	}

	return launch, nil
}
