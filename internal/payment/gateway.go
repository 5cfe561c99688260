// Package payment talks to the card payment provider.  It charges a
// booking through a Gateway and turns provider webhooks into outcomes
// that the booking service reconciles.  Nothing in this package touches
// booking state.
package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Outcome is the result of one payment attempt as reported by the
// provider.
type Outcome string

const (
	Succeeded      Outcome = "SUCCEEDED"
	Failed         Outcome = "FAILED"
	RequiresAction Outcome = "REQUIRES_ACTION"
)

// Gateway charges a payment method.  A non-nil error means the provider
// could not be reached or rejected the request itself; a declined card
// is reported as a ChargeResult with Outcome Failed.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Name() string
}

// ChargeRequest describes a charge for one booking.
type ChargeRequest struct {
	BookingID        uint64
	Reference        string
	Amount           decimal.Decimal
	Currency         string
	PaymentMethodRef string
	// IdempotencyKey makes retries of the same request return the
	// original provider transaction instead of charging twice.
	IdempotencyKey string
}

// ChargeResult is the provider's answer to a ChargeRequest.
type ChargeResult struct {
	Outcome       Outcome
	TransactionID string
	// ClientSecret is set for RequiresAction and lets the client finish
	// the authentication step.
	ClientSecret  string
	FailureReason string
}

// GatewayType selects a Gateway implementation.
type GatewayType string

const (
	GatewayTypeSimulated GatewayType = "simulated"
	GatewayTypeStripe    GatewayType = "stripe"
)

// NewGateway creates a payment gateway based on the type.
func NewGateway(gatewayType, stripeSecretKey string) (Gateway, error) {
	switch GatewayType(strings.ToLower(gatewayType)) {
	case GatewayTypeSimulated, "":
		return NewSimulatedGateway(), nil
	case GatewayTypeStripe:
		return NewStripeGateway(stripeSecretKey)
	default:
		return nil, fmt.Errorf("unsupported gateway type: %s", gatewayType)
	}
}

// ToMinorUnits converts an amount with two decimal places to cents.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}
