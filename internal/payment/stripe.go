package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

// StripeGateway implements Gateway using Stripe PaymentIntents.  Each
// charge creates and confirms an intent in one call.
type StripeGateway struct{}

// NewStripeGateway sets the Stripe API key and returns the gateway.
func NewStripeGateway(secretKey string) (*StripeGateway, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	stripe.Key = secretKey
	return &StripeGateway{}, nil
}

// Charge creates and confirms a PaymentIntent for the booking.
func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(ToMinorUnits(req.Amount)),
		Currency:      stripe.String(req.Currency),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String("Booking " + req.Reference),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	params.AddMetadata(MetadataBookingID, strconv.FormatUint(req.BookingID, 10))
	params.AddMetadata(MetadataReference, req.Reference)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
			res := &ChargeResult{Outcome: Failed, FailureReason: se.Msg}
			if se.PaymentIntent != nil {
				res.TransactionID = se.PaymentIntent.ID
			}
			return res, nil
		}
		return nil, fmt.Errorf("stripe create payment intent: %w", err)
	}
	return resultFromIntent(pi), nil
}

// Name returns the gateway name
func (g *StripeGateway) Name() string {
	return "stripe"
}

func resultFromIntent(pi *stripe.PaymentIntent) *ChargeResult {
	res := &ChargeResult{TransactionID: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		res.Outcome = Succeeded
	case stripe.PaymentIntentStatusRequiresAction, stripe.PaymentIntentStatusProcessing:
		res.Outcome = RequiresAction
		res.ClientSecret = pi.ClientSecret
	default:
		res.Outcome = Failed
		res.FailureReason = string(pi.Status)
		if pi.LastPaymentError != nil {
			res.FailureReason = pi.LastPaymentError.Msg
		}
	}
	return res
}
