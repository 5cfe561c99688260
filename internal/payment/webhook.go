package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Metadata keys attached to every PaymentIntent.
const (
	MetadataBookingID = "booking_id"
	MetadataReference = "booking_reference"
)

var (
	// ErrInvalidSignature is returned when the payload does not carry a
	// valid signature for the configured secret.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrUnhandledEvent is returned for event types that do not affect
	// bookings.  Callers acknowledge such events without acting on them.
	ErrUnhandledEvent = errors.New("unhandled webhook event")
	// ErrMissingBooking is returned for a PaymentIntent event that does not
	// carry a usable booking_id, such as an intent created outside this
	// service.  No delivery of the same event can ever succeed.
	ErrMissingBooking = errors.New("payment intent has no booking")
)

// WebhookEvent is a verified provider notification about one booking.
type WebhookEvent struct {
	EventID       string
	Type          string
	BookingID     uint64
	TransactionID string
	Outcome       Outcome
}

// ParseWebhook verifies the Stripe-Signature header over the raw payload
// and decodes PaymentIntent events.  Nothing in the payload is trusted
// until the signature has been checked.
func ParseWebhook(payload []byte, signature, secret string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var outcome Outcome
	switch string(event.Type) {
	case "payment_intent.succeeded":
		outcome = Succeeded
	case "payment_intent.payment_failed":
		outcome = Failed
	case "payment_intent.requires_action":
		outcome = RequiresAction
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnhandledEvent, event.Type)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	bookingID, err := strconv.ParseUint(pi.Metadata[MetadataBookingID], 10, 64)
	if err != nil || bookingID == 0 {
		return nil, fmt.Errorf("%w: intent %s, %s=%q", ErrMissingBooking, pi.ID, MetadataBookingID, pi.Metadata[MetadataBookingID])
	}
	return &WebhookEvent{
		EventID:       event.ID,
		Type:          string(event.Type),
		BookingID:     bookingID,
		TransactionID: pi.ID,
		Outcome:       outcome,
	}, nil
}
