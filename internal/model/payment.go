package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod identifies how a payment attempt was made.
type PaymentMethod string

const (
	PaymentCard     PaymentMethod = "CARD"
	PaymentStripe   PaymentMethod = "STRIPE"
	PaymentOmniPass PaymentMethod = "OMNIPASS"
)

// ParsePaymentMethod validates a payment method name.  An empty value
// defaults to STRIPE, the only external provider wired in.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	if s == "" {
		return PaymentStripe, nil
	}
	switch m := PaymentMethod(s); m {
	case PaymentCard, PaymentStripe, PaymentOmniPass:
		return m, nil
	}
	return "", fmt.Errorf("unknown payment method %q", s)
}

// PaymentStatus is the state of one payment attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// Payment records one payment attempt against a booking.  A booking may
// accumulate several attempts (for example FAILED then COMPLETED) but at
// most one COMPLETED attempt pays for it; any other COMPLETED attempt is
// flagged NeedsRefund.  An attempt is written PENDING before the provider
// is called, so TransactionID stays nil until the provider answers and is
// unique once set.
type Payment struct {
	ID            uint64          // payments.id
	BookingID     uint64          // payments.booking_id
	Method        PaymentMethod   // payments.payment_method
	Amount        decimal.Decimal // payments.amount
	TransactionID *string         // payments.transaction_id (nullable)
	Status        PaymentStatus   // payments.status
	NeedsRefund   bool            // payments.needs_refund
	CreatedAt     time.Time       // payments.created_at
}

// InFlight reports whether the attempt is still PENDING and younger than
// timeout at now.  Older PENDING attempts are treated as abandoned.
func (p Payment) InFlight(now time.Time, timeout time.Duration) bool {
	return p.Status == PaymentPending && now.Sub(p.CreatedAt) < timeout
}
