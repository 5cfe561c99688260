package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-ticketing/internal/metrics"
	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/payment"
	"github.com/iliyamo/cinema-ticketing/internal/repository"
)

// Source names the trigger that delivered a payment outcome.
type Source string

const (
	SourceClient  Source = "client"
	SourceWebhook Source = "webhook"
)

// PaymentOutcome is one delivery of a payment attempt's result.  The same
// logical attempt may be delivered by the client and by the provider
// webhook, several times and in any order.
type PaymentOutcome struct {
	BookingID     uint64
	TransactionID string
	Outcome       payment.Outcome
	Method        model.PaymentMethod
	Source        Source
	// ContinuationToken is echoed back for RequiresAction.  When empty a
	// random token is issued.
	ContinuationToken string
	// AttemptID is the PENDING attempt Pay wrote before calling the
	// provider.  It is zero for webhook deliveries.
	AttemptID uint64
}

// ReconcileResult reports what ApplyPaymentOutcome did.
type ReconcileResult struct {
	Booking *model.Booking
	Payment *model.Payment
	// Applied is true when this call wrote a payment attempt.
	Applied bool
	// Duplicate is true when the transaction id had already been applied.
	Duplicate bool
	// RefundDue is true when this call recorded a successful charge that
	// does not pay for the booking.
	RefundDue         bool
	ContinuationToken string
}

// ApplyPaymentOutcome records a payment outcome against a booking exactly
// once.  The duplicate check, the payment row and the status change all
// happen under the booking lock, so concurrent deliveries of the same
// transaction cannot both confirm the booking.
//
// A successful charge is never dropped.  On a booking that another charge
// already confirmed it is stored COMPLETED with NeedsRefund set; on a
// booking that can no longer be confirmed it is stored the same way and
// KindInvalidState is returned after commit.
func (s *Service) ApplyPaymentOutcome(ctx context.Context, in PaymentOutcome) (*ReconcileResult, error) {
	if in.BookingID == 0 {
		return nil, newError(KindValidation, "booking id is required")
	}
	if in.Method == "" {
		in.Method = model.PaymentStripe
	}

	res := &ReconcileResult{}
	switch in.Outcome {
	case payment.RequiresAction:
		res.ContinuationToken = in.ContinuationToken
		if res.ContinuationToken == "" {
			res.ContinuationToken = uuid.NewString()
		}
		if in.AttemptID == 0 {
			b, err := s.store.GetBooking(ctx, in.BookingID)
			if err != nil {
				return nil, classify(err, "booking not found")
			}
			metrics.PaymentOutcomes.WithLabelValues(string(in.Outcome), string(in.Source)).Inc()
			res.Booking = b
			return res, nil
		}
	case payment.Succeeded:
		if in.TransactionID == "" {
			return nil, newError(KindValidation, "transaction id is required for a successful payment")
		}
	case payment.Failed:
	default:
		return nil, newError(KindValidation, fmt.Sprintf("unknown payment outcome %q", in.Outcome))
	}

	confirmed := false
	var unpayable error
	err := s.store.WithBookingLock(ctx, in.BookingID, func(tx repository.BookingTx, b *model.Booking) error {
		res.Booking = b

		target, err := s.matchAttempt(ctx, tx, b, in)
		if err != nil {
			return err
		}
		if target != nil && resolved(target, in.Outcome) {
			res.Duplicate = true
			res.Payment = target
			return nil
		}

		p := target
		if p == nil {
			p = &model.Payment{BookingID: b.ID, Method: in.Method, Amount: b.TotalAmount}
		}
		if in.TransactionID != "" {
			p.TransactionID = optional(in.TransactionID)
		}
		confirm := false
		switch in.Outcome {
		case payment.RequiresAction:
			p.Status = model.PaymentPending
		case payment.Failed:
			p.Status = model.PaymentFailed
		case payment.Succeeded:
			p.Status = model.PaymentCompleted
			switch {
			case b.Status == model.BookingConfirmed:
				p.NeedsRefund = true
			case !b.Status.CanTransition(model.BookingConfirmed):
				p.NeedsRefund = true
				unpayable = newError(KindInvalidState,
					fmt.Sprintf("cannot confirm a %s booking, the charge is recorded for refund", b.Status))
			default:
				confirm = true
			}
		}

		if target != nil {
			err = tx.SettlePayment(ctx, p)
		} else {
			err = tx.InsertPayment(ctx, p)
		}
		if err != nil {
			if errors.Is(err, repository.ErrDuplicateTransaction) {
				res.Duplicate = true
				return nil
			}
			return fmt.Errorf("record payment: %w", err)
		}
		if confirm {
			if err := tx.UpdateBookingStatus(ctx, b.ID, model.BookingConfirmed); err != nil {
				return fmt.Errorf("update booking status: %w", err)
			}
			b.Status = model.BookingConfirmed
			confirmed = true
		}
		res.Payment, res.Applied, res.RefundDue = p, true, p.NeedsRefund
		return nil
	})
	if err != nil {
		return nil, classify(err, "booking not found")
	}

	label := string(in.Outcome)
	if res.Duplicate {
		label = "DUPLICATE"
	}
	metrics.PaymentOutcomes.WithLabelValues(label, string(in.Source)).Inc()
	s.log.Info("payment outcome applied",
		zap.Uint64("booking_id", in.BookingID),
		zap.String("transaction_id", in.TransactionID),
		zap.String("outcome", string(in.Outcome)),
		zap.String("source", string(in.Source)),
		zap.Bool("applied", res.Applied),
		zap.Bool("duplicate", res.Duplicate))
	if res.RefundDue {
		metrics.PaymentRefundsDue.Inc()
		s.log.Error("charge recorded for refund",
			zap.Uint64("booking_id", in.BookingID),
			zap.Uint64("payment_id", res.Payment.ID),
			zap.String("transaction_id", in.TransactionID),
			zap.String("booking_status", string(res.Booking.Status)))
	}
	if unpayable != nil {
		return nil, unpayable
	}
	if confirmed {
		s.notify(ctx, res.Booking, NotifyBookingConfirmed)
	}
	return res, nil
}

// matchAttempt finds the recorded attempt an outcome belongs to: the one
// carrying its transaction id, else the one Pay opened for it.  A webhook
// for an unknown transaction may overtake the client's own result, so it
// adopts the in-flight attempt that has no transaction id yet.
func (s *Service) matchAttempt(ctx context.Context, tx repository.BookingTx, b *model.Booking, in PaymentOutcome) (*model.Payment, error) {
	if in.TransactionID != "" {
		p, err := tx.PaymentByTransactionID(ctx, in.TransactionID)
		switch {
		case err == nil:
			if p.BookingID != b.ID {
				return nil, newError(KindConflict, "transaction belongs to another booking")
			}
			return p, nil
		case !errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("look up transaction: %w", err)
		}
	}

	payments, err := tx.PaymentsForBooking(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	if in.AttemptID != 0 {
		p, ok := lo.Find(payments, func(p model.Payment) bool { return p.ID == in.AttemptID })
		if !ok {
			return nil, fmt.Errorf("payment attempt %d of booking %d is missing", in.AttemptID, b.ID)
		}
		return &p, nil
	}
	now := s.cfg.Now()
	p, _, ok := lo.FindLastIndexOf(payments, func(p model.Payment) bool {
		return p.TransactionID == nil && p.InFlight(now, s.cfg.PaymentAttemptTimeout)
	})
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// resolved reports whether p already holds a result that outcome o must
// not overwrite.  A provider may retry a declined intent under the same
// id, so a FAILED attempt can still be upgraded by a later success.
func resolved(p *model.Payment, o payment.Outcome) bool {
	switch p.Status {
	case model.PaymentCompleted, model.PaymentRefunded:
		return true
	case model.PaymentFailed:
		return o != payment.Succeeded
	}
	return false
}

// attemptInFlight returns the PENDING attempt of a booking that is younger
// than the configured timeout, or nil.
func (s *Service) attemptInFlight(ctx context.Context, tx repository.BookingTx, bookingID uint64) (*model.Payment, error) {
	payments, err := tx.PaymentsForBooking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	now := s.cfg.Now()
	p, ok := lo.Find(payments, func(p model.Payment) bool { return p.InFlight(now, s.cfg.PaymentAttemptTimeout) })
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// PayRequest is a client request to charge a booking.
type PayRequest struct {
	PaymentMethodRef string
	Method           model.PaymentMethod
}

// PayResult is the client facing result of Pay.
type PayResult struct {
	Success           bool
	TransactionID     string
	RequiresAction    bool
	ContinuationToken string
	FailureReason     string
	Booking           *model.Booking
}

// Pay charges a PENDING booking owned by userID and applies the result.
//
// Under the booking lock Pay writes a PENDING attempt, and it refuses with
// KindConflict while another attempt is in flight.  The provider is then
// called without any lock, keyed by the attempt, and the attempt is
// settled with the answer.  A provider error marks the attempt FAILED and
// is returned as a retryable ExternalFailure; the booking stays PENDING.
func (s *Service) Pay(ctx context.Context, bookingID, userID uint64, req PayRequest) (*PayResult, error) {
	if req.PaymentMethodRef == "" {
		return nil, newError(KindValidation, "payment_method_ref is required")
	}
	if req.Method == "" {
		req.Method = model.PaymentStripe
	}
	if s.gateway == nil {
		return nil, newError(KindExternalFailure, "no payment gateway configured")
	}

	b, attempt, err := s.openAttempt(ctx, bookingID, userID, req.Method)
	if err != nil {
		return nil, err
	}

	charge, err := s.gateway.Charge(ctx, payment.ChargeRequest{
		BookingID:        b.ID,
		Reference:        b.Reference,
		Amount:           attempt.Amount,
		Currency:         s.cfg.Currency,
		PaymentMethodRef: req.PaymentMethodRef,
		IdempotencyKey:   attemptKey(b, attempt),
	})
	// The attempt is settled even if the client has gone away meanwhile.
	settleCtx := context.WithoutCancel(ctx)
	if err != nil {
		s.log.Error("payment gateway failed", zap.Uint64("booking_id", b.ID), zap.String("gateway", s.gateway.Name()), zap.Error(err))
		s.abandonAttempt(settleCtx, attempt)
		return nil, &Error{Kind: KindExternalFailure, Message: "payment provider unavailable, try again", Err: err}
	}

	applied, err := s.ApplyPaymentOutcome(settleCtx, PaymentOutcome{
		BookingID:         b.ID,
		TransactionID:     charge.TransactionID,
		Outcome:           charge.Outcome,
		Method:            req.Method,
		Source:            SourceClient,
		ContinuationToken: charge.ClientSecret,
		AttemptID:         attempt.ID,
	})
	if err != nil {
		return nil, err
	}
	if applied.RefundDue {
		return nil, newError(KindConflict, "booking was already paid, this charge will be refunded")
	}

	out := &PayResult{TransactionID: charge.TransactionID, Booking: applied.Booking}
	switch charge.Outcome {
	case payment.Succeeded:
		out.Success = true
	case payment.RequiresAction:
		out.RequiresAction = true
		out.ContinuationToken = applied.ContinuationToken
	case payment.Failed:
		out.FailureReason = charge.FailureReason
	}
	return out, nil
}

// openAttempt checks that userID may pay the booking and writes the
// PENDING attempt Pay will charge for.
func (s *Service) openAttempt(ctx context.Context, bookingID, userID uint64, method model.PaymentMethod) (*model.Booking, *model.Payment, error) {
	var booking *model.Booking
	var attempt *model.Payment
	err := s.store.WithBookingLock(ctx, bookingID, func(tx repository.BookingTx, b *model.Booking) error {
		if b.UserID != userID {
			return newError(KindForbidden, "booking belongs to another user")
		}
		if b.Status == model.BookingConfirmed {
			return newError(KindInvalidState, "booking is already paid")
		}
		if !b.Status.CanTransition(model.BookingConfirmed) {
			return newError(KindInvalidState, fmt.Sprintf("cannot pay a %s booking", b.Status))
		}
		busy, err := s.attemptInFlight(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if busy != nil {
			return newError(KindConflict, "a payment for this booking is already in progress")
		}
		p := &model.Payment{BookingID: b.ID, Method: method, Amount: b.TotalAmount, Status: model.PaymentPending}
		if err := tx.InsertPayment(ctx, p); err != nil {
			return fmt.Errorf("insert payment attempt: %w", err)
		}
		booking, attempt = b, p
		return nil
	})
	if err != nil {
		return nil, nil, classify(err, "booking not found")
	}
	return booking, attempt, nil
}

// abandonAttempt marks an attempt FAILED after the provider could not be
// reached, so it no longer blocks a retry.
func (s *Service) abandonAttempt(ctx context.Context, attempt *model.Payment) {
	err := s.store.WithBookingLock(ctx, attempt.BookingID, func(tx repository.BookingTx, _ *model.Booking) error {
		p := *attempt
		p.Status = model.PaymentFailed
		return tx.SettlePayment(ctx, &p)
	})
	if err != nil {
		s.log.Error("could not release payment attempt", zap.Uint64("payment_id", attempt.ID), zap.Error(err))
	}
}

// attemptKey is the provider idempotency key of one attempt.  A retry
// after a decline opens a new attempt and therefore reaches the provider
// again instead of replaying the decline.
func attemptKey(b *model.Booking, attempt *model.Payment) string {
	return fmt.Sprintf("%s:attempt-%d", b.Reference, attempt.ID)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
