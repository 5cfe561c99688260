package booking

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/payment"
)

func succeeded(bookingID uint64, txn string, src Source) PaymentOutcome {
	return PaymentOutcome{BookingID: bookingID, TransactionID: txn, Outcome: payment.Succeeded, Source: src}
}

func TestApplyPaymentOutcome_IdempotentSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 1, 2)

	first, err := f.svc.ApplyPaymentOutcome(ctx, succeeded(b.ID, "pi_1", SourceClient))
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.False(t, first.Duplicate)
	assert.Equal(t, model.BookingConfirmed, first.Booking.Status)
	require.NotNil(t, first.Payment)
	assert.Equal(t, model.PaymentCompleted, first.Payment.Status)
	assert.True(t, b.TotalAmount.Equal(first.Payment.Amount))

	second, err := f.svc.ApplyPaymentOutcome(ctx, succeeded(b.ID, "pi_1", SourceWebhook))
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.True(t, second.Duplicate)
	assert.Equal(t, model.BookingConfirmed, second.Booking.Status)

	assert.Equal(t, 1, f.store.PaymentCount(b.ID))
	got, err := f.svc.GetBooking(ctx, b.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, got.Status)
	assert.Equal(t, []string{NotifyBookingConfirmed}, f.notifier.kinds(), "one confirmation mail only")
}

func TestApplyPaymentOutcome_ConcurrentDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			res, err := f.svc.ApplyPaymentOutcome(ctx, succeeded(b.ID, "pi_race", src))
			if !assert.NoError(t, err) {
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}([]Source{SourceClient, SourceWebhook}[i%2])
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, f.store.PaymentCount(b.ID))
}

func TestApplyPaymentOutcome_SecondChargeOnConfirmedIsFlaggedForRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 1)

	_, err := f.svc.ApplyPaymentOutcome(ctx, succeeded(b.ID, "pi_a", SourceClient))
	require.NoError(t, err)
	res, err := f.svc.ApplyPaymentOutcome(ctx, succeeded(b.ID, "pi_b", SourceWebhook))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.RefundDue)
	assert.Equal(t, model.BookingConfirmed, res.Booking.Status)

	payments, err := f.svc.ListPayments(ctx, b.ID, alice)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.False(t, payments[0].NeedsRefund)
	assert.Equal(t, model.PaymentCompleted, payments[1].Status)
	assert.True(t, payments[1].NeedsRefund)
	assert.Equal(t, "pi_b", *payments[1].TransactionID)
	assert.Equal(t, []string{NotifyBookingConfirmed}, f.notifier.kinds())

	replay, err := f.svc.ApplyPaymentOutcome(ctx, succeeded(b.ID, "pi_b", SourceWebhook))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, 2, f.store.PaymentCount(b.ID))
}

func TestApplyPaymentOutcome_FailedThenSucceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 1)

	failed, err := f.svc.ApplyPaymentOutcome(ctx, PaymentOutcome{BookingID: b.ID, TransactionID: "pi_f", Outcome: payment.Failed, Source: SourceWebhook})
	require.NoError(t, err)
	assert.True(t, failed.Applied)
	assert.Equal(t, model.PaymentFailed, failed.Payment.Status)
	assert.Equal(t, model.BookingPending, failed.Booking.Status)

	again, err := f.svc.ApplyPaymentOutcome(ctx, PaymentOutcome{BookingID: b.ID, TransactionID: "pi_f", Outcome: payment.Failed, Source: SourceClient})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	// A new attempt with a different transaction confirms the booking.
	ok, err := f.svc.ApplyPaymentOutcome(ctx, succeeded(b.ID, "pi_s", SourceClient))
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, ok.Booking.Status)

	payments, err := f.svc.ListPayments(ctx, b.ID, alice)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, model.PaymentFailed, payments[0].Status)
	assert.Equal(t, model.PaymentCompleted, payments[1].Status)
}

func TestApplyPaymentOutcome_SuccessUpgradesFailedAttemptOfSameIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 1)

	_, err := f.svc.ApplyPaymentOutcome(ctx, PaymentOutcome{BookingID: b.ID, TransactionID: "pi_x", Outcome: payment.Failed})
	require.NoError(t, err)
	res, err := f.svc.ApplyPaymentOutcome(ctx, succeeded(b.ID, "pi_x", SourceWebhook))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, model.BookingConfirmed, res.Booking.Status)

	payments, err := f.svc.ListPayments(ctx, b.ID, alice)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, model.PaymentCompleted, payments[0].Status)
}

func TestApplyPaymentOutcome_RequiresActionWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 1)

	res, err := f.svc.ApplyPaymentOutcome(ctx, PaymentOutcome{BookingID: b.ID, Outcome: payment.RequiresAction})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ContinuationToken)
	assert.False(t, res.Applied)
	assert.Equal(t, 0, f.store.PaymentCount(b.ID))

	echoed, err := f.svc.ApplyPaymentOutcome(ctx, PaymentOutcome{BookingID: b.ID, Outcome: payment.RequiresAction, ContinuationToken: "cs_1"})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", echoed.ContinuationToken)
}

func TestApplyPaymentOutcome_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 1)
	_, err := f.svc.CancelBooking(ctx, b.ID, alice)
	require.NoError(t, err)

	_, err = f.svc.ApplyPaymentOutcome(ctx, succeeded(b.ID, "", SourceWebhook))
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = f.svc.ApplyPaymentOutcome(ctx, succeeded(4242, "pi_none", SourceWebhook))
	assert.Equal(t, KindNotFound, KindOf(err))

	_, err = f.svc.ApplyPaymentOutcome(ctx, PaymentOutcome{BookingID: b.ID, Outcome: "MAYBE"})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestApplyPaymentOutcome_SuccessOnCancelledIsRecordedForRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 1)
	_, err := f.svc.CancelBooking(ctx, b.ID, alice)
	require.NoError(t, err)

	_, err = f.svc.ApplyPaymentOutcome(ctx, succeeded(b.ID, "pi_late", SourceWebhook))
	assert.Equal(t, KindInvalidState, KindOf(err))

	payments, err := f.svc.ListPayments(ctx, b.ID, alice)
	require.NoError(t, err)
	require.Len(t, payments, 1, "the customer was charged, the attempt must be kept")
	assert.Equal(t, model.PaymentCompleted, payments[0].Status)
	assert.True(t, payments[0].NeedsRefund)
	assert.Equal(t, "pi_late", *payments[0].TransactionID)

	got, err := f.svc.GetBooking(ctx, b.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, model.BookingCancelled, got.Status)

	replay, err := f.svc.ApplyPaymentOutcome(ctx, succeeded(b.ID, "pi_late", SourceWebhook))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, 1, f.store.PaymentCount(b.ID))
}

func TestApplyPaymentOutcome_TransactionOfAnotherBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.book(t, alice, showtimeLater, 1)
	second := f.book(t, alice, showtimeLater, 2)

	_, err := f.svc.ApplyPaymentOutcome(ctx, succeeded(first.ID, "pi_shared", SourceClient))
	require.NoError(t, err)
	_, err = f.svc.ApplyPaymentOutcome(ctx, succeeded(second.ID, "pi_shared", SourceWebhook))
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestPay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 2)

	res, err := f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: "pm_card_visa"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.TransactionID)
	assert.Equal(t, model.BookingConfirmed, res.Booking.Status)

	// The webhook for the same intent arrives afterwards.
	hook, err := f.svc.ApplyPaymentOutcome(ctx, succeeded(b.ID, res.TransactionID, SourceWebhook))
	require.NoError(t, err)
	assert.True(t, hook.Duplicate)

	_, err = f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: "pm_card_visa"})
	assert.Equal(t, KindInvalidState, KindOf(err), "paying a confirmed booking must not charge again")
	assert.Equal(t, 1, f.store.PaymentCount(b.ID))
}

func TestPay_DeclinedLeavesBookingPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 1)

	res, err := f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: payment.SimulatedDeclined})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "card_declined", res.FailureReason)
	assert.Equal(t, model.BookingPending, res.Booking.Status)

	retry, err := f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: "pm_card_visa"})
	require.NoError(t, err)
	assert.True(t, retry.Success)
	assert.Equal(t, 2, f.store.PaymentCount(b.ID))
}

func TestPay_RequiresAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 1)

	res, err := f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: payment.SimulatedRequires3DS})
	require.NoError(t, err)
	assert.True(t, res.RequiresAction)
	assert.NotEmpty(t, res.ContinuationToken)
	assert.Equal(t, model.BookingPending, res.Booking.Status)

	payments, err := f.svc.ListPayments(ctx, b.ID, alice)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, model.PaymentPending, payments[0].Status)
	assert.Equal(t, res.TransactionID, *payments[0].TransactionID)

	// While the customer authenticates, neither paying again nor
	// cancelling is allowed.
	_, err = f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: "pm_card_visa"})
	assert.Equal(t, KindConflict, KindOf(err))
	_, err = f.svc.CancelBooking(ctx, b.ID, alice)
	assert.Equal(t, KindConflict, KindOf(err))

	hook, err := f.svc.ApplyPaymentOutcome(ctx, succeeded(b.ID, res.TransactionID, SourceWebhook))
	require.NoError(t, err)
	assert.True(t, hook.Applied)
	assert.Equal(t, model.BookingConfirmed, hook.Booking.Status)
	assert.Equal(t, 1, f.store.PaymentCount(b.ID))
}

func TestPay_AbandonedAttemptStopsBlocking(t *testing.T) {
	clock := fixedNow
	f := newFixture(t, func(c *Config) { c.Now = func() time.Time { return clock } })
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 1)

	_, err := f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: payment.SimulatedRequires3DS})
	require.NoError(t, err)
	_, err = f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: "pm_card_visa"})
	require.Equal(t, KindConflict, KindOf(err))

	clock = clock.Add(DefaultConfig().PaymentAttemptTimeout + time.Minute)
	res, err := f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: "pm_card_visa"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, f.store.PaymentCount(b.ID))
}

func TestPay_ProviderFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 1)

	_, err := f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: payment.SimulatedProviderDown})
	assert.Equal(t, KindExternalFailure, KindOf(err))

	got, err := f.svc.GetBooking(ctx, b.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, model.BookingPending, got.Status)
	payments, err := f.svc.ListPayments(ctx, b.ID, alice)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, model.PaymentFailed, payments[0].Status)
	assert.Nil(t, payments[0].TransactionID)

	retry, err := f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: "pm_card_visa"})
	require.NoError(t, err)
	assert.True(t, retry.Success)
}

func TestPay_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 1)

	_, err := f.svc.Pay(ctx, b.ID, bob, PayRequest{PaymentMethodRef: "pm_card_visa"})
	assert.Equal(t, KindForbidden, KindOf(err))

	_, err = f.svc.Pay(ctx, b.ID, alice, PayRequest{})
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = f.svc.Pay(ctx, 4242, alice, PayRequest{PaymentMethodRef: "pm_card_visa"})
	assert.Equal(t, KindNotFound, KindOf(err))
}

// hookedGateway counts charges and runs optional hooks around the wrapped
// gateway's Charge.
type hookedGateway struct {
	payment.Gateway
	before  func(req payment.ChargeRequest) payment.ChargeRequest
	after   func(res *payment.ChargeResult)
	mu      sync.Mutex
	charges int
	keys    []string
}

func (g *hookedGateway) Charge(ctx context.Context, req payment.ChargeRequest) (*payment.ChargeResult, error) {
	g.mu.Lock()
	g.charges++
	g.keys = append(g.keys, req.IdempotencyKey)
	g.mu.Unlock()
	if g.before != nil {
		req = g.before(req)
	}
	res, err := g.Gateway.Charge(ctx, req)
	if err == nil && g.after != nil {
		g.after(res)
	}
	return res, err
}

func (g *hookedGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.charges
}

func TestPay_ConcurrentCallsChargeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 1, 2)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gw := &hookedGateway{Gateway: f.gateway, before: func(req payment.ChargeRequest) payment.ChargeRequest {
		once.Do(func() { close(entered) })
		<-release
		return req
	}}
	f.svc.gateway = gw

	type outcome struct {
		res *PayResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: "pm_card_visa"})
		first <- outcome{res, err}
	}()
	<-entered

	_, err := f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: "pm_card_mastercard"})
	assert.Equal(t, KindConflict, KindOf(err), "a second card must not be charged while the first is in flight")
	_, err = f.svc.CancelBooking(ctx, b.ID, alice)
	assert.Equal(t, KindConflict, KindOf(err))

	close(release)
	got := <-first
	require.NoError(t, got.err)
	assert.True(t, got.res.Success)

	assert.Equal(t, 1, gw.count())
	payments, err := f.svc.ListPayments(ctx, b.ID, alice)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, model.PaymentCompleted, payments[0].Status)
	assert.False(t, payments[0].NeedsRefund)
}

func TestPay_ManyConcurrentCallsConfirmOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 3)
	gw := &hookedGateway{Gateway: f.gateway}
	f.svc.gateway = gw

	cards := []string{"pm_card_visa", "pm_card_mastercard", "pm_card_amex"}
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func(card string) {
			defer wg.Done()
			res, err := f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: card})
			if err != nil {
				assert.Contains(t, []Kind{KindConflict, KindInvalidState}, KindOf(err))
				return
			}
			if res.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(cards[i%len(cards)])
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, gw.count())
	assert.Equal(t, 1, f.store.PaymentCount(b.ID))
}

func TestPay_CancelDuringChargeIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 4)

	var cancelErr error
	gw := &hookedGateway{Gateway: f.gateway, before: func(req payment.ChargeRequest) payment.ChargeRequest {
		_, cancelErr = f.svc.CancelBooking(ctx, b.ID, alice)
		return req
	}}
	f.svc.gateway = gw

	res, err := f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: "pm_card_visa"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, KindConflict, KindOf(cancelErr))
	assert.Equal(t, model.BookingConfirmed, res.Booking.Status)

	assert.Equal(t, 1, gw.count())
	payments, err := f.svc.ListPayments(ctx, b.ID, alice)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, model.PaymentCompleted, payments[0].Status)
	assert.Equal(t, []string{NotifyBookingConfirmed}, f.notifier.kinds())
}

func TestPay_WebhookOvertakingClientResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 5)

	var hook *ReconcileResult
	gw := &hookedGateway{Gateway: f.gateway, after: func(res *payment.ChargeResult) {
		var err error
		hook, err = f.svc.ApplyPaymentOutcome(ctx, succeeded(b.ID, res.TransactionID, SourceWebhook))
		require.NoError(t, err)
	}}
	f.svc.gateway = gw

	res, err := f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: "pm_card_visa"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, hook)
	assert.True(t, hook.Applied, "the webhook settles the in-flight attempt")

	payments, err := f.svc.ListPayments(ctx, b.ID, alice)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, model.PaymentCompleted, payments[0].Status)
	assert.False(t, payments[0].NeedsRefund)
	assert.Equal(t, []string{NotifyBookingConfirmed}, f.notifier.kinds())
}

func TestPay_RetryAfterDeclineReachesProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, alice, showtimeLater, 6)

	// The card is declined once, then the customer tops up the account
	// and retries with the same card.
	declines := 1
	gw := &hookedGateway{Gateway: f.gateway, before: func(req payment.ChargeRequest) payment.ChargeRequest {
		if declines > 0 {
			declines--
			req.PaymentMethodRef = payment.SimulatedDeclined
		}
		return req
	}}
	f.svc.gateway = gw

	first, err := f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: "pm_card_visa"})
	require.NoError(t, err)
	assert.False(t, first.Success)

	second, err := f.svc.Pay(ctx, b.ID, alice, PayRequest{PaymentMethodRef: "pm_card_visa"})
	require.NoError(t, err)
	assert.True(t, second.Success, "the retry must not replay the cached decline")
	assert.NotEqual(t, first.TransactionID, second.TransactionID)

	require.Len(t, gw.keys, 2)
	assert.NotEqual(t, gw.keys[0], gw.keys[1])
	for _, k := range gw.keys {
		assert.True(t, strings.HasPrefix(k, b.Reference+":"), k)
	}
}
