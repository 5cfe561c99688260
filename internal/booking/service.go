// Package booking implements the reservation core: creating a booking
// for a set of seats without double booking them, cancelling it, and
// reconciling payment outcomes exactly once.  All coordination goes
// through the Store's lock contract; the service keeps no shared state
// of its own.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-ticketing/internal/metrics"
	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/payment"
	"github.com/iliyamo/cinema-ticketing/internal/pricing"
	"github.com/iliyamo/cinema-ticketing/internal/repository"
)

// Store is the durable booking state.  WithShowtimeLock and
// WithBookingLock run fn while holding an exclusive lock scoped to the
// showtime or the booking; fn's writes commit together when it returns
// nil and are discarded otherwise.  Both return repository.ErrNotFound
// when the locked row does not exist.
type Store interface {
	WithShowtimeLock(ctx context.Context, showtimeID uint64, fn func(tx repository.BookingTx, st *model.Showtime) error) error
	WithBookingLock(ctx context.Context, bookingID uint64, fn func(tx repository.BookingTx, b *model.Booking) error) error
	GetBooking(ctx context.Context, id uint64) (*model.Booking, error)
	GetBookingByReference(ctx context.Context, ref string) (*model.Booking, error)
	ListBookingsByUser(ctx context.Context, userID uint64) ([]model.Booking, error)
	HeldSeatIDs(ctx context.Context, showtimeID uint64) ([]uint64, error)
	ListPayments(ctx context.Context, bookingID uint64) ([]model.Payment, error)
}

// Catalog supplies showtime and seat reference data.
type Catalog interface {
	GetShowtime(ctx context.Context, id uint64) (*model.Showtime, error)
	GetSeats(ctx context.Context, screenIDs ...uint64) ([]model.Seat, error)
}

// Notifier delivers a templated message.  Send must not block the caller
// and reports no error; delivery failures are the notifier's concern.
type Notifier interface {
	Send(ctx context.Context, recipient, kind string, params map[string]string)
}

// Recipients resolves the notification address of a user.
type Recipients interface {
	EmailFor(ctx context.Context, userID uint64) (string, error)
}

// Notification kinds.
const (
	NotifyBookingConfirmed = "booking_confirmed"
	NotifyBookingCancelled = "booking_cancelled"
)

// Config holds the booking rules.
type Config struct {
	BookingFee        decimal.Decimal
	CancelCutoff      time.Duration
	Currency          string
	ReferenceAttempts int
	// PaymentAttemptTimeout bounds how long a PENDING attempt blocks
	// another Pay or a cancellation of its booking.
	PaymentAttemptTimeout time.Duration
	Now                   func() time.Time
	NewReference          func() (string, error)
}

// DefaultConfig returns a fee of 1.00, a two hour cancellation cutoff,
// five reference attempts and a fifteen minute payment attempt window.
func DefaultConfig() Config {
	return Config{
		BookingFee:            decimal.RequireFromString("1.00"),
		CancelCutoff:          2 * time.Hour,
		Currency:              "usd",
		ReferenceAttempts:     5,
		PaymentAttemptTimeout: 15 * time.Minute,
		Now:                   time.Now,
		NewReference:          NewReference,
	}
}

// Service is the booking transaction manager.
type Service struct {
	cfg       Config
	store     Store
	catalog   Catalog
	inventory *Inventory
	gateway   payment.Gateway
	notifier  Notifier
	users     Recipients
	log       *zap.Logger
}

// NewService wires the booking service.  gateway, notifier, users and log
// may be nil; a nil gateway makes Pay fail with ExternalFailure.
func NewService(cfg Config, store Store, catalog Catalog, gateway payment.Gateway, notifier Notifier, users Recipients, log *zap.Logger) *Service {
	if store == nil || catalog == nil {
		panic("booking: store and catalog are required")
	}
	def := DefaultConfig()
	if cfg.CancelCutoff <= 0 {
		cfg.CancelCutoff = def.CancelCutoff
	}
	if cfg.ReferenceAttempts <= 0 {
		cfg.ReferenceAttempts = def.ReferenceAttempts
	}
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if cfg.PaymentAttemptTimeout <= 0 {
		cfg.PaymentAttemptTimeout = def.PaymentAttemptTimeout
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.NewReference == nil {
		cfg.NewReference = def.NewReference
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		catalog:   catalog,
		inventory: NewInventory(store, catalog),
		gateway:   gateway,
		notifier:  notifier,
		users:     users,
		log:       log.Named("booking"),
	}
}

// Inventory returns the seat inventory view backed by the same store.
func (s *Service) Inventory() *Inventory { return s.inventory }

// CreateBooking reserves seatIDs of a showtime for userID and returns the
// PENDING booking with its priced seat lines.  The free check and the
// inserts run under the showtime lock, so of two concurrent requests for
// an overlapping seat exactly one succeeds and the other gets Conflict.
func (s *Service) CreateBooking(ctx context.Context, userID, showtimeID uint64, seatIDs []uint64) (*model.Booking, error) {
	if userID == 0 {
		return nil, newError(KindValidation, "user is required")
	}
	st, seats, err := s.resolveSeats(ctx, showtimeID, seatIDs)
	if err != nil {
		return nil, err
	}

	var created *model.Booking
	err = s.store.WithShowtimeLock(ctx, st.ID, func(tx repository.BookingTx, locked *model.Showtime) error {
		held, err := tx.HeldSeatIDs(ctx, locked.ID)
		if err != nil {
			return fmt.Errorf("read held seats: %w", err)
		}
		if taken := lo.Intersect(held, seatIDs); len(taken) > 0 {
			return &Error{Kind: KindConflict, Message: "seats already booked", SeatIDs: taken}
		}

		quote := pricing.NewQuote(locked.BasePrice, seats, s.cfg.BookingFee)
		b := &model.Booking{
			UserID:      userID,
			ShowtimeID:  locked.ID,
			TotalAmount: quote.Total,
			BookingFee:  quote.BookingFee,
			Status:      model.BookingPending,
		}
		if err := s.insertWithReference(ctx, tx, b); err != nil {
			return err
		}
		lines := lo.Map(quote.Lines, func(l pricing.Line, _ int) model.BookedSeat {
			return model.BookedSeat{SeatID: l.SeatID, Price: l.Price}
		})
		if err := tx.InsertBookedSeats(ctx, b.ID, lines); err != nil {
			return fmt.Errorf("insert booked seats: %w", err)
		}
		b.Seats = lines
		created = b
		return nil
	})
	if err != nil {
		if IsKind(err, KindConflict) {
			metrics.SeatConflicts.Inc()
		}
		return nil, classify(err, "showtime not found")
	}

	metrics.BookingsCreated.Inc()
	s.log.Info("booking created",
		zap.Uint64("booking_id", created.ID),
		zap.String("reference", created.Reference),
		zap.Uint64("showtime_id", created.ShowtimeID),
		zap.Int("seats", len(created.Seats)),
		zap.String("total", created.TotalAmount.StringFixed(2)))
	return created, nil
}

// insertWithReference inserts b, drawing a new reference whenever the
// previous one collides with an existing booking.
func (s *Service) insertWithReference(ctx context.Context, tx repository.BookingTx, b *model.Booking) error {
	for attempt := 1; attempt <= s.cfg.ReferenceAttempts; attempt++ {
		ref, err := s.cfg.NewReference()
		if err != nil {
			return fmt.Errorf("generate reference: %w", err)
		}
		b.Reference = ref
		err = tx.InsertBooking(ctx, b)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrDuplicateReference) {
			return fmt.Errorf("insert booking: %w", err)
		}
		s.log.Warn("booking reference collision", zap.String("reference", ref), zap.Int("attempt", attempt))
	}
	return fmt.Errorf("no unique booking reference after %d attempts", s.cfg.ReferenceAttempts)
}

// resolveSeats validates the requested seat list and returns the
// showtime and the requested seats in request order.  It runs before any
// lock is taken; nothing it checks can change under a lock.
func (s *Service) resolveSeats(ctx context.Context, showtimeID uint64, seatIDs []uint64) (*model.Showtime, []model.Seat, error) {
	if showtimeID == 0 {
		return nil, nil, newError(KindValidation, "showtime_id is required")
	}
	if len(seatIDs) == 0 {
		return nil, nil, newError(KindValidation, "seat_ids must not be empty")
	}
	if lo.Contains(seatIDs, 0) {
		return nil, nil, newError(KindValidation, "seat_ids must be positive")
	}
	if dups := lo.FindDuplicates(seatIDs); len(dups) > 0 {
		return nil, nil, &Error{Kind: KindValidation, Message: "duplicate seat ids", SeatIDs: dups}
	}

	st, err := s.catalog.GetShowtime(ctx, showtimeID)
	if err != nil {
		return nil, nil, classify(err, "showtime not found")
	}
	screen, err := s.catalog.GetSeats(ctx, st.ScreenID)
	if err != nil {
		return nil, nil, fmt.Errorf("load seats: %w", err)
	}
	byID := lo.KeyBy(screen, func(seat model.Seat) uint64 { return seat.ID })
	foreign := lo.Filter(seatIDs, func(id uint64, _ int) bool {
		_, ok := byID[id]
		return !ok
	})
	if len(foreign) > 0 {
		return nil, nil, &Error{Kind: KindValidation, Message: "seats do not belong to the showtime's screen", SeatIDs: foreign}
	}
	seats := lo.Map(seatIDs, func(id uint64, _ int) model.Seat { return byID[id] })
	return st, seats, nil
}

// Quote prices seats exactly as CreateBooking would at the current base
// price.  It does not check availability.
func (s *Service) Quote(ctx context.Context, showtimeID uint64, seatIDs []uint64) (*pricing.Quote, error) {
	st, seats, err := s.resolveSeats(ctx, showtimeID, seatIDs)
	if err != nil {
		return nil, err
	}
	q := pricing.NewQuote(st.BasePrice, seats, s.cfg.BookingFee)
	return &q, nil
}

// CancelBooking moves a PENDING booking owned by actingUserID to
// CANCELLED, which releases its seats.  The showtime must start more than
// the configured cutoff from now, and no payment attempt may be in flight.
func (s *Service) CancelBooking(ctx context.Context, bookingID, actingUserID uint64) (*model.Booking, error) {
	var cancelled *model.Booking
	err := s.store.WithBookingLock(ctx, bookingID, func(tx repository.BookingTx, b *model.Booking) error {
		if b.UserID != actingUserID {
			return newError(KindForbidden, "booking belongs to another user")
		}
		if !b.Status.CanTransition(model.BookingCancelled) {
			return newError(KindInvalidState, fmt.Sprintf("cannot cancel a %s booking", b.Status))
		}
		busy, err := s.attemptInFlight(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if busy != nil {
			return newError(KindConflict, "a payment for this booking is in progress, try again later")
		}
		st, err := s.catalog.GetShowtime(ctx, b.ShowtimeID)
		if err != nil {
			return fmt.Errorf("load showtime: %w", err)
		}
		if !st.StartTime.After(s.cfg.Now().Add(s.cfg.CancelCutoff)) {
			return newError(KindTooLate, fmt.Sprintf("bookings can only be cancelled more than %s before the showtime", s.cfg.CancelCutoff))
		}
		if err := tx.UpdateBookingStatus(ctx, b.ID, model.BookingCancelled); err != nil {
			return fmt.Errorf("update booking status: %w", err)
		}
		b.Status = model.BookingCancelled
		cancelled = b
		return nil
	})
	if err != nil {
		return nil, classify(err, "booking not found")
	}

	metrics.BookingsCancelled.Inc()
	s.log.Info("booking cancelled", zap.Uint64("booking_id", cancelled.ID), zap.String("reference", cancelled.Reference))
	s.notify(ctx, cancelled, NotifyBookingCancelled)
	return cancelled, nil
}

// GetBooking returns a booking owned by userID.  Bookings of other users
// are reported as not found.
func (s *Service) GetBooking(ctx context.Context, bookingID, userID uint64) (*model.Booking, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, classify(err, "booking not found")
	}
	if b.UserID != userID {
		return nil, newError(KindNotFound, "booking not found")
	}
	return b, nil
}

// GetByReference returns a booking owned by userID by its reference.
func (s *Service) GetByReference(ctx context.Context, ref string, userID uint64) (*model.Booking, error) {
	if !ValidReference(ref) {
		return nil, newError(KindValidation, "malformed booking reference")
	}
	b, err := s.store.GetBookingByReference(ctx, ref)
	if err != nil {
		return nil, classify(err, "booking not found")
	}
	if b.UserID != userID {
		return nil, newError(KindNotFound, "booking not found")
	}
	return b, nil
}

// ListBookings returns the bookings of a user, newest first.
func (s *Service) ListBookings(ctx context.Context, userID uint64) ([]model.Booking, error) {
	list, err := s.store.ListBookingsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	return list, nil
}

// ListPayments returns the payment attempts of a booking owned by userID.
func (s *Service) ListPayments(ctx context.Context, bookingID, userID uint64) ([]model.Payment, error) {
	if _, err := s.GetBooking(ctx, bookingID, userID); err != nil {
		return nil, err
	}
	list, err := s.store.ListPayments(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return list, nil
}

// ApplyPromoCode is a placeholder for promotional pricing, whose rules
// are not defined.  It always fails.
func (s *Service) ApplyPromoCode(ctx context.Context, bookingID, userID uint64, code string) error {
	return ErrPromoCodesUnsupported
}

// ErrPromoCodesUnsupported is returned by ApplyPromoCode.
var ErrPromoCodesUnsupported = errors.New("promo codes are not supported")

// classify turns a store error into a booking error.  Booking errors pass
// through unchanged.
func classify(err error, notFound string) error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, repository.ErrNotFound) {
		return &Error{Kind: KindNotFound, Message: notFound, Err: err}
	}
	return err
}

// notify sends a booking notification after commit.  Failures are logged
// and never reach the caller.
func (s *Service) notify(ctx context.Context, b *model.Booking, kind string) {
	if s.notifier == nil || s.users == nil {
		return
	}
	email, err := s.users.EmailFor(ctx, b.UserID)
	if err != nil {
		s.log.Warn("notification recipient lookup failed", zap.Uint64("booking_id", b.ID), zap.Error(err))
		return
	}
	params := map[string]string{
		"reference": b.Reference,
		"total":     b.TotalAmount.StringFixed(2),
		"currency":  s.cfg.Currency,
		"seats":     fmt.Sprintf("%d", len(b.Seats)),
	}
	if st, err := s.catalog.GetShowtime(ctx, b.ShowtimeID); err == nil {
		params["movie"] = st.MovieTitle
		params["starts_at"] = st.StartTime.UTC().Format(time.RFC3339)
		if seats, err := s.catalog.GetSeats(ctx, st.ScreenID); err == nil {
			params["seat_labels"] = seatLabels(seats, b.SeatIDs())
		}
	}
	s.notifier.Send(ctx, email, kind, params)
}

func seatLabels(seats []model.Seat, ids []uint64) string {
	byID := lo.KeyBy(seats, func(seat model.Seat) uint64 { return seat.ID })
	labels := lo.FilterMap(ids, func(id uint64, _ int) (string, bool) {
		seat, ok := byID[id]
		return seat.Label(), ok
	})
	return strings.Join(labels, ",")
}
