package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/cinema-ticketing/internal/model"
)

// BookingStore is the MySQL implementation of the booking store contract.
// Critical sections are expressed as row locks: WithShowtimeLock holds
// SELECT ... FOR UPDATE on the showtime row and WithBookingLock on the
// booking row, each for the lifetime of one transaction.
type BookingStore struct {
	db       *sql.DB
	bookings *BookingRepo
	payments *PaymentRepo
}

// NewBookingStore wires the booking and payment repositories behind one
// transactional store.
func NewBookingStore(db *sql.DB, bookings *BookingRepo, payments *PaymentRepo) *BookingStore {
	return &BookingStore{db: db, bookings: bookings, payments: payments}
}

// lockTxOptions uses READ COMMITTED so that reads after the lock is
// granted observe rows committed by the previous lock holder.  Under the
// InnoDB default of REPEATABLE READ a plain SELECT would reuse a snapshot
// that might predate that commit.
var lockTxOptions = &sql.TxOptions{Isolation: sql.LevelReadCommitted}

// inTx runs fn inside a transaction and commits when fn returns nil.
func (s *BookingStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, lockTxOptions)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// WithShowtimeLock locks the showtime row and runs fn with the locked
// showtime.  It returns ErrNotFound when the showtime does not exist.
func (s *BookingStore) WithShowtimeLock(ctx context.Context, showtimeID uint64, fn func(tx BookingTx, st *model.Showtime) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		st, err := lockShowtimeTx(ctx, tx, showtimeID)
		if err != nil {
			return err
		}
		return fn(&mysqlTx{tx: tx, store: s, showtimeID: showtimeID}, st)
	})
}

// WithBookingLock locks the booking row and runs fn with the locked
// booking.  It returns ErrNotFound when the booking does not exist.
func (s *BookingStore) WithBookingLock(ctx context.Context, bookingID uint64, fn func(tx BookingTx, b *model.Booking) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		b, err := s.bookings.GetForUpdateTx(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		return fn(&mysqlTx{tx: tx, store: s, showtimeID: b.ShowtimeID}, b)
	})
}

func (s *BookingStore) GetBooking(ctx context.Context, id uint64) (*model.Booking, error) {
	return s.bookings.GetByID(ctx, id)
}

func (s *BookingStore) GetBookingByReference(ctx context.Context, ref string) (*model.Booking, error) {
	return s.bookings.GetByReference(ctx, ref)
}

func (s *BookingStore) ListBookingsByUser(ctx context.Context, userID uint64) ([]model.Booking, error) {
	return s.bookings.ListByUser(ctx, userID)
}

// HeldSeatIDs reads the held seats outside any lock.  The result is a
// point-in-time view suitable for display only.
func (s *BookingStore) HeldSeatIDs(ctx context.Context, showtimeID uint64) ([]uint64, error) {
	return s.bookings.HeldSeatIDs(ctx, s.db, showtimeID)
}

func (s *BookingStore) ListPayments(ctx context.Context, bookingID uint64) ([]model.Payment, error) {
	return s.payments.ListByBooking(ctx, bookingID)
}

// mysqlTx adapts a *sql.Tx to BookingTx.
type mysqlTx struct {
	tx         *sql.Tx
	store      *BookingStore
	showtimeID uint64
}

func (t *mysqlTx) HeldSeatIDs(ctx context.Context, showtimeID uint64) ([]uint64, error) {
	return t.store.bookings.HeldSeatIDs(ctx, t.tx, showtimeID)
}

func (t *mysqlTx) InsertBooking(ctx context.Context, b *model.Booking) error {
	return t.store.bookings.CreateTx(ctx, t.tx, b)
}

func (t *mysqlTx) InsertBookedSeats(ctx context.Context, bookingID uint64, seats []model.BookedSeat) error {
	return t.store.bookings.CreateSeatsBulkTx(ctx, t.tx, bookingID, t.showtimeID, seats)
}

func (t *mysqlTx) UpdateBookingStatus(ctx context.Context, bookingID uint64, status model.BookingStatus) error {
	return t.store.bookings.UpdateStatusTx(ctx, t.tx, bookingID, status)
}

func (t *mysqlTx) PaymentByTransactionID(ctx context.Context, transactionID string) (*model.Payment, error) {
	return t.store.payments.GetByTransactionIDTx(ctx, t.tx, transactionID)
}

func (t *mysqlTx) InsertPayment(ctx context.Context, p *model.Payment) error {
	return t.store.payments.CreateTx(ctx, t.tx, p)
}

func (t *mysqlTx) PaymentsForBooking(ctx context.Context, bookingID uint64) ([]model.Payment, error) {
	return t.store.payments.ListByBookingTx(ctx, t.tx, bookingID)
}

func (t *mysqlTx) SettlePayment(ctx context.Context, p *model.Payment) error {
	return t.store.payments.SettleTx(ctx, t.tx, p)
}
