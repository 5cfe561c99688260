package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/cinema-ticketing/internal/model"
)

// BookingTx is the set of reads and writes available inside a store
// transaction opened by WithShowtimeLock or WithBookingLock.  Writes made
// through a BookingTx become visible to other callers only when the
// transaction commits; if the callback returns an error none of them are
// applied.
type BookingTx interface {
	// HeldSeatIDs returns the seats of showtimeID that belong to a
	// PENDING or CONFIRMED booking, including writes staged in this
	// transaction.
	HeldSeatIDs(ctx context.Context, showtimeID uint64) ([]uint64, error)
	// InsertBooking stores b and populates its ID and timestamps.  It
	// returns ErrDuplicateReference when b.Reference is already taken.
	InsertBooking(ctx context.Context, b *model.Booking) error
	// InsertBookedSeats stores the seat lines of a booking and populates
	// their IDs.
	InsertBookedSeats(ctx context.Context, bookingID uint64, seats []model.BookedSeat) error
	// UpdateBookingStatus sets the status of a booking.
	UpdateBookingStatus(ctx context.Context, bookingID uint64, status model.BookingStatus) error
	// PaymentByTransactionID returns ErrNotFound when no payment carries
	// the transaction id.
	PaymentByTransactionID(ctx context.Context, transactionID string) (*model.Payment, error)
	// PaymentsForBooking returns the attempts of a booking oldest first,
	// including writes staged in this transaction.
	PaymentsForBooking(ctx context.Context, bookingID uint64) ([]model.Payment, error)
	// InsertPayment stores a payment attempt.  It returns
	// ErrDuplicateTransaction when the transaction id is already recorded.
	InsertPayment(ctx context.Context, p *model.Payment) error
	// SettlePayment writes the transaction id, status and refund flag of
	// the recorded attempt p.ID.  It returns ErrDuplicateTransaction when
	// another attempt already carries the transaction id.
	SettlePayment(ctx context.Context, p *model.Payment) error
}

// querier is satisfied by both *sql.DB and *sql.Tx so read helpers can run
// inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
