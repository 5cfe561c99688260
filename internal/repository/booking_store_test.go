package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-ticketing/internal/model"
)

var stamp = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*BookingStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBookingStore(db, NewBookingRepo(db), NewPaymentRepo(db)), mock
}

func duplicateEntry(key string) error {
	return &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'x' for key '" + key + "'"}
}

// expectBookingLock queues the locking read of booking 7 and its seats.
func expectBookingLock(mock sqlmock.Sqlmock, status model.BookingStatus) {
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + bookingColumns + ` FROM bookings WHERE id = ? FOR UPDATE`)).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "showtime_id", "booking_reference", "total_amount", "booking_fee", "status", "created_at", "updated_at"}).
			AddRow(7, 1, 3, "CIN-7K2Q9X", "21.00", "1.00", string(status), stamp, stamp))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, booking_id, seat_id, price FROM booked_seats WHERE booking_id = ?`)).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"id", "booking_id", "seat_id", "price"}).
			AddRow(70, 7, 11, "20.00"))
}

func TestWithBookingLock_RollsBackWhenCallbackFails(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	expectBookingLock(mock, model.BookingPending)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE bookings SET status = ?`)).
		WithArgs("CANCELLED", 7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := store.WithBookingLock(context.Background(), 7, func(tx BookingTx, b *model.Booking) error {
		assert.Equal(t, "CIN-7K2Q9X", b.Reference)
		assert.True(t, decimal.RequireFromString("21").Equal(b.TotalAmount))
		require.Len(t, b.Seats, 1)
		require.NoError(t, tx.UpdateBookingStatus(context.Background(), b.ID, model.BookingCancelled))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithBookingLock_CommitsAndLocksPayments(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	expectBookingLock(mock, model.BookingPending)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM payments WHERE booking_id = ? ORDER BY id FOR UPDATE`)).
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"id", "booking_id", "payment_method", "amount", "transaction_id", "status", "needs_refund", "created_at"}).
			AddRow(1, 7, "STRIPE", "21.00", nil, "PENDING", false, stamp))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE payments SET transaction_id = ?, status = ?, needs_refund = ? WHERE id = ?`)).
		WithArgs("pi_1", "COMPLETED", false, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithBookingLock(context.Background(), 7, func(tx BookingTx, b *model.Booking) error {
		payments, err := tx.PaymentsForBooking(context.Background(), b.ID)
		require.NoError(t, err)
		require.Len(t, payments, 1)
		assert.Nil(t, payments[0].TransactionID)
		assert.Equal(t, model.PaymentPending, payments[0].Status)

		p := payments[0]
		txn := "pi_1"
		p.TransactionID, p.Status = &txn, model.PaymentCompleted
		return tx.SettlePayment(context.Background(), &p)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithBookingLock_UnknownBooking(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM bookings WHERE id = ? FOR UPDATE`)).
		WithArgs(7).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	called := false
	err := store.WithBookingLock(context.Background(), 7, func(BookingTx, *model.Booking) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithShowtimeLock_LocksShowtimeRow(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectQuery(`WHERE st\.id = \? FOR UPDATE OF st`).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "movie_id", "title", "screen_id", "start_time", "end_time", "base_price", "is_3d"}).
			AddRow(3, 1, "Arrival", 10, stamp.Add(3*time.Hour), stamp.Add(5*time.Hour), "10.00", false))
	mock.ExpectRollback()

	err := store.WithShowtimeLock(context.Background(), 3, func(_ BookingTx, st *model.Showtime) error {
		assert.Equal(t, "Arrival", st.MovieTitle)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeldSeatIDs_CountsOnlyActiveBookings(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`WHERE bs\.showtime_id = \? AND b\.status IN \('PENDING', 'CONFIRMED'\)`).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"seat_id"}).AddRow(11).AddRow(12))

	ids, err := store.HeldSeatIDs(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{11, 12}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBookingCreateTx_DuplicateReference(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewBookingRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bookings`)).
		WillReturnError(duplicateEntry("bookings.uq_bookings_reference"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO bookings`)).
		WillReturnError(duplicateEntry("PRIMARY"))
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)
	b := &model.Booking{UserID: 1, ShowtimeID: 3, Reference: "CIN-7K2Q9X", Status: model.BookingPending}

	assert.ErrorIs(t, repo.CreateTx(context.Background(), tx, b), ErrDuplicateReference)
	err = repo.CreateTx(context.Background(), tx, b)
	assert.NotErrorIs(t, err, ErrDuplicateReference, "only the reference key means retry with a new reference")
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentWrites_DuplicateTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPaymentRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO payments`)).
		WillReturnError(duplicateEntry("payments.uq_payments_transaction"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE payments SET transaction_id = ?`)).
		WillReturnError(duplicateEntry("payments.uq_payments_transaction"))
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)
	txn := "pi_1"
	p := &model.Payment{ID: 2, BookingID: 7, Method: model.PaymentStripe, Amount: decimal.RequireFromString("21"), TransactionID: &txn, Status: model.PaymentCompleted}

	assert.ErrorIs(t, repo.CreateTx(context.Background(), tx, p), ErrDuplicateTransaction)
	assert.ErrorIs(t, repo.SettleTx(context.Background(), tx, p), ErrDuplicateTransaction)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsDuplicate(t *testing.T) {
	assert.True(t, isDuplicate(duplicateEntry("uq_bookings_reference"), "uq_bookings_reference"))
	assert.True(t, isDuplicate(duplicateEntry("uq_bookings_reference"), ""))
	assert.False(t, isDuplicate(duplicateEntry("uq_payments_transaction"), "uq_bookings_reference"))
	assert.False(t, isDuplicate(&mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, ""))
	assert.False(t, isDuplicate(errors.New("Duplicate entry"), ""))
}
