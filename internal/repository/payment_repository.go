package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/cinema-ticketing/internal/model"
)

// PaymentRepo persists payment attempts.  The payments table is an
// attempt log: several rows may reference the same booking, and the
// unique key on transaction_id rejects a second row for the same
// provider transaction.
type PaymentRepo struct {
	db *sql.DB
}

// NewPaymentRepo returns a new PaymentRepo bound to the given database.
func NewPaymentRepo(db *sql.DB) *PaymentRepo { return &PaymentRepo{db: db} }

const paymentColumns = `id, booking_id, payment_method, amount, transaction_id, status, needs_refund, created_at`

func scanPayment(row interface{ Scan(...any) error }) (*model.Payment, error) {
	var p model.Payment
	var method, status string
	var txn sql.NullString
	if err := row.Scan(&p.ID, &p.BookingID, &method, &p.Amount, &txn, &status, &p.NeedsRefund, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Method = model.PaymentMethod(method)
	p.Status = model.PaymentStatus(status)
	if txn.Valid {
		t := txn.String
		p.TransactionID = &t
	}
	return &p, nil
}

func nullTransaction(p *model.Payment) sql.NullString {
	if p.TransactionID == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p.TransactionID, Valid: true}
}

// CreateTx inserts a payment attempt inside the caller's transaction.
func (r *PaymentRepo) CreateTx(ctx context.Context, tx *sql.Tx, p *model.Payment) error {
	const q = `INSERT INTO payments (booking_id, payment_method, amount, transaction_id, status, needs_refund) VALUES (?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, q, p.BookingID, string(p.Method), p.Amount, nullTransaction(p), string(p.Status), p.NeedsRefund)
	if err != nil {
		if isDuplicate(err, "uq_payments_transaction") {
			return ErrDuplicateTransaction
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = uint64(id)
	return tx.QueryRowContext(ctx, `SELECT created_at FROM payments WHERE id = ?`, p.ID).Scan(&p.CreatedAt)
}

// GetByTransactionIDTx looks a payment up by provider transaction id using
// a locking read, so a concurrent insert of the same id waits for this
// transaction to finish.
func (r *PaymentRepo) GetByTransactionIDTx(ctx context.Context, tx *sql.Tx, transactionID string) (*model.Payment, error) {
	return scanPayment(tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE transaction_id = ? FOR UPDATE`, transactionID))
}

// SettleTx records the provider's answer on an attempt.  RowsAffected is
// not checked because MySQL reports 0 for an update that changes nothing.
func (r *PaymentRepo) SettleTx(ctx context.Context, tx *sql.Tx, p *model.Payment) error {
	const q = `UPDATE payments SET transaction_id = ?, status = ?, needs_refund = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, q, nullTransaction(p), string(p.Status), p.NeedsRefund, p.ID); err != nil {
		if isDuplicate(err, "uq_payments_transaction") {
			return ErrDuplicateTransaction
		}
		return err
	}
	return nil
}

// ListByBookingTx returns the attempts of a booking and locks them for the
// rest of the transaction.
func (r *PaymentRepo) ListByBookingTx(ctx context.Context, tx *sql.Tx, bookingID uint64) ([]model.Payment, error) {
	return listPayments(ctx, tx, `SELECT `+paymentColumns+` FROM payments WHERE booking_id = ? ORDER BY id FOR UPDATE`, bookingID)
}

// ListByBooking returns every attempt recorded for a booking, oldest first.
func (r *PaymentRepo) ListByBooking(ctx context.Context, bookingID uint64) ([]model.Payment, error) {
	return listPayments(ctx, r.db, `SELECT `+paymentColumns+` FROM payments WHERE booking_id = ? ORDER BY id`, bookingID)
}

func listPayments(ctx context.Context, q querier, query string, args ...any) ([]model.Payment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]model.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}
