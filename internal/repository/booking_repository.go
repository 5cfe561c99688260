package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/iliyamo/cinema-ticketing/internal/model"
)

// BookingRepo provides CRUD operations for bookings and their seat lines.
// Bookings group together one or more seats for a particular showtime and
// user.  Seats booked under a booking are stored in the booked_seats
// table.  All timestamp fields are assumed to be stored in UTC.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a new BookingRepo bound to the given database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

const bookingColumns = `id, user_id, showtime_id, booking_reference, total_amount, booking_fee, status, created_at, updated_at`

// scanBooking reads one bookings row selected with bookingColumns.
func scanBooking(row interface{ Scan(...any) error }) (*model.Booking, error) {
	var b model.Booking
	var status string
	if err := row.Scan(
		&b.ID, &b.UserID, &b.ShowtimeID, &b.Reference, &b.TotalAmount, &b.BookingFee,
		&status, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st, err := model.ParseBookingStatus(status)
	if err != nil {
		return nil, err
	}
	b.Status = st
	return &b, nil
}

// CreateTx inserts a new booking within the scope of an existing
// transaction.  It populates the generated ID and DB-default timestamps
// on the provided booking.  A collision on booking_reference is reported
// as ErrDuplicateReference; MySQL keeps the transaction usable after a
// duplicate key error so the caller may retry with a new reference.
func (r *BookingRepo) CreateTx(ctx context.Context, tx *sql.Tx, b *model.Booking) error {
	const q = `INSERT INTO bookings (user_id, showtime_id, booking_reference, total_amount, booking_fee, status)
	           VALUES (?, ?, ?, ?, ?, ?)`
	result, err := tx.ExecContext(ctx, q, b.UserID, b.ShowtimeID, b.Reference, b.TotalAmount, b.BookingFee, string(b.Status))
	if err != nil {
		if isDuplicate(err, "uq_bookings_reference") {
			return ErrDuplicateReference
		}
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)
	// Query back the row to populate timestamps.
	const sel = `SELECT created_at, updated_at FROM bookings WHERE id = ?`
	return tx.QueryRowContext(ctx, sel, b.ID).Scan(&b.CreatedAt, &b.UpdatedAt)
}

// CreateSeatsBulkTx inserts multiple booked_seats rows in a single
// statement.  The showtime id is denormalised onto each line so the held
// seat query does not need to join through bookings for the showtime
// filter.  IDs are assigned from the first insert id, which MySQL
// guarantees to be consecutive for a single multi-row INSERT.
func (r *BookingRepo) CreateSeatsBulkTx(ctx context.Context, tx *sql.Tx, bookingID, showtimeID uint64, seats []model.BookedSeat) error {
	if len(seats) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO booked_seats (booking_id, showtime_id, seat_id, price) VALUES `)
	args := make([]any, 0, len(seats)*4)
	for i, s := range seats {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString("(?, ?, ?, ?)")
		args = append(args, bookingID, showtimeID, s.SeatID, s.Price)
	}
	res, err := tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return err
	}
	first, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for i := range seats {
		seats[i].ID = uint64(first) + uint64(i)
		seats[i].BookingID = bookingID
	}
	return nil
}

// HeldSeatIDs returns the seat ids of showtimeID held by a PENDING or
// CONFIRMED booking.  When q is a transaction the query observes every
// booking committed before the caller acquired its showtime lock.
func (r *BookingRepo) HeldSeatIDs(ctx context.Context, q querier, showtimeID uint64) ([]uint64, error) {
	const sel = `SELECT bs.seat_id
	             FROM booked_seats bs
	             JOIN bookings b ON b.id = bs.booking_id
	             WHERE bs.showtime_id = ? AND b.status IN ('PENDING', 'CONFIRMED')`
	rows, err := q.QueryContext(ctx, sel, showtimeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]uint64, 0)
	for rows.Next() {
		var sid uint64
		if err := rows.Scan(&sid); err != nil {
			return nil, err
		}
		ids = append(ids, sid)
	}
	return ids, rows.Err()
}

// GetForUpdateTx loads a booking and takes an exclusive row lock on it for
// the remainder of the transaction.
func (r *BookingRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Booking, error) {
	b, err := scanBooking(tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ? FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if b.Seats, err = r.seats(ctx, tx, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

// UpdateStatusTx sets the status of a booking.
func (r *BookingRepo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id uint64, status model.BookingStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE bookings SET status = ?, updated_at = UTC_TIMESTAMP() WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID returns a booking with its seat lines.
func (r *BookingRepo) GetByID(ctx context.Context, id uint64) (*model.Booking, error) {
	b, err := scanBooking(r.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if b.Seats, err = r.seats(ctx, r.db, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

// GetByReference returns a booking by its human readable reference.
func (r *BookingRepo) GetByReference(ctx context.Context, ref string) (*model.Booking, error) {
	b, err := scanBooking(r.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE booking_reference = ?`, ref))
	if err != nil {
		return nil, err
	}
	if b.Seats, err = r.seats(ctx, r.db, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

// ListByUser returns all bookings of a user, newest first, with seat
// lines populated.  When no bookings exist, an empty slice is returned.
func (r *BookingRepo) ListByUser(ctx context.Context, userID uint64) ([]model.Booking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]model.Booking, 0)
	index := make(map[uint64]int)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		b.Seats = []model.BookedSeat{}
		index[b.ID] = len(list)
		list = append(list, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return list, nil
	}
	// Populate seats for all bookings in a single query.
	ids := make([]any, 0, len(list))
	placeholders := make([]string, 0, len(list))
	for _, b := range list {
		ids = append(ids, b.ID)
		placeholders = append(placeholders, "?")
	}
	srows, err := r.db.QueryContext(ctx,
		`SELECT id, booking_id, seat_id, price FROM booked_seats
		 WHERE booking_id IN (`+strings.Join(placeholders, ",")+`)
		 ORDER BY booking_id, id`, ids...)
	if err != nil {
		return nil, err
	}
	defer srows.Close()
	for srows.Next() {
		var s model.BookedSeat
		if err := srows.Scan(&s.ID, &s.BookingID, &s.SeatID, &s.Price); err != nil {
			return nil, err
		}
		if idx, ok := index[s.BookingID]; ok {
			list[idx].Seats = append(list[idx].Seats, s)
		}
	}
	return list, srows.Err()
}

// seats loads the lines of one booking in insertion order.
func (r *BookingRepo) seats(ctx context.Context, q querier, bookingID uint64) ([]model.BookedSeat, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, booking_id, seat_id, price FROM booked_seats WHERE booking_id = ? ORDER BY id`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	seats := make([]model.BookedSeat, 0)
	for rows.Next() {
		var s model.BookedSeat
		if err := rows.Scan(&s.ID, &s.BookingID, &s.SeatID, &s.Price); err != nil {
			return nil, err
		}
		seats = append(seats, s)
	}
	return seats, rows.Err()
}
