// Package repository contains data access logic for the booking core.
// This file covers the catalog side: showtimes and the physical seats of
// a screen.  The booking flow treats these tables as read-only reference
// data; only the admin showtime endpoint writes to them.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/shopspring/decimal"
)

// CatalogRepo reads showtimes and seats.
type CatalogRepo struct {
	db *sql.DB
}

// NewCatalogRepo constructs a CatalogRepo with the given DB handle.
func NewCatalogRepo(db *sql.DB) *CatalogRepo {
	return &CatalogRepo{db: db}
}

const showtimeSelect = `SELECT st.id, st.movie_id, m.title, st.screen_id, st.start_time, st.end_time, st.base_price, st.is_3d
                        FROM showtimes st
                        JOIN movies m ON m.id = st.movie_id`

func scanShowtime(row interface{ Scan(...any) error }) (*model.Showtime, error) {
	var s model.Showtime
	if err := row.Scan(&s.ID, &s.MovieID, &s.MovieTitle, &s.ScreenID, &s.StartTime, &s.EndTime, &s.BasePrice, &s.Is3D); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// GetShowtime retrieves a showtime by its ID.  It returns ErrNotFound if
// there is no matching row.
func (r *CatalogRepo) GetShowtime(ctx context.Context, id uint64) (*model.Showtime, error) {
	return scanShowtime(r.db.QueryRowContext(ctx, showtimeSelect+` WHERE st.id = ?`, id))
}

// lockShowtimeTx takes an exclusive lock on the showtime row.  Every
// reservation for the showtime serialises on this lock.
func lockShowtimeTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Showtime, error) {
	return scanShowtime(tx.QueryRowContext(ctx, showtimeSelect+` WHERE st.id = ? FOR UPDATE OF st`, id))
}

// GetSeats returns the seats of the given screens ordered by screen, row
// and number.  An empty screen list yields an empty slice.
func (r *CatalogRepo) GetSeats(ctx context.Context, screenIDs ...uint64) ([]model.Seat, error) {
	seats := make([]model.Seat, 0)
	if len(screenIDs) == 0 {
		return seats, nil
	}
	args := make([]any, 0, len(screenIDs))
	placeholders := make([]string, 0, len(screenIDs))
	for _, id := range screenIDs {
		args = append(args, id)
		placeholders = append(placeholders, "?")
	}
	q := `SELECT id, screen_id, row_label, seat_number, seat_type FROM seats
	      WHERE screen_id IN (` + strings.Join(placeholders, ",") + `)
	      ORDER BY screen_id, row_label, seat_number`
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var s model.Seat
		var t string
		if err := rows.Scan(&s.ID, &s.ScreenID, &s.Row, &s.Number, &t); err != nil {
			return nil, err
		}
		if s.SeatType, err = model.ParseSeatType(t); err != nil {
			return nil, err
		}
		seats = append(seats, s)
	}
	return seats, rows.Err()
}

// NewShowtime carries the admin input for CreateShowtime.
type NewShowtime struct {
	MovieID   uint64
	ScreenID  uint64
	StartTime time.Time
	BasePrice decimal.Decimal
	Is3D      bool
}

// CreateShowtime inserts a showtime whose end time is derived from the
// movie's duration plus model.EndTimeBuffer.  A missing movie or screen
// yields ErrNotFound; a screen already busy in that window yields
// ErrShowtimeOverlap.  The screen row is locked so two admins cannot
// schedule into the same gap.
func (r *CatalogRepo) CreateShowtime(ctx context.Context, in NewShowtime) (*model.Showtime, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var durationMin int
	var title string
	err = tx.QueryRowContext(ctx, `SELECT title, duration_min FROM movies WHERE id = ?`, in.MovieID).Scan(&title, &durationMin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM screens WHERE id = ? FOR UPDATE`, in.ScreenID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	st := &model.Showtime{
		MovieID:    in.MovieID,
		MovieTitle: title,
		ScreenID:   in.ScreenID,
		StartTime:  in.StartTime.UTC(),
		EndTime:    model.ShowtimeEndTime(in.StartTime.UTC(), durationMin),
		BasePrice:  in.BasePrice.Round(2),
		Is3D:       in.Is3D,
	}
	var clash uint64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM showtimes WHERE screen_id = ? AND start_time < ? AND end_time > ? LIMIT 1`,
		st.ScreenID, st.EndTime, st.StartTime).Scan(&clash)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: showtime %d", ErrShowtimeOverlap, clash)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO showtimes (movie_id, screen_id, start_time, end_time, base_price, is_3d) VALUES (?, ?, ?, ?, ?, ?)`,
		st.MovieID, st.ScreenID, st.StartTime, st.EndTime, st.BasePrice, st.Is3D)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	st.ID = uint64(id)
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return st, nil
}
