package booking

import (
	"context"
	"fmt"

	"github.com/iliyamo/cinema-ticketing/internal/model"
)

// HeldSeatReader lists the seats of a showtime held by PENDING or
// CONFIRMED bookings.
type HeldSeatReader interface {
	HeldSeatIDs(ctx context.Context, showtimeID uint64) ([]uint64, error)
}

// Inventory derives seat availability from booking state.  It only
// reads; the authoritative free check for a reservation runs inside the
// showtime lock in CreateBooking.
type Inventory struct {
	held    HeldSeatReader
	catalog Catalog
}

// NewInventory returns an Inventory over held and catalog.
func NewInventory(held HeldSeatReader, catalog Catalog) *Inventory {
	return &Inventory{held: held, catalog: catalog}
}

// SeatState is a seat of the screen with its hold flag.
type SeatState struct {
	model.Seat
	Held bool
}

// SeatMap is the availability of every seat of a showtime's screen.
type SeatMap struct {
	Showtime  *model.Showtime
	Seats     []SeatState
	Total     int
	Available int
}

// BookedSeatIDs returns the set of held seats of a showtime.
func (inv *Inventory) BookedSeatIDs(ctx context.Context, showtimeID uint64) (map[uint64]struct{}, error) {
	m, err := inv.SeatMap(ctx, showtimeID)
	if err != nil {
		return nil, err
	}
	set := make(map[uint64]struct{}, m.Total-m.Available)
	for _, s := range m.Seats {
		if s.Held {
			set[s.ID] = struct{}{}
		}
	}
	return set, nil
}

// AvailableSeats returns the number of free seats of a showtime.
func (inv *Inventory) AvailableSeats(ctx context.Context, showtimeID uint64) (int, error) {
	m, err := inv.SeatMap(ctx, showtimeID)
	if err != nil {
		return 0, err
	}
	return m.Available, nil
}

// SeatMap returns every seat of the showtime's screen with its hold flag.
// Held seat ids that are not on the screen are ignored, so Available plus
// the number of held seats always equals Total.
func (inv *Inventory) SeatMap(ctx context.Context, showtimeID uint64) (*SeatMap, error) {
	st, err := inv.catalog.GetShowtime(ctx, showtimeID)
	if err != nil {
		return nil, classify(err, "showtime not found")
	}
	seats, err := inv.catalog.GetSeats(ctx, st.ScreenID)
	if err != nil {
		return nil, fmt.Errorf("load seats: %w", err)
	}
	held, err := inv.held.HeldSeatIDs(ctx, showtimeID)
	if err != nil {
		return nil, fmt.Errorf("read held seats: %w", err)
	}
	heldSet := make(map[uint64]struct{}, len(held))
	for _, id := range held {
		heldSet[id] = struct{}{}
	}

	m := &SeatMap{Showtime: st, Seats: make([]SeatState, 0, len(seats)), Total: len(seats)}
	for _, seat := range seats {
		_, isHeld := heldSet[seat.ID]
		if !isHeld {
			m.Available++
		}
		m.Seats = append(m.Seats, SeatState{Seat: seat, Held: isHeld})
	}
	return m, nil
}
