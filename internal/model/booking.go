package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingRefunded  BookingStatus = "REFUNDED"
)

// bookingTransitions lists every permitted status change.  CANCELLED and
// REFUNDED are terminal.
var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPending:   {BookingConfirmed, BookingCancelled},
	BookingConfirmed: {BookingRefunded},
}

// ParseBookingStatus validates a raw bookings.status value.
func ParseBookingStatus(s string) (BookingStatus, error) {
	switch st := BookingStatus(s); st {
	case BookingPending, BookingConfirmed, BookingCancelled, BookingRefunded:
		return st, nil
	}
	return "", fmt.Errorf("unknown booking status %q", s)
}

// CanTransition reports whether a booking may move from s to next.
func (s BookingStatus) CanTransition(next BookingStatus) bool {
	for _, allowed := range bookingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether a booking in this status holds its seats.
func (s BookingStatus) Active() bool {
	return s == BookingPending || s == BookingConfirmed
}

// ActiveBookingStatuses are the statuses that hold seats.
var ActiveBookingStatuses = []BookingStatus{BookingPending, BookingConfirmed}

// Booking is the aggregate root of a seat reservation.  A booking owns
// one or more BookedSeat lines created together with it.  TotalAmount is
// the sum of the rounded seat prices plus BookingFee.
//
// Fields:
//
//	ID          – primary key identifier.
//	UserID      – user who made the booking.
//	ShowtimeID  – showtime being booked.
//	Reference   – 12 character A-Z0-9 code used for lookup and support.
//	TotalAmount – seat prices plus fee.
//	BookingFee  – fixed per-booking fee.
//	Status      – lifecycle state.
//	Seats       – priced seat lines.
type Booking struct {
	ID          uint64          // bookings.id
	UserID      uint64          // bookings.user_id
	ShowtimeID  uint64          // bookings.showtime_id
	Reference   string          // bookings.booking_reference
	TotalAmount decimal.Decimal // bookings.total_amount
	BookingFee  decimal.Decimal // bookings.booking_fee
	Status      BookingStatus   // bookings.status
	Seats       []BookedSeat    // booked_seats rows
	CreatedAt   time.Time       // bookings.created_at
	UpdatedAt   time.Time       // bookings.updated_at
}

// SeatIDs returns the seat ids of the booking's lines in line order.
func (b *Booking) SeatIDs() []uint64 {
	ids := make([]uint64, 0, len(b.Seats))
	for _, s := range b.Seats {
		ids = append(ids, s.SeatID)
	}
	return ids
}

// BookedSeat is one priced seat line within a booking.  Price is the
// amount charged at booking time and does not follow later changes to
// the showtime's base price.
type BookedSeat struct {
	ID        uint64          // booked_seats.id
	BookingID uint64          // booked_seats.booking_id
	SeatID    uint64          // booked_seats.seat_id
	Price     decimal.Decimal // booked_seats.price
}
