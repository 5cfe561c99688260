package model

import "fmt"

// SeatType is the class of a physical seat.  It feeds the pricing
// multiplier applied to a showtime's base price.
type SeatType string

const (
	SeatStandard   SeatType = "STANDARD"
	SeatVIP        SeatType = "VIP"
	SeatRecline    SeatType = "RECLINE"
	SeatWheelchair SeatType = "WHEELCHAIR"
	SeatCompanion  SeatType = "COMPANION"
)

// ParseSeatType validates a raw seats.seat_type value.
func ParseSeatType(s string) (SeatType, error) {
	switch t := SeatType(s); t {
	case SeatStandard, SeatVIP, SeatRecline, SeatWheelchair, SeatCompanion:
		return t, nil
	}
	return "", fmt.Errorf("unknown seat type %q", s)
}

// Seat describes a physical seat on a screen.  Seats are shared
// reference data: the booking flow never mutates them, it only
// associates them with bookings through BookedSeat lines.
//
// Fields:
//
//	ID       – primary key identifier.
//	ScreenID – screen to which this seat belongs.
//	Row      – row label (A, B, ...).
//	Number   – number of the seat within the row.
//	SeatType – class of the seat.
type Seat struct {
	ID       uint64   // seats.id
	ScreenID uint64   // seats.screen_id
	Row      string   // seats.row_label
	Number   uint32   // seats.seat_number
	SeatType SeatType // seats.seat_type
}

// Label returns the human readable seat label such as "C7".
func (s Seat) Label() string { return fmt.Sprintf("%s%d", s.Row, s.Number) }
