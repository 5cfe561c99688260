package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EndTimeBuffer is added to the movie duration when a showtime's end
// time is derived (cleaning and trailers).
const EndTimeBuffer = 30 * time.Minute

// Showtime represents a screening of a movie on a specific screen at a
// specific start time.  BasePrice is the unmultiplied seat price; the
// pricing engine applies the seat class multiplier on top of it.
//
// Fields:
//
//	ID         – primary key identifier.
//	MovieID    – movie being screened.
//	MovieTitle – title, denormalised for notifications.
//	ScreenID   – screen hosting the showtime; seats must belong to it.
//	StartTime  – when the screening begins (UTC).
//	EndTime    – StartTime + movie duration + EndTimeBuffer.
//	BasePrice  – base seat price, 2 decimal places.
//	Is3D       – whether the screening is in 3D.
type Showtime struct {
	ID         uint64          // showtimes.id
	MovieID    uint64          // showtimes.movie_id
	MovieTitle string          // movies.title
	ScreenID   uint64          // showtimes.screen_id
	StartTime  time.Time       // showtimes.start_time
	EndTime    time.Time       // showtimes.end_time
	BasePrice  decimal.Decimal // showtimes.base_price
	Is3D       bool            // showtimes.is_3d
}

// ShowtimeEndTime derives the end of a screening from its start and the
// movie's running time in minutes.
func ShowtimeEndTime(start time.Time, durationMin int) time.Time {
	return start.Add(time.Duration(durationMin)*time.Minute + EndTimeBuffer)
}
