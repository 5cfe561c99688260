// Package pricing computes seat prices and booking totals.  All arithmetic
// is exact decimal; every seat price is rounded to cents (half up) before
// it is summed so that a quote and a charge for the same seats always
// agree to the cent.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/iliyamo/cinema-ticketing/internal/model"
)

// Places is the number of decimal places kept for currency amounts.
const Places = 2

var (
	vipMultiplier     = decimal.RequireFromString("1.5")
	reclineMultiplier = decimal.RequireFromString("1.3")
)

// Multiplier returns the factor applied to the base price for a seat type.
func Multiplier(t model.SeatType) decimal.Decimal {
	switch t {
	case model.SeatVIP:
		return vipMultiplier
	case model.SeatRecline:
		return reclineMultiplier
	default:
		return decimal.NewFromInt(1)
	}
}

// round applies half-up rounding to two places.  decimal.Round rounds half
// away from zero, which is half up for the non-negative amounts used here.
func round(d decimal.Decimal) decimal.Decimal { return d.Round(Places) }

// PriceSeat returns the charge for a single seat of the given type.
func PriceSeat(basePrice decimal.Decimal, t model.SeatType) decimal.Decimal {
	return round(basePrice.Mul(Multiplier(t)))
}

// TotalFor sums already rounded seat prices and adds the booking fee.
func TotalFor(seatPrices []decimal.Decimal, bookingFee decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, p := range seatPrices {
		total = total.Add(round(p))
	}
	return round(total.Add(round(bookingFee)))
}

// Line is one priced seat in a quote.
type Line struct {
	SeatID   uint64          `json:"seat_id"`
	SeatType model.SeatType  `json:"seat_type"`
	Price    decimal.Decimal `json:"price"`
}

// Quote is the priced breakdown for a set of seats.  It is what the quote
// endpoint displays and exactly what CreateBooking persists.
type Quote struct {
	Lines      []Line          `json:"lines"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	BookingFee decimal.Decimal `json:"booking_fee"`
	Total      decimal.Decimal `json:"total"`
}

// NewQuote prices seats in the order given.
func NewQuote(basePrice decimal.Decimal, seats []model.Seat, bookingFee decimal.Decimal) Quote {
	q := Quote{Lines: make([]Line, 0, len(seats)), Subtotal: decimal.Zero, BookingFee: round(bookingFee)}
	prices := make([]decimal.Decimal, 0, len(seats))
	for _, s := range seats {
		p := PriceSeat(basePrice, s.SeatType)
		prices = append(prices, p)
		q.Lines = append(q.Lines, Line{SeatID: s.ID, SeatType: s.SeatType, Price: p})
		q.Subtotal = q.Subtotal.Add(p)
	}
	q.Total = TotalFor(prices, bookingFee)
	return q
}
