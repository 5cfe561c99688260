package handler

import (
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/cinema-ticketing/internal/booking"
	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/pricing"
)

// money renders an amount with exactly two decimals.
func money(d decimal.Decimal) string { return d.StringFixed(pricing.Places) }

type bookedSeatResp struct {
	SeatID uint64 `json:"seat_id"`
	Price  string `json:"price"`
}

type bookingResp struct {
	ID          uint64              `json:"id"`
	Reference   string              `json:"reference"`
	ShowtimeID  uint64              `json:"showtime_id"`
	Status      model.BookingStatus `json:"status"`
	TotalAmount string              `json:"total_amount"`
	BookingFee  string              `json:"booking_fee"`
	Seats       []bookedSeatResp    `json:"seats"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func toBookingResp(b *model.Booking) bookingResp {
	return bookingResp{
		ID:          b.ID,
		Reference:   b.Reference,
		ShowtimeID:  b.ShowtimeID,
		Status:      b.Status,
		TotalAmount: money(b.TotalAmount),
		BookingFee:  money(b.BookingFee),
		Seats: lo.Map(b.Seats, func(s model.BookedSeat, _ int) bookedSeatResp {
			return bookedSeatResp{SeatID: s.SeatID, Price: money(s.Price)}
		}),
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
}

type paymentResp struct {
	ID            uint64              `json:"id"`
	Method        model.PaymentMethod `json:"method"`
	Amount        string              `json:"amount"`
	TransactionID string              `json:"transaction_id,omitempty"`
	Status        model.PaymentStatus `json:"status"`
	NeedsRefund   bool                `json:"needs_refund,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

func toPaymentResp(p model.Payment) paymentResp {
	return paymentResp{
		ID:            p.ID,
		Method:        p.Method,
		Amount:        money(p.Amount),
		TransactionID: lo.FromPtr(p.TransactionID),
		Status:        p.Status,
		NeedsRefund:   p.NeedsRefund,
		CreatedAt:     p.CreatedAt,
	}
}

type quoteLineResp struct {
	SeatID   uint64         `json:"seat_id"`
	SeatType model.SeatType `json:"seat_type"`
	Price    string         `json:"price"`
}

type quoteResp struct {
	ShowtimeID uint64          `json:"showtime_id"`
	Lines      []quoteLineResp `json:"lines"`
	Subtotal   string          `json:"subtotal"`
	BookingFee string          `json:"booking_fee"`
	Total      string          `json:"total"`
	Currency   string          `json:"currency"`
}

func toQuoteResp(showtimeID uint64, q *pricing.Quote, currency string) quoteResp {
	return quoteResp{
		ShowtimeID: showtimeID,
		Lines: lo.Map(q.Lines, func(l pricing.Line, _ int) quoteLineResp {
			return quoteLineResp{SeatID: l.SeatID, SeatType: l.SeatType, Price: money(l.Price)}
		}),
		Subtotal:   money(q.Subtotal),
		BookingFee: money(q.BookingFee),
		Total:      money(q.Total),
		Currency:   currency,
	}
}

type seatResp struct {
	ID       uint64         `json:"id"`
	Label    string         `json:"label"`
	Row      string         `json:"row"`
	Number   uint32         `json:"number"`
	SeatType model.SeatType `json:"seat_type"`
	Price    string         `json:"price"`
	Status   string         `json:"status"`
}

type showtimeResp struct {
	ID         uint64    `json:"id"`
	MovieID    uint64    `json:"movie_id"`
	MovieTitle string    `json:"movie_title"`
	ScreenID   uint64    `json:"screen_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	BasePrice  string    `json:"base_price"`
	Is3D       bool      `json:"is_3d"`
}

func toShowtimeResp(st *model.Showtime) showtimeResp {
	return showtimeResp{
		ID:         st.ID,
		MovieID:    st.MovieID,
		MovieTitle: st.MovieTitle,
		ScreenID:   st.ScreenID,
		StartTime:  st.StartTime,
		EndTime:    st.EndTime,
		BasePrice:  money(st.BasePrice),
		Is3D:       st.Is3D,
	}
}

type seatMapResp struct {
	Showtime  showtimeResp `json:"showtime"`
	Seats     []seatResp   `json:"seats"`
	Total     int          `json:"total"`
	Available int          `json:"available"`
}

func toSeatMapResp(m *booking.SeatMap) seatMapResp {
	return seatMapResp{
		Showtime: toShowtimeResp(m.Showtime),
		Seats: lo.Map(m.Seats, func(s booking.SeatState, _ int) seatResp {
			return seatResp{
				ID:       s.ID,
				Label:    s.Label(),
				Row:      s.Row,
				Number:   s.Number,
				SeatType: s.SeatType,
				Price:    money(pricing.PriceSeat(m.Showtime.BasePrice, s.SeatType)),
				Status:   lo.Ternary(s.Held, "HELD", "FREE"),
			}
		}),
		Total:     m.Total,
		Available: m.Available,
	}
}
