package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-ticketing/internal/booking"
	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/repository"
)

// ShowtimeCreator schedules showtimes.  *repository.CatalogRepo implements it.
type ShowtimeCreator interface {
	CreateShowtime(ctx context.Context, in repository.NewShowtime) (*model.Showtime, error)
}

// ShowtimeHandler serves the public seat map and quote endpoints and the
// admin scheduling endpoint.
type ShowtimeHandler struct {
	Svc      *booking.Service
	Creator  ShowtimeCreator
	Currency string
	Log      *zap.Logger
}

func NewShowtimeHandler(svc *booking.Service, creator ShowtimeCreator, currency string, log *zap.Logger) *ShowtimeHandler {
	return &ShowtimeHandler{Svc: svc, Creator: creator, Currency: currency, Log: log}
}

// SeatMap handles GET /v1/showtimes/:id/seats.  Every seat of the screen
// is listed with its price and FREE or HELD status.
func (h *ShowtimeHandler) SeatMap(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid showtime id")
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	m, err := h.Svc.Inventory().SeatMap(ctx, id)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, toSeatMapResp(m))
}

type quoteReq struct {
	SeatIDs []uint64 `json:"seat_ids"`
}

// Quote handles POST /v1/showtimes/:id/quote.  The quote uses the same
// pricing as CreateBooking but reserves nothing.
func (h *ShowtimeHandler) Quote(c echo.Context) error {
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid showtime id")
	}
	var body quoteReq
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(body.SeatIDs) == 0 {
		return badRequest(c, "seat_ids is required")
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	q, err := h.Svc.Quote(ctx, id, body.SeatIDs)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, toQuoteResp(id, q, h.Currency))
}

type createShowtimeReq struct {
	MovieID   uint64 `json:"movie_id"`
	ScreenID  uint64 `json:"screen_id"`
	StartTime string `json:"start_time"`
	BasePrice string `json:"base_price"`
	Is3D      bool   `json:"is_3d"`
}

// Create handles POST /v1/admin/showtimes.  The end time is derived from
// the movie's running time, so clients only send the start.
func (h *ShowtimeHandler) Create(c echo.Context) error {
	var body createShowtimeReq
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.MovieID == 0 || body.ScreenID == 0 {
		return badRequest(c, "movie_id and screen_id are required")
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(body.StartTime))
	if err != nil {
		return badRequest(c, "invalid start_time format, expected RFC3339")
	}
	price, err := decimal.NewFromString(strings.TrimSpace(body.BasePrice))
	if err != nil || !price.IsPositive() {
		return badRequest(c, "base_price must be a positive amount")
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	st, err := h.Creator.CreateShowtime(ctx, repository.NewShowtime{
		MovieID:   body.MovieID,
		ScreenID:  body.ScreenID,
		StartTime: start,
		BasePrice: price,
		Is3D:      body.Is3D,
	})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "movie or screen not found"})
	case errors.Is(err, repository.ErrShowtimeOverlap):
		return c.JSON(http.StatusConflict, echo.Map{"error": "showtime overlaps an existing showtime on this screen"})
	case err != nil:
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, toShowtimeResp(st))
}
