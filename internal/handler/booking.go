package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-ticketing/internal/booking"
	"github.com/iliyamo/cinema-ticketing/internal/model"
)

// BookingHandler serves the customer booking endpoints.  Routes are
// expected to run behind JWTAuth.
type BookingHandler struct {
	Svc *booking.Service
	Log *zap.Logger
}

func NewBookingHandler(svc *booking.Service, log *zap.Logger) *BookingHandler {
	if svc == nil {
		panic("nil booking service passed to NewBookingHandler")
	}
	return &BookingHandler{Svc: svc, Log: log}
}

type createBookingReq struct {
	ShowtimeID uint64   `json:"showtime_id"`
	SeatIDs    []uint64 `json:"seat_ids"`
}

// Create handles POST /v1/bookings.  It reserves the seats as a PENDING
// booking and returns 201 with the priced booking.  Held or duplicate
// seats produce 400 with the offending seat_ids.
func (h *BookingHandler) Create(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var body createBookingReq
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.ShowtimeID == 0 {
		return badRequest(c, "showtime_id is required")
	}
	if len(body.SeatIDs) == 0 {
		return badRequest(c, "seat_ids is required")
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	b, err := h.Svc.CreateBooking(ctx, userID, body.ShowtimeID, body.SeatIDs)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusCreated, toBookingResp(b))
}

// List handles GET /v1/bookings and returns the caller's bookings, newest first.
func (h *BookingHandler) List(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	list, err := h.Svc.ListBookings(ctx, userID)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"bookings": lo.Map(list, func(b model.Booking, _ int) bookingResp { return toBookingResp(&b) }),
	})
}

// Get handles GET /v1/bookings/:id.  Bookings of other users are 404.
func (h *BookingHandler) Get(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid booking id")
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	b, err := h.Svc.GetBooking(ctx, id, userID)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, toBookingResp(b))
}

// GetByReference handles GET /v1/bookings/reference/:ref.
func (h *BookingHandler) GetByReference(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	ref := strings.ToUpper(strings.TrimSpace(c.Param("ref")))
	if !booking.ValidReference(ref) {
		return badRequest(c, "invalid booking reference")
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	b, err := h.Svc.GetByReference(ctx, ref, userID)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, toBookingResp(b))
}

// Cancel handles POST /v1/bookings/:id/cancel.  Cancelling inside the
// cutoff window, or a booking that is no longer PENDING, is 400.
func (h *BookingHandler) Cancel(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid booking id")
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	b, err := h.Svc.CancelBooking(ctx, id, userID)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"id": b.ID, "status": b.Status})
}

type payReq struct {
	PaymentMethodRef string `json:"payment_method_ref"`
	Method           string `json:"method"`
}

// Pay handles POST /v1/bookings/:id/payments.
//
//	200 {success: true, transaction_id, booking}   charge succeeded
//	202 {requires_action: true, continuation_token} customer action needed
//	402 {success: false, failure_reason}            charge declined
//	502 {retryable: true}                           provider unavailable
func (h *BookingHandler) Pay(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid booking id")
	}
	var body payReq
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	method, err := model.ParsePaymentMethod(strings.ToUpper(strings.TrimSpace(body.Method)))
	if err != nil {
		return badRequest(c, err.Error())
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	res, err := h.Svc.Pay(ctx, id, userID, booking.PayRequest{
		PaymentMethodRef: strings.TrimSpace(body.PaymentMethodRef),
		Method:           method,
	})
	if err != nil {
		return writeError(c, h.Log, err)
	}
	switch {
	case res.RequiresAction:
		return c.JSON(http.StatusAccepted, echo.Map{
			"requires_action":    true,
			"continuation_token": res.ContinuationToken,
			"transaction_id":     res.TransactionID,
		})
	case !res.Success:
		return c.JSON(http.StatusPaymentRequired, echo.Map{
			"success":        false,
			"failure_reason": res.FailureReason,
			"transaction_id": res.TransactionID,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":        true,
		"transaction_id": res.TransactionID,
		"booking":        toBookingResp(res.Booking),
	})
}

// Payments handles GET /v1/bookings/:id/payments and lists every attempt.
func (h *BookingHandler) Payments(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	id, ok := parseID(c, "id")
	if !ok {
		return badRequest(c, "invalid booking id")
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	list, err := h.Svc.ListPayments(ctx, id, userID)
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"payments": lo.Map(list, func(p model.Payment, _ int) paymentResp { return toPaymentResp(p) })})
}

type promoReq struct {
	BookingID uint64 `json:"booking_id"`
	Code      string `json:"code"`
}

// PromoCode handles POST /v1/bookings/promo-code.  Promotions are not
// implemented; the route answers 501 so clients get an explicit signal.
func (h *BookingHandler) PromoCode(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var body promoReq
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	err = h.Svc.ApplyPromoCode(c.Request().Context(), body.BookingID, userID, body.Code)
	if errors.Is(err, booking.ErrPromoCodesUnsupported) {
		return c.JSON(http.StatusNotImplemented, echo.Map{"error": "promo codes are not yet specified"})
	}
	if err != nil {
		return writeError(c, h.Log, err)
	}
	return c.NoContent(http.StatusNoContent)
}
