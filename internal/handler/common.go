// Package handler holds the echo HTTP handlers.  Handlers translate JSON
// to service calls and booking errors to status codes; they hold no
// business rules of their own.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-ticketing/internal/booking"
	"github.com/iliyamo/cinema-ticketing/internal/middleware"
)

const requestTimeout = 10 * time.Second

func requestContext(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), requestTimeout)
}

// getUserID returns the authenticated user id stored by the JWT middleware.
func getUserID(c echo.Context) (uint64, error) {
	if id, ok := middleware.UserID(c); ok {
		return id, nil
	}
	return 0, errors.New("invalid user_id in context")
}

// parseID reads a positive numeric path parameter.
func parseID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	return id, err == nil && id > 0
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": msg})
}

// statusFor maps a booking error kind to an HTTP status.
func statusFor(k booking.Kind) int {
	switch k {
	case booking.KindValidation, booking.KindConflict, booking.KindInvalidState, booking.KindTooLate:
		return http.StatusBadRequest
	case booking.KindNotFound:
		return http.StatusNotFound
	case booking.KindForbidden:
		return http.StatusForbidden
	case booking.KindExternalFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError renders err.  Classified booking errors keep their message;
// anything else is logged and hidden behind a generic 500.
func writeError(c echo.Context, log *zap.Logger, err error) error {
	var be *booking.Error
	if !errors.As(err, &be) {
		log.Error("request failed",
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	body := echo.Map{"error": be.Message, "kind": be.Kind}
	if len(be.SeatIDs) > 0 {
		body["seat_ids"] = be.SeatIDs
	}
	if be.Kind == booking.KindExternalFailure {
		body["retryable"] = true
		log.Warn("external dependency failed", zap.String("route", c.Path()), zap.Error(err))
	}
	return c.JSON(statusFor(be.Kind), body)
}
