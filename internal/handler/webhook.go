package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-ticketing/internal/booking"
	"github.com/iliyamo/cinema-ticketing/internal/payment"
)

// maxWebhookBytes caps the payload read before the signature is checked.
const maxWebhookBytes = 64 << 10

// WebhookHandler receives payment provider callbacks.  It is mounted
// without JWTAuth; the signature is the only credential.
type WebhookHandler struct {
	Svc    *booking.Service
	Secret string
	Log    *zap.Logger
}

func NewWebhookHandler(svc *booking.Service, secret string, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{Svc: svc, Secret: secret, Log: log}
}

// Stripe handles POST /v1/bookings/webhook.  A bad signature is 400 and
// changes nothing.  Events that can never apply (no booking metadata,
// unknown booking, booking no longer payable) are acknowledged with 200 so
// the provider stops retrying; storage failures are 500 so it retries.
func (h *WebhookHandler) Stripe(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBytes+1))
	if err != nil {
		return badRequest(c, "unreadable body")
	}
	if len(payload) > maxWebhookBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{"error": "payload too large"})
	}

	ev, err := payment.ParseWebhook(payload, c.Request().Header.Get("Stripe-Signature"), h.Secret)
	switch {
	case errors.Is(err, payment.ErrInvalidSignature):
		h.Log.Warn("webhook rejected", zap.Error(err))
		return badRequest(c, "invalid signature")
	case errors.Is(err, payment.ErrUnhandledEvent):
		return c.JSON(http.StatusOK, echo.Map{"received": true, "ignored": true})
	case errors.Is(err, payment.ErrMissingBooking):
		h.Log.Warn("webhook event without booking ignored", zap.Error(err))
		return c.JSON(http.StatusOK, echo.Map{"received": true, "ignored": true})
	case err != nil:
		return badRequest(c, err.Error())
	}

	ctx, cancel := requestContext(c)
	defer cancel()
	res, err := h.Svc.ApplyPaymentOutcome(ctx, booking.PaymentOutcome{
		BookingID:     ev.BookingID,
		TransactionID: ev.TransactionID,
		Outcome:       ev.Outcome,
		Source:        booking.SourceWebhook,
	})
	if err != nil {
		switch booking.KindOf(err) {
		case booking.KindNotFound, booking.KindInvalidState, booking.KindConflict:
			h.Log.Warn("webhook event not applicable",
				zap.String("event_id", ev.EventID),
				zap.Uint64("booking_id", ev.BookingID),
				zap.Error(err))
			return c.JSON(http.StatusOK, echo.Map{"received": true, "applied": false})
		}
		return writeError(c, h.Log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"received":  true,
		"applied":   res.Applied,
		"duplicate": res.Duplicate,
	})
}
