// Package router wires handlers and middleware onto the echo instance.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/cinema-ticketing/internal/handler"
	"github.com/iliyamo/cinema-ticketing/internal/middleware"
)

// RegisterRoutes registers the unauthenticated operational endpoints.
// ready may be nil, in which case /readyz is not mounted.
func RegisterRoutes(e *echo.Echo, ready handler.Pinger) {
	e.GET("/healthz", handler.Health)
	if ready != nil {
		e.GET("/readyz", handler.Ready(ready))
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterAuth registers register/login under /v1/auth and the protected
// /v1/me endpoint.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string) {
	g := e.Group("/v1/auth")
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)

	e.GET("/v1/me", a.Me,
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(handler.RoleCustomer, handler.RoleAdmin))
}

// RegisterPublic registers guest endpoints: seat maps and price quotes.
func RegisterPublic(e *echo.Echo, s *handler.ShowtimeHandler) {
	e.GET("/v1/showtimes/:id/seats", s.SeatMap)
	e.POST("/v1/showtimes/:id/quote", s.Quote)
}

// RegisterWebhooks registers provider callbacks.  They carry their own
// signature and must not sit behind JWTAuth or the rate limiter.
func RegisterWebhooks(e *echo.Echo, w *handler.WebhookHandler) {
	e.POST("/v1/bookings/webhook", w.Stripe)
}

// RegisterCustomer registers the booking endpoints under /v1/bookings.
// All routes require a valid JWT.  limit runs after authentication so
// buckets can be keyed per user; idem only wraps the payment route.
func RegisterCustomer(e *echo.Echo, h *handler.BookingHandler, jwtSecret string, limit, idem echo.MiddlewareFunc) {
	g := e.Group("/v1/bookings",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(handler.RoleCustomer, handler.RoleAdmin),
		limit,
	)
	g.POST("", h.Create)
	g.GET("", h.List)
	g.POST("/promo-code", h.PromoCode)
	g.GET("/reference/:ref", h.GetByReference)
	g.GET("/:id", h.Get)
	g.POST("/:id/cancel", h.Cancel)
	g.POST("/:id/payments", h.Pay, idem)
	g.GET("/:id/payments", h.Payments)
}

// RegisterAdmin registers ADMIN-scoped endpoints under /v1/admin.
func RegisterAdmin(e *echo.Echo, s *handler.ShowtimeHandler, jwtSecret string) {
	g := e.Group("/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(handler.RoleAdmin),
	)
	g.POST("/showtimes", s.Create)
}
