package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/cinema-ticketing/internal/booking"
	"github.com/iliyamo/cinema-ticketing/internal/config"
	"github.com/iliyamo/cinema-ticketing/internal/database"
	"github.com/iliyamo/cinema-ticketing/internal/handler"
	"github.com/iliyamo/cinema-ticketing/internal/logger"
	"github.com/iliyamo/cinema-ticketing/internal/middleware"
	"github.com/iliyamo/cinema-ticketing/internal/payment"
	"github.com/iliyamo/cinema-ticketing/internal/queue"
	"github.com/iliyamo/cinema-ticketing/internal/repository"
	"github.com/iliyamo/cinema-ticketing/internal/router"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		ServiceName: "cinema-ticketing",
		Development: cfg.Development(),
	})
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	db, err := database.Open(ctx, database.Config{
		User: cfg.DBUser,
		Pass: cfg.DBPass,
		Host: cfg.DBHost,
		Port: cfg.DBPort,
		Name: cfg.DBName,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := database.ApplySchema(ctx, db); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	rdb := config.NewRedisClient(cfg.Redis)
	if rdb == nil {
		log.Warn("redis unreachable, rate limiting and idempotent replay disabled", zap.String("addr", cfg.Redis.Addr))
	} else {
		defer func() { _ = rdb.Close() }()
	}

	gateway, err := payment.NewGateway(cfg.PaymentGateway, cfg.StripeSecretKey)
	if err != nil {
		return fmt.Errorf("payment gateway: %w", err)
	}
	if cfg.StripeWebhookSecret == "" {
		log.Warn("STRIPE_WEBHOOK_SECRET not set, every webhook will be rejected")
	}

	bookings := repository.NewBookingRepo(db)
	payments := repository.NewPaymentRepo(db)
	store := repository.NewBookingStore(db, bookings, payments)
	catalog := repository.NewCatalogRepo(db)
	users := repository.NewUserRepo(db)

	publisher := queue.NewPublisher(cfg.RabbitMQURL, log)
	consumer := queue.NewConsumer(cfg.RabbitMQURL, queue.LogMailer{Log: log.Named("mailer")}, log)

	svc := booking.NewService(booking.Config{
		BookingFee:            cfg.BookingFee,
		CancelCutoff:          cfg.CancelCutoff,
		Currency:              cfg.Currency,
		PaymentAttemptTimeout: cfg.PaymentAttemptTimeout,
	}, store, catalog, gateway, publisher, users, log)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.RequestID())
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(log))

	showtimes := handler.NewShowtimeHandler(svc, catalog, cfg.Currency, log)
	router.RegisterRoutes(e, db)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, users, log), cfg.JWTSecret)
	router.RegisterPublic(e, showtimes)
	router.RegisterWebhooks(e, handler.NewWebhookHandler(svc, cfg.StripeWebhookSecret, log))
	router.RegisterCustomer(e, handler.NewBookingHandler(svc, log), cfg.JWTSecret,
		middleware.NewTokenBucket(cfg.RateLimit, rdb, log),
		middleware.NewIdempotency(cfg.Idempotency, rdb, log))
	router.RegisterAdmin(e, showtimes, cfg.JWTSecret)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return publisher.Run(ctx) })
	g.Go(func() error { return consumer.Run(ctx) })
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env), zap.String("gateway", gateway.Name()))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
