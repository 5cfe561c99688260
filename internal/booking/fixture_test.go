package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/iliyamo/cinema-ticketing/internal/payment"
	"github.com/iliyamo/cinema-ticketing/internal/repository"
)

const (
	alice uint64 = 1
	bob   uint64 = 2

	screenID       uint64 = 10
	otherScreenID  uint64 = 20
	showtimeLater  uint64 = 100 // starts in 3 hours
	showtimeSoon   uint64 = 101 // starts in 90 minutes
	foreignSeatID  uint64 = 99
	screenCapacity        = 6
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type sentNotification struct {
	recipient string
	kind      string
	params    map[string]string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Send(_ context.Context, recipient, kind string, params map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{recipient: recipient, kind: kind, params: params})
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.kind)
	}
	return out
}

type staticRecipients map[uint64]string

func (r staticRecipients) EmailFor(_ context.Context, userID uint64) (string, error) {
	if e, ok := r[userID]; ok {
		return e, nil
	}
	return "", errors.New("unknown user")
}

type fixture struct {
	store    *repository.MemoryStore
	svc      *Service
	gateway  *payment.SimulatedGateway
	notifier *recordingNotifier
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	store.AddShowtime(model.Showtime{
		ID: showtimeLater, MovieID: 1, MovieTitle: "Arrival", ScreenID: screenID,
		StartTime: fixedNow.Add(3 * time.Hour), EndTime: fixedNow.Add(5 * time.Hour),
		BasePrice: decimal.RequireFromString("10.00"),
	})
	store.AddShowtime(model.Showtime{
		ID: showtimeSoon, MovieID: 1, MovieTitle: "Arrival", ScreenID: screenID,
		StartTime: fixedNow.Add(90 * time.Minute), EndTime: fixedNow.Add(4 * time.Hour),
		BasePrice: decimal.RequireFromString("10.00"),
	})
	store.AddSeats(
		model.Seat{ID: 1, ScreenID: screenID, Row: "A", Number: 1, SeatType: model.SeatStandard},
		model.Seat{ID: 2, ScreenID: screenID, Row: "A", Number: 2, SeatType: model.SeatVIP},
		model.Seat{ID: 3, ScreenID: screenID, Row: "A", Number: 3, SeatType: model.SeatRecline},
		model.Seat{ID: 4, ScreenID: screenID, Row: "B", Number: 1, SeatType: model.SeatWheelchair},
		model.Seat{ID: 5, ScreenID: screenID, Row: "B", Number: 2, SeatType: model.SeatCompanion},
		model.Seat{ID: 6, ScreenID: screenID, Row: "B", Number: 3, SeatType: model.SeatStandard},
		model.Seat{ID: foreignSeatID, ScreenID: otherScreenID, Row: "Z", Number: 1, SeatType: model.SeatStandard},
	)

	cfg := DefaultConfig()
	cfg.Now = func() time.Time { return fixedNow }
	for _, m := range mutate {
		m(&cfg)
	}
	store.SetClock(cfg.Now)
	gw := payment.NewSimulatedGateway()
	notifier := &recordingNotifier{}
	users := staticRecipients{alice: "alice@example.com", bob: "bob@example.com"}
	return &fixture{
		store:    store,
		svc:      NewService(cfg, store, store, gw, notifier, users, nil),
		gateway:  gw,
		notifier: notifier,
	}
}

func (f *fixture) book(t *testing.T, user, showtime uint64, seats ...uint64) *model.Booking {
	t.Helper()
	b, err := f.svc.CreateBooking(context.Background(), user, showtime, seats)
	require.NoError(t, err)
	return b
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
