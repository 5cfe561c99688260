package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BookingsCreated total number of bookings created in PENDING (counter)
	BookingsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "booking",
			Name:      "created_total",
			Help:      "The total number of bookings created",
		},
	)

	// SeatConflicts total number of booking attempts rejected because a seat was held (counter)
	SeatConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "booking",
			Name:      "seat_conflicts_total",
			Help:      "The total number of booking attempts rejected with a seat conflict",
		},
	)

	// BookingsCancelled total number of cancelled bookings (counter)
	BookingsCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "booking",
			Name:      "cancelled_total",
			Help:      "The total number of cancelled bookings",
		},
	)

	// PaymentOutcomes payment outcomes applied to bookings by result and trigger (counter)
	PaymentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "outcomes_total",
			Help:      "The total number of payment outcomes applied to bookings",
		},
		[]string{"outcome", "source"},
	)

	// PaymentRefundsDue successful charges recorded against a booking they cannot pay for (counter)
	PaymentRefundsDue = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "refunds_due_total",
			Help:      "The total number of successful charges flagged for refund",
		},
	)

	// NotificationsDropped notifications not handed to the broker (counter)
	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "dropped_total",
			Help:      "The total number of notifications dropped before publishing",
		},
		[]string{"reason"},
	)
)
