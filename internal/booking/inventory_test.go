package booking

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInventory_AvailablePlusHeldEqualsCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inv := f.svc.Inventory()

	check := func() {
		t.Helper()
		m, err := inv.SeatMap(ctx, showtimeLater)
		require.NoError(t, err)
		held, err := inv.BookedSeatIDs(ctx, showtimeLater)
		require.NoError(t, err)
		assert.Equal(t, screenCapacity, m.Total)
		assert.Equal(t, m.Total, m.Available+len(held))
	}

	check()
	a := f.book(t, alice, showtimeLater, 1, 2)
	check()
	b := f.book(t, bob, showtimeLater, 5)
	check()
	_, err := f.svc.Pay(ctx, b.ID, bob, PayRequest{PaymentMethodRef: "pm_card_visa"})
	require.NoError(t, err)
	check()
	_, err = f.svc.CancelBooking(ctx, a.ID, alice)
	require.NoError(t, err)
	check()

	avail, err := inv.AvailableSeats(ctx, showtimeLater)
	require.NoError(t, err)
	assert.Equal(t, screenCapacity-1, avail, "confirmed seats stay held, cancelled seats are released")
}

func TestInventory_SeatMapFlags(t *testing.T) {
	f := newFixture(t)
	f.book(t, alice, showtimeLater, 3)

	m, err := f.svc.Inventory().SeatMap(context.Background(), showtimeLater)
	require.NoError(t, err)
	for _, s := range m.Seats {
		assert.Equal(t, s.ID == 3, s.Held, "seat %s", s.Label())
		assert.Equal(t, screenID, s.ScreenID)
	}
}

func TestInventory_MissingShowtime(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Inventory().AvailableSeats(context.Background(), 999)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestReference(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		ref, err := NewReference()
		require.NoError(t, err)
		assert.True(t, ValidReference(ref), ref)
		seen[ref] = true
	}
	assert.Len(t, seen, 200)
	assert.False(t, ValidReference("abcdefghijkl"))
	assert.False(t, ValidReference("ABCDEFGHIJK"))
}
