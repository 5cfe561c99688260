package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/cinema-ticketing/internal/model"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process implementation of the booking store and
// catalog contracts.  It mirrors the MySQL locking discipline with one
// mutex per showtime and per booking key, and stages writes inside a
// transaction so that nothing becomes visible unless the callback
// succeeds.  It is intended for tests.
type MemoryStore struct {
	locks keyedMutex

	mu            sync.Mutex
	showtimes     map[uint64]model.Showtime
	seats         map[uint64]model.Seat
	bookings      map[uint64]*model.Booking
	references    map[string]uint64
	payments      []model.Payment
	transactions  map[string]uint64
	reservedRefs  map[string]bool
	reservedTxns  map[string]bool
	nextBookingID uint64
	nextLineID    uint64
	nextPaymentID uint64
	now           func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		showtimes:    make(map[uint64]model.Showtime),
		seats:        make(map[uint64]model.Seat),
		bookings:     make(map[uint64]*model.Booking),
		references:   make(map[string]uint64),
		transactions: make(map[string]uint64),
		reservedRefs: make(map[string]bool),
		reservedTxns: make(map[string]bool),
		now:          time.Now,
	}
}

// SetClock replaces the clock used for created_at and updated_at stamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// AddShowtime seeds a showtime.
func (m *MemoryStore) AddShowtime(st model.Showtime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.showtimes[st.ID] = st
}

// AddSeats seeds physical seats.
func (m *MemoryStore) AddSeats(seats ...model.Seat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range seats {
		m.seats[s.ID] = s
	}
}

// SetBasePrice changes the base price of a seeded showtime.
func (m *MemoryStore) SetBasePrice(showtimeID uint64, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.showtimes[showtimeID]
	if !ok {
		return ErrNotFound
	}
	st.BasePrice = price
	m.showtimes[showtimeID] = st
	return nil
}

// PaymentCount returns the number of stored payment attempts for a booking.
func (m *MemoryStore) PaymentCount(bookingID uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.payments {
		if p.BookingID == bookingID {
			n++
		}
	}
	return n
}

func (m *MemoryStore) GetShowtime(ctx context.Context, id uint64) (*model.Showtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.showtimes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

func (m *MemoryStore) GetSeats(ctx context.Context, screenIDs ...uint64) ([]model.Seat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uint64]bool, len(screenIDs))
	for _, id := range screenIDs {
		want[id] = true
	}
	out := make([]model.Seat, 0)
	for _, s := range m.seats {
		if want[s.ScreenID] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScreenID != out[j].ScreenID {
			return out[i].ScreenID < out[j].ScreenID
		}
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

func (m *MemoryStore) WithShowtimeLock(ctx context.Context, showtimeID uint64, fn func(tx BookingTx, st *model.Showtime) error) error {
	unlock, err := m.locks.lock(ctx, fmt.Sprintf("showtime:%d", showtimeID))
	if err != nil {
		return err
	}
	defer unlock()
	st, err := m.GetShowtime(ctx, showtimeID)
	if err != nil {
		return err
	}
	return m.run(func(tx *memTx) error { return fn(tx, st) })
}

func (m *MemoryStore) WithBookingLock(ctx context.Context, bookingID uint64, fn func(tx BookingTx, b *model.Booking) error) error {
	unlock, err := m.locks.lock(ctx, fmt.Sprintf("booking:%d", bookingID))
	if err != nil {
		return err
	}
	defer unlock()
	b, err := m.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	return m.run(func(tx *memTx) error { return fn(tx, b) })
}

// run executes fn against a fresh transaction and applies its staged
// writes only when fn succeeds.
func (m *MemoryStore) run(fn func(tx *memTx) error) error {
	tx := &memTx{
		store:    m,
		statuses: make(map[uint64]model.BookingStatus),
		settled:  make(map[uint64]model.Payment),
	}
	if err := fn(tx); err != nil {
		tx.release()
		return err
	}
	tx.commit()
	return nil
}

func (m *MemoryStore) GetBooking(ctx context.Context, id uint64) (*model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBooking(b), nil
}

func (m *MemoryStore) GetBookingByReference(ctx context.Context, ref string) (*model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.references[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBooking(m.bookings[id]), nil
}

func (m *MemoryStore) ListBookingsByUser(ctx context.Context, userID uint64) ([]model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]model.Booking, 0)
	for _, b := range m.bookings {
		if b.UserID == userID {
			list = append(list, *cloneBooking(b))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID > list[j].ID })
	return list, nil
}

func (m *MemoryStore) HeldSeatIDs(ctx context.Context, showtimeID uint64) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heldLocked(showtimeID, nil), nil
}

func (m *MemoryStore) ListPayments(ctx context.Context, bookingID uint64) ([]model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]model.Payment, 0)
	for _, p := range m.payments {
		if p.BookingID == bookingID {
			list = append(list, p)
		}
	}
	return list, nil
}

// heldLocked collects held seats from committed bookings, overlaid with
// the staged writes of tx when tx is non-nil.  m.mu must be held.
func (m *MemoryStore) heldLocked(showtimeID uint64, tx *memTx) []uint64 {
	ids := make([]uint64, 0)
	status := func(b *model.Booking) model.BookingStatus {
		if tx != nil {
			if st, ok := tx.statuses[b.ID]; ok {
				return st
			}
		}
		return b.Status
	}
	collect := func(b *model.Booking) {
		if b.ShowtimeID == showtimeID && status(b).Active() {
			ids = append(ids, b.SeatIDs()...)
		}
	}
	for _, b := range m.bookings {
		collect(b)
	}
	if tx != nil {
		for _, b := range tx.bookings {
			collect(b)
		}
	}
	return ids
}

// memTx stages the writes of one MemoryStore transaction.
type memTx struct {
	store    *MemoryStore
	bookings []*model.Booking
	statuses map[uint64]model.BookingStatus
	payments []model.Payment
	refs     []string
	txns     []string
	// settled holds updated copies of committed payments.
	settled map[uint64]model.Payment
}

func (t *memTx) staged(id uint64) *model.Booking {
	for _, b := range t.bookings {
		if b.ID == id {
			return b
		}
	}
	return nil
}

func (t *memTx) HeldSeatIDs(ctx context.Context, showtimeID uint64) ([]uint64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.heldLocked(showtimeID, t), nil
}

func (t *memTx) InsertBooking(ctx context.Context, b *model.Booking) error {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.references[b.Reference]; taken || m.reservedRefs[b.Reference] {
		return ErrDuplicateReference
	}
	m.reservedRefs[b.Reference] = true
	t.refs = append(t.refs, b.Reference)
	m.nextBookingID++
	now := m.now().UTC()
	b.ID = m.nextBookingID
	b.CreatedAt, b.UpdatedAt = now, now
	cp := cloneBooking(b)
	cp.Seats = nil
	t.bookings = append(t.bookings, cp)
	return nil
}

func (t *memTx) InsertBookedSeats(ctx context.Context, bookingID uint64, seats []model.BookedSeat) error {
	b := t.staged(bookingID)
	if b == nil {
		return ErrNotFound
	}
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range seats {
		m.nextLineID++
		seats[i].ID = m.nextLineID
		seats[i].BookingID = bookingID
		b.Seats = append(b.Seats, seats[i])
	}
	return nil
}

func (t *memTx) UpdateBookingStatus(ctx context.Context, bookingID uint64, status model.BookingStatus) error {
	if b := t.staged(bookingID); b != nil {
		b.Status = status
		return nil
	}
	t.store.mu.Lock()
	_, ok := t.store.bookings[bookingID]
	t.store.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	t.statuses[bookingID] = status
	return nil
}

// paymentsLocked returns the committed payments overlaid with settled
// updates, followed by the staged inserts.  m.mu must be held.
func (t *memTx) paymentsLocked() []model.Payment {
	out := make([]model.Payment, 0, len(t.store.payments)+len(t.payments))
	for _, p := range t.store.payments {
		if upd, ok := t.settled[p.ID]; ok {
			p = upd
		}
		out = append(out, p)
	}
	return append(out, t.payments...)
}

func (t *memTx) PaymentByTransactionID(ctx context.Context, transactionID string) (*model.Payment, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, p := range t.paymentsLocked() {
		if p.TransactionID != nil && *p.TransactionID == transactionID {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) PaymentsForBooking(ctx context.Context, bookingID uint64) ([]model.Payment, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	list := make([]model.Payment, 0)
	for _, p := range t.paymentsLocked() {
		if p.BookingID == bookingID {
			list = append(list, p)
		}
	}
	return list, nil
}

// reserveTxnLocked claims a transaction id that from is about to carry.
// m.mu must be held.
func (t *memTx) reserveTxnLocked(from, to *string) error {
	if to == nil || (from != nil && *from == *to) {
		return nil
	}
	m := t.store
	if _, taken := m.transactions[*to]; taken || m.reservedTxns[*to] {
		return ErrDuplicateTransaction
	}
	m.reservedTxns[*to] = true
	t.txns = append(t.txns, *to)
	return nil
}

func (t *memTx) InsertPayment(ctx context.Context, p *model.Payment) error {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := t.reserveTxnLocked(nil, p.TransactionID); err != nil {
		return err
	}
	m.nextPaymentID++
	p.ID = m.nextPaymentID
	p.CreatedAt = m.now().UTC()
	t.payments = append(t.payments, *p)
	return nil
}

func (t *memTx) SettlePayment(ctx context.Context, p *model.Payment) error {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range t.payments {
		if t.payments[i].ID == p.ID {
			if err := t.reserveTxnLocked(t.payments[i].TransactionID, p.TransactionID); err != nil {
				return err
			}
			settle(&t.payments[i], p)
			return nil
		}
	}
	for _, cur := range t.paymentsLocked() {
		if cur.ID == p.ID {
			if err := t.reserveTxnLocked(cur.TransactionID, p.TransactionID); err != nil {
				return err
			}
			settle(&cur, p)
			t.settled[cur.ID] = cur
			return nil
		}
	}
	return ErrNotFound
}

func settle(dst, src *model.Payment) {
	if src.TransactionID != nil {
		txn := *src.TransactionID
		dst.TransactionID = &txn
	} else {
		dst.TransactionID = nil
	}
	dst.Status = src.Status
	dst.NeedsRefund = src.NeedsRefund
}

// commit publishes the staged writes atomically.
func (t *memTx) commit() {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range t.bookings {
		m.bookings[b.ID] = b
		m.references[b.Reference] = b.ID
	}
	for id, st := range t.statuses {
		if b, ok := m.bookings[id]; ok {
			b.Status = st
			b.UpdatedAt = m.now().UTC()
		}
	}
	for i := range m.payments {
		if upd, ok := t.settled[m.payments[i].ID]; ok {
			m.payments[i] = upd
			if upd.TransactionID != nil {
				m.transactions[*upd.TransactionID] = upd.ID
			}
		}
	}
	for _, p := range t.payments {
		m.payments = append(m.payments, p)
		if p.TransactionID != nil {
			m.transactions[*p.TransactionID] = p.ID
		}
	}
	t.releaseLocked()
}

// release drops the uniqueness reservations of a rolled back transaction.
func (t *memTx) release() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.releaseLocked()
}

func (t *memTx) releaseLocked() {
	for _, r := range t.refs {
		delete(t.store.reservedRefs, r)
	}
	for _, x := range t.txns {
		delete(t.store.reservedTxns, x)
	}
}

func cloneBooking(b *model.Booking) *model.Booking {
	cp := *b
	cp.Seats = append([]model.BookedSeat(nil), b.Seats...)
	return &cp
}

// keyedMutex hands out one lock per key.  A channel of capacity one is
// used instead of sync.Mutex so that waiting honours ctx cancellation.
type keyedMutex struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.slots == nil {
		k.slots = make(map[string]chan struct{})
	}
	slot, ok := k.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		k.slots[key] = slot
	}
	k.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
