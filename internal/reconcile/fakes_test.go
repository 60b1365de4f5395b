package reconcile

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
	"github.com/ariefcatur/go-pos-sync/internal/pos"
	"github.com/ariefcatur/go-pos-sync/internal/pos/memstore"
)

// fakeRemote is an optimistic-concurrency remote: every update must carry the
// current version and bumps it.
type fakeRemote struct {
	mu       sync.Mutex
	seq      int
	orders   map[string]*orders.Order
	txns     map[string]*orders.Transaction
	checkins map[string]*orders.Checkin
	bookings map[string]*orders.Booking

	// interfere makes the next n order updates lose a race to another writer.
	interfere      int
	txnErrs        []error
	checkinBusy    bool
	orderUpdates   []orders.Order
	orderGets      int
	txnUpdates     []orders.Transaction
	checkinUpdates []orders.Checkin
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		orders:   map[string]*orders.Order{},
		txns:     map[string]*orders.Transaction{},
		checkins: map[string]*orders.Checkin{},
		bookings: map[string]*orders.Booking{},
	}
}

func (r *fakeRemote) nextVersion() orders.Version {
	r.seq++
	return orders.Version(fmt.Sprintf("v%d", r.seq))
}

func (r *fakeRemote) putOrder(o *orders.Order) *orders.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := o.Clone()
	c.Version = r.nextVersion()
	r.orders[c.RemoteID] = c
	return c.Clone()
}

func (r *fakeRemote) putTxn(t *orders.Transaction) *orders.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := t.Clone()
	c.Version = r.nextVersion()
	r.txns[c.RemoteID] = c
	return c.Clone()
}

func (r *fakeRemote) putCheckin(c *orders.Checkin) *orders.Checkin {
	r.mu.Lock()
	defer r.mu.Unlock()
	x := c.Clone()
	x.Version = r.nextVersion()
	r.checkins[x.ID] = x
	return x.Clone()
}

func (r *fakeRemote) putBooking(b *orders.Booking) *orders.Booking {
	r.mu.Lock()
	defer r.mu.Unlock()
	x := b.Clone()
	x.Version = r.nextVersion()
	r.bookings[x.ID] = x
	return x.Clone()
}

func (r *fakeRemote) remoteOrder(id string) *orders.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id].Clone()
}

func (r *fakeRemote) GetOrder(_ context.Context, id string) (*orders.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orderGets++
	o, ok := r.orders[id]
	if !ok {
		return nil, orders.NotFound(orders.EntityOrder, id)
	}
	return o.Clone(), nil
}

func (r *fakeRemote) CreateOrder(_ context.Context, o *orders.Order) (*orders.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := o.Clone()
	c.RemoteID = fmt.Sprintf("r-%d", len(r.orders)+1)
	c.Version = r.nextVersion()
	r.orders[c.RemoteID] = c
	return c.Clone(), nil
}

func (r *fakeRemote) UpdateOrder(_ context.Context, o *orders.Order) (*orders.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orderUpdates = append(r.orderUpdates, *o.Clone())
	cur, ok := r.orders[o.RemoteID]
	if !ok {
		return nil, orders.NotFound(orders.EntityOrder, o.RemoteID)
	}
	if r.interfere > 0 {
		r.interfere--
		cur.Version = r.nextVersion()
	}
	if cur.Version != o.Version {
		return nil, orders.ConflictError(orders.EntityOrder, o.RemoteID, "version mismatch")
	}
	c := o.Clone()
	c.Version = r.nextVersion()
	r.orders[c.RemoteID] = c
	return c.Clone(), nil
}

func (r *fakeRemote) GetTransaction(_ context.Context, id string) (*orders.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	if !ok {
		return nil, orders.NotFound(orders.EntityTransaction, id)
	}
	return t.Clone(), nil
}

func (r *fakeRemote) UpdateTransaction(_ context.Context, t *orders.Transaction) (*orders.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txnUpdates = append(r.txnUpdates, *t.Clone())
	if len(r.txnErrs) > 0 {
		err := r.txnErrs[0]
		r.txnErrs = r.txnErrs[1:]
		return nil, err
	}
	cur, ok := r.txns[t.RemoteID]
	if !ok {
		return nil, orders.NotFound(orders.EntityTransaction, t.RemoteID)
	}
	if cur.Version != t.Version {
		return nil, orders.ConflictError(orders.EntityTransaction, t.RemoteID, "version mismatch")
	}
	c := t.Clone()
	c.Version = r.nextVersion()
	r.txns[c.RemoteID] = c
	return c.Clone(), nil
}

func (r *fakeRemote) GetCheckin(_ context.Context, id string) (*orders.Checkin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.checkins[id]
	if !ok {
		return nil, orders.NotFound(orders.EntityCheckin, id)
	}
	return c.Clone(), nil
}

func (r *fakeRemote) UpdateCheckin(_ context.Context, c *orders.Checkin) (*orders.Checkin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkinUpdates = append(r.checkinUpdates, *c.Clone())
	if r.checkinBusy {
		return nil, orders.ConflictError(orders.EntityCheckin, c.ID, "version mismatch")
	}
	if cur, ok := r.checkins[c.ID]; ok && cur.Version != c.Version {
		return nil, orders.ConflictError(orders.EntityCheckin, c.ID, "version mismatch")
	}
	x := c.Clone()
	x.Version = r.nextVersion()
	r.checkins[x.ID] = x
	return x.Clone(), nil
}

func (r *fakeRemote) GetBooking(_ context.Context, id string) (*orders.Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[id]
	if !ok {
		return nil, orders.NotFound(orders.EntityBooking, id)
	}
	return b.Clone(), nil
}

func (r *fakeRemote) CreateCheckinForBooking(_ context.Context, bookingID string, c *orders.Checkin) (*orders.Checkin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	x := c.Clone()
	x.ID = "chk-" + bookingID
	x.Version = r.nextVersion()
	r.checkins[x.ID] = x
	if b, ok := r.bookings[bookingID]; ok {
		b.CheckinID = x.ID
	}
	return x.Clone(), nil
}

// fakePOS implements every manager.
type fakePOS struct {
	mu          sync.Mutex
	unavailable map[string]bool
	refuseOrder bool
	refusePay   bool
	owing       *decimal.Decimal
	tables      map[string]bool
	occupied    map[string]bool
	// locked maps an order to the transaction holding it, as a real POS would.
	locked map[string]string
	calls  []string
}

func newFakePOS() *fakePOS {
	return &fakePOS{
		unavailable: map[string]bool{},
		tables:      map[string]bool{"T1": true, "T2": true},
		occupied:    map[string]bool{},
		locked:      map[string]string{},
	}
}

func (p *fakePOS) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePOS) called(call string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (p *fakePOS) markUnavailable(o *orders.Order) bool {
	ok := true
	for i := range o.Items {
		if p.unavailable[o.Items[i].PosID] {
			o.Items[i].RejectionReasons = append(o.Items[i].RejectionReasons, "out of stock")
			ok = false
		}
	}
	return ok
}

func (p *fakePOS) ConfirmNewOrder(_ context.Context, o *orders.Order) (*orders.Order, error) {
	p.record("ConfirmNewOrder")
	if p.refuseOrder {
		return nil, nil
	}
	p.markUnavailable(o)
	o.ID = "pos-" + o.RemoteID
	return o, nil
}

func (p *fakePOS) ConfirmNewOrderWithPayment(_ context.Context, o *orders.Order, _ []*orders.Transaction) (*orders.Order, error) {
	p.record("ConfirmNewOrderWithPayment")
	if p.refuseOrder {
		return nil, nil
	}
	return o, nil
}

func (p *fakePOS) ConfirmOrderAvailabilityBistroMode(_ context.Context, o *orders.Order) (bool, error) {
	p.record("ConfirmOrderAvailabilityBistroMode")
	return p.markUnavailable(o), nil
}

func (p *fakePOS) OrderCancelled(context.Context, *orders.Order) error {
	p.record("OrderCancelled")
	return nil
}

func (p *fakePOS) ReadyToPay(_ context.Context, t *orders.Transaction) (*orders.Transaction, error) {
	p.record("ReadyToPay")
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refusePay {
		return nil, nil
	}
	if holder, ok := p.locked[t.OrderID]; ok && holder != t.RemoteID {
		return nil, nil
	}
	if p.owing != nil {
		t.Amount = *p.owing
	}
	p.locked[t.OrderID] = t.RemoteID
	return t, nil
}

func (p *fakePOS) unlock(t *orders.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locked[t.OrderID] == t.RemoteID {
		delete(p.locked, t.OrderID)
	}
}

func (p *fakePOS) holder(orderID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked[orderID]
}

func (p *fakePOS) CancelPayment(_ context.Context, t *orders.Transaction) error {
	p.record("CancelPayment")
	p.unlock(t)
	return nil
}

func (p *fakePOS) RecordSuccessfulPayment(_ context.Context, t *orders.Transaction) error {
	p.record("RecordSuccessfulPayment")
	p.unlock(t)
	return nil
}

func (p *fakePOS) RecordPartialCheckPayment(context.Context, string, decimal.Decimal, decimal.Decimal) error {
	p.record("RecordPartialCheckPayment")
	return nil
}

func (p *fakePOS) RecordFullCheckPayment(context.Context, string) error {
	p.record("RecordFullCheckPayment")
	return nil
}

func (p *fakePOS) ConfirmTableAllocation(_ context.Context, a *orders.TableAllocation) (bool, error) {
	p.record("ConfirmTableAllocation")
	for _, t := range a.Tables {
		if !p.tables[t] {
			a.RejectionReason = orders.ReasonTableDoesNotExist
			return false, nil
		}
		if p.occupied[t] {
			a.RejectionReason = orders.ReasonTableIsOccupied
			return false, nil
		}
	}
	return true, nil
}

func (p *fakePOS) CreateBookingOnPos(context.Context, *orders.Booking) error {
	p.record("CreateBookingOnPos")
	return nil
}

func (p *fakePOS) UpdateBookingOnPos(context.Context, *orders.Booking) error {
	p.record("UpdateBookingOnPos")
	return nil
}

func (p *fakePOS) DeleteBookingOnPos(context.Context, string) error {
	p.record("DeleteBookingOnPos")
	return nil
}

func (p *fakePOS) RecordCheckinForBooking(context.Context, string, string) error {
	p.record("RecordCheckinForBooking")
	return nil
}

type published struct {
	eventType string
	entityID  string
	payload   any
}

type fakePublisher struct {
	mu  sync.Mutex
	out []published
}

func (f *fakePublisher) Publish(_ context.Context, eventType, entityID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, published{eventType, entityID, payload})
	return nil
}

func (f *fakePublisher) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.out {
		if p.eventType == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	engine *Engine
	store  *memstore.Store
	remote *fakeRemote
	pos    *fakePOS
	pub    *fakePublisher
	clock  *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:  memstore.New(),
		remote: newFakeRemote(),
		pos:    newFakePOS(),
		pub:    &fakePublisher{},
		clock:  &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	ids := 0
	h.engine = New(h.store, pos.Managers{
		Ordering:    h.pos,
		Payment:     h.pos,
		Table:       h.pos,
		Reservation: h.pos,
	}, h.remote, opts,
		WithPublisher(h.pub),
		WithLogger(quietLogger()),
		WithClock(h.clock.Now),
		WithIDGenerator(func() string { ids++; return fmt.Sprintf("id-%d", ids) }),
	)
	return h
}

func twoLineOrder(remoteID string) *orders.Order {
	return &orders.Order{
		RemoteID: remoteID,
		Status:   orders.StatusPending,
		Items: []orders.Product{
			{PosID: "burger", Name: "Burger", Quantity: 1, Price: decimal.RequireFromString("15.00")},
			{PosID: "chips", Name: "Chips", Quantity: 2, Price: decimal.RequireFromString("5.00")},
		},
	}
}
