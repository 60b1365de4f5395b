// Package reference is a working POS built on the engine's own store. It
// prices orders from a catalog, holds limited stock, checks tables against
// the floor plan and tracks which orders are locked for payment. The serve
// command runs it when no external POS is plugged in.
package reference

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-pos-sync/internal/inventory"
	"github.com/ariefcatur/go-pos-sync/internal/money"
	"github.com/ariefcatur/go-pos-sync/internal/orders"
	"github.com/ariefcatur/go-pos-sync/internal/pos"
)

type Catalog interface {
	// Price returns the base unit price or an orders.KindNotFound error.
	Price(ctx context.Context, productID string) (decimal.Decimal, error)
}

type Floor interface {
	TableExists(ctx context.Context, id string) (bool, error)
}

type POS struct {
	store   pos.Store
	catalog Catalog
	stock   *inventory.Service
	floor   Floor
	mode    orders.OrderMode
	log     logrus.FieldLogger
	newID   func() string

	mu      sync.Mutex
	locked  map[string]string // remote order id -> transaction in handshake
	settled map[string]bool   // pos order id
}

// New wires the POS. A nil catalog trusts the prices the remote sends and a
// nil floor accepts any table id.
func New(store pos.Store, catalog Catalog, stock *inventory.Service, floor Floor, mode orders.OrderMode, log logrus.FieldLogger) *POS {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &POS{
		store:   store,
		catalog: catalog,
		stock:   stock,
		floor:   floor,
		mode:    mode,
		log:     log.WithField("component", "pos"),
		newID:   uuid.NewString,
		locked:  map[string]string{},
		settled: map[string]bool{},
	}
}

func (p *POS) Managers() pos.Managers {
	return pos.Managers{Ordering: p, Payment: p, Table: p, Reservation: p}
}

// priceLines rejects lines whose product is unknown or whose unit price does
// not match the catalog.
func (p *POS) priceLines(ctx context.Context, o *orders.Order) error {
	if p.catalog == nil {
		return nil
	}
	for i := range o.Items {
		it := &o.Items[i]
		if it.Rejected() {
			continue
		}
		base, err := p.catalog.Price(ctx, it.PosID)
		if orders.IsKind(err, orders.KindNotFound) {
			it.RejectionReasons = append(it.RejectionReasons, "unknown product")
			continue
		}
		if err != nil {
			return err
		}
		want := base
		for _, opt := range it.Options {
			for _, v := range opt.Selected {
				want = want.Add(v.Price)
			}
		}
		if !it.Price.Equal(want) {
			it.RejectionReasons = append(it.RejectionReasons, fmt.Sprintf("price is %s", want.StringFixed(2)))
		}
	}
	return nil
}

func allRejected(o *orders.Order) bool {
	for _, it := range o.Items {
		if !it.Rejected() {
			return false
		}
	}
	return true
}

// accept prices the order and holds its stock. Nothing is held when any line
// is refused.
func (p *POS) accept(ctx context.Context, o *orders.Order) (bool, error) {
	if err := p.priceLines(ctx, o); err != nil {
		return false, err
	}
	if o.HasRejections() {
		return false, nil
	}
	return p.stock.ReserveOrder(ctx, o)
}

func (p *POS) ConfirmNewOrder(ctx context.Context, o *orders.Order) (*orders.Order, error) {
	o = o.Clone()
	ok, err := p.accept(ctx, o)
	if err != nil {
		return nil, err
	}
	log := p.log.WithField("order", o.RemoteID)
	if len(o.Items) > 0 && allRejected(o) {
		log.Info("every line refused")
		return nil, nil
	}
	if ok && o.ID == "" {
		o.ID = p.newID()
	}
	log.WithField("accepted", ok).Info("new order checked")
	return o, nil
}

func (p *POS) ConfirmOrderAvailabilityBistroMode(ctx context.Context, o *orders.Order) (bool, error) {
	return p.accept(ctx, o)
}

// ConfirmNewOrderWithPayment creates the bistro order once payment arrives.
// Stock was held when the order came in.
func (p *POS) ConfirmNewOrderWithPayment(ctx context.Context, o *orders.Order, txns []*orders.Transaction) (*orders.Order, error) {
	o = o.Clone()
	ok, err := p.stock.ReserveOrder(ctx, o)
	if err != nil {
		return nil, err
	}
	if !ok {
		p.log.WithField("order", o.RemoteID).Info("stock gone before payment")
		return nil, nil
	}
	if o.ID == "" {
		o.ID = p.newID()
	}
	p.log.WithFields(logrus.Fields{"order": o.RemoteID, "payments": len(txns)}).Info("bistro order created")
	return o, nil
}

func (p *POS) OrderCancelled(ctx context.Context, o *orders.Order) error {
	p.mu.Lock()
	delete(p.locked, o.RemoteID)
	p.mu.Unlock()
	return p.stock.ReleaseOrder(ctx, o.RemoteID)
}

// ReadyToPay locks the order and answers with what is still owing. Restaurant
// tabs may be settled in parts; bistro orders are paid in one go.
func (p *POS) ReadyToPay(ctx context.Context, t *orders.Transaction) (*orders.Transaction, error) {
	o, err := p.store.GetOrderByRemoteID(ctx, t.OrderID)
	if err != nil {
		return nil, err
	}
	log := p.log.WithFields(logrus.Fields{"order": t.OrderID, "transaction": t.RemoteID})

	p.mu.Lock()
	defer p.mu.Unlock()
	if holder, ok := p.locked[t.OrderID]; ok && holder != t.RemoteID {
		log.WithField("holder", holder).Info("order locked by another payment")
		return nil, nil
	}

	txns, err := p.store.TransactionsForOrder(ctx, t.OrderID)
	if err != nil {
		return nil, err
	}
	paid := decimal.Zero
	for _, x := range txns {
		if x.RemoteID != t.RemoteID && (x.Status == orders.TxnAccepted || x.Status == orders.TxnComplete) {
			paid = paid.Add(x.Amount)
		}
	}
	owing := o.Total().Sub(paid)
	if !owing.IsPositive() {
		log.Info("nothing owing")
		return nil, nil
	}

	ans := t.Clone()
	ans.AcceptLess = p.mode == orders.ModeRestaurant
	if !ans.AcceptLess || !t.Amount.IsPositive() || t.Amount.GreaterThan(owing) {
		ans.Amount = owing
	}
	p.locked[t.OrderID] = t.RemoteID
	log.WithField("owing", owing.StringFixed(2)).Info("order locked for payment")
	return ans, nil
}

func (p *POS) CancelPayment(_ context.Context, t *orders.Transaction) error {
	p.unlock(t)
	p.log.WithFields(logrus.Fields{"order": t.OrderID, "transaction": t.RemoteID}).Info("payment cancelled, order editable")
	return nil
}

func (p *POS) RecordSuccessfulPayment(_ context.Context, t *orders.Transaction) error {
	p.unlock(t)
	p.log.WithFields(logrus.Fields{
		"order":       t.OrderID,
		"transaction": t.RemoteID,
		"amount":      t.Amount.StringFixed(2),
		"tip":         t.Tip.StringFixed(2),
	}).Info("payment recorded")
	return nil
}

func (p *POS) unlock(t *orders.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locked[t.OrderID] == t.RemoteID {
		delete(p.locked, t.OrderID)
	}
}

func (p *POS) RecordPartialCheckPayment(_ context.Context, orderID string, paid, total decimal.Decimal) error {
	p.log.WithFields(logrus.Fields{"order": orderID, "paid": paid.StringFixed(2), "total": total.StringFixed(2)}).
		Info("check part paid")
	return nil
}

func (p *POS) RecordFullCheckPayment(_ context.Context, orderID string) error {
	p.mu.Lock()
	p.settled[orderID] = true
	p.mu.Unlock()
	p.log.WithField("order", orderID).Info("check settled")
	return nil
}

// Locked reports the transaction holding the order, if any.
func (p *POS) Locked(remoteOrderID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.locked[remoteOrderID]
	return id, ok
}

func (p *POS) Settled(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled[orderID]
}

// ConfirmTableAllocation refuses unknown tables and tables held by another
// allocated checkin.
func (p *POS) ConfirmTableAllocation(ctx context.Context, a *orders.TableAllocation) (bool, error) {
	if len(a.Tables) == 0 {
		a.RejectionReason = orders.ReasonTableDoesNotExist
		return false, nil
	}
	for _, id := range a.Tables {
		ok, err := p.tableExists(ctx, id)
		if err != nil {
			return false, err
		}
		if !ok {
			a.RejectionReason = orders.ReasonTableDoesNotExist
			return false, nil
		}
	}
	live, err := p.store.LiveCheckins(ctx)
	if err != nil {
		return false, err
	}
	want := map[string]bool{}
	for _, id := range a.Tables {
		want[id] = true
	}
	for _, c := range live {
		if c.ID == a.CheckinID || c.Status != orders.CheckinAllocated {
			continue
		}
		for _, id := range c.Tables {
			if want[id] {
				p.log.WithFields(logrus.Fields{"table": id, "checkin": c.ID}).Info("table occupied")
				a.RejectionReason = orders.ReasonTableIsOccupied
				return false, nil
			}
		}
	}
	return true, nil
}

func (p *POS) tableExists(ctx context.Context, id string) (bool, error) {
	if p.floor == nil {
		return true, nil
	}
	return p.floor.TableExists(ctx, id)
}

func (p *POS) checkBooking(ctx context.Context, b *orders.Booking) error {
	if b.Covers < 0 {
		return orders.Validation(orders.EntityBooking, b.ID, "covers must not be negative", fmt.Sprint(b.Covers))
	}
	for _, id := range b.Tables {
		ok, err := p.tableExists(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return orders.Validation(orders.EntityBooking, b.ID, "unknown table", id)
		}
	}
	return nil
}

func (p *POS) CreateBookingOnPos(ctx context.Context, b *orders.Booking) error {
	if err := p.checkBooking(ctx, b); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"booking": b.ID, "covers": b.Covers, "date": b.Date}).Info("booking added to diary")
	return nil
}

func (p *POS) UpdateBookingOnPos(ctx context.Context, b *orders.Booking) error {
	if err := p.checkBooking(ctx, b); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"booking": b.ID, "status": b.Status}).Info("booking updated in diary")
	return nil
}

func (p *POS) DeleteBookingOnPos(_ context.Context, id string) error {
	p.log.WithField("booking", id).Info("booking removed from diary")
	return nil
}

func (p *POS) RecordCheckinForBooking(ctx context.Context, bookingID, checkinID string) error {
	if _, err := p.store.GetBooking(ctx, bookingID); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"booking": bookingID, "checkin": checkinID}).Info("booking seated")
	return nil
}

// MemoryCatalog prices products from a fixed list.
type MemoryCatalog map[string]decimal.Decimal

// ParseCatalog reads "product=price" entries such as "burger=15.00".
func ParseCatalog(entries []string) (MemoryCatalog, error) {
	c := MemoryCatalog{}
	for _, e := range entries {
		id, raw, ok := strings.Cut(e, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, orders.Validation(orders.EntityProduct, "", "catalog entry must be product=price", e)
		}
		p, err := money.Parse(raw)
		if err != nil {
			return nil, err
		}
		if p.IsNegative() {
			return nil, orders.Validation(orders.EntityProduct, id, "price is negative", raw)
		}
		c[id] = p
	}
	return c, nil
}

func (c MemoryCatalog) Price(_ context.Context, id string) (decimal.Decimal, error) {
	p, ok := c[id]
	if !ok {
		return decimal.Zero, orders.NotFound(orders.EntityProduct, id)
	}
	return p, nil
}

// MemoryFloor is a fixed table plan.
type MemoryFloor map[string]bool

func NewMemoryFloor(tables ...string) MemoryFloor {
	f := MemoryFloor{}
	for _, t := range tables {
		f[t] = true
	}
	return f
}

func (f MemoryFloor) TableExists(_ context.Context, id string) (bool, error) { return f[id], nil }
