// Package memstore is an in-process pos.Store. It is owned by whoever
// constructs it; nothing here is package-level state.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
)

type Store struct {
	mu           sync.RWMutex
	orders       map[string]*orders.Order // by POS id
	byRemote     map[string]string        // remote id -> POS id
	orderVer     map[string]orders.Version
	txns         map[string]*orders.Transaction // by remote id
	txnVer       map[string]orders.Version
	checkins     map[string]*orders.Checkin
	orderCheckin map[string]string
	bookings     map[string]*orders.Booking
	conflicts    map[string]*orders.Conflict
}

func New() *Store {
	return &Store{
		orders:       map[string]*orders.Order{},
		byRemote:     map[string]string{},
		orderVer:     map[string]orders.Version{},
		txns:         map[string]*orders.Transaction{},
		txnVer:       map[string]orders.Version{},
		checkins:     map[string]*orders.Checkin{},
		orderCheckin: map[string]string{},
		bookings:     map[string]*orders.Booking{},
		conflicts:    map[string]*orders.Conflict{},
	}
}

func (s *Store) GetOrder(_ context.Context, id string) (*orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, orders.NotFound(orders.EntityOrder, id)
	}
	return o.Clone(), nil
}

func (s *Store) GetOrderByRemoteID(_ context.Context, remoteID string) (*orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byRemote[remoteID]
	if !ok {
		return nil, orders.NotFound(orders.EntityOrder, remoteID)
	}
	return s.orders[id].Clone(), nil
}

func (s *Store) SaveOrder(_ context.Context, o *orders.Order) error {
	if o.ID == "" {
		return orders.Validation(orders.EntityOrder, o.RemoteID, "order has no pos id", "")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.orders[o.ID]; ok && prev.RemoteID != "" && o.RemoteID != prev.RemoteID {
		return orders.Validation(orders.EntityOrder, o.ID, "order already bound to remote id "+prev.RemoteID, o.RemoteID)
	}
	s.orders[o.ID] = o.Clone()
	if o.RemoteID != "" {
		s.byRemote[o.RemoteID] = o.ID
		if o.Version != "" {
			s.orderVer[o.RemoteID] = o.Version
		}
	}
	if o.CheckinID != "" {
		s.orderCheckin[o.ID] = o.CheckinID
	} else {
		delete(s.orderCheckin, o.ID)
	}
	return nil
}

func (s *Store) OrderVersion(_ context.Context, remoteID string) (orders.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orderVer[remoteID], nil
}

func (s *Store) RecordOrderVersion(_ context.Context, remoteID string, v orders.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderVer[remoteID] = v
	if id, ok := s.byRemote[remoteID]; ok {
		s.orders[id].Version = v
	}
	return nil
}

func (s *Store) OrdersForCheckin(_ context.Context, checkinID string) ([]*orders.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*orders.Order
	for id, c := range s.orderCheckin {
		if c == checkinID {
			out = append(out, s.orders[id].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetTransaction(_ context.Context, remoteID string) (*orders.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txns[remoteID]
	if !ok {
		return nil, orders.NotFound(orders.EntityTransaction, remoteID)
	}
	return t.Clone(), nil
}

func (s *Store) SaveTransaction(_ context.Context, t *orders.Transaction) error {
	if t.RemoteID == "" {
		return orders.Validation(orders.EntityTransaction, t.ID, "transaction has no remote id", "")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txns[t.RemoteID] = t.Clone()
	if t.Version != "" {
		s.txnVer[t.RemoteID] = t.Version
	}
	return nil
}

func (s *Store) TransactionsForOrder(_ context.Context, remoteOrderID string) ([]*orders.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*orders.Transaction
	for _, t := range s.txns {
		if t.OrderID == remoteOrderID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out, nil
}

func (s *Store) TransactionVersion(_ context.Context, remoteID string) (orders.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txnVer[remoteID], nil
}

func (s *Store) RecordTransactionVersion(_ context.Context, remoteID string, v orders.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txnVer[remoteID] = v
	if t, ok := s.txns[remoteID]; ok {
		t.Version = v
	}
	return nil
}

func (s *Store) GetCheckin(_ context.Context, id string) (*orders.Checkin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.checkins[id]
	if !ok {
		return nil, orders.NotFound(orders.EntityCheckin, id)
	}
	return c.Clone(), nil
}

func (s *Store) SaveCheckin(_ context.Context, c *orders.Checkin) error {
	x := c.Clone()
	x.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkins[c.ID] = x
	return nil
}

func (s *Store) LiveCheckins(_ context.Context) ([]*orders.Checkin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*orders.Checkin
	for _, c := range s.checkins {
		if c.Status.Live() {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CheckinForOrder(_ context.Context, orderID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.orders[orderID]; !ok {
		return "", orders.NotFound(orders.EntityOrder, orderID)
	}
	return s.orderCheckin[orderID], nil
}

func (s *Store) RecordCheckinForOrder(_ context.Context, orderID, checkinID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return orders.NotFound(orders.EntityOrder, orderID)
	}
	o.CheckinID = checkinID
	if checkinID == "" {
		delete(s.orderCheckin, orderID)
	} else {
		s.orderCheckin[orderID] = checkinID
	}
	return nil
}

func (s *Store) GetBooking(_ context.Context, id string) (*orders.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, orders.NotFound(orders.EntityBooking, id)
	}
	return b.Clone(), nil
}

func (s *Store) SaveBooking(_ context.Context, b *orders.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings[b.ID] = b.Clone()
	return nil
}

func (s *Store) DeleteBooking(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[id]; !ok {
		return orders.NotFound(orders.EntityBooking, id)
	}
	delete(s.bookings, id)
	return nil
}

func (s *Store) SaveConflict(_ context.Context, c *orders.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	x := *c
	s.conflicts[c.ID] = &x
	return nil
}

func (s *Store) ListConflicts(_ context.Context) ([]*orders.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*orders.Conflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		x := *c
		out = append(out, &x)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ResolveConflict(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conflicts[id]; !ok {
		return orders.NotFound(orders.EntityOrder, id)
	}
	delete(s.conflicts, id)
	return nil
}
