// Package inventory holds limited-quantity stock for orders. In bistro mode
// the hold is taken when the order arrives, since there is no later point at
// which the POS may still refuse it.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
)

type Line struct {
	ProductID string
	Qty       int
}

type Shortfall struct {
	ProductID string
	Required  int
	Available int
}

// Stock reserves and releases quantities atomically per order. ReserveAll
// either holds every line or nothing.
type Stock interface {
	Reserved(ctx context.Context, orderID string, lines int) (bool, error)
	ReserveAll(ctx context.Context, orderID string, lines []Line) (ok bool, short []Shortfall, err error)
	ReleaseAll(ctx context.Context, orderID string) error
}

type Service struct {
	Stock Stock
	Log   logrus.FieldLogger
}

func New(stock Stock, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{Stock: stock, Log: log.WithField("component", "inventory")}
}

// Lines sums quantities per product, skipping lines already rejected.
func Lines(o *orders.Order) []Line {
	qty := map[string]int{}
	for _, it := range o.Items {
		if it.Rejected() {
			continue
		}
		qty[it.PosID] += it.Quantity
	}
	out := make([]Line, 0, len(qty))
	for id, q := range qty {
		out = append(out, Line{ProductID: id, Qty: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

// ReserveOrder holds stock for every line of o, keyed by its remote id. Lines
// that cannot be covered get a rejection reason and nothing is held.
// Reserving the same order twice is a no-op.
func (s *Service) ReserveOrder(ctx context.Context, o *orders.Order) (bool, error) {
	lines := Lines(o)
	if len(lines) == 0 {
		return !o.HasRejections(), nil
	}
	log := s.Log.WithField("order", o.RemoteID)

	if done, err := s.Stock.Reserved(ctx, o.RemoteID, len(lines)); err != nil {
		return false, err
	} else if done {
		log.Debug("stock already held")
		return true, nil
	}

	ok, short, err := s.Stock.ReserveAll(ctx, o.RemoteID, lines)
	if err != nil {
		return false, err
	}
	if ok {
		log.WithField("lines", len(lines)).Info("stock held")
		return true, nil
	}

	byProduct := map[string]Shortfall{}
	for _, sf := range short {
		byProduct[sf.ProductID] = sf
	}
	for i := range o.Items {
		if sf, hit := byProduct[o.Items[i].PosID]; hit {
			o.Items[i].RejectionReasons = append(o.Items[i].RejectionReasons,
				fmt.Sprintf("out of stock: %d available", sf.Available))
		}
	}
	log.WithField("short", len(short)).Info("stock unavailable")
	return false, nil
}

func (s *Service) ReleaseOrder(ctx context.Context, remoteOrderID string) error {
	if err := s.Stock.ReleaseAll(ctx, remoteOrderID); err != nil {
		return err
	}
	s.Log.WithField("order", remoteOrderID).Info("stock released")
	return nil
}

// MemoryStock is a Stock for running without a database. Products not
// listed are unlimited.
type MemoryStock struct {
	mu       sync.Mutex
	limited  map[string]int
	reserved map[string][]Line
}

func NewMemoryStock(limited map[string]int) *MemoryStock {
	m := &MemoryStock{limited: map[string]int{}, reserved: map[string][]Line{}}
	for k, v := range limited {
		m.limited[k] = v
	}
	return m
}

func (m *MemoryStock) Reserved(_ context.Context, orderID string, lines int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reserved[orderID]
	return ok && len(r) == lines, nil
}

func (m *MemoryStock) ReserveAll(_ context.Context, orderID string, lines []Line) (bool, []Shortfall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var short []Shortfall
	for _, l := range lines {
		avail, limited := m.limited[l.ProductID]
		if limited && avail < l.Qty {
			short = append(short, Shortfall{ProductID: l.ProductID, Required: l.Qty, Available: avail})
		}
	}
	if len(short) > 0 {
		return false, short, nil
	}
	for _, l := range lines {
		if _, limited := m.limited[l.ProductID]; limited {
			m.limited[l.ProductID] -= l.Qty
		}
	}
	m.reserved[orderID] = append([]Line(nil), lines...)
	return true, nil, nil
}

func (m *MemoryStock) ReleaseAll(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.reserved[orderID] {
		if _, limited := m.limited[l.ProductID]; limited {
			m.limited[l.ProductID] += l.Qty
		}
	}
	delete(m.reserved, orderID)
	return nil
}

// Available reports the remaining quantity and whether the product is limited.
func (m *MemoryStock) Available(productID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.limited[productID]
	return n, ok
}
