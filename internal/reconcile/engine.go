// Package reconcile keeps POS and remote state consistent.
//
// The Engine is driven from two sides: inbound stream events (through the
// Dispatcher) and POS-initiated submissions (SendOrder, AllocateTable,
// SeatBooking). Both paths take the same per-entity lock before touching the
// pos.Store, so one entity is never reconciled by two goroutines at once
// while different entities proceed in parallel.
//
// Every outbound update carries the version token last seen from the remote
// service. A version conflict re-fetches the remote copy, re-applies the
// POS-owned attributes and retries exactly once. A second conflict is
// recorded for an operator and returned as orders.KindConflict.
package reconcile

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
	"github.com/ariefcatur/go-pos-sync/internal/pos"
)

// Remote is the engine's view of the remote ordering service. Update calls
// send the entity's Version and fail with orders.KindConflict when the
// remote copy has moved on. Transport failures are orders.KindTransport and
// have already been retried by the implementation.
type Remote interface {
	GetOrder(ctx context.Context, remoteID string) (*orders.Order, error)
	CreateOrder(ctx context.Context, o *orders.Order) (*orders.Order, error)
	UpdateOrder(ctx context.Context, o *orders.Order) (*orders.Order, error)

	GetTransaction(ctx context.Context, remoteID string) (*orders.Transaction, error)
	UpdateTransaction(ctx context.Context, t *orders.Transaction) (*orders.Transaction, error)

	GetCheckin(ctx context.Context, id string) (*orders.Checkin, error)
	UpdateCheckin(ctx context.Context, c *orders.Checkin) (*orders.Checkin, error)

	GetBooking(ctx context.Context, id string) (*orders.Booking, error)
	CreateCheckinForBooking(ctx context.Context, bookingID string, c *orders.Checkin) (*orders.Checkin, error)
}

// Publisher announces settled outcomes to the rest of the POS estate.
type Publisher interface {
	Publish(ctx context.Context, eventType, entityID string, payload any) error
}

type Options struct {
	OrderMode    orders.OrderMode
	SeatingMode  orders.SeatingMode
	RejectPolicy orders.RejectPolicy
}

func (o *Options) defaults() {
	if o.OrderMode == "" {
		o.OrderMode = orders.ModeRestaurant
	}
	if o.SeatingMode == "" {
		o.SeatingMode = orders.SeatingRemote
	}
	if o.RejectPolicy == "" {
		o.RejectPolicy = orders.RejectPerItem
	}
}

type Engine struct {
	store   pos.Store
	mgr     pos.Managers
	remote  Remote
	opts    Options
	pub     Publisher
	log     logrus.FieldLogger
	metrics *Metrics
	now     func() time.Time
	newID   func() string

	locks *KeyedMutex

	payMu    sync.Mutex
	payments map[string]*handshake // by remote order id
}

// handshake is a live ReadyToPay on an order.
type handshake struct {
	txnID      string
	prevStatus orders.Status
}

type Option func(*Engine)

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.pub = p } }

func WithLogger(l logrus.FieldLogger) Option { return func(e *Engine) { e.log = l } }

func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator overrides how POS-local ids are minted.
func WithIDGenerator(gen func() string) Option { return func(e *Engine) { e.newID = gen } }

func New(store pos.Store, mgr pos.Managers, remote Remote, opts Options, options ...Option) *Engine {
	opts.defaults()
	e := &Engine{
		store:    store,
		mgr:      mgr,
		remote:   remote,
		opts:     opts,
		log:      logrus.StandardLogger(),
		now:      time.Now,
		newID:    uuid.NewString,
		locks:    NewKeyedMutex(),
		payments: map[string]*handshake{},
	}
	for _, o := range options {
		o(e)
	}
	if e.pub == nil {
		e.pub = LogPublisher{Log: e.log}
	}
	return e
}

func (e *Engine) Options() Options { return e.opts }

func (e *Engine) publish(ctx context.Context, eventType, entityID string, payload any) {
	if err := e.pub.Publish(ctx, eventType, entityID, payload); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{"event_type": eventType, "id": entityID}).
			Warn("publish outcome failed")
	}
}

func (e *Engine) logFor(entity orders.Entity, id string) logrus.FieldLogger {
	return e.log.WithFields(logrus.Fields{"entity": entity, "id": id})
}

// recordConflict stores an unresolved conflict and announces it.
func (e *Engine) recordConflict(ctx context.Context, entity orders.Entity, id string, local, remote orders.Version, detail string) error {
	c := &orders.Conflict{
		ID:            e.newID(),
		Entity:        entity,
		EntityID:      id,
		LocalVersion:  local,
		RemoteVersion: remote,
		Detail:        detail,
		CreatedAt:     e.now().UTC(),
	}
	e.metrics.conflict(string(entity), "unresolved")
	e.logFor(entity, id).WithFields(logrus.Fields{
		"kind":           orders.KindConflict,
		"local_version":  local,
		"remote_version": remote,
	}).Error("conflict unresolved after retry, operator intervention required")
	if err := e.store.SaveConflict(ctx, c); err != nil {
		return err
	}
	e.publish(ctx, orders.OutcomeConflictUnresolved, id, orders.ConflictPayload{
		ConflictID:    c.ID,
		Entity:        entity,
		EntityID:      id,
		LocalVersion:  local,
		RemoteVersion: remote,
		Detail:        detail,
	})
	return nil
}

// LogPublisher writes outcomes to the log when no broker is configured.
type LogPublisher struct {
	Log logrus.FieldLogger
}

func (p LogPublisher) Publish(_ context.Context, eventType, entityID string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.Log.WithFields(logrus.Fields{"event_type": eventType, "id": entityID, "payload": string(b)}).Info("outcome")
	return nil
}
