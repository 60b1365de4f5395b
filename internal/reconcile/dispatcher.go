package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
)

// Handler processes one event. It must only return nil once the event is
// fully applied.
type Handler func(ctx context.Context, ev orders.Event) error

// Deduper remembers event ids that have already been taken.
type Deduper interface {
	// MarkSeen returns true the first time id is seen.
	MarkSeen(ctx context.Context, id string) (bool, error)
	// Forget releases id so a redelivery is processed again.
	Forget(ctx context.Context, id string) error
}

// Dispatcher routes stream events to engine handlers. Events are sharded by
// entity key over a fixed set of workers, so one entity is always handled by
// the same worker in arrival order and the stream read loop only enqueues.
type Dispatcher struct {
	routes  map[orders.EventKind]Handler
	dedup   Deduper
	pub     Publisher
	log     logrus.FieldLogger
	metrics *Metrics
	timeout time.Duration

	queues []chan orders.Event
	wg     sync.WaitGroup
	once   sync.Once
}

type DispatcherOption func(*Dispatcher)

func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n <= 0 {
			n = 1
		}
		d.queues = make([]chan orders.Event, n)
	}
}

func WithDeduper(dd Deduper) DispatcherOption { return func(d *Dispatcher) { d.dedup = dd } }

// WithHandlerTimeout bounds a single handler invocation.
func WithHandlerTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

func WithRoute(kind orders.EventKind, h Handler) DispatcherOption {
	return func(d *Dispatcher) { d.routes[kind] = h }
}

func NewDispatcher(e *Engine, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		routes: map[orders.EventKind]Handler{
			orders.EventOrderCreated:       e.HandleOrderEvent,
			orders.EventOrderUpdated:       e.HandleOrderEvent,
			orders.EventTransactionCreated: e.HandleTransactionEvent,
			orders.EventTransactionUpdated: e.HandleTransactionEvent,
			orders.EventTableAllocation:    e.HandleTableAllocation,
			orders.EventCheckinCreated:     e.HandleCheckinEvent,
			orders.EventCheckinUpdated:     e.HandleCheckinEvent,
			orders.EventBookingCreated:     e.HandleBookingCreated,
			orders.EventBookingUpdated:     e.HandleBookingUpdated,
			orders.EventBookingDeleted:     e.HandleBookingDeleted,
		},
		pub:     e.pub,
		log:     e.log,
		metrics: e.metrics,
		timeout: 30 * time.Second,
		queues:  make([]chan orders.Event, 4),
	}
	for _, o := range opts {
		o(d)
	}
	for i := range d.queues {
		d.queues[i] = make(chan orders.Event, 256)
	}
	return d
}

// Start launches the workers. They exit when ctx is done or Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, q := range d.queues {
		d.wg.Add(1)
		go func(id int, q <-chan orders.Event) {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-q:
					if !ok {
						return
					}
					_ = d.Dispatch(ctx, ev)
				}
			}
		}(i, q)
	}
}

// Submit hands ev to its shard. It blocks only while that shard is full.
func (d *Dispatcher) Submit(ctx context.Context, ev orders.Event) error {
	q := d.queues[xxhash.Sum64String(ev.Key())%uint64(len(d.queues))]
	select {
	case q <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the workers to drain.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		for _, q := range d.queues {
			close(q)
		}
	})
	d.wg.Wait()
}

// Dispatch runs the handler for ev synchronously. Unknown kinds are logged
// and dropped. Handler errors are logged, counted and published, then
// returned.
func (d *Dispatcher) Dispatch(ctx context.Context, ev orders.Event) (err error) {
	log := d.log.WithFields(logrus.Fields{"event": ev.Kind, "id": ev.ID, "event_id": ev.EventID})
	h, ok := d.routes[ev.Kind]
	if !ok {
		d.metrics.event(string(ev.Kind), "dropped")
		log.Warn("unroutable event dropped")
		return nil
	}

	if d.dedup != nil && ev.EventID != "" {
		first, derr := d.dedup.MarkSeen(ctx, ev.EventID)
		if derr != nil {
			log.WithError(derr).Warn("dedup unavailable, relying on version tokens")
		} else if !first {
			d.metrics.event(string(ev.Kind), "duplicate")
			log.Debug("duplicate event id")
			return nil
		}
	}

	hctx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panic: %v", r)
		}
		if err == nil {
			d.metrics.event(string(ev.Kind), "ok")
			return
		}
		d.fail(ctx, log, ev, err)
	}()
	return h(hctx, ev)
}

func (d *Dispatcher) fail(ctx context.Context, log logrus.FieldLogger, ev orders.Event, err error) {
	kind := orders.KindOf(err)
	d.metrics.event(string(ev.Kind), "error")
	log.WithError(err).WithField("kind", kind).Error("event handling failed")
	if d.dedup != nil && ev.EventID != "" && orders.IsRetryable(err) {
		if ferr := d.dedup.Forget(ctx, ev.EventID); ferr != nil {
			log.WithError(ferr).Warn("dedup forget failed")
		}
	}
	if perr := d.pub.Publish(ctx, orders.OutcomeHandlerFailed, ev.ID, orders.HandlerFailedPayload{
		EventKind: ev.Kind,
		EntityID:  ev.ID,
		ErrorKind: kind,
		Error:     err.Error(),
	}); perr != nil {
		log.WithError(perr).Warn("publish failure outcome failed")
	}
}

// MemoryDeduper is a process-local Deduper.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: map[string]struct{}{}}
}

func (m *MemoryDeduper) MarkSeen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[id]; ok {
		return false, nil
	}
	m.seen[id] = struct{}{}
	return true, nil
}

func (m *MemoryDeduper) Forget(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, id)
	return nil
}
