package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
	"github.com/ariefcatur/go-pos-sync/internal/reconcile"
)

var _ reconcile.Publisher = (*Producer)(nil)

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type memWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   bool
	closed bool
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broker down")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestMessage_KeyAndHeaders(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	env, err := NewEnvelope("possync", orders.OutcomeOrderReconciled, "r1",
		orders.OrderOutcomePayload{OrderID: "p1", RemoteID: "r1", Status: orders.StatusAccepted}, at)
	require.NoError(t, err)
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, EnvelopeVersion, env.EventVersion)

	m, err := Message(env)
	require.NoError(t, err)
	assert.Equal(t, []byte("r1"), m.Key)
	assert.Equal(t, orders.OutcomeOrderReconciled, header(m, HeaderEventType))
	assert.Equal(t, "1", header(m, HeaderEventVersion))

	back, err := UnmarshalEnvelope(m.Value)
	require.NoError(t, err)
	p, err := UnwrapPayload[orders.OrderOutcomePayload](back.Payload)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusAccepted, p.Status)
	assert.True(t, back.OccurredAt.Equal(at))
}

func TestProducer_FlushesOnClose(t *testing.T) {
	w := &memWriter{}
	p := newProducer(w, "possync", 4, quiet())
	p.Start(context.Background())

	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, orders.OutcomeTableAllocated, "c1", orders.TablePayload{CheckinID: "c1"}))
	require.NoError(t, p.Publish(ctx, orders.OutcomeTableRejected, "c2", orders.TablePayload{CheckinID: "c2"}))
	p.Close()
	p.Close()
	p.WaitClosed()

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.msgs, 2)
	assert.Equal(t, []byte("c2"), w.msgs[1].Key)
	assert.True(t, w.closed)

	assert.ErrorIs(t, p.Publish(ctx, orders.OutcomeTableAllocated, "c3", nil), ErrProducerClosed)
}

func TestProducer_WriteErrorsDoNotStopLoop(t *testing.T) {
	w := &memWriter{fail: true}
	p := newProducer(w, "possync", 1, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	require.NoError(t, p.Publish(ctx, orders.OutcomeHandlerFailed, "x", orders.HandlerFailedPayload{}))
	cancel()
	p.WaitClosed()
	assert.True(t, w.closed)
}

type fakeSender struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (s *fakeSender) SendOrder(_ context.Context, id string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return &orders.Order{ID: id}, nil
}

func TestPOSChangeHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("envelope", func(t *testing.T) {
		s := &fakeSender{}
		h := POSChangeHandler(s, time.Second, quiet())
		env, err := NewEnvelope("pos", "OrderChanged", "p1", orders.POSChange{OrderID: "p1"}, time.Now())
		require.NoError(t, err)
		b, _ := json.Marshal(env)
		require.NoError(t, h(ctx, kafka.Message{Value: b}))
		assert.Equal(t, []string{"p1"}, s.calls)
	})

	t.Run("bare value", func(t *testing.T) {
		s := &fakeSender{}
		h := POSChangeHandler(s, time.Second, quiet())
		require.NoError(t, h(ctx, kafka.Message{Value: []byte(`{"order_id":"p2"}`)}))
		assert.Equal(t, []string{"p2"}, s.calls)
	})

	t.Run("malformed is committed", func(t *testing.T) {
		s := &fakeSender{}
		h := POSChangeHandler(s, time.Second, quiet())
		assert.NoError(t, h(ctx, kafka.Message{Value: []byte(`nope`)}))
		assert.NoError(t, h(ctx, kafka.Message{Value: []byte(`{}`)}))
		assert.Empty(t, s.calls)
	})

	t.Run("transport retried", func(t *testing.T) {
		s := &fakeSender{errs: []error{orders.Transport(orders.EntityOrder, "p3", errors.New("reset"))}}
		h := POSChangeHandler(s, 5*time.Second, quiet())
		require.NoError(t, h(ctx, kafka.Message{Value: []byte(`{"order_id":"p3"}`)}))
		assert.Equal(t, []string{"p3", "p3"}, s.calls)
	})

	t.Run("permanent not retried", func(t *testing.T) {
		s := &fakeSender{errs: []error{orders.ConflictError(orders.EntityOrder, "p4", "moved on")}}
		h := POSChangeHandler(s, 5*time.Second, quiet())
		require.NoError(t, h(ctx, kafka.Message{Value: []byte(`{"order_id":"p4"}`)}))
		assert.Equal(t, []string{"p4"}, s.calls)
	})
}

type memReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
}

func (r *memReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *memReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *memReader) Close() error { return nil }

func TestConsumer_CommitsOnlyHandled(t *testing.T) {
	r := &memReader{queue: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}}
	c := newConsumer(r, 1, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	seen := make(chan int64, 3)
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m kafka.Message) error {
			seen <- m.Offset
			if m.Offset == 2 {
				return errors.New("boom")
			}
			return nil
		})
	}()
	for i := 0; i < 3; i++ {
		select {
		case <-seen:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
	}
	cancel()
	require.NoError(t, <-done)

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Equal(t, []int64{1, 3}, r.committed)
}
