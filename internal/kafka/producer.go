package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes engine outcomes as envelopes. Writes happen on one
// goroutine fed by a buffered inbox, so Publish only blocks when the buffer
// is full.
type Producer struct {
	w        messageWriter
	name     string
	log      logrus.FieldLogger
	now      func() time.Time
	inbox    chan kafka.Message
	closeCh  chan struct{}
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

var ErrProducerClosed = errors.New("producer closed")

func NewProducer(brokers []string, topic, name string, buf int, log logrus.FieldLogger) *Producer {
	return newProducer(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}, name, buf, log)
}

func newProducer(w messageWriter, name string, buf int, log logrus.FieldLogger) *Producer {
	if buf <= 0 {
		buf = 256
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Producer{
		w:       w,
		name:    name,
		log:     log.WithField("component", "kafka-producer"),
		now:     time.Now,
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

// Start runs the write loop until Close or ctx is done; either way the inbox
// is flushed before the writer closes.
func (p *Producer) Start(ctx context.Context) {
	go p.loop()
	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-p.closeCh:
		}
	}()
}

func (p *Producer) loop() {
	defer close(p.closeCh)
	for m := range p.inbox {
		wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := p.w.WriteMessages(wctx, m); err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{
				"event_type": header(m, HeaderEventType),
				"key":        string(m.Key),
			}).Error("write outcome failed")
		}
		cancel()
	}
	if err := p.w.Close(); err != nil {
		p.log.WithError(err).Warn("close writer")
	}
}

// Publish implements reconcile.Publisher.
func (p *Producer) Publish(ctx context.Context, eventType, entityID string, payload any) error {
	env, err := NewEnvelope(p.name, eventType, entityID, payload, p.now())
	if err != nil {
		return err
	}
	m, err := Message(env)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}
	select {
	case p.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting outcomes. Safe to call more than once.
func (p *Producer) Close() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.inbox)
		p.mu.Unlock()
	})
}

// WaitClosed blocks until buffered outcomes are written and the writer is
// closed.
func (p *Producer) WaitClosed() { <-p.closeCh }
