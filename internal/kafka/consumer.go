package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
)

// Handler returns nil only when the message is done with and its offset may
// be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r       messageReader
	workers int
	log     logrus.FieldLogger
}

func NewConsumer(brokers []string, group, topic string, workers int, log logrus.FieldLogger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r messageReader, workers int, log logrus.FieldLogger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Consumer{r: r, workers: workers, log: log.WithField("component", "kafka-consumer")}
}

// Start fetches until ctx is done, fanning messages out to the worker pool.
// Offsets are committed only after h succeeds.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make(chan kafka.Message, 1024)
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			log := c.log.WithField("worker", id)
			for m := range jobs {
				if err := h(ctx, m); err != nil {
					log.WithError(err).WithFields(logrus.Fields{
						"partition": m.Partition,
						"offset":    m.Offset,
					}).Error("handle message")
					continue
				}
				if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
					log.WithError(err).Warn("commit offset")
				}
			}
		}(i)
	}
	defer wg.Wait()
	defer close(jobs)

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// OrderSender pushes a POS order to the remote service.
type OrderSender interface {
	SendOrder(ctx context.Context, posOrderID string) (*orders.Order, error)
}

// POSChangeHandler forwards POS order changes to the engine. The value is
// either an Envelope carrying a POSChange or a bare POSChange. Retryable
// failures are retried here; anything else is logged and committed so one
// bad order cannot stall the partition.
func POSChangeHandler(s OrderSender, maxElapsed time.Duration, log logrus.FieldLogger) Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("topic", orders.TopicPOSChanges)
	return func(ctx context.Context, m kafka.Message) error {
		change, err := decodePOSChange(m.Value)
		if err != nil {
			log.WithError(err).WithField("offset", m.Offset).Warn("skip malformed pos change")
			return nil
		}
		l := log.WithField("order", change.OrderID)

		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 200 * time.Millisecond
		eb.MaxElapsedTime = maxElapsed
		op := func() error {
			_, err := s.SendOrder(ctx, change.OrderID)
			if err != nil && !orders.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		err = backoff.Retry(op, backoff.WithContext(eb, ctx))
		switch {
		case err == nil:
			l.Debug("pos change sent")
			return nil
		case orders.IsRetryable(err), ctx.Err() != nil:
			return err
		default:
			l.WithError(err).WithField("kind", orders.KindOf(err)).Warn("pos change not sent")
			return nil
		}
	}
}

func decodePOSChange(b []byte) (orders.POSChange, error) {
	env, err := UnmarshalEnvelope(b)
	if err != nil {
		return orders.POSChange{}, err
	}
	var change orders.POSChange
	if len(env.Payload) > 0 {
		change, err = UnwrapPayload[orders.POSChange](env.Payload)
	} else {
		change, err = UnwrapPayload[orders.POSChange](b)
	}
	if err != nil {
		return change, err
	}
	if change.OrderID == "" {
		return change, orders.Validation(orders.EntityEvent, "", "pos change without order id", string(b))
	}
	return change, nil
}
