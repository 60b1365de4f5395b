package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultStreamTimeout = 600 * time.Second

// Watchdog tracks stream connectivity. When the stream has been down longer
// than the timeout it enters degraded mode and runs the dissociation once
// per outage. Reconnecting leaves degraded mode.
type Watchdog struct {
	timeout    time.Duration
	now        func() time.Time
	onDegraded func(ctx context.Context) error
	log        logrus.FieldLogger
	metrics    *Metrics

	mu        sync.Mutex
	connected bool
	downSince time.Time
	degraded  bool
}

// NewWatchdog starts in the disconnected state. A zero timeout means
// DefaultStreamTimeout.
func NewWatchdog(e *Engine, timeout time.Duration) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultStreamTimeout
	}
	return &Watchdog{
		timeout: timeout,
		now:     e.now,
		onDegraded: func(ctx context.Context) error {
			_, err := e.DissociateCheckins(ctx)
			return err
		},
		log:       e.log,
		metrics:   e.metrics,
		downSince: e.now(),
	}
}

func (w *Watchdog) Timeout() time.Duration { return w.timeout }

func (w *Watchdog) Connected() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.degraded {
		w.log.Info("stream reconnected, leaving degraded mode")
	}
	w.connected = true
	w.degraded = false
	w.metrics.setDegraded(false)
}

func (w *Watchdog) Disconnected() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.connected {
		w.connected = false
		w.downSince = w.now()
	}
}

func (w *Watchdog) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

// Check enters degraded mode if the outage has exceeded the timeout. It
// reports whether it did so on this call.
func (w *Watchdog) Check(ctx context.Context) (bool, error) {
	w.mu.Lock()
	if w.connected || w.degraded || w.now().Sub(w.downSince) < w.timeout {
		w.mu.Unlock()
		return false, nil
	}
	w.degraded = true
	down := w.now().Sub(w.downSince)
	w.mu.Unlock()

	w.metrics.setDegraded(true)
	w.log.WithField("down_for", down.String()).Warn("stream down past timeout, entering degraded mode")
	if err := w.onDegraded(ctx); err != nil {
		// Try again on the next tick.
		w.mu.Lock()
		w.degraded = false
		w.mu.Unlock()
		return false, err
	}
	return true, nil
}

// Run calls Check every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := w.Check(ctx); err != nil {
				w.log.WithError(err).Error("degraded-mode dissociation failed")
			}
		}
	}
}
