package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
)

// Sink receives parsed notifications. It should only enqueue.
type Sink interface {
	Submit(ctx context.Context, ev orders.Event) error
}

// ConnState is told when the stream goes up or down.
type ConnState interface {
	Connected()
	Disconnected()
}

type StreamConfig struct {
	URL        string
	Token      string
	LocationID string
	// ReadTimeout is how long the stream may stay silent, pings included.
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type Stream struct {
	cfg    StreamConfig
	dialer *websocket.Dialer
	sink   Sink
	state  ConnState
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewStream(cfg StreamConfig, sink Sink, state ConnState, log logrus.FieldLogger) *Stream {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = cfg.ReadTimeout / 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = time.Minute
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Stream{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		sink:   sink,
		state:  state,
		log:    log.WithField("component", "stream"),
		now:    time.Now,
	}
}

// streamMessage is one frame on the wire. Frames carry ids, not entities.
type streamMessage struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  struct {
		ID      string `json:"id"`
		OrderID string `json:"orderId"`
		Status  string `json:"status"`
		Version string `json:"version"`
	} `json:"data"`
}

const heartbeat = "heartbeat"

// ParseEvent decodes one frame. Heartbeats return ok=false.
func ParseEvent(raw []byte, receivedAt time.Time) (ev orders.Event, ok bool, err error) {
	var m streamMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ev, false, orders.Validation(orders.EntityEvent, "", "undecodable frame: "+err.Error(), "")
	}
	if m.Event == heartbeat || m.Event == "" {
		return ev, false, nil
	}
	if m.Data.ID == "" {
		return ev, false, orders.Validation(orders.EntityEvent, m.ID, "frame has no entity id", m.Event)
	}
	return orders.Event{
		EventID:    m.ID,
		Kind:       orders.EventKind(m.Event),
		ID:         m.Data.ID,
		OrderID:    m.Data.OrderID,
		Status:     m.Data.Status,
		Version:    orders.Version(m.Data.Version),
		ReceivedAt: receivedAt.UTC(),
		Raw:        json.RawMessage(append([]byte(nil), raw...)),
	}, true, nil
}

// Run keeps the stream connected until ctx is done, reconnecting with
// exponential backoff. The backoff resets after every successful connect.
func (s *Stream) Run(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.InitialInterval
	eb.MaxInterval = s.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()

	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			eb.Reset()
		}
		wait := eb.NextBackOff()
		s.log.WithError(err).WithField("retry_in", wait.String()).Warn("stream disconnected")
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection. It reports whether the dial succeeded.
func (s *Stream) session(ctx context.Context) (bool, error) {
	h := http.Header{}
	if s.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	if s.cfg.LocationID != "" {
		h.Set("X-Location-Id", s.cfg.LocationID)
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, h)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, errors.Wrap(err, "dial stream")
	}
	s.state.Connected()
	s.log.Info("stream connected")
	defer s.state.Disconnected()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()
	go s.ping(conn, done)

	_ = conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, errors.Wrap(err, "read stream")
		}
		_ = conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))

		ev, ok, perr := ParseEvent(raw, s.now())
		if perr != nil {
			s.log.WithError(perr).Warn("bad stream frame skipped")
			continue
		}
		if !ok {
			continue
		}
		if err := s.sink.Submit(ctx, ev); err != nil {
			return true, err
		}
	}
}

func (s *Stream) ping(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
