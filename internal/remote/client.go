// Package remote talks to the remote ordering service: a JSON REST API for
// reads and versioned writes, and a websocket stream of change notifications.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
)

type Config struct {
	BaseURL    string
	Token      string
	LocationID string
	// Timeout bounds one HTTP attempt.
	Timeout         time.Duration
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RatePerSec limits outbound requests; 0 disables the limit.
	RatePerSec float64
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
}

// Client implements reconcile.Remote over HTTP.
type Client struct {
	base    *url.URL
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logrus.FieldLogger
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption { return func(c *Client) { c.http = h } }

func WithLogger(l logrus.FieldLogger) ClientOption { return func(c *Client) { c.log = l } }

func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	cfg.defaults()
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "remote base url")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf("remote base url %q is not absolute", cfg.BaseURL)
	}
	c := &Client{
		base:    u,
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Inf, 1),
		log:     logrus.StandardLogger(),
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), int(cfg.RatePerSec)+1)
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type call struct {
	method  string
	path    string
	entity  orders.Entity
	id      string
	version orders.Version
	// idemKey is sent as Idempotency-Key on creates.
	idemKey string
	in      any
	out     any
}

// do performs one logical request. Transport failures, 429 and 5xx are
// retried with bounded exponential backoff; everything else is final. A POST
// may already have been applied when its response is lost, so creates are
// only retried on 429.
func (c *Client) do(ctx context.Context, cl call) error {
	var body []byte
	if cl.in != nil {
		b, err := json.Marshal(cl.in)
		if err != nil {
			return errors.Wrapf(err, "encode %s %s", cl.entity, cl.id)
		}
		body = b
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialInterval
	eb.MaxInterval = c.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		return c.attempt(ctx, cl, body)
	}
	notify := func(err error, wait time.Duration) {
		c.log.WithFields(logrus.Fields{
			"entity": cl.entity, "id": cl.id, "attempt": attempt, "wait": wait.String(),
		}).WithError(err).Warn("remote call failed, retrying")
	}
	return backoff.RetryNotify(op, policy, notify)
}

func (c *Client) attempt(ctx context.Context, cl call, body []byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return backoff.Permanent(orders.Transport(cl.entity, cl.id, err))
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.base.String()+cl.path, rdr)
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "build request"))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.LocationID != "" {
		req.Header.Set("X-Location-Id", c.cfg.LocationID)
	}
	if cl.version != "" {
		req.Header.Set("If-Match", string(cl.version))
	}
	if cl.idemKey != "" {
		req.Header.Set("Idempotency-Key", cl.idemKey)
	}
	create := cl.method == http.MethodPost

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil || create {
			return backoff.Permanent(orders.Transport(cl.entity, cl.id, err))
		}
		return orders.Transport(cl.entity, cl.id, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if create {
			return backoff.Permanent(orders.Transport(cl.entity, cl.id, err))
		}
		return orders.Transport(cl.entity, cl.id, err)
	}

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		if cl.out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, cl.out); err != nil {
			return backoff.Permanent(orders.Validation(cl.entity, cl.id, "undecodable response: "+err.Error(), ""))
		}
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		err := orders.Transport(cl.entity, cl.id, errors.Newf("%s %s: %d %s", cl.method, cl.path, code, message(raw)))
		if create && code != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	case code == http.StatusNotFound:
		return backoff.Permanent(orders.NotFound(cl.entity, cl.id))
	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		return backoff.Permanent(orders.ConflictError(cl.entity, cl.id, message(raw)))
	default:
		return backoff.Permanent(orders.Validation(cl.entity, cl.id, message(raw), resp.Status))
	}
}

func message(raw []byte) string {
	var e apiError
	if json.Unmarshal(raw, &e) == nil && e.Message != "" {
		return e.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func esc(id string) string { return url.PathEscape(id) }

func (c *Client) GetOrder(ctx context.Context, remoteID string) (*orders.Order, error) {
	var w orderWire
	if err := c.do(ctx, call{method: http.MethodGet, path: "/orders/" + esc(remoteID), entity: orders.EntityOrder, id: remoteID, out: &w}); err != nil {
		return nil, err
	}
	return orderFromWire(w)
}

func (c *Client) CreateOrder(ctx context.Context, o *orders.Order) (*orders.Order, error) {
	in := orderToWire(o)
	if in.LocationID == "" {
		in.LocationID = c.cfg.LocationID
	}
	var w orderWire
	if err := c.do(ctx, call{method: http.MethodPost, path: "/orders", entity: orders.EntityOrder, id: o.ID, idemKey: o.ID, in: in, out: &w}); err != nil {
		return nil, err
	}
	return orderFromWire(w)
}

func (c *Client) UpdateOrder(ctx context.Context, o *orders.Order) (*orders.Order, error) {
	var w orderWire
	err := c.do(ctx, call{
		method: http.MethodPut, path: "/orders/" + esc(o.RemoteID),
		entity: orders.EntityOrder, id: o.RemoteID, version: o.Version,
		in: orderToWire(o), out: &w,
	})
	if err != nil {
		return nil, err
	}
	return orderFromWire(w)
}

func (c *Client) GetTransaction(ctx context.Context, remoteID string) (*orders.Transaction, error) {
	var w transactionWire
	if err := c.do(ctx, call{method: http.MethodGet, path: "/transactions/" + esc(remoteID), entity: orders.EntityTransaction, id: remoteID, out: &w}); err != nil {
		return nil, err
	}
	return transactionFromWire(w)
}

func (c *Client) UpdateTransaction(ctx context.Context, t *orders.Transaction) (*orders.Transaction, error) {
	var w transactionWire
	err := c.do(ctx, call{
		method: http.MethodPut, path: "/transactions/" + esc(t.RemoteID),
		entity: orders.EntityTransaction, id: t.RemoteID, version: t.Version,
		in: transactionToWire(t), out: &w,
	})
	if err != nil {
		return nil, err
	}
	return transactionFromWire(w)
}

func (c *Client) GetCheckin(ctx context.Context, id string) (*orders.Checkin, error) {
	var w checkinWire
	if err := c.do(ctx, call{method: http.MethodGet, path: "/checkins/" + esc(id), entity: orders.EntityCheckin, id: id, out: &w}); err != nil {
		return nil, err
	}
	return checkinFromWire(w), nil
}

func (c *Client) UpdateCheckin(ctx context.Context, ch *orders.Checkin) (*orders.Checkin, error) {
	var w checkinWire
	err := c.do(ctx, call{
		method: http.MethodPut, path: "/checkins/" + esc(ch.ID),
		entity: orders.EntityCheckin, id: ch.ID, version: ch.Version,
		in: checkinToWire(ch), out: &w,
	})
	if err != nil {
		return nil, err
	}
	return checkinFromWire(w), nil
}

func (c *Client) GetBooking(ctx context.Context, id string) (*orders.Booking, error) {
	var w bookingWire
	if err := c.do(ctx, call{method: http.MethodGet, path: "/bookings/" + esc(id), entity: orders.EntityBooking, id: id, out: &w}); err != nil {
		return nil, err
	}
	return bookingFromWire(w), nil
}

func (c *Client) CreateCheckinForBooking(ctx context.Context, bookingID string, ch *orders.Checkin) (*orders.Checkin, error) {
	var w checkinWire
	err := c.do(ctx, call{
		method: http.MethodPost, path: "/bookings/" + esc(bookingID) + "/checkins",
		entity: orders.EntityBooking, id: bookingID, idemKey: "booking-checkin-" + bookingID,
		in: checkinToWire(ch), out: &w,
	})
	if err != nil {
		return nil, err
	}
	return checkinFromWire(w), nil
}
