package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
	"github.com/ariefcatur/go-pos-sync/internal/reconcile"
)

var _ reconcile.Remote = (*Client)(nil)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	l := logrus.New()
	l.SetOutput(io.Discard)
	c, err := NewClient(Config{
		BaseURL:         srv.URL,
		Token:           "secret",
		LocationID:      "loc-1",
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}, WithLogger(l))
	require.NoError(t, err)
	return c
}

func TestNewClient_RejectsRelativeURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "/orders"})
	assert.Error(t, err)
}

func TestGetOrder_DecodesWireFormat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/r1", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "loc-1", r.Header.Get("X-Location-Id"))
		_, _ = io.WriteString(w, `{
			"id": "r1", "status": "pending", "version": "v7",
			"items": [{"posId": "burger", "name": "Burger", "quantity": 2, "price": "179",
				"options": [{"posId": "sauce", "name": "Sauce", "min": 0, "max": 1,
					"selectedVariants": [{"posId": "bbq", "name": "BBQ", "price": "50"}]}]}],
			"surcharges": [{"posId": "svc", "name": "Service", "amount": "-63"}],
			"requiredAt": "2024-03-01T18:30:00.000Z",
			"createdAt": null
		}`)
	})

	o, err := c.GetOrder(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", o.RemoteID)
	assert.Equal(t, orders.Version("v7"), o.Version)
	require.Len(t, o.Items, 1)
	assert.True(t, decimal.RequireFromString("1.79").Equal(o.Items[0].Price))
	assert.True(t, decimal.RequireFromString("0.50").Equal(o.Items[0].Options[0].Selected[0].Price))
	assert.True(t, decimal.RequireFromString("-0.63").Equal(o.Surcharges[0].Amount))
	assert.True(t, time.Date(2024, 3, 1, 18, 30, 0, 0, time.UTC).Equal(o.RequiredAt))
	assert.True(t, o.CreatedAt.IsZero())
}

func TestUpdateOrder_SendsVersionAndCents(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "v3", r.Header.Get("If-Match"))
		var body map[string]any
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			return
		}
		items := body["items"].([]any)
		assert.Equal(t, "1500", items[0].(map[string]any)["price"])
		assert.Equal(t, "2024-03-01T12:00:00.000Z", body["updatedAt"])
		body["version"] = "v4"
		_ = json.NewEncoder(w).Encode(body)
	})

	updated, err := c.UpdateOrder(context.Background(), &orders.Order{
		ID: "pos-1", RemoteID: "r1", Status: orders.StatusAccepted, Version: "v3",
		Items:     []orders.Product{{PosID: "burger", Quantity: 1, Price: decimal.RequireFromString("15.00")}},
		UpdatedAt: time.Date(2024, 3, 1, 23, 0, 0, 0, time.FixedZone("AEDT", 11*3600)),
	})
	require.NoError(t, err)
	assert.Equal(t, orders.Version("v4"), updated.Version)
	assert.Equal(t, "pos-1", updated.ID)
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		code int
		want orders.ErrorKind
	}{
		{http.StatusNotFound, orders.KindNotFound},
		{http.StatusConflict, orders.KindConflict},
		{http.StatusPreconditionFailed, orders.KindConflict},
		{http.StatusUnprocessableEntity, orders.KindValidation},
		{http.StatusServiceUnavailable, orders.KindTransport},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = io.WriteString(w, `{"message":"nope"}`)
			})
			_, err := c.GetTransaction(context.Background(), "t1")
			require.Error(t, err)
			assert.Equal(t, tt.want, orders.KindOf(err))
		})
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"id":"c1","tables":["T1"],"covers":2,"status":"allocated","version":"v2"}`)
	})

	ch, err := c.GetCheckin(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, orders.CheckinAllocated, ch.Status)
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.GetBooking(context.Background(), "b1")
	assert.True(t, orders.IsRetryable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_ConflictIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
	})

	_, err := c.UpdateCheckin(context.Background(), &orders.Checkin{ID: "c1", Version: "v1"})
	assert.Equal(t, orders.KindConflict, orders.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateOrder_ServerErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "p1", r.Header.Get("Idempotency-Key"))
		// The first create lands upstream but its response is lost.
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"id":"r-2","posId":"p1","status":"accepted","version":"v1","items":[]}`)
	})

	_, err := c.CreateOrder(context.Background(), &orders.Order{ID: "p1", Status: orders.StatusAccepted})
	assert.Equal(t, orders.KindTransport, orders.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateOrder_RetriesWhenRateLimited(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{"id":"r-1","posId":"p1","status":"accepted","version":"v1","items":[]}`)
	})

	o, err := c.CreateOrder(context.Background(), &orders.Order{ID: "p1", Status: orders.StatusAccepted})
	require.NoError(t, err)
	assert.Equal(t, "r-1", o.RemoteID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCreateCheckinForBooking(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/bookings/b1/checkins", r.URL.Path)
		assert.Equal(t, "booking-checkin-b1", r.Header.Get("Idempotency-Key"))
		_, _ = io.WriteString(w, `{"id":"c9","tables":["T4"],"covers":4,"status":"pending","version":"v1"}`)
	})

	ch, err := c.CreateCheckinForBooking(context.Background(), "b1", &orders.Checkin{Tables: []string{"T4"}, Covers: 4})
	require.NoError(t, err)
	assert.Equal(t, "c9", ch.ID)
}

func TestTime_RejectsOtherLayouts(t *testing.T) {
	var tm Time
	err := json.Unmarshal([]byte(`"2024-03-01T18:30:00Z"`), &tm)
	assert.Equal(t, orders.KindValidation, orders.KindOf(err))
}
