package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
	"github.com/ariefcatur/go-pos-sync/internal/reconcile"
)

// Engine is what the operator API drives.
type Engine interface {
	Options() reconcile.Options
	SendOrder(ctx context.Context, posOrderID string) (*orders.Order, error)
	DissociateCheckins(ctx context.Context) (orders.DissociatedPayload, error)
	AllocateTable(ctx context.Context, checkinID string, tables []string, covers int) (*orders.Checkin, error)
	SeatBooking(ctx context.Context, bookingID string, covers int) (*orders.Checkin, error)
}

type Conflicts interface {
	ListConflicts(ctx context.Context) ([]*orders.Conflict, error)
	ResolveConflict(ctx context.Context, id string) error
}

type StreamHealth interface {
	Degraded() bool
	Timeout() time.Duration
}

type OperatorHandler struct {
	Engine    Engine
	Conflicts Conflicts
	Stream    StreamHealth
}

type StatusResp struct {
	OrderMode      orders.OrderMode    `json:"order_mode"`
	SeatingMode    orders.SeatingMode  `json:"seating_mode"`
	RejectPolicy   orders.RejectPolicy `json:"reject_policy"`
	StreamDegraded bool                `json:"stream_degraded"`
	StreamTimeout  int                 `json:"stream_timeout_seconds"`
}

type AllocateReq struct {
	Tables []string `json:"tables"`
	Covers int      `json:"covers"`
}

type SeatReq struct {
	Covers int `json:"covers"`
}

type CheckinResp struct {
	ID      string               `json:"id"`
	Tables  []string             `json:"tables"`
	Covers  int                  `json:"covers"`
	Status  orders.CheckinStatus `json:"status"`
	Version orders.Version       `json:"version,omitempty"`
}

type OrderResp struct {
	ID       string         `json:"id"`
	RemoteID string         `json:"remote_id"`
	Status   orders.Status  `json:"status"`
	Version  orders.Version `json:"version"`
}

func (h *OperatorHandler) Register(r chi.Router) {
	r.Get("/status", h.status)
	r.Get("/conflicts", h.listConflicts)
	r.Delete("/conflicts/{id}", h.resolveConflict)
	r.Post("/orders/{id}/send", h.sendOrder)
	r.Post("/checkins/dissociate", h.dissociate)
	r.Post("/checkins/{id}/allocate", h.allocate)
	r.Post("/bookings/{id}/seat", h.seat)
}

func (h *OperatorHandler) status(w http.ResponseWriter, r *http.Request) {
	o := h.Engine.Options()
	resp := StatusResp{OrderMode: o.OrderMode, SeatingMode: o.SeatingMode, RejectPolicy: o.RejectPolicy}
	if h.Stream != nil {
		resp.StreamDegraded = h.Stream.Degraded()
		resp.StreamTimeout = int(h.Stream.Timeout() / time.Second)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OperatorHandler) listConflicts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	cs, err := h.Conflicts.ListConflicts(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	if cs == nil {
		cs = []*orders.Conflict{}
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *OperatorHandler) resolveConflict(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := h.Conflicts.ResolveConflict(ctx, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OperatorHandler) sendOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	o, err := h.Engine.SendOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OrderResp{ID: o.ID, RemoteID: o.RemoteID, Status: o.Status, Version: o.Version})
}

func (h *OperatorHandler) dissociate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	out, err := h.Engine.DissociateCheckins(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OperatorHandler) allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if len(req.Tables) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing tables"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	c, err := h.Engine.AllocateTable(ctx, chi.URLParam(r, "id"), req.Tables, req.Covers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkinResp(c))
}

func (h *OperatorHandler) seat(w http.ResponseWriter, r *http.Request) {
	var req SeatReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	c, err := h.Engine.SeatBooking(ctx, chi.URLParam(r, "id"), req.Covers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkinResp(c))
}

func checkinResp(c *orders.Checkin) CheckinResp {
	return CheckinResp{ID: c.ID, Tables: c.Tables, Covers: c.Covers, Status: c.Status, Version: c.Version}
}
