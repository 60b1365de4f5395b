package reconcile

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
)

const reasonOrderRejected = "order rejected by pos"

// HandleOrderEvent applies an order_created / order_updated notification.
// A notification whose version was already applied is a no-op.
func (e *Engine) HandleOrderEvent(ctx context.Context, ev orders.Event) error {
	unlock := e.locks.Lock(orderKey(ev.ID))
	defer unlock()

	if dup, err := e.seenOrderVersion(ctx, ev.ID, ev.Version); err != nil || dup {
		return err
	}

	remote, err := e.remote.GetOrder(ctx, ev.ID)
	if err != nil {
		return err
	}
	if dup, err := e.seenOrderVersion(ctx, ev.ID, remote.Version); err != nil || dup {
		return err
	}

	local, err := e.store.GetOrderByRemoteID(ctx, ev.ID)
	if orders.IsKind(err, orders.KindNotFound) {
		return e.handleUnknownOrder(ctx, remote)
	}
	if err != nil {
		return err
	}
	return e.applyRemoteOrder(ctx, local, remote)
}

func (e *Engine) seenOrderVersion(ctx context.Context, remoteID string, v orders.Version) (bool, error) {
	if v == "" {
		return false, nil
	}
	seen, err := e.store.OrderVersion(ctx, remoteID)
	if err != nil {
		return false, err
	}
	if seen == v {
		e.metrics.duplicate(string(orders.EntityOrder))
		e.logFor(orders.EntityOrder, remoteID).WithField("version", v).Debug("duplicate order notification")
		return true, nil
	}
	return false, nil
}

func (e *Engine) handleUnknownOrder(ctx context.Context, remote *orders.Order) error {
	switch {
	case remote.Status == orders.StatusPending:
		return e.confirmNewOrder(ctx, remote)
	case remote.Status.Terminal():
		// Never reached the POS; remember the version so replays stay quiet.
		return e.store.RecordOrderVersion(ctx, remote.RemoteID, remote.Version)
	}
	return orders.NotFound(orders.EntityOrder, remote.RemoteID)
}

// applyRemoteOrder merges a remote change into the POS copy. The remote side
// owns consumer-facing attributes and the version; status moves only along
// the state machine.
func (e *Engine) applyRemoteOrder(ctx context.Context, local, remote *orders.Order) error {
	log := e.logFor(orders.EntityOrder, remote.RemoteID)
	next := local.Clone()

	switch {
	case remote.Status == local.Status:
	case remote.Status == orders.StatusCancelled:
		if !orders.CanTransition(local.Status, orders.StatusCancelled) {
			return orders.InvalidTransition(orders.EntityOrder, local.ID, local.Status, remote.Status)
		}
		next.Status = orders.StatusCancelled
		if err := e.mgr.Ordering.OrderCancelled(ctx, next); err != nil {
			return err
		}
		e.clearHandshake(remote.RemoteID)
	case orders.CanTransition(local.Status, remote.Status):
		next.Status = remote.Status
	default:
		log.WithFields(logrus.Fields{"local_status": local.Status, "remote_status": remote.Status}).
			Info("remote status behind pos, keeping pos status")
	}

	if remote.CheckinID != "" && remote.CheckinID != local.CheckinID {
		next.CheckinID = remote.CheckinID
	}
	if !remote.RequiredAt.IsZero() {
		next.RequiredAt = remote.RequiredAt
	}
	if remote.InvoiceURI != "" {
		next.InvoiceURI = remote.InvoiceURI
	}
	if err := next.BindRemote(remote.RemoteID, remote.Version); err != nil {
		return err
	}
	next.UpdatedAt = e.now().UTC()
	if err := e.store.SaveOrder(ctx, next); err != nil {
		return err
	}
	if next.CheckinID != local.CheckinID {
		if err := e.store.RecordCheckinForOrder(ctx, next.ID, next.CheckinID); err != nil {
			return err
		}
	}
	e.publish(ctx, orders.OutcomeOrderReconciled, next.ID, orders.OrderOutcomePayload{
		OrderID: next.ID, RemoteID: next.RemoteID, Status: next.Status, Version: next.Version,
	})
	return nil
}

// confirmNewOrder runs the acceptance handshake for an order first seen in
// pending state.
func (e *Engine) confirmNewOrder(ctx context.Context, remote *orders.Order) error {
	o := remote.Clone()
	log := e.logFor(orders.EntityOrder, o.RemoteID)

	invalid := e.validateLines(o)
	accepted := invalid == nil
	if accepted {
		switch e.opts.OrderMode {
		case orders.ModeBistro:
			ok, err := e.mgr.Ordering.ConfirmOrderAvailabilityBistroMode(ctx, o)
			if err != nil {
				return err
			}
			accepted = ok && !o.HasRejections()
		default:
			confirmed, err := e.mgr.Ordering.ConfirmNewOrder(ctx, o)
			if err != nil {
				return err
			}
			if confirmed == nil {
				accepted = false
			} else {
				o = confirmed
				accepted = !o.HasRejections()
			}
		}
	}

	if !accepted {
		if err := e.rejectOrder(ctx, o); err != nil {
			return err
		}
		return invalid
	}

	if o.ID == "" {
		o.ID = e.newID()
	}
	now := e.now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	if e.opts.OrderMode == orders.ModeBistro {
		// Availability is held; the formal POS order waits for payment.
		o.Status = orders.StatusPending
		if err := e.store.SaveOrder(ctx, o); err != nil {
			return err
		}
		log.WithField("pos_id", o.ID).Info("bistro order held pending payment")
		return nil
	}

	o.Status = orders.StatusAccepted
	updated, err := e.submitOrder(ctx, o)
	if err != nil {
		return err
	}
	o.Version = updated.Version
	if err := e.store.SaveOrder(ctx, o); err != nil {
		return err
	}
	if o.CheckinID != "" {
		if err := e.store.RecordCheckinForOrder(ctx, o.ID, o.CheckinID); err != nil {
			return err
		}
	}
	log.WithField("pos_id", o.ID).Info("order accepted")
	e.publish(ctx, orders.OutcomeOrderReconciled, o.ID, orders.OrderOutcomePayload{
		OrderID: o.ID, RemoteID: o.RemoteID, Status: o.Status, Version: o.Version,
	})
	return nil
}

// validateLines marks lines whose option selections are out of range and
// returns the first validation error.
func (e *Engine) validateLines(o *orders.Order) error {
	var first error
	for i := range o.Items {
		if err := o.Items[i].Validate(); err != nil {
			o.Items[i].RejectionReasons = append(o.Items[i].RejectionReasons, err.Error())
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (e *Engine) rejectOrder(ctx context.Context, o *orders.Order) error {
	if e.opts.RejectPolicy == orders.RejectWhole {
		for i := range o.Items {
			if !o.Items[i].Rejected() {
				o.Items[i].RejectionReasons = []string{reasonOrderRejected}
			}
		}
	}
	o.Status = orders.StatusRejected
	updated, err := e.submitOrder(ctx, o)
	if err != nil {
		return err
	}
	// Rejected orders leave the working set; only the version is kept.
	if err := e.store.RecordOrderVersion(ctx, o.RemoteID, updated.Version); err != nil {
		return err
	}
	var reasons []string
	for _, it := range o.Items {
		reasons = append(reasons, it.RejectionReasons...)
	}
	e.logFor(orders.EntityOrder, o.RemoteID).WithField("reasons", reasons).Info("order rejected")
	e.publish(ctx, orders.OutcomeOrderRejected, o.RemoteID, orders.OrderOutcomePayload{
		OrderID: o.ID, RemoteID: o.RemoteID, Status: o.Status, Version: updated.Version, Reasons: reasons,
	})
	return nil
}

// SendOrder pushes the POS copy of an order upstream. Orders the remote
// service has never seen are created there.
func (e *Engine) SendOrder(ctx context.Context, posOrderID string) (*orders.Order, error) {
	peek, err := e.store.GetOrder(ctx, posOrderID)
	if err != nil {
		return nil, err
	}
	key := localOrderKey(posOrderID)
	if peek.RemoteID != "" {
		key = orderKey(peek.RemoteID)
	}
	unlock := e.locks.Lock(key)
	defer unlock()

	local, err := e.store.GetOrder(ctx, posOrderID)
	if err != nil {
		return nil, err
	}

	if local.RemoteID == "" {
		created, err := e.remote.CreateOrder(ctx, local)
		if err != nil {
			return nil, err
		}
		if err := local.BindRemote(created.RemoteID, created.Version); err != nil {
			return nil, err
		}
	} else {
		v, err := e.store.OrderVersion(ctx, local.RemoteID)
		if err != nil {
			return nil, err
		}
		if v != "" {
			local.Version = v
		}
		updated, err := e.submitOrder(ctx, local)
		if err != nil {
			return nil, err
		}
		local.Version = updated.Version
	}

	local.UpdatedAt = e.now().UTC()
	if err := e.store.SaveOrder(ctx, local); err != nil {
		return nil, err
	}
	e.publish(ctx, orders.OutcomeOrderReconciled, local.ID, orders.OrderOutcomePayload{
		OrderID: local.ID, RemoteID: local.RemoteID, Status: local.Status, Version: local.Version,
	})
	return local, nil
}

// submitOrder sends o upstream. On a version conflict it re-fetches the
// remote order, re-applies the POS-owned attributes and retries once.
func (e *Engine) submitOrder(ctx context.Context, o *orders.Order) (*orders.Order, error) {
	updated, err := e.remote.UpdateOrder(ctx, o)
	if !orders.IsKind(err, orders.KindConflict) {
		return updated, err
	}
	e.metrics.conflict(string(orders.EntityOrder), "retried")
	e.logFor(orders.EntityOrder, o.RemoteID).WithField("version", o.Version).
		Warn("order version conflict, re-fetching")

	fresh, ferr := e.remote.GetOrder(ctx, o.RemoteID)
	if ferr != nil {
		return nil, errors.Wrap(ferr, "re-fetch after conflict")
	}
	retry := applyPOSDelta(fresh, o)
	updated, err = e.remote.UpdateOrder(ctx, retry)
	if !orders.IsKind(err, orders.KindConflict) {
		return updated, err
	}

	if rerr := e.recordConflict(ctx, orders.EntityOrder, o.RemoteID, o.Version, retry.Version, err.Error()); rerr != nil {
		return nil, errors.CombineErrors(err, rerr)
	}
	return nil, &orders.Error{
		Kind:   orders.KindConflict,
		Entity: orders.EntityOrder,
		ID:     o.RemoteID,
		Msg:    "unresolved after retry, operator intervention required",
		Err:    err,
	}
}

// applyPOSDelta lays the POS-owned attributes of local over a freshly fetched
// remote order. Identity, version and consumer-facing fields stay remote.
func applyPOSDelta(fresh, local *orders.Order) *orders.Order {
	out := fresh.Clone()
	src := local.Clone()
	out.ID = src.ID
	out.Status = src.Status
	out.Items = src.Items
	out.Surcharges = src.Surcharges
	if out.LocationID == "" {
		out.LocationID = src.LocationID
	}
	return out
}
