package reconcile

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
)

// HandleCheckinEvent mirrors a checkin_created / checkin_updated notification.
func (e *Engine) HandleCheckinEvent(ctx context.Context, ev orders.Event) error {
	unlock := e.locks.Lock(checkinKey(ev.ID))
	defer unlock()

	local, err := e.store.GetCheckin(ctx, ev.ID)
	if err != nil && !orders.IsKind(err, orders.KindNotFound) {
		return err
	}
	if local != nil && ev.Version != "" && local.Version == ev.Version {
		e.metrics.duplicate(string(orders.EntityCheckin))
		return nil
	}
	remote, err := e.remote.GetCheckin(ctx, ev.ID)
	if err != nil {
		return err
	}
	if local != nil && local.Version == remote.Version {
		e.metrics.duplicate(string(orders.EntityCheckin))
		return nil
	}
	if local != nil && local.Status != remote.Status && !orders.CanTransitionCheckin(local.Status, remote.Status) {
		return orders.InvalidTransition(orders.EntityCheckin, ev.ID, local.Status, remote.Status)
	}
	if remote.Status == orders.CheckinCompleted && remote.CompletedAt.IsZero() {
		remote.CompletedAt = e.now().UTC()
	}
	return e.store.SaveCheckin(ctx, remote)
}

// HandleTableAllocation answers a table_allocation proposal from the remote
// service.
func (e *Engine) HandleTableAllocation(ctx context.Context, ev orders.Event) error {
	if e.opts.SeatingMode != orders.SeatingRemote {
		return orders.Validation(orders.EntityCheckin, ev.ID, "allocation proposals are not accepted in pos seating mode", string(e.opts.SeatingMode))
	}
	c, err := e.remote.GetCheckin(ctx, ev.ID)
	if err != nil {
		return err
	}
	_, err = e.ConfirmTableAllocation(ctx, &orders.TableAllocation{
		CheckinID: c.ID,
		Tables:    c.Tables,
		Covers:    c.Covers,
		Version:   c.Version,
	})
	return err
}

// ConfirmTableAllocation asks the POS to seat a checkin at the proposed
// tables. On failure a carries exactly one rejection reason.
func (e *Engine) ConfirmTableAllocation(ctx context.Context, a *orders.TableAllocation) (bool, error) {
	unlock := e.locks.Lock(checkinKey(a.CheckinID))
	defer unlock()
	log := e.logFor(orders.EntityCheckin, a.CheckinID).WithField("tables", a.Tables)

	c, err := e.store.GetCheckin(ctx, a.CheckinID)
	switch {
	case orders.IsKind(err, orders.KindNotFound):
		c = &orders.Checkin{ID: a.CheckinID, Status: orders.CheckinPending, CreatedAt: e.now().UTC()}
	case err != nil:
		return false, err
	}

	a.RejectionReason = ""
	ok := false
	if c.Status == orders.CheckinDeallocated {
		a.RejectionReason = orders.ReasonCheckinWasDeallocated
	} else {
		ok, err = e.mgr.Table.ConfirmTableAllocation(ctx, a)
		if err != nil {
			return false, err
		}
		if ok {
			a.RejectionReason = ""
		} else if a.RejectionReason == "" {
			log.Warn("pos rejected allocation without a reason")
			a.RejectionReason = orders.ReasonTableIsOccupied
		}
	}

	next := c.Clone()
	next.Version = a.Version
	next.Covers = a.Covers
	next.UpdatedAt = e.now().UTC()
	if ok {
		next.Status = orders.CheckinAllocated
		next.Tables = append([]string(nil), a.Tables...)
		next.RejectionReason = ""
	} else {
		next.Status = orders.CheckinRejected
		next.Tables = nil
		next.RejectionReason = a.RejectionReason
	}

	updated, err := e.remote.UpdateCheckin(ctx, next)
	if orders.IsKind(err, orders.KindConflict) {
		e.metrics.conflict(string(orders.EntityCheckin), "rejected")
		ok = false
		a.RejectionReason = orders.ReasonConcurrencyConflict
		next.Status = orders.CheckinRejected
		next.Tables = nil
		next.RejectionReason = orders.ReasonConcurrencyConflict
		updated, err = next, nil
	}
	if err != nil {
		return false, err
	}
	updated.RejectionReason = next.RejectionReason
	if err := e.store.SaveCheckin(ctx, updated); err != nil {
		return false, err
	}

	if ok {
		log.Info("table allocated")
		e.publish(ctx, orders.OutcomeTableAllocated, a.CheckinID, orders.TablePayload{CheckinID: a.CheckinID, Tables: a.Tables})
	} else {
		log.WithField("reason", a.RejectionReason).Info("table allocation rejected")
		e.publish(ctx, orders.OutcomeTableRejected, a.CheckinID, orders.TablePayload{CheckinID: a.CheckinID, Tables: a.Tables, Reason: a.RejectionReason})
	}
	return ok, nil
}

// AllocateTable submits a POS-chosen table for a checkin (pos seating mode).
func (e *Engine) AllocateTable(ctx context.Context, checkinID string, tables []string, covers int) (*orders.Checkin, error) {
	if e.opts.SeatingMode != orders.SeatingPOS {
		return nil, orders.Validation(orders.EntityCheckin, checkinID, "tables are allocated by the remote service in remote seating mode", string(e.opts.SeatingMode))
	}
	if len(tables) == 0 {
		return nil, orders.Validation(orders.EntityCheckin, checkinID, "no table given", "")
	}
	unlock := e.locks.Lock(checkinKey(checkinID))
	defer unlock()

	c, err := e.store.GetCheckin(ctx, checkinID)
	if orders.IsKind(err, orders.KindNotFound) {
		c, err = e.remote.GetCheckin(ctx, checkinID)
	}
	if err != nil {
		return nil, err
	}
	if !c.Status.Live() && c.Status != orders.CheckinDeallocated && c.Status != orders.CheckinRejected {
		return nil, orders.InvalidTransition(orders.EntityCheckin, checkinID, c.Status, orders.CheckinAllocated)
	}
	next := c.Clone()
	next.Status = orders.CheckinAllocated
	next.Tables = append([]string(nil), tables...)
	if covers > 0 {
		next.Covers = covers
	}
	next.UpdatedAt = e.now().UTC()

	updated, err := e.remote.UpdateCheckin(ctx, next)
	if orders.IsKind(err, orders.KindConflict) {
		e.metrics.conflict(string(orders.EntityCheckin), "retried")
		fresh, ferr := e.remote.GetCheckin(ctx, checkinID)
		if ferr != nil {
			return nil, errors.Wrap(ferr, "re-fetch after conflict")
		}
		retry := fresh.Clone()
		retry.Status, retry.Tables, retry.Covers = next.Status, next.Tables, next.Covers
		updated, err = e.remote.UpdateCheckin(ctx, retry)
		if orders.IsKind(err, orders.KindConflict) {
			if rerr := e.recordConflict(ctx, orders.EntityCheckin, checkinID, next.Version, retry.Version, err.Error()); rerr != nil {
				return nil, errors.CombineErrors(err, rerr)
			}
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveCheckin(ctx, updated); err != nil {
		return nil, err
	}
	e.publish(ctx, orders.OutcomeTableAllocated, checkinID, orders.TablePayload{CheckinID: checkinID, Tables: tables})
	return updated, nil
}

// DissociateCheckins is the degraded-mode safety net: every live checkin
// loses its tables and its orders, and the orders themselves stay on the POS
// untouched otherwise.
func (e *Engine) DissociateCheckins(ctx context.Context) (orders.DissociatedPayload, error) {
	var out orders.DissociatedPayload
	live, err := e.store.LiveCheckins(ctx)
	if err != nil {
		return out, err
	}
	for _, c := range live {
		ids, err := e.dissociate(ctx, c.ID)
		if err != nil {
			return out, errors.Wrapf(err, "dissociate checkin %s", c.ID)
		}
		out.CheckinIDs = append(out.CheckinIDs, c.ID)
		out.OrderIDs = append(out.OrderIDs, ids...)
	}
	e.metrics.addDissociated(len(out.CheckinIDs))
	e.log.WithFields(logrus.Fields{"checkins": len(out.CheckinIDs), "orders": len(out.OrderIDs)}).
		Warn("checkins dissociated")
	if len(out.CheckinIDs) > 0 {
		e.publish(ctx, orders.OutcomeCheckinsDissociated, "", out)
	}
	return out, nil
}

func (e *Engine) dissociate(ctx context.Context, checkinID string) ([]string, error) {
	unlock := e.locks.Lock(checkinKey(checkinID))
	defer unlock()

	c, err := e.store.GetCheckin(ctx, checkinID)
	if err != nil {
		return nil, err
	}
	if !c.Status.Live() {
		return nil, nil
	}
	c.Status = orders.CheckinDeallocated
	c.Tables = nil
	c.UpdatedAt = e.now().UTC()
	if err := e.store.SaveCheckin(ctx, c); err != nil {
		return nil, err
	}

	linked, err := e.store.OrdersForCheckin(ctx, checkinID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, o := range linked {
		if err := e.unlinkOrder(ctx, o); err != nil {
			return ids, err
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

// unlinkOrder takes the order lock inside the checkin lock; no path takes
// them the other way round.
func (e *Engine) unlinkOrder(ctx context.Context, o *orders.Order) error {
	key := localOrderKey(o.ID)
	if o.RemoteID != "" {
		key = orderKey(o.RemoteID)
	}
	unlock := e.locks.Lock(key)
	defer unlock()
	return e.store.RecordCheckinForOrder(ctx, o.ID, "")
}
