package reconcile

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/ariefcatur/go-pos-sync/internal/money"
	"github.com/ariefcatur/go-pos-sync/internal/orders"
)

// HandleTransactionEvent routes a transaction notification to the matching
// step of the payment handshake.
func (e *Engine) HandleTransactionEvent(ctx context.Context, ev orders.Event) error {
	if ev.Version != "" {
		seen, err := e.store.TransactionVersion(ctx, ev.ID)
		if err != nil {
			return err
		}
		if seen == ev.Version {
			e.metrics.duplicate(string(orders.EntityTransaction))
			return nil
		}
	}
	t, err := e.remote.GetTransaction(ctx, ev.ID)
	if err != nil {
		return err
	}
	if t.OrderID == "" {
		t.OrderID = ev.OrderID
	}
	seen, err := e.store.TransactionVersion(ctx, t.RemoteID)
	if err != nil {
		return err
	}
	if t.Version != "" && seen == t.Version {
		e.metrics.duplicate(string(orders.EntityTransaction))
		return nil
	}

	switch t.Status {
	case orders.TxnPending:
		return e.ReadyToPay(ctx, t)
	case orders.TxnAccepted, orders.TxnComplete:
		return e.RecordSuccessfulPayment(ctx, t)
	case orders.TxnCancelled:
		return e.CancelPayment(ctx, t)
	default:
		// waiting / rejected echo our own writes; just remember the version.
		return e.store.RecordTransactionVersion(ctx, t.RemoteID, t.Version)
	}
}

// ReadyToPay asks the POS whether the transaction may proceed. A nil answer
// from the POS rejects the payment without touching the order. Only one
// handshake may be live per order.
func (e *Engine) ReadyToPay(ctx context.Context, t *orders.Transaction) error {
	unlock := e.locks.Lock(orderKey(t.OrderID))
	defer unlock()
	log := e.logFor(orders.EntityTransaction, t.RemoteID).WithField("order", t.OrderID)

	e.payMu.Lock()
	hs, busy := e.payments[t.OrderID]
	e.payMu.Unlock()
	if busy {
		if hs.txnID == t.RemoteID {
			return nil
		}
		return &orders.Error{
			Kind:   orders.KindPaymentInProgress,
			Entity: orders.EntityTransaction,
			ID:     t.RemoteID,
			Msg:    "order " + t.OrderID + " already has payment " + hs.txnID + " in progress",
		}
	}

	order, err := e.store.GetOrderByRemoteID(ctx, t.OrderID)
	if err != nil {
		return err
	}

	if e.opts.OrderMode == orders.ModeBistro && order.Status == orders.StatusPending {
		created, err := e.confirmWithPayment(ctx, order, t)
		if err != nil {
			return err
		}
		if created == nil {
			return e.rejectPayment(ctx, t, "order not accepted by pos")
		}
		order = created
	}

	answer, err := e.mgr.Payment.ReadyToPay(ctx, t.Clone())
	if err != nil {
		return err
	}
	if answer == nil {
		return e.rejectPayment(ctx, t, "pos refused payment")
	}
	answer.RemoteID, answer.OrderID = t.RemoteID, t.OrderID
	if answer.Version == "" {
		answer.Version = t.Version
	}

	// From here on the POS holds the order for this payment; every failure
	// must hand it back.
	abort := func(cause error) error {
		if cerr := e.mgr.Payment.CancelPayment(ctx, answer.Clone()); cerr != nil {
			return errors.CombineErrors(cause, cerr)
		}
		return cause
	}

	if err := e.checkPayable(ctx, order, answer); err != nil {
		if rerr := e.rejectPayment(ctx, t, err.Error()); rerr != nil {
			err = errors.CombineErrors(err, rerr)
		}
		return abort(err)
	}

	answer.Status = orders.TxnWaiting
	updated, err := e.submitTransaction(ctx, answer)
	if err != nil {
		return abort(err)
	}
	if answer.ID == "" {
		answer.ID = e.newID()
	}
	answer.Version = updated.Version
	if err := e.store.SaveTransaction(ctx, answer); err != nil {
		return abort(err)
	}

	prev := order.Status
	if orders.CanTransition(order.Status, orders.StatusWaitingForPayment) {
		order.Status = orders.StatusWaitingForPayment
		order.UpdatedAt = e.now().UTC()
		if err := e.store.SaveOrder(ctx, order); err != nil {
			return abort(err)
		}
	}

	e.payMu.Lock()
	e.payments[t.OrderID] = &handshake{txnID: t.RemoteID, prevStatus: prev}
	e.payMu.Unlock()

	log.WithFields(logrus.Fields{"amount": answer.Amount.StringFixed(2), "accept_less": answer.AcceptLess}).
		Info("payment ready")
	return nil
}

// confirmWithPayment performs the deferred bistro-mode order creation.
func (e *Engine) confirmWithPayment(ctx context.Context, order *orders.Order, t *orders.Transaction) (*orders.Order, error) {
	txns, err := e.store.TransactionsForOrder(ctx, order.RemoteID)
	if err != nil {
		return nil, err
	}
	txns = append(txns, t.Clone())
	created, err := e.mgr.Ordering.ConfirmNewOrderWithPayment(ctx, order.Clone(), txns)
	if err != nil || created == nil {
		return nil, err
	}
	if created.ID == "" {
		created.ID = order.ID
	}
	created.Status = orders.StatusAccepted
	updated, err := e.submitOrder(ctx, created)
	if err != nil {
		return nil, err
	}
	created.Version = updated.Version
	created.UpdatedAt = e.now().UTC()
	if err := e.store.SaveOrder(ctx, created); err != nil {
		return nil, err
	}
	e.publish(ctx, orders.OutcomeOrderReconciled, created.ID, orders.OrderOutcomePayload{
		OrderID: created.ID, RemoteID: created.RemoteID, Status: created.Status, Version: created.Version,
	})
	return created, nil
}

// checkPayable enforces that accepted payments never exceed the payable
// total unless the transaction explicitly accepts less.
func (e *Engine) checkPayable(ctx context.Context, order *orders.Order, t *orders.Transaction) error {
	if t.AcceptLess {
		return nil
	}
	paid, err := e.paidSoFar(ctx, order.RemoteID, "")
	if err != nil {
		return err
	}
	if paid.Add(t.Amount).GreaterThan(order.Total()) {
		return orders.Validation(orders.EntityTransaction, t.RemoteID,
			"payment exceeds amount owing "+order.Total().Sub(paid).StringFixed(2), t.Amount.StringFixed(2))
	}
	return nil
}

func (e *Engine) paidSoFar(ctx context.Context, remoteOrderID, except string) (decimal.Decimal, error) {
	txns, err := e.store.TransactionsForOrder(ctx, remoteOrderID)
	if err != nil {
		return decimal.Zero, err
	}
	paid := decimal.Zero
	for _, x := range txns {
		if x.RemoteID == except {
			continue
		}
		if x.Status == orders.TxnAccepted || x.Status == orders.TxnComplete {
			paid = paid.Add(x.Amount)
		}
	}
	return paid, nil
}

func (e *Engine) rejectPayment(ctx context.Context, t *orders.Transaction, reason string) error {
	r := t.Clone()
	r.Status = orders.TxnRejected
	updated, err := e.submitTransaction(ctx, r)
	if err != nil {
		return err
	}
	r.Version = updated.Version
	if r.ID == "" {
		r.ID = e.newID()
	}
	if err := e.store.SaveTransaction(ctx, r); err != nil {
		return err
	}
	e.logFor(orders.EntityTransaction, t.RemoteID).WithField("reason", reason).Info("payment not accepted")
	e.publish(ctx, orders.OutcomePaymentRejected, r.RemoteID, orders.PaymentPayload{
		TransactionID: r.RemoteID, OrderID: r.OrderID, AmountCents: money.ToCents(r.Amount), Status: r.Status,
	})
	return nil
}

// CancelPayment undoes the lock applied by ReadyToPay; the order becomes
// editable again.
func (e *Engine) CancelPayment(ctx context.Context, t *orders.Transaction) error {
	unlock := e.locks.Lock(orderKey(t.OrderID))
	defer unlock()

	if err := e.mgr.Payment.CancelPayment(ctx, t.Clone()); err != nil {
		return err
	}
	c := t.Clone()
	if stored, err := e.store.GetTransaction(ctx, t.RemoteID); err == nil {
		c.ID = stored.ID
		if !orders.CanTransitionTxn(stored.Status, orders.TxnCancelled) && stored.Status != orders.TxnCancelled {
			return orders.InvalidTransition(orders.EntityTransaction, t.RemoteID, stored.Status, orders.TxnCancelled)
		}
	} else if !orders.IsKind(err, orders.KindNotFound) {
		return err
	}
	if c.ID == "" {
		c.ID = e.newID()
	}
	c.Status = orders.TxnCancelled
	if err := e.store.SaveTransaction(ctx, c); err != nil {
		return err
	}

	hs, owner := e.releaseHandshake(t.OrderID, t.RemoteID)
	if !owner {
		// Refused earlier with payment_in_progress; the live payment keeps the order.
		e.logFor(orders.EntityTransaction, t.RemoteID).Info("payment cancelled")
		return nil
	}
	order, err := e.store.GetOrderByRemoteID(ctx, t.OrderID)
	if err != nil {
		return err
	}
	if order.Status == orders.StatusWaitingForPayment {
		order.Status = orders.StatusAccepted
		if hs != nil && hs.prevStatus != orders.StatusWaitingForPayment {
			order.Status = hs.prevStatus
		}
		order.UpdatedAt = e.now().UTC()
		if err := e.store.SaveOrder(ctx, order); err != nil {
			return err
		}
	}
	e.logFor(orders.EntityTransaction, t.RemoteID).Info("payment cancelled")
	return nil
}

// RecordSuccessfulPayment settles a transaction. The POS cannot refuse it
// here; refusal belongs in ReadyToPay.
func (e *Engine) RecordSuccessfulPayment(ctx context.Context, t *orders.Transaction) error {
	unlock := e.locks.Lock(orderKey(t.OrderID))
	defer unlock()

	done := t.Clone()
	if stored, err := e.store.GetTransaction(ctx, t.RemoteID); err == nil {
		done.ID = stored.ID
		if stored.Status == orders.TxnComplete {
			return e.store.RecordTransactionVersion(ctx, t.RemoteID, t.Version)
		}
	} else if !orders.IsKind(err, orders.KindNotFound) {
		return err
	}
	if done.ID == "" {
		done.ID = e.newID()
	}
	done.Status = orders.TxnComplete

	if err := e.mgr.Payment.RecordSuccessfulPayment(ctx, done.Clone()); err != nil {
		return err
	}
	if err := e.store.SaveTransaction(ctx, done); err != nil {
		return err
	}
	e.releaseHandshake(t.OrderID, t.RemoteID)

	order, err := e.store.GetOrderByRemoteID(ctx, t.OrderID)
	if err != nil {
		return err
	}
	paid, err := e.paidSoFar(ctx, t.OrderID, "")
	if err != nil {
		return err
	}
	total := order.Total()
	full := !paid.LessThan(total)
	if full {
		if err := e.mgr.Payment.RecordFullCheckPayment(ctx, order.ID); err != nil {
			return err
		}
	} else if err := e.mgr.Payment.RecordPartialCheckPayment(ctx, order.ID, paid, total); err != nil {
		return err
	}

	// Restaurant tabs stay open until settled in full.
	if (e.opts.OrderMode == orders.ModeBistro || full) && orders.CanTransition(order.Status, orders.StatusPaid) {
		order.Status = orders.StatusPaid
		order.UpdatedAt = e.now().UTC()
		if err := e.store.SaveOrder(ctx, order); err != nil {
			return err
		}
	}

	e.logFor(orders.EntityTransaction, t.RemoteID).WithFields(logrus.Fields{
		"order": order.ID, "paid": paid.StringFixed(2), "total": total.StringFixed(2),
	}).Info("payment recorded")
	e.publish(ctx, orders.OutcomePaymentRecorded, done.RemoteID, orders.PaymentPayload{
		TransactionID: done.RemoteID, OrderID: done.OrderID, AmountCents: money.ToCents(done.Amount), Status: done.Status,
	})
	return nil
}

// submitTransaction mirrors submitOrder for transactions.
func (e *Engine) submitTransaction(ctx context.Context, t *orders.Transaction) (*orders.Transaction, error) {
	updated, err := e.remote.UpdateTransaction(ctx, t)
	if !orders.IsKind(err, orders.KindConflict) {
		return updated, err
	}
	e.metrics.conflict(string(orders.EntityTransaction), "retried")

	fresh, ferr := e.remote.GetTransaction(ctx, t.RemoteID)
	if ferr != nil {
		return nil, errors.Wrap(ferr, "re-fetch after conflict")
	}
	retry := fresh.Clone()
	retry.Status, retry.Amount, retry.AcceptLess, retry.Reference = t.Status, t.Amount, t.AcceptLess, t.Reference
	updated, err = e.remote.UpdateTransaction(ctx, retry)
	if !orders.IsKind(err, orders.KindConflict) {
		return updated, err
	}
	if rerr := e.recordConflict(ctx, orders.EntityTransaction, t.RemoteID, t.Version, retry.Version, err.Error()); rerr != nil {
		return nil, errors.CombineErrors(err, rerr)
	}
	return nil, &orders.Error{Kind: orders.KindConflict, Entity: orders.EntityTransaction, ID: t.RemoteID,
		Msg: "unresolved after retry, operator intervention required", Err: err}
}

func (e *Engine) takeHandshake(orderID string) *handshake {
	e.payMu.Lock()
	defer e.payMu.Unlock()
	hs := e.payments[orderID]
	delete(e.payments, orderID)
	return hs
}

// releaseHandshake drops the order's handshake if txnID holds it. owner is
// false when another transaction holds the order.
func (e *Engine) releaseHandshake(orderID, txnID string) (hs *handshake, owner bool) {
	e.payMu.Lock()
	defer e.payMu.Unlock()
	cur, ok := e.payments[orderID]
	if !ok {
		return nil, true
	}
	if cur.txnID != txnID {
		return nil, false
	}
	delete(e.payments, orderID)
	return cur, true
}

func (e *Engine) clearHandshake(orderID string) { e.takeHandshake(orderID) }

// PaymentInProgress reports whether a ReadyToPay handshake is live for the
// remote order.
func (e *Engine) PaymentInProgress(remoteOrderID string) bool {
	e.payMu.Lock()
	defer e.payMu.Unlock()
	_, ok := e.payments[remoteOrderID]
	return ok
}
