package reconcile

import (
	"context"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
)

func (e *Engine) HandleBookingCreated(ctx context.Context, ev orders.Event) error {
	unlock := e.locks.Lock(bookingKey(ev.ID))
	defer unlock()

	if _, err := e.store.GetBooking(ctx, ev.ID); err == nil {
		return orders.AlreadyExists(orders.EntityBooking, ev.ID)
	} else if !orders.IsKind(err, orders.KindNotFound) {
		return err
	}
	b, err := e.remote.GetBooking(ctx, ev.ID)
	if err != nil {
		return err
	}
	if b.Status == "" {
		b.Status = orders.BookingBooked
	}
	if err := e.mgr.Reservation.CreateBookingOnPos(ctx, b.Clone()); err != nil {
		return err
	}
	if err := e.store.SaveBooking(ctx, b); err != nil {
		return err
	}
	if b.CheckinID != "" {
		if err := e.mgr.Reservation.RecordCheckinForBooking(ctx, b.ID, b.CheckinID); err != nil {
			return err
		}
	}
	e.publish(ctx, orders.OutcomeBookingChanged, b.ID, orders.BookingPayload{BookingID: b.ID, Status: b.Status, CheckinID: b.CheckinID})
	return nil
}

func (e *Engine) HandleBookingUpdated(ctx context.Context, ev orders.Event) error {
	unlock := e.locks.Lock(bookingKey(ev.ID))
	defer unlock()

	local, err := e.store.GetBooking(ctx, ev.ID)
	if err != nil {
		return err
	}
	if ev.Version != "" && local.Version == ev.Version {
		e.metrics.duplicate(string(orders.EntityBooking))
		return nil
	}
	remote, err := e.remote.GetBooking(ctx, ev.ID)
	if err != nil {
		return err
	}
	if remote.Version != "" && local.Version == remote.Version {
		e.metrics.duplicate(string(orders.EntityBooking))
		return nil
	}

	next := local.Clone()
	if remote.Status != "" && remote.Status != local.Status {
		if !orders.CanTransitionBooking(local.Status, remote.Status) {
			return orders.InvalidTransition(orders.EntityBooking, ev.ID, local.Status, remote.Status)
		}
		next.Status = remote.Status
	}
	linked, err := next.LinkCheckin(remote.CheckinID)
	if err != nil {
		return err
	}
	if linked && next.Status == orders.BookingBooked {
		next.Status = orders.BookingArrived
	}
	next.Tables = append([]string(nil), remote.Tables...)
	next.Covers = remote.Covers
	next.Date = remote.Date
	next.Version = remote.Version
	next.UpdatedAt = e.now().UTC()

	if err := e.mgr.Reservation.UpdateBookingOnPos(ctx, next.Clone()); err != nil {
		return err
	}
	if err := e.store.SaveBooking(ctx, next); err != nil {
		return err
	}
	if linked {
		if err := e.mgr.Reservation.RecordCheckinForBooking(ctx, next.ID, next.CheckinID); err != nil {
			return err
		}
	}
	e.publish(ctx, orders.OutcomeBookingChanged, next.ID, orders.BookingPayload{BookingID: next.ID, Status: next.Status, CheckinID: next.CheckinID})
	return nil
}

func (e *Engine) HandleBookingDeleted(ctx context.Context, ev orders.Event) error {
	unlock := e.locks.Lock(bookingKey(ev.ID))
	defer unlock()

	if _, err := e.store.GetBooking(ctx, ev.ID); err != nil {
		return err
	}
	if err := e.mgr.Reservation.DeleteBookingOnPos(ctx, ev.ID); err != nil {
		return err
	}
	if err := e.store.DeleteBooking(ctx, ev.ID); err != nil {
		return err
	}
	e.publish(ctx, orders.OutcomeBookingChanged, ev.ID, orders.BookingPayload{BookingID: ev.ID, Deleted: true})
	return nil
}

// SeatBooking creates the checkin for an arriving booking. A booking that is
// already seated returns its existing checkin.
func (e *Engine) SeatBooking(ctx context.Context, bookingID string, covers int) (*orders.Checkin, error) {
	unlock := e.locks.Lock(bookingKey(bookingID))
	defer unlock()

	b, err := e.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.CheckinID != "" {
		return e.store.GetCheckin(ctx, b.CheckinID)
	}
	if b.Status != orders.BookingBooked {
		return nil, orders.InvalidTransition(orders.EntityBooking, bookingID, b.Status, orders.BookingArrived)
	}
	if covers <= 0 {
		covers = b.Covers
	}
	c, err := e.remote.CreateCheckinForBooking(ctx, bookingID, &orders.Checkin{
		Tables: append([]string(nil), b.Tables...),
		Covers: covers,
		Status: orders.CheckinPending,
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveCheckin(ctx, c); err != nil {
		return nil, err
	}
	if err := e.recordCheckinForBooking(ctx, b, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

// RecordCheckinForBooking links an existing booking to a checkin once per
// seating event.
func (e *Engine) RecordCheckinForBooking(ctx context.Context, bookingID, checkinID string) error {
	unlock := e.locks.Lock(bookingKey(bookingID))
	defer unlock()

	b, err := e.store.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	return e.recordCheckinForBooking(ctx, b, checkinID)
}

func (e *Engine) recordCheckinForBooking(ctx context.Context, b *orders.Booking, checkinID string) error {
	linked, err := b.LinkCheckin(checkinID)
	if err != nil || !linked {
		return err
	}
	if b.Status == orders.BookingBooked {
		b.Status = orders.BookingArrived
	}
	b.UpdatedAt = e.now().UTC()
	if err := e.store.SaveBooking(ctx, b); err != nil {
		return err
	}
	if err := e.mgr.Reservation.RecordCheckinForBooking(ctx, b.ID, checkinID); err != nil {
		return err
	}
	e.publish(ctx, orders.OutcomeBookingChanged, b.ID, orders.BookingPayload{BookingID: b.ID, Status: b.Status, CheckinID: checkinID})
	return nil
}
