// Package pos defines what the reconciliation engine needs from the POS.
//
// The POS is the system of record. It supplies a Store for the entities the
// engine reconciles and a set of managers that make business decisions
// (accepting orders, payments, table allocations, bookings). The engine
// depends only on these capabilities, never on a concrete POS.
//
// Any method may return an *orders.Error of kind KindNotFound. The engine
// treats it as fatal for the operation in progress and does not retry.
package pos

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
)

// Store is the POS-owned persistence the engine reads and writes. Mutations
// for one entity id are only issued while the engine holds that entity's lock.
type Store interface {
	GetOrder(ctx context.Context, id string) (*orders.Order, error)
	GetOrderByRemoteID(ctx context.Context, remoteID string) (*orders.Order, error)
	SaveOrder(ctx context.Context, o *orders.Order) error
	OrderVersion(ctx context.Context, remoteID string) (orders.Version, error)
	RecordOrderVersion(ctx context.Context, remoteID string, v orders.Version) error
	OrdersForCheckin(ctx context.Context, checkinID string) ([]*orders.Order, error)

	GetTransaction(ctx context.Context, remoteID string) (*orders.Transaction, error)
	SaveTransaction(ctx context.Context, t *orders.Transaction) error
	TransactionsForOrder(ctx context.Context, remoteOrderID string) ([]*orders.Transaction, error)
	TransactionVersion(ctx context.Context, remoteID string) (orders.Version, error)
	RecordTransactionVersion(ctx context.Context, remoteID string, v orders.Version) error

	GetCheckin(ctx context.Context, id string) (*orders.Checkin, error)
	SaveCheckin(ctx context.Context, c *orders.Checkin) error
	LiveCheckins(ctx context.Context) ([]*orders.Checkin, error)
	CheckinForOrder(ctx context.Context, orderID string) (string, error)
	RecordCheckinForOrder(ctx context.Context, orderID, checkinID string) error

	GetBooking(ctx context.Context, id string) (*orders.Booking, error)
	SaveBooking(ctx context.Context, b *orders.Booking) error
	DeleteBooking(ctx context.Context, id string) error

	SaveConflict(ctx context.Context, c *orders.Conflict) error
	ListConflicts(ctx context.Context) ([]*orders.Conflict, error)
	ResolveConflict(ctx context.Context, id string) error
}

// OrderingManager owns price and availability truth.
type OrderingManager interface {
	// ConfirmNewOrder creates the order on the POS. It returns the order with
	// its POS id set, or nil to reject. Lines the POS cannot honor carry
	// RejectionReasons.
	ConfirmNewOrder(ctx context.Context, o *orders.Order) (*orders.Order, error)
	// ConfirmNewOrderWithPayment is the bistro-mode creation point: the order
	// arrives together with its payments.
	ConfirmNewOrderWithPayment(ctx context.Context, o *orders.Order, txns []*orders.Transaction) (*orders.Order, error)
	// ConfirmOrderAvailabilityBistroMode reserves limited items immediately.
	// It returns false when any line is unavailable; those lines carry a
	// rejection reason and the rest stay unmarked.
	ConfirmOrderAvailabilityBistroMode(ctx context.Context, o *orders.Order) (bool, error)
	OrderCancelled(ctx context.Context, o *orders.Order) error
}

// PaymentManager answers the payment handshake.
type PaymentManager interface {
	// ReadyToPay returns the transaction with the authoritative owing amount
	// and AcceptLess set, or nil to refuse the payment.
	ReadyToPay(ctx context.Context, t *orders.Transaction) (*orders.Transaction, error)
	CancelPayment(ctx context.Context, t *orders.Transaction) error
	// RecordSuccessfulPayment cannot refuse; refusal belongs in ReadyToPay.
	RecordSuccessfulPayment(ctx context.Context, t *orders.Transaction) error
	RecordPartialCheckPayment(ctx context.Context, orderID string, paid, total decimal.Decimal) error
	RecordFullCheckPayment(ctx context.Context, orderID string) error
}

// TableManager decides table allocations.
type TableManager interface {
	// ConfirmTableAllocation returns false with a.RejectionReason set when
	// the tables cannot be given to the checkin.
	ConfirmTableAllocation(ctx context.Context, a *orders.TableAllocation) (bool, error)
}

// ReservationManager mirrors remote bookings on the POS.
type ReservationManager interface {
	CreateBookingOnPos(ctx context.Context, b *orders.Booking) error
	UpdateBookingOnPos(ctx context.Context, b *orders.Booking) error
	DeleteBookingOnPos(ctx context.Context, id string) error
	RecordCheckinForBooking(ctx context.Context, bookingID, checkinID string) error
}

// Managers bundles the capability set handed to the engine.
type Managers struct {
	Ordering    OrderingManager
	Payment     PaymentManager
	Table       TableManager
	Reservation ReservationManager
}
