package orders

import (
	"encoding/json"
	"time"
)

// EventKind names an inbound stream notification.
type EventKind string

const (
	EventOrderCreated       EventKind = "order_created"
	EventOrderUpdated       EventKind = "order_updated"
	EventTransactionCreated EventKind = "transaction_created"
	EventTransactionUpdated EventKind = "transaction_updated"
	EventTableAllocation    EventKind = "table_allocation"
	EventCheckinCreated     EventKind = "checkin_created"
	EventCheckinUpdated     EventKind = "checkin_updated"
	EventBookingCreated     EventKind = "booking_created"
	EventBookingUpdated     EventKind = "booking_updated"
	EventBookingDeleted     EventKind = "booking_deleted"
)

// Event is an inbound notification. The stream carries ids, not bodies; the
// engine fetches the entity when it needs more.
type Event struct {
	EventID    string
	Kind       EventKind
	ID         string // remote id of the entity named by Kind
	OrderID    string // set on transaction events
	Status     string
	Version    Version
	ReceivedAt time.Time
	Raw        json.RawMessage
}

// Key groups events that must be handled in order. Transaction events are
// keyed by their order so the payment handshake never interleaves.
func (e Event) Key() string {
	switch e.Kind {
	case EventOrderCreated, EventOrderUpdated:
		return "order:" + e.ID
	case EventTransactionCreated, EventTransactionUpdated:
		if e.OrderID != "" {
			return "order:" + e.OrderID
		}
		return "txn:" + e.ID
	case EventTableAllocation, EventCheckinCreated, EventCheckinUpdated:
		return "checkin:" + e.ID
	case EventBookingCreated, EventBookingUpdated, EventBookingDeleted:
		return "booking:" + e.ID
	}
	return "unknown:" + e.ID
}

// Outcome kinds published once the engine settles something.
const (
	OutcomeOrderReconciled     = "OrderReconciled"
	OutcomeOrderRejected       = "OrderRejected"
	OutcomeConflictUnresolved  = "ConflictUnresolved"
	OutcomePaymentRecorded     = "PaymentRecorded"
	OutcomePaymentRejected     = "PaymentRejected"
	OutcomeTableAllocated      = "TableAllocated"
	OutcomeTableRejected       = "TableRejected"
	OutcomeCheckinsDissociated = "CheckinsDissociated"
	OutcomeBookingChanged      = "BookingChanged"
	OutcomeHandlerFailed       = "HandlerFailed"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // entity id
	Payload       json.RawMessage `json:"payload"`
}

type OrderOutcomePayload struct {
	OrderID  string   `json:"order_id"`
	RemoteID string   `json:"remote_id,omitempty"`
	Status   Status   `json:"status"`
	Version  Version  `json:"version,omitempty"`
	Reasons  []string `json:"reasons,omitempty"`
}

type ConflictPayload struct {
	ConflictID    string  `json:"conflict_id"`
	Entity        Entity  `json:"entity"`
	EntityID      string  `json:"entity_id"`
	LocalVersion  Version `json:"local_version,omitempty"`
	RemoteVersion Version `json:"remote_version,omitempty"`
	Detail        string  `json:"detail"`
}

type PaymentPayload struct {
	TransactionID string    `json:"transaction_id"`
	OrderID       string    `json:"order_id"`
	AmountCents   string    `json:"amount_cents"`
	Status        TxnStatus `json:"status"`
}

type TablePayload struct {
	CheckinID string          `json:"checkin_id"`
	Tables    []string        `json:"tables,omitempty"`
	Reason    RejectionReason `json:"reason,omitempty"`
}

type DissociatedPayload struct {
	CheckinIDs []string `json:"checkin_ids"`
	OrderIDs   []string `json:"order_ids"`
}

type BookingPayload struct {
	BookingID string        `json:"booking_id"`
	Status    BookingStatus `json:"status,omitempty"`
	CheckinID string        `json:"checkin_id,omitempty"`
	Deleted   bool          `json:"deleted,omitempty"`
}

type HandlerFailedPayload struct {
	EventKind EventKind `json:"event_kind"`
	EntityID  string    `json:"entity_id"`
	ErrorKind ErrorKind `json:"error_kind"`
	Error     string    `json:"error"`
}

// POSChange is consumed from the POS change feed; it asks the engine to push
// the POS copy of an order upstream.
type POSChange struct {
	OrderID string `json:"order_id"`
}
