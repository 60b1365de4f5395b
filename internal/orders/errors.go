package orders

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrorKind lets the POS tell "my data is wrong" from "the network failed"
// from "the remote and I disagree".
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindAlreadyExists     ErrorKind = "already_exists"
	KindConflict          ErrorKind = "conflict"
	KindTransport         ErrorKind = "transport"
	KindValidation        ErrorKind = "validation"
	KindPaymentInProgress ErrorKind = "payment_in_progress"
	KindInvalidTransition ErrorKind = "invalid_transition"
)

type Entity string

const (
	EntityOrder       Entity = "order"
	EntityTransaction Entity = "transaction"
	EntityCheckin     Entity = "checkin"
	EntityBooking     Entity = "booking"
	EntityProduct     Entity = "product"
	EntityEvent       Entity = "event"
)

// Error is the single error type crossing the engine boundary.
type Error struct {
	Kind   ErrorKind
	Entity Entity
	ID     string
	// Value holds the offending input for validation errors.
	Value string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s %s", e.Entity, e.Kind)
	if e.ID != "" {
		s += fmt.Sprintf(" (id=%s)", e.ID)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Value != "" {
		s += fmt.Sprintf(" [value=%q]", e.Value)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(entity Entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, ID: id, Msg: "does not exist on pos"}
}

func AlreadyExists(entity Entity, id string) *Error {
	return &Error{Kind: KindAlreadyExists, Entity: entity, ID: id, Msg: "already exists on pos"}
}

func ConflictError(entity Entity, id, msg string) *Error {
	return &Error{Kind: KindConflict, Entity: entity, ID: id, Msg: msg}
}

func Transport(entity Entity, id string, err error) *Error {
	return &Error{Kind: KindTransport, Entity: entity, ID: id, Err: err}
}

func Validation(entity Entity, id, msg, value string) *Error {
	return &Error{Kind: KindValidation, Entity: entity, ID: id, Msg: msg, Value: value}
}

func InvalidTransition(entity Entity, id string, from, to any) *Error {
	return &Error{Kind: KindInvalidTransition, Entity: entity, ID: id,
		Msg: fmt.Sprintf("cannot move from %v to %v", from, to)}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err may succeed when repeated unchanged.
// Only transport failures qualify; conflicts have their own re-fetch path.
func IsRetryable(err error) bool {
	return IsKind(err, KindTransport)
}
