package orders

import "strings"

type OrderMode string

const (
	// ModeRestaurant runs a tab per checkin; orders are created on the POS
	// as soon as they are accepted and settled at the end of the session.
	ModeRestaurant OrderMode = "restaurant"
	// ModeBistro orders and pays together; formal creation waits for payment.
	ModeBistro OrderMode = "bistro"
)

type SeatingMode string

const (
	SeatingPOS    SeatingMode = "pos"
	SeatingRemote SeatingMode = "remote"
)

// RejectPolicy decides how a partially unavailable order is reported.
type RejectPolicy string

const (
	RejectPerItem RejectPolicy = "item"
	RejectWhole   RejectPolicy = "whole"
)

func ParseOrderMode(s string) (OrderMode, error) {
	switch m := OrderMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeRestaurant, ModeBistro:
		return m, nil
	}
	return "", Validation(EntityOrder, "", "unknown order mode", s)
}

func ParseSeatingMode(s string) (SeatingMode, error) {
	switch m := SeatingMode(strings.ToLower(strings.TrimSpace(s))); m {
	case SeatingPOS, SeatingRemote:
		return m, nil
	}
	return "", Validation(EntityCheckin, "", "unknown seating mode", s)
}

func ParseRejectPolicy(s string) (RejectPolicy, error) {
	switch p := RejectPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case RejectPerItem, RejectWhole:
		return p, nil
	}
	return "", Validation(EntityOrder, "", "unknown reject policy", s)
}
