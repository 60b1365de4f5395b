package orders

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductOption_Validate(t *testing.T) {
	opt := ProductOption{PosID: "milk", Name: "Milk", Min: 1, Max: 2}

	err := opt.Validate()
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindValidation, e.Kind)
	assert.Equal(t, "0", e.Value)

	opt.Selected = []Variant{{PosID: "oat"}}
	assert.NoError(t, opt.Validate())

	opt.Selected = []Variant{{PosID: "oat"}, {PosID: "soy"}, {PosID: "almond"}}
	assert.True(t, IsKind(opt.Validate(), KindValidation))
}

func TestProductOption_ValidateOpenMax(t *testing.T) {
	opt := ProductOption{PosID: "extras", Name: "Extras", Min: 1}

	err := opt.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 1")

	opt.Selected = []Variant{{PosID: "a"}, {PosID: "b"}, {PosID: "c"}, {PosID: "d"}}
	assert.NoError(t, opt.Validate())

	opt.Min = 0
	opt.Selected = nil
	assert.NoError(t, opt.Validate())
}

func TestOrder_Total(t *testing.T) {
	o := &Order{
		Items: []Product{
			{PosID: "a", Quantity: 2, Price: decimal.RequireFromString("4.50")},
			{PosID: "b", Quantity: 1, Price: decimal.RequireFromString("3.00"), RejectionReasons: []string{"out of stock"}},
		},
		Surcharges: []Surcharge{{Name: "Sunday", Amount: decimal.RequireFromString("1.25")}},
	}
	assert.Equal(t, "10.25", o.Total().StringFixed(2))
	assert.True(t, o.HasRejections())
}

func TestOrder_BindRemote(t *testing.T) {
	o := &Order{ID: "pos-1"}
	require.NoError(t, o.BindRemote("r-1", "v1"))
	require.NoError(t, o.BindRemote("r-1", "v2"))
	assert.Equal(t, Version("v2"), o.Version)

	err := o.BindRemote("r-2", "v3")
	assert.True(t, IsKind(err, KindValidation))
	assert.Equal(t, "r-1", o.RemoteID)
}

func TestOrder_CloneIsDeep(t *testing.T) {
	o := &Order{Items: []Product{{PosID: "a", Quantity: 1}}}
	c := o.Clone()
	c.Items[0].RejectionReasons = append(c.Items[0].RejectionReasons, "x")
	assert.Empty(t, o.Items[0].RejectionReasons)
}

func TestOrder_CloneCopiesOptionVariants(t *testing.T) {
	o := &Order{Items: []Product{{PosID: "a", Quantity: 1, Options: []ProductOption{{
		PosID:    "sauce",
		Variants: []Variant{{PosID: "bbq"}, {PosID: "aioli"}},
		Selected: []Variant{{PosID: "bbq"}},
	}}}}}
	c := o.Clone()
	c.Items[0].Options[0].Selected[0].PosID = "aioli"
	c.Items[0].Options[0].Variants[1].Price = decimal.RequireFromString("0.50")

	assert.Equal(t, "bbq", o.Items[0].Options[0].Selected[0].PosID)
	assert.True(t, o.Items[0].Options[0].Variants[1].Price.IsZero())
}

func TestBooking_LinkCheckin(t *testing.T) {
	b := &Booking{ID: "b1", Status: BookingBooked}
	changed, err := b.LinkCheckin("c1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = b.LinkCheckin("c1")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = b.LinkCheckin("c2")
	assert.True(t, IsKind(err, KindValidation))
	assert.Equal(t, "c1", b.CheckinID)
}

func TestCheckin_Normalize(t *testing.T) {
	loc := time.FixedZone("AEST", 10*3600)
	c := &Checkin{
		Status:          CheckinDeallocated,
		Tables:          []string{"T1"},
		RejectionReason: ReasonTableIsOccupied,
		CreatedAt:       time.Date(2024, 5, 1, 18, 0, 0, 0, loc),
	}
	c.Normalize()
	assert.Nil(t, c.Tables)
	assert.Empty(t, c.RejectionReason)
	assert.Equal(t, time.UTC, c.CreatedAt.Location())
	assert.Equal(t, 8, c.CreatedAt.Hour())
}

func TestEventKey(t *testing.T) {
	assert.Equal(t, "order:o1", Event{Kind: EventOrderUpdated, ID: "o1"}.Key())
	assert.Equal(t, "order:o1", Event{Kind: EventTransactionCreated, ID: "t1", OrderID: "o1"}.Key())
	assert.Equal(t, "txn:t1", Event{Kind: EventTransactionUpdated, ID: "t1"}.Key())
	assert.Equal(t, "checkin:c1", Event{Kind: EventTableAllocation, ID: "c1"}.Key())
	assert.Equal(t, "booking:b1", Event{Kind: EventBookingDeleted, ID: "b1"}.Key())
}

func TestErrorKinds(t *testing.T) {
	err := NotFound(EntityOrder, "o1")
	assert.True(t, IsKind(err, KindNotFound))
	assert.False(t, IsRetryable(err))
	assert.True(t, IsRetryable(Transport(EntityOrder, "o1", assert.AnError)))
	assert.Contains(t, err.Error(), "id=o1")
	assert.Equal(t, ErrorKind(""), KindOf(assert.AnError))
}
