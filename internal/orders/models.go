package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Version is the opaque optimistic-concurrency token stamped by the remote
// service. The empty Version means "never seen from remote".
type Version string

type Variant struct {
	PosID string
	Name  string
	Price decimal.Decimal
}

type ProductOption struct {
	PosID    string
	Name     string
	Min      int
	Max      int
	Variants []Variant
	Selected []Variant
}

// Validate checks Min <= len(Selected) <= Max. A Max of 0 leaves the upper
// end open; the remote omits max for options without a limit.
func (o ProductOption) Validate() error {
	n := len(o.Selected)
	if n < o.Min || (o.Max > 0 && n > o.Max) {
		bound := fmt.Sprintf("between %d and %d", o.Min, o.Max)
		if o.Max == 0 {
			bound = fmt.Sprintf("at least %d", o.Min)
		}
		return Validation(EntityProduct, o.PosID,
			fmt.Sprintf("option %q requires %s selections", o.Name, bound),
			fmt.Sprintf("%d", n))
	}
	return nil
}

type Product struct {
	PosID    string
	Name     string
	Type     string // single | bundle
	Quantity int
	Price    decimal.Decimal // unit price, options included
	Options  []ProductOption
	// RejectionReasons is set per line when the POS cannot honor it.
	RejectionReasons []string
}

func (p Product) Validate() error {
	if p.Quantity <= 0 {
		return Validation(EntityProduct, p.PosID, "quantity must be positive", fmt.Sprintf("%d", p.Quantity))
	}
	for _, o := range p.Options {
		if err := o.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p Product) LineTotal() decimal.Decimal {
	return p.Price.Mul(decimal.NewFromInt(int64(p.Quantity)))
}

func (p Product) Rejected() bool { return len(p.RejectionReasons) > 0 }

type Surcharge struct {
	PosID  string
	Name   string
	Amount decimal.Decimal
}

type Order struct {
	ID         string // POS-local
	RemoteID   string
	Status     Status
	Version    Version
	CheckinID  string
	LocationID string
	InvoiceURI string
	Items      []Product
	Surcharges []Surcharge
	RequiredAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Total is the payable amount: line totals plus surcharges.
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.Items {
		if it.Rejected() {
			continue
		}
		total = total.Add(it.LineTotal())
	}
	for _, s := range o.Surcharges {
		total = total.Add(s.Amount)
	}
	return total
}

// HasRejections reports whether any line carries a rejection reason.
func (o *Order) HasRejections() bool {
	for _, it := range o.Items {
		if it.Rejected() {
			return true
		}
	}
	return false
}

// BindRemote attaches the remote identity. An order never carries two
// different remote ids.
func (o *Order) BindRemote(remoteID string, v Version) error {
	if o.RemoteID != "" && o.RemoteID != remoteID {
		return Validation(EntityOrder, o.ID, "order already bound to remote id "+o.RemoteID, remoteID)
	}
	o.RemoteID = remoteID
	o.Version = v
	return nil
}

func (o *Order) Clone() *Order {
	c := *o
	c.Items = make([]Product, len(o.Items))
	for i, it := range o.Items {
		it.Options = append([]ProductOption(nil), it.Options...)
		for j := range it.Options {
			it.Options[j].Variants = append([]Variant(nil), it.Options[j].Variants...)
			it.Options[j].Selected = append([]Variant(nil), it.Options[j].Selected...)
		}
		it.RejectionReasons = append([]string(nil), it.RejectionReasons...)
		c.Items[i] = it
	}
	c.Surcharges = append([]Surcharge(nil), o.Surcharges...)
	return &c
}

type Transaction struct {
	ID         string // POS-local
	RemoteID   string
	OrderID    string // remote order id
	Amount     decimal.Decimal
	Tip        decimal.Decimal
	AcceptLess bool
	Status     TxnStatus
	Version    Version
	PartnerRef string
	Reference  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (t *Transaction) Clone() *Transaction {
	c := *t
	return &c
}

type RejectionReason string

const (
	ReasonTableDoesNotExist     RejectionReason = "TableDoesNotExist"
	ReasonTableIsOccupied       RejectionReason = "TableIsOccupied"
	ReasonCheckinWasDeallocated RejectionReason = "CheckinWasDeallocated"
	ReasonConcurrencyConflict   RejectionReason = "ConcurrencyConflict"
)

type Checkin struct {
	ID              string
	Tables          []string
	ConsumerRef     string
	Covers          int
	Status          CheckinStatus
	Version         Version
	RejectionReason RejectionReason
	// Stored in UTC.
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

func (c *Checkin) LocalCreatedAt() time.Time   { return c.CreatedAt.Local() }
func (c *Checkin) LocalUpdatedAt() time.Time   { return c.UpdatedAt.Local() }
func (c *Checkin) LocalCompletedAt() time.Time { return c.CompletedAt.Local() }

// Normalize forces timestamps to UTC and drops tables from a deallocated
// checkin.
func (c *Checkin) Normalize() {
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	c.CompletedAt = c.CompletedAt.UTC()
	if c.Status == CheckinDeallocated {
		c.Tables = nil
	}
	if c.Status != CheckinRejected {
		c.RejectionReason = ""
	}
}

func (c *Checkin) Clone() *Checkin {
	x := *c
	x.Tables = append([]string(nil), c.Tables...)
	return &x
}

// TableAllocation is a proposal to seat a checkin at one or more tables.
type TableAllocation struct {
	CheckinID       string
	Tables          []string
	Covers          int
	Version         Version
	RejectionReason RejectionReason
}

type Booking struct {
	ID        string
	Tables    []string
	Covers    int
	CheckinID string
	Status    BookingStatus
	Version   Version
	Date      time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LinkCheckin sets the checkin reference forward only.
func (b *Booking) LinkCheckin(checkinID string) (changed bool, err error) {
	switch {
	case checkinID == "":
		return false, nil
	case b.CheckinID == checkinID:
		return false, nil
	case b.CheckinID != "" && b.Status.Active():
		return false, Validation(EntityBooking, b.ID, "booking already linked to checkin "+b.CheckinID, checkinID)
	}
	b.CheckinID = checkinID
	return true, nil
}

func (b *Booking) Clone() *Booking {
	c := *b
	c.Tables = append([]string(nil), b.Tables...)
	return &c
}

// Conflict records an outbound update the engine could not reconcile on its
// own. It stays until an operator resolves it.
type Conflict struct {
	ID            string
	Entity        Entity
	EntityID      string
	LocalVersion  Version
	RemoteVersion Version
	Detail        string
	CreatedAt     time.Time
}
