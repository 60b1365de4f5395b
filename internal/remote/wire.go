package remote

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-pos-sync/internal/money"
	"github.com/ariefcatur/go-pos-sync/internal/orders"
)

// TimeLayout is the only date format the remote service reads or writes.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Time is a UTC timestamp in TimeLayout. The zero value travels as null.
type Time time.Time

func (t Time) MarshalJSON() ([]byte, error) {
	tt := time.Time(t)
	if tt.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(tt.UTC().Format(TimeLayout))
}

func (t *Time) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*t = Time{}
		return nil
	}
	tt, err := time.Parse(TimeLayout, s)
	if err != nil {
		return orders.Validation(orders.EntityEvent, "", "bad timestamp", s)
	}
	*t = Time(tt.UTC())
	return nil
}

func (t Time) Std() time.Time { return time.Time(t) }

type variantWire struct {
	PosID string `json:"posId"`
	Name  string `json:"name"`
	Price string `json:"price"`
}

type optionWire struct {
	PosID    string        `json:"posId"`
	Name     string        `json:"name"`
	Min      int           `json:"min"`
	Max      int           `json:"max"`
	Variants []variantWire `json:"variants,omitempty"`
	Selected []variantWire `json:"selectedVariants,omitempty"`
}

type productWire struct {
	PosID            string       `json:"posId"`
	Name             string       `json:"name"`
	Type             string       `json:"type,omitempty"`
	Quantity         int          `json:"quantity"`
	Price            string       `json:"price"`
	Options          []optionWire `json:"options,omitempty"`
	RejectionReasons []string     `json:"rejectionReasons,omitempty"`
}

type surchargeWire struct {
	PosID  string `json:"posId"`
	Name   string `json:"name"`
	Amount string `json:"amount"`
}

type orderWire struct {
	ID         string          `json:"id,omitempty"`
	PosID      string          `json:"posId,omitempty"`
	Status     string          `json:"status"`
	Version    string          `json:"version,omitempty"`
	CheckinID  string          `json:"checkinId,omitempty"`
	LocationID string          `json:"locationId,omitempty"`
	InvoiceURI string          `json:"invoiceUri,omitempty"`
	Items      []productWire   `json:"items"`
	Surcharges []surchargeWire `json:"surcharges,omitempty"`
	RequiredAt Time            `json:"requiredAt"`
	CreatedAt  Time            `json:"createdAt"`
	UpdatedAt  Time            `json:"updatedAt"`
}

type transactionWire struct {
	ID         string `json:"id"`
	PosID      string `json:"posId,omitempty"`
	OrderID    string `json:"orderId"`
	Amount     string `json:"amount"`
	Tip        string `json:"tip,omitempty"`
	AcceptLess bool   `json:"acceptLess"`
	Status     string `json:"status"`
	Version    string `json:"version,omitempty"`
	PartnerRef string `json:"partnerRef,omitempty"`
	Reference  string `json:"reference,omitempty"`
	CreatedAt  Time   `json:"createdAt"`
	UpdatedAt  Time   `json:"updatedAt"`
}

type checkinWire struct {
	ID              string   `json:"id"`
	Tables          []string `json:"tables"`
	ConsumerRef     string   `json:"consumerRef,omitempty"`
	Covers          int      `json:"covers"`
	Status          string   `json:"status"`
	Version         string   `json:"version,omitempty"`
	RejectionReason string   `json:"rejectionReason,omitempty"`
	CreatedAt       Time     `json:"createdAt"`
	UpdatedAt       Time     `json:"updatedAt"`
	CompletedAt     Time     `json:"completedAt"`
}

type bookingWire struct {
	ID        string   `json:"id"`
	Tables    []string `json:"tables"`
	Covers    int      `json:"covers"`
	CheckinID string   `json:"checkinId,omitempty"`
	Status    string   `json:"status"`
	Version   string   `json:"version,omitempty"`
	Date      Time     `json:"date"`
	CreatedAt Time     `json:"createdAt"`
	UpdatedAt Time     `json:"updatedAt"`
}

func centsOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return money.FromCents(s)
}

func variantsToWire(vs []orders.Variant) []variantWire {
	if len(vs) == 0 {
		return nil
	}
	out := make([]variantWire, 0, len(vs))
	for _, v := range vs {
		out = append(out, variantWire{PosID: v.PosID, Name: v.Name, Price: money.ToCents(v.Price)})
	}
	return out
}

func variantsFromWire(ws []variantWire) ([]orders.Variant, error) {
	if len(ws) == 0 {
		return nil, nil
	}
	out := make([]orders.Variant, 0, len(ws))
	for _, w := range ws {
		p, err := centsOrZero(w.Price)
		if err != nil {
			return nil, err
		}
		out = append(out, orders.Variant{PosID: w.PosID, Name: w.Name, Price: p})
	}
	return out, nil
}

func orderToWire(o *orders.Order) orderWire {
	w := orderWire{
		ID:         o.RemoteID,
		PosID:      o.ID,
		Status:     string(o.Status),
		Version:    string(o.Version),
		CheckinID:  o.CheckinID,
		LocationID: o.LocationID,
		InvoiceURI: o.InvoiceURI,
		Items:      make([]productWire, 0, len(o.Items)),
		RequiredAt: Time(o.RequiredAt),
		CreatedAt:  Time(o.CreatedAt),
		UpdatedAt:  Time(o.UpdatedAt),
	}
	for _, it := range o.Items {
		pw := productWire{
			PosID:            it.PosID,
			Name:             it.Name,
			Type:             it.Type,
			Quantity:         it.Quantity,
			Price:            money.ToCents(it.Price),
			RejectionReasons: it.RejectionReasons,
		}
		for _, op := range it.Options {
			pw.Options = append(pw.Options, optionWire{
				PosID: op.PosID, Name: op.Name, Min: op.Min, Max: op.Max,
				Variants: variantsToWire(op.Variants),
				Selected: variantsToWire(op.Selected),
			})
		}
		w.Items = append(w.Items, pw)
	}
	for _, s := range o.Surcharges {
		w.Surcharges = append(w.Surcharges, surchargeWire{PosID: s.PosID, Name: s.Name, Amount: money.ToCents(s.Amount)})
	}
	return w
}

func orderFromWire(w orderWire) (*orders.Order, error) {
	o := &orders.Order{
		ID:         w.PosID,
		RemoteID:   w.ID,
		Status:     orders.Status(w.Status),
		Version:    orders.Version(w.Version),
		CheckinID:  w.CheckinID,
		LocationID: w.LocationID,
		InvoiceURI: w.InvoiceURI,
		RequiredAt: w.RequiredAt.Std(),
		CreatedAt:  w.CreatedAt.Std(),
		UpdatedAt:  w.UpdatedAt.Std(),
	}
	if !o.Status.Valid() {
		return nil, orders.Validation(orders.EntityOrder, w.ID, "unknown order status", w.Status)
	}
	for _, pw := range w.Items {
		price, err := centsOrZero(pw.Price)
		if err != nil {
			return nil, err
		}
		p := orders.Product{
			PosID:            pw.PosID,
			Name:             pw.Name,
			Type:             pw.Type,
			Quantity:         pw.Quantity,
			Price:            price,
			RejectionReasons: pw.RejectionReasons,
		}
		for _, ow := range pw.Options {
			vs, err := variantsFromWire(ow.Variants)
			if err != nil {
				return nil, err
			}
			sel, err := variantsFromWire(ow.Selected)
			if err != nil {
				return nil, err
			}
			p.Options = append(p.Options, orders.ProductOption{
				PosID: ow.PosID, Name: ow.Name, Min: ow.Min, Max: ow.Max, Variants: vs, Selected: sel,
			})
		}
		o.Items = append(o.Items, p)
	}
	for _, sw := range w.Surcharges {
		amt, err := centsOrZero(sw.Amount)
		if err != nil {
			return nil, err
		}
		o.Surcharges = append(o.Surcharges, orders.Surcharge{PosID: sw.PosID, Name: sw.Name, Amount: amt})
	}
	return o, nil
}

func transactionToWire(t *orders.Transaction) transactionWire {
	w := transactionWire{
		ID:         t.RemoteID,
		PosID:      t.ID,
		OrderID:    t.OrderID,
		Amount:     money.ToCents(t.Amount),
		AcceptLess: t.AcceptLess,
		Status:     string(t.Status),
		Version:    string(t.Version),
		PartnerRef: t.PartnerRef,
		Reference:  t.Reference,
		CreatedAt:  Time(t.CreatedAt),
		UpdatedAt:  Time(t.UpdatedAt),
	}
	if !t.Tip.IsZero() {
		w.Tip = money.ToCents(t.Tip)
	}
	return w
}

func transactionFromWire(w transactionWire) (*orders.Transaction, error) {
	amt, err := centsOrZero(w.Amount)
	if err != nil {
		return nil, err
	}
	tip, err := centsOrZero(w.Tip)
	if err != nil {
		return nil, err
	}
	return &orders.Transaction{
		ID:         w.PosID,
		RemoteID:   w.ID,
		OrderID:    w.OrderID,
		Amount:     amt,
		Tip:        tip,
		AcceptLess: w.AcceptLess,
		Status:     orders.TxnStatus(w.Status),
		Version:    orders.Version(w.Version),
		PartnerRef: w.PartnerRef,
		Reference:  w.Reference,
		CreatedAt:  w.CreatedAt.Std(),
		UpdatedAt:  w.UpdatedAt.Std(),
	}, nil
}

func checkinToWire(c *orders.Checkin) checkinWire {
	return checkinWire{
		ID:              c.ID,
		Tables:          append([]string{}, c.Tables...),
		ConsumerRef:     c.ConsumerRef,
		Covers:          c.Covers,
		Status:          string(c.Status),
		Version:         string(c.Version),
		RejectionReason: string(c.RejectionReason),
		CreatedAt:       Time(c.CreatedAt),
		UpdatedAt:       Time(c.UpdatedAt),
		CompletedAt:     Time(c.CompletedAt),
	}
}

func checkinFromWire(w checkinWire) *orders.Checkin {
	c := &orders.Checkin{
		ID:              w.ID,
		Tables:          w.Tables,
		ConsumerRef:     w.ConsumerRef,
		Covers:          w.Covers,
		Status:          orders.CheckinStatus(w.Status),
		Version:         orders.Version(w.Version),
		RejectionReason: orders.RejectionReason(w.RejectionReason),
		CreatedAt:       w.CreatedAt.Std(),
		UpdatedAt:       w.UpdatedAt.Std(),
		CompletedAt:     w.CompletedAt.Std(),
	}
	c.Normalize()
	return c
}

func bookingFromWire(w bookingWire) *orders.Booking {
	return &orders.Booking{
		ID:        w.ID,
		Tables:    w.Tables,
		Covers:    w.Covers,
		CheckinID: w.CheckinID,
		Status:    orders.BookingStatus(w.Status),
		Version:   orders.Version(w.Version),
		Date:      w.Date.Std(),
		CreatedAt: w.CreatedAt.Std(),
		UpdatedAt: w.UpdatedAt.Std(),
	}
}
