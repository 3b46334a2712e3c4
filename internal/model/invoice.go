package model

import (
	"errors"

	"github.com/siva-sub/bizsync-sub011/internal/clock"
	"github.com/siva-sub/bizsync-sub011/internal/crdt"
)

// TypeInvoice is the wire name for invoice entities.
const TypeInvoice = "invoice"

// Invoice statuses. Transition policy lives in the business layer; the
// substrate only replicates the chosen value.
const (
	InvoiceStatusDraft   = "draft"
	InvoiceStatusSent    = "sent"
	InvoiceStatusPartial = "partially_paid"
	InvoiceStatusPaid    = "paid"
	InvoiceStatusVoid    = "void"
)

// Invoice is a replicated invoice record. Scalar attributes are LWW
// registers, the running paid amount is a PN counter so concurrent payments
// on different devices sum rather than clobber, and tags are an OR-set.
type Invoice struct {
	Meta       crdt.Meta              `json:"meta"`
	Number     *crdt.Register[string] `json:"number"`
	CustomerID *crdt.Register[string] `json:"customer_id"`
	Status     *crdt.Register[string] `json:"status"`
	IssuedOn   *crdt.Register[string] `json:"issued_on"`
	DueOn      *crdt.Register[string] `json:"due_on"`
	TotalCents *crdt.Register[int64]  `json:"total_cents"`
	PaidCents  *crdt.Counter          `json:"paid_cents"`
	Tags       *crdt.Set[string]      `json:"tags"`
}

// NewInvoice creates an invoice on the node that issued ts.
func NewInvoice(id, number, customerID string, totalCents int64, ts clock.Timestamp) *Invoice {
	return &Invoice{
		Meta:       crdt.NewMeta(id, ts),
		Number:     crdt.NewRegister(number, ts),
		CustomerID: crdt.NewRegister(customerID, ts),
		Status:     crdt.NewRegister(InvoiceStatusDraft, ts),
		IssuedOn:   crdt.NewRegister("", ts),
		DueOn:      crdt.NewRegister("", ts),
		TotalCents: crdt.NewRegister(totalCents, ts),
		PaidCents:  crdt.NewCounter(),
		Tags:       crdt.NewSet[string](),
	}
}

// EntityType implements Entity.
func (i *Invoice) EntityType() string { return TypeInvoice }

// EntityMeta implements Entity.
func (i *Invoice) EntityMeta() *crdt.Meta { return &i.Meta }

// Fields implements Entity. Order is fixed and must match across replicas.
func (i *Invoice) Fields() []crdt.Field {
	return []crdt.Field{i.Number, i.CustomerID, i.Status, i.IssuedOn, i.DueOn, i.TotalCents, i.PaidCents, i.Tags}
}

// Validate implements Entity.
func (i *Invoice) Validate() error {
	if err := validateMeta(&i.Meta); err != nil {
		return err
	}
	if i.Number == nil || i.CustomerID == nil || i.Status == nil ||
		i.IssuedOn == nil || i.DueOn == nil || i.TotalCents == nil ||
		i.PaidCents == nil || i.Tags == nil {
		return errors.New("invoice missing crdt fields")
	}
	return nil
}

// Snapshot implements Entity.
func (i *Invoice) Snapshot() map[string]any {
	return map[string]any{
		"id":          i.Meta.ID,
		"node_id":     i.Meta.NodeID,
		"created_at":  i.Meta.CreatedAt,
		"updated_at":  i.Meta.UpdatedAt,
		"deleted":     i.Meta.Deleted,
		"number":      i.Number.Get(),
		"customer_id": i.CustomerID.Get(),
		"status":      i.Status.Get(),
		"issued_on":   i.IssuedOn.Get(),
		"due_on":      i.DueOn.Get(),
		"total_cents": i.TotalCents.Get(),
		"paid_cents":  i.PaidCents.Value(),
		"tags":        i.Tags.Elements(),
	}
}

// RecordPayment adds a payment amount on the node that issued ts and, if
// the invoice is now covered, advances the status.
func (i *Invoice) RecordPayment(amountCents uint64, ts clock.Timestamp) {
	i.PaidCents.Increment(ts.NodeID, amountCents)
	if i.PaidCents.Value() >= i.TotalCents.Get() {
		i.Status.Set(InvoiceStatusPaid, ts)
	} else {
		i.Status.Set(InvoiceStatusPartial, ts)
	}
	i.Meta.Touch(ts)
}

// UpdateStatus writes a new status as of ts.
func (i *Invoice) UpdateStatus(status string, ts clock.Timestamp) {
	i.Status.Set(status, ts)
	i.Meta.Touch(ts)
}

// SetDueDates writes issue and due dates (ISO-8601 dates) as of ts.
func (i *Invoice) SetDueDates(issuedOn, dueOn string, ts clock.Timestamp) {
	i.IssuedOn.Set(issuedOn, ts)
	i.DueOn.Set(dueOn, ts)
	i.Meta.Touch(ts)
}

// AddTag adds a tag as of ts.
func (i *Invoice) AddTag(tag string, ts clock.Timestamp) {
	i.Tags.Add(tag)
	i.Meta.Touch(ts)
}

// RemoveTag removes all observed occurrences of a tag as of ts.
func (i *Invoice) RemoveTag(tag string, ts clock.Timestamp) {
	i.Tags.Remove(tag)
	i.Meta.Touch(ts)
}

// MarkDeleted tombstones the invoice as of ts.
func (i *Invoice) MarkDeleted(ts clock.Timestamp) {
	i.Meta.Delete(ts)
}
