package model

import (
	"errors"

	"github.com/siva-sub/bizsync-sub011/internal/clock"
	"github.com/siva-sub/bizsync-sub011/internal/crdt"
)

// TypeCustomer is the wire name for customer entities.
const TypeCustomer = "customer"

// Customer is a replicated customer record.
type Customer struct {
	Meta    crdt.Meta              `json:"meta"`
	Name    *crdt.Register[string] `json:"name"`
	Email   *crdt.Register[string] `json:"email"`
	Phone   *crdt.Register[string] `json:"phone"`
	Address *crdt.Register[string] `json:"address"`
}

// NewCustomer creates a customer on the node that issued ts.
func NewCustomer(id, name string, ts clock.Timestamp) *Customer {
	return &Customer{
		Meta:    crdt.NewMeta(id, ts),
		Name:    crdt.NewRegister(name, ts),
		Email:   crdt.NewRegister("", ts),
		Phone:   crdt.NewRegister("", ts),
		Address: crdt.NewRegister("", ts),
	}
}

// EntityType implements Entity.
func (c *Customer) EntityType() string { return TypeCustomer }

// EntityMeta implements Entity.
func (c *Customer) EntityMeta() *crdt.Meta { return &c.Meta }

// Fields implements Entity. Order is fixed and must match across replicas.
func (c *Customer) Fields() []crdt.Field {
	return []crdt.Field{c.Name, c.Email, c.Phone, c.Address}
}

// Validate implements Entity.
func (c *Customer) Validate() error {
	if err := validateMeta(&c.Meta); err != nil {
		return err
	}
	if c.Name == nil || c.Email == nil || c.Phone == nil || c.Address == nil {
		return errors.New("customer missing crdt fields")
	}
	return nil
}

// Snapshot implements Entity.
func (c *Customer) Snapshot() map[string]any {
	return map[string]any{
		"id":         c.Meta.ID,
		"node_id":    c.Meta.NodeID,
		"created_at": c.Meta.CreatedAt,
		"updated_at": c.Meta.UpdatedAt,
		"deleted":    c.Meta.Deleted,
		"name":       c.Name.Get(),
		"email":      c.Email.Get(),
		"phone":      c.Phone.Get(),
		"address":    c.Address.Get(),
	}
}

// UpdateContact writes contact details as of ts. Empty strings are skipped
// so partial updates do not blank other fields.
func (c *Customer) UpdateContact(email, phone, address string, ts clock.Timestamp) {
	if email != "" {
		c.Email.Set(email, ts)
	}
	if phone != "" {
		c.Phone.Set(phone, ts)
	}
	if address != "" {
		c.Address.Set(address, ts)
	}
	c.Meta.Touch(ts)
}

// Rename writes a new display name as of ts.
func (c *Customer) Rename(name string, ts clock.Timestamp) {
	c.Name.Set(name, ts)
	c.Meta.Touch(ts)
}

// MarkDeleted tombstones the customer as of ts.
func (c *Customer) MarkDeleted(ts clock.Timestamp) {
	c.Meta.Delete(ts)
}
