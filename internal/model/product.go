package model

import (
	"errors"

	"github.com/siva-sub/bizsync-sub011/internal/clock"
	"github.com/siva-sub/bizsync-sub011/internal/crdt"
)

// TypeProduct is the wire name for product entities.
const TypeProduct = "product"

// Product is a replicated product record. Stock level is a PN counter so
// concurrent sales and restocks on different devices combine correctly.
type Product struct {
	Meta       crdt.Meta              `json:"meta"`
	Name       *crdt.Register[string] `json:"name"`
	PriceCents *crdt.Register[int64]  `json:"price_cents"`
	Stock      *crdt.Counter          `json:"stock"`
	Categories *crdt.Set[string]      `json:"categories"`
}

// NewProduct creates a product on the node that issued ts.
func NewProduct(id, name string, priceCents int64, ts clock.Timestamp) *Product {
	return &Product{
		Meta:       crdt.NewMeta(id, ts),
		Name:       crdt.NewRegister(name, ts),
		PriceCents: crdt.NewRegister(priceCents, ts),
		Stock:      crdt.NewCounter(),
		Categories: crdt.NewSet[string](),
	}
}

// EntityType implements Entity.
func (p *Product) EntityType() string { return TypeProduct }

// EntityMeta implements Entity.
func (p *Product) EntityMeta() *crdt.Meta { return &p.Meta }

// Fields implements Entity. Order is fixed and must match across replicas.
func (p *Product) Fields() []crdt.Field {
	return []crdt.Field{p.Name, p.PriceCents, p.Stock, p.Categories}
}

// Validate implements Entity.
func (p *Product) Validate() error {
	if err := validateMeta(&p.Meta); err != nil {
		return err
	}
	if p.Name == nil || p.PriceCents == nil || p.Stock == nil || p.Categories == nil {
		return errors.New("product missing crdt fields")
	}
	return nil
}

// Snapshot implements Entity.
func (p *Product) Snapshot() map[string]any {
	return map[string]any{
		"id":          p.Meta.ID,
		"node_id":     p.Meta.NodeID,
		"created_at":  p.Meta.CreatedAt,
		"updated_at":  p.Meta.UpdatedAt,
		"deleted":     p.Meta.Deleted,
		"name":        p.Name.Get(),
		"price_cents": p.PriceCents.Get(),
		"stock":       p.Stock.Value(),
		"categories":  p.Categories.Elements(),
	}
}

// AdjustStock applies a stock delta on the node that issued ts. Positive
// deltas are restocks, negative ones are sales or write-offs.
func (p *Product) AdjustStock(delta int64, ts clock.Timestamp) {
	if delta >= 0 {
		p.Stock.Increment(ts.NodeID, uint64(delta))
	} else {
		p.Stock.Decrement(ts.NodeID, uint64(-delta))
	}
	p.Meta.Touch(ts)
}

// SetPrice writes a new unit price as of ts.
func (p *Product) SetPrice(priceCents int64, ts clock.Timestamp) {
	p.PriceCents.Set(priceCents, ts)
	p.Meta.Touch(ts)
}

// MarkDeleted tombstones the product as of ts.
func (p *Product) MarkDeleted(ts clock.Timestamp) {
	p.Meta.Delete(ts)
}
