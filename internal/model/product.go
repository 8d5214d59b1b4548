package model

import "time"

// ProductType classifies a product for storefront grouping.  The EVENT type
// marks a shadow record that mirrors an Event's capacity and price; shadow
// products exist so that event tickets can flow through the same order
// pipeline as physical goods, and they are excluded from storefront listings.
type ProductType string

const (
	ProductTypeBook      ProductType = "book"
	ProductTypeBlindDate ProductType = "blind-date"
	ProductTypeMerch     ProductType = "merch"
	ProductTypeCoffee    ProductType = "coffee"
	ProductTypePhysical  ProductType = "physical"
	ProductTypeEvent     ProductType = "event"
	ProductTypeOther     ProductType = "other"
)

// Valid reports whether t is one of the known product types.
func (t ProductType) Valid() bool {
	switch t {
	case ProductTypeBook, ProductTypeBlindDate, ProductTypeMerch,
		ProductTypeCoffee, ProductTypePhysical, ProductTypeEvent, ProductTypeOther:
		return true
	}
	return false
}

// Product represents a sellable item in the catalogue.  Prices are stored in
// pence to avoid floating point money.  InventoryCount never goes negative;
// it is only mutated through the conditional decrement and restock operations
// on the product repository.
type Product struct {
	ID             uint64      `json:"id"`              // products.id
	Slug           string      `json:"slug"`            // products.slug
	Name           string      `json:"name"`            // products.name
	PricePence     uint32      `json:"price_pence"`     // products.price_pence
	InventoryCount int         `json:"inventory_count"` // products.inventory_count
	Type           ProductType `json:"product_type"`    // products.product_type
	CreatedAt      time.Time   `json:"created_at"`      // products.created_at
	UpdatedAt      time.Time   `json:"updated_at"`      // products.updated_at
}

// LedgerEntry is one row of the inventory audit trail.  Every decrement and
// restock appends an entry; the delta is negative for purchases and positive
// for restocks.
type LedgerEntry struct {
	ID          uint64    `json:"id"`            // inventory_ledger.id
	EntryID     string    `json:"entry_id"`      // inventory_ledger.entry_id (uuid)
	ProductID   uint64    `json:"product_id"`    // inventory_ledger.product_id
	Delta       int       `json:"delta"`         // inventory_ledger.delta
	Reason      string    `json:"reason"`        // inventory_ledger.reason
	ActorUserID uint64    `json:"actor_user_id"` // inventory_ledger.actor_user_id
	CreatedAt   time.Time `json:"created_at"`    // inventory_ledger.created_at
}
