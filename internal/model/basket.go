package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Resolution is the buyer's choice for one merge conflict.
type Resolution string

const (
	ResolutionUndecided    Resolution = "UNDECIDED"
	ResolutionAdd          Resolution = "ADD"
	ResolutionKeepExisting Resolution = "KEEP_EXISTING"
	ResolutionUseNew       Resolution = "USE_NEW"
)

// Valid reports whether r is one of the known resolutions.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionUndecided, ResolutionAdd, ResolutionKeepExisting, ResolutionUseNew:
		return true
	}
	return false
}

// MergeConflict is a product present in both the basket and the placed order with different quantities.
type MergeConflict struct {
	ProductID        string          `json:"product_id"`
	ProductName      string          `json:"product_name"`
	Unit             string          `json:"unit"`
	ExistingQuantity decimal.Decimal `json:"existing_quantity"`
	NewQuantity      decimal.Decimal `json:"new_quantity"`
	ExistingPrice    decimal.Decimal `json:"existing_price"`
	NewPrice         decimal.Decimal `json:"new_price"`
	Resolution       Resolution      `json:"resolution"`
}

// Basket is the buyer's local, unsaved item list. LoadedOrderID and LoadedOrderDate
// are set when the basket was hydrated from a placed order.
type Basket struct {
	Items           []OrderedLineItem `json:"items"`
	LoadedOrderID   string            `json:"loaded_order_id,omitempty"`
	LoadedOrderDate string            `json:"loaded_order_date,omitempty"`
	PickupDate      *time.Time        `json:"pickup_date,omitempty"`
}

// BasketFromOrder hydrates a basket from a placed order.
func BasketFromOrder(o *Order) Basket {
	items := make([]OrderedLineItem, len(o.Items))
	copy(items, o.Items)
	pickup := o.PickupDate
	return Basket{
		Items:           items,
		LoadedOrderID:   o.ID,
		LoadedOrderDate: o.DateKey,
		PickupDate:      &pickup,
	}
}

// IsLoaded reports whether the basket is tagged with a persisted order.
func (b *Basket) IsLoaded() bool {
	return b.LoadedOrderID != ""
}

// HasChanges reports whether the basket differs from the persisted items it was loaded from.
// Item order is ignored; product, quantity and price are compared.
func (b *Basket) HasChanges(persisted []OrderedLineItem) bool {
	if len(b.Items) != len(persisted) {
		return true
	}
	byProduct := make(map[string]OrderedLineItem, len(persisted))
	for _, item := range persisted {
		byProduct[item.ProductID] = item
	}
	for _, item := range b.Items {
		p, ok := byProduct[item.ProductID]
		if !ok {
			return true
		}
		if !p.Quantity.Equal(item.Quantity) || !p.UnitPrice.Equal(item.UnitPrice) {
			return true
		}
	}
	return false
}
