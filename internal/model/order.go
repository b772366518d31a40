// Package model holds the order, basket and catalog records shared by the lifecycle components.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the stored state of an order.
type Status string

const (
	StatusPlaced    Status = "PLACED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

// OrderedLineItem is one product line in a basket or an order.
// ProductID is the merge identity. ID is assigned by the store once the item is persisted.
type OrderedLineItem struct {
	ID          string          `json:"id,omitempty"`
	ProductID   string          `json:"product_id" validate:"required"`
	ProductName string          `json:"product_name"`
	Unit        string          `json:"unit"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    decimal.Decimal `json:"quantity"`
	// PieceCount is a display approximation of Quantity and is never authoritative.
	PieceCount int `json:"piece_count"`
}

// BuyerProfile is the buyer snapshot stored with each order.
type BuyerProfile struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
}

// Order is addressed by (SellerID, DateKey, ID).
type Order struct {
	ID             string            `json:"id"`
	SellerID       string            `json:"seller_id"`
	DateKey        string            `json:"date_key"`
	BuyerProfile   BuyerProfile      `json:"buyer_profile"`
	CreatedAt      time.Time         `json:"created_at"`
	PickupDate     time.Time         `json:"pickup_date"`
	Items          []OrderedLineItem `json:"items"`
	Status         Status            `json:"status"`
	HiddenBySeller bool              `json:"hidden_by_seller"`
	HiddenByBuyer  bool              `json:"hidden_by_buyer"`
}

// Total returns the sum of unit price times quantity over all items.
func (o *Order) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.UnitPrice.Mul(item.Quantity))
	}
	return total
}

// Product is a catalog entry used to reprice items.
type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Available bool            `json:"available"`
}
