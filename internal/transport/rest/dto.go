package rest

import (
	"github.com/abgdnv/farmorders/internal/model"
	"github.com/shopspring/decimal"
)

type LineItemDto struct {
	ProductID   string          `json:"product_id" validate:"required,max=128"`
	ProductName string          `json:"product_name" validate:"max=256"`
	Unit        string          `json:"unit" validate:"max=32"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    decimal.Decimal `json:"quantity"`
	PieceCount  int             `json:"piece_count" validate:"gte=0"`
}

type BuyerDto struct {
	Name  string `json:"name" validate:"max=128"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone" validate:"max=32"`
}

type PlaceOrderDto struct {
	SellerID   string        `json:"seller_id" validate:"required,max=128,excludes=/"`
	PickupDate string        `json:"pickup_date" validate:"required,len=8,numeric"`
	Buyer      BuyerDto      `json:"buyer"`
	Items      []LineItemDto `json:"items" validate:"required,min=1,dive"`
}

type ItemsDto struct {
	Items []LineItemDto `json:"items" validate:"required,min=1,dive"`
}

type MergeDto struct {
	Items       []LineItemDto               `json:"items" validate:"required,min=1,dive"`
	Resolutions map[string]model.Resolution `json:"resolutions" validate:"dive,keys,required,endkeys,oneof=UNDECIDED ADD KEEP_EXISTING USE_NEW"`
}

type HideDto struct {
	Side string `json:"side" validate:"required,oneof=buyer seller"`
}

type ReorderDto struct {
	PickupDate string        `json:"pickup_date" validate:"required,len=8,numeric"`
	Items      []LineItemDto `json:"items" validate:"required,min=1,dive"`
}

type ProductDto struct {
	Name      string          `json:"name" validate:"required,max=256"`
	Unit      string          `json:"unit" validate:"max=32"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Available bool            `json:"available"`
}

// AlreadyPlacedDto points the client at the order it should merge into.
type AlreadyPlacedDto struct {
	Error   string `json:"error"`
	DateKey string `json:"date_key"`
	OrderID string `json:"order_id"`
}

// PartialPlacementDto is returned when the order was stored but the buyer index lags behind.
type PartialPlacementDto struct {
	Order   *model.Order `json:"order"`
	Warning string       `json:"warning"`
}

type ErasedDto struct {
	Orders int `json:"orders"`
}

func toItems(dtos []LineItemDto) []model.OrderedLineItem {
	items := make([]model.OrderedLineItem, 0, len(dtos))
	for _, d := range dtos {
		items = append(items, model.OrderedLineItem{
			ProductID:   d.ProductID,
			ProductName: d.ProductName,
			Unit:        d.Unit,
			UnitPrice:   d.UnitPrice,
			Quantity:    d.Quantity,
			PieceCount:  d.PieceCount,
		})
	}
	return items
}
