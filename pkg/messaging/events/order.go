package events

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/abgdnv/farmorders/pkg/messaging"
	"github.com/shopspring/decimal"
)

// Kind tells subscribers which lifecycle step produced an OrderEvent.
type Kind string

const (
	KindPlaced    Kind = "placed"
	KindUpdated   Kind = "updated"
	KindCancelled Kind = "cancelled"
)

// OrderEvent is published after an order record changes.
type OrderEvent struct {
	// Carrier holds the publisher's trace context.
	Carrier    map[string]string `json:"carrier,omitempty"`
	Kind       Kind              `json:"kind"`
	OrderID    string            `json:"order_id"`
	SellerID   string            `json:"seller_id"`
	DateKey    string            `json:"date_key"`
	UserID     string            `json:"user_id"`
	ItemCount  int               `json:"item_count"`
	Total      decimal.Decimal   `json:"total"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func (e OrderEvent) Subject() string {
	switch e.Kind {
	case KindUpdated:
		return messaging.OrderUpdatedSubject
	case KindCancelled:
		return messaging.OrderCancelledSubject
	default:
		return messaging.OrderPlacedSubject
	}
}

func (e OrderEvent) Payload() ([]byte, error) {
	return json.Marshal(e)
}

// MessageID identifies one lifecycle step of one order.
func (e OrderEvent) MessageID() string {
	return string(e.Kind) + "." + e.OrderID + "." + strconv.FormatInt(e.OccurredAt.UnixNano(), 36)
}
