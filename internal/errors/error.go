// Package errors provides custom error types for order lifecycle operations.
package errors

import (
	"errors"
	"fmt"
)

var ErrAlreadyPlacedOrder = errors.New("an order for this pickup date has already been placed")
var ErrEditWindowClosed = errors.New("the edit window for this order is closed")
var ErrPickupDateExpired = errors.New("pickup date is no longer offerable")

var ErrOrderNotFound = errors.New("order not found")
var ErrOrderCancelled = errors.New("order has been cancelled")
var ErrNotAuthenticated = errors.New("not authenticated")
var ErrAccessDenied = errors.New("access denied")

var ErrStoreUnavailable = errors.New("store unavailable")
var ErrNodeNotFound = errors.New("node not found")
var ErrBuyerIndexUpdate = errors.New("failed to update buyer order index")

var ErrEmptyBasket = errors.New("basket has no items")
var ErrInvalidItem = errors.New("line item has no product")
var ErrInvalidQuantity = errors.New("quantity must not be negative")
var ErrInvalidPrice = errors.New("unit price must not be negative")
var ErrInvalidDateKey = errors.New("invalid date key")
var ErrUnresolvedConflicts = errors.New("merge has unresolved conflicts")

// AlreadyPlacedError is returned by PlaceOrder when the buyer already holds an order for the date key.
// The caller uses OrderID to route into the merge flow.
type AlreadyPlacedError struct {
	DateKey string
	OrderID string
}

func (e *AlreadyPlacedError) Error() string {
	return fmt.Sprintf("order %s already placed for %s", e.OrderID, e.DateKey)
}

func (e *AlreadyPlacedError) Unwrap() error {
	return ErrAlreadyPlacedOrder
}

// PartialPlacementError reports an order record that was written while the buyer index
// update failed even after a retry. The order exists and is addressable by SellerID/DateKey/OrderID.
type PartialPlacementError struct {
	SellerID string
	DateKey  string
	OrderID  string
	Err      error
}

func (e *PartialPlacementError) Error() string {
	return fmt.Sprintf("order %s written for %s but buyer index update failed: %v", e.OrderID, e.DateKey, e.Err)
}

func (e *PartialPlacementError) Unwrap() []error {
	return []error{ErrBuyerIndexUpdate, e.Err}
}
