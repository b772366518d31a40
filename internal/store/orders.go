package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	ordererrors "github.com/abgdnv/farmorders/internal/errors"
	"github.com/abgdnv/farmorders/internal/model"
)

const (
	ordersRoot  = "orders"
	buyersRoot  = "buyer_profile"
	placedField = "placedOrderIds"
	catalogRoot = "catalog"
)

// OrderStore is an interface for order storage operations.
// It abstracts the underlying tree, allowing for different implementations (e.g., in-memory, database).
type OrderStore interface {
	// NewID allocates a new store key for an order or a line item.
	NewID() string

	// FindOrder retrieves a single order by its address.
	// Returns ErrOrderNotFound if no order exists at the address.
	FindOrder(ctx context.Context, sellerID, dateKey, orderID string) (*model.Order, error)

	// FindOrdersForDate returns every order of a seller for one pickup date, keyed by order id.
	// Returns an empty map if no orders exist.
	FindOrdersForDate(ctx context.Context, sellerID, dateKey string) (map[string]model.Order, error)

	// OrderDates returns the sorted date keys under which the seller has order records.
	OrderDates(ctx context.Context, sellerID string) ([]string, error)

	// SaveOrder writes the full order record to orders/{sellerId}/{dateKey}/{orderId}.
	SaveOrder(ctx context.Context, order *model.Order) error

	// DeleteOrder physically removes an order record.
	DeleteOrder(ctx context.Context, sellerID, dateKey, orderID string) error

	// PlacedOrderIDs returns the buyer's date key to order id index.
	PlacedOrderIDs(ctx context.Context, userID string) (map[string]string, error)

	// PlacedOrderID looks up one entry of the buyer's index.
	PlacedOrderID(ctx context.Context, userID, dateKey string) (string, bool, error)

	// SetPlacedOrderID records orderID under dateKey in the buyer's index.
	SetPlacedOrderID(ctx context.Context, userID, dateKey, orderID string) error

	// RemovePlacedOrderID deletes dateKey from the buyer's index.
	RemovePlacedOrderID(ctx context.Context, userID, dateKey string) error

	// DeleteBuyerProfile removes the buyer's whole profile subtree, including index
	// entries pointing at other sellers' orders.
	DeleteBuyerProfile(ctx context.Context, userID string) error

	// Catalog returns the seller's products keyed by product id.
	Catalog(ctx context.Context, sellerID string) (map[string]model.Product, error)

	// SaveProduct writes one catalog entry.
	SaveProduct(ctx context.Context, sellerID string, product model.Product) error

	// OrdersPath returns the watchable path holding the orders of one pickup date.
	OrdersPath(sellerID, dateKey string) (string, error)
}

// TreeOrderStore implements OrderStore on a Tree.
type TreeOrderStore struct {
	tree Tree
}

// NewTreeOrderStore creates a new instance of OrderStore backed by tree.
func NewTreeOrderStore(tree Tree) *TreeOrderStore {
	return &TreeOrderStore{tree: tree}
}

// Tree returns the underlying tree.
func (s *TreeOrderStore) Tree() Tree {
	return s.tree
}

func (s *TreeOrderStore) NewID() string {
	return s.tree.NewKey()
}

func (s *TreeOrderStore) FindOrder(ctx context.Context, sellerID, dateKey, orderID string) (*model.Order, error) {
	path, err := Join(ordersRoot, sellerID, dateKey, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ordererrors.ErrOrderNotFound, err)
	}
	raw, err := s.tree.Read(ctx, path)
	if err != nil {
		if errors.Is(err, ordererrors.ErrNodeNotFound) {
			return nil, ordererrors.ErrOrderNotFound
		}
		return nil, storeErr("failed to find order", err)
	}
	order, err := DecodeOrder(orderID, raw)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *TreeOrderStore) FindOrdersForDate(ctx context.Context, sellerID, dateKey string) (map[string]model.Order, error) {
	path, err := s.OrdersPath(sellerID, dateKey)
	if err != nil {
		return nil, err
	}
	children, err := s.tree.ReadChildren(ctx, path)
	if err != nil {
		return nil, storeErr("failed to find orders", err)
	}
	orders := make(map[string]model.Order, len(children))
	for id, raw := range children {
		order, err := DecodeOrder(id, raw)
		if err != nil {
			return nil, err
		}
		orders[id] = order
	}
	return orders, nil
}

func (s *TreeOrderStore) OrderDates(ctx context.Context, sellerID string) ([]string, error) {
	path, err := Join(ordersRoot, sellerID)
	if err != nil {
		return nil, err
	}
	dates, err := s.tree.ListKeys(ctx, path)
	if err != nil {
		return nil, storeErr("failed to list order dates", err)
	}
	return dates, nil
}

func (s *TreeOrderStore) SaveOrder(ctx context.Context, order *model.Order) error {
	path, err := Join(ordersRoot, order.SellerID, order.DateKey, order.ID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to encode order %s: %w", order.ID, err)
	}
	return storeErr("failed to save order", s.tree.Write(ctx, path, raw))
}

func (s *TreeOrderStore) DeleteOrder(ctx context.Context, sellerID, dateKey, orderID string) error {
	path, err := Join(ordersRoot, sellerID, dateKey, orderID)
	if err != nil {
		return err
	}
	return storeErr("failed to delete order", s.tree.Delete(ctx, path))
}

func (s *TreeOrderStore) PlacedOrderIDs(ctx context.Context, userID string) (map[string]string, error) {
	path, err := Join(buyersRoot, userID, placedField)
	if err != nil {
		return nil, err
	}
	children, err := s.tree.ReadChildren(ctx, path)
	if err != nil {
		return nil, storeErr("failed to read buyer index", err)
	}
	ids := make(map[string]string, len(children))
	for dateKey, raw := range children {
		var orderID string
		if err := json.Unmarshal(raw, &orderID); err != nil {
			return nil, fmt.Errorf("failed to decode buyer index entry %s: %w", dateKey, err)
		}
		ids[dateKey] = orderID
	}
	return ids, nil
}

func (s *TreeOrderStore) PlacedOrderID(ctx context.Context, userID, dateKey string) (string, bool, error) {
	path, err := Join(buyersRoot, userID, placedField, dateKey)
	if err != nil {
		return "", false, err
	}
	raw, err := s.tree.Read(ctx, path)
	if err != nil {
		if errors.Is(err, ordererrors.ErrNodeNotFound) {
			return "", false, nil
		}
		return "", false, storeErr("failed to read buyer index", err)
	}
	var orderID string
	if err := json.Unmarshal(raw, &orderID); err != nil {
		return "", false, fmt.Errorf("failed to decode buyer index entry %s: %w", dateKey, err)
	}
	return orderID, true, nil
}

func (s *TreeOrderStore) SetPlacedOrderID(ctx context.Context, userID, dateKey, orderID string) error {
	path, err := Join(buyersRoot, userID, placedField, dateKey)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(orderID)
	if err != nil {
		return err
	}
	return storeErr("failed to update buyer index", s.tree.Write(ctx, path, raw))
}

func (s *TreeOrderStore) RemovePlacedOrderID(ctx context.Context, userID, dateKey string) error {
	path, err := Join(buyersRoot, userID, placedField, dateKey)
	if err != nil {
		return err
	}
	return storeErr("failed to update buyer index", s.tree.Delete(ctx, path))
}

func (s *TreeOrderStore) DeleteBuyerProfile(ctx context.Context, userID string) error {
	path, err := Join(buyersRoot, userID)
	if err != nil {
		return err
	}
	return storeErr("failed to delete buyer profile", s.tree.Delete(ctx, path))
}

func (s *TreeOrderStore) Catalog(ctx context.Context, sellerID string) (map[string]model.Product, error) {
	path, err := Join(catalogRoot, sellerID)
	if err != nil {
		return nil, err
	}
	children, err := s.tree.ReadChildren(ctx, path)
	if err != nil {
		return nil, storeErr("failed to read catalog", err)
	}
	products := make(map[string]model.Product, len(children))
	for id, raw := range children {
		var p model.Product
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode product %s: %w", id, err)
		}
		p.ID = id
		products[id] = p
	}
	return products, nil
}

func (s *TreeOrderStore) SaveProduct(ctx context.Context, sellerID string, product model.Product) error {
	path, err := Join(catalogRoot, sellerID, product.ID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(product)
	if err != nil {
		return fmt.Errorf("failed to encode product %s: %w", product.ID, err)
	}
	return storeErr("failed to save product", s.tree.Write(ctx, path, raw))
}

func (s *TreeOrderStore) OrdersPath(sellerID, dateKey string) (string, error) {
	return Join(ordersRoot, sellerID, dateKey)
}

// DecodeOrder decodes a stored order record. The record key wins over a stored id.
func DecodeOrder(orderID string, raw []byte) (model.Order, error) {
	var order model.Order
	if err := json.Unmarshal(raw, &order); err != nil {
		return model.Order{}, fmt.Errorf("failed to decode order %s: %w", orderID, err)
	}
	order.ID = orderID
	return order, nil
}
