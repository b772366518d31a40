// Package service implements the order lifecycle: placing, merging, editing, cancelling
// and watching a buyer's order for a pickup date.
package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	ordererrors "github.com/abgdnv/farmorders/internal/errors"
	"github.com/abgdnv/farmorders/internal/model"
	"github.com/abgdnv/farmorders/internal/reconcile"
	"github.com/abgdnv/farmorders/internal/snapshot"
	"github.com/abgdnv/farmorders/internal/store"
	"github.com/abgdnv/farmorders/internal/window"
	"github.com/abgdnv/farmorders/pkg/config"
	"github.com/abgdnv/farmorders/pkg/messaging"
	"github.com/abgdnv/farmorders/pkg/messaging/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/abgdnv/farmorders/internal/service"

// Mode selects which of the buyer's orders GetEditableOrUpcomingOrder returns.
type Mode string

const (
	// ModeEditable matches orders whose edit window is still open.
	ModeEditable Mode = "editable"
	// ModeUpcoming matches orders whose pickup day has not passed.
	ModeUpcoming Mode = "upcoming"
)

// Side names who hides an order from their own list.
type Side string

const (
	SideBuyer  Side = "buyer"
	SideSeller Side = "seller"
)

// OrderRef addresses one stored order.
type OrderRef struct {
	SellerID string
	DateKey  string
	OrderID  string
}

// PlaceOrderRequest carries a basket being submitted for a pickup date.
type PlaceOrderRequest struct {
	SellerID   string
	Buyer      model.BuyerProfile
	PickupDate time.Time
	Items      []model.OrderedLineItem
}

// MergeRequest folds a local basket into the buyer's placed order.
// Resolutions are keyed by product id; products without one stay UNDECIDED.
type MergeRequest struct {
	OrderRef
	UserID      string
	Items       []model.OrderedLineItem
	Resolutions map[string]model.Resolution
}

// MergePreview lists the conflicts a merge would have to resolve.
type MergePreview struct {
	Order     *model.Order          `json:"order"`
	Conflicts []model.MergeConflict `json:"conflicts"`
}

// MergeResult is the stored order after a merge and the basket re-tagged to it.
type MergeResult struct {
	Order     *model.Order          `json:"order"`
	Basket    model.Basket          `json:"basket"`
	Conflicts []model.MergeConflict `json:"conflicts"`
}

// ReorderResult is an unsaved basket repriced for a new pickup date.
type ReorderResult struct {
	Basket model.Basket `json:"basket"`
	// Unavailable lists products that kept their last known price.
	Unavailable []string `json:"unavailable"`
	// Offerable reports whether the new pickup date can still be ordered.
	Offerable bool `json:"offerable"`
}

// OrderService defines the order lifecycle operations.
type OrderService interface {
	// PlaceOrder stores a new order and records it in the buyer's index.
	// Returns an *AlreadyPlacedError if the buyer already holds an order for the pickup date,
	// and ErrPickupDateExpired if the date is no longer offered.
	// On a *PartialPlacementError the returned order exists in the store.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, error)

	// DetectConflicts compares a basket with the buyer's placed order without writing anything.
	DetectConflicts(ctx context.Context, userID string, ref OrderRef, items []model.OrderedLineItem) (*MergePreview, error)

	// MergeIntoExisting resolves the basket against the placed order and stores the result.
	MergeIntoExisting(ctx context.Context, req MergeRequest) (*MergeResult, error)

	// UpdateOrder replaces the items of an order while its edit window is open.
	UpdateOrder(ctx context.Context, userID string, ref OrderRef, items []model.OrderedLineItem) (*model.Order, error)

	// CancelOrder marks the order CANCELLED and removes it from the buyer's index.
	// Cancelling a missing or already cancelled order succeeds.
	CancelOrder(ctx context.Context, userID string, ref OrderRef) error

	// ReorderWithNewDate reprices items against the seller's catalog for a new pickup date.
	ReorderWithNewDate(ctx context.Context, sellerID string, items []model.OrderedLineItem, pickupDate time.Time) (*ReorderResult, error)

	// GetEditableOrUpcomingOrder returns the buyer's order with the latest pickup date matching mode.
	// Orders the buyer hid are skipped. Returns ErrOrderNotFound if none matches.
	GetEditableOrUpcomingOrder(ctx context.Context, userID, sellerID string, mode Mode) (*model.Order, error)

	// HideOrder hides the order from the buyer's or the seller's list.
	HideOrder(ctx context.Context, userID string, ref OrderRef, side Side) (*model.Order, error)

	// FindOrder returns an order visible to its buyer or its seller.
	FindOrder(ctx context.Context, userID string, ref OrderRef) (*model.Order, error)

	// FindOrdersForDate returns the seller's orders for a pickup date, oldest first.
	// Orders the seller hid are left out.
	FindOrdersForDate(ctx context.Context, userID, sellerID, dateKey string) ([]model.Order, error)

	// WatchOrders streams changes to the seller's orders for a pickup date.
	// Hidden orders are streamed too; clients filter on HiddenBySeller.
	WatchOrders(ctx context.Context, userID, sellerID, dateKey string) (<-chan []snapshot.Event[string, model.Order], error)

	// PickupDates returns the next n pickup dates, or the configured horizon when n is not positive.
	PickupDates(n int) []window.PickupDate

	// SaveProduct creates or replaces an entry of the seller's catalog.
	SaveProduct(ctx context.Context, userID, sellerID string, product model.Product) error

	// EraseBuyerData deletes every order the buyer holds with the seller, whatever its status,
	// and the matching entries of the buyer's index. The profile goes once the index is empty.
	EraseBuyerData(ctx context.Context, userID, sellerID string) (int, error)
}

var _ OrderService = (*Service)(nil)

// Service implements OrderService on an OrderStore.
type Service struct {
	orders    store.OrderStore
	watcher   snapshot.Source
	policy    *window.Policy
	publisher messaging.Publisher
	logger    *slog.Logger

	now         func() time.Time
	strictMerge bool
	indexRetry  config.RetryConfig
	locks       *keyedMutex

	tracer  trace.Tracer
	metrics serviceMetrics
}

type serviceMetrics struct {
	placed        metric.Int64Counter
	merged        metric.Int64Counter
	updated       metric.Int64Counter
	cancelled     metric.Int64Counter
	indexFailures metric.Int64Counter
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithStrictMerge rejects merges that still carry UNDECIDED conflicts instead of keeping
// the existing quantities.
func WithStrictMerge(strict bool) Option {
	return func(s *Service) {
		s.strictMerge = strict
	}
}

// WithIndexRetry sets how often the buyer index write is attempted after the order is stored.
func WithIndexRetry(cfg config.RetryConfig) Option {
	return func(s *Service) {
		if cfg.MaxAttempts > 0 {
			s.indexRetry = cfg
		}
	}
}

// NewService creates a new Service. watcher feeds WatchOrders and is usually the store's tree.
func NewService(orders store.OrderStore, watcher snapshot.Source, policy *window.Policy, publisher messaging.Publisher, logger *slog.Logger, opts ...Option) *Service {
	if publisher == nil {
		publisher = messaging.NopPublisher{}
	}
	s := &Service{
		orders:     orders,
		watcher:    watcher,
		policy:     policy,
		publisher:  publisher,
		logger:     logger.With("component", "order_service"),
		now:        time.Now,
		indexRetry: config.RetryConfig{MaxAttempts: 2, InitialBackoff: 50 * time.Millisecond},
		locks:      newKeyedMutex(),
		tracer:     otel.Tracer(instrumentationName),
		metrics:    newServiceMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newServiceMetrics() serviceMetrics {
	meter := otel.Meter(instrumentationName)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			panic(fmt.Sprintf("failed to create %s counter: %v", name, err))
		}
		return c
	}
	return serviceMetrics{
		placed:        counter("orders_placed", "Total number of placed orders"),
		merged:        counter("orders_merged", "Total number of baskets merged into placed orders"),
		updated:       counter("orders_updated", "Total number of order edits"),
		cancelled:     counter("orders_cancelled", "Total number of cancelled orders"),
		indexFailures: counter("buyer_index_failures", "Orders stored without a buyer index entry"),
	}
}

func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*model.Order, error) {
	ctx, span := s.tracer.Start(ctx, "PlaceOrder")
	defer span.End()

	if req.Buyer.UserID == "" {
		return nil, ordererrors.ErrNotAuthenticated
	}
	items, err := prepareItems(req.Items)
	if err != nil {
		return nil, err
	}

	now := s.now()
	codec := s.policy.Codec()
	pickup := codec.StartOfDay(req.PickupDate)
	dateKey := codec.Key(pickup)
	span.SetAttributes(attribute.String("order.date_key", dateKey), attribute.String("order.seller_id", req.SellerID))

	unlock := s.locks.Lock(lockKey(req.Buyer.UserID, dateKey))
	defer unlock()

	existingID, found, err := s.orders.PlacedOrderID(ctx, req.Buyer.UserID, dateKey)
	if err != nil {
		return nil, err
	}
	if found {
		return nil, &ordererrors.AlreadyPlacedError{DateKey: dateKey, OrderID: existingID}
	}
	if !s.policy.IsPickupDateStillOfferable(pickup, now) {
		return nil, fmt.Errorf("%w: %s", ordererrors.ErrPickupDateExpired, dateKey)
	}

	s.assignIDs(items, nil)
	order := &model.Order{
		ID:           s.orders.NewID(),
		SellerID:     req.SellerID,
		DateKey:      dateKey,
		BuyerProfile: req.Buyer,
		CreatedAt:    now,
		PickupDate:   pickup,
		Items:        items,
		Status:       model.StatusPlaced,
	}
	if err := s.orders.SaveOrder(ctx, order); err != nil {
		return nil, err
	}

	if err := s.setPlacedOrderID(ctx, order); err != nil {
		s.metrics.indexFailures.Add(ctx, 1)
		s.logger.ErrorContext(ctx, "order stored but buyer index update failed",
			"order_id", order.ID, "seller_id", order.SellerID, "date_key", dateKey, "error", err)
		return order, &ordererrors.PartialPlacementError{
			SellerID: order.SellerID,
			DateKey:  dateKey,
			OrderID:  order.ID,
			Err:      err,
		}
	}

	s.metrics.placed.Add(ctx, 1)
	s.publish(ctx, events.KindPlaced, order)
	s.logger.InfoContext(ctx, "order placed", "order_id", order.ID, "date_key", dateKey, "items", len(order.Items))
	return order, nil
}

// setPlacedOrderID writes the buyer index entry, retrying per indexRetry.
func (s *Service) setPlacedOrderID(ctx context.Context, order *model.Order) error {
	backoff := s.indexRetry.InitialBackoff
	var err error
	for attempt := uint(1); ; attempt++ {
		err = s.orders.SetPlacedOrderID(ctx, order.BuyerProfile.UserID, order.DateKey, order.ID)
		if err == nil || attempt >= s.indexRetry.MaxAttempts {
			return err
		}
		s.logger.WarnContext(ctx, "retrying buyer index update", "order_id", order.ID, "attempt", attempt, "error", err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (s *Service) DetectConflicts(ctx context.Context, userID string, ref OrderRef, items []model.OrderedLineItem) (*MergePreview, error) {
	local, err := prepareItems(items)
	if err != nil {
		return nil, err
	}
	order, err := s.buyerOrder(ctx, userID, ref)
	if err != nil {
		return nil, err
	}
	return &MergePreview{
		Order:     order,
		Conflicts: reconcile.DetectConflicts(local, order.Items),
	}, nil
}

func (s *Service) MergeIntoExisting(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	ctx, span := s.tracer.Start(ctx, "MergeIntoExisting")
	defer span.End()

	if req.UserID == "" {
		return nil, ordererrors.ErrNotAuthenticated
	}
	local, err := prepareItems(req.Items)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(lockKey(req.UserID, req.DateKey))
	defer unlock()

	order, err := s.editableOrder(ctx, req.UserID, req.OrderRef)
	if err != nil {
		return nil, err
	}

	conflicts := reconcile.ApplyResolutions(reconcile.DetectConflicts(local, order.Items), req.Resolutions)
	if s.strictMerge {
		if open := reconcile.Unresolved(conflicts); len(open) > 0 {
			return nil, fmt.Errorf("%w: %s", ordererrors.ErrUnresolvedConflicts, strings.Join(open, ", "))
		}
	}

	merged := reconcile.Resolve(order.Items, local, conflicts)
	s.assignIDs(merged, order.Items)
	order.Items = merged
	if err := s.orders.SaveOrder(ctx, order); err != nil {
		return nil, err
	}

	s.metrics.merged.Add(ctx, 1)
	s.publish(ctx, events.KindUpdated, order)
	s.logger.InfoContext(ctx, "basket merged into order", "order_id", order.ID, "conflicts", len(conflicts))
	return &MergeResult{
		Order:     order,
		Basket:    model.BasketFromOrder(order),
		Conflicts: conflicts,
	}, nil
}

func (s *Service) UpdateOrder(ctx context.Context, userID string, ref OrderRef, items []model.OrderedLineItem) (*model.Order, error) {
	ctx, span := s.tracer.Start(ctx, "UpdateOrder")
	defer span.End()

	if userID == "" {
		return nil, ordererrors.ErrNotAuthenticated
	}
	next, err := prepareItems(items)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(lockKey(userID, ref.DateKey))
	defer unlock()

	order, err := s.editableOrder(ctx, userID, ref)
	if err != nil {
		return nil, err
	}
	s.assignIDs(next, order.Items)
	order.Items = next
	if err := s.orders.SaveOrder(ctx, order); err != nil {
		return nil, err
	}

	s.metrics.updated.Add(ctx, 1)
	s.publish(ctx, events.KindUpdated, order)
	return order, nil
}

func (s *Service) CancelOrder(ctx context.Context, userID string, ref OrderRef) error {
	ctx, span := s.tracer.Start(ctx, "CancelOrder")
	defer span.End()

	if userID == "" {
		return ordererrors.ErrNotAuthenticated
	}
	if _, err := s.policy.Codec().Parse(ref.DateKey); err != nil {
		return err
	}

	unlock := s.locks.Lock(lockKey(userID, ref.DateKey))
	defer unlock()

	order, err := s.orders.FindOrder(ctx, ref.SellerID, ref.DateKey, ref.OrderID)
	if errors.Is(err, ordererrors.ErrOrderNotFound) {
		s.logger.InfoContext(ctx, "order already gone, cleaning buyer index", "order_id", ref.OrderID, "date_key", ref.DateKey)
		return s.removePlacedOrderID(ctx, userID, ref.DateKey, ref.OrderID)
	}
	if err != nil {
		return err
	}
	if order.BuyerProfile.UserID != userID {
		return ordererrors.ErrAccessDenied
	}
	if order.Status == model.StatusCancelled {
		return s.removePlacedOrderID(ctx, userID, order.DateKey, order.ID)
	}
	if !s.policy.CanEdit(order.PickupDate, s.now()) {
		return ordererrors.ErrEditWindowClosed
	}

	order.Status = model.StatusCancelled
	if err := s.orders.SaveOrder(ctx, order); err != nil {
		return err
	}
	if err := s.removePlacedOrderID(ctx, userID, order.DateKey, order.ID); err != nil {
		return err
	}

	s.metrics.cancelled.Add(ctx, 1)
	s.publish(ctx, events.KindCancelled, order)
	s.logger.InfoContext(ctx, "order cancelled", "order_id", order.ID, "date_key", order.DateKey)
	return nil
}

// removePlacedOrderID drops the index entry for dateKey if it still points at orderID.
func (s *Service) removePlacedOrderID(ctx context.Context, userID, dateKey, orderID string) error {
	current, found, err := s.orders.PlacedOrderID(ctx, userID, dateKey)
	if err != nil {
		return err
	}
	if !found || current != orderID {
		return nil
	}
	return s.orders.RemovePlacedOrderID(ctx, userID, dateKey)
}

func (s *Service) ReorderWithNewDate(ctx context.Context, sellerID string, items []model.OrderedLineItem, pickupDate time.Time) (*ReorderResult, error) {
	basketItems, err := prepareItems(items)
	if err != nil {
		return nil, err
	}
	catalog, err := s.orders.Catalog(ctx, sellerID)
	if err != nil {
		return nil, err
	}

	unavailable := make([]string, 0)
	for i := range basketItems {
		item := &basketItems[i]
		item.ID = ""
		product, ok := catalog[item.ProductID]
		if !ok || !product.Available {
			unavailable = append(unavailable, item.ProductID)
			continue
		}
		item.UnitPrice = product.UnitPrice
		if product.Name != "" {
			item.ProductName = product.Name
		}
		if product.Unit != "" {
			item.Unit = product.Unit
		}
	}

	pickup := s.policy.Codec().StartOfDay(pickupDate)
	return &ReorderResult{
		Basket: model.Basket{
			Items:      basketItems,
			PickupDate: &pickup,
		},
		Unavailable: unavailable,
		Offerable:   s.policy.IsPickupDateStillOfferable(pickup, s.now()),
	}, nil
}

func (s *Service) GetEditableOrUpcomingOrder(ctx context.Context, userID, sellerID string, mode Mode) (*model.Order, error) {
	if userID == "" {
		return nil, ordererrors.ErrNotAuthenticated
	}
	if mode != ModeEditable && mode != ModeUpcoming {
		return nil, fmt.Errorf("unknown order lookup mode %q", mode)
	}
	placed, err := s.orders.PlacedOrderIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	dateKeys := make([]string, 0, len(placed))
	for dateKey := range placed {
		dateKeys = append(dateKeys, dateKey)
	}
	loaded := make([]*model.Order, len(dateKeys))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, dateKey := range dateKeys {
		g.Go(func() error {
			order, err := s.orders.FindOrder(gCtx, sellerID, dateKey, placed[dateKey])
			if errors.Is(err, ordererrors.ErrOrderNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			loaded[i] = order
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	now := s.now()
	var best *model.Order
	for _, order := range loaded {
		if order == nil || order.Status == model.StatusCancelled || order.HiddenByBuyer || order.BuyerProfile.UserID != userID {
			continue
		}
		if !s.matches(order, mode, now) {
			continue
		}
		if best == nil || order.PickupDate.After(best.PickupDate) {
			best = order
		}
	}
	if best == nil {
		return nil, ordererrors.ErrOrderNotFound
	}
	return best, nil
}

func (s *Service) matches(order *model.Order, mode Mode, now time.Time) bool {
	switch mode {
	case ModeEditable:
		return s.policy.CanEdit(order.PickupDate, now)
	default:
		// the pickup day itself still counts as upcoming
		return !order.PickupDate.Before(s.policy.Codec().StartOfDay(now))
	}
}

func (s *Service) HideOrder(ctx context.Context, userID string, ref OrderRef, side Side) (*model.Order, error) {
	if userID == "" {
		return nil, ordererrors.ErrNotAuthenticated
	}
	order, err := s.orders.FindOrder(ctx, ref.SellerID, ref.DateKey, ref.OrderID)
	if err != nil {
		return nil, err
	}
	switch side {
	case SideBuyer:
		if order.BuyerProfile.UserID != userID {
			return nil, ordererrors.ErrAccessDenied
		}
		order.HiddenByBuyer = true
	case SideSeller:
		if order.SellerID != userID {
			return nil, ordererrors.ErrAccessDenied
		}
		order.HiddenBySeller = true
	default:
		return nil, fmt.Errorf("unknown side %q", side)
	}
	if err := s.orders.SaveOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Service) FindOrder(ctx context.Context, userID string, ref OrderRef) (*model.Order, error) {
	if userID == "" {
		return nil, ordererrors.ErrNotAuthenticated
	}
	order, err := s.orders.FindOrder(ctx, ref.SellerID, ref.DateKey, ref.OrderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerProfile.UserID != userID && order.SellerID != userID {
		return nil, ordererrors.ErrAccessDenied
	}
	return order, nil
}

func (s *Service) FindOrdersForDate(ctx context.Context, userID, sellerID, dateKey string) ([]model.Order, error) {
	if err := s.checkSeller(userID, sellerID); err != nil {
		return nil, err
	}
	if _, err := s.policy.Codec().Parse(dateKey); err != nil {
		return nil, err
	}
	byID, err := s.orders.FindOrdersForDate(ctx, sellerID, dateKey)
	if err != nil {
		return nil, err
	}
	orders := make([]model.Order, 0, len(byID))
	for _, order := range byID {
		if order.HiddenBySeller {
			continue
		}
		orders = append(orders, order)
	}
	slices.SortFunc(orders, func(a, b model.Order) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return orders, nil
}

func (s *Service) WatchOrders(ctx context.Context, userID, sellerID, dateKey string) (<-chan []snapshot.Event[string, model.Order], error) {
	if err := s.checkSeller(userID, sellerID); err != nil {
		return nil, err
	}
	if _, err := s.policy.Codec().Parse(dateKey); err != nil {
		return nil, err
	}
	path, err := s.orders.OrdersPath(sellerID, dateKey)
	if err != nil {
		return nil, err
	}
	return snapshot.Watch(ctx, s.watcher, path, store.DecodeOrder, s.logger)
}

func (s *Service) PickupDates(n int) []window.PickupDate {
	now := s.now()
	if n <= 0 {
		return s.policy.OfferedPickupDates(now)
	}
	return s.policy.PickupDates(now, n)
}

func (s *Service) SaveProduct(ctx context.Context, userID, sellerID string, product model.Product) error {
	if err := s.checkSeller(userID, sellerID); err != nil {
		return err
	}
	if product.ID == "" {
		return ordererrors.ErrInvalidItem
	}
	if product.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: %s", ordererrors.ErrInvalidPrice, product.ID)
	}
	return s.orders.SaveProduct(ctx, sellerID, product)
}

func (s *Service) EraseBuyerData(ctx context.Context, userID, sellerID string) (int, error) {
	if userID == "" {
		return 0, ordererrors.ErrNotAuthenticated
	}
	dateKeys, err := s.orders.OrderDates(ctx, sellerID)
	if err != nil {
		return 0, err
	}
	erased := make(map[string]struct{})
	for _, dateKey := range dateKeys {
		if err := s.eraseForDate(ctx, userID, sellerID, dateKey, erased); err != nil {
			return len(erased), err
		}
	}

	// index entries for other sellers' orders stay so those orders remain reachable
	placed, err := s.orders.PlacedOrderIDs(ctx, userID)
	if err != nil {
		return len(erased), err
	}
	for dateKey, orderID := range placed {
		if _, ok := erased[orderID]; !ok {
			continue
		}
		if err := s.orders.RemovePlacedOrderID(ctx, userID, dateKey); err != nil {
			return len(erased), err
		}
		delete(placed, dateKey)
	}
	if len(placed) == 0 {
		if err := s.orders.DeleteBuyerProfile(ctx, userID); err != nil {
			return len(erased), err
		}
	}
	s.logger.InfoContext(ctx, "buyer data erased", "orders", len(erased), "kept_index_entries", len(placed))
	return len(erased), nil
}

// eraseForDate deletes every order of userID stored under one pickup date, cancelled ones included.
func (s *Service) eraseForDate(ctx context.Context, userID, sellerID, dateKey string, erased map[string]struct{}) error {
	unlock := s.locks.Lock(lockKey(userID, dateKey))
	defer unlock()
	orders, err := s.orders.FindOrdersForDate(ctx, sellerID, dateKey)
	if err != nil {
		return err
	}
	for id, order := range orders {
		if order.BuyerProfile.UserID != userID {
			continue
		}
		if err := s.orders.DeleteOrder(ctx, sellerID, dateKey, id); err != nil {
			return err
		}
		erased[id] = struct{}{}
	}
	return nil
}

// buyerOrder loads an order the caller placed.
func (s *Service) buyerOrder(ctx context.Context, userID string, ref OrderRef) (*model.Order, error) {
	if userID == "" {
		return nil, ordererrors.ErrNotAuthenticated
	}
	order, err := s.orders.FindOrder(ctx, ref.SellerID, ref.DateKey, ref.OrderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerProfile.UserID != userID {
		return nil, ordererrors.ErrAccessDenied
	}
	return order, nil
}

// editableOrder loads an order the caller placed and may still change.
func (s *Service) editableOrder(ctx context.Context, userID string, ref OrderRef) (*model.Order, error) {
	order, err := s.buyerOrder(ctx, userID, ref)
	if err != nil {
		return nil, err
	}
	if order.Status == model.StatusCancelled {
		return nil, ordererrors.ErrOrderCancelled
	}
	if !s.policy.CanEdit(order.PickupDate, s.now()) {
		return nil, ordererrors.ErrEditWindowClosed
	}
	return order, nil
}

func (s *Service) checkSeller(userID, sellerID string) error {
	if userID == "" {
		return ordererrors.ErrNotAuthenticated
	}
	if userID != sellerID {
		return ordererrors.ErrAccessDenied
	}
	return nil
}

// assignIDs gives items the store id of the existing item with the same product, or a new one.
func (s *Service) assignIDs(items, existing []model.OrderedLineItem) {
	ids := make(map[string]string, len(existing))
	for _, item := range existing {
		if item.ID != "" {
			ids[item.ProductID] = item.ID
		}
	}
	for i := range items {
		if id, ok := ids[items[i].ProductID]; ok {
			items[i].ID = id
			continue
		}
		items[i].ID = s.orders.NewID()
	}
}

func (s *Service) publish(ctx context.Context, kind events.Kind, order *model.Order) {
	carrier := make(propagation.MapCarrier)
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	event := events.OrderEvent{
		Carrier:    carrier,
		Kind:       kind,
		OrderID:    order.ID,
		SellerID:   order.SellerID,
		DateKey:    order.DateKey,
		UserID:     order.BuyerProfile.UserID,
		ItemCount:  len(order.Items),
		Total:      order.Total(),
		OccurredAt: s.now(),
	}
	err := s.publisher.Publish(ctx, event)
	switch {
	case errors.Is(err, messaging.ErrDuplicate):
		s.logger.DebugContext(ctx, "order event already published", "kind", kind, "order_id", order.ID)
	case err != nil:
		s.logger.ErrorContext(ctx, "failed to publish order event", "kind", kind, "order_id", order.ID, "error", err)
	}
}

// prepareItems validates a basket and collapses duplicate products. Zero quantity lines are dropped.
func prepareItems(items []model.OrderedLineItem) ([]model.OrderedLineItem, error) {
	for _, item := range items {
		if item.ProductID == "" {
			return nil, ordererrors.ErrInvalidItem
		}
		if item.Quantity.IsNegative() {
			return nil, fmt.Errorf("%w: %s", ordererrors.ErrInvalidQuantity, item.ProductID)
		}
		if item.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: %s", ordererrors.ErrInvalidPrice, item.ProductID)
		}
	}
	normalized := reconcile.Normalize(items)
	out := normalized[:0]
	for _, item := range normalized {
		if item.Quantity.IsPositive() {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil, ordererrors.ErrEmptyBasket
	}
	return out, nil
}

func lockKey(userID, dateKey string) string {
	return userID + "/" + dateKey
}
