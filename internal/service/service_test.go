package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abgdnv/farmorders/internal/datekey"
	ordererrors "github.com/abgdnv/farmorders/internal/errors"
	"github.com/abgdnv/farmorders/internal/model"
	"github.com/abgdnv/farmorders/internal/snapshot"
	"github.com/abgdnv/farmorders/internal/store"
	"github.com/abgdnv/farmorders/internal/window"
	"github.com/abgdnv/farmorders/pkg/config"
	"github.com/abgdnv/farmorders/pkg/messaging"
	"github.com/abgdnv/farmorders/pkg/messaging/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	buyerID  = "buyer-1"
	sellerID = "seller-1"
)

// Wednesday pickups close on Sunday 23:59.
var testWindow = window.Config{
	PickupDay:      time.Wednesday,
	DeadlineDay:    time.Sunday,
	DeadlineHour:   23,
	DeadlineMinute: 59,
	Horizon:        4,
}

// friday before the 2025-01-15 pickup
var friday = time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.OrderEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event messaging.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event.(events.OrderEvent))
	return nil
}

func (p *recordingPublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]events.Kind, 0, len(p.events))
	for _, e := range p.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

type fixture struct {
	svc       *Service
	tree      store.Tree
	orders    *store.TreeOrderStore
	clock     *clock
	publisher *recordingPublisher
}

func newFixture(t *testing.T, tree store.Tree, opts ...Option) *fixture {
	t.Helper()
	if tree == nil {
		tree = store.NewMemoryTree()
	}
	c := &clock{now: friday}
	pub := &recordingPublisher{}
	orders := store.NewTreeOrderStore(tree)
	policy := window.NewPolicy(datekey.NewCodec(time.UTC), testWindow)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithClock(c.Now), WithIndexRetry(config.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond})}, opts...)
	return &fixture{
		svc:       NewService(orders, tree, policy, pub, logger, opts...),
		tree:      tree,
		orders:    orders,
		clock:     c,
		publisher: pub,
	}
}

func item(productID string, qty int64, price string) model.OrderedLineItem {
	return model.OrderedLineItem{
		ProductID:   productID,
		ProductName: "product " + productID,
		Unit:        "kg",
		UnitPrice:   decimal.RequireFromString(price),
		Quantity:    decimal.NewFromInt(qty),
	}
}

func pickup() time.Time {
	return time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
}

func (f *fixture) place(t *testing.T, items ...model.OrderedLineItem) *model.Order {
	t.Helper()
	order, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		SellerID:   sellerID,
		Buyer:      model.BuyerProfile{UserID: buyerID, Name: "Ann"},
		PickupDate: pickup(),
		Items:      items,
	})
	require.NoError(t, err)
	return order
}

func refOf(o *model.Order) OrderRef {
	return OrderRef{SellerID: o.SellerID, DateKey: o.DateKey, OrderID: o.ID}
}

func TestPlaceOrder(t *testing.T) {
	// given
	f := newFixture(t, nil)
	ctx := context.Background()

	// when
	order := f.place(t, item("P1", 2, "3.50"), item("P2", 1, "1.00"))

	// then
	assert.Equal(t, "20250115", order.DateKey)
	assert.Equal(t, model.StatusPlaced, order.Status)
	assert.Equal(t, pickup(), order.PickupDate)
	assert.Equal(t, friday, order.CreatedAt)
	require.Len(t, order.Items, 2)
	for _, it := range order.Items {
		assert.NotEmpty(t, it.ID)
	}

	stored, err := f.orders.FindOrder(ctx, sellerID, "20250115", order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, stored.ID)
	assert.True(t, decimal.RequireFromString("8").Equal(stored.Total()))

	placedID, found, err := f.orders.PlacedOrderID(ctx, buyerID, "20250115")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, order.ID, placedID)
	assert.Equal(t, []events.Kind{events.KindPlaced}, f.publisher.kinds())
}

func TestPlaceOrder_SecondCallForSameDateIsAlreadyPlaced(t *testing.T) {
	// given
	f := newFixture(t, nil)
	first := f.place(t, item("P1", 1, "2"))

	// when
	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		SellerID:   sellerID,
		Buyer:      model.BuyerProfile{UserID: buyerID},
		PickupDate: pickup().Add(15 * time.Hour),
		Items:      []model.OrderedLineItem{item("P1", 5, "2")},
	})

	// then
	require.ErrorIs(t, err, ordererrors.ErrAlreadyPlacedOrder)
	var placed *ordererrors.AlreadyPlacedError
	require.ErrorAs(t, err, &placed)
	assert.Equal(t, first.ID, placed.OrderID)
	assert.Equal(t, "20250115", placed.DateKey)

	stored, err := f.orders.FindOrder(context.Background(), sellerID, "20250115", first.ID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1).Equal(stored.Items[0].Quantity), "existing order must not be overwritten")
}

func TestPlaceOrder_Rejections(t *testing.T) {
	testCases := []struct {
		name    string
		req     PlaceOrderRequest
		wantErr error
	}{
		{
			name: "no buyer",
			req: PlaceOrderRequest{
				SellerID: sellerID, PickupDate: pickup(),
				Items: []model.OrderedLineItem{item("P1", 1, "1")},
			},
			wantErr: ordererrors.ErrNotAuthenticated,
		},
		{
			name: "empty basket",
			req: PlaceOrderRequest{
				SellerID: sellerID, Buyer: model.BuyerProfile{UserID: buyerID}, PickupDate: pickup(),
			},
			wantErr: ordererrors.ErrEmptyBasket,
		},
		{
			name: "only zero quantities",
			req: PlaceOrderRequest{
				SellerID: sellerID, Buyer: model.BuyerProfile{UserID: buyerID}, PickupDate: pickup(),
				Items: []model.OrderedLineItem{item("P1", 0, "1")},
			},
			wantErr: ordererrors.ErrEmptyBasket,
		},
		{
			name: "negative quantity",
			req: PlaceOrderRequest{
				SellerID: sellerID, Buyer: model.BuyerProfile{UserID: buyerID}, PickupDate: pickup(),
				Items: []model.OrderedLineItem{item("P1", -1, "1")},
			},
			wantErr: ordererrors.ErrInvalidQuantity,
		},
		{
			name: "negative unit price",
			req: PlaceOrderRequest{
				SellerID: sellerID, Buyer: model.BuyerProfile{UserID: buyerID}, PickupDate: pickup(),
				Items: []model.OrderedLineItem{item("P1", 1, "-0.50")},
			},
			wantErr: ordererrors.ErrInvalidPrice,
		},
		{
			name: "item without product",
			req: PlaceOrderRequest{
				SellerID: sellerID, Buyer: model.BuyerProfile{UserID: buyerID}, PickupDate: pickup(),
				Items: []model.OrderedLineItem{item("", 1, "1")},
			},
			wantErr: ordererrors.ErrInvalidItem,
		},
		{
			name: "pickup day is not a market day",
			req: PlaceOrderRequest{
				SellerID: sellerID, Buyer: model.BuyerProfile{UserID: buyerID},
				PickupDate: time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC),
				Items:      []model.OrderedLineItem{item("P1", 1, "1")},
			},
			wantErr: ordererrors.ErrPickupDateExpired,
		},
		{
			name: "pickup beyond horizon",
			req: PlaceOrderRequest{
				SellerID: sellerID, Buyer: model.BuyerProfile{UserID: buyerID},
				PickupDate: time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC),
				Items:      []model.OrderedLineItem{item("P1", 1, "1")},
			},
			wantErr: ordererrors.ErrPickupDateExpired,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// given
			f := newFixture(t, nil)

			// when
			order, err := f.svc.PlaceOrder(context.Background(), tc.req)

			// then
			require.ErrorIs(t, err, tc.wantErr)
			assert.Nil(t, order)
			assert.Empty(t, f.publisher.kinds())
		})
	}
}

func TestPlaceOrder_ExpiredAfterDeadline(t *testing.T) {
	// given
	f := newFixture(t, nil)
	f.clock.Set(time.Date(2025, 1, 13, 9, 0, 0, 0, time.UTC))

	// when
	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		SellerID:   sellerID,
		Buyer:      model.BuyerProfile{UserID: buyerID},
		PickupDate: pickup(),
		Items:      []model.OrderedLineItem{item("P1", 1, "1")},
	})

	// then
	assert.ErrorIs(t, err, ordererrors.ErrPickupDateExpired)
}

func TestPlaceOrder_DuplicateProductsAreCollapsed(t *testing.T) {
	// given
	f := newFixture(t, nil)

	// when
	order := f.place(t, item("P1", 1, "2"), item("P1", 2, "2"), item("P2", 1, "1"))

	// then
	require.Len(t, order.Items, 2)
	assert.Equal(t, "P1", order.Items[0].ProductID)
	assert.True(t, decimal.NewFromInt(3).Equal(order.Items[0].Quantity))
}

// indexFailingTree rejects writes to the buyer index.
type indexFailingTree struct {
	*store.MemoryTree
	attempts atomic.Int32
}

func (t *indexFailingTree) Write(ctx context.Context, path string, value []byte) error {
	if strings.HasPrefix(path, "buyer_profile/") {
		t.attempts.Add(1)
		return errors.New("write timeout")
	}
	return t.MemoryTree.Write(ctx, path, value)
}

func TestPlaceOrder_PartialPlacement(t *testing.T) {
	// given
	tree := &indexFailingTree{MemoryTree: store.NewMemoryTree()}
	f := newFixture(t, tree)

	// when
	order, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		SellerID:   sellerID,
		Buyer:      model.BuyerProfile{UserID: buyerID},
		PickupDate: pickup(),
		Items:      []model.OrderedLineItem{item("P1", 1, "1")},
	})

	// then
	require.ErrorIs(t, err, ordererrors.ErrBuyerIndexUpdate)
	require.ErrorIs(t, err, ordererrors.ErrStoreUnavailable)
	var partial *ordererrors.PartialPlacementError
	require.ErrorAs(t, err, &partial)
	require.NotNil(t, order)
	assert.Equal(t, order.ID, partial.OrderID)
	assert.Equal(t, "20250115", partial.DateKey)
	assert.Equal(t, int32(2), tree.attempts.Load())

	stored, findErr := f.orders.FindOrder(context.Background(), sellerID, "20250115", order.ID)
	require.NoError(t, findErr)
	assert.Equal(t, model.StatusPlaced, stored.Status)
	assert.Empty(t, f.publisher.kinds())
}

func TestPlaceOrder_ConcurrentDoubleSubmit(t *testing.T) {
	// given
	f := newFixture(t, nil)
	const callers = 10
	var wg sync.WaitGroup
	var placed, already atomic.Int32

	// when
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
				SellerID:   sellerID,
				Buyer:      model.BuyerProfile{UserID: buyerID},
				PickupDate: pickup(),
				Items:      []model.OrderedLineItem{item("P1", 1, "1")},
			})
			switch {
			case err == nil:
				placed.Add(1)
			case errors.Is(err, ordererrors.ErrAlreadyPlacedOrder):
				already.Add(1)
			}
		}()
	}
	wg.Wait()

	// then
	assert.Equal(t, int32(1), placed.Load())
	assert.Equal(t, int32(callers-1), already.Load())
	orders, err := f.orders.FindOrdersForDate(context.Background(), sellerID, "20250115")
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestDetectConflicts(t *testing.T) {
	// given
	f := newFixture(t, nil)
	order := f.place(t, item("P1", 1, "2"), item("P2", 4, "1"))

	// when
	preview, err := f.svc.DetectConflicts(context.Background(), buyerID, refOf(order),
		[]model.OrderedLineItem{item("P1", 3, "2.5"), item("P2", 4, "1"), item("P3", 1, "5")})

	// then
	require.NoError(t, err)
	require.Len(t, preview.Conflicts, 1)
	c := preview.Conflicts[0]
	assert.Equal(t, "P1", c.ProductID)
	assert.True(t, decimal.NewFromInt(3).Equal(c.NewQuantity))
	assert.True(t, decimal.NewFromInt(1).Equal(c.ExistingQuantity))
	assert.Equal(t, model.ResolutionUndecided, c.Resolution)
	assert.Equal(t, order.ID, preview.Order.ID)
}

func TestMergeIntoExisting_Resolutions(t *testing.T) {
	testCases := []struct {
		resolution model.Resolution
		want       int64
	}{
		{resolution: model.ResolutionAdd, want: 4},
		{resolution: model.ResolutionKeepExisting, want: 1},
		{resolution: model.ResolutionUseNew, want: 3},
		{resolution: model.ResolutionUndecided, want: 1},
	}
	for _, tc := range testCases {
		t.Run(string(tc.resolution), func(t *testing.T) {
			// given
			f := newFixture(t, nil)
			order := f.place(t, item("P1", 1, "2"))
			originalItemID := order.Items[0].ID

			// when
			result, err := f.svc.MergeIntoExisting(context.Background(), MergeRequest{
				OrderRef:    refOf(order),
				UserID:      buyerID,
				Items:       []model.OrderedLineItem{item("P1", 3, "2"), item("P9", 1, "7")},
				Resolutions: map[string]model.Resolution{"P1": tc.resolution},
			})

			// then
			require.NoError(t, err)
			require.Len(t, result.Order.Items, 2)
			merged := result.Order.Items[0]
			assert.Equal(t, "P1", merged.ProductID)
			assert.True(t, decimal.NewFromInt(tc.want).Equal(merged.Quantity), "got %s", merged.Quantity)
			assert.Equal(t, originalItemID, merged.ID)
			assert.Equal(t, "P9", result.Order.Items[1].ProductID)
			assert.NotEmpty(t, result.Order.Items[1].ID)

			assert.Equal(t, order.ID, result.Basket.LoadedOrderID)
			assert.Equal(t, order.DateKey, result.Basket.LoadedOrderDate)

			stored, err := f.orders.FindOrder(context.Background(), sellerID, order.DateKey, order.ID)
			require.NoError(t, err)
			require.Len(t, stored.Items, 2)
			assert.True(t, decimal.NewFromInt(tc.want).Equal(stored.Items[0].Quantity))
			assert.Equal(t, []events.Kind{events.KindPlaced, events.KindUpdated}, f.publisher.kinds())
		})
	}
}

func TestMergeIntoExisting_StrictRejectsUndecided(t *testing.T) {
	// given
	f := newFixture(t, nil, WithStrictMerge(true))
	order := f.place(t, item("P1", 1, "2"))

	// when
	_, err := f.svc.MergeIntoExisting(context.Background(), MergeRequest{
		OrderRef: refOf(order),
		UserID:   buyerID,
		Items:    []model.OrderedLineItem{item("P1", 3, "2")},
	})

	// then
	require.ErrorIs(t, err, ordererrors.ErrUnresolvedConflicts)
	assert.Contains(t, err.Error(), "P1")
	stored, findErr := f.orders.FindOrder(context.Background(), sellerID, order.DateKey, order.ID)
	require.NoError(t, findErr)
	assert.True(t, decimal.NewFromInt(1).Equal(stored.Items[0].Quantity))
}

func TestMergeIntoExisting_OtherBuyer(t *testing.T) {
	// given
	f := newFixture(t, nil)
	order := f.place(t, item("P1", 1, "2"))

	// when
	_, err := f.svc.MergeIntoExisting(context.Background(), MergeRequest{
		OrderRef: refOf(order),
		UserID:   "someone-else",
		Items:    []model.OrderedLineItem{item("P1", 3, "2")},
	})

	// then
	assert.ErrorIs(t, err, ordererrors.ErrAccessDenied)
}

func TestUpdateOrder(t *testing.T) {
	// given
	f := newFixture(t, nil)
	order := f.place(t, item("P1", 1, "2"), item("P2", 1, "2"))
	p1ID := order.Items[0].ID

	// when
	updated, err := f.svc.UpdateOrder(context.Background(), buyerID, refOf(order),
		[]model.OrderedLineItem{item("P1", 5, "2"), item("P3", 1, "4")})

	// then
	require.NoError(t, err)
	assert.Equal(t, order.ID, updated.ID)
	assert.Equal(t, model.StatusPlaced, updated.Status)
	require.Len(t, updated.Items, 2)
	assert.Equal(t, p1ID, updated.Items[0].ID)
	assert.True(t, decimal.NewFromInt(5).Equal(updated.Items[0].Quantity))
	assert.Equal(t, "P3", updated.Items[1].ProductID)
}

func TestEditWindowClosed(t *testing.T) {
	// given
	f := newFixture(t, nil)
	order := f.place(t, item("P1", 1, "2"))
	// two days before pickup, past the Sunday deadline
	f.clock.Set(time.Date(2025, 1, 13, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	// when
	_, updateErr := f.svc.UpdateOrder(ctx, buyerID, refOf(order), []model.OrderedLineItem{item("P1", 2, "2")})
	cancelErr := f.svc.CancelOrder(ctx, buyerID, refOf(order))
	_, mergeErr := f.svc.MergeIntoExisting(ctx, MergeRequest{OrderRef: refOf(order), UserID: buyerID, Items: []model.OrderedLineItem{item("P1", 2, "2")}})

	// then
	assert.ErrorIs(t, updateErr, ordererrors.ErrEditWindowClosed)
	assert.ErrorIs(t, cancelErr, ordererrors.ErrEditWindowClosed)
	assert.ErrorIs(t, mergeErr, ordererrors.ErrEditWindowClosed)
	stored, err := f.orders.FindOrder(ctx, sellerID, order.DateKey, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPlaced, stored.Status)
}

func TestEditWindow_DeadlineBoundary(t *testing.T) {
	// given
	f := newFixture(t, nil)
	order := f.place(t, item("P1", 1, "2"))
	deadline := time.Date(2025, 1, 12, 23, 59, 0, 0, time.UTC)
	items := []model.OrderedLineItem{item("P1", 2, "2")}

	// when
	f.clock.Set(deadline.Add(-time.Nanosecond))
	_, beforeErr := f.svc.UpdateOrder(context.Background(), buyerID, refOf(order), items)
	f.clock.Set(deadline)
	_, atErr := f.svc.UpdateOrder(context.Background(), buyerID, refOf(order), items)

	// then
	assert.NoError(t, beforeErr)
	assert.ErrorIs(t, atErr, ordererrors.ErrEditWindowClosed)
}

func TestCancelOrder(t *testing.T) {
	// given
	f := newFixture(t, nil)
	order := f.place(t, item("P1", 1, "2"))
	ctx := context.Background()

	// when
	err := f.svc.CancelOrder(ctx, buyerID, refOf(order))

	// then
	require.NoError(t, err)
	stored, err := f.orders.FindOrder(ctx, sellerID, order.DateKey, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, stored.Status)
	_, found, err := f.orders.PlacedOrderID(ctx, buyerID, order.DateKey)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, []events.Kind{events.KindPlaced, events.KindCancelled}, f.publisher.kinds())

	// a cancelled order frees the date for a new placement
	again := f.place(t, item("P2", 1, "1"))
	assert.NotEqual(t, order.ID, again.ID)
}

func TestCancelOrder_Idempotent(t *testing.T) {
	t.Run("already cancelled", func(t *testing.T) {
		// given
		f := newFixture(t, nil)
		order := f.place(t, item("P1", 1, "2"))
		require.NoError(t, f.svc.CancelOrder(context.Background(), buyerID, refOf(order)))

		// when
		err := f.svc.CancelOrder(context.Background(), buyerID, refOf(order))

		// then
		assert.NoError(t, err)
		assert.Equal(t, []events.Kind{events.KindPlaced, events.KindCancelled}, f.publisher.kinds())
	})

	t.Run("record already gone", func(t *testing.T) {
		// given
		f := newFixture(t, nil)
		ctx := context.Background()
		order := f.place(t, item("P1", 1, "2"))
		require.NoError(t, f.orders.DeleteOrder(ctx, sellerID, order.DateKey, order.ID))

		// when
		err := f.svc.CancelOrder(ctx, buyerID, refOf(order))

		// then
		require.NoError(t, err)
		_, found, err := f.orders.PlacedOrderID(ctx, buyerID, order.DateKey)
		require.NoError(t, err)
		assert.False(t, found, "buyer index must be cleaned up")
	})

	t.Run("record gone does not clear a different index entry", func(t *testing.T) {
		// given
		f := newFixture(t, nil)
		ctx := context.Background()
		order := f.place(t, item("P1", 1, "2"))

		// when
		err := f.svc.CancelOrder(ctx, buyerID, OrderRef{SellerID: sellerID, DateKey: order.DateKey, OrderID: "stale"})

		// then
		require.NoError(t, err)
		placedID, found, err := f.orders.PlacedOrderID(ctx, buyerID, order.DateKey)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, order.ID, placedID)
	})
}

func TestCancelOrder_Rejections(t *testing.T) {
	// given
	f := newFixture(t, nil)
	order := f.place(t, item("P1", 1, "2"))

	// when
	otherErr := f.svc.CancelOrder(context.Background(), "intruder", refOf(order))
	anonErr := f.svc.CancelOrder(context.Background(), "", refOf(order))
	badKeyErr := f.svc.CancelOrder(context.Background(), buyerID, OrderRef{SellerID: sellerID, DateKey: "2025-01-15", OrderID: order.ID})

	// then
	assert.ErrorIs(t, otherErr, ordererrors.ErrAccessDenied)
	assert.ErrorIs(t, anonErr, ordererrors.ErrNotAuthenticated)
	assert.ErrorIs(t, badKeyErr, ordererrors.ErrInvalidDateKey)
}

func TestUpdateOrder_Cancelled(t *testing.T) {
	// given
	f := newFixture(t, nil)
	order := f.place(t, item("P1", 1, "2"))
	require.NoError(t, f.svc.CancelOrder(context.Background(), buyerID, refOf(order)))

	// when
	_, err := f.svc.UpdateOrder(context.Background(), buyerID, refOf(order), []model.OrderedLineItem{item("P1", 2, "2")})

	// then
	assert.ErrorIs(t, err, ordererrors.ErrOrderCancelled)
}

func TestUpdateOrder_NotFound(t *testing.T) {
	// given
	f := newFixture(t, nil)

	// when
	_, err := f.svc.UpdateOrder(context.Background(), buyerID,
		OrderRef{SellerID: sellerID, DateKey: "20250115", OrderID: "missing"},
		[]model.OrderedLineItem{item("P1", 2, "2")})

	// then
	assert.ErrorIs(t, err, ordererrors.ErrOrderNotFound)
}

func TestReorderWithNewDate(t *testing.T) {
	// given
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.SaveProduct(ctx, sellerID, sellerID, model.Product{
		ID: "P1", Name: "Carrots", Unit: "kg", UnitPrice: decimal.RequireFromString("2.20"), Available: true,
	}))
	require.NoError(t, f.svc.SaveProduct(ctx, sellerID, sellerID, model.Product{
		ID: "P2", Name: "Leeks", Unit: "kg", UnitPrice: decimal.RequireFromString("9.99"), Available: false,
	}))
	old := item("P1", 2, "1.80")
	old.ID = "old-item"
	next := time.Date(2025, 1, 22, 14, 0, 0, 0, time.UTC)

	// when
	result, err := f.svc.ReorderWithNewDate(ctx, sellerID,
		[]model.OrderedLineItem{old, item("P2", 1, "3.00"), item("P3", 1, "4.00")}, next)

	// then
	require.NoError(t, err)
	require.Len(t, result.Basket.Items, 3)
	assert.True(t, decimal.RequireFromString("2.20").Equal(result.Basket.Items[0].UnitPrice))
	assert.Equal(t, "Carrots", result.Basket.Items[0].ProductName)
	assert.Empty(t, result.Basket.Items[0].ID)
	assert.True(t, decimal.RequireFromString("3.00").Equal(result.Basket.Items[1].UnitPrice))
	assert.True(t, decimal.RequireFromString("4.00").Equal(result.Basket.Items[2].UnitPrice))
	assert.Equal(t, []string{"P2", "P3"}, result.Unavailable)
	assert.False(t, result.Basket.IsLoaded())
	require.NotNil(t, result.Basket.PickupDate)
	assert.Equal(t, time.Date(2025, 1, 22, 0, 0, 0, 0, time.UTC), *result.Basket.PickupDate)
	assert.True(t, result.Offerable)

	// nothing was written
	children, err := f.tree.ReadChildren(ctx, "orders/"+sellerID)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestGetEditableOrUpcomingOrder(t *testing.T) {
	// given
	f := newFixture(t, nil)
	ctx := context.Background()
	first := f.place(t, item("P1", 1, "1"))
	second, err := f.svc.PlaceOrder(ctx, PlaceOrderRequest{
		SellerID:   sellerID,
		Buyer:      model.BuyerProfile{UserID: buyerID},
		PickupDate: time.Date(2025, 1, 22, 0, 0, 0, 0, time.UTC),
		Items:      []model.OrderedLineItem{item("P1", 1, "1")},
	})
	require.NoError(t, err)

	testCases := []struct {
		name    string
		now     time.Time
		mode    Mode
		wantID  string
		wantErr error
	}{
		{name: "editable picks latest pickup", now: friday, mode: ModeEditable, wantID: second.ID},
		{name: "upcoming picks latest pickup", now: friday, mode: ModeUpcoming, wantID: second.ID},
		{name: "editable after second deadline", now: time.Date(2025, 1, 20, 8, 0, 0, 0, time.UTC), mode: ModeEditable, wantErr: ordererrors.ErrOrderNotFound},
		{name: "upcoming after second deadline", now: time.Date(2025, 1, 20, 8, 0, 0, 0, time.UTC), mode: ModeUpcoming, wantID: second.ID},
		{name: "upcoming on pickup day", now: time.Date(2025, 1, 22, 18, 0, 0, 0, time.UTC), mode: ModeUpcoming, wantID: second.ID},
		{name: "upcoming after all pickups", now: time.Date(2025, 1, 23, 0, 0, 0, 0, time.UTC), mode: ModeUpcoming, wantErr: ordererrors.ErrOrderNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// given
			f.clock.Set(tc.now)

			// when
			order, err := f.svc.GetEditableOrUpcomingOrder(ctx, buyerID, sellerID, tc.mode)

			// then
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantID, order.ID)
		})
	}

	t.Run("cancelled orders are skipped", func(t *testing.T) {
		// given
		f.clock.Set(friday)
		require.NoError(t, f.svc.CancelOrder(ctx, buyerID, refOf(second)))

		// when
		order, err := f.svc.GetEditableOrUpcomingOrder(ctx, buyerID, sellerID, ModeEditable)

		// then
		require.NoError(t, err)
		assert.Equal(t, first.ID, order.ID)
	})

	t.Run("orders hidden by the buyer are skipped", func(t *testing.T) {
		// given
		f.clock.Set(friday)
		_, err := f.svc.HideOrder(ctx, buyerID, refOf(first), SideBuyer)
		require.NoError(t, err)

		// when
		_, editableErr := f.svc.GetEditableOrUpcomingOrder(ctx, buyerID, sellerID, ModeEditable)
		_, upcomingErr := f.svc.GetEditableOrUpcomingOrder(ctx, buyerID, sellerID, ModeUpcoming)

		// then
		assert.ErrorIs(t, editableErr, ordererrors.ErrOrderNotFound)
		assert.ErrorIs(t, upcomingErr, ordererrors.ErrOrderNotFound)
	})
}

func TestHideOrder(t *testing.T) {
	// given
	f := newFixture(t, nil)
	order := f.place(t, item("P1", 1, "1"))
	ctx := context.Background()

	// when
	byBuyer, buyerErr := f.svc.HideOrder(ctx, buyerID, refOf(order), SideBuyer)
	bySeller, sellerErr := f.svc.HideOrder(ctx, sellerID, refOf(order), SideSeller)
	_, wrongSideErr := f.svc.HideOrder(ctx, buyerID, refOf(order), SideSeller)

	// then
	require.NoError(t, buyerErr)
	require.NoError(t, sellerErr)
	assert.True(t, byBuyer.HiddenByBuyer)
	assert.True(t, bySeller.HiddenByBuyer)
	assert.True(t, bySeller.HiddenBySeller)
	assert.ErrorIs(t, wrongSideErr, ordererrors.ErrAccessDenied)
}

func TestFindOrder_Visibility(t *testing.T) {
	// given
	f := newFixture(t, nil)
	order := f.place(t, item("P1", 1, "1"))
	ctx := context.Background()

	testCases := []struct {
		userID  string
		wantErr error
	}{
		{userID: buyerID},
		{userID: sellerID},
		{userID: "stranger", wantErr: ordererrors.ErrAccessDenied},
		{userID: "", wantErr: ordererrors.ErrNotAuthenticated},
	}
	for _, tc := range testCases {
		t.Run(tc.userID, func(t *testing.T) {
			// when
			found, err := f.svc.FindOrder(ctx, tc.userID, refOf(order))

			// then
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, order.ID, found.ID)
		})
	}
}

func TestFindOrdersForDate(t *testing.T) {
	// given
	f := newFixture(t, nil)
	ctx := context.Background()
	first := f.place(t, item("P1", 1, "1"))
	f.clock.Set(friday.Add(time.Hour))
	second, err := f.svc.PlaceOrder(ctx, PlaceOrderRequest{
		SellerID:   sellerID,
		Buyer:      model.BuyerProfile{UserID: "buyer-2"},
		PickupDate: pickup(),
		Items:      []model.OrderedLineItem{item("P2", 1, "1")},
	})
	require.NoError(t, err)

	// when
	orders, err := f.svc.FindOrdersForDate(ctx, sellerID, sellerID, "20250115")
	_, deniedErr := f.svc.FindOrdersForDate(ctx, buyerID, sellerID, "20250115")

	// then
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, first.ID, orders[0].ID)
	assert.Equal(t, second.ID, orders[1].ID)
	assert.ErrorIs(t, deniedErr, ordererrors.ErrAccessDenied)

	t.Run("orders hidden by the seller are left out", func(t *testing.T) {
		// given
		_, err := f.svc.HideOrder(ctx, sellerID, refOf(first), SideSeller)
		require.NoError(t, err)
		_, err = f.svc.HideOrder(ctx, "buyer-2", refOf(second), SideBuyer)
		require.NoError(t, err)

		// when
		visible, err := f.svc.FindOrdersForDate(ctx, sellerID, sellerID, "20250115")

		// then
		require.NoError(t, err)
		require.Len(t, visible, 1)
		assert.Equal(t, second.ID, visible[0].ID)
	})
}

func TestWatchOrders(t *testing.T) {
	// given
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := f.svc.WatchOrders(ctx, sellerID, sellerID, "20250115")
	require.NoError(t, err)

	// when
	order := f.place(t, item("P1", 1, "1"))

	// then
	batch := receiveEvents(t, stream)
	require.Len(t, batch, 1)
	assert.Equal(t, snapshot.Added, batch[0].Kind)
	assert.Equal(t, order.ID, batch[0].Key)
	assert.Equal(t, order.ID, batch[0].Value.ID)

	// when
	_, err = f.svc.UpdateOrder(ctx, buyerID, refOf(order), []model.OrderedLineItem{item("P1", 2, "1")})
	require.NoError(t, err)

	// then
	batch = receiveEvents(t, stream)
	require.Len(t, batch, 1)
	assert.Equal(t, snapshot.Changed, batch[0].Kind)
	assert.True(t, decimal.NewFromInt(2).Equal(batch[0].Value.Items[0].Quantity))

	_, err = f.svc.WatchOrders(ctx, buyerID, sellerID, "20250115")
	assert.ErrorIs(t, err, ordererrors.ErrAccessDenied)
}

func receiveEvents(t *testing.T, ch <-chan []snapshot.Event[string, model.Order]) []snapshot.Event[string, model.Order] {
	t.Helper()
	select {
	case batch, ok := <-ch:
		require.True(t, ok, "stream closed")
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("no events received")
		return nil
	}
}

func TestPickupDates(t *testing.T) {
	// given
	f := newFixture(t, nil)

	// when
	horizon := f.svc.PickupDates(0)
	two := f.svc.PickupDates(2)

	// then
	require.Len(t, horizon, 4)
	require.Len(t, two, 2)
	assert.Equal(t, "20250115", horizon[0].DateKey)
	assert.True(t, horizon[0].Orderable)
	assert.Equal(t, "20250205", horizon[3].DateKey)
}

func TestSaveProduct_OnlySeller(t *testing.T) {
	// given
	f := newFixture(t, nil)

	// when
	err := f.svc.SaveProduct(context.Background(), buyerID, sellerID, model.Product{ID: "P1"})

	// then
	assert.ErrorIs(t, err, ordererrors.ErrAccessDenied)
}

func TestSaveProduct_NegativePrice(t *testing.T) {
	// given
	f := newFixture(t, nil)
	product := model.Product{ID: "P1", UnitPrice: decimal.RequireFromString("-1")}

	// when
	err := f.svc.SaveProduct(context.Background(), sellerID, sellerID, product)

	// then
	assert.ErrorIs(t, err, ordererrors.ErrInvalidPrice)
}

func TestEraseBuyerData(t *testing.T) {
	// given
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.place(t, item("P1", 1, "1"))

	// when
	erased, err := f.svc.EraseBuyerData(ctx, buyerID, sellerID)

	// then
	require.NoError(t, err)
	assert.Equal(t, 1, erased)
	_, err = f.orders.FindOrder(ctx, sellerID, order.DateKey, order.ID)
	assert.ErrorIs(t, err, ordererrors.ErrOrderNotFound)
	placed, err := f.orders.PlacedOrderIDs(ctx, buyerID)
	require.NoError(t, err)
	assert.Empty(t, placed)
}

func TestEraseBuyerData_CancelledOrder(t *testing.T) {
	// given
	f := newFixture(t, nil)
	ctx := context.Background()
	order := f.place(t, item("P1", 1, "1"))
	require.NoError(t, f.svc.CancelOrder(ctx, buyerID, refOf(order)))
	placed, err := f.orders.PlacedOrderIDs(ctx, buyerID)
	require.NoError(t, err)
	require.Empty(t, placed)

	// when
	erased, err := f.svc.EraseBuyerData(ctx, buyerID, sellerID)

	// then
	require.NoError(t, err)
	assert.Equal(t, 1, erased)
	_, err = f.orders.FindOrder(ctx, sellerID, order.DateKey, order.ID)
	assert.ErrorIs(t, err, ordererrors.ErrOrderNotFound)
}

func TestEraseBuyerData_OnlyOneSeller(t *testing.T) {
	// given
	f := newFixture(t, nil)
	ctx := context.Background()
	own := f.place(t, item("P1", 1, "1"))
	other, err := f.svc.PlaceOrder(ctx, PlaceOrderRequest{
		SellerID:   "seller-2",
		Buyer:      model.BuyerProfile{UserID: buyerID, Name: "Ann"},
		PickupDate: time.Date(2025, 1, 22, 0, 0, 0, 0, time.UTC),
		Items:      []model.OrderedLineItem{item("P9", 1, "2")},
	})
	require.NoError(t, err)
	neighbour, err := f.svc.PlaceOrder(ctx, PlaceOrderRequest{
		SellerID:   sellerID,
		Buyer:      model.BuyerProfile{UserID: "buyer-2"},
		PickupDate: pickup(),
		Items:      []model.OrderedLineItem{item("P1", 1, "1")},
	})
	require.NoError(t, err)

	// when
	erased, err := f.svc.EraseBuyerData(ctx, buyerID, sellerID)

	// then
	require.NoError(t, err)
	assert.Equal(t, 1, erased)
	_, err = f.orders.FindOrder(ctx, sellerID, own.DateKey, own.ID)
	assert.ErrorIs(t, err, ordererrors.ErrOrderNotFound)
	_, err = f.orders.FindOrder(ctx, sellerID, neighbour.DateKey, neighbour.ID)
	assert.NoError(t, err)
	placed, err := f.orders.PlacedOrderIDs(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{other.DateKey: other.ID}, placed)
	found, err := f.svc.GetEditableOrUpcomingOrder(ctx, buyerID, "seller-2", ModeUpcoming)
	require.NoError(t, err)
	assert.Equal(t, other.ID, found.ID)
}
