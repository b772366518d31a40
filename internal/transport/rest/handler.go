// Package rest provides HTTP handlers for order lifecycle operations.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/abgdnv/farmorders/internal/datekey"
	ordererrors "github.com/abgdnv/farmorders/internal/errors"
	"github.com/abgdnv/farmorders/internal/model"
	"github.com/abgdnv/farmorders/internal/service"
	"github.com/abgdnv/farmorders/pkg/web"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const defaultKeepAlive = 15 * time.Second

type Handler struct {
	service   service.OrderService
	codec     datekey.Codec
	validate  *validator.Validate
	logger    *slog.Logger
	keepAlive time.Duration
}

// NewHandler creates a new Handler. codec parses the pickup dates clients send as date keys.
func NewHandler(service service.OrderService, codec datekey.Codec, logger *slog.Logger) *Handler {
	return &Handler{
		service:   service,
		codec:     codec,
		validate:  validator.New(),
		logger:    logger.With("component", "rest"),
		keepAlive: defaultKeepAlive,
	}
}

// RegisterRoutes registers the HTTP routes. auth must put the caller into the request context.
func (h *Handler) RegisterRoutes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/pickup-dates", h.PickupDates)

			r.Post("/orders", h.PlaceOrder)
			r.Get("/orders/current", h.CurrentOrder)
			r.Delete("/me", h.EraseBuyerData)

			r.Route("/sellers/{sellerID}", func(r chi.Router) {
				r.Post("/reorder", h.Reorder)
				r.Put("/catalog/{productID}", h.SaveProduct)

				r.Route("/orders/{dateKey}", func(r chi.Router) {
					r.Get("/", h.FindOrdersForDate)
					r.Get("/watch", h.WatchOrders)

					r.Route("/{orderID}", func(r chi.Router) {
						r.Get("/", h.FindOrder)
						r.Put("/", h.UpdateOrder)
						r.Delete("/", h.CancelOrder)
						r.Post("/conflicts", h.DetectConflicts)
						r.Post("/merge", h.Merge)
						r.Post("/hide", h.Hide)
					})
				})
			})
		})
	})
	r.Get("/healthz", h.HealthCheck)
}

// PickupDates lists the upcoming pickup dates. ?count overrides the configured horizon.
func (h *Handler) PickupDates(w http.ResponseWriter, r *http.Request) {
	count, ok := web.ParseOptionalInt(r, w, h.logger, "count", 0, web.Between(0, 52))
	if !ok {
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, h.service.PickupDates(count))
}

// PlaceOrder submits the caller's basket for a pickup date.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := web.GetUserID(w, r, h.logger)
	if !ok {
		return
	}
	var dto PlaceOrderDto
	if !web.DecodeJSON(w, r, h.logger, h.validate, &dto) {
		return
	}
	pickup, err := h.codec.Parse(dto.PickupDate)
	if err != nil {
		web.RespondError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.service.PlaceOrder(r.Context(), service.PlaceOrderRequest{
		SellerID: dto.SellerID,
		Buyer: model.BuyerProfile{
			UserID: userID,
			Name:   dto.Buyer.Name,
			Email:  dto.Buyer.Email,
			Phone:  dto.Buyer.Phone,
		},
		PickupDate: pickup,
		Items:      toItems(dto.Items),
	})
	var partial *ordererrors.PartialPlacementError
	if errors.As(err, &partial) && order != nil {
		h.logger.WarnContext(r.Context(), "order placed without buyer index entry", "order_id", order.ID, "error", err)
		web.RespondJSON(w, h.logger, http.StatusAccepted, PartialPlacementDto{
			Order:   order,
			Warning: "order stored but your order list is not updated yet",
		})
		return
	}
	if err != nil {
		h.respondServiceError(w, r, err, "place order")
		return
	}
	h.logger.InfoContext(r.Context(), "Order placed successfully", "ID", order.ID, "date_key", order.DateKey)
	web.RespondJSON(w, h.logger, http.StatusCreated, order)
}

// CurrentOrder returns the caller's latest editable or upcoming order with a seller.
func (h *Handler) CurrentOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := web.GetUserID(w, r, h.logger)
	if !ok {
		return
	}
	sellerID := r.URL.Query().Get("seller_id")
	if sellerID == "" {
		web.RespondError(w, h.logger, http.StatusBadRequest, "seller_id is required")
		return
	}
	mode := service.Mode(r.URL.Query().Get("mode"))
	switch mode {
	case "":
		mode = service.ModeEditable
	case service.ModeEditable, service.ModeUpcoming:
	default:
		web.RespondError(w, h.logger, http.StatusBadRequest, fmt.Sprintf("Invalid mode: %s", mode))
		return
	}
	order, err := h.service.GetEditableOrUpcomingOrder(r.Context(), userID, sellerID, mode)
	if err != nil {
		h.respondServiceError(w, r, err, "find current order")
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, order)
}

func (h *Handler) FindOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := web.GetUserID(w, r, h.logger)
	if !ok {
		return
	}
	order, err := h.service.FindOrder(r.Context(), userID, orderRef(r))
	if err != nil {
		h.respondServiceError(w, r, err, "find order")
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, order)
}

// FindOrdersForDate lists a seller's orders for one pickup date.
func (h *Handler) FindOrdersForDate(w http.ResponseWriter, r *http.Request) {
	userID, ok := web.GetUserID(w, r, h.logger)
	if !ok {
		return
	}
	orders, err := h.service.FindOrdersForDate(r.Context(), userID, chi.URLParam(r, "sellerID"), chi.URLParam(r, "dateKey"))
	if err != nil {
		h.respondServiceError(w, r, err, "find orders")
		return
	}
	h.logger.DebugContext(r.Context(), "Successfully retrieved order list", "count", len(orders))
	web.RespondJSON(w, h.logger, http.StatusOK, orders)
}

func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := web.GetUserID(w, r, h.logger)
	if !ok {
		return
	}
	var dto ItemsDto
	if !web.DecodeJSON(w, r, h.logger, h.validate, &dto) {
		return
	}
	order, err := h.service.UpdateOrder(r.Context(), userID, orderRef(r), toItems(dto.Items))
	if err != nil {
		h.respondServiceError(w, r, err, "update order")
		return
	}
	h.logger.InfoContext(r.Context(), "Order updated successfully", "ID", order.ID)
	web.RespondJSON(w, h.logger, http.StatusOK, order)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := web.GetUserID(w, r, h.logger)
	if !ok {
		return
	}
	ref := orderRef(r)
	if err := h.service.CancelOrder(r.Context(), userID, ref); err != nil {
		h.respondServiceError(w, r, err, "cancel order")
		return
	}
	h.logger.InfoContext(r.Context(), "Order cancelled", "ID", ref.OrderID)
	w.WriteHeader(http.StatusNoContent)
}

// DetectConflicts previews the conflicts between a basket and the placed order.
func (h *Handler) DetectConflicts(w http.ResponseWriter, r *http.Request) {
	userID, ok := web.GetUserID(w, r, h.logger)
	if !ok {
		return
	}
	var dto ItemsDto
	if !web.DecodeJSON(w, r, h.logger, h.validate, &dto) {
		return
	}
	preview, err := h.service.DetectConflicts(r.Context(), userID, orderRef(r), toItems(dto.Items))
	if err != nil {
		h.respondServiceError(w, r, err, "detect conflicts")
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, preview)
}

func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	userID, ok := web.GetUserID(w, r, h.logger)
	if !ok {
		return
	}
	var dto MergeDto
	if !web.DecodeJSON(w, r, h.logger, h.validate, &dto) {
		return
	}
	result, err := h.service.MergeIntoExisting(r.Context(), service.MergeRequest{
		OrderRef:    orderRef(r),
		UserID:      userID,
		Items:       toItems(dto.Items),
		Resolutions: dto.Resolutions,
	})
	if err != nil {
		h.respondServiceError(w, r, err, "merge basket")
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, result)
}

func (h *Handler) Hide(w http.ResponseWriter, r *http.Request) {
	userID, ok := web.GetUserID(w, r, h.logger)
	if !ok {
		return
	}
	var dto HideDto
	if !web.DecodeJSON(w, r, h.logger, h.validate, &dto) {
		return
	}
	order, err := h.service.HideOrder(r.Context(), userID, orderRef(r), service.Side(dto.Side))
	if err != nil {
		h.respondServiceError(w, r, err, "hide order")
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, order)
}

// Reorder reprices items for a new pickup date without storing anything.
func (h *Handler) Reorder(w http.ResponseWriter, r *http.Request) {
	if _, ok := web.GetUserID(w, r, h.logger); !ok {
		return
	}
	var dto ReorderDto
	if !web.DecodeJSON(w, r, h.logger, h.validate, &dto) {
		return
	}
	pickup, err := h.codec.Parse(dto.PickupDate)
	if err != nil {
		web.RespondError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.service.ReorderWithNewDate(r.Context(), chi.URLParam(r, "sellerID"), toItems(dto.Items), pickup)
	if err != nil {
		h.respondServiceError(w, r, err, "reorder")
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, result)
}

func (h *Handler) SaveProduct(w http.ResponseWriter, r *http.Request) {
	userID, ok := web.GetUserID(w, r, h.logger)
	if !ok {
		return
	}
	var dto ProductDto
	if !web.DecodeJSON(w, r, h.logger, h.validate, &dto) {
		return
	}
	product := model.Product{
		ID:        chi.URLParam(r, "productID"),
		Name:      dto.Name,
		Unit:      dto.Unit,
		UnitPrice: dto.UnitPrice,
		Available: dto.Available,
	}
	if err := h.service.SaveProduct(r.Context(), userID, chi.URLParam(r, "sellerID"), product); err != nil {
		h.respondServiceError(w, r, err, "save product")
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, product)
}

// EraseBuyerData removes the caller's orders with one seller and the caller's profile.
func (h *Handler) EraseBuyerData(w http.ResponseWriter, r *http.Request) {
	userID, ok := web.GetUserID(w, r, h.logger)
	if !ok {
		return
	}
	sellerID := r.URL.Query().Get("seller_id")
	if sellerID == "" {
		web.RespondError(w, h.logger, http.StatusBadRequest, "seller_id is required")
		return
	}
	erased, err := h.service.EraseBuyerData(r.Context(), userID, sellerID)
	if err != nil {
		h.respondServiceError(w, r, err, "erase buyer data")
		return
	}
	web.RespondJSON(w, h.logger, http.StatusOK, ErasedDto{Orders: erased})
}

// WatchOrders streams order changes as server-sent events until the client goes away.
func (h *Handler) WatchOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := web.GetUserID(w, r, h.logger)
	if !ok {
		return
	}
	ctx := r.Context()
	stream, err := h.service.WatchOrders(ctx, userID, chi.URLParam(r, "sellerID"), chi.URLParam(r, "dateKey"))
	if err != nil {
		h.respondServiceError(w, r, err, "watch orders")
		return
	}

	rc := http.NewResponseController(w)
	// the stream outlives any server write timeout
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.ErrorContext(ctx, "streaming not supported", "error", err)
		return
	}

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-stream:
			if !ok {
				return
			}
			data, err := json.Marshal(batch)
			if err != nil {
				h.logger.ErrorContext(ctx, "Error encoding order events", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: orders\ndata: %s\n\n", data); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// HealthCheck is a simple health check endpoint.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func orderRef(r *http.Request) service.OrderRef {
	return service.OrderRef{
		SellerID: chi.URLParam(r, "sellerID"),
		DateKey:  chi.URLParam(r, "dateKey"),
		OrderID:  chi.URLParam(r, "orderID"),
	}
}

// respondServiceError maps lifecycle errors to HTTP statuses.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error, action string) {
	ctx := r.Context()
	var placed *ordererrors.AlreadyPlacedError
	switch {
	case errors.As(err, &placed):
		h.logger.InfoContext(ctx, "Order already placed for date", "date_key", placed.DateKey, "order_id", placed.OrderID)
		web.RespondJSON(w, h.logger, http.StatusConflict, AlreadyPlacedDto{
			Error:   err.Error(),
			DateKey: placed.DateKey,
			OrderID: placed.OrderID,
		})
	case errors.Is(err, ordererrors.ErrNotAuthenticated):
		web.RespondError(w, h.logger, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, ordererrors.ErrAccessDenied):
		h.logger.WarnContext(ctx, "Access denied", "action", action)
		web.RespondError(w, h.logger, http.StatusForbidden, "Access denied")
	case errors.Is(err, ordererrors.ErrOrderNotFound):
		web.RespondError(w, h.logger, http.StatusNotFound, "Order not found")
	case errors.Is(err, ordererrors.ErrEditWindowClosed),
		errors.Is(err, ordererrors.ErrOrderCancelled):
		web.RespondError(w, h.logger, http.StatusConflict, err.Error())
	case errors.Is(err, ordererrors.ErrPickupDateExpired),
		errors.Is(err, ordererrors.ErrUnresolvedConflicts):
		web.RespondError(w, h.logger, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ordererrors.ErrEmptyBasket),
		errors.Is(err, ordererrors.ErrInvalidItem),
		errors.Is(err, ordererrors.ErrInvalidQuantity),
		errors.Is(err, ordererrors.ErrInvalidPrice),
		errors.Is(err, ordererrors.ErrInvalidDateKey):
		web.RespondError(w, h.logger, http.StatusBadRequest, err.Error())
	case errors.Is(err, ordererrors.ErrStoreUnavailable):
		h.logger.ErrorContext(ctx, "Store unavailable", "action", action, "error", err)
		web.RespondError(w, h.logger, http.StatusServiceUnavailable, "Store unavailable, try again later")
	case errors.Is(err, context.Canceled):
		h.logger.DebugContext(ctx, "Request cancelled", "action", action)
	default:
		h.logger.ErrorContext(ctx, "Unexpected error", "action", action, "error", err)
		web.RespondError(w, h.logger, http.StatusInternalServerError, fmt.Sprintf("Failed to %s", action))
	}
}
