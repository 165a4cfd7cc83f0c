package order

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ogozo/service-order/internal/catalog"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/orders", handler.CreateOrder)
	r.Get("/orders/{id}", handler.GetOrderByID)
	return r
}

type CreateOrderRequest struct {
	UserID string               `json:"user_id"`
	Items  []CreateOrderItemDTO `json:"items"`
}

type CreateOrderItemDTO struct {
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
}

type OrderResponse struct {
	ID        string              `json:"id"`
	UserID    string              `json:"user_id"`
	Status    string              `json:"status"`
	Total     float64             `json:"total"`
	Reason    string              `json:"reason,omitempty"`
	Items     []OrderItemResponse `json:"items"`
	CreatedAt string              `json:"created_at,omitempty"`
	UpdatedAt string              `json:"updated_at,omitempty"`
}

type OrderItemResponse struct {
	ProductID string  `json:"product_id"`
	Quantity  int32   `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

type CreateOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ReasonInvalidInput, err.Error())
		return
	}

	items := make([]ItemRequest, len(req.Items))
	for i, it := range req.Items {
		items[i] = ItemRequest{ProductID: it.ProductID, Quantity: it.Quantity}
	}

	result, err := h.service.CreateOrder(r.Context(), req.UserID, items)
	if err != nil {
		var vErr *ValidationError
		switch {
		case errors.As(err, &vErr):
			writeError(w, http.StatusBadRequest, ReasonInvalidInput, vErr.Msg)
		case errors.Is(err, catalog.ErrPriceUnavailable):
			writeError(w, http.StatusServiceUnavailable, ReasonServiceUnavailable, "could not price order items")
		default:
			writeError(w, http.StatusServiceUnavailable, ReasonServiceUnavailable, "order could not be processed")
		}
		return
	}

	status := http.StatusCreated
	if result.Status == StatusFailed {
		switch result.Reason {
		case ReasonPaymentDeclined:
			status = http.StatusPaymentRequired
		case ReasonInsufficientStock:
			status = http.StatusConflict
		default:
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, CreateOrderResponse{
		OrderID: result.OrderID,
		Status:  string(result.Status),
		Reason:  result.Reason,
	})
}

func (h *Handler) GetOrderByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	o, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "order_not_found", "")
			return
		}
		writeError(w, http.StatusServiceUnavailable, ReasonServiceUnavailable, "")
		return
	}
	writeJSON(w, http.StatusOK, mapOrderToResponse(o))
}

func mapOrderToResponse(o *Order) OrderResponse {
	items := make([]OrderItemResponse, len(o.Items))
	for i, li := range o.Items {
		items[i] = OrderItemResponse{ProductID: li.ProductID, Quantity: li.Quantity, UnitPrice: li.UnitPrice}
	}
	return OrderResponse{
		ID:        o.ID,
		UserID:    o.UserID,
		Status:    string(o.Status),
		Total:     o.Total,
		Reason:    o.Reason,
		Items:     items,
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
		UpdatedAt: o.UpdatedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: msg})
}
