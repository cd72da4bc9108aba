package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/foodstore/internal/domain/order"
)

// GetOrder returns an order. Orders of other users are reported as missing
// unless the caller holds the admin scope.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		fail(w, r, err)
		return
	}
	if o.UserID != p.UserID && !p.Key.HasScope(adminScope) {
		fail(w, r, order.ErrNotFound)
		return
	}
	respond(w, http.StatusOK, func(e *jx.Encoder) {
		encodeOrder(e, o)
	})
}

// UpdateOrderStatus applies a fulfillment transition.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		fail(w, r, err)
		return
	}

	o, err := h.orders.UpdateFulfillment(r.Context(), chi.URLParam(r, "orderId"), order.Status(req.Status))
	if err != nil {
		fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, func(e *jx.Encoder) {
		encodeOrder(e, o)
	})
}
