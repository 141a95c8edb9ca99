package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/apimbilling/apimbilling/internal/apim"
	"github.com/apimbilling/apimbilling/internal/middleware"
	"github.com/apimbilling/apimbilling/internal/model"
	"github.com/apimbilling/apimbilling/internal/service"
	"github.com/apimbilling/apimbilling/internal/target"
)

// SubscriptionIDParam is the chi URL parameter naming a subscription.
const SubscriptionIDParam = "subscriptionId"

// BillingHandler handles the product and subscription endpoints.
type BillingHandler struct {
	svc    *service.BillingService
	logger *slog.Logger
}

// NewBillingHandler creates a new BillingHandler.
func NewBillingHandler(svc *service.BillingService, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		svc:    svc,
		logger: logger,
	}
}

// ListProducts handles GET /api/products.
func (h *BillingHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	tgt, ok := h.target(w, r)
	if !ok {
		return
	}

	products, err := h.svc.GetProducts(r.Context(), tgt)
	if err != nil {
		h.handleServiceError(w, r, err, "Failed to load products")
		return
	}
	writeJSON(w, http.StatusOK, products)
}

// ListSubscriptions handles GET /api/subscriptions?email=.
func (h *BillingHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	tgt, ok := h.target(w, r)
	if !ok {
		return
	}

	subs, err := h.svc.GetSubscriptionsByEmail(r.Context(), tgt, r.URL.Query().Get("email"))
	if err != nil {
		h.handleServiceError(w, r, err, "Failed to retrieve subscriptions")
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// Purchase handles POST /api/subscriptions/purchase.
func (h *BillingHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	tgt, ok := h.target(w, r)
	if !ok {
		return
	}

	var req model.PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body", "")
		return
	}

	h.logger.Info("purchase_requested",
		"request_id", middleware.GetRequestID(r.Context()),
		"product_id", req.ProductID,
	)

	resp, err := h.svc.ProcessPurchase(r.Context(), tgt, req)
	if err != nil {
		h.handleServiceError(w, r, err, "Purchase failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSubscription handles GET /api/subscriptions/{subscriptionId}.
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	tgt, ok := h.target(w, r)
	if !ok {
		return
	}

	info, err := h.svc.GetSubscriptionInfo(r.Context(), tgt, chi.URLParam(r, SubscriptionIDParam))
	if err != nil {
		h.handleServiceError(w, r, err, "Failed to retrieve subscription")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// UpdateState handles PATCH /api/subscriptions/{subscriptionId}/state.
func (h *BillingHandler) UpdateState(w http.ResponseWriter, r *http.Request) {
	tgt, ok := h.target(w, r)
	if !ok {
		return
	}

	var req model.UpdateSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body", "")
		return
	}

	info, err := h.svc.UpdateSubscription(r.Context(), tgt, chi.URLParam(r, SubscriptionIDParam), req.Action)
	if err != nil {
		h.handleServiceError(w, r, err, "Update failed")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// RotateKey handles POST /api/subscriptions/{subscriptionId}/rotate-key and
// returns the subscription with its new keys.
func (h *BillingHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	tgt, ok := h.target(w, r)
	if !ok {
		return
	}

	var req model.RotateKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body", "")
		return
	}

	id := chi.URLParam(r, SubscriptionIDParam)
	if err := h.svc.RotateKey(r.Context(), tgt, id, req.KeyType); err != nil {
		h.handleServiceError(w, r, err, "Key rotation failed")
		return
	}

	info, err := h.svc.GetSubscriptionInfo(r.Context(), tgt, id)
	if err != nil {
		h.handleServiceError(w, r, err, "Key rotation failed")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Delete handles DELETE /api/subscriptions/{subscriptionId}.
func (h *BillingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tgt, ok := h.target(w, r)
	if !ok {
		return
	}

	if err := h.svc.CancelSubscription(r.Context(), tgt, chi.URLParam(r, SubscriptionIDParam)); err != nil {
		h.handleServiceError(w, r, err, "Cancellation failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// target returns the instance resolved by middleware.Target.
func (h *BillingHandler) target(w http.ResponseWriter, r *http.Request) (target.Target, bool) {
	tgt, ok := target.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusBadRequest, "MISSING_APIM_TARGET", target.ErrMissingTarget.Error(), "")
	}
	return tgt, ok
}

// handleServiceError maps service errors to HTTP responses. Upstream failures
// become 500 with the ARM status and body in detail.
func (h *BillingHandler) handleServiceError(w http.ResponseWriter, r *http.Request, err error, title string) {
	switch {
	case errors.Is(err, service.ErrInvalidPurchase):
		writeError(w, http.StatusBadRequest, "INVALID_PURCHASE", err.Error(), "")
	case errors.Is(err, service.ErrInvalidAction):
		writeError(w, http.StatusBadRequest, "INVALID_ACTION", err.Error(), "")
	case errors.Is(err, service.ErrInvalidKeyType):
		writeError(w, http.StatusBadRequest, "INVALID_KEY_TYPE", err.Error(), "")
	case errors.Is(err, target.ErrMissingTarget):
		writeError(w, http.StatusBadRequest, "MISSING_APIM_TARGET", err.Error(), "")
	case errors.Is(err, target.ErrInvalidTarget):
		writeError(w, http.StatusBadRequest, "INVALID_APIM_TARGET", err.Error(), "")
	case errors.Is(err, service.ErrProductNotFound):
		writeError(w, http.StatusNotFound, "PRODUCT_NOT_FOUND", err.Error(), "")
	case errors.Is(err, service.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, "SUBSCRIPTION_NOT_FOUND", "Subscription not found", "")
	case errors.Is(err, service.ErrConcurrentUpdate):
		writeError(w, http.StatusConflict, "CONCURRENT_UPDATE", service.ErrConcurrentUpdate.Error(), "")
	default:
		h.logger.Error("internal_error",
			"request_id", middleware.GetRequestID(r.Context()),
			"path", r.URL.Path,
			"upstream_status", apim.StatusCode(err),
			"error", err,
		)
		detail := apim.Detail(err)
		if detail == "" {
			detail = err.Error()
		}
		writeError(w, http.StatusInternalServerError, "UPSTREAM_ERROR", title, detail)
	}
}
