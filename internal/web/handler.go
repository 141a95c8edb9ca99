// Package web is the customer-facing billing site. It keeps a small
// Redis-backed session (who the customer is and which APIM instance they
// picked) and drives the Billing API through the gateway client.
package web

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/apimbilling/apimbilling/internal/config"
	"github.com/apimbilling/apimbilling/internal/gateway"
	"github.com/apimbilling/apimbilling/internal/middleware"
	"github.com/apimbilling/apimbilling/internal/model"
	"github.com/apimbilling/apimbilling/internal/target"
)

// BillingAPI is the subset of the Billing API the site uses.
// *gateway.Client implements it.
type BillingAPI interface {
	GetProducts(ctx context.Context) ([]model.Product, error)
	PurchaseProduct(ctx context.Context, req model.PurchaseRequest) (*model.PurchaseResponse, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*model.SubscriptionInfo, error)
	GetSubscriptionsByEmail(ctx context.Context, email string) ([]model.SubscriptionInfo, error)
	UpdateSubscriptionState(ctx context.Context, subscriptionID, action string) (*model.SubscriptionInfo, error)
	RotateKey(ctx context.Context, subscriptionID, keyType string) (*model.SubscriptionInfo, error)
	DeleteSubscription(ctx context.Context, subscriptionID string) error
}

var _ BillingAPI = (*gateway.Client)(nil)

// Handler serves the site's pages and form posts.
type Handler struct {
	api       BillingAPI
	sessions  *Sessions
	instances []config.Instance
	pages     map[string]*template.Template
	logger    *slog.Logger
}

// NewHandler creates a Handler. The first configured instance is the
// default for sessions that have not picked one.
func NewHandler(api BillingAPI, sessions *Sessions, instances []config.Instance, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pages, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	return &Handler{
		api:       api,
		sessions:  sessions,
		instances: instances,
		pages:     pages,
		logger:    logger.With("component", "web"),
	}, nil
}

// instanceFor returns the session's instance when it is still configured,
// otherwise the default one. ok is false when no instances are configured.
func (h *Handler) instanceFor(sess *Session) (config.Instance, bool) {
	for _, inst := range h.instances {
		if inst.ServiceName == sess.ServiceName && inst.ResourceGroup == sess.ResourceGroup {
			return inst, true
		}
	}
	if len(h.instances) > 0 {
		return h.instances[0], true
	}
	return config.Instance{}, false
}

// WithTarget puts the session's APIM instance on the request context so
// the gateway forwards it. Without configured instances the Billing API
// falls back to its own default.
func (h *Handler) WithTarget(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inst, ok := h.instanceFor(SessionFromContext(r.Context())); ok {
			ctx := target.WithTarget(r.Context(), target.Target{
				ServiceName:   inst.ServiceName,
				ResourceGroup: inst.ResourceGroup,
			})
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) page(r *http.Request, title string) pageData {
	sess := SessionFromContext(r.Context())
	data := pageData{
		Title:     title,
		Path:      r.URL.Path,
		Session:   sess,
		Success:   sess.FlashSuccess,
		Error:     sess.FlashError,
		Instances: h.instances,
	}
	if inst, ok := h.instanceFor(sess); ok {
		data.Instance = &inst
	}
	return data
}

func redirect(w http.ResponseWriter, r *http.Request, path string) {
	http.Redirect(w, r, path, http.StatusSeeOther)
}

func subscriptionURL(id string) string {
	return "/subscriptions/" + url.PathEscape(id)
}

// localPath accepts only same-site absolute paths.
func localPath(p string) string {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return "/"
	}
	return p
}

// requireUser redirects anonymous visitors to the sign-in page.
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !SessionFromContext(r.Context()).SignedIn() {
			redirect(w, r, "/")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Home renders the sign-in form, or sends signed-in customers to the catalog.
//
// GET /
func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	if SessionFromContext(r.Context()).SignedIn() {
		redirect(w, r, "/products")
		return
	}
	h.render(w, r, http.StatusOK, pageHome, h.page(r, "Sign in"))
}

// SetUser signs the customer in.
//
// POST /user
func (h *Handler) SetUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := SessionFromContext(ctx)

	email := strings.TrimSpace(r.PostFormValue("email"))
	name := strings.TrimSpace(r.PostFormValue("name"))
	if email == "" || name == "" {
		h.sessions.FlashError(ctx, sess, "Please provide both email and name.")
		redirect(w, r, "/")
		return
	}
	if !middleware.ValidEmail(email) {
		h.sessions.FlashError(ctx, sess, "Please provide a valid email address.")
		redirect(w, r, "/")
		return
	}

	if err := h.sessions.SignIn(ctx, sess, email, name); err != nil {
		h.logger.ErrorContext(ctx, "failed to sign in", "error", err)
		http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	h.sessions.Flash(ctx, sess, fmt.Sprintf("Welcome, %s!", name))
	redirect(w, r, "/subscriptions")
}

// Logout destroys the session.
//
// POST /logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Destroy(r.Context(), w, SessionFromContext(r.Context())); err != nil {
		h.logger.WarnContext(r.Context(), "failed to delete session", "error", err)
	}
	redirect(w, r, "/")
}

// SelectInstance switches the session to one of the configured instances.
// The form value is "serviceName|resourceGroup".
//
// POST /instance
func (h *Handler) SelectInstance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := SessionFromContext(ctx)
	back := localPath(r.PostFormValue("return"))

	serviceName, resourceGroup, _ := strings.Cut(r.PostFormValue("instance"), "|")
	var selected *config.Instance
	for i := range h.instances {
		if h.instances[i].ServiceName == serviceName && h.instances[i].ResourceGroup == resourceGroup {
			selected = &h.instances[i]
			break
		}
	}
	if selected == nil {
		h.sessions.FlashError(ctx, sess, "Unknown APIM instance.")
		redirect(w, r, back)
		return
	}

	if err := h.sessions.SelectInstance(ctx, sess, selected.ServiceName, selected.ResourceGroup); err != nil {
		h.logger.ErrorContext(ctx, "failed to select instance", "error", err)
		http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	h.sessions.Flash(ctx, sess, fmt.Sprintf("Now using %s.", selected.Label()))
	redirect(w, r, back)
}

// Products renders the catalog. A failed lookup renders an empty list.
//
// GET /products
func (h *Handler) Products(w http.ResponseWriter, r *http.Request) {
	data := h.page(r, "Products")

	products, err := h.api.GetProducts(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to load products", "error", err)
		data.Error = "Failed to load products. Please try again later."
	}
	data.Products = products
	h.render(w, r, http.StatusOK, pageProducts, data)
}

// Subscriptions renders the customer's subscriptions, newest first.
//
// GET /subscriptions
func (h *Handler) Subscriptions(w http.ResponseWriter, r *http.Request) {
	data := h.page(r, "My subscriptions")

	subs, err := h.api.GetSubscriptionsByEmail(r.Context(), data.Session.Email)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to load subscriptions", "error", err)
		data.Error = "Failed to load subscriptions. Please try again."
	}
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].CreatedDate.After(subs[j].CreatedDate)
	})
	data.Subscriptions = subs
	h.render(w, r, http.StatusOK, pageSubscriptions, data)
}

// Purchase subscribes the signed-in customer to a product.
//
// POST /subscriptions/purchase
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := SessionFromContext(ctx)

	productID := strings.TrimSpace(r.PostFormValue("productId"))
	productName := strings.TrimSpace(r.PostFormValue("productName"))
	if productName == "" {
		productName = productID
	}
	if productID == "" {
		h.sessions.FlashError(ctx, sess, "Please choose a product.")
		redirect(w, r, "/products")
		return
	}

	resp, err := h.api.PurchaseProduct(ctx, model.PurchaseRequest{
		ProductID:     productID,
		CustomerEmail: sess.Email,
		CustomerName:  sess.Name,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to purchase product", "product_id", productID, "error", err)
		h.sessions.FlashError(ctx, sess, fmt.Sprintf("Failed to purchase %s. %s", productName, gateway.Message(err)))
		redirect(w, r, "/products")
		return
	}

	h.sessions.Flash(ctx, sess, fmt.Sprintf("Successfully purchased %s! Your subscription is ready.", productName))
	redirect(w, r, subscriptionURL(resp.SubscriptionID))
}

// Subscription renders one subscription with its keys.
//
// GET /subscriptions/{id}
func (h *Handler) Subscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	sub, err := h.api.GetSubscription(ctx, id)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load subscription", "subscription_id", id, "error", err)
		h.sessions.FlashError(ctx, SessionFromContext(ctx), "Subscription not found.")
		redirect(w, r, "/products")
		return
	}

	data := h.page(r, sub.SubscriptionName)
	data.Subscription = sub
	h.render(w, r, http.StatusOK, pageSubscription, data)
}

// Suspend stops billing by suspending the subscription.
//
// POST /subscriptions/{id}/suspend
func (h *Handler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.changeState(w, r, string(model.ActionSuspend),
		"Subscription suspended due to non-payment.",
		"Failed to suspend subscription.")
}

// Activate resumes billing by activating the subscription.
//
// POST /subscriptions/{id}/activate
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	h.changeState(w, r, string(model.ActionActivate),
		"Subscription reactivated!",
		"Failed to activate subscription.")
}

func (h *Handler) changeState(w http.ResponseWriter, r *http.Request, action, success, failure string) {
	ctx := r.Context()
	sess := SessionFromContext(ctx)
	id := chi.URLParam(r, "id")

	if _, err := h.api.UpdateSubscriptionState(ctx, id, action); err != nil {
		h.logger.ErrorContext(ctx, "failed to change subscription state",
			"subscription_id", id, "action", action, "error", err)
		h.sessions.FlashError(ctx, sess, failure+" "+gateway.Message(err))
	} else {
		h.sessions.Flash(ctx, sess, success)
	}
	redirect(w, r, subscriptionURL(id))
}

// Delete removes the subscription.
//
// POST /subscriptions/{id}/delete
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := SessionFromContext(ctx)
	id := chi.URLParam(r, "id")

	if err := h.api.DeleteSubscription(ctx, id); err != nil {
		h.logger.ErrorContext(ctx, "failed to delete subscription", "subscription_id", id, "error", err)
		h.sessions.FlashError(ctx, sess, "Failed to cancel subscription. "+gateway.Message(err))
		redirect(w, r, subscriptionURL(id))
		return
	}

	h.sessions.Flash(ctx, sess, "Subscription cancelled and deleted.")
	redirect(w, r, "/products")
}

// RotateKey regenerates the primary or secondary key.
//
// POST /subscriptions/{id}/rotate-key
func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess := SessionFromContext(ctx)
	id := chi.URLParam(r, "id")

	keyType, ok := model.ParseKeyType(r.PostFormValue("keyType"))
	if !ok {
		h.sessions.FlashError(ctx, sess, "Key type must be primary or secondary.")
		redirect(w, r, subscriptionURL(id))
		return
	}
	label := strings.ToUpper(string(keyType[:1])) + string(keyType[1:])

	if _, err := h.api.RotateKey(ctx, id, string(keyType)); err != nil {
		h.logger.ErrorContext(ctx, "failed to rotate key",
			"subscription_id", id, "key_type", keyType, "error", err)
		h.sessions.FlashError(ctx, sess, fmt.Sprintf("Failed to rotate %s key. %s", keyType, gateway.Message(err)))
	} else {
		h.sessions.Flash(ctx, sess, label+" key rotated successfully!")
	}
	redirect(w, r, subscriptionURL(id))
}

// NotFound renders a plain 404.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Page not found", http.StatusNotFound)
}
