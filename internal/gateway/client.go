// Package gateway is the web tier's client for the Billing API.
//
// The APIM instance chosen in the caller's session travels in the context
// (target.WithTarget) and is forwarded as the X-APIM-* headers. The request
// id is forwarded as X-Request-ID.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"github.com/apimbilling/apimbilling/internal/middleware"
	"github.com/apimbilling/apimbilling/internal/model"
	"github.com/apimbilling/apimbilling/internal/target"
)

const (
	// DefaultTimeout bounds one Billing API call.
	DefaultTimeout = 30 * time.Second

	breakerName = "billing-api"
)

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration

	// BreakerEnabled wraps calls in a circuit breaker that opens after
	// BreakerFailures consecutive transport errors or 5xx answers and
	// half-opens after BreakerTimeout.
	BreakerEnabled  bool
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	Logger *slog.Logger
}

// Client calls the Billing API.
type Client struct {
	http   *resty.Client
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// NewClient creates a new Client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "gateway")

	c := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
			SetTimeout(opts.Timeout).
			SetHeader("Accept", "application/json"),
		logger: logger,
	}

	if opts.BreakerEnabled {
		failures := opts.BreakerFailures
		if failures == 0 {
			failures = 5
		}
		c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    breakerName,
			Timeout: opts.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					"cb_name", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
	}

	return c
}

// GetProducts lists published products.
func (c *Client) GetProducts(ctx context.Context) ([]model.Product, error) {
	var out []model.Product
	if err := c.do(ctx, http.MethodGet, "/api/products", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PurchaseProduct creates a subscription for the customer.
func (c *Client) PurchaseProduct(ctx context.Context, req model.PurchaseRequest) (*model.PurchaseResponse, error) {
	var out model.PurchaseResponse
	if err := c.do(ctx, http.MethodPost, "/api/subscriptions/purchase", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSubscription returns one subscription with its keys.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*model.SubscriptionInfo, error) {
	var out model.SubscriptionInfo
	if err := c.do(ctx, http.MethodGet, subscriptionPath(subscriptionID, ""), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSubscriptionsByEmail lists the customer's subscriptions.
func (c *Client) GetSubscriptionsByEmail(ctx context.Context, email string) ([]model.SubscriptionInfo, error) {
	query := url.Values{}
	if email != "" {
		query.Set("email", email)
	}
	var out []model.SubscriptionInfo
	if err := c.do(ctx, http.MethodGet, "/api/subscriptions", query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSubscriptionState applies activate, suspend or cancel.
func (c *Client) UpdateSubscriptionState(ctx context.Context, subscriptionID, action string) (*model.SubscriptionInfo, error) {
	var out model.SubscriptionInfo
	body := model.UpdateSubscriptionRequest{Action: action}
	if err := c.do(ctx, http.MethodPatch, subscriptionPath(subscriptionID, "/state"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RotateKey regenerates one key and returns the subscription with new keys.
func (c *Client) RotateKey(ctx context.Context, subscriptionID, keyType string) (*model.SubscriptionInfo, error) {
	var out model.SubscriptionInfo
	body := model.RotateKeyRequest{KeyType: keyType}
	if err := c.do(ctx, http.MethodPost, subscriptionPath(subscriptionID, "/rotate-key"), nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSubscription removes the subscription.
func (c *Client) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	return c.do(ctx, http.MethodDelete, subscriptionPath(subscriptionID, ""), nil, nil, nil)
}

func subscriptionPath(id, suffix string) string {
	return "/api/subscriptions/" + url.PathEscape(id) + suffix
}

// do runs one call, through the breaker when enabled, and decodes a 2xx
// body into out. 4xx answers are returned as *APIError and a cancelled
// caller context as ctx.Err(); neither counts against the breaker.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	call := func() (any, error) {
		req := c.http.R().SetContext(ctx)
		c.setHeaders(ctx, req)
		if len(query) > 0 {
			req.SetQueryParamsFromValues(query)
		}
		if body != nil {
			req.SetHeader("Content-Type", "application/json").SetBody(body)
		}

		start := time.Now()
		resp, err := req.Execute(method, path)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr, nil
			}
			c.logger.Error("billing api unreachable",
				"method", method,
				"path", path,
				"error", err,
			)
			return nil, &ConnectionError{Cause: err}
		}

		status := resp.StatusCode()
		latencyMs := time.Since(start).Milliseconds()
		if status >= http.StatusInternalServerError {
			apiErr := parseAPIError(status, resp.Body())
			c.logger.Error("billing api error",
				"method", method,
				"path", path,
				"http_status", status,
				"code", apiErr.Code,
				"latency_ms", latencyMs,
			)
			return nil, apiErr
		}
		if status >= http.StatusMultipleChoices {
			apiErr := parseAPIError(status, resp.Body())
			c.logger.Warn("billing api rejected request",
				"method", method,
				"path", path,
				"http_status", status,
				"code", apiErr.Code,
				"latency_ms", latencyMs,
			)
			return apiErr, nil
		}

		c.logger.Debug("billing api success",
			"method", method,
			"path", path,
			"http_status", status,
			"latency_ms", latencyMs,
		)
		return resp.Body(), nil
	}

	var (
		result any
		err    error
	)
	if c.cb != nil {
		result, err = c.cb.Execute(call)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ErrCircuitOpen
		}
	} else {
		result, err = call()
	}
	if err != nil {
		return err
	}

	if callErr, ok := result.(error); ok {
		return callErr
	}

	raw, _ := result.([]byte)
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrInvalidResponse, method, path, err)
	}
	return nil
}

func (c *Client) setHeaders(ctx context.Context, req *resty.Request) {
	if id := middleware.GetRequestID(ctx); id != "" {
		req.SetHeader(middleware.RequestIDHeader, id)
	}

	tgt, ok := target.FromContext(ctx)
	if !ok || tgt.ServiceName == "" || tgt.ResourceGroup == "" {
		c.logger.Warn("no APIM instance selected, sending request without target headers")
		return
	}
	req.SetHeader(target.HeaderServiceName, tgt.ServiceName)
	req.SetHeader(target.HeaderResourceGroup, tgt.ResourceGroup)
}

// parseAPIError converts an error body of the form
// {"error": ..., "code": ..., "detail": ...} into an APIError.
func parseAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error  string `json:"error"`
		Code   string `json:"code"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && (payload.Error != "" || payload.Code != "") {
		return &APIError{
			StatusCode: status,
			Code:       payload.Code,
			Message:    payload.Error,
			Detail:     payload.Detail,
		}
	}
	return &APIError{
		StatusCode: status,
		Message:    strings.TrimSpace(string(body)),
	}
}
