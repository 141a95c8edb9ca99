// Package apim is a thin Azure Resource Manager client for the API Management
// resources the billing service manages: products, users, subscriptions and
// subscription keys.
//
// Requests run through the azcore ARM pipeline, which attaches a bearer token
// for the management audience. Pipeline retries are disabled and every call is
// bounded by the client's per-call timeout. Each method takes the target APIM
// instance explicitly.
package apim

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"

	"github.com/apimbilling/apimbilling/internal/metrics"
	"github.com/apimbilling/apimbilling/internal/target"
)

const (
	moduleName    = "apimbilling/apim"
	moduleVersion = "v1.0.0"

	// DefaultEndpoint is the public-cloud ARM endpoint.
	DefaultEndpoint = "https://management.azure.com"
	// DefaultAudience yields the https://management.azure.com/.default scope.
	DefaultAudience = "https://management.azure.com"
	// DefaultAPIVersion is the Microsoft.ApiManagement API version in use.
	DefaultAPIVersion = "2024-05-01"
	// DefaultTimeout bounds a single ARM call.
	DefaultTimeout = 30 * time.Second
)

// Options configures a Client. Zero values take the defaults above.
type Options struct {
	Endpoint   string
	Audience   string
	APIVersion string
	Timeout    time.Duration

	// Transport replaces the HTTP transport, mainly for tests.
	Transport policy.Transporter
	// InsecureAllowCredentialWithHTTP permits plain-HTTP endpoints (local fakes).
	InsecureAllowCredentialWithHTTP bool
	// PerCallPolicies run once per request before the token is attached.
	PerCallPolicies []policy.Policy

	Logger  *slog.Logger
	Metrics metrics.Recorder
}

// Client issues ARM requests against APIM instances.
type Client struct {
	pipeline   runtime.Pipeline
	endpoint   string
	apiVersion string
	timeout    time.Duration
	logger     *slog.Logger
	metrics    metrics.Recorder
}

// NewClient builds a Client authenticating with cred.
func NewClient(cred azcore.TokenCredential, opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Audience == "" {
		opts.Audience = DefaultAudience
	}
	if opts.APIVersion == "" {
		opts.APIVersion = DefaultAPIVersion
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}

	armClient, err := arm.NewClient(moduleName, moduleVersion, cred, &arm.ClientOptions{
		ClientOptions: policy.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries: -1, // no retries
			},
			Cloud: cloud.Configuration{
				Services: map[cloud.ServiceName]cloud.ServiceConfiguration{
					cloud.ResourceManager: {
						Audience: opts.Audience,
						Endpoint: opts.Endpoint,
					},
				},
			},
			Transport:                       opts.Transport,
			InsecureAllowCredentialWithHTTP: opts.InsecureAllowCredentialWithHTTP,
			PerCallPolicies:                 opts.PerCallPolicies,
		},
		DisableRPRegistration: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ARM client: %w", err)
	}

	return &Client{
		pipeline:   armClient.Pipeline(),
		endpoint:   armClient.Endpoint(),
		apiVersion: opts.APIVersion,
		timeout:    opts.Timeout,
		logger:     opts.Logger.With("component", "apim"),
		metrics:    opts.Metrics,
	}, nil
}

// call describes one ARM request relative to the APIM service resource.
type call struct {
	op      string
	method  string
	path    []string
	query   url.Values
	body    any
	ifMatch string
	expect  []int
	out     any
}

// send executes c against tgt. The response body is decoded into c.out while
// the per-call deadline is still live. It returns the response headers.
func (c *Client) send(ctx context.Context, tgt target.Target, cl call) (http.Header, error) {
	if err := tgt.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	segments := make([]string, len(cl.path))
	for i, p := range cl.path {
		segments[i] = url.PathEscape(p)
	}

	req, err := runtime.NewRequest(ctx, cl.method, runtime.JoinPaths(c.endpoint, append([]string{tgt.ServiceID()}, segments...)...))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cl.op, err)
	}

	q := req.Raw().URL.Query()
	q.Set("api-version", c.apiVersion)
	for k, vs := range cl.query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	req.Raw().URL.RawQuery = q.Encode()
	req.Raw().Header.Set("Accept", "application/json")
	if cl.ifMatch != "" {
		req.Raw().Header.Set("If-Match", cl.ifMatch)
	}
	if cl.body != nil {
		if err := runtime.MarshalAsJSON(req, cl.body); err != nil {
			return nil, fmt.Errorf("%s: %w", cl.op, err)
		}
	}

	start := time.Now()
	resp, err := c.pipeline.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.metrics.ObserveARMRequest(cl.op, "error", duration)
		c.logger.Error("arm_request_failed",
			"operation", cl.op,
			"target", tgt.String(),
			"error", err,
		)
		return nil, fmt.Errorf("%s: %w", cl.op, err)
	}

	if !runtime.HasStatusCode(resp, cl.expect...) {
		c.metrics.ObserveARMRequest(cl.op, strconv.Itoa(resp.StatusCode), duration)
		level := slog.LevelWarn
		if resp.StatusCode == http.StatusNotFound {
			level = slog.LevelDebug
		}
		c.logger.Log(ctx, level, "arm_request_rejected",
			"operation", cl.op,
			"target", tgt.String(),
			"status", resp.StatusCode,
			"duration_ms", duration.Milliseconds(),
		)
		return nil, runtime.NewResponseError(resp)
	}

	if cl.out != nil {
		if err := runtime.UnmarshalAsJSON(resp, cl.out); err != nil {
			c.metrics.ObserveARMRequest(cl.op, "decode_error", duration)
			return nil, fmt.Errorf("%s: decode response: %w", cl.op, err)
		}
	} else {
		runtime.Drain(resp)
	}

	c.metrics.ObserveARMRequest(cl.op, "ok", duration)
	c.logger.Debug("arm_request",
		"operation", cl.op,
		"target", tgt.String(),
		"status", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
	)
	return resp.Header, nil
}

// ContextHeaderPolicy sets header name on every request to value(ctx) when it
// is non-empty. It is used to forward correlation ids to ARM.
func ContextHeaderPolicy(name string, value func(context.Context) string) policy.Policy {
	return contextHeaderPolicy{name: name, value: value}
}

type contextHeaderPolicy struct {
	name  string
	value func(context.Context) string
}

func (p contextHeaderPolicy) Do(req *policy.Request) (*http.Response, error) {
	if v := p.value(req.Raw().Context()); v != "" {
		req.Raw().Header.Set(p.name, v)
	}
	return req.Next()
}
