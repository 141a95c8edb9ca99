// Package target resolves which APIM instance a request operates on.
//
// A Target is resolved once per inbound request, stored on the request
// context, and then passed explicitly to every service and ARM client call.
package target

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Headers carrying the APIM instance selected by the caller.
const (
	HeaderServiceName   = "X-APIM-ServiceName"
	HeaderResourceGroup = "X-APIM-ResourceGroup"
)

var (
	// ErrMissingTarget means one or more coordinates could not be resolved.
	ErrMissingTarget = errors.New("APIM target not configured")
	// ErrInvalidTarget means a coordinate contains characters ARM does not accept.
	ErrInvalidTarget = errors.New("APIM target invalid")
)

var (
	serviceNamePattern    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]{0,49}$`)
	resourceGroupPattern  = regexp.MustCompile(`^[-\w.()]{1,90}$`)
	subscriptionIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)
)

// Target identifies one APIM instance.
type Target struct {
	SubscriptionID string
	ResourceGroup  string
	ServiceName    string
}

// Validate reports ErrMissingTarget or ErrInvalidTarget for unusable coordinates.
func (t Target) Validate() error {
	var missing []string
	if strings.TrimSpace(t.SubscriptionID) == "" {
		missing = append(missing, "subscription id")
	}
	if strings.TrimSpace(t.ResourceGroup) == "" {
		missing = append(missing, "resource group")
	}
	if strings.TrimSpace(t.ServiceName) == "" {
		missing = append(missing, "service name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMissingTarget, strings.Join(missing, ", "))
	}

	if !subscriptionIDPattern.MatchString(t.SubscriptionID) {
		return fmt.Errorf("%w: subscription id %q", ErrInvalidTarget, t.SubscriptionID)
	}
	if !resourceGroupPattern.MatchString(t.ResourceGroup) || strings.HasSuffix(t.ResourceGroup, ".") {
		return fmt.Errorf("%w: resource group %q", ErrInvalidTarget, t.ResourceGroup)
	}
	if !serviceNamePattern.MatchString(t.ServiceName) {
		return fmt.Errorf("%w: service name %q", ErrInvalidTarget, t.ServiceName)
	}
	return nil
}

// ServiceID returns the ARM resource id of the APIM service.
func (t Target) ServiceID() string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.ApiManagement/service/%s",
		url.PathEscape(t.SubscriptionID), url.PathEscape(t.ResourceGroup), url.PathEscape(t.ServiceName))
}

// ProductScope returns the subscription scope for a product on this service.
func (t Target) ProductScope(productID string) string {
	return t.ServiceID() + "/products/" + productID
}

// String is used in log lines.
func (t Target) String() string {
	return t.ResourceGroup + "/" + t.ServiceName
}

// Resolver derives the Target for an inbound request.
type Resolver interface {
	Resolve(r *http.Request) (Target, error)
}

// HeaderResolver reads the instance from request headers. The subscription
// id always comes from configuration. When both headers are absent, Default
// is used if it names an instance.
type HeaderResolver struct {
	SubscriptionID string
	Default        Target
}

// Resolve implements Resolver.
func (h HeaderResolver) Resolve(r *http.Request) (Target, error) {
	name := strings.TrimSpace(r.Header.Get(HeaderServiceName))
	group := strings.TrimSpace(r.Header.Get(HeaderResourceGroup))

	t := Target{SubscriptionID: h.SubscriptionID, ResourceGroup: group, ServiceName: name}
	if name == "" && group == "" {
		t.ResourceGroup = h.Default.ResourceGroup
		t.ServiceName = h.Default.ServiceName
	}

	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}

// StaticResolver always returns the configured instance.
type StaticResolver struct {
	Target Target
}

// Resolve implements Resolver.
func (s StaticResolver) Resolve(*http.Request) (Target, error) {
	if err := s.Target.Validate(); err != nil {
		return Target{}, err
	}
	return s.Target, nil
}

type contextKey struct{}

// WithTarget returns a copy of ctx carrying t.
func WithTarget(ctx context.Context, t Target) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the Target stored by WithTarget.
func FromContext(ctx context.Context) (Target, bool) {
	t, ok := ctx.Value(contextKey{}).(Target)
	return t, ok
}
