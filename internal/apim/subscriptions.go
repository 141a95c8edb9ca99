package apim

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/apimbilling/apimbilling/internal/target"
)

const subscriptionStateActive = "active"

// CreateSubscription creates an active subscription to productID owned by
// ownerID (an ARM user resource id; empty for an unowned subscription).
func (c *Client) CreateSubscription(ctx context.Context, tgt target.Target, name, productID, displayName, ownerID string) (Subscription, error) {
	if strings.TrimSpace(name) == "" {
		return Subscription{}, ErrEmptyName
	}

	allowTracing := true
	var out subscriptionContract
	if _, err := c.send(ctx, tgt, call{
		op:     "CreateSubscription",
		method: http.MethodPut,
		path:   []string{"subscriptions", name},
		body: subscriptionContract{Properties: subscriptionProperties{
			Scope:        tgt.ProductScope(productID),
			DisplayName:  displayName,
			OwnerID:      ownerID,
			State:        subscriptionStateActive,
			AllowTracing: &allowTracing,
		}},
		expect: []int{http.StatusOK, http.StatusCreated},
		out:    &out,
	}); err != nil {
		return Subscription{}, err
	}

	c.logger.Info("subscription_created", "target", tgt.String(), "subscription", out.Name, "product", productID)
	return out.toSubscription(), nil
}

// GetSubscription reads one subscription and its ETag.
func (c *Client) GetSubscription(ctx context.Context, tgt target.Target, name string) (Subscription, error) {
	if strings.TrimSpace(name) == "" {
		return Subscription{}, ErrEmptyName
	}

	var out subscriptionContract
	header, err := c.send(ctx, tgt, call{
		op:     "GetSubscription",
		method: http.MethodGet,
		path:   []string{"subscriptions", name},
		expect: []int{http.StatusOK},
		out:    &out,
	})
	if err != nil {
		return Subscription{}, err
	}

	sub := out.toSubscription()
	sub.ETag = header.Get("ETag")
	return sub, nil
}

// ListSubscriptions returns the first page of subscriptions on the instance.
func (c *Client) ListSubscriptions(ctx context.Context, tgt target.Target) ([]Subscription, error) {
	var page armList[subscriptionContract]
	if _, err := c.send(ctx, tgt, call{
		op:     "ListSubscriptions",
		method: http.MethodGet,
		path:   []string{"subscriptions"},
		expect: []int{http.StatusOK},
		out:    &page,
	}); err != nil {
		return nil, err
	}

	out := make([]Subscription, 0, len(page.Value))
	for _, s := range page.Value {
		out = append(out, s.toSubscription())
	}
	return out, nil
}

// GetSubscriptionKeys fetches both keys through the listSecrets action.
func (c *Client) GetSubscriptionKeys(ctx context.Context, tgt target.Target, name string) (Keys, error) {
	if strings.TrimSpace(name) == "" {
		return Keys{}, ErrEmptyName
	}

	var out subscriptionKeysContract
	if _, err := c.send(ctx, tgt, call{
		op:     "ListSubscriptionSecrets",
		method: http.MethodPost,
		path:   []string{"subscriptions", name, "listSecrets"},
		expect: []int{http.StatusOK},
		out:    &out,
	}); err != nil {
		return Keys{}, err
	}
	return Keys{PrimaryKey: out.PrimaryKey, SecondaryKey: out.SecondaryKey}, nil
}

// UpdateSubscriptionState sets state with a read-modify-write that keeps the
// scope, display name and owner. The write is conditional on the ETag read,
// so a concurrent change surfaces as ErrPreconditionFailed.
func (c *Client) UpdateSubscriptionState(ctx context.Context, tgt target.Target, name, state string) error {
	current, err := c.GetSubscription(ctx, tgt, name)
	if err != nil {
		return err
	}

	_, err = c.send(ctx, tgt, call{
		op:     "UpdateSubscription",
		method: http.MethodPut,
		path:   []string{"subscriptions", name},
		body: subscriptionContract{Properties: subscriptionProperties{
			Scope:       current.Scope,
			DisplayName: current.DisplayName,
			OwnerID:     current.OwnerID,
			State:       state,
		}},
		ifMatch: current.ETag,
		expect:  []int{http.StatusOK, http.StatusCreated},
	})
	if StatusCode(err) == http.StatusPreconditionFailed {
		return fmt.Errorf("%w: %w", ErrPreconditionFailed, err)
	}
	if err != nil {
		return err
	}

	c.logger.Info("subscription_state_updated", "target", tgt.String(), "subscription", name, "state", state)
	return nil
}

// RegeneratePrimaryKey replaces the primary key.
func (c *Client) RegeneratePrimaryKey(ctx context.Context, tgt target.Target, name string) error {
	return c.regenerate(ctx, tgt, name, "regeneratePrimaryKey")
}

// RegenerateSecondaryKey replaces the secondary key.
func (c *Client) RegenerateSecondaryKey(ctx context.Context, tgt target.Target, name string) error {
	return c.regenerate(ctx, tgt, name, "regenerateSecondaryKey")
}

func (c *Client) regenerate(ctx context.Context, tgt target.Target, name, action string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	_, err := c.send(ctx, tgt, call{
		op:     strings.ToUpper(action[:1]) + action[1:],
		method: http.MethodPost,
		path:   []string{"subscriptions", name, action},
		expect: []int{http.StatusOK, http.StatusNoContent},
	})
	return err
}

// DeleteSubscription removes a subscription. Deleting a subscription that
// does not exist succeeds.
func (c *Client) DeleteSubscription(ctx context.Context, tgt target.Target, name string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	_, err := c.send(ctx, tgt, call{
		op:      "DeleteSubscription",
		method:  http.MethodDelete,
		path:    []string{"subscriptions", name},
		ifMatch: "*",
		expect:  []int{http.StatusOK, http.StatusNoContent},
	})
	if IsNotFound(err) {
		return nil
	}
	return err
}
