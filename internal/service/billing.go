// Package service provides business logic for the application.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apimbilling/apimbilling/internal/apim"
	"github.com/apimbilling/apimbilling/internal/metrics"
	"github.com/apimbilling/apimbilling/internal/model"
	"github.com/apimbilling/apimbilling/internal/target"
)

// Service errors.
var (
	ErrInvalidPurchase      = errors.New("productId, customerEmail and customerName are required")
	ErrInvalidAction        = errors.New("action must be one of activate, suspend, cancel")
	ErrInvalidKeyType       = errors.New("keyType must be primary or secondary")
	ErrProductNotFound      = errors.New("product not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrConcurrentUpdate     = errors.New("subscription was modified concurrently, retry the request")
)

// PurchasePolicy decides what happens to resources created by a purchase
// that fails part-way.
type PurchasePolicy string

const (
	// PurchasePolicyNone leaves created resources in place.
	PurchasePolicyNone PurchasePolicy = "none"
	// PurchasePolicyCompensate deletes the subscription, and the user when
	// this purchase created it.
	PurchasePolicyCompensate PurchasePolicy = "compensate"
)

// APIMClient is the ARM surface the billing service needs.
type APIMClient interface {
	ListProducts(ctx context.Context, tgt target.Target) ([]apim.Product, error)
	GetUserByEmail(ctx context.Context, tgt target.Target, email string) (model.User, bool)
	CreateOrGetUser(ctx context.Context, tgt target.Target, email, firstName, lastName string) (model.User, bool, error)
	DeleteUser(ctx context.Context, tgt target.Target, userName string) error
	CreateSubscription(ctx context.Context, tgt target.Target, name, productID, displayName, ownerID string) (apim.Subscription, error)
	GetSubscription(ctx context.Context, tgt target.Target, name string) (apim.Subscription, error)
	ListSubscriptions(ctx context.Context, tgt target.Target) ([]apim.Subscription, error)
	GetSubscriptionKeys(ctx context.Context, tgt target.Target, name string) (apim.Keys, error)
	UpdateSubscriptionState(ctx context.Context, tgt target.Target, name, state string) error
	RegeneratePrimaryKey(ctx context.Context, tgt target.Target, name string) error
	RegenerateSecondaryKey(ctx context.Context, tgt target.Target, name string) error
	DeleteSubscription(ctx context.Context, tgt target.Target, name string) error
}

// BillingOptions tunes a BillingService. Zero values are usable.
type BillingOptions struct {
	FailurePolicy PurchasePolicy
	Logger        *slog.Logger
	Metrics       metrics.Recorder
	// Now stamps subscription names; defaults to time.Now.
	Now func() time.Time
}

// BillingService orchestrates purchases and subscription lifecycle on APIM.
// It holds no per-request state.
type BillingService struct {
	client  APIMClient
	policy  PurchasePolicy
	logger  *slog.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

// NewBillingService creates a new BillingService.
func NewBillingService(client APIMClient, opts BillingOptions) *BillingService {
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = PurchasePolicyNone
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &BillingService{
		client:  client,
		policy:  opts.FailurePolicy,
		logger:  opts.Logger.With("component", "billing"),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

func productName(p apim.Product) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

func toProduct(p apim.Product) model.Product {
	return model.Product{
		ProductID:            p.Name,
		Name:                 productName(p),
		Description:          p.Description,
		State:                p.State,
		SubscriptionRequired: p.SubscriptionRequired,
	}
}

func isPublished(p apim.Product) bool {
	return strings.EqualFold(p.State, model.ProductStatePublished)
}

// GetProducts returns the published products of the instance.
func (s *BillingService) GetProducts(ctx context.Context, tgt target.Target) ([]model.Product, error) {
	products, err := s.client.ListProducts(ctx, tgt)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	out := make([]model.Product, 0, len(products))
	for _, p := range products {
		if isPublished(p) {
			out = append(out, toProduct(p))
		}
	}
	return out, nil
}

func validatePurchase(req model.PurchaseRequest) error {
	if strings.TrimSpace(req.ProductID) == "" ||
		strings.TrimSpace(req.CustomerEmail) == "" ||
		strings.TrimSpace(req.CustomerName) == "" {
		return ErrInvalidPurchase
	}
	local, domain, ok := strings.Cut(req.CustomerEmail, "@")
	if !ok || local == "" || domain == "" {
		return fmt.Errorf("%w: customerEmail is not an email address", ErrInvalidPurchase)
	}
	return nil
}

// ProcessPurchase subscribes the customer to a published product, creating
// the APIM user on first purchase, and returns the new subscription with
// its keys.
func (s *BillingService) ProcessPurchase(ctx context.Context, tgt target.Target, req model.PurchaseRequest) (*model.PurchaseResponse, error) {
	if err := validatePurchase(req); err != nil {
		return nil, err
	}
	email := strings.TrimSpace(req.CustomerEmail)
	customerName := strings.TrimSpace(req.CustomerName)

	products, err := s.client.ListProducts(ctx, tgt)
	if err != nil {
		s.metrics.IncPurchase("failed")
		return nil, fmt.Errorf("list products: %w", err)
	}

	var product *apim.Product
	for i := range products {
		if isPublished(products[i]) && products[i].Name == req.ProductID {
			product = &products[i]
			break
		}
	}
	if product == nil {
		s.metrics.IncPurchase("product_not_found")
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, req.ProductID)
	}

	firstName, lastName := model.SplitName(customerName)
	user, userCreated, err := s.client.CreateOrGetUser(ctx, tgt, email, firstName, lastName)
	if err != nil {
		s.metrics.IncPurchase("failed")
		return nil, fmt.Errorf("create or get user: %w", err)
	}

	name := model.SubscriptionName(product.Name, email, s.now())
	displayName := fmt.Sprintf("%s - %s", customerName, productName(*product))

	sub, err := s.client.CreateSubscription(ctx, tgt, name, product.Name, displayName, user.ID)
	if err != nil {
		err = fmt.Errorf("create subscription: %w", err)
		return nil, s.failPurchase(ctx, tgt, err, "", user, userCreated)
	}

	keys, err := s.client.GetSubscriptionKeys(ctx, tgt, sub.Name)
	if err != nil {
		err = fmt.Errorf("get subscription keys: %w", err)
		return nil, s.failPurchase(ctx, tgt, err, sub.Name, user, userCreated)
	}

	created := sub.CreatedDate
	if created.IsZero() {
		created = s.now().UTC()
	}

	s.metrics.IncPurchase("success")
	s.logger.Info("purchase_completed",
		"target", tgt.String(),
		"product", product.Name,
		"subscription", sub.Name,
		"user", user.Name,
		"user_created", userCreated,
	)

	return &model.PurchaseResponse{
		SubscriptionID:   sub.Name,
		SubscriptionName: sub.DisplayName,
		PrimaryKey:       keys.PrimaryKey,
		SecondaryKey:     keys.SecondaryKey,
		ProductID:        product.Name,
		ProductName:      productName(*product),
		State:            sub.State,
		CreatedDate:      created,
	}, nil
}

// failPurchase applies the failure policy after a purchase step failed.
// subscriptionName is empty when no subscription was created.
func (s *BillingService) failPurchase(ctx context.Context, tgt target.Target, cause error, subscriptionName string, user model.User, userCreated bool) error {
	if s.policy != PurchasePolicyCompensate {
		s.metrics.IncPurchase("failed")
		if subscriptionName != "" {
			s.logger.Warn("purchase_incomplete",
				"target", tgt.String(),
				"subscription", subscriptionName,
				"error", cause,
			)
		}
		return cause
	}

	// Cleanup must run even when the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	errs := []error{cause}

	if subscriptionName != "" {
		if err := s.client.DeleteSubscription(ctx, tgt, subscriptionName); err != nil {
			errs = append(errs, fmt.Errorf("compensate subscription %s: %w", subscriptionName, err))
		}
	}
	if userCreated {
		if err := s.client.DeleteUser(ctx, tgt, user.Name); err != nil {
			errs = append(errs, fmt.Errorf("compensate user %s: %w", user.Name, err))
		}
	}

	s.metrics.IncPurchase("compensated")
	s.logger.Warn("purchase_compensated",
		"target", tgt.String(),
		"subscription", subscriptionName,
		"user_removed", userCreated,
		"cleanup_errors", len(errs)-1,
		"error", cause,
	)
	return errors.Join(errs...)
}

func toSubscriptionInfo(sub apim.Subscription) model.SubscriptionInfo {
	productID := model.ProductIDFromScope(sub.Scope)
	return model.SubscriptionInfo{
		SubscriptionID:   sub.Name,
		SubscriptionName: sub.DisplayName,
		State:            sub.State,
		ProductID:        productID,
		ProductName:      productID,
		CreatedDate:      sub.CreatedDate,
	}
}

func notFound(err error) error {
	if apim.IsNotFound(err) {
		return fmt.Errorf("%w: %w", ErrSubscriptionNotFound, err)
	}
	return err
}

// GetSubscriptionInfo returns one subscription with its keys.
func (s *BillingService) GetSubscriptionInfo(ctx context.Context, tgt target.Target, subscriptionID string) (*model.SubscriptionInfo, error) {
	var (
		sub  apim.Subscription
		keys apim.Keys
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sub, err = s.client.GetSubscription(gctx, tgt, subscriptionID)
		return err
	})
	g.Go(func() error {
		var err error
		keys, err = s.client.GetSubscriptionKeys(gctx, tgt, subscriptionID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", subscriptionID, notFound(err))
	}

	info := toSubscriptionInfo(sub)
	info.PrimaryKey = keys.PrimaryKey
	info.SecondaryKey = keys.SecondaryKey
	return &info, nil
}

// GetSubscriptionsByEmail lists subscriptions owned by the user with this
// email, or every subscription when email is empty. An unknown email, or a
// user without an id, yields an empty list. Keys are never included.
func (s *BillingService) GetSubscriptionsByEmail(ctx context.Context, tgt target.Target, email string) ([]model.SubscriptionInfo, error) {
	email = strings.TrimSpace(email)

	var ownerID string
	if email != "" {
		user, ok := s.client.GetUserByEmail(ctx, tgt, email)
		if !ok || user.ID == "" {
			return []model.SubscriptionInfo{}, nil
		}
		ownerID = user.ID
	}

	subs, err := s.client.ListSubscriptions(ctx, tgt)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	out := make([]model.SubscriptionInfo, 0, len(subs))
	for _, sub := range subs {
		if ownerID != "" && !strings.EqualFold(sub.OwnerID, ownerID) {
			continue
		}
		out = append(out, toSubscriptionInfo(sub))
	}
	return out, nil
}

// UpdateSubscription applies an action and returns the updated subscription.
func (s *BillingService) UpdateSubscription(ctx context.Context, tgt target.Target, subscriptionID, action string) (*model.SubscriptionInfo, error) {
	state, ok := model.TargetState(action)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	err := s.client.UpdateSubscriptionState(ctx, tgt, subscriptionID, string(state))
	switch {
	case errors.Is(err, apim.ErrPreconditionFailed):
		return nil, fmt.Errorf("update subscription %s: %w", subscriptionID, ErrConcurrentUpdate)
	case err != nil:
		return nil, fmt.Errorf("update subscription %s: %w", subscriptionID, notFound(err))
	}

	s.metrics.IncStateChange(string(state))
	s.logger.Info("subscription_state_changed",
		"target", tgt.String(),
		"subscription", subscriptionID,
		"state", state,
	)

	return s.GetSubscriptionInfo(ctx, tgt, subscriptionID)
}

// RotateKey regenerates the primary or secondary key.
func (s *BillingService) RotateKey(ctx context.Context, tgt target.Target, subscriptionID, keyType string) error {
	kt, ok := model.ParseKeyType(keyType)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidKeyType, keyType)
	}

	var err error
	if kt == model.KeyPrimary {
		err = s.client.RegeneratePrimaryKey(ctx, tgt, subscriptionID)
	} else {
		err = s.client.RegenerateSecondaryKey(ctx, tgt, subscriptionID)
	}
	if err != nil {
		return fmt.Errorf("rotate %s key of %s: %w", kt, subscriptionID, notFound(err))
	}

	s.metrics.IncKeyRotation(string(kt))
	s.logger.Info("subscription_key_rotated",
		"target", tgt.String(),
		"subscription", subscriptionID,
		"key_type", kt,
	)
	return nil
}

// CancelSubscription deletes the subscription.
func (s *BillingService) CancelSubscription(ctx context.Context, tgt target.Target, subscriptionID string) error {
	if err := s.client.DeleteSubscription(ctx, tgt, subscriptionID); err != nil {
		return fmt.Errorf("delete subscription %s: %w", subscriptionID, err)
	}
	s.logger.Info("subscription_deleted", "target", tgt.String(), "subscription", subscriptionID)
	return nil
}
