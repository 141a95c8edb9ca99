package model

import (
	"fmt"
	"strings"
	"time"
)

// SubscriptionState is the APIM lifecycle state of a subscription.
type SubscriptionState string

const (
	StateActive    SubscriptionState = "active"
	StateSuspended SubscriptionState = "suspended"
	StateCancelled SubscriptionState = "cancelled"
	StateSubmitted SubscriptionState = "submitted"
	StateRejected  SubscriptionState = "rejected"
	StateExpired   SubscriptionState = "expired"
)

// Action is a caller-facing state transition request.
type Action string

const (
	ActionActivate Action = "activate"
	ActionSuspend  Action = "suspend"
	ActionCancel   Action = "cancel"
)

// TargetState maps an action (case-insensitive) to the APIM state it sets.
func TargetState(action string) (SubscriptionState, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(action))) {
	case ActionActivate:
		return StateActive, true
	case ActionSuspend:
		return StateSuspended, true
	case ActionCancel:
		return StateCancelled, true
	default:
		return "", false
	}
}

// KeyType selects one of the two subscription keys.
type KeyType string

const (
	KeyPrimary   KeyType = "primary"
	KeySecondary KeyType = "secondary"
)

// ParseKeyType parses a key type case-insensitively.
func ParseKeyType(s string) (KeyType, bool) {
	switch KeyType(strings.ToLower(strings.TrimSpace(s))) {
	case KeyPrimary:
		return KeyPrimary, true
	case KeySecondary:
		return KeySecondary, true
	default:
		return "", false
	}
}

// UnknownProductID is reported when a subscription scope names no product.
const UnknownProductID = "unknown"

// SubscriptionInfo is the caller-facing view of an APIM subscription.
// Keys are omitted from list results.
type SubscriptionInfo struct {
	SubscriptionID   string    `json:"subscriptionId"`
	SubscriptionName string    `json:"subscriptionName"`
	State            string    `json:"state"`
	ProductID        string    `json:"productId"`
	ProductName      string    `json:"productName"`
	PrimaryKey       string    `json:"primaryKey,omitempty"`
	SecondaryKey     string    `json:"secondaryKey,omitempty"`
	CreatedDate      time.Time `json:"createdDate"`
}

// PurchaseRequest asks for a new subscription to a product.
type PurchaseRequest struct {
	ProductID     string `json:"productId"`
	CustomerEmail string `json:"customerEmail"`
	CustomerName  string `json:"customerName"`
}

// PurchaseResponse describes the subscription created by a purchase.
type PurchaseResponse struct {
	SubscriptionID   string    `json:"subscriptionId"`
	SubscriptionName string    `json:"subscriptionName"`
	PrimaryKey       string    `json:"primaryKey"`
	SecondaryKey     string    `json:"secondaryKey"`
	ProductID        string    `json:"productId"`
	ProductName      string    `json:"productName"`
	State            string    `json:"state"`
	CreatedDate      time.Time `json:"createdDate"`
}

// UpdateSubscriptionRequest carries an Action.
type UpdateSubscriptionRequest struct {
	Action string `json:"action"`
}

// RotateKeyRequest carries a KeyType.
type RotateKeyRequest struct {
	KeyType string `json:"keyType"`
}

// SubscriptionName builds the APIM subscription name for a purchase:
// {productId}-{emailLocalPart}-{yyyyMMddHHmmss}, lower-cased, in UTC.
// Characters of the local part outside [a-z0-9._-] become '-'.
func SubscriptionName(productID, email string, now time.Time) string {
	local, _, _ := strings.Cut(email, "@")
	local = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, strings.ToLower(local))
	return strings.ToLower(fmt.Sprintf("%s-%s-%s", productID, local, now.UTC().Format("20060102150405")))
}

// ProductIDFromScope returns the path segment following "products" in an
// APIM subscription scope, or UnknownProductID.
func ProductIDFromScope(scope string) string {
	parts := strings.Split(strings.Trim(scope, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if strings.EqualFold(parts[i], "products") && parts[i+1] != "" {
			return parts[i+1]
		}
	}
	return UnknownProductID
}
