package apim

import "time"

// Wire shapes of the ARM Microsoft.ApiManagement resources this client touches.

type armList[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"nextLink,omitempty"`
}

type productContract struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Properties productProperties `json:"properties"`
}

type productProperties struct {
	DisplayName          string `json:"displayName"`
	Description          string `json:"description,omitempty"`
	State                string `json:"state,omitempty"`
	SubscriptionRequired *bool  `json:"subscriptionRequired,omitempty"`
}

type userContract struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Properties userProperties `json:"properties"`
}

type userProperties struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	State     string `json:"state,omitempty"`
}

type subscriptionContract struct {
	ID         string                 `json:"id,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Properties subscriptionProperties `json:"properties"`
}

type subscriptionProperties struct {
	OwnerID      string     `json:"ownerId,omitempty"`
	Scope        string     `json:"scope"`
	DisplayName  string     `json:"displayName,omitempty"`
	State        string     `json:"state,omitempty"`
	CreatedDate  *time.Time `json:"createdDate,omitempty"`
	AllowTracing *bool      `json:"allowTracing,omitempty"`
}

type subscriptionKeysContract struct {
	PrimaryKey   string `json:"primaryKey"`
	SecondaryKey string `json:"secondaryKey"`
}

// Product is an APIM product.
type Product struct {
	ID                   string
	Name                 string
	DisplayName          string
	Description          string
	State                string
	SubscriptionRequired bool
}

func (p productContract) toProduct() Product {
	required := true
	if p.Properties.SubscriptionRequired != nil {
		required = *p.Properties.SubscriptionRequired
	}
	return Product{
		ID:                   p.ID,
		Name:                 p.Name,
		DisplayName:          p.Properties.DisplayName,
		Description:          p.Properties.Description,
		State:                p.Properties.State,
		SubscriptionRequired: required,
	}
}

// Subscription is an APIM subscription without its keys.
type Subscription struct {
	ID          string
	Name        string
	DisplayName string
	State       string
	Scope       string
	OwnerID     string
	CreatedDate time.Time
	// ETag is set by GetSubscription when ARM returns one.
	ETag string
}

func (s subscriptionContract) toSubscription() Subscription {
	out := Subscription{
		ID:          s.ID,
		Name:        s.Name,
		DisplayName: s.Properties.DisplayName,
		State:       s.Properties.State,
		Scope:       s.Properties.Scope,
		OwnerID:     s.Properties.OwnerID,
	}
	if s.Properties.CreatedDate != nil {
		out.CreatedDate = *s.Properties.CreatedDate
	}
	return out
}

// Keys are the two subscription keys.
type Keys struct {
	PrimaryKey   string
	SecondaryKey string
}
