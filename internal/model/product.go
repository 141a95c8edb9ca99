// Package model defines the transfer objects shared by the billing API and
// its web frontend.
package model

// ProductStatePublished is the only product state surfaced to customers.
const ProductStatePublished = "published"

// Product is a purchasable APIM product.
type Product struct {
	ProductID            string `json:"productId"`
	Name                 string `json:"name"`
	Description          string `json:"description,omitempty"`
	State                string `json:"state"`
	SubscriptionRequired bool   `json:"subscriptionRequired"`
}
