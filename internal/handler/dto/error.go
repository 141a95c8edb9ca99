// Package dto holds HTTP transfer objects that are not part of the domain model.
package dto

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}
