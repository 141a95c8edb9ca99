package model

import "strings"

// User is an APIM user as seen by the billing service.
type User struct {
	// ID is the full ARM resource id, used as subscription owner.
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	State     string `json:"state"`
}

// UserIDFromEmail derives the APIM user name for an email address.
func UserIDFromEmail(email string) string {
	id := strings.ToLower(email)
	id = strings.ReplaceAll(id, "@", "-at-")
	return strings.ReplaceAll(id, ".", "-")
}

// SplitName splits a display name on its first space. The last name is
// empty when there is none.
func SplitName(name string) (first, last string) {
	first, last, _ = strings.Cut(strings.TrimSpace(name), " ")
	return first, strings.TrimSpace(last)
}
