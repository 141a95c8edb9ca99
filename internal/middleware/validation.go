package middleware

import (
	"net/http"
	"net/mail"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
)

// APIM subscription names: letters, digits, '-', '_' and '.', at most 256 chars.
var subscriptionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,255}$`)

// ValidSubscriptionID reports whether id can be used as an APIM subscription name.
func ValidSubscriptionID(id string) bool {
	return subscriptionIDPattern.MatchString(id)
}

// ValidEmail reports whether s parses as a bare address.
func ValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// SubscriptionIDParam rejects requests whose {param} URL segment is not a
// valid subscription name.
func SubscriptionIDParam(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ValidSubscriptionID(chi.URLParam(r, param)) {
				writeError(w, http.StatusBadRequest, "invalid subscription id", "INVALID_SUBSCRIPTION_ID")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
