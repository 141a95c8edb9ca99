package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/apimbilling/apimbilling/internal/handler/dto"
	"github.com/apimbilling/apimbilling/internal/target"
)

// Target resolves the APIM instance for the request once, before any handler
// runs, and stores it in the request context. Requests whose target cannot be
// resolved are rejected with 400 and never reach ARM.
func Target(resolver target.Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tgt, err := resolver.Resolve(r)
			if err != nil {
				code := "INVALID_APIM_TARGET"
				if errors.Is(err, target.ErrMissingTarget) {
					code = "MISSING_APIM_TARGET"
				}
				logger.Warn("apim target rejected",
					slog.String("request_id", GetRequestID(r.Context())),
					slog.String("code", code),
					slog.String("error", err.Error()),
				)
				writeError(w, http.StatusBadRequest, err.Error(), code)
				return
			}

			next.ServeHTTP(w, r.WithContext(target.WithTarget(r.Context(), tgt)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(dto.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
