package web

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/oklog/ulid/v2"

	"github.com/apimbilling/apimbilling/internal/cache"
)

// CookieName is the session cookie. Its value is a ULID; the session
// itself lives in Redis.
const CookieName = "apimbilling_session"

type sessionContextKey struct{}

// Session is the caller's web session for the current request.
type Session struct {
	ID string
	cache.SessionData
}

// Sessions issues session cookies and keeps their data in a SessionStore.
type Sessions struct {
	store  *cache.SessionStore
	secure bool
	logger *slog.Logger
}

// NewSessions creates a session manager. secure marks the cookie Secure.
func NewSessions(store *cache.SessionStore, secure bool, logger *slog.Logger) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{store: store, secure: secure, logger: logger.With("component", "sessions")}
}

// Middleware loads the session named by the cookie, or starts a new one
// when the cookie is missing, malformed, or names an expired session.
// Loading consumes pending flash messages.
func (s *Sessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := &Session{}
		if c, err := r.Cookie(CookieName); err == nil {
			if _, err := ulid.ParseStrict(c.Value); err == nil {
				sess.ID = c.Value
			}
		}

		if sess.ID != "" {
			data, found, err := s.store.Load(r.Context(), sess.ID)
			if err != nil {
				s.logger.ErrorContext(r.Context(), "failed to load session", "error", err)
				http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
				return
			}
			if found {
				sess.SessionData = data
			} else {
				sess.ID = ""
			}
		}

		if sess.ID == "" {
			sess.ID = ulid.Make().String()
			s.setCookie(w, sess.ID, 0)
		}

		ctx := context.WithValue(r.Context(), sessionContextKey{}, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Sessions) setCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// SessionFromContext returns the session loaded by Middleware.
func SessionFromContext(ctx context.Context) *Session {
	if sess, ok := ctx.Value(sessionContextKey{}).(*Session); ok {
		return sess
	}
	return &Session{}
}

// SignIn records the customer's identity.
func (s *Sessions) SignIn(ctx context.Context, sess *Session, email, name string) error {
	if err := s.store.Set(ctx, sess.ID, map[string]string{
		cache.FieldEmail: email,
		cache.FieldName:  name,
	}); err != nil {
		return err
	}
	sess.Email = email
	sess.Name = name
	return nil
}

// SelectInstance records the APIM instance the customer works against.
func (s *Sessions) SelectInstance(ctx context.Context, sess *Session, serviceName, resourceGroup string) error {
	if err := s.store.Set(ctx, sess.ID, map[string]string{
		cache.FieldServiceName:   serviceName,
		cache.FieldResourceGroup: resourceGroup,
	}); err != nil {
		return err
	}
	sess.ServiceName = serviceName
	sess.ResourceGroup = resourceGroup
	return nil
}

// Flash queues a success message for the next page. Failures are logged.
func (s *Sessions) Flash(ctx context.Context, sess *Session, message string) {
	if err := s.store.Flash(ctx, sess.ID, message); err != nil {
		s.logger.WarnContext(ctx, "failed to store flash message", "error", err)
	}
}

// FlashError queues an error message for the next page. Failures are logged.
func (s *Sessions) FlashError(ctx context.Context, sess *Session, message string) {
	if err := s.store.FlashError(ctx, sess.ID, message); err != nil {
		s.logger.WarnContext(ctx, "failed to store flash message", "error", err)
	}
}

// Destroy deletes the session and expires the cookie.
func (s *Sessions) Destroy(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	s.setCookie(w, "", -1)
	if err := s.store.Delete(ctx, sess.ID); err != nil {
		return err
	}
	sess.SessionData = cache.SessionData{}
	return nil
}
