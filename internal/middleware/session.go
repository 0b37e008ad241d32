package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/saas-starter/backend/internal/models"
	"github.com/PortNumber53/saas-starter/backend/internal/store"
)

const (
	HeaderInternalToken = "X-Internal-Token"
	HeaderUserID        = "X-User-ID"
)

type contextKey struct{ name string }

var userContextKey = &contextKey{"user"}

// SessionStore loads the user a forwarded session refers to.
type SessionStore interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// UserFromContext returns the user attached by Session.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userContextKey).(*models.User)
	return user, ok && user != nil
}

// WithUser attaches user to ctx.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// ValidInternalToken reports whether the request carries the shared token
// of the trusted frontend. An empty configured token never matches.
func ValidInternalToken(r *http.Request, token string) bool {
	got := r.Header.Get(HeaderInternalToken)
	if token == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

// Session authenticates requests forwarded by the frontend. The frontend
// has already completed the OAuth handshake and passes the local user id
// along with the shared internal token.
func Session(token string, users SessionStore, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ValidInternalToken(r, token) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			userID := r.Header.Get(HeaderUserID)
			if _, err := uuid.Parse(userID); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			user, err := users.GetUserByID(r.Context(), userID)
			if err != nil {
				if errors.Is(err, store.ErrUserNotFound) {
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				logger.Error().Err(err).Str("user_id", userID).Msg("failed to load session user")
				http.Error(w, "failed to load session", http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireRole answers 403 unless the session user holds one of roles.
func RequireRole(roles ...models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}
