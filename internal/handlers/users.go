package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/saas-starter/backend/internal/middleware"
	"github.com/PortNumber53/saas-starter/backend/internal/models"
)

const defaultUserPageSize = 50

// UserLister defines the behaviour required from the storage client backing the users handler.
type UserLister interface {
	ListUsers(ctx context.Context, limit int) ([]models.User, error)
}

// Users creates an HTTP handler that returns a list of users with their roles.
func Users(client UserLister, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultUserPageSize
		if override := r.URL.Query().Get("limit"); override != "" {
			if parsed, err := strconv.Atoi(override); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		users, err := client.ListUsers(r.Context(), limit)
		if err != nil {
			logger.Error().Err(err).Msg("list users failed")
			writeError(w, http.StatusBadGateway, "failed to load users")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	}
}

// Me returns the session user, including the role derived from billing.
func Me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}
