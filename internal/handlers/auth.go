package handlers

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/saas-starter/backend/internal/middleware"
	"github.com/PortNumber53/saas-starter/backend/internal/models"
)

// OAuthStore defines the behaviour required from the storage client used
// by the OAuth handler.
type OAuthStore interface {
	UpsertGoogleUser(ctx context.Context, user models.GoogleAuthUser) (*models.User, error)
}

// GoogleAuth accepts Google OAuth login data forwarded by the frontend
// after its handshake and provisions or refreshes the local user. The
// returned id is what the frontend sends back as X-User-ID.
func GoogleAuth(store OAuthStore, internalToken string, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !middleware.ValidInternalToken(r, internalToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		var payload models.GoogleAuthUser
		if err := decodeJSON(w, r, &payload); err != nil {
			logger.Warn().Err(err).Msg("GoogleAuth: invalid payload")
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		user, err := store.UpsertGoogleUser(r.Context(), payload)
		if err != nil {
			logger.Error().Err(err).Str("sub", payload.Sub).Msg("GoogleAuth: failed to persist Google user")
			writeError(w, http.StatusBadGateway, "failed to persist Google user")
			return
		}

		logger.Info().Str("sub", payload.Sub).Str("user_id", user.ID).Msg("GoogleAuth: upserted Google user")
		writeJSON(w, http.StatusOK, map[string]any{"user": user})
	}
}
