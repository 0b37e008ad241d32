package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v83"

	"github.com/PortNumber53/saas-starter/backend/internal/billing"
	"github.com/PortNumber53/saas-starter/backend/internal/dedupe"
)

const (
	maxWebhookBody = 256 << 10

	msgSecretNotFound = "Webhook secret not found."
	msgHandlerFailed  = "Webhook handler failed. View your server logs."
)

// EventVerifier authenticates a raw delivery.
type EventVerifier interface {
	Verify(payload []byte, signature string) (stripeapi.Event, error)
}

// EventDispatcher applies a verified event.
type EventDispatcher interface {
	Dispatch(ctx context.Context, event stripeapi.Event) error
}

// WebhookHandler receives Stripe webhook deliveries.
type WebhookHandler struct {
	verifier   EventVerifier
	dispatcher EventDispatcher
	guard      dedupe.Guard
	metrics    billing.Metrics
	logger     zerolog.Logger
}

// NewWebhookHandler wires the receiver. guard and metrics may be nil.
func NewWebhookHandler(verifier EventVerifier, dispatcher EventDispatcher, guard dedupe.Guard, metrics billing.Metrics, logger zerolog.Logger) *WebhookHandler {
	if guard == nil {
		guard = dedupe.Noop{}
	}
	if metrics == nil {
		metrics = billing.NoopMetrics{}
	}
	return &WebhookHandler{
		verifier:   verifier,
		dispatcher: dispatcher,
		guard:      guard,
		metrics:    metrics,
		logger:     logger,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn().Err(err).Msg("webhook body read failed")
		http.Error(w, "Webhook Error: "+err.Error(), http.StatusBadRequest)
		return
	}

	event, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		var authErr *billing.AuthenticationError
		switch {
		case errors.Is(err, billing.ErrWebhookSecretMissing):
			h.logger.Warn().Msg("webhook secret or signature missing")
			http.Error(w, msgSecretNotFound, http.StatusBadRequest)
		case errors.As(err, &authErr):
			h.logger.Warn().Err(authErr.Err).Msg("webhook signature verification failed")
			http.Error(w, "Webhook Error: "+authErr.Err.Error(), http.StatusBadRequest)
		default:
			h.logger.Warn().Err(err).Msg("webhook verification failed")
			http.Error(w, "Webhook Error: "+err.Error(), http.StatusBadRequest)
		}
		return
	}

	log := h.logger.With().Str("event_id", event.ID).Str("event_type", string(event.Type)).Logger()
	log.Info().Msg("event received")

	seen, err := h.guard.Seen(ctx, event.ID)
	if err != nil {
		log.Warn().Err(err).Msg("dedupe lookup failed")
	}
	if seen {
		h.metrics.ObserveEvent(string(event.Type), billing.OutcomeDuplicate, 0)
		log.Info().Msg("duplicate event skipped")
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if err := h.dispatcher.Dispatch(ctx, event); err != nil {
		h.writeDispatchError(w, err)
		return
	}

	if err := h.guard.Remember(ctx, event.ID); err != nil {
		log.Warn().Err(err).Msg("dedupe remember failed")
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *WebhookHandler) writeDispatchError(w http.ResponseWriter, err error) {
	var (
		unsupported *billing.UnsupportedEventError
		fault       *billing.InternalConsistencyFault
	)
	switch {
	case errors.As(err, &unsupported):
		http.Error(w, unsupported.Error(), http.StatusBadRequest)
	case errors.As(err, &fault):
		http.Error(w, msgHandlerFailed, http.StatusInternalServerError)
	case errors.Is(err, billing.ErrInvalidPayload):
		http.Error(w, "Webhook Error: "+err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, msgHandlerFailed, http.StatusBadRequest)
	}
}
