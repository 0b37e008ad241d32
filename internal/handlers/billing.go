package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v83"

	"github.com/PortNumber53/saas-starter/backend/internal/middleware"
	"github.com/PortNumber53/saas-starter/backend/internal/models"
	"github.com/PortNumber53/saas-starter/backend/internal/store"
	"github.com/PortNumber53/saas-starter/backend/internal/stripe"
)

const defaultPaymentPageSize = 50

// BillingStore defines the storage operations behind the billing routes.
type BillingStore interface {
	ListPlans(ctx context.Context) ([]models.Plan, error)
	GetPrice(ctx context.Context, id string) (*models.Price, error)
	GetCustomerByUserID(ctx context.Context, userID string) (*models.Customer, error)
	CreateCustomer(ctx context.Context, userID, stripeCustomerID string) (*models.Customer, error)
	GetLatestSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	ListPayments(ctx context.Context, userID string, limit int) ([]models.PaymentRecord, error)
}

// CheckoutProvider is the subset of the Stripe client used to start hosted
// checkout and portal sessions.
type CheckoutProvider interface {
	CreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, p stripe.CheckoutParams) (*stripeapi.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// BillingHandler serves the catalog and the signed-in user's billing state.
type BillingHandler struct {
	store    BillingStore
	provider CheckoutProvider
	appURL   string
	logger   zerolog.Logger
}

// NewBillingHandler creates a BillingHandler. appURL is the frontend origin
// used for default return URLs.
func NewBillingHandler(store BillingStore, provider CheckoutProvider, appURL string, logger zerolog.Logger) *BillingHandler {
	return &BillingHandler{
		store:    store,
		provider: provider,
		appURL:   strings.TrimRight(appURL, "/"),
		logger:   logger,
	}
}

// Products lists active products with their active prices.
func (h *BillingHandler) Products(w http.ResponseWriter, r *http.Request) {
	plans, err := h.store.ListPlans(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("list plans failed")
		writeError(w, http.StatusInternalServerError, "failed to list products")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": plans})
}

// Subscription returns the user's current subscription, or null.
func (h *BillingHandler) Subscription(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())

	sub, err := h.store.GetLatestSubscription(r.Context(), user.ID)
	if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
		h.logger.Error().Err(err).Str("user_id", user.ID).Msg("load subscription failed")
		writeError(w, http.StatusInternalServerError, "failed to load subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription": sub})
}

// Payments returns the user's one-time payment history, newest first.
func (h *BillingHandler) Payments(w http.ResponseWriter, r *http.Request) {
	user, _ := middleware.UserFromContext(r.Context())

	limit := defaultPaymentPageSize
	if override := r.URL.Query().Get("limit"); override != "" {
		if parsed, err := strconv.Atoi(override); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	payments, err := h.store.ListPayments(r.Context(), user.ID, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", user.ID).Msg("list payments failed")
		writeError(w, http.StatusInternalServerError, "failed to load payments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}

// Checkout starts a hosted checkout for one active price. The billing
// customer is created on first use.
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := middleware.UserFromContext(ctx)

	var req models.CheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	successURL, err := h.redirectURL("success_url", req.SuccessURL, "/account?checkout=success")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cancelURL, err := h.redirectURL("cancel_url", req.CancelURL, "/pricing")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	price, err := h.store.GetPrice(ctx, req.PriceID)
	if err != nil {
		if errors.Is(err, store.ErrPriceNotFound) {
			writeError(w, http.StatusNotFound, "price not found")
			return
		}
		h.logger.Error().Err(err).Str("price_id", req.PriceID).Msg("load price failed")
		writeError(w, http.StatusInternalServerError, "failed to load price")
		return
	}

	customerID, err := h.ensureCustomer(ctx, user)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", user.ID).Msg("ensure billing customer failed")
		writeError(w, http.StatusBadGateway, "failed to prepare billing account")
		return
	}

	params := stripe.CheckoutParams{
		CustomerID: customerID,
		UserID:     user.ID,
		PriceID:    price.ID,
		Quantity:   req.Quantity,
		Recurring:  price.Type == models.PriceTypeRecurring,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	}
	if price.TrialPeriodDays != nil {
		params.TrialPeriodDays = *price.TrialPeriodDays
	}

	session, err := h.provider.CreateCheckoutSession(ctx, params)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", user.ID).Str("price_id", price.ID).Msg("create checkout session failed")
		writeError(w, http.StatusBadGateway, "failed to create checkout session")
		return
	}

	h.logger.Info().Str("user_id", user.ID).Str("price_id", price.ID).Str("session_id", session.ID).Msg("checkout session created")
	writeJSON(w, http.StatusOK, models.CheckoutResponse{SessionID: session.ID, SessionURL: session.URL})
}

// Portal opens the provider's self-service billing portal for a user that
// already has a billing customer.
func (h *BillingHandler) Portal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := middleware.UserFromContext(ctx)

	var req models.PortalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	returnURL, err := h.redirectURL("return_url", req.ReturnURL, "/account")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	customer, err := h.store.GetCustomerByUserID(ctx, user.ID)
	if err != nil {
		if errors.Is(err, store.ErrCustomerNotFound) {
			writeError(w, http.StatusNotFound, "no billing account")
			return
		}
		h.logger.Error().Err(err).Str("user_id", user.ID).Msg("load billing customer failed")
		writeError(w, http.StatusInternalServerError, "failed to load billing account")
		return
	}

	portalURL, err := h.provider.CreatePortalSession(ctx, customer.StripeCustomerID, returnURL)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", user.ID).Msg("create portal session failed")
		writeError(w, http.StatusBadGateway, "failed to create portal session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": portalURL})
}

// ensureCustomer returns the user's provider customer id, creating the
// customer and its mapping when absent.
func (h *BillingHandler) ensureCustomer(ctx context.Context, user *models.User) (string, error) {
	existing, err := h.store.GetCustomerByUserID(ctx, user.ID)
	if err == nil {
		return existing.StripeCustomerID, nil
	}
	if !errors.Is(err, store.ErrCustomerNotFound) {
		return "", err
	}

	email := ""
	if user.Email != nil {
		email = *user.Email
	}
	customerID, err := h.provider.CreateCustomer(ctx, user.ID, email)
	if err != nil {
		return "", err
	}

	created, err := h.store.CreateCustomer(ctx, user.ID, customerID)
	if errors.Is(err, store.ErrCustomerConflict) {
		// A concurrent checkout mapped the user first.
		winner, lookupErr := h.store.GetCustomerByUserID(ctx, user.ID)
		if lookupErr != nil {
			return "", lookupErr
		}
		h.logger.Warn().Str("user_id", user.ID).Str("orphan_customer_id", customerID).Msg("billing customer created concurrently")
		return winner.StripeCustomerID, nil
	}
	if err != nil {
		return "", err
	}
	h.logger.Info().Str("user_id", user.ID).Str("stripe_customer_id", customerID).Msg("billing customer created")
	return created.StripeCustomerID, nil
}

// redirectURL returns raw when it points at the application origin, or
// appURL+fallbackPath when raw is empty.
func (h *BillingHandler) redirectURL(field, raw, fallbackPath string) (string, error) {
	if raw == "" {
		return h.appURL + fallbackPath, nil
	}
	app, err := url.Parse(h.appURL)
	if err != nil || app.Host == "" {
		return "", fmt.Errorf("%s is not allowed", field)
	}
	target, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(target.Scheme, app.Scheme) || !strings.EqualFold(target.Host, app.Host) {
		return "", fmt.Errorf("%s must be on %s", field, app.Scheme+"://"+app.Host)
	}
	return raw, nil
}
