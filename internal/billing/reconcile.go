package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v83"

	"github.com/PortNumber53/saas-starter/backend/internal/models"
	"github.com/PortNumber53/saas-starter/backend/internal/store"
)

// SubscriptionStore is the persistence the reconciler needs.
type SubscriptionStore interface {
	GetCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error)
	CreateCustomer(ctx context.Context, userID, stripeCustomerID string) (*models.Customer, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpsertSubscription(ctx context.Context, sub *models.Subscription) (bool, error)
	GetLatestSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	UpdateUserRole(ctx context.Context, userID string, role models.Role) (bool, error)
}

// SubscriptionFetcher loads authoritative subscription state from the
// provider.
type SubscriptionFetcher interface {
	RetrieveSubscription(ctx context.Context, id string) (*stripeapi.Subscription, error)
}

// ReconcileRequest describes one subscription to bring up to date.
type ReconcileRequest struct {
	SubscriptionID string `validate:"required"`
	CustomerID     string `validate:"required"`
	// IsNew allows the customer mapping to be created when absent.
	IsNew bool
	// UserHint is a local user id carried by the checkout session.
	UserHint string
	// EventCreated orders deliveries for the same subscription. Older
	// events than the stored one are ignored. A zero value applies the
	// state unconditionally and keeps the stored ordering token.
	EventCreated time.Time
}

// Reconciler keeps subscriptions and the derived user role in step with the
// provider.
type Reconciler struct {
	store   SubscriptionStore
	fetcher SubscriptionFetcher
	metrics Metrics
	logger  zerolog.Logger
}

// NewReconciler creates a Reconciler. A nil metrics discards observations.
func NewReconciler(store SubscriptionStore, fetcher SubscriptionFetcher, metrics Metrics, logger zerolog.Logger) *Reconciler {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Reconciler{
		store:   store,
		fetcher: fetcher,
		metrics: metrics,
		logger:  logger,
	}
}

// DeriveRole maps a subscription status to the role it grants. The second
// result is false when the status leaves the role as it is.
func DeriveRole(status models.SubscriptionStatus) (models.Role, bool) {
	switch status {
	case models.SubscriptionActive, models.SubscriptionTrialing:
		return models.RolePremium, true
	case models.SubscriptionCanceled, models.SubscriptionUnpaid, models.SubscriptionIncompleteExpired:
		return models.RoleUser, true
	default:
		return "", false
	}
}

// Reconcile fetches the subscription from the provider, upserts it and
// updates the owner's role.
func (r *Reconciler) Reconcile(ctx context.Context, req ReconcileRequest) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: reconcile request: %v", ErrInvalidPayload, err)
	}
	return r.reconcile(ctx, req, nil)
}

// Resync re-reads a known subscription and applies the provider's current
// state. It does not advance the ordering token, so a real event stamped in
// the same second as the fetch still applies.
func (r *Reconciler) Resync(ctx context.Context, subscriptionID string) error {
	sub, err := r.fetch(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return fmt.Errorf("%w: subscription %s has no customer", ErrInvalidPayload, subscriptionID)
	}
	return r.reconcile(ctx, ReconcileRequest{
		SubscriptionID: subscriptionID,
		CustomerID:     sub.Customer.ID,
	}, sub)
}

func (r *Reconciler) fetch(ctx context.Context, id string) (*stripeapi.Subscription, error) {
	sub, err := r.fetcher.RetrieveSubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("billing: fetch subscription %s: %w", id, err)
	}
	return sub, nil
}

func (r *Reconciler) reconcile(ctx context.Context, req ReconcileRequest, sub *stripeapi.Subscription) error {
	log := r.logger.With().
		Str("subscription_id", req.SubscriptionID).
		Str("customer_id", req.CustomerID).
		Logger()

	customer, err := r.store.GetCustomerByStripeID(ctx, req.CustomerID)
	missing := errors.Is(err, store.ErrCustomerNotFound)
	if err != nil && !missing {
		return err
	}
	if missing && !req.IsNew {
		return fmt.Errorf("%w: %s", ErrUnknownCustomer, req.CustomerID)
	}

	if sub == nil {
		if sub, err = r.fetch(ctx, req.SubscriptionID); err != nil {
			return err
		}
	}
	if sub.Customer != nil && sub.Customer.ID != "" && sub.Customer.ID != req.CustomerID {
		return fmt.Errorf("%w: subscription %s belongs to customer %s", ErrInvalidPayload, sub.ID, sub.Customer.ID)
	}

	var user *models.User
	if missing {
		if user, err = r.resolveUser(ctx, req, sub); err != nil {
			return err
		}
		customer, err = r.store.CreateCustomer(ctx, user.ID, req.CustomerID)
		if err != nil {
			if errors.Is(err, store.ErrCustomerConflict) {
				return fmt.Errorf("%w: user %s, customer %s", ErrCustomerConflict, user.ID, req.CustomerID)
			}
			return err
		}
		log.Info().Str("user_id", user.ID).Msg("customer mapping created")
	}

	row := subscriptionRow(sub, customer, req.EventCreated)

	applied, err := r.store.UpsertSubscription(ctx, row)
	if err != nil {
		return err
	}
	if !applied {
		r.metrics.RecordStaleEvent()
		log.Info().Time("event_created", req.EventCreated).Msg("stale event ignored")
		return nil
	}
	log.Info().Str("status", string(row.Status)).Msg("subscription upserted")

	return r.applyRole(ctx, customer.UserID, user, log)
}

// resolveUser finds the local owner of a customer seen for the first time.
func (r *Reconciler) resolveUser(ctx context.Context, req ReconcileRequest, sub *stripeapi.Subscription) (*models.User, error) {
	candidates := []string{req.UserHint, sub.Metadata["user_id"]}
	if sub.Customer != nil {
		candidates = append(candidates, sub.Customer.Metadata["user_id"])
	}
	for _, id := range candidates {
		if id == "" {
			continue
		}
		user, err := r.store.GetUserByID(ctx, id)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, store.ErrUserNotFound) {
			return nil, err
		}
	}

	if sub.Customer != nil && sub.Customer.Email != "" {
		user, err := r.store.GetUserByEmail(ctx, sub.Customer.Email)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, store.ErrUserNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: no local user for %s", ErrUnknownCustomer, req.CustomerID)
}

// applyRole derives the owner's role from the most relevant of all their
// subscriptions, not only the one just written.
func (r *Reconciler) applyRole(ctx context.Context, userID string, user *models.User, log zerolog.Logger) error {
	current, err := r.store.GetLatestSubscription(ctx, userID)
	if err != nil {
		return fmt.Errorf("billing: load subscriptions of %s: %w", userID, err)
	}
	role, ok := DeriveRole(current.Status)
	if !ok {
		return nil
	}

	if user == nil {
		if user, err = r.store.GetUserByID(ctx, userID); err != nil {
			return fmt.Errorf("billing: load subscription owner %s: %w", userID, err)
		}
	}
	if user.IsAdmin() || user.Role == role {
		return nil
	}

	changed, err := r.store.UpdateUserRole(ctx, userID, role)
	if err != nil {
		return err
	}
	if changed {
		r.metrics.RecordRoleChange(string(role))
		log.Info().Str("user_id", userID).Str("from", string(user.Role)).Str("to", string(role)).Msg("user role changed")
	}
	return nil
}

func subscriptionRow(sub *stripeapi.Subscription, customer *models.Customer, token time.Time) *models.Subscription {
	row := &models.Subscription{
		ID:                sub.ID,
		UserID:            customer.UserID,
		StripeCustomerID:  customer.StripeCustomerID,
		Status:            models.SubscriptionStatus(sub.Status),
		Quantity:          1,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Created:           unixTime(sub.Created),
		CancelAt:          unixPtr(sub.CancelAt),
		CanceledAt:        unixPtr(sub.CanceledAt),
		EndedAt:           unixPtr(sub.EndedAt),
		TrialStart:        unixPtr(sub.TrialStart),
		TrialEnd:          unixPtr(sub.TrialEnd),
		Metadata:          models.StringMap(sub.Metadata),
	}
	if !token.IsZero() {
		row.LastEventAt = token.UTC()
	}

	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil && item.Price.ID != "" {
			priceID := item.Price.ID
			row.PriceID = &priceID
		}
		if item.Quantity > 0 {
			row.Quantity = item.Quantity
		}
		row.CurrentPeriodStart = unixPtr(item.CurrentPeriodStart)
		row.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
	}
	return row
}
