package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripeapi "github.com/stripe/stripe-go/v83"

	"github.com/PortNumber53/saas-starter/backend/internal/models"
)

func subscriptionEvent(t *testing.T, kind stripeapi.EventType, created int64, status string) stripeapi.Event {
	t.Helper()
	return newEvent(t, kind, created, map[string]interface{}{
		"id":       "sub_1",
		"object":   "subscription",
		"customer": "cus_1",
		"status":   status,
	})
}

// withActiveSubscription seeds a mapped premium user with an active sub_1.
func withActiveSubscription(t *testing.T, h *harness) {
	t.Helper()
	h.store.addUser(testUserID, "buyer@example.com", models.RolePremium)
	h.store.customers["cus_1"] = &models.Customer{UserID: testUserID, StripeCustomerID: "cus_1"}
	h.stripe.subs["sub_1"] = providerSubscription("sub_1", "cus_1", stripeapi.SubscriptionStatusActive)
	require.NoError(t, h.dispatcher.Dispatch(context.Background(), subscriptionEvent(t, stripeapi.EventTypeCustomerSubscriptionUpdated, 1700000000, "active")))
}

func TestDeriveRole(t *testing.T) {
	tests := []struct {
		status  models.SubscriptionStatus
		role    models.Role
		changes bool
	}{
		{models.SubscriptionActive, models.RolePremium, true},
		{models.SubscriptionTrialing, models.RolePremium, true},
		{models.SubscriptionCanceled, models.RoleUser, true},
		{models.SubscriptionUnpaid, models.RoleUser, true},
		{models.SubscriptionIncompleteExpired, models.RoleUser, true},
		{models.SubscriptionPastDue, "", false},
		{models.SubscriptionIncomplete, "", false},
		{models.SubscriptionPaused, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			role, changes := DeriveRole(tt.status)
			assert.Equal(t, tt.changes, changes)
			assert.Equal(t, tt.role, role)
		})
	}
}

func TestSubscriptionDeletedCancelsAndRevertsRole(t *testing.T) {
	h := newHarness(t)
	withActiveSubscription(t, h)

	canceled := providerSubscription("sub_1", "cus_1", stripeapi.SubscriptionStatusCanceled)
	canceled.CanceledAt = 1700000500
	canceled.EndedAt = 1700000500
	h.stripe.subs["sub_1"] = canceled

	require.NoError(t, h.dispatcher.Dispatch(context.Background(), subscriptionEvent(t, stripeapi.EventTypeCustomerSubscriptionDeleted, 1700000500, "canceled")))

	sub, ok := h.store.subscriptions["sub_1"]
	require.True(t, ok, "subscription row must be kept")
	assert.Equal(t, models.SubscriptionCanceled, sub.Status)
	require.NotNil(t, sub.CanceledAt)
	assert.Equal(t, int64(1700000500), sub.CanceledAt.Unix())
	assert.Equal(t, models.RoleUser, h.store.role(testUserID))
}

func TestPastDueLeavesRoleUnchanged(t *testing.T) {
	h := newHarness(t)
	withActiveSubscription(t, h)

	h.stripe.subs["sub_1"] = providerSubscription("sub_1", "cus_1", stripeapi.SubscriptionStatusPastDue)
	require.NoError(t, h.dispatcher.Dispatch(context.Background(), subscriptionEvent(t, stripeapi.EventTypeCustomerSubscriptionUpdated, 1700000200, "past_due")))

	assert.Equal(t, models.SubscriptionPastDue, h.store.subscriptions["sub_1"].Status)
	assert.Equal(t, models.RolePremium, h.store.role(testUserID))
}

func TestUpdateForUnknownCustomerFailsBeforeFetch(t *testing.T) {
	h := newHarness(t)
	h.stripe.subs["sub_1"] = providerSubscription("sub_1", "cus_1", stripeapi.SubscriptionStatusActive)

	err := h.dispatcher.Dispatch(context.Background(), subscriptionEvent(t, stripeapi.EventTypeCustomerSubscriptionUpdated, 1700000000, "active"))

	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.ErrorIs(t, err, ErrUnknownCustomer)
	assert.Zero(t, h.stripe.calls)
	assert.Zero(t, h.store.writes)
}

func TestStaleEventDoesNotRegressSubscription(t *testing.T) {
	h := newHarness(t)
	withActiveSubscription(t, h)

	canceled := providerSubscription("sub_1", "cus_1", stripeapi.SubscriptionStatusCanceled)
	h.stripe.subs["sub_1"] = canceled
	require.NoError(t, h.dispatcher.Dispatch(context.Background(), subscriptionEvent(t, stripeapi.EventTypeCustomerSubscriptionDeleted, 1700000500, "canceled")))
	require.Equal(t, models.RoleUser, h.store.role(testUserID))

	// A delayed update from before the cancellation arrives last.
	h.stripe.subs["sub_1"] = providerSubscription("sub_1", "cus_1", stripeapi.SubscriptionStatusActive)
	require.NoError(t, h.dispatcher.Dispatch(context.Background(), subscriptionEvent(t, stripeapi.EventTypeCustomerSubscriptionUpdated, 1700000300, "active")))

	assert.Equal(t, models.SubscriptionCanceled, h.store.subscriptions["sub_1"].Status)
	assert.Equal(t, models.RoleUser, h.store.role(testUserID))
	assert.Equal(t, 1, h.metrics.stale)
}

func TestAdminIsNeverReRoled(t *testing.T) {
	h := newHarness(t)
	h.store.addUser(testUserID, "admin@example.com", models.RoleAdmin)
	h.store.customers["cus_1"] = &models.Customer{UserID: testUserID, StripeCustomerID: "cus_1"}
	h.stripe.subs["sub_1"] = providerSubscription("sub_1", "cus_1", stripeapi.SubscriptionStatusCanceled)

	require.NoError(t, h.dispatcher.Dispatch(context.Background(), subscriptionEvent(t, stripeapi.EventTypeCustomerSubscriptionDeleted, 1700000000, "canceled")))
	assert.Equal(t, models.RoleAdmin, h.store.role(testUserID))
	assert.Empty(t, h.metrics.roleChanges)
}

func TestFetchFailureIsHandlerError(t *testing.T) {
	h := newHarness(t)
	h.store.addUser(testUserID, "buyer@example.com", models.RoleUser)
	h.store.customers["cus_1"] = &models.Customer{UserID: testUserID, StripeCustomerID: "cus_1"}
	h.stripe.err = errors.New("connection reset by peer")

	err := h.dispatcher.Dispatch(context.Background(), subscriptionEvent(t, stripeapi.EventTypeCustomerSubscriptionUpdated, 1700000000, "active"))

	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.Empty(t, h.store.subscriptions)
	assert.Equal(t, []string{OutcomeFailed}, h.metrics.outcomes)
}

func TestNewSubscriptionResolvesUserByEmail(t *testing.T) {
	h := newHarness(t)
	h.store.addUser(testUserID, "Buyer@Example.com", models.RoleUser)

	sub := providerSubscription("sub_1", "cus_1", stripeapi.SubscriptionStatusActive)
	sub.Customer.Email = "buyer@example.com"
	h.stripe.subs["sub_1"] = sub

	require.NoError(t, h.dispatcher.Dispatch(context.Background(), subscriptionEvent(t, stripeapi.EventTypeCustomerSubscriptionCreated, 1700000000, "active")))
	require.Contains(t, h.store.customers, "cus_1")
	assert.Equal(t, testUserID, h.store.customers["cus_1"].UserID)
	assert.Equal(t, models.RolePremium, h.store.role(testUserID))
}

func TestNewSubscriptionWithoutResolvableUser(t *testing.T) {
	h := newHarness(t)
	h.stripe.subs["sub_1"] = providerSubscription("sub_1", "cus_1", stripeapi.SubscriptionStatusActive)

	err := h.dispatcher.Dispatch(context.Background(), subscriptionEvent(t, stripeapi.EventTypeCustomerSubscriptionCreated, 1700000000, "active"))
	assert.ErrorIs(t, err, ErrUnknownCustomer)
	assert.Empty(t, h.store.customers)
	assert.Empty(t, h.store.subscriptions)
}

func TestNewSubscriptionCustomerConflict(t *testing.T) {
	h := newHarness(t)
	h.store.addUser(testUserID, "buyer@example.com", models.RoleUser)
	h.store.customers["cus_old"] = &models.Customer{UserID: testUserID, StripeCustomerID: "cus_old"}

	sub := providerSubscription("sub_1", "cus_1", stripeapi.SubscriptionStatusActive)
	sub.Metadata = map[string]string{"user_id": testUserID}
	h.stripe.subs["sub_1"] = sub

	err := h.dispatcher.Dispatch(context.Background(), subscriptionEvent(t, stripeapi.EventTypeCustomerSubscriptionCreated, 1700000000, "active"))
	assert.ErrorIs(t, err, ErrCustomerConflict)
	assert.Empty(t, h.store.subscriptions)
}

func TestResyncUsesProviderCustomer(t *testing.T) {
	h := newHarness(t)
	h.store.addUser(testUserID, "buyer@example.com", models.RoleUser)
	h.store.customers["cus_1"] = &models.Customer{UserID: testUserID, StripeCustomerID: "cus_1"}
	h.stripe.subs["sub_1"] = providerSubscription("sub_1", "cus_1", stripeapi.SubscriptionStatusTrialing)

	require.NoError(t, h.reconciler.Resync(context.Background(), "sub_1"))
	assert.Equal(t, 1, h.stripe.calls)
	assert.True(t, h.store.subscriptions["sub_1"].LastEventAt.IsZero())
	assert.Equal(t, models.RolePremium, h.store.role(testUserID))
}

func TestResyncKeepsOrderingToken(t *testing.T) {
	h := newHarness(t)
	withActiveSubscription(t, h)

	require.NoError(t, h.reconciler.Resync(context.Background(), "sub_1"))
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), h.store.subscriptions["sub_1"].LastEventAt)

	// The cancellation happened right after the resync fetch.
	h.stripe.subs["sub_1"] = providerSubscription("sub_1", "cus_1", stripeapi.SubscriptionStatusCanceled)
	require.NoError(t, h.dispatcher.Dispatch(context.Background(), subscriptionEvent(t, stripeapi.EventTypeCustomerSubscriptionDeleted, 1700000001, "canceled")))

	assert.Equal(t, models.SubscriptionCanceled, h.store.subscriptions["sub_1"].Status)
	assert.Equal(t, models.RoleUser, h.store.role(testUserID))
	assert.Zero(t, h.metrics.stale)
}

func TestEndingOneOfTwoSubscriptionsKeepsPremium(t *testing.T) {
	h := newHarness(t)
	withActiveSubscription(t, h)

	second := providerSubscription("sub_2", "cus_1", stripeapi.SubscriptionStatusActive)
	second.Created = 1700000050
	h.stripe.subs["sub_2"] = second
	require.NoError(t, h.dispatcher.Dispatch(context.Background(), newEvent(t, stripeapi.EventTypeCustomerSubscriptionCreated, 1700000050, map[string]interface{}{
		"id":       "sub_2",
		"object":   "subscription",
		"customer": "cus_1",
		"status":   "active",
	})))

	h.stripe.subs["sub_1"] = providerSubscription("sub_1", "cus_1", stripeapi.SubscriptionStatusCanceled)
	require.NoError(t, h.dispatcher.Dispatch(context.Background(), subscriptionEvent(t, stripeapi.EventTypeCustomerSubscriptionDeleted, 1700000100, "canceled")))

	assert.Equal(t, models.SubscriptionCanceled, h.store.subscriptions["sub_1"].Status)
	assert.Equal(t, models.SubscriptionActive, h.store.subscriptions["sub_2"].Status)
	assert.Equal(t, models.RolePremium, h.store.role(testUserID))

	h.stripe.subs["sub_2"] = providerSubscription("sub_2", "cus_1", stripeapi.SubscriptionStatusCanceled)
	require.NoError(t, h.dispatcher.Dispatch(context.Background(), newEvent(t, stripeapi.EventTypeCustomerSubscriptionDeleted, 1700000200, map[string]interface{}{
		"id":       "sub_2",
		"object":   "subscription",
		"customer": "cus_1",
		"status":   "canceled",
	})))
	assert.Equal(t, models.RoleUser, h.store.role(testUserID))
}

func TestReconcileValidatesRequest(t *testing.T) {
	h := newHarness(t)

	err := h.reconciler.Reconcile(context.Background(), ReconcileRequest{SubscriptionID: "sub_1"})
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Zero(t, h.stripe.calls)
}
