package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripeapi "github.com/stripe/stripe-go/v83"

	"github.com/PortNumber53/saas-starter/backend/internal/middleware"
	"github.com/PortNumber53/saas-starter/backend/internal/models"
	"github.com/PortNumber53/saas-starter/backend/internal/store"
	"github.com/PortNumber53/saas-starter/backend/internal/stripe"
)

const testUserID = "5d41402a-bc4b-4a76-b971-9d911017c592"

type fakeBillingStore struct {
	plans     []models.Plan
	prices    map[string]*models.Price
	customers map[string]string
	sub       *models.Subscription
	payments  []models.PaymentRecord
	created   int
}

func newFakeBillingStore() *fakeBillingStore {
	return &fakeBillingStore{prices: map[string]*models.Price{}, customers: map[string]string{}}
}

func (f *fakeBillingStore) ListPlans(context.Context) ([]models.Plan, error) { return f.plans, nil }

func (f *fakeBillingStore) GetPrice(_ context.Context, id string) (*models.Price, error) {
	p, ok := f.prices[id]
	if !ok {
		return nil, store.ErrPriceNotFound
	}
	return p, nil
}

func (f *fakeBillingStore) GetCustomerByUserID(_ context.Context, userID string) (*models.Customer, error) {
	id, ok := f.customers[userID]
	if !ok {
		return nil, store.ErrCustomerNotFound
	}
	return &models.Customer{UserID: userID, StripeCustomerID: id}, nil
}

func (f *fakeBillingStore) CreateCustomer(_ context.Context, userID, stripeCustomerID string) (*models.Customer, error) {
	if existing, ok := f.customers[userID]; ok && existing != stripeCustomerID {
		return nil, store.ErrCustomerConflict
	}
	f.customers[userID] = stripeCustomerID
	f.created++
	return &models.Customer{UserID: userID, StripeCustomerID: stripeCustomerID}, nil
}

func (f *fakeBillingStore) GetLatestSubscription(context.Context, string) (*models.Subscription, error) {
	if f.sub == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	return f.sub, nil
}

func (f *fakeBillingStore) ListPayments(context.Context, string, int) ([]models.PaymentRecord, error) {
	return f.payments, nil
}

type fakeProvider struct {
	customersCreated []string
	checkout         *stripe.CheckoutParams
	portalCustomer   string
	portalReturn     string
	err              error
}

func (f *fakeProvider) CreateCustomer(_ context.Context, userID, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.customersCreated = append(f.customersCreated, userID)
	return "cus_new", nil
}

func (f *fakeProvider) CreateCheckoutSession(_ context.Context, p stripe.CheckoutParams) (*stripeapi.CheckoutSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.checkout = &p
	return &stripeapi.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/c/cs_1"}, nil
}

func (f *fakeProvider) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.portalCustomer = customerID
	f.portalReturn = returnURL
	return "https://billing.stripe.com/p/session_1", nil
}

func sessionRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	email := "ada@example.com"
	user := &models.User{ID: testUserID, Email: &email, Role: models.RoleUser}
	return req.WithContext(middleware.WithUser(req.Context(), user))
}

func newBillingHandler(s *fakeBillingStore, p *fakeProvider) *BillingHandler {
	return NewBillingHandler(s, p, "https://app.example.com/", zerolog.Nop())
}

func recurringPrice() *models.Price {
	interval := "month"
	trial := int64(14)
	return &models.Price{ID: "price_pro", ProductID: "prod_pro", Active: true, Currency: "usd",
		Type: models.PriceTypeRecurring, Interval: &interval, TrialPeriodDays: &trial}
}

func TestCheckoutCreatesCustomerLazily(t *testing.T) {
	s := newFakeBillingStore()
	s.prices["price_pro"] = recurringPrice()
	p := &fakeProvider{}
	h := newBillingHandler(s, p)

	rr := httptest.NewRecorder()
	h.Checkout(rr, sessionRequest(http.MethodPost, "/api/billing/checkout", `{"price_id":"price_pro"}`))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp models.CheckoutResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "cs_1", resp.SessionID)

	assert.Equal(t, []string{testUserID}, p.customersCreated)
	assert.Equal(t, "cus_new", s.customers[testUserID])
	require.NotNil(t, p.checkout)
	assert.Equal(t, "cus_new", p.checkout.CustomerID)
	assert.True(t, p.checkout.Recurring)
	assert.Equal(t, int64(14), p.checkout.TrialPeriodDays)
	assert.Equal(t, "https://app.example.com/account?checkout=success", p.checkout.SuccessURL)
	assert.Equal(t, "https://app.example.com/pricing", p.checkout.CancelURL)
}

func TestCheckoutReusesExistingCustomer(t *testing.T) {
	s := newFakeBillingStore()
	s.prices["price_pro"] = recurringPrice()
	s.customers[testUserID] = "cus_existing"
	p := &fakeProvider{}
	h := newBillingHandler(s, p)

	rr := httptest.NewRecorder()
	h.Checkout(rr, sessionRequest(http.MethodPost, "/api/billing/checkout",
		`{"price_id":"price_pro","quantity":2,"success_url":"https://app.example.com/thanks"}`))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, p.customersCreated)
	assert.Equal(t, 0, s.created)
	assert.Equal(t, "cus_existing", p.checkout.CustomerID)
	assert.Equal(t, int64(2), p.checkout.Quantity)
	assert.Equal(t, "https://app.example.com/thanks", p.checkout.SuccessURL)
}

func TestCheckoutRejectsBadRequests(t *testing.T) {
	s := newFakeBillingStore()
	s.prices["price_pro"] = recurringPrice()

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing price", `{}`, http.StatusBadRequest},
		{"zero quantity defaults to one", `{"price_id":"price_pro","quantity":0}`, http.StatusOK},
		{"too many seats", `{"price_id":"price_pro","quantity":1000}`, http.StatusBadRequest},
		{"bad url", `{"price_id":"price_pro","success_url":"not a url"}`, http.StatusBadRequest},
		{"foreign success url", `{"price_id":"price_pro","success_url":"https://evil.example.net/account"}`, http.StatusBadRequest},
		{"foreign cancel url", `{"price_id":"price_pro","cancel_url":"http://app.example.com/pricing"}`, http.StatusBadRequest},
		{"unknown field", `{"price_id":"price_pro","coupon":"FREE"}`, http.StatusBadRequest},
		{"unknown price", `{"price_id":"price_gone"}`, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			newBillingHandler(s, &fakeProvider{}).Checkout(rr, sessionRequest(http.MethodPost, "/api/billing/checkout", tt.body))
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
		})
	}
}

func TestCheckoutProviderFailure(t *testing.T) {
	s := newFakeBillingStore()
	s.prices["price_pro"] = recurringPrice()
	h := newBillingHandler(s, &fakeProvider{err: errors.New("stripe down")})

	rr := httptest.NewRecorder()
	h.Checkout(rr, sessionRequest(http.MethodPost, "/api/billing/checkout", `{"price_id":"price_pro"}`))

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Empty(t, s.customers, "no mapping without a provider customer")
}

func TestPortal(t *testing.T) {
	t.Run("without billing account", func(t *testing.T) {
		rr := httptest.NewRecorder()
		newBillingHandler(newFakeBillingStore(), &fakeProvider{}).Portal(rr, sessionRequest(http.MethodPost, "/api/billing/portal", ""))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("with billing account", func(t *testing.T) {
		s := newFakeBillingStore()
		s.customers[testUserID] = "cus_1"
		p := &fakeProvider{}

		rr := httptest.NewRecorder()
		newBillingHandler(s, p).Portal(rr, sessionRequest(http.MethodPost, "/api/billing/portal", ""))

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.JSONEq(t, `{"url":"https://billing.stripe.com/p/session_1"}`, rr.Body.String())
		assert.Equal(t, "cus_1", p.portalCustomer)
		assert.Equal(t, "https://app.example.com/account", p.portalReturn)
	})

	t.Run("foreign return url", func(t *testing.T) {
		s := newFakeBillingStore()
		s.customers[testUserID] = "cus_1"
		p := &fakeProvider{}

		rr := httptest.NewRecorder()
		newBillingHandler(s, p).Portal(rr, sessionRequest(http.MethodPost, "/api/billing/portal", `{"return_url":"https://evil.example.net/"}`))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.JSONEq(t, `{"error":"return_url must be on https://app.example.com"}`, rr.Body.String())
		assert.Empty(t, p.portalCustomer)
	})
}

func TestSubscriptionWithoutRowIsNull(t *testing.T) {
	rr := httptest.NewRecorder()
	newBillingHandler(newFakeBillingStore(), &fakeProvider{}).Subscription(rr, sessionRequest(http.MethodGet, "/api/billing/subscription", ""))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"subscription": null}`, rr.Body.String())
}

func TestProductsListsPlans(t *testing.T) {
	s := newFakeBillingStore()
	s.plans = []models.Plan{{Product: models.Product{ID: "prod_pro", Name: "Pro", Active: true}, Prices: []models.Price{*recurringPrice()}}}

	rr := httptest.NewRecorder()
	newBillingHandler(s, &fakeProvider{}).Products(rr, httptest.NewRequest(http.MethodGet, "/api/products", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Products []models.Plan `json:"products"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Products, 1)
	assert.Equal(t, "price_pro", body.Products[0].Prices[0].ID)
}
