package billing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	stripeapi "github.com/stripe/stripe-go/v83"

	"github.com/PortNumber53/saas-starter/backend/internal/models"
	"github.com/PortNumber53/saas-starter/backend/internal/store"
)

// memStore is an in-memory stand-in for *store.Store with the same
// idempotence and ordering rules as the SQL.
type memStore struct {
	mu            sync.Mutex
	users         map[string]*models.User
	customers     map[string]*models.Customer // by stripe id
	products      map[string]models.Product
	prices        map[string]models.Price
	subscriptions map[string]models.Subscription
	payments      map[string]models.PaymentRecord
	writes        int
}

func newMemStore() *memStore {
	return &memStore{
		users:         map[string]*models.User{},
		customers:     map[string]*models.Customer{},
		products:      map[string]models.Product{},
		prices:        map[string]models.Price{},
		subscriptions: map[string]models.Subscription{},
		payments:      map[string]models.PaymentRecord{},
	}
}

func (m *memStore) addUser(id, email string, role models.Role) {
	e := email
	m.users[id] = &models.User{ID: id, Email: &e, Role: role}
}

func (m *memStore) UpsertProduct(_ context.Context, p *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.products[p.ID] = *p
	return nil
}

func (m *memStore) DeleteProduct(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	_, ok := m.products[id]
	delete(m.products, id)
	for pid, price := range m.prices {
		if price.ProductID == id {
			delete(m.prices, pid)
		}
	}
	return ok, nil
}

func (m *memStore) UpsertPrice(_ context.Context, p *models.Price) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if _, ok := m.products[p.ProductID]; !ok {
		return errors.New("violates foreign key constraint prices_product_id_fkey")
	}
	m.prices[p.ID] = *p
	return nil
}

func (m *memStore) DeletePrice(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	_, ok := m.prices[id]
	delete(m.prices, id)
	return ok, nil
}

func (m *memStore) GetCustomerByStripeID(_ context.Context, id string) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, store.ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) CreateCustomer(_ context.Context, userID, stripeCustomerID string) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	for _, c := range m.customers {
		if c.UserID == userID {
			if c.StripeCustomerID != stripeCustomerID {
				return nil, store.ErrCustomerConflict
			}
			cp := *c
			return &cp, nil
		}
	}
	c := &models.Customer{UserID: userID, StripeCustomerID: stripeCustomerID}
	m.customers[stripeCustomerID] = c
	cp := *c
	return &cp, nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email != nil && strings.EqualFold(*u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrUserNotFound
}

func (m *memStore) UpsertSubscription(_ context.Context, sub *models.Subscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	existing, ok := m.subscriptions[sub.ID]
	if ok && !sub.LastEventAt.IsZero() && existing.LastEventAt.After(sub.LastEventAt) {
		return false, nil
	}
	row := *sub
	if ok && row.LastEventAt.IsZero() {
		row.LastEventAt = existing.LastEventAt
	}
	m.subscriptions[sub.ID] = row
	return true, nil
}

// GetLatestSubscription orders like the SQL: entitling statuses first, then
// the most recently created.
func (m *memStore) GetLatestSubscription(_ context.Context, userID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entitling := func(s models.Subscription) bool {
		return s.Status == models.SubscriptionActive || s.Status == models.SubscriptionTrialing
	}
	var best *models.Subscription
	for _, sub := range m.subscriptions {
		if sub.UserID != userID {
			continue
		}
		sub := sub
		switch {
		case best == nil:
			best = &sub
		case entitling(sub) != entitling(*best):
			if entitling(sub) {
				best = &sub
			}
		case sub.Created.After(best.Created):
			best = &sub
		}
	}
	if best == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	return best, nil
}

func (m *memStore) UpdateUserRole(_ context.Context, userID string, role models.Role) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	u, ok := m.users[userID]
	if !ok || u.Role == role || u.Role == models.RoleAdmin {
		return false, nil
	}
	u.Role = role
	return true, nil
}

func (m *memStore) RecordPayment(_ context.Context, rec *models.PaymentRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if _, ok := m.payments[rec.StripePaymentIntentID]; ok {
		return false, nil
	}
	m.payments[rec.StripePaymentIntentID] = *rec
	return true, nil
}

func (m *memStore) role(userID string) models.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID].Role
}

// fakeStripe serves subscriptions and catalog listings from memory.
type fakeStripe struct {
	subs     map[string]*stripeapi.Subscription
	products []*stripeapi.Product
	prices   []*stripeapi.Price
	err      error
	calls    int
}

func (f *fakeStripe) RetrieveSubscription(_ context.Context, id string) (*stripeapi.Subscription, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, &stripeapi.Error{HTTPStatusCode: 404, Msg: "No such subscription: " + id}
	}
	return sub, nil
}

func (f *fakeStripe) ListProducts(context.Context) ([]*stripeapi.Product, error) {
	return f.products, f.err
}

func (f *fakeStripe) ListPrices(context.Context) ([]*stripeapi.Price, error) {
	return f.prices, f.err
}

type recordingMetrics struct {
	mu          sync.Mutex
	outcomes    []string
	roleChanges []string
	stale       int
}

func (r *recordingMetrics) ObserveEvent(_ string, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingMetrics) RecordRoleChange(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roleChanges = append(r.roleChanges, role)
}

func (r *recordingMetrics) RecordStaleEvent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale++
}

type harness struct {
	metrics    *recordingMetrics
	store      *memStore
	stripe     *fakeStripe
	dispatcher *Dispatcher
	reconciler *Reconciler
	catalog    *CatalogSync
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := newMemStore()
	sc := &fakeStripe{subs: map[string]*stripeapi.Subscription{}}
	metrics := &recordingMetrics{}
	logger := zerolog.Nop()

	catalog := NewCatalogSync(st, logger)
	reconciler := NewReconciler(st, sc, metrics, logger)
	payments := NewPaymentRecorder(st, logger)
	return &harness{
		metrics:    metrics,
		store:      st,
		stripe:     sc,
		catalog:    catalog,
		reconciler: reconciler,
		dispatcher: NewDispatcher(catalog, reconciler, payments, metrics, logger),
	}
}

func newEvent(t *testing.T, kind stripeapi.EventType, created int64, object interface{}) stripeapi.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return stripeapi.Event{
		ID:      "evt_" + strings.ReplaceAll(string(kind), ".", "_"),
		Type:    kind,
		Created: created,
		Data:    &stripeapi.EventData{Raw: raw},
	}
}

func providerSubscription(id, customerID string, status stripeapi.SubscriptionStatus) *stripeapi.Subscription {
	return &stripeapi.Subscription{
		ID:       id,
		Status:   status,
		Customer: &stripeapi.Customer{ID: customerID},
		Created:  1700000000,
		Items: &stripeapi.SubscriptionItemList{
			Data: []*stripeapi.SubscriptionItem{{
				Price:              &stripeapi.Price{ID: "price_month"},
				Quantity:           1,
				CurrentPeriodStart: 1700000000,
				CurrentPeriodEnd:   1702592000,
			}},
		},
	}
}
