// Package stripe wraps the stripe-go client with the handful of calls the
// billing backend makes, recording latency and outcome for each one.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v83"
)

// APIRecorder receives one observation per outbound provider call.
type APIRecorder interface {
	RecordAPICall(endpoint, status string, duration time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordAPICall(string, string, time.Duration) {}

// Client is a thin, instrumented facade over stripe-go.
type Client struct {
	sc      *stripeapi.Client
	metrics APIRecorder
	logger  zerolog.Logger
}

type options struct {
	metrics  APIRecorder
	logger   zerolog.Logger
	backends *stripeapi.Backends
}

// Option configures a Client.
type Option func(*options)

// WithMetrics records every API call on r.
func WithMetrics(r APIRecorder) Option {
	return func(o *options) {
		if r != nil {
			o.metrics = r
		}
	}
}

// WithLogger sets the logger used for call diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithBaseURL points the client at a different API host, such as
// stripe-mock or a test server. Network retries are disabled.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.backends = stripeapi.NewBackendsWithConfig(&stripeapi.BackendConfig{
			URL:               stripeapi.String(url),
			MaxNetworkRetries: stripeapi.Int64(0),
			LeveledLogger:     &stripeapi.LeveledLogger{Level: stripeapi.LevelNull},
		})
	}
}

// NewClient builds a Client for the given secret key.
func NewClient(secretKey string, opts ...Option) (*Client, error) {
	if secretKey == "" {
		return nil, errors.New("stripe: secret key is required")
	}

	o := options{metrics: noopRecorder{}, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	var clientOpts []stripeapi.ClientOption
	if o.backends != nil {
		clientOpts = append(clientOpts, stripeapi.WithBackends(o.backends))
	}

	return &Client{
		sc:      stripeapi.NewClient(secretKey, clientOpts...),
		metrics: o.metrics,
		logger:  o.logger,
	}, nil
}

func (c *Client) observe(endpoint string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		var apiErr *stripeapi.Error
		if errors.As(err, &apiErr) {
			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("http_status", apiErr.HTTPStatusCode).
				Str("code", string(apiErr.Code)).
				Str("request_id", apiErr.RequestID).
				Msg("stripe: api call failed")
		}
	}
	c.metrics.RecordAPICall(endpoint, status, time.Since(start))
}

// RetrieveSubscription fetches the authoritative subscription with its
// customer expanded.
func (c *Client) RetrieveSubscription(ctx context.Context, id string) (*stripeapi.Subscription, error) {
	start := time.Now()
	params := &stripeapi.SubscriptionRetrieveParams{}
	params.AddExpand("customer")

	sub, err := c.sc.V1Subscriptions.Retrieve(ctx, id, params)
	c.observe("subscriptions.retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("stripe: retrieve subscription %s: %w", id, err)
	}
	return sub, nil
}

// CreateCustomer creates a provider customer tagged with the local user id
// and returns its id.
func (c *Client) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	start := time.Now()
	params := &stripeapi.CustomerCreateParams{}
	if email != "" {
		params.Email = stripeapi.String(email)
	}
	params.AddMetadata("user_id", userID)

	cust, err := c.sc.V1Customers.Create(ctx, params)
	c.observe("customers.create", start, err)
	if err != nil {
		return "", fmt.Errorf("stripe: create customer for user %s: %w", userID, err)
	}
	return cust.ID, nil
}

// CheckoutParams describes a hosted checkout for one price.
type CheckoutParams struct {
	CustomerID      string
	UserID          string
	PriceID         string
	Quantity        int64
	Recurring       bool
	TrialPeriodDays int64
	SuccessURL      string
	CancelURL       string
}

// CreateCheckoutSession starts a hosted checkout. Recurring prices open a
// subscription-mode session, one-time prices a payment-mode session.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*stripeapi.CheckoutSession, error) {
	start := time.Now()
	quantity := p.Quantity
	if quantity < 1 {
		quantity = 1
	}

	params := &stripeapi.CheckoutSessionCreateParams{
		LineItems: []*stripeapi.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripeapi.String(p.PriceID),
				Quantity: stripeapi.Int64(quantity),
			},
		},
		Customer:            stripeapi.String(p.CustomerID),
		ClientReferenceID:   stripeapi.String(p.UserID),
		SuccessURL:          stripeapi.String(p.SuccessURL),
		CancelURL:           stripeapi.String(p.CancelURL),
		AllowPromotionCodes: stripeapi.Bool(true),
	}
	params.AddMetadata("user_id", p.UserID)

	if p.Recurring {
		params.Mode = stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripeapi.CheckoutSessionCreateSubscriptionDataParams{}
		params.SubscriptionData.AddMetadata("user_id", p.UserID)
		if p.TrialPeriodDays > 0 {
			params.SubscriptionData.TrialPeriodDays = stripeapi.Int64(p.TrialPeriodDays)
		}
	} else {
		params.Mode = stripeapi.String(string(stripeapi.CheckoutSessionModePayment))
		params.PaymentIntentData = &stripeapi.CheckoutSessionCreatePaymentIntentDataParams{}
		params.PaymentIntentData.AddMetadata("user_id", p.UserID)
	}

	session, err := c.sc.V1CheckoutSessions.Create(ctx, params)
	c.observe("checkout_sessions.create", start, err)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return session, nil
}

// CreatePortalSession returns the URL of a customer billing portal session.
func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	start := time.Now()
	session, err := c.sc.V1BillingPortalSessions.Create(ctx, &stripeapi.BillingPortalSessionCreateParams{
		Customer:  stripeapi.String(customerID),
		ReturnURL: stripeapi.String(returnURL),
	})
	c.observe("billing_portal_sessions.create", start, err)
	if err != nil {
		return "", fmt.Errorf("stripe: create portal session: %w", err)
	}
	return session.URL, nil
}

// ListProducts pages through every product in the account.
func (c *Client) ListProducts(ctx context.Context) ([]*stripeapi.Product, error) {
	start := time.Now()
	params := &stripeapi.ProductListParams{}
	params.Limit = stripeapi.Int64(100)

	var products []*stripeapi.Product
	var err error
	for p, iterErr := range c.sc.V1Products.List(ctx, params) {
		if iterErr != nil {
			err = iterErr
			break
		}
		products = append(products, p)
	}
	c.observe("products.list", start, err)
	if err != nil {
		return nil, fmt.Errorf("stripe: list products: %w", err)
	}
	return products, nil
}

// ListPrices pages through every price in the account.
func (c *Client) ListPrices(ctx context.Context) ([]*stripeapi.Price, error) {
	start := time.Now()
	params := &stripeapi.PriceListParams{}
	params.Limit = stripeapi.Int64(100)

	var prices []*stripeapi.Price
	var err error
	for p, iterErr := range c.sc.V1Prices.List(ctx, params) {
		if iterErr != nil {
			err = iterErr
			break
		}
		prices = append(prices, p)
	}
	c.observe("prices.list", start, err)
	if err != nil {
		return nil, fmt.Errorf("stripe: list prices: %w", err)
	}
	return prices, nil
}
