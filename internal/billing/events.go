package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	stripeapi "github.com/stripe/stripe-go/v83"

	"github.com/PortNumber53/saas-starter/backend/internal/models"
)

// RelevantEvents is the allow-list of event kinds the dispatcher accepts.
var RelevantEvents = []stripeapi.EventType{
	stripeapi.EventTypeProductCreated,
	stripeapi.EventTypeProductUpdated,
	stripeapi.EventTypeProductDeleted,
	stripeapi.EventTypePriceCreated,
	stripeapi.EventTypePriceUpdated,
	stripeapi.EventTypePriceDeleted,
	stripeapi.EventTypeCheckoutSessionCompleted,
	stripeapi.EventTypeCustomerSubscriptionCreated,
	stripeapi.EventTypeCustomerSubscriptionUpdated,
	stripeapi.EventTypeCustomerSubscriptionDeleted,
	stripeapi.EventTypePaymentIntentSucceeded,
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// SubscriptionRef identifies the subscription a subscription event is about.
type SubscriptionRef struct {
	ID         string `validate:"required"`
	CustomerID string `validate:"required"`
}

// CheckoutCompleted is the part of a completed checkout session the
// reconciler needs.
type CheckoutCompleted struct {
	ID             string `validate:"required"`
	Mode           string `validate:"required"`
	SubscriptionID string `validate:"required_if=Mode subscription"`
	CustomerID     string `validate:"required_if=Mode subscription"`
	UserHint       string
}

// PaymentIntent is a succeeded one-time payment.
type PaymentIntent struct {
	ID          string `validate:"required"`
	Amount      int64  `validate:"gte=0"`
	Currency    string `validate:"required,len=3"`
	CustomerID  string
	Description string
}

type deletedObject struct {
	ID string `validate:"required"`
}

func invalidPayload(kind stripeapi.EventType, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
}

func decodeInto(event stripeapi.Event, v interface{}) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return invalidPayload(event.Type, fmt.Errorf("missing data.object"))
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return invalidPayload(event.Type, err)
	}
	return nil
}

func check(kind stripeapi.EventType, v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return invalidPayload(kind, err)
	}
	return nil
}

// DecodeProduct decodes a product.created or product.updated payload.
func DecodeProduct(event stripeapi.Event) (*models.Product, error) {
	var p stripeapi.Product
	if err := decodeInto(event, &p); err != nil {
		return nil, err
	}
	product := productFromStripe(&p)
	if err := check(event.Type, product); err != nil {
		return nil, err
	}
	return product, nil
}

// DecodePrice decodes a price.created or price.updated payload. Recurring
// prices must carry an interval.
func DecodePrice(event stripeapi.Event) (*models.Price, error) {
	var p stripeapi.Price
	if err := decodeInto(event, &p); err != nil {
		return nil, err
	}
	price := priceFromStripe(&p)
	if err := checkPrice(price); err != nil {
		return nil, invalidPayload(event.Type, err)
	}
	return price, nil
}

// DecodeDeletedID decodes the id of a product.deleted or price.deleted
// payload.
func DecodeDeletedID(event stripeapi.Event) (string, error) {
	var obj deletedObject
	if err := decodeInto(event, &obj); err != nil {
		return "", err
	}
	if err := check(event.Type, obj); err != nil {
		return "", err
	}
	return obj.ID, nil
}

// DecodeSubscription decodes a customer.subscription.* payload.
func DecodeSubscription(event stripeapi.Event) (SubscriptionRef, error) {
	var sub stripeapi.Subscription
	if err := decodeInto(event, &sub); err != nil {
		return SubscriptionRef{}, err
	}
	ref := SubscriptionRef{ID: sub.ID}
	if sub.Customer != nil {
		ref.CustomerID = sub.Customer.ID
	}
	if err := check(event.Type, ref); err != nil {
		return SubscriptionRef{}, err
	}
	return ref, nil
}

// DecodeCheckoutSession decodes a checkout.session.completed payload.
func DecodeCheckoutSession(event stripeapi.Event) (CheckoutCompleted, error) {
	var s stripeapi.CheckoutSession
	if err := decodeInto(event, &s); err != nil {
		return CheckoutCompleted{}, err
	}
	out := CheckoutCompleted{
		ID:       s.ID,
		Mode:     string(s.Mode),
		UserHint: s.ClientReferenceID,
	}
	if out.UserHint == "" {
		out.UserHint = s.Metadata["user_id"]
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if err := check(event.Type, out); err != nil {
		return CheckoutCompleted{}, err
	}
	return out, nil
}

// DecodePaymentIntent decodes a payment_intent.succeeded payload.
func DecodePaymentIntent(event stripeapi.Event) (PaymentIntent, error) {
	var pi stripeapi.PaymentIntent
	if err := decodeInto(event, &pi); err != nil {
		return PaymentIntent{}, err
	}
	out := PaymentIntent{
		ID:          pi.ID,
		Amount:      pi.Amount,
		Currency:    string(pi.Currency),
		Description: pi.Description,
	}
	if pi.Customer != nil {
		out.CustomerID = pi.Customer.ID
	}
	if err := check(event.Type, out); err != nil {
		return PaymentIntent{}, err
	}
	return out, nil
}

func productFromStripe(p *stripeapi.Product) *models.Product {
	product := &models.Product{
		ID:       p.ID,
		Active:   p.Active,
		Name:     p.Name,
		Metadata: models.StringMap(p.Metadata),
	}
	if p.Description != "" {
		product.Description = &p.Description
	}
	if len(p.Images) > 0 {
		product.Image = &p.Images[0]
	}
	return product
}

func priceFromStripe(p *stripeapi.Price) *models.Price {
	price := &models.Price{
		ID:       p.ID,
		Active:   p.Active,
		Currency: string(p.Currency),
		Type:     models.PriceType(p.Type),
		Metadata: models.StringMap(p.Metadata),
	}
	if p.Product != nil {
		price.ProductID = p.Product.ID
	}
	if p.Nickname != "" {
		price.Description = &p.Nickname
	}
	if p.BillingScheme != stripeapi.PriceBillingSchemeTiered {
		amount := p.UnitAmount
		price.UnitAmount = &amount
	}
	if p.Recurring != nil {
		interval := string(p.Recurring.Interval)
		price.Interval = &interval
		if p.Recurring.IntervalCount > 0 {
			count := p.Recurring.IntervalCount
			price.IntervalCount = &count
		}
		if p.Recurring.TrialPeriodDays > 0 {
			days := p.Recurring.TrialPeriodDays
			price.TrialPeriodDays = &days
		}
	}
	return price
}

func checkPrice(price *models.Price) error {
	if err := validate.Struct(price); err != nil {
		return err
	}
	if price.Type == models.PriceTypeRecurring && price.Interval == nil {
		return fmt.Errorf("recurring price %s has no interval", price.ID)
	}
	return nil
}

func unixTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func unixPtr(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := unixTime(v)
	return &t
}
