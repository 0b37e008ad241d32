package models

import "time"

// SubscriptionStatus mirrors the billing provider's subscription status enum.
type SubscriptionStatus string

const (
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionPaused            SubscriptionStatus = "paused"
)

// Customer maps a local user to the billing provider's customer id.
type Customer struct {
	UserID           string    `json:"user_id"`
	StripeCustomerID string    `json:"stripe_customer_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// Subscription is the local mirror of a provider subscription. Rows are
// never deleted; cancellation is a status change.
type Subscription struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	StripeCustomerID   string             `json:"stripe_customer_id"`
	Status             SubscriptionStatus `json:"status"`
	PriceID            *string            `json:"price_id,omitempty"`
	Quantity           int64              `json:"quantity"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	CurrentPeriodStart *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"current_period_end,omitempty"`
	Created            time.Time          `json:"created"`
	CancelAt           *time.Time         `json:"cancel_at,omitempty"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	EndedAt            *time.Time         `json:"ended_at,omitempty"`
	TrialStart         *time.Time         `json:"trial_start,omitempty"`
	TrialEnd           *time.Time         `json:"trial_end,omitempty"`
	Metadata           JSONB              `json:"metadata"`
	// LastEventAt is the creation time of the newest provider event applied
	// to this row.
	LastEventAt time.Time `json:"-"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const PaymentStatusSucceeded = "succeeded"

// PaymentRecord is a one-time payment success, unique per payment intent.
type PaymentRecord struct {
	ID                    string    `json:"id"`
	StripePaymentIntentID string    `json:"stripe_payment_intent_id"`
	UserID                *string   `json:"user_id,omitempty"`
	StripeCustomerID      *string   `json:"stripe_customer_id,omitempty"`
	Amount                int64     `json:"amount"`
	Currency              string    `json:"currency"`
	Status                string    `json:"status"`
	Description           *string   `json:"description,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

// CheckoutRequest is the body accepted by the checkout endpoint.
type CheckoutRequest struct {
	PriceID    string `json:"price_id" validate:"required"`
	Quantity   int64  `json:"quantity,omitempty" validate:"omitempty,min=1,max=100"`
	SuccessURL string `json:"success_url,omitempty" validate:"omitempty,url"`
	CancelURL  string `json:"cancel_url,omitempty" validate:"omitempty,url"`
}

// CheckoutResponse carries the hosted checkout session the frontend
// redirects to.
type CheckoutResponse struct {
	SessionID  string `json:"session_id"`
	SessionURL string `json:"session_url"`
}

// PortalRequest is the body accepted by the billing portal endpoint.
type PortalRequest struct {
	ReturnURL string `json:"return_url,omitempty" validate:"omitempty,url"`
}
