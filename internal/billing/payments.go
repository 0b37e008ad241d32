package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/saas-starter/backend/internal/models"
	"github.com/PortNumber53/saas-starter/backend/internal/store"
)

// PaymentStore persists payment successes.
type PaymentStore interface {
	GetCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error)
	RecordPayment(ctx context.Context, rec *models.PaymentRecord) (bool, error)
}

// PaymentRecorder records one-time payment successes.
type PaymentRecorder struct {
	store  PaymentStore
	logger zerolog.Logger
}

// NewPaymentRecorder creates a PaymentRecorder.
func NewPaymentRecorder(store PaymentStore, logger zerolog.Logger) *PaymentRecorder {
	return &PaymentRecorder{store: store, logger: logger}
}

// RecordPaymentSuccess writes a succeeded record for the intent. A second
// delivery for the same intent writes nothing. The user stays empty when
// the customer is not mapped.
func (p *PaymentRecorder) RecordPaymentSuccess(ctx context.Context, pi PaymentIntent) error {
	rec := &models.PaymentRecord{
		StripePaymentIntentID: pi.ID,
		Amount:                pi.Amount,
		Currency:              strings.ToLower(pi.Currency),
		Status:                models.PaymentStatusSucceeded,
	}
	if pi.Description != "" {
		desc := pi.Description
		rec.Description = &desc
	}

	if pi.CustomerID != "" {
		customerID := pi.CustomerID
		rec.StripeCustomerID = &customerID

		customer, err := p.store.GetCustomerByStripeID(ctx, customerID)
		switch {
		case err == nil:
			rec.UserID = &customer.UserID
		case errors.Is(err, store.ErrCustomerNotFound):
		default:
			return err
		}
	}

	inserted, err := p.store.RecordPayment(ctx, rec)
	if err != nil {
		return err
	}
	p.logger.Info().
		Str("payment_intent_id", pi.ID).
		Int64("amount", pi.Amount).
		Str("currency", rec.Currency).
		Bool("inserted", inserted).
		Msg("payment success recorded")
	return nil
}
