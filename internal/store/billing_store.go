package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/saas-starter/backend/internal/models"
)

// GetCustomerByStripeID resolves the customer mapping for a provider
// customer id.
func (s *Store) GetCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error) {
	var c models.Customer
	err := s.db.QueryRowContext(ctx, `
SELECT user_id::text, stripe_customer_id, created_at
FROM customers
WHERE stripe_customer_id = $1`, stripeCustomerID).Scan(&c.UserID, &c.StripeCustomerID, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("store: get customer by stripe id: %w", err)
	}
	return &c, nil
}

// GetCustomerByUserID resolves the customer mapping for a local user.
func (s *Store) GetCustomerByUserID(ctx context.Context, userID string) (*models.Customer, error) {
	var c models.Customer
	err := s.db.QueryRowContext(ctx, `
SELECT user_id::text, stripe_customer_id, created_at
FROM customers
WHERE user_id = $1`, userID).Scan(&c.UserID, &c.StripeCustomerID, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("store: get customer by user id: %w", err)
	}
	return &c, nil
}

// CreateCustomer maps userID to stripeCustomerID. Re-creating an identical
// mapping is a no-op; mapping a user or a customer that is already paired
// with someone else returns ErrCustomerConflict.
func (s *Store) CreateCustomer(ctx context.Context, userID, stripeCustomerID string) (*models.Customer, error) {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO customers (user_id, stripe_customer_id)
VALUES ($1, $2)
ON CONFLICT DO NOTHING`, userID, stripeCustomerID); err != nil {
		return nil, fmt.Errorf("store: create customer: %w", err)
	}

	c, err := s.GetCustomerByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCustomerNotFound) {
			return nil, ErrCustomerConflict
		}
		return nil, err
	}
	if c.StripeCustomerID != stripeCustomerID {
		return nil, ErrCustomerConflict
	}
	return c, nil
}

// UpsertSubscription writes the subscription keyed by its provider id. The
// write only applies when the stored last_event_at is not newer than the
// incoming one; the returned bool is false when an older event was ignored.
// A zero LastEventAt always applies and leaves the stored token untouched.
func (s *Store) UpsertSubscription(ctx context.Context, sub *models.Subscription) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO subscriptions (
    id, user_id, stripe_customer_id, status, price_id, quantity, cancel_at_period_end,
    current_period_start, current_period_end, created, cancel_at, canceled_at, ended_at,
    trial_start, trial_end, metadata, last_event_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now())
ON CONFLICT (id) DO UPDATE
SET user_id = EXCLUDED.user_id,
    stripe_customer_id = EXCLUDED.stripe_customer_id,
    status = EXCLUDED.status,
    price_id = EXCLUDED.price_id,
    quantity = EXCLUDED.quantity,
    cancel_at_period_end = EXCLUDED.cancel_at_period_end,
    current_period_start = EXCLUDED.current_period_start,
    current_period_end = EXCLUDED.current_period_end,
    created = EXCLUDED.created,
    cancel_at = EXCLUDED.cancel_at,
    canceled_at = EXCLUDED.canceled_at,
    ended_at = EXCLUDED.ended_at,
    trial_start = EXCLUDED.trial_start,
    trial_end = EXCLUDED.trial_end,
    metadata = EXCLUDED.metadata,
    last_event_at = COALESCE(EXCLUDED.last_event_at, subscriptions.last_event_at),
    updated_at = now()
WHERE EXCLUDED.last_event_at IS NULL
   OR subscriptions.last_event_at IS NULL
   OR subscriptions.last_event_at <= EXCLUDED.last_event_at`,
		sub.ID,
		sub.UserID,
		sub.StripeCustomerID,
		string(sub.Status),
		sub.PriceID,
		sub.Quantity,
		sub.CancelAtPeriodEnd,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.Created,
		sub.CancelAt,
		sub.CanceledAt,
		sub.EndedAt,
		sub.TrialStart,
		sub.TrialEnd,
		sub.Metadata,
		sql.NullTime{Time: sub.LastEventAt, Valid: !sub.LastEventAt.IsZero()},
	)
	if err != nil {
		return false, fmt.Errorf("store: upsert subscription %s: %w", sub.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: upsert subscription rows affected: %w", err)
	}
	return n > 0, nil
}

const subscriptionColumns = `id, user_id::text, stripe_customer_id, status, price_id, quantity,
       cancel_at_period_end, current_period_start, current_period_end, created,
       cancel_at, canceled_at, ended_at, trial_start, trial_end, metadata,
       last_event_at, updated_at`

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		sub         models.Subscription
		status      string
		priceID     sql.NullString
		periodStart sql.NullTime
		periodEnd   sql.NullTime
		cancelAt    sql.NullTime
		canceledAt  sql.NullTime
		endedAt     sql.NullTime
		trialStart  sql.NullTime
		trialEnd    sql.NullTime
		lastEventAt sql.NullTime
	)
	if err := row.Scan(
		&sub.ID, &sub.UserID, &sub.StripeCustomerID, &status, &priceID, &sub.Quantity,
		&sub.CancelAtPeriodEnd, &periodStart, &periodEnd, &sub.Created,
		&cancelAt, &canceledAt, &endedAt, &trialStart, &trialEnd, &sub.Metadata,
		&lastEventAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.Status = models.SubscriptionStatus(status)
	sub.PriceID = nullStringPtr(priceID)
	sub.CurrentPeriodStart = nullTimePtr(periodStart)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	sub.CancelAt = nullTimePtr(cancelAt)
	sub.CanceledAt = nullTimePtr(canceledAt)
	sub.EndedAt = nullTimePtr(endedAt)
	sub.TrialStart = nullTimePtr(trialStart)
	sub.TrialEnd = nullTimePtr(trialEnd)
	if lastEventAt.Valid {
		sub.LastEventAt = lastEventAt.Time
	}
	return &sub, nil
}

// GetSubscription returns the subscription with the given provider id.
func (s *Store) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("store: get subscription: %w", err)
	}
	return sub, nil
}

// GetLatestSubscription returns the user's most relevant subscription:
// entitling statuses first, then the most recently created.
func (s *Store) GetLatestSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE user_id = $1
ORDER BY (status IN ('active', 'trialing')) DESC, created DESC
LIMIT 1`, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("store: get latest subscription: %w", err)
	}
	return sub, nil
}

// RecordPayment stores a payment success once per payment intent. The
// returned bool is false when the intent was already recorded.
func (s *Store) RecordPayment(ctx context.Context, rec *models.PaymentRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO payment_records (id, stripe_payment_intent_id, user_id, stripe_customer_id,
                             amount, currency, status, description, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (stripe_payment_intent_id) DO NOTHING`,
		rec.ID,
		rec.StripePaymentIntentID,
		rec.UserID,
		rec.StripeCustomerID,
		rec.Amount,
		rec.Currency,
		rec.Status,
		rec.Description,
		rec.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("store: record payment %s: %w", rec.StripePaymentIntentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: record payment rows affected: %w", err)
	}
	return n > 0, nil
}

// ListPayments returns the user's payment records, newest first.
func (s *Store) ListPayments(ctx context.Context, userID string, limit int) ([]models.PaymentRecord, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id::text, stripe_payment_intent_id, user_id::text, stripe_customer_id,
       amount, currency, status, description, created_at
FROM payment_records
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list payments: %w", err)
	}
	defer rows.Close()

	payments := []models.PaymentRecord{}
	for rows.Next() {
		var (
			p          models.PaymentRecord
			uid        sql.NullString
			customerID sql.NullString
			desc       sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.StripePaymentIntentID, &uid, &customerID,
			&p.Amount, &p.Currency, &p.Status, &desc, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan payment: %w", err)
		}
		p.UserID = nullStringPtr(uid)
		p.StripeCustomerID = nullStringPtr(customerID)
		p.Description = nullStringPtr(desc)
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate payments: %w", err)
	}

	return payments, nil
}
