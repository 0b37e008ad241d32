package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/saas-starter/backend/internal/models"
)

// UpsertProduct inserts or replaces the product keyed by its provider id.
func (s *Store) UpsertProduct(ctx context.Context, p *models.Product) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO products (id, active, name, description, image, metadata, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (id) DO UPDATE
SET active = EXCLUDED.active,
    name = EXCLUDED.name,
    description = EXCLUDED.description,
    image = EXCLUDED.image,
    metadata = EXCLUDED.metadata,
    updated_at = now()`,
		p.ID,
		p.Active,
		p.Name,
		p.Description,
		p.Image,
		p.Metadata,
	)
	if err != nil {
		return fmt.Errorf("store: upsert product %s: %w", p.ID, err)
	}
	return nil
}

// DeleteProduct removes the product and reports whether a row existed.
// Deleting an unknown product is not an error.
func (s *Store) DeleteProduct(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("store: delete product %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertPrice inserts or replaces the price keyed by its provider id.
func (s *Store) UpsertPrice(ctx context.Context, p *models.Price) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO prices (id, product_id, active, description, unit_amount, currency, type,
                    interval, interval_count, trial_period_days, metadata, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
ON CONFLICT (id) DO UPDATE
SET product_id = EXCLUDED.product_id,
    active = EXCLUDED.active,
    description = EXCLUDED.description,
    unit_amount = EXCLUDED.unit_amount,
    currency = EXCLUDED.currency,
    type = EXCLUDED.type,
    interval = EXCLUDED.interval,
    interval_count = EXCLUDED.interval_count,
    trial_period_days = EXCLUDED.trial_period_days,
    metadata = EXCLUDED.metadata,
    updated_at = now()`,
		p.ID,
		p.ProductID,
		p.Active,
		p.Description,
		p.UnitAmount,
		p.Currency,
		string(p.Type),
		p.Interval,
		p.IntervalCount,
		p.TrialPeriodDays,
		p.Metadata,
	)
	if err != nil {
		return fmt.Errorf("store: upsert price %s: %w", p.ID, err)
	}
	return nil
}

// DeletePrice removes the price and reports whether a row existed.
func (s *Store) DeletePrice(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM prices WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("store: delete price %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetPrice returns an active price or ErrPriceNotFound.
func (s *Store) GetPrice(ctx context.Context, id string) (*models.Price, error) {
	var (
		p             models.Price
		desc          sql.NullString
		unitAmount    sql.NullInt64
		priceType     string
		interval      sql.NullString
		intervalCount sql.NullInt64
		trialDays     sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, product_id, active, description, unit_amount, currency, type,
       interval, interval_count, trial_period_days, metadata, updated_at
FROM prices
WHERE id = $1 AND active`, id).Scan(
		&p.ID, &p.ProductID, &p.Active, &desc, &unitAmount, &p.Currency, &priceType,
		&interval, &intervalCount, &trialDays, &p.Metadata, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPriceNotFound
		}
		return nil, fmt.Errorf("store: get price %s: %w", id, err)
	}
	p.Description = nullStringPtr(desc)
	p.UnitAmount = nullInt64Ptr(unitAmount)
	p.Type = models.PriceType(priceType)
	p.Interval = nullStringPtr(interval)
	p.IntervalCount = nullInt64Ptr(intervalCount)
	p.TrialPeriodDays = nullInt64Ptr(trialDays)
	return &p, nil
}

// ListPlans returns active products with their active prices, cheapest
// first. Products without an active price are still listed.
func (s *Store) ListPlans(ctx context.Context) ([]models.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT p.id, p.name, p.description, p.image, p.metadata, p.updated_at,
       pr.id, pr.description, pr.unit_amount, pr.currency, pr.type,
       pr.interval, pr.interval_count, pr.trial_period_days, pr.metadata
FROM products p
LEFT JOIN prices pr ON pr.product_id = p.id AND pr.active
WHERE p.active
ORDER BY p.name ASC, p.id ASC, pr.unit_amount ASC NULLS LAST`)
	if err != nil {
		return nil, fmt.Errorf("store: list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.Plan
	index := map[string]int{}
	for rows.Next() {
		var (
			product       models.Product
			productDesc   sql.NullString
			productImage  sql.NullString
			priceID       sql.NullString
			priceDesc     sql.NullString
			unitAmount    sql.NullInt64
			currency      sql.NullString
			priceType     sql.NullString
			interval      sql.NullString
			intervalCount sql.NullInt64
			trialDays     sql.NullInt64
			priceMeta     models.JSONB
		)
		if err := rows.Scan(
			&product.ID, &product.Name, &productDesc, &productImage, &product.Metadata, &product.UpdatedAt,
			&priceID, &priceDesc, &unitAmount, &currency, &priceType,
			&interval, &intervalCount, &trialDays, &priceMeta,
		); err != nil {
			return nil, fmt.Errorf("store: scan plan: %w", err)
		}

		i, ok := index[product.ID]
		if !ok {
			product.Active = true
			product.Description = nullStringPtr(productDesc)
			product.Image = nullStringPtr(productImage)
			plans = append(plans, models.Plan{Product: product, Prices: []models.Price{}})
			i = len(plans) - 1
			index[product.ID] = i
		}

		if priceID.Valid {
			plans[i].Prices = append(plans[i].Prices, models.Price{
				ID:              priceID.String,
				ProductID:       product.ID,
				Active:          true,
				Description:     nullStringPtr(priceDesc),
				UnitAmount:      nullInt64Ptr(unitAmount),
				Currency:        currency.String,
				Type:            models.PriceType(priceType.String),
				Interval:        nullStringPtr(interval),
				IntervalCount:   nullInt64Ptr(intervalCount),
				TrialPeriodDays: nullInt64Ptr(trialDays),
				Metadata:        priceMeta,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate plans: %w", err)
	}

	return plans, nil
}
