package models

import "time"

// PriceType distinguishes one-off prices from recurring ones.
type PriceType string

const (
	PriceTypeOneTime   PriceType = "one_time"
	PriceTypeRecurring PriceType = "recurring"
)

// Product mirrors a product in the billing provider's catalog.
type Product struct {
	ID          string    `json:"id" validate:"required"`
	Active      bool      `json:"active"`
	Name        string    `json:"name" validate:"required"`
	Description *string   `json:"description,omitempty"`
	Image       *string   `json:"image,omitempty"`
	Metadata    JSONB     `json:"metadata"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Price mirrors a price in the billing provider's catalog. Interval is nil
// for one-time prices.
type Price struct {
	ID              string    `json:"id" validate:"required"`
	ProductID       string    `json:"product_id" validate:"required"`
	Active          bool      `json:"active"`
	Description     *string   `json:"description,omitempty"`
	UnitAmount      *int64    `json:"unit_amount,omitempty" validate:"omitempty,gte=0"`
	Currency        string    `json:"currency" validate:"required,len=3"`
	Type            PriceType `json:"type" validate:"required,oneof=one_time recurring"`
	Interval        *string   `json:"interval,omitempty" validate:"omitempty,oneof=day week month year"`
	IntervalCount   *int64    `json:"interval_count,omitempty" validate:"omitempty,gte=1"`
	TrialPeriodDays *int64    `json:"trial_period_days,omitempty" validate:"omitempty,gte=0"`
	Metadata        JSONB     `json:"metadata"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Plan is an active product together with its active prices, as shown on
// the pricing page.
type Plan struct {
	Product
	Prices []Price `json:"prices"`
}
