package billing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v83"

	"github.com/PortNumber53/saas-starter/backend/internal/models"
)

// CatalogStore persists the product and price mirror.
type CatalogStore interface {
	UpsertProduct(ctx context.Context, p *models.Product) error
	DeleteProduct(ctx context.Context, id string) (bool, error)
	UpsertPrice(ctx context.Context, p *models.Price) error
	DeletePrice(ctx context.Context, id string) (bool, error)
}

// CatalogLister lists the provider's full catalog.
type CatalogLister interface {
	ListProducts(ctx context.Context) ([]*stripeapi.Product, error)
	ListPrices(ctx context.Context) ([]*stripeapi.Price, error)
}

// CatalogSync mirrors products and prices into the database. Every
// operation is idempotent.
type CatalogSync struct {
	store  CatalogStore
	logger zerolog.Logger
}

// NewCatalogSync creates a CatalogSync.
func NewCatalogSync(store CatalogStore, logger zerolog.Logger) *CatalogSync {
	return &CatalogSync{store: store, logger: logger}
}

// UpsertProduct writes the product keyed by its provider id.
func (c *CatalogSync) UpsertProduct(ctx context.Context, p *models.Product) error {
	if err := c.store.UpsertProduct(ctx, p); err != nil {
		return err
	}
	c.logger.Info().Str("product_id", p.ID).Bool("active", p.Active).Msg("product upserted")
	return nil
}

// UpsertPrice writes the price. Its product must already be stored.
func (c *CatalogSync) UpsertPrice(ctx context.Context, p *models.Price) error {
	if err := c.store.UpsertPrice(ctx, p); err != nil {
		return err
	}
	c.logger.Info().Str("price_id", p.ID).Str("product_id", p.ProductID).Bool("active", p.Active).Msg("price upserted")
	return nil
}

// DeleteProduct removes a product. An unknown id is a no-op.
func (c *CatalogSync) DeleteProduct(ctx context.Context, id string) error {
	deleted, err := c.store.DeleteProduct(ctx, id)
	if err != nil {
		return err
	}
	c.logger.Info().Str("product_id", id).Bool("existed", deleted).Msg("product deleted")
	return nil
}

// DeletePrice removes a price. An unknown id is a no-op.
func (c *CatalogSync) DeletePrice(ctx context.Context, id string) error {
	deleted, err := c.store.DeletePrice(ctx, id)
	if err != nil {
		return err
	}
	c.logger.Info().Str("price_id", id).Bool("existed", deleted).Msg("price deleted")
	return nil
}

// BackfillResult counts what a Backfill wrote.
type BackfillResult struct {
	Products int `json:"products"`
	Prices   int `json:"prices"`
	Skipped  int `json:"skipped"`
}

// Backfill copies the provider's whole catalog. Products go first so every
// price finds its product row. Objects that fail validation are skipped.
func (c *CatalogSync) Backfill(ctx context.Context, lister CatalogLister) (BackfillResult, error) {
	var res BackfillResult

	products, err := lister.ListProducts(ctx)
	if err != nil {
		return res, fmt.Errorf("billing: backfill products: %w", err)
	}
	for _, sp := range products {
		p := productFromStripe(sp)
		if err := validate.Struct(p); err != nil {
			c.logger.Warn().Err(err).Str("product_id", sp.ID).Msg("backfill: skipping invalid product")
			res.Skipped++
			continue
		}
		if err := c.store.UpsertProduct(ctx, p); err != nil {
			return res, err
		}
		res.Products++
	}

	prices, err := lister.ListPrices(ctx)
	if err != nil {
		return res, fmt.Errorf("billing: backfill prices: %w", err)
	}
	for _, sp := range prices {
		p := priceFromStripe(sp)
		if err := checkPrice(p); err != nil {
			c.logger.Warn().Err(err).Str("price_id", sp.ID).Msg("backfill: skipping invalid price")
			res.Skipped++
			continue
		}
		if err := c.store.UpsertPrice(ctx, p); err != nil {
			return res, err
		}
		res.Prices++
	}

	c.logger.Info().
		Int("products", res.Products).
		Int("prices", res.Prices).
		Int("skipped", res.Skipped).
		Msg("catalog backfill complete")
	return res, nil
}
