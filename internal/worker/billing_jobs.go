package worker

import (
	"context"
	"fmt"

	"github.com/PortNumber53/saas-starter/backend/internal/billing"
	"github.com/PortNumber53/saas-starter/backend/internal/models"
)

// SubscriptionResyncer re-reads one subscription from the provider.
type SubscriptionResyncer interface {
	Resync(ctx context.Context, subscriptionID string) error
}

// CatalogBackfiller copies the provider catalog into the database.
type CatalogBackfiller interface {
	Backfill(ctx context.Context, lister billing.CatalogLister) (billing.BackfillResult, error)
}

// RegisterBillingJobs registers the subscription resync and catalog backfill
// job handlers.
func RegisterBillingJobs(w *Worker, resyncer SubscriptionResyncer, catalog CatalogBackfiller, lister billing.CatalogLister) {
	w.RegisterHandler(models.JobTypeSubscriptionResync, subscriptionResyncHandler(resyncer))
	w.RegisterHandler(models.JobTypeCatalogBackfill, catalogBackfillHandler(w, catalog, lister))

	w.logger.Info().
		Strs("job_types", []string{models.JobTypeSubscriptionResync, models.JobTypeCatalogBackfill}).
		Msg("registered billing job handlers")
}

func subscriptionResyncHandler(resyncer SubscriptionResyncer) Handler {
	return func(ctx context.Context, job *models.Job) error {
		subID := job.Payload.String("subscription_id")
		if subID == "" {
			return fmt.Errorf("missing subscription_id in payload")
		}
		return resyncer.Resync(ctx, subID)
	}
}

func catalogBackfillHandler(w *Worker, catalog CatalogBackfiller, lister billing.CatalogLister) Handler {
	return func(ctx context.Context, job *models.Job) error {
		res, err := catalog.Backfill(ctx, lister)
		if err != nil {
			return err
		}
		w.logger.Info().
			Int64("job_id", job.ID).
			Int("products", res.Products).
			Int("prices", res.Prices).
			Int("skipped", res.Skipped).
			Msg("catalog backfill job finished")
		return nil
	}
}
