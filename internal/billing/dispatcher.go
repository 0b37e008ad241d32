package billing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v83"
)

// Dispatcher routes verified events to the catalog, reconcile and payment
// handlers.
type Dispatcher struct {
	catalog    *CatalogSync
	reconciler *Reconciler
	payments   *PaymentRecorder
	relevant   map[stripeapi.EventType]struct{}
	metrics    Metrics
	logger     zerolog.Logger
}

// NewDispatcher creates a Dispatcher over the allow-list in RelevantEvents.
func NewDispatcher(catalog *CatalogSync, reconciler *Reconciler, payments *PaymentRecorder, metrics Metrics, logger zerolog.Logger) *Dispatcher {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	relevant := make(map[stripeapi.EventType]struct{}, len(RelevantEvents))
	for _, t := range RelevantEvents {
		relevant[t] = struct{}{}
	}
	return &Dispatcher{
		catalog:    catalog,
		reconciler: reconciler,
		payments:   payments,
		relevant:   relevant,
		metrics:    metrics,
		logger:     logger,
	}
}

// IsRelevant reports whether the kind is on the allow-list.
func (d *Dispatcher) IsRelevant(t stripeapi.EventType) bool {
	_, ok := d.relevant[t]
	return ok
}

// Dispatch handles one event synchronously. It returns
// *UnsupportedEventError, ErrInvalidPayload, *HandlerError or
// *InternalConsistencyFault; nil means the event was applied or
// deliberately ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, event stripeapi.Event) error {
	start := time.Now()
	kind := string(event.Type)
	log := d.logger.With().Str("event_id", event.ID).Str("event_type", kind).Logger()

	if !d.IsRelevant(event.Type) {
		d.metrics.ObserveEvent(kind, OutcomeUnsupported, time.Since(start))
		log.Warn().Msg("unsupported event type")
		return &UnsupportedEventError{Type: kind}
	}

	ignored, err := d.route(ctx, event, log)

	var fault *InternalConsistencyFault
	switch {
	case err == nil && ignored:
		d.metrics.ObserveEvent(kind, OutcomeIgnored, time.Since(start))
		return nil
	case err == nil:
		d.metrics.ObserveEvent(kind, OutcomeProcessed, time.Since(start))
		return nil
	case errors.As(err, &fault):
		d.metrics.ObserveEvent(kind, OutcomeFault, time.Since(start))
		log.Error().Str("fault", "internal_consistency").Msg("relevant event has no handler")
		return err
	case errors.Is(err, ErrInvalidPayload):
		d.metrics.ObserveEvent(kind, OutcomeInvalid, time.Since(start))
		log.Warn().Err(err).Msg("event payload rejected")
		return err
	default:
		d.metrics.ObserveEvent(kind, OutcomeFailed, time.Since(start))
		log.Error().Err(err).Msg("event handler failed")
		return &HandlerError{Type: kind, Err: err}
	}
}

// route decodes the payload and runs the handler for its kind. ignored is
// true when the event was valid but needed no write.
func (d *Dispatcher) route(ctx context.Context, event stripeapi.Event, log zerolog.Logger) (ignored bool, err error) {
	switch event.Type {
	case stripeapi.EventTypeProductCreated, stripeapi.EventTypeProductUpdated:
		p, err := DecodeProduct(event)
		if err != nil {
			return false, err
		}
		return false, d.catalog.UpsertProduct(ctx, p)

	case stripeapi.EventTypePriceCreated, stripeapi.EventTypePriceUpdated:
		p, err := DecodePrice(event)
		if err != nil {
			return false, err
		}
		return false, d.catalog.UpsertPrice(ctx, p)

	case stripeapi.EventTypeProductDeleted:
		id, err := DecodeDeletedID(event)
		if err != nil {
			return false, err
		}
		return false, d.catalog.DeleteProduct(ctx, id)

	case stripeapi.EventTypePriceDeleted:
		id, err := DecodeDeletedID(event)
		if err != nil {
			return false, err
		}
		return false, d.catalog.DeletePrice(ctx, id)

	case stripeapi.EventTypeCustomerSubscriptionCreated,
		stripeapi.EventTypeCustomerSubscriptionUpdated,
		stripeapi.EventTypeCustomerSubscriptionDeleted:
		ref, err := DecodeSubscription(event)
		if err != nil {
			return false, err
		}
		return false, d.reconciler.Reconcile(ctx, ReconcileRequest{
			SubscriptionID: ref.ID,
			CustomerID:     ref.CustomerID,
			IsNew:          event.Type == stripeapi.EventTypeCustomerSubscriptionCreated,
			EventCreated:   unixTime(event.Created),
		})

	case stripeapi.EventTypeCheckoutSessionCompleted:
		session, err := DecodeCheckoutSession(event)
		if err != nil {
			return false, err
		}
		if session.Mode != string(stripeapi.CheckoutSessionModeSubscription) {
			log.Info().Str("mode", session.Mode).Str("session_id", session.ID).Msg("checkout session ignored")
			return true, nil
		}
		return false, d.reconciler.Reconcile(ctx, ReconcileRequest{
			SubscriptionID: session.SubscriptionID,
			CustomerID:     session.CustomerID,
			IsNew:          true,
			UserHint:       session.UserHint,
			EventCreated:   unixTime(event.Created),
		})

	case stripeapi.EventTypePaymentIntentSucceeded:
		pi, err := DecodePaymentIntent(event)
		if err != nil {
			return false, err
		}
		return false, d.payments.RecordPaymentSuccess(ctx, pi)

	default:
		return false, &InternalConsistencyFault{Type: string(event.Type)}
	}
}
