package billing

import (
	"time"

	stripeapi "github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"
)

// DefaultTolerance is the signature timestamp tolerance used when none is
// configured.
const DefaultTolerance = 5 * time.Minute

// Verifier authenticates inbound webhook deliveries.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a Verifier. An empty secret is allowed; every
// delivery is then rejected with ErrWebhookSecretMissing.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify checks the Stripe-Signature header against the raw payload and
// decodes the event envelope.
func (v *Verifier) Verify(payload []byte, signature string) (stripeapi.Event, error) {
	if v.secret == "" || signature == "" {
		return stripeapi.Event{}, ErrWebhookSecretMissing
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripeapi.Event{}, &AuthenticationError{Err: err}
	}
	return event, nil
}
