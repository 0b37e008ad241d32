package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrWebhookSecretMissing means no signing secret is configured or the
	// delivery carried no signature header. Nothing is verified.
	ErrWebhookSecretMissing = errors.New("billing: webhook secret not found")
	// ErrInvalidPayload is returned when an event payload does not decode
	// into the shape its kind requires.
	ErrInvalidPayload = errors.New("billing: invalid event payload")
	// ErrUnknownCustomer is returned when a provider customer has no local
	// user and none can be resolved.
	ErrUnknownCustomer = errors.New("billing: unknown customer")
	// ErrCustomerConflict is returned when the resolved user is already
	// mapped to another provider customer.
	ErrCustomerConflict = errors.New("billing: user already mapped to another customer")
)

// AuthenticationError wraps a signature verification failure.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("billing: signature verification failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// UnsupportedEventError is returned for a verified event whose kind is not
// on the allow-list.
type UnsupportedEventError struct {
	Type string
}

func (e *UnsupportedEventError) Error() string {
	return fmt.Sprintf("Unsupported event type: %s", e.Type)
}

// HandlerError wraps a failure inside a catalog, reconcile or payment
// handler. The provider redelivers the event.
type HandlerError struct {
	Type string
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("billing: %s handler: %v", e.Type, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// InternalConsistencyFault is returned when an allow-listed kind has no
// routing case. It is a programming error, not a provider problem.
type InternalConsistencyFault struct {
	Type string
}

func (e *InternalConsistencyFault) Error() string {
	return fmt.Sprintf("billing: unhandled relevant event: %s", e.Type)
}
