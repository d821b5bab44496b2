// Package feed delivers database change events for callback requests and
// keeps the subscription alive across transient failures.
package feed

import (
	"context"

	"github.com/mkraev/switchboard/internal/models"
)

// StatusCode classifies a subscription status callback.
type StatusCode string

const (
	StatusSubscribed   StatusCode = "SUBSCRIBED"
	StatusChannelError StatusCode = "CHANNEL_ERROR"
	StatusTimedOut     StatusCode = "TIMED_OUT"
	StatusClosed       StatusCode = "CLOSED"
)

// Status is a subscription lifecycle callback. Err is set for CHANNEL_ERROR.
type Status struct {
	Code StatusCode
	Err  error
}

// Handlers receives normalized change events. Any handler may be nil.
type Handlers struct {
	OnInsert func(rec models.CallbackRequest)
	OnUpdate func(rec models.CallbackRequest)
	OnDelete func(id string)
}

// Handle represents a live subscription.
type Handle interface {
	Unsubscribe() error
}

// StatusFunc receives subscription lifecycle callbacks.
type StatusFunc func(Status)

// Subscriber is the data layer's subscription API: it pushes insert/update/
// delete events for the request table until the handle is unsubscribed or the
// context is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, h Handlers, status StatusFunc) (Handle, error)
}
