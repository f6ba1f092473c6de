package brook

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var (
	// ErrStreamNotFound is returned by explicit reads of a stream that has
	// no events. It is never surfaced by the subscription flow itself.
	ErrStreamNotFound = errors.New("stream not found", j.C("ERR_8f20c3b51d4e90aa"))

	// ErrWrongExpectedVersion is returned by the append path when the
	// stream's current version does not match the expected version.
	ErrWrongExpectedVersion = errors.New("wrong expected stream version", j.C("ERR_2c61e87d903f14bb"))

	// ErrSubscriptionExists is returned when a live subscription with the
	// same stream and name is already registered, or when a concurrent
	// creator races the durable row insert.
	ErrSubscriptionExists = errors.New("subscription already exists", j.C("ERR_5a97d01c2b83fe46"))

	// ErrLockTaken indicates another session holds the subscription's
	// advisory lock. It is transient; the subscription polls and retries.
	ErrLockTaken = errors.New("subscription lock already taken", j.C("ERR_e44b62a8f17c30d9"))

	// ErrStopped is returned by Handler.Serve when its subscription has been
	// stopped.
	ErrStopped = errors.New("the subscription has been stopped", j.C("ERR_09d2f5b944cbe671"))

	// ErrInvalidAck describes an ack that references no forwarded event.
	// Subscription.Ack and AckPosition do not return it: any acked position
	// is accepted.
	ErrInvalidAck = errors.New("ack references unknown event", j.C("ERR_77b3a9e04d21c58f"))
)

// IsStreamNotFoundErr returns true if the error is an ErrStreamNotFound.
func IsStreamNotFoundErr(err error) bool {
	return errors.Is(err, ErrStreamNotFound)
}

// IsStoppedErr returns true if the error is an ErrStopped.
func IsStoppedErr(err error) bool {
	return errors.Is(err, ErrStopped)
}

// IsExpected returns true for errors that terminate a subscription run
// without indicating a fault: cancellation and clean stops.
func IsExpected(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded, ErrStopped)
}
