package brook

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StreamAll is the reserved stream identifier for the synthetic all-stream:
// the total order of all events across streams by event number.
const StreamAll = "$all"

// Event is an immutable record appended to a stream. Number is the store-wide
// position assigned at commit; StreamVersion is the 1-based dense position
// within the owning stream. Both are unique and never reused.
type Event struct {
	ID            uuid.UUID
	Number        int64
	StreamID      string
	StreamVersion int64
	Type          string
	CorrelationID string
	CausationID   string
	Data          []byte
	Metadata      []byte
	Trace         []byte
	CreatedAt     time.Time
}

// EventData is the caller-supplied portion of an event on append. The store
// assigns Number, StreamVersion and CreatedAt at commit, and ID if zero.
type EventData struct {
	ID            uuid.UUID
	Type          string
	CorrelationID string
	CausationID   string
	Data          []byte
	Metadata      []byte
}

// Range identifies a contiguous run of just-committed events on the
// all-stream, as announced on the notification channel.
type Range struct {
	First int64
	Last  int64
}

// Listener is the source of append notifications. Ranges are delivered in
// commit order and are never coalesced. A listener that reconnects does not
// replay missed ranges; the broker and each subscription's catch-up path
// recover from the event table itself.
type Listener interface {
	// Ranges returns the channel of notified event number ranges.
	Ranges() <-chan Range

	// Run blocks consuming notifications until ctx is cancelled.
	// It always returns a non-nil error.
	Run(ctx context.Context) error
}

// EventReader provides stateless paginated forward reads of the event table.
type EventReader interface {
	// ReadStreamForward returns up to limit events of the stream with
	// StreamVersion >= fromVersion in ascending order. It returns
	// ErrStreamNotFound if the stream has no events at all.
	ReadStreamForward(ctx context.Context, streamID string, fromVersion int64, limit int) ([]*Event, error)

	// ReadAllForward returns up to limit events with Number >= fromNumber
	// in ascending order.
	ReadAllForward(ctx context.Context, fromNumber int64, limit int) ([]*Event, error)

	// Head returns the position of the latest event in scope: for StreamAll
	// the highest event number, for a specific stream the number and version
	// of its latest event. A missing stream returns zeros.
	Head(ctx context.Context, streamID string) (number int64, version int64, err error)
}

// SubscriptionRow is the durable subscription cursor. LastSeenNumber and
// LastSeenVersion record the highest acknowledged position; they never
// decrease. Zero means the subscription starts from the origin.
type SubscriptionRow struct {
	ID              int64
	StreamID        string
	Name            string
	LastSeenNumber  int64
	LastSeenVersion int64
	CreatedAt       time.Time
}

// SubscriptionStore persists subscription rows. Implementations may buffer
// Ack writes; Flush forces them to the underlying store.
type SubscriptionStore interface {
	// Subscribe returns the row for (streamID, name), creating it with the
	// given start position if absent. An existing row is returned unchanged.
	Subscribe(ctx context.Context, streamID, name string, startNumber, startVersion int64) (*SubscriptionRow, error)

	// Ack overwrites the row's last seen position. The caller holds the
	// advisory lock and guarantees monotonicity.
	Ack(ctx context.Context, streamID, name string, number, version int64) error

	// Unsubscribe deletes the row. Deleting an absent row is not an error.
	Unsubscribe(ctx context.Context, streamID, name string) error

	// Flush writes any buffered acks to the underlying store.
	Flush(ctx context.Context) error
}

// Unlocker releases a held advisory lock.
type Unlocker interface {
	Unlock() error
}

// Locker grants cluster-wide single-active-subscriber rights, keyed by the
// subscription row id. The lock is session scoped: it is released by Unlock
// or implicitly when the holding database session terminates.
type Locker interface {
	// TryLock attempts to acquire the exclusive lock for id without
	// blocking. It returns ok=false if another session holds it.
	TryLock(ctx context.Context, id int64) (u Unlocker, ok bool, err error)
}

// Selector is a predicate over events. Events failing the selector are not
// forwarded to the subscriber but still advance the subscription cursor.
// Selectors must be fast and purely in-memory; they are applied on the
// subscription's own goroutine.
type Selector func(*Event) bool

// Mapper transforms an event before delivery. The delivered batch contains
// the mapped values while acks keep using the original event positions.
type Mapper func(*Event) interface{}

// Delivery is a message from a subscription to its subscriber. Exactly one
// of the two forms is populated: Subscribed reports that the subscription
// acquired its advisory lock and is live; otherwise Events holds an ordered
// batch (and Values its mapped form when a Mapper is configured).
type Delivery struct {
	Subscribed bool
	Events     []*Event
	Values     []interface{}
}
