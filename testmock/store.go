// Package testmock contains in-memory brook implementations for testing.
package testmock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/brookhq/brook"
)

// EventStore is an in-memory event log implementing brook.EventReader and
// brook.Listener, with appends producing notification ranges exactly like
// the postgres store does.
type EventStore struct {
	mu     sync.Mutex
	events []*brook.Event
	ranges chan brook.Range

	readErr error
}

// NewEventStore returns a new in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{
		ranges: make(chan brook.Range, 1024),
	}
}

// Append appends events of the given types to the stream, assigning dense
// numbers and versions, and emits the notification range.
func (s *EventStore) Append(streamID string, types ...string) []*brook.Event {
	s.mu.Lock()

	number := int64(len(s.events))
	version := int64(0)
	for _, e := range s.events {
		if e.StreamID == streamID {
			version = e.StreamVersion
		}
	}

	var el []*brook.Event
	for _, typ := range types {
		number++
		version++
		e := &brook.Event{
			ID:            uuid.New(),
			Number:        number,
			StreamID:      streamID,
			StreamVersion: version,
			Type:          typ,
			CreatedAt:     time.Now(),
		}
		s.events = append(s.events, e)
		el = append(el, e)
	}
	s.mu.Unlock()

	if len(el) > 0 {
		s.ranges <- brook.Range{First: el[0].Number, Last: el[len(el)-1].Number}
	}
	return el
}

// PushRange emits a raw notification range, bypassing Append. Useful for
// testing duplicate or stale notifications.
func (s *EventStore) PushRange(r brook.Range) {
	s.ranges <- r
}

// SetReadErr makes subsequent reads fail with err, simulating a transient
// database error.
func (s *EventStore) SetReadErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

func (s *EventStore) ReadStreamForward(_ context.Context, streamID string,
	fromVersion int64, limit int,
) ([]*brook.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readErr != nil {
		return nil, s.readErr
	}

	var el []*brook.Event
	var found bool
	for _, e := range s.events {
		if e.StreamID != streamID {
			continue
		}
		found = true
		if e.StreamVersion < fromVersion {
			continue
		}
		el = append(el, e)
		if len(el) == limit {
			break
		}
	}
	if !found {
		return nil, errors.Wrap(brook.ErrStreamNotFound, "", j.KS("stream_id", streamID))
	}
	return el, nil
}

func (s *EventStore) ReadAllForward(_ context.Context, fromNumber int64,
	limit int,
) ([]*brook.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readErr != nil {
		return nil, s.readErr
	}

	var el []*brook.Event
	for _, e := range s.events {
		if e.Number < fromNumber {
			continue
		}
		el = append(el, e)
		if len(el) == limit {
			break
		}
	}
	return el, nil
}

func (s *EventStore) Head(_ context.Context, streamID string) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if streamID == brook.StreamAll {
		if len(s.events) == 0 {
			return 0, 0, nil
		}
		return s.events[len(s.events)-1].Number, 0, nil
	}

	var number, version int64
	for _, e := range s.events {
		if e.StreamID == streamID {
			number, version = e.Number, e.StreamVersion
		}
	}
	return number, version, nil
}

// Ranges implements brook.Listener.
func (s *EventStore) Ranges() <-chan brook.Range {
	return s.ranges
}

// Run implements brook.Listener. Notifications are pushed synchronously by
// Append, so it just blocks until cancelled.
func (s *EventStore) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

var (
	_ brook.EventReader = (*EventStore)(nil)
	_ brook.Listener    = (*EventStore)(nil)
)
