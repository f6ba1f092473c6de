package testmock

import (
	"context"
	"sync"
	"time"

	"github.com/brookhq/brook"
)

// SubscriptionStore is an in-memory brook.SubscriptionStore. Acks are
// applied synchronously; Flush just counts.
type SubscriptionStore struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[subKey]*brook.SubscriptionRow
	flushed int

	ackErr error
}

type subKey struct {
	streamID string
	name     string
}

// NewSubscriptionStore returns a new in-memory subscription store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{rows: make(map[subKey]*brook.SubscriptionRow)}
}

// SetAckErr makes subsequent acks fail with err, simulating a transient
// database error.
func (s *SubscriptionStore) SetAckErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackErr = err
}

// Row returns a copy of the durable row, or nil if absent.
func (s *SubscriptionStore) Row(streamID, name string) *brook.SubscriptionRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[subKey{streamID: streamID, name: name}]
	if !ok {
		return nil
	}
	clone := *r
	return &clone
}

// FlushCount returns the number of Flush calls.
func (s *SubscriptionStore) FlushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

func (s *SubscriptionStore) Subscribe(_ context.Context, streamID, name string,
	startNumber, startVersion int64,
) (*brook.SubscriptionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := subKey{streamID: streamID, name: name}
	if r, ok := s.rows[key]; ok {
		clone := *r
		return &clone, nil
	}

	s.nextID++
	r := &brook.SubscriptionRow{
		ID:              s.nextID,
		StreamID:        streamID,
		Name:            name,
		LastSeenNumber:  startNumber,
		LastSeenVersion: startVersion,
		CreatedAt:       time.Now(),
	}
	s.rows[key] = r

	clone := *r
	return &clone, nil
}

func (s *SubscriptionStore) Ack(_ context.Context, streamID, name string,
	number, version int64,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ackErr != nil {
		return s.ackErr
	}

	r, ok := s.rows[subKey{streamID: streamID, name: name}]
	if !ok {
		// Unsubscribed; the cursor died with the row.
		return nil
	}
	r.LastSeenNumber = number
	r.LastSeenVersion = version
	return nil
}

func (s *SubscriptionStore) Unsubscribe(_ context.Context, streamID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, subKey{streamID: streamID, name: name})
	return nil
}

func (s *SubscriptionStore) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed++
	return nil
}

var _ brook.SubscriptionStore = (*SubscriptionStore)(nil)
