package psql

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"

	"github.com/brookhq/brook"
)

const (
	defaultSubIDField      = "subscription_id"
	defaultSubStreamField  = "stream_uuid"
	defaultSubNameField    = "subscription_name"
	defaultSubNumberField  = "last_seen_event_number"
	defaultSubVersionField = "last_seen_stream_version"
	defaultSubTimeField    = "created_at"
	defaultAckAsyncPeriod  = time.Second * 5
)

// stableSchema defines the postgres schema of a subscriptions table.
type stableSchema struct {
	name         string
	idField      string
	streamField  string
	nameField    string
	numberField  string
	versionField string
	timeField    string
}

// SubscriptionsTable provides an interface to the durable subscription rows.
type SubscriptionsTable struct {
	schema      stableSchema
	sleep       sleepFunc // Abstracted for testing
	ackCounter  func()
	asyncPeriod time.Duration

	// Async goodies
	flushMu   sync.Mutex // Required for flushing to DB
	ackMu     sync.Mutex // Required for asyncAcks
	ackOnce   sync.Once
	asyncAcks map[ackKey]ackPos
	asyncDBC  *sql.DB
}

type ackKey struct {
	streamID string
	name     string
}

type ackPos struct {
	number  int64
	version int64
}

// NewSubscriptionsTable returns a new SubscriptionsTable.
func NewSubscriptionsTable(name string, opts ...SubscriptionsOption) *SubscriptionsTable {
	table := &SubscriptionsTable{
		schema: stableSchema{
			name:         name,
			idField:      defaultSubIDField,
			streamField:  defaultSubStreamField,
			nameField:    defaultSubNameField,
			numberField:  defaultSubNumberField,
			versionField: defaultSubVersionField,
			timeField:    defaultSubTimeField,
		},
		sleep:       time.Sleep,
		ackCounter:  makeAckCounter(name),
		asyncPeriod: defaultAckAsyncPeriod,
	}
	for _, o := range opts {
		o(table)
	}

	return table
}

// SubscriptionsOption are the configurations for the subscriptions table.
type SubscriptionsOption func(*SubscriptionsTable)

// WithSubscriptionNameField provides an option to configure the name field.
// It defaults to 'subscription_name'.
func WithSubscriptionNameField(field string) SubscriptionsOption {
	return func(table *SubscriptionsTable) {
		table.schema.nameField = field
	}
}

// WithSubscriptionStreamField provides an option to configure the stream
// field. It defaults to 'stream_uuid'.
func WithSubscriptionStreamField(field string) SubscriptionsOption {
	return func(table *SubscriptionsTable) {
		table.schema.streamField = field
	}
}

// WithAckAsyncPeriod provides an option to configure the async ack write
// period. It defaults to 5 seconds.
func WithAckAsyncPeriod(d time.Duration) SubscriptionsOption {
	return func(table *SubscriptionsTable) {
		table.asyncPeriod = d
	}
}

// WithAckAsyncDisabled provides an option to disable async ack writes.
func WithAckAsyncDisabled() SubscriptionsOption {
	return WithAckAsyncPeriod(0)
}

// WithTestAckSleep replaces the sleep function for testing.
func WithTestAckSleep(_ testing.TB, f func(time.Duration)) SubscriptionsOption {
	return func(table *SubscriptionsTable) {
		table.sleep = f
	}
}

// Subscribe returns the row for (streamID, name), creating it with the given
// start position if absent. An existing row is returned unchanged. A
// concurrent creator racing the check-then-insert returns
// ErrSubscriptionExists.
func (t *SubscriptionsTable) Subscribe(ctx context.Context, dbc *sql.DB,
	streamID, name string, startNumber, startVersion int64,
) (*brook.SubscriptionRow, error) {
	r, err := getSubscription(ctx, dbc, t.schema, streamID, name)
	if err == nil {
		return r, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	err = insertSubscription(ctx, dbc, t.schema, streamID, name, startNumber, startVersion)
	if isPQErrUniqueViolation(err) {
		return nil, errors.Wrap(brook.ErrSubscriptionExists, "", j.MKS{
			"stream_id": streamID, "name": name,
		})
	} else if err != nil {
		return nil, errors.Wrap(err, "insert subscription")
	}

	return getSubscription(ctx, dbc, t.schema, streamID, name)
}

// Ack overwrites the row's last seen position. Writes are buffered and
// flushed periodically unless async is disabled.
func (t *SubscriptionsTable) Ack(ctx context.Context, dbc *sql.DB,
	streamID, name string, number, version int64,
) error {
	if !t.isAsyncEnabled() {
		t.ackCounter()
		return setSubscription(ctx, dbc, t.schema, streamID, name, number, version)
	}

	t.ackOnce.Do(func() {
		go t.flushForever()
	})

	t.ackMu.Lock()
	defer t.ackMu.Unlock()

	if t.asyncAcks == nil {
		t.asyncAcks = make(map[ackKey]ackPos)
		t.asyncDBC = dbc
	}

	t.asyncAcks[ackKey{streamID: streamID, name: name}] = ackPos{
		number:  number,
		version: version,
	}
	return nil
}

func (t *SubscriptionsTable) isAsyncEnabled() bool {
	return t.asyncPeriod > 0
}

// Flush writes any buffered acks to the table.
func (t *SubscriptionsTable) Flush(ctx context.Context, dbc *sql.DB) error {
	if !t.isAsyncEnabled() {
		return nil
	}

	t.ackMu.Lock()
	adbc := t.asyncDBC
	m := t.asyncAcks
	t.asyncAcks = nil

	if len(m) == 0 {
		// Nothing to flush
		t.ackMu.Unlock()
		return nil
	}
	if adbc == nil {
		adbc = dbc
	}

	// Grab the flush mutex before releasing the ack mutex.
	t.flushMu.Lock()
	t.ackMu.Unlock()
	defer t.flushMu.Unlock()

	for key, pos := range m {
		t.ackCounter()
		err := setSubscription(ctx, adbc, t.schema, key.streamID, key.name,
			pos.number, pos.version)
		if err != nil {
			return err
		}
	}

	return nil
}

// Unsubscribe deletes the row. Buffered acks for it are discarded; deleting
// an absent row is not an error.
func (t *SubscriptionsTable) Unsubscribe(ctx context.Context, dbc *sql.DB,
	streamID, name string,
) error {
	t.ackMu.Lock()
	delete(t.asyncAcks, ackKey{streamID: streamID, name: name})
	t.ackMu.Unlock()

	return deleteSubscription(ctx, dbc, t.schema, streamID, name)
}

func (t *SubscriptionsTable) flushForever() {
	for {
		t.sleep(t.asyncPeriod)

		ctx := context.Background()
		if err := t.Flush(ctx, nil); err != nil {
			log.Error(ctx, errors.Wrap(err, "brook: error flushing acks"))
		}
	}
}

// ToStore binds the table to a db connection pool, returning a
// brook.SubscriptionStore.
func (t *SubscriptionsTable) ToStore(dbc *sql.DB) brook.SubscriptionStore {
	return &subscriptionStore{t: t, dbc: dbc}
}

type subscriptionStore struct {
	t   *SubscriptionsTable
	dbc *sql.DB
}

func (s *subscriptionStore) Subscribe(ctx context.Context, streamID, name string,
	startNumber, startVersion int64,
) (*brook.SubscriptionRow, error) {
	return s.t.Subscribe(ctx, s.dbc, streamID, name, startNumber, startVersion)
}

func (s *subscriptionStore) Ack(ctx context.Context, streamID, name string,
	number, version int64,
) error {
	return s.t.Ack(ctx, s.dbc, streamID, name, number, version)
}

func (s *subscriptionStore) Unsubscribe(ctx context.Context, streamID, name string) error {
	return s.t.Unsubscribe(ctx, s.dbc, streamID, name)
}

func (s *subscriptionStore) Flush(ctx context.Context) error {
	return s.t.Flush(ctx, s.dbc)
}
