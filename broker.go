package brook

import (
	"context"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

const defaultReadPage = 1000

// Broker couples the notification listener to the in-process topic bus and
// owns the registry of live subscriptions. Exactly one broker per cluster
// should run its fan-out loop; see WithSingletonLock.
type Broker struct {
	listener Listener
	reader   EventReader
	store    SubscriptionStore
	locker   Locker

	readPage    int
	singletonID int64
	singleton   bool

	bus *bus

	mu   sync.Mutex
	subs map[regKey]*Subscription

	// lastPublished is the highest event number published on the bus. Once
	// something was published, ranges are read from lastPublished+1, so a
	// notification missed during a listener reconnect is healed by the read
	// for the next one.
	lastPublished int64
}

// BrokerOption defines a functional option that configures a Broker.
type BrokerOption func(*Broker)

// WithReadPage provides an option to set the page size of notification range
// reads. It defaults to 1000.
func WithReadPage(n int) BrokerOption {
	return func(b *Broker) {
		b.readPage = n
	}
}

// PublisherLockKey is the conventional advisory lock key for the broker's
// fan-out loop. Subscription locks share the keyspace keyed by their row
// ids, which start at 1, so 0 never collides.
const PublisherLockKey int64 = 0

// WithSingletonLock provides an option to guard the fan-out loop with a
// cluster-wide advisory lock on the given key. Run then blocks until this
// broker becomes the cluster's active publisher, making the listener and
// broadcaster a cluster singleton without external coordination. The key
// shares the advisory keyspace with subscription row ids; use
// PublisherLockKey unless running multiple brokers on one database.
func WithSingletonLock(key int64) BrokerOption {
	return func(b *Broker) {
		b.singleton = true
		b.singletonID = key
	}
}

// NewBroker returns a new broker. Run must be called for live delivery;
// subscriptions may be opened before or after.
func NewBroker(listener Listener, reader EventReader, store SubscriptionStore,
	locker Locker, opts ...BrokerOption,
) *Broker {
	b := &Broker{
		listener: listener,
		reader:   reader,
		store:    store,
		locker:   locker,
		readPage: defaultReadPage,
		bus:      newBus(),
		subs:     make(map[regKey]*Subscription),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Run consumes append notifications and fans the notified events out to the
// per-stream and all-stream topics. It blocks until ctx is cancelled and
// always returns a non-nil error.
func (b *Broker) Run(ctx context.Context) error {
	if b.singleton {
		u, err := b.awaitSingleton(ctx)
		if err != nil {
			return err
		}
		defer u.Unlock()
	}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.listener.Run(lctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return errors.Wrap(err, "listener stopped")
		case r := <-b.listener.Ranges():
			if err := b.publish(ctx, r); err != nil {
				return err
			}
		}
	}
}

func (b *Broker) awaitSingleton(ctx context.Context) (Unlocker, error) {
	for {
		u, ok, err := b.locker.TryLock(ctx, b.singletonID)
		if err != nil {
			return nil, errors.Wrap(err, "broker singleton lock")
		}
		if ok {
			return u, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(defaultLockPollInterval):
		}
	}
}

// publish reads the events of a notified range and publishes them grouped
// per stream plus the full batch on the all-stream topic. The first range is
// read from its own start; after that, reading starts at lastPublished+1
// rather than the range start, so any gap between ranges (a notification
// lost while the listener reconnected) is republished too.
func (b *Broker) publish(ctx context.Context, r Range) error {
	if r.Last <= b.lastPublished {
		return nil // Stale or duplicate notification.
	}

	from := r.First
	if b.lastPublished > 0 {
		from = b.lastPublished + 1
	}

	for from <= r.Last {
		el, err := b.reader.ReadAllForward(ctx, from, b.readPage)
		if err != nil {
			return errors.Wrap(err, "read notified range", j.MKV{
				"from": from, "last": r.Last,
			})
		}
		if len(el) == 0 {
			// The tail of the range is not visible yet; the notification
			// for the committing append will cover it.
			return nil
		}

		byStream := make(map[string][]*Event)
		order := make([]string, 0, len(el))
		for _, e := range el {
			if _, ok := byStream[e.StreamID]; !ok {
				order = append(order, e.StreamID)
			}
			byStream[e.StreamID] = append(byStream[e.StreamID], e)
		}

		for _, streamID := range order {
			b.bus.publish(streamID, byStream[streamID])
		}
		b.bus.publish(StreamAll, el)

		last := el[len(el)-1]
		b.lastPublished = last.Number
		from = last.Number + 1

		broadcastEvents.Add(float64(len(el)))
	}

	broadcastRanges.Inc()
	return nil
}

// SubscribeToStream opens (or resumes) the named subscription on a single
// stream and starts its delivery process. The ctx represents the subscriber:
// cancelling it terminates the subscription process, preserving the durable
// row. It returns ErrSubscriptionExists if a live local subscription with
// the same stream and name exists.
func (b *Broker) SubscribeToStream(ctx context.Context, streamID, name string,
	opts ...SubscribeOption,
) (*Subscription, error) {
	if streamID == StreamAll {
		return nil, errors.New("reserved stream id", j.KS("stream_id", streamID))
	}
	return b.subscribe(ctx, streamID, name, opts)
}

// SubscribeToAll opens (or resumes) the named subscription on the all-stream.
func (b *Broker) SubscribeToAll(ctx context.Context, name string,
	opts ...SubscribeOption,
) (*Subscription, error) {
	return b.subscribe(ctx, StreamAll, name, opts)
}

func (b *Broker) subscribe(ctx context.Context, streamID, name string,
	opts []SubscribeOption,
) (*Subscription, error) {
	o := defaultSubscribeOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(ctx)

	s := &Subscription{
		broker:   b,
		streamID: streamID,
		name:     name,
		opts:     o,
		inbox:    make(chan inboxMsg, 256),
		out:      make(chan Delivery, 16),
		done:     make(chan struct{}),
		stop:     cancel,
	}

	if err := b.register(s); err != nil {
		cancel()
		return nil, err
	}

	go s.run(ctx)

	return s, nil
}

// Unsubscribe deletes the durable subscription row and terminates the live
// local subscription process if one exists. It is idempotent and succeeds
// even if no durable row exists.
func (b *Broker) Unsubscribe(ctx context.Context, streamID, name string) error {
	if err := b.store.Unsubscribe(ctx, streamID, name); err != nil {
		return errors.Wrap(err, "delete subscription row")
	}

	b.mu.Lock()
	s, ok := b.subs[regKey{streamID: streamID, name: name}]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	err := s.send(ctx, unsubMsg{})
	if err != nil {
		return err
	}

	// Also cancel the process directly: a subscription still polling for
	// its advisory lock only drains its inbox once the lock is acquired.
	s.stop()

	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnsubscribeFromAll is Unsubscribe for an all-stream subscription.
func (b *Broker) UnsubscribeFromAll(ctx context.Context, name string) error {
	return b.Unsubscribe(ctx, StreamAll, name)
}

type regKey struct {
	streamID string
	name     string
}

func (b *Broker) register(s *Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := regKey{streamID: s.streamID, name: s.name}
	if _, ok := b.subs[key]; ok {
		return errors.Wrap(ErrSubscriptionExists, "", j.MKS{
			"stream_id": s.streamID, "name": s.name,
		})
	}
	b.subs[key] = s
	return nil
}

func (b *Broker) unregister(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := regKey{streamID: s.streamID, name: s.name}
	if b.subs[key] == s {
		delete(b.subs, key)
	}
}

// bus is the in-process pub-sub fabric keyed by stream identifier. A
// publish blocks until every registered subscription has accepted the
// batch into its inbox; subscriptions drain their inboxes without doing
// IO so this preserves order without stalling the broker in practice.
type bus struct {
	mu     sync.Mutex
	topics map[string][]*busSub
}

type busSub struct {
	sub   *Subscription
	epoch int64
}

func newBus() *bus {
	return &bus{topics: make(map[string][]*busSub)}
}

// subscribe registers the subscription's inbox on a topic and returns the
// deregistration func.
func (b *bus) subscribe(topic string, s *Subscription, epoch int64) func() {
	bs := &busSub{sub: s, epoch: epoch}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], bs)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		l := b.topics[topic]
		for i, cand := range l {
			if cand == bs {
				b.topics[topic] = append(l[:i:i], l[i+1:]...)
				break
			}
		}
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
}

func (b *bus) publish(topic string, events []*Event) {
	b.mu.Lock()
	l := append([]*busSub(nil), b.topics[topic]...)
	b.mu.Unlock()

	for _, bs := range l {
		select {
		case bs.sub.inbox <- eventsMsg{epoch: bs.epoch, events: events, live: true}:
		case <-bs.sub.done:
		}
	}
}
