package brook

import (
	"context"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/jettison/log"
)

// State is the lifecycle state of a subscription.
type State int

const (
	StateInitial State = iota
	StateCatchingUp
	StateSubscribed
	StateMaxCapacity
	StateUnsubscribed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateCatchingUp:
		return "catching_up"
	case StateSubscribed:
		return "subscribed"
	case StateMaxCapacity:
		return "max_capacity"
	case StateUnsubscribed:
		return "unsubscribed"
	default:
		return "unknown"
	}
}

// errUnsubscribed terminates the run loop after an explicit unsubscribe.
var errUnsubscribed = errors.New("unsubscribed", j.C("ERR_3d8f1a6c92e07b54"))

// inbox messages

type inboxMsg interface {
	isInboxMsg()
}

// eventsMsg carries a batch, either live from the broadcaster or paged by
// the catch-up worker. The epoch ties it to a single runOnce lifetime so
// that batches from a previous run cannot corrupt the watermark after a
// restart.
type eventsMsg struct {
	epoch  int64
	events []*Event
	live   bool
}

// catchUpDoneMsg is sent by the catch-up worker when it reaches the head.
type catchUpDoneMsg struct {
	epoch int64
}

// ackMsg acknowledges forwarded events, either by a list of events or by a
// bare position: an event number for all-stream subscriptions, a stream
// version otherwise.
type ackMsg struct {
	events []*Event
	pos    int64
	byPos  bool
}

// unsubMsg requests clean termination after the durable row was deleted.
type unsubMsg struct{}

// failMsg crashes the current run, triggering a supervised restart.
type failMsg struct {
	epoch int64
	err   error
}

func (eventsMsg) isInboxMsg()      {}
func (catchUpDoneMsg) isInboxMsg() {}
func (ackMsg) isInboxMsg()         {}
func (unsubMsg) isInboxMsg()       {}
func (failMsg) isInboxMsg()        {}

// Subscription is the live delivery process paired with a durable
// subscription row. It owns its pending buffer and cursors; the subscriber
// consumes Delivery messages from C and acknowledges progress via Ack.
//
// At most one events batch is in flight at a time (the next batch is only
// forwarded once the previous one is fully acknowledged), so the delivery
// channel never blocks the subscription's goroutine for long.
type Subscription struct {
	broker   *Broker
	streamID string
	name     string
	opts     SubscribeOptions

	inbox chan inboxMsg
	out   chan Delivery
	done  chan struct{}
	stop  context.CancelFunc

	mu    sync.Mutex
	st    State
	err   error
	epoch int64
}

// StreamID returns the subscribed stream identifier, StreamAll for
// all-stream subscriptions.
func (s *Subscription) StreamID() string {
	return s.streamID
}

// Name returns the durable subscription name.
func (s *Subscription) Name() string {
	return s.name
}

// IsAll returns true for all-stream subscriptions.
func (s *Subscription) IsAll() bool {
	return s.streamID == StreamAll
}

// C returns the delivery channel. The first delivery after each advisory
// lock acquisition has Subscribed set; subsequent deliveries carry ordered
// event batches. The channel is closed when the subscription terminates.
func (s *Subscription) C() <-chan Delivery {
	return s.out
}

// Done returns a channel closed when the subscription has terminated.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error after Done is closed, nil on clean
// termination.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *Subscription) setState(st State) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
	subscriptionState.WithLabelValues(s.streamID, s.name).Set(float64(st))
}

func (s *Subscription) nextEpoch() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	return s.epoch
}

// Ack acknowledges previously forwarded events, advancing the durable cursor
// to the maximum of their positions. Acks against a terminated subscription
// silently succeed; the durable row keeps the prior cursor.
func (s *Subscription) Ack(events ...*Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.send(context.Background(), ackMsg{events: events})
}

// AckPosition acknowledges by a bare position: an event number for all-stream
// subscriptions, a stream version for single-stream subscriptions.
func (s *Subscription) AckPosition(pos int64) error {
	return s.send(context.Background(), ackMsg{pos: pos, byPos: true})
}

// Stop terminates the subscription process, preserving the durable row so a
// later subscribe resumes from the last acknowledged position.
func (s *Subscription) Stop() {
	s.stop()
}

func (s *Subscription) send(ctx context.Context, m inboxMsg) error {
	select {
	case s.inbox <- m:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the supervision loop: it executes runOnce and restarts it with a
// backoff on unexpected errors, resetting in-memory state each time. The
// durable cursor preserves progress across restarts.
func (s *Subscription) run(ctx context.Context) {
	defer func() {
		s.broker.unregister(s)
		s.setState(StateUnsubscribed)
		close(s.out)
		close(s.done)
	}()

	ctx = log.ContextWith(ctx, j.MKS{
		"subscription_stream": s.streamID,
		"subscription_name":   s.name,
	})

	for {
		err := s.runOnce(ctx)
		if errors.Is(err, errUnsubscribed) {
			return
		}
		if IsExpected(err) {
			s.mu.Lock()
			if s.err == nil && !errors.Is(err, context.Canceled) {
				s.err = err
			}
			s.mu.Unlock()
			return
		}

		subscriptionRestarts.WithLabelValues(s.streamID, s.name).Inc()
		log.Error(ctx, errors.Wrap(err, "subscription restarting"))

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.RestartBackoff):
		}
	}
}

// runOnce performs a single subscription lifetime: look up or create the
// durable row, acquire the advisory lock, announce the subscription, catch
// up from the durable cursor and then serve live events until the context
// is cancelled or an error crashes the run.
func (s *Subscription) runOnce(ctx context.Context) error {
	b := s.broker
	defer b.store.Flush(context.Background()) // best effort flush with new context

	epoch := s.nextEpoch()
	s.setState(StateInitial)

	startNumber, startVersion, err := s.resolveStart(ctx)
	if err != nil {
		return errors.Wrap(err, "resolve start position")
	}

	row, err := b.store.Subscribe(ctx, s.streamID, s.name, startNumber, startVersion)
	if err != nil {
		return errors.Wrap(err, "subscribe row")
	}

	unlock, err := s.acquireLock(ctx, row.ID)
	if err != nil {
		return err
	}
	defer unlock.Unlock()

	// Refresh the row: a previous holder may have acked past our copy
	// between lookup and lock acquisition.
	row, err = b.store.Subscribe(ctx, s.streamID, s.name, startNumber, startVersion)
	if err != nil {
		return errors.Wrap(err, "refresh row")
	}

	// Register for live batches before catch-up starts so the window
	// between the catch-up head and the first live batch is covered by
	// buffering and dedup, not timing.
	unsubscribeTopic := b.bus.subscribe(s.topic(), s, epoch)
	defer unsubscribeTopic()

	if err := s.deliver(ctx, Delivery{Subscribed: true}); err != nil {
		return err
	}

	m := &machine{
		sub:             s,
		epoch:           epoch,
		lastSeenNumber:  row.LastSeenNumber,
		lastSeenVersion: row.LastSeenVersion,
		lastAckNumber:   row.LastSeenNumber,
		lastAckVersion:  row.LastSeenVersion,
		lastReceived:    row.LastSeenNumber,
		catchingUp:      true,
	}
	if !s.IsAll() {
		// Single-stream cursors are version based; an explicit start
		// position on a stream with no events yet has no event number.
		m.lastReceived = row.LastSeenVersion
	}

	s.setState(StateCatchingUp)

	cctx, ccancel := context.WithCancel(ctx)
	defer ccancel()
	go s.catchUp(cctx, row, epoch)

	return m.loop(ctx)
}

// resolveStart computes the initial cursor for a subscription row that does
// not exist yet. Existing rows ignore it.
func (s *Subscription) resolveStart(ctx context.Context) (int64, int64, error) {
	o := s.opts
	if o.StartFromCurrent {
		number, version, err := s.broker.reader.Head(ctx, s.streamID)
		if err != nil {
			return 0, 0, err
		}
		return number, version, nil
	}
	if o.StartAt <= 0 {
		return 0, 0, nil
	}
	if s.IsAll() {
		return o.StartAt, 0, nil
	}
	// Explicit stream version; resolve the matching event number for dedup.
	el, err := s.broker.reader.ReadStreamForward(ctx, s.streamID, o.StartAt, 1)
	if IsStreamNotFoundErr(err) {
		return 0, o.StartAt, nil
	} else if err != nil {
		return 0, 0, err
	}
	if len(el) > 0 && el[0].StreamVersion == o.StartAt {
		return el[0].Number, o.StartAt, nil
	}
	return 0, o.StartAt, nil
}

// acquireLock polls the advisory lock until acquired. The subscription stays
// in Initial while another session holds the lock.
func (s *Subscription) acquireLock(ctx context.Context, id int64) (Unlocker, error) {
	for {
		u, ok, err := s.broker.locker.TryLock(ctx, id)
		if err != nil {
			return nil, errors.Wrap(err, "try advisory lock")
		}
		if ok {
			return u, nil
		}

		lockWaits.WithLabelValues(s.streamID, s.name).Inc()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.opts.LockPollInterval):
		}
	}
}

func (s *Subscription) deliver(ctx context.Context, d Delivery) error {
	select {
	case s.out <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscription) topic() string {
	return s.streamID
}

// machine holds the per-run in-memory state. It is owned by the
// subscription goroutine; no locks required.
//
// pending holds accepted events that are not yet acknowledged. Forwarding
// only happens when the previous batch is fully acked, so pending contains
// only unsent events at forward time. held buffers live batches that arrive
// while the catch-up worker is still paging; they are reconciled against
// catch-up output by position (see lastReceived) once catch-up completes.
type machine struct {
	sub   *Subscription
	epoch int64

	pending []*Event
	held    []*Event

	lastSeenNumber  int64 // highest forwarded event number
	lastSeenVersion int64
	lastAckNumber   int64 // highest acknowledged event number
	lastAckVersion  int64

	// lastReceived is the dedup watermark: the highest accepted position,
	// an event number for all-stream subscriptions and a stream version
	// otherwise. Within a stream both increase together, so either scope
	// gives strict exactly-once buffering.
	lastReceived int64

	catchingUp bool
}

// posOf returns the event's position in the subscription's cursor scope.
func (m *machine) posOf(e *Event) int64 {
	if m.sub.IsAll() {
		return e.Number
	}
	return e.StreamVersion
}

func (m *machine) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.sub.inbox:
			if err := m.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (m *machine) handle(ctx context.Context, msg inboxMsg) error {
	switch v := msg.(type) {
	case eventsMsg:
		if v.epoch != m.epoch {
			return nil
		}
		if v.live && m.catchingUp {
			m.held = append(m.held, v.events...)
			return nil
		}
		return m.ingest(ctx, v.events)
	case catchUpDoneMsg:
		if v.epoch != m.epoch {
			return nil
		}
		return m.finishCatchUp(ctx)
	case ackMsg:
		return m.ack(ctx, v)
	case unsubMsg:
		return errUnsubscribed
	case failMsg:
		if v.epoch != m.epoch {
			return nil
		}
		return v.err
	default:
		return errors.New("unknown inbox message")
	}
}

// finishCatchUp merges live batches held during catch-up into the pending
// buffer. Held events at or below the watermark were also served by the
// catch-up reads and are discarded.
func (m *machine) finishCatchUp(ctx context.Context) error {
	m.catchingUp = false

	held := m.held
	m.held = nil
	if err := m.ingest(ctx, held); err != nil {
		return err
	}

	if m.sub.State() == StateCatchingUp {
		m.sub.setState(StateSubscribed)
	}
	return m.maybeForward(ctx)
}

// ingest buffers a batch. Duplicate suppression by position is the sole
// mechanism reconciling catch-up output with concurrent live notifications:
// any event at or below the lastReceived watermark is dropped.
func (m *machine) ingest(ctx context.Context, events []*Event) error {
	s := m.sub
	for _, e := range events {
		if !s.IsAll() && e.StreamID != s.streamID {
			// Topic routing should make this impossible.
			continue
		}
		if m.posOf(e) <= m.lastReceived {
			continue
		}
		m.pending = append(m.pending, e)
		m.lastReceived = m.posOf(e)
	}

	subscriptionBuffer.WithLabelValues(s.streamID, s.name).Set(float64(len(m.pending)))

	if len(m.pending) >= s.opts.BufferMax && s.State() != StateMaxCapacity {
		s.setState(StateMaxCapacity)
	}

	return m.maybeForward(ctx)
}

// maybeForward sends the next batch iff the subscriber has acknowledged all
// previously forwarded events. Selector-filtered events are dropped from the
// buffer without delivery; the durable cursor advances past them when a
// later event at or beyond their position is acknowledged.
func (m *machine) maybeForward(ctx context.Context) error {
	s := m.sub

	if m.lastAckNumber != m.lastSeenNumber {
		return nil
	}

	for len(m.pending) > 0 {
		limit := s.opts.CatchUpBatch
		if limit <= 0 || limit > len(m.pending) {
			limit = len(m.pending)
		}
		candidates := m.pending[:limit]
		rest := m.pending[limit:]

		var sent []*Event
		for _, e := range candidates {
			if s.opts.Selector != nil && !s.opts.Selector(e) {
				continue
			}
			sent = append(sent, e)
		}

		if len(sent) == 0 {
			// Entirely filtered; nothing to forward, nothing to await.
			m.pending = append([]*Event(nil), rest...)
			continue
		}

		last := sent[len(sent)-1]

		// Keep only the sent events awaiting ack; filtered events need no
		// ack of their own and are covered by any later ack.
		m.pending = append(sent, rest...)

		m.lastSeenNumber = last.Number
		m.lastSeenVersion = last.StreamVersion

		d := Delivery{Events: sent}
		if s.opts.Mapper != nil {
			d.Values = make([]interface{}, 0, len(sent))
			for _, e := range sent {
				d.Values = append(d.Values, s.opts.Mapper(e))
			}
		}

		if err := s.deliver(ctx, d); err != nil {
			return err
		}

		subscriptionDelivered.WithLabelValues(s.streamID, s.name).Add(float64(len(sent)))
		return nil
	}

	return nil
}

// ack resolves the acknowledged position, persists it and drains the
// acknowledged prefix of the pending buffer, forwarding the next batch if
// one became sendable.
func (m *machine) ack(ctx context.Context, a ackMsg) error {
	s := m.sub

	number, version := m.resolveAck(a)
	if number <= m.lastAckNumber {
		return nil
	}

	m.lastAckNumber = number
	if version > m.lastAckVersion {
		m.lastAckVersion = version
	}

	err := s.broker.store.Ack(ctx, s.streamID, s.name, m.lastAckNumber, m.lastAckVersion)
	if err != nil {
		return errors.Wrap(err, "persist ack", j.MKV{
			"event_number":   m.lastAckNumber,
			"stream_version": m.lastAckVersion,
		})
	}

	var kept []*Event
	for _, e := range m.pending {
		if e.Number <= number {
			continue
		}
		kept = append(kept, e)
	}
	m.pending = kept

	subscriptionAcked.WithLabelValues(s.streamID, s.name).Inc()
	subscriptionBuffer.WithLabelValues(s.streamID, s.name).Set(float64(len(m.pending)))

	if s.State() == StateMaxCapacity && len(m.pending) < s.opts.BufferMax/2 {
		s.setState(StateSubscribed)
	}

	return m.maybeForward(ctx)
}

// resolveAck maps the three accepted ack forms onto an (event number,
// stream version) pair.
func (m *machine) resolveAck(a ackMsg) (int64, int64) {
	if !a.byPos {
		var number, version int64
		for _, e := range a.events {
			if e.Number > number {
				number = e.Number
			}
			if e.StreamVersion > version {
				version = e.StreamVersion
			}
		}
		return number, version
	}

	if m.sub.IsAll() {
		// Bare positions are event numbers; recover the stream version from
		// the forwarded buffer where possible.
		version := m.lastAckVersion
		for _, e := range m.pending {
			if e.Number <= a.pos && e.StreamVersion > version {
				version = e.StreamVersion
			}
		}
		return a.pos, version
	}

	// Bare positions are stream versions for single-stream subscriptions.
	number := m.lastAckNumber
	for _, e := range m.pending {
		if e.StreamVersion <= a.pos && e.Number > number {
			number = e.Number
		}
	}
	return number, a.pos
}
