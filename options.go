package brook

import (
	"time"
)

const (
	defaultBufferMax        = 1000
	defaultCatchUpBatch     = 100
	defaultLockPollInterval = time.Second
	defaultRestartBackoff   = time.Second * 10
)

// SubscribeOptions configure a single subscription.
type SubscribeOptions struct {
	// StartFromCurrent starts a newly created subscription from the current
	// tail at subscribe time instead of the origin. Ignored if the durable
	// row already exists.
	StartFromCurrent bool

	// StartAt starts a newly created subscription from an explicit position:
	// a stream version for single-stream subscriptions, an event number for
	// all-stream subscriptions. Ignored if the durable row already exists.
	StartAt int64

	// Selector filters events before forwarding; see Selector.
	Selector Selector

	// Mapper transforms events before delivery; see Mapper.
	Mapper Mapper

	// BufferMax is the max capacity threshold of the pending buffer. When the
	// buffer holds BufferMax unacknowledged events the subscription reports
	// StateMaxCapacity until acks drain it below half of BufferMax. The state
	// does not gate forwarding: the next batch is forwarded as soon as the
	// previous one is fully acknowledged, and new batches are still accepted.
	BufferMax int

	// CatchUpBatch is the page size of catch-up reads.
	CatchUpBatch int

	// LockPollInterval is the retry period while the advisory lock is held
	// elsewhere.
	LockPollInterval time.Duration

	// RestartBackoff is the supervision delay between a subscription crash
	// and its restart.
	RestartBackoff time.Duration
}

// SubscribeOption defines a functional option that configures SubscribeOptions.
type SubscribeOption func(*SubscribeOptions)

// WithStartFromCurrent provides an option to start a new subscription from
// the current tail, skipping all historic events. Note this overrides
// WithStartAt.
func WithStartFromCurrent() SubscribeOption {
	return func(o *SubscribeOptions) {
		o.StartFromCurrent = true
	}
}

// WithStartAt provides an option to start a new subscription from an explicit
// position: a stream version for single-stream subscriptions, an event number
// for all-stream subscriptions.
func WithStartAt(pos int64) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.StartAt = pos
	}
}

// WithSelector provides an option to filter forwarded events. Non-matching
// events are not delivered but still advance the durable cursor on ack.
func WithSelector(s Selector) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Selector = s
	}
}

// WithMapper provides an option to transform events before delivery.
func WithMapper(m Mapper) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Mapper = m
	}
}

// WithBufferMax provides an option to set the pending buffer bound.
// It defaults to 1000 events.
func WithBufferMax(n int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.BufferMax = n
	}
}

// WithCatchUpBatch provides an option to set the catch-up page size.
// It defaults to 100 events.
func WithCatchUpBatch(n int) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.CatchUpBatch = n
	}
}

// WithLockPollInterval provides an option to set the advisory lock retry
// period. It defaults to 1s.
func WithLockPollInterval(d time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.LockPollInterval = d
	}
}

// WithRestartBackoff provides an option to set the supervision delay between
// a subscription crash and its restart. It defaults to 10s.
func WithRestartBackoff(d time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.RestartBackoff = d
	}
}

func defaultSubscribeOptions() SubscribeOptions {
	return SubscribeOptions{
		BufferMax:        defaultBufferMax,
		CatchUpBatch:     defaultCatchUpBatch,
		LockPollInterval: defaultLockPollInterval,
		RestartBackoff:   defaultRestartBackoff,
	}
}
