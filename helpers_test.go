package brook_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brookhq/brook"
	"github.com/brookhq/brook/testmock"
)

type testState struct {
	broker *brook.Broker
	store  *testmock.EventStore
	subs   *testmock.SubscriptionStore
	locker *testmock.Locker
	ctx    context.Context
}

func setup(t *testing.T) *testState {
	t.Helper()

	es := testmock.NewEventStore()
	ss := testmock.NewSubscriptionStore()
	lk := testmock.NewLocker()

	b := brook.NewBroker(es, es, ss, lk)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = b.Run(ctx) }()

	return &testState{broker: b, store: es, subs: ss, locker: lk, ctx: ctx}
}

// fastOpts keeps test subscriptions snappy.
func fastOpts(opts ...brook.SubscribeOption) []brook.SubscribeOption {
	return append([]brook.SubscribeOption{
		brook.WithLockPollInterval(time.Millisecond * 10),
		brook.WithRestartBackoff(time.Millisecond * 50),
	}, opts...)
}

// recvSubscribed waits for the subscribed notice.
func recvSubscribed(t *testing.T, s *brook.Subscription) {
	t.Helper()

	for {
		select {
		case d, ok := <-s.C():
			require.True(t, ok, "subscription terminated: %v", s.Err())
			if d.Subscribed {
				return
			}
			t.Fatalf("expected subscribed notice, got events %v", numbers(d.Events))
		case <-time.After(time.Second * 2):
			t.Fatal("timeout waiting for subscribed notice")
		}
	}
}

// recvEvents waits for the next events delivery, skipping subscribed notices.
func recvEvents(t *testing.T, s *brook.Subscription) brook.Delivery {
	t.Helper()

	for {
		select {
		case d, ok := <-s.C():
			require.True(t, ok, "subscription terminated: %v", s.Err())
			if d.Subscribed {
				continue
			}
			return d
		case <-time.After(time.Second * 2):
			t.Fatal("timeout waiting for events")
		}
	}
}

// recvNothing asserts no events delivery arrives within the wait period.
// Subscribed notices are ignored.
func recvNothing(t *testing.T, s *brook.Subscription, wait time.Duration) {
	t.Helper()

	deadline := time.After(wait)
	for {
		select {
		case d, ok := <-s.C():
			if !ok {
				t.Fatalf("subscription terminated: %v", s.Err())
			}
			if !d.Subscribed {
				t.Fatalf("unexpected delivery: %v", numbers(d.Events))
			}
		case <-deadline:
			return
		}
	}
}

func numbers(el []*brook.Event) []int64 {
	res := make([]int64, 0, len(el))
	for _, e := range el {
		res = append(res, e.Number)
	}
	return res
}

func versions(el []*brook.Event) []int64 {
	res := make([]int64, 0, len(el))
	for _, e := range el {
		res = append(res, e.StreamVersion)
	}
	return res
}

func waitFor(t *testing.T, d time.Duration, f func() bool) {
	t.Helper()

	t0 := time.Now()
	for time.Since(t0) < d {
		if f() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
	t.Fatal("timeout waiting for condition")
}
