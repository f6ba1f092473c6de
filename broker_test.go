package brook_test

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brookhq/brook"
	"github.com/brookhq/brook/testmock"
)

func TestRegisterExclusive(t *testing.T) {
	s := setup(t)

	sub, err := s.broker.SubscribeToStream(s.ctx, streamX, subName, fastOpts()...)
	jtest.RequireNil(t, err)
	recvSubscribed(t, sub)

	// A second live subscription with the same stream and name is refused.
	_, err = s.broker.SubscribeToStream(s.ctx, streamX, subName, fastOpts()...)
	jtest.Require(t, brook.ErrSubscriptionExists, err)

	// A different name on the same stream is fine.
	sub2, err := s.broker.SubscribeToStream(s.ctx, streamX, subName2, fastOpts()...)
	jtest.RequireNil(t, err)
	recvSubscribed(t, sub2)

	// Stopping the first frees its registration.
	sub.Stop()
	<-sub.Done()

	sub3, err := s.broker.SubscribeToStream(s.ctx, streamX, subName, fastOpts()...)
	jtest.RequireNil(t, err)
	recvSubscribed(t, sub3)
}

func TestSubscribeToAllReservedStream(t *testing.T) {
	s := setup(t)

	_, err := s.broker.SubscribeToStream(s.ctx, brook.StreamAll, subName)
	require.Error(t, err)
}

func TestSiblingIsolation(t *testing.T) {
	s := setup(t)

	sub1, err := s.broker.SubscribeToStream(s.ctx, streamX, subName, fastOpts()...)
	jtest.RequireNil(t, err)
	recvSubscribed(t, sub1)

	sub2, err := s.broker.SubscribeToStream(s.ctx, streamY, subName, fastOpts()...)
	jtest.RequireNil(t, err)
	recvSubscribed(t, sub2)

	// Terminating one subscription does not affect its sibling.
	sub1.Stop()
	<-sub1.Done()

	select {
	case <-sub2.Done():
		t.Fatal("sibling subscription terminated")
	default:
	}

	s.store.Append(streamY, "after")
	d := recvEvents(t, sub2)
	assert.Equal(t, []int64{1}, versions(d.Events))
}

func TestBrokerSingletonLock(t *testing.T) {
	es := testmock.NewEventStore()
	ss := testmock.NewSubscriptionStore()
	lk := testmock.NewLocker()

	const key = 999
	require.True(t, lk.Hold(key))

	b := brook.NewBroker(es, es, ss, lk, brook.WithSingletonLock(key))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	running := make(chan error, 1)
	go func() { running <- b.Run(ctx) }()

	// While another node holds the publisher lock this broker does not fan
	// out live events; the subscription still catches up from the store.
	es.Append(streamX, "a")

	sub, err := b.SubscribeToStream(ctx, streamX, subName, fastOpts()...)
	jtest.RequireNil(t, err)
	recvSubscribed(t, sub)

	d := recvEvents(t, sub)
	require.Equal(t, []int64{1}, numbers(d.Events))
	jtest.RequireNil(t, sub.Ack(d.Events...))

	lk.Release(key)

	// Once the lock is released the fan-out loop starts and live delivery
	// works without catch-up.
	waitFor(t, time.Second*3, func() bool {
		es.Append(streamX, "b")
		select {
		case d := <-sub.C():
			return !d.Subscribed && len(d.Events) > 0
		case <-time.After(time.Millisecond * 100):
			return false
		}
	})
}

func TestDuplicateRangeIgnored(t *testing.T) {
	s := setup(t)

	sub, err := s.broker.SubscribeToAll(s.ctx, subName, fastOpts()...)
	jtest.RequireNil(t, err)
	recvSubscribed(t, sub)

	s.store.Append(streamX, "a", "b")
	d := recvEvents(t, sub)
	require.Equal(t, []int64{1, 2}, numbers(d.Events))
	jtest.RequireNil(t, sub.Ack(d.Events...))

	// Replaying the same notification range produces no downstream
	// delivery: the broker has already published past it.
	s.store.PushRange(brook.Range{First: 1, Last: 2})
	recvNothing(t, sub, time.Millisecond*100)
}
