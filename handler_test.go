package brook_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/luno/fate"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brookhq/brook"
)

func TestHandlerAutoAck(t *testing.T) {
	s := setup(t)

	sub, err := s.broker.SubscribeToStream(s.ctx, streamX, subName, fastOpts()...)
	jtest.RequireNil(t, err)

	var (
		mu      sync.Mutex
		handled []int64
	)
	h := brook.NewHandler("counter", func(_ context.Context, _ fate.Fate, el []*brook.Event) error {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range el {
			handled = append(handled, e.Number)
		}
		return nil
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- h.Serve(s.ctx, sub) }()

	s.store.Append(streamX, "a", "b")
	s.store.Append(streamX, "c")

	// The handler acks each batch, so delivery keeps flowing and the
	// durable cursor advances without explicit acks.
	waitFor(t, time.Second*2, func() bool {
		r := s.subs.Row(streamX, subName)
		return r != nil && r.LastSeenNumber == 3
	})
	mu.Lock()
	assert.Equal(t, []int64{1, 2, 3}, handled)
	mu.Unlock()

	sub.Stop()
	<-sub.Done()
	err = <-serveErr
	require.True(t, brook.IsStoppedErr(err) || errors.Is(err, context.Canceled))
}

func TestHandlerErrorStopsWithoutAck(t *testing.T) {
	s := setup(t)

	sub, err := s.broker.SubscribeToStream(s.ctx, streamX, subName, fastOpts()...)
	jtest.RequireNil(t, err)

	failErr := errors.New("boom")
	h := brook.NewHandler("failer", func(context.Context, fate.Fate, []*brook.Event) error {
		return failErr
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- h.Serve(s.ctx, sub) }()

	s.store.Append(streamX, "a")

	err = <-serveErr
	jtest.Require(t, failErr, err)

	// The failed batch was not acked; the durable cursor is untouched.
	r := s.subs.Row(streamX, subName)
	require.NotNil(t, r)
	assert.Zero(t, r.LastSeenNumber)
}
