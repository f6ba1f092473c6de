package psql_test

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brookhq/brook"
	"github.com/brookhq/brook/psql"
)

func TestAppendAssignsDensePositions(t *testing.T) {
	dbc := connect(t)
	tl := createTestTables(t, dbc)
	table := psql.NewEventsTable(tl.events, psql.WithNotifyChannel("events_test"))
	ctx := context.Background()

	appendBatch := func(stream string, n int) []*brook.Event {
		tx, err := dbc.Begin()
		jtest.RequireNil(t, err)
		defer tx.Rollback()

		var batch []brook.EventData
		for i := 0; i < n; i++ {
			batch = append(batch, brook.EventData{Type: "thing_happened"})
		}
		el, err := table.Append(ctx, tx, stream, psql.ExpectedAny, batch...)
		jtest.RequireNil(t, err)
		jtest.RequireNil(t, tx.Commit())
		return el
	}

	a := appendBatch("stream_a", 2)
	b := appendBatch("stream_b", 3)
	a2 := appendBatch("stream_a", 1)

	assert.Equal(t, []int64{1, 2}, numbers(a))
	assert.Equal(t, []int64{3, 4, 5}, numbers(b))
	assert.Equal(t, []int64{6}, numbers(a2))

	assert.Equal(t, int64(1), a[0].StreamVersion)
	assert.Equal(t, int64(2), a[1].StreamVersion)
	assert.Equal(t, int64(3), a2[0].StreamVersion)
	assert.Equal(t, int64(1), b[0].StreamVersion)
}

func TestAppendWrongExpectedVersion(t *testing.T) {
	dbc := connect(t)
	tl := createTestTables(t, dbc)
	table := psql.NewEventsTable(tl.events, psql.WithNotifyChannel("events_test"))
	ctx := context.Background()

	tx, err := dbc.Begin()
	jtest.RequireNil(t, err)
	_, err = table.Append(ctx, tx, "stream_a", 0, brook.EventData{Type: "created"})
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, tx.Commit())

	tx, err = dbc.Begin()
	jtest.RequireNil(t, err)
	defer tx.Rollback()
	_, err = table.Append(ctx, tx, "stream_a", 0, brook.EventData{Type: "created"})
	jtest.Require(t, brook.ErrWrongExpectedVersion, err)
}

func TestReadStreamNotFound(t *testing.T) {
	dbc := connect(t)
	tl := createTestTables(t, dbc)
	table := psql.NewEventsTable(tl.events)
	ctx := context.Background()

	_, err := table.ReadStreamForward(ctx, dbc, "missing", 1, 10)
	jtest.Require(t, brook.ErrStreamNotFound, err)
}

func TestHead(t *testing.T) {
	dbc := connect(t)
	tl := createTestTables(t, dbc)
	table := psql.NewEventsTable(tl.events, psql.WithNotifyChannel("events_test"))
	ctx := context.Background()

	number, version, err := table.Head(ctx, dbc, brook.StreamAll)
	jtest.RequireNil(t, err)
	assert.Zero(t, number)
	assert.Zero(t, version)

	tx, err := dbc.Begin()
	jtest.RequireNil(t, err)
	_, err = table.Append(ctx, tx, "stream_a", psql.ExpectedAny,
		brook.EventData{Type: "created"}, brook.EventData{Type: "updated"})
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, tx.Commit())

	number, _, err = table.Head(ctx, dbc, brook.StreamAll)
	jtest.RequireNil(t, err)
	assert.Equal(t, int64(2), number)

	number, version, err = table.Head(ctx, dbc, "stream_a")
	jtest.RequireNil(t, err)
	assert.Equal(t, int64(2), number)
	assert.Equal(t, int64(2), version)
}

func TestAppendNotifies(t *testing.T) {
	dbc := connect(t)
	tl := createTestTables(t, dbc)
	table := psql.NewEventsTable(tl.events, psql.WithNotifyChannel("events_notify_test"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := psql.NewListener(*dbTestURI, psql.WithListenChannel("events_notify_test"))
	go func() { _ = l.Run(ctx) }()

	// Give the listener a moment to establish the LISTEN session.
	time.Sleep(time.Millisecond * 500)

	tx, err := dbc.Begin()
	jtest.RequireNil(t, err)
	_, err = table.Append(ctx, tx, "stream_a", psql.ExpectedAny,
		brook.EventData{Type: "created"}, brook.EventData{Type: "updated"})
	jtest.RequireNil(t, err)
	jtest.RequireNil(t, tx.Commit())

	select {
	case r := <-l.Ranges():
		require.Equal(t, brook.Range{First: 1, Last: 2}, r)
	case <-time.After(time.Second * 5):
		t.Fatal("timeout waiting for notification")
	}
}

func numbers(el []*brook.Event) []int64 {
	res := make([]int64, 0, len(el))
	for _, e := range el {
		res = append(res, e.Number)
	}
	return res
}
