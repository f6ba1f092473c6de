package psql

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brookhq/brook"
)

const (
	testStream   = "88a48e55-9fb2-4d21-bfa9-26d14fd9cbcd"
	testSubName  = "test_subscription"
	testNumSeeds = 3
)

// TestEventsTable provides a helper to exercise an events table against a
// real database: appends a batch and reads it back in both orders.
func TestEventsTable(t *testing.T, dbc *sql.DB, table *EventsTable) {
	ctx := context.Background()

	tx, err := dbc.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	var batch []brook.EventData
	for i := 1; i <= testNumSeeds; i++ {
		batch = append(batch, brook.EventData{Type: "seeded"})
	}
	stored, err := table.Append(ctx, tx, testStream, ExpectedAny, batch...)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.Len(t, stored, testNumSeeds)

	el, err := table.ReadStreamForward(ctx, dbc, testStream, 1, 100)
	require.NoError(t, err)
	require.Len(t, el, testNumSeeds)
	for i, e := range el {
		assert.Equal(t, int64(i+1), e.StreamVersion)
		assert.Equal(t, testStream, e.StreamID)
		assert.Equal(t, "seeded", e.Type)
	}

	all, err := table.ReadAllForward(ctx, dbc, 1, 100)
	require.NoError(t, err)
	require.Len(t, all, testNumSeeds)
	for i := 1; i < len(all); i++ {
		assert.Equal(t, all[i-1].Number+1, all[i].Number)
	}
}

// TestSubscriptionsTable provides a helper to exercise a subscriptions table
// against a real database: create, idempotent lookup, ack and delete.
func TestSubscriptionsTable(t *testing.T, dbc *sql.DB, table *SubscriptionsTable) {
	ctx := context.Background()

	r, err := table.Subscribe(ctx, dbc, testStream, testSubName, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.LastSeenNumber)
	assert.Equal(t, int64(0), r.LastSeenVersion)

	// Lookup-or-create is idempotent: the start position of a second
	// subscribe is ignored.
	r2, err := table.Subscribe(ctx, dbc, testStream, testSubName, 99, 99)
	require.NoError(t, err)
	assert.Equal(t, r.ID, r2.ID)
	assert.Equal(t, int64(0), r2.LastSeenNumber)

	require.NoError(t, table.Ack(ctx, dbc, testStream, testSubName, 10, 3))
	require.NoError(t, table.Flush(ctx, dbc))

	r3, err := table.Subscribe(ctx, dbc, testStream, testSubName, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), r3.LastSeenNumber)
	assert.Equal(t, int64(3), r3.LastSeenVersion)

	require.NoError(t, table.Unsubscribe(ctx, dbc, testStream, testSubName))
	require.NoError(t, table.Unsubscribe(ctx, dbc, testStream, testSubName))
}
