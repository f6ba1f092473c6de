package psql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brookhq/brook"
)

func testEvents(from, to int64) []*brook.Event {
	var el []*brook.Event
	for n := from; n <= to; n++ {
		el = append(el, &brook.Event{Number: n, StreamID: "s", StreamVersion: n})
	}
	return el
}

func TestRCacheHit(t *testing.T) {
	c := newRCache(etableSchema{name: "events"})
	c.maybeUpdateUnsafe(testEvents(1, 10))

	el, ok := c.maybeHitUnsafe(1, 5)
	require.True(t, ok)
	assert.Equal(t, int64(1), el[0].Number)
	assert.Len(t, el, 5)

	el, ok = c.maybeHitUnsafe(6, 5)
	require.True(t, ok)
	assert.Equal(t, int64(6), el[0].Number)
	assert.Len(t, el, 5)
}

func TestRCacheShortPageIsMiss(t *testing.T) {
	c := newRCache(etableSchema{name: "events"})
	c.maybeUpdateUnsafe(testEvents(1, 10))

	// The cache tail may lag the true head, so a page it cannot fill
	// completely must fall through to the database.
	_, ok := c.maybeHitUnsafe(8, 5)
	require.False(t, ok)

	_, ok = c.maybeHitUnsafe(11, 5)
	require.False(t, ok)
}

func TestRCacheMissBeforeWindow(t *testing.T) {
	c := newRCache(etableSchema{name: "events"})
	c.maybeUpdateUnsafe(testEvents(5, 10))

	_, ok := c.maybeHitUnsafe(4, 2)
	require.False(t, ok)

	el, ok := c.maybeHitUnsafe(5, 2)
	require.True(t, ok)
	assert.Equal(t, int64(5), el[0].Number)
}

func TestRCacheUpdate(t *testing.T) {
	c := newRCache(etableSchema{name: "events"})

	// Init.
	c.maybeUpdateUnsafe(testEvents(1, 5))
	assert.Equal(t, int64(1), c.headUnsafe())
	assert.Equal(t, int64(5), c.tailUnsafe())

	// Consecutive appends extend the window.
	c.maybeUpdateUnsafe(testEvents(6, 8))
	assert.Equal(t, int64(8), c.tailUnsafe())

	// Historic reads are ignored.
	c.maybeUpdateUnsafe(testEvents(2, 4))
	assert.Equal(t, int64(1), c.headUnsafe())
	assert.Equal(t, int64(8), c.tailUnsafe())

	// Disjoint reads re-init the window.
	c.maybeUpdateUnsafe(testEvents(100, 105))
	assert.Equal(t, int64(100), c.headUnsafe())
	assert.Equal(t, int64(105), c.tailUnsafe())
}

func TestRCacheTrim(t *testing.T) {
	c := newRCache(etableSchema{name: "events"})
	c.limit = 5

	c.maybeUpdateUnsafe(testEvents(1, 10))
	c.maybeTrimUnsafe()

	assert.Equal(t, 5, c.lenUnsafe())
	assert.Equal(t, int64(6), c.headUnsafe())
	assert.Equal(t, int64(10), c.tailUnsafe())
}
