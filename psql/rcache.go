package psql

import (
	"context"
	"sync"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/brookhq/brook"
)

const defaultRCacheLimit = 10000

// ErrConsecEvent occurs when the difference between the numbers of two
// consecutive all-stream events is not 1.
var ErrConsecEvent = errors.New("non-consecutive event numbers", j.C("ERR_bc4dcacb92b9761e"))

// rcache provides a read-through cache for the head of the all-stream.
// Catch-up workers and the broker's notification range reads mostly read
// the same recent window; the cache keeps them off the database.
type rcache struct {
	cache []*brook.Event
	mu    sync.RWMutex

	schema etableSchema
	limit  int
}

func newRCache(schema etableSchema) *rcache {
	return &rcache{
		schema: schema,
		limit:  defaultRCacheLimit,
	}
}

func (c *rcache) lenUnsafe() int {
	return len(c.cache)
}

func (c *rcache) emptyUnsafe() bool {
	return c.lenUnsafe() == 0
}

func (c *rcache) headUnsafe() int64 {
	if c.emptyUnsafe() {
		return 0
	}
	return c.cache[0].Number
}

func (c *rcache) tailUnsafe() int64 {
	if c.emptyUnsafe() {
		return 0
	}
	return c.cache[len(c.cache)-1].Number
}

// ReadAllForward returns up to limit events with number at or after from,
// serving from the cache when the window covers from.
func (c *rcache) ReadAllForward(ctx context.Context, dbc DBC, from int64,
	limit int,
) ([]*brook.Event, error) {
	if res, ok := c.maybeHit(from, limit); ok {
		rcacheHitsCounter.WithLabelValues(c.schema.name).Inc()
		return res, nil
	}

	rcacheMissCounter.WithLabelValues(c.schema.name).Inc()
	return c.readThrough(ctx, dbc, from, limit)
}

func (c *rcache) maybeHit(from int64, limit int) ([]*brook.Event, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maybeHitUnsafe(from, limit)
}

// maybeHitUnsafe returns limit events from number (inclusive). A window
// that cannot fill the full page is a miss: the cache tail may lag the true
// head, and a short page tells callers they have caught up.
// Note it is unsafe, locks are managed outside.
func (c *rcache) maybeHitUnsafe(from int64, limit int) ([]*brook.Event, bool) {
	if from < c.headUnsafe() || from > c.tailUnsafe() {
		return nil, false
	}

	offset := int(from - c.headUnsafe())
	res := c.cache[offset:]
	if len(res) < limit {
		return nil, false
	}
	return res[:limit], true
}

// readThrough returns the next events from the DB as well as updating the
// cache.
func (c *rcache) readThrough(ctx context.Context, dbc DBC, from int64,
	limit int,
) ([]*brook.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Recheck cache after waiting for lock.
	if res, ok := c.maybeHitUnsafe(from, limit); ok {
		return res, nil
	}

	res, err := getAllEvents(ctx, dbc, c.schema, from, limit)
	if err != nil {
		return nil, err
	}

	// Validate consecutive event numbers; appends are serialised so the
	// all-stream is dense.
	for i := 1; i < len(res); i++ {
		if res[i].Number != res[i-1].Number+1 {
			return nil, ErrConsecEvent
		}
	}

	c.maybeUpdateUnsafe(res)
	c.maybeTrimUnsafe()

	return res, nil
}

func (c *rcache) maybeUpdateUnsafe(el []*brook.Event) {
	if len(el) == 0 {
		return
	}

	next := el[0].Number

	// If empty, init.
	if c.emptyUnsafe() {
		c.cache = el
		return
	}

	// If disjoint from the current window, re-init.
	if c.tailUnsafe()+1 < next {
		c.cache = el
		return
	}

	// If consecutive, append.
	if c.tailUnsafe()+1 == next {
		c.cache = append(c.cache, el...)
		return
	}

	// Else overlapping or historic, ignore.
}

func (c *rcache) maybeTrimUnsafe() {
	if c.lenUnsafe() > c.limit {
		offset := c.lenUnsafe() - c.limit
		c.cache = c.cache[offset:]
	}
}
