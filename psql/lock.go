package psql

import (
	"context"
	"database/sql"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/brookhq/brook"
)

// lockClass namespaces brook advisory locks so they cannot collide with
// other applications sharing the database.
const lockClass int32 = 0x6272 // "br"

// NewLocker returns an advisory locker backed by the given db pool. Each
// acquired lock pins its own connection; the lock is released by Unlock or
// implicitly when the session dies, which is what makes it safe as the
// cluster-wide single-active-subscriber primitive.
func NewLocker(dbc *sql.DB) brook.Locker {
	return &locker{dbc: dbc}
}

type locker struct {
	dbc *sql.DB
}

func (l *locker) TryLock(ctx context.Context, id int64) (brook.Unlocker, bool, error) {
	conn, err := l.dbc.Conn(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire lock connection")
	}

	var ok bool
	err = conn.QueryRowContext(ctx,
		"select pg_try_advisory_lock($1, $2)", lockClass, int32(id)).Scan(&ok)
	if err != nil {
		_ = conn.Close()
		return nil, false, errors.Wrap(err, "try advisory lock", j.KV("lock_id", id))
	}

	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}

	return &lock{conn: conn, id: id}, true, nil
}

type lock struct {
	conn *sql.Conn
	id   int64
}

// Unlock releases the advisory lock and the pinned connection. Closing the
// connection alone would release the lock too; the explicit unlock keeps
// the session reusable by the pool.
func (l *lock) Unlock() error {
	defer l.conn.Close()

	var released bool
	err := l.conn.QueryRowContext(context.Background(),
		"select pg_advisory_unlock($1, $2)", lockClass, int32(l.id)).Scan(&released)
	if err != nil {
		return errors.Wrap(err, "advisory unlock", j.KV("lock_id", l.id))
	}
	if !released {
		return errors.New("advisory lock not held", j.KV("lock_id", l.id))
	}
	return nil
}
