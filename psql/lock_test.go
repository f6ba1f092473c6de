package psql_test

import (
	"context"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/brookhq/brook/psql"
)

func TestAdvisoryLockExclusive(t *testing.T) {
	dbc := connect(t)
	ctx := context.Background()

	locker := psql.NewLocker(dbc)

	u1, ok, err := locker.TryLock(ctx, 12345)
	jtest.RequireNil(t, err)
	require.True(t, ok)

	// A second session cannot take the held lock.
	_, ok, err = locker.TryLock(ctx, 12345)
	jtest.RequireNil(t, err)
	require.False(t, ok)

	// A different key is independent.
	u2, ok, err := locker.TryLock(ctx, 12346)
	jtest.RequireNil(t, err)
	require.True(t, ok)
	jtest.RequireNil(t, u2.Unlock())

	// Releasing makes the lock available again.
	jtest.RequireNil(t, u1.Unlock())

	u3, ok, err := locker.TryLock(ctx, 12345)
	jtest.RequireNil(t, err)
	require.True(t, ok)
	jtest.RequireNil(t, u3.Unlock())
}
