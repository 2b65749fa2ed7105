package election

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antcode/antcode/pkg/redisx"
)

func newTestElector(t *testing.T, mr *miniredis.Miniredis) *Elector {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(redisx.NewFromClient(rdb, "antcode"), Config{
		LockTTL:       time.Second,
		RenewInterval: 200 * time.Millisecond,
		RetryInterval: 50 * time.Millisecond,
	})
}

func TestAcquireMintsFencingToken(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newTestElector(t, mr)
	ctx := context.Background()

	term, err := e.TryAcquire(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, term.Token)
	assert.Equal(t, e.HolderID(), term.HolderID)
	assert.Equal(t, term, e.CurrentTerm())

	// the second master cannot acquire while the first holds the lock
	e2 := newTestElector(t, mr)
	_, err = e2.TryAcquire(ctx)
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	// release lets the second master in with a strictly greater token
	require.NoError(t, e.Release(ctx))
	term2, err := e2.TryAcquire(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, term2.Token)
}

func TestRenewAndLockLoss(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newTestElector(t, mr)
	ctx := context.Background()

	_, err := e.TryAcquire(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Renew(ctx))

	// lock stolen out from under us
	mr.Set("antcode:lock:master", "someone-else")
	err = e.Renew(ctx)
	assert.ErrorIs(t, err, ErrNotLeader)
	assert.Nil(t, e.CurrentTerm())
}

func TestReleaseNeverDeletesSuccessorLock(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newTestElector(t, mr)
	ctx := context.Background()

	_, err := e.TryAcquire(ctx)
	require.NoError(t, err)
	mr.Set("antcode:lock:master", "successor")

	require.NoError(t, e.Release(ctx))
	got, err := mr.Get("antcode:lock:master")
	require.NoError(t, err)
	assert.Equal(t, "successor", got)
}

func TestRunCallsOnElected(t *testing.T) {
	mr := miniredis.RunT(t)
	e := newTestElector(t, mr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var elected atomic.Int64
	gotToken := make(chan int64, 1)
	go e.Run(ctx, func(leaderCtx context.Context, term *Term) {
		if elected.Add(1) == 1 {
			gotToken <- term.Token
		}
		<-leaderCtx.Done()
	})

	select {
	case tok := <-gotToken:
		assert.EqualValues(t, 1, tok)
	case <-time.After(2 * time.Second):
		t.Fatal("never elected")
	}
	cancel()
}

func TestCheckToken(t *testing.T) {
	assert.True(t, CheckToken(5, 5))
	assert.True(t, CheckToken(6, 5))
	assert.False(t, CheckToken(4, 5))
}
