//go:build integration

package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendflow/internal/platform/config"
	redisclient "lendflow/internal/platform/redis"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
	"lendflow/pkg/testutil/containers"
)

func TestRedisLockAcrossInstances(t *testing.T) {
	rd := containers.NewRedis(t)
	ctx := context.Background()

	client, err := redisclient.New(ctx, config.RedisConfig{URL: rd.URL, PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Health(ctx))

	// two lockers model two service instances sharing one Redis
	a := NewRedis(client.Client, time.Minute, nil)
	b := NewRedis(rd.Client, time.Minute, nil)
	key := ApplicationKey(id.NewApplicationID())

	release, err := a.Lock(ctx, key)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = b.Lock(waitCtx, key)
	require.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan struct{})
	go func() {
		defer wg.Done()
		next, err := b.Lock(ctx, key)
		if err == nil {
			close(acquired)
			next()
		}
	}()
	release()

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second instance never acquired the released lock")
	}
	wg.Wait()
}

func TestRedisLeaseExpires(t *testing.T) {
	rd := containers.NewRedis(t)
	ctx := context.Background()
	require.NoError(t, rd.FlushAll(ctx))

	locker := NewRedis(rd.Client, 200*time.Millisecond, nil)
	key := ApplicationKey(id.NewApplicationID())

	// the first holder never releases; the lease lapses on its own
	_, err := locker.Lock(ctx, key)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	release, err := locker.Lock(waitCtx, key)
	require.NoError(t, err)
	release()
}
