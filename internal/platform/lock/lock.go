// Package lock serializes work on one loan application (and the contract and
// signing PINs it owns) across goroutines, and with RedisLocker across
// service instances.
package lock

import (
	"context"
	"time"

	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
)

// Locker acquires an exclusive lease on key. The returned release func must be
// called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// ApplicationKey is the lock key shared by every operation on an application.
func ApplicationKey(applicationID id.ApplicationID) string {
	return "lendflow:lock:application:" + applicationID.String()
}

// numShards spreads keys over independent semaphores to keep unrelated
// applications from contending.
const numShards = 128

// defaultTimeout bounds lock acquisition when the caller has no deadline.
const defaultTimeout = 5 * time.Second

// Sharded is the in-process Locker. Each shard is a one-slot semaphore so
// acquisition honours context cancellation.
type Sharded struct {
	shards  [numShards]chan struct{}
	timeout time.Duration
}

func NewSharded() *Sharded {
	s := &Sharded{timeout: defaultTimeout}
	for i := range s.shards {
		s.shards[i] = make(chan struct{}, 1)
	}
	return s
}

func (s *Sharded) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeTimeout, "lock aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	shard := s.shards[hashKey(key)%numShards]
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "timed out waiting for application lock")
	}
}

// hashKey uses FNV-1a for even shard distribution.
func hashKey(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
