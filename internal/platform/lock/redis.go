package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	dErrors "lendflow/pkg/domain-errors"
)

// releaseScript deletes the key only if we still own the lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease-based Locker built on SET NX PX. The lease TTL must exceed
// the longest critical section; collaborator timeouts keep that bounded.
type Redis struct {
	client  redis.UniversalClient
	ttl     time.Duration
	retry   time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

func NewRedis(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Redis{
		client:  client,
		ttl:     ttl,
		retry:   25 * time.Millisecond,
		timeout: defaultTimeout,
		logger:  logger,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	token, err := newToken()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create lock token")
	}

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "lock backend unavailable")
		}
		if ok {
			return func() { r.release(key, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "timed out waiting for application lock")
		case <-ticker.C:
		}
	}
}

func (r *Redis) release(key, token string) {
	// Release must run even when the caller's context is already done.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
		r.logger.WarnContext(ctx, "failed to release application lock", "key", key, "error", err)
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
