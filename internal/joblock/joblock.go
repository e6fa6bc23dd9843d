// Package joblock keeps a caller-supplied job id from running twice at once.
package joblock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/book-expert/tts-pipeline/internal/core"
)

const (
	errFmtParseRedisURL = "failed to parse redis URL: %w"
	errFmtConnectRedis  = "failed to connect to redis: %w"
	errFmtAcquire       = "%w: acquiring lock for job %s: %w"
	errFmtHeld          = "%w: %s"
	logFmtReleaseFailed = "Failed to release lock for job %s: %v"

	// DefaultTTL bounds how long a crashed run can hold a job id.
	DefaultTTL = 15 * time.Minute

	keyPrefix   = "tts-pipeline:lock:"
	pingTimeout = 5 * time.Second
)

// releaseScript deletes the key only when it still carries this holder's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a SETNX lock shared by every replica using the same Redis.
type RedisLock struct {
	client *redis.Client
	ttl    time.Duration
	logger *logger.Logger
}

// NewRedisLock connects to redisURL and verifies the connection.
func NewRedisLock(ctx context.Context, redisURL string, ttl time.Duration, log *logger.Logger) (*RedisLock, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf(errFmtParseRedisURL, err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf(errFmtConnectRedis, err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &RedisLock{client: client, ttl: ttl, logger: log}, nil
}

// Acquire takes the lock for jobID. The returned release is safe to call more than once.
func (l *RedisLock) Acquire(ctx context.Context, jobID string) (func(), error) {
	key := keyPrefix + jobID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf(errFmtAcquire, core.ErrStorageFailure, jobID, err)
	}

	if !ok {
		return nil, fmt.Errorf(errFmtHeld, core.ErrJobInProgress, jobID)
	}

	var once sync.Once

	release := func() {
		once.Do(func() {
			// The caller's context may already be cancelled by the time it releases.
			releaseCtx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			defer cancel()

			runErr := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			if runErr != nil && runErr != redis.Nil {
				l.logger.Warn(logFmtReleaseFailed, jobID, runErr)
			}
		})
	}

	return release, nil
}

// Close closes the Redis client.
func (l *RedisLock) Close() error {
	return l.client.Close()
}

// MemoryLock is the single-process lock used when no Redis is configured.
type MemoryLock struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLock creates an empty in-process lock table.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{held: make(map[string]struct{})}
}

// Acquire takes the lock for jobID.
func (l *MemoryLock) Acquire(_ context.Context, jobID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[jobID]; busy {
		return nil, fmt.Errorf(errFmtHeld, core.ErrJobInProgress, jobID)
	}

	l.held[jobID] = struct{}{}

	var once sync.Once

	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, jobID)
			l.mu.Unlock()
		})
	}, nil
}
