// Package lock provides the per-run mutual exclusion lease. A lease is
// a Redis key set if-absent with a TTL; only the holder's token can
// release or renew it, so a worker that stalls past the TTL cannot
// clobber the next holder.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired reports that another worker holds the run lock.
var ErrNotAcquired = errors.New("run lock held elsewhere")

// Config tunes the lock manager.
type Config struct {
	// KeyPrefix namespaces lock keys; the run id is appended.
	KeyPrefix string
	// TTL is the lease lifetime. Renewal runs at TTL/3 while a handler
	// works, so a crashed worker frees the run after at most one TTL.
	TTL time.Duration
}

// DefaultConfig returns the production lock settings.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "hookflow:lock:run:",
		TTL:       60 * time.Second,
	}
}

// Validate checks the config for usable values.
func (c Config) Validate() error {
	if c.KeyPrefix == "" {
		return errors.New("key prefix required")
	}
	if c.TTL <= 0 {
		return errors.New("ttl must be positive")
	}
	return nil
}

// releaseScript deletes the lock only while our token still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// renewScript extends the lock only while our token still owns it.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Manager acquires run leases against Redis.
type Manager struct {
	rdb    redis.UniversalClient
	cfg    Config
	logger *slog.Logger
}

// NewManager creates a lock manager.
func NewManager(rdb redis.UniversalClient, cfg Config, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lock config: %w", err)
	}
	return &Manager{rdb: rdb, cfg: cfg, logger: logger}, nil
}

// Acquire takes the lease for a run, or returns ErrNotAcquired when
// another worker holds it.
func (m *Manager) Acquire(ctx context.Context, runID string) (*Lease, error) {
	token := uuid.NewString()
	key := m.cfg.KeyPrefix + runID
	ok, err := m.rdb.SetNX(ctx, key, token, m.cfg.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{
		rdb:    m.rdb,
		key:    key,
		token:  token,
		ttl:    m.cfg.TTL,
		logger: m.logger,
	}, nil
}

// Lease is a held run lock.
type Lease struct {
	rdb    redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
	logger *slog.Logger
}

// Release frees the lease if we still own it. Releasing a lease that
// already expired is not an error.
func (l *Lease) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	if deleted == 0 {
		l.logger.Debug("Run lock already gone at release", "key", l.key)
	}
	return nil
}

// Renew extends the lease TTL. Reports false when the lease was lost,
// meaning it expired and may now belong to another worker.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	renewed, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew run lock: %w", err)
	}
	return renewed == 1, nil
}

// AutoRenew keeps the lease alive from a background goroutine until
// the returned stop function is called or ctx ends. Renewal runs every
// TTL/3.
func (l *Lease) AutoRenew(ctx context.Context) func() {
	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
			}
			held, err := l.Renew(renewCtx)
			if err != nil {
				if renewCtx.Err() == nil {
					l.logger.Warn("Run lock renewal failed", "key", l.key, "error", err)
				}
				continue
			}
			if !held {
				l.logger.Warn("Run lock lost during renewal", "key", l.key)
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
