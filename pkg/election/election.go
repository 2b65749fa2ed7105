package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/redisx"
)

var (
	// ErrLockNotAcquired means another master currently holds the lock.
	ErrLockNotAcquired = errors.New("leader lock held by another master")
	// ErrNotLeader is returned by operations that require leadership.
	ErrNotLeader = errors.New("not the leader")
)

// renewScript extends the lock TTL only while we still own it.
var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// releaseScript deletes the lock only while we still own it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Term represents one period of leadership. Token is the fencing token minted
// at acquisition; every write performed under this term carries it.
type Term struct {
	Token     int64
	HolderID  string
	StartedAt time.Time
}

// Config holds election timing.
type Config struct {
	LockTTL       time.Duration
	RenewInterval time.Duration
	RetryInterval time.Duration
}

// DefaultConfig returns the timing a single-region deployment uses.
func DefaultConfig() Config {
	return Config{
		LockTTL:       15 * time.Second,
		RenewInterval: 5 * time.Second,
		RetryInterval: 3 * time.Second,
	}
}

// Elector runs Redis-lock leader election with fencing tokens. One Elector
// per master process; the holder token is unique per process lifetime.
type Elector struct {
	rdb      *redis.Client
	lockKey  string
	holderID string
	cfg      Config
	logger   zerolog.Logger

	mu   sync.Mutex
	term *Term
}

// New creates an Elector on the given redis client.
func New(client *redisx.Client, cfg Config) *Elector {
	if cfg.LockTTL <= 0 {
		cfg = DefaultConfig()
	}
	return &Elector{
		rdb:      client.Raw(),
		lockKey:  client.Keys().LeaderLock(),
		holderID: uuid.New().String(),
		cfg:      cfg,
		logger:   log.WithComponent("election"),
	}
}

// HolderID returns this process's unique holder token.
func (e *Elector) HolderID() string { return e.holderID }

// CurrentTerm returns the active term, or nil when this process is a
// follower.
func (e *Elector) CurrentTerm() *Term {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

// TryAcquire attempts one SET NX PX acquisition. On success it increments the
// fencing counter and returns the new term.
func (e *Elector) TryAcquire(ctx context.Context) (*Term, error) {
	ok, err := e.rdb.SetNX(ctx, e.lockKey, e.holderID, e.cfg.LockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	// The counter key is outside the namespace so tokens stay monotonic
	// across reconfigurations.
	token, err := e.rdb.Incr(ctx, redisx.FencingCounterKey).Result()
	if err != nil {
		// Without a fencing token the acquisition is useless; give the
		// lock back so another master can try.
		releaseScript.Run(ctx, e.rdb, []string{e.lockKey}, e.holderID)
		return nil, fmt.Errorf("failed to mint fencing token: %w", err)
	}

	term := &Term{Token: token, HolderID: e.holderID, StartedAt: time.Now().UTC()}
	e.mu.Lock()
	e.term = term
	e.mu.Unlock()
	return term, nil
}

// Renew extends the lock TTL. Returns ErrNotLeader when the lock was lost.
func (e *Elector) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, e.rdb, []string{e.lockKey},
		e.holderID, e.cfg.LockTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew leader lock: %w", err)
	}
	if n == 0 {
		e.clearTerm()
		return ErrNotLeader
	}
	return nil
}

// Release gives up leadership voluntarily. The compare-and-delete never
// removes a lock another holder has since acquired.
func (e *Elector) Release(ctx context.Context) error {
	e.clearTerm()
	_, err := releaseScript.Run(ctx, e.rdb, []string{e.lockKey}, e.holderID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	return nil
}

func (e *Elector) clearTerm() {
	e.mu.Lock()
	e.term = nil
	e.mu.Unlock()
}

// Run blocks until ctx is done, alternating between follower waits and
// leadership periods. Each time the lock is won, onElected is called with a
// context that is cancelled when leadership is lost and the term carrying the
// fencing token. onElected should return promptly after its context ends.
func (e *Elector) Run(ctx context.Context, onElected func(ctx context.Context, term *Term)) error {
	for {
		term, err := e.TryAcquire(ctx)
		if err != nil {
			if !errors.Is(err, ErrLockNotAcquired) {
				e.logger.Warn().Err(err).Msg("leader acquisition failed")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.RetryInterval):
				continue
			}
		}

		e.logger.Info().Int64("fencing_token", term.Token).Msg("acquired leadership")
		e.lead(ctx, term, onElected)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// lead runs onElected while renewing the lock, stepping down on renewal
// failure or lock loss.
func (e *Elector) lead(ctx context.Context, term *Term, onElected func(context.Context, *Term)) {
	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		onElected(leaderCtx, term)
	}()

	ticker := time.NewTicker(e.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cancel()
			<-done
			e.Release(context.Background())
			return
		case <-done:
			// callback returned on its own; step down
			e.Release(ctx)
			return
		case <-ticker.C:
			if err := e.Renew(ctx); err != nil {
				e.logger.Warn().Err(err).Int64("fencing_token", term.Token).
					Msg("lost leadership")
				cancel()
				<-done
				return
			}
		}
	}
}

// CheckToken validates a write's fencing token against the highest token the
// consumer has seen. Tokens below lastSeen belong to a deposed leader.
func CheckToken(token, lastSeen int64) bool {
	return token >= lastSeen
}
