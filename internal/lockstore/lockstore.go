package lockstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flexspace/deskbooking/internal/domain"
	"github.com/flexspace/deskbooking/pkg/logger"
)

const keyPrefix = "desk"

// Config holds advisory lock timing parameters
type Config struct {
	TTL         time.Duration // rolling TTL applied on acquire and refresh
	MaxLifetime time.Duration // absolute ceiling measured from issued_at
}

// DefaultConfig returns lock timing defaults
func DefaultConfig() Config {
	return Config{
		TTL:         60 * time.Second,
		MaxLifetime: 300 * time.Second,
	}
}

// Info is the lock payload stored in Redis
type Info struct {
	DeskID      int64     `json:"desk_id"`
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username"`
	IssuedAt    time.Time `json:"issued_at"`
	RefreshedAt time.Time `json:"refreshed_at,omitempty"`
}

// commands is the subset of redis operations the store needs
type commands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store implements the advisory desk lock on top of a TTL key-value store.
// The lock is soft: reservation correctness never depends on it. It only
// keeps two interactive edit sessions from stomping on each other.
type Store struct {
	rdb commands
	cfg Config
	now func() time.Time
}

// NewStore creates a lock store backed by the given redis commands
func NewStore(rdb commands, cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = DefaultConfig().MaxLifetime
	}
	return &Store{
		rdb: rdb,
		cfg: cfg,
		now: time.Now,
	}
}

func key(deskID int64) string {
	return fmt.Sprintf("%s:%d:lock", keyPrefix, deskID)
}

// load reads and decodes the lock payload. A missing or unparseable
// payload is reported as absent.
func (s *Store) load(ctx context.Context, k string) (*Info, error) {
	raw, err := s.rdb.Get(ctx, k).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get lock: %v", domain.ErrStoreUnavailable, err)
	}

	var info Info
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		logger.Get().Warn("discarding unparseable lock payload", zap.String("key", k))
		return nil, nil
	}
	return &info, nil
}

// Acquire takes the advisory lock on a desk for the given owner.
// Re-acquire by the current owner succeeds and refreshes the TTL.
func (s *Store) Acquire(ctx context.Context, deskID int64, owner domain.UserRef) (bool, error) {
	k := key(deskID)
	payload := Info{
		DeskID:   deskID,
		UserID:   owner.ID,
		Username: owner.Username,
		IssuedAt: s.now().UTC(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal lock payload: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, k, raw, s.cfg.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx lock: %v", domain.ErrStoreUnavailable, err)
	}
	if ok {
		return true, nil
	}

	existing, err := s.load(ctx, k)
	if err != nil {
		return false, err
	}
	if existing == nil || existing.UserID != owner.ID {
		return false, nil
	}

	// Same owner: idempotent re-acquire, just extend the TTL
	existing.RefreshedAt = s.now().UTC()
	return s.write(ctx, k, existing)
}

// Refresh extends the lock TTL for the given owner. It fails when no lock
// exists, when the owner differs, or when the lock's age exceeds the
// absolute ceiling; in the ceiling case the key is deleted so a stalled
// client cannot hold a desk forever through late refresh calls.
func (s *Store) Refresh(ctx context.Context, deskID int64, userID int64) (bool, error) {
	k := key(deskID)
	existing, err := s.load(ctx, k)
	if err != nil {
		return false, err
	}
	if existing == nil || existing.UserID != userID {
		return false, nil
	}

	issuedAt := existing.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = s.now().UTC()
	}
	if s.now().Sub(issuedAt) > s.cfg.MaxLifetime {
		if err := s.rdb.Del(ctx, k).Err(); err != nil {
			return false, fmt.Errorf("%w: delete expired lock: %v", domain.ErrStoreUnavailable, err)
		}
		return false, nil
	}

	existing.RefreshedAt = s.now().UTC()
	return s.write(ctx, k, existing)
}

// Release drops the lock. Releasing an absent lock is a successful no-op;
// releasing another owner's lock fails without touching it.
func (s *Store) Release(ctx context.Context, deskID int64, userID int64) (bool, error) {
	k := key(deskID)
	existing, err := s.load(ctx, k)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return true, nil
	}
	if existing.UserID != userID {
		return false, nil
	}
	if err := s.rdb.Del(ctx, k).Err(); err != nil {
		return false, fmt.Errorf("%w: delete lock: %v", domain.ErrStoreUnavailable, err)
	}
	return true, nil
}

// Read returns the current lock holder without side effects, or nil when
// the desk is unlocked.
func (s *Store) Read(ctx context.Context, deskID int64) (*Info, error) {
	return s.load(ctx, key(deskID))
}

func (s *Store) write(ctx context.Context, k string, info *Info) (bool, error) {
	raw, err := json.Marshal(info)
	if err != nil {
		return false, fmt.Errorf("marshal lock payload: %w", err)
	}
	if err := s.rdb.Set(ctx, k, raw, s.cfg.TTL).Err(); err != nil {
		return false, fmt.Errorf("%w: set lock: %v", domain.ErrStoreUnavailable, err)
	}
	return true, nil
}
