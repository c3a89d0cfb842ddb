package lockstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexspace/deskbooking/internal/domain"
)

type fakeRedis struct {
	GetFunc   func(ctx context.Context, key string) *redis.StringCmd
	SetFunc   func(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNXFunc func(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	DelFunc   func(ctx context.Context, keys ...string) *redis.IntCmd
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.GetFunc != nil {
		return f.GetFunc(ctx, key)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.SetFunc != nil {
		return f.SetFunc(ctx, key, value, expiration)
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	if f.SetNXFunc != nil {
		return f.SetNXFunc(ctx, key, value, expiration)
	}
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	if f.DelFunc != nil {
		return f.DelFunc(ctx, keys...)
	}
	return redis.NewIntResult(1, nil)
}

func lockJSON(t *testing.T, info Info) string {
	t.Helper()
	raw, err := json.Marshal(info)
	require.NoError(t, err)
	return string(raw)
}

func newTestStore(rdb commands, now time.Time) *Store {
	s := NewStore(rdb, DefaultConfig())
	s.now = func() time.Time { return now }
	return s
}

func TestAcquire(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	owner := domain.UserRef{ID: 7, Username: "alice"}

	t.Run("takes a free desk", func(t *testing.T) {
		var gotKey string
		var gotTTL time.Duration
		rdb := &fakeRedis{
			SetNXFunc: func(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
				gotKey = key
				gotTTL = expiration
				return redis.NewBoolResult(true, nil)
			},
		}
		store := newTestStore(rdb, now)

		ok, err := store.Acquire(context.Background(), 42, owner)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "desk:42:lock", gotKey)
		assert.Equal(t, 60*time.Second, gotTTL)
	})

	t.Run("fails when held by someone else", func(t *testing.T) {
		held := lockJSON(t, Info{DeskID: 42, UserID: 99, Username: "bob", IssuedAt: now})
		rdb := &fakeRedis{
			SetNXFunc: func(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
				return redis.NewBoolResult(false, nil)
			},
			GetFunc: func(ctx context.Context, key string) *redis.StringCmd {
				return redis.NewStringResult(held, nil)
			},
		}
		store := newTestStore(rdb, now)

		ok, err := store.Acquire(context.Background(), 42, owner)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("re-acquire by same owner refreshes", func(t *testing.T) {
		held := lockJSON(t, Info{DeskID: 42, UserID: 7, Username: "alice", IssuedAt: now.Add(-30 * time.Second)})
		refreshed := false
		rdb := &fakeRedis{
			SetNXFunc: func(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
				return redis.NewBoolResult(false, nil)
			},
			GetFunc: func(ctx context.Context, key string) *redis.StringCmd {
				return redis.NewStringResult(held, nil)
			},
			SetFunc: func(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
				refreshed = true
				var info Info
				require.NoError(t, json.Unmarshal(value.([]byte), &info))
				// issued_at is preserved so the absolute ceiling keeps counting
				assert.Equal(t, now.Add(-30*time.Second), info.IssuedAt)
				assert.Equal(t, now, info.RefreshedAt)
				return redis.NewStatusResult("OK", nil)
			},
		}
		store := newTestStore(rdb, now)

		ok, err := store.Acquire(context.Background(), 42, owner)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, refreshed)
	})

	t.Run("store failure is transient", func(t *testing.T) {
		rdb := &fakeRedis{
			SetNXFunc: func(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
				return redis.NewBoolResult(false, errors.New("connection refused"))
			},
		}
		store := newTestStore(rdb, now)

		_, err := store.Acquire(context.Background(), 42, owner)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	})
}

func TestRefresh(t *testing.T) {
	issued := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	held := func(t *testing.T) string {
		return lockJSON(t, Info{DeskID: 42, UserID: 7, Username: "alice", IssuedAt: issued})
	}

	tests := []struct {
		name       string
		now        time.Time
		payload    string
		userID     int64
		wantOK     bool
		wantDelete bool
	}{
		{
			name:   "within lifetime",
			now:    issued.Add(45 * time.Second),
			userID: 7,
			wantOK: true,
		},
		{
			name:   "just under the ceiling",
			now:    issued.Add(290 * time.Second),
			userID: 7,
			wantOK: true,
		},
		{
			name:       "past the ceiling deletes the key",
			now:        issued.Add(310 * time.Second),
			userID:     7,
			wantOK:     false,
			wantDelete: true,
		},
		{
			name:   "wrong owner",
			now:    issued.Add(10 * time.Second),
			userID: 99,
			wantOK: false,
		},
		{
			name:    "no lock present",
			now:     issued,
			payload: "absent",
			userID:  7,
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deleted := false
			written := false
			rdb := &fakeRedis{
				GetFunc: func(ctx context.Context, key string) *redis.StringCmd {
					if tt.payload == "absent" {
						return redis.NewStringResult("", redis.Nil)
					}
					return redis.NewStringResult(held(t), nil)
				},
				DelFunc: func(ctx context.Context, keys ...string) *redis.IntCmd {
					deleted = true
					return redis.NewIntResult(1, nil)
				},
				SetFunc: func(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
					written = true
					assert.Equal(t, 60*time.Second, expiration)
					return redis.NewStatusResult("OK", nil)
				},
			}
			store := newTestStore(rdb, tt.now)

			ok, err := store.Refresh(context.Background(), 42, tt.userID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantDelete, deleted)
			assert.Equal(t, tt.wantOK, written)
		})
	}
}

func TestRelease(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	held := lockJSON(t, Info{DeskID: 42, UserID: 7, Username: "alice", IssuedAt: now})

	t.Run("no lock is a successful no-op", func(t *testing.T) {
		deleted := false
		rdb := &fakeRedis{
			DelFunc: func(ctx context.Context, keys ...string) *redis.IntCmd {
				deleted = true
				return redis.NewIntResult(0, nil)
			},
		}
		store := newTestStore(rdb, now)

		ok, err := store.Release(context.Background(), 42, 7)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.False(t, deleted)
	})

	t.Run("foreign lock is left alone", func(t *testing.T) {
		deleted := false
		rdb := &fakeRedis{
			GetFunc: func(ctx context.Context, key string) *redis.StringCmd {
				return redis.NewStringResult(held, nil)
			},
			DelFunc: func(ctx context.Context, keys ...string) *redis.IntCmd {
				deleted = true
				return redis.NewIntResult(1, nil)
			},
		}
		store := newTestStore(rdb, now)

		ok, err := store.Release(context.Background(), 42, 99)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, deleted)
	})

	t.Run("own lock is deleted", func(t *testing.T) {
		deleted := false
		rdb := &fakeRedis{
			GetFunc: func(ctx context.Context, key string) *redis.StringCmd {
				return redis.NewStringResult(held, nil)
			},
			DelFunc: func(ctx context.Context, keys ...string) *redis.IntCmd {
				deleted = true
				return redis.NewIntResult(1, nil)
			},
		}
		store := newTestStore(rdb, now)

		ok, err := store.Release(context.Background(), 42, 7)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, deleted)
	})
}

func TestRead(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("returns holder", func(t *testing.T) {
		held := lockJSON(t, Info{DeskID: 42, UserID: 7, Username: "alice", IssuedAt: now})
		rdb := &fakeRedis{
			GetFunc: func(ctx context.Context, key string) *redis.StringCmd {
				return redis.NewStringResult(held, nil)
			},
		}
		store := newTestStore(rdb, now)

		info, err := store.Read(context.Background(), 42)
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.Equal(t, int64(7), info.UserID)
		assert.Equal(t, "alice", info.Username)
	})

	t.Run("unlocked desk reads as nil", func(t *testing.T) {
		store := newTestStore(&fakeRedis{}, now)

		info, err := store.Read(context.Background(), 42)
		require.NoError(t, err)
		assert.Nil(t, info)
	})

	t.Run("garbage payload reads as nil", func(t *testing.T) {
		rdb := &fakeRedis{
			GetFunc: func(ctx context.Context, key string) *redis.StringCmd {
				return redis.NewStringResult("{not json", nil)
			},
		}
		store := newTestStore(rdb, now)

		info, err := store.Read(context.Background(), 42)
		require.NoError(t, err)
		assert.Nil(t, info)
	})
}
