package kvstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clocked interface {
	Store
	SetClock(func() time.Time)
}

func drivers(t *testing.T) map[string]clocked {
	t.Helper()
	sqliteStore, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]clocked{
		DriverMemory: NewMemoryStore(),
		DriverSQLite: sqliteStore,
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			val, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, val)

			require.NoError(t, s.Set(ctx, "k", []byte("v1"), 0))
			require.NoError(t, s.Set(ctx, "k", []byte("v2"), 0))

			val, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v2", string(val))

			require.NoError(t, s.Delete(ctx, "k"))
			require.NoError(t, s.Delete(ctx, "k"), "deleting a missing key is not an error")

			val, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Nil(t, val)
		})
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			now := base
			s.SetClock(func() time.Time { return now })

			require.NoError(t, s.Set(ctx, "session", []byte("data"), time.Minute))

			now = base.Add(59 * time.Second)
			val, err := s.Get(ctx, "session")
			require.NoError(t, err)
			assert.Equal(t, "data", string(val))

			now = base.Add(time.Minute)
			val, err = s.Get(ctx, "session")
			require.NoError(t, err)
			assert.Nil(t, val, "entry must expire at its deadline")
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf, 0))
	buf[0] = 'z'

	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(val))

	val[1] = 'z'
	again, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestSQLiteStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), time.Hour))
	require.NoError(t, s.Set(ctx, "c", []byte("3"), 0))

	now = base.Add(time.Minute)
	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{"empty driver is memory", Config{}, nil},
		{"memory", Config{Driver: DriverMemory}, nil},
		{"redis without url", Config{Driver: DriverRedis}, ErrInvalidConfig},
		{"redis with url", Config{Driver: DriverRedis, RedisURL: "redis://localhost:6379/0"}, nil},
		{"sqlite without path", Config{Driver: DriverSQLite}, ErrInvalidConfig},
		{"unknown driver", Config{Driver: "etcd"}, ErrInvalidDriver},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
		})
	}
}

func TestNew_Memory(t *testing.T) {
	s, err := New(context.Background(), Config{})
	require.NoError(t, err)
	_, ok := s.(*MemoryStore)
	assert.True(t, ok)
}

func TestRedisStore_Integration(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	s, err := NewRedisStore(ctx, url)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Set(ctx, "test:key", []byte("value"), time.Minute))
	val, err := s.Get(ctx, "test:key")
	require.NoError(t, err)
	assert.Equal(t, "value", string(val))
	require.NoError(t, s.Delete(ctx, "test:key"))
}
