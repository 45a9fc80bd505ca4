package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/storage/memory"
)

// fakeRedis 只实现 SETNX/DEL 语义
type fakeRedis struct {
	mu     sync.Mutex
	keys   map[string]time.Duration
	down   bool
	closed bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: make(map[string]time.Duration)}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return goredis.NewBoolResult(false, errors.New("connection refused"))
	}
	if _, ok := f.keys[key]; ok {
		return goredis.NewBoolResult(false, nil)
	}
	f.keys[key] = ttl
	return goredis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			delete(f.keys, k)
			n++
		}
	}
	return goredis.NewIntResult(n, nil)
}

func (f *fakeRedis) Ping(context.Context) *goredis.StatusCmd {
	if f.down {
		return goredis.NewStatusResult("", errors.New("connection refused"))
	}
	return goredis.NewStatusResult("PONG", nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func (f *fakeRedis) has(address string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[reservationKey(address)]
	return ok
}

func TestReserveAddressConcurrent(t *testing.T) {
	rdb := newFakeRedis()
	store := NewReservationStore(memory.NewStore(), rdb, time.Hour, nil)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ReserveAddress(context.Background(), "race@example.com")
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, time.Hour, rdb.keys[reservationKey("race@example.com")])
}

func TestReserveAddressRedisDown(t *testing.T) {
	rdb := newFakeRedis()
	rdb.down = true
	store := NewReservationStore(memory.NewStore(), rdb, 0, nil)

	_, err := store.ReserveAddress(context.Background(), "x@example.com")
	assert.Error(t, err)
	assert.Error(t, store.Health(context.Background()))
}

func TestReleaseAddress(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	store := NewReservationStore(memory.NewStore(), rdb, 0, nil)

	ok, err := store.ReserveAddress(ctx, "free@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.ReleaseAddress(ctx, "free@example.com"))
	assert.False(t, rdb.has("free@example.com"))

	ok, err = store.ReserveAddress(ctx, "free@example.com")
	require.NoError(t, err)
	assert.True(t, ok, "released address can be reserved again")
}

func TestReleaseAddressKeepsOwned(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	store := NewReservationStore(memory.NewStore(), rdb, 0, nil)

	ok, err := store.ReserveAddress(ctx, "owned@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	identity := &domain.EmailIdentity{Address: "owned@example.com", LocalPart: "owned", Domain: "example.com"}
	require.NoError(t, store.SaveIdentity(ctx, identity))

	require.NoError(t, store.ReleaseAddress(ctx, "owned@example.com"))
	assert.True(t, rdb.has("owned@example.com"))

	require.NoError(t, store.DeleteIdentity(ctx, identity.ID))
	assert.False(t, rdb.has("owned@example.com"))

	assert.ErrorIs(t, store.DeleteIdentity(ctx, identity.ID), domain.ErrIdentityNotFound)
}

func TestClose(t *testing.T) {
	rdb := newFakeRedis()
	store := NewReservationStore(memory.NewStore(), rdb, 0, nil)
	require.NoError(t, store.Health(context.Background()))
	require.NoError(t, store.Close())
	assert.True(t, rdb.closed)
}
