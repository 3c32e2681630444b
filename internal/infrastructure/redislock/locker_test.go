package redislock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	locker := New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), Config{Prefix: "relay:"})
	t.Cleanup(func() { _ = locker.Close() })

	assert.Equal(t, "relay:Dest111", locker.key("Dest111"))
	assert.Equal(t, defaultTTL, locker.ttl)

	locker = New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), Config{})
	t.Cleanup(func() { _ = locker.Close() })
	assert.Equal(t, "tokenrelay:lock:x", locker.key("x"))
}

func TestDialRequiresAddr(t *testing.T) {
	_, err := Dial(context.Background(), Config{})
	assert.Error(t, err)
}

// Needs a reachable server, e.g. REDIS_TEST_ADDR=127.0.0.1:6379.
func TestLockSerializesHolders(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	locker, err := Dial(context.Background(), Config{
		Addr:       addr,
		Prefix:     "tokenrelay-test:" + uuid.NewString(),
		TTL:        300 * time.Millisecond,
		RetryDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = locker.Close() })

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "account")
			require.NoError(t, err)
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			// outlive the TTL so the refresher has to keep the key alive
			time.Sleep(400 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	unlock, err := locker.Lock(ctx, "account")
	require.NoError(t, err)
	unlock()
}
