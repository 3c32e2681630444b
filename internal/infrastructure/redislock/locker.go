package redislock

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Only the holder's token may extend or delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

const (
	defaultPrefix = "tokenrelay:lock"
	defaultTTL    = 10 * time.Minute
)

type Config struct {
	Addr   string
	Prefix string
	// TTL bounds how long a crashed holder blocks the account.
	TTL        time.Duration
	RetryDelay time.Duration
}

// Locker serializes work per account across relayer instances.
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func Dial(ctx context.Context, cfg Config) (*Locker, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return New(client, cfg), nil
}

func New(client redis.UniversalClient, cfg Config) *Locker {
	prefix := strings.TrimSuffix(strings.TrimSpace(cfg.Prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	retry := cfg.RetryDelay
	if retry <= 0 {
		retry = 250 * time.Millisecond
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl, retry: retry}
}

func (l *Locker) Close() error {
	return l.client.Close()
}

func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Lock blocks until the key is acquired or ctx is done. While held, the TTL
// is extended in the background.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.key(key)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	refreshCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go l.keepAlive(refreshCtx, redisKey, token, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				slog.Warn("account lock release failed", "key", redisKey, "err", err)
			}
		})
	}, nil
}

func (l *Locker) keepAlive(ctx context.Context, key, token string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extended, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("account lock refresh failed", "key", key, "err", err)
				}
				continue
			}
			if extended == 0 {
				slog.Error("account lock lost before release", "key", key)
				return
			}
		}
	}
}

func (l *Locker) key(account string) string {
	return l.prefix + ":" + account
}
