package locker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	re "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// ErrNotAcquired reports that the per-session lock could not be taken
// within the acquisition window.
var ErrNotAcquired = errors.New("session lock not acquired")

// Locker serializes control requests per session id for the duration of
// one load-mutate-save cycle. Lock returns a release func on success.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type Config struct {
	Address   string
	Namespace string
	TTL       time.Duration
	Wait      time.Duration
}

func ReadConfig() *Config {
	ttl := viper.GetDuration("locker.ttl")
	if ttl == 0 {
		ttl = 10 * time.Second
	}
	wait := viper.GetDuration("locker.wait")
	if wait == 0 {
		wait = 2 * time.Second
	}
	return &Config{
		Address:   viper.GetString("locker.redis_address"),
		Namespace: viper.GetString("locker.namespace"),
		TTL:       ttl,
		Wait:      wait,
	}
}

// New returns a Redis-backed locker when an address is configured, and
// the in-process locker otherwise.
func New(cfg *Config) Locker {
	if cfg == nil || cfg.Address == "" {
		return Local()
	}
	return &redisLocker{
		client:    re.NewClient(&re.Options{Addr: cfg.Address}),
		namespace: cfg.Namespace,
		ttl:       cfg.TTL,
		wait:      cfg.Wait,
	}
}

// redisLocker holds a lock key per session with SET NX and a token so a
// crashed holder's lock expires instead of wedging the session.
type redisLocker struct {
	client    *re.Client
	namespace string
	ttl       time.Duration
	wait      time.Duration
}

// releaseScript deletes the lock only when it still belongs to the
// holder's token.
var releaseScript = re.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

func (l *redisLocker) key(key string) string {
	if l.namespace == "" {
		return fmt.Sprintf("lock:%s", key)
	}
	return fmt.Sprintf("%s:lock:%s", l.namespace, key)
}

func (l *redisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	lockKey := l.key(key)

	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", lockKey, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		releaseScript.Run(releaseCtx, l.client, []string{lockKey}, token)
	}, nil
}

// localLocker keys mutexes by session id. Suited to single-instance
// deployments and tests; the repository version check still guards
// against writers on other instances.
type localLocker struct {
	locks sync.Map
}

func Local() Locker {
	return &localLocker{}
}

func (l *localLocker) Lock(ctx context.Context, key string) (func(), error) {
	v, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock, nil
}

type dummy struct{}

// Dummy returns a no-op locker for degraded mode.
func Dummy() Locker {
	return &dummy{}
}

func (d *dummy) Lock(ctx context.Context, key string) (func(), error) {
	return func() {}, nil
}
