package spending

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisSaveAllScript writes every window hash in one atomic step.
// KEYS[i] = window key
// ARGV[2i-1] = spent
// ARGV[2i] = window start (unix nanoseconds, 0 when unset)
var redisSaveAllScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
    redis.call("HSET", key, "spent", ARGV[2*i-1], "start", ARGV[2*i])
end
return #KEYS
`)

// RedisStore implements Store using Redis hashes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	// owned is set when the store dialed the client itself.
	owned bool
}

// NewRedisStore wraps an existing client. Keys are namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "treasury:spend"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisStoreAddr dials a single Redis node.
func NewRedisStoreAddr(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	s := NewRedisStore(rdb, "")
	s.owned = true
	return s
}

// Close releases the client dialed by NewRedisStoreAddr. A client passed to
// NewRedisStore stays open; its owner closes it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(k Key) string {
	return fmt.Sprintf("%s:%s:%s:%d", s.prefix, k.TreasuryID, k.Scope, int(k.Period))
}

func (s *RedisStore) Load(ctx context.Context, key Key) (Window, error) {
	vals, err := s.client.HMGet(ctx, s.key(key), "spent", "start").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Window{}, nil
		}
		return Window{}, fmt.Errorf("redis load %s: %w", key, err)
	}
	var w Window
	if len(vals) != 2 || vals[0] == nil {
		return w, nil
	}
	spent, err := strconv.ParseUint(fmt.Sprint(vals[0]), 10, 64)
	if err != nil {
		return Window{}, fmt.Errorf("redis load %s: bad spent: %w", key, err)
	}
	w.Spent = spent
	if vals[1] != nil {
		nanos, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
		if err != nil {
			return Window{}, fmt.Errorf("redis load %s: bad start: %w", key, err)
		}
		if nanos != 0 {
			w.Start = time.Unix(0, nanos).UTC()
		}
	}
	return w, nil
}

func (s *RedisStore) SaveAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	keys := make([]string, 0, len(entries))
	args := make([]interface{}, 0, 2*len(entries))
	for _, e := range entries {
		keys = append(keys, s.key(e.Key))
		var start int64
		if !e.Window.Start.IsZero() {
			start = e.Window.Start.UnixNano()
		}
		args = append(args, strconv.FormatUint(e.Window.Spent, 10), strconv.FormatInt(start, 10))
	}
	if err := redisSaveAllScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("redis save spending windows: %w", err)
	}
	return nil
}
