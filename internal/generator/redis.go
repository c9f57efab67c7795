package generator

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisSource serves test data held in Redis: Next pops the head of a list,
// Get reads a string key.
type RedisSource struct {
	client  *redis.Client
	list    string
	timeout time.Duration
}

// ParseRedisRef splits a reference of the form "host:port/list".
func ParseRedisRef(ref string) (addr, list string, err error) {
	i := strings.LastIndex(ref, "/")
	if i <= 0 || i == len(ref)-1 {
		return "", "", errors.Errorf("redis generator %q must look like host:port/list", ref)
	}
	return ref[:i], ref[i+1:], nil
}

// NewRedisSource connects to addr and checks the server is reachable.
func NewRedisSource(addr, list string) (*RedisSource, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		Protocol:        2,
		DisableIdentity: true,
	})

	s := &RedisSource{client: client, list: list, timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "connecting to redis at %s", addr)
	}
	return s, nil
}

// Next pops the next element of the list.
func (s *RedisSource) Next() (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	v, err := s.client.LPop(ctx, s.list).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrExhausted
	}
	if err != nil {
		return nil, errors.Wrapf(err, "popping %s", s.list)
	}
	return v, nil
}

// Get reads a string key.
func (s *RedisSource) Get(key string) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Errorf("key %q not found", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", key)
	}
	return v, nil
}

// Close closes the Redis connection pool.
func (s *RedisSource) Close() error {
	return s.client.Close()
}
