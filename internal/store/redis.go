package store

import (
	"context"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"github.com/electr1fy0/tandem/internal/crud"
)

const defaultRedisPrefix = "tandem:"

// RedisStore keeps each channel snapshot under one string key.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps rdb. An empty prefix uses "tandem:".
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(channel string) string {
	return s.prefix + "channel:" + channel
}

func (s *RedisStore) Load(ctx context.Context, channel string) (crud.State, error) {
	if err := checkName(channel); err != nil {
		return nil, err
	}
	data, err := s.rdb.Get(ctx, s.key(channel)).Bytes()
	if err != nil {
		if xerrors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Errorf("redis get %s: %w", s.key(channel), err)
	}
	return decode(data)
}

func (s *RedisStore) Save(ctx context.Context, channel string, state crud.State) error {
	if err := checkName(channel); err != nil {
		return err
	}
	data, err := encode(state)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.key(channel), data, 0).Err(); err != nil {
		return xerrors.Errorf("redis set %s: %w", s.key(channel), err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
