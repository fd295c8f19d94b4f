package marker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps markers without expiry; SETNX provides the atomic claim.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "pushrelay:marker"
	}
	return &RedisStore{
		client: client,
		prefix: normalized,
	}
}

func (s *RedisStore) Claim(ctx context.Context, itemID int64) error {
	if err := validateItemID(itemID); err != nil {
		return err
	}
	raw, err := json.Marshal(Marker{State: StateClaimed})
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(itemID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("marker claim: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, itemID int64) (Marker, bool, error) {
	if err := validateItemID(itemID); err != nil {
		return Marker{}, false, err
	}
	raw, err := s.client.Get(ctx, s.key(itemID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Marker{}, false, nil
		}
		return Marker{}, false, fmt.Errorf("marker get: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(raw, &m); err != nil {
		return Marker{}, false, fmt.Errorf("decode marker: %w", err)
	}
	return m, true, nil
}

func (s *RedisStore) Put(ctx context.Context, itemID int64, m Marker) error {
	if err := validateItemID(itemID); err != nil {
		return err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	if err := s.client.Set(ctx, s.key(itemID), raw, 0).Err(); err != nil {
		return fmt.Errorf("marker put: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, itemID int64) error {
	if err := validateItemID(itemID); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(itemID)).Err(); err != nil {
		return fmt.Errorf("marker delete: %w", err)
	}
	return nil
}

func (s *RedisStore) key(itemID int64) string {
	return s.prefix + ":" + strconv.FormatInt(itemID, 10)
}
