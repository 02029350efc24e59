package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const failureKeyPrefix = "fleet:auth:failures:"

// FailureStore keeps failed auth attempts in a Redis sorted set so every
// instance sees the same lockout window.
type FailureStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewFailureStore constructs a shared failure store. Keys expire after ttl
// of inactivity.
func NewFailureStore(client *redis.Client, ttl time.Duration) (*FailureStore, error) {
	if client == nil {
		return nil, errors.New("failure store: nil client")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &FailureStore{client: client, ttl: ttl}, nil
}

// RecordFailure adds one attempt scored by its timestamp.
func (s *FailureStore) RecordFailure(ctx context.Context, identifier string, at time.Time) error {
	key := failureKeyPrefix + identifier
	score := float64(at.UnixMilli())
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: strconv.FormatInt(at.UnixNano(), 10)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%f", score-float64(s.ttl.Milliseconds())))
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// FailureCount counts attempts newer than the window start.
func (s *FailureStore) FailureCount(ctx context.Context, identifier string, since time.Time) (int, error) {
	key := failureKeyPrefix + identifier
	min := fmt.Sprintf("(%d", since.UnixMilli())
	count, err := s.client.ZCount(ctx, key, min, "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// Clear drops every attempt for one identifier.
func (s *FailureStore) Clear(ctx context.Context, identifier string) error {
	return s.client.Del(ctx, failureKeyPrefix+identifier).Err()
}
