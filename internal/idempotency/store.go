// Package idempotency replays the stored response of a request that carries an
// Idempotency-Key header the server has already seen.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInFlight is returned by Begin while another request with the same key
// has not finished yet.
var ErrInFlight = errors.New("request with this idempotency key is in progress")

const (
	pendingMarker     = "pending"
	defaultPendingTTL = time.Minute
)

type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

type Store interface {
	// Begin claims key. It returns a non-nil Response when a completed
	// response is already stored, ErrInFlight when the key is claimed but
	// not completed, and (nil, nil) when the caller now owns the key.
	Begin(ctx context.Context, key string) (*Response, error)
	Complete(ctx context.Context, key string, resp Response) error
	Abort(ctx context.Context, key string) error
}

// RedisStore keeps claimed keys for PendingTTL and completed responses for
// TTL. A claim left behind by a crashed request expires after PendingTTL.
type RedisStore struct {
	Client     *redis.Client
	Prefix     string
	TTL        time.Duration
	PendingTTL time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{Client: client, Prefix: "idem:", TTL: ttl, PendingTTL: defaultPendingTTL}
}

func (s *RedisStore) pendingTTL() time.Duration {
	if s.PendingTTL <= 0 || s.PendingTTL > s.TTL {
		return s.TTL
	}
	return s.PendingTTL
}

func (s *RedisStore) Begin(ctx context.Context, key string) (*Response, error) {
	k := s.Prefix + key

	claimed, err := s.Client.SetNX(ctx, k, pendingMarker, s.pendingTTL()).Result()
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if claimed {
		return nil, nil
	}

	raw, err := s.Client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired or aborted between SETNX and GET; try once more.
		claimed, err = s.Client.SetNX(ctx, k, pendingMarker, s.pendingTTL()).Result()
		if err != nil {
			return nil, fmt.Errorf("claim idempotency key: %w", err)
		}
		if claimed {
			return nil, nil
		}
		return nil, ErrInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency key: %w", err)
	}
	if raw == pendingMarker {
		return nil, ErrInFlight
	}

	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("decode stored response: %w", err)
	}
	return &resp, nil
}

func (s *RedisStore) Complete(ctx context.Context, key string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if err := s.Client.Set(ctx, s.Prefix+key, data, s.TTL).Err(); err != nil {
		return fmt.Errorf("store response: %w", err)
	}
	return nil
}

func (s *RedisStore) Abort(ctx context.Context, key string) error {
	if err := s.Client.Del(ctx, s.Prefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
