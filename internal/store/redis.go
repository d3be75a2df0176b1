package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imagify-app/imagify-desk/internal/models"
)

const defaultTimeout = 5 * time.Second

// RedisStore keeps token and history in Redis. Used when the workspace is
// deployed somewhere shared instead of on a single machine.
//
// Key format: imagify:token:<scope> and imagify:history:<user_id>.
type RedisStore struct {
	client *redis.Client
	scope  string
}

// Connect initialises a Redis client and validates connectivity with a ping.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return client, nil
}

func NewRedisStore(client *redis.Client, scope string) *RedisStore {
	if scope == "" {
		scope = "default"
	}
	return &RedisStore{client: client, scope: scope}
}

func (s *RedisStore) Token() (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	token, err := s.client.Get(ctx, s.tokenKey()).Result()
	if err != nil || token == "" {
		return "", false
	}
	return token, true
}

func (s *RedisStore) SetToken(token string) error {
	if token == "" {
		return fmt.Errorf("refusing to persist an empty token")
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	return s.client.Set(ctx, s.tokenKey(), token, 0).Err()
}

func (s *RedisStore) ClearToken() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if err := s.client.Del(ctx, s.tokenKey()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

// Append pushes to the head and trims in one pipeline, so the bound holds
// even with concurrent writers.
func (s *RedisStore) Append(userID string, entry models.HistoryEntry) error {
	if userID == "" {
		return fmt.Errorf("history requires a user id")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.historyKey(userID), data)
	pipe.LTrim(ctx, s.historyKey(userID), 0, int64(models.HistoryCapacity-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *RedisStore) List(userID string) ([]models.HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	raw, err := s.client.LRange(ctx, s.historyKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	entries := make([]models.HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var entry models.HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) tokenKey() string {
	return "imagify:token:" + s.scope
}

func (s *RedisStore) historyKey(userID string) string {
	return "imagify:history:" + userID
}
