package flow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/protocol"
)

// RedisBackend shares learned windows across router instances through Redis,
// keyed by session id under a common prefix.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBackend connects a backend from config.
func NewRedisBackend(cfg config.RedisConfig, ttl time.Duration) *RedisBackend {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "atp:flow:"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (b *RedisBackend) key(sessionID string) string { return b.prefix + sessionID }

// Load fetches the stored window for a session.
func (b *RedisBackend) Load(ctx context.Context, sessionID string) (protocol.Window, bool, error) {
	raw, err := b.client.Get(ctx, b.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return protocol.Window{}, false, nil
	}
	if err != nil {
		return protocol.Window{}, false, err
	}
	var w protocol.Window
	if err := json.Unmarshal(raw, &w); err != nil {
		return protocol.Window{}, false, err
	}
	return w, true, nil
}

// Store persists a window with the backend TTL.
func (b *RedisBackend) Store(ctx context.Context, sessionID string, w protocol.Window) error {
	raw, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, b.key(sessionID), raw, b.ttl).Err()
}

// Delete removes a stored window.
func (b *RedisBackend) Delete(ctx context.Context, sessionID string) error {
	return b.client.Del(ctx, b.key(sessionID)).Err()
}

// Close releases the client.
func (b *RedisBackend) Close() error { return b.client.Close() }
