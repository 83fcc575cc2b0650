// Package registry records which relay-wide subdomains are claimed, in a
// Redis instance shared by every relay process.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/koltyakov/tunnel/internal/domain"
)

const scanBatch = 100

// Registry is the Redis-backed presence store. Every operation is a single
// key command; there is no test-and-set between Exists and Register.
type Registry struct {
	client *redis.Client
}

// New wraps an already connected client.
func New(client *redis.Client) *Registry {
	return &Registry{client: client}
}

// Register writes the presence record for subdomain, replacing any previous
// value.
func (r *Registry) Register(ctx context.Context, subdomain string, p domain.Presence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := r.client.Set(ctx, Key(subdomain), data, 0).Err(); err != nil {
		return fmt.Errorf("register %s: %w", subdomain, err)
	}
	return nil
}

// Unregister deletes the presence record. Missing keys are not an error.
func (r *Registry) Unregister(ctx context.Context, subdomain string) error {
	if err := r.client.Del(ctx, Key(subdomain)).Err(); err != nil {
		return fmt.Errorf("unregister %s: %w", subdomain, err)
	}
	return nil
}

// Get returns the presence record for subdomain.
func (r *Registry) Get(ctx context.Context, subdomain string) (domain.Presence, bool, error) {
	data, err := r.client.Get(ctx, Key(subdomain)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Presence{}, false, nil
	}
	if err != nil {
		return domain.Presence{}, false, fmt.Errorf("get %s: %w", subdomain, err)
	}
	var p domain.Presence
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Presence{}, false, fmt.Errorf("unmarshal presence %s: %w", subdomain, err)
	}
	return p, true, nil
}

// Exists reports whether subdomain is claimed anywhere.
func (r *Registry) Exists(ctx context.Context, subdomain string) (bool, error) {
	n, err := r.client.Exists(ctx, Key(subdomain)).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", subdomain, err)
	}
	return n > 0, nil
}

// Clear removes every presence record and returns how many were deleted.
// Relays call it at start-up to drop claims left by a crashed process.
func (r *Registry) Clear(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, KeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("scan presence keys: %w", err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("delete presence keys: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Close releases the underlying client.
func (r *Registry) Close() error {
	return r.client.Close()
}
