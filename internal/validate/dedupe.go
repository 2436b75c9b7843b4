package validate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Index records when a signal was last issued per symbol. Implementations
// must be safe for concurrent use.
type Index interface {
	// LastIssued returns the most recent issue time for symbol, and whether
	// one is known.
	LastIssued(ctx context.Context, symbol string) (time.Time, bool, error)
	// Mark records an issue time for symbol.
	Mark(ctx context.Context, symbol string, at time.Time) error
}

// MemoryIndex is the in-process dedupe index, used when no shared store is
// configured.
type MemoryIndex struct {
	mu   sync.RWMutex
	last map[string]time.Time
}

// NewMemoryIndex creates an empty in-process index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{last: make(map[string]time.Time)}
}

// LastIssued implements Index.
func (m *MemoryIndex) LastIssued(_ context.Context, symbol string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.last[symbol]
	return at, ok, nil
}

// Mark implements Index.
func (m *MemoryIndex) Mark(_ context.Context, symbol string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.last[symbol]; ok && prev.After(at) {
		return nil
	}
	m.last[symbol] = at
	return nil
}

// RedisIndex is a shared dedupe index so multiple engine instances agree on
// recent issues. Keys expire after the dedupe window.
type RedisIndex struct {
	client *redis.Client
	window time.Duration
}

// NewRedisIndex creates a Redis-backed index. Returns nil when client is
// nil so callers can treat Redis as optional.
func NewRedisIndex(client *redis.Client, window time.Duration) *RedisIndex {
	if client == nil {
		return nil
	}
	if window <= 0 {
		window = 2 * time.Hour
	}
	return &RedisIndex{client: client, window: window}
}

// LastIssued implements Index.
func (r *RedisIndex) LastIssued(ctx context.Context, symbol string) (time.Time, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	raw, err := r.client.Get(opCtx, r.key(symbol)).Result()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("dedupe index get: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("dedupe index parse: %w", err)
	}
	return at, true, nil
}

// Mark implements Index.
func (r *RedisIndex) Mark(ctx context.Context, symbol string, at time.Time) error {
	opCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	value := at.UTC().Format(time.RFC3339Nano)
	if err := r.client.Set(opCtx, r.key(symbol), value, r.window).Err(); err != nil {
		return fmt.Errorf("dedupe index set: %w", err)
	}
	return nil
}

func (r *RedisIndex) key(symbol string) string {
	return "fxengine:dedupe:" + symbol
}
