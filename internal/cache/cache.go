package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	gateway "github.com/tollgate-io/tollgate/internal"
)

// Entry is a cached completion plus the usage attributed to the original
// call, so cache hits can be accounted without re-estimating.
type Entry struct {
	Response         *gateway.ChatResponse `json:"response"`
	PromptTokens     int                   `json:"prompt_tokens"`
	CompletionTokens int                   `json:"completion_tokens"`
	TotalTokens      int                   `json:"total_tokens"`
	CostUSD          float64               `json:"cost_usd"`
}

// Store is a Redis-backed response cache. Redis failures degrade to cache
// bypass: a broken cache never blocks a request.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewStore creates a Store with the given TTL.
func NewStore(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{rdb: rdb, ttl: ttl, logger: logger}
}

// Get looks up the cached entry for a tenant's request fingerprint.
// Returns (nil, false) on miss or any Redis error.
func (s *Store) Get(ctx context.Context, tenantID, fingerprint string) (*Entry, bool) {
	raw, err := s.rdb.Get(ctx, Key(tenantID, fingerprint)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.logger.LogAttrs(ctx, slog.LevelWarn, "cache get failed",
				slog.String("error", err.Error()))
		}
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		s.logger.LogAttrs(ctx, slog.LevelWarn, "cache entry corrupt",
			slog.String("error", err.Error()))
		return nil, false
	}
	return &e, true
}

// Set stores an entry under the tenant's fingerprint with the store TTL.
// Errors are logged and swallowed.
func (s *Store) Set(ctx context.Context, tenantID, fingerprint string, e *Entry) {
	raw, err := json.Marshal(e)
	if err != nil {
		s.logger.LogAttrs(ctx, slog.LevelWarn, "cache marshal failed",
			slog.String("error", err.Error()))
		return
	}
	if err := s.rdb.Set(ctx, Key(tenantID, fingerprint), raw, s.ttl).Err(); err != nil {
		s.logger.LogAttrs(ctx, slog.LevelWarn, "cache set failed",
			slog.String("error", err.Error()))
	}
}

// Invalidate removes a tenant's cached entry. Used by admin tooling.
func (s *Store) Invalidate(ctx context.Context, tenantID, fingerprint string) error {
	return s.rdb.Del(ctx, Key(tenantID, fingerprint)).Err()
}
