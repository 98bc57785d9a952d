package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pump-trading-bot/internal/order"
)

// Redis keys for position state
const (
	// positionKeyPrefix prefixes per-symbol state keys: pump:position:{symbol}
	positionKeyPrefix = "pump:position"

	// positionSetKey holds the set of symbols with stored positions
	positionSetKey = "pump:positions:symbols"

	// positionStateTTL keeps state well past any position lifetime so a
	// crashed process can still recover after a long outage
	positionStateTTL = 7 * 24 * time.Hour
)

// PositionStateRepository mirrors live position state to Redis so a restart
// can recover open positions. When Redis is unavailable it degrades to an
// in-memory cache and trading continues; the mirror simply will not survive
// the process.
type PositionStateRepository struct {
	client         *redis.Client
	cacheMu        sync.RWMutex
	inMemoryCache  map[string]*order.Position
	redisAvailable atomic.Bool
	logger         zerolog.Logger
}

// NewPositionStateRepository creates the repository. A nil client selects
// memory-only mode.
func NewPositionStateRepository(client *redis.Client, logger zerolog.Logger) *PositionStateRepository {
	repo := &PositionStateRepository{
		client:        client,
		inMemoryCache: make(map[string]*order.Position),
		logger:        logger.With().Str("component", "PositionState").Logger(),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			repo.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory cache")
		} else {
			repo.redisAvailable.Store(true)
			repo.logger.Info().Msg("Redis connected")
		}
	} else {
		repo.logger.Info().Msg("No Redis client configured, using in-memory cache only")
	}

	return repo
}

// RedisAvailable reports whether the mirror currently reaches Redis
func (r *PositionStateRepository) RedisAvailable() bool {
	return r.redisAvailable.Load()
}

func positionKey(symbol string) string {
	return fmt.Sprintf("%s:%s", positionKeyPrefix, symbol)
}

// Save stores a position snapshot. A flat position is removed instead.
func (r *PositionStateRepository) Save(ctx context.Context, pos *order.Position) error {
	if pos == nil {
		return nil
	}
	if pos.Quantity == 0 {
		return r.Delete(ctx, pos.Symbol)
	}

	r.cacheMu.Lock()
	copied := *pos
	r.inMemoryCache[pos.Symbol] = &copied
	r.cacheMu.Unlock()

	if !r.redisAvailable.Load() {
		return nil
	}

	payload, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position %s: %w", pos.Symbol, err)
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, positionKey(pos.Symbol), payload, positionStateTTL)
	pipe.SAdd(ctx, positionSetKey, pos.Symbol)
	pipe.Expire(ctx, positionSetKey, positionStateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.markUnavailable(err)
		return nil
	}
	return nil
}

// Load returns the stored position for a symbol, or nil when none exists
func (r *PositionStateRepository) Load(ctx context.Context, symbol string) (*order.Position, error) {
	if r.redisAvailable.Load() {
		payload, err := r.client.Get(ctx, positionKey(symbol)).Bytes()
		switch {
		case err == redis.Nil:
			return nil, nil
		case err != nil:
			r.markUnavailable(err)
		default:
			var pos order.Position
			if err := json.Unmarshal(payload, &pos); err != nil {
				return nil, fmt.Errorf("unmarshal position %s: %w", symbol, err)
			}
			return &pos, nil
		}
	}

	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	pos, ok := r.inMemoryCache[symbol]
	if !ok {
		return nil, nil
	}
	copied := *pos
	return &copied, nil
}

// LoadAll returns every stored position, for recovery at startup
func (r *PositionStateRepository) LoadAll(ctx context.Context) ([]*order.Position, error) {
	if r.redisAvailable.Load() {
		symbols, err := r.client.SMembers(ctx, positionSetKey).Result()
		if err != nil {
			r.markUnavailable(err)
		} else {
			out := make([]*order.Position, 0, len(symbols))
			for _, symbol := range symbols {
				pos, err := r.Load(ctx, symbol)
				if err != nil {
					r.logger.Error().Err(err).Str("symbol", symbol).Msg("Skipping unreadable position state")
					continue
				}
				if pos != nil {
					out = append(out, pos)
				}
			}
			return out, nil
		}
	}

	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	out := make([]*order.Position, 0, len(r.inMemoryCache))
	for _, pos := range r.inMemoryCache {
		copied := *pos
		out = append(out, &copied)
	}
	return out, nil
}

// Delete removes the stored state for a symbol
func (r *PositionStateRepository) Delete(ctx context.Context, symbol string) error {
	r.cacheMu.Lock()
	delete(r.inMemoryCache, symbol)
	r.cacheMu.Unlock()

	if !r.redisAvailable.Load() {
		return nil
	}

	pipe := r.client.Pipeline()
	pipe.Del(ctx, positionKey(symbol))
	pipe.SRem(ctx, positionSetKey, symbol)
	if _, err := pipe.Exec(ctx); err != nil {
		r.markUnavailable(err)
	}
	return nil
}

func (r *PositionStateRepository) markUnavailable(err error) {
	if r.redisAvailable.CompareAndSwap(true, false) {
		r.logger.Warn().Err(err).Msg("Redis unavailable, falling back to in-memory cache")
	}
}
