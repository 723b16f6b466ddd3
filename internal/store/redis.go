package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/options-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and refresh the cache;
// reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) SaveTrade(ctx context.Context, t *model.QueuedTrade) error {
	if err := s.primary.SaveTrade(ctx, t); err != nil {
		return err
	}
	s.cache(ctx, tradeKey(t.QueueID), t)
	s.rdb.Del(ctx, userTradesKey(t.Submitter))
	return nil
}

func (s *CachedStore) SaveOption(ctx context.Context, o *model.Option) error {
	// The previous owner's list may also be stale after a transfer, so
	// look it up before overwriting.
	var prev common.Address
	if old, err := s.GetOption(ctx, o.Market, o.ID); err == nil {
		prev = old.Owner
	}
	if err := s.primary.SaveOption(ctx, o); err != nil {
		return err
	}
	s.cache(ctx, optionCacheKey(o.Market, o.ID), o)
	s.rdb.Del(ctx, ownerOptionsKey(o.Owner))
	if prev != (common.Address{}) && prev != o.Owner {
		s.rdb.Del(ctx, ownerOptionsKey(prev))
	}
	return nil
}

func (s *CachedStore) InsertEvent(ctx context.Context, e *model.Event) error {
	return s.primary.InsertEvent(ctx, e)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetTrade(ctx context.Context, id uint64) (*model.QueuedTrade, error) {
	var t model.QueuedTrade
	if s.lookup(ctx, tradeKey(id), &t) {
		return &t, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, tradeKey(id), got)
	return got, nil
}

func (s *CachedStore) ListTradesByUser(ctx context.Context, user common.Address) ([]model.QueuedTrade, error) {
	var trades []model.QueuedTrade
	if s.lookup(ctx, userTradesKey(user), &trades) {
		return trades, nil
	}

	trades, err := s.primary.ListTradesByUser(ctx, user)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, userTradesKey(user), trades)
	return trades, nil
}

func (s *CachedStore) GetOption(ctx context.Context, market string, id uint64) (*model.Option, error) {
	var o model.Option
	if s.lookup(ctx, optionCacheKey(market, id), &o) {
		return &o, nil
	}

	got, err := s.primary.GetOption(ctx, market, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, optionCacheKey(market, id), got)
	return got, nil
}

func (s *CachedStore) ListOptionsByOwner(ctx context.Context, owner common.Address) ([]model.Option, error) {
	var opts []model.Option
	if s.lookup(ctx, ownerOptionsKey(owner), &opts) {
		return opts, nil
	}

	opts, err := s.primary.ListOptionsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, ownerOptionsKey(owner), opts)
	return opts, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListEvents(ctx context.Context, market string, limit int) ([]model.Event, error) {
	return s.primary.ListEvents(ctx, market, limit)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func tradeKey(id uint64) string                      { return fmt.Sprintf("trade:%d", id) }
func userTradesKey(u common.Address) string          { return fmt.Sprintf("trades:%s", u.Hex()) }
func optionCacheKey(market string, id uint64) string { return fmt.Sprintf("option:%s:%d", market, id) }
func ownerOptionsKey(o common.Address) string        { return fmt.Sprintf("options:%s", o.Hex()) }
