package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/options-engine/internal/model"
)

type memOptionKey struct {
	market string
	id     uint64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	trades   map[uint64]*model.QueuedTrade
	options  map[memOptionKey]*model.Option
	events   []model.Event
	eventIDs map[string]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:   make(map[uint64]*model.QueuedTrade),
		options:  make(map[memOptionKey]*model.Option),
		eventIDs: make(map[string]bool),
	}
}

func (s *MemoryStore) SaveTrade(_ context.Context, t *model.QueuedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *t
	s.trades[t.QueueID] = &copy
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id uint64) (*model.QueuedTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, user common.Address) ([]model.QueuedTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.QueuedTrade
	for _, t := range s.trades {
		if t.Submitter == user {
			result = append(result, *t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].QueueID < result[j].QueueID })
	return result, nil
}

func (s *MemoryStore) SaveOption(_ context.Context, o *model.Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *o
	s.options[memOptionKey{o.Market, o.ID}] = &copy
	return nil
}

func (s *MemoryStore) GetOption(_ context.Context, market string, id uint64) (*model.Option, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.options[memOptionKey{market, id}]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOptionsByOwner(_ context.Context, owner common.Address) ([]model.Option, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Option
	for _, o := range s.options {
		if o.Owner == owner {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Market != result[j].Market {
			return result[i].Market < result[j].Market
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eventIDs[e.ID] {
		return nil
	}
	s.eventIDs[e.ID] = true
	s.events = append(s.events, *e)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, market string, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = normLimit(limit)
	var result []model.Event
	for i := len(s.events) - 1; i >= 0 && len(result) < limit; i-- {
		if market == "" || s.events[i].Market == market {
			result = append(result, s.events[i])
		}
	}
	return result, nil
}
