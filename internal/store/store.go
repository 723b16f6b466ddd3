// Package store defines the persistence interface for the options engine.
// Implementations include PostgreSQL, SQLite (single node), Redis (read-through
// cache) and in-memory (for testing).
//
// The store is a durable projection of committed state for queries and audit;
// balances stay authoritative in the in-process state machine.
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/options-engine/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

const (
	// DefaultEventLimit bounds ListEvents when no limit is given.
	DefaultEventLimit = 100
	// MaxEventLimit caps any requested limit.
	MaxEventLimit = 1000
)

// Store is the persistence interface.
type Store interface {
	// --- Queued trades ---

	// SaveTrade inserts or replaces a queued trade.
	SaveTrade(ctx context.Context, t *model.QueuedTrade) error

	// GetTrade retrieves a queued trade by queue id.
	GetTrade(ctx context.Context, id uint64) (*model.QueuedTrade, error)

	// ListTradesByUser returns a submitter's trades, oldest first.
	ListTradesByUser(ctx context.Context, user common.Address) ([]model.QueuedTrade, error)

	// --- Options ---

	// SaveOption inserts or replaces an option.
	SaveOption(ctx context.Context, o *model.Option) error

	// GetOption retrieves an option by market and id.
	GetOption(ctx context.Context, market string, id uint64) (*model.Option, error)

	// ListOptionsByOwner returns an owner's options across markets.
	ListOptionsByOwner(ctx context.Context, owner common.Address) ([]model.Option, error)

	// --- Immutable event log ---

	// InsertEvent appends an event. Inserting an id twice is a no-op.
	InsertEvent(ctx context.Context, e *model.Event) error

	// ListEvents returns up to limit of the most recent events, newest first.
	// An empty market lists all markets.
	ListEvents(ctx context.Context, market string, limit int) ([]model.Event, error)
}

// EventSink adapts a Store to an events.Sink that appends every event.
type EventSink struct {
	Store Store
}

func (s EventSink) Publish(ctx context.Context, evs []model.Event) error {
	for i := range evs {
		if err := s.Store.InsertEvent(ctx, &evs[i]); err != nil {
			return err
		}
	}
	return nil
}

func normLimit(limit int) int {
	if limit <= 0 {
		return DefaultEventLimit
	}
	return min(limit, MaxEventLimit)
}
