package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/options-engine/internal/model"
)

var (
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
)

func sampleTrade(id uint64, who common.Address) *model.QueuedTrade {
	return &model.QueuedTrade{
		QueueID:          id,
		Submitter:        who,
		Fee:              decimal.NewFromInt(10_000_000),
		Period:           3600,
		Direction:        model.Above,
		Market:           "ETH-USD",
		ExpectedStrike:   decimal.NewFromInt(400_000_000_000),
		SlippageBps:      100,
		AllowPartialFill: true,
		ReferralCode:     "friends",
		NFTID:            model.Uint64(7),
		QueuedAt:         time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		AnchorTimestamp:  1772445600,
		Status:           model.TradePending,
		RevisedFee:       decimal.Zero,
	}
}

func sampleOption(market string, id uint64, owner common.Address) *model.Option {
	created := time.Date(2026, 3, 2, 10, 0, 5, 0, time.UTC)
	return &model.Option{
		ID:             id,
		Market:         market,
		State:          model.OptionActive,
		Strike:         decimal.NewFromInt(400_000_000_000),
		Amount:         decimal.NewFromInt(17_000_000),
		LockedAmount:   decimal.NewFromInt(17_000_000),
		Premium:        decimal.NewFromInt(8_500_000),
		SettlementFee:  decimal.NewFromInt(1_500_000),
		TotalFee:       decimal.NewFromInt(10_000_000),
		ReferralRebate: decimal.Zero,
		Direction:      model.Above,
		CreatedAt:      created,
		ExpiresAt:      created.Add(time.Hour),
		Owner:          owner,
		Payout:         decimal.Zero,
		ExpiryPrice:    decimal.Zero,
	}
}

func sampleEvent(market string, typ model.EventType) *model.Event {
	return &model.Event{
		ID:       uuid.NewString(),
		Type:     typ,
		Market:   market,
		OptionID: model.Uint64(1),
		Account:  alice,
		Amount:   decimal.NewFromInt(123),
		At:       time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

// runStoreSuite exercises the Store contract against one implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("trade upsert", func(t *testing.T) {
		s := newStore(t)
		tr := sampleTrade(1, alice)
		require.NoError(t, s.SaveTrade(ctx, tr))

		got, err := s.GetTrade(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, alice, got.Submitter)
		assert.True(t, tr.Fee.Equal(got.Fee))
		assert.True(t, tr.ExpectedStrike.Equal(got.ExpectedStrike))
		assert.Equal(t, uint64(7), *got.NFTID)
		assert.Nil(t, got.OptionID)
		assert.True(t, tr.QueuedAt.Equal(got.QueuedAt))
		assert.Equal(t, model.TradePending, got.Status)

		tr.Status = model.TradeOpened
		tr.OptionID = model.Uint64(3)
		tr.RevisedFee = decimal.NewFromInt(9_000_000)
		require.NoError(t, s.SaveTrade(ctx, tr))

		got, err = s.GetTrade(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, model.TradeOpened, got.Status)
		assert.Equal(t, uint64(3), *got.OptionID)
		assert.Equal(t, "9000000", got.RevisedFee.String())
	})

	t.Run("trade not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetTrade(ctx, 99)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("trades by user", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SaveTrade(ctx, sampleTrade(2, alice)))
		require.NoError(t, s.SaveTrade(ctx, sampleTrade(1, alice)))
		require.NoError(t, s.SaveTrade(ctx, sampleTrade(3, bob)))

		trades, err := s.ListTradesByUser(ctx, alice)
		require.NoError(t, err)
		require.Len(t, trades, 2)
		assert.Equal(t, uint64(1), trades[0].QueueID)
		assert.Equal(t, uint64(2), trades[1].QueueID)
	})

	t.Run("option upsert and owner change", func(t *testing.T) {
		s := newStore(t)
		o := sampleOption("ETH-USD", 1, alice)
		require.NoError(t, s.SaveOption(ctx, o))
		require.NoError(t, s.SaveOption(ctx, sampleOption("BTC-USD", 1, alice)))

		got, err := s.GetOption(ctx, "ETH-USD", 1)
		require.NoError(t, err)
		assert.True(t, o.Amount.Equal(got.Amount))
		assert.True(t, o.ExpiresAt.Equal(got.ExpiresAt))

		o.Owner = bob
		o.State = model.OptionExercised
		o.Payout = decimal.NewFromInt(17_000_000)
		o.ExpiryPrice = decimal.NewFromInt(410_000_000_000)
		o.LockedAmount = decimal.Zero
		require.NoError(t, s.SaveOption(ctx, o))

		got, err = s.GetOption(ctx, "ETH-USD", 1)
		require.NoError(t, err)
		assert.Equal(t, model.OptionExercised, got.State)
		assert.Equal(t, bob, got.Owner)
		assert.Equal(t, "410000000000", got.ExpiryPrice.String())
		assert.True(t, got.LockedAmount.IsZero())

		mine, err := s.ListOptionsByOwner(ctx, alice)
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, "BTC-USD", mine[0].Market)

		_, err = s.GetOption(ctx, "ETH-USD", 2)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("events newest first and idempotent", func(t *testing.T) {
		s := newStore(t)
		first := sampleEvent("ETH-USD", model.EventOptionCreated)
		require.NoError(t, s.InsertEvent(ctx, first))
		require.NoError(t, s.InsertEvent(ctx, first))
		require.NoError(t, s.InsertEvent(ctx, sampleEvent("BTC-USD", model.EventOptionCreated)))
		last := sampleEvent("ETH-USD", model.EventOptionExpired)
		require.NoError(t, s.InsertEvent(ctx, last))

		evs, err := s.ListEvents(ctx, "ETH-USD", 10)
		require.NoError(t, err)
		require.Len(t, evs, 2)
		assert.Equal(t, last.ID, evs[0].ID)
		assert.Equal(t, first.ID, evs[1].ID)
		assert.Equal(t, uint64(1), *evs[1].OptionID)
		assert.Nil(t, evs[1].QueueID)
		assert.Equal(t, "123", evs[1].Amount.String())

		all, err := s.ListEvents(ctx, "", 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		limited, err := s.ListEvents(ctx, "", 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, last.ID, limited[0].ID)
	})

	t.Run("event sink", func(t *testing.T) {
		s := newStore(t)
		sink := EventSink{Store: s}
		require.NoError(t, sink.Publish(ctx, []model.Event{
			*sampleEvent("ETH-USD", model.EventTradeSubmitted),
			*sampleEvent("ETH-USD", model.EventTradeOpened),
		}))
		evs, err := s.ListEvents(ctx, "ETH-USD", 0)
		require.NoError(t, err)
		require.Len(t, evs, 2)
		assert.Equal(t, model.EventTradeOpened, evs[0].Type)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_File(t *testing.T) {
	path := t.TempDir() + "/options.db"
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveTrade(context.Background(), sampleTrade(1, alice)))
	require.NoError(t, s.Close())

	// Reopening keeps data and re-applies the schema without error.
	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetTrade(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, alice, got.Submitter)
}

// Postgres and Redis run only when a live instance is configured.

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("OPTIONS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("OPTIONS_TEST_DATABASE_URL not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, dsn)
		require.NoError(t, err)
		t.Cleanup(pool.Close)
		_, err = pool.Exec(ctx, `DROP TABLE IF EXISTS queued_trades, options, events`)
		require.NoError(t, err)
		s := NewPostgresStore(pool)
		require.NoError(t, s.Migrate(ctx))
		return s
	})
}

func TestCachedStore(t *testing.T) {
	addr := os.Getenv("OPTIONS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OPTIONS_TEST_REDIS_ADDR not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		require.NoError(t, rdb.FlushDB(context.Background()).Err())
		t.Cleanup(func() { rdb.Close() })
		return NewCachedStore(NewMemoryStore(), rdb, time.Minute)
	})
}

func TestCachedStore_ServesFromCache(t *testing.T) {
	addr := os.Getenv("OPTIONS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("OPTIONS_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	require.NoError(t, rdb.FlushDB(ctx).Err())

	primary := NewMemoryStore()
	s := NewCachedStore(primary, rdb, time.Minute)
	require.NoError(t, s.SaveTrade(ctx, sampleTrade(1, alice)))

	// Mutate the primary behind the cache's back; the cached copy wins.
	stale := sampleTrade(1, alice)
	stale.Status = model.TradeCancelled
	require.NoError(t, primary.SaveTrade(ctx, stale))

	got, err := s.GetTrade(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.TradePending, got.Status)

	require.NoError(t, rdb.Del(ctx, fmt.Sprintf("trade:%d", 1)).Err())
	got, err = s.GetTrade(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.TradeCancelled, got.Status)
}

func TestNormLimit(t *testing.T) {
	assert.Equal(t, DefaultEventLimit, normLimit(0))
	assert.Equal(t, DefaultEventLimit, normLimit(-5))
	assert.Equal(t, 7, normLimit(7))
	assert.Equal(t, MaxEventLimit, normLimit(MaxEventLimit))
	assert.Equal(t, MaxEventLimit, normLimit(1<<30))
}

func TestMemoryStore_ListEventsCapped(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < MaxEventLimit+5; i++ {
		require.NoError(t, s.InsertEvent(ctx, sampleEvent("ETH-USD", model.EventTradeSubmitted)))
	}
	evs, err := s.ListEvents(ctx, "", MaxEventLimit*10)
	require.NoError(t, err)
	assert.Len(t, evs, MaxEventLimit)
}
