package exchange

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/options-engine/internal/access"
	"github.com/atmx/options-engine/internal/codes"
	"github.com/atmx/options-engine/internal/engine"
	"github.com/atmx/options-engine/internal/events"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/oracle"
	"github.com/atmx/options-engine/internal/queue"
	"github.com/atmx/options-engine/internal/store"
)

const market = "ETH-USD"

var (
	admin     = common.HexToAddress("0xad")
	recipient = common.HexToAddress("0xfee")
	lp        = common.HexToAddress("0x11")
	alice     = common.HexToAddress("0xa1")
	bob       = common.HexToAddress("0xb0")

	strike = decimal.NewFromInt(400e8)
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

type fixture struct {
	x     *Exchange
	st    *store.MemoryStore
	key   *ecdsa.PrivateKey
	mu    sync.Mutex
	now   time.Time
	sunk  []model.Event
	sinkM sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(dt time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(dt)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), st: store.NewMemoryStore()}

	var err error
	f.key, err = crypto.GenerateKey()
	require.NoError(t, err)

	sink := events.SinkFunc(func(_ context.Context, evs []model.Event) error {
		f.sinkM.Lock()
		defer f.sinkM.Unlock()
		f.sunk = append(f.sunk, evs...)
		return nil
	})
	f.x, err = New(Config{
		Admin:   admin,
		Signers: []common.Address{crypto.PubkeyToAddress(f.key.PublicKey)},
		Queue:   queue.DefaultConfig(),
		Markets: []MarketSpec{{Engine: engine.DefaultConfig(market, recipient)}},
	}, WithClock(f.clock), WithStore(f.st), WithSinks(sink))
	require.NoError(t, err)

	require.NoError(t, f.x.Mint(ctx, admin, lp, d(100_000_000)))
	require.NoError(t, f.x.ApproveAsset(ctx, lp, PoolAddress, d(100_000_000)))
	_, err = f.x.Deposit(ctx, lp, d(100_000_000), d(0))
	require.NoError(t, err)
	require.NoError(t, f.x.Mint(ctx, admin, alice, d(10_000_000)))
	require.NoError(t, f.x.ApproveAsset(ctx, alice, QueueAddress, d(10_000_000)))
	return f
}

func (f *fixture) sign(t *testing.T, ts uint64, price decimal.Decimal) []byte {
	t.Helper()
	sig, err := oracle.Sign(f.key, oracle.Attestation{Market: market, Timestamp: ts, Price: price})
	require.NoError(t, err)
	return sig
}

func (f *fixture) sinkTypes() []model.EventType {
	f.sinkM.Lock()
	defer f.sinkM.Unlock()
	out := make([]model.EventType, 0, len(f.sunk))
	for _, e := range f.sunk {
		out = append(out, e.Type)
	}
	return out
}

func request() queue.SubmitRequest {
	return queue.SubmitRequest{
		Market:         market,
		Fee:            d(1_000_000),
		Period:         3600,
		Direction:      model.Above,
		ExpectedStrike: strike,
		SlippageBps:    100,
	}
}

func TestNew_WiresRoles(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.x.HasRole(access.Router, QueueAddress))
	assert.True(t, f.x.HasRole(access.Issuer, EngineAddress(market)))
	assert.True(t, f.x.HasRole(access.Admin, admin))
	assert.NotEqual(t, QueueAddress, PoolAddress)

	markets := f.x.Markets()
	require.Len(t, markets, 1)
	assert.Equal(t, market, markets[0].Market)
	// 10% asset utilization of a 100M pool.
	assert.Equal(t, "10000000", markets[0].MaxAmount.String())
}

func TestNew_RequiresAdmin(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestLifecycle_SubmitResolveExercise(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.x.Submit(ctx, alice, request())
	require.NoError(t, err)

	tr, ok := f.x.Trade(id)
	require.True(t, ok)
	resolved, err := f.x.ResolveBatch(ctx, bob, []queue.ResolveItem{{
		QueueID: id, Timestamp: tr.AnchorTimestamp, Price: strike,
		Signature: f.sign(t, tr.AnchorTimestamp, strike),
	}})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, queue.Opened, resolved[0].Outcome)
	optID := *resolved[0].OptionID

	// Projection: the store sees the opened trade and the new option.
	saved, err := f.st.GetTrade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TradeOpened, saved.Status)
	opt, err := f.st.GetOption(ctx, market, optID)
	require.NoError(t, err)
	assert.Equal(t, "1700000", opt.Amount.String())
	assert.Equal(t, model.OptionActive, opt.State)

	pool := f.x.Pool()
	assert.Equal(t, "1700000", pool.LockedAmount.String())

	f.advance(time.Hour)
	expiry := uint64(opt.ExpiresAt.Unix())
	price := d(500e8)
	unlocked, err := f.x.UnlockBatch(ctx, bob, []queue.UnlockItem{{
		Market: market, OptionID: optID, Timestamp: expiry, Price: price,
		Signature: f.sign(t, expiry, price),
	}})
	require.NoError(t, err)
	require.Len(t, unlocked, 1)
	assert.Equal(t, queue.Exercised, unlocked[0].Outcome)
	assert.Equal(t, "1700000", unlocked[0].Payout.String())

	opt, err = f.st.GetOption(ctx, market, optID)
	require.NoError(t, err)
	assert.Equal(t, model.OptionExercised, opt.State)
	assert.Equal(t, "50000000000", opt.ExpiryPrice.String())

	assert.Equal(t, "10700000", f.x.AssetAccount(alice).Balance.String())
	assert.True(t, f.x.Pool().LockedAmount.IsZero())

	types := f.sinkTypes()
	assert.Contains(t, types, model.EventTradeSubmitted)
	assert.Contains(t, types, model.EventOptionCreated)
	assert.Contains(t, types, model.EventTradeOpened)
	assert.Contains(t, types, model.EventOptionExercised)
	assert.Contains(t, types, model.EventPoolLoss)

	evs, err := f.x.Events(ctx, market, 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventOptionExercised, evs[0].Type)

	trades, opts, err := f.x.History(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.Len(t, opts, 1)
}

func TestFailedCall_PublishesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := len(f.sinkTypes())

	// Bob never approved the queue.
	_, err := f.x.Submit(ctx, bob, request())
	require.Error(t, err)

	assert.Len(t, f.sinkTypes(), before)
	_, ok := f.x.Trade(0)
	assert.False(t, ok)
	_, err = f.st.GetTrade(ctx, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancel_Refunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.x.Submit(ctx, alice, request())
	require.NoError(t, err)
	assert.Equal(t, "9000000", f.x.AssetAccount(alice).Balance.String())

	assert.Equal(t, codes.Forbidden, codes.CodeOf(f.x.Cancel(ctx, bob, id)))
	require.NoError(t, f.x.Cancel(ctx, alice, id))
	assert.Equal(t, "10000000", f.x.AssetAccount(alice).Balance.String())

	saved, err := f.st.GetTrade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TradeCancelled, saved.Status)
	assert.Equal(t, string(codes.UserCancelled), saved.CancelReason)
}

func TestAdmin_Gates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, codes.Forbidden, codes.CodeOf(f.x.Mint(ctx, alice, alice, d(1))))
	assert.Equal(t, codes.Forbidden, codes.CodeOf(f.x.SetPaused(ctx, alice, market, true)))
	assert.Equal(t, codes.UnknownMarket, codes.CodeOf(f.x.SetPaused(ctx, admin, "BTC-USD", true)))

	require.NoError(t, f.x.SetPaused(ctx, admin, market, true))
	assert.True(t, f.x.Markets()[0].Paused)

	require.NoError(t, f.x.Grant(ctx, admin, access.Relay, bob))
	assert.True(t, f.x.HasRole(access.Relay, bob))
	require.NoError(t, f.x.Revoke(ctx, admin, access.Relay, bob))
	assert.False(t, f.x.HasRole(access.Relay, bob))
}

func TestAddMarket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	spec := MarketSpec{Engine: engine.DefaultConfig("BTC-USD", recipient)}
	assert.Equal(t, codes.Forbidden, codes.CodeOf(f.x.AddMarket(ctx, alice, spec)))
	require.NoError(t, f.x.AddMarket(ctx, admin, spec))
	assert.Error(t, f.x.AddMarket(ctx, admin, spec))
	assert.Len(t, f.x.Markets(), 2)
	assert.True(t, f.x.HasRole(access.Issuer, EngineAddress("BTC-USD")))

	r := request()
	r.Market = "BTC-USD"
	_, err := f.x.Submit(ctx, alice, r)
	require.NoError(t, err)
}

func TestUnregisterMarket_SettlesAndReopens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.x.Submit(ctx, alice, request())
	require.NoError(t, err)
	tr, _ := f.x.Trade(id)
	resolved, err := f.x.ResolveBatch(ctx, bob, []queue.ResolveItem{{
		QueueID: id, Timestamp: tr.AnchorTimestamp, Price: strike,
		Signature: f.sign(t, tr.AnchorTimestamp, strike),
	}})
	require.NoError(t, err)
	require.Equal(t, queue.Opened, resolved[0].Outcome)
	optID := *resolved[0].OptionID

	require.NoError(t, f.x.UnregisterMarket(ctx, admin, market))
	assert.False(t, f.x.Markets()[0].Open)
	_, err = f.x.Submit(ctx, alice, request())
	assert.Equal(t, codes.UnknownMarket, codes.CodeOf(err))

	f.advance(time.Hour)
	opt, err := f.x.Option(market, optID)
	require.NoError(t, err)
	expiry := uint64(opt.ExpiresAt.Unix())
	unlocked, err := f.x.UnlockBatch(ctx, bob, []queue.UnlockItem{{
		Market: market, OptionID: optID, Timestamp: expiry, Price: d(500e8),
		Signature: f.sign(t, expiry, d(500e8)),
	}})
	require.NoError(t, err)
	assert.Equal(t, queue.Exercised, unlocked[0].Outcome)
	assert.True(t, f.x.Pool().LockedAmount.IsZero())

	assert.Equal(t, codes.Forbidden, codes.CodeOf(f.x.SetMarketOpen(ctx, alice, market, true)))
	require.NoError(t, f.x.SetMarketOpen(ctx, admin, market, true))
	assert.True(t, f.x.Markets()[0].Open)
	_, err = f.x.Submit(ctx, alice, request())
	assert.NoError(t, err)
}

func TestEngineLogs_TagMarketOnce(t *testing.T) {
	var buf bytes.Buffer
	x, err := New(Config{
		Admin:   admin,
		Signers: []common.Address{admin},
		Queue:   queue.DefaultConfig(),
		Markets: []MarketSpec{{Engine: engine.DefaultConfig(market, recipient)}},
	}, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	require.NoError(t, err)

	buf.Reset()
	require.NoError(t, x.SetPaused(context.Background(), admin, market, true))
	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "market pause changed") {
			line = l
		}
	}
	require.NotEmpty(t, line)
	assert.Equal(t, 1, strings.Count(line, " market="+market))
}

func TestAsyncPublish_WritesOffLockThenInline(t *testing.T) {
	st := store.NewMemoryStore()
	x, err := New(Config{
		Admin:   admin,
		Signers: []common.Address{admin},
		Queue:   queue.DefaultConfig(),
		Markets: []MarketSpec{{Engine: engine.DefaultConfig(market, recipient)}},
	}, WithStore(st), WithAsyncPublish(1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		x.RunPublisher(ctx)
		close(stopped)
	}()

	require.NoError(t, x.Mint(ctx, admin, alice, d(10_000_000)))
	require.NoError(t, x.ApproveAsset(ctx, alice, QueueAddress, d(10_000_000)))
	// More commits than the queue holds; each waits for room rather than dropping.
	for i := 0; i < 3; i++ {
		_, err := x.Submit(ctx, alice, request())
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		_, err := st.GetTrade(context.Background(), 2)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-stopped

	// After the publisher stops, commits are written before the call returns.
	id, err := x.Submit(context.Background(), alice, request())
	require.NoError(t, err)
	saved, err := st.GetTrade(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.TradePending, saved.Status)

	evs, err := st.ListEvents(context.Background(), market, 0)
	require.NoError(t, err)
	assert.Len(t, evs, 4)
}

func TestRunPublisher_SyncModeReturns(t *testing.T) {
	f := newFixture(t)
	done := make(chan struct{})
	go func() {
		f.x.RunPublisher(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunPublisher blocked without WithAsyncPublish")
	}
}

func TestPool_Views(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct := f.x.PoolAccount(lp)
	assert.Equal(t, "100000000", acct.Shares.String())
	assert.True(t, acct.UnlockedShares.IsZero())

	f.advance(10 * time.Minute)
	acct = f.x.PoolAccount(lp)
	assert.Equal(t, "100000000", acct.UnlockedShares.String())

	paid, err := f.x.Withdraw(ctx, lp, d(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, "1000000", paid.String())
	assert.Equal(t, "99000000", f.x.Pool().TotalBalance.String())
}

func TestQuote_DoesNotChangeState(t *testing.T) {
	f := newFixture(t)
	q, err := f.x.Quote(market, engine.QuoteRequest{Trader: alice, Fee: d(1_000_000), Direction: model.Above})
	require.NoError(t, err)
	assert.Equal(t, "1700000", q.Amount.String())
	assert.Equal(t, "150000", q.SettlementFee.String())

	_, err = f.x.Quote("BTC-USD", engine.QuoteRequest{Trader: alice, Fee: d(1), Direction: model.Above})
	assert.Equal(t, codes.UnknownMarket, codes.CodeOf(err))
}

func TestConcurrentSubmits_Serialised(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan uint64, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.x.Submit(ctx, alice, request())
			if err == nil {
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate queue id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, 8)
	assert.Equal(t, "2000000", f.x.AssetAccount(alice).Balance.String())
	assert.Len(t, f.x.TradesOf(alice), 8)
}
