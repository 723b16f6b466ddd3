// Package exchange wires the trade queue, the per-market option engines and
// the collateral pool into one serialised state machine. Every call takes
// the exchange lock and runs as an atomic unit; once a unit commits, its
// events and touched records are projected to the store, the event sinks
// and the metrics.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atmx/options-engine/internal/access"
	"github.com/atmx/options-engine/internal/discount"
	"github.com/atmx/options-engine/internal/engine"
	"github.com/atmx/options-engine/internal/events"
	"github.com/atmx/options-engine/internal/metrics"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/oracle"
	"github.com/atmx/options-engine/internal/pool"
	"github.com/atmx/options-engine/internal/queue"
	"github.com/atmx/options-engine/internal/store"
	"github.com/atmx/options-engine/internal/token"
	"github.com/atmx/options-engine/internal/txn"
)

// Well-known component accounts.
var (
	QueueAddress = DeriveAddress("queue")
	PoolAddress  = DeriveAddress("pool")
)

// DeriveAddress returns the deterministic account of a named component.
func DeriveAddress(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("atmx-options/" + name)))
}

// EngineAddress is the account of the engine serving market.
func EngineAddress(market string) common.Address {
	return DeriveAddress("engine/" + market)
}

// MarketSpec configures one market.
type MarketSpec struct {
	Engine engine.Config
	// Calendar gates creation when Engine.CalendarGated is set.
	Calendar engine.Calendar
}

// Config describes the whole system at start-up.
type Config struct {
	Admin         common.Address
	Signers       []common.Address
	AssetSymbol   string
	AssetDecimals int32

	Queue queue.Config
	Pool  pool.Config

	ReferralSteps   []int
	ReferralRebates []int64

	Markets []MarketSpec
}

// Exchange is safe for concurrent use; calls are serialised.
type Exchange struct {
	mu sync.Mutex

	admin    common.Address
	asset    *token.Ledger
	acl      *access.Table
	tiers    *discount.Registry
	verifier *oracle.Verifier
	pool     *pool.Pool
	queue    *queue.Queue
	engines  map[string]*engine.Engine
	buf      *events.Buffer
	txm      *txn.Manager

	store store.Store
	sink  events.Sink
	now   func() time.Time
	log   *slog.Logger

	// pubCh is set by WithAsyncPublish; RunPublisher drains it.
	pubCh   chan batch
	pubDone chan struct{}
}

// Option customises an Exchange.
type Option func(*Exchange)

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(x *Exchange) { x.now = now }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(x *Exchange) { x.log = l }
}

// WithStore sets the store committed state is projected to.
func WithStore(s store.Store) Option {
	return func(x *Exchange) { x.store = s }
}

// WithSinks adds sinks for committed events.
func WithSinks(sinks ...events.Sink) Option {
	return func(x *Exchange) { x.sink = events.Multi(sinks) }
}

// WithAsyncPublish moves store and sink writes off the exchange lock onto
// RunPublisher, queueing up to size batches. Commits block when the queue
// is full so batches are never dropped or reordered.
func WithAsyncPublish(size int) Option {
	return func(x *Exchange) {
		x.pubCh = make(chan batch, size)
		x.pubDone = make(chan struct{})
	}
}

// New builds the system described by cfg.
func New(cfg Config, opts ...Option) (*Exchange, error) {
	x := &Exchange{
		admin:   cfg.Admin,
		engines: make(map[string]*engine.Engine),
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(x)
	}
	if x.store == nil {
		x.store = store.NewMemoryStore()
	}
	if cfg.Admin == (common.Address{}) {
		return nil, fmt.Errorf("exchange: admin address is required")
	}

	steps, rebates := cfg.ReferralSteps, cfg.ReferralRebates
	if steps == nil {
		steps, rebates = discount.DefaultReferralSteps, discount.DefaultReferralRebates
	}
	tiers, err := discount.NewRegistry(steps, rebates)
	if err != nil {
		return nil, fmt.Errorf("exchange: referral tiers: %w", err)
	}
	x.tiers = tiers

	if cfg.AssetSymbol == "" {
		cfg.AssetSymbol = "USDC"
	}
	if cfg.AssetDecimals == 0 {
		cfg.AssetDecimals = 6
	}
	x.asset = token.NewLedger(cfg.AssetSymbol, cfg.AssetDecimals)
	x.acl = access.NewTable(cfg.Admin)
	x.verifier = oracle.NewVerifier(cfg.Signers...)
	x.buf = events.NewBuffer(x.now)
	x.txm = txn.NewManager(x.asset, x.acl, x.tiers, x.buf)

	def := pool.DefaultConfig()
	if cfg.Pool.LockupPeriod <= 0 {
		cfg.Pool.LockupPeriod = def.LockupPeriod
	}
	if !cfg.Pool.InitialRate.IsPositive() {
		cfg.Pool.InitialRate = def.InitialRate
	}
	if !cfg.Pool.MinAmount.IsPositive() {
		cfg.Pool.MinAmount = def.MinAmount
	}
	x.pool = pool.New(PoolAddress, x.asset, x.acl, x.buf, cfg.Pool,
		pool.WithClock(x.now), pool.WithLogger(x.log.With("component", "pool")))
	x.queue = queue.New(QueueAddress, cfg.Queue, x.asset, x.acl, x.verifier, x.txm, x.buf,
		queue.WithClock(x.now), queue.WithLogger(x.log.With("component", "queue")))
	x.txm.Add(x.pool, x.queue)

	if err := x.acl.Grant(cfg.Admin, access.Router, QueueAddress); err != nil {
		return nil, err
	}
	for _, spec := range cfg.Markets {
		if err := x.addMarket(cfg.Admin, spec); err != nil {
			return nil, err
		}
	}
	x.log.Info("exchange ready", "markets", len(x.engines), "signers", len(cfg.Signers), "admin", cfg.Admin.Hex())
	return x, nil
}

// addMarket creates and registers an engine. The engine joins the atomic
// set before the registering unit runs, so it must not be called inside one.
func (x *Exchange) addMarket(caller common.Address, spec MarketSpec) error {
	if err := x.acl.Require(access.Admin, caller); err != nil {
		return err
	}
	market := spec.Engine.Market
	if _, ok := x.engines[market]; ok {
		return queue.ErrMarketExists
	}
	opts := []engine.Option{
		engine.WithClock(x.now),
		engine.WithLogger(x.log.With("component", "engine")),
	}
	if spec.Calendar != nil {
		opts = append(opts, engine.WithCalendar(spec.Calendar))
	}
	addr := EngineAddress(market)
	eng, err := engine.New(addr, spec.Engine, x.asset, x.pool, x.acl, x.tiers, x.buf, opts...)
	if err != nil {
		return err
	}
	x.txm.Add(eng)
	err = x.txm.Atomic(func() error {
		if err := x.acl.Grant(caller, access.Issuer, addr); err != nil {
			return err
		}
		return x.queue.RegisterMarket(caller, eng)
	})
	if err != nil {
		return err
	}
	x.engines[market] = eng
	return nil
}

// exec runs fn as one atomic unit under the exchange lock and projects the
// committed result.
func (x *Exchange) exec(ctx context.Context, fn func() error) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.execLocked(ctx, fn)
}

func (x *Exchange) execLocked(ctx context.Context, fn func() error) error {
	if err := x.txm.Atomic(fn); err != nil {
		return err
	}
	x.publish(ctx, x.buf.Drain())
	return nil
}

// batch is a committed unit's events together with copies of the records
// they touched, taken under the exchange lock.
type batch struct {
	evs     []model.Event
	trades  []model.QueuedTrade
	options []model.Option
}

// publish projects committed events. Failures are logged and counted; the
// state change itself has already committed. Must be called with x.mu held.
func (x *Exchange) publish(ctx context.Context, evs []model.Event) {
	metrics.SetPool(x.pool.TotalBalance(), x.pool.LockedAmount(), x.pool.AvailableBalance())
	if len(evs) == 0 {
		return
	}
	b := x.collect(evs)
	if x.pubCh != nil {
		select {
		case x.pubCh <- b:
			return
		case <-x.pubDone:
		}
	}
	x.write(ctx, b)
}

func (x *Exchange) collect(evs []model.Event) batch {
	b := batch{evs: evs}
	seenTrades := make(map[uint64]bool)
	type optKey struct {
		market string
		id     uint64
	}
	seenOpts := make(map[optKey]bool)
	for _, e := range evs {
		metrics.EventsPublished.WithLabelValues(string(e.Type)).Inc()
		switch e.Type {
		case model.EventTradeSubmitted:
			metrics.TradesSubmitted.WithLabelValues(e.Market).Inc()
		case model.EventOptionCreated:
			metrics.OptionsCreated.WithLabelValues(e.Market).Inc()
		case model.EventOptionExercised:
			metrics.OptionsSettled.WithLabelValues(e.Market, string(model.OptionExercised)).Inc()
		case model.EventOptionExpired:
			metrics.OptionsSettled.WithLabelValues(e.Market, string(model.OptionExpired)).Inc()
		}
		if e.QueueID != nil && !seenTrades[*e.QueueID] {
			seenTrades[*e.QueueID] = true
			if t, ok := x.queue.Trade(*e.QueueID); ok {
				b.trades = append(b.trades, t)
			}
		}
		if e.OptionID == nil || e.Market == "" {
			continue
		}
		k := optKey{e.Market, *e.OptionID}
		if seenOpts[k] {
			continue
		}
		seenOpts[k] = true
		if eng, ok := x.engines[k.market]; ok {
			if o, ok := eng.Option(k.id); ok {
				b.options = append(b.options, o)
			}
		}
	}
	return b
}

// write persists b and hands its events to the sinks.
func (x *Exchange) write(ctx context.Context, b batch) {
	for i := range b.trades {
		t := &b.trades[i]
		if err := x.store.SaveTrade(ctx, t); err != nil {
			metrics.PublishFailures.WithLabelValues("store").Inc()
			x.log.Error("persist trade failed", "queue_id", t.QueueID, "error", err)
		}
	}
	for i := range b.options {
		o := &b.options[i]
		if err := x.store.SaveOption(ctx, o); err != nil {
			metrics.PublishFailures.WithLabelValues("store").Inc()
			x.log.Error("persist option failed", "market", o.Market, "option_id", o.ID, "error", err)
		}
	}
	if err := (store.EventSink{Store: x.store}).Publish(ctx, b.evs); err != nil {
		metrics.PublishFailures.WithLabelValues("store").Inc()
		x.log.Error("persist events failed", "count", len(b.evs), "error", err)
	}
	if x.sink != nil {
		if err := x.sink.Publish(ctx, b.evs); err != nil {
			metrics.PublishFailures.WithLabelValues("sink").Inc()
			x.log.Error("publish events failed", "count", len(b.evs), "error", err)
		}
	}
}

// RunPublisher writes batches queued by WithAsyncPublish until ctx is done.
// It then flushes what is left under the exchange lock; later commits are
// written inline. Without WithAsyncPublish it returns at once.
func (x *Exchange) RunPublisher(ctx context.Context) {
	if x.pubCh == nil {
		return
	}
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case b := <-x.pubCh:
			x.write(wctx, b)
		case <-ctx.Done():
			x.stopPublisher(wctx)
			return
		}
	}
}

// stopPublisher takes the exchange lock, keeping the queue moving meanwhile
// so a commit blocked on a full queue can release it, then flushes the rest.
func (x *Exchange) stopPublisher(ctx context.Context) {
	locked := make(chan struct{})
	go func() {
		x.mu.Lock()
		close(locked)
	}()
	for waiting := true; waiting; {
		select {
		case b := <-x.pubCh:
			x.write(ctx, b)
		case <-locked:
			waiting = false
		}
	}
	defer x.mu.Unlock()
	close(x.pubDone)
	for {
		select {
		case b := <-x.pubCh:
			x.write(ctx, b)
		default:
			x.log.Info("event publisher stopped")
			return
		}
	}
}

func (x *Exchange) engine(market string) (*engine.Engine, error) {
	eng, ok := x.engines[market]
	if !ok {
		return nil, queue.ErrUnknownMarket
	}
	return eng, nil
}

// Asset returns the backing asset's symbol and decimals.
func (x *Exchange) Asset() (string, int32) {
	return x.asset.Symbol(), x.asset.Decimals()
}

// Admin is the bootstrap admin account.
func (x *Exchange) Admin() common.Address { return x.admin }
