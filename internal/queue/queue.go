// Package queue implements the two-phase trade queue. Traders submit a
// request with an escrowed fee; keepers later resolve it against a signed
// price, opening an option on the market's engine or cancelling with a
// refund.
package queue

import (
	"log/slog"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/access"
	"github.com/atmx/options-engine/internal/codes"
	"github.com/atmx/options-engine/internal/engine"
	"github.com/atmx/options-engine/internal/events"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/oracle"
	"github.com/atmx/options-engine/internal/token"
	"github.com/atmx/options-engine/internal/txn"
)

var (
	ErrUnknownMarket    = codes.New(codes.UnknownMarket, "queue: unknown market")
	ErrSlippageAboveMax = codes.New(codes.SlippageAboveMax, "queue: slippage above max")
	ErrFeeBelowMin      = codes.New(codes.FeeBelowMin, "queue: fee below min")
	ErrPeriodOutOfRange = codes.New(codes.PeriodOutOfRange, "queue: period out of range")
	ErrInvalidDirection = codes.New(codes.InvalidParameters, "queue: direction must be above or below")
	ErrTradeNotFound    = codes.New(codes.TradeNotFound, "queue: trade not found")
	ErrAlreadyResolved  = codes.New(codes.AlreadyResolved, "queue: trade already resolved")
	ErrNotSubmitter     = codes.New(codes.Forbidden, "queue: caller did not submit the trade")
	ErrMarketExists     = codes.New(codes.InvalidParameters, "queue: market already registered")
)

// Defaults.
const (
	DefaultMaxWait        = 60 * time.Second
	DefaultMaxSlippageBps = 500
)

// Market is the engine a market's trades are admitted to.
type Market interface {
	Address() common.Address
	Market() string
	Config() engine.Config
	Admit(caller common.Address, r engine.AdmitRequest) (*engine.Admission, error)
	Settle(caller common.Address, id uint64, price decimal.Decimal) (*engine.Settlement, error)
	Option(id uint64) (model.Option, bool)
}

// Verifier checks oracle signatures.
type Verifier interface {
	Verify(a oracle.Attestation, sig []byte) bool
}

// Config holds the queue's tunables.
type Config struct {
	// MaxWait is how long a trade may stay queued before resolution cancels it.
	MaxWait time.Duration
	// MaxSlippageBps bounds the slippage a trader may request.
	MaxSlippageBps uint32
	// PrivateKeeperMode restricts resolution to resolver-role accounts.
	PrivateKeeperMode bool
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{MaxWait: DefaultMaxWait, MaxSlippageBps: DefaultMaxSlippageBps}
}

// Queue holds queued trades and escrows their fees at its own address. Not
// safe for concurrent use; the exchange serialises every call.
type Queue struct {
	addr     common.Address
	cfg      Config
	asset    token.Asset
	acl      *access.Table
	verifier Verifier
	runner   txn.Runner
	emit     events.Emitter
	now      func() time.Time
	log      *slog.Logger

	markets map[string]Market
	// closed markets take no new trades but still settle their options.
	closed map[string]bool
	trades map[uint64]*model.QueuedTrade
	byUser map[common.Address][]uint64
	nextID uint64
}

// Option customises a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// New creates a queue operating from addr. runner provides the per-item
// atomic units of the batch operations.
func New(addr common.Address, cfg Config, asset token.Asset, acl *access.Table, verifier Verifier, runner txn.Runner, emit events.Emitter, opts ...Option) *Queue {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	q := &Queue{
		addr:     addr,
		cfg:      cfg,
		asset:    asset,
		acl:      acl,
		verifier: verifier,
		runner:   runner,
		emit:     emit,
		now:      time.Now,
		log:      slog.Default(),
		markets:  make(map[string]Market),
		closed:   make(map[string]bool),
		trades:   make(map[uint64]*model.QueuedTrade),
		byUser:   make(map[common.Address][]uint64),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Address is the queue's escrow account.
func (q *Queue) Address() common.Address { return q.addr }

// Config returns the current tunables.
func (q *Queue) Config() Config { return q.cfg }

// SubmitRequest is a trade request.
type SubmitRequest struct {
	Market           string          `json:"market"`
	Fee              decimal.Decimal `json:"fee"`
	Period           uint64          `json:"period"`
	Direction        model.Direction `json:"direction"`
	ExpectedStrike   decimal.Decimal `json:"expected_strike"`
	SlippageBps      uint32          `json:"slippage_bps"`
	AllowPartialFill bool            `json:"allow_partial_fill"`
	ReferralCode     string          `json:"referral_code,omitempty"`
	NFTID            *uint64         `json:"nft_id,omitempty"`
}

// Submit queues a trade and escrows its fee from caller, who must have
// approved the queue for it.
func (q *Queue) Submit(caller common.Address, r SubmitRequest) (uint64, error) {
	mkt, ok := q.markets[r.Market]
	if !ok || q.closed[r.Market] {
		return 0, ErrUnknownMarket
	}
	if r.SlippageBps > q.cfg.MaxSlippageBps {
		return 0, ErrSlippageAboveMax
	}
	cfg := mkt.Config()
	if r.Fee.LessThan(cfg.MinFee) {
		return 0, ErrFeeBelowMin
	}
	if r.Period < cfg.MinPeriod || r.Period > cfg.MaxPeriod {
		return 0, ErrPeriodOutOfRange
	}
	if !r.Direction.Valid() {
		return 0, ErrInvalidDirection
	}

	now := q.now().UTC()
	id := q.nextID
	t := &model.QueuedTrade{
		QueueID:          id,
		Submitter:        caller,
		Fee:              r.Fee,
		Period:           r.Period,
		Direction:        r.Direction,
		Market:           r.Market,
		ExpectedStrike:   r.ExpectedStrike,
		SlippageBps:      r.SlippageBps,
		AllowPartialFill: r.AllowPartialFill,
		ReferralCode:     r.ReferralCode,
		NFTID:            r.NFTID,
		QueuedAt:         now,
		AnchorTimestamp:  uint64(now.Unix()),
		Status:           model.TradePending,
	}
	q.trades[id] = t
	q.byUser[caller] = append(q.byUser[caller], id)
	q.nextID++

	if err := q.asset.TransferFrom(q.addr, caller, q.addr, r.Fee); err != nil {
		delete(q.trades, id)
		q.byUser[caller] = q.byUser[caller][:len(q.byUser[caller])-1]
		q.nextID--
		return 0, err
	}

	q.emit.Emit(model.Event{
		Type:    model.EventTradeSubmitted,
		Market:  r.Market,
		QueueID: model.Uint64(id),
		Account: caller,
		Amount:  r.Fee,
	})
	q.log.Info("trade queued", "queue_id", id, "market", r.Market, "submitter", caller.Hex(), "fee", r.Fee.String())
	return id, nil
}

// Cancel withdraws a pending trade and refunds its fee to the submitter.
func (q *Queue) Cancel(caller common.Address, id uint64) error {
	t, ok := q.trades[id]
	if !ok {
		return ErrTradeNotFound
	}
	if t.Submitter != caller {
		return ErrNotSubmitter
	}
	if t.Status != model.TradePending {
		return ErrAlreadyResolved
	}
	return q.cancel(t, codes.UserCancelled)
}

// cancel marks t cancelled and refunds the escrowed fee.
func (q *Queue) cancel(t *model.QueuedTrade, reason codes.Code) error {
	t.Status = model.TradeCancelled
	t.CancelReason = string(reason)
	if err := q.asset.Transfer(q.addr, t.Submitter, t.Fee); err != nil {
		return err
	}
	q.emit.Emit(model.Event{
		Type:    model.EventTradeCancelled,
		Market:  t.Market,
		QueueID: model.Uint64(t.QueueID),
		Account: t.Submitter,
		Amount:  t.Fee,
		Reason:  string(reason),
	})
	q.log.Info("trade cancelled", "queue_id", t.QueueID, "reason", reason)
	return nil
}

// --- Markets ---

// RegisterMarket makes m available for new trades.
func (q *Queue) RegisterMarket(caller common.Address, m Market) error {
	if err := q.acl.Require(access.Admin, caller); err != nil {
		return err
	}
	if _, ok := q.markets[m.Market()]; ok {
		return ErrMarketExists
	}
	q.markets[m.Market()] = m
	q.log.Info("market registered", "market", m.Market(), "engine", m.Address().Hex())
	return nil
}

// UnregisterMarket stops new trades for market. Pending trades for it are
// cancelled with a refund when resolved; open options still settle.
func (q *Queue) UnregisterMarket(caller common.Address, market string) error {
	return q.SetMarketOpen(caller, market, false)
}

// SetMarketOpen closes or reopens a registered market for new trades.
func (q *Queue) SetMarketOpen(caller common.Address, market string, open bool) error {
	if err := q.acl.Require(access.Admin, caller); err != nil {
		return err
	}
	if _, ok := q.markets[market]; !ok {
		return ErrUnknownMarket
	}
	if open {
		delete(q.closed, market)
	} else {
		q.closed[market] = true
	}
	q.log.Info("market availability changed", "market", market, "open", open)
	return nil
}

// MarketOpen reports whether market is registered and taking new trades.
func (q *Queue) MarketOpen(market string) bool {
	_, ok := q.markets[market]
	return ok && !q.closed[market]
}

// SetPrivateKeeperMode toggles whether only resolvers may resolve.
func (q *Queue) SetPrivateKeeperMode(caller common.Address, on bool) error {
	if err := q.acl.Require(access.Admin, caller); err != nil {
		return err
	}
	q.cfg.PrivateKeeperMode = on
	q.log.Info("keeper mode changed", "private", on)
	return nil
}

// MarketByID returns a registered market, open or closed.
func (q *Queue) MarketByID(market string) (Market, bool) {
	m, ok := q.markets[market]
	return m, ok
}

// Markets lists registered market ids in order, closed ones included.
func (q *Queue) Markets() []string {
	out := make([]string, 0, len(q.markets))
	for id := range q.markets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// --- Queries ---

// Trade returns a copy of trade id.
func (q *Queue) Trade(id uint64) (model.QueuedTrade, bool) {
	t, ok := q.trades[id]
	if !ok {
		return model.QueuedTrade{}, false
	}
	return *t, true
}

// TradesOf returns copies of the trades user submitted, oldest first.
func (q *Queue) TradesOf(user common.Address) []model.QueuedTrade {
	ids := q.byUser[user]
	out := make([]model.QueuedTrade, 0, len(ids))
	for _, id := range ids {
		out = append(out, *q.trades[id])
	}
	return out
}

// NextID is the id the next submitted trade will get.
func (q *Queue) NextID() uint64 { return q.nextID }

type queueState struct {
	cfg     Config
	markets map[string]Market
	closed  map[string]bool
	trades  map[uint64]model.QueuedTrade
	byUser  map[common.Address][]uint64
	nextID  uint64
}

// Snapshot returns a deep copy of the queue's state. Registered markets are
// referenced, not copied; each engine is snapshotted on its own.
func (q *Queue) Snapshot() any {
	trades := make(map[uint64]model.QueuedTrade, len(q.trades))
	for id, t := range q.trades {
		trades[id] = *t
	}
	markets := make(map[string]Market, len(q.markets))
	for k, v := range q.markets {
		markets[k] = v
	}
	closed := make(map[string]bool, len(q.closed))
	for k, v := range q.closed {
		closed[k] = v
	}
	byUser := make(map[common.Address][]uint64, len(q.byUser))
	for k, v := range q.byUser {
		byUser[k] = append([]uint64(nil), v...)
	}
	return queueState{cfg: q.cfg, markets: markets, closed: closed, trades: trades, byUser: byUser, nextID: q.nextID}
}

// Restore reinstates a copy taken by Snapshot. Pointers to trades taken
// before Restore are stale afterwards.
func (q *Queue) Restore(s any) {
	st := s.(queueState)
	q.cfg = st.cfg
	q.markets = make(map[string]Market, len(st.markets))
	for k, v := range st.markets {
		q.markets[k] = v
	}
	q.closed = make(map[string]bool, len(st.closed))
	for k, v := range st.closed {
		q.closed[k] = v
	}
	q.trades = make(map[uint64]*model.QueuedTrade, len(st.trades))
	for id, t := range st.trades {
		t := t
		q.trades[id] = &t
	}
	q.byUser = make(map[common.Address][]uint64, len(st.byUser))
	for k, v := range st.byUser {
		q.byUser[k] = append([]uint64(nil), v...)
	}
	q.nextID = st.nextID
}
