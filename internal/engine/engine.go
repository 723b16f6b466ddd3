// Package engine implements the per-market option engine: it prices trades,
// admits them as options backed by pool collateral and settles them at
// expiry.
package engine

import (
	"log/slog"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/access"
	"github.com/atmx/options-engine/internal/codes"
	"github.com/atmx/options-engine/internal/discount"
	"github.com/atmx/options-engine/internal/events"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/token"
)

var (
	ErrCreationPaused   = codes.New(codes.CreationPaused, "engine: option creation is paused")
	ErrPeriodOutOfRange = codes.New(codes.PeriodOutOfRange, "engine: period out of range")
	ErrMarketClosed     = codes.New(codes.MarketClosed, "engine: market is closed")
	ErrCapacityExceeded = codes.New(codes.CapacityExceeded, "engine: amount exceeds available capacity")
	ErrOptionNotFound   = codes.New(codes.OptionNotFound, "engine: option not found")
	ErrAlreadySettled   = codes.New(codes.AlreadySettled, "engine: option already settled")
	ErrTooEarly         = codes.New(codes.TooEarly, "engine: option has not expired")
	ErrInvalidConfig    = codes.New(codes.InvalidConfig, "engine: invalid configuration")
	ErrInvalidRecipient = codes.New(codes.InvalidRecipient, "engine: zero address")
	ErrInvalidDirection = codes.New(codes.InvalidParameters, "engine: direction must be above or below")
	ErrNotOwner         = codes.New(codes.Forbidden, "engine: caller does not own the option")
)

// Pool is the collateral the engine locks against.
type Pool interface {
	Address() common.Address
	TotalBalance() decimal.Decimal
	AvailableBalance() decimal.Decimal
	LockedAmount() decimal.Decimal
	LockedBy(issuer common.Address) decimal.Decimal
	Lock(caller common.Address, id uint64, amount, premium decimal.Decimal) error
	Send(caller common.Address, id uint64, to common.Address, payout decimal.Decimal) (decimal.Decimal, error)
	Unlock(caller common.Address, id uint64) error
}

// Calendar gates option creation on market hours.
type Calendar interface {
	InCreationWindow(now time.Time, period time.Duration) bool
}

// Engine is one market's option engine. It holds the issuer role in the pool
// under its own address. Not safe for concurrent use; the exchange
// serialises every call and runs each mutating call in an atomic unit.
type Engine struct {
	addr  common.Address
	cfg   Config
	asset token.Asset
	pool  Pool
	acl   *access.Table
	tiers discount.Resolver
	cal   Calendar
	emit  events.Emitter
	now   func() time.Time
	log   *slog.Logger

	paused  bool
	options map[uint64]*model.Option
	byOwner map[common.Address][]uint64
	nextID  uint64
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithCalendar sets the market-hours calendar used when the market is
// calendar gated.
func WithCalendar(c Calendar) Option {
	return func(e *Engine) { e.cal = c }
}

// New creates an engine for cfg.Market operating from addr.
func New(addr common.Address, cfg Config, asset token.Asset, pool Pool, acl *access.Table, tiers discount.Resolver, emit events.Emitter, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		addr:    addr,
		cfg:     cfg.clone(),
		asset:   asset,
		pool:    pool,
		acl:     acl,
		tiers:   tiers,
		emit:    emit,
		now:     time.Now,
		log:     slog.Default(),
		options: make(map[uint64]*model.Option),
		byOwner: make(map[common.Address][]uint64),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With("market", cfg.Market)
	return e, nil
}

// Address is the engine's account in the asset and the pool.
func (e *Engine) Address() common.Address { return e.addr }

// Market is the market id.
func (e *Engine) Market() string { return e.cfg.Market }

// Config returns a copy of the current configuration.
func (e *Engine) Config() Config { return e.cfg.clone() }

// Paused reports whether option creation is paused.
func (e *Engine) Paused() bool { return e.paused }

// AdmitRequest is a trade to open as an option. The fee is pulled from Payer,
// which must have approved the engine for it.
type AdmitRequest struct {
	Trader           common.Address
	Payer            common.Address
	Fee              decimal.Decimal
	Period           uint64 // seconds
	Direction        model.Direction
	Strike           decimal.Decimal
	AllowPartialFill bool
	ReferralCode     string
	NFTID            *uint64
}

// Admission is the result of a successful Admit.
type Admission struct {
	OptionID uint64
	Quote
}

// Admit prices r and opens it as an option. The caller must run it inside an
// atomic unit: a failing interaction leaves earlier effects to be rolled back.
func (e *Engine) Admit(caller common.Address, r AdmitRequest) (*Admission, error) {
	if err := e.acl.Require(access.Router, caller); err != nil {
		return nil, err
	}
	if e.paused {
		return nil, ErrCreationPaused
	}
	if r.Period < e.cfg.MinPeriod || r.Period > e.cfg.MaxPeriod {
		return nil, ErrPeriodOutOfRange
	}
	if !r.Direction.Valid() {
		return nil, ErrInvalidDirection
	}
	now := e.now().UTC()
	period := time.Duration(r.Period) * time.Second
	if e.cfg.CalendarGated && (e.cal == nil || !e.cal.InCreationWindow(now, period)) {
		return nil, ErrMarketClosed
	}

	ref, refOK := e.tiers.ResolveReferral(r.Trader, r.ReferralCode)
	step := e.discountStep(r.Trader, ref, refOK, r.NFTID)
	q, err := e.price(r.Fee, r.Direction, step, ref, refOK, r.AllowPartialFill)
	if err != nil {
		return nil, err
	}

	id := e.nextID
	e.nextID++
	opt := &model.Option{
		ID:             id,
		Market:         e.cfg.Market,
		State:          model.OptionActive,
		Strike:         r.Strike,
		Amount:         q.Amount,
		LockedAmount:   q.Amount,
		Premium:        q.Premium,
		SettlementFee:  q.SettlementFee,
		TotalFee:       q.RevisedFee,
		ReferralRebate: q.Rebate,
		Direction:      r.Direction,
		CreatedAt:      now,
		ExpiresAt:      now.Add(period),
		Owner:          r.Trader,
	}
	e.options[id] = opt
	e.byOwner[r.Trader] = append(e.byOwner[r.Trader], id)

	if err := e.asset.TransferFrom(e.addr, r.Payer, e.addr, q.RevisedFee); err != nil {
		return nil, err
	}
	if err := e.asset.Approve(e.addr, e.pool.Address(), q.Premium); err != nil {
		return nil, err
	}
	if err := e.pool.Lock(e.addr, id, q.Amount, q.Premium); err != nil {
		return nil, err
	}
	if q.SettlementFee.IsPositive() {
		if err := e.asset.Transfer(e.addr, e.cfg.SettlementFeeRecipient, q.SettlementFee); err != nil {
			return nil, err
		}
	}
	if q.Rebate.IsPositive() {
		if err := e.asset.Transfer(e.addr, q.Referrer, q.Rebate); err != nil {
			return nil, err
		}
	}

	e.emit.Emit(model.Event{
		Type:     model.EventOptionCreated,
		Market:   e.cfg.Market,
		OptionID: model.Uint64(id),
		Account:  r.Trader,
		Amount:   q.Amount,
	})
	e.log.Info("option created",
		"option_id", id,
		"owner", r.Trader.Hex(),
		"amount", q.Amount.String(),
		"revised_fee", q.RevisedFee.String(),
		"settlement_fee", q.SettlementFee.String(),
	)
	return &Admission{OptionID: id, Quote: q}, nil
}

// Settlement is the result of Settle.
type Settlement struct {
	OptionID uint64
	State    model.OptionState
	Payout   decimal.Decimal
}

// InTheMoney reports whether an option with dir and strike pays out at
// price. A price equal to the strike never pays.
func InTheMoney(dir model.Direction, strike, price decimal.Decimal) bool {
	switch dir {
	case model.Above:
		return price.GreaterThan(strike)
	case model.Below:
		return price.LessThan(strike)
	}
	return false
}

// Settle closes option id at the expiry price, paying the owner the locked
// amount when it finished in the money.
func (e *Engine) Settle(caller common.Address, id uint64, price decimal.Decimal) (*Settlement, error) {
	if err := e.acl.Require(access.Router, caller); err != nil {
		return nil, err
	}
	opt, ok := e.options[id]
	if !ok {
		return nil, ErrOptionNotFound
	}
	if opt.State != model.OptionActive {
		return nil, ErrAlreadySettled
	}
	if e.now().Before(opt.ExpiresAt) {
		return nil, ErrTooEarly
	}

	opt.ExpiryPrice = price
	ev := model.Event{Market: e.cfg.Market, OptionID: model.Uint64(id), Account: opt.Owner}
	if InTheMoney(opt.Direction, opt.Strike, price) {
		payout := opt.LockedAmount
		opt.State = model.OptionExercised
		opt.LockedAmount = decimal.Zero
		paid, err := e.pool.Send(e.addr, id, opt.Owner, payout)
		if err != nil {
			return nil, err
		}
		opt.Payout = paid
		ev.Type = model.EventOptionExercised
		ev.Amount = paid
	} else {
		opt.State = model.OptionExpired
		opt.LockedAmount = decimal.Zero
		if err := e.pool.Unlock(e.addr, id); err != nil {
			return nil, err
		}
		ev.Type = model.EventOptionExpired
		ev.Amount = decimal.Zero
	}
	e.emit.Emit(ev)
	e.log.Info("option settled", "option_id", id, "state", opt.State, "price", price.String(), "payout", opt.Payout.String())
	return &Settlement{OptionID: id, State: opt.State, Payout: opt.Payout}, nil
}

// TransferOption hands an active option to a new owner.
func (e *Engine) TransferOption(caller common.Address, id uint64, to common.Address) error {
	opt, ok := e.options[id]
	if !ok {
		return ErrOptionNotFound
	}
	if opt.Owner != caller {
		return ErrNotOwner
	}
	if opt.State != model.OptionActive {
		return ErrAlreadySettled
	}
	if to == (common.Address{}) {
		return ErrInvalidRecipient
	}

	e.byOwner[caller] = removeID(e.byOwner[caller], id)
	e.byOwner[to] = append(e.byOwner[to], id)
	opt.Owner = to
	e.emit.Emit(model.Event{
		Type:     model.EventOptionTransfer,
		Market:   e.cfg.Market,
		OptionID: model.Uint64(id),
		Account:  to,
		Reason:   "from " + caller.Hex(),
	})
	return nil
}

// Option returns a copy of option id.
func (e *Engine) Option(id uint64) (model.Option, bool) {
	opt, ok := e.options[id]
	if !ok {
		return model.Option{}, false
	}
	return *opt, true
}

// OptionsOf returns copies of the options held by owner, oldest first.
func (e *Engine) OptionsOf(owner common.Address) []model.Option {
	ids := e.byOwner[owner]
	out := make([]model.Option, 0, len(ids))
	for _, id := range ids {
		out = append(out, *e.options[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NextID is the id the next admitted option will get.
func (e *Engine) NextID() uint64 { return e.nextID }

func removeID(ids []uint64, id uint64) []uint64 {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
