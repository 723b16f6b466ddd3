// Package pool implements the collateral pool that backs every option.
//
// Liquidity providers deposit the backing asset and receive shares. Option
// engines (holders of the issuer role) lock collateral per option and later
// release it, paying the option owner when the option finishes in the money.
// All bookkeeping is updated before the asset is moved, and every mutating
// call is guarded against re-entry from the asset.
package pool

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/access"
	"github.com/atmx/options-engine/internal/codes"
	"github.com/atmx/options-engine/internal/events"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/token"
)

var (
	ErrAmountTooSmall      = codes.New(codes.AmountTooSmall, "pool: amount is too small")
	ErrAmountTooLarge      = codes.New(codes.AmountTooLarge, "pool: amount is too large")
	ErrMaxLiquidity        = codes.New(codes.MaxLiquidityReached, "pool: max liquidity reached")
	ErrMintLimit           = codes.New(codes.MintLimit, "pool: minted shares below minimum")
	ErrWithdrawLocked      = codes.New(codes.WithdrawalExceedsUnlocked, "pool: withdrawal exceeds unlocked shares")
	ErrInsufficientFunds   = codes.New(codes.InsufficientPoolFunds, "pool: not enough free funds in the pool")
	ErrAllowanceExceeded   = codes.New(codes.AllowanceExceeded, "pool: transfer amount exceeds allowance")
	ErrTransferLocked      = codes.New(codes.TransferLocked, "pool: shares are still in the lock-up period")
	ErrInsufficientShares  = codes.New(codes.InsufficientBalance, "pool: transfer amount exceeds share balance")
	ErrWrongID             = codes.New(codes.WrongID, "pool: wrong option id")
	ErrAlreadyUnlocked     = codes.New(codes.AlreadyUnlocked, "pool: collateral already unlocked")
	ErrInvalidMaxLiquidity = codes.New(codes.InvalidMaxLiquidity, "pool: max liquidity must exceed the total balance")
	ErrZeroAddress         = codes.New(codes.InvalidRecipient, "pool: zero address")
	ErrReentrant           = codes.New(codes.ReentrantCall, "pool: reentrant call")
)

// Defaults.
const (
	DefaultLockupPeriod = 10 * time.Minute
)

// Config holds the pool's tunables.
type Config struct {
	// LockupPeriod is how long freshly minted shares stay locked.
	LockupPeriod time.Duration
	// InitialRate is the shares minted per asset unit while supply is zero.
	InitialRate decimal.Decimal
	// MaxLiquidity caps the total balance; zero means no cap.
	MaxLiquidity decimal.Decimal
	// MinAmount is the smallest accepted deposit.
	MinAmount decimal.Decimal
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		LockupPeriod: DefaultLockupPeriod,
		InitialRate:  decimal.NewFromInt(1),
		MinAmount:    decimal.NewFromInt(1),
	}
}

// depositEntry is one deposit in a holder's lock-up schedule.
type depositEntry struct {
	Shares     decimal.Decimal
	EligibleAt time.Time
}

// schedule is a holder's lock-up queue. next only moves forward; matured
// entries are credited to unlocked, which withdrawals and transfers spend.
type schedule struct {
	entries  []depositEntry
	next     int
	unlocked decimal.Decimal
}

type lockKey struct {
	issuer common.Address
	id     uint64
}

// Pool is the collateral pool. Not safe for concurrent use; the exchange
// serialises every call.
type Pool struct {
	addr  common.Address
	asset token.Asset
	acl   *access.Table
	emit  events.Emitter
	now   func() time.Time
	log   *slog.Logger
	cfg   Config

	shares     map[common.Address]decimal.Decimal
	supply     decimal.Decimal
	allowances map[common.Address]map[common.Address]decimal.Decimal
	schedules  map[common.Address]*schedule

	locked        map[lockKey]*model.LockedLiquidity
	nextID        map[common.Address]uint64
	lockedAmount  decimal.Decimal
	lockedPremium decimal.Decimal
	lockedBy      map[common.Address]decimal.Decimal

	entered bool
}

// Option customises a Pool.
type Option func(*Pool)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// New creates a pool holding its asset at addr.
func New(addr common.Address, asset token.Asset, acl *access.Table, emit events.Emitter, cfg Config, opts ...Option) *Pool {
	if cfg.InitialRate.IsZero() {
		cfg.InitialRate = decimal.NewFromInt(1)
	}
	p := &Pool{
		addr:       addr,
		asset:      asset,
		acl:        acl,
		emit:       emit,
		now:        time.Now,
		log:        slog.Default(),
		cfg:        cfg,
		shares:     make(map[common.Address]decimal.Decimal),
		allowances: make(map[common.Address]map[common.Address]decimal.Decimal),
		schedules:  make(map[common.Address]*schedule),
		locked:     make(map[lockKey]*model.LockedLiquidity),
		nextID:     make(map[common.Address]uint64),
		lockedBy:   make(map[common.Address]decimal.Decimal),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Address is the account holding the pool's asset.
func (p *Pool) Address() common.Address { return p.addr }

// Config returns the current tunables.
func (p *Pool) Config() Config { return p.cfg }

// --- Balances ---

// TotalBalance is the asset held by the pool minus premiums not yet earned.
func (p *Pool) TotalBalance() decimal.Decimal {
	return p.asset.BalanceOf(p.addr).Sub(p.lockedPremium)
}

// AvailableBalance is the part of TotalBalance not reserved as collateral.
func (p *Pool) AvailableBalance() decimal.Decimal {
	return p.TotalBalance().Sub(p.lockedAmount)
}

// LockedAmount is the aggregate collateral locked across all issuers.
func (p *Pool) LockedAmount() decimal.Decimal { return p.lockedAmount }

// LockedPremium is the aggregate premium held against locked collateral.
func (p *Pool) LockedPremium() decimal.Decimal { return p.lockedPremium }

// LockedBy is the collateral currently locked by one issuer.
func (p *Pool) LockedBy(issuer common.Address) decimal.Decimal { return p.lockedBy[issuer] }

// Locked returns the reservation for an issuer's option.
func (p *Pool) Locked(issuer common.Address, id uint64) (model.LockedLiquidity, bool) {
	ll, ok := p.locked[lockKey{issuer, id}]
	if !ok {
		return model.LockedLiquidity{}, false
	}
	return *ll, true
}

// NextLockID is the id the issuer's next Lock must carry.
func (p *Pool) NextLockID(issuer common.Address) uint64 { return p.nextID[issuer] }

// --- Shares ---

// BalanceOf returns the shares held by account.
func (p *Pool) BalanceOf(account common.Address) decimal.Decimal { return p.shares[account] }

// TotalSupply returns the outstanding shares.
func (p *Pool) TotalSupply() decimal.Decimal { return p.supply }

// Allowance returns the shares spender may move for owner.
func (p *Pool) Allowance(owner, spender common.Address) decimal.Decimal {
	return p.allowances[owner][spender]
}

// ShareOf is the asset value of account's shares.
func (p *Pool) ShareOf(account common.Address) decimal.Decimal {
	if p.supply.IsZero() {
		return decimal.Zero
	}
	return model.MulDiv(p.shares[account], p.TotalBalance(), p.supply)
}

// UnlockedShares reports the shares account could withdraw or transfer now.
func (p *Pool) UnlockedShares(account common.Address) decimal.Decimal {
	s, ok := p.schedules[account]
	if !ok {
		return decimal.Zero
	}
	now := p.now()
	unlocked := s.unlocked
	for i := s.next; i < len(s.entries) && !s.entries[i].EligibleAt.After(now); i++ {
		unlocked = unlocked.Add(s.entries[i].Shares)
	}
	return unlocked
}

// --- Admin ---

// SetMaxLiquidity changes the deposit cap. The new cap must exceed the
// current total balance.
func (p *Pool) SetMaxLiquidity(caller common.Address, v decimal.Decimal) error {
	if err := p.acl.Require(access.Admin, caller); err != nil {
		return err
	}
	if v.LessThanOrEqual(p.TotalBalance()) {
		return ErrInvalidMaxLiquidity
	}
	p.cfg.MaxLiquidity = v
	p.log.Info("pool max liquidity changed", "max_liquidity", v.String())
	return nil
}

// guarded runs fn with the re-entry guard held. If fn fails, the pool's own
// bookkeeping is put back as it was.
func (p *Pool) guarded(fn func() error) error {
	if p.entered {
		return ErrReentrant
	}
	p.entered = true
	defer func() { p.entered = false }()

	snap := p.Snapshot()
	if err := fn(); err != nil {
		p.Restore(snap)
		return err
	}
	return nil
}

func (p *Pool) scheduleOf(account common.Address) *schedule {
	s, ok := p.schedules[account]
	if !ok {
		s = &schedule{}
		p.schedules[account] = s
	}
	return s
}

// mature credits every entry of account's schedule that is eligible now.
func (p *Pool) mature(account common.Address) *schedule {
	s := p.scheduleOf(account)
	now := p.now()
	for s.next < len(s.entries) && !s.entries[s.next].EligibleAt.After(now) {
		s.unlocked = s.unlocked.Add(s.entries[s.next].Shares)
		s.next++
	}
	return s
}

func (p *Pool) isRelay(account common.Address) bool {
	return p.acl.Has(access.Relay, account)
}

func wrapf(err error, format string, args ...any) error {
	return fmt.Errorf("pool: "+format+": %w", append(args, err)...)
}
