package pool

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/options-engine/internal/access"
	"github.com/atmx/options-engine/internal/codes"
	"github.com/atmx/options-engine/internal/events"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/token"
)

var (
	admin    = common.HexToAddress("0xad")
	lp       = common.HexToAddress("0x11")
	lp2      = common.HexToAddress("0x12")
	issuer   = common.HexToAddress("0xe1")
	relay    = common.HexToAddress("0x7e")
	owner    = common.HexToAddress("0x0a")
	poolAddr = common.HexToAddress("0x9001")
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

var unlimited = d(1_000_000_000_000)

type fixture struct {
	pool  *Pool
	asset *token.Ledger
	acl   *access.Table
	buf   *events.Buffer
	now   time.Time
}

func newFixture(t require.TestingT, cfg Config) *fixture {
	f := &fixture{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	f.asset = token.NewLedger("USDC", 6)
	f.acl = newACL(t)
	f.buf = events.NewBuffer(func() time.Time { return f.now })
	f.pool = New(poolAddr, f.asset, f.acl, f.buf, cfg, WithClock(func() time.Time { return f.now }))

	for _, a := range []common.Address{lp, lp2, issuer, relay} {
		require.NoError(t, f.asset.Mint(a, d(100_000_000)))
		require.NoError(t, f.asset.Approve(a, poolAddr, unlimited))
	}
	return f
}

func newACL(t require.TestingT) *access.Table {
	acl := access.NewTable(admin)
	require.NoError(t, acl.Grant(admin, access.Issuer, issuer))
	require.NoError(t, acl.Grant(admin, access.Relay, relay))
	return acl
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestDeposit_FirstMintsAtInitialRate(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	shares, err := f.pool.Deposit(lp, d(1_000_000), d(0))
	require.NoError(t, err)
	assert.Equal(t, "1000000", shares.String())
	assert.Equal(t, "1000000", f.pool.TotalBalance().String())
	assert.Equal(t, "1000000", f.pool.TotalSupply().String())
	assert.Equal(t, "99000000", f.asset.BalanceOf(lp).String())

	evs := f.buf.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventPoolProvide, evs[0].Type)
	assert.Equal(t, lp, evs[0].Account)
}

func TestDeposit_ProportionalAfterProfit(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.pool.Deposit(lp, d(1_000_000), d(0))
	require.NoError(t, err)

	// Option expires worthless: the premium becomes pool profit.
	require.NoError(t, f.pool.Lock(issuer, 0, d(100_000), d(50_000)))
	require.NoError(t, f.pool.Unlock(issuer, 0))
	assert.Equal(t, "1050000", f.pool.TotalBalance().String())

	shares, err := f.pool.Deposit(lp2, d(1_050_000), d(0))
	require.NoError(t, err)
	assert.Equal(t, "1000000", shares.String())
	assert.Equal(t, "1050000", f.pool.ShareOf(lp).String())
}

func TestDeposit_Rejections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLiquidity = d(1_500_000)
	cfg.MinAmount = d(1_000)
	f := newFixture(t, cfg)

	_, err := f.pool.Deposit(lp, d(1_000_000), d(0))
	require.NoError(t, err)

	_, err = f.pool.Deposit(lp, d(600_000), d(0))
	assert.Equal(t, codes.MaxLiquidityReached, codes.CodeOf(err))

	_, err = f.pool.Deposit(lp, d(10_000), d(10_001))
	assert.Equal(t, codes.MintLimit, codes.CodeOf(err))

	_, err = f.pool.Deposit(lp, d(999), d(0))
	assert.Equal(t, codes.AmountTooSmall, codes.CodeOf(err))

	// Nothing leaked from the rejected calls.
	assert.Equal(t, "1000000", f.pool.TotalSupply().String())
	assert.Equal(t, "99000000", f.asset.BalanceOf(lp).String())
}

func TestDeposit_AssetFailureLeavesNoShares(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.asset.Approve(lp, poolAddr, d(10)))

	_, err := f.pool.Deposit(lp, d(1_000), d(0))
	assert.ErrorIs(t, err, token.ErrInsufficientAllowance)
	assert.True(t, f.pool.TotalSupply().IsZero())
	assert.True(t, f.pool.BalanceOf(lp).IsZero())
	assert.True(t, f.pool.UnlockedShares(lp).IsZero())
	assert.Zero(t, f.buf.Len())
}

func TestDepositFor_RequiresRelay(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.pool.DepositFor(lp2, lp, d(1_000), d(0))
	assert.ErrorIs(t, err, access.ErrForbidden)

	shares, err := f.pool.DepositFor(relay, lp, d(1_000), d(0))
	require.NoError(t, err)
	assert.Equal(t, shares, f.pool.BalanceOf(lp))
	assert.True(t, f.pool.BalanceOf(relay).IsZero())
	assert.Equal(t, "99999000", f.asset.BalanceOf(lp).String())
}

func TestWithdraw_LockupPeriod(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.pool.Deposit(lp, d(1_000_000), d(0))
	require.NoError(t, err)

	_, err = f.pool.Withdraw(lp, d(1_000))
	assert.Equal(t, codes.WithdrawalExceedsUnlocked, codes.CodeOf(err))

	f.advance(DefaultLockupPeriod)
	got, err := f.pool.Withdraw(lp, d(400_000))
	require.NoError(t, err)
	assert.Equal(t, "400000", got.String())
	assert.Equal(t, "600000", f.pool.BalanceOf(lp).String())
	assert.Equal(t, "600000", f.pool.UnlockedShares(lp).String())
}

func TestWithdraw_CappedAtShareValue(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.pool.Deposit(lp, d(1_000_000), d(0))
	require.NoError(t, err)
	_, err = f.pool.Deposit(lp2, d(1_000_000), d(0))
	require.NoError(t, err)
	f.advance(time.Hour)

	got, err := f.pool.Withdraw(lp, d(1_500_000))
	require.NoError(t, err)
	assert.Equal(t, "1000000", got.String())
	assert.True(t, f.pool.BalanceOf(lp).IsZero())
	assert.Equal(t, "1000000", f.pool.TotalBalance().String())
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.pool.Deposit(lp, d(1_000_000), d(0))
	require.NoError(t, err)
	require.NoError(t, f.pool.Lock(issuer, 0, d(700_000), d(10_000)))
	f.advance(time.Hour)

	_, err = f.pool.Withdraw(lp, d(300_001))
	assert.Equal(t, codes.InsufficientPoolFunds, codes.CodeOf(err))

	_, err = f.pool.Withdraw(lp, d(300_000))
	assert.NoError(t, err)
}

func TestWithdraw_NothingToBurn(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.pool.Deposit(lp, d(1_000_000), d(0))
	require.NoError(t, err)
	f.advance(time.Hour)

	_, err = f.pool.Withdraw(lp2, d(1_000))
	assert.Equal(t, codes.AmountTooSmall, codes.CodeOf(err))
}

func TestTransfer_RespectsLockup(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.pool.Deposit(lp, d(1_000), d(0))
	require.NoError(t, err)

	err = f.pool.Transfer(lp, lp2, d(500))
	assert.Equal(t, codes.TransferLocked, codes.CodeOf(err))

	f.advance(DefaultLockupPeriod)
	require.NoError(t, f.pool.Transfer(lp, lp2, d(500)))
	assert.Equal(t, "500", f.pool.BalanceOf(lp2).String())

	// The matured credit moved with the shares, so the receiver can withdraw.
	assert.Equal(t, "500", f.pool.UnlockedShares(lp2).String())
	got, err := f.pool.Withdraw(lp2, d(500))
	require.NoError(t, err)
	assert.Equal(t, "500", got.String())
}

func TestTransfer_RelayExempt(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.pool.Deposit(relay, d(1_000), d(0))
	require.NoError(t, err)

	require.NoError(t, f.pool.Transfer(relay, lp, d(400)))
	assert.Equal(t, "400", f.pool.BalanceOf(lp).String())
	assert.True(t, f.pool.UnlockedShares(lp).IsZero())
}

func TestTransferFrom_Allowance(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.pool.Deposit(lp, d(1_000), d(0))
	require.NoError(t, err)
	f.advance(DefaultLockupPeriod)

	err = f.pool.TransferFrom(lp2, lp, lp2, d(100))
	assert.Equal(t, codes.AllowanceExceeded, codes.CodeOf(err))

	require.NoError(t, f.pool.Approve(lp, lp2, d(100)))
	require.NoError(t, f.pool.TransferFrom(lp2, lp, lp2, d(100)))
	assert.True(t, f.pool.Allowance(lp, lp2).IsZero())

	// Relays move shares without an allowance.
	require.NoError(t, f.pool.TransferFrom(relay, lp, lp2, d(100)))
	assert.Equal(t, "200", f.pool.BalanceOf(lp2).String())
}

func TestTransfer_InsufficientShares(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	err := f.pool.Transfer(lp, lp2, d(1))
	assert.Equal(t, codes.InsufficientBalance, codes.CodeOf(err))

	err = f.pool.Transfer(lp, common.Address{}, d(0))
	assert.Equal(t, codes.InvalidRecipient, codes.CodeOf(err))
}

func TestLock_Sequencing(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.pool.Deposit(lp, d(1_000_000), d(0))
	require.NoError(t, err)

	assert.ErrorIs(t, f.pool.Lock(lp, 0, d(1), d(0)), access.ErrForbidden)
	assert.ErrorIs(t, f.pool.Lock(issuer, 1, d(1), d(0)), ErrWrongID)

	require.NoError(t, f.pool.Lock(issuer, 0, d(100_000), d(5_000)))
	assert.ErrorIs(t, f.pool.Lock(issuer, 0, d(100_000), d(5_000)), ErrWrongID)
	assert.ErrorIs(t, f.pool.Lock(issuer, 1, d(900_001), d(0)), ErrAmountTooLarge)

	assert.Equal(t, "100000", f.pool.LockedAmount().String())
	assert.Equal(t, "100000", f.pool.LockedBy(issuer).String())
	assert.Equal(t, "900000", f.pool.AvailableBalance().String())
	// The premium is held but not yet counted in the total.
	assert.Equal(t, "1000000", f.pool.TotalBalance().String())
	assert.Equal(t, uint64(1), f.pool.NextLockID(issuer))
}

func TestSend_PaysAtMostLocked(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.pool.Deposit(lp, d(1_000_000), d(0))
	require.NoError(t, err)
	require.NoError(t, f.pool.Lock(issuer, 0, d(100_000), d(50_000)))
	f.buf.Drain()

	paid, err := f.pool.Send(issuer, 0, owner, d(150_000))
	require.NoError(t, err)
	assert.Equal(t, "100000", paid.String())
	assert.Equal(t, "100000", f.asset.BalanceOf(owner).String())
	assert.True(t, f.pool.LockedAmount().IsZero())
	assert.Equal(t, "950000", f.pool.TotalBalance().String())

	evs := f.buf.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventPoolLoss, evs[0].Type)
	assert.Equal(t, "50000", evs[0].Amount.String())

	_, err = f.pool.Send(issuer, 0, owner, d(1))
	assert.Equal(t, codes.AlreadyUnlocked, codes.CodeOf(err))
}

func TestSend_ZeroRecipient(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.pool.Deposit(lp, d(1_000_000), d(0))
	require.NoError(t, err)
	require.NoError(t, f.pool.Lock(issuer, 0, d(100_000), d(50_000)))

	_, err = f.pool.Send(issuer, 0, common.Address{}, d(1))
	assert.Equal(t, codes.InvalidRecipient, codes.CodeOf(err))
	ll, ok := f.pool.Locked(issuer, 0)
	require.True(t, ok)
	assert.True(t, ll.Locked)
}

func TestUnlock_Profit(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.pool.Deposit(lp, d(1_000_000), d(0))
	require.NoError(t, err)
	require.NoError(t, f.pool.Lock(issuer, 0, d(100_000), d(50_000)))
	f.buf.Drain()

	require.NoError(t, f.pool.Unlock(issuer, 0))
	evs := f.buf.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventPoolProfit, evs[0].Type)
	assert.Equal(t, "50000", evs[0].Amount.String())
	assert.Equal(t, "1050000", f.pool.TotalBalance().String())

	assert.ErrorIs(t, f.pool.Unlock(issuer, 0), ErrAlreadyUnlocked)
}

func TestSetMaxLiquidity(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.pool.Deposit(lp, d(1_000), d(0))
	require.NoError(t, err)

	assert.ErrorIs(t, f.pool.SetMaxLiquidity(lp, d(5_000)), access.ErrForbidden)
	assert.ErrorIs(t, f.pool.SetMaxLiquidity(admin, d(1_000)), ErrInvalidMaxLiquidity)
	require.NoError(t, f.pool.SetMaxLiquidity(admin, d(5_000)))
	assert.Equal(t, "5000", f.pool.Config().MaxLiquidity.String())
}

// reentrantAsset calls back into the pool while an asset transfer is running.
type reentrantAsset struct {
	token.Asset
	hook func() error
	err  error
}

func (r *reentrantAsset) TransferFrom(caller, from, to common.Address, amount decimal.Decimal) error {
	if h := r.hook; h != nil {
		r.hook = nil
		r.err = h()
	}
	return r.Asset.TransferFrom(caller, from, to, amount)
}

func TestReentrantCallRejected(t *testing.T) {
	ledger := token.NewLedger("USDC", 6)
	require.NoError(t, ledger.Mint(lp, d(10_000)))
	require.NoError(t, ledger.Approve(lp, poolAddr, unlimited))
	asset := &reentrantAsset{Asset: ledger}
	p := New(poolAddr, asset, newACL(t), events.NewBuffer(nil), DefaultConfig())

	asset.hook = func() error {
		_, err := p.Deposit(lp, d(1_000), d(0))
		return err
	}
	_, err := p.Deposit(lp, d(1_000), d(0))
	require.NoError(t, err)
	assert.ErrorIs(t, asset.err, ErrReentrant)
	assert.Equal(t, "1000", p.TotalSupply().String())
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.pool.Deposit(lp, d(1_000), d(0))
	require.NoError(t, err)
	snap := f.pool.Snapshot()
	assetSnap := f.asset.Snapshot()

	require.NoError(t, f.pool.Lock(issuer, 0, d(500), d(10)))
	_, err = f.pool.Deposit(lp2, d(1_000), d(0))
	require.NoError(t, err)

	f.pool.Restore(snap)
	f.asset.Restore(assetSnap)
	assert.True(t, f.pool.LockedAmount().IsZero())
	assert.Equal(t, uint64(0), f.pool.NextLockID(issuer))
	assert.Equal(t, "1000", f.pool.TotalSupply().String())
	_, ok := f.pool.Locked(issuer, 0)
	assert.False(t, ok)
}
