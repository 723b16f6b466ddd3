package engine

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/options-engine/internal/access"
	"github.com/atmx/options-engine/internal/codes"
	"github.com/atmx/options-engine/internal/discount"
	"github.com/atmx/options-engine/internal/events"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/pool"
	"github.com/atmx/options-engine/internal/token"
)

var (
	admin      = common.HexToAddress("0xad")
	router     = common.HexToAddress("0x0e")
	engineAddr = common.HexToAddress("0xe1")
	poolAddr   = common.HexToAddress("0x9001")
	recipient  = common.HexToAddress("0xfee")
	lp         = common.HexToAddress("0x11")
	alice      = common.HexToAddress("0xa1")
	bob        = common.HexToAddress("0xb0")
)

func d(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

type fixture struct {
	eng   *Engine
	pool  *pool.Pool
	asset *token.Ledger
	acl   *access.Table
	reg   *discount.Registry
	buf   *events.Buffer
	now   time.Time
}

type closedCalendar struct{}

func (closedCalendar) InCreationWindow(time.Time, time.Duration) bool { return false }

// newFixture builds an engine over a pool seeded with liquidity. The router
// account plays the queue: it holds trade fees and has approved the engine.
func newFixture(t *testing.T, liquidity int64, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	f.asset = token.NewLedger("USDC", 6)
	f.acl = access.NewTable(admin)
	require.NoError(t, f.acl.Grant(admin, access.Router, router))
	require.NoError(t, f.acl.Grant(admin, access.Issuer, engineAddr))
	f.buf = events.NewBuffer(clock)
	f.pool = pool.New(poolAddr, f.asset, f.acl, f.buf, pool.DefaultConfig(), pool.WithClock(clock))

	var err error
	f.reg, err = discount.NewRegistry(discount.DefaultReferralSteps, discount.DefaultReferralRebates)
	require.NoError(t, err)

	cfg := DefaultConfig("ETH-USD", recipient)
	if mutate != nil {
		mutate(&cfg)
	}
	f.eng, err = New(engineAddr, cfg, f.asset, f.pool, f.acl, f.reg, f.buf, WithClock(clock))
	require.NoError(t, err)

	if liquidity > 0 {
		require.NoError(t, f.asset.Mint(lp, d(liquidity)))
		require.NoError(t, f.asset.Approve(lp, poolAddr, d(liquidity)))
		_, err = f.pool.Deposit(lp, d(liquidity), d(0))
		require.NoError(t, err)
	}
	require.NoError(t, f.asset.Mint(router, d(100_000_000)))
	require.NoError(t, f.asset.Approve(router, engineAddr, d(100_000_000)))
	f.buf.Drain()
	return f
}

func (f *fixture) request(fee int64) AdmitRequest {
	return AdmitRequest{
		Trader:    alice,
		Payer:     router,
		Fee:       d(fee),
		Period:    3600,
		Direction: model.Above,
		Strike:    d(400e8),
	}
}

func TestAdmit_NoDiscount(t *testing.T) {
	f := newFixture(t, 100_000_000, nil)

	adm, err := f.eng.Admit(router, f.request(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), adm.OptionID)
	assert.Equal(t, "1700000", adm.Amount.String())
	assert.Equal(t, "850000", adm.Premium.String())
	assert.Equal(t, "150000", adm.SettlementFee.String())
	assert.Equal(t, "1000000", adm.RevisedFee.String())
	assert.True(t, adm.Rebate.IsZero())

	assert.Equal(t, "150000", f.asset.BalanceOf(recipient).String())
	assert.Equal(t, "99000000", f.asset.BalanceOf(router).String())
	assert.True(t, f.asset.BalanceOf(engineAddr).IsZero())
	assert.Equal(t, "1700000", f.pool.LockedBy(engineAddr).String())

	opt, ok := f.eng.Option(0)
	require.True(t, ok)
	assert.Equal(t, model.OptionActive, opt.State)
	assert.Equal(t, opt.Amount, opt.LockedAmount)
	assert.Equal(t, f.now.Add(time.Hour), opt.ExpiresAt)
	assert.Equal(t, alice, opt.Owner)

	evs := f.buf.Drain()
	require.NotEmpty(t, evs)
	assert.Equal(t, model.EventOptionCreated, evs[len(evs)-1].Type)
}

func TestAdmit_DiscountTiers(t *testing.T) {
	tests := []struct {
		name       string
		referral   bool
		nftTier    int // -1 for none
		wantAmount string
		wantFee    string
		wantRebate string
	}{
		{"referral tier 0", true, -1, "1720001", "137500", "2500"},
		{"nft tier 1", false, 1, "1750001", "125000", "0"},
		{"nft tier 2", false, 2, "1780002", "109999", "0"},
		{"nft tier 2 beats referral tier 0", true, 2, "1780002", "107499", "2500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 100_000_000, func(c *Config) { c.TraderNFTEnabled = true })
			req := f.request(1_000_000)
			if tt.referral {
				require.NoError(t, f.reg.RegisterCode(bob, "bob"))
				req.ReferralCode = "bob"
			}
			if tt.nftTier >= 0 {
				f.reg.SetNFT(7, alice, tt.nftTier)
				req.NFTID = model.Uint64(7)
			}

			adm, err := f.eng.Admit(router, req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAmount, adm.Amount.String())
			assert.Equal(t, tt.wantFee, adm.SettlementFee.String())
			assert.Equal(t, tt.wantRebate, adm.Rebate.String())
			assert.Equal(t, tt.wantRebate, f.asset.BalanceOf(bob).String())
		})
	}
}

func TestAdmit_NFTIgnoredWhenDisabled(t *testing.T) {
	f := newFixture(t, 100_000_000, nil)
	f.reg.SetNFT(7, alice, 2)
	req := f.request(1_000_000)
	req.NFTID = model.Uint64(7)

	adm, err := f.eng.Admit(router, req)
	require.NoError(t, err)
	assert.Equal(t, "1700000", adm.Amount.String())
}

func TestAdmit_PartialFill(t *testing.T) {
	// 10% of a 10M pool leaves room for 1M of collateral.
	f := newFixture(t, 10_000_000, nil)
	req := f.request(1_000_000)
	req.AllowPartialFill = true

	adm, err := f.eng.Admit(router, req)
	require.NoError(t, err)
	assert.True(t, adm.Clamped)
	assert.Equal(t, "1000000", adm.Amount.String())
	assert.Equal(t, "588235", adm.RevisedFee.String())
	assert.Equal(t, "88235", adm.SettlementFee.String())
	assert.Equal(t, "500000", adm.Premium.String())
	// Only the revised fee leaves the payer.
	assert.Equal(t, "99411765", f.asset.BalanceOf(router).String())
}

func TestAdmit_CapacityExceeded(t *testing.T) {
	f := newFixture(t, 10_000_000, nil)

	_, err := f.eng.Admit(router, f.request(1_000_000))
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, uint64(0), f.eng.NextID())
}

func TestAdmit_UtilizationExceeded(t *testing.T) {
	f := newFixture(t, 0, nil)

	_, err := f.eng.Admit(router, f.request(1_000_000))
	assert.Equal(t, codes.UtilizationExceeded, codes.CodeOf(err))
}

func TestAdmit_Gates(t *testing.T) {
	f := newFixture(t, 100_000_000, nil)

	_, err := f.eng.Admit(alice, f.request(1_000_000))
	assert.ErrorIs(t, err, access.ErrForbidden)

	req := f.request(1_000_000)
	req.Period = 299
	_, err = f.eng.Admit(router, req)
	assert.ErrorIs(t, err, ErrPeriodOutOfRange)

	req.Period = 86_401
	_, err = f.eng.Admit(router, req)
	assert.ErrorIs(t, err, ErrPeriodOutOfRange)

	require.NoError(t, f.eng.SetPaused(admin, true))
	_, err = f.eng.Admit(router, f.request(1_000_000))
	assert.ErrorIs(t, err, ErrCreationPaused)
}

func TestAdmit_CalendarGated(t *testing.T) {
	f := newFixture(t, 100_000_000, func(c *Config) { c.CalendarGated = true })
	f.eng.cal = closedCalendar{}

	_, err := f.eng.Admit(router, f.request(1_000_000))
	assert.ErrorIs(t, err, ErrMarketClosed)
}

func TestSettle_Exercise(t *testing.T) {
	f := newFixture(t, 100_000_000, nil)
	_, err := f.eng.Admit(router, f.request(1_000_000))
	require.NoError(t, err)

	_, err = f.eng.Settle(router, 0, d(500e8))
	assert.ErrorIs(t, err, ErrTooEarly)

	f.now = f.now.Add(time.Hour)
	s, err := f.eng.Settle(router, 0, d(500e8))
	require.NoError(t, err)
	assert.Equal(t, model.OptionExercised, s.State)
	assert.Equal(t, "1700000", s.Payout.String())
	assert.Equal(t, "1700000", f.asset.BalanceOf(alice).String())
	assert.True(t, f.pool.LockedAmount().IsZero())

	_, err = f.eng.Settle(router, 0, d(500e8))
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestSettle_PriceAtStrikeExpires(t *testing.T) {
	f := newFixture(t, 100_000_000, nil)
	_, err := f.eng.Admit(router, f.request(1_000_000))
	require.NoError(t, err)
	f.now = f.now.Add(2 * time.Hour)

	s, err := f.eng.Settle(router, 0, d(400e8))
	require.NoError(t, err)
	assert.Equal(t, model.OptionExpired, s.State)
	assert.True(t, s.Payout.IsZero())
	assert.True(t, f.asset.BalanceOf(alice).IsZero())
	// The premium is now pool profit.
	assert.Equal(t, "100850000", f.pool.TotalBalance().String())
}

func TestSettle_UnknownOption(t *testing.T) {
	f := newFixture(t, 100_000_000, nil)
	_, err := f.eng.Settle(router, 9, d(1))
	assert.ErrorIs(t, err, ErrOptionNotFound)
}

func TestInTheMoney(t *testing.T) {
	strike := d(100)
	assert.True(t, InTheMoney(model.Above, strike, d(101)))
	assert.False(t, InTheMoney(model.Above, strike, d(100)))
	assert.False(t, InTheMoney(model.Above, strike, d(99)))
	assert.True(t, InTheMoney(model.Below, strike, d(99)))
	assert.False(t, InTheMoney(model.Below, strike, d(100)))
	assert.False(t, InTheMoney(model.Below, strike, d(101)))
}

func TestTransferOption(t *testing.T) {
	f := newFixture(t, 100_000_000, nil)
	_, err := f.eng.Admit(router, f.request(1_000_000))
	require.NoError(t, err)

	assert.ErrorIs(t, f.eng.TransferOption(bob, 0, bob), ErrNotOwner)
	assert.ErrorIs(t, f.eng.TransferOption(alice, 0, common.Address{}), ErrInvalidRecipient)
	assert.ErrorIs(t, f.eng.TransferOption(alice, 5, bob), ErrOptionNotFound)

	require.NoError(t, f.eng.TransferOption(alice, 0, bob))
	assert.Empty(t, f.eng.OptionsOf(alice))
	require.Len(t, f.eng.OptionsOf(bob), 1)

	// The new owner collects the payout.
	f.now = f.now.Add(time.Hour)
	_, err = f.eng.Settle(router, 0, d(500e8))
	require.NoError(t, err)
	assert.Equal(t, "1700000", f.asset.BalanceOf(bob).String())
}

func TestConfigure(t *testing.T) {
	f := newFixture(t, 100_000_000, nil)

	assert.ErrorIs(t, f.eng.Configure(alice, 2000, 2000, nil), access.ErrForbidden)
	assert.ErrorIs(t, f.eng.Configure(admin, 999, 2000, nil), ErrInvalidConfig)
	assert.ErrorIs(t, f.eng.Configure(admin, 2000, 5001, nil), ErrInvalidConfig)
	require.NoError(t, f.eng.Configure(admin, 2000, 3000, []int{1, 2}))

	cfg := f.eng.Config()
	assert.Equal(t, int64(2000), cfg.BaseFee(model.Above))
	assert.Equal(t, int64(3000), cfg.BaseFee(model.Below))
	assert.Equal(t, []int{1, 2}, cfg.NFTTierSteps)
}

func TestAdminSetters_Validate(t *testing.T) {
	f := newFixture(t, 100_000_000, nil)

	assert.ErrorIs(t, f.eng.SetMinPeriod(admin, 59), ErrInvalidConfig)
	assert.ErrorIs(t, f.eng.SetMaxPeriod(admin, 86_401), ErrInvalidConfig)
	assert.ErrorIs(t, f.eng.SetMaxPeriod(admin, 200), ErrInvalidConfig)
	assert.ErrorIs(t, f.eng.SetAssetUtilizationLimit(admin, 0), ErrInvalidConfig)
	assert.ErrorIs(t, f.eng.SetOverallUtilizationLimit(admin, 10_001), ErrInvalidConfig)
	assert.ErrorIs(t, f.eng.SetSettlementFeeRecipient(admin, common.Address{}), ErrInvalidRecipient)

	require.NoError(t, f.eng.SetMinPeriod(admin, 60))
	require.NoError(t, f.eng.SetMinFee(admin, d(5)))
	require.NoError(t, f.eng.SetFeePerTxnLimit(admin, 100))
	assert.Equal(t, uint64(60), f.eng.Config().MinPeriod)
}

func TestFeePerTxnLimit(t *testing.T) {
	f := newFixture(t, 100_000_000, func(c *Config) { c.FeePerTxnLimit = 50 })
	// 0.5% of 100M available caps the fee at 500k.
	req := f.request(1_000_000)
	req.AllowPartialFill = true

	adm, err := f.eng.Admit(router, req)
	require.NoError(t, err)
	assert.True(t, adm.Clamped)
	assert.True(t, adm.RevisedFee.LessThanOrEqual(d(500_000)))
}

func TestQuote_DoesNotBindReferral(t *testing.T) {
	f := newFixture(t, 100_000_000, nil)
	require.NoError(t, f.reg.RegisterCode(bob, "bob"))

	q, err := f.eng.Quote(QuoteRequest{Trader: alice, Fee: d(1_000_000), Direction: model.Above, ReferralCode: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "1720001", q.Amount.String())

	_, ok := f.reg.LookupReferral(alice, "")
	assert.False(t, ok)
}

func TestFees(t *testing.T) {
	f := newFixture(t, 100_000_000, nil)

	total, sf, premium := f.eng.Fees(alice, d(1_700_000), model.Above, "", nil)
	assert.Equal(t, "1000000", total.String())
	assert.Equal(t, "150000", sf.String())
	assert.Equal(t, "850000", premium.String())
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t, 100_000_000, nil)
	snap := f.eng.Snapshot()

	_, err := f.eng.Admit(router, f.request(1_000_000))
	require.NoError(t, err)
	require.NoError(t, f.eng.SetPaused(admin, true))

	f.eng.Restore(snap)
	assert.False(t, f.eng.Paused())
	assert.Equal(t, uint64(0), f.eng.NextID())
	_, ok := f.eng.Option(0)
	assert.False(t, ok)
	assert.Empty(t, f.eng.OptionsOf(alice))
}
