package exchange

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/access"
	"github.com/atmx/options-engine/internal/engine"
	"github.com/atmx/options-engine/internal/metrics"
	"github.com/atmx/options-engine/internal/queue"
)

// --- Trade queue ---

// Submit queues a trade for caller.
func (x *Exchange) Submit(ctx context.Context, caller common.Address, r queue.SubmitRequest) (uint64, error) {
	var id uint64
	err := x.exec(ctx, func() error {
		var err error
		id, err = x.queue.Submit(caller, r)
		return err
	})
	return id, err
}

// Cancel withdraws caller's pending trade.
func (x *Exchange) Cancel(ctx context.Context, caller common.Address, id uint64) error {
	return x.exec(ctx, func() error { return x.queue.Cancel(caller, id) })
}

// ResolveBatch resolves queued trades against signed prices.
func (x *Exchange) ResolveBatch(ctx context.Context, caller common.Address, items []queue.ResolveItem) ([]queue.ResolveOutcome, error) {
	start := time.Now()
	var out []queue.ResolveOutcome
	err := x.exec(ctx, func() error {
		var err error
		out, err = x.queue.ResolveBatch(caller, items)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.BatchLatency.WithLabelValues("resolve").Observe(time.Since(start).Seconds())
	for _, o := range out {
		metrics.ResolutionOutcomes.WithLabelValues(string(o.Outcome), string(o.Code)).Inc()
	}
	return out, nil
}

// UnlockBatch settles expired options against signed expiry prices.
func (x *Exchange) UnlockBatch(ctx context.Context, caller common.Address, items []queue.UnlockItem) ([]queue.UnlockOutcome, error) {
	start := time.Now()
	var out []queue.UnlockOutcome
	err := x.exec(ctx, func() error {
		var err error
		out, err = x.queue.UnlockBatch(caller, items)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.BatchLatency.WithLabelValues("unlock").Observe(time.Since(start).Seconds())
	for _, o := range out {
		metrics.UnlockOutcomes.WithLabelValues(string(o.Outcome), string(o.Code)).Inc()
	}
	return out, nil
}

// --- Options ---

// TransferOption hands caller's active option to another owner.
func (x *Exchange) TransferOption(ctx context.Context, caller common.Address, market string, id uint64, to common.Address) error {
	return x.exec(ctx, func() error {
		eng, err := x.engine(market)
		if err != nil {
			return err
		}
		return eng.TransferOption(caller, id, to)
	})
}

// --- Pool ---

// Deposit adds liquidity for caller and returns the shares minted.
func (x *Exchange) Deposit(ctx context.Context, caller common.Address, amount, minShares decimal.Decimal) (decimal.Decimal, error) {
	var minted decimal.Decimal
	err := x.exec(ctx, func() error {
		var err error
		minted, err = x.pool.Deposit(caller, amount, minShares)
		return err
	})
	return minted, err
}

// DepositFor adds liquidity on behalf of beneficiary; caller must be a relay.
func (x *Exchange) DepositFor(ctx context.Context, caller, beneficiary common.Address, amount, minShares decimal.Decimal) (decimal.Decimal, error) {
	var minted decimal.Decimal
	err := x.exec(ctx, func() error {
		var err error
		minted, err = x.pool.DepositFor(caller, beneficiary, amount, minShares)
		return err
	})
	return minted, err
}

// Withdraw removes up to amount of liquidity for caller and returns the
// amount paid out.
func (x *Exchange) Withdraw(ctx context.Context, caller common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	var paid decimal.Decimal
	err := x.exec(ctx, func() error {
		var err error
		paid, err = x.pool.Withdraw(caller, amount)
		return err
	})
	return paid, err
}

// TransferShares moves pool shares from caller to to.
func (x *Exchange) TransferShares(ctx context.Context, caller, to common.Address, amount decimal.Decimal) error {
	return x.exec(ctx, func() error { return x.pool.Transfer(caller, to, amount) })
}

// TransferSharesFrom moves pool shares from from to to against caller's allowance.
func (x *Exchange) TransferSharesFrom(ctx context.Context, caller, from, to common.Address, amount decimal.Decimal) error {
	return x.exec(ctx, func() error { return x.pool.TransferFrom(caller, from, to, amount) })
}

// ApproveShares sets spender's pool share allowance over caller's shares.
func (x *Exchange) ApproveShares(ctx context.Context, caller, spender common.Address, amount decimal.Decimal) error {
	return x.exec(ctx, func() error { return x.pool.Approve(caller, spender, amount) })
}

// SetMaxLiquidity changes the pool's liquidity cap.
func (x *Exchange) SetMaxLiquidity(ctx context.Context, caller common.Address, v decimal.Decimal) error {
	return x.exec(ctx, func() error { return x.pool.SetMaxLiquidity(caller, v) })
}

// --- Asset ---

// ApproveAsset sets spender's allowance over caller's asset balance.
// Traders approve the queue; liquidity providers approve the pool.
func (x *Exchange) ApproveAsset(ctx context.Context, caller, spender common.Address, amount decimal.Decimal) error {
	return x.exec(ctx, func() error { return x.asset.Approve(caller, spender, amount) })
}

// TransferAsset moves caller's asset to to.
func (x *Exchange) TransferAsset(ctx context.Context, caller, to common.Address, amount decimal.Decimal) error {
	return x.exec(ctx, func() error { return x.asset.Transfer(caller, to, amount) })
}

// Mint credits asset to an account. Admin only.
func (x *Exchange) Mint(ctx context.Context, caller, to common.Address, amount decimal.Decimal) error {
	return x.exec(ctx, func() error {
		if err := x.acl.Require(access.Admin, caller); err != nil {
			return err
		}
		return x.asset.Mint(to, amount)
	})
}

// --- Administration ---

// Grant gives role to account.
func (x *Exchange) Grant(ctx context.Context, caller common.Address, role access.Role, account common.Address) error {
	return x.exec(ctx, func() error { return x.acl.Grant(caller, role, account) })
}

// Revoke removes role from account.
func (x *Exchange) Revoke(ctx context.Context, caller common.Address, role access.Role, account common.Address) error {
	return x.exec(ctx, func() error { return x.acl.Revoke(caller, role, account) })
}

// AddMarket creates an engine for spec and opens it for trading.
func (x *Exchange) AddMarket(ctx context.Context, caller common.Address, spec MarketSpec) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.addMarket(caller, spec); err != nil {
		return err
	}
	x.publish(ctx, x.buf.Drain())
	return nil
}

// UnregisterMarket closes market to new trades. Open options keep settling
// through its engine; pending trades cancel on resolution.
func (x *Exchange) UnregisterMarket(ctx context.Context, caller common.Address, market string) error {
	return x.exec(ctx, func() error { return x.queue.UnregisterMarket(caller, market) })
}

// SetMarketOpen closes or reopens market for new trades.
func (x *Exchange) SetMarketOpen(ctx context.Context, caller common.Address, market string, open bool) error {
	return x.exec(ctx, func() error { return x.queue.SetMarketOpen(caller, market, open) })
}

// SetPaused pauses or resumes option creation on market.
func (x *Exchange) SetPaused(ctx context.Context, caller common.Address, market string, paused bool) error {
	return x.ConfigureMarket(ctx, market, func(e *engine.Engine) error {
		return e.SetPaused(caller, paused)
	})
}

// ConfigureMarket runs an admin setter on market's engine as one unit.
// The setter carries the caller; the engine enforces the admin role.
func (x *Exchange) ConfigureMarket(ctx context.Context, market string, fn func(e *engine.Engine) error) error {
	return x.exec(ctx, func() error {
		eng, err := x.engine(market)
		if err != nil {
			return err
		}
		return fn(eng)
	})
}

// SetPrivateKeeperMode restricts resolution to resolver accounts.
func (x *Exchange) SetPrivateKeeperMode(ctx context.Context, caller common.Address, on bool) error {
	return x.exec(ctx, func() error { return x.queue.SetPrivateKeeperMode(caller, on) })
}

// RegisterReferralCode claims code for caller.
func (x *Exchange) RegisterReferralCode(ctx context.Context, caller common.Address, code string) error {
	return x.exec(ctx, func() error { return x.tiers.RegisterCode(caller, code) })
}

// SetReferrerTier sets a referrer's tier. Admin only.
func (x *Exchange) SetReferrerTier(ctx context.Context, caller, referrer common.Address, tier int) error {
	return x.exec(ctx, func() error {
		if err := x.acl.Require(access.Admin, caller); err != nil {
			return err
		}
		return x.tiers.SetReferrerTier(referrer, tier)
	})
}

// SetNFT records the owner and tier of a trader NFT. Admin only.
func (x *Exchange) SetNFT(ctx context.Context, caller common.Address, id uint64, owner common.Address, tier int) error {
	return x.exec(ctx, func() error {
		if err := x.acl.Require(access.Admin, caller); err != nil {
			return err
		}
		x.tiers.SetNFT(id, owner, tier)
		return nil
	})
}
