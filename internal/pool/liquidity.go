package pool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/access"
	"github.com/atmx/options-engine/internal/model"
)

// Deposit adds amount of the asset from caller and mints shares to caller.
// It returns the minted shares.
func (p *Pool) Deposit(caller common.Address, amount, minShares decimal.Decimal) (decimal.Decimal, error) {
	return p.provide(caller, amount, minShares)
}

// DepositFor adds amount from beneficiary on a relay's authority. The shares
// and the lock-up entry belong to beneficiary.
func (p *Pool) DepositFor(caller, beneficiary common.Address, amount, minShares decimal.Decimal) (decimal.Decimal, error) {
	if err := p.acl.Require(access.Relay, caller); err != nil {
		return decimal.Zero, err
	}
	if beneficiary == (common.Address{}) {
		return decimal.Zero, ErrZeroAddress
	}
	return p.provide(beneficiary, amount, minShares)
}

func (p *Pool) provide(account common.Address, amount, minShares decimal.Decimal) (decimal.Decimal, error) {
	var mint decimal.Decimal
	err := p.guarded(func() error {
		if amount.IsNegative() {
			return ErrAmountTooSmall
		}
		total := p.TotalBalance()
		if p.cfg.MaxLiquidity.IsPositive() && total.Add(amount).GreaterThan(p.cfg.MaxLiquidity) {
			return ErrMaxLiquidity
		}

		if p.supply.IsPositive() && total.IsPositive() {
			mint = model.MulDiv(amount, p.supply, total)
		} else {
			mint = amount.Mul(p.cfg.InitialRate).Floor()
		}
		if mint.LessThan(minShares) {
			return ErrMintLimit
		}
		if amount.LessThan(p.cfg.MinAmount) || !mint.IsPositive() {
			return ErrAmountTooSmall
		}

		p.shares[account] = p.shares[account].Add(mint)
		p.supply = p.supply.Add(mint)
		s := p.scheduleOf(account)
		s.entries = append(s.entries, depositEntry{Shares: mint, EligibleAt: p.now().Add(p.cfg.LockupPeriod)})

		if err := p.asset.TransferFrom(p.addr, account, p.addr, amount); err != nil {
			return wrapf(err, "pull deposit from %s", account.Hex())
		}

		p.emit.Emit(model.Event{Type: model.EventPoolProvide, Account: account, Amount: amount})
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	p.log.Info("liquidity provided", "account", account.Hex(), "amount", amount.String(), "shares", mint.String())
	return mint, nil
}

// Withdraw burns caller's shares for up to amount of the asset. A holder can
// take at most the value of their shares; the shares burnt are rounded up so
// the remaining holders never lose value. It returns the amount paid out.
func (p *Pool) Withdraw(caller common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	var take decimal.Decimal
	err := p.guarded(func() error {
		if amount.IsNegative() {
			return ErrAmountTooSmall
		}
		if amount.GreaterThan(p.AvailableBalance()) {
			return ErrInsufficientFunds
		}

		total := p.TotalBalance()
		if !p.supply.IsPositive() || !total.IsPositive() {
			return ErrAmountTooSmall
		}
		maxUser := model.MulDiv(p.shares[caller], total, p.supply)
		take = model.Min(maxUser, amount)
		burn := model.MulDivCeil(take, p.supply, total)

		s := p.mature(caller)
		if s.unlocked.LessThan(burn) {
			return ErrWithdrawLocked
		}
		if burn.GreaterThan(p.shares[caller]) {
			return ErrAmountTooLarge
		}
		if !burn.IsPositive() {
			return ErrAmountTooSmall
		}

		s.unlocked = s.unlocked.Sub(burn)
		p.shares[caller] = p.shares[caller].Sub(burn)
		p.supply = p.supply.Sub(burn)

		if err := p.asset.Transfer(p.addr, caller, take); err != nil {
			return wrapf(err, "pay withdrawal to %s", caller.Hex())
		}

		p.emit.Emit(model.Event{Type: model.EventPoolWithdraw, Account: caller, Amount: take})
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	p.log.Info("liquidity withdrawn", "account", caller.Hex(), "amount", take.String())
	return take, nil
}
