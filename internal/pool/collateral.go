package pool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/access"
	"github.com/atmx/options-engine/internal/model"
)

// Lock reserves amount of collateral for the issuer's option id and pulls
// the premium from the issuer. Ids are sequential per issuer.
func (p *Pool) Lock(caller common.Address, id uint64, amount, premium decimal.Decimal) error {
	if err := p.acl.Require(access.Issuer, caller); err != nil {
		return err
	}
	err := p.guarded(func() error {
		if id != p.nextID[caller] {
			return ErrWrongID
		}
		if amount.IsNegative() || premium.IsNegative() {
			return ErrAmountTooSmall
		}
		if p.lockedAmount.Add(amount).GreaterThan(p.TotalBalance()) {
			return ErrAmountTooLarge
		}

		p.locked[lockKey{caller, id}] = &model.LockedLiquidity{Amount: amount, Premium: premium, Locked: true}
		p.nextID[caller] = id + 1
		p.lockedAmount = p.lockedAmount.Add(amount)
		p.lockedPremium = p.lockedPremium.Add(premium)
		p.lockedBy[caller] = p.lockedBy[caller].Add(amount)

		if err := p.asset.TransferFrom(p.addr, caller, p.addr, premium); err != nil {
			return wrapf(err, "pull premium for option %d", id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.log.Debug("collateral locked", "issuer", caller.Hex(), "option_id", id, "amount", amount.String(), "premium", premium.String())
	return nil
}

// Send releases the collateral of the issuer's option id and pays up to
// payout of it to to. It returns the amount actually paid.
func (p *Pool) Send(caller common.Address, id uint64, to common.Address, payout decimal.Decimal) (decimal.Decimal, error) {
	if err := p.acl.Require(access.Issuer, caller); err != nil {
		return decimal.Zero, err
	}
	var paid decimal.Decimal
	err := p.guarded(func() error {
		if to == (common.Address{}) {
			return ErrZeroAddress
		}
		ll, ok := p.locked[lockKey{caller, id}]
		if !ok || !ll.Locked {
			return ErrAlreadyUnlocked
		}
		paid = model.Min(payout, ll.Amount)
		if paid.IsNegative() {
			paid = decimal.Zero
		}

		ll.Locked = false
		p.lockedPremium = p.lockedPremium.Sub(ll.Premium)
		p.lockedAmount = p.lockedAmount.Sub(ll.Amount)
		p.lockedBy[caller] = p.lockedBy[caller].Sub(ll.Amount)

		if paid.IsPositive() {
			if err := p.asset.Transfer(p.addr, to, paid); err != nil {
				return wrapf(err, "pay option %d", id)
			}
		}

		ev := model.Event{OptionID: model.Uint64(id), Account: caller}
		if paid.LessThanOrEqual(ll.Premium) {
			ev.Type = model.EventPoolProfit
			ev.Amount = ll.Premium.Sub(paid)
		} else {
			ev.Type = model.EventPoolLoss
			ev.Amount = paid.Sub(ll.Premium)
		}
		p.emit.Emit(ev)
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return paid, nil
}

// Unlock releases the collateral of the issuer's option id without a payout.
func (p *Pool) Unlock(caller common.Address, id uint64) error {
	_, err := p.Send(caller, id, caller, decimal.Zero)
	return err
}
