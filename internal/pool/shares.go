package pool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/model"
)

// Transfer moves shares from caller to to.
func (p *Pool) Transfer(caller, to common.Address, amount decimal.Decimal) error {
	return p.guarded(func() error {
		return p.moveShares(caller, to, amount)
	})
}

// TransferFrom moves shares from from to to on caller's allowance. Relays
// spend without an allowance.
func (p *Pool) TransferFrom(caller, from, to common.Address, amount decimal.Decimal) error {
	return p.guarded(func() error {
		if !p.isRelay(caller) {
			allowed := p.Allowance(from, caller)
			if allowed.LessThan(amount) {
				return ErrAllowanceExceeded
			}
			p.setAllowance(from, caller, allowed.Sub(amount))
		}
		return p.moveShares(from, to, amount)
	})
}

// Approve lets spender move up to amount of caller's shares.
func (p *Pool) Approve(caller, spender common.Address, amount decimal.Decimal) error {
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount.IsNegative() {
		return ErrAmountTooSmall
	}
	p.setAllowance(caller, spender, amount)
	return nil
}

// moveShares carries matured lock-up credit along with the shares, so a
// transfer can never be used to skip the lock-up. Transfers touching a relay
// are exempt.
func (p *Pool) moveShares(from, to common.Address, amount decimal.Decimal) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount.IsNegative() {
		return ErrAmountTooSmall
	}
	if p.shares[from].LessThan(amount) {
		return ErrInsufficientShares
	}

	if !p.isRelay(from) && !p.isRelay(to) {
		src := p.mature(from)
		if src.unlocked.LessThan(amount) {
			return ErrTransferLocked
		}
		src.unlocked = src.unlocked.Sub(amount)
		dst := p.scheduleOf(to)
		dst.unlocked = dst.unlocked.Add(amount)
	}

	p.shares[from] = p.shares[from].Sub(amount)
	p.shares[to] = p.shares[to].Add(amount)

	p.emit.Emit(model.Event{Type: model.EventShareTransfer, Account: from, Amount: amount, Reason: "to " + to.Hex()})
	return nil
}

func (p *Pool) setAllowance(owner, spender common.Address, amount decimal.Decimal) {
	m, ok := p.allowances[owner]
	if !ok {
		m = make(map[common.Address]decimal.Decimal)
		p.allowances[owner] = m
	}
	m[spender] = amount
}
