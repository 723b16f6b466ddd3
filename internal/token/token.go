// Package token defines the fungible asset that backs the pool and escrows
// trade fees, plus an in-memory ledger implementing it.
package token

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/codes"
)

var (
	ErrInsufficientBalance   = codes.New(codes.InsufficientBalance, "token: transfer amount exceeds balance")
	ErrInsufficientAllowance = codes.New(codes.InsufficientAllowance, "token: insufficient allowance")
	ErrInvalidAmount         = codes.New(codes.InvalidParameters, "token: amount must be non-negative")
	ErrZeroAddress           = codes.New(codes.InvalidRecipient, "token: zero address")
)

// Asset is a fungible value ledger. The caller argument is the account on
// whose authority the call is made, mirroring a transaction sender.
type Asset interface {
	BalanceOf(account common.Address) decimal.Decimal
	Allowance(owner, spender common.Address) decimal.Decimal
	Transfer(caller, to common.Address, amount decimal.Decimal) error
	TransferFrom(caller, from, to common.Address, amount decimal.Decimal) error
	Approve(caller, spender common.Address, amount decimal.Decimal) error
}

// Ledger is an in-memory Asset. Not safe for concurrent use; the exchange
// serialises every call.
type Ledger struct {
	symbol     string
	decimals   int32
	balances   map[common.Address]decimal.Decimal
	allowances map[common.Address]map[common.Address]decimal.Decimal
	supply     decimal.Decimal
}

// NewLedger creates an empty ledger.
func NewLedger(symbol string, decimals int32) *Ledger {
	return &Ledger{
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[common.Address]decimal.Decimal),
		allowances: make(map[common.Address]map[common.Address]decimal.Decimal),
	}
}

func (l *Ledger) Symbol() string { return l.symbol }

func (l *Ledger) Decimals() int32 { return l.decimals }

func (l *Ledger) TotalSupply() decimal.Decimal { return l.supply }

// BalanceOf returns the balance of account.
func (l *Ledger) BalanceOf(account common.Address) decimal.Decimal {
	return l.balances[account]
}

// Allowance returns how much spender may move out of owner's balance.
func (l *Ledger) Allowance(owner, spender common.Address) decimal.Decimal {
	return l.allowances[owner][spender]
}

// Mint credits amount to account out of thin air.
func (l *Ledger) Mint(to common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.balances[to] = l.balances[to].Add(amount)
	l.supply = l.supply.Add(amount)
	return nil
}

// Transfer moves amount from caller to to.
func (l *Ledger) Transfer(caller, to common.Address, amount decimal.Decimal) error {
	return l.move(caller, to, amount)
}

// TransferFrom moves amount from from to to, spending caller's allowance.
func (l *Ledger) TransferFrom(caller, from, to common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	allowed := l.Allowance(from, caller)
	if allowed.LessThan(amount) {
		return fmt.Errorf("token: %s spending %s of %s: %w", caller.Hex(), amount, from.Hex(), ErrInsufficientAllowance)
	}
	if err := l.move(from, to, amount); err != nil {
		return err
	}
	l.setAllowance(from, caller, allowed.Sub(amount))
	return nil
}

// Approve sets the allowance of spender over caller's balance.
func (l *Ledger) Approve(caller, spender common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if spender == (common.Address{}) {
		return ErrZeroAddress
	}
	l.setAllowance(caller, spender, amount)
	return nil
}

func (l *Ledger) move(from, to common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	bal := l.balances[from]
	if bal.LessThan(amount) {
		return fmt.Errorf("token: %s has %s, needs %s: %w", from.Hex(), bal, amount, ErrInsufficientBalance)
	}
	l.balances[from] = bal.Sub(amount)
	l.balances[to] = l.balances[to].Add(amount)
	return nil
}

func (l *Ledger) setAllowance(owner, spender common.Address, amount decimal.Decimal) {
	m, ok := l.allowances[owner]
	if !ok {
		m = make(map[common.Address]decimal.Decimal)
		l.allowances[owner] = m
	}
	m[spender] = amount
}

type ledgerState struct {
	balances   map[common.Address]decimal.Decimal
	allowances map[common.Address]map[common.Address]decimal.Decimal
	supply     decimal.Decimal
}

// Snapshot returns a deep copy of balances and allowances.
func (l *Ledger) Snapshot() any {
	return ledgerState{
		balances:   copyBalances(l.balances),
		allowances: copyAllowances(l.allowances),
		supply:     l.supply,
	}
}

// Restore reinstates a copy taken by Snapshot.
func (l *Ledger) Restore(s any) {
	st := s.(ledgerState)
	l.balances = copyBalances(st.balances)
	l.allowances = copyAllowances(st.allowances)
	l.supply = st.supply
}

func copyBalances(src map[common.Address]decimal.Decimal) map[common.Address]decimal.Decimal {
	cp := make(map[common.Address]decimal.Decimal, len(src))
	for k, v := range src {
		cp[k] = v
	}
	return cp
}

func copyAllowances(src map[common.Address]map[common.Address]decimal.Decimal) map[common.Address]map[common.Address]decimal.Decimal {
	cp := make(map[common.Address]map[common.Address]decimal.Decimal, len(src))
	for k, v := range src {
		cp[k] = copyBalances(v)
	}
	return cp
}
