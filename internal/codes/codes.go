// Package codes defines the stable reason codes returned by the queue, the
// option engines and the collateral pool. Callers and tests match on Code;
// the code strings are part of the external contract and must not change.
package codes

import (
	"errors"
	"fmt"
)

// Code is a short stable identifier for a rejection reason.
type Code string

const (
	Internal Code = "internal"

	// Access and lookup.
	Forbidden       Code = "forbidden"
	UnknownMarket   Code = "unknown_market"
	TradeNotFound   Code = "trade_not_found"
	OptionNotFound  Code = "option_not_found"
	AlreadyResolved Code = "already_resolved"

	// Submission.
	SlippageAboveMax  Code = "slippage_above_max"
	FeeBelowMin       Code = "fee_below_min"
	PeriodOutOfRange  Code = "period_out_of_range"
	InvalidRecipient  Code = "invalid_recipient"
	InvalidConfig     Code = "invalid_config"
	InvalidParameters Code = "invalid_parameters"

	// Resolution.
	SignatureMismatch Code = "signature_mismatch"
	TimestampMismatch Code = "timestamp_mismatch"
	StaleQueue        Code = "stale_queue"
	SlippageExceeded  Code = "slippage_exceeded"
	UserCancelled     Code = "user_cancelled"

	// Admission and settlement.
	CreationPaused      Code = "creation_paused"
	MarketClosed        Code = "market_closed"
	UtilizationExceeded Code = "utilization_exceeded"
	CapacityExceeded    Code = "capacity_exceeded"
	AlreadySettled      Code = "already_settled"
	TooEarly            Code = "too_early"

	// Pool.
	AmountTooSmall            Code = "amount_too_small"
	AmountTooLarge            Code = "amount_too_large"
	MaxLiquidityReached       Code = "max_liquidity_reached"
	MintLimit                 Code = "mint_limit"
	WithdrawalExceedsUnlocked Code = "withdrawal_exceeds_unlocked"
	InsufficientPoolFunds     Code = "insufficient_pool_funds"
	AllowanceExceeded         Code = "allowance_exceeded"
	TransferLocked            Code = "transfer_locked"
	WrongID                   Code = "wrong_id"
	AlreadyUnlocked           Code = "already_unlocked"
	InvalidMaxLiquidity       Code = "invalid_max_liquidity"
	ReentrantCall             Code = "reentrant_call"

	// Asset.
	InsufficientBalance   Code = "insufficient_balance"
	InsufficientAllowance Code = "insufficient_allowance"

	// HTTP surface.
	Unauthorized Code = "unauthorized"
	RateLimited  Code = "rate_limited"
	NotFound     Code = "not_found"
)

// Error is a coded rejection. Sentinel values are compared by Code, so a
// wrapped or re-created Error with the same code matches with errors.Is.
type Error struct {
	Code Code
	Msg  string
}

// New creates a coded error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func (e *Error) Error() string {
	return e.Msg
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Wrapf returns err annotated with a formatted prefix, keeping its code.
func Wrapf(err *Error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// CodeOf extracts the reason code carried by err. Errors without a code
// report Internal; a nil error reports the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Coded reports whether err carries a reason code.
func Coded(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
