// Package model defines the core domain types shared across the options engine.
// All monetary values, prices and share balances use shopspring/decimal and
// always hold whole base units; never float64 for money.
package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Direction is the side of a binary option.
type Direction string

const (
	Above Direction = "above"
	Below Direction = "below"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Above || d == Below
}

// TradeStatus is the lifecycle state of a queued trade.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeOpened    TradeStatus = "opened"
	TradeCancelled TradeStatus = "cancelled"
)

// OptionState is the lifecycle state of an option.
type OptionState string

const (
	OptionActive    OptionState = "active"
	OptionExercised OptionState = "exercised"
	OptionExpired   OptionState = "expired"
)

// QueuedTrade is a trade request awaiting signed-price resolution.
// Status moves from pending to opened or cancelled exactly once.
type QueuedTrade struct {
	QueueID          uint64          `json:"queue_id" db:"queue_id"`
	Submitter        common.Address  `json:"submitter" db:"submitter"`
	Fee              decimal.Decimal `json:"fee" db:"fee"`
	Period           uint64          `json:"period" db:"period"` // seconds
	Direction        Direction       `json:"direction" db:"direction"`
	Market           string          `json:"market" db:"market"`
	ExpectedStrike   decimal.Decimal `json:"expected_strike" db:"expected_strike"`
	SlippageBps      uint32          `json:"slippage_bps" db:"slippage_bps"`
	AllowPartialFill bool            `json:"allow_partial_fill" db:"allow_partial_fill"`
	ReferralCode     string          `json:"referral_code,omitempty" db:"referral_code"`
	NFTID            *uint64         `json:"nft_id,omitempty" db:"nft_id"`
	QueuedAt         time.Time       `json:"queued_at" db:"queued_at"`
	AnchorTimestamp  uint64          `json:"anchor_timestamp" db:"anchor_timestamp"` // unix seconds the attestation must carry
	Status           TradeStatus     `json:"status" db:"status"`
	CancelReason     string          `json:"cancel_reason,omitempty" db:"cancel_reason"`
	OptionID         *uint64         `json:"option_id,omitempty" db:"option_id"`
	RevisedFee       decimal.Decimal `json:"revised_fee" db:"revised_fee"`
}

// Option is a live or settled binary option position.
// Amount is fixed at creation; State leaves active exactly once.
type Option struct {
	ID             uint64          `json:"id" db:"id"`
	Market         string          `json:"market" db:"market"`
	State          OptionState     `json:"state" db:"state"`
	Strike         decimal.Decimal `json:"strike" db:"strike"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	LockedAmount   decimal.Decimal `json:"locked_amount" db:"locked_amount"`
	Premium        decimal.Decimal `json:"premium" db:"premium"`
	SettlementFee  decimal.Decimal `json:"settlement_fee" db:"settlement_fee"`
	TotalFee       decimal.Decimal `json:"total_fee" db:"total_fee"`
	ReferralRebate decimal.Decimal `json:"referral_rebate" db:"referral_rebate"`
	Direction      Direction       `json:"direction" db:"direction"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at" db:"expires_at"`
	Owner          common.Address  `json:"owner" db:"owner"`
	Payout         decimal.Decimal `json:"payout" db:"payout"`
	ExpiryPrice    decimal.Decimal `json:"expiry_price" db:"expiry_price"`
}

// LockedLiquidity is the pool's reservation for one option.
type LockedLiquidity struct {
	Amount  decimal.Decimal `json:"amount"`
	Premium decimal.Decimal `json:"premium"`
	Locked  bool            `json:"locked"`
}

// EventType names an observable state change.
type EventType string

const (
	EventTradeSubmitted   EventType = "trade_submitted"
	EventTradeOpened      EventType = "trade_opened"
	EventTradeCancelled   EventType = "trade_cancelled"
	EventResolutionFailed EventType = "resolution_failed"
	EventOptionCreated    EventType = "option_created"
	EventOptionExercised  EventType = "option_exercised"
	EventOptionExpired    EventType = "option_expired"
	EventOptionTransfer   EventType = "option_transfer"
	EventUnlockFailed     EventType = "unlock_failed"
	EventPoolProvide      EventType = "pool_provide"
	EventPoolWithdraw     EventType = "pool_withdraw"
	EventPoolProfit       EventType = "pool_profit"
	EventPoolLoss         EventType = "pool_loss"
	EventShareTransfer    EventType = "share_transfer"
	EventConfigChanged    EventType = "config_changed"
)

// Event is an immutable record of a committed state change.
// Once published these are never modified or deleted.
type Event struct {
	ID       string          `json:"id" db:"id"`
	Type     EventType       `json:"type" db:"type"`
	Market   string          `json:"market,omitempty" db:"market"`
	QueueID  *uint64         `json:"queue_id,omitempty" db:"queue_id"`
	OptionID *uint64         `json:"option_id,omitempty" db:"option_id"`
	Account  common.Address  `json:"account" db:"account"`
	Amount   decimal.Decimal `json:"amount" db:"amount"`
	Reason   string          `json:"reason,omitempty" db:"reason"`
	At       time.Time       `json:"at" db:"at"`
}

// Uint64 returns a pointer to v, for the optional id fields.
func Uint64(v uint64) *uint64 {
	return &v
}

// MulDiv returns floor(a*b/c) for non-negative whole-unit values.
func MulDiv(a, b, c decimal.Decimal) decimal.Decimal {
	n := new(big.Int).Mul(a.BigInt(), b.BigInt())
	return decimal.NewFromBigInt(n.Quo(n, c.BigInt()), 0)
}

// MulDivCeil returns ceil(a*b/c) for non-negative whole-unit values.
func MulDivCeil(a, b, c decimal.Decimal) decimal.Decimal {
	n := new(big.Int).Mul(a.BigInt(), b.BigInt())
	den := c.BigInt()
	q, r := new(big.Int).QuoRem(n, den, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return decimal.NewFromBigInt(q, 0)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
