// Package utilization computes how much new collateral a market may reserve
// from the shared pool.
//
// Two caps apply to every new option and the smaller one wins:
//   - per market: the market's locked collateral may not exceed AssetLimit
//     of the pool's total balance
//   - pool wide: all locked collateral may not exceed OverallLimit of the
//     pool's total balance
//
// Limits are in basis points of the pool's total balance.
package utilization

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/codes"
	"github.com/atmx/options-engine/internal/model"
)

// BasisPoints is the denominator of every limit.
var BasisPoints = decimal.NewFromInt(10_000)

var (
	// ErrUtilizationExceeded is returned when a cap leaves no room at all.
	ErrUtilizationExceeded = codes.New(codes.UtilizationExceeded, "utilization: pool utilization limit reached")

	// ErrInvalidLimit is returned for a limit outside (0, 10000].
	ErrInvalidLimit = errors.New("utilization: limit must be in (0, 10000] bps")
)

// Snapshot is the pool state a cap is computed from.
type Snapshot struct {
	// Total is the pool's total balance.
	Total decimal.Decimal
	// MarketLocked is the collateral the market already holds.
	MarketLocked decimal.Decimal
	// PoolLocked is all collateral locked in the pool.
	PoolLocked decimal.Decimal
}

// Limiter enforces the per-market and pool-wide caps.
type Limiter struct {
	// AssetLimit is the per-market cap in bps.
	AssetLimit int64
	// OverallLimit is the pool-wide cap in bps.
	OverallLimit int64
}

// NewLimiter creates a limiter, rejecting limits outside (0, 10000].
func NewLimiter(assetBps, overallBps int64) (*Limiter, error) {
	if err := ValidateLimit(assetBps); err != nil {
		return nil, err
	}
	if err := ValidateLimit(overallBps); err != nil {
		return nil, err
	}
	return &Limiter{AssetLimit: assetBps, OverallLimit: overallBps}, nil
}

// ValidateLimit checks a limit in bps.
func ValidateLimit(bps int64) error {
	if bps <= 0 || bps > 10_000 {
		return ErrInvalidLimit
	}
	return nil
}

// MaxAmount returns the largest collateral amount a new option may lock.
// It returns ErrUtilizationExceeded when either cap is already used up.
func (l *Limiter) MaxAmount(s Snapshot) (decimal.Decimal, error) {
	// 1. Per-market cap.
	marketCap, err := capFor(s.Total, s.Total.Sub(s.MarketLocked), l.AssetLimit)
	if err != nil {
		return decimal.Zero, err
	}

	// 2. Pool-wide cap.
	poolCap, err := capFor(s.Total, s.Total.Sub(s.PoolLocked), l.OverallLimit)
	if err != nil {
		return decimal.Zero, err
	}

	return model.Min(marketCap, poolCap), nil
}

// capFor returns available - (1 - limit) * total, which is the room left
// before locked collateral reaches limit of total.
func capFor(total, available decimal.Decimal, limitBps int64) (decimal.Decimal, error) {
	reserved := model.MulDiv(BasisPoints.Sub(decimal.NewFromInt(limitBps)), total, BasisPoints)
	if available.LessThanOrEqual(reserved) {
		return decimal.Zero, ErrUtilizationExceeded
	}
	return available.Sub(reserved), nil
}
