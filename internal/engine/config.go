package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/codes"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/utilization"
)

// Fee and period bounds.
const (
	MinBaseFee     = 1_000
	MaxBaseFee     = 5_000
	DefaultBaseFee = 1_500
	DefaultStep    = 25

	MinPeriodFloor   = 60
	MaxPeriodCeiling = 86_400

	DefaultAssetUtilization   = 1_000
	DefaultOverallUtilization = 6_400
)

// DefaultNFTTierSteps is the fee-reduction steps granted per NFT tier.
var DefaultNFTTierSteps = []int{5, 10, 16, 24}

// Config is one market's pricing and admission configuration.
type Config struct {
	Market string
	// Decimals of the backing asset; one whole unit is 10^Decimals.
	Decimals int32

	// Base settlement fee percentage per direction, in bps of the total fee.
	BaseFeeAbove int64
	BaseFeeBelow int64
	// StepSize is the bps removed from the base fee per discount step.
	StepSize     int64
	NFTTierSteps []int

	AssetUtilizationLimit   int64
	OverallUtilizationLimit int64
	// FeePerTxnLimit caps one trade's fee at this share of the available
	// balance, in bps. Zero disables the cap.
	FeePerTxnLimit int64

	MinPeriod uint64 // seconds
	MaxPeriod uint64 // seconds
	MinFee    decimal.Decimal

	SettlementFeeRecipient common.Address
	TraderNFTEnabled       bool
	CalendarGated          bool
}

// DefaultConfig returns a market configuration with the standard defaults.
func DefaultConfig(market string, recipient common.Address) Config {
	return Config{
		Market:                  market,
		Decimals:                6,
		BaseFeeAbove:            DefaultBaseFee,
		BaseFeeBelow:            DefaultBaseFee,
		StepSize:                DefaultStep,
		NFTTierSteps:            append([]int(nil), DefaultNFTTierSteps...),
		AssetUtilizationLimit:   DefaultAssetUtilization,
		OverallUtilizationLimit: DefaultOverallUtilization,
		MinPeriod:               300,
		MaxPeriod:               MaxPeriodCeiling,
		MinFee:                  decimal.NewFromInt(1_000_000),
		SettlementFeeRecipient:  recipient,
	}
}

// Validate checks every bound an admin setter would enforce.
func (c Config) Validate() error {
	if c.Market == "" {
		return codes.Wrapf(ErrInvalidConfig, "empty market id")
	}
	if c.Decimals < 1 || c.Decimals > 36 {
		return codes.Wrapf(ErrInvalidConfig, "decimals %d", c.Decimals)
	}
	if err := validateBaseFee(c.BaseFeeAbove); err != nil {
		return err
	}
	if err := validateBaseFee(c.BaseFeeBelow); err != nil {
		return err
	}
	if c.StepSize < 0 {
		return codes.Wrapf(ErrInvalidConfig, "step size %d", c.StepSize)
	}
	for _, s := range c.NFTTierSteps {
		if c.StepSize*int64(s) >= min(c.BaseFeeAbove, c.BaseFeeBelow) {
			return codes.Wrapf(ErrInvalidConfig, "nft step %d consumes the whole base fee", s)
		}
	}
	if err := utilization.ValidateLimit(c.AssetUtilizationLimit); err != nil {
		return codes.Wrapf(ErrInvalidConfig, "asset utilization: %v", err)
	}
	if err := utilization.ValidateLimit(c.OverallUtilizationLimit); err != nil {
		return codes.Wrapf(ErrInvalidConfig, "overall utilization: %v", err)
	}
	if c.FeePerTxnLimit < 0 || c.FeePerTxnLimit > 10_000 {
		return codes.Wrapf(ErrInvalidConfig, "fee per txn limit %d", c.FeePerTxnLimit)
	}
	if c.MinPeriod < MinPeriodFloor || c.MaxPeriod > MaxPeriodCeiling || c.MinPeriod > c.MaxPeriod {
		return codes.Wrapf(ErrInvalidConfig, "period bounds [%d, %d]", c.MinPeriod, c.MaxPeriod)
	}
	if c.MinFee.IsNegative() {
		return codes.Wrapf(ErrInvalidConfig, "min fee %s", c.MinFee)
	}
	if c.SettlementFeeRecipient == (common.Address{}) {
		return codes.Wrapf(ErrInvalidRecipient, "settlement fee recipient")
	}
	return nil
}

// BaseFee returns the base settlement fee percentage for dir.
func (c Config) BaseFee(dir model.Direction) int64 {
	if dir == model.Below {
		return c.BaseFeeBelow
	}
	return c.BaseFeeAbove
}

// Unit is one whole unit of the backing asset.
func (c Config) Unit() decimal.Decimal {
	return decimal.New(1, c.Decimals)
}

func (c Config) limiter() *utilization.Limiter {
	return &utilization.Limiter{AssetLimit: c.AssetUtilizationLimit, OverallLimit: c.OverallUtilizationLimit}
}

func validateBaseFee(bps int64) error {
	if bps < MinBaseFee || bps > MaxBaseFee {
		return codes.Wrapf(ErrInvalidConfig, "base fee %d outside [%d, %d]", bps, MinBaseFee, MaxBaseFee)
	}
	return nil
}

func (c Config) clone() Config {
	c.NFTTierSteps = append([]int(nil), c.NFTTierSteps...)
	return c
}

func (c Config) String() string {
	return fmt.Sprintf("%s(base=%d/%d step=%d util=%d/%d period=[%d,%d])",
		c.Market, c.BaseFeeAbove, c.BaseFeeBelow, c.StepSize,
		c.AssetUtilizationLimit, c.OverallUtilizationLimit, c.MinPeriod, c.MaxPeriod)
}
