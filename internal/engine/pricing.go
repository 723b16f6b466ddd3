package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/discount"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/utilization"
)

var rebateDenominator = decimal.NewFromInt(10_000_000)

// Quote is the priced breakdown of a trade.
type Quote struct {
	// SettlementFeePct is the settlement fee percentage in bps of the total fee.
	SettlementFeePct int64           `json:"settlement_fee_pct"`
	Amount           decimal.Decimal `json:"amount"`
	RevisedFee       decimal.Decimal `json:"revised_fee"`
	Premium          decimal.Decimal `json:"premium"`
	SettlementFee    decimal.Decimal `json:"settlement_fee"`
	Rebate           decimal.Decimal `json:"rebate"`
	Referrer         common.Address  `json:"referrer"`
	// Clamped is set when the amount was cut down to the utilization cap.
	Clamped bool `json:"clamped"`
}

// discountStep picks the larger of the referral and NFT steps. A tie goes to
// the referral.
func (e *Engine) discountStep(trader common.Address, ref discount.Referral, refOK bool, nftID *uint64) int {
	refStep := 0
	if refOK {
		refStep = ref.Step
	}
	nftStep := 0
	if e.cfg.TraderNFTEnabled && nftID != nil {
		if tier, ok := e.tiers.NFTTier(trader, *nftID); ok && tier >= 0 && tier < len(e.cfg.NFTTierSteps) {
			nftStep = e.cfg.NFTTierSteps[tier]
		}
	}
	if nftStep > refStep {
		return nftStep
	}
	return refStep
}

func (e *Engine) settlementFeePct(dir model.Direction, step int) int64 {
	sfp := e.cfg.BaseFee(dir) - e.cfg.StepSize*int64(step)
	if sfp < 0 {
		return 0
	}
	return sfp
}

// amountForFee returns floor(fee * unit / unitFee), where unitFee is the
// total fee of a one-unit option.
func amountForFee(fee, unit decimal.Decimal, sfp int64) decimal.Decimal {
	unitFee := feeForAmount(unit, sfp)
	if !unitFee.IsPositive() {
		return decimal.Zero
	}
	return model.MulDiv(fee, unit, unitFee)
}

// feeForAmount returns the total fee of an option of size amount: the
// premium grossed up so that sfp of it is settlement fee.
func feeForAmount(amount decimal.Decimal, sfp int64) decimal.Decimal {
	half := amount.Div(decimal.NewFromInt(2)).Floor()
	return model.MulDiv(half, utilization.BasisPoints, utilization.BasisPoints.Sub(decimal.NewFromInt(sfp)))
}

// price computes the breakdown of a trade paying fee, clamping to the
// utilization cap when allowPartial is set.
func (e *Engine) price(fee decimal.Decimal, dir model.Direction, step int, ref discount.Referral, refOK, allowPartial bool) (Quote, error) {
	sfp := e.settlementFeePct(dir, step)
	q := Quote{SettlementFeePct: sfp}

	q.Amount = amountForFee(fee, e.cfg.Unit(), sfp)
	q.RevisedFee = fee

	maxAmount, err := e.MaxAmount()
	if err != nil {
		return Quote{}, err
	}
	if e.cfg.FeePerTxnLimit > 0 {
		feeCap := model.MulDiv(e.pool.AvailableBalance(), decimal.NewFromInt(e.cfg.FeePerTxnLimit), utilization.BasisPoints)
		maxAmount = model.Min(maxAmount, amountForFee(feeCap, e.cfg.Unit(), sfp))
	}
	if q.Amount.GreaterThan(maxAmount) {
		if !allowPartial {
			return Quote{}, ErrCapacityExceeded
		}
		q.Amount = maxAmount
		q.RevisedFee = feeForAmount(maxAmount, sfp)
		q.Clamped = true
	}
	if !q.Amount.IsPositive() {
		return Quote{}, ErrCapacityExceeded
	}

	q.Premium = q.Amount.Div(decimal.NewFromInt(2)).Floor()
	gross := q.RevisedFee.Sub(q.Premium)
	if refOK {
		q.Rebate = model.MulDiv(q.RevisedFee, ref.Rebate, rebateDenominator)
		q.Referrer = ref.Referrer
	}
	q.SettlementFee = gross.Sub(q.Rebate)
	return q, nil
}

// MaxAmount is the largest option this market may open right now.
func (e *Engine) MaxAmount() (decimal.Decimal, error) {
	return e.cfg.limiter().MaxAmount(utilization.Snapshot{
		Total:        e.pool.TotalBalance(),
		MarketLocked: e.pool.LockedBy(e.addr),
		PoolLocked:   e.pool.LockedAmount(),
	})
}

// QuoteRequest describes a prospective trade for Quote.
type QuoteRequest struct {
	Trader           common.Address
	Fee              decimal.Decimal
	Direction        model.Direction
	ReferralCode     string
	NFTID            *uint64
	AllowPartialFill bool
}

// Quote prices a trade against the current pool state without changing
// anything.
func (e *Engine) Quote(r QuoteRequest) (Quote, error) {
	if !r.Direction.Valid() {
		return Quote{}, ErrInvalidDirection
	}
	ref, refOK := e.tiers.LookupReferral(r.Trader, r.ReferralCode)
	step := e.discountStep(r.Trader, ref, refOK, r.NFTID)
	return e.price(r.Fee, r.Direction, step, ref, refOK, r.AllowPartialFill)
}

// Fees returns the total fee, settlement fee and premium of an option of
// size amount for trader, ignoring utilization.
func (e *Engine) Fees(trader common.Address, amount decimal.Decimal, dir model.Direction, referralCode string, nftID *uint64) (total, settlementFee, premium decimal.Decimal) {
	ref, refOK := e.tiers.LookupReferral(trader, referralCode)
	sfp := e.settlementFeePct(dir, e.discountStep(trader, ref, refOK, nftID))
	total = feeForAmount(amount, sfp)
	premium = amount.Div(decimal.NewFromInt(2)).Floor()
	return total, total.Sub(premium), premium
}
