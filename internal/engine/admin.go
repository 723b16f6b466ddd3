package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/access"
	"github.com/atmx/options-engine/internal/model"
)

// update applies fn to a copy of the configuration and keeps the result only
// if it validates.
func (e *Engine) update(caller common.Address, what string, fn func(c *Config)) error {
	if err := e.acl.Require(access.Admin, caller); err != nil {
		return err
	}
	next := e.cfg.clone()
	fn(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	e.cfg = next
	e.emit.Emit(model.Event{
		Type:    model.EventConfigChanged,
		Market:  e.cfg.Market,
		Account: caller,
		Reason:  what,
	})
	e.log.Info("market config changed", "change", what)
	return nil
}

// Configure sets the per-direction base fees and the NFT tier steps.
func (e *Engine) Configure(caller common.Address, baseAbove, baseBelow int64, nftTierSteps []int) error {
	return e.update(caller, fmt.Sprintf("base_fee=%d/%d nft_steps=%v", baseAbove, baseBelow, nftTierSteps), func(c *Config) {
		c.BaseFeeAbove = baseAbove
		c.BaseFeeBelow = baseBelow
		if nftTierSteps != nil {
			c.NFTTierSteps = append([]int(nil), nftTierSteps...)
		}
	})
}

// SetPaused stops or resumes option creation. Settlement is unaffected.
func (e *Engine) SetPaused(caller common.Address, paused bool) error {
	if err := e.acl.Require(access.Admin, caller); err != nil {
		return err
	}
	e.paused = paused
	e.emit.Emit(model.Event{
		Type:    model.EventConfigChanged,
		Market:  e.cfg.Market,
		Account: caller,
		Reason:  fmt.Sprintf("paused=%t", paused),
	})
	e.log.Info("market pause changed", "paused", paused)
	return nil
}

func (e *Engine) SetMinPeriod(caller common.Address, seconds uint64) error {
	return e.update(caller, fmt.Sprintf("min_period=%d", seconds), func(c *Config) { c.MinPeriod = seconds })
}

func (e *Engine) SetMaxPeriod(caller common.Address, seconds uint64) error {
	return e.update(caller, fmt.Sprintf("max_period=%d", seconds), func(c *Config) { c.MaxPeriod = seconds })
}

func (e *Engine) SetMinFee(caller common.Address, fee decimal.Decimal) error {
	return e.update(caller, "min_fee="+fee.String(), func(c *Config) { c.MinFee = fee })
}

func (e *Engine) SetAssetUtilizationLimit(caller common.Address, bps int64) error {
	return e.update(caller, fmt.Sprintf("asset_utilization=%d", bps), func(c *Config) { c.AssetUtilizationLimit = bps })
}

func (e *Engine) SetOverallUtilizationLimit(caller common.Address, bps int64) error {
	return e.update(caller, fmt.Sprintf("overall_utilization=%d", bps), func(c *Config) { c.OverallUtilizationLimit = bps })
}

func (e *Engine) SetFeePerTxnLimit(caller common.Address, bps int64) error {
	return e.update(caller, fmt.Sprintf("fee_per_txn_limit=%d", bps), func(c *Config) { c.FeePerTxnLimit = bps })
}

func (e *Engine) SetSettlementFeeRecipient(caller, recipient common.Address) error {
	return e.update(caller, "settlement_fee_recipient="+recipient.Hex(), func(c *Config) { c.SettlementFeeRecipient = recipient })
}

func (e *Engine) SetTraderNFTEnabled(caller common.Address, on bool) error {
	return e.update(caller, fmt.Sprintf("trader_nft=%t", on), func(c *Config) { c.TraderNFTEnabled = on })
}

type engineState struct {
	cfg     Config
	paused  bool
	options map[uint64]model.Option
	byOwner map[common.Address][]uint64
	nextID  uint64
}

// Snapshot returns a deep copy of the engine's state.
func (e *Engine) Snapshot() any {
	opts := make(map[uint64]model.Option, len(e.options))
	for id, o := range e.options {
		opts[id] = *o
	}
	return engineState{
		cfg:     e.cfg.clone(),
		paused:  e.paused,
		options: opts,
		byOwner: copyOwners(e.byOwner),
		nextID:  e.nextID,
	}
}

// Restore reinstates a copy taken by Snapshot.
func (e *Engine) Restore(s any) {
	st := s.(engineState)
	e.cfg = st.cfg.clone()
	e.paused = st.paused
	e.options = make(map[uint64]*model.Option, len(st.options))
	for id, o := range st.options {
		o := o
		e.options[id] = &o
	}
	e.byOwner = copyOwners(st.byOwner)
	e.nextID = st.nextID
}

func copyOwners(src map[common.Address][]uint64) map[common.Address][]uint64 {
	cp := make(map[common.Address][]uint64, len(src))
	for k, v := range src {
		cp[k] = append([]uint64(nil), v...)
	}
	return cp
}
