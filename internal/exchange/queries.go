package exchange

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/access"
	"github.com/atmx/options-engine/internal/engine"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/queue"
)

// PoolStats is a view of the collateral pool.
type PoolStats struct {
	Address       common.Address  `json:"address"`
	TotalBalance  decimal.Decimal `json:"total_balance"`
	Available     decimal.Decimal `json:"available_balance"`
	LockedAmount  decimal.Decimal `json:"locked_amount"`
	LockedPremium decimal.Decimal `json:"locked_premium"`
	TotalSupply   decimal.Decimal `json:"total_supply"`
	MaxLiquidity  decimal.Decimal `json:"max_liquidity"`
}

// PoolAccount is one holder's pool position.
type PoolAccount struct {
	Account        common.Address  `json:"account"`
	Shares         decimal.Decimal `json:"shares"`
	UnlockedShares decimal.Decimal `json:"unlocked_shares"`
	Value          decimal.Decimal `json:"value"`
}

// AssetAccount is one account's asset position.
type AssetAccount struct {
	Account        common.Address  `json:"account"`
	Symbol         string          `json:"symbol"`
	Balance        decimal.Decimal `json:"balance"`
	QueueAllowance decimal.Decimal `json:"queue_allowance"`
	PoolAllowance  decimal.Decimal `json:"pool_allowance"`
}

// MarketInfo summarises a registered market.
type MarketInfo struct {
	Market    string          `json:"market"`
	Engine    common.Address  `json:"engine"`
	Paused    bool            `json:"paused"`
	Open      bool            `json:"open"`
	MinFee    decimal.Decimal `json:"min_fee"`
	MinPeriod uint64          `json:"min_period"`
	MaxPeriod uint64          `json:"max_period"`
	MaxAmount decimal.Decimal `json:"max_amount"`
}

// Trade returns queued trade id.
func (x *Exchange) Trade(id uint64) (model.QueuedTrade, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.queue.Trade(id)
}

// TradesOf returns user's queued trades, oldest first.
func (x *Exchange) TradesOf(user common.Address) []model.QueuedTrade {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.queue.TradesOf(user)
}

// Option returns option id of market.
func (x *Exchange) Option(market string, id uint64) (model.Option, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	eng, err := x.engine(market)
	if err != nil {
		return model.Option{}, err
	}
	o, ok := eng.Option(id)
	if !ok {
		return model.Option{}, engine.ErrOptionNotFound
	}
	return o, nil
}

// OptionsOf returns owner's options across all markets.
func (x *Exchange) OptionsOf(owner common.Address) []model.Option {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []model.Option
	for _, m := range x.sortedMarkets() {
		out = append(out, x.engines[m].OptionsOf(owner)...)
	}
	return out
}

// Quote prices a prospective trade on market without changing state.
func (x *Exchange) Quote(market string, r engine.QuoteRequest) (engine.Quote, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	eng, err := x.engine(market)
	if err != nil {
		return engine.Quote{}, err
	}
	return eng.Quote(r)
}

// Markets lists every market with an engine, including unregistered ones.
func (x *Exchange) Markets() []MarketInfo {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]MarketInfo, 0, len(x.engines))
	for _, m := range x.sortedMarkets() {
		eng := x.engines[m]
		cfg := eng.Config()
		capacity, err := eng.MaxAmount()
		if err != nil {
			capacity = decimal.Zero
		}
		out = append(out, MarketInfo{
			Market:    m,
			Engine:    eng.Address(),
			Paused:    eng.Paused(),
			Open:      x.queue.MarketOpen(m),
			MinFee:    cfg.MinFee,
			MinPeriod: cfg.MinPeriod,
			MaxPeriod: cfg.MaxPeriod,
			MaxAmount: capacity,
		})
	}
	return out
}

// Pool returns the pool's aggregate state.
func (x *Exchange) Pool() PoolStats {
	x.mu.Lock()
	defer x.mu.Unlock()
	return PoolStats{
		Address:       x.pool.Address(),
		TotalBalance:  x.pool.TotalBalance(),
		Available:     x.pool.AvailableBalance(),
		LockedAmount:  x.pool.LockedAmount(),
		LockedPremium: x.pool.LockedPremium(),
		TotalSupply:   x.pool.TotalSupply(),
		MaxLiquidity:  x.pool.Config().MaxLiquidity,
	}
}

// PoolAccount returns account's pool position.
func (x *Exchange) PoolAccount(account common.Address) PoolAccount {
	x.mu.Lock()
	defer x.mu.Unlock()
	return PoolAccount{
		Account:        account,
		Shares:         x.pool.BalanceOf(account),
		UnlockedShares: x.pool.UnlockedShares(account),
		Value:          x.pool.ShareOf(account),
	}
}

// AssetAccount returns account's asset balance and its allowances to the
// queue and the pool.
func (x *Exchange) AssetAccount(account common.Address) AssetAccount {
	x.mu.Lock()
	defer x.mu.Unlock()
	return AssetAccount{
		Account:        account,
		Symbol:         x.asset.Symbol(),
		Balance:        x.asset.BalanceOf(account),
		QueueAllowance: x.asset.Allowance(account, QueueAddress),
		PoolAllowance:  x.asset.Allowance(account, PoolAddress),
	}
}

// HasRole reports whether account holds role.
func (x *Exchange) HasRole(role access.Role, account common.Address) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.acl.Has(role, account)
}

// QueueConfig returns the queue's current tunables.
func (x *Exchange) QueueConfig() queue.Config {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.queue.Config()
}

// Events lists recent committed events from the store, newest first.
func (x *Exchange) Events(ctx context.Context, market string, limit int) ([]model.Event, error) {
	return x.store.ListEvents(ctx, market, limit)
}

// History lists user's persisted trades and options from the store. It
// includes records of markets no longer registered.
func (x *Exchange) History(ctx context.Context, user common.Address) ([]model.QueuedTrade, []model.Option, error) {
	trades, err := x.store.ListTradesByUser(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	opts, err := x.store.ListOptionsByOwner(ctx, user)
	if err != nil {
		return nil, nil, err
	}
	return trades, opts, nil
}

func (x *Exchange) sortedMarkets() []string {
	out := make([]string, 0, len(x.engines))
	for m := range x.engines {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
