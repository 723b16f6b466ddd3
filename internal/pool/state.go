package pool

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/model"
)

type poolState struct {
	cfg           Config
	shares        map[common.Address]decimal.Decimal
	supply        decimal.Decimal
	allowances    map[common.Address]map[common.Address]decimal.Decimal
	schedules     map[common.Address]*schedule
	locked        map[lockKey]*model.LockedLiquidity
	nextID        map[common.Address]uint64
	lockedAmount  decimal.Decimal
	lockedPremium decimal.Decimal
	lockedBy      map[common.Address]decimal.Decimal
}

// Snapshot returns a deep copy of the pool's bookkeeping. The asset balance
// lives in the asset and is snapshotted there.
func (p *Pool) Snapshot() any {
	return poolState{
		cfg:           p.cfg,
		shares:        copyMap(p.shares),
		supply:        p.supply,
		allowances:    copyNested(p.allowances),
		schedules:     copySchedules(p.schedules),
		locked:        copyLocked(p.locked),
		nextID:        copyMap(p.nextID),
		lockedAmount:  p.lockedAmount,
		lockedPremium: p.lockedPremium,
		lockedBy:      copyMap(p.lockedBy),
	}
}

// Restore reinstates a copy taken by Snapshot.
func (p *Pool) Restore(s any) {
	st := s.(poolState)
	p.cfg = st.cfg
	p.shares = copyMap(st.shares)
	p.supply = st.supply
	p.allowances = copyNested(st.allowances)
	p.schedules = copySchedules(st.schedules)
	p.locked = copyLocked(st.locked)
	p.nextID = copyMap(st.nextID)
	p.lockedAmount = st.lockedAmount
	p.lockedPremium = st.lockedPremium
	p.lockedBy = copyMap(st.lockedBy)
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	cp := make(map[K]V, len(src))
	for k, v := range src {
		cp[k] = v
	}
	return cp
}

func copyNested(src map[common.Address]map[common.Address]decimal.Decimal) map[common.Address]map[common.Address]decimal.Decimal {
	cp := make(map[common.Address]map[common.Address]decimal.Decimal, len(src))
	for k, v := range src {
		cp[k] = copyMap(v)
	}
	return cp
}

func copySchedules(src map[common.Address]*schedule) map[common.Address]*schedule {
	cp := make(map[common.Address]*schedule, len(src))
	for k, s := range src {
		cp[k] = &schedule{
			entries:  append([]depositEntry(nil), s.entries...),
			next:     s.next,
			unlocked: s.unlocked,
		}
	}
	return cp
}

func copyLocked(src map[lockKey]*model.LockedLiquidity) map[lockKey]*model.LockedLiquidity {
	cp := make(map[lockKey]*model.LockedLiquidity, len(src))
	for k, v := range src {
		ll := *v
		cp[k] = &ll
	}
	return cp
}
