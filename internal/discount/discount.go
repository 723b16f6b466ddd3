// Package discount resolves the referral and NFT tiers that reduce the
// settlement fee of a new option.
package discount

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrCodeTaken   = errors.New("discount: referral code already registered")
	ErrEmptyCode   = errors.New("discount: referral code is empty")
	ErrUnknownTier = errors.New("discount: tier out of range")
	ErrTierConfig  = errors.New("discount: tier steps and rebates must have equal length")
)

// Referral is a resolved referral relationship for one trade.
type Referral struct {
	Referrer common.Address
	Tier     int
	// Step is the number of fee-reduction steps the tier grants.
	Step int
	// Rebate is the referrer's share of the total fee in 1e7 units.
	Rebate decimal.Decimal
}

// Resolver is consulted by option engines when pricing a trade.
type Resolver interface {
	// ResolveReferral returns the referral that applies to trader given the
	// code hint. ok is false when no valid referral applies, including when
	// the code belongs to the trader.
	ResolveReferral(trader common.Address, code string) (ref Referral, ok bool)
	// LookupReferral is ResolveReferral without binding the code, for quotes.
	LookupReferral(trader common.Address, code string) (ref Referral, ok bool)
	// NFTTier returns the tier of token id when trader owns it.
	NFTTier(trader common.Address, id uint64) (tier int, ok bool)
}

// Default referral tiers: steps [4, 10, 16], rebates 0.25%, 0.5%, 0.75% of
// the total fee.
var (
	DefaultReferralSteps   = []int{4, 10, 16}
	DefaultReferralRebates = []int64{25_000, 50_000, 75_000}
)

type nft struct {
	owner common.Address
	tier  int
}

// Registry is an in-memory Resolver holding referral codes, referrer tiers
// and NFT ownership. Not safe for concurrent use; the exchange serialises
// every call.
type Registry struct {
	steps      []int
	rebates    []decimal.Decimal
	codeOwner  map[string]common.Address
	traderCode map[common.Address]string
	tiers      map[common.Address]int
	nfts       map[uint64]nft
}

// NewRegistry creates a registry with the given referral tier table.
func NewRegistry(steps []int, rebates []int64) (*Registry, error) {
	r := &Registry{
		codeOwner:  make(map[string]common.Address),
		traderCode: make(map[common.Address]string),
		tiers:      make(map[common.Address]int),
		nfts:       make(map[uint64]nft),
	}
	if err := r.Configure(steps, rebates); err != nil {
		return nil, err
	}
	return r, nil
}

// Configure replaces the referral tier table.
func (r *Registry) Configure(steps []int, rebates []int64) error {
	if len(steps) != len(rebates) || len(steps) == 0 {
		return ErrTierConfig
	}
	r.steps = append([]int(nil), steps...)
	r.rebates = make([]decimal.Decimal, len(rebates))
	for i, v := range rebates {
		r.rebates[i] = decimal.NewFromInt(v)
	}
	return nil
}

// RegisterCode assigns code to owner.
func (r *Registry) RegisterCode(owner common.Address, code string) error {
	if code == "" {
		return ErrEmptyCode
	}
	if _, taken := r.codeOwner[code]; taken {
		return fmt.Errorf("%w: %s", ErrCodeTaken, code)
	}
	r.codeOwner[code] = owner
	return nil
}

// SetReferrerTier sets the tier a referrer's codes grant.
func (r *Registry) SetReferrerTier(referrer common.Address, tier int) error {
	if tier < 0 || tier >= len(r.steps) {
		return fmt.Errorf("%w: %d", ErrUnknownTier, tier)
	}
	r.tiers[referrer] = tier
	return nil
}

// SetNFT records that owner holds token id at tier.
func (r *Registry) SetNFT(id uint64, owner common.Address, tier int) {
	r.nfts[id] = nft{owner: owner, tier: tier}
}

// ResolveReferral binds code to trader when given, then resolves the code
// stored for trader. Once bound, later trades reuse the code without a hint.
func (r *Registry) ResolveReferral(trader common.Address, code string) (Referral, bool) {
	if code != "" {
		r.traderCode[trader] = code
	}
	return r.LookupReferral(trader, "")
}

// LookupReferral resolves code, or the code bound to trader when code is
// empty, without recording anything.
func (r *Registry) LookupReferral(trader common.Address, code string) (Referral, bool) {
	if code == "" {
		stored, ok := r.traderCode[trader]
		if !ok {
			return Referral{}, false
		}
		code = stored
	}
	referrer, ok := r.codeOwner[code]
	if !ok || referrer == trader || referrer == (common.Address{}) {
		return Referral{}, false
	}
	tier := r.tiers[referrer]
	return Referral{
		Referrer: referrer,
		Tier:     tier,
		Step:     r.steps[tier],
		Rebate:   r.rebates[tier],
	}, true
}

// NFTTier returns the tier of id when trader owns it.
func (r *Registry) NFTTier(trader common.Address, id uint64) (int, bool) {
	n, ok := r.nfts[id]
	if !ok || n.owner != trader {
		return 0, false
	}
	return n.tier, true
}

type registryState struct {
	codeOwner  map[string]common.Address
	traderCode map[common.Address]string
	tiers      map[common.Address]int
	nfts       map[uint64]nft
}

// Snapshot copies the mutable maps; ResolveReferral writes trader bindings
// during admission, so the registry takes part in atomic units.
func (r *Registry) Snapshot() any {
	return registryState{
		codeOwner:  copyMap(r.codeOwner),
		traderCode: copyMap(r.traderCode),
		tiers:      copyMap(r.tiers),
		nfts:       copyMap(r.nfts),
	}
}

// Restore reinstates a copy taken by Snapshot.
func (r *Registry) Restore(s any) {
	st := s.(registryState)
	r.codeOwner = copyMap(st.codeOwner)
	r.traderCode = copyMap(st.traderCode)
	r.tiers = copyMap(st.tiers)
	r.nfts = copyMap(st.nfts)
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	cp := make(map[K]V, len(src))
	for k, v := range src {
		cp[k] = v
	}
	return cp
}
