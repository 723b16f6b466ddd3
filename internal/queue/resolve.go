package queue

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/access"
	"github.com/atmx/options-engine/internal/codes"
	"github.com/atmx/options-engine/internal/engine"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/oracle"
	"github.com/atmx/options-engine/internal/utilization"
)

// Outcome is how one batch item ended.
type Outcome string

const (
	// Opened: the trade became an option.
	Opened Outcome = "opened"
	// Cancelled: the trade was cancelled and refunded.
	Cancelled Outcome = "cancelled"
	// Exercised and Expired: the option was settled.
	Exercised Outcome = "exercised"
	Expired   Outcome = "expired"
	// Skipped: nothing changed; the item can be retried with a valid price.
	Skipped Outcome = "skipped"
	// Failed: the item hit an unexpected error and was rolled back.
	Failed Outcome = "failed"
)

// ResolveItem is a signed price for one queued trade.
type ResolveItem struct {
	QueueID   uint64          `json:"queue_id"`
	Timestamp uint64          `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Signature []byte          `json:"signature"`
}

// ResolveOutcome reports what happened to one ResolveItem.
type ResolveOutcome struct {
	QueueID    uint64          `json:"queue_id"`
	Outcome    Outcome         `json:"outcome"`
	Code       codes.Code      `json:"code,omitempty"`
	OptionID   *uint64         `json:"option_id,omitempty"`
	RevisedFee decimal.Decimal `json:"revised_fee"`
}

// UnlockItem is a signed expiry price for one option.
type UnlockItem struct {
	Market    string          `json:"market"`
	OptionID  uint64          `json:"option_id"`
	Timestamp uint64          `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Signature []byte          `json:"signature"`
}

// UnlockOutcome reports what happened to one UnlockItem.
type UnlockOutcome struct {
	Market   string          `json:"market"`
	OptionID uint64          `json:"option_id"`
	Outcome  Outcome         `json:"outcome"`
	Code     codes.Code      `json:"code,omitempty"`
	Payout   decimal.Decimal `json:"payout"`
}

func (q *Queue) requireKeeper(caller common.Address) error {
	if q.cfg.PrivateKeeperMode {
		return q.acl.Require(access.Resolver, caller)
	}
	return nil
}

// ResolveBatch resolves queued trades against signed prices. Each item runs
// in its own atomic unit, so one bad item never affects another.
func (q *Queue) ResolveBatch(caller common.Address, items []ResolveItem) ([]ResolveOutcome, error) {
	if err := q.requireKeeper(caller); err != nil {
		return nil, err
	}
	out := make([]ResolveOutcome, 0, len(items))
	for _, it := range items {
		var o ResolveOutcome
		err := q.runner.Atomic(func() error {
			var err error
			o, err = q.resolveOne(it)
			return err
		})
		if err != nil {
			o = ResolveOutcome{QueueID: it.QueueID, Outcome: Failed, Code: codes.Internal}
			q.log.Error("trade resolution failed", "queue_id", it.QueueID, "error", err)
			q.emit.Emit(model.Event{
				Type:    model.EventResolutionFailed,
				QueueID: model.Uint64(it.QueueID),
				Account: caller,
				Reason:  string(codes.Internal),
			})
		}
		out = append(out, o)
	}
	return out, nil
}

func (q *Queue) skip(it ResolveItem, market string, code codes.Code) ResolveOutcome {
	q.emit.Emit(model.Event{
		Type:    model.EventResolutionFailed,
		Market:  market,
		QueueID: model.Uint64(it.QueueID),
		Reason:  string(code),
	})
	q.log.Warn("trade not resolved", "queue_id", it.QueueID, "reason", code)
	return ResolveOutcome{QueueID: it.QueueID, Outcome: Skipped, Code: code}
}

func (q *Queue) cancelled(t *model.QueuedTrade, code codes.Code) (ResolveOutcome, error) {
	if err := q.cancel(t, code); err != nil {
		return ResolveOutcome{}, err
	}
	return ResolveOutcome{QueueID: t.QueueID, Outcome: Cancelled, Code: code}, nil
}

func (q *Queue) resolveOne(it ResolveItem) (ResolveOutcome, error) {
	t, ok := q.trades[it.QueueID]
	if !ok {
		return q.skip(it, "", codes.TradeNotFound), nil
	}
	if t.Status != model.TradePending {
		return q.skip(it, t.Market, codes.AlreadyResolved), nil
	}

	att := oracle.Attestation{Market: t.Market, Timestamp: it.Timestamp, Price: it.Price}
	if !q.verifier.Verify(att, it.Signature) {
		return q.skip(it, t.Market, codes.SignatureMismatch), nil
	}
	if it.Timestamp != t.AnchorTimestamp {
		return q.skip(it, t.Market, codes.TimestampMismatch), nil
	}

	mkt, ok := q.markets[t.Market]
	if !ok || q.closed[t.Market] {
		return q.cancelled(t, codes.UnknownMarket)
	}
	if q.now().Sub(t.QueuedAt) > q.cfg.MaxWait {
		return q.cancelled(t, codes.StaleQueue)
	}
	if !WithinSlippage(it.Price, t.ExpectedStrike, t.SlippageBps) {
		return q.cancelled(t, codes.SlippageExceeded)
	}

	var adm *engine.Admission
	err := q.runner.Atomic(func() error {
		if err := q.asset.Approve(q.addr, mkt.Address(), t.Fee); err != nil {
			return err
		}
		var err error
		adm, err = mkt.Admit(q.addr, engine.AdmitRequest{
			Trader:           t.Submitter,
			Payer:            q.addr,
			Fee:              t.Fee,
			Period:           t.Period,
			Direction:        t.Direction,
			Strike:           it.Price,
			AllowPartialFill: t.AllowPartialFill,
			ReferralCode:     t.ReferralCode,
			NFTID:            t.NFTID,
		})
		if err != nil {
			return err
		}
		return q.asset.Approve(q.addr, mkt.Address(), decimal.Zero)
	})
	// The nested unit may have restored the queue; re-read the trade.
	t = q.trades[it.QueueID]
	if err != nil {
		if !codes.Coded(err) {
			return ResolveOutcome{}, err
		}
		return q.cancelled(t, codes.CodeOf(err))
	}

	t.Status = model.TradeOpened
	t.OptionID = model.Uint64(adm.OptionID)
	t.RevisedFee = adm.RevisedFee
	if refund := t.Fee.Sub(adm.RevisedFee); refund.IsPositive() {
		if err := q.asset.Transfer(q.addr, t.Submitter, refund); err != nil {
			return ResolveOutcome{}, err
		}
	}
	q.emit.Emit(model.Event{
		Type:     model.EventTradeOpened,
		Market:   t.Market,
		QueueID:  model.Uint64(t.QueueID),
		OptionID: model.Uint64(adm.OptionID),
		Account:  t.Submitter,
		Amount:   adm.RevisedFee,
	})
	q.log.Info("trade opened", "queue_id", t.QueueID, "option_id", adm.OptionID, "revised_fee", adm.RevisedFee.String())
	return ResolveOutcome{QueueID: t.QueueID, Outcome: Opened, OptionID: t.OptionID, RevisedFee: adm.RevisedFee}, nil
}

// WithinSlippage reports whether price lies in the inclusive band of
// slippageBps around strike.
func WithinSlippage(price, strike decimal.Decimal, slippageBps uint32) bool {
	s := decimal.NewFromInt(int64(slippageBps))
	lower := model.MulDiv(strike, utilization.BasisPoints.Sub(s), utilization.BasisPoints)
	upper := model.MulDiv(strike, utilization.BasisPoints.Add(s), utilization.BasisPoints)
	return !price.LessThan(lower) && !price.GreaterThan(upper)
}

// UnlockBatch settles expired options against signed expiry prices. Each
// item runs in its own atomic unit.
func (q *Queue) UnlockBatch(caller common.Address, items []UnlockItem) ([]UnlockOutcome, error) {
	if err := q.requireKeeper(caller); err != nil {
		return nil, err
	}
	out := make([]UnlockOutcome, 0, len(items))
	for _, it := range items {
		var o UnlockOutcome
		err := q.runner.Atomic(func() error {
			var err error
			o, err = q.unlockOne(it)
			return err
		})
		if err != nil {
			o = UnlockOutcome{Market: it.Market, OptionID: it.OptionID, Outcome: Failed, Code: codes.Internal}
			q.log.Error("option unlock failed", "market", it.Market, "option_id", it.OptionID, "error", err)
			q.emit.Emit(model.Event{
				Type:     model.EventUnlockFailed,
				Market:   it.Market,
				OptionID: model.Uint64(it.OptionID),
				Account:  caller,
				Reason:   string(codes.Internal),
			})
		}
		out = append(out, o)
	}
	return out, nil
}

func (q *Queue) unlockSkip(it UnlockItem, code codes.Code) UnlockOutcome {
	q.emit.Emit(model.Event{
		Type:     model.EventUnlockFailed,
		Market:   it.Market,
		OptionID: model.Uint64(it.OptionID),
		Reason:   string(code),
	})
	q.log.Warn("option not unlocked", "market", it.Market, "option_id", it.OptionID, "reason", code)
	return UnlockOutcome{Market: it.Market, OptionID: it.OptionID, Outcome: Skipped, Code: code}
}

func (q *Queue) unlockOne(it UnlockItem) (UnlockOutcome, error) {
	mkt, ok := q.markets[it.Market]
	if !ok {
		return q.unlockSkip(it, codes.UnknownMarket), nil
	}
	opt, ok := mkt.Option(it.OptionID)
	if !ok {
		return q.unlockSkip(it, codes.OptionNotFound), nil
	}
	att := oracle.Attestation{Market: it.Market, Timestamp: it.Timestamp, Price: it.Price}
	if !q.verifier.Verify(att, it.Signature) {
		return q.unlockSkip(it, codes.SignatureMismatch), nil
	}
	if it.Timestamp != uint64(opt.ExpiresAt.Unix()) {
		return q.unlockSkip(it, codes.TimestampMismatch), nil
	}

	var s *engine.Settlement
	err := q.runner.Atomic(func() error {
		var err error
		s, err = mkt.Settle(q.addr, it.OptionID, it.Price)
		return err
	})
	if err != nil {
		if !codes.Coded(err) {
			return UnlockOutcome{}, err
		}
		return q.unlockSkip(it, codes.CodeOf(err)), nil
	}

	o := UnlockOutcome{Market: it.Market, OptionID: it.OptionID, Outcome: Expired, Payout: s.Payout}
	if s.State == model.OptionExercised {
		o.Outcome = Exercised
	}
	return o, nil
}
