package store

import (
	"database/sql"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/model"
)

// scanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
// Both SQL stores select amounts as text and addresses as hex, so one set
// of row decoders serves them.
type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(sc scanner) (*model.QueuedTrade, error) {
	var (
		t                            model.QueuedTrade
		id, period, slip, anchor     int64
		submitter, direction, status string
		fee, strike, revised         string
		nft, opt                     sql.NullInt64
	)
	if err := sc.Scan(&id, &submitter, &fee, &period, &direction, &t.Market,
		&strike, &slip, &t.AllowPartialFill, &t.ReferralCode, &nft,
		&t.QueuedAt, &anchor, &status, &t.CancelReason, &opt, &revised); err != nil {
		return nil, err
	}
	t.QueueID = uint64(id)
	t.Submitter = common.HexToAddress(submitter)
	t.Period = uint64(period)
	t.Direction = model.Direction(direction)
	t.SlippageBps = uint32(slip)
	t.AnchorTimestamp = uint64(anchor)
	t.Status = model.TradeStatus(status)
	t.NFTID = fromNull(nft)
	t.OptionID = fromNull(opt)

	var err error
	if t.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("trade %d fee: %w", id, err)
	}
	if t.ExpectedStrike, err = decimal.NewFromString(strike); err != nil {
		return nil, fmt.Errorf("trade %d strike: %w", id, err)
	}
	if t.RevisedFee, err = decimal.NewFromString(revised); err != nil {
		return nil, fmt.Errorf("trade %d revised fee: %w", id, err)
	}
	return &t, nil
}

func scanOption(sc scanner) (*model.Option, error) {
	var (
		o                          model.Option
		id                         int64
		state, direction, owner    string
		strike, amount, locked     string
		premium, sf, total, rebate string
		payout, expiryPrice        string
	)
	if err := sc.Scan(&id, &o.Market, &state, &strike, &amount, &locked,
		&premium, &sf, &total, &rebate, &direction,
		&o.CreatedAt, &o.ExpiresAt, &owner, &payout, &expiryPrice); err != nil {
		return nil, err
	}
	o.ID = uint64(id)
	o.State = model.OptionState(state)
	o.Direction = model.Direction(direction)
	o.Owner = common.HexToAddress(owner)

	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&o.Strike, strike}, {&o.Amount, amount}, {&o.LockedAmount, locked},
		{&o.Premium, premium}, {&o.SettlementFee, sf}, {&o.TotalFee, total},
		{&o.ReferralRebate, rebate}, {&o.Payout, payout}, {&o.ExpiryPrice, expiryPrice},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("option %s/%d: %w", o.Market, id, err)
		}
		*f.dst = d
	}
	return &o, nil
}

func scanEvent(sc scanner) (*model.Event, error) {
	var (
		e                    model.Event
		typ, account, amount string
		queueID, optionID    sql.NullInt64
	)
	if err := sc.Scan(&e.ID, &typ, &e.Market, &queueID, &optionID,
		&account, &amount, &e.Reason, &e.At); err != nil {
		return nil, err
	}
	e.Type = model.EventType(typ)
	e.QueueID = fromNull(queueID)
	e.OptionID = fromNull(optionID)
	e.Account = common.HexToAddress(account)

	var err error
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("event %s amount: %w", e.ID, err)
	}
	return &e, nil
}

// nullID converts an optional id to a driver value.
func nullID(p *uint64) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func fromNull(n sql.NullInt64) *uint64 {
	if !n.Valid {
		return nil
	}
	return model.Uint64(uint64(n.Int64))
}
