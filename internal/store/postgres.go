package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/options-engine/internal/model"
)

// PostgresSchema creates the tables PostgresStore needs.
// All monetary values are stored as NUMERIC for exact decimal precision.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS queued_trades (
	queue_id           BIGINT PRIMARY KEY,
	submitter          TEXT NOT NULL,
	fee                NUMERIC NOT NULL,
	period             BIGINT NOT NULL,
	direction          TEXT NOT NULL,
	market             TEXT NOT NULL,
	expected_strike    NUMERIC NOT NULL,
	slippage_bps       INTEGER NOT NULL,
	allow_partial_fill BOOLEAN NOT NULL,
	referral_code      TEXT NOT NULL DEFAULT '',
	nft_id             BIGINT,
	queued_at          TIMESTAMPTZ NOT NULL,
	anchor_timestamp   BIGINT NOT NULL,
	status             TEXT NOT NULL,
	cancel_reason      TEXT NOT NULL DEFAULT '',
	option_id          BIGINT,
	revised_fee        NUMERIC NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queued_trades_submitter ON queued_trades(submitter);

CREATE TABLE IF NOT EXISTS options (
	market          TEXT NOT NULL,
	id              BIGINT NOT NULL,
	state           TEXT NOT NULL,
	strike          NUMERIC NOT NULL,
	amount          NUMERIC NOT NULL,
	locked_amount   NUMERIC NOT NULL,
	premium         NUMERIC NOT NULL,
	settlement_fee  NUMERIC NOT NULL,
	total_fee       NUMERIC NOT NULL,
	referral_rebate NUMERIC NOT NULL,
	direction       TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL,
	owner           TEXT NOT NULL,
	payout          NUMERIC NOT NULL DEFAULT 0,
	expiry_price    NUMERIC NOT NULL DEFAULT 0,
	PRIMARY KEY (market, id)
);
CREATE INDEX IF NOT EXISTS idx_options_owner ON options(owner);

CREATE TABLE IF NOT EXISTS events (
	seq       BIGSERIAL PRIMARY KEY,
	id        TEXT NOT NULL UNIQUE,
	type      TEXT NOT NULL,
	market    TEXT NOT NULL DEFAULT '',
	queue_id  BIGINT,
	option_id BIGINT,
	account   TEXT NOT NULL,
	amount    NUMERIC NOT NULL DEFAULT 0,
	reason    TEXT NOT NULL DEFAULT '',
	at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_market ON events(market, seq);
`

const (
	pgTradeColumns = `queue_id, submitter, fee::TEXT, period, direction, market,
		expected_strike::TEXT, slippage_bps, allow_partial_fill, referral_code, nft_id,
		queued_at, anchor_timestamp, status, cancel_reason, option_id, revised_fee::TEXT`
	pgOptionColumns = `id, market, state, strike::TEXT, amount::TEXT, locked_amount::TEXT,
		premium::TEXT, settlement_fee::TEXT, total_fee::TEXT, referral_rebate::TEXT, direction,
		created_at, expires_at, owner, payout::TEXT, expiry_price::TEXT`
	pgEventColumns = `id, type, market, queue_id, option_id, account, amount::TEXT, reason, at`
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies PostgresSchema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTrade(ctx context.Context, t *model.QueuedTrade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO queued_trades (queue_id, submitter, fee, period, direction, market,
		     expected_strike, slippage_bps, allow_partial_fill, referral_code, nft_id,
		     queued_at, anchor_timestamp, status, cancel_reason, option_id, revised_fee)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11,
		     $12, $13, $14, $15, $16, $17::NUMERIC)
		 ON CONFLICT (queue_id) DO UPDATE
		 SET status = EXCLUDED.status, cancel_reason = EXCLUDED.cancel_reason,
		     option_id = EXCLUDED.option_id, revised_fee = EXCLUDED.revised_fee`,
		int64(t.QueueID), t.Submitter.Hex(), t.Fee.String(), int64(t.Period), string(t.Direction), t.Market,
		t.ExpectedStrike.String(), int64(t.SlippageBps), t.AllowPartialFill, t.ReferralCode, nullID(t.NFTID),
		t.QueuedAt, int64(t.AnchorTimestamp), string(t.Status), t.CancelReason, nullID(t.OptionID), t.RevisedFee.String(),
	)
	if err != nil {
		return fmt.Errorf("save trade %d: %w", t.QueueID, err)
	}
	return nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, id uint64) (*model.QueuedTrade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`SELECT `+pgTradeColumns+` FROM queued_trades WHERE queue_id = $1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %d: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, user common.Address) ([]model.QueuedTrade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTradeColumns+` FROM queued_trades WHERE submitter = $1 ORDER BY queue_id`, user.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.QueuedTrade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) SaveOption(ctx context.Context, o *model.Option) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO options (market, id, state, strike, amount, locked_amount, premium,
		     settlement_fee, total_fee, referral_rebate, direction, created_at, expires_at,
		     owner, payout, expiry_price)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		     $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12, $13,
		     $14, $15::NUMERIC, $16::NUMERIC)
		 ON CONFLICT (market, id) DO UPDATE
		 SET state = EXCLUDED.state, locked_amount = EXCLUDED.locked_amount,
		     owner = EXCLUDED.owner, payout = EXCLUDED.payout, expiry_price = EXCLUDED.expiry_price`,
		o.Market, int64(o.ID), string(o.State), o.Strike.String(), o.Amount.String(), o.LockedAmount.String(),
		o.Premium.String(), o.SettlementFee.String(), o.TotalFee.String(), o.ReferralRebate.String(),
		string(o.Direction), o.CreatedAt, o.ExpiresAt, o.Owner.Hex(), o.Payout.String(), o.ExpiryPrice.String(),
	)
	if err != nil {
		return fmt.Errorf("save option %s/%d: %w", o.Market, o.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetOption(ctx context.Context, market string, id uint64) (*model.Option, error) {
	o, err := scanOption(s.pool.QueryRow(ctx,
		`SELECT `+pgOptionColumns+` FROM options WHERE market = $1 AND id = $2`, market, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get option %s/%d: %w", market, id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOptionsByOwner(ctx context.Context, owner common.Address) ([]model.Option, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgOptionColumns+` FROM options WHERE owner = $1 ORDER BY market, id`, owner.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var opts []model.Option
	for rows.Next() {
		o, err := scanOption(rows)
		if err != nil {
			return nil, err
		}
		opts = append(opts, *o)
	}
	return opts, rows.Err()
}

func (s *PostgresStore) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, type, market, queue_id, option_id, account, amount, reason, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Type), e.Market, nullID(e.QueueID), nullID(e.OptionID),
		e.Account.Hex(), e.Amount.String(), e.Reason, e.At,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, market string, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgEventColumns+` FROM events
		 WHERE $1 = '' OR market = $1
		 ORDER BY seq DESC LIMIT $2`, market, normLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evs []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		evs = append(evs, *e)
	}
	return evs, rows.Err()
}
