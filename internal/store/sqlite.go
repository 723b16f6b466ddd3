package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"github.com/atmx/options-engine/internal/model"
)

// Amounts are TEXT so decimals round-trip exactly.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queued_trades (
	queue_id           INTEGER PRIMARY KEY,
	submitter          TEXT NOT NULL,
	fee                TEXT NOT NULL,
	period             INTEGER NOT NULL,
	direction          TEXT NOT NULL,
	market             TEXT NOT NULL,
	expected_strike    TEXT NOT NULL,
	slippage_bps       INTEGER NOT NULL,
	allow_partial_fill INTEGER NOT NULL,
	referral_code      TEXT NOT NULL DEFAULT '',
	nft_id             INTEGER,
	queued_at          DATETIME NOT NULL,
	anchor_timestamp   INTEGER NOT NULL,
	status             TEXT NOT NULL,
	cancel_reason      TEXT NOT NULL DEFAULT '',
	option_id          INTEGER,
	revised_fee        TEXT NOT NULL DEFAULT '0'
);
CREATE INDEX IF NOT EXISTS idx_queued_trades_submitter ON queued_trades(submitter);

CREATE TABLE IF NOT EXISTS options (
	market          TEXT NOT NULL,
	id              INTEGER NOT NULL,
	state           TEXT NOT NULL,
	strike          TEXT NOT NULL,
	amount          TEXT NOT NULL,
	locked_amount   TEXT NOT NULL,
	premium         TEXT NOT NULL,
	settlement_fee  TEXT NOT NULL,
	total_fee       TEXT NOT NULL,
	referral_rebate TEXT NOT NULL,
	direction       TEXT NOT NULL,
	created_at      DATETIME NOT NULL,
	expires_at      DATETIME NOT NULL,
	owner           TEXT NOT NULL,
	payout          TEXT NOT NULL DEFAULT '0',
	expiry_price    TEXT NOT NULL DEFAULT '0',
	PRIMARY KEY (market, id)
);
CREATE INDEX IF NOT EXISTS idx_options_owner ON options(owner);

CREATE TABLE IF NOT EXISTS events (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	type      TEXT NOT NULL,
	market    TEXT NOT NULL DEFAULT '',
	queue_id  INTEGER,
	option_id INTEGER,
	account   TEXT NOT NULL,
	amount    TEXT NOT NULL DEFAULT '0',
	reason    TEXT NOT NULL DEFAULT '',
	at        DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_market ON events(market, seq);
`

const (
	sqliteTradeColumns = `queue_id, submitter, fee, period, direction, market,
		expected_strike, slippage_bps, allow_partial_fill, referral_code, nft_id,
		queued_at, anchor_timestamp, status, cancel_reason, option_id, revised_fee`
	sqliteOptionColumns = `id, market, state, strike, amount, locked_amount,
		premium, settlement_fee, total_fee, referral_rebate, direction,
		created_at, expires_at, owner, payout, expiry_price`
	sqliteEventColumns = `id, type, market, queue_id, option_id, account, amount, reason, at`
)

// SQLiteStore implements Store on a single-file SQLite database for
// single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteStore: open %q: %w", path, err)
	}
	// A single connection serialises writers and keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveTrade(ctx context.Context, t *model.QueuedTrade) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queued_trades (`+sqliteTradeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (queue_id) DO UPDATE
		 SET status = excluded.status, cancel_reason = excluded.cancel_reason,
		     option_id = excluded.option_id, revised_fee = excluded.revised_fee`,
		int64(t.QueueID), t.Submitter.Hex(), t.Fee.String(), int64(t.Period), string(t.Direction), t.Market,
		t.ExpectedStrike.String(), int64(t.SlippageBps), t.AllowPartialFill, t.ReferralCode, nullID(t.NFTID),
		t.QueuedAt.UTC(), int64(t.AnchorTimestamp), string(t.Status), t.CancelReason, nullID(t.OptionID), t.RevisedFee.String(),
	)
	if err != nil {
		return fmt.Errorf("save trade %d: %w", t.QueueID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTrade(ctx context.Context, id uint64) (*model.QueuedTrade, error) {
	t, err := scanTrade(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTradeColumns+` FROM queued_trades WHERE queue_id = ?`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %d: %w", id, err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTradesByUser(ctx context.Context, user common.Address) ([]model.QueuedTrade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTradeColumns+` FROM queued_trades WHERE submitter = ? ORDER BY queue_id`, user.Hex())
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

func (s *SQLiteStore) SaveOption(ctx context.Context, o *model.Option) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO options (`+sqliteOptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (market, id) DO UPDATE
		 SET state = excluded.state, locked_amount = excluded.locked_amount,
		     owner = excluded.owner, payout = excluded.payout, expiry_price = excluded.expiry_price`,
		int64(o.ID), o.Market, string(o.State), o.Strike.String(), o.Amount.String(), o.LockedAmount.String(),
		o.Premium.String(), o.SettlementFee.String(), o.TotalFee.String(), o.ReferralRebate.String(),
		string(o.Direction), o.CreatedAt.UTC(), o.ExpiresAt.UTC(), o.Owner.Hex(), o.Payout.String(), o.ExpiryPrice.String(),
	)
	if err != nil {
		return fmt.Errorf("save option %s/%d: %w", o.Market, o.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetOption(ctx context.Context, market string, id uint64) (*model.Option, error) {
	o, err := scanOption(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteOptionColumns+` FROM options WHERE market = ? AND id = ?`, market, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get option %s/%d: %w", market, id, err)
	}
	return o, nil
}

func (s *SQLiteStore) ListOptionsByOwner(ctx context.Context, owner common.Address) ([]model.Option, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteOptionColumns+` FROM options WHERE owner = ? ORDER BY market, id`, owner.Hex())
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

func (s *SQLiteStore) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (`+sqliteEventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Type), e.Market, nullID(e.QueueID), nullID(e.OptionID),
		e.Account.Hex(), e.Amount.String(), e.Reason, e.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, market string, limit int) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM events
		 WHERE ?1 = '' OR market = ?1
		 ORDER BY seq DESC LIMIT ?2`, market, normLimit(limit))
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
