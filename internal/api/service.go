// Package api serves the exchange over HTTP: trades, options, pool and
// asset operations, administration, and a WebSocket event stream.
//
// All amounts are decimal strings in base units of the backing asset.
package api

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/access"
	"github.com/atmx/options-engine/internal/codes"
	"github.com/atmx/options-engine/internal/engine"
	"github.com/atmx/options-engine/internal/exchange"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/queue"
	"github.com/atmx/options-engine/internal/store"
)

// Service handles HTTP requests against one exchange.
type Service struct {
	x   *exchange.Exchange
	hub *WSHub // optional WebSocket hub
}

// NewService creates a new API service. hub may be nil.
func NewService(x *exchange.Exchange, hub *WSHub) *Service {
	return &Service{x: x, hub: hub}
}

// Routes mounts the /api/v1 handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{market}/quote", s.Quote)
	r.Get("/markets/{market}/options/{id}", s.GetOption)
	r.Post("/markets/{market}/options/{id}/transfer", s.TransferOption)

	r.Post("/trades", s.SubmitTrade)
	r.Get("/trades/{id}", s.GetTrade)
	r.Post("/trades/{id}/cancel", s.CancelTrade)
	r.Post("/trades/resolve", s.ResolveBatch)
	r.Post("/options/unlock", s.UnlockBatch)
	r.Get("/accounts/{addr}/trades", s.AccountTrades)
	r.Get("/accounts/{addr}/history", s.AccountHistory)

	r.Get("/pool", s.GetPool)
	r.Get("/pool/accounts/{addr}", s.GetPoolAccount)
	r.Post("/pool/deposit", s.Deposit)
	r.Post("/pool/deposit-for", s.DepositFor)
	r.Post("/pool/withdraw", s.Withdraw)
	r.Post("/pool/transfer", s.TransferShares)
	r.Post("/pool/transfer-from", s.TransferSharesFrom)
	r.Post("/pool/approve", s.ApproveShares)

	r.Post("/asset/approve", s.ApproveAsset)
	r.Get("/asset/accounts/{addr}", s.GetAssetAccount)

	r.Post("/admin/roles", s.ChangeRole)
	r.Post("/admin/markets/{market}/pause", s.PauseMarket)
	r.Post("/admin/markets/{market}/open", s.OpenMarket)

	r.Get("/events", s.ListEvents)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// --- Request/Response types ---

// TradeResponse is returned from POST /trades.
type TradeResponse struct {
	QueueID uint64 `json:"queue_id"`
}

// ResolveRequest is the body of POST /trades/resolve.
type ResolveRequest struct {
	Items []queue.ResolveItem `json:"items"`
}

// UnlockRequest is the body of POST /options/unlock.
type UnlockRequest struct {
	Items []queue.UnlockItem `json:"items"`
}

// TransferOptionRequest is the body of an option transfer.
type TransferOptionRequest struct {
	To common.Address `json:"to"`
}

// AmountRequest carries an amount and, for deposits, a minimum mint.
type AmountRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	MinShares decimal.Decimal `json:"min_shares"`
}

// DepositForRequest is the body of POST /pool/deposit-for.
type DepositForRequest struct {
	Beneficiary common.Address  `json:"beneficiary"`
	Amount      decimal.Decimal `json:"amount"`
	MinShares   decimal.Decimal `json:"min_shares"`
}

// TransferRequest moves shares or asset. From is only used by transfer-from.
type TransferRequest struct {
	From   common.Address  `json:"from,omitempty"`
	To     common.Address  `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// ApproveRequest sets an allowance.
type ApproveRequest struct {
	Spender common.Address  `json:"spender"`
	Amount  decimal.Decimal `json:"amount"`
}

// RoleRequest grants or revokes a role.
type RoleRequest struct {
	Role    access.Role    `json:"role"`
	Account common.Address `json:"account"`
	Revoke  bool           `json:"revoke"`
}

// PauseRequest is the body of POST /admin/markets/{market}/pause.
type PauseRequest struct {
	Paused bool `json:"paused"`
}

// OpenRequest is the body of POST /admin/markets/{market}/open.
type OpenRequest struct {
	Open bool `json:"open"`
}

// HistoryResponse lists an account's persisted records.
type HistoryResponse struct {
	Trades  []model.QueuedTrade `json:"trades"`
	Options []model.Option      `json:"options"`
}

// --- Helpers ---

// caller returns the authenticated account or writes 401.
func caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	a, ok := CallerFrom(r.Context())
	if !ok {
		writeError(w, "authentication required", codes.Unauthorized)
	}
	return a, ok
}

func pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, "id must be an unsigned integer", codes.InvalidParameters)
		return 0, false
	}
	return id, true
}

func pathAddr(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "addr")
	if !common.IsHexAddress(raw) {
		writeError(w, "invalid address: "+raw, codes.InvalidParameters)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// --- Markets and options ---

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.x.Markets())
}

// Quote handles GET /api/v1/markets/{market}/quote?fee=&direction=&referral_code=&nft_id=&partial=
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fee, err := decimal.NewFromString(q.Get("fee"))
	if err != nil {
		writeError(w, "fee must be a decimal", codes.InvalidParameters)
		return
	}
	req := engine.QuoteRequest{
		Fee:              fee,
		Direction:        model.Above,
		ReferralCode:     q.Get("referral_code"),
		AllowPartialFill: q.Get("partial") == "true",
	}
	if a, ok := CallerFrom(r.Context()); ok {
		req.Trader = a
	}
	if v := q.Get("direction"); v != "" {
		req.Direction = model.Direction(v)
	}
	if v := q.Get("nft_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, "nft_id must be an unsigned integer", codes.InvalidParameters)
			return
		}
		req.NFTID = &id
	}
	quote, err := s.x.Quote(chi.URLParam(r, "market"), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// GetOption handles GET /api/v1/markets/{market}/options/{id}
func (s *Service) GetOption(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	o, err := s.x.Option(chi.URLParam(r, "market"), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// TransferOption handles POST /api/v1/markets/{market}/options/{id}/transfer
func (s *Service) TransferOption(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req TransferOptionRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.x.TransferOption(r.Context(), from, chi.URLParam(r, "market"), id, req.To); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Trades ---

// SubmitTrade handles POST /api/v1/trades
func (s *Service) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var req queue.SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.x.Submit(r.Context(), user, req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, TradeResponse{QueueID: id})
}

// GetTrade handles GET /api/v1/trades/{id}
func (s *Service) GetTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, found := s.x.Trade(id)
	if !found {
		writeErr(w, r, queue.ErrTradeNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTrade handles POST /api/v1/trades/{id}/cancel
func (s *Service) CancelTrade(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.x.Cancel(r.Context(), user, id); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResolveBatch handles POST /api/v1/trades/resolve
func (s *Service) ResolveBatch(w http.ResponseWriter, r *http.Request) {
	keeper, ok := caller(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.x.ResolveBatch(r.Context(), keeper, req.Items)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// UnlockBatch handles POST /api/v1/options/unlock
func (s *Service) UnlockBatch(w http.ResponseWriter, r *http.Request) {
	keeper, ok := caller(w, r)
	if !ok {
		return
	}
	var req UnlockRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.x.UnlockBatch(r.Context(), keeper, req.Items)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// AccountTrades handles GET /api/v1/accounts/{addr}/trades
func (s *Service) AccountTrades(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(w, r)
	if !ok {
		return
	}
	trades := s.x.TradesOf(addr)
	if trades == nil {
		trades = []model.QueuedTrade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// AccountHistory handles GET /api/v1/accounts/{addr}/history
func (s *Service) AccountHistory(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(w, r)
	if !ok {
		return
	}
	trades, opts, err := s.x.History(r.Context(), addr)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.QueuedTrade{}
	}
	if opts == nil {
		opts = []model.Option{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Trades: trades, Options: opts})
}

// --- Pool ---

// GetPool handles GET /api/v1/pool
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.x.Pool())
}

// GetPoolAccount handles GET /api/v1/pool/accounts/{addr}
func (s *Service) GetPoolAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.x.PoolAccount(addr))
}

// Deposit handles POST /api/v1/pool/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	minted, err := s.x.Deposit(r.Context(), user, req.Amount, req.MinShares)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"shares": minted})
}

// DepositFor handles POST /api/v1/pool/deposit-for
func (s *Service) DepositFor(w http.ResponseWriter, r *http.Request) {
	relay, ok := caller(w, r)
	if !ok {
		return
	}
	var req DepositForRequest
	if !decode(w, r, &req) {
		return
	}
	minted, err := s.x.DepositFor(r.Context(), relay, req.Beneficiary, req.Amount, req.MinShares)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"shares": minted})
}

// Withdraw handles POST /api/v1/pool/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	paid, err := s.x.Withdraw(r.Context(), user, req.Amount)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount": paid})
}

// TransferShares handles POST /api/v1/pool/transfer
func (s *Service) TransferShares(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.x.TransferShares(r.Context(), user, req.To, req.Amount); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TransferSharesFrom handles POST /api/v1/pool/transfer-from
func (s *Service) TransferSharesFrom(w http.ResponseWriter, r *http.Request) {
	spender, ok := caller(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.x.TransferSharesFrom(r.Context(), spender, req.From, req.To, req.Amount); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApproveShares handles POST /api/v1/pool/approve
func (s *Service) ApproveShares(w http.ResponseWriter, r *http.Request) {
	owner, ok := caller(w, r)
	if !ok {
		return
	}
	var req ApproveRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.x.ApproveShares(r.Context(), owner, req.Spender, req.Amount); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Asset ---

// ApproveAsset handles POST /api/v1/asset/approve
func (s *Service) ApproveAsset(w http.ResponseWriter, r *http.Request) {
	owner, ok := caller(w, r)
	if !ok {
		return
	}
	var req ApproveRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.x.ApproveAsset(r.Context(), owner, req.Spender, req.Amount); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAssetAccount handles GET /api/v1/asset/accounts/{addr}
func (s *Service) GetAssetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.x.AssetAccount(addr))
}

// --- Administration ---

// ChangeRole handles POST /api/v1/admin/roles
func (s *Service) ChangeRole(w http.ResponseWriter, r *http.Request) {
	admin, ok := caller(w, r)
	if !ok {
		return
	}
	var req RoleRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Role.Valid() {
		writeError(w, "unknown role: "+string(req.Role), codes.InvalidParameters)
		return
	}
	var err error
	if req.Revoke {
		err = s.x.Revoke(r.Context(), admin, req.Role, req.Account)
	} else {
		err = s.x.Grant(r.Context(), admin, req.Role, req.Account)
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PauseMarket handles POST /api/v1/admin/markets/{market}/pause
func (s *Service) PauseMarket(w http.ResponseWriter, r *http.Request) {
	admin, ok := caller(w, r)
	if !ok {
		return
	}
	var req PauseRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.x.SetPaused(r.Context(), admin, chi.URLParam(r, "market"), req.Paused); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OpenMarket handles POST /api/v1/admin/markets/{market}/open
func (s *Service) OpenMarket(w http.ResponseWriter, r *http.Request) {
	admin, ok := caller(w, r)
	if !ok {
		return
	}
	var req OpenRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.x.SetMarketOpen(r.Context(), admin, chi.URLParam(r, "market"), req.Open); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Events ---

// ListEvents handles GET /api/v1/events?market=&limit=
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", codes.InvalidParameters)
			return
		}
		limit = min(n, store.MaxEventLimit)
	}
	evs, err := s.x.Events(r.Context(), r.URL.Query().Get("market"), limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if evs == nil {
		evs = []model.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}
