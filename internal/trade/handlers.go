package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/jackhts4/gmgn-clone/internal/instrument"
	"github.com/jackhts4/gmgn-clone/internal/model"
	"github.com/jackhts4/gmgn-clone/internal/oracle"
	"github.com/jackhts4/gmgn-clone/internal/orderbook"
	"github.com/jackhts4/gmgn-clone/internal/store"
)

// Routes mounts the API under r. main mounts it at /api/v1.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		// WebSocket endpoint for real-time ledger events.
		r.Get("/ws", s.wsHub.HandleWS)
	}

	// Pools and the instrument registry.
	r.Get("/pools", s.HandleListPools)
	r.Post("/pools", s.HandleCreatePool)
	r.Get("/pools/{instrumentID}", s.HandleGetPool)
	r.Get("/pools/{instrumentID}/quote", s.HandleQuote)
	r.Get("/pools/{instrumentID}/orderbook", s.HandleOrderBook)
	r.Get("/pools/{instrumentID}/transactions", s.HandlePoolTransactions)
	r.Get("/pools/{instrumentID}/stats", s.HandleMarketStats)

	// Accounts.
	r.Post("/accounts", s.HandleCreateAccount)
	r.Get("/accounts/{accountID}", s.HandleGetAccount)
	r.Get("/accounts/{accountID}/transactions", s.HandleAccountTransactions)
	r.Get("/accounts/{accountID}/orders", s.HandleAccountOrders)
	r.Get("/accounts/{accountID}/copy-positions", s.HandleCopyPositions)
	r.Get("/accounts/{accountID}/followers", s.HandleFollowers)
	r.Get("/accounts/{accountID}/following", s.HandleFollowing)

	// Trade execution.
	r.Post("/trade", s.HandleTrade)

	// Copy trading.
	r.Post("/follows", s.HandleFollow)
	r.Delete("/follows/{followerID}/{leaderID}", s.HandleUnfollow)

	// Limit orders.
	r.Post("/orders", s.HandleCreateOrder)
	r.Delete("/orders/{orderID}", s.HandleCancelOrder)
	r.Post("/orders/check", s.HandleCheckTriggers)

	r.Get("/leaderboard", s.HandleLeaderboard)

	// USD rate and fee.
	r.Get("/rates", s.HandleGetRates)
	r.Put("/rates", s.HandleSetRate)
}

// --- Pools ---

// PoolView is a pool with its registry entry and spot price.
type PoolView struct {
	model.Pool
	Symbol string          `json:"symbol"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
}

// HandleListPools handles GET /pools
func (s *Service) HandleListPools(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pools, err := s.store.ListPools(ctx)
	if err != nil {
		writeError(w, "failed to list pools", http.StatusInternalServerError)
		return
	}
	views := make([]PoolView, 0, len(pools))
	for _, p := range pools {
		v := PoolView{Pool: p, Price: p.Price()}
		if inst, err := s.store.GetInstrument(ctx, p.InstrumentID); err == nil {
			v.Symbol, v.Name = inst.Symbol, inst.Name
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// HandleCreatePool handles POST /pools
func (s *Service) HandleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req instrument.Listing
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	inst, pool, err := s.ListInstrument(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, PoolView{Pool: *pool, Symbol: inst.Symbol, Name: inst.Name, Price: pool.Price()})
}

// HandleGetPool handles GET /pools/{instrumentID}
func (s *Service) HandleGetPool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "instrumentID")
	inst, err := s.store.GetInstrument(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	pool, err := s.store.GetPool(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PoolView{Pool: *pool, Symbol: inst.Symbol, Name: inst.Name, Price: pool.Price()})
}

// HandleQuote handles GET /pools/{instrumentID}/quote?side=buy&amount=10
func (s *Service) HandleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeError(w, "amount must be a decimal number", http.StatusBadRequest)
		return
	}
	side := model.Side(q.Get("side"))
	if !side.Valid() {
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}
	quote, err := s.Quote(r.Context(), chi.URLParam(r, "instrumentID"), side, amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// HandleOrderBook handles GET /pools/{instrumentID}/orderbook
func (s *Service) HandleOrderBook(w http.ResponseWriter, r *http.Request) {
	depth, err := s.OrderBook(r.Context(), chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, depth)
}

// HandlePoolTransactions handles GET /pools/{instrumentID}/transactions?tag=&limit=
func (s *Service) HandlePoolTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instrumentID")
	if _, err := s.store.GetPool(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	f, ok := transactionFilter(w, r)
	if !ok {
		return
	}
	f.InstrumentID = id
	s.writeTransactions(w, r, f)
}

// HandleMarketStats handles GET /pools/{instrumentID}/stats
func (s *Service) HandleMarketStats(w http.ResponseWriter, r *http.Request) {
	m, err := s.MarketStats(r.Context(), chi.URLParam(r, "instrumentID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- Accounts ---

// HandleCreateAccount handles POST /accounts
func (s *Service) HandleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	acc, err := s.OpenAccount(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

// HandleGetAccount handles GET /accounts/{accountID}
// Returns the marked-to-market portfolio.
func (s *Service) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	p, err := s.Portfolio(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleAccountTransactions handles GET /accounts/{accountID}/transactions?tag=&limit=
func (s *Service) HandleAccountTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	if _, err := s.store.GetAccount(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	f, ok := transactionFilter(w, r)
	if !ok {
		return
	}
	f.AccountID = id
	s.writeTransactions(w, r, f)
}

// HandleAccountOrders handles GET /accounts/{accountID}/orders?status=open
func (s *Service) HandleAccountOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.Orders(r.Context(), chi.URLParam(r, "accountID"), model.OrderStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeErr(w, err)
		return
	}
	if orders == nil {
		orders = []model.LimitOrder{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// HandleCopyPositions handles GET /accounts/{accountID}/copy-positions?status=active
func (s *Service) HandleCopyPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.CopyPositions(r.Context(), chi.URLParam(r, "accountID"), model.PositionStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeErr(w, err)
		return
	}
	if positions == nil {
		positions = []model.CopyPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// HandleFollowers handles GET /accounts/{accountID}/followers
func (s *Service) HandleFollowers(w http.ResponseWriter, r *http.Request) {
	follows, err := s.Followers(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if follows == nil {
		follows = []model.Follow{}
	}
	writeJSON(w, http.StatusOK, follows)
}

// HandleFollowing handles GET /accounts/{accountID}/following
func (s *Service) HandleFollowing(w http.ResponseWriter, r *http.Request) {
	follows, err := s.Following(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if follows == nil {
		follows = []model.Follow{}
	}
	writeJSON(w, http.StatusOK, follows)
}

// --- Trading ---

// HandleTrade handles POST /trade
// Executes against the AMM, then replicates and checks limit orders.
func (s *Service) HandleTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.ExecuteTrade(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleFollow handles POST /follows
func (s *Service) HandleFollow(w http.ResponseWriter, r *http.Request) {
	var req FollowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	f, err := s.Follow(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// HandleUnfollow handles DELETE /follows/{followerID}/{leaderID}
func (s *Service) HandleUnfollow(w http.ResponseWriter, r *http.Request) {
	if err := s.Unfollow(r.Context(), chi.URLParam(r, "followerID"), chi.URLParam(r, "leaderID")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCreateOrder handles POST /orders
func (s *Service) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orderbook.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	o, err := s.CreateOrder(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// HandleCancelOrder handles DELETE /orders/{orderID}?account_id=
func (s *Service) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}
	o, err := s.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), accountID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// HandleCheckTriggers handles POST /orders/check
func (s *Service) HandleCheckTriggers(w http.ResponseWriter, r *http.Request) {
	report := s.CheckTriggers(r.Context())
	if report == nil {
		writeError(w, "trigger check failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// HandleLeaderboard handles GET /leaderboard
func (s *Service) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Leaderboard(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Rates ---

// HandleGetRates handles GET /rates
func (s *Service) HandleGetRates(w http.ResponseWriter, r *http.Request) {
	rates, err := s.Rates(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rates)
}

// HandleSetRate handles PUT /rates
func (s *Service) HandleSetRate(w http.ResponseWriter, r *http.Request) {
	var req RateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rates, err := s.SetQuoteToUSD(r.Context(), req.QuoteToUSD)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rates)
}

// --- Helpers ---

// transactionFilter parses ?tag= and ?limit=. It writes the error response
// itself and reports false on bad input.
func transactionFilter(w http.ResponseWriter, r *http.Request) (store.TransactionFilter, bool) {
	var f store.TransactionFilter
	q := r.URL.Query()
	if tag := q.Get("tag"); tag != "" {
		switch model.Tag(tag) {
		case model.TagOrganic, model.TagCopy, model.TagLimitOrder:
			f.Tag = model.Tag(tag)
		default:
			writeError(w, "tag must be organic, copy or limit_order", http.StatusBadRequest)
			return f, false
		}
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return f, false
		}
		f.Limit = n
	}
	return f, true
}

func (s *Service) writeTransactions(w http.ResponseWriter, r *http.Request, f store.TransactionFilter) {
	txs, err := s.store.QueryTransactions(r.Context(), f)
	if err != nil {
		writeError(w, "failed to query transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrAccountNotFound),
		errors.Is(err, model.ErrPoolNotFound),
		errors.Is(err, model.ErrInstrumentNotFound),
		errors.Is(err, model.ErrOrderNotFound),
		errors.Is(err, model.ErrNotFollowing):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotOrderOwner):
		return http.StatusForbidden
	case errors.Is(err, oracle.ErrReadOnly):
		return http.StatusNotImplemented
	case errors.Is(err, model.ErrOrderNotOpen),
		errors.Is(err, model.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientHoldings),
		errors.Is(err, model.ErrSelfFollowNotAllowed),
		errors.Is(err, instrument.ErrInvalidID),
		errors.Is(err, instrument.ErrInvalidSymbol):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with its mapped status. Internal errors are not
// echoed to the client.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
