package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/sahdex/sahdex/pkg/crypto"
	"github.com/sahdex/sahdex/pkg/events"
	"github.com/sahdex/sahdex/pkg/exchange"
	"github.com/sahdex/sahdex/pkg/indexer"
	"github.com/sahdex/sahdex/pkg/token"
)

// Server exposes the REST query surface and the WebSocket event stream.
// Maker operations (order create/cancel) require EIP-712 signatures; the
// engine itself never sees a signature — authentication stops here.
type Server struct {
	exchange *exchange.Exchange
	registry *token.Registry
	idx      *indexer.Indexer
	elog     *events.Log
	verifier *crypto.EIP712Signer
	hub      *Hub
	router   *mux.Router
	logger   *zap.Logger

	nonceMu    sync.Mutex
	nonceDB    *pebble.DB          // nil keeps nonces in memory only
	usedNonces map[string]struct{} // owner|nonce cache over nonceDB
}

// Consumed nonces persist under this prefix so a restart cannot re-admit a
// previously accepted signed order or cancel.
const noncePrefix = "non:"

func NewServer(x *exchange.Exchange, registry *token.Registry, idx *indexer.Indexer, elog *events.Log, db *pebble.DB, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		exchange:   x,
		registry:   registry,
		idx:        idx,
		elog:       elog,
		verifier:   crypto.NewEIP712Signer(crypto.DefaultDomain()),
		hub:        NewHub(logger),
		router:     mux.NewRouter(),
		logger:     logger,
		nonceDB:    db,
		usedNonces: make(map[string]struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/tokens", s.handleGetTokens).Methods("GET")
	api.HandleFunc("/tokens/{address}", s.handleGetToken).Methods("GET")
	api.HandleFunc("/balances/{user}", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/balances/{user}/{token}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")

	api.HandleFunc("/approvals", s.handleApprove).Methods("POST")
	api.HandleFunc("/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/fill", s.handleFillOrder).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the hub, bridges the event log onto WebSocket channels, and
// serves HTTP. Blocks until the listener fails.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	go s.streamEvents()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.logger.Info("api server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// streamEvents forwards every committed record to WebSocket subscribers in
// commit order: always on "events", plus "orders" for order lifecycle and
// "trades" for fills.
func (s *Server) streamEvents() {
	sub := s.elog.Subscribe()
	defer sub.Close()

	for rec := range sub.C() {
		msg := WSEvent{Channel: "events", Seq: rec.Seq, Type: rec.Type, Event: rec.Event}
		s.hub.BroadcastToChannel("events", msg)

		switch rec.Type {
		case events.KindOrder, events.KindCancel:
			msg.Channel = "orders"
			s.hub.BroadcastToChannel("orders", msg)
		case events.KindTrade:
			msg.Channel = "trades"
			s.hub.BroadcastToChannel("trades", msg)
		}
	}
}

// ==============================
// Read handlers
// ==============================

func (s *Server) handleGetTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.registry.List()
	out := make([]TokenInfo, len(tokens))
	for i, t := range tokens {
		out[i] = tokenInfo(t)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddr(mux.Vars(r)["address"])
	if !ok {
		respondError(w, http.StatusBadRequest, "InvalidAddress", "not a hex address")
		return
	}
	t, found := s.registry.Get(addr)
	if !found {
		respondError(w, http.StatusNotFound, "UnknownToken", "no such token")
		return
	}
	respondJSON(w, tokenInfo(t))
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	user, ok := parseAddr(mux.Vars(r)["user"])
	if !ok {
		respondError(w, http.StatusBadRequest, "InvalidAddress", "not a hex address")
		return
	}

	var out []BalanceInfo
	for _, t := range s.registry.List() {
		out = append(out, BalanceInfo{
			Token:   t.Address().Hex(),
			Symbol:  t.Symbol(),
			User:    user.Hex(),
			Balance: s.exchange.BalanceOf(t.Address(), user).String(),
		})
	}
	respondJSON(w, out)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	user, ok1 := parseAddr(vars["user"])
	tokenAddr, ok2 := parseAddr(vars["token"])
	if !ok1 || !ok2 {
		respondError(w, http.StatusBadRequest, "InvalidAddress", "not a hex address")
		return
	}

	info := BalanceInfo{
		Token:   tokenAddr.Hex(),
		User:    user.Hex(),
		Balance: s.exchange.BalanceOf(tokenAddr, user).String(),
	}
	if t, found := s.registry.Get(tokenAddr); found {
		info.Symbol = t.Symbol()
	}
	respondJSON(w, info)
}

// handleGetOrders serves order listings from the indexer's folded views, not
// engine state: what this endpoint returns is exactly what any stream
// consumer can reconstruct.
func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	out := []OrderInfo{}
	for _, o := range s.idx.OrdersByStatus(status) {
		out = append(out, orderInfoFromEvent(o, s.idx.OrderStatus(o.ID)))
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "InvalidOrderID", err.Error())
		return
	}
	o, found := s.exchange.Order(id)
	if !found {
		respondError(w, http.StatusNotFound, "OrderNotFound", "no such order")
		return
	}
	respondJSON(w, orderInfo(o))
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	trades := s.idx.Trades()
	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = TradeInfo{
			OrderID:    t.ID,
			Taker:      t.User.Hex(),
			Maker:      t.UserFill.Hex(),
			TokenGet:   t.TokenGet.Hex(),
			AmountGet:  t.AmountGet.String(),
			TokenGive:  t.TokenGive.Hex(),
			AmountGive: t.AmountGive.String(),
			Fee:        t.Fee.String(),
			FeeAccount: t.FeeAccount.Hex(),
			Timestamp:  t.Timestamp,
		}
	}
	respondJSON(w, out)
}

// handleGetEvents serves historical replay: every committed record with
// seq >= from, in commit order. This is the late subscriber's entry point.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	var from uint64
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "InvalidSeq", err.Error())
			return
		}
		from = n
	}

	records, err := s.elog.Replay(from)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ReplayFailed", err.Error())
		return
	}
	if records == nil {
		records = []events.Record{}
	}
	respondJSON(w, records)
}

// ==============================
// Write handlers
// ==============================

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	tokenAddr, ok1 := parseAddr(req.Token)
	owner, ok2 := parseAddr(req.Owner)
	amount, ok3 := parseAmount(req.Amount)
	if !ok1 || !ok2 || !ok3 {
		respondError(w, http.StatusBadRequest, "InvalidRequest", "bad token, owner, or amount")
		return
	}

	t, found := s.registry.Get(tokenAddr)
	if !found {
		respondError(w, http.StatusNotFound, "UnknownToken", "no such token")
		return
	}

	if err := t.Approve(owner, s.exchange.Address(), amount); err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, StatusResponse{Status: "approved"})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	tokenAddr, ok1 := parseAddr(req.Token)
	user, ok2 := parseAddr(req.User)
	amount, ok3 := parseAmount(req.Amount)
	if !ok1 || !ok2 || !ok3 {
		respondError(w, http.StatusBadRequest, "InvalidRequest", "bad token, user, or amount")
		return
	}

	if err := s.exchange.DepositToken(user, tokenAddr, amount); err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, StatusResponse{Status: "deposited"})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	tokenAddr, ok1 := parseAddr(req.Token)
	user, ok2 := parseAddr(req.User)
	amount, ok3 := parseAmount(req.Amount)
	if !ok1 || !ok2 || !ok3 {
		respondError(w, http.StatusBadRequest, "InvalidRequest", "bad token, user, or amount")
		return
	}

	if err := s.exchange.WithdrawToken(user, tokenAddr, amount); err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, StatusResponse{Status: "withdrawn"})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	tokenGet, ok1 := parseAddr(req.TokenGet)
	tokenGive, ok2 := parseAddr(req.TokenGive)
	owner, ok3 := parseAddr(req.Owner)
	amountGet, ok4 := parseAmount(req.AmountGet)
	amountGive, ok5 := parseAmount(req.AmountGive)
	nonce, ok6 := parseAmount(req.Nonce)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		respondError(w, http.StatusBadRequest, "InvalidRequest", "bad field in order")
		return
	}

	sig, err := parseSignature(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "InvalidSignature", err.Error())
		return
	}

	typed := &crypto.OrderEIP712{
		TokenGet:   tokenGet,
		AmountGet:  amountGet,
		TokenGive:  tokenGive,
		AmountGive: amountGive,
		Nonce:      nonce,
		Owner:      owner,
	}
	signer, err := s.verifier.RecoverOrderSigner(typed, sig)
	if err != nil || signer != owner {
		respondError(w, http.StatusUnauthorized, "InvalidSignature", "signature does not match owner")
		return
	}

	if !s.consumeNonce(owner, nonce) {
		respondError(w, http.StatusConflict, "NonceUsed", "nonce already consumed")
		return
	}

	o, err := s.exchange.MakeOrder(owner, tokenGet, amountGet, tokenGive, amountGive)
	if err != nil {
		s.respondOpError(w, err)
		return
	}

	respondJSON(w, SubmitOrderResponse{Status: "submitted", Order: orderInfo(o)})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	owner, ok1 := parseAddr(req.Owner)
	nonce, ok2 := parseAmount(req.Nonce)
	if !ok1 || !ok2 {
		respondError(w, http.StatusBadRequest, "InvalidRequest", "bad owner or nonce")
		return
	}

	sig, err := parseSignature(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "InvalidSignature", err.Error())
		return
	}

	typed := &crypto.CancelEIP712{
		OrderID: new(big.Int).SetUint64(req.OrderID),
		Nonce:   nonce,
		Owner:   owner,
	}
	signer, err := s.verifier.RecoverCancelSigner(typed, sig)
	if err != nil || signer != owner {
		respondError(w, http.StatusUnauthorized, "InvalidSignature", "signature does not match owner")
		return
	}

	if !s.consumeNonce(owner, nonce) {
		respondError(w, http.StatusConflict, "NonceUsed", "nonce already consumed")
		return
	}

	if err := s.exchange.CancelOrder(owner, req.OrderID); err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, StatusResponse{Status: "cancelled"})
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	var req FillOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	taker, ok := parseAddr(req.Taker)
	if !ok {
		respondError(w, http.StatusBadRequest, "InvalidRequest", "bad taker address")
		return
	}

	if err := s.exchange.FillOrder(taker, req.OrderID); err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, StatusResponse{Status: "filled"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// consumeNonce marks (owner, nonce) used; false when already consumed,
// including nonces consumed before a restart.
func (s *Server) consumeNonce(owner common.Address, nonce *big.Int) bool {
	key := owner.Hex() + "|" + nonce.String()
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()

	if _, used := s.usedNonces[key]; used {
		return false
	}
	if s.nonceDB != nil {
		dbKey := []byte(noncePrefix + key)
		if _, closer, err := s.nonceDB.Get(dbKey); err == nil {
			closer.Close()
			s.usedNonces[key] = struct{}{}
			return false
		}
		if err := s.nonceDB.Set(dbKey, []byte{1}, pebble.Sync); err != nil {
			s.logger.Error("persist nonce", zap.Error(err))
			return false
		}
	}
	s.usedNonces[key] = struct{}{}
	return true
}

// ==============================
// Helpers
// ==============================

// respondOpError maps an engine rejection kind to a stable HTTP status and
// machine-readable error string so the dashboard can render an accurate
// message.
func (s *Server) respondOpError(w http.ResponseWriter, err error) {
	kind, status := classify(err)
	respondError(w, status, kind, err.Error())
}

func classify(err error) (string, int) {
	switch {
	case errors.Is(err, exchange.ErrOrderNotFound):
		return "OrderNotFound", http.StatusNotFound
	case errors.Is(err, exchange.ErrOrderNotOpen):
		return "OrderNotOpen", http.StatusConflict
	case errors.Is(err, exchange.ErrNotOrderOwner):
		return "NotOrderOwner", http.StatusForbidden
	case errors.Is(err, exchange.ErrSelfTrade):
		return "SelfTrade", http.StatusForbidden
	case errors.Is(err, exchange.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientBalance):
		return "InsufficientBalance", http.StatusUnprocessableEntity
	case errors.Is(err, token.ErrInsufficientAllowance):
		return "InsufficientAllowance", http.StatusUnprocessableEntity
	case errors.Is(err, token.ErrInvalidRecipient):
		return "InvalidRecipient", http.StatusBadRequest
	case errors.Is(err, token.ErrInvalidAmount):
		return "InvalidAmount", http.StatusBadRequest
	case errors.Is(err, exchange.ErrUnknownToken):
		return "UnknownToken", http.StatusBadRequest
	default:
		return "Internal", http.StatusInternalServerError
	}
}

func tokenInfo(t *token.Token) TokenInfo {
	return TokenInfo{
		Address:     t.Address().Hex(),
		Name:        t.Name(),
		Symbol:      t.Symbol(),
		Decimals:    token.Decimals,
		TotalSupply: t.TotalSupply().String(),
	}
}

func orderInfoFromEvent(o events.Order, status string) OrderInfo {
	return OrderInfo{
		ID:         o.ID,
		Maker:      o.User.Hex(),
		TokenGet:   o.TokenGet.Hex(),
		AmountGet:  o.AmountGet.String(),
		TokenGive:  o.TokenGive.Hex(),
		AmountGive: o.AmountGive.String(),
		CreatedAt:  o.Timestamp,
		Status:     status,
	}
}

func orderInfo(o exchange.Order) OrderInfo {
	return OrderInfo{
		ID:         o.ID,
		Maker:      o.Maker.Hex(),
		TokenGet:   o.TokenGet.Hex(),
		AmountGet:  o.AmountGet.String(),
		TokenGive:  o.TokenGive.Hex(),
		AmountGive: o.AmountGive.String(),
		CreatedAt:  o.CreatedAt,
		Status:     o.Status.String(),
	}
}

func parseAddr(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func parseAmount(s string) (*big.Int, bool) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

func parseSignature(s string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, err
	}
	if len(sig) != 65 {
		return nil, errors.New("signature must be 65 bytes")
	}
	return sig, nil
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: kind, Message: message})
}
