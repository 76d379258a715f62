package api

// REST and WebSocket payloads. Amounts travel as decimal strings: they are
// 18-decimal fixed-point integers and do not fit in JSON numbers safely.

// TokenInfo describes one token ledger.
type TokenInfo struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    int    `json:"decimals"`
	TotalSupply string `json:"totalSupply"`
}

// BalanceInfo is one (token, user) custody balance.
type BalanceInfo struct {
	Token   string `json:"token"`
	Symbol  string `json:"symbol,omitempty"`
	User    string `json:"user"`
	Balance string `json:"balance"`
}

// OrderInfo is an order row from the append-only order table.
type OrderInfo struct {
	ID         uint64 `json:"id"`
	Maker      string `json:"maker"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	CreatedAt  int64  `json:"createdAt"`
	Status     string `json:"status"`
}

// TradeInfo is one fill from the folded trade history.
type TradeInfo struct {
	OrderID    uint64 `json:"orderId"`
	Taker      string `json:"taker"`
	Maker      string `json:"maker"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	Fee        string `json:"fee"`
	FeeAccount string `json:"feeAccount"`
	Timestamp  int64  `json:"timestamp"`
}

// SubmitOrderRequest posts a signed maker order. The maker is recovered from
// the EIP-712 signature; owner must match.
type SubmitOrderRequest struct {
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	Nonce      string `json:"nonce"`
	Owner      string `json:"owner"`
	Signature  string `json:"signature"` // hex, 65 bytes
}

// CancelOrderRequest cancels a signed maker order.
type CancelOrderRequest struct {
	OrderID   uint64 `json:"orderId"`
	Nonce     string `json:"nonce"`
	Owner     string `json:"owner"`
	Signature string `json:"signature"`
}

// FillOrderRequest fills an open order as taker.
type FillOrderRequest struct {
	OrderID uint64 `json:"orderId"`
	Taker   string `json:"taker"`
}

// ApproveRequest grants the engine a ledger allowance ahead of a deposit.
type ApproveRequest struct {
	Token  string `json:"token"`
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

// DepositRequest moves approved tokens into custody.
type DepositRequest struct {
	Token  string `json:"token"`
	User   string `json:"user"`
	Amount string `json:"amount"`
}

// WithdrawRequest releases custody back to the user's wallet.
type WithdrawRequest struct {
	Token  string `json:"token"`
	User   string `json:"user"`
	Amount string `json:"amount"`
}

// SubmitOrderResponse acknowledges a posted order.
type SubmitOrderResponse struct {
	Status string    `json:"status"`
	Order  OrderInfo `json:"order"`
}

// StatusResponse is a generic acknowledgement.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse carries the machine-readable rejection kind plus detail.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WSSubscribeRequest is sent by clients to manage channel subscriptions.
// Channels: "events", "orders", "trades".
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSEvent wraps a committed event record for the wire.
type WSEvent struct {
	Channel string      `json:"channel"`
	Seq     uint64      `json:"seq"`
	Type    string      `json:"type"`
	Event   interface{} `json:"event"`
}
