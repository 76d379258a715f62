package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Event kinds. The kind string and the field set of each event are part of the
// external contract: indexers fold the stream by kind and never read engine
// state directly.
const (
	KindTransfer = "Transfer"
	KindApproval = "Approval"
	KindDeposit  = "Deposit"
	KindWithdraw = "Withdraw"
	KindOrder    = "Order"
	KindCancel   = "Cancel"
	KindTrade    = "Trade"
)

// Event is one immutable state-change notification emitted by the token
// ledger or the custody engine.
type Event interface {
	Kind() string
}

// Transfer is emitted by the token ledger on every balance movement,
// including the mint at construction (from = zero address).
type Transfer struct {
	Token common.Address `json:"token"`
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
}

func (Transfer) Kind() string { return KindTransfer }

// Approval is emitted when an owner sets a spender allowance.
type Approval struct {
	Token   common.Address `json:"token"`
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Value   *big.Int       `json:"value"`
}

func (Approval) Kind() string { return KindApproval }

// Deposit is emitted when tokens enter exchange custody.
// Balance is the depositor's custody balance after the operation.
type Deposit struct {
	Token   common.Address `json:"token"`
	User    common.Address `json:"user"`
	Amount  *big.Int       `json:"amount"`
	Balance *big.Int       `json:"balance"`
}

func (Deposit) Kind() string { return KindDeposit }

// Withdraw is emitted when tokens leave exchange custody.
type Withdraw struct {
	Token   common.Address `json:"token"`
	User    common.Address `json:"user"`
	Amount  *big.Int       `json:"amount"`
	Balance *big.Int       `json:"balance"`
}

func (Withdraw) Kind() string { return KindWithdraw }

// Order is emitted when a maker posts a new order.
type Order struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *big.Int       `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"`
}

func (Order) Kind() string { return KindOrder }

// Cancel is emitted when the maker cancels an open order.
type Cancel struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *big.Int       `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"`
}

func (Cancel) Kind() string { return KindCancel }

// Trade is emitted when a taker fills an order. User is the taker, UserFill
// the maker. Fee is charged on the tokenGive leg and credited to FeeAccount.
type Trade struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *big.Int       `json:"amountGive"`
	UserFill   common.Address `json:"userFill"`
	Fee        *big.Int       `json:"fee"`
	FeeAccount common.Address `json:"feeAccount"`
	Timestamp  int64          `json:"timestamp"`
}

func (Trade) Kind() string { return KindTrade }

// Record is a committed event: the payload plus its position in the total
// order. Seq starts at 1 and increases by exactly 1 per commit.
type Record struct {
	Seq   uint64 `json:"seq"`
	Type  string `json:"type"`
	Event Event  `json:"event"`
}
