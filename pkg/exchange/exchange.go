package exchange

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/sahdex/sahdex/pkg/events"
	"github.com/sahdex/sahdex/pkg/token"
	"github.com/sahdex/sahdex/pkg/util"
)

// Rejection kinds. Every failed operation leaves all balances and orders
// exactly as they were.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotOpen        = errors.New("order not open")
	ErrNotOrderOwner       = errors.New("not order owner")
	ErrSelfTrade           = errors.New("self trade")
	ErrUnknownToken        = errors.New("unknown token")
)

// Ledger is the slice of the token ledger the custody engine needs.
type Ledger interface {
	Transfer(from, to common.Address, amount *big.Int) error
	TransferFrom(spender, from, to common.Address, amount *big.Int) error
}

// LedgerResolver maps a token address to its ledger.
type LedgerResolver interface {
	Ledger(addr common.Address) (Ledger, bool)
}

// Options configures a new Exchange.
type Options struct {
	FeeBps     int64          // fill fee in basis points, charged on the tokenGive leg
	FeeAccount common.Address // receives the fee
	Ledgers    LedgerResolver
	Events     *events.Log
	Store      *Store       // nil disables persistence
	Logger     *zap.Logger  // nil = no-op
	Clock      util.Clock   // nil = wall clock
}

// Exchange holds user token balances in trust and runs the order state
// machine. All five operations execute under one mutex: the authoritative
// state is a single totally ordered sequence of operations, each fully
// applied or fully rejected.
type Exchange struct {
	mu sync.Mutex

	address    common.Address // custody identity in the token ledgers
	feeAccount common.Address
	feeBps     int64

	ledgers  LedgerResolver
	balances map[common.Address]map[common.Address]*big.Int // token -> user -> amount
	orders   map[uint64]*Order
	orderIDs []uint64 // creation order
	nextID   uint64

	elog   *events.Log
	store  *Store
	logger *zap.Logger
	clock  util.Clock
}

// EngineAddress is the custody identity: the address that owns all deposited
// tokens in the underlying ledgers.
func EngineAddress() common.Address {
	h := crypto.Keccak256([]byte("sahdex/exchange"))
	return common.BytesToAddress(h[12:])
}

// New constructs the engine, restoring any persisted balances, orders, and
// the order-id counter.
func New(opts Options) (*Exchange, error) {
	if opts.Ledgers == nil {
		return nil, fmt.Errorf("exchange: nil ledger resolver")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.FeeBps < 0 {
		return nil, fmt.Errorf("exchange: negative fee bps %d", opts.FeeBps)
	}

	x := &Exchange{
		address:    EngineAddress(),
		feeAccount: opts.FeeAccount,
		feeBps:     opts.FeeBps,
		ledgers:    opts.Ledgers,
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		orders:     make(map[uint64]*Order),
		nextID:     1,
		elog:       opts.Events,
		store:      opts.Store,
		logger:     opts.Logger,
		clock:      opts.Clock,
	}

	if opts.Store != nil {
		balances, orders, nextID, err := opts.Store.Load()
		if err != nil {
			return nil, fmt.Errorf("restore exchange state: %w", err)
		}
		if nextID > 0 {
			x.balances = balances
			x.orders = orders
			x.nextID = nextID
			for id := range orders {
				x.orderIDs = append(x.orderIDs, id)
			}
			sort.Slice(x.orderIDs, func(i, j int) bool { return x.orderIDs[i] < x.orderIDs[j] })
			opts.Logger.Info("exchange restored",
				zap.Int("orders", len(orders)),
				zap.Uint64("nextOrderID", nextID))
		}
	}

	return x, nil
}

func (x *Exchange) Address() common.Address    { return x.address }
func (x *Exchange) FeeAccount() common.Address { return x.feeAccount }
func (x *Exchange) FeeBps() int64              { return x.feeBps }

// DepositToken pulls amount of tokenAddr from user into custody. The user
// must have approved the engine address on the token ledger beforehand; the
// underlying transferFrom failure modes pass through.
func (x *Exchange) DepositToken(user, tokenAddr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("deposit: %w", token.ErrInvalidAmount)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	ledger, ok := x.ledgers.Ledger(tokenAddr)
	if !ok {
		return fmt.Errorf("deposit %s: %w", tokenAddr.Hex(), ErrUnknownToken)
	}

	if err := ledger.TransferFrom(x.address, user, x.address, amount); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}

	balance := new(big.Int).Add(x.balanceLocked(tokenAddr, user), amount)

	var b *BatchWrite
	if x.store != nil {
		b = x.store.NewBatch()
		b.SetBalance(tokenAddr, user, balance)
	}
	if err := x.commitLocked(b, events.Deposit{
		Token:   tokenAddr,
		User:    user,
		Amount:  new(big.Int).Set(amount),
		Balance: new(big.Int).Set(balance),
	}); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}

	x.setBalance(tokenAddr, user, balance)

	x.logger.Info("deposit",
		zap.String("token", tokenAddr.Hex()),
		zap.String("user", user.Hex()),
		zap.String("amount", amount.String()),
		zap.String("balance", balance.String()))
	return nil
}

// WithdrawToken releases amount of tokenAddr from custody back to user.
func (x *Exchange) WithdrawToken(user, tokenAddr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("withdraw: %w", token.ErrInvalidAmount)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	ledger, ok := x.ledgers.Ledger(tokenAddr)
	if !ok {
		return fmt.Errorf("withdraw %s: %w", tokenAddr.Hex(), ErrUnknownToken)
	}

	balance := x.balanceLocked(tokenAddr, user)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("withdraw: custody balance %s < %s: %w",
			balance, amount, ErrInsufficientBalance)
	}

	if err := ledger.Transfer(x.address, user, amount); err != nil {
		return fmt.Errorf("withdraw: release custody: %w", err)
	}

	newBalance := new(big.Int).Sub(balance, amount)

	var b *BatchWrite
	if x.store != nil {
		b = x.store.NewBatch()
		b.SetBalance(tokenAddr, user, newBalance)
	}
	if err := x.commitLocked(b, events.Withdraw{
		Token:   tokenAddr,
		User:    user,
		Amount:  new(big.Int).Set(amount),
		Balance: new(big.Int).Set(newBalance),
	}); err != nil {
		return fmt.Errorf("withdraw: %w", err)
	}

	x.setBalance(tokenAddr, user, newBalance)

	x.logger.Info("withdraw",
		zap.String("token", tokenAddr.Hex()),
		zap.String("user", user.Hex()),
		zap.String("amount", amount.String()),
		zap.String("balance", newBalance.String()))
	return nil
}

// MakeOrder posts a new order and returns it. The maker's balance is not
// checked or locked here: sufficiency is enforced only at fill time, so a
// maker may post against expected future deposits at the cost of a late fill
// failure.
func (x *Exchange) MakeOrder(maker, tokenGet common.Address, amountGet *big.Int, tokenGive common.Address, amountGive *big.Int) (Order, error) {
	if amountGet == nil || amountGet.Sign() <= 0 || amountGive == nil || amountGive.Sign() <= 0 {
		return Order{}, fmt.Errorf("make order: %w", token.ErrInvalidAmount)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.ledgers.Ledger(tokenGet); !ok {
		return Order{}, fmt.Errorf("make order: tokenGet %s: %w", tokenGet.Hex(), ErrUnknownToken)
	}
	if _, ok := x.ledgers.Ledger(tokenGive); !ok {
		return Order{}, fmt.Errorf("make order: tokenGive %s: %w", tokenGive.Hex(), ErrUnknownToken)
	}

	o := &Order{
		ID:         x.nextID,
		Maker:      maker,
		TokenGet:   tokenGet,
		AmountGet:  new(big.Int).Set(amountGet),
		TokenGive:  tokenGive,
		AmountGive: new(big.Int).Set(amountGive),
		CreatedAt:  x.clock.Now().Unix(),
		Status:     Open,
	}

	var b *BatchWrite
	if x.store != nil {
		b = x.store.NewBatch()
		if err := b.SetOrder(o); err != nil {
			return Order{}, err
		}
		b.SetNextID(o.ID + 1)
	}
	if err := x.commitLocked(b, events.Order{
		ID:         o.ID,
		User:       maker,
		TokenGet:   tokenGet,
		AmountGet:  new(big.Int).Set(amountGet),
		TokenGive:  tokenGive,
		AmountGive: new(big.Int).Set(amountGive),
		Timestamp:  o.CreatedAt,
	}); err != nil {
		return Order{}, fmt.Errorf("make order: %w", err)
	}

	x.orders[o.ID] = o
	x.orderIDs = append(x.orderIDs, o.ID)
	x.nextID++

	x.logger.Info("order made",
		zap.Uint64("id", o.ID),
		zap.String("maker", maker.Hex()),
		zap.String("amountGet", amountGet.String()),
		zap.String("amountGive", amountGive.String()))
	return o.clone(), nil
}

// CancelOrder transitions caller's own open order to Cancelled.
func (x *Exchange) CancelOrder(caller common.Address, id uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	o, ok := x.orders[id]
	if !ok {
		return fmt.Errorf("cancel order %d: %w", id, ErrOrderNotFound)
	}
	if o.Maker != caller {
		return fmt.Errorf("cancel order %d: %w", id, ErrNotOrderOwner)
	}
	if o.Status != Open {
		return fmt.Errorf("cancel order %d: status %s: %w", id, o.Status, ErrOrderNotOpen)
	}

	cancelled := o.clone()
	cancelled.Status = Cancelled

	var b *BatchWrite
	if x.store != nil {
		b = x.store.NewBatch()
		if err := b.SetOrder(&cancelled); err != nil {
			return err
		}
	}
	if err := x.commitLocked(b, events.Cancel{
		ID:         o.ID,
		User:       o.Maker,
		TokenGet:   o.TokenGet,
		AmountGet:  new(big.Int).Set(o.AmountGet),
		TokenGive:  o.TokenGive,
		AmountGive: new(big.Int).Set(o.AmountGive),
		Timestamp:  x.clock.Now().Unix(),
	}); err != nil {
		return fmt.Errorf("cancel order %d: %w", id, err)
	}

	o.Status = Cancelled

	x.logger.Info("order cancelled", zap.Uint64("id", id), zap.String("maker", caller.Hex()))
	return nil
}

// FillOrder executes an open order whole against the caller (the taker).
// The fee is charged on the tokenGive leg: the taker receives
// amountGive − fee, the fee account receives fee, and the maker receives the
// full amountGet. All five balance adjustments apply together or not at all.
func (x *Exchange) FillOrder(taker common.Address, id uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	o, ok := x.orders[id]
	if !ok {
		return fmt.Errorf("fill order %d: %w", id, ErrOrderNotFound)
	}
	if o.Status != Open {
		return fmt.Errorf("fill order %d: status %s: %w", id, o.Status, ErrOrderNotOpen)
	}
	if taker == o.Maker {
		return fmt.Errorf("fill order %d: %w", id, ErrSelfTrade)
	}

	fee := x.feeFor(o.AmountGive)
	takerGets := new(big.Int).Sub(o.AmountGive, fee)

	// Verify both debits before touching anything.
	takerBalance := x.balanceLocked(o.TokenGet, taker)
	if takerBalance.Cmp(o.AmountGet) < 0 {
		return fmt.Errorf("fill order %d: taker %s balance %s < %s: %w",
			id, o.TokenGet.Hex(), takerBalance, o.AmountGet, ErrInsufficientBalance)
	}
	makerBalance := x.balanceLocked(o.TokenGive, o.Maker)
	if makerBalance.Cmp(o.AmountGive) < 0 {
		return fmt.Errorf("fill order %d: maker %s balance %s < %s: %w",
			id, o.TokenGive.Hex(), makerBalance, o.AmountGive, ErrInsufficientBalance)
	}

	// Apply the five adjustments in sequence (slots may alias when the fee
	// account trades), keeping an undo so a failed commit restores them all.
	undo := x.snapshotBalances(
		balanceSlot{o.TokenGet, taker},
		balanceSlot{o.TokenGet, o.Maker},
		balanceSlot{o.TokenGive, o.Maker},
		balanceSlot{o.TokenGive, taker},
		balanceSlot{o.TokenGive, x.feeAccount},
	)
	x.debit(o.TokenGet, taker, o.AmountGet)
	x.credit(o.TokenGet, o.Maker, o.AmountGet)
	x.debit(o.TokenGive, o.Maker, o.AmountGive)
	x.credit(o.TokenGive, taker, takerGets)
	x.credit(o.TokenGive, x.feeAccount, fee)

	filled := o.clone()
	filled.Status = Filled

	var b *BatchWrite
	if x.store != nil {
		b = x.store.NewBatch()
		if err := b.SetOrder(&filled); err != nil {
			undo()
			return err
		}
		b.SetBalance(o.TokenGet, taker, x.balanceLocked(o.TokenGet, taker))
		b.SetBalance(o.TokenGet, o.Maker, x.balanceLocked(o.TokenGet, o.Maker))
		b.SetBalance(o.TokenGive, o.Maker, x.balanceLocked(o.TokenGive, o.Maker))
		b.SetBalance(o.TokenGive, taker, x.balanceLocked(o.TokenGive, taker))
		b.SetBalance(o.TokenGive, x.feeAccount, x.balanceLocked(o.TokenGive, x.feeAccount))
	}
	if err := x.commitLocked(b, events.Trade{
		ID:         o.ID,
		User:       taker,
		TokenGet:   o.TokenGet,
		AmountGet:  new(big.Int).Set(o.AmountGet),
		TokenGive:  o.TokenGive,
		AmountGive: new(big.Int).Set(o.AmountGive),
		UserFill:   o.Maker,
		Fee:        fee,
		FeeAccount: x.feeAccount,
		Timestamp:  x.clock.Now().Unix(),
	}); err != nil {
		undo()
		return fmt.Errorf("fill order %d: %w", id, err)
	}

	o.Status = Filled

	x.logger.Info("order filled",
		zap.Uint64("id", id),
		zap.String("taker", taker.Hex()),
		zap.String("maker", o.Maker.Hex()),
		zap.String("fee", fee.String()))
	return nil
}

// BalanceOf returns user's custody balance for tokenAddr.
func (x *Exchange) BalanceOf(tokenAddr, user common.Address) *big.Int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return new(big.Int).Set(x.balanceLocked(tokenAddr, user))
}

// Order returns a copy of the order with the given id.
func (x *Exchange) Order(id uint64) (Order, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	o, ok := x.orders[id]
	if !ok {
		return Order{}, false
	}
	return o.clone(), true
}

// Orders returns copies of all orders in creation order, resolved ones
// included (the order table is append-only).
func (x *Exchange) Orders() []Order {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]Order, 0, len(x.orderIDs))
	for _, id := range x.orderIDs {
		out = append(out, x.orders[id].clone())
	}
	return out
}

func (x *Exchange) OrderCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.orders)
}

// feeFor computes feeBps basis points of amount, truncating toward zero.
func (x *Exchange) feeFor(amount *big.Int) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(x.feeBps))
	return fee.Div(fee, big.NewInt(10_000))
}

// commitLocked makes the staged state delta and the event record durable in
// one pebble write. An error means neither was persisted and nothing was
// fanned out; callers leave (or restore) in-memory state untouched on that
// path, so an error return always implies unchanged engine state.
func (x *Exchange) commitLocked(b *BatchWrite, ev events.Event) error {
	switch {
	case x.elog != nil && b != nil:
		if _, err := x.elog.AppendWith(b.Raw(), ev); err != nil {
			return fmt.Errorf("commit %s: %w", ev.Kind(), err)
		}
		return nil
	case x.elog != nil:
		if _, err := x.elog.Append(ev); err != nil {
			return fmt.Errorf("commit %s: %w", ev.Kind(), err)
		}
		return nil
	case b != nil:
		return b.Commit()
	}
	return nil
}

// balanceSlot names one (token, user) custody balance.
type balanceSlot struct {
	token common.Address
	user  common.Address
}

// snapshotBalances captures the named slots and returns an undo that
// restores them. Duplicate slots are captured once, so aliased adjustments
// (fee account doubling as maker or taker) restore correctly.
func (x *Exchange) snapshotBalances(slots ...balanceSlot) func() {
	saved := make(map[balanceSlot]*big.Int, len(slots))
	for _, s := range slots {
		if _, ok := saved[s]; !ok {
			saved[s] = new(big.Int).Set(x.balanceLocked(s.token, s.user))
		}
	}
	return func() {
		for s, v := range saved {
			x.setBalance(s.token, s.user, v)
		}
	}
}

func (x *Exchange) setBalance(tokenAddr, user common.Address, amount *big.Int) {
	users, ok := x.balances[tokenAddr]
	if !ok {
		users = make(map[common.Address]*big.Int)
		x.balances[tokenAddr] = users
	}
	users[user] = new(big.Int).Set(amount)
}

func (x *Exchange) balanceLocked(tokenAddr, user common.Address) *big.Int {
	if users, ok := x.balances[tokenAddr]; ok {
		if b, ok := users[user]; ok {
			return b
		}
	}
	return new(big.Int)
}

func (x *Exchange) credit(tokenAddr, user common.Address, amount *big.Int) *big.Int {
	users, ok := x.balances[tokenAddr]
	if !ok {
		users = make(map[common.Address]*big.Int)
		x.balances[tokenAddr] = users
	}
	next := new(big.Int).Add(x.balanceLocked(tokenAddr, user), amount)
	users[user] = next
	return next
}

func (x *Exchange) debit(tokenAddr, user common.Address, amount *big.Int) *big.Int {
	next := new(big.Int).Sub(x.balanceLocked(tokenAddr, user), amount)
	x.balances[tokenAddr][user] = next
	return next
}
