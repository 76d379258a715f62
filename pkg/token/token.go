package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/sahdex/sahdex/pkg/events"
)

// Rejection kinds. Callers distinguish them with errors.Is.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInvalidRecipient      = errors.New("invalid recipient")
	ErrInvalidAmount         = errors.New("invalid amount")
)

// Decimals is the fixed-point precision shared by every token. All amounts
// are integers scaled by 10^18.
const Decimals = 18

// Scale is 10^Decimals.
var Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Units converts n whole tokens to the scaled integer representation,
// the same convention as parseUnits(n, 'ether').
func Units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Scale)
}

// AddressFromSymbol derives a deterministic ledger address from a token
// symbol so a fresh node always produces the same token identities.
func AddressFromSymbol(symbol string) common.Address {
	h := crypto.Keccak256([]byte("sahdex/token/" + symbol))
	return common.BytesToAddress(h[12:])
}

// Token is one fungible-token ledger: balances, allowances, and a fixed total
// supply minted entirely to the initial holder at construction. The four
// mutating operations (mint-at-construction, Transfer, Approve, TransferFrom)
// are the only mutation surface; everything else is a read.
//
// A single mutex serializes all mutation, and each successful operation
// commits its event record and its balance snapshot in one pebble write, so
// the event stream and the stored state can never diverge.
type Token struct {
	mu sync.Mutex

	name    string
	symbol  string
	address common.Address

	totalSupply *big.Int
	balances    map[common.Address]*big.Int
	allowances  map[common.Address]map[common.Address]*big.Int

	elog   *events.Log
	store  *Store // nil disables persistence
	logger *zap.Logger
}

// New constructs a token ledger and mints initialSupply (whole tokens,
// scaled by 10^18) to owner. If the store already holds state for this token
// the mint is skipped and the persisted balances are restored instead;
// minting is never re-invocable.
func New(name, symbol string, initialSupply *big.Int, owner common.Address, elog *events.Log, store *Store, logger *zap.Logger) (*Token, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Token{
		name:       name,
		symbol:     symbol,
		address:    AddressFromSymbol(symbol),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		elog:       elog,
		store:      store,
		logger:     logger,
	}

	if store != nil {
		supply, balances, allowances, err := store.Load(t.address)
		if err != nil {
			return nil, fmt.Errorf("load token %s: %w", symbol, err)
		}
		if supply != nil {
			t.totalSupply = supply
			t.balances = balances
			t.allowances = allowances
			logger.Info("token restored",
				zap.String("symbol", symbol),
				zap.String("address", t.address.Hex()),
				zap.String("totalSupply", supply.String()))
			return t, nil
		}
	}

	supply := new(big.Int).Mul(initialSupply, Scale)
	t.totalSupply = supply
	t.balances[owner] = new(big.Int).Set(supply)

	var b *BatchWrite
	if store != nil {
		b = store.NewBatch()
		b.SetSupply(t.address, supply)
		b.SetBalance(t.address, owner, supply)
	}
	if err := t.commitLocked(b, events.Transfer{
		Token: t.address,
		From:  common.Address{},
		To:    owner,
		Value: new(big.Int).Set(supply),
	}); err != nil {
		return nil, fmt.Errorf("persist mint: %w", err)
	}

	logger.Info("token minted",
		zap.String("symbol", symbol),
		zap.String("address", t.address.Hex()),
		zap.String("owner", owner.Hex()),
		zap.String("totalSupply", supply.String()))

	return t, nil
}

func (t *Token) Name() string            { return t.name }
func (t *Token) Symbol() string          { return t.symbol }
func (t *Token) Address() common.Address { return t.address }

func (t *Token) TotalSupply() *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.totalSupply)
}

// BalanceOf returns owner's balance (zero for unknown owners).
func (t *Token) BalanceOf(owner common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.balanceLocked(owner))
}

// Allowance returns the remaining amount spender may move on owner's behalf.
func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.allowanceLocked(owner, spender))
}

// Transfer moves amount from one owner to another. Total supply is conserved:
// the debit and credit happen together or not at all.
func (t *Token) Transfer(from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	undo := t.snapshotBalances(from, to)
	if err := t.transferLocked(from, to, amount); err != nil {
		return err
	}

	var b *BatchWrite
	if t.store != nil {
		b = t.store.NewBatch()
		b.SetBalance(t.address, from, t.balanceLocked(from))
		b.SetBalance(t.address, to, t.balanceLocked(to))
	}
	if err := t.commitLocked(b, events.Transfer{
		Token: t.address,
		From:  from,
		To:    to,
		Value: new(big.Int).Set(amount),
	}); err != nil {
		undo()
		return fmt.Errorf("transfer %s: %w", t.symbol, err)
	}
	return nil
}

// Approve sets spender's allowance over from's funds to exactly amount,
// overwriting any prior value.
func (t *Token) Approve(owner, spender common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if spender == (common.Address{}) {
		return fmt.Errorf("approve %s: %w", t.symbol, ErrInvalidRecipient)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var b *BatchWrite
	if t.store != nil {
		b = t.store.NewBatch()
		b.SetAllowance(t.address, owner, spender, amount)
	}
	if err := t.commitLocked(b, events.Approval{
		Token:   t.address,
		Owner:   owner,
		Spender: spender,
		Value:   new(big.Int).Set(amount),
	}); err != nil {
		return fmt.Errorf("approve %s: %w", t.symbol, err)
	}

	spenders, ok := t.allowances[owner]
	if !ok {
		spenders = make(map[common.Address]*big.Int)
		t.allowances[owner] = spenders
	}
	spenders[spender] = new(big.Int).Set(amount)
	return nil
}

// TransferFrom moves amount from `from` to `to` on behalf of spender,
// consuming spender's allowance. Fails with ErrInsufficientAllowance before
// touching any balance.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	allowance := t.allowanceLocked(from, spender)
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("transferFrom %s: allowance %s < %s: %w",
			t.symbol, allowance, amount, ErrInsufficientAllowance)
	}
	remaining := new(big.Int).Sub(allowance, amount)

	undo := t.snapshotBalances(from, to)
	if err := t.transferLocked(from, to, amount); err != nil {
		return err
	}

	var b *BatchWrite
	if t.store != nil {
		b = t.store.NewBatch()
		b.SetBalance(t.address, from, t.balanceLocked(from))
		b.SetBalance(t.address, to, t.balanceLocked(to))
		b.SetAllowance(t.address, from, spender, remaining)
	}
	if err := t.commitLocked(b, events.Transfer{
		Token: t.address,
		From:  from,
		To:    to,
		Value: new(big.Int).Set(amount),
	}); err != nil {
		undo()
		return fmt.Errorf("transferFrom %s: %w", t.symbol, err)
	}

	if t.allowances[from] == nil {
		t.allowances[from] = make(map[common.Address]*big.Int)
	}
	t.allowances[from][spender] = remaining
	return nil
}

// transferLocked validates and applies the debit/credit. It mutates nothing
// on a validation error; committing the event and snapshot is the caller's
// responsibility.
func (t *Token) transferLocked(from, to common.Address, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return fmt.Errorf("transfer %s: %w", t.symbol, ErrInvalidRecipient)
	}

	balance := t.balanceLocked(from)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("transfer %s: balance %s < %s: %w",
			t.symbol, balance, amount, ErrInsufficientBalance)
	}

	t.balances[from] = new(big.Int).Sub(balance, amount)
	t.balances[to] = new(big.Int).Add(t.balanceLocked(to), amount)
	return nil
}

// commitLocked makes the staged balance keys and the event record durable in
// one pebble write; on error neither was persisted, so callers restore any
// in-memory mutation and return the error.
func (t *Token) commitLocked(b *BatchWrite, ev events.Event) error {
	switch {
	case t.elog != nil && b != nil:
		if _, err := t.elog.AppendWith(b.Raw(), ev); err != nil {
			return fmt.Errorf("commit %s: %w", ev.Kind(), err)
		}
		return nil
	case t.elog != nil:
		if _, err := t.elog.Append(ev); err != nil {
			return fmt.Errorf("commit %s: %w", ev.Kind(), err)
		}
		return nil
	case b != nil:
		return b.Commit()
	}
	return nil
}

// snapshotBalances captures the given owners' balances and returns an undo
// that restores them. Duplicates are captured once.
func (t *Token) snapshotBalances(owners ...common.Address) func() {
	saved := make(map[common.Address]*big.Int, len(owners))
	for _, a := range owners {
		if _, ok := saved[a]; !ok {
			saved[a] = new(big.Int).Set(t.balanceLocked(a))
		}
	}
	return func() {
		for a, v := range saved {
			t.balances[a] = v
		}
	}
}

func (t *Token) balanceLocked(owner common.Address) *big.Int {
	if b, ok := t.balances[owner]; ok {
		return b
	}
	return new(big.Int)
}

func (t *Token) allowanceLocked(owner, spender common.Address) *big.Int {
	if spenders, ok := t.allowances[owner]; ok {
		if a, ok := spenders[spender]; ok {
			return a
		}
	}
	return new(big.Int)
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}
