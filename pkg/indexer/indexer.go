// Package indexer rebuilds read views purely from the committed event
// stream, the way the dashboard does. It never reads engine state: if a view
// here disagrees with the engine, the event stream is wrong.
package indexer

import (
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sahdex/sahdex/pkg/events"
)

type Indexer struct {
	mu      sync.RWMutex
	lastSeq uint64

	orders    map[uint64]events.Order
	open      map[uint64]struct{}
	cancelled map[uint64]struct{}
	filled    map[uint64]struct{}
	trades    []events.Trade
	balances  map[common.Address]map[common.Address]*big.Int // token -> user -> custody balance
}

func New() *Indexer {
	return &Indexer{
		orders:    make(map[uint64]events.Order),
		open:      make(map[uint64]struct{}),
		cancelled: make(map[uint64]struct{}),
		filled:    make(map[uint64]struct{}),
		balances:  make(map[common.Address]map[common.Address]*big.Int),
	}
}

// Run folds records from a subscription until it closes. Use with
// Log.SubscribeFrom(1) to rebuild from genesis and stay live.
func (ix *Indexer) Run(sub *events.Subscription) {
	for rec := range sub.C() {
		ix.Apply(rec)
	}
}

// Apply folds one committed record. Records at or before the last applied
// sequence are ignored, so replay overlap is harmless.
func (ix *Indexer) Apply(rec events.Record) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if rec.Seq <= ix.lastSeq {
		return
	}
	ix.lastSeq = rec.Seq

	switch ev := rec.Event.(type) {
	case events.Order:
		ix.orders[ev.ID] = ev
		ix.open[ev.ID] = struct{}{}

	case events.Cancel:
		delete(ix.open, ev.ID)
		ix.cancelled[ev.ID] = struct{}{}

	case events.Trade:
		delete(ix.open, ev.ID)
		ix.filled[ev.ID] = struct{}{}
		ix.trades = append(ix.trades, ev)

		takerGets := new(big.Int).Sub(ev.AmountGive, ev.Fee)
		ix.add(ev.TokenGet, ev.User, neg(ev.AmountGet))
		ix.add(ev.TokenGet, ev.UserFill, ev.AmountGet)
		ix.add(ev.TokenGive, ev.UserFill, neg(ev.AmountGive))
		ix.add(ev.TokenGive, ev.User, takerGets)
		ix.add(ev.TokenGive, ev.FeeAccount, ev.Fee)

	case events.Deposit:
		ix.set(ev.Token, ev.User, ev.Balance)

	case events.Withdraw:
		ix.set(ev.Token, ev.User, ev.Balance)

	case events.Transfer, events.Approval:
		// Wallet-side ledger activity; custody views don't change.
	}
}

// LastSeq returns the sequence number of the last applied record.
func (ix *Indexer) LastSeq() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.lastSeq
}

// OpenOrders returns currently open orders sorted by id.
func (ix *Indexer) OpenOrders() []events.Order {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]events.Order, 0, len(ix.open))
	for id := range ix.open {
		out = append(out, ix.orders[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Trades returns the trade history in commit order.
func (ix *Indexer) Trades() []events.Trade {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]events.Trade, len(ix.trades))
	copy(out, ix.trades)
	return out
}

// OrdersByStatus returns folded orders with the given status ("open",
// "filled", "cancelled"); an empty status means every order. Sorted by id.
func (ix *Indexer) OrdersByStatus(status string) []events.Order {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]events.Order, 0, len(ix.orders))
	for id, o := range ix.orders {
		if status != "" && ix.statusLocked(id) != status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OrderStatus reports the folded status of an order id:
// "open", "filled", "cancelled", or "" when unknown.
func (ix *Indexer) OrderStatus(id uint64) string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.statusLocked(id)
}

func (ix *Indexer) statusLocked(id uint64) string {
	switch {
	case has(ix.filled, id):
		return "filled"
	case has(ix.cancelled, id):
		return "cancelled"
	case has(ix.open, id):
		return "open"
	default:
		return ""
	}
}

// Balance returns the folded custody balance for (token, user).
func (ix *Indexer) Balance(tokenAddr, user common.Address) *big.Int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if users, ok := ix.balances[tokenAddr]; ok {
		if b, ok := users[user]; ok {
			return new(big.Int).Set(b)
		}
	}
	return new(big.Int)
}

func (ix *Indexer) add(tokenAddr, user common.Address, delta *big.Int) {
	users, ok := ix.balances[tokenAddr]
	if !ok {
		users = make(map[common.Address]*big.Int)
		ix.balances[tokenAddr] = users
	}
	cur, ok := users[user]
	if !ok {
		cur = new(big.Int)
	}
	users[user] = new(big.Int).Add(cur, delta)
}

func (ix *Indexer) set(tokenAddr, user common.Address, balance *big.Int) {
	users, ok := ix.balances[tokenAddr]
	if !ok {
		users = make(map[common.Address]*big.Int)
		ix.balances[tokenAddr] = users
	}
	users[user] = new(big.Int).Set(balance)
}

func neg(n *big.Int) *big.Int {
	return new(big.Int).Neg(n)
}

func has(set map[uint64]struct{}, id uint64) bool {
	_, ok := set[id]
	return ok
}
