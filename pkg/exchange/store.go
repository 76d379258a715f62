package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema for custody state:
//
//	exb:{token}:{user}  custody balance (decimal string)
//	exo:{id:020d}       order (JSON), zero-padded for creation-order scans
//	exm:nextid          order-id counter
const (
	prefixBalance = "exb:"
	prefixOrder   = "exo:"
	keyNextID     = "exm:nextid"
)

func balanceKey(tokenAddr, user common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, tokenAddr.Hex(), user.Hex()))
}

func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// Store persists custody balances, the order table, and the id counter.
// Each engine operation commits its keys through one BatchWrite so a crash
// never splits an operation.
type Store struct {
	db *pebble.DB
}

func NewStore(db *pebble.DB) *Store {
	return &Store{db: db}
}

// Load restores the persisted engine state. nextID == 0 means nothing was
// ever persisted.
func (s *Store) Load() (map[common.Address]map[common.Address]*big.Int, map[uint64]*Order, uint64, error) {
	nextID, err := s.loadNextID()
	if err != nil || nextID == 0 {
		return nil, nil, 0, err
	}

	balances := make(map[common.Address]map[common.Address]*big.Int)
	if err := s.scan([]byte(prefixBalance), func(key, val []byte) error {
		rest := key[len(prefixBalance):]
		parts := bytes.SplitN(rest, []byte(":"), 2)
		if len(parts) != 2 {
			return fmt.Errorf("bad balance key %q", key)
		}
		tokenAddr := common.HexToAddress(string(parts[0]))
		user := common.HexToAddress(string(parts[1]))
		amt, ok := new(big.Int).SetString(string(val), 10)
		if !ok {
			return fmt.Errorf("bad balance value %q", val)
		}
		if balances[tokenAddr] == nil {
			balances[tokenAddr] = make(map[common.Address]*big.Int)
		}
		balances[tokenAddr][user] = amt
		return nil
	}); err != nil {
		return nil, nil, 0, err
	}

	orders := make(map[uint64]*Order)
	if err := s.scan([]byte(prefixOrder), func(key, val []byte) error {
		var o Order
		if err := json.Unmarshal(val, &o); err != nil {
			return fmt.Errorf("unmarshal order %q: %w", key, err)
		}
		orders[o.ID] = &o
		return nil
	}); err != nil {
		return nil, nil, 0, err
	}

	return balances, orders, nextID, nil
}

func (s *Store) loadNextID() (uint64, error) {
	val, closer, err := s.db.Get([]byte(keyNextID))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load next order id: %w", err)
	}
	defer closer.Close()

	id, err := strconv.ParseUint(string(val), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad next order id %q: %w", val, err)
	}
	return id, nil
}

func (s *Store) scan(prefix []byte, fn func(key, val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

// BatchWrite accumulates one operation's state delta.
type BatchWrite struct {
	batch *pebble.Batch
}

func (s *Store) NewBatch() *BatchWrite {
	return &BatchWrite{batch: s.db.NewBatch()}
}

// Raw exposes the underlying batch so the event log can commit the event
// record and this state delta in one write.
func (b *BatchWrite) Raw() *pebble.Batch { return b.batch }

func (b *BatchWrite) SetBalance(tokenAddr, user common.Address, amount *big.Int) {
	_ = b.batch.Set(balanceKey(tokenAddr, user), []byte(amount.String()), nil)
}

func (b *BatchWrite) SetOrder(o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order %d: %w", o.ID, err)
	}
	return b.batch.Set(orderKey(o.ID), data, nil)
}

func (b *BatchWrite) SetNextID(id uint64) {
	_ = b.batch.Set([]byte(keyNextID), []byte(strconv.FormatUint(id, 10)), nil)
}

func (b *BatchWrite) Commit() error {
	return b.batch.Commit(pebble.Sync)
}
