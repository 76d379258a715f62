package token

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema for token-ledger state. Prefix-based so one DB handle is
// shared with the custody engine and the event log:
//
//	tks:{token}                    total supply
//	tkb:{token}:{owner}            balance
//	tka:{token}:{owner}:{spender}  allowance
//
// Values are decimal big.Int strings.
const (
	prefixSupply    = "tks:"
	prefixBalance   = "tkb:"
	prefixAllowance = "tka:"
)

func supplyKey(token common.Address) []byte {
	return []byte(prefixSupply + token.Hex())
}

func balanceKey(token, owner common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, token.Hex(), owner.Hex()))
}

func balancePrefix(token common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixBalance, token.Hex()))
}

func allowanceKey(token, owner, spender common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", prefixAllowance, token.Hex(), owner.Hex(), spender.Hex()))
}

func allowancePrefix(token common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixAllowance, token.Hex()))
}

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// Store persists token-ledger state. All writes go through a BatchWrite so a
// ledger operation's keys land atomically.
type Store struct {
	db *pebble.DB
}

func NewStore(db *pebble.DB) *Store {
	return &Store{db: db}
}

// Load restores a token's persisted state. A nil supply means the token has
// never been minted.
func (s *Store) Load(token common.Address) (*big.Int, map[common.Address]*big.Int, map[common.Address]map[common.Address]*big.Int, error) {
	supply, err := s.loadSupply(token)
	if err != nil || supply == nil {
		return nil, nil, nil, err
	}

	balances := make(map[common.Address]*big.Int)
	if err := s.scan(balancePrefix(token), func(key, val []byte) error {
		rest := key[len(balancePrefix(token)):]
		if !common.IsHexAddress(string(rest)) {
			return fmt.Errorf("bad balance key %q", key)
		}
		amt, err := parseAmount(val)
		if err != nil {
			return err
		}
		balances[common.HexToAddress(string(rest))] = amt
		return nil
	}); err != nil {
		return nil, nil, nil, err
	}

	allowances := make(map[common.Address]map[common.Address]*big.Int)
	if err := s.scan(allowancePrefix(token), func(key, val []byte) error {
		rest := key[len(allowancePrefix(token)):]
		parts := bytes.SplitN(rest, []byte(":"), 2)
		if len(parts) != 2 {
			return fmt.Errorf("bad allowance key %q", key)
		}
		owner := common.HexToAddress(string(parts[0]))
		spender := common.HexToAddress(string(parts[1]))
		amt, err := parseAmount(val)
		if err != nil {
			return err
		}
		if allowances[owner] == nil {
			allowances[owner] = make(map[common.Address]*big.Int)
		}
		allowances[owner][spender] = amt
		return nil
	}); err != nil {
		return nil, nil, nil, err
	}

	return supply, balances, allowances, nil
}

func (s *Store) loadSupply(token common.Address) (*big.Int, error) {
	val, closer, err := s.db.Get(supplyKey(token))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load supply: %w", err)
	}
	defer closer.Close()
	return parseAmount(val)
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

func parseAmount(val []byte) (*big.Int, error) {
	amt, ok := new(big.Int).SetString(string(val), 10)
	if !ok {
		return nil, fmt.Errorf("bad amount value %q", val)
	}
	return amt, nil
}

// BatchWrite accumulates one ledger operation's keys and commits them
// atomically.
type BatchWrite struct {
	batch *pebble.Batch
}

func (s *Store) NewBatch() *BatchWrite {
	return &BatchWrite{batch: s.db.NewBatch()}
}

// Raw exposes the underlying batch so the event log can commit the event
// record and this state delta in one write.
func (b *BatchWrite) Raw() *pebble.Batch { return b.batch }

func (b *BatchWrite) SetSupply(token common.Address, supply *big.Int) {
	_ = b.batch.Set(supplyKey(token), []byte(supply.String()), nil)
}

func (b *BatchWrite) SetBalance(token, owner common.Address, amount *big.Int) {
	_ = b.batch.Set(balanceKey(token, owner), []byte(amount.String()), nil)
}

func (b *BatchWrite) SetAllowance(token, owner, spender common.Address, amount *big.Int) {
	_ = b.batch.Set(allowanceKey(token, owner, spender), []byte(amount.String()), nil)
}

func (b *BatchWrite) Commit() error {
	return b.batch.Commit(pebble.Sync)
}
