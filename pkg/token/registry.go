package token

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Registry resolves token addresses to their ledgers. The custody engine
// depends on this through a narrow interface so tests can substitute fakes.
type Registry struct {
	mu       sync.RWMutex
	byAddr   map[common.Address]*Token
	bySymbol map[string]*Token
	order    []*Token
}

func NewRegistry() *Registry {
	return &Registry{
		byAddr:   make(map[common.Address]*Token),
		bySymbol: make(map[string]*Token),
	}
}

func (r *Registry) Add(t *Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byAddr[t.Address()]; exists {
		return
	}
	r.byAddr[t.Address()] = t
	r.bySymbol[t.Symbol()] = t
	r.order = append(r.order, t)
}

func (r *Registry) Get(addr common.Address) (*Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byAddr[addr]
	return t, ok
}

func (r *Registry) BySymbol(symbol string) (*Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.bySymbol[symbol]
	return t, ok
}

// List returns tokens in registration order.
func (r *Registry) List() []*Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Token, len(r.order))
	copy(out, r.order)
	return out
}
