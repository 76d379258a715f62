package exchange

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/sahdex/sahdex/pkg/token"
)

// RegistryResolver adapts a token.Registry to the LedgerResolver interface.
type RegistryResolver struct {
	registry *token.Registry
}

func NewRegistryResolver(r *token.Registry) RegistryResolver {
	return RegistryResolver{registry: r}
}

func (r RegistryResolver) Ledger(addr common.Address) (Ledger, bool) {
	t, ok := r.registry.Get(addr)
	if !ok {
		return nil, false
	}
	return t, true
}
