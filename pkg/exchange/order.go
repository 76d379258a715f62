package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of an order. Open is the only state that
// admits transitions; Filled and Cancelled are terminal.
type Status int8

const (
	Open Status = iota
	Filled
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Order is a maker's offer: give AmountGive of TokenGive for AmountGet of
// TokenGet, fillable whole by any taker. Orders are retained permanently
// after resolution; ids are never reused.
type Order struct {
	ID         uint64         `json:"id"`
	Maker      common.Address `json:"maker"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *big.Int       `json:"amountGive"`
	CreatedAt  int64          `json:"createdAt"` // Unix seconds
	Status     Status         `json:"status"`
}

// clone returns a defensive copy so callers can never mutate engine state.
func (o *Order) clone() Order {
	c := *o
	c.AmountGet = new(big.Int).Set(o.AmountGet)
	c.AmountGive = new(big.Int).Set(o.AmountGive)
	return c
}
