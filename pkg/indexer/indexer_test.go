package indexer

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/sahdex/sahdex/pkg/events"
	"github.com/sahdex/sahdex/pkg/exchange"
	"github.com/sahdex/sahdex/pkg/storage"
	"github.com/sahdex/sahdex/pkg/token"
	"github.com/sahdex/sahdex/pkg/util"
)

var (
	user1   = common.HexToAddress("0x0000000000000000000000000000000000000101")
	user2   = common.HexToAddress("0x0000000000000000000000000000000000000202")
	feeAcct = common.HexToAddress("0x0000000000000000000000000000000000000fee")
)

type scenario struct {
	db       *pebble.DB
	elog     *events.Log
	x        *exchange.Exchange
	registry *token.Registry
	sah      *token.Token
	meth     *token.Token

	cancelledID uint64
	filledID    uint64
	openID      uint64
}

// runScenario drives the engine through deposits, a cancel, a fill, and an
// open order, leaving a committed event stream behind.
func runScenario(t *testing.T) *scenario {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	elog, err := events.NewLog(db)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}

	tstore := token.NewStore(db)
	sah, err := token.New("Saurabh", "SAH", big.NewInt(1000), user1, elog, tstore, nil)
	if err != nil {
		t.Fatalf("new SAH: %v", err)
	}
	meth, err := token.New("Mock Ether", "mETH", big.NewInt(1000), user2, elog, tstore, nil)
	if err != nil {
		t.Fatalf("new mETH: %v", err)
	}
	registry := token.NewRegistry()
	registry.Add(sah)
	registry.Add(meth)

	x, err := exchange.New(exchange.Options{
		FeeBps:     100,
		FeeAccount: feeAcct,
		Ledgers:    exchange.NewRegistryResolver(registry),
		Events:     elog,
		Store:      exchange.NewStore(db),
		Clock:      util.FixedClock{T: time.Unix(1_700_000_000, 0)},
	})
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}

	s := &scenario{db: db, elog: elog, x: x, registry: registry, sah: sah, meth: meth}

	must := func(step string, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", step, err)
		}
	}

	must("approve SAH", sah.Approve(user1, x.Address(), token.Units(100)))
	must("deposit SAH", x.DepositToken(user1, sah.Address(), token.Units(100)))
	must("approve mETH", meth.Approve(user2, x.Address(), token.Units(100)))
	must("deposit mETH", x.DepositToken(user2, meth.Address(), token.Units(100)))

	o1, err := x.MakeOrder(user1, meth.Address(), token.Units(5), sah.Address(), token.Units(5))
	must("make o1", err)
	must("cancel o1", x.CancelOrder(user1, o1.ID))
	s.cancelledID = o1.ID

	o2, err := x.MakeOrder(user1, meth.Address(), token.Units(100), sah.Address(), token.Units(10))
	must("make o2", err)
	must("fill o2", x.FillOrder(user2, o2.ID))
	s.filledID = o2.ID

	o3, err := x.MakeOrder(user1, meth.Address(), token.Units(1), sah.Address(), token.Units(1))
	must("make o3", err)
	s.openID = o3.ID

	must("withdraw SAH", x.WithdrawToken(user1, sah.Address(), token.Units(10)))

	return s
}

func foldAll(t *testing.T, s *scenario) *Indexer {
	t.Helper()
	recs, err := s.elog.Replay(1)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	ix := New()
	for _, rec := range recs {
		ix.Apply(rec)
	}
	return ix
}

func TestFoldedViewsMatchEngine(t *testing.T) {
	s := runScenario(t)
	ix := foldAll(t, s)

	if got := ix.OrderStatus(s.cancelledID); got != "cancelled" {
		t.Fatalf("status(%d) = %q, want cancelled", s.cancelledID, got)
	}
	if got := ix.OrderStatus(s.filledID); got != "filled" {
		t.Fatalf("status(%d) = %q, want filled", s.filledID, got)
	}
	if got := ix.OrderStatus(s.openID); got != "open" {
		t.Fatalf("status(%d) = %q, want open", s.openID, got)
	}
	if got := ix.OrderStatus(999); got != "" {
		t.Fatalf("status(999) = %q, want empty", got)
	}

	open := ix.OpenOrders()
	if len(open) != 1 || open[0].ID != s.openID {
		t.Fatalf("open orders = %+v, want only %d", open, s.openID)
	}

	trades := ix.Trades()
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	if trades[0].ID != s.filledID || trades[0].User != user2 || trades[0].UserFill != user1 {
		t.Fatalf("trade = %+v", trades[0])
	}

	// Custody balances folded from the stream must equal the engine's own,
	// including the fee account credited only through a Trade delta.
	pairs := []struct {
		token common.Address
		user  common.Address
	}{
		{s.sah.Address(), user1}, {s.sah.Address(), user2}, {s.sah.Address(), feeAcct},
		{s.meth.Address(), user1}, {s.meth.Address(), user2},
	}
	for _, p := range pairs {
		want := s.x.BalanceOf(p.token, p.user)
		if got := ix.Balance(p.token, p.user); got.Cmp(want) != 0 {
			t.Errorf("balance (%s, %s) = %s, engine has %s", p.token.Hex(), p.user.Hex(), got, want)
		}
	}
}

func TestOrdersByStatus(t *testing.T) {
	s := runScenario(t)
	ix := foldAll(t, s)

	open := ix.OrdersByStatus("open")
	if len(open) != 1 || open[0].ID != s.openID {
		t.Fatalf("open = %+v, want only %d", open, s.openID)
	}
	filled := ix.OrdersByStatus("filled")
	if len(filled) != 1 || filled[0].ID != s.filledID {
		t.Fatalf("filled = %+v, want only %d", filled, s.filledID)
	}
	cancelled := ix.OrdersByStatus("cancelled")
	if len(cancelled) != 1 || cancelled[0].ID != s.cancelledID {
		t.Fatalf("cancelled = %+v, want only %d", cancelled, s.cancelledID)
	}

	all := ix.OrdersByStatus("")
	if len(all) != 3 {
		t.Fatalf("all = %d orders, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Fatalf("orders not sorted by id: %+v", all)
		}
	}
}

// The durable stream and the durable snapshot are committed together, so a
// restored engine and a from-genesis fold must always agree.
func TestReplayMatchesRestoredEngine(t *testing.T) {
	s := runScenario(t)
	ix := foldAll(t, s)

	x2, err := exchange.New(exchange.Options{
		FeeBps:     100,
		FeeAccount: feeAcct,
		Ledgers:    exchange.NewRegistryResolver(s.registry),
		Events:     s.elog,
		Store:      exchange.NewStore(s.db),
		Clock:      util.FixedClock{T: time.Unix(1_700_000_000, 0)},
	})
	if err != nil {
		t.Fatalf("restore exchange: %v", err)
	}

	for id, want := range map[uint64]string{
		s.cancelledID: "cancelled",
		s.filledID:    "filled",
		s.openID:      "open",
	} {
		o, ok := x2.Order(id)
		if !ok || o.Status.String() != want {
			t.Fatalf("restored order %d = %v, fold says %s", id, o.Status, want)
		}
		if got := ix.OrderStatus(id); got != want {
			t.Fatalf("folded status(%d) = %q, want %s", id, got, want)
		}
	}

	pairs := []struct {
		token common.Address
		user  common.Address
	}{
		{s.sah.Address(), user1}, {s.sah.Address(), user2}, {s.sah.Address(), feeAcct},
		{s.meth.Address(), user1}, {s.meth.Address(), user2},
	}
	for _, p := range pairs {
		want := x2.BalanceOf(p.token, p.user)
		if got := ix.Balance(p.token, p.user); got.Cmp(want) != 0 {
			t.Errorf("balance (%s, %s): fold %s, restored engine %s",
				p.token.Hex(), p.user.Hex(), got, want)
		}
	}
}

func TestApplyIsIdempotentBySequence(t *testing.T) {
	s := runScenario(t)
	ix := foldAll(t, s)
	last := ix.LastSeq()

	before := ix.Balance(s.sah.Address(), feeAcct)

	// Replay overlap: re-applying committed records must change nothing.
	recs, err := s.elog.Replay(1)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	for _, rec := range recs {
		ix.Apply(rec)
	}

	if ix.LastSeq() != last {
		t.Fatalf("LastSeq moved on re-apply: %d -> %d", last, ix.LastSeq())
	}
	if got := ix.Balance(s.sah.Address(), feeAcct); got.Cmp(before) != 0 {
		t.Fatalf("fee balance changed on re-apply: %s -> %s", before, got)
	}
	if len(ix.Trades()) != 1 {
		t.Fatalf("trades duplicated on re-apply: %d", len(ix.Trades()))
	}
}

func TestRunFollowsSubscription(t *testing.T) {
	s := runScenario(t)

	sub, err := s.elog.SubscribeFrom(1)
	if err != nil {
		t.Fatalf("SubscribeFrom: %v", err)
	}

	ix := New()
	done := make(chan struct{})
	go func() {
		ix.Run(sub)
		close(done)
	}()

	// A live event after the historical replay.
	if err := s.x.WithdrawToken(user2, s.meth.Address(), token.Units(1)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	head := s.elog.LastSeq()

	deadline := time.After(2 * time.Second)
	for ix.LastSeq() < head {
		select {
		case <-deadline:
			t.Fatalf("indexer at seq %d, head %d", ix.LastSeq(), head)
		case <-time.After(5 * time.Millisecond):
		}
	}

	want := s.x.BalanceOf(s.meth.Address(), user2)
	if got := ix.Balance(s.meth.Address(), user2); got.Cmp(want) != 0 {
		t.Fatalf("live balance = %s, engine has %s", got, want)
	}

	sub.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Close")
	}
}
