package token

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sahdex/sahdex/pkg/events"
	"github.com/sahdex/sahdex/pkg/storage"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func newTestToken(t *testing.T) *Token {
	t.Helper()
	tok, err := New("Saurabh", "SAH", big.NewInt(1_000_000), alice, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tok
}

func TestNewMintsSupplyToOwner(t *testing.T) {
	tok := newTestToken(t)

	if tok.Name() != "Saurabh" || tok.Symbol() != "SAH" {
		t.Fatalf("got %s/%s", tok.Name(), tok.Symbol())
	}
	if tok.Address() != AddressFromSymbol("SAH") {
		t.Fatalf("address not derived from symbol")
	}

	want := new(big.Int).Mul(big.NewInt(1_000_000), Scale)
	if tok.TotalSupply().Cmp(want) != 0 {
		t.Fatalf("totalSupply = %s, want %s", tok.TotalSupply(), want)
	}
	if tok.BalanceOf(alice).Cmp(want) != 0 {
		t.Fatalf("owner balance = %s, want full supply", tok.BalanceOf(alice))
	}
	if tok.BalanceOf(bob).Sign() != 0 {
		t.Fatalf("stranger balance = %s, want 0", tok.BalanceOf(bob))
	}
}

func TestTransferMovesBalance(t *testing.T) {
	tok := newTestToken(t)
	amount := Units(100)

	if err := tok.Transfer(alice, bob, amount); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	wantAlice := new(big.Int).Sub(Units(1_000_000), amount)
	if tok.BalanceOf(alice).Cmp(wantAlice) != 0 {
		t.Fatalf("alice = %s, want %s", tok.BalanceOf(alice), wantAlice)
	}
	if tok.BalanceOf(bob).Cmp(amount) != 0 {
		t.Fatalf("bob = %s, want %s", tok.BalanceOf(bob), amount)
	}

	sum := new(big.Int).Add(tok.BalanceOf(alice), tok.BalanceOf(bob))
	if sum.Cmp(tok.TotalSupply()) != 0 {
		t.Fatalf("supply not conserved: %s != %s", sum, tok.TotalSupply())
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	tok := newTestToken(t)

	err := tok.Transfer(bob, carol, Units(1))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if tok.BalanceOf(bob).Sign() != 0 || tok.BalanceOf(carol).Sign() != 0 {
		t.Fatalf("rejected transfer touched balances")
	}
}

func TestTransferToZeroAddress(t *testing.T) {
	tok := newTestToken(t)

	err := tok.Transfer(alice, common.Address{}, Units(1))
	if !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("err = %v, want ErrInvalidRecipient", err)
	}
	if tok.BalanceOf(alice).Cmp(Units(1_000_000)) != 0 {
		t.Fatalf("rejected transfer touched sender balance")
	}
}

func TestApproveOverwrites(t *testing.T) {
	tok := newTestToken(t)

	if err := tok.Approve(alice, bob, Units(100)); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := tok.Approve(alice, bob, Units(30)); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if got := tok.Allowance(alice, bob); got.Cmp(Units(30)) != 0 {
		t.Fatalf("allowance = %s, want %s (overwrite, not add)", got, Units(30))
	}
}

func TestApproveZeroSpender(t *testing.T) {
	tok := newTestToken(t)

	if err := tok.Approve(alice, common.Address{}, Units(1)); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("err = %v, want ErrInvalidRecipient", err)
	}
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	tok := newTestToken(t)

	if err := tok.Approve(alice, bob, Units(100)); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := tok.TransferFrom(bob, alice, carol, Units(60)); err != nil {
		t.Fatalf("TransferFrom: %v", err)
	}

	if got := tok.Allowance(alice, bob); got.Cmp(Units(40)) != 0 {
		t.Fatalf("allowance = %s, want %s", got, Units(40))
	}
	if tok.BalanceOf(carol).Cmp(Units(60)) != 0 {
		t.Fatalf("carol = %s, want %s", tok.BalanceOf(carol), Units(60))
	}
	// The spender moved funds but never held them.
	if tok.BalanceOf(bob).Sign() != 0 {
		t.Fatalf("spender balance = %s, want 0", tok.BalanceOf(bob))
	}
}

func TestTransferFromInsufficientAllowance(t *testing.T) {
	tok := newTestToken(t)

	if err := tok.Approve(alice, bob, Units(10)); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	err := tok.TransferFrom(bob, alice, carol, Units(11))
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("err = %v, want ErrInsufficientAllowance", err)
	}
	if got := tok.Allowance(alice, bob); got.Cmp(Units(10)) != 0 {
		t.Fatalf("rejected transferFrom consumed allowance: %s", got)
	}
	if tok.BalanceOf(carol).Sign() != 0 {
		t.Fatalf("rejected transferFrom touched balances")
	}
}

func TestEventsEmittedInOrder(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	elog, err := events.NewLog(db)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}

	tok, err := New("Saurabh", "SAH", big.NewInt(1_000_000), alice, elog, NewStore(db), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tok.Transfer(alice, bob, Units(5)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if err := tok.Approve(alice, bob, Units(7)); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	recs, err := elog.Replay(1)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}

	mint, ok := recs[0].Event.(events.Transfer)
	if !ok || mint.From != (common.Address{}) || mint.To != alice {
		t.Fatalf("record 1 = %+v, want mint Transfer from zero address", recs[0])
	}
	xfer, ok := recs[1].Event.(events.Transfer)
	if !ok || xfer.From != alice || xfer.To != bob || xfer.Value.Cmp(Units(5)) != 0 {
		t.Fatalf("record 2 = %+v, want alice->bob Transfer", recs[1])
	}
	appr, ok := recs[2].Event.(events.Approval)
	if !ok || appr.Owner != alice || appr.Spender != bob || appr.Value.Cmp(Units(7)) != 0 {
		t.Fatalf("record 3 = %+v, want Approval", recs[2])
	}
}

func TestRestoreSkipsMint(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := NewStore(db)
	tok, err := New("Saurabh", "SAH", big.NewInt(1_000_000), alice, nil, store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tok.Transfer(alice, bob, Units(250)); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if err := tok.Approve(alice, carol, Units(9)); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	// Second construction over the same store must restore, not re-mint.
	tok2, err := New("Saurabh", "SAH", big.NewInt(1_000_000), alice, nil, store, nil)
	if err != nil {
		t.Fatalf("New (restore): %v", err)
	}
	if tok2.TotalSupply().Cmp(Units(1_000_000)) != 0 {
		t.Fatalf("restored supply = %s", tok2.TotalSupply())
	}
	if tok2.BalanceOf(bob).Cmp(Units(250)) != 0 {
		t.Fatalf("restored bob = %s, want %s", tok2.BalanceOf(bob), Units(250))
	}
	wantAlice := new(big.Int).Sub(Units(1_000_000), Units(250))
	if tok2.BalanceOf(alice).Cmp(wantAlice) != 0 {
		t.Fatalf("restored alice = %s, want %s (mint must not repeat)", tok2.BalanceOf(alice), wantAlice)
	}
	if tok2.Allowance(alice, carol).Cmp(Units(9)) != 0 {
		t.Fatalf("restored allowance = %s", tok2.Allowance(alice, carol))
	}
}
