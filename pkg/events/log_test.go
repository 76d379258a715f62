package events

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

func openTestDB(t *testing.T) *pebble.DB {
	t.Helper()
	db, err := pebble.Open(filepath.Join(t.TempDir(), "db"), &pebble.Options{})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testTransfer(n int64) Transfer {
	return Transfer{
		Token: common.HexToAddress("0x01"),
		From:  common.HexToAddress("0x02"),
		To:    common.HexToAddress("0x03"),
		Value: big.NewInt(n),
	}
}

func recv(t *testing.T, sub *Subscription) Record {
	t.Helper()
	select {
	case rec, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return rec
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for record")
		return Record{}
	}
}

func TestAppendAssignsSequence(t *testing.T) {
	l, err := NewLog(openTestDB(t))
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}

	for want := uint64(1); want <= 3; want++ {
		rec, err := l.Append(testTransfer(int64(want)))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if rec.Seq != want {
			t.Fatalf("seq = %d, want %d", rec.Seq, want)
		}
		if rec.Type != KindTransfer {
			t.Fatalf("type = %q, want %q", rec.Type, KindTransfer)
		}
	}
	if l.LastSeq() != 3 {
		t.Fatalf("LastSeq = %d, want 3", l.LastSeq())
	}
}

func TestAppendWithCommitsBatchWithEvent(t *testing.T) {
	db := openTestDB(t)
	l, err := NewLog(db)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}

	sub := l.Subscribe()
	defer sub.Close()

	// Stage a state key the way an engine snapshot would, then commit it
	// together with the event record.
	batch := db.NewBatch()
	if err := batch.Set([]byte("state:balance"), []byte("42"), nil); err != nil {
		t.Fatalf("stage key: %v", err)
	}

	rec, err := l.AppendWith(batch, testTransfer(1))
	if err != nil {
		t.Fatalf("AppendWith: %v", err)
	}
	if rec.Seq != 1 || rec.Type != KindTransfer {
		t.Fatalf("record = %+v", rec)
	}

	val, closer, err := db.Get([]byte("state:balance"))
	if err != nil {
		t.Fatalf("staged key not committed: %v", err)
	}
	if string(val) != "42" {
		t.Fatalf("staged value = %q", val)
	}
	closer.Close()

	recs, err := l.Replay(1)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(recs) != 1 || recs[0].Seq != 1 {
		t.Fatalf("replay = %+v", recs)
	}
	if got := recv(t, sub); got.Seq != 1 {
		t.Fatalf("fanout seq = %d, want 1", got.Seq)
	}
	if l.LastSeq() != 1 {
		t.Fatalf("LastSeq = %d, want 1", l.LastSeq())
	}
}

func TestReplayFrom(t *testing.T) {
	l, err := NewLog(openTestDB(t))
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	for i := int64(1); i <= 5; i++ {
		if _, err := l.Append(testTransfer(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recs, err := l.Replay(3)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	for i, rec := range recs {
		want := uint64(3 + i)
		if rec.Seq != want {
			t.Fatalf("recs[%d].Seq = %d, want %d", i, rec.Seq, want)
		}
		ev, ok := rec.Event.(Transfer)
		if !ok {
			t.Fatalf("recs[%d].Event = %T, want Transfer", i, rec.Event)
		}
		if ev.Value.Cmp(big.NewInt(int64(want))) != 0 {
			t.Fatalf("recs[%d].Value = %s, want %d", i, ev.Value, want)
		}
	}

	// Replay(0) and Replay(1) both start at genesis.
	all, err := l.Replay(0)
	if err != nil {
		t.Fatalf("Replay(0): %v", err)
	}
	if len(all) != 5 || all[0].Seq != 1 {
		t.Fatalf("Replay(0): len=%d first=%d", len(all), all[0].Seq)
	}
}

func TestReopenRecoversHead(t *testing.T) {
	db := openTestDB(t)
	l, err := NewLog(db)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	for i := int64(1); i <= 4; i++ {
		if _, err := l.Append(testTransfer(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	l2, err := NewLog(db)
	if err != nil {
		t.Fatalf("NewLog (reopen): %v", err)
	}
	if l2.LastSeq() != 4 {
		t.Fatalf("LastSeq after reopen = %d, want 4", l2.LastSeq())
	}
	rec, err := l2.Append(testTransfer(5))
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if rec.Seq != 5 {
		t.Fatalf("seq after reopen = %d, want 5", rec.Seq)
	}
}

func TestSubscribeDeliversInCommitOrder(t *testing.T) {
	l, err := NewLog(openTestDB(t))
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}

	sub := l.Subscribe()
	defer sub.Close()

	for i := int64(1); i <= 3; i++ {
		if _, err := l.Append(testTransfer(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	for want := uint64(1); want <= 3; want++ {
		if rec := recv(t, sub); rec.Seq != want {
			t.Fatalf("seq = %d, want %d", rec.Seq, want)
		}
	}
}

func TestSubscribeFromIsGapless(t *testing.T) {
	l, err := NewLog(openTestDB(t))
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	for i := int64(1); i <= 3; i++ {
		if _, err := l.Append(testTransfer(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// History first, then live, no gap and no duplicate across the boundary.
	sub, err := l.SubscribeFrom(2)
	if err != nil {
		t.Fatalf("SubscribeFrom: %v", err)
	}
	defer sub.Close()

	for i := int64(4); i <= 5; i++ {
		if _, err := l.Append(testTransfer(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	for want := uint64(2); want <= 5; want++ {
		if rec := recv(t, sub); rec.Seq != want {
			t.Fatalf("seq = %d, want %d", rec.Seq, want)
		}
	}
}

func TestClosedSubscriptionStopsDelivery(t *testing.T) {
	l, err := NewLog(openTestDB(t))
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}

	sub := l.Subscribe()
	sub.Close()

	if _, err := l.Append(testTransfer(1)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatalf("received on closed subscription")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed after Close")
	}
}
