package events

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Log is the append-only event log. Every committed record gets the next
// sequence number. Callers that persist a state snapshot stage it into a
// pebble batch and commit through AppendWith, so the event record and the
// snapshot become durable in one write and the stream alone is always
// sufficient to rebuild state.
//
// Subscribers receive records strictly in commit order. A slow subscriber
// buffers in memory; it never blocks or influences an in-flight operation.
type Log struct {
	mu      sync.Mutex
	db      *pebble.DB
	nextSeq uint64
	subs    map[*Subscription]struct{}
}

// key format: "evt:{seq:020d}" — zero-padded for lexicographic replay order.
func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("evt:%020d", seq))
}

func eventPrefix() []byte { return []byte("evt:") }

func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// NewLog opens the event log over an existing pebble handle and recovers the
// last committed sequence number.
func NewLog(db *pebble.DB) (*Log, error) {
	l := &Log{
		db:      db,
		nextSeq: 1,
		subs:    make(map[*Subscription]struct{}),
	}

	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: eventPrefix(),
		UpperBound: keyUpperBound(eventPrefix()),
	})
	if err != nil {
		return nil, fmt.Errorf("open event iterator: %w", err)
	}
	defer iter.Close()

	if iter.Last() && iter.Valid() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("recover event log head: %w", err)
		}
		l.nextSeq = rec.Seq + 1
	}

	return l, nil
}

// Append commits an event on its own: assigns the next sequence number,
// persists the record, and fans it out to subscribers. Callers serialize
// state mutation themselves; Append only orders the resulting notifications.
func (l *Log) Append(ev Event) (Record, error) {
	return l.AppendWith(l.db.NewBatch(), ev)
}

// AppendWith adds the event record to batch and commits the batch, so a
// caller's staged state snapshot and its event land in one pebble write: a
// crash can never separate them. The sequence number advances and the record
// fans out only after the commit succeeds; on error nothing was persisted.
func (l *Log) AppendWith(batch *pebble.Batch, ev Event) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{Seq: l.nextSeq, Type: ev.Kind(), Event: ev}
	data, err := encodeRecord(rec)
	if err != nil {
		return Record{}, err
	}
	if err := batch.Set(eventKey(rec.Seq), data, nil); err != nil {
		return Record{}, fmt.Errorf("stage event %d: %w", rec.Seq, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return Record{}, fmt.Errorf("persist event %d: %w", rec.Seq, err)
	}
	l.nextSeq++

	for sub := range l.subs {
		sub.push(rec)
	}

	return rec, nil
}

// Replay returns all committed records with Seq >= from, in commit order.
// Replay(0) and Replay(1) both start from genesis.
func (l *Log) Replay(from uint64) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replayLocked(from)
}

func (l *Log) replayLocked(from uint64) ([]Record, error) {
	if from < 1 {
		from = 1
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(from),
		UpperBound: keyUpperBound(eventPrefix()),
	})
	if err != nil {
		return nil, fmt.Errorf("open event iterator: %w", err)
	}
	defer iter.Close()

	var records []Record
	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// LastSeq returns the sequence number of the most recent committed record
// (0 when the log is empty).
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// Subscribe registers a live subscriber starting after the current head.
func (l *Log) Subscribe() *Subscription {
	return l.subscribe(nil)
}

// SubscribeFrom registers a subscriber that first receives every historical
// record with Seq >= from, then continues live with no gap or duplicate.
func (l *Log) SubscribeFrom(from uint64) (*Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	history, err := l.replayLocked(from)
	if err != nil {
		return nil, err
	}
	return l.subscribeLocked(history), nil
}

func (l *Log) subscribe(history []Record) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subscribeLocked(history)
}

func (l *Log) subscribeLocked(history []Record) *Subscription {
	sub := &Subscription{
		log:     l,
		ch:      make(chan Record),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		pending: history,
	}
	l.subs[sub] = struct{}{}
	go sub.pump()
	return sub
}

func (l *Log) unsubscribe(sub *Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subs, sub)
}

// Subscription delivers committed records in order on C().
type Subscription struct {
	log  *Log
	ch   chan Record
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	pending []Record
	closed  bool
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription) C() <-chan Record { return s.ch }

// Close detaches the subscriber and releases its pump.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.log.unsubscribe(s)
	close(s.done)
}

func (s *Subscription) push(rec Record) {
	s.mu.Lock()
	s.pending = append(s.pending, rec)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		var next Record
		have := len(s.pending) > 0
		if have {
			next = s.pending[0]
			s.pending = s.pending[1:]
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.ch <- next:
		case <-s.done:
			return
		}
	}
}
