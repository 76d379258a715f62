package events

import (
	"encoding/json"
	"fmt"
)

// wire is the persisted/record form: the event payload is kept as raw JSON so
// it can be decoded by Type.
type wire struct {
	Seq   uint64          `json:"seq"`
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

func encodeRecord(r Record) ([]byte, error) {
	payload, err := json.Marshal(r.Event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", r.Type, err)
	}
	return json.Marshal(wire{Seq: r.Seq, Type: r.Type, Event: payload})
}

func decodeRecord(data []byte) (Record, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, fmt.Errorf("unmarshal event record: %w", err)
	}

	var ev Event
	switch w.Type {
	case KindTransfer:
		ev = new(Transfer)
	case KindApproval:
		ev = new(Approval)
	case KindDeposit:
		ev = new(Deposit)
	case KindWithdraw:
		ev = new(Withdraw)
	case KindOrder:
		ev = new(Order)
	case KindCancel:
		ev = new(Cancel)
	case KindTrade:
		ev = new(Trade)
	default:
		return Record{}, fmt.Errorf("unknown event type %q at seq %d", w.Type, w.Seq)
	}

	if err := json.Unmarshal(w.Event, ev); err != nil {
		return Record{}, fmt.Errorf("unmarshal %s event: %w", w.Type, err)
	}

	return Record{Seq: w.Seq, Type: w.Type, Event: deref(ev)}, nil
}

// deref returns the value form so records compare and type-switch uniformly
// regardless of whether they came from Append or from disk.
func deref(ev Event) Event {
	switch e := ev.(type) {
	case *Transfer:
		return *e
	case *Approval:
		return *e
	case *Deposit:
		return *e
	case *Withdraw:
		return *e
	case *Order:
		return *e
	case *Cancel:
		return *e
	case *Trade:
		return *e
	default:
		return ev
	}
}
