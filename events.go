package shapesync

import (
	"context"
	"encoding/json"
)

// Op is a row-level change kind, local or replicated.
type Op byte

const (
	OpInsert  Op = 'I'
	OpUpdate  Op = 'U'
	OpDelete  Op = 'D'
	OpControl Op = 'C'
)

func (op Op) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpControl:
		return "control"
	}
	return "?"
}

func ParseOp(s string) Op {
	switch s {
	case "insert":
		return OpInsert
	case "update":
		return OpUpdate
	case "delete":
		return OpDelete
	case "control":
		return OpControl
	}
	return 0
}

// Event is one entry of the shape log: a replicated row change tagged with
// the txid of the commit that produced it, or a control record (no txid)
// such as an up-to-date marker.
type Event struct {
	Op      Op              `json:"-"`
	Table   string          `json:"table,omitempty"`
	Key     string          `json:"key,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Txid    string          `json:"txid,omitempty"`
	Control string          `json:"control,omitempty"`
	Offset  string          `json:"offset,omitempty"`
}

type eventJSON struct {
	Op      string          `json:"op"`
	Table   string          `json:"table,omitempty"`
	Key     string          `json:"key,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Txid    string          `json:"txid,omitempty"`
	Control string          `json:"control,omitempty"`
	Offset  string          `json:"offset,omitempty"`
}

func (ev Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		Op:      ev.Op.String(),
		Table:   ev.Table,
		Key:     ev.Key,
		Value:   ev.Value,
		Txid:    ev.Txid,
		Control: ev.Control,
		Offset:  ev.Offset,
	})
}

func (ev *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ev.Op = ParseOp(raw.Op)
	ev.Table = raw.Table
	ev.Key = raw.Key
	ev.Value = raw.Value
	ev.Txid = raw.Txid
	ev.Control = raw.Control
	ev.Offset = raw.Offset
	return nil
}

// ControlUpToDate marks the point where the consumer has caught up with the
// log; subsequent events arrive live.
const ControlUpToDate = "up-to-date"

// Cursor marks how much of the shape log has been consumed. Offset is the
// log position, Handle identifies the shape incarnation the offset belongs
// to. Both are opaque to the consumer.
type Cursor struct {
	Offset string
	Handle string
}

// Feeder is the change-feed side of the protocol: a blocking, restartable
// source of event batches. Implementations resume transparently after
// disconnects; consumers must tolerate duplicate delivery around resume
// boundaries.
type Feeder interface {
	Feed(ctx context.Context) ([]Event, error)
}
