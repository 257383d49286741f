package shapesync

import (
	"encoding/json"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Status is the lifecycle stage of a pending mutation.
// pending -> awaiting -> {confirmed, failed}; the last two are terminal.
type Status byte

const (
	StatusPending Status = iota + 1
	StatusAwaiting
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAwaiting:
		return "awaiting-confirmation"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	}
	return "?"
}

// Mutation is one locally-originated write on its way to the server. ID is
// the correlation token (a ULID, so registration order is recoverable from
// the id itself); Txid is set once the gateway reports the committing
// transaction.
type Mutation struct {
	ID      string
	Key     string
	Op      Op
	Payload json.RawMessage
	Status  Status
	Txid    string
	Reason  error // cause of failure, nil otherwise
}

// Tracker owns the pending-mutation records. The reconciler consults it,
// never bypasses it, to tell self-writes on the feed from foreign ones.
type Tracker struct {
	lock   sync.Mutex
	byID   map[string]*Mutation
	byTxid map[string]*Mutation
	order  []*Mutation
}

func NewTracker() *Tracker {
	return &Tracker{
		byID:   make(map[string]*Mutation),
		byTxid: make(map[string]*Mutation),
	}
}

// Register creates a pending mutation for a local write and returns it.
func (t *Tracker) Register(key string, op Op, payload json.RawMessage) *Mutation {
	m := &Mutation{
		ID:      ulid.Make().String(),
		Key:     key,
		Op:      op,
		Payload: payload,
		Status:  StatusPending,
	}
	t.lock.Lock()
	t.byID[m.ID] = m
	t.order = append(t.order, m)
	t.lock.Unlock()
	return m
}

// AttachTxid records the server-assigned txid for a mutation and moves it to
// awaiting-confirmation. ErrInvalidState if the mutation is not pending:
// that means a double attach or an attach after fail, which is a correlation
// bug in the caller.
func (t *Tracker) AttachTxid(id, txid string) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	m, ok := t.byID[id]
	if !ok || m.Status != StatusPending {
		return ErrInvalidState
	}
	m.Txid = txid
	m.Status = StatusAwaiting
	t.byTxid[txid] = m
	return nil
}

// Confirm finds the mutation awaiting txid, marks it confirmed and removes
// it from the tracker. A nil return means no local mutation claims this
// txid: the feed event is foreign.
func (t *Tracker) Confirm(txid string) *Mutation {
	t.lock.Lock()
	defer t.lock.Unlock()
	m, ok := t.byTxid[txid]
	if !ok || m.Status != StatusAwaiting {
		return nil
	}
	m.Status = StatusConfirmed
	t.drop(m)
	return m
}

// Fail marks a mutation failed and removes it, returning the record so the
// caller can roll the store back. ErrInvalidState on a terminal mutation.
func (t *Tracker) Fail(id string, reason error) (*Mutation, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	m, ok := t.byID[id]
	if !ok || m.Status == StatusConfirmed || m.Status == StatusFailed {
		return nil, ErrInvalidState
	}
	m.Status = StatusFailed
	m.Reason = reason
	t.drop(m)
	return m, nil
}

// PendingForKey returns the live mutations targeting key, oldest first. The
// reconciler uses it to decide whether an overlay is still justified after a
// partial rollback.
func (t *Tracker) PendingForKey(key string) []*Mutation {
	t.lock.Lock()
	defer t.lock.Unlock()
	var out []*Mutation
	for _, m := range t.order {
		if m.Key == key {
			out = append(out, m)
		}
	}
	return out
}

// Len is the number of live (non-terminal) mutations.
func (t *Tracker) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.order)
}

// drop removes a terminal mutation from all indexes; lock held.
func (t *Tracker) drop(m *Mutation) {
	delete(t.byID, m.ID)
	if m.Txid != "" {
		delete(t.byTxid, m.Txid)
	}
	for i, o := range t.order {
		if o == m {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}
