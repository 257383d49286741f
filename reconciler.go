package shapesync

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shapesync/shapesync/utils"
)

// appliedTxidWindow bounds the memory spent remembering already-applied feed
// events. Resume overlap after a reconnect is short, so a small window is
// enough to keep replay idempotent.
const appliedTxidWindow = 4096

// Reconciler merges the incoming change feed with locally pending writes.
// It is the only component that retires overlays: a feed event whose txid
// matches a tracked mutation confirms it, anything else is foreign and just
// moves the authoritative base. Events may be delivered more than once
// around resume boundaries; an LRU of applied (txid, key) pairs absorbs the
// duplicates.
type Reconciler[R any] struct {
	coll    *Collection[R]
	tracker *Tracker
	log     utils.Logger

	applied *lru.Cache[string, struct{}]
	seen    *lru.Cache[string, struct{}]

	confirmed atomic.Uint64
	foreign   atomic.Uint64
	failed    atomic.Uint64
	replayed  atomic.Uint64
}

func NewReconciler[R any](coll *Collection[R], tracker *Tracker, log utils.Logger) (*Reconciler[R], error) {
	applied, err := lru.New[string, struct{}](appliedTxidWindow)
	if err != nil {
		return nil, err
	}
	seen, err := lru.New[string, struct{}](appliedTxidWindow)
	if err != nil {
		return nil, err
	}
	return &Reconciler[R]{coll: coll, tracker: tracker, log: log, applied: applied, seen: seen}, nil
}

// Drain applies a batch of feed events. Safe to call with overlapping
// batches; application is idempotent per (txid, key).
//
// The txid is registered as seen BEFORE the event is applied. The gateway
// response for the same commit may land at any point during apply (the
// foreign path runs subscriber callbacks), and the session's settle check
// must find the txid whichever side gets there first; registering it late
// would strand the mutation in awaiting forever once the applied window
// swallows the redelivery.
func (rec *Reconciler[R]) Drain(ctx context.Context, events []Event) error {
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if ev.Op == OpControl {
			continue
		}
		if ev.Txid != "" {
			if _, dup := rec.applied.Get(ev.Txid + "/" + ev.Key); dup {
				rec.replayed.Add(1)
				continue
			}
			rec.seen.Add(ev.Txid, struct{}{})
		}
		applied, err := rec.apply(ctx, ev)
		if err != nil {
			return err
		}
		if ev.Txid == "" {
			continue
		}
		if applied {
			rec.applied.Add(ev.Txid+"/"+ev.Key, struct{}{})
		} else {
			// skipped event: leave the (txid, key) unmarked so an intact
			// redelivery is not mistaken for a replay
			rec.seen.Remove(ev.Txid)
		}
	}
	return nil
}

func (rec *Reconciler[R]) apply(ctx context.Context, ev Event) (bool, error) {
	var value *R
	if ev.Op != OpDelete {
		value = new(R)
		if err := json.Unmarshal(ev.Value, value); err != nil {
			rec.log.ErrorCtx(ctx, "reconcile: undecodable event payload",
				"table", ev.Table, "key", ev.Key, "txid", ev.Txid, "err", err)
			return false, nil // a poisoned event must not stall the feed
		}
	}

	if ev.Txid != "" {
		if m := rec.tracker.Confirm(ev.Txid); m != nil {
			// self-write round-tripped: swap the overlay for server truth
			rec.coll.ApplyConfirmed(ev.Key, ev.Op, value, m.ID)
			rec.confirmed.Add(1)
			rec.log.DebugCtx(ctx, "reconcile: confirmed",
				"key", ev.Key, "txid", ev.Txid, "mutation", m.ID)
			return true, nil
		}
	}

	// Foreign write, or a local one not yet round-tripped through the
	// tracker. Server state replaces the base; a still-pending overlay on
	// the same key keeps display priority until its own txid arrives.
	rec.coll.ApplyAuthoritative(ev.Key, ev.Op, value)
	rec.foreign.Add(1)
	return true, nil
}

// ObservedTxid reports whether the feed already delivered txid. The session
// checks this after attaching a txid: if the commit raced ahead of the
// gateway response, the mutation is confirmed on the spot instead of
// waiting for a replay that may never come.
func (rec *Reconciler[R]) ObservedTxid(txid string) bool {
	_, ok := rec.seen.Get(txid)
	return ok
}

// ConfirmObserved retires a mutation whose txid was already applied as a
// foreign event. The base already holds server truth, so only the overlay
// goes.
func (rec *Reconciler[R]) ConfirmObserved(txid string) {
	if m := rec.tracker.Confirm(txid); m != nil {
		rec.coll.ClearOverlay(m.Key, m.ID)
		rec.confirmed.Add(1)
	}
}

// RollbackFailed reacts to a gateway failure: the mutation is marked failed,
// its overlay dropped so readers fall back to the previous authoritative (or
// earlier still-pending optimistic) value. A NotFound on update/delete means
// the row is gone server-side; the stale base is removed too, unless another
// pending mutation still claims the key.
func (rec *Reconciler[R]) RollbackFailed(id string, cause error) error {
	m, err := rec.tracker.Fail(id, cause)
	if err != nil {
		rec.log.Error("reconcile: rollback of unknown or terminal mutation", "mutation", id, "err", err)
		return err
	}
	rec.failed.Add(1)
	rec.coll.ClearOverlay(m.Key, m.ID)
	if errors.Is(cause, ErrNotFound) && m.Op != OpInsert {
		if len(rec.tracker.PendingForKey(m.Key)) == 0 {
			rec.coll.ApplyAuthoritative(m.Key, OpDelete, nil)
		}
	}
	return nil
}
