package shapesync

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shapesync/shapesync/utils"
)

func testReconciler(t *testing.T) (*Reconciler[trow], *Collection[trow], *Tracker) {
	t.Helper()
	log := utils.NewDefaultLogger(slog.LevelError)
	coll := NewCollection[trow]("todos", trow.key, log)
	tracker := NewTracker()
	rec, err := NewReconciler(coll, tracker, log)
	require.NoError(t, err)
	return rec, coll, tracker
}

func raw(t *testing.T, r trow) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(r)
	require.NoError(t, err)
	return data
}

func TestReconcilerOptimismThenConfirm(t *testing.T) {
	rec, coll, tracker := testReconciler(t)

	// insert {id:42, text:"buy milk"} optimistically
	m := tracker.Register("42", OpInsert, nil)
	require.NoError(t, coll.ApplyOptimistic("42", OpInsert, trow{ID: "42", Text: "buy milk"}, m.ID))
	require.NoError(t, tracker.AttachTxid(m.ID, "77"))

	// feed later emits the commit; the authoritative text differs
	authoritative := trow{ID: "42", Text: "buy milk (trimmed)"}
	err := rec.Drain(context.Background(), []Event{
		{Op: OpInsert, Table: "todos", Key: "42", Value: raw(t, authoritative), Txid: "77"},
	})
	require.NoError(t, err)

	rows := coll.List()
	require.Len(t, rows, 1) // exactly one row with id 42, no duplicate
	assert.Equal(t, authoritative, rows[0])
	assert.Equal(t, 0, tracker.Len()) // overlay retired
}

func TestReconcilerIdempotentReplay(t *testing.T) {
	rec, coll, _ := testReconciler(t)

	ev := Event{Op: OpInsert, Table: "todos", Key: "1", Value: raw(t, trow{ID: "1", Text: "a"}), Txid: "10"}
	require.NoError(t, rec.Drain(context.Background(), []Event{ev}))
	rev := coll.Revision()

	// simulate resume overlap: the same event arrives again
	require.NoError(t, rec.Drain(context.Background(), []Event{ev}))
	assert.Equal(t, rev, coll.Revision())
	assert.Equal(t, 1, coll.Len())
}

func TestReconcilerForeignWriteNotLost(t *testing.T) {
	rec, coll, tracker := testReconciler(t)

	// a local mutation is pending on a different key
	m := tracker.Register("local", OpInsert, nil)
	require.NoError(t, coll.ApplyOptimistic("local", OpInsert, trow{ID: "local"}, m.ID))

	err := rec.Drain(context.Background(), []Event{
		{Op: OpInsert, Table: "todos", Key: "foreign", Value: raw(t, trow{ID: "foreign", Text: "theirs"}), Txid: "5"},
	})
	require.NoError(t, err)

	got, ok := coll.Get("foreign")
	require.True(t, ok)
	assert.Equal(t, "theirs", got.Text)
	_, ok = coll.Get("local")
	assert.True(t, ok)
}

func TestReconcilerPendingOverlayKeepsDisplayPriority(t *testing.T) {
	rec, coll, tracker := testReconciler(t)
	coll.ApplyAuthoritative("x", OpInsert, &trow{ID: "x", Text: "v0"})

	m := tracker.Register("x", OpUpdate, nil)
	require.NoError(t, coll.ApplyOptimistic("x", OpUpdate, trow{ID: "x", Text: "mine"}, m.ID))

	// an unmatched (foreign or out-of-order) event lands on the same key
	require.NoError(t, rec.Drain(context.Background(), []Event{
		{Op: OpUpdate, Table: "todos", Key: "x", Value: raw(t, trow{ID: "x", Text: "theirs"}), Txid: "30"},
	}))

	got, _ := coll.Get("x")
	assert.Equal(t, "mine", got.Text) // no flicker from out-of-order delivery

	// its own txid arrives and reconciles per the confirm path
	require.NoError(t, tracker.AttachTxid(m.ID, "31"))
	require.NoError(t, rec.Drain(context.Background(), []Event{
		{Op: OpUpdate, Table: "todos", Key: "x", Value: raw(t, trow{ID: "x", Text: "mine"}), Txid: "31"},
	}))
	got, _ = coll.Get("x")
	assert.Equal(t, "mine", got.Text)
	assert.Equal(t, 0, tracker.Len())
}

func TestReconcilerRollbackToPriorAuthoritative(t *testing.T) {
	rec, coll, tracker := testReconciler(t)
	coll.ApplyAuthoritative("r", OpInsert, &trow{ID: "r", Text: "v0"})

	m := tracker.Register("r", OpUpdate, nil)
	require.NoError(t, coll.ApplyOptimistic("r", OpUpdate, trow{ID: "r", Text: "v1"}, m.ID))

	require.NoError(t, rec.RollbackFailed(m.ID, ErrNetwork))

	got, ok := coll.Get("r")
	require.True(t, ok)
	assert.Equal(t, "v0", got.Text)
}

func TestReconcilerRollbackKeepsEarlierPendingEdit(t *testing.T) {
	rec, coll, tracker := testReconciler(t)
	coll.ApplyAuthoritative("r", OpInsert, &trow{ID: "r", Text: "v0"})

	m1 := tracker.Register("r", OpUpdate, nil)
	require.NoError(t, coll.ApplyOptimistic("r", OpUpdate, trow{ID: "r", Text: "v1"}, m1.ID))
	m2 := tracker.Register("r", OpUpdate, nil)
	require.NoError(t, coll.ApplyOptimistic("r", OpUpdate, trow{ID: "r", Text: "v2"}, m2.ID))

	// only the most recent edit fails
	require.NoError(t, rec.RollbackFailed(m2.ID, ErrNetwork))

	got, _ := coll.Get("r")
	assert.Equal(t, "v1", got.Text)
	require.Len(t, tracker.PendingForKey("r"), 1)
}

func TestReconcilerNotFoundRemovesGhost(t *testing.T) {
	rec, coll, tracker := testReconciler(t)
	coll.ApplyAuthoritative("5", OpInsert, &trow{ID: "5", Text: "doomed"})

	// update row 5 optimistically; the row was deleted concurrently
	m := tracker.Register("5", OpUpdate, nil)
	require.NoError(t, coll.ApplyOptimistic("5", OpUpdate, trow{ID: "5", Text: "doomed", Done: true}, m.ID))

	require.NoError(t, rec.RollbackFailed(m.ID, ErrNotFound))

	_, ok := coll.Get("5")
	assert.False(t, ok, "no optimistic ghost past the failure point")
	assert.Empty(t, coll.List())
}

func TestReconcilerRollbackInvalidState(t *testing.T) {
	rec, _, tracker := testReconciler(t)
	m := tracker.Register("x", OpInsert, nil)
	_, err := tracker.Fail(m.ID, ErrNetwork)
	require.NoError(t, err)
	assert.ErrorIs(t, rec.RollbackFailed(m.ID, ErrNetwork), ErrInvalidState)
}

func TestReconcilerControlEventsSkipped(t *testing.T) {
	rec, coll, _ := testReconciler(t)
	require.NoError(t, rec.Drain(context.Background(), []Event{
		{Op: OpControl, Control: ControlUpToDate, Offset: "12"},
	}))
	assert.Equal(t, uint64(0), coll.Revision())
}

func TestReconcilerTxidVisibleDuringApply(t *testing.T) {
	rec, coll, tracker := testReconciler(t)

	m := tracker.Register("k", OpInsert, nil)
	require.NoError(t, coll.ApplyOptimistic("k", OpInsert, trow{ID: "k", Text: "mine"}, m.ID))

	// A subscriber stands in for the gateway goroutine: the write response
	// for the same commit lands while the drain is mid-application, between
	// the foreign apply and the end of the batch. The settle check must
	// already find the txid there.
	settled := false
	cancel := coll.Subscribe(func(Snapshot[trow]) {
		if settled || !rec.ObservedTxid("9") {
			return
		}
		settled = true
		require.NoError(t, tracker.AttachTxid(m.ID, "9"))
		rec.ConfirmObserved("9")
	})
	defer cancel()

	require.NoError(t, rec.Drain(context.Background(), []Event{
		{Op: OpInsert, Table: "todos", Key: "k", Value: raw(t, trow{ID: "k", Text: "server"}), Txid: "9"},
	}))

	require.True(t, settled, "txid must be observable while its event is being applied")
	assert.Equal(t, 0, tracker.Len())
	got, _ := coll.Get("k")
	assert.Equal(t, "server", got.Text)

	// the duplicate window still absorbs a redelivery
	require.NoError(t, rec.Drain(context.Background(), []Event{
		{Op: OpInsert, Table: "todos", Key: "k", Value: raw(t, trow{ID: "k", Text: "server"}), Txid: "9"},
	}))
	got, _ = coll.Get("k")
	assert.Equal(t, "server", got.Text)
}

func TestReconcilerPoisonedEventRedelivery(t *testing.T) {
	rec, coll, tracker := testReconciler(t)

	m := tracker.Register("k", OpInsert, nil)
	require.NoError(t, coll.ApplyOptimistic("k", OpInsert, trow{ID: "k", Text: "mine"}, m.ID))
	require.NoError(t, tracker.AttachTxid(m.ID, "9"))

	// first delivery arrives truncated and is skipped
	require.NoError(t, rec.Drain(context.Background(), []Event{
		{Op: OpInsert, Table: "todos", Key: "k", Value: json.RawMessage(`{"id":`), Txid: "9"},
	}))
	assert.Equal(t, 1, tracker.Len())

	// the intact redelivery must not be discarded as a replay
	authoritative := trow{ID: "k", Text: "server"}
	require.NoError(t, rec.Drain(context.Background(), []Event{
		{Op: OpInsert, Table: "todos", Key: "k", Value: raw(t, authoritative), Txid: "9"},
	}))
	assert.Equal(t, 0, tracker.Len())
	got, _ := coll.Get("k")
	assert.Equal(t, authoritative, got)
}

func TestReconcilerConfirmObservedSettlesRacedCommit(t *testing.T) {
	rec, coll, tracker := testReconciler(t)

	m := tracker.Register("42", OpInsert, nil)
	require.NoError(t, coll.ApplyOptimistic("42", OpInsert, trow{ID: "42", Text: "mine"}, m.ID))

	// the feed outruns the gateway response: txid 77 arrives before AttachTxid
	require.NoError(t, rec.Drain(context.Background(), []Event{
		{Op: OpInsert, Table: "todos", Key: "42", Value: raw(t, trow{ID: "42", Text: "server"}), Txid: "77"},
	}))
	got, _ := coll.Get("42")
	assert.Equal(t, "mine", got.Text) // overlay still wins

	require.NoError(t, tracker.AttachTxid(m.ID, "77"))
	require.True(t, rec.ObservedTxid("77"))
	rec.ConfirmObserved("77")

	got, _ = coll.Get("42")
	assert.Equal(t, "server", got.Text)
	assert.Equal(t, 0, tracker.Len())
}
