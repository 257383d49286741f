package shapesync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerLifecycle(t *testing.T) {
	tr := NewTracker()
	m := tr.Register("42", OpInsert, []byte(`{"id":"42"}`))
	assert.Equal(t, StatusPending, m.Status)
	assert.NotEmpty(t, m.ID)

	require.NoError(t, tr.AttachTxid(m.ID, "77"))
	assert.Equal(t, StatusAwaiting, m.Status)
	assert.Equal(t, "77", m.Txid)

	got := tr.Confirm("77")
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerConfirmUnknownTxidIsForeign(t *testing.T) {
	tr := NewTracker()
	tr.Register("42", OpInsert, nil)
	assert.Nil(t, tr.Confirm("99"))
	assert.Equal(t, 1, tr.Len())
}

func TestTrackerDoubleAttachIsInvalid(t *testing.T) {
	tr := NewTracker()
	m := tr.Register("42", OpUpdate, nil)
	require.NoError(t, tr.AttachTxid(m.ID, "1"))
	assert.ErrorIs(t, tr.AttachTxid(m.ID, "2"), ErrInvalidState)
}

func TestTrackerAttachAfterFailIsInvalid(t *testing.T) {
	tr := NewTracker()
	m := tr.Register("42", OpUpdate, nil)
	_, err := tr.Fail(m.ID, errors.New("boom"))
	require.NoError(t, err)
	assert.ErrorIs(t, tr.AttachTxid(m.ID, "1"), ErrInvalidState)
}

func TestTrackerFailReturnsRecordForRollback(t *testing.T) {
	tr := NewTracker()
	m := tr.Register("5", OpDelete, nil)
	cause := errors.New("network down")
	got, err := tr.Fail(m.ID, cause)
	require.NoError(t, err)
	assert.Equal(t, "5", got.Key)
	assert.Equal(t, OpDelete, got.Op)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, cause, got.Reason)

	_, err = tr.Fail(m.ID, cause)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestTrackerPendingForKeyOrder(t *testing.T) {
	tr := NewTracker()
	m1 := tr.Register("x", OpUpdate, nil)
	tr.Register("y", OpUpdate, nil)
	m3 := tr.Register("x", OpUpdate, nil)

	pending := tr.PendingForKey("x")
	require.Len(t, pending, 2)
	assert.Equal(t, m1.ID, pending[0].ID)
	assert.Equal(t, m3.ID, pending[1].ID)

	_, err := tr.Fail(m1.ID, errors.New("rejected"))
	require.NoError(t, err)
	pending = tr.PendingForKey("x")
	require.Len(t, pending, 1)
	assert.Equal(t, m3.ID, pending[0].ID)
}
