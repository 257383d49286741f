package server

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shapesync/shapesync"
	"github.com/shapesync/shapesync/model"
	"github.com/shapesync/shapesync/utils"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "rows.db"), utils.NewDefaultLogger(slog.LevelError))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreTxidAllocation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tx1, _, err := s.CreateTodo(ctx, "alice", model.Todo{ID: "1", UserID: "alice", Text: "a"})
	require.NoError(t, err)
	tx2, _, err := s.CreateTodo(ctx, "alice", model.Todo{ID: "2", UserID: "alice", Text: "b"})
	require.NoError(t, err)

	assert.Equal(t, "1", tx1)
	assert.Equal(t, "2", tx2)
}

func TestStoreCreateValidation(t *testing.T) {
	s := testStore(t)
	_, _, err := s.CreateTodo(context.Background(), "alice", model.Todo{ID: "1", UserID: "alice"})
	var fe FieldErrors
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "required", fe["text"])
}

func TestStoreCreateForOtherUserForbidden(t *testing.T) {
	s := testStore(t)
	_, _, err := s.CreateTodo(context.Background(), "mallory",
		model.Todo{ID: "1", UserID: "alice", Text: "x"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestStoreDuplicateIDRejected(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, _, err := s.CreateTodo(ctx, "alice", model.Todo{ID: "1", UserID: "alice", Text: "a"})
	require.NoError(t, err)
	_, _, err = s.CreateTodo(ctx, "alice", model.Todo{ID: "1", UserID: "alice", Text: "b"})
	var fe FieldErrors
	assert.ErrorAs(t, err, &fe)
}

func TestStoreUpdatePatchSemantics(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, _, err := s.CreateTodo(ctx, "alice", model.Todo{ID: "1", UserID: "alice", Text: "walk dog"})
	require.NoError(t, err)

	done := true
	txid, updated, err := s.UpdateTodo(ctx, "alice", "1", TodoPatch{Completed: &done})
	require.NoError(t, err)
	assert.NotEmpty(t, txid)
	assert.True(t, updated.Completed)
	assert.Equal(t, "walk dog", updated.Text, "untouched fields survive the patch")
}

func TestStoreUpdateMissingRow(t *testing.T) {
	s := testStore(t)
	done := true
	_, _, err := s.UpdateTodo(context.Background(), "alice", "nope", TodoPatch{Completed: &done})
	assert.ErrorIs(t, err, ErrRowNotFound)
}

func TestStoreSharedProjectWritePredicate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, _, err := s.CreateProject(ctx, "alice", model.Project{
		ID: "p1", OwnerID: "alice", Name: "chores", SharedUserIDs: []string{"bob"},
	})
	require.NoError(t, err)
	_, _, err = s.CreateTodo(ctx, "alice", model.Todo{
		ID: "1", UserID: "alice", ProjectID: "p1", Text: "mow lawn",
	})
	require.NoError(t, err)

	// a share-list member may toggle the owner's todo
	done := true
	_, _, err = s.UpdateTodo(ctx, "bob", "1", TodoPatch{Completed: &done})
	assert.NoError(t, err)

	// an outsider may not
	_, _, err = s.UpdateTodo(ctx, "mallory", "1", TodoPatch{Completed: &done})
	assert.ErrorIs(t, err, ErrForbidden)

	// nor may anyone but the owner delete the project
	_, _, err = s.DeleteProject(ctx, "bob", "p1")
	assert.ErrorIs(t, err, ErrForbidden)
	_, _, err = s.DeleteProject(ctx, "alice", "p1")
	assert.NoError(t, err)
}

func TestStoreOutboxOrderAndTrim(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	txCreate, _, err := s.CreateTodo(ctx, "alice", model.Todo{ID: "1", UserID: "alice", Text: "a"})
	require.NoError(t, err)
	txDelete, _, err := s.DeleteTodo(ctx, "alice", "1")
	require.NoError(t, err)

	events, lastSeq, err := s.Outbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, shapesync.OpInsert, events[0].Op)
	assert.Equal(t, txCreate, events[0].Txid)
	assert.NotEmpty(t, events[0].Value)
	assert.Equal(t, shapesync.OpDelete, events[1].Op)
	assert.Equal(t, txDelete, events[1].Txid)
	assert.Empty(t, events[1].Value)

	require.NoError(t, s.TrimOutbox(ctx, lastSeq))
	events, _, err = s.Outbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStoreWakeupSignalled(t *testing.T) {
	s := testStore(t)
	_, _, err := s.CreateTodo(context.Background(), "alice",
		model.Todo{ID: "1", UserID: "alice", Text: "a"})
	require.NoError(t, err)

	select {
	case <-s.Wakeup():
	default:
		t.Fatal("no wakeup after a committed write")
	}
}

func TestStoreFailedWriteLeavesNoTrace(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, _, err := s.DeleteTodo(ctx, "alice", "ghost")
	assert.ErrorIs(t, err, ErrRowNotFound)

	events, _, err := s.Outbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events, "rolled-back writes must not reach the outbox")

	// the txid burned inside the rolled-back tx is reused
	txid, _, err := s.CreateTodo(ctx, "alice", model.Todo{ID: "1", UserID: "alice", Text: "a"})
	require.NoError(t, err)
	assert.Equal(t, "1", txid)
}
