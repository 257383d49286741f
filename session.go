package shapesync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shapesync/shapesync/utils"
)

// SessionOptions configures one sync session over one server table. Sessions
// are plain values wired together by the caller; nothing here is a process
// singleton, so independent sessions can coexist in one process.
type SessionOptions[R any] struct {
	// Table is the server-side collection name ("todos", "projects").
	Table string
	// Key extracts the primary key of a row.
	Key func(R) string
	// SetKey returns the row with its key set; used to assign client-side
	// keys at optimistic-insert time. Optional: when nil, Insert requires
	// the caller to have set a key already.
	SetKey func(R, string) R
	// NewKey mints globally-unique client-side keys. Defaults to UUIDv4.
	NewKey func() string

	Gateway Gateway
	Feed    Feeder
	Log     utils.Logger
}

func (o *SessionOptions[R]) SetDefaults() {
	if o.NewKey == nil {
		o.NewKey = uuid.NewString
	}
	if o.Log == nil {
		o.Log = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

var ErrMissingKeyFunc = errors.New("shapesync: session requires a Key function")

// Write is the handle returned by the write methods. The optimistic effect
// is already visible when it is returned; Wait blocks until the gateway
// acknowledged (txid attached) or the write was rolled back.
type Write struct {
	MutationID string
	done       chan error
}

// Wait returns nil once the server accepted the write. It does not wait for
// feed confirmation; that happens asynchronously via the reconciler.
func (w *Write) Wait(ctx context.Context) error {
	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session is the UI-facing API of the sync core for a single collection:
// optimistic writes going out through the gateway, authoritative changes
// coming back through the feed, reconciled by txid.
type Session[R any] struct {
	opts    SessionOptions[R]
	coll    *Collection[R]
	tracker *Tracker
	rec     *Reconciler[R]
	log     utils.Logger
}

func NewSession[R any](opts SessionOptions[R]) (*Session[R], error) {
	opts.SetDefaults()
	if opts.Key == nil {
		return nil, ErrMissingKeyFunc
	}
	coll := NewCollection[R](opts.Table, opts.Key, opts.Log)
	tracker := NewTracker()
	rec, err := NewReconciler[R](coll, tracker, opts.Log)
	if err != nil {
		return nil, err
	}
	return &Session[R]{opts: opts, coll: coll, tracker: tracker, rec: rec, log: opts.Log}, nil
}

func (s *Session[R]) Collection() *Collection[R] { return s.coll }
func (s *Session[R]) Tracker() *Tracker          { return s.tracker }
func (s *Session[R]) Reconciler() *Reconciler[R] { return s.rec }

func (s *Session[R]) Get(key string) (R, bool) { return s.coll.Get(key) }
func (s *Session[R]) List() []R                { return s.coll.List() }

func (s *Session[R]) Subscribe(fn func(Snapshot[R])) func() { return s.coll.Subscribe(fn) }

// Run pumps the change feed into the reconciler until ctx ends. Feed
// disconnects are handled inside the Feeder; only context cancellation and
// queue shutdown stop the pump.
func (s *Session[R]) Run(ctx context.Context) error {
	for {
		events, err := s.opts.Feed.Feed(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if err := s.rec.Drain(ctx, events); err != nil {
			return err
		}
	}
}

// Insert applies row optimistically and submits it to the server. When the
// row has no key yet and SetKey is configured, a fresh UUID is assigned so
// concurrent inserts from other clients cannot collide.
func (s *Session[R]) Insert(ctx context.Context, row R) (*Write, error) {
	key := s.opts.Key(row)
	if key == "" {
		if s.opts.SetKey == nil {
			return nil, ErrKeyUnknown
		}
		key = s.opts.NewKey()
		row = s.opts.SetKey(row, key)
	}
	return s.submit(ctx, key, OpInsert, row)
}

// Update computes the next value from the current visible one (optimistic or
// authoritative) and submits it. The compute function must be pure.
func (s *Session[R]) Update(ctx context.Context, key string, fn func(R) R) (*Write, error) {
	cur, ok := s.coll.Get(key)
	if !ok {
		return nil, ErrKeyUnknown
	}
	return s.submit(ctx, key, OpUpdate, fn(cur))
}

func (s *Session[R]) Delete(ctx context.Context, key string) (*Write, error) {
	if _, ok := s.coll.Get(key); !ok {
		return nil, ErrKeyUnknown
	}
	var zero R
	return s.submit(ctx, key, OpDelete, zero)
}

func (s *Session[R]) submit(ctx context.Context, key string, op Op, row R) (*Write, error) {
	payload, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	m := s.tracker.Register(key, op, payload)
	if err := s.coll.ApplyOptimistic(key, op, row, m.ID); err != nil {
		if _, ferr := s.tracker.Fail(m.ID, err); ferr != nil {
			s.log.Error("session: failed to discard unapplied mutation", "mutation", m.ID, "err", ferr)
		}
		return nil, err
	}

	w := &Write{MutationID: m.ID, done: make(chan error, 1)}
	go s.perform(ctx, w, m, op, key, row)
	return w, nil
}

// perform runs the gateway call off the caller's goroutine; the optimistic
// overlay is already visible by the time it starts.
func (s *Session[R]) perform(ctx context.Context, w *Write, m *Mutation, op Op, key string, row R) {
	var res *WriteResult
	var err error
	switch op {
	case OpInsert:
		res, err = s.opts.Gateway.Create(ctx, s.opts.Table, row)
	case OpUpdate:
		res, err = s.opts.Gateway.Update(ctx, s.opts.Table, key, row)
	case OpDelete:
		res, err = s.opts.Gateway.Delete(ctx, s.opts.Table, key)
	}
	if err != nil {
		s.log.WarnCtx(ctx, "session: write rejected, rolling back",
			"table", s.opts.Table, "key", key, "op", op.String(), "err", err)
		if rerr := s.rec.RollbackFailed(m.ID, err); rerr != nil {
			err = rerr
		}
		w.done <- err
		return
	}

	if aerr := s.tracker.AttachTxid(m.ID, res.Txid); aerr != nil {
		s.log.Error("session: txid attach failed", "mutation", m.ID, "txid", res.Txid, "err", aerr)
		w.done <- aerr
		return
	}
	// The commit may have raced ahead of us on the feed; settle immediately
	// instead of waiting for a duplicate that may never be delivered.
	if s.rec.ObservedTxid(res.Txid) {
		s.rec.ConfirmObserved(res.Txid)
	}
	w.done <- nil
}
