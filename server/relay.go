package server

import (
	"context"
	"time"

	"github.com/shapesync/shapesync/utils"
)

const relayBatch = 256

// Relay moves committed change events from the store's outbox to the pebble
// change log in commit order. Writes wake it immediately; a ticker covers
// anything missed around startup. Because outbox rows are written in the
// same transaction as the row mutation, a crash never loses a change, only
// delays its publication.
type Relay struct {
	store *Store
	clog  *ChangeLog
	log   utils.Logger
}

func NewRelay(store *Store, clog *ChangeLog, log utils.Logger) *Relay {
	return &Relay{store: store, clog: clog, log: log}
}

func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if err := r.drain(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error("relay: drain failed", "err", err)
		}
		select {
		case <-r.store.Wakeup():
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Relay) drain(ctx context.Context) error {
	for {
		events, lastSeq, err := r.store.Outbox(ctx, relayBatch)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		if err := r.clog.Append(events); err != nil {
			return err
		}
		if err := r.store.TrimOutbox(ctx, lastSeq); err != nil {
			return err
		}
		r.log.Debug("relay: published", "events", len(events), "through", lastSeq)
	}
}
