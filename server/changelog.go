package server

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/shapesync/shapesync"
	"github.com/shapesync/shapesync/utils"
)

// ChangeLog is the ordered log of committed row changes backing the shape
// endpoint, stored in pebble. Keys are 'L' + big-endian sequence so an
// iterator walks the log in commit order; the 'H' key holds the incarnation
// nonce from which shape handles are derived.
type ChangeLog struct {
	db    *pebble.DB
	log   utils.Logger
	next  atomic.Uint64
	nonce string

	subseq atomic.Uint64
	hub    *xsync.MapOf[uint64, chan struct{}]
}

const logKeyLen = 1 + 8

func logKey(seq uint64) []byte {
	var ret = [logKeyLen]byte{'L'}
	return binary.BigEndian.AppendUint64(ret[:1], seq)
}

func logKeySeq(key []byte) uint64 {
	if len(key) != logKeyLen || key[0] != 'L' {
		return 0
	}
	return binary.BigEndian.Uint64(key[1:])
}

var nonceKey = []byte{'H'}

func OpenChangeLog(dir string, log utils.Logger) (*ChangeLog, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	cl := &ChangeLog{db: db, log: log, hub: xsync.NewMapOf[uint64, chan struct{}]()}

	// recover the next sequence from the last log entry
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'L'},
		UpperBound: []byte{'M'},
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if iter.Last() && iter.Valid() {
		cl.next.Store(logKeySeq(iter.Key()) + 1)
	}
	_ = iter.Close()

	nonce, closer, err := db.Get(nonceKey)
	switch err {
	case nil:
		cl.nonce = string(nonce)
		_ = closer.Close()
	case pebble.ErrNotFound:
		cl.nonce = fmt.Sprintf("%016x", xxhash.Sum64String(dir+time.Now().String()))
		if err := db.Set(nonceKey, []byte(cl.nonce), pebble.Sync); err != nil {
			_ = db.Close()
			return nil, err
		}
	default:
		_ = db.Close()
		return nil, err
	}
	return cl, nil
}

func (cl *ChangeLog) Close() error { return cl.db.Close() }

// Handle identifies the current incarnation of a table's shape. A consumer
// presenting a stale handle gets 409 and refetches from scratch.
func (cl *ChangeLog) Handle(table string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(table+":"+cl.nonce))
}

// Len is the number of entries in the log.
func (cl *ChangeLog) Len() uint64 { return cl.next.Load() }

// Metrics exposes the underlying pebble metrics for the collector.
func (cl *ChangeLog) Metrics() *pebble.Metrics { return cl.db.Metrics() }

// Append writes events to the log in one synced batch, assigning offsets,
// then wakes live subscribers.
func (cl *ChangeLog) Append(events []shapesync.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := cl.db.NewBatch()
	seq := cl.next.Load()
	for i := range events {
		events[i].Offset = FormatOffset(seq)
		data, err := json.Marshal(events[i])
		if err != nil {
			return err
		}
		if err := batch.Set(logKey(seq), data, nil); err != nil {
			return err
		}
		seq++
	}
	if err := cl.db.Apply(batch, pebble.Sync); err != nil {
		return err
	}
	cl.next.Store(seq)

	cl.hub.Range(func(id uint64, ch chan struct{}) bool {
		select {
		case ch <- struct{}{}:
		default:
		}
		return true
	})
	return nil
}

// ReadFrom returns up to limit events for table starting at offset, plus the
// offset to resume from. Events of other tables advance the offset without
// being returned.
func (cl *ChangeLog) ReadFrom(table string, offset uint64, limit int) (events []shapesync.Event, next uint64, err error) {
	iter, err := cl.db.NewIter(&pebble.IterOptions{
		LowerBound: logKey(offset),
		UpperBound: []byte{'M'},
	})
	if err != nil {
		return nil, offset, err
	}
	defer iter.Close()

	next = offset
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		var ev shapesync.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			cl.log.Error("changelog: undecodable entry", "seq", logKeySeq(iter.Key()), "err", err)
			next = logKeySeq(iter.Key()) + 1
			continue
		}
		next = logKeySeq(iter.Key()) + 1
		if ev.Table == table {
			events = append(events, ev)
		}
	}
	return events, next, iter.Error()
}

// Subscribe registers a wakeup channel signaled on every append.
func (cl *ChangeLog) Subscribe() (uint64, <-chan struct{}) {
	id := cl.subseq.Add(1)
	ch := make(chan struct{}, 1)
	cl.hub.Store(id, ch)
	return id, ch
}

func (cl *ChangeLog) Unsubscribe(id uint64) {
	cl.hub.Delete(id)
}

func FormatOffset(seq uint64) string { return strconv.FormatUint(seq, 10) }

func ParseOffset(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
