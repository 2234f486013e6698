package queue

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/quillhq/quill/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixEvent  = "/events/" // /events/{16-digit-zero-padded-seq}
	prefixDead   = "/dead/"   // /dead/{16-digit-zero-padded-seq}
	keyCursor    = "/cursor"  // uint64, last contiguously acknowledged seq
	keySeq       = "/seq"     // uint64, last assigned sequence
	cleanupEvery = 128        // Acks between cleanup passes
)

// eventLog is the Pebble-backed persistence layer of the channel: an
// append-only event keyspace, the consumer cursor, and the dead-letter
// keyspace.
type eventLog struct {
	db      *pebble.DB
	nextSeq atomic.Uint64 // Last assigned sequence
	cursor  atomic.Uint64 // Last contiguously acknowledged sequence
	dead    atomic.Int64  // Dead-letter count (loaded on open)
	closed  atomic.Bool
}

func openEventLog(path string) (*eventLog, error) {
	opts := &pebble.Options{
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 4,
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
		DisableWAL:                  false,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log at %s: %w", path, err)
	}

	l := &eventLog{db: db}

	seq, err := l.loadUint64(keySeq)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence: %w", err)
	}
	l.nextSeq.Store(seq)

	cursor, err := l.loadUint64(keyCursor)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	l.cursor.Store(cursor)

	deadCount, err := l.countPrefix(prefixDead)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}
	l.dead.Store(deadCount)

	return l, nil
}

func (l *eventLog) loadUint64(key string) (uint64, error) {
	val, closer, err := l.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	var v uint64
	if err := encoding.Unmarshal(val, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (l *eventLog) storeUint64(key string, v uint64, sync bool) error {
	val, err := encoding.Marshal(v)
	if err != nil {
		return err
	}
	opt := pebble.NoSync
	if sync {
		opt = pebble.Sync
	}
	return l.db.Set([]byte(key), val, opt)
}

func (l *eventLog) countPrefix(prefix string) (int64, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var count int64
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	return count, iter.Error()
}

// append assigns sequence numbers to events and commits them in one synced
// batch. The batch commit is the durability point the enqueue futures
// resolve on.
func (l *eventLog) append(events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	if l.closed.Load() {
		return fmt.Errorf("event log is closed")
	}

	startSeq := l.nextSeq.Load()
	localSeq := startSeq

	batch := l.db.NewBatch()
	defer batch.Close()

	for _, ev := range events {
		localSeq++
		ev.Seq = localSeq

		val, err := encoding.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := batch.Set([]byte(eventKey(localSeq)), val, pebble.Sync); err != nil {
			return fmt.Errorf("failed to stage event: %w", err)
		}
	}

	seqVal, err := encoding.Marshal(localSeq)
	if err != nil {
		return err
	}
	if err := batch.Set([]byte(keySeq), seqVal, pebble.Sync); err != nil {
		return fmt.Errorf("failed to stage sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit enqueue batch: %w", err)
	}

	// Expose new sequences only after the commit is durable.
	l.nextSeq.Store(localSeq)
	return nil
}

// readFrom returns up to limit events with seq > after, in sequence order.
func (l *eventLog) readFrom(after uint64, limit int) ([]Event, error) {
	if l.closed.Load() {
		return nil, fmt.Errorf("event log is closed")
	}

	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(eventKey(after + 1)),
		UpperBound: prefixUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]Event, 0, limit)
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var ev Event
		if err := encoding.Unmarshal(val, &ev); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping unreadable event")
			continue
		}
		events = append(events, ev)
	}

	return events, iter.Error()
}

// writeAttempts persists the attempt count so a retry budget survives
// process restarts.
func (l *eventLog) writeAttempts(ev Event) error {
	val, err := encoding.Marshal(&ev)
	if err != nil {
		return err
	}
	return l.db.Set([]byte(eventKey(ev.Seq)), val, pebble.Sync)
}

// advanceCursor durably records the contiguously acknowledged prefix.
func (l *eventLog) advanceCursor(seq uint64) error {
	l.cursor.Store(seq)
	return l.storeUint64(keyCursor, seq, true)
}

// putDead parks an event in the dead-letter keyspace and removes it from the
// live event keyspace.
func (l *eventLog) putDead(dl DeadLetter) error {
	val, err := encoding.Marshal(&dl)
	if err != nil {
		return err
	}

	batch := l.db.NewBatch()
	defer batch.Close()

	if err := batch.Set([]byte(deadKey(dl.Event.Seq)), val, pebble.Sync); err != nil {
		return err
	}
	if err := batch.Delete([]byte(eventKey(dl.Event.Seq)), pebble.Sync); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}

	l.dead.Add(1)
	return nil
}

func (l *eventLog) getDead(seq uint64) (DeadLetter, error) {
	val, closer, err := l.db.Get([]byte(deadKey(seq)))
	if err == pebble.ErrNotFound {
		return DeadLetter{}, fmt.Errorf("dead letter %d not found", seq)
	}
	if err != nil {
		return DeadLetter{}, err
	}
	defer closer.Close()

	var dl DeadLetter
	if err := encoding.Unmarshal(val, &dl); err != nil {
		return DeadLetter{}, err
	}
	return dl, nil
}

func (l *eventLog) deleteDead(seq uint64) error {
	if err := l.db.Delete([]byte(deadKey(seq)), pebble.Sync); err != nil {
		return err
	}
	l.dead.Add(-1)
	return nil
}

func (l *eventLog) listDead(limit int) ([]DeadLetter, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixDead),
		UpperBound: prefixUpperBound([]byte(prefixDead)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var letters []DeadLetter
	for iter.First(); iter.Valid() && (limit <= 0 || len(letters) < limit); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var dl DeadLetter
		if err := encoding.Unmarshal(val, &dl); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping unreadable dead letter")
			continue
		}
		letters = append(letters, dl)
	}
	return letters, iter.Error()
}

// cleanup drops acknowledged events at or below the cursor.
func (l *eventLog) cleanup() {
	cursor := l.cursor.Load()
	if cursor == 0 {
		return
	}
	if err := l.db.DeleteRange([]byte(prefixEvent), []byte(eventKey(cursor+1)), pebble.NoSync); err != nil {
		log.Warn().Err(err).Uint64("cursor", cursor).Msg("Failed to clean up acknowledged events")
	}
}

func (l *eventLog) close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("event log already closed")
	}
	return l.db.Close()
}

func eventKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixEvent, seq)
}

func deadKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixDead, seq)
}

// prefixUpperBound returns the upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
