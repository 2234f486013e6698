// Package queue implements the durable mutation event channel: an ordered,
// persistent, at-least-once delivery queue between the command layer and the
// reconciler. Events for one entity are delivered in enqueue order; events
// for different entities flow independently. Failed deliveries are retried
// with exponential backoff up to a bounded attempt budget, then parked in a
// dead-letter keyspace for operator inspection.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/quillhq/quill/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize       = 100
	DefaultBufferSize      = 64
	DefaultPollInterval    = 50 * time.Millisecond
	DefaultFlushInterval   = 2 * time.Millisecond
	DefaultMaxAttempts     = 5
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
)

// Options configures a Channel.
type Options struct {
	BatchSize       int           // Events read per dispatch cycle
	BufferSize      int           // Delivery channel capacity
	PollInterval    time.Duration // Idle poll interval
	FlushInterval   time.Duration // Group-commit window for Enqueue
	MaxAttempts     int           // Delivery attempts before dead-letter
	RetryInitial    time.Duration // Initial redelivery delay
	RetryMax        time.Duration // Redelivery delay cap
	RetryMultiplier float64       // Backoff multiplier

	// OnDeadLetter fires after an event is parked, off the dispatcher
	// goroutine. The channel never resolves dead letters on its own.
	OnDeadLetter func(Event, error)
}

func (o *Options) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = DefaultRetryInitial
	}
	if o.RetryMax <= 0 {
		o.RetryMax = DefaultRetryMax
	}
	if o.RetryMultiplier <= 1 {
		o.RetryMultiplier = DefaultRetryMultiplier
	}
}

// Delivery hands one event to the consumer. Exactly one of Complete or Fail
// must be called; the channel withholds the entity's next event until then.
type Delivery struct {
	Event Event

	ch       *Channel
	resolved atomic.Bool
}

// Complete acknowledges the delivery. The event will not be redelivered
// unless the process crashes before the acknowledgment becomes durable.
func (d *Delivery) Complete() {
	if !d.resolved.CompareAndSwap(false, true) {
		return
	}
	d.ch.sendControl(d.ch.acks, control{ev: d.Event})
}

// Fail reports a delivery failure. The event is redelivered after a backoff,
// or dead-lettered once its attempt budget is spent.
func (d *Delivery) Fail(err error) {
	if !d.resolved.CompareAndSwap(false, true) {
		return
	}
	d.ch.sendControl(d.ch.nacks, control{ev: d.Event, err: err})
}

type control struct {
	ev  Event
	err error
}

type pendingEnqueue struct {
	ev      *Event
	promise *future.Promise[uint64]
}

// Channel is a Pebble-backed durable event channel with a single in-process
// consumer group.
type Channel struct {
	log  *eventLog
	opts Options

	stagingMu sync.Mutex
	staging   []*pendingEnqueue

	out      chan *Delivery
	acks     chan control
	nacks    chan control
	retryCh  chan Event
	flushNow chan struct{}
	notify   chan struct{}

	inFlightCount atomic.Int64
	retryingCount atomic.Int64

	stopCh    chan struct{}
	flushDone chan struct{}
	dispDone  chan struct{}
	closed    atomic.Bool
}

// Open opens (creating if necessary) the channel's event log at path and
// starts the flush and dispatch loops.
func Open(path string, opts Options) (*Channel, error) {
	opts.withDefaults()

	l, err := openEventLog(path)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		log:       l,
		opts:      opts,
		out:       make(chan *Delivery, opts.BufferSize),
		acks:      make(chan control, opts.BufferSize),
		nacks:     make(chan control, opts.BufferSize),
		retryCh:   make(chan Event, opts.BufferSize),
		flushNow:  make(chan struct{}, 1),
		notify:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		flushDone: make(chan struct{}),
		dispDone:  make(chan struct{}),
	}

	go c.flushLoop()
	go c.dispatchLoop()

	log.Info().
		Str("path", path).
		Uint64("cursor", l.cursor.Load()).
		Uint64("next_seq", l.nextSeq.Load()).
		Int64("dead_letters", l.dead.Load()).
		Msg("Event channel opened")

	return c, nil
}

// Enqueue durably persists the event and returns its assigned sequence
// number. Events staged within one flush window share a single synced
// commit; the call returns only after that commit.
func (c *Channel) Enqueue(ctx context.Context, ev Event) (uint64, error) {
	if c.closed.Load() {
		return 0, fmt.Errorf("event channel is closed")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ev.EnqueuedAt = time.Now().UnixMilli()
	ev.Attempts = 0

	p := future.NewPromise[uint64]()
	c.stagingMu.Lock()
	c.staging = append(c.staging, &pendingEnqueue{ev: &ev, promise: p})
	staged := len(c.staging)
	c.stagingMu.Unlock()

	if staged >= c.opts.BatchSize {
		select {
		case c.flushNow <- struct{}{}:
		default:
		}
	}

	return p.Future().Get()
}

// Deliveries returns the consumer stream. The channel closes it after Close
// once the dispatcher has drained.
func (c *Channel) Deliveries() <-chan *Delivery {
	return c.out
}

// Stats returns a snapshot of channel state.
func (c *Channel) Stats() Stats {
	next := c.log.nextSeq.Load()
	cursor := c.log.cursor.Load()
	return Stats{
		NextSeq:     next,
		Cursor:      cursor,
		Depth:       next - cursor,
		InFlight:    int(c.inFlightCount.Load()),
		Retrying:    int(c.retryingCount.Load()),
		DeadLetters: int(c.log.dead.Load()),
	}
}

// DeadLetters lists parked events, oldest first. limit <= 0 returns all.
func (c *Channel) DeadLetters(limit int) ([]DeadLetter, error) {
	return c.log.listDead(limit)
}

// RequeueDeadLetter re-enqueues a parked event with a fresh attempt budget
// and removes it from the dead-letter keyspace. Returns the new sequence.
func (c *Channel) RequeueDeadLetter(ctx context.Context, seq uint64) (uint64, error) {
	dl, err := c.log.getDead(seq)
	if err != nil {
		return 0, err
	}

	newSeq, err := c.Enqueue(ctx, Event{
		EntityID:             dl.Event.EntityID,
		Kind:                 dl.Event.Kind,
		ObservedLocalVersion: dl.Event.ObservedLocalVersion,
	})
	if err != nil {
		return 0, err
	}

	if err := c.log.deleteDead(seq); err != nil {
		return newSeq, fmt.Errorf("requeued as %d but failed to drop dead letter %d: %w", newSeq, seq, err)
	}
	return newSeq, nil
}

// Close stops the flush and dispatch loops, resolves in-flight enqueues, and
// closes the event log. Unacknowledged deliveries are redelivered on the
// next Open.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(c.stopCh)
	<-c.flushDone
	<-c.dispDone
	close(c.out)

	return c.log.close()
}

// sendControl forwards an ack/nack to the dispatcher unless the channel is
// shutting down; a dropped control just means redelivery after restart.
func (c *Channel) sendControl(ch chan control, m control) {
	select {
	case ch <- m:
	case <-c.stopCh:
	}
}

// flushLoop groups staged enqueues into single synced commits.
func (c *Channel) flushLoop() {
	defer close(c.flushDone)

	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tryFlush()
		case <-c.flushNow:
			c.tryFlush()
		case <-c.stopCh:
			c.tryFlush()
			return
		}
	}
}

func (c *Channel) tryFlush() {
	c.stagingMu.Lock()
	if len(c.staging) == 0 {
		c.stagingMu.Unlock()
		return
	}
	batch := c.staging
	c.staging = nil
	c.stagingMu.Unlock()

	events := make([]*Event, len(batch))
	for i, pe := range batch {
		events[i] = pe.ev
	}

	err := c.log.append(events)
	for _, pe := range batch {
		pe.promise.Set(pe.ev.Seq, err)
	}
	if err != nil {
		log.Error().Err(err).Int("events", len(batch)).Msg("Failed to commit enqueue batch")
		return
	}

	telemetry.EventsEnqueuedTotal.Add(float64(len(batch)))

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// dispatchLoop owns all delivery state: the fetch position, the per-entity
// in-flight gate, the retry schedule, and cursor advancement over the
// contiguous acknowledged prefix.
func (c *Channel) dispatchLoop() {
	defer close(c.dispDone)

	var (
		readPos    = c.log.cursor.Load()
		backlog    []Event
		retryReady []Event
		inFlight   = map[string]uint64{} // entity id -> outstanding seq
		acked      = map[uint64]struct{}{}
		pendingOut *Delivery
	)

	poll := time.NewTicker(c.opts.PollInterval)
	defer poll.Stop()

	refill := func() {
		if len(backlog) >= c.opts.BatchSize {
			return
		}
		events, err := c.log.readFrom(readPos, c.opts.BatchSize)
		if err != nil {
			log.Error().Err(err).Uint64("read_pos", readPos).Msg("Failed to read from event log")
			return
		}
		if len(events) > 0 {
			backlog = append(backlog, events...)
			readPos = events[len(events)-1].Seq
		}
	}

	// claimNext picks the oldest dispatchable event: due retries first (the
	// entity's gate is already held), then the first backlog event whose
	// entity has nothing outstanding.
	claimNext := func() *Delivery {
		if len(retryReady) > 0 {
			ev := retryReady[0]
			retryReady = retryReady[1:]
			c.retryingCount.Add(-1)
			return &Delivery{Event: ev, ch: c}
		}
		for i, ev := range backlog {
			if _, busy := inFlight[ev.EntityID]; busy {
				continue
			}
			inFlight[ev.EntityID] = ev.Seq
			c.inFlightCount.Add(1)
			backlog = append(backlog[:i], backlog[i+1:]...)
			return &Delivery{Event: ev, ch: c}
		}
		return nil
	}

	// settle marks seq terminally handled and advances the durable cursor
	// over the contiguous settled prefix.
	settle := func(seq uint64) {
		acked[seq] = struct{}{}
		cursor := c.log.cursor.Load()
		advanced := false
		for {
			if _, ok := acked[cursor+1]; !ok {
				break
			}
			delete(acked, cursor+1)
			cursor++
			advanced = true
		}
		if advanced {
			if err := c.log.advanceCursor(cursor); err != nil {
				log.Warn().Err(err).Uint64("cursor", cursor).Msg("Failed to persist cursor")
			}
			if cursor%cleanupEvery == 0 {
				c.log.cleanup()
			}
		}
		telemetry.QueueDepth.Set(float64(c.log.nextSeq.Load() - c.log.cursor.Load()))
	}

	handleAck := func(m control) {
		delete(inFlight, m.ev.EntityID)
		c.inFlightCount.Add(-1)
		settle(m.ev.Seq)
	}

	handleNack := func(m control) {
		ev := m.ev
		ev.Attempts++

		failure := m.err
		if failure == nil {
			failure = fmt.Errorf("delivery failed")
		}

		if ev.Attempts >= c.opts.MaxAttempts {
			dl := DeadLetter{Event: ev, Error: failure.Error(), FailedAt: time.Now().UnixMilli()}
			if err := c.log.putDead(dl); err != nil {
				log.Error().Err(err).Uint64("seq", ev.Seq).Msg("Failed to park dead letter")
			}
			telemetry.EventsDeadLetteredTotal.Inc()
			log.Warn().
				Uint64("seq", ev.Seq).
				Str("entity", ev.EntityID).
				Int("attempts", ev.Attempts).
				Err(failure).
				Msg("Event dead-lettered after exhausting retries")

			delete(inFlight, ev.EntityID)
			c.inFlightCount.Add(-1)
			settle(ev.Seq)

			if c.opts.OnDeadLetter != nil {
				go c.opts.OnDeadLetter(ev, failure)
			}
			return
		}

		// The entity's gate stays held while the event waits out its
		// backoff, so later events cannot overtake it.
		if err := c.log.writeAttempts(ev); err != nil {
			log.Warn().Err(err).Uint64("seq", ev.Seq).Msg("Failed to persist attempt count")
		}
		telemetry.EventsRetriedTotal.Inc()
		c.retryingCount.Add(1)

		delay := c.backoffDelay(ev.Attempts)
		log.Debug().
			Uint64("seq", ev.Seq).
			Str("entity", ev.EntityID).
			Int("attempt", ev.Attempts).
			Dur("retry_delay", delay).
			Err(failure).
			Msg("Scheduling event redelivery")

		retry := ev
		time.AfterFunc(delay, func() {
			select {
			case c.retryCh <- retry:
			case <-c.stopCh:
			}
		})
	}

	for {
		refill()
		if pendingOut == nil {
			pendingOut = claimNext()
		}

		var outCh chan *Delivery
		if pendingOut != nil {
			outCh = c.out
		}

		select {
		case outCh <- pendingOut:
			telemetry.EventsDeliveredTotal.Inc()
			pendingOut = nil
		case m := <-c.acks:
			handleAck(m)
		case m := <-c.nacks:
			handleNack(m)
		case ev := <-c.retryCh:
			retryReady = append(retryReady, ev)
		case <-c.notify:
		case <-poll.C:
		case <-c.stopCh:
			return
		}
	}
}

func (c *Channel) backoffDelay(attempts int) time.Duration {
	delay := c.opts.RetryInitial
	for i := 1; i < attempts; i++ {
		delay = time.Duration(float64(delay) * c.opts.RetryMultiplier)
		if delay >= c.opts.RetryMax {
			return c.opts.RetryMax
		}
	}
	if delay > c.opts.RetryMax {
		delay = c.opts.RetryMax
	}
	return delay
}
