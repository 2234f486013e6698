// Package reconciler drives eventual consistency: it consumes mutation
// events from the durable channel, publishes the affected entity's current
// state to the external service, and advances the entity's onchain version
// on acknowledgment. Stale events (observed version already covered by a
// later acknowledgment) are dropped without an external call, as are events
// whose entity no longer exists.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/quillhq/quill/db"
	"github.com/quillhq/quill/encoding"
	"github.com/quillhq/quill/publish"
	"github.com/quillhq/quill/queue"
	"github.com/quillhq/quill/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConcurrency    = 4
	DefaultPublishTimeout = 30 * time.Second
)

// Options configures a Reconciler.
type Options struct {
	Concurrency    int           // Parallel publish workers
	PublishTimeout time.Duration // Per-publish deadline
}

// Reconciler consumes the channel's delivery stream with a pool of workers.
// The channel's per-entity gate guarantees one worker at a time per entity,
// so workers never race on the same row.
type Reconciler struct {
	store     db.RecordStore
	channel   *queue.Channel
	publisher publish.Publisher
	filter    *publish.ScopeFilter
	opts      Options

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

func New(store db.RecordStore, channel *queue.Channel, publisher publish.Publisher, filter *publish.ScopeFilter, opts Options) *Reconciler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	return &Reconciler{
		store:     store,
		channel:   channel,
		publisher: publisher,
		filter:    filter,
		opts:      opts,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the worker pool. Safe to call once.
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	for i := 0; i < r.opts.Concurrency; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	log.Info().Int("workers", r.opts.Concurrency).Msg("Reconciler started")
}

// Stop halts the workers. In-flight publishes finish; unacknowledged events
// are redelivered after restart.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	close(r.stopCh)
	r.wg.Wait()
	r.started = false
	log.Info().Msg("Reconciler stopped")
}

// HandleDeadLetter marks an entity as terminally failed once its event has
// exhausted the retry budget. Wire this as the channel's OnDeadLetter hook.
// A later mutation, or an operator requeue, moves the entity out of failed.
func (r *Reconciler) HandleDeadLetter(ev queue.Event, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.store.SetSyncStatus(ctx, ev.EntityID, db.SyncFailed); err != nil && err != db.ErrNotFound {
		log.Error().Err(err).Str("entity", ev.EntityID).Msg("Failed to mark entity as failed")
		return
	}
	telemetry.EntitiesFailedTotal.Inc()
	log.Warn().
		Str("entity", ev.EntityID).
		Int64("observed_version", ev.ObservedLocalVersion).
		Err(cause).
		Msg("Entity marked failed after exhausting publish retries")
}

func (r *Reconciler) worker(id int) {
	defer r.wg.Done()

	for {
		select {
		case d, ok := <-r.channel.Deliveries():
			if !ok {
				return
			}
			r.reconcile(d)
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reconciler) reconcile(d *queue.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.PublishTimeout)
	defer cancel()

	ev := d.Event

	doc, err := r.store.FindAny(ctx, ev.EntityID)
	if err == db.ErrNotFound {
		// Nothing to publish for an entity the store has never seen or
		// has physically dropped. Acknowledge so the event cannot wedge
		// its successors.
		telemetry.ReconcileTotal.With("missing").Inc()
		log.Warn().Uint64("seq", ev.Seq).Str("entity", ev.EntityID).Msg("Dropping event for unknown entity")
		d.Complete()
		return
	}
	if err != nil {
		telemetry.ReconcileTotal.With("failed").Inc()
		d.Fail(fmt.Errorf("failed to load entity: %w", err))
		return
	}

	// A later mutation has already been acknowledged; this event carries no
	// information the external service needs.
	if ev.ObservedLocalVersion < doc.OnchainVersion {
		telemetry.ReconcileTotal.With("stale").Inc()
		log.Debug().
			Uint64("seq", ev.Seq).
			Str("entity", ev.EntityID).
			Int64("observed_version", ev.ObservedLocalVersion).
			Int64("onchain_version", doc.OnchainVersion).
			Msg("Dropping stale event")
		d.Complete()
		return
	}

	// Scopes outside the publish filter reconcile locally: the version
	// bookkeeping advances as if acknowledged, but nothing leaves the node.
	if r.filter != nil && !r.filter.Match(doc.OwnerScope) {
		if err := r.settle(ctx, ev, doc); err != nil {
			telemetry.ReconcileTotal.With("failed").Inc()
			d.Fail(err)
			return
		}
		telemetry.ReconcileTotal.With("local_only").Inc()
		d.Complete()
		return
	}

	rec, err := buildRecord(ev, doc)
	if err != nil {
		telemetry.ReconcileTotal.With("failed").Inc()
		d.Fail(err)
		return
	}

	start := time.Now()
	res, err := r.publisher.Publish(ctx, rec)
	telemetry.PublishSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.ReconcileTotal.With("failed").Inc()
		d.Fail(err)
		return
	}
	if !res.Success {
		telemetry.ReconcileTotal.With("failed").Inc()
		d.Fail(fmt.Errorf("publish rejected: %s", res.Detail))
		return
	}

	if err := r.settle(ctx, ev, doc); err != nil {
		// The external service accepted the record; failing here redelivers
		// the event and the publish repeats, which at-least-once allows.
		telemetry.ReconcileTotal.With("failed").Inc()
		d.Fail(err)
		return
	}

	telemetry.ReconcileTotal.With("published").Inc()
	log.Debug().
		Uint64("seq", ev.Seq).
		Str("entity", ev.EntityID).
		Int64("observed_version", ev.ObservedLocalVersion).
		Msg("Entity reconciled")
	d.Complete()
}

// settle advances the onchain version to the acknowledged observed version
// and recomputes the sync status. Deletions count as synced once their
// tombstone is acknowledged, even if later mutations raced in; for live
// entities the status becomes synced only when no newer local version is
// outstanding.
func (r *Reconciler) settle(ctx context.Context, ev queue.Event, doc *db.Document) error {
	updated, err := r.store.AdvanceOnchain(ctx, ev.EntityID, ev.ObservedLocalVersion)
	if err != nil {
		if err == db.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to advance onchain version: %w", err)
	}

	force := ev.Kind == queue.MutationDelete
	if !force && updated.LocalVersion != updated.OnchainVersion {
		return nil
	}
	// MarkSynced re-checks the versions inside the write, so a mutation
	// racing in after AdvanceOnchain keeps its pending status.
	if err := r.store.MarkSynced(ctx, ev.EntityID, force); err != nil {
		return fmt.Errorf("failed to mark entity synced: %w", err)
	}
	return nil
}

// snapshot is the wire form of an entity inside a publish record.
type snapshot struct {
	ID           string `msgpack:"id"`
	OwnerScope   string `msgpack:"owner_scope"`
	BusinessID   string `msgpack:"business_id"`
	Kind         string `msgpack:"kind"`
	Title        string `msgpack:"title"`
	Content      string `msgpack:"content"`
	LocalVersion int64  `msgpack:"local_version"`
	UpdatedAt    int64  `msgpack:"updated_at"`
}

func buildRecord(ev queue.Event, doc *db.Document) (publish.Record, error) {
	rec := publish.Record{
		EntityID:   doc.ID,
		OwnerScope: doc.OwnerScope,
		Mutation:   string(ev.Kind),
		Version:    ev.ObservedLocalVersion,
		Deleted:    doc.IsDeleted,
	}

	if ev.Kind == queue.MutationDelete {
		return rec, nil
	}

	payload, err := encoding.Marshal(snapshot{
		ID:           doc.ID,
		OwnerScope:   doc.OwnerScope,
		BusinessID:   doc.BusinessID,
		Kind:         string(doc.Kind),
		Title:        doc.Title,
		Content:      doc.Content,
		LocalVersion: doc.LocalVersion,
		UpdatedAt:    doc.UpdatedAt.UnixMilli(),
	})
	if err != nil {
		return publish.Record{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	rec.Payload = payload
	rec.Checksum = xxhash.Sum64(payload)
	return rec, nil
}
