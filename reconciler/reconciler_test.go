package reconciler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/quillhq/quill/db"
	"github.com/quillhq/quill/publish"
	"github.com/quillhq/quill/queue"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store     *db.MemoryStore
	channel   *queue.Channel
	publisher *publish.MockPublisher
	rec       *Reconciler
}

func newHarness(t *testing.T, maxAttempts int, scopePatterns []string) *harness {
	t.Helper()

	store := db.NewMemoryStore()
	pub := &publish.MockPublisher{}

	filter, err := publish.NewScopeFilter(scopePatterns)
	require.NoError(t, err)

	var rec *Reconciler
	channel, err := queue.Open(filepath.Join(t.TempDir(), "events"), queue.Options{
		FlushInterval:   time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		MaxAttempts:     maxAttempts,
		RetryInitial:    5 * time.Millisecond,
		RetryMax:        20 * time.Millisecond,
		RetryMultiplier: 2.0,
		OnDeadLetter: func(ev queue.Event, cause error) {
			rec.HandleDeadLetter(ev, cause)
		},
	})
	require.NoError(t, err)

	rec = New(store, channel, pub, filter, Options{
		Concurrency:    2,
		PublishTimeout: time.Second,
	})
	rec.Start()

	t.Cleanup(func() {
		rec.Stop()
		channel.Close()
	})

	return &harness{store: store, channel: channel, publisher: pub, rec: rec}
}

func (h *harness) insert(t *testing.T, doc *db.Document) *db.Document {
	t.Helper()
	if doc.CreatedAt.IsZero() {
		now := time.Now().UTC()
		doc.CreatedAt = now
		doc.UpdatedAt = now
	}
	if doc.SyncStatus == "" {
		doc.SyncStatus = db.SyncPending
	}
	require.NoError(t, h.store.Insert(context.Background(), doc))
	return doc
}

func (h *harness) enqueue(t *testing.T, ev queue.Event) {
	t.Helper()
	_, err := h.channel.Enqueue(context.Background(), ev)
	require.NoError(t, err)
}

func (h *harness) waitStatus(t *testing.T, id string, status db.SyncStatus) *db.Document {
	t.Helper()
	var doc *db.Document
	require.Eventually(t, func() bool {
		var err error
		doc, err = h.store.FindAny(context.Background(), id)
		return err == nil && doc.SyncStatus == status
	}, 2*time.Second, 5*time.Millisecond, "entity %s never reached status %s", id, status)
	return doc
}

func TestHappyPathPublishesAndSyncs(t *testing.T) {
	h := newHarness(t, 3, nil)

	h.insert(t, &db.Document{
		ID: "doc-1", OwnerScope: "org-1", BusinessID: "b", Kind: db.KindDocument,
		Title: "hello", Content: "world", LocalVersion: 1,
	})
	h.enqueue(t, queue.Event{EntityID: "doc-1", Kind: queue.MutationCreate, ObservedLocalVersion: 1})

	doc := h.waitStatus(t, "doc-1", db.SyncSynced)
	require.Equal(t, int64(1), doc.OnchainVersion)
	require.Equal(t, int64(1), doc.LocalVersion)

	records := h.publisher.Records()
	require.Len(t, records, 1)
	require.Equal(t, "doc-1", records[0].EntityID)
	require.Equal(t, "create", records[0].Mutation)
	require.Equal(t, int64(1), records[0].Version)
	require.NotEmpty(t, records[0].Payload)
	require.Equal(t, xxhash.Sum64(records[0].Payload), records[0].Checksum)
}

func TestSequentialUpdatesConverge(t *testing.T) {
	h := newHarness(t, 3, nil)

	// Two updates landed before any reconciliation; their events drain in
	// arrival order and each acknowledgment advances the onchain version.
	h.insert(t, &db.Document{
		ID: "doc-1", OwnerScope: "org-1", BusinessID: "b", Kind: db.KindDocument,
		Title: "t", LocalVersion: 3,
	})
	h.enqueue(t, queue.Event{EntityID: "doc-1", Kind: queue.MutationUpdate, ObservedLocalVersion: 2})
	h.enqueue(t, queue.Event{EntityID: "doc-1", Kind: queue.MutationUpdate, ObservedLocalVersion: 3})

	doc := h.waitStatus(t, "doc-1", db.SyncSynced)
	require.Equal(t, int64(3), doc.OnchainVersion)

	records := h.publisher.Records()
	require.Len(t, records, 2)
	require.Equal(t, int64(2), records[0].Version)
	require.Equal(t, int64(3), records[1].Version)
}

func TestStaleEventIsDroppedWithoutPublishing(t *testing.T) {
	h := newHarness(t, 3, nil)

	// The external service already acknowledged version 2; an event that
	// observed version 1 is pure noise.
	h.insert(t, &db.Document{
		ID: "doc-1", OwnerScope: "org-1", BusinessID: "b", Kind: db.KindDocument,
		Title: "t", LocalVersion: 3, OnchainVersion: 2,
	})
	h.enqueue(t, queue.Event{EntityID: "doc-1", Kind: queue.MutationUpdate, ObservedLocalVersion: 1})
	h.enqueue(t, queue.Event{EntityID: "doc-1", Kind: queue.MutationUpdate, ObservedLocalVersion: 3})

	doc := h.waitStatus(t, "doc-1", db.SyncSynced)
	require.Equal(t, int64(3), doc.OnchainVersion)

	// Only the version-3 event reached the publisher.
	records := h.publisher.Records()
	require.Len(t, records, 1)
	require.Equal(t, int64(3), records[0].Version)
}

func TestEqualVersionsRepublish(t *testing.T) {
	h := newHarness(t, 3, nil)

	// An event observing exactly the onchain version is redelivered work,
	// not staleness; publishing again is harmless.
	h.insert(t, &db.Document{
		ID: "doc-1", OwnerScope: "org-1", BusinessID: "b", Kind: db.KindDocument,
		Title: "t", LocalVersion: 2, OnchainVersion: 2, SyncStatus: db.SyncSynced,
	})
	h.enqueue(t, queue.Event{EntityID: "doc-1", Kind: queue.MutationUpdate, ObservedLocalVersion: 2})

	require.Eventually(t, func() bool {
		return h.publisher.RecordCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	doc := h.waitStatus(t, "doc-1", db.SyncSynced)
	require.Equal(t, int64(2), doc.OnchainVersion)
}

func TestMonotonicOnchainUnderRedelivery(t *testing.T) {
	h := newHarness(t, 3, nil)

	// Acknowledging an older observed version after a newer one must never
	// move the onchain version backwards.
	h.insert(t, &db.Document{
		ID: "doc-1", OwnerScope: "org-1", BusinessID: "b", Kind: db.KindDocument,
		Title: "t", LocalVersion: 5, OnchainVersion: 4,
	})
	h.enqueue(t, queue.Event{EntityID: "doc-1", Kind: queue.MutationUpdate, ObservedLocalVersion: 4})

	require.Eventually(t, func() bool {
		return h.publisher.RecordCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	doc := h.waitStatus(t, "doc-1", db.SyncPending)
	require.Equal(t, int64(4), doc.OnchainVersion, "onchain version must not regress")
	require.Equal(t, db.SyncPending, doc.SyncStatus, "newer local version still outstanding")
}

func TestTransientFailureRetriesThenSyncs(t *testing.T) {
	h := newHarness(t, 5, nil)
	h.publisher.FailNext(2, errors.New("service unavailable"))

	h.insert(t, &db.Document{
		ID: "doc-1", OwnerScope: "org-1", BusinessID: "b", Kind: db.KindDocument,
		Title: "t", LocalVersion: 1,
	})
	h.enqueue(t, queue.Event{EntityID: "doc-1", Kind: queue.MutationCreate, ObservedLocalVersion: 1})

	doc := h.waitStatus(t, "doc-1", db.SyncSynced)
	require.Equal(t, int64(1), doc.OnchainVersion)
	require.Equal(t, 1, h.publisher.RecordCount())
}

func TestExhaustedRetriesMarkEntityFailed(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.publisher.FailNext(-1, errors.New("service down"))

	h.insert(t, &db.Document{
		ID: "doc-1", OwnerScope: "org-1", BusinessID: "b", Kind: db.KindDocument,
		Title: "t", LocalVersion: 1,
	})
	h.enqueue(t, queue.Event{EntityID: "doc-1", Kind: queue.MutationCreate, ObservedLocalVersion: 1})

	doc := h.waitStatus(t, "doc-1", db.SyncFailed)
	require.Equal(t, int64(0), doc.OnchainVersion, "failed entity never advanced")

	dead, err := h.channel.DeadLetters(0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "doc-1", dead[0].Event.EntityID)
}

func TestRejectionRetriesLikeFailure(t *testing.T) {
	h := newHarness(t, 2, nil)
	h.publisher.RejectAll(true)

	h.insert(t, &db.Document{
		ID: "doc-1", OwnerScope: "org-1", BusinessID: "b", Kind: db.KindDocument,
		Title: "t", LocalVersion: 1,
	})
	h.enqueue(t, queue.Event{EntityID: "doc-1", Kind: queue.MutationCreate, ObservedLocalVersion: 1})

	h.waitStatus(t, "doc-1", db.SyncFailed)
}

func TestDeleteAcknowledgmentAlwaysSyncs(t *testing.T) {
	h := newHarness(t, 3, nil)

	// The tombstone is at local version 2. Even though a requeued older
	// event is what carries it out, acknowledgment settles the deletion.
	h.insert(t, &db.Document{
		ID: "doc-1", OwnerScope: "org-1", BusinessID: "b", Kind: db.KindDocument,
		Title: "t", LocalVersion: 3, OnchainVersion: 1, IsDeleted: true,
	})
	h.enqueue(t, queue.Event{EntityID: "doc-1", Kind: queue.MutationDelete, ObservedLocalVersion: 2})

	doc := h.waitStatus(t, "doc-1", db.SyncSynced)
	require.Equal(t, int64(2), doc.OnchainVersion)
	require.True(t, doc.IsDeleted)

	records := h.publisher.Records()
	require.Len(t, records, 1)
	require.Equal(t, "delete", records[0].Mutation)
	require.True(t, records[0].Deleted)
	require.Empty(t, records[0].Payload, "deletes carry no snapshot")
}

func TestUnknownEntityIsDropped(t *testing.T) {
	h := newHarness(t, 3, nil)

	h.enqueue(t, queue.Event{EntityID: "ghost", Kind: queue.MutationUpdate, ObservedLocalVersion: 1})

	// The event settles without publishing and without wedging the channel.
	require.Eventually(t, func() bool {
		return h.channel.Stats().Depth == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, h.publisher.RecordCount())
}

func TestFilteredScopeReconcilesLocally(t *testing.T) {
	h := newHarness(t, 3, []string{"org-*"})

	h.insert(t, &db.Document{
		ID: "doc-1", OwnerScope: "personal", BusinessID: "b", Kind: db.KindDocument,
		Title: "t", LocalVersion: 1,
	})
	h.enqueue(t, queue.Event{EntityID: "doc-1", Kind: queue.MutationCreate, ObservedLocalVersion: 1})

	doc := h.waitStatus(t, "doc-1", db.SyncSynced)
	require.Equal(t, int64(1), doc.OnchainVersion)
	require.Zero(t, h.publisher.RecordCount(), "filtered scopes never reach the publisher")
}

func TestOperatorRequeueRecoversFailedEntity(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.publisher.FailNext(1, errors.New("blip"))

	h.insert(t, &db.Document{
		ID: "doc-1", OwnerScope: "org-1", BusinessID: "b", Kind: db.KindDocument,
		Title: "t", LocalVersion: 1,
	})
	h.enqueue(t, queue.Event{EntityID: "doc-1", Kind: queue.MutationCreate, ObservedLocalVersion: 1})

	h.waitStatus(t, "doc-1", db.SyncFailed)

	dead, err := h.channel.DeadLetters(0)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	_, err = h.channel.RequeueDeadLetter(context.Background(), dead[0].Event.Seq)
	require.NoError(t, err)

	doc := h.waitStatus(t, "doc-1", db.SyncSynced)
	require.Equal(t, int64(1), doc.OnchainVersion)
}

// hookedStore interleaves a command-layer write between the onchain advance
// and the status settle.
type hookedStore struct {
	*db.MemoryStore
	afterAdvance func()
}

func (s *hookedStore) AdvanceOnchain(ctx context.Context, id string, version int64) (*db.Document, error) {
	doc, err := s.MemoryStore.AdvanceOnchain(ctx, id, version)
	if s.afterAdvance != nil {
		s.afterAdvance()
	}
	return doc, err
}

func TestSettleKeepsConcurrentMutationPending(t *testing.T) {
	store := &hookedStore{MemoryStore: db.NewMemoryStore()}
	pub := &publish.MockPublisher{}
	filter, err := publish.NewScopeFilter(nil)
	require.NoError(t, err)

	channel, err := queue.Open(filepath.Join(t.TempDir(), "events"), queue.Options{
		FlushInterval: time.Millisecond,
		PollInterval:  5 * time.Millisecond,
	})
	require.NoError(t, err)

	rec := New(store, channel, pub, filter, Options{Concurrency: 1, PublishTimeout: time.Second})
	rec.Start()
	t.Cleanup(func() {
		rec.Stop()
		channel.Close()
	})

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.Insert(ctx, &db.Document{
		ID: "doc-1", OwnerScope: "org-1", BusinessID: "b", Kind: db.KindDocument,
		Title: "t", Content: "c", LocalVersion: 1, SyncStatus: db.SyncPending,
		CreatedAt: now, UpdatedAt: now,
	}))

	// Bump the local version after the onchain advance but before the
	// status write, the way a command-layer update can race in.
	var once sync.Once
	store.afterAdvance = func() {
		once.Do(func() {
			v := int64(2)
			pending := db.SyncPending
			_, err := store.MemoryStore.UpdateFields(ctx, "org-1", "doc-1",
				db.Fields{LocalVersion: &v, SyncStatus: &pending})
			require.NoError(t, err)
		})
	}

	_, err = channel.Enqueue(ctx, queue.Event{
		EntityID: "doc-1", Kind: queue.MutationCreate, ObservedLocalVersion: 1,
	})
	require.NoError(t, err)

	// Wait for the delivery to settle fully before inspecting the row.
	require.Eventually(t, func() bool {
		return channel.Stats().Depth == 0
	}, 2*time.Second, 5*time.Millisecond)

	doc, err := store.MemoryStore.FindAny(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), doc.OnchainVersion)
	require.Equal(t, db.SyncPending, doc.SyncStatus,
		"settling version 1 must not overwrite the racing update's pending status")
}
