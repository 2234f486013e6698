// Package docs is the command layer: the only write path into the record
// store. Every accepted mutation bumps the entity's local version, persists
// the row, then enqueues a mutation event on the durable channel for the
// reconciler. Rows are written before events, so the channel never refers
// to state the store has not seen.
package docs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/quillhq/quill/db"
	"github.com/quillhq/quill/queue"
	"github.com/quillhq/quill/telemetry"
	"github.com/rs/zerolog/log"
)

const DefaultCacheSize = 1024

// Service coordinates document and folder mutations against the store and
// the event channel.
type Service struct {
	store   db.RecordStore
	channel *queue.Channel

	// Maps owner scope + business id to entity id. Values only ever go
	// stale through deletion, which invalidates them; document state is
	// always read back from the store.
	idCache *lru.Cache[string, string]
}

// NewService creates the command layer over store and channel. cacheSize
// bounds the business-id lookup cache; zero or negative uses the default.
func NewService(store db.RecordStore, channel *queue.Channel, cacheSize int) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	idCache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create id cache: %w", err)
	}
	return &Service{store: store, channel: channel, idCache: idCache}, nil
}

// Page is one page of a listing plus the total match count.
type Page struct {
	Documents []*db.Document
	Total     int64
}

// Create inserts a new entity at local version 1 with synchronization
// pending and enqueues its create event.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*db.Document, error) {
	start := time.Now()
	defer func() { telemetry.MutationSeconds.Observe(time.Since(start).Seconds()) }()

	if err := req.Validate(); err != nil {
		telemetry.MutationsRejectedTotal.With("invalid_input").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate entity id: %w", err)
	}

	businessID := req.BusinessID
	if businessID == "" {
		bid, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate business id: %w", err)
		}
		businessID = bid.String()
	}

	now := time.Now().UTC()
	doc := &db.Document{
		ID:             id.String(),
		OwnerScope:     req.OwnerScope,
		BusinessID:     businessID,
		Kind:           req.Kind,
		Title:          req.Title,
		Content:        req.Content,
		LocalVersion:   1,
		OnchainVersion: 0,
		SyncStatus:     db.SyncPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Insert(ctx, doc); err != nil {
		if err == db.ErrDuplicateBusinessID {
			telemetry.MutationsRejectedTotal.With("duplicate").Inc()
		}
		return nil, err
	}

	s.idCache.Add(cacheKey(req.OwnerScope, doc.BusinessID), doc.ID)
	telemetry.MutationsTotal.With("create").Inc()

	if err := s.notify(ctx, doc.ID, queue.MutationCreate, doc.LocalVersion); err != nil {
		return doc, err
	}
	return doc, nil
}

// Update applies a partial mutation, bumping the local version and resetting
// synchronization to pending.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (*db.Document, error) {
	start := time.Now()
	defer func() { telemetry.MutationSeconds.Observe(time.Since(start).Seconds()) }()

	if err := req.Validate(); err != nil {
		telemetry.MutationsRejectedTotal.With("invalid_input").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	current, err := s.GetByBusinessID(ctx, req.OwnerScope, req.BusinessID)
	if err != nil {
		if err == db.ErrNotFound {
			telemetry.MutationsRejectedTotal.With("not_found").Inc()
		}
		return nil, err
	}

	if req.IfVersion != nil && *req.IfVersion != current.LocalVersion {
		telemetry.MutationsRejectedTotal.With("version_conflict").Inc()
		return nil, fmt.Errorf("%w: expected local version %d, have %d",
			ErrVersionConflict, *req.IfVersion, current.LocalVersion)
	}

	if req.Content != nil && current.Kind == db.KindFolder && *req.Content != "" {
		telemetry.MutationsRejectedTotal.With("invalid_input").Inc()
		return nil, fmt.Errorf("%w: folders cannot have content", ErrInvalidInput)
	}

	nextVersion := current.LocalVersion + 1
	pending := db.SyncPending
	doc, err := s.store.UpdateFields(ctx, req.OwnerScope, current.ID, db.Fields{
		Title:        req.Title,
		Content:      req.Content,
		LocalVersion: &nextVersion,
		SyncStatus:   &pending,
	})
	if err != nil {
		return nil, err
	}

	telemetry.MutationsTotal.With("update").Inc()

	if err := s.notify(ctx, doc.ID, queue.MutationUpdate, doc.LocalVersion); err != nil {
		return doc, err
	}
	return doc, nil
}

// Delete tombstones an entity. The row survives as a tombstone so the
// reconciler can propagate the deletion; its business id becomes reusable
// immediately.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) (*db.Document, error) {
	start := time.Now()
	defer func() { telemetry.MutationSeconds.Observe(time.Since(start).Seconds()) }()

	if err := req.Validate(); err != nil {
		telemetry.MutationsRejectedTotal.With("invalid_input").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	current, err := s.GetByBusinessID(ctx, req.OwnerScope, req.BusinessID)
	if err != nil {
		if err == db.ErrNotFound {
			telemetry.MutationsRejectedTotal.With("not_found").Inc()
		}
		return nil, err
	}

	if req.IfVersion != nil && *req.IfVersion != current.LocalVersion {
		telemetry.MutationsRejectedTotal.With("version_conflict").Inc()
		return nil, fmt.Errorf("%w: expected local version %d, have %d",
			ErrVersionConflict, *req.IfVersion, current.LocalVersion)
	}

	nextVersion := current.LocalVersion + 1
	deleted := true
	pending := db.SyncPending
	doc, err := s.store.UpdateFields(ctx, req.OwnerScope, current.ID, db.Fields{
		LocalVersion: &nextVersion,
		SyncStatus:   &pending,
		IsDeleted:    &deleted,
	})
	if err != nil {
		return nil, err
	}

	s.idCache.Remove(cacheKey(current.OwnerScope, current.BusinessID))
	telemetry.MutationsTotal.With("delete").Inc()

	if err := s.notify(ctx, doc.ID, queue.MutationDelete, doc.LocalVersion); err != nil {
		return doc, err
	}
	return doc, nil
}

// Get fetches a non-deleted entity by id within a scope.
func (s *Service) Get(ctx context.Context, scope, id string) (*db.Document, error) {
	return s.store.Find(ctx, scope, id)
}

// GetByBusinessID fetches a non-deleted entity by its business id within a
// scope, consulting the id cache first.
func (s *Service) GetByBusinessID(ctx context.Context, scope, businessID string) (*db.Document, error) {
	key := cacheKey(scope, businessID)

	if id, ok := s.idCache.Get(key); ok {
		doc, err := s.store.Find(ctx, scope, id)
		if err == nil {
			telemetry.CacheHitsTotal.With("hit").Inc()
			return doc, nil
		}
		if err != db.ErrNotFound {
			return nil, err
		}
		// Stale mapping, fall through to the store lookup.
		s.idCache.Remove(key)
	}

	telemetry.CacheHitsTotal.With("miss").Inc()
	doc, err := s.store.FindByBusinessID(ctx, scope, businessID)
	if err != nil {
		return nil, err
	}
	s.idCache.Add(key, doc.ID)
	return doc, nil
}

// List returns one page of a scope's entities, newest first.
func (s *Service) List(ctx context.Context, scope string, q db.ListQuery) (*Page, error) {
	docs, total, err := s.store.ListPage(ctx, scope, q)
	if err != nil {
		return nil, err
	}
	return &Page{Documents: docs, Total: total}, nil
}

// Search returns entities in a scope whose title contains term,
// case-insensitively, newest first.
func (s *Service) Search(ctx context.Context, scope, term string, q db.ListQuery) (*Page, error) {
	docs, total, err := s.store.Search(ctx, scope, term, q)
	if err != nil {
		return nil, err
	}
	return &Page{Documents: docs, Total: total}, nil
}

// notify enqueues the mutation event after the row is durable. A failed
// enqueue leaves a valid row whose event is missing; the error is surfaced
// so the caller knows synchronization will lag until the next mutation.
func (s *Service) notify(ctx context.Context, entityID string, kind queue.MutationKind, localVersion int64) error {
	seq, err := s.channel.Enqueue(ctx, queue.Event{
		EntityID:             entityID,
		Kind:                 kind,
		ObservedLocalVersion: localVersion,
	})
	if err != nil {
		log.Error().Err(err).
			Str("entity", entityID).
			Str("mutation", string(kind)).
			Int64("local_version", localVersion).
			Msg("Mutation persisted but event enqueue failed")
		return fmt.Errorf("mutation persisted but notification failed: %w", err)
	}

	log.Debug().
		Uint64("seq", seq).
		Str("entity", entityID).
		Str("mutation", string(kind)).
		Int64("local_version", localVersion).
		Msg("Mutation event enqueued")
	return nil
}

func cacheKey(scope, businessID string) string {
	return scope + "\x00" + businessID
}
