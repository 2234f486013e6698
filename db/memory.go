package db

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore implements RecordStore on lock-free concurrent maps. It backs
// tests and throwaway environments; per-entity writes are atomic, cross-map
// consistency matches what the reconciler needs (the channel serializes all
// writes for one entity).
type MemoryStore struct {
	docs *xsync.MapOf[string, *Document]
	live *xsync.MapOf[string, string] // scope\x00businessID -> id, non-deleted rows only
}

var _ RecordStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: xsync.NewMapOf[string, *Document](),
		live: xsync.NewMapOf[string, string](),
	}
}

func liveKey(scope, businessID string) string {
	return scope + "\x00" + businessID
}

func (s *MemoryStore) Insert(_ context.Context, doc *Document) error {
	if !doc.IsDeleted {
		if _, loaded := s.live.LoadOrStore(liveKey(doc.OwnerScope, doc.BusinessID), doc.ID); loaded {
			return ErrDuplicateBusinessID
		}
	}
	s.docs.Store(doc.ID, doc.Clone())
	return nil
}

func (s *MemoryStore) Find(_ context.Context, scope, id string) (*Document, error) {
	doc, ok := s.docs.Load(id)
	if !ok || doc.OwnerScope != scope || doc.IsDeleted {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) FindByBusinessID(_ context.Context, scope, businessID string) (*Document, error) {
	id, ok := s.live.Load(liveKey(scope, businessID))
	if !ok {
		return nil, ErrNotFound
	}
	doc, ok := s.docs.Load(id)
	if !ok || doc.IsDeleted {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) FindAny(_ context.Context, id string) (*Document, error) {
	doc, ok := s.docs.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) UpdateFields(_ context.Context, scope, id string, fields Fields) (*Document, error) {
	var result *Document
	s.docs.Compute(id, func(old *Document, loaded bool) (*Document, bool) {
		if !loaded || old.OwnerScope != scope {
			return old, !loaded
		}
		doc := old.Clone()
		applyFields(doc, fields)
		doc.UpdatedAt = time.Now().UTC()
		if fields.IsDeleted != nil {
			if *fields.IsDeleted {
				s.live.Delete(liveKey(doc.OwnerScope, doc.BusinessID))
			} else {
				s.live.Store(liveKey(doc.OwnerScope, doc.BusinessID), doc.ID)
			}
		}
		result = doc
		return doc, false
	})
	if result == nil {
		return nil, ErrNotFound
	}
	return result.Clone(), nil
}

func (s *MemoryStore) AdvanceOnchain(_ context.Context, id string, version int64) (*Document, error) {
	var result *Document
	s.docs.Compute(id, func(old *Document, loaded bool) (*Document, bool) {
		if !loaded {
			return old, true
		}
		doc := old.Clone()
		if version > doc.OnchainVersion {
			doc.OnchainVersion = version
		}
		doc.UpdatedAt = time.Now().UTC()
		result = doc
		return doc, false
	})
	if result == nil {
		return nil, ErrNotFound
	}
	return result.Clone(), nil
}

func (s *MemoryStore) SetSyncStatus(_ context.Context, id string, status SyncStatus) error {
	found := false
	s.docs.Compute(id, func(old *Document, loaded bool) (*Document, bool) {
		if !loaded {
			return old, true
		}
		doc := old.Clone()
		doc.SyncStatus = status
		doc.UpdatedAt = time.Now().UTC()
		found = true
		return doc, false
	})
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) MarkSynced(_ context.Context, id string, force bool) error {
	s.docs.Compute(id, func(old *Document, loaded bool) (*Document, bool) {
		if !loaded {
			return old, true
		}
		if !force && old.LocalVersion != old.OnchainVersion {
			return old, false
		}
		doc := old.Clone()
		doc.SyncStatus = SyncSynced
		doc.UpdatedAt = time.Now().UTC()
		return doc, false
	})
	return nil
}

func (s *MemoryStore) ListPage(_ context.Context, scope string, q ListQuery) ([]*Document, int64, error) {
	return s.collect(scope, q, nil)
}

func (s *MemoryStore) Search(_ context.Context, scope, term string, q ListQuery) ([]*Document, int64, error) {
	needle := strings.ToLower(term)
	return s.collect(scope, q, func(doc *Document) bool {
		return strings.Contains(strings.ToLower(doc.Title), needle)
	})
}

func (s *MemoryStore) collect(scope string, q ListQuery, match func(*Document) bool) ([]*Document, int64, error) {
	var all []*Document
	s.docs.Range(func(_ string, doc *Document) bool {
		if doc.OwnerScope != scope {
			return true
		}
		if doc.IsDeleted && !q.IncludeDeleted {
			return true
		}
		if match != nil && !match(doc) {
			return true
		}
		all = append(all, doc.Clone())
		return true
	})

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	total := int64(len(all))
	if q.Limit <= 0 {
		return all, total, nil
	}

	if q.Offset >= len(all) {
		return nil, total, nil
	}
	end := q.Offset + q.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[q.Offset:end], total, nil
}

func applyFields(doc *Document, fields Fields) {
	if fields.Title != nil {
		doc.Title = *fields.Title
	}
	if fields.Content != nil {
		doc.Content = *fields.Content
	}
	if fields.LocalVersion != nil {
		doc.LocalVersion = *fields.LocalVersion
	}
	if fields.OnchainVersion != nil {
		doc.OnchainVersion = *fields.OnchainVersion
	}
	if fields.SyncStatus != nil {
		doc.SyncStatus = *fields.SyncStatus
	}
	if fields.IsDeleted != nil {
		doc.IsDeleted = *fields.IsDeleted
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}
