package db

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no row matches the lookup.
	ErrNotFound = errors.New("document not found")

	// ErrDuplicateBusinessID is returned when an insert collides with a
	// live (non-deleted) row carrying the same business id in the scope.
	ErrDuplicateBusinessID = errors.New("business id already exists in scope")
)

// Fields is a partial update applied to a single row. Nil members are left
// untouched; UpdatedAt is always refreshed by the store.
type Fields struct {
	Title          *string
	Content        *string
	LocalVersion   *int64
	OnchainVersion *int64
	SyncStatus     *SyncStatus
	IsDeleted      *bool
}

// ListQuery bounds a paginated read.
type ListQuery struct {
	Limit          int
	Offset         int
	IncludeDeleted bool
}

// RecordStore is the durable per-entity row store consumed by the command
// layer and the reconciler. All business lookups are scoped; FindAny is the
// reconciler's unscoped fetch and includes tombstones.
type RecordStore interface {
	// Insert writes a fully populated row. The caller assigns identity.
	Insert(ctx context.Context, doc *Document) error

	// Find fetches a non-deleted row by id within a scope.
	Find(ctx context.Context, scope, id string) (*Document, error)

	// FindByBusinessID fetches a non-deleted row by business id within a scope.
	FindByBusinessID(ctx context.Context, scope, businessID string) (*Document, error)

	// FindAny fetches a row by id regardless of scope or tombstone state.
	FindAny(ctx context.Context, id string) (*Document, error)

	// UpdateFields applies a partial update to a row (tombstones included)
	// and returns the resulting row.
	UpdateFields(ctx context.Context, scope, id string, fields Fields) (*Document, error)

	// AdvanceOnchain raises OnchainVersion to version if it is currently
	// lower (monotonic write) and returns the resulting row.
	AdvanceOnchain(ctx context.Context, id string, version int64) (*Document, error)

	// SetSyncStatus overwrites the synchronization status of a row.
	SetSyncStatus(ctx context.Context, id string, status SyncStatus) error

	// MarkSynced sets the status to synced in a single conditional write.
	// Unless force is set, rows whose local and onchain versions differ are
	// left untouched, so a pending status written by a concurrent mutation
	// survives. Missing rows are a no-op.
	MarkSynced(ctx context.Context, id string, force bool) error

	// ListPage returns one page of rows in a scope ordered by creation time
	// descending (ties broken by id), plus the total row count.
	ListPage(ctx context.Context, scope string, q ListQuery) ([]*Document, int64, error)

	// Search returns rows in a scope whose title contains term,
	// case-insensitively, paginated like ListPage.
	Search(ctx context.Context, scope, term string, q ListQuery) ([]*Document, int64, error)

	Close() error
}
