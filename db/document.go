package db

import "time"

// Kind distinguishes the two structurally identical entity types.
type Kind string

const (
	KindDocument Kind = "document"
	KindFolder   Kind = "folder"
)

// Valid reports whether k is a known entity kind.
func (k Kind) Valid() bool {
	return k == KindDocument || k == KindFolder
}

// SyncStatus reflects how far the external system of record has caught up
// with local state. It is derived from the version pair except for the
// failed terminal marker.
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// Document is a versioned user entity (a file or, structurally identical,
// a folder). LocalVersion starts at 1 and advances by exactly one per
// accepted mutation; OnchainVersion is written only by the reconciler and
// never exceeds LocalVersion.
type Document struct {
	ID             string     `json:"id"`
	OwnerScope     string     `json:"owner_scope"`
	BusinessID     string     `json:"business_id"`
	Kind           Kind       `json:"kind"`
	Title          string     `json:"title"`
	Content        string     `json:"content"`
	LocalVersion   int64      `json:"local_version"`
	OnchainVersion int64      `json:"onchain_version"`
	SyncStatus     SyncStatus `json:"sync_status"`
	IsDeleted      bool       `json:"is_deleted"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Clone returns a copy safe to hand to callers.
func (d *Document) Clone() *Document {
	c := *d
	return &c
}
