package db

// Schemas returns the DDL applied on open. Timestamps are unix milliseconds;
// content is stored as a blob with a codec marker so large payloads can be
// compressed at the storage boundary.
func Schemas() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id              TEXT PRIMARY KEY,
			owner_scope     TEXT NOT NULL,
			business_id     TEXT NOT NULL,
			kind            TEXT NOT NULL DEFAULT 'document',
			title           TEXT NOT NULL,
			content         BLOB NOT NULL,
			content_codec   INTEGER NOT NULL DEFAULT 0,
			local_version   INTEGER NOT NULL DEFAULT 1,
			onchain_version INTEGER NOT NULL DEFAULT 0,
			sync_status     TEXT NOT NULL DEFAULT 'pending',
			is_deleted      INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		)`,

		// Business ids are unique per scope among live rows only, so a
		// deleted id can be reused.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_scope_business
			ON documents(owner_scope, business_id) WHERE is_deleted = 0`,

		`CREATE INDEX IF NOT EXISTS idx_documents_scope_created
			ON documents(owner_scope, created_at DESC, id DESC)`,
	}
}
