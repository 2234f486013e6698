package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/klauspost/compress/zstd"
	"github.com/mattn/go-sqlite3"
)

// Content codecs stamped into content_codec.
const (
	codecRaw  = 0
	codecZstd = 1
)

var dialect = goqu.Dialect("sqlite3")

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// SQLiteStore implements RecordStore on a WAL-mode SQLite database with a
// single-connection write pool and a small read pool.
type SQLiteStore struct {
	writeDB         *sql.DB
	readDB          *sql.DB
	path            string
	compressMinSize int
}

var _ RecordStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and if needed initializes) the record store at path.
// compressMinSize of 0 disables content compression.
func NewSQLiteStore(path string, busyTimeoutMS, compressMinSize int) (*SQLiteStore, error) {
	isMemoryDB := strings.Contains(path, ":memory:")

	writeDSN := path
	if !isMemoryDB {
		writeDSN += dsnSep(writeDSN) + fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", busyTimeoutMS)
	}

	writeDB, err := sql.Open("sqlite3", writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store for writing: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDSN := path
	if !isMemoryDB {
		readDSN += dsnSep(readDSN) + fmt.Sprintf("_journal_mode=WAL&_busy_timeout=%d", busyTimeoutMS)
	}

	readDB := writeDB
	if !isMemoryDB {
		readDB, err = sql.Open("sqlite3", readDSN)
		if err != nil {
			writeDB.Close()
			return nil, fmt.Errorf("failed to open record store for reading: %w", err)
		}
		readDB.SetMaxOpenConns(4)
		readDB.SetMaxIdleConns(4)
		readDB.SetConnMaxLifetime(0)

		for _, db := range []*sql.DB{writeDB, readDB} {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA temp_store=MEMORY",
			} {
				if _, err := db.Exec(pragma); err != nil {
					writeDB.Close()
					readDB.Close()
					return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
				}
			}
		}
	}

	for _, schema := range Schemas() {
		if _, err := writeDB.Exec(schema); err != nil {
			writeDB.Close()
			if readDB != writeDB {
				readDB.Close()
			}
			return nil, fmt.Errorf("failed to create record store schema: %w", err)
		}
	}

	return &SQLiteStore{
		writeDB:         writeDB,
		readDB:          readDB,
		path:            path,
		compressMinSize: compressMinSize,
	}, nil
}

func dsnSep(dsn string) string {
	if strings.Contains(dsn, "?") {
		return "&"
	}
	return "?"
}

// Close closes both connection pools.
func (s *SQLiteStore) Close() error {
	writeErr := s.writeDB.Close()
	if s.readDB != s.writeDB {
		if err := s.readDB.Close(); err != nil && writeErr == nil {
			writeErr = err
		}
	}
	return writeErr
}

func (s *SQLiteStore) Insert(ctx context.Context, doc *Document) error {
	content, codec := s.encodeContent(doc.Content)

	query, args, err := dialect.Insert("documents").Rows(goqu.Record{
		"id":              doc.ID,
		"owner_scope":     doc.OwnerScope,
		"business_id":     doc.BusinessID,
		"kind":            string(doc.Kind),
		"title":           doc.Title,
		"content":         content,
		"content_codec":   codec,
		"local_version":   doc.LocalVersion,
		"onchain_version": doc.OnchainVersion,
		"sync_status":     string(doc.SyncStatus),
		"is_deleted":      boolToInt(doc.IsDeleted),
		"created_at":      doc.CreatedAt.UnixMilli(),
		"updated_at":      doc.UpdatedAt.UnixMilli(),
	}).Prepared(true).ToSQL()
	if err != nil {
		return err
	}

	if _, err := s.writeDB.ExecContext(ctx, query, args...); err != nil {
		return translateSQLiteErr(err)
	}
	return nil
}

func (s *SQLiteStore) Find(ctx context.Context, scope, id string) (*Document, error) {
	return s.selectOne(ctx, goqu.Ex{"owner_scope": scope, "id": id, "is_deleted": 0})
}

func (s *SQLiteStore) FindByBusinessID(ctx context.Context, scope, businessID string) (*Document, error) {
	return s.selectOne(ctx, goqu.Ex{"owner_scope": scope, "business_id": businessID, "is_deleted": 0})
}

func (s *SQLiteStore) FindAny(ctx context.Context, id string) (*Document, error) {
	return s.selectOne(ctx, goqu.Ex{"id": id})
}

func (s *SQLiteStore) UpdateFields(ctx context.Context, scope, id string, fields Fields) (*Document, error) {
	record := goqu.Record{
		"updated_at": time.Now().UnixMilli(),
	}
	if fields.Title != nil {
		record["title"] = *fields.Title
	}
	if fields.Content != nil {
		content, codec := s.encodeContent(*fields.Content)
		record["content"] = content
		record["content_codec"] = codec
	}
	if fields.LocalVersion != nil {
		record["local_version"] = *fields.LocalVersion
	}
	if fields.OnchainVersion != nil {
		record["onchain_version"] = *fields.OnchainVersion
	}
	if fields.SyncStatus != nil {
		record["sync_status"] = string(*fields.SyncStatus)
	}
	if fields.IsDeleted != nil {
		record["is_deleted"] = boolToInt(*fields.IsDeleted)
	}

	query, args, err := dialect.Update("documents").
		Set(record).
		Where(goqu.Ex{"owner_scope": scope, "id": id}).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}

	res, err := s.writeDB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, translateSQLiteErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}

	return s.selectOne(ctx, goqu.Ex{"owner_scope": scope, "id": id})
}

func (s *SQLiteStore) AdvanceOnchain(ctx context.Context, id string, version int64) (*Document, error) {
	// MAX() keeps the write monotonic even when deliveries race.
	res, err := s.writeDB.ExecContext(ctx,
		"UPDATE documents SET onchain_version = MAX(onchain_version, ?), updated_at = ? WHERE id = ?",
		version, time.Now().UnixMilli(), id)
	if err != nil {
		return nil, translateSQLiteErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}

	return s.selectOne(ctx, goqu.Ex{"id": id})
}

func (s *SQLiteStore) SetSyncStatus(ctx context.Context, id string, status SyncStatus) error {
	res, err := s.writeDB.ExecContext(ctx,
		"UPDATE documents SET sync_status = ?, updated_at = ? WHERE id = ?",
		string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return translateSQLiteErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, id string, force bool) error {
	// The version check lives in the statement so a mutation landing after
	// the caller's read cannot have its pending status overwritten.
	query := "UPDATE documents SET sync_status = ?, updated_at = ? WHERE id = ? AND local_version = onchain_version"
	if force {
		query = "UPDATE documents SET sync_status = ?, updated_at = ? WHERE id = ?"
	}
	if _, err := s.writeDB.ExecContext(ctx, query,
		string(SyncSynced), time.Now().UnixMilli(), id); err != nil {
		return translateSQLiteErr(err)
	}
	return nil
}

func (s *SQLiteStore) ListPage(ctx context.Context, scope string, q ListQuery) ([]*Document, int64, error) {
	return s.selectPage(ctx, scopeFilter(scope, q), q)
}

func (s *SQLiteStore) Search(ctx context.Context, scope, term string, q ListQuery) ([]*Document, int64, error) {
	filter := scopeFilter(scope, q)
	filter = append(filter, goqu.L("LOWER(title)").Like("%"+strings.ToLower(term)+"%"))
	return s.selectPage(ctx, filter, q)
}

func scopeFilter(scope string, q ListQuery) []goqu.Expression {
	filter := []goqu.Expression{goqu.Ex{"owner_scope": scope}}
	if !q.IncludeDeleted {
		filter = append(filter, goqu.Ex{"is_deleted": 0})
	}
	return filter
}

func (s *SQLiteStore) selectPage(ctx context.Context, filter []goqu.Expression, q ListQuery) ([]*Document, int64, error) {
	countQuery, countArgs, err := dialect.From("documents").
		Select(goqu.COUNT("*")).
		Where(filter...).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, err
	}

	var total int64
	if err := s.readDB.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sel := dialect.From("documents").
		Select(docColumns()...).
		Where(filter...).
		Order(goqu.I("created_at").Desc(), goqu.I("id").Desc())
	if q.Limit > 0 {
		sel = sel.Limit(uint(q.Limit)).Offset(uint(q.Offset))
	}

	query, args, err := sel.Prepared(true).ToSQL()
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return docs, total, nil
}

func (s *SQLiteStore) selectOne(ctx context.Context, where goqu.Ex) (*Document, error) {
	query, args, err := dialect.From("documents").
		Select(docColumns()...).
		Where(where).
		Limit(1).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}

	row := s.readDB.QueryRowContext(ctx, query, args...)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func docColumns() []interface{} {
	return []interface{}{
		"id", "owner_scope", "business_id", "kind", "title",
		"content", "content_codec", "local_version", "onchain_version",
		"sync_status", "is_deleted", "created_at", "updated_at",
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc       Document
		kind      string
		status    string
		content   []byte
		codec     int
		isDeleted int
		createdAt int64
		updatedAt int64
	)

	err := row.Scan(
		&doc.ID, &doc.OwnerScope, &doc.BusinessID, &kind, &doc.Title,
		&content, &codec, &doc.LocalVersion, &doc.OnchainVersion,
		&status, &isDeleted, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	text, err := decodeContent(content, codec)
	if err != nil {
		return nil, fmt.Errorf("failed to decode content for %s: %w", doc.ID, err)
	}

	doc.Kind = Kind(kind)
	doc.SyncStatus = SyncStatus(status)
	doc.Content = text
	doc.IsDeleted = isDeleted != 0
	doc.CreatedAt = time.UnixMilli(createdAt).UTC()
	doc.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &doc, nil
}

func (s *SQLiteStore) encodeContent(content string) ([]byte, int) {
	raw := []byte(content)
	if s.compressMinSize <= 0 || len(raw) < s.compressMinSize {
		return raw, codecRaw
	}
	return zstdEncoder.EncodeAll(raw, nil), codecZstd
}

func decodeContent(blob []byte, codec int) (string, error) {
	switch codec {
	case codecRaw:
		return string(blob), nil
	case codecZstd:
		raw, err := zstdDecoder.DecodeAll(blob, nil)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("unknown content codec %d", codec)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func translateSQLiteErr(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return ErrDuplicateBusinessID
	}
	return err
}
