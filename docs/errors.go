package docs

import (
	"errors"

	"github.com/quillhq/quill/db"
)

var (
	// ErrInvalidInput wraps validation failures on mutation requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrVersionConflict is returned when a mutation carries an expected
	// version that no longer matches the row.
	ErrVersionConflict = errors.New("version conflict")

	// ErrNotFound and ErrDuplicateBusinessID surface the store sentinels
	// so callers only need this package's errors.
	ErrNotFound            = db.ErrNotFound
	ErrDuplicateBusinessID = db.ErrDuplicateBusinessID
)
