package docs

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/quillhq/quill/db"
)

const (
	MaxScopeLength      = 128
	MaxBusinessIDLength = 256
	MaxTitleLength      = 512
	MaxContentLength    = 4 << 20 // 4MB
)

// CreateRequest describes a new document or folder. BusinessID is optional;
// the service assigns one when it is absent.
type CreateRequest struct {
	OwnerScope string
	BusinessID string
	Kind       db.Kind
	Title      string
	Content    string
}

func (r CreateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.OwnerScope,
			validation.Required,
			validation.Length(1, MaxScopeLength),
		),
		validation.Field(&r.BusinessID, validation.Length(1, MaxBusinessIDLength)),
		validation.Field(&r.Kind, validation.By(validKind)),
		validation.Field(&r.Title,
			validation.Required,
			validation.Length(1, MaxTitleLength),
		),
		validation.Field(&r.Content,
			validation.Length(0, MaxContentLength),
			validation.By(contentForKind(r.Kind)),
		),
	)
}

// UpdateRequest is a partial mutation of an existing entity, addressed by
// its business id within a scope. Nil fields are left untouched. IfVersion,
// when set, must match the row's current local version or the update is
// rejected.
type UpdateRequest struct {
	OwnerScope string
	BusinessID string
	Title      *string
	Content    *string
	IfVersion  *int64
}

func (r UpdateRequest) Validate() error {
	if r.Title == nil && r.Content == nil {
		return fmt.Errorf("at least one of title or content must be set")
	}
	return validation.ValidateStruct(&r,
		validation.Field(&r.OwnerScope,
			validation.Required,
			validation.Length(1, MaxScopeLength),
		),
		validation.Field(&r.BusinessID,
			validation.Required,
			validation.Length(1, MaxBusinessIDLength),
		),
		validation.Field(&r.Title,
			validation.NilOrNotEmpty,
			validation.Length(1, MaxTitleLength),
		),
		validation.Field(&r.Content, validation.Length(0, MaxContentLength)),
	)
}

// DeleteRequest tombstones an entity, addressed by its business id within a
// scope.
type DeleteRequest struct {
	OwnerScope string
	BusinessID string
	IfVersion  *int64
}

func (r DeleteRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.OwnerScope,
			validation.Required,
			validation.Length(1, MaxScopeLength),
		),
		validation.Field(&r.BusinessID,
			validation.Required,
			validation.Length(1, MaxBusinessIDLength),
		),
	)
}

func validKind(value interface{}) error {
	kind, _ := value.(db.Kind)
	if !kind.Valid() {
		return fmt.Errorf("must be %q or %q", db.KindDocument, db.KindFolder)
	}
	return nil
}

// Documents must carry a body; folders must not.
func contentForKind(kind db.Kind) validation.RuleFunc {
	return func(value interface{}) error {
		content, _ := value.(string)
		if kind == db.KindFolder {
			if content != "" {
				return fmt.Errorf("folders cannot have content")
			}
			return nil
		}
		if content == "" {
			return fmt.Errorf("cannot be blank")
		}
		return nil
	}
}
