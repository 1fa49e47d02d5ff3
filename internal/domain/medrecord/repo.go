package medrecord

import (
	"context"

	"github.com/google/uuid"

	"github.com/medrec/medrec/internal/platform/filestore"
)

// RecordStore is the relational store of medical records.
type RecordStore interface {
	// FindByDuplicateKey returns a record matching key other than excludeID,
	// or nil when there is none. Pass uuid.Nil to exclude nothing.
	FindByDuplicateKey(ctx context.Context, key DuplicateKey, excludeID uuid.UUID) (*MedicalRecord, error)
	// Create inserts r; it returns ErrDuplicateRecord when the store's
	// uniqueness constraint on the duplicate key rejects the row.
	Create(ctx context.Context, r *MedicalRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*MedicalRecord, error)
	Update(ctx context.Context, r *MedicalRecord) error
	Delete(ctx context.Context, id uuid.UUID) error
	// List returns records ordered by created_at descending.
	List(ctx context.Context, limit, offset int) ([]*MedicalRecord, int, error)
	// Search matches text case-insensitively against patient name, symptoms,
	// diagnosis and blood pressure.
	Search(ctx context.Context, text string, limit, offset int) ([]*MedicalRecord, int, error)
	// DuplicateGroups returns every group of two or more records sharing a
	// duplicate key, each ordered by created_at ascending.
	DuplicateGroups(ctx context.Context) ([][]*MedicalRecord, error)
}

// JSONFile is one readable document of the file store.
type JSONFile = filestore.Document

// FileStore is the flat JSON file store.
type FileStore interface {
	WriteJSON(ctx context.Context, name string, payload interface{}) error
	WriteRaw(ctx context.Context, name string, data []byte) error
	// ReadAll returns every parseable .json document; malformed files are
	// skipped.
	ReadAll(ctx context.Context) ([]JSONFile, error)
	Exists(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) error
}

// Locker serializes submissions sharing a duplicate key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
