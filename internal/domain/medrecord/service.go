package medrecord

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medrec/medrec/internal/platform/filestore"
)

// TxRunner runs fn inside one database transaction carried by its context.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

type Service struct {
	records    RecordStore
	files      FileStore
	reconciler *Reconciler
	ingestor   *Ingestor
	runTx      TxRunner
	log        zerolog.Logger
}

func NewService(records RecordStore, files FileStore, reconciler *Reconciler, ingestor *Ingestor) *Service {
	return &Service{
		records:    records,
		files:      files,
		reconciler: reconciler,
		ingestor:   ingestor,
		log:        zerolog.Nop(),
	}
}

// SetTxRunner makes Deduplicate delete rows in a single transaction.
func (s *Service) SetTxRunner(fn TxRunner) {
	s.runTx = fn
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.log = l
}

// Create validates raw input and reconciles the record into target.
// Validation failures are returned as FieldErrors.
func (s *Service) Create(ctx context.Context, raw RawFields, target SaveTarget) (Outcome, error) {
	rec, ferrs := Validate(raw)
	if ferrs != nil {
		return Outcome{}, ferrs
	}
	return s.reconciler.Create(ctx, rec, target)
}

// Update re-validates the full record and replaces the stored one.
func (s *Service) Update(ctx context.Context, id uuid.UUID, raw RawFields) (Outcome, error) {
	rec, ferrs := Validate(raw)
	if ferrs != nil {
		return Outcome{}, ferrs
	}
	return s.reconciler.Update(ctx, id, rec)
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) (DeleteResult, error) {
	return s.reconciler.Delete(ctx, id)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*MedicalRecord, error) {
	return s.records.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*MedicalRecord, int, error) {
	return s.records.List(ctx, limit, offset)
}

// Search returns records matching q. A blank query matches nothing.
func (s *Service) Search(ctx context.Context, q string, limit, offset int) ([]*MedicalRecord, int, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, 0, nil
	}
	return s.records.Search(ctx, q, limit, offset)
}

// ListFiles returns every readable JSON document in the file store.
func (s *Service) ListFiles(ctx context.Context) ([]JSONFile, error) {
	return s.files.ReadAll(ctx)
}

func (s *Service) Ingest(ctx context.Context, up Upload) (Outcome, error) {
	return s.ingestor.Ingest(ctx, up)
}

// DedupeReport summarizes one deduplication pass.
type DedupeReport struct {
	Groups       int         `json:"groups"`
	Kept         []uuid.UUID `json:"kept"`
	Removed      []uuid.UUID `json:"removed"`
	FilesRemoved int         `json:"files_removed"`
	DryRun       bool        `json:"dry_run"`
	FileErrors   []error     `json:"-"`
}

// Deduplicate keeps the oldest record of every duplicate group and deletes
// the rest along with their JSON artifacts. Rows are deleted first, in one
// transaction when a TxRunner is set; artifacts only after that succeeds.
func (s *Service) Deduplicate(ctx context.Context, dryRun bool) (*DedupeReport, error) {
	groups, err := s.records.DuplicateGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("find duplicate groups: %w", err)
	}

	report := &DedupeReport{Groups: len(groups), DryRun: dryRun}
	var victims []*MedicalRecord
	for _, g := range groups {
		report.Kept = append(report.Kept, g[0].ID)
		for _, m := range g[1:] {
			report.Removed = append(report.Removed, m.ID)
			victims = append(victims, m)
		}
	}
	if dryRun || len(victims) == 0 {
		return report, nil
	}

	deleteRows := func(ctx context.Context) error {
		for _, m := range victims {
			if err := s.records.Delete(ctx, m.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("delete duplicate %s: %w", m.ID, err)
			}
		}
		return nil
	}
	if s.runTx != nil {
		err = s.runTx(ctx, deleteRows)
	} else {
		err = deleteRows(ctx)
	}
	if err != nil {
		return nil, err
	}

	for _, m := range victims {
		if m.FileName == "" {
			continue
		}
		err := s.files.Delete(ctx, m.FileName)
		switch {
		case err == nil:
			report.FilesRemoved++
		case errors.Is(err, filestore.ErrNotFound):
		default:
			report.FileErrors = append(report.FileErrors, err)
			s.log.Error().Err(err).Str("file", m.FileName).Msg("failed to delete duplicate record file")
		}
	}
	s.log.Info().Int("groups", report.Groups).Int("removed", len(report.Removed)).Msg("duplicate records removed")
	return report, nil
}
