package medrecord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medrec/medrec/internal/platform/filestore"
)

// DuplicatePolicy decides which save targets are checked for duplicates.
type DuplicatePolicy string

const (
	// DuplicatePolicyDatabaseTargets checks only saves that include the
	// database; file-only saves are written without a duplicate check.
	DuplicatePolicyDatabaseTargets DuplicatePolicy = "database-targets"
	// DuplicatePolicyAllTargets checks the database for every save.
	DuplicatePolicyAllTargets DuplicatePolicy = "all-targets"
)

type OutcomeStatus string

const (
	StatusSaved          OutcomeStatus = "saved"
	StatusDuplicate      OutcomeStatus = "duplicate"
	StatusPartialSuccess OutcomeStatus = "partial_success"
	StatusFailed         OutcomeStatus = "failed"
)

// Outcome is the terminal result of reconciling one record. A duplicate
// means nothing was written. Partial success means one requested store was
// written and the other failed; nothing is rolled back.
type Outcome struct {
	Status      OutcomeStatus  `json:"status"`
	Record      *MedicalRecord `json:"record,omitempty"`
	DuplicateOf *uuid.UUID     `json:"duplicate_of,omitempty"`
	DBSaved     bool           `json:"db_saved"`
	FileSaved   bool           `json:"file_saved"`
	FileName    string         `json:"file_name,omitempty"`
	DBErr       error          `json:"-"`
	FileErr     error          `json:"-"`
}

// Err joins the per-store failures, or returns nil.
func (o Outcome) Err() error {
	return errors.Join(o.DBErr, o.FileErr)
}

// DeleteResult reports the independent outcome of removing a record's row
// and its JSON artifact.
type DeleteResult struct {
	RowDeleted  bool   `json:"row_deleted"`
	FileDeleted bool   `json:"file_deleted"`
	FileName    string `json:"file_name,omitempty"`
	RowErr      error  `json:"-"`
	FileErr     error  `json:"-"`
}

func (d DeleteResult) Err() error {
	return errors.Join(d.RowErr, d.FileErr)
}

// Reconciler decides whether a validated record is a duplicate and commits
// it to the requested stores.
type Reconciler struct {
	records RecordStore
	files   FileStore
	locker  Locker
	policy  DuplicatePolicy
	log     zerolog.Logger
	now     func() time.Time
}

type ReconcilerOption func(*Reconciler)

// WithLocker serializes check-then-write for submissions sharing a key.
func WithLocker(l Locker) ReconcilerOption {
	return func(r *Reconciler) { r.locker = l }
}

func WithDuplicatePolicy(p DuplicatePolicy) ReconcilerOption {
	return func(r *Reconciler) { r.policy = p }
}

func WithLogger(l zerolog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.log = l }
}

func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(records RecordStore, files FileStore, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		records: records,
		files:   files,
		policy:  DuplicatePolicyDatabaseTargets,
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Reconciler) Policy() DuplicatePolicy { return r.policy }

// Create commits a new record to target. The returned error is set only
// when reconciliation could not start (bad target, lock or duplicate lookup
// failure); store write failures are reported in the Outcome.
func (r *Reconciler) Create(ctx context.Context, rec *MedicalRecord, target SaveTarget) (Outcome, error) {
	if _, err := ParseSaveTarget(string(target)); err != nil {
		return Outcome{}, err
	}
	rec.FileName = ""
	return r.create(ctx, rec, target, target.source())
}

// create commits rec. A FileName already set on a database-only target is
// kept as the record's backing artifact.
func (r *Reconciler) create(ctx context.Context, rec *MedicalRecord, target SaveTarget, source Source) (Outcome, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}
	rec.Source = source
	if target.includesFile() {
		rec.FileName = fileNameFor(rec.ID)
	}
	out := Outcome{Record: rec, FileName: rec.FileName}
	log := r.log.With().Str("record_id", rec.ID.String()).Str("target", string(target)).Logger()

	if target.includesDatabase() || r.policy == DuplicatePolicyAllTargets {
		unlock, err := r.lock(ctx, rec.DuplicateKey())
		if err != nil {
			return out, err
		}
		defer unlock()

		dup, err := r.records.FindByDuplicateKey(ctx, rec.DuplicateKey(), uuid.Nil)
		if err != nil {
			return out, &StorageError{Store: "database", Op: "find duplicate", Err: err}
		}
		if dup != nil {
			log.Warn().Str("duplicate_of", dup.ID.String()).Msg("duplicate medical record rejected")
			return duplicateOutcome(out, dup.ID), nil
		}
	}

	if target.includesDatabase() {
		err := r.records.Create(ctx, rec)
		switch {
		case errors.Is(err, ErrDuplicateRecord):
			log.Warn().Msg("duplicate medical record rejected by store constraint")
			return duplicateOutcome(out, uuid.Nil), nil
		case err != nil:
			out.DBErr = &StorageError{Store: "database", Op: "insert", Err: err}
			log.Error().Err(err).Msg("failed to save medical record to database")
		default:
			out.DBSaved = true
		}
	}

	if target.includesFile() {
		if err := r.files.WriteJSON(ctx, rec.FileName, rec); err != nil {
			out.FileErr = &StorageError{Store: "file", Op: "write", Err: err}
			log.Error().Err(err).Str("file", rec.FileName).Msg("failed to save medical record to file")
			if out.DBSaved {
				r.downgradeToDatabase(ctx, rec, log)
			}
		} else {
			out.FileSaved = true
		}
	}

	out.Status = writeStatus(target.includesDatabase(), out.DBSaved, target.includesFile(), out.FileSaved)
	out.FileName = rec.FileName
	if out.Status == StatusPartialSuccess {
		log.Warn().Bool("db_saved", out.DBSaved).Bool("file_saved", out.FileSaved).Msg("medical record partially saved")
	}
	return out, nil
}

// downgradeToDatabase makes a row whose file write failed stop pointing at
// the missing artifact.
func (r *Reconciler) downgradeToDatabase(ctx context.Context, rec *MedicalRecord, log zerolog.Logger) {
	rec.Source = SourceDatabase
	rec.FileName = ""
	if err := r.records.Update(ctx, rec); err != nil {
		log.Error().Err(err).Msg("failed to mark medical record as database-only")
	}
}

// Update replaces the stored record id with rec after a duplicate check that
// ignores the record itself. A duplicate leaves the stored record unchanged.
// File-backed records get their JSON artifact rewritten.
func (r *Reconciler) Update(ctx context.Context, id uuid.UUID, rec *MedicalRecord) (Outcome, error) {
	existing, err := r.records.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Outcome{}, ErrNotFound
		}
		return Outcome{}, &StorageError{Store: "database", Op: "get", Err: err}
	}

	rec.ID = existing.ID
	rec.CreatedAt = existing.CreatedAt
	rec.Source = existing.Source
	rec.FileName = existing.FileName
	out := Outcome{Record: rec, FileName: rec.FileName}
	log := r.log.With().Str("record_id", id.String()).Logger()

	unlock, err := r.lock(ctx, rec.DuplicateKey())
	if err != nil {
		return out, err
	}
	defer unlock()

	dup, err := r.records.FindByDuplicateKey(ctx, rec.DuplicateKey(), id)
	if err != nil {
		return out, &StorageError{Store: "database", Op: "find duplicate", Err: err}
	}
	if dup != nil {
		log.Warn().Str("duplicate_of", dup.ID.String()).Msg("edit rejected: duplicate medical record")
		out.Record = existing
		return duplicateOutcome(out, dup.ID), nil
	}

	err = r.records.Update(ctx, rec)
	switch {
	case errors.Is(err, ErrDuplicateRecord):
		out.Record = existing
		return duplicateOutcome(out, uuid.Nil), nil
	case err != nil:
		out.DBErr = &StorageError{Store: "database", Op: "update", Err: err}
		out.Record = existing
		out.Status = StatusFailed
		return out, nil
	}
	out.DBSaved = true

	wantFile := rec.FileName != "" && rec.Source != SourceDatabase
	if wantFile {
		if err := r.files.WriteJSON(ctx, rec.FileName, rec); err != nil {
			out.FileErr = &StorageError{Store: "file", Op: "write", Err: err}
			log.Error().Err(err).Str("file", rec.FileName).Msg("failed to rewrite medical record file")
		} else {
			out.FileSaved = true
		}
	}
	out.Status = writeStatus(true, true, wantFile, out.FileSaved)
	return out, nil
}

// Delete removes the record's row and JSON artifact. The two removals are
// attempted independently. A record with no row is looked up by its
// file-store artifact; ErrNotFound means neither exists.
func (r *Reconciler) Delete(ctx context.Context, id uuid.UUID) (DeleteResult, error) {
	var res DeleteResult
	log := r.log.With().Str("record_id", id.String()).Logger()

	rec, err := r.records.GetByID(ctx, id)
	switch {
	case err == nil:
		if err := r.records.Delete(ctx, id); err != nil {
			res.RowErr = &StorageError{Store: "database", Op: "delete", Err: err}
			log.Error().Err(err).Msg("failed to delete medical record row")
		} else {
			res.RowDeleted = true
		}
		if rec.FileName != "" {
			res.FileName = rec.FileName
			r.deleteFile(ctx, &res, log)
		}
		return res, nil

	case errors.Is(err, ErrNotFound):
		name := fileNameFor(id)
		ok, err := r.files.Exists(ctx, name)
		if err != nil {
			return res, &StorageError{Store: "file", Op: "stat", Err: err}
		}
		if !ok {
			return res, ErrNotFound
		}
		res.FileName = name
		r.deleteFile(ctx, &res, log)
		return res, nil

	default:
		return res, &StorageError{Store: "database", Op: "get", Err: err}
	}
}

func (r *Reconciler) deleteFile(ctx context.Context, res *DeleteResult, log zerolog.Logger) {
	err := r.files.Delete(ctx, res.FileName)
	switch {
	case err == nil:
		res.FileDeleted = true
	case errors.Is(err, filestore.ErrNotFound):
		// Already gone; nothing is orphaned.
	default:
		res.FileErr = &StorageError{Store: "file", Op: "delete", Err: err}
		log.Error().Err(err).Str("file", res.FileName).Msg("failed to delete medical record file")
	}
}

func (r *Reconciler) lock(ctx context.Context, key DuplicateKey) (func(), error) {
	if r.locker == nil {
		return func() {}, nil
	}
	unlock, err := r.locker.Lock(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("lock duplicate key: %w", err)
	}
	return unlock, nil
}

func duplicateOutcome(out Outcome, of uuid.UUID) Outcome {
	out.Status = StatusDuplicate
	out.DBSaved, out.FileSaved = false, false
	if of != uuid.Nil {
		out.DuplicateOf = &of
	}
	return out
}

func writeStatus(wantDB, dbOK, wantFile, fileOK bool) OutcomeStatus {
	requested, done := 0, 0
	for _, s := range [][2]bool{{wantDB, dbOK}, {wantFile, fileOK}} {
		if s[0] {
			requested++
			if s[1] {
				done++
			}
		}
	}
	switch {
	case done == 0:
		return StatusFailed
	case done < requested:
		return StatusPartialSuccess
	}
	return StatusSaved
}
