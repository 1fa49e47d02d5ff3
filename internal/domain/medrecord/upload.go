package medrecord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medrec/medrec/internal/platform/filestore"
)

// DefaultMaxUploadSize is the upload limit when none is configured.
const DefaultMaxUploadSize int64 = 5 << 20

// requiredUploadFields must be present as keys in an uploaded document.
var requiredUploadFields = []string{FieldPatientName, FieldAge, FieldGender, FieldHeight, FieldWeight}

// Upload is a user-supplied JSON document.
type Upload struct {
	Name    string
	Size    int64
	Content io.Reader
}

// Ingestor turns uploaded JSON documents into database records backed by
// the uploaded file.
type Ingestor struct {
	files      FileStore
	reconciler *Reconciler
	maxSize    int64
	log        zerolog.Logger
}

func NewIngestor(files FileStore, reconciler *Reconciler, maxSize int64, log zerolog.Logger) *Ingestor {
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}
	return &Ingestor{files: files, reconciler: reconciler, maxSize: maxSize, log: log}
}

// Ingest checks size and extension before reading, stages the bytes as
// medical_data_<id>.json, validates the document and saves it to the
// database with source "file". Every rejection, duplicate or database
// failure removes the staged file.
//
// Format problems are returned as *UploadError; validation problems as
// FieldErrors. Duplicates and write failures are reported in the Outcome.
func (i *Ingestor) Ingest(ctx context.Context, up Upload) (Outcome, error) {
	if up.Size > i.maxSize {
		return Outcome{}, &UploadError{Err: ErrTooLarge}
	}
	if !strings.HasSuffix(strings.ToLower(up.Name), ".json") {
		return Outcome{}, &UploadError{Err: ErrWrongExtension}
	}

	data, err := io.ReadAll(io.LimitReader(up.Content, i.maxSize+1))
	if err != nil {
		return Outcome{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > i.maxSize {
		return Outcome{}, &UploadError{Err: ErrTooLarge}
	}

	id := uuid.New()
	name := uploadNameFor(id)
	log := i.log.With().Str("upload", up.Name).Str("file", name).Logger()
	if err := i.files.WriteRaw(ctx, name, data); err != nil {
		return Outcome{}, &StorageError{Store: "file", Op: "stage upload", Err: err}
	}

	out, err := i.ingestStaged(ctx, id, name, data)
	if err != nil || out.Status != StatusSaved {
		i.discard(ctx, name, log)
		if err != nil {
			log.Warn().Err(err).Msg("upload rejected")
		}
		return out, err
	}
	out.FileSaved = true
	log.Info().Str("record_id", id.String()).Msg("upload ingested")
	return out, nil
}

func (i *Ingestor) ingestStaged(ctx context.Context, id uuid.UUID, name string, data []byte) (Outcome, error) {
	doc, err := filestore.Decode(data)
	if err != nil {
		return Outcome{}, &UploadError{Err: fmt.Errorf("%w: %v", ErrMalformedJSON, err)}
	}
	for _, f := range requiredUploadFields {
		if _, ok := doc[f]; !ok {
			return Outcome{}, &UploadError{Err: &MissingFieldError{Name: f}}
		}
	}
	rec, ferrs := Validate(RawFieldsFromJSON(doc))
	if ferrs != nil {
		return Outcome{}, ferrs
	}
	rec.ID = id
	rec.FileName = name
	return i.reconciler.create(ctx, rec, TargetDatabase, SourceFile)
}

func (i *Ingestor) discard(ctx context.Context, name string, log zerolog.Logger) {
	if err := i.files.Delete(ctx, name); err != nil && !errors.Is(err, filestore.ErrNotFound) {
		log.Error().Err(err).Msg("failed to remove staged upload")
	}
}
