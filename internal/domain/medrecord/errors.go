package medrecord

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound        = errors.New("medical record not found")
	ErrDuplicateRecord = errors.New("such a record already exists")
)

// Upload format errors. They are rejected with cleanup of any staged artifact.
var (
	ErrTooLarge       = errors.New("file is too large")
	ErrWrongExtension = errors.New("only .json files are allowed")
	ErrMalformedJSON  = errors.New("file is not a valid JSON document")
)

// MissingFieldError reports a required key absent from an uploaded document.
type MissingFieldError struct {
	Name string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Name)
}

// UploadError wraps any rejection of an uploaded file.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string { return "upload rejected: " + e.Err.Error() }
func (e *UploadError) Unwrap() error { return e.Err }

// StorageError wraps an I/O or constraint failure of one store.
type StorageError struct {
	Store string
	Op    string
	Err   error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s store %s: %v", e.Store, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

type ErrorCode string

const (
	CodeRequired        ErrorCode = "required"
	CodeTooShort        ErrorCode = "too_short"
	CodeTooLong         ErrorCode = "too_long"
	CodeOutOfRange      ErrorCode = "out_of_range"
	CodeMalformedFormat ErrorCode = "malformed_format"
	CodeInvalidRelation ErrorCode = "invalid_relation"
	CodeInvalidChoice   ErrorCode = "invalid_choice"
	CodeInvalidNumber   ErrorCode = "invalid_number"
	CodeInvalidEncoding ErrorCode = "invalid_encoding"
)

// FieldError is a single user-correctable validation failure. For
// out_of_range, Subject names the checked quantity (e.g. "bmi" reported on
// the weight field) and Min/Max its bounds.
type FieldError struct {
	Field   string    `json:"field"`
	Code    ErrorCode `json:"code"`
	Subject string    `json:"subject,omitempty"`
	Min     *float64  `json:"min,omitempty"`
	Max     *float64  `json:"max,omitempty"`
	Message string    `json:"message"`
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// FieldErrors is the collected result of a failed validation.
type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	msgs := make([]string, len(fe))
	for i, e := range fe {
		msgs[i] = e.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Has reports whether field has an error with the given code.
func (fe FieldErrors) Has(field string, code ErrorCode) bool {
	for _, e := range fe {
		if e.Field == field && e.Code == code {
			return true
		}
	}
	return false
}

// ByField groups messages by field name for rendering.
func (fe FieldErrors) ByField() map[string][]string {
	out := make(map[string][]string, len(fe))
	for _, e := range fe {
		out[e.Field] = append(out[e.Field], e.Message)
	}
	return out
}

// Fields returns the sorted names of fields carrying errors.
func (fe FieldErrors) Fields() []string {
	seen := map[string]bool{}
	var names []string
	for _, e := range fe {
		if !seen[e.Field] {
			seen[e.Field] = true
			names = append(names, e.Field)
		}
	}
	sort.Strings(names)
	return names
}

func required(field string) FieldError {
	return FieldError{Field: field, Code: CodeRequired, Message: "this field is required"}
}

func outOfRange(field, subject string, min, max float64) FieldError {
	return FieldError{
		Field: field, Code: CodeOutOfRange, Subject: subject, Min: &min, Max: &max,
		Message: fmt.Sprintf("%s must be between %g and %g", subject, min, max),
	}
}
