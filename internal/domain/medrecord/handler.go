package medrecord

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medrec/medrec/internal/platform/auth"
	"github.com/medrec/medrec/internal/platform/filestore"
	"github.com/medrec/medrec/pkg/pagination"
)

const (
	saveLocationField = "save_location"
	uploadFormField   = "file"
)

type Handler struct {
	svc *Service
	log zerolog.Logger
}

func NewHandler(svc *Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleViewer, auth.RoleClinician))
	read.GET("/records", h.ListRecords)
	read.GET("/records/search", h.SearchRecords)
	read.GET("/records/export", h.ExportRecords)
	read.GET("/records/:id", h.GetRecord)
	read.GET("/files", h.ListFiles)

	write := api.Group("", auth.RequireRole(auth.RoleClinician))
	write.POST("/records", h.CreateRecord)
	write.PUT("/records/:id", h.UpdateRecord)
	write.DELETE("/records/:id", h.DeleteRecord)
	write.POST("/uploads", h.UploadFile)
}

// outcomeResponse is the body returned for every create, edit and upload.
type outcomeResponse struct {
	Status      OutcomeStatus `json:"status"`
	Message     string        `json:"message"`
	Record      *View         `json:"record,omitempty"`
	DuplicateOf *uuid.UUID    `json:"duplicate_of,omitempty"`
	DBSaved     bool          `json:"db_saved"`
	FileSaved   bool          `json:"file_saved"`
	FileName    string        `json:"file_name,omitempty"`
	Errors      []string      `json:"errors,omitempty"`
}

type validationResponse struct {
	Errors map[string][]string `json:"errors"`
}

func (h *Handler) CreateRecord(c echo.Context) error {
	raw, err := rawFieldsFromRequest(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	target, err := ParseSaveTarget(strings.TrimSpace(raw[saveLocationField]))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.Create(c.Request().Context(), raw, target)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return h.outcome(c, out, http.StatusCreated)
}

func (h *Handler) UpdateRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	raw, err := rawFieldsFromRequest(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.Update(c.Request().Context(), id, raw)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return h.outcome(c, out, http.StatusOK)
}

func (h *Handler) DeleteRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.svc.Delete(c.Request().Context(), id)
	if err != nil {
		return h.errorResponse(c, err)
	}
	if err := res.Err(); err != nil {
		h.log.Error().Err(err).Str("record_id", id.String()).Msg("medical record partially deleted")
		return c.JSON(http.StatusMultiStatus, res)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, rec.View())
}

// ListRecords lists database records, or JSON files with ?source=file.
func (h *Handler) ListRecords(c echo.Context) error {
	switch c.QueryParam("source") {
	case "", "db", "database":
	case "file":
		return h.ListFiles(c)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "source must be db or file")
	}
	p := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views(items), total, p.Limit, p.Offset))
}

func (h *Handler) SearchRecords(c echo.Context) error {
	p := pagination.FromContext(c)
	items, total, err := h.svc.Search(c.Request().Context(), c.QueryParam("q"), p.Limit, p.Offset)
	if err != nil {
		return h.errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views(items), total, p.Limit, p.Offset))
}

func (h *Handler) ListFiles(c echo.Context) error {
	files, err := h.svc.ListFiles(c.Request().Context())
	if err != nil {
		return h.errorResponse(c, err)
	}
	if files == nil {
		files = []JSONFile{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  files,
		"total": len(files),
	})
}

func (h *Handler) ExportRecords(c echo.Context) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	res.Header().Set(echo.HeaderContentDisposition, `attachment; filename="medical_records.xlsx"`)

	var buf bytes.Buffer
	n, err := h.svc.Export(c.Request().Context(), &buf)
	if err != nil {
		res.Header().Del(echo.HeaderContentDisposition)
		return h.errorResponse(c, err)
	}
	h.log.Info().Int("records", n).Msg("medical records exported")
	return c.Blob(http.StatusOK, res.Header().Get(echo.HeaderContentType), buf.Bytes())
}

func (h *Handler) UploadFile(c echo.Context) error {
	fh, err := c.FormFile(uploadFormField)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read uploaded file")
	}
	defer f.Close()

	out, err := h.svc.Ingest(c.Request().Context(), Upload{Name: fh.Filename, Size: fh.Size, Content: f})
	if err != nil {
		return h.errorResponse(c, err)
	}
	return h.outcome(c, out, http.StatusCreated)
}

// outcome renders a reconciliation outcome: saved → ok, duplicate → 409,
// partial success → 207, failed → 500.
func (h *Handler) outcome(c echo.Context, out Outcome, ok int) error {
	body := outcomeResponse{
		Status:      out.Status,
		Message:     outcomeMessage(out),
		DuplicateOf: out.DuplicateOf,
		DBSaved:     out.DBSaved,
		FileSaved:   out.FileSaved,
		FileName:    out.FileName,
	}
	if out.Record != nil {
		v := out.Record.View()
		body.Record = &v
	}
	for _, err := range []error{out.DBErr, out.FileErr} {
		if err != nil {
			body.Errors = append(body.Errors, err.Error())
		}
	}

	switch out.Status {
	case StatusSaved:
		return c.JSON(ok, body)
	case StatusDuplicate:
		return c.JSON(http.StatusConflict, body)
	case StatusPartialSuccess:
		return c.JSON(http.StatusMultiStatus, body)
	}
	h.log.Error().Err(out.Err()).Msg("medical record not saved")
	return c.JSON(http.StatusInternalServerError, body)
}

func outcomeMessage(out Outcome) string {
	switch out.Status {
	case StatusDuplicate:
		return "Such a record already exists"
	case StatusPartialSuccess:
		if out.DBSaved {
			return "Record saved to database but failed to save to JSON file"
		}
		return "Record saved to JSON file but failed to save to database"
	case StatusFailed:
		return "Record could not be saved"
	}
	switch {
	case out.DBSaved && out.FileSaved:
		return "Record saved successfully to database and JSON file"
	case out.FileSaved:
		return "Record saved successfully to JSON file"
	}
	return "Record saved successfully to database"
}

func (h *Handler) errorResponse(c echo.Context, err error) error {
	var ferrs FieldErrors
	var uerr *UploadError
	switch {
	case errors.As(err, &ferrs):
		return c.JSON(http.StatusUnprocessableEntity, validationResponse{Errors: ferrs.ByField()})
	case errors.As(err, &uerr):
		if errors.Is(uerr, ErrTooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, uerr.Err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, uerr.Err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "medical record not found")
	}
	h.log.Error().Err(err).Str("path", c.Request().URL.Path).Msg("medical record request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "storage failure")
}

// rawFieldsFromRequest reads a JSON object body or form values.
func rawFieldsFromRequest(c echo.Context) (RawFields, error) {
	req := c.Request()
	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		doc, err := filestore.Decode(body)
		if err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return RawFieldsFromJSON(doc), nil
	}
	form, err := c.FormParams()
	if err != nil {
		return nil, fmt.Errorf("invalid form body: %w", err)
	}
	raw := make(RawFields, len(form))
	for k, v := range form {
		if len(v) > 0 {
			raw[k] = v[0]
		}
	}
	return raw, nil
}

func views(items []*MedicalRecord) []View {
	out := make([]View, len(items))
	for i, m := range items {
		out[i] = m.View()
	}
	return out
}
