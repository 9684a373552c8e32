package ingestion

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rpattn/regsync/internal/domain"
)

// MaxUploadBytes bounds a multipart snapshot upload.
const MaxUploadBytes = 64 << 20

// ReadUpload extracts the "file" part and the "label" field of a multipart form.
func ReadUpload(r *http.Request) (Request, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return Request{}, domain.NewError(domain.KindValidation, err, "invalid form data")
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return Request{}, domain.NewError(domain.KindValidation, err, "file required")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil {
		return Request{}, domain.NewError(domain.KindValidation, err, "failed to read file")
	}
	if len(data) > MaxUploadBytes {
		return Request{}, domain.NewError(domain.KindValidation, nil, "file exceeds %d bytes", MaxUploadBytes)
	}

	return Request{
		FileName: header.Filename,
		Label:    strings.TrimSpace(r.FormValue("label")),
		Data:     data,
	}, nil
}

// Handler exposes validation and the rejection log over HTTP.
type Handler struct {
	service *Service
}

// NewHTTPHandler wraps the service.
func NewHTTPHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register mounts the handler's routes.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /uploads/validate", h.validate)
	mux.HandleFunc("GET /ingestion-logs", h.rejections)
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	req, err := ReadUpload(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	snapshot, err := h.service.Parse(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"fileName": snapshot.FileName,
		"rows":     len(snapshot.Records),
	})
}

func (h *Handler) rejections(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	entries, err := h.service.Rejections(r.Context(), r.URL.Query().Get("file"), limit, offset)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, entries)
}

// WriteJSON writes payload as indented JSON.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusUnprocessableEntity
	case domain.KindConflict, domain.KindStaleDiff:
		return http.StatusConflict
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders err as {"kind", "message", "details"}.
func WriteError(w http.ResponseWriter, err error) {
	engineErr, ok := domain.AsError(err)
	if !ok {
		engineErr = &domain.Error{Kind: domain.KindInternal, Message: fmt.Sprintf("internal error: %v", err)}
	}
	WriteJSON(w, StatusFor(engineErr.Kind), map[string]any{
		"kind":    engineErr.Kind,
		"message": engineErr.Error(),
		"details": engineErr.Details,
	})
}
