package export

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rpattn/regsync/internal/ingestion"
)

// Handler serves registry exports.
type Handler struct {
	service *Service
}

func NewHTTPHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register mounts GET /entities/export.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /entities/export", h.handleDownload)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	format, err := ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		ingestion.WriteError(w, err)
		return
	}

	var buf bytes.Buffer
	result, err := h.service.Write(r.Context(), &buf, format)
	if err != nil {
		ingestion.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", result.FileName))
	w.Header().Set("Content-Length", strconv.FormatInt(result.Bytes, 10))
	w.Header().Set("X-Regsync-Rows", strconv.Itoa(result.Rows))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
