package reconcile

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/regsync/internal/auth"
	"github.com/rpattn/regsync/internal/domain"
	"github.com/rpattn/regsync/internal/ingestion"

	"github.com/google/uuid"
)

// Handler exposes the engine over HTTP. Caller roles come from the request
// context, see auth.Middleware.
type Handler struct {
	service *Service
	ingest  *ingestion.Service
}

// NewHTTPHandler wires the engine to the row validator.
func NewHTTPHandler(service *Service, ingest *ingestion.Service) *Handler {
	return &Handler{service: service, ingest: ingest}
}

// Register mounts the handler's routes.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /uploads/simulate", h.simulate)
	mux.HandleFunc("POST /uploads", h.apply)
	mux.HandleFunc("GET /uploads", h.listUploads)
	mux.HandleFunc("POST /uploads/{changeSourceId}/rollback", h.rollback)
	mux.HandleFunc("GET /entities/{externalId}/history", h.history)
	mux.HandleFunc("POST /moderation", h.moderate)
}

func (h *Handler) simulate(w http.ResponseWriter, r *http.Request) {
	req, err := ingestion.ReadUpload(r)
	if err != nil {
		ingestion.WriteError(w, err)
		return
	}
	snapshot, err := h.ingest.Parse(r.Context(), req)
	if err != nil {
		ingestion.WriteError(w, err)
		return
	}

	result, err := h.service.Simulate(r.Context(), snapshot.Records)
	if err != nil {
		ingestion.WriteError(w, err)
		return
	}
	ingestion.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request) {
	req, err := ingestion.ReadUpload(r)
	if err != nil {
		ingestion.WriteError(w, err)
		return
	}

	releaseDate, err := parseReleaseDate(r.FormValue("release_date"))
	if err != nil {
		ingestion.WriteError(w, err)
		return
	}
	expected, err := parseExpectation(r.FormValue("expected"))
	if err != nil {
		ingestion.WriteError(w, err)
		return
	}

	snapshot, err := h.ingest.Parse(r.Context(), req)
	if err != nil {
		ingestion.WriteError(w, err)
		return
	}

	result, err := h.service.Apply(r.Context(), auth.RoleFromContext(r.Context()), ApplyRequest{
		Records: snapshot.Records,
		Upload: Upload{
			FileName:    snapshot.FileName,
			Label:       snapshot.Label,
			ReleaseDate: releaseDate,
			Payload:     snapshot.Payload,
		},
		Expected: expected,
	})
	if err != nil {
		ingestion.WriteError(w, err)
		return
	}
	ingestion.WriteJSON(w, http.StatusCreated, result)
}

func (h *Handler) listUploads(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	records, err := h.service.ListUploads(r.Context(), limit, offset)
	if err != nil {
		ingestion.WriteError(w, err)
		return
	}
	ingestion.WriteJSON(w, http.StatusOK, records)
}

func (h *Handler) rollback(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("changeSourceId"))
	if err != nil {
		ingestion.WriteError(w, domain.NewError(domain.KindValidation, err, "invalid change source id"))
		return
	}

	stats, err := h.service.Rollback(r.Context(), auth.RoleFromContext(r.Context()), id)
	if err != nil {
		ingestion.WriteError(w, err)
		return
	}
	ingestion.WriteJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	history, err := h.service.History(r.Context(), r.PathValue("externalId"))
	if err != nil {
		ingestion.WriteError(w, err)
		return
	}
	ingestion.WriteJSON(w, http.StatusOK, history)
}

func (h *Handler) moderate(w http.ResponseWriter, r *http.Request) {
	var change ModerationChange
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&change); err != nil {
		ingestion.WriteError(w, domain.NewError(domain.KindValidation, err, "invalid moderation payload"))
		return
	}
	change.ChangeType = domain.ChangeType(strings.ToUpper(string(change.ChangeType)))

	result, err := h.service.ApplySingle(r.Context(), auth.RoleFromContext(r.Context()), change)
	if err != nil {
		ingestion.WriteError(w, err)
		return
	}
	ingestion.WriteJSON(w, http.StatusCreated, result)
}

func parseReleaseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, domain.NewError(domain.KindValidation, err, "release_date must be YYYY-MM-DD")
	}
	return &t, nil
}

func parseExpectation(raw string) (*Expectation, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var expected Expectation
	if err := json.Unmarshal([]byte(raw), &expected); err != nil {
		return nil, domain.NewError(domain.KindValidation, err, "expected must be a JSON object with generation and summary")
	}
	return &expected, nil
}
