package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/avelacq/bulkstage/internal/domain"
	"github.com/avelacq/bulkstage/internal/output"
	"github.com/avelacq/bulkstage/internal/reader"
	"github.com/avelacq/bulkstage/internal/repository"
)

// Handler exposes the pipeline over HTTP under /jobs.
type Handler struct {
	service     *Service
	downloadDir string
}

// NewHTTPHandler wires the job endpoints. downloadDir is where exported
// error reports are served from.
func NewHTTPHandler(service *Service, downloadDir string) http.Handler {
	return &Handler{service: service, downloadDir: downloadDir}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/files/"):
		h.handleDownload(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cancel"):
		h.handleCancel(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/resume"):
		h.handleResume(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/errors/export"):
		h.handleExportErrors(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/errors"):
		h.handleListErrors(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/summary"):
		h.handleSummary(w, r)
	case r.Method == http.MethodPost:
		h.handleSubmit(w, r)
	case r.Method == http.MethodDelete:
		h.handlePurge(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/jobs"):
		h.handleList(w, r)
	case r.Method == http.MethodGet:
		h.handleStatus(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid multipart payload: %v", err), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer file.Close()

	template := strings.TrimSpace(r.FormValue("template"))
	if template == "" {
		http.Error(w, "missing template", http.StatusBadRequest)
		return
	}
	submittedBy := strings.TrimSpace(r.FormValue("submitted_by"))

	snapshot, err := h.service.Submit(r.Context(), file, header.Filename, template, submittedBy)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, reader.ErrFileTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, snapshot)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobIDFromPath(w, r.URL.Path)
	if !ok {
		return
	}
	snapshot, err := h.service.Status(r.Context(), jobID)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var statuses []domain.JobStatus
	for _, raw := range query["status"] {
		statuses = append(statuses, domain.JobStatus(raw))
	}
	limit := queryInt(query.Get("limit"), 50)
	offset := queryInt(query.Get("offset"), 0)
	snapshots, err := h.service.List(r.Context(), statuses, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobIDFromPath(w, strings.TrimSuffix(r.URL.Path, "/cancel"))
	if !ok {
		return
	}
	if err := h.service.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, ErrJobNotRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobIDFromPath(w, strings.TrimSuffix(r.URL.Path, "/resume"))
	if !ok {
		return
	}
	snapshot, err := h.service.Resume(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotResumable) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snapshot)
}

func (h *Handler) handleListErrors(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobIDFromPath(w, strings.TrimSuffix(r.URL.Path, "/errors"))
	if !ok {
		return
	}
	query := r.URL.Query()
	limit := queryInt(query.Get("limit"), 200)
	offset := queryInt(query.Get("offset"), 0)
	errs, err := h.service.ListErrors(r.Context(), jobID, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, errs)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobIDFromPath(w, strings.TrimSuffix(r.URL.Path, "/summary"))
	if !ok {
		return
	}
	summary, err := h.service.Summary(r.Context(), jobID)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleExportErrors(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobIDFromPath(w, strings.TrimSuffix(r.URL.Path, "/errors/export"))
	if !ok {
		return
	}
	policy := output.Policy{
		ForceStreaming: r.URL.Query().Get("stream") == "true",
		PreferFlatText: r.URL.Query().Get("flat") == "true",
	}
	result, err := h.service.ExportErrorReport(r.Context(), jobID, policy)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"strategy": result.Strategy,
		"file":     filepath.Base(result.Path),
		"rows":     result.Rows,
		"bytes":    result.Bytes,
	})
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	idx := strings.LastIndex(r.URL.Path, "/files/")
	name := r.URL.Path[idx+len("/files/"):]
	if name == "" || name != filepath.Base(name) {
		http.Error(w, "invalid file name", http.StatusBadRequest)
		return
	}
	path := filepath.Join(h.downloadDir, name)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}

func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobIDFromPath(w, r.URL.Path)
	if !ok {
		return
	}
	if err := h.service.Purge(r.Context(), jobID); err != nil {
		h.writeLookupError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) jobIDFromPath(w http.ResponseWriter, path string) (uuid.UUID, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	raw := parts[len(parts)-1]
	jobID, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid job id %q", raw), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return jobID, true
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[http] encode response: %v", err)
	}
}
