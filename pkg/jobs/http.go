package jobs

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/synaptica-ai/omopwide/pkg/common/logger"
	"github.com/synaptica-ai/omopwide/pkg/common/models"
	"github.com/synaptica-ai/omopwide/pkg/storage"
)

type Handler struct {
	runner  *Runner
	maxBody int64
}

func NewHandler(runner *Runner, maxBody int64) *Handler {
	return &Handler{runner: runner, maxBody: maxBody}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/extract", h.handleExtract).Methods(http.MethodPost)
	r.HandleFunc("/extractions", h.handleEnqueue).Methods(http.MethodPost)
	r.HandleFunc("/extractions", h.handleList).Methods(http.MethodGet)
	r.HandleFunc("/extractions/{id}", h.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/extractions/{id}/rows", h.handleRows).Methods(http.MethodGet)
	r.HandleFunc("/features/{visit_id}", h.handleFeatures).Methods(http.MethodGet)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (models.ExtractionRequest, bool) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
	var req models.ExtractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.WithError(err).Warn("invalid extraction payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.RequestedBy == "" {
		req.RequestedBy = resolveActor(r)
	}
	return req, true
}

// handleExtract runs the extraction inline and answers with the table, or
// with the encoded file when a format is requested.
func (h *Handler) handleExtract(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	res, err := h.runner.Run(r.Context(), req)
	if err != nil {
		writeError(w, err, "extraction failed")
		return
	}
	if req.Format == "" {
		writeJSON(w, http.StatusOK, res)
		return
	}
	format, _ := storage.ParseFormat(req.Format)
	w.Header().Set("Content-Type", contentType(format))
	w.Header().Set("Content-Disposition", "attachment; filename=extraction"+format.Extension())
	if err := storage.Write(w, format, res.Table); err != nil {
		logger.Log.WithError(err).Error("failed to encode extraction")
	}
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}
	job, err := h.runner.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, err, "failed to queue extraction")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"job": job})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.runner.List(r.Context(), r.URL.Query().Get("requested_by"), parseLimit(r, 50))
	if err != nil {
		writeError(w, err, "failed to list extractions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": jobs})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid extraction id", http.StatusBadRequest)
		return
	}
	job, err := h.runner.Get(r.Context(), id)
	if err != nil {
		writeError(w, err, "failed to get extraction")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

func (h *Handler) handleRows(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid extraction id", http.StatusBadRequest)
		return
	}
	var visitID int64
	if raw := r.URL.Query().Get("visit_id"); raw != "" {
		if visitID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			http.Error(w, "invalid visit_id", http.StatusBadRequest)
			return
		}
	}
	rows, err := h.runner.Rows(r.Context(), id, visitID, parseLimit(r, 1000))
	if err != nil {
		writeError(w, err, "failed to query extraction rows")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": rows})
}

func (h *Handler) handleFeatures(w http.ResponseWriter, r *http.Request) {
	visitID, err := strconv.ParseInt(mux.Vars(r)["visit_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid visit id", http.StatusBadRequest)
		return
	}
	set, err := h.runner.Features(r.Context(), visitID)
	if err != nil {
		writeError(w, err, "failed to get features")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"features": set})
}

func writeError(w http.ResponseWriter, err error, message string) {
	switch {
	case IsInvalid(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrJobNotFound), errors.Is(err, storage.ErrFeaturesNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNotConfigured):
		http.Error(w, err.Error(), http.StatusNotImplemented)
	default:
		logger.Log.WithError(err).Error(message)
		http.Error(w, message, http.StatusInternalServerError)
	}
}

func contentType(format storage.Format) string {
	switch format {
	case storage.FormatCSV:
		return "text/csv"
	case storage.FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case storage.FormatJSON:
		return "application/json"
	}
	return "application/octet-stream"
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}

func resolveActor(r *http.Request) string {
	if user := r.Header.Get("X-User-ID"); user != "" {
		return user
	}
	return "system"
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
