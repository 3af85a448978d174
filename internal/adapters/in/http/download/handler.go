// Package download implements the HTTP adapter for the Control API
// (spec.md §6).
package download

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/bnema/zerowrap"

	"github.com/nullstream/imgpull/internal/adapters/dto"
	"github.com/nullstream/imgpull/internal/boundaries/in"
	"github.com/nullstream/imgpull/internal/domain"
)

// defaultMaxCreateRequestSize bounds the create-task JSON body when the
// caller doesn't override it via SetMaxBodySize.
const defaultMaxCreateRequestSize = 1 << 16 // 64KB

// Handler implements the HTTP handler for the download Control API.
type Handler struct {
	svc         in.DownloadService
	startedAt   time.Time
	log         zerowrap.Logger
	maxBodySize int64
}

// NewHandler creates a new Control API HTTP handler.
func NewHandler(svc in.DownloadService, log zerowrap.Logger) *Handler {
	return &Handler{svc: svc, startedAt: time.Now(), log: log, maxBodySize: defaultMaxCreateRequestSize}
}

// SetMaxBodySize overrides the create-task request body limit, e.g. from
// config.Server.MaxRequestBodySize.
func (h *Handler) SetMaxBodySize(n int64) {
	if n > 0 {
		h.maxBodySize = n
	}
}

// RegisterRoutes registers the Control API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("POST /api/downloads", h.handleCreate)
	mux.HandleFunc("GET /api/downloads", h.handleList)
	mux.HandleFunc("GET /api/downloads/{id}", h.handleGet)
	mux.HandleFunc("POST /api/downloads/{id}/pause", h.handlePause)
	mux.HandleFunc("POST /api/downloads/{id}/resume", h.handleResume)
	mux.HandleFunc("POST /api/downloads/{id}/cancel", h.handleCancel)
	mux.HandleFunc("POST /api/downloads/{id}/retry", h.handleRetry)
	mux.HandleFunc("DELETE /api/downloads/{id}", h.handleDelete)
	mux.HandleFunc("GET /api/images/size", h.handleSizeProbe)
	mux.HandleFunc("GET /api/search", h.handleSearch)
}

func (h *Handler) withFields(r *http.Request, op string) *http.Request {
	ctx := zerowrap.CtxWithFields(r.Context(), map[string]any{
		zerowrap.FieldLayer:   "adapter",
		zerowrap.FieldAdapter: "http",
		zerowrap.FieldHandler: "download",
		zerowrap.FieldMethod:  r.Method,
		zerowrap.FieldPath:    r.URL.Path,
		"op":                  op,
	})
	return r.WithContext(ctx)
}

func (h *Handler) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(dto.Envelope{Code: status, Data: data})
}

func (h *Handler) sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(dto.Envelope{Code: status, Message: message})
}

// statusFor maps a domain error to the HTTP status the Control API
// returns for it (spec.md §7 propagation policy).
func statusFor(err error) int {
	if errors.Is(err, domain.ErrTaskNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrUploadInProgress) {
		return http.StatusBadRequest
	}
	switch domain.KindOf(err) {
	case domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, http.StatusOK, dto.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startedAt).String(),
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	r = h.withFields(r, "Create")
	log := zerowrap.FromCtx(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	var body dto.CreateDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	task, err := h.svc.Create(r.Context(), in.CreateRequest{
		ImageName:  body.ImageName,
		Tag:        body.Tag,
		Source:     body.Source,
		Platform:   body.Platform,
		TargetPath: body.TargetPath,
	})
	if err != nil {
		log.Warn().Err(err).Msg("create failed")
		h.sendError(w, statusFor(err), err.Error())
		return
	}
	h.sendJSON(w, http.StatusCreated, task)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.svc.List(r.Context())
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, tasks)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, statusFor(err), err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, task)
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, statusFor(err), err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, task)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, statusFor(err), err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, task)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, statusFor(err), err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, task)
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		h.sendError(w, statusFor(err), err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, task)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.sendError(w, statusFor(err), err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, nil)
}

func (h *Handler) handleSizeProbe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.svc.ProbeSize(r.Context(), in.SizeProbeRequest{
		ImageName: q.Get("name"),
		Source:    q.Get("source"),
		Tag:       q.Get("tag"),
		Platform:  q.Get("platform"),
	})
	if err != nil {
		h.sendError(w, statusFor(err), err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, dto.SizeProbeResponse{SizeBytes: result.SizeBytes, Size: result.Size})
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	results, err := h.svc.Search(r.Context(), q.Get("source"), q.Get("q"))
	if err != nil {
		h.sendError(w, statusFor(err), err.Error())
		return
	}
	h.sendJSON(w, http.StatusOK, results)
}
