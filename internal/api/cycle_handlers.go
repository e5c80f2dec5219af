package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/coverwatch/internal/store"
)

const (
	defaultCycleLimit = 50
	maxCycleLimit     = 500
	historyTimeout    = 3 * time.Second
)

// CycleHandler exposes read-only cycle history endpoints.
type CycleHandler struct {
	repo    store.CycleRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewCycleHandler wires the repository and logger.
func NewCycleHandler(repo store.CycleRepository, logger *zap.Logger) *CycleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CycleHandler{
		repo:    repo,
		timeout: historyTimeout,
		logger:  logger,
	}
}

// ListCycles handles GET /v1/cycles?status=&limit=&offset=. It returns
// {"cycles": [...]} on success, 400 for invalid filters, 503 when the repo is
// unavailable, or 500 if the repository call fails.
func (h *CycleHandler) ListCycles(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "cycle repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	limit, offset, err := parseLimitOffset(r, defaultCycleLimit, maxCycleLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	runs, err := h.repo.ListCycles(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list cycles failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list cycles")
		return
	}
	out := make([]cycleDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toCycleDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": out})
}

// GetCycle handles GET /v1/cycles/{cycle_id}: 200 with {"cycle": {...}}, 400 for
// malformed IDs, 404 for store.ErrNotFound, 503 without a repo, 500 otherwise.
func (h *CycleHandler) GetCycle(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "cycle repository unavailable")
		return
	}
	cycleID, err := parseCycleID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetCycle(ctx, cycleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "cycle not found")
			return
		}
		h.logger.Error("get cycle failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load cycle")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycle": toCycleDTO(run)})
}

// ListStages handles GET /v1/cycles/{cycle_id}/stages.
func (h *CycleHandler) ListStages(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "cycle repository unavailable")
		return
	}
	cycleID, err := parseCycleID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stats, err := h.repo.ListStageStats(ctx, cycleID)
	if err != nil {
		h.logger.Error("list stage stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list stages")
		return
	}
	out := make([]stageDTO, 0, len(stats))
	for _, s := range stats {
		out = append(out, stageDTO{
			Stage:      s.Stage,
			LastUpdate: s.LastUpdate,
			Requests:   s.Requests,
			BytesTotal: s.BytesTotal,
			Status2xx:  s.Status2xx,
			Status3xx:  s.Status3xx,
			Status4xx:  s.Status4xx,
			Status5xx:  s.Status5xx,
			Failed:     s.Failed,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": out})
}

func parseCycleID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "cycle_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("cycle_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid cycle_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.RunRunning, nil
	case "success":
		return store.RunSuccess, nil
	case "error", "failed", "failure":
		return store.RunError, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toCycleDTO(run store.CycleRun) cycleDTO {
	return cycleDTO{
		ID:         run.ID.String(),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Changed:    run.Changed,
		Error:      run.ErrorMessage,
	}
}

type cycleDTO struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Changed    int64      `json:"changed"`
	Error      *string    `json:"error,omitempty"`
}

type stageDTO struct {
	Stage      string    `json:"stage"`
	LastUpdate time.Time `json:"last_update"`
	Requests   int64     `json:"requests"`
	BytesTotal int64     `json:"bytes_total"`
	Status2xx  int64     `json:"status_2xx"`
	Status3xx  int64     `json:"status_3xx"`
	Status4xx  int64     `json:"status_4xx"`
	Status5xx  int64     `json:"status_5xx"`
	Failed     int64     `json:"failed"`
}
