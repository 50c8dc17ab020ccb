package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/timeweave/timeweave/internal/auth"
	"github.com/timeweave/timeweave/internal/models"
	"github.com/timeweave/timeweave/internal/pipeline"
	"github.com/timeweave/timeweave/internal/provider"
)

func userFromRequest(r *http.Request) (string, bool) {
	return auth.GetUserIDFromContext(r.Context())
}

// Runner starts pipeline runs. Satisfied by *pipeline.Orchestrator.
type Runner interface {
	Run(ctx context.Context, req models.RetrievalRequest, constraints models.Constraints) (*models.PipelineResult, error)
}

type Handler struct {
	runner    Runner
	registry  *pipeline.TaskRegistry
	breakers  *provider.Registry
	logger    *slog.Logger
	startTime time.Time
}

func NewHandler(runner Runner, registry *pipeline.TaskRegistry, breakers *provider.Registry, logger *slog.Logger) *Handler {
	return &Handler{
		runner:    runner,
		registry:  registry,
		breakers:  breakers,
		logger:    logger,
		startTime: time.Now(),
	}
}

// RetrievalRequestBody is the JSON body for POST /api/retrievals.
type RetrievalRequestBody struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	RegionIDs   []int64             `json:"region_ids"`
	Start       time.Time           `json:"start"`
	End         time.Time           `json:"end"`
	Constraints *models.Constraints `json:"constraints,omitempty"`
}

// RetrievalResponse acknowledges an accepted run.
type RetrievalResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TriggerRetrievalHandler handles POST /api/retrievals. The run executes
// asynchronously; poll GET /api/tasks/:id for progress and the result.
func (h *Handler) TriggerRetrievalHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body RetrievalRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req := models.RetrievalRequest{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(body.Name),
		Description: strings.TrimSpace(body.Description),
		RegionIDs:   body.RegionIDs,
		Range:       models.TimeRange{Start: body.Start, End: body.End},
	}
	if userID, ok := userFromRequest(r); ok {
		req.RequesterID = userID
	}

	if req.Name == "" {
		http.Error(w, "Name is required", http.StatusBadRequest)
		return
	}
	if err := req.Range.Validate(); err != nil {
		http.Error(w, "Invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	constraints := models.DefaultConstraints()
	if body.Constraints != nil {
		constraints = *body.Constraints
	}

	h.registry.Begin(req.ID)

	go func() {
		result, err := h.runner.Run(context.Background(), req, constraints)
		switch {
		case errors.Is(err, pipeline.ErrDuplicateInFlight):
			h.registry.Fail(req.ID, "identical request already in flight")
		case err != nil:
			h.logger.Error("retrieval run failed", "task_id", req.ID, "error", err)
			h.registry.Fail(req.ID, err.Error())
		default:
			h.registry.Complete(req.ID, result)
		}
	}()

	h.logger.Info("retrieval accepted",
		"task_id", req.ID,
		"name", req.Name,
		"start", req.Range.Start,
		"end", req.Range.End)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, h.logger, RetrievalResponse{TaskID: req.ID, Status: "accepted"})
}

// GetTaskHandler handles GET /api/tasks/:id
func (h *Handler) GetTaskHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimSuffix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[3] == "" {
		http.Error(w, "Task ID required", http.StatusBadRequest)
		return
	}
	taskID := parts[3]

	status, ok := h.registry.Get(taskID)
	if !ok {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeJSON(w, h.logger, status)
}

// ProviderHealthResponse reports circuit-breaker state per provider.
type ProviderHealthResponse struct {
	Providers map[string]provider.Snapshot `json:"providers"`
}

// GetProviderHealthHandler handles GET /api/providers/health
func (h *Handler) GetProviderHealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeJSON(w, h.logger, ProviderHealthResponse{Providers: h.breakers.Snapshots()})
}

// HealthHandler handles GET /api/health
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeJSON(w, h.logger, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.startTime).String(),
	})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
