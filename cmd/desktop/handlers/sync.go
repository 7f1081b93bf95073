package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	apperrors "github.com/dukanx/backend/internal/errors"
	"github.com/dukanx/backend/internal/logging"
	"github.com/dukanx/backend/internal/models"
	dsync "github.com/dukanx/backend/internal/sync"
	"github.com/dukanx/backend/internal/sync/archive"
	"github.com/dukanx/backend/internal/sync/scheduler"
	"github.com/dukanx/backend/internal/uuid"
)

// SyncService is the orchestrator surface the handlers use.
type SyncService interface {
	Enqueue(ctx context.Context, req dsync.EnqueueRequest) (models.UUID, error)
	TriggerSync() bool
	ForceSyncAll(ctx context.Context) (*dsync.SyncResult, error)
	GetHealthMetrics(ctx context.Context) (*dsync.HealthMetrics, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*models.SyncQueueEntry, error)
	ListConflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error)
	Requeue(ctx context.Context, deadLetterID models.UUID) (models.UUID, error)
}

// Connectivity receives online/offline transitions from the UI.
type Connectivity interface {
	SetOnlineStatus(isOnline bool)
	GetStatus() scheduler.SchedulerStatus
}

// Exporter archives dead letters.
type Exporter interface {
	Export(ctx context.Context, src archive.DeadLetterSource, limit int) (*archive.Manifest, error)
}

// SyncHandler handles sync operations.
type SyncHandler struct {
	sync     SyncService
	conn     Connectivity
	exporter Exporter // nil when archiving is disabled
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(svc SyncService, conn Connectivity, exporter Exporter) *SyncHandler {
	return &SyncHandler{sync: svc, conn: conn, exporter: exporter}
}

// Register mounts the sync routes on mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sync/health", h.Health)
	mux.HandleFunc("POST /api/sync/queue", h.Enqueue)
	mux.HandleFunc("POST /api/sync/trigger", h.Trigger)
	mux.HandleFunc("POST /api/sync/force", h.Force)
	mux.HandleFunc("GET /api/sync/dead-letters", h.DeadLetters)
	mux.HandleFunc("POST /api/sync/dead-letters/export", h.ExportDeadLetters)
	mux.HandleFunc("POST /api/sync/dead-letters/{id}/requeue", h.Requeue)
	mux.HandleFunc("GET /api/sync/conflicts", h.Conflicts)
	mux.HandleFunc("GET /api/sync/online", h.Online)
	mux.HandleFunc("POST /api/sync/online", h.SetOnline)
}

// Health handles GET /api/sync/health
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.sync.GetHealthMetrics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sync":      metrics,
		"scheduler": h.conn.GetStatus(),
	})
}

// Enqueue handles POST /api/sync/queue
func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req dsync.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	id, err := h.sync.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String()})
}

// Trigger handles POST /api/sync/trigger
// Nudges the poll loop. accepted is false when a cycle is already running
// or the loop is not started.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": h.sync.TriggerSync()})
}

// Force handles POST /api/sync/force
// Drains every entry eligible at request time before responding.
func (h *SyncHandler) Force(w http.ResponseWriter, r *http.Request) {
	result, err := h.sync.ForceSyncAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// DeadLetters handles GET /api/sync/dead-letters?limit=N
func (h *SyncHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.sync.ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.SyncQueueEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Requeue handles POST /api/sync/dead-letters/{id}/requeue
func (h *SyncHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id := models.UUID(r.PathValue("id"))
	if err := uuid.Validate(id.String()); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "dead letter id", err))
		return
	}
	fresh, err := h.sync.Requeue(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	logging.Info("Dead letter requeued via API", map[string]interface{}{
		"dead_letter_id": id.String(),
		"entry_id":       fresh.String(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"id": fresh.String(), "requeued_from": id.String()})
}

// ExportDeadLetters handles POST /api/sync/dead-letters/export?limit=N
func (h *SyncHandler) ExportDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		writeError(w, apperrors.New(apperrors.ErrSyncNotConfigured, "dead-letter archive is disabled"))
		return
	}
	limit, err := limitParam(r, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := h.exporter.Export(r.Context(), h.sync, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Conflicts handles GET /api/sync/conflicts?limit=N
func (h *SyncHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r, 50)
	if err != nil {
		writeError(w, err)
		return
	}
	logs, err := h.sync.ListConflicts(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*models.ConflictLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// Online handles GET /api/sync/online
func (h *SyncHandler) Online(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.conn.GetStatus())
}

// SetOnline handles POST /api/sync/online with {"online": bool}
// Going online triggers an immediate sync.
func (h *SyncHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Online == nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "online (bool) is required"))
		return
	}
	h.conn.SetOnlineStatus(*request.Online)
	writeJSON(w, http.StatusOK, h.conn.GetStatus())
}
