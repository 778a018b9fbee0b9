package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"mediajobs/config"
	"mediajobs/history"
	"mediajobs/store"
	"mediajobs/task"
	"mediajobs/worker"

	"github.com/gin-gonic/gin"
)

// Probe inspects local media and the encoders ffmpeg offers.
type Probe interface {
	LocalInfo(ctx context.Context, path string) (worker.LocalInfo, error)
	Encoders(ctx context.Context) worker.EncoderReport
}

// SettingsStore persists user preferences.
type SettingsStore interface {
	Load() (store.Settings, error)
	Save(s store.Settings) (store.Settings, error)
}

// Services are the components the HTTP surface exposes.
type Services struct {
	Jobs     *task.Manager
	Probe    Probe
	History  *history.Reconciler
	Settings SettingsStore
}

type Handler struct {
	jobs     *task.Manager
	probe    Probe
	history  *history.Reconciler
	settings SettingsStore
	cfg      *config.Config
	thumbs   *http.Client
}

func NewHandler(svc Services, cfg *config.Config) *Handler {
	return &Handler{
		jobs:     svc.Jobs,
		probe:    svc.Probe,
		history:  svc.History,
		settings: svc.Settings,
		cfg:      cfg,
		thumbs:   &http.Client{Timeout: thumbnailTimeout},
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	var verr *task.ValidationError
	switch {
	case errors.As(err, &verr):
		body := gin.H{"error": verr.Error()}
		if verr.Field != "" {
			body["field"] = verr.Field
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, task.ErrNotFound), errors.Is(err, history.ErrUnknownBucket):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrJobActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, task.ErrServiceUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handler) handleHealth(c *gin.Context) {
	if err := h.jobs.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleCreateJob registers a job and returns before any work starts.
func (h *Handler) handleCreateJob(c *gin.Context) {
	var req task.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap, err := h.jobs.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":     snap.JobID,
		"status":    snap.Status,
		"eventsUrl": fmt.Sprintf("/api/v1/jobs/%s/events", snap.JobID),
	})
}

func (h *Handler) handleListJobs(c *gin.Context) {
	if c.Query("active") == "true" {
		c.JSON(http.StatusOK, h.jobs.ListActive())
		return
	}
	c.JSON(http.StatusOK, h.jobs.List())
}

func (h *Handler) handleGetJob(c *gin.Context) {
	snap, err := h.jobs.Get(c.Param("jobId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) handleRemoveJob(c *gin.Context) {
	if err := h.jobs.Remove(c.Param("jobId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleCancelJob is idempotent; cancelling a finished job is a no-op.
func (h *Handler) handleCancelJob(c *gin.Context) {
	jobID := c.Param("jobId")
	if err := h.jobs.Cancel(jobID); err != nil {
		writeError(c, err)
		return
	}
	snap, err := h.jobs.Get(jobID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job cancellation requested", "status": snap.Status})
}

// handleGetFile serves the artifact of a completed job.
func (h *Handler) handleGetFile(c *gin.Context) {
	snap, err := h.jobs.Get(c.Param("jobId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if snap.Status != task.StatusCompleted || snap.OutputPath == "" {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("job is %s, no output available", snap.Status)})
		return
	}
	if _, err := os.Stat(snap.OutputPath); err != nil {
		log.Printf("Job %s: output file missing: %v", snap.JobID, err)
		c.JSON(http.StatusNotFound, gin.H{"error": "output file no longer exists"})
		return
	}
	c.FileAttachment(snap.OutputPath, filepath.Base(snap.OutputPath))
}
