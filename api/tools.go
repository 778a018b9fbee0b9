package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"mediajobs/media"
	"mediajobs/task"
	"mediajobs/worker"

	"github.com/gin-gonic/gin"
)

func (h *Handler) handleInfo(c *gin.Context) {
	info, err := h.jobs.FetchInfo(c.Request.Context(), c.Query("url"))
	if err != nil {
		var verr *task.ValidationError
		if errors.As(err, &verr) {
			writeError(c, err)
			return
		}
		log.Printf("Metadata fetch failed for %q: %v", c.Query("url"), err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch media info", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// probeContext bounds ffprobe the same way metadata fetches are bounded.
func (h *Handler) probeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.cfg.InfoTimeout > 0 {
		return context.WithTimeout(ctx, h.cfg.InfoTimeout)
	}
	return context.WithCancel(ctx)
}

// localInfo probes path, falling back to what the file system knows when
// ffprobe cannot read it.
func (h *Handler) localInfo(ctx context.Context, path string, st os.FileInfo) worker.LocalInfo {
	ctx, cancel := h.probeContext(ctx)
	defer cancel()

	info, err := h.probe.LocalInfo(ctx, path)
	if err != nil {
		log.Printf("Warning: could not probe %s: %v", path, err)
		info = worker.LocalInfo{Path: path}
	}
	if info.Size == 0 {
		info.Size = st.Size()
	}
	if info.MediaType == "" {
		info.MediaType, _ = media.DetectMediaType(path)
	}
	return info
}

func (h *Handler) handleLocalInfo(c *gin.Context) {
	path := strings.TrimSpace(c.Query("path"))
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is required"})
		return
	}
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		return
	}
	c.JSON(http.StatusOK, h.localInfo(c.Request.Context(), path, st))
}

func (h *Handler) handleEncoders(c *gin.Context) {
	c.JSON(http.StatusOK, h.probe.Encoders(c.Request.Context()))
}

type EstimateRequest struct {
	// Path, when set, is probed for size, duration and bitrate.
	Path            string  `json:"path"`
	InputBytes      int64   `json:"inputBytes"`
	DurationSeconds float64 `json:"durationSeconds"`
	BitRate         int64   `json:"bitRate"`
	Tier            string  `json:"tier" binding:"required"`
}

func (h *Handler) handleEstimate(c *gin.Context) {
	var req EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tier, ok := media.ParseTier(req.Tier)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tier must be high, balanced or light"})
		return
	}

	in := media.EstimateInput{
		InputBytes: req.InputBytes,
		Duration:   time.Duration(req.DurationSeconds * float64(time.Second)),
		BitRate:    req.BitRate,
		Tier:       tier,
	}
	if path := strings.TrimSpace(req.Path); path != "" {
		st, err := os.Stat(path)
		if err != nil || !st.Mode().IsRegular() {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		info := h.localInfo(c.Request.Context(), path, st)
		in.InputBytes = info.Size
		in.Duration = info.DurationValue()
		in.BitRate = info.BitRate
	}

	est, err := media.EstimateOutput(in)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, est)
}

type DropRequest struct {
	media.DropPayload
	// Operation and MediaType, when set, restrict the accepted extensions.
	Operation media.Operation `json:"operation"`
	MediaType media.MediaType `json:"mediaType"`
}

func (h *Handler) handleResolveDrop(c *gin.Context) {
	var req DropRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		path string
		err  error
	)
	if req.Operation == "" {
		path, err = media.ResolveDrop(req.DropPayload, runtime.GOOS)
	} else {
		path, err = media.ResolveDropFor(req.DropPayload, runtime.GOOS, req.Operation, req.MediaType)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mt, _ := media.DetectMediaType(path)
	c.JSON(http.StatusOK, gin.H{"path": path, "mediaType": mt})
}
