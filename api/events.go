package api

import (
	"io"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
)

const keepAliveInterval = 15 * time.Second

// handleJobEvents streams a job's snapshots as server-sent events. Every
// event carries the snapshot seq as its id. The stream ends after the
// terminal snapshot.
func (h *Handler) handleJobEvents(c *gin.Context) {
	sub, err := h.jobs.Subscribe(c.Param("jobId"))
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-keepAlive.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		case snap, ok := <-sub.C():
			if !ok {
				return false
			}
			c.Render(-1, sse.Event{
				Id:    strconv.FormatUint(snap.Seq, 10),
				Event: "progress",
				Data:  snap,
			})
			return !snap.IsTerminal()
		}
	})
}
