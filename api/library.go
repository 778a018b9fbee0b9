package api

import (
	"errors"
	"net/http"

	"mediajobs/history"
	"mediajobs/store"

	"github.com/gin-gonic/gin"
)

func (h *Handler) handleHistory(c *gin.Context) {
	c.JSON(http.StatusOK, h.history.Buckets())
}

func (h *Handler) handleHistoryBucket(c *gin.Context) {
	key, err := history.ParseKey(c.Param("kind") + "/" + c.Param("mediaType"))
	if err != nil {
		writeError(c, err)
		return
	}
	entries, err := h.history.Bucket(key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) handleGetSettings(c *gin.Context) {
	s, err := h.settings.Load()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) handlePutSettings(c *gin.Context) {
	var s store.Settings
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	saved, err := h.settings.Save(s)
	if err != nil {
		if errors.Is(err, store.ErrInvalidSettings) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}
