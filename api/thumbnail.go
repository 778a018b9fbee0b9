package api

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/gin-gonic/gin"
)

const (
	thumbnailTimeout = 10 * time.Second
	maxThumbnailSize = 10 * datasize.MB
	thumbnailAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// handleThumbnail relays a remote thumbnail so pages can show it without
// running into the host's CORS or referrer rules.
func (h *Handler) handleThumbnail(c *gin.Context) {
	raw := c.Query("url")
	u, err := url.Parse(raw)
	if raw == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url must be an http or https address"})
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Header.Set("User-Agent", thumbnailAgent)

	resp, err := h.thumbs.Do(req)
	if err != nil {
		log.Printf("Thumbnail fetch failed for %s: %v", u, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch thumbnail", "details": err.Error()})
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("thumbnail host answered %s", resp.Status)})
		return
	}

	limit := int64(maxThumbnailSize.Bytes())
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch thumbnail", "details": err.Error()})
		return
	}
	if int64(len(data)) > limit {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("thumbnail larger than %s", maxThumbnailSize.HumanReadable())})
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, contentType, data)
}
