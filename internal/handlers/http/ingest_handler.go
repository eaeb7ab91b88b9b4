package http

import (
	"net/http"
	"os"
	"path/filepath"

	"roomcast/internal/core/domain"
	"roomcast/internal/infrastructure/hls"
	"roomcast/pkg/validation"

	"github.com/gin-gonic/gin"
)

// IngestHandler receives publish notifications from the RTMP server and
// serves the HLS output. The RTMP server is expected to POST its hook
// payloads in on_publish form encoding ("name" carries the stream key);
// JSON bodies with a "key" field are accepted as well.
type IngestHandler struct {
	bridge *hls.Bridge
	outDir string
}

func NewIngestHandler(bridge *hls.Bridge, outputDir string) *IngestHandler {
	return &IngestHandler{
		bridge: bridge,
		outDir: outputDir,
	}
}

func (h *IngestHandler) SetupRoutes(router *gin.Engine) {
	hooks := router.Group("/hooks")
	{
		hooks.POST("/publish", h.Publish)
		hooks.POST("/publish_done", h.PublishDone)
	}

	api := router.Group("/api/v1")
	{
		api.GET("/streams", h.ListStreams)
	}

	router.GET("/hls/:key/:file", h.ServeHLS)
}

type hookPayload struct {
	Key domain.StreamKey `json:"key"`
}

func (h *IngestHandler) streamKey(c *gin.Context) (domain.StreamKey, bool) {
	if name := c.PostForm("name"); name != "" {
		return domain.StreamKey(name), true
	}
	var p hookPayload
	if err := c.ShouldBindJSON(&p); err == nil && p.Key != "" {
		return p.Key, true
	}
	return "", false
}

func (h *IngestHandler) Publish(c *gin.Context) {
	key, ok := h.streamKey(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stream key is required"})
		return
	}

	if err := h.bridge.StreamPublished(c.Request.Context(), key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key})
}

func (h *IngestHandler) PublishDone(c *gin.Context) {
	key, ok := h.streamKey(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stream key is required"})
		return
	}

	h.bridge.StreamUnpublished(key)
	c.JSON(http.StatusOK, gin.H{"key": key})
}

func (h *IngestHandler) ListStreams(c *gin.Context) {
	keys := h.bridge.ActiveKeys()
	out := make([]gin.H, 0, len(keys))
	for _, key := range keys {
		// A stream is ready once ffmpeg has written the first playlist.
		ready := false
		if path, err := h.bridge.PlaylistPath(key); err == nil {
			if _, err := os.Stat(path); err == nil {
				ready = true
			}
		}
		out = append(out, gin.H{
			"key":      key,
			"playlist": "/hls/" + string(key) + "/index.m3u8",
			"ready":    ready,
		})
	}
	c.JSON(http.StatusOK, gin.H{"streams": out})
}

// ServeHLS serves playlists and segments for a stream key. Both path
// segments are validated before touching the filesystem.
func (h *IngestHandler) ServeHLS(c *gin.Context) {
	key := c.Param("key")
	file := c.Param("file")

	if err := validation.ValidateStreamKey(key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if file != filepath.Base(file) || file == "." || file == ".." {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file name"})
		return
	}

	c.File(filepath.Join(h.outDir, key, file))
}
