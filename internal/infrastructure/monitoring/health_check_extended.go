package monitoring

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// AddEngineCheck marks the service unhealthy once the media engine has
// reported death.
func (h *HealthChecker) AddEngineCheck(alive func() bool, interval, timeout time.Duration) {
	h.AddCheck("engine", func(ctx context.Context) error {
		if !alive() {
			return fmt.Errorf("media engine has died")
		}
		return nil
	}, interval, timeout)
}

// AddHLSOutputCheck verifies the HLS output directory is writable.
func (h *HealthChecker) AddHLSOutputCheck(outputDir string, interval, timeout time.Duration) {
	h.AddCheck("hls_output", func(ctx context.Context) error {
		probe := filepath.Join(outputDir, ".health")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return err
		}
		os.Remove(probe)
		return nil
	}, interval, timeout)
}

// AddFFmpegCheck verifies the transcoder binary is resolvable.
func (h *HealthChecker) AddFFmpegCheck(ffmpegPath string, interval, timeout time.Duration) {
	h.AddCheck("ffmpeg", func(ctx context.Context) error {
		_, err := exec.LookPath(ffmpegPath)
		return err
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	status := h.CheckAll(ctx)
	return status.Status == "healthy"
}
