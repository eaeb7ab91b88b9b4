package hls

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/infrastructure/monitoring"
	"roomcast/pkg/validation"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// Config controls how published streams are repackaged into HLS.
type Config struct {
	FFmpegPath      string
	RTMPBaseURL     string // e.g. rtmp://127.0.0.1:1935/live
	OutputDir       string
	SegmentSeconds  int
	PlaylistLength  int
	AudioBitrate    string
	ShutdownTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FFmpegPath == "" {
		out.FFmpegPath = "ffmpeg"
	}
	if out.SegmentSeconds <= 0 {
		out.SegmentSeconds = 2
	}
	if out.PlaylistLength <= 0 {
		out.PlaylistLength = 3
	}
	if out.AudioBitrate == "" {
		out.AudioBitrate = "128k"
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = 5 * time.Second
	}
	return out
}

// process is the running transcoder. Split out so tests can substitute a
// fake for the real ffmpeg child.
type process interface {
	Wait() error
	Kill() error
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

type job struct {
	key     domain.StreamKey
	proc    process
	cancel  context.CancelFunc
	started time.Time
	done    chan struct{}

	// replacing is set (under Bridge.mu) while a new publish is stopping
	// this job. The job stays in the map as a tombstone until the stop
	// completes, so the key never holds two live transcoders.
	replacing bool
}

// Bridge converts published RTMP streams into HLS renditions. Each stream
// key gets at most one transcoding job; publishing over a live key replaces
// the old job with a fresh one.
type Bridge struct {
	cfg     Config
	metrics *monitoring.Collector

	jobs map[domain.StreamKey]*job
	mu   sync.Mutex

	start func(ctx context.Context, args []string) (process, error)

	logger *zap.SugaredLogger
}

func NewBridge(cfg Config, metrics *monitoring.Collector, logger *zap.SugaredLogger) *Bridge {
	b := &Bridge{
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		jobs:    make(map[domain.StreamKey]*job),
		logger:  logger,
	}
	b.start = b.startFFmpeg
	return b
}

// StreamPublished starts a transcoding job for the key. The key must pass
// format validation before it touches the filesystem or a command line. A
// second publish on the same key stops the previous job first.
func (b *Bridge) StreamPublished(ctx context.Context, key domain.StreamKey) error {
	if err := validation.ValidateStreamKey(string(key)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIngestFailure, err)
	}

	outDir := filepath.Join(b.cfg.OutputDir, string(key))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating output dir: %v", domain.ErrIngestFailure, err)
	}

	b.mu.Lock()
	if old, exists := b.jobs[key]; exists {
		if old.replacing {
			b.mu.Unlock()
			return fmt.Errorf("%w: stream %s is already being replaced", domain.ErrIngestFailure, key)
		}
		old.replacing = true
		b.mu.Unlock()

		b.logger.Infow("replacing transcoding job", "stream_key", key)
		b.stopJob(old, "replaced")

		b.mu.Lock()
		if b.jobs[key] == old {
			delete(b.jobs, key)
		}
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	args := b.ffmpegArgs(key, outDir)

	proc, err := b.start(jobCtx, args)
	if err != nil {
		cancel()
		b.mu.Unlock()
		return fmt.Errorf("%w: starting transcoder: %v", domain.ErrIngestFailure, err)
	}

	j := &job{
		key:     key,
		proc:    proc,
		cancel:  cancel,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	b.jobs[key] = j
	b.mu.Unlock()

	b.metrics.RecordTranscodeStarted()
	b.logger.Infow("transcoding job started", "stream_key", key, "output", outDir)

	go b.reap(j)
	return nil
}

// StreamUnpublished stops the key's job, if any. Unknown keys are a no-op:
// the publisher may have been replaced or the job may have already died.
func (b *Bridge) StreamUnpublished(key domain.StreamKey) {
	b.mu.Lock()
	j, exists := b.jobs[key]
	if exists && j.replacing {
		// A concurrent publish owns this job's stop already.
		exists = false
	}
	if exists {
		delete(b.jobs, key)
	}
	b.mu.Unlock()

	if !exists {
		return
	}
	b.logger.Infow("stream unpublished, stopping transcoder", "stream_key", key)
	b.stopJob(j, "stopped")
}

// ActiveKeys reports the stream keys with a live transcoding job.
func (b *Bridge) ActiveKeys() []domain.StreamKey {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]domain.StreamKey, 0, len(b.jobs))
	for key := range b.jobs {
		keys = append(keys, key)
	}
	return keys
}

func (b *Bridge) IsActive(key domain.StreamKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, exists := b.jobs[key]
	return exists
}

// PlaylistPath maps a key to its playlist on disk. The key is validated
// again here because HTTP handlers call this with raw path segments.
func (b *Bridge) PlaylistPath(key domain.StreamKey) (string, error) {
	if err := validation.ValidateStreamKey(string(key)); err != nil {
		return "", err
	}
	return filepath.Join(b.cfg.OutputDir, string(key), "index.m3u8"), nil
}

// Shutdown stops every job and waits for the children to exit.
func (b *Bridge) Shutdown(ctx context.Context) {
	b.mu.Lock()
	jobs := make([]*job, 0, len(b.jobs))
	for key, j := range b.jobs {
		if j.replacing {
			continue
		}
		delete(b.jobs, key)
		jobs = append(jobs, j)
	}
	b.mu.Unlock()

	for _, j := range jobs {
		b.stopJob(j, "stopped")
	}
}

// reap waits for the child to exit on its own. A job still present in the
// map at that point died unexpectedly; a job already removed was stopped or
// replaced and has been accounted for.
func (b *Bridge) reap(j *job) {
	err := j.proc.Wait()
	close(j.done)
	j.cancel()

	b.mu.Lock()
	mine := b.jobs[j.key] == j && !j.replacing
	if mine {
		delete(b.jobs, j.key)
	}
	b.mu.Unlock()

	if !mine {
		return
	}

	outcome := "done"
	if err != nil {
		outcome = "failed"
		b.logger.Warnw("transcoding job died", "stream_key", j.key, "error", err)
	} else {
		b.logger.Infow("transcoding job finished", "stream_key", j.key)
	}
	b.metrics.RecordTranscodeFinished(outcome, time.Since(j.started))
}

func (b *Bridge) stopJob(j *job, outcome string) {
	j.cancel()

	select {
	case <-j.done:
	case <-time.After(b.cfg.ShutdownTimeout):
		if err := j.proc.Kill(); err != nil {
			b.logger.Warnw("error killing transcoder", "stream_key", j.key, "error", err)
		}
		<-j.done
	}

	b.metrics.RecordTranscodeFinished(outcome, time.Since(j.started))
}

func (b *Bridge) ffmpegArgs(key domain.StreamKey, outDir string) []string {
	input := fmt.Sprintf("%s/%s", b.cfg.RTMPBaseURL, key)
	return []string{
		"-i", input,
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", b.cfg.AudioBitrate,
		"-hls_time", strconv.Itoa(b.cfg.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(b.cfg.PlaylistLength),
		"-hls_flags", "delete_segments",
		"-f", "hls",
		filepath.Join(outDir, "index.m3u8"),
	}
}

func (b *Bridge) startFFmpeg(ctx context.Context, args []string) (process, error) {
	cmd := exec.CommandContext(ctx, b.cfg.FFmpegPath, args...)
	// ffmpeg chatters on stderr; keep it in the structured log at debug
	cmd.Stderr = &zapio.Writer{Log: b.logger.Desugar(), Level: zapcore.DebugLevel}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}
