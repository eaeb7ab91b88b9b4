package hls

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/infrastructure/monitoring"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeProcess stands in for the ffmpeg child. finish is idempotent so the
// context watcher and an explicit Kill can race safely.
type fakeProcess struct {
	done chan struct{}
	once sync.Once
	err  error

	mu     sync.Mutex
	killed bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.finish(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeStarter struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	argsLog  [][]string
	failNext bool
	stubborn bool // processes ignore context cancellation, only Kill works
}

func (f *fakeStarter) start(ctx context.Context, args []string) (process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext {
		f.failNext = false
		return nil, errors.New("exec: ffmpeg not found")
	}

	p := newFakeProcess()
	if !f.stubborn {
		go func() {
			<-ctx.Done()
			p.finish(errors.New("signal: killed"))
		}()
	}
	f.procs = append(f.procs, p)
	f.argsLog = append(f.argsLog, args)
	return p, nil
}

func (f *fakeStarter) proc(i int) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func newTestBridge(t *testing.T) (*Bridge, *fakeStarter, string) {
	t.Helper()

	outDir := t.TempDir()
	cfg := Config{
		RTMPBaseURL:     "rtmp://127.0.0.1:1935/live",
		OutputDir:       outDir,
		ShutdownTimeout: 100 * time.Millisecond,
	}
	metrics := monitoring.NewCollector(prometheus.NewRegistry())
	b := NewBridge(cfg, metrics, zap.NewNop().Sugar())

	starter := &fakeStarter{}
	b.start = starter.start
	return b, starter, outDir
}

func TestStreamPublished_StartsJob(t *testing.T) {
	b, starter, outDir := newTestBridge(t)

	require.NoError(t, b.StreamPublished(context.Background(), "stream1"))

	assert.True(t, b.IsActive("stream1"))
	assert.Equal(t, []domain.StreamKey{"stream1"}, b.ActiveKeys())
	require.Equal(t, 1, starter.count())

	args := starter.argsLog[0]
	assert.Contains(t, args, "rtmp://127.0.0.1:1935/live/stream1")
	assert.Contains(t, args, filepath.Join(outDir, "stream1", "index.m3u8"))

	// The per-stream output directory exists before the child starts
	assert.DirExists(t, filepath.Join(outDir, "stream1"))
}

func TestStreamPublished_RejectsBadKeys(t *testing.T) {
	b, starter, _ := newTestBridge(t)

	for _, key := range []string{"", "../etc/passwd", "a/b", "key;rm -rf", "key with spaces"} {
		err := b.StreamPublished(context.Background(), domain.StreamKey(key))
		require.Error(t, err, "key %q", key)
		assert.ErrorIs(t, err, domain.ErrIngestFailure)
	}
	assert.Equal(t, 0, starter.count())
	assert.Empty(t, b.ActiveKeys())
}

func TestStreamPublished_ReplacesExistingJob(t *testing.T) {
	b, starter, _ := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, b.StreamPublished(ctx, "stream1"))
	require.NoError(t, b.StreamPublished(ctx, "stream1"))

	require.Equal(t, 2, starter.count())
	assert.True(t, b.IsActive("stream1"))
	assert.Len(t, b.ActiveKeys(), 1)

	// The first child was torn down, the second is still running
	select {
	case <-starter.proc(0).done:
	default:
		t.Fatal("replaced job was not stopped")
	}
	select {
	case <-starter.proc(1).done:
		t.Fatal("fresh job was stopped")
	default:
	}
}

func TestStreamPublished_ConcurrentRepublishKeepsOneJob(t *testing.T) {
	b, starter, _ := newTestBridge(t)
	ctx := context.Background()

	// The running child ignores cancellation, so the replace stop has to
	// wait out ShutdownTimeout (100ms) before killing it. That window is
	// where a third publish used to sneak in.
	starter.stubborn = true
	require.NoError(t, b.StreamPublished(ctx, "stream1"))

	replaced := make(chan error, 1)
	go func() {
		replaced <- b.StreamPublished(ctx, "stream1")
	}()

	// Wait until the replace has claimed the job, then race it
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		j, ok := b.jobs["stream1"]
		return ok && j.replacing
	}, 2*time.Second, time.Millisecond)

	err := b.StreamPublished(ctx, "stream1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIngestFailure)

	require.NoError(t, <-replaced)

	// Exactly one replacement was started and the old child is dead
	require.Equal(t, 2, starter.count())
	assert.True(t, starter.proc(0).wasKilled())
	assert.False(t, starter.proc(1).wasKilled())
	assert.Equal(t, []domain.StreamKey{"stream1"}, b.ActiveKeys())

	b.Shutdown(ctx)
	assert.True(t, starter.proc(1).wasKilled())
	assert.Empty(t, b.ActiveKeys())
}

func TestStreamPublished_StartFailure(t *testing.T) {
	b, starter, _ := newTestBridge(t)
	starter.failNext = true

	err := b.StreamPublished(context.Background(), "stream1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIngestFailure)
	assert.False(t, b.IsActive("stream1"))
}

func TestStreamUnpublished_StopsJob(t *testing.T) {
	b, starter, _ := newTestBridge(t)

	require.NoError(t, b.StreamPublished(context.Background(), "stream1"))
	b.StreamUnpublished("stream1")

	assert.False(t, b.IsActive("stream1"))
	select {
	case <-starter.proc(0).done:
	default:
		t.Fatal("job process was not stopped")
	}

	// Unknown keys are a no-op
	b.StreamUnpublished("stream1")
	b.StreamUnpublished("never-published")
}

func TestReap_RemovesDeadJob(t *testing.T) {
	b, starter, _ := newTestBridge(t)

	require.NoError(t, b.StreamPublished(context.Background(), "stream1"))
	starter.proc(0).finish(errors.New("broken pipe"))

	require.Eventually(t, func() bool {
		return !b.IsActive("stream1")
	}, 2*time.Second, 10*time.Millisecond)

	// The key is free for a new publish
	require.NoError(t, b.StreamPublished(context.Background(), "stream1"))
	assert.True(t, b.IsActive("stream1"))
}

func TestShutdown_StopsAllJobs(t *testing.T) {
	b, starter, _ := newTestBridge(t)
	ctx := context.Background()

	require.NoError(t, b.StreamPublished(ctx, "a"))
	require.NoError(t, b.StreamPublished(ctx, "b"))

	b.Shutdown(ctx)

	assert.Empty(t, b.ActiveKeys())
	for i := 0; i < 2; i++ {
		select {
		case <-starter.proc(i).done:
		default:
			t.Fatalf("job %d still running after shutdown", i)
		}
	}
}

func TestPlaylistPath(t *testing.T) {
	b, _, outDir := newTestBridge(t)

	path, err := b.PlaylistPath("stream1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "stream1", "index.m3u8"), path)

	_, err = b.PlaylistPath("../escape")
	assert.Error(t, err)
}
