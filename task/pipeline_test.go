package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ytrim/progress"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampRange(t *testing.T) {
	r, err := clampRange(Range{Start: 30, End: 60}, Metadata{Duration: 40})
	require.NoError(t, err)
	assert.Equal(t, Range{Start: 30, End: 40}, r)

	r, err = clampRange(Range{Start: 30, End: 35}, Metadata{Duration: 40})
	require.NoError(t, err)
	assert.Equal(t, Range{Start: 30, End: 35}, r)

	_, err = clampRange(Range{Start: 40, End: 50}, Metadata{Duration: 40})
	assert.ErrorIs(t, err, ErrSourceInvalid)

	_, err = clampRange(Range{Start: 0, End: 5}, Metadata{Duration: 0})
	assert.ErrorIs(t, err, ErrSourceInvalid)

	_, err = clampRange(Range{Start: 0, End: 5}, Metadata{Duration: 100, IsLive: true})
	assert.ErrorIs(t, err, ErrSourceInvalid)
}

func TestClassify(t *testing.T) {
	t.Run("task cancellation wins", func(t *testing.T) {
		taskCtx, cancel := context.WithCancel(context.Background())
		cancel()
		stageCtx, stop := context.WithTimeout(taskCtx, time.Hour)
		defer stop()
		assert.ErrorIs(t, classify(taskCtx, stageCtx, errors.New("killed")), context.Canceled)
	})

	t.Run("stage deadline is a timeout", func(t *testing.T) {
		stageCtx, stop := context.WithTimeout(context.Background(), time.Nanosecond)
		defer stop()
		<-stageCtx.Done()
		assert.ErrorIs(t, classify(context.Background(), stageCtx, errors.New("killed")), ErrTimeout)
	})

	t.Run("typed errors pass through", func(t *testing.T) {
		err := classify(context.Background(), context.Background(), NewError(KindSourceUnavailable, nil))
		assert.ErrorIs(t, err, ErrSourceUnavailable)
	})

	t.Run("anything else is a fetch failure", func(t *testing.T) {
		err := classify(context.Background(), context.Background(), errors.New("exit status 1"))
		assert.ErrorIs(t, err, ErrFetchFailed)
	})
}

func TestFindArtifact(t *testing.T) {
	t.Run("prefers the exact name", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.webm"), []byte("webm"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4"), []byte("mp4!!"), 0o644))

		path, size, err := findArtifact(dir, "clip", "mp4")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "clip.mp4"), path)
		assert.Equal(t, int64(5), size)
	})

	t.Run("falls back to another container and skips partial files", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp4.part"), []byte("partial"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mkv"), []byte("mkv"), 0o644))

		path, _, err := findArtifact(dir, "clip", "mp4")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "clip.mkv"), path)
	})

	t.Run("rejects empty output", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.mp3"), nil, 0o644))

		_, _, err := findArtifact(dir, "clip", "mp3")
		assert.Error(t, err)
	})

	t.Run("missing output", func(t *testing.T) {
		_, _, err := findArtifact(t.TempDir(), "clip", "mp4")
		assert.Error(t, err)
	})
}

func TestExecutionStopsPublishingOnceCancelled(t *testing.T) {
	mgr := newTestManager(t, testConfig(t), &mockResolver{}, &mockFetcher{})
	e := &entry{
		task: Task{
			ID:       "t1",
			Status:   StatusFetching,
			Progress: progress.Snapshot{Phase: "Downloading", Percent: 20, Sequence: 3},
		},
		done: make(chan struct{}),
	}
	mgr.hub.Open("t1")
	x := &execution{m: mgr, e: e, id: "t1", log: mgr.log}
	parser := progress.Parser{ClipDuration: 30 * time.Second}
	line := "[progress]  50.0%|1.00MiB/s|00:05|~10.00MiB|5.00MiB"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, x.advance(ctx, StatusTranscoding, progress.Initial("Finalizing")))
	x.observe(ctx, parser, line)

	got := e.snapshot()
	assert.Equal(t, StatusFetching, got.Status)
	assert.Equal(t, uint64(3), got.Progress.Sequence)
	assert.Equal(t, 20.0, got.Progress.Percent)

	x.observe(context.Background(), parser, line)
	got = e.snapshot()
	assert.Equal(t, uint64(4), got.Progress.Sequence)
	assert.Equal(t, 50.0, got.Progress.Percent)
}

func TestResolveFailure(t *testing.T) {
	err := resolveFailure(&Error{Kind: KindInvalidRequest, Message: "Invalid video URL."})
	assert.ErrorIs(t, err, ErrSourceInvalid)
	assert.Equal(t, "Invalid video URL.", err.(*Error).Message)

	err = resolveFailure(NewError(KindSourceUnavailable, nil))
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	assert.ErrorIs(t, resolveFailure(context.Canceled), context.Canceled)
}
