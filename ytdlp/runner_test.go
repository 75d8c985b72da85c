//go:build unix

package ytdlp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"ytrim/config"
	"ytrim/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeYtdlp writes an executable shell script standing in for yt-dlp.
func fakeYtdlp(t *testing.T, body string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "yt-dlp")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return &config.Config{
		YtdlpBin:    path,
		CancelGrace: 200 * time.Millisecond,
	}
}

func newTestRunner(t *testing.T, cfg *config.Config) *Runner {
	t.Helper()
	r, err := NewRunner(cfg, nil)
	require.NoError(t, err)
	return r
}

func TestScanLines(t *testing.T) {
	sc := bufio.NewScanner(strings.NewReader("a\rb\r\nc\n\n\rd"))
	sc.Split(scanLines)

	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestAppendTail(t *testing.T) {
	var tail []string
	for i := 0; i < tailLines+5; i++ {
		tail = appendTail(tail, strings.Repeat("x", i))
	}
	assert.Len(t, tail, tailLines)
	assert.Equal(t, strings.Repeat("x", tailLines+4), tail[len(tail)-1])
}

func TestNewRunnerMissingBinary(t *testing.T) {
	_, err := NewRunner(&config.Config{YtdlpBin: "/nonexistent/yt-dlp"}, nil)
	assert.Error(t, err)
}

func TestResolver(t *testing.T) {
	t.Run("reads metadata", func(t *testing.T) {
		cfg := fakeYtdlp(t, `echo '{"title":"A talk","duration":612.5,"uploader":"","thumbnail":"https://i.example/t.jpg","live_status":"not_live"}'`)
		meta, err := NewResolver(newTestRunner(t, cfg)).Resolve(context.Background(), "https://youtu.be/x")
		require.NoError(t, err)
		assert.Equal(t, "A talk", meta.Title)
		assert.Equal(t, 612.5, meta.Duration)
		assert.Equal(t, "Unknown", meta.Uploader)
		assert.False(t, meta.IsLive)
	})

	t.Run("live sources are flagged", func(t *testing.T) {
		cfg := fakeYtdlp(t, `echo '{"title":"Live","duration":0,"is_live":true}'`)
		meta, err := NewResolver(newTestRunner(t, cfg)).Resolve(context.Background(), "https://youtu.be/x")
		require.NoError(t, err)
		assert.True(t, meta.IsLive)
	})

	t.Run("unavailable source", func(t *testing.T) {
		cfg := fakeYtdlp(t, `echo "ERROR: [youtube] x: Video unavailable" >&2; exit 1`)
		_, err := NewResolver(newTestRunner(t, cfg)).Resolve(context.Background(), "https://youtu.be/x")
		require.Error(t, err)
		assert.ErrorIs(t, err, task.ErrSourceUnavailable)
	})

	t.Run("unsupported url", func(t *testing.T) {
		cfg := fakeYtdlp(t, `echo "ERROR: Unsupported URL: https://youtu.be/" >&2; exit 1`)
		_, err := NewResolver(newTestRunner(t, cfg)).Resolve(context.Background(), "https://youtu.be/")
		assert.ErrorIs(t, err, task.ErrSourceInvalid)
		assert.Equal(t, "Invalid video URL.", err.(*task.Error).Message)
	})

	t.Run("garbage output", func(t *testing.T) {
		cfg := fakeYtdlp(t, `echo 'not json'`)
		_, err := NewResolver(newTestRunner(t, cfg)).Resolve(context.Background(), "https://youtu.be/x")
		assert.ErrorIs(t, err, task.ErrSourceInvalid)
	})
}

// fetchScript emulates a yt-dlp download: progress on stdout with carriage
// returns, a post-processing line, and the artifact at the -o template.
const fetchScript = `
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then shift; out=$(printf '%s' "$1" | sed 's/%(ext)s/mp4/'); fi
  shift
done
printf '[progress]  10.0%%|1.00MiB/s|00:09|~10.00MiB|1.00MiB\r'
printf '[progress]  90.0%%|1.00MiB/s|00:01|~10.00MiB|9.00MiB\n'
echo '[Merger] Merging formats into "x.mp4"' >&2
printf 'clip' > "$out"
`

func TestFetcher(t *testing.T) {
	t.Run("streams lines and writes the artifact", func(t *testing.T) {
		cfg := fakeYtdlp(t, fetchScript)
		f := NewFetcher(newTestRunner(t, cfg))
		dir := t.TempDir()

		var lines []string
		err := f.Fetch(context.Background(), task.FetchRequest{
			TaskID:     "t1",
			SourceRef:  "https://youtu.be/x",
			Range:      task.Range{Start: 30, End: 60},
			Quality:    task.Quality720,
			OutputDir:  dir,
			OutputName: "clip",
		}, func(line string) { lines = append(lines, line) })
		require.NoError(t, err)

		assert.Contains(t, lines, "[progress]  10.0%|1.00MiB/s|00:09|~10.00MiB|1.00MiB")
		assert.Contains(t, lines, "[progress]  90.0%|1.00MiB/s|00:01|~10.00MiB|9.00MiB")
		assert.Contains(t, lines, `[Merger] Merging formats into "x.mp4"`)
		assert.FileExists(t, filepath.Join(dir, "clip.mp4"))
	})

	t.Run("failure is classified", func(t *testing.T) {
		cfg := fakeYtdlp(t, `echo "ERROR: unable to download video data: HTTP Error 403: Forbidden"; exit 1`)
		err := NewFetcher(newTestRunner(t, cfg)).Fetch(context.Background(), task.FetchRequest{
			OutputDir: t.TempDir(), OutputName: "clip", Quality: task.QualityBest,
		}, func(string) {})
		assert.ErrorIs(t, err, task.ErrFetchFailed)
	})

	t.Run("cancellation kills the process group", func(t *testing.T) {
		// The shell and its child ignore SIGTERM so only the grace kill can stop them.
		cfg := fakeYtdlp(t, "trap '' TERM\nsleep 30 &\necho \"child $!\"\nwait\nsleep 30\n")
		f := NewFetcher(newTestRunner(t, cfg))

		ctx, cancel := context.WithCancel(context.Background())
		started := make(chan struct{})
		var child int
		errc := make(chan error, 1)
		go func() {
			errc <- f.Fetch(ctx, task.FetchRequest{
				OutputDir: t.TempDir(), OutputName: "clip", Quality: task.QualityBest,
			}, func(line string) {
				if pid, ok := strings.CutPrefix(line, "child "); ok && child == 0 {
					child, _ = strconv.Atoi(pid)
					close(started)
				}
			})
		}()

		<-started
		require.Positive(t, child)
		cancel()
		select {
		case err := <-errc:
			assert.True(t, errors.Is(err, context.Canceled))
		case <-time.After(5 * time.Second):
			t.Fatal("fetch did not return after cancellation")
		}

		assert.Eventually(t, func() bool { return processGone(child) }, 2*time.Second, 10*time.Millisecond,
			"background child %d survived cancellation", child)
	})
}

// processGone reports whether pid has exited. A zombie waiting to be reaped
// by init counts as exited.
func processGone(pid int) bool {
	if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The state follows the parenthesized command name.
	if i := strings.LastIndexByte(string(stat), ')'); i >= 0 && i+2 < len(stat) {
		return stat[i+2] == 'Z'
	}
	return false
}

func TestFetcherArgs(t *testing.T) {
	r := &Runner{cfg: &config.Config{FFmpegLocation: "/opt/ffmpeg"}, extraArgs: []string{"--cookies", "c.txt"}}
	f := NewFetcher(r)

	args := f.args(task.FetchRequest{
		SourceRef:  "https://youtu.be/x",
		Range:      task.Range{Start: 1.5, End: 60},
		Quality:    task.QualityAudio,
		OutputDir:  "/work/t1",
		OutputName: "100% fun",
	})
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "--download-sections *1.5-60")
	assert.Contains(t, joined, "-f bestaudio[ext=m4a]/bestaudio")
	assert.Contains(t, joined, "-x --audio-format mp3")
	assert.Contains(t, joined, "--ffmpeg-location /opt/ffmpeg")
	assert.Contains(t, args, "/work/t1/100%% fun.%(ext)s")
	assert.Contains(t, joined, "--cookies c.txt")
	assert.Equal(t, []string{"--", "https://youtu.be/x"}, args[len(args)-2:])

	video := f.args(task.FetchRequest{Quality: task.Quality1080, OutputDir: "/w", OutputName: "v"})
	assert.Contains(t, strings.Join(video, " "), "--merge-output-format mp4")
	assert.Contains(t, video, formats[task.Quality1080])
}
