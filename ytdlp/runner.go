// Package ytdlp drives the yt-dlp executable: it resolves source metadata and
// fetches a trimmed range, streaming the executor's output line by line.
package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"ytrim/config"
)

// maxLineSize bounds a single output line. yt-dlp's JSON dump for long
// playlists can exceed bufio's default.
const maxLineSize = 4 * 1024 * 1024

// tailLines is how much trailing executor output is kept for error reports.
const tailLines = 20

var commandContext = exec.CommandContext

// Runner owns the yt-dlp invocation shared by the resolver and the fetcher.
type Runner struct {
	cfg       *config.Config
	log       *slog.Logger
	extraArgs []string
}

func NewRunner(cfg *config.Config, logger *slog.Logger) (*Runner, error) {
	if _, err := exec.LookPath(cfg.YtdlpBin); err != nil {
		return nil, fmt.Errorf("yt-dlp binary not found or not in PATH: %s", cfg.YtdlpBin)
	}
	extra, err := ParseExtraArgs(cfg.YtdlpExtraArgs)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, log: logger, extraArgs: extra}, nil
}

// Version reports the yt-dlp version string.
func (r *Runner) Version(ctx context.Context) (string, error) {
	var out bytes.Buffer
	cmd := r.command(ctx, "--version")
	cmd.Stdout = &out
	if err := r.wait(cmd); err != nil {
		return "", fmt.Errorf("yt-dlp --version: %w", err)
	}
	return string(bytes.TrimSpace(out.Bytes())), nil
}

// command builds a yt-dlp invocation in its own process group. Cancelling
// ctx sends SIGTERM to the whole group; anything still alive CancelGrace
// later is killed.
func (r *Runner) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := commandContext(ctx, r.cfg.YtdlpBin, args...) //nolint:gosec
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return terminateGroup(cmd) }
	cmd.WaitDelay = r.cfg.CancelGrace
	return cmd
}

// wait runs cmd to completion and then kills any process left in its group.
func (r *Runner) wait(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start yt-dlp: %w", err)
	}
	err := cmd.Wait()
	killGroup(cmd)
	return err
}

// stream runs cmd with stdout and stderr merged into one pipe and calls
// onLine for every line, from this goroutine only. Lines may end in \n or \r.
// It returns once the process group is gone and the last line has been
// delivered. The returned tail holds the last lines for error reporting.
func (r *Runner) stream(cmd *exec.Cmd, onLine func(string)) (tail []string, err error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("start yt-dlp: %w", err)
	}
	pw.Close()

	lines := make(chan string, 64)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 64*1024), maxLineSize)
		sc.Split(scanLines)
		for sc.Scan() {
			lines <- sc.Text()
		}
		err := sc.Err()
		if err != nil {
			// Keep the pipe drained so the executor never blocks on a write.
			_, _ = io.Copy(io.Discard, pr)
		}
		scanErr <- err
	}()

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		killGroup(cmd)
		waitErr <- err
	}()

	var exited, forced bool
	var grace <-chan time.Time
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				if !exited {
					err = <-waitErr
				}
				pr.Close()
				if serr := <-scanErr; err == nil && serr != nil && !forced {
					err = fmt.Errorf("read yt-dlp output: %w", serr)
				}
				return tail, err
			}
			tail = appendTail(tail, line)
			onLine(line)
		case err = <-waitErr:
			exited = true
			// A stray descendant outside the group may still hold the
			// write end open.
			grace = time.After(r.cfg.CancelGrace)
		case <-grace:
			forced = true
			pr.Close()
			grace = nil
		}
	}
}

func appendTail(tail []string, line string) []string {
	if len(tail) == tailLines {
		copy(tail, tail[1:])
		tail = tail[:tailLines-1]
	}
	return append(tail, line)
}

// scanLines is a bufio.SplitFunc that treats \r, \n and \r\n as line
// terminators and skips empty lines.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\n' || data[start] == '\r') {
		start++
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if atEOF {
		if start < len(data) {
			return len(data), data[start:], nil
		}
		return len(data), nil, nil
	}
	return start, nil, nil
}
