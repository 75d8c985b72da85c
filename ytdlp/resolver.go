package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"ytrim/task"
)

// dumpInfo is the subset of yt-dlp's --dump-json output the service reads.
type dumpInfo struct {
	Title      string  `json:"title"`
	Duration   float64 `json:"duration"`
	IsLive     bool    `json:"is_live"`
	LiveStatus string  `json:"live_status"`
	Uploader   string  `json:"uploader"`
	Thumbnail  string  `json:"thumbnail"`
}

// Resolver looks up source metadata with yt-dlp --dump-json.
type Resolver struct {
	r *Runner
}

func NewResolver(r *Runner) *Resolver {
	return &Resolver{r: r}
}

func (s *Resolver) Resolve(ctx context.Context, sourceRef string) (task.Metadata, error) {
	args := []string{"--dump-json", "--no-warnings", "--no-playlist", "--skip-download"}
	args = append(args, s.r.extraArgs...)
	args = append(args, "--", sourceRef)

	var stdout, stderr bytes.Buffer
	cmd := s.r.command(ctx, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := s.r.wait(cmd); err != nil {
		if ctx.Err() != nil {
			return task.Metadata{}, ctx.Err()
		}
		s.r.log.Warn("resolve failed",
			slog.String("source", sourceRef),
			slog.String("error", err.Error()),
			slog.String("stderr", lastLine(stderr.String())),
		)
		return task.Metadata{}, classifyResolve(stderr.String(), err)
	}

	var info dumpInfo
	if err := json.Unmarshal(firstLine(stdout.Bytes()), &info); err != nil {
		return task.Metadata{}, &task.Error{
			Kind:    task.KindSourceInvalid,
			Message: "Could not read video information.",
			Err:     fmt.Errorf("decode yt-dlp metadata: %w", err),
		}
	}

	title := strings.TrimSpace(info.Title)
	if title == "" {
		title = "Video"
	}
	uploader := info.Uploader
	if uploader == "" {
		uploader = "Unknown"
	}
	return task.Metadata{
		Title:     title,
		Duration:  info.Duration,
		IsLive:    info.IsLive || info.LiveStatus == "is_live" || info.LiveStatus == "is_upcoming",
		Uploader:  uploader,
		Thumbnail: info.Thumbnail,
	}, nil
}

func classifyResolve(stderr string, err error) error {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "unsupported url") || strings.Contains(msg, "is not a valid url"):
		return &task.Error{Kind: task.KindSourceInvalid, Message: "Invalid video URL.", Err: errors.New(lastLine(stderr))}
	case isRegionBlocked(msg):
		return &task.Error{Kind: task.KindSourceUnavailable, Message: "Video not available in your region.", Err: err}
	}
	return &task.Error{
		Kind:    task.KindSourceUnavailable,
		Message: "Invalid video URL or video unavailable.",
		Err:     fmt.Errorf("%w: %s", err, lastLine(stderr)),
	}
}

func isRegionBlocked(msg string) bool {
	return strings.Contains(msg, "not available") || strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "geo restrict") || strings.Contains(msg, "blocked")
}

func firstLine(b []byte) []byte {
	b = bytes.TrimSpace(b)
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		return b[:i]
	}
	return b
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
