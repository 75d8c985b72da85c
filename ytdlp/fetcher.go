package ytdlp

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"ytrim/logging"
	"ytrim/progress"
	"ytrim/task"
)

// progressTemplate makes yt-dlp print one parseable line per progress tick:
// percent|rate|eta|total|downloaded.
const progressTemplate = "download:" + progress.TemplateMarker + " " +
	"%(progress._percent_str)s|%(progress._speed_str)s|%(progress._eta_str)s|" +
	"%(progress._total_bytes_str)s|%(progress._downloaded_bytes_str)s"

// formats maps each quality to a yt-dlp format selector.
var formats = map[task.Quality]string{
	task.QualityBest:  "bestvideo[ext=mp4]+bestaudio[ext=m4a]/bestvideo+bestaudio/best",
	task.Quality1080:  "bestvideo[height<=1080][ext=mp4]+bestaudio[ext=m4a]/bestvideo[height<=1080]+bestaudio/best",
	task.Quality720:   "bestvideo[height<=720][ext=mp4]+bestaudio[ext=m4a]/bestvideo[height<=720]+bestaudio/best",
	task.Quality480:   "bestvideo[height<=480][ext=mp4]+bestaudio[ext=m4a]/bestvideo[height<=480]+bestaudio/best",
	task.QualityAudio: "bestaudio[ext=m4a]/bestaudio",
}

// Fetcher downloads a range of a source with yt-dlp, letting it hand the
// cut and remux to ffmpeg.
type Fetcher struct {
	r *Runner
}

func NewFetcher(r *Runner) *Fetcher {
	return &Fetcher{r: r}
}

func (f *Fetcher) Fetch(ctx context.Context, req task.FetchRequest, onLine func(string)) error {
	if err := f.r.checkResources(ctx, req.OutputDir); err != nil {
		return &task.Error{
			Kind:    task.KindFetchFailed,
			Message: "Server is busy. Try again shortly.",
			Err:     fmt.Errorf("insufficient system resources: %w", err),
		}
	}

	args := f.args(req)
	cmd := f.r.command(ctx, args...)
	f.r.log.Info("executing yt-dlp",
		slog.String(logging.FieldTaskID, req.TaskID),
		slog.String("args", strings.Join(args, " ")),
	)

	tail, err := f.r.stream(cmd, onLine)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		output := strings.Join(tail, "\n")
		f.r.log.Error("yt-dlp failed",
			slog.String(logging.FieldTaskID, req.TaskID),
			slog.String("error", err.Error()),
			slog.String("output", output),
		)
		if isRegionBlocked(strings.ToLower(output)) {
			return &task.Error{Kind: task.KindSourceUnavailable, Message: "Video not available in your region.", Err: err}
		}
		return task.NewError(task.KindFetchFailed, fmt.Errorf("yt-dlp execution failed: %w", err))
	}
	return nil
}

// args builds the yt-dlp command line for req.
func (f *Fetcher) args(req task.FetchRequest) []string {
	format, ok := formats[req.Quality]
	if !ok {
		format = formats[task.QualityBest]
	}
	// '%' starts a field in yt-dlp output templates.
	stem := strings.ReplaceAll(req.OutputName, "%", "%%")

	args := []string{
		"-f", format,
		"--download-sections", "*" + seconds(req.Range.Start) + "-" + seconds(req.Range.End),
		"--concurrent-fragments", "16",
		"--fragment-retries", "5",
		"--retries", "5",
		"--socket-timeout", "30",
		"--no-warnings",
		"--no-playlist",
		"--newline",
		"--progress-template", progressTemplate,
		"-o", filepath.Join(req.OutputDir, stem+".%(ext)s"),
	}
	if f.r.cfg.FFmpegLocation != "" {
		args = append(args, "--ffmpeg-location", f.r.cfg.FFmpegLocation)
	}
	if req.Quality.Audio() {
		args = append(args,
			"-x",
			"--audio-format", "mp3",
			"--audio-quality", "0",
			"--postprocessor-args", "ffmpeg:-b:a 192k",
		)
	} else {
		args = append(args,
			"--merge-output-format", "mp4",
			"--postprocessor-args", "ffmpeg:-movflags +faststart",
		)
	}
	args = append(args, f.r.extraArgs...)
	return append(args, "--", req.SourceRef)
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
