package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"ytrim/logging"
	"ytrim/progress"

	"github.com/dustin/go-humanize"
)

// partialSuffixes mark files the fetch executor is still writing or has
// abandoned.
var partialSuffixes = []string{".part", ".ytdl", ".temp", ".tmp"}

// execution drives one task through admission, resolve, fetch and finalize.
type execution struct {
	m   *Manager
	e   *entry
	id  string
	log *slog.Logger
}

func (m *Manager) run(ctx context.Context, e *entry) {
	defer close(e.done)
	defer e.cancel()

	x := &execution{
		m:   m,
		e:   e,
		id:  e.task.ID,
		log: m.log.With(slog.String(logging.FieldTaskID, e.task.ID)),
	}
	art, err := x.execute(ctx)
	x.finish(ctx, art, err)
}

func (x *execution) execute(ctx context.Context) (*Artifact, error) {
	cfg := x.m.cfg

	if err := x.m.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer x.m.slots.Release(1)

	if !x.advance(ctx, StatusResolving, progress.Initial("Resolving source")) {
		return nil, ctx.Err()
	}

	t := x.e.snapshot()
	rctx, cancel := context.WithTimeout(ctx, cfg.ResolveTimeout)
	meta, err := x.m.resolver.Resolve(rctx, t.SourceRef)
	if err != nil {
		cancel()
		return nil, resolveFailure(classify(ctx, rctx, err))
	}
	cancel()

	r, err := clampRange(t.Range, meta)
	if err != nil {
		return nil, err
	}
	if r != t.Range {
		x.log.Info("range clamped to source duration",
			slog.Float64("requested_end", t.Range.End),
			slog.Float64("end", r.End),
		)
	}
	x.mutate(func(t *Task) {
		t.Title = meta.Title
		t.SourceDuration = meta.Duration
		t.Range = r
	})

	if err := os.MkdirAll(t.WorkDir, 0o755); err != nil {
		return nil, NewError(KindFetchFailed, fmt.Errorf("create work dir: %w", err))
	}

	if !x.advance(ctx, StatusFetching, progress.Initial("Downloading")) {
		return nil, ctx.Err()
	}

	parser := progress.Parser{ClipDuration: r.Duration()}
	fctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	err = x.m.fetcher.Fetch(fctx, FetchRequest{
		TaskID:     x.id,
		SourceRef:  t.SourceRef,
		Range:      r,
		Quality:    t.Quality,
		OutputDir:  t.WorkDir,
		OutputName: t.OutputName,
	}, func(line string) {
		x.observe(ctx, parser, line)
	})
	if err != nil {
		cancel()
		return nil, classify(ctx, fctx, err)
	}
	cancel()

	// Finalize. Short clips may finish without any post-processing line.
	held := x.e.snapshot().Progress
	held.Phase = "Finalizing"
	held.Kind = progress.KindPostProcess
	x.advance(ctx, StatusTranscoding, held)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, size, err := findArtifact(t.WorkDir, t.OutputName, t.Quality.Ext())
	if err != nil {
		return nil, &Error{Kind: KindFetchFailed, Message: "Failed to create output file.", Err: err}
	}
	name := t.OutputName + "." + t.Quality.Ext()
	ref, err := x.m.store.Place(ctx, x.id, path, name)
	if err != nil {
		return nil, &Error{Kind: KindFetchFailed, Message: "Failed to store output file.", Err: err}
	}

	return &Artifact{
		Name:      name,
		Size:      size,
		SizeLabel: humanize.Bytes(uint64(size)),
		MIMEType:  t.Quality.MIMEType(),
		Ref:       ref,
	}, nil
}

// clampRange fits the requested range to the source. An end past the
// source is clamped; a start at or past it cannot be served.
func clampRange(r Range, meta Metadata) (Range, error) {
	if meta.IsLive {
		return r, &Error{Kind: KindSourceInvalid, Message: "Live streams cannot be trimmed."}
	}
	if meta.Duration <= 0 {
		return r, &Error{Kind: KindSourceInvalid, Message: "Could not determine video duration."}
	}
	if r.Start >= meta.Duration {
		return r, &Error{
			Kind:    KindSourceInvalid,
			Message: fmt.Sprintf("Start time is beyond the end of the video (%.0fs).", meta.Duration),
		}
	}
	if r.End > meta.Duration {
		r.End = meta.Duration
	}
	return r, nil
}

// classify maps a stage error to a task error. Cancellation of the task wins
// over everything; an expired stage deadline is a timeout.
func classify(taskCtx, stageCtx context.Context, err error) error {
	if taskCtx.Err() != nil {
		return taskCtx.Err()
	}
	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return NewError(KindTimeout, err)
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return NewError(KindFetchFailed, err)
}

// resolveFailure keeps a created task from failing as an invalid request: a
// source the resolver rejects is an invalid source.
func resolveFailure(err error) error {
	var te *Error
	if errors.As(err, &te) && te.Kind == KindInvalidRequest {
		return &Error{Kind: KindSourceInvalid, Message: te.Message, Err: te.Err}
	}
	return err
}

func (x *execution) mutate(fn func(t *Task)) {
	x.e.mu.Lock()
	defer x.e.mu.Unlock()
	fn(&x.e.task)
}

// advance moves the task forward to status and publishes snap. It refuses to
// move backwards, to leave a terminal status, or to publish once the task has
// been cancelled.
func (x *execution) advance(ctx context.Context, status Status, snap progress.Snapshot) bool {
	x.e.mu.Lock()
	defer x.e.mu.Unlock()

	cur := &x.e.task
	if ctx.Err() != nil || cur.Status.Terminal() || status.rank() <= cur.Status.rank() {
		return false
	}
	snap.Sequence = cur.Progress.Sequence + 1
	cur.Status = status
	cur.Progress = snap
	x.m.hub.Publish(x.id, cur.update())
	x.log.Debug("stage", slog.String("status", string(status)))
	return true
}

// observe feeds one executor line through the parser and publishes the
// resulting snapshot. The first post-processing line moves the task from
// fetching to transcoding. Percent never decreases within a stage.
func (x *execution) observe(ctx context.Context, parser progress.Parser, line string) {
	x.e.mu.Lock()
	defer x.e.mu.Unlock()

	cur := &x.e.task
	if ctx.Err() != nil || cur.Status.Terminal() {
		return
	}
	last := cur.Progress
	snap, ok := parser.Parse(line, last)
	if !ok {
		x.log.Debug("executor output", slog.String("line", line))
		return
	}

	status := cur.Status
	if snap.Kind == progress.KindPostProcess && status == StatusFetching {
		status = StatusTranscoding
	}
	if !snap.HasPercent() || snap.Percent < last.Percent {
		snap.Percent = last.Percent
	}
	if status == cur.Status && sameProgress(snap, last) {
		return
	}

	snap.Sequence = last.Sequence + 1
	cur.Status = status
	cur.Progress = snap
	x.m.hub.Publish(x.id, cur.update())
}

func sameProgress(a, b progress.Snapshot) bool {
	return a.Phase == b.Phase && a.Percent == b.Percent &&
		a.Rate == b.Rate && a.ETA == b.ETA && a.Size == b.Size
}

// finish records the terminal state exactly once, publishes it and closes
// the task's update stream.
func (x *execution) finish(ctx context.Context, art *Artifact, err error) {
	x.e.mu.Lock()
	cur := &x.e.task
	if cur.Status.Terminal() {
		x.e.mu.Unlock()
		return
	}

	snap := cur.Progress
	snap.Kind = progress.KindDownload
	switch {
	case err == nil:
		cur.Status = StatusDone
		cur.Artifact = art
		snap = progress.Snapshot{
			Phase:   "Complete",
			Percent: 100,
			Rate:    progress.Unknown,
			ETA:     progress.Unknown,
			Size:    art.SizeLabel,
		}
	case ctx.Err() != nil:
		cur.Status = StatusCancelled
		cur.Error = &Failure{Kind: KindCancelled, Message: ErrCancelled.Message}
		snap.Phase = "Cancelled"
		snap.Rate, snap.ETA = progress.Unknown, progress.Unknown
	default:
		var te *Error
		if !errors.As(err, &te) {
			te = NewError(KindFetchFailed, err)
		}
		cur.Status = StatusFailed
		cur.Error = &Failure{Kind: te.Kind, Message: te.Message}
		snap.Phase = "Failed"
		snap.Rate, snap.ETA = progress.Unknown, progress.Unknown
	}
	snap.Sequence = cur.Progress.Sequence + 1
	cur.Progress = snap
	cur.TerminalAt = x.m.now()
	u := cur.update()
	x.m.hub.Publish(x.id, u)
	x.e.mu.Unlock()

	x.m.hub.Close(x.id)

	switch u.Status {
	case StatusDone:
		x.log.Info("task completed",
			slog.String("artifact", art.Name),
			slog.String("size", art.SizeLabel),
		)
	case StatusCancelled:
		x.log.Info("task cancelled")
	default:
		x.log.Error("task failed",
			slog.String("kind", string(u.Error.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

// findArtifact locates the finished output of a fetch in dir. The exact name
// is preferred; otherwise any complete file sharing the stem is accepted,
// since the executor may pick its own container.
func findArtifact(dir, stem, ext string) (string, int64, error) {
	preferred := filepath.Join(dir, stem+"."+ext)
	if info, err := os.Stat(preferred); err == nil && info.Mode().IsRegular() {
		if info.Size() == 0 {
			return "", 0, fmt.Errorf("artifact %s is empty", preferred)
		}
		return preferred, info.Size(), nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, fmt.Errorf("read work dir: %w", err)
	}
	for _, de := range entries {
		name := de.Name()
		if !strings.HasPrefix(name, stem) || isPartial(name) {
			continue
		}
		info, err := de.Info()
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			continue
		}
		return filepath.Join(dir, name), info.Size(), nil
	}
	return "", 0, fmt.Errorf("no artifact named %s.* in %s", stem, dir)
}

func isPartial(name string) bool {
	if strings.Contains(name, ".part-Frag") {
		return true
	}
	for _, s := range partialSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}
