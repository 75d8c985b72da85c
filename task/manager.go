package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"ytrim/artifact"
	"ytrim/config"
	"ytrim/logging"
	"ytrim/notify"
	"ytrim/progress"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/semaphore"
)

// ErrShuttingDown is returned by Create once Shutdown has begun.
var ErrShuttingDown = errors.New("task manager is shutting down")

// Metadata is what the resolver reports about a source.
type Metadata struct {
	Title     string  `json:"title"`
	Duration  float64 `json:"duration"`
	IsLive    bool    `json:"isLive"`
	Uploader  string  `json:"uploader,omitempty"`
	Thumbnail string  `json:"thumbnail,omitempty"`
}

// Resolver confirms a source exists and reports its metadata.
type Resolver interface {
	Resolve(ctx context.Context, sourceRef string) (Metadata, error)
}

// FetchRequest is everything the fetch executor needs for one task.
type FetchRequest struct {
	TaskID     string
	SourceRef  string
	Range      Range
	Quality    Quality
	OutputDir  string
	OutputName string
}

// Fetcher downloads and transcodes the requested range into OutputDir. It
// must call onLine sequentially from a single goroutine and must not return
// before its external processes have exited.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest, onLine func(line string)) error
}

// ArtifactStore keeps finished artifacts until they are reclaimed.
type ArtifactStore interface {
	Place(ctx context.Context, taskID, localPath, name string) (ref string, err error)
	Open(ctx context.Context, ref string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, ref string) error
}

// staleCleaner is implemented by stores that can hold artifacts nobody
// tracks any more, for instance after a restart.
type staleCleaner interface {
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

// Option customizes a Manager.
type Option func(*Manager)

// WithStore sets where finished artifacts are placed. Defaults to the
// per-task working directory.
func WithStore(s ArtifactStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager is the task registry. It owns every live task, runs each one's
// pipeline in its own goroutine and reclaims finished tasks.
type Manager struct {
	cfg      *config.Config
	log      *slog.Logger
	resolver Resolver
	fetcher  Fetcher
	store    ArtifactStore
	hub      *notify.Hub[Update]
	slots    *semaphore.Weighted
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	baseCtx context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup
}

type entry struct {
	mu     sync.RWMutex
	task   Task
	cancel context.CancelFunc
	done   chan struct{}
}

func (e *entry) snapshot() Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.task.clone()
}

func NewManager(cfg *config.Config, resolver Resolver, fetcher Fetcher, opts ...Option) (*Manager, error) {
	if resolver == nil || fetcher == nil {
		return nil, errors.New("task manager needs a resolver and a fetcher")
	}
	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("invalid concurrency limit %d", cfg.MaxConcurrency)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		log:      slog.Default(),
		resolver: resolver,
		fetcher:  fetcher,
		store:    artifact.NewLocalStore(),
		hub:      notify.NewHub[Update](cfg.SubscriberBuffer),
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		now:      time.Now,
		entries:  make(map[string]*entry),
		baseCtx:  ctx,
		stopAll:  cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start launches the background sweeper. It stops when ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.log.Info("task manager started",
		slog.Int("max_concurrency", m.cfg.MaxConcurrency),
		slog.Duration("retention", m.cfg.Retention),
	)
	go m.sweepLoop(ctx)
}

// Create validates req and starts a new task. It returns as soon as the task
// is registered; the pipeline runs asynchronously.
func (m *Manager) Create(req Request) (Task, error) {
	req, err := validateRequest(req, m.cfg.SourceHosts)
	if err != nil {
		return Task{}, err
	}

	id := fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix())
	queued := progress.Initial("Queued")
	queued.Sequence = 1

	e := &entry{
		task: Task{
			ID:             id,
			SourceRef:      req.SourceRef,
			Range:          req.Range,
			RequestedRange: req.Range,
			Quality:        req.Quality,
			OutputName:     req.OutputName,
			Status:         StatusQueued,
			Progress:       queued,
			WorkDir:        filepath.Join(m.cfg.WorkDir, id),
			CreatedAt:      m.now(),
		},
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Task{}, ErrShuttingDown
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	e.cancel = cancel
	m.hub.Open(id)
	m.hub.Publish(id, e.task.update())
	m.entries[id] = e
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.run(ctx, e)
	}()

	m.log.Info("task created",
		slog.String(logging.FieldTaskID, id),
		slog.String("source", req.SourceRef),
		slog.Float64("start", req.Range.Start),
		slog.Float64("end", req.Range.End),
		slog.String("quality", string(req.Quality)),
	)
	return e.snapshot(), nil
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}

// Get returns a copy of the task.
func (m *Manager) Get(id string) (Task, error) {
	e, ok := m.lookup(id)
	if !ok {
		return Task{}, ErrNotFound
	}
	return e.snapshot(), nil
}

// List returns copies of every task, newest first.
func (m *Manager) List() []Task {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	tasks := make([]Task, 0, len(entries))
	for _, e := range entries {
		tasks = append(tasks, e.snapshot())
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks
}

// Cancel asks a task's pipeline to stop. Cancelling a finished task, or
// cancelling twice, is a no-op.
func (m *Manager) Cancel(id string) error {
	e, ok := m.lookup(id)
	if !ok {
		return ErrNotFound
	}
	if e.snapshot().Status.Terminal() {
		return nil
	}
	e.cancel()
	m.log.Info("cancellation requested", slog.String(logging.FieldTaskID, id))
	return nil
}

// Remove deletes a task together with its working directory and artifact.
// A running task is cancelled first and Remove waits for its pipeline to
// exit. Removing an unknown task returns ErrNotFound.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	e.cancel()
	<-e.done
	m.hub.Drop(id)
	m.reclaim(e.snapshot())
	m.log.Info("task removed", slog.String(logging.FieldTaskID, id))
	return nil
}

func (m *Manager) reclaim(t Task) {
	if t.Artifact != nil && t.Artifact.Ref != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := m.store.Delete(ctx, t.Artifact.Ref); err != nil {
			m.log.Warn("delete artifact", slog.String(logging.FieldTaskID, t.ID), slog.String("error", err.Error()))
		}
		cancel()
	}
	if t.WorkDir != "" {
		if err := os.RemoveAll(t.WorkDir); err != nil {
			m.log.Warn("remove work dir", slog.String(logging.FieldTaskID, t.ID), slog.String("error", err.Error()))
		}
	}
}

// Subscribe returns the task's update stream. It starts with the current
// state and ends after the terminal update.
func (m *Manager) Subscribe(id string) (*notify.Subscription[Update], error) {
	if _, ok := m.lookup(id); !ok {
		return nil, ErrNotFound
	}
	sub, err := m.hub.Subscribe(id)
	if errors.Is(err, notify.ErrUnknownTopic) {
		return nil, ErrNotFound
	}
	return sub, err
}

// OpenArtifact opens the artifact of a finished task.
func (m *Manager) OpenArtifact(ctx context.Context, id string) (io.ReadCloser, Artifact, error) {
	e, ok := m.lookup(id)
	if !ok {
		return nil, Artifact{}, ErrNotFound
	}
	t := e.snapshot()
	if t.Status != StatusDone || t.Artifact == nil {
		return nil, Artifact{}, &Error{Kind: KindNotFound, Message: "File not ready."}
	}

	rc, size, err := m.store.Open(ctx, t.Artifact.Ref)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, Artifact{}, &Error{Kind: KindNotFound, Message: "File not found.", Err: err}
	}
	if err != nil {
		return nil, Artifact{}, fmt.Errorf("open artifact of task %s: %w", id, err)
	}
	a := *t.Artifact
	a.Size = size
	return rc, a, nil
}

// Info validates a source reference and resolves its metadata without
// creating a task.
func (m *Manager) Info(ctx context.Context, sourceRef string) (Metadata, error) {
	if err := validateSourceRef(sourceRef, m.cfg.SourceHosts); err != nil {
		return Metadata{}, err
	}
	rctx, cancel := context.WithTimeout(ctx, m.cfg.ResolveTimeout)
	defer cancel()

	meta, err := m.resolver.Resolve(rctx, sourceRef)
	if err != nil {
		return Metadata{}, classify(ctx, rctx, err)
	}
	if meta.Duration <= 0 {
		return Metadata{}, &Error{Kind: KindSourceInvalid, Message: "Could not determine video duration."}
	}
	return meta, nil
}

// Shutdown cancels every running task and waits for their pipelines to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.stopAll()
	m.wg.Wait()
	m.log.Info("task manager stopped")
}

// sweepLoop periodically reclaims tasks past their retention window.
func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("sweeper shutting down")
			return
		case <-ticker.C:
			if n := m.Sweep(ctx, m.now()); n > 0 {
				m.log.Info("sweep completed", slog.Int("removed_tasks", n))
			}
		}
	}
}

// Sweep removes every task whose terminal time is older than the retention
// window, orphaned working directories, and stale stored artifacts. Tasks
// that have not reached a terminal status are never touched.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-m.cfg.Retention)

	m.mu.Lock()
	var expired []string
	for id, e := range m.entries {
		t := e.snapshot()
		if !t.TerminalAt.IsZero() && t.TerminalAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	removed := 0
	for _, id := range expired {
		if err := m.Remove(id); err != nil {
			if !errors.Is(err, ErrNotFound) {
				m.log.Warn("sweep remove", slog.String(logging.FieldTaskID, id), slog.String("error", err.Error()))
			}
			continue
		}
		removed++
	}

	m.sweepOrphans(cutoff)

	if c, ok := m.store.(staleCleaner); ok {
		if err := c.CleanupOlderThan(ctx, 2*m.cfg.Retention); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn("cleanup stale artifacts", slog.String("error", err.Error()))
		}
	}
	return removed
}

// sweepOrphans removes per-task directories no live task owns, e.g. left
// behind by a previous process.
func (m *Manager) sweepOrphans(cutoff time.Time) {
	dirs, err := os.ReadDir(m.cfg.WorkDir)
	if err != nil {
		return
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if _, live := m.lookup(d.Name()); live {
			continue
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(m.cfg.WorkDir, d.Name())
		if err := os.RemoveAll(path); err != nil {
			m.log.Warn("remove orphaned work dir", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		m.log.Info("removed orphaned work dir", slog.String("path", path))
	}
}
