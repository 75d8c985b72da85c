package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ytrim/api"
	"ytrim/artifact"
	"ytrim/config"
	"ytrim/logging"
	"ytrim/task"
	"ytrim/ytdlp"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ytrim",
		Short:         "Trim clips out of online videos over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newProbeCommand())
	rootCmd.AddCommand(newConfigCommand())
	return rootCmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the task pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newProbeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <url>",
		Short: "Resolve a video and print its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			runner, err := ytdlp.NewRunner(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ResolveTimeout)
			defer cancel()
			meta, err := ytdlp.NewResolver(runner).Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, meta)
		},
	}
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			redacted := *cfg
			if redacted.AuthKey != "" {
				redacted.AuthKey = "********"
			}
			if redacted.MinIOSecretKey != "" {
				redacted.MinIOSecretKey = "********"
			}
			return writeJSON(cmd, redacted)
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newStore(ctx context.Context, cfg *config.Config) (task.ArtifactStore, error) {
	if cfg.Storage != config.StorageMinIO {
		return artifact.NewLocalStore(), nil
	}
	store, err := artifact.NewMinIOStore(ctx, artifact.MinIOConfig{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		UseSSL:    cfg.MinIOUseSSL,
		Bucket:    cfg.MinIOBucket,
		Prefix:    cfg.MinIOPrefix,
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func runServe(parent context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The work root is shared scratch space; a second instance would sweep
	// the first one's task directories as orphans.
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	lockPath := filepath.Join(cfg.WorkDir, ".ytrim.lock")
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another ytrim instance is using %s", cfg.WorkDir)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release work dir lock", slog.String("error", err.Error()))
		}
	}()

	runner, err := ytdlp.NewRunner(cfg, logger.With(slog.String(logging.FieldComponent, "ytdlp")))
	if err != nil {
		return err
	}
	if v, err := runner.Version(ctx); err == nil {
		logger.Info("yt-dlp found", slog.String("version", v))
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init artifact store: %w", err)
	}

	tm, err := task.NewManager(cfg,
		ytdlp.NewResolver(runner),
		ytdlp.NewFetcher(runner),
		task.WithStore(store),
		task.WithLogger(logger.With(slog.String(logging.FieldComponent, "task"))),
	)
	if err != nil {
		return fmt.Errorf("init task manager: %w", err)
	}

	if logger.Enabled(ctx, slog.LevelDebug) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.SetupRouter(tm, cfg, logger.With(slog.String(logging.FieldComponent, "http"))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	tm.Start(gctx)

	g.Go(func() error {
		logger.Info("server starting",
			slog.String("port", cfg.Port),
			slog.String("work_dir", cfg.WorkDir),
			slog.String("storage", cfg.Storage),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully, press Ctrl+C again to force")
		stop()

		// Ending the tasks first ends their event streams, which the HTTP
		// server would otherwise wait on.
		tm.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exiting")
	return nil
}
