package command

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/clusterd/cfgsync/internal/backoff"
	"github.com/clusterd/cfgsync/internal/config"
	"github.com/clusterd/cfgsync/internal/control"
	"github.com/clusterd/cfgsync/internal/ratelimit"
	"github.com/clusterd/cfgsync/internal/rest"
	"github.com/clusterd/cfgsync/internal/storage"
	"github.com/clusterd/cfgsync/internal/syncer"
	"github.com/clusterd/cfgsync/internal/transport"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagValue(cmd, "config"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			setupLogging(cfg.Logging)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctl := control.NewFileStore(cfg.Storage.ControlFile)
	lock := &sync.Mutex{}

	var backups *storage.BackupStore
	if cfg.Storage.BackupDir != "" {
		var err error
		backups, err = storage.OpenBackupStore(cfg.Storage.BackupDir)
		if err != nil {
			return err
		}
		defer backups.Close()
	}
	store := storage.NewFileStorage(cfg.Storage.ConfigDir, backups, ctl.BackupCount)

	tr := transport.NewHTTPTransport(cfg.Cluster.NodeID, transport.Options{
		Timeout: cfg.Sync.RequestTimeout(),
		Retries: cfg.Sync.Retries,
		Backoff: backoff.New(cfg.Sync.BackoffBase, cfg.Sync.BackoffMax),
	})

	syncCfg := syncer.Config{
		NodeID:       cfg.Cluster.NodeID,
		Nodes:        cfg.Cluster.Nodes,
		FetchTimeout: cfg.Sync.FetchTimeout,
	}
	if cfg.Sync.Watch {
		syncCfg.WatchDir = cfg.Storage.ConfigDir
	}
	s := syncer.New(syncCfg, store, tr, ctl, lock)

	limiter := ratelimit.NewLimiter(cfg.Sync.PushBurst, cfg.Sync.PushRate)
	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           rest.NewServer(s, store, limiter).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.Stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Str("node_id", cfg.Cluster.NodeID).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
