// Command ingestd runs the chunked file ingestion service.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof is intentionally available when --pprof flag is set
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdulmunimjundurahman/ingestd/internal/auth"
	"github.com/abdulmunimjundurahman/ingestd/internal/chunkstore"
	"github.com/abdulmunimjundurahman/ingestd/internal/config"
	"github.com/abdulmunimjundurahman/ingestd/internal/httpserver"
	"github.com/abdulmunimjundurahman/ingestd/internal/ingest"
	"github.com/abdulmunimjundurahman/ingestd/internal/logging"
	"github.com/abdulmunimjundurahman/ingestd/internal/pipeline"
	"github.com/abdulmunimjundurahman/ingestd/internal/progressbus"
	"github.com/abdulmunimjundurahman/ingestd/internal/recovery"
	"github.com/abdulmunimjundurahman/ingestd/internal/sweep"
	"github.com/abdulmunimjundurahman/ingestd/internal/uploadsession"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "ingestd",
		Short: "Chunked file ingestion service",
	}
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060). WARNING: exposes CPU/memory profiles and goroutine dumps, bind to loopback only, never expose publicly")
	rootCmd.PersistentFlags().String("log-level", "info", "minimum log level: debug, info, warn, error")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ingestion service",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			logLevel, _ := cmd.Flags().GetString("log-level")
			pprofAddr, _ := cmd.Flags().GetString("pprof")

			level, err := parseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("parse log-level: %w", err)
			}
			baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
			filterHandler := logging.NewComponentFilterHandler(baseHandler, level)
			logger := slog.New(filterHandler)

			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					pprofSrv := &http.Server{Addr: pprofAddr, ReadHeaderTimeout: 10 * time.Second}
					if err := pprofSrv.ListenAndServe(); err != nil {
						logger.Error("pprof server error", "error", err)
					}
				}()
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, addr)
		},
	}
	serveCmd.Flags().String("addr", "", "listen address (host:port); overrides ADDR env var")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(s))
	return level, err
}

// resumeBinding breaks the construction cycle between uploadsession.Manager
// (which needs a *recovery.Controller) and recovery.Controller (which needs
// a Resumer backed by the same Manager): the Controller is built first
// against this proxy, and sessions is assigned once the Manager exists.
type resumeBinding struct {
	sessions *uploadsession.Manager
}

func (b *resumeBinding) Resume(ctx context.Context, fileID string) error {
	return b.sessions.Resume(ctx, fileID)
}

func run(ctx context.Context, logger *slog.Logger, addrFlag string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	addr := cfg.Addr
	if addrFlag != "" {
		addr = addrFlag
	}

	store, err := chunkstore.New(cfg.UploadsPath, logger)
	if err != nil {
		return fmt.Errorf("open chunk store: %w", err)
	}

	bus := progressbus.New(logger)
	orch := pipeline.NewOrchestrator(bus, logger)

	binding := &resumeBinding{}
	policy := recovery.BackoffPolicy{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay, MaxAttempts: cfg.RetryMaxAttempts}
	onFail := func(fileID string, tag recovery.Tag, message string, history []ingest.ErrorEntry) {
		logger.Warn("retry budget exhausted", "fileId", fileID, "tag", tag, "message", message, "attempts", len(history))
	}
	rec := recovery.New(policy, binding, orch, onFail, logger)

	sessions := uploadsession.NewManager(store, bus, orch, rec, nil, cfg.ChunkSize, cfg.MaxChunks, logger)
	binding.sessions = sessions

	sw, err := sweep.New(sweep.Config{}, logger,
		bus.Sweep,
		orch.Sweep,
		func(now time.Time) { rec.Sweep(now, 24*time.Hour) },
		func(now time.Time) { sessions.SweepInactive(cfg.ChunkTimeout, 10*time.Minute) },
	)
	if err != nil {
		return fmt.Errorf("start sweep: %w", err)
	}
	sw.Start()
	defer sw.Stop()

	tokens := auth.NewTokenService(cfg.JWTSecret, 24*time.Hour)
	users := auth.NewUserStore()

	srv := httpserver.New(sessions, orch, bus, tokens, httpserver.Config{
		Logger: logger,
		Tokens: tokens,
		Users:  users,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	var serveErr error
	go func() {
		defer wg.Done()
		logger.Info("ingestd starting", "addr", addr)
		if err := srv.ServeTCP(addr); err != nil {
			serveErr = err
		}
	}()

	<-ctx.Done()

	logger.Info("stopping server")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Error("server stop error", "error", err)
	}
	wg.Wait()

	logger.Info("shutdown complete")
	return serveErr
}
