// Package main implements the entry point for the slidegen API server, which
// admits slide and poster generation tasks, schedules them against a bounded
// number of running slots and shares finished artifacts between requesters.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/slidegen/internal/config"
	"github.com/phrazzld/slidegen/internal/platform/logger"
	"github.com/phrazzld/slidegen/internal/platform/postgres"
)

func main() {
	migrateCmd := flag.String("migrate", "",
		fmt.Sprintf("run a database migration command and exit (one of %v)", postgres.MigrationCommands))
	flag.Parse()

	if err := run(*migrateCmd); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(migrateCmd string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(logger.LoggerConfig{Level: cfg.Server.LogLevel})
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"dispatch_mode", cfg.Dispatch.Mode,
		"max_running", cfg.Queue.MaxRunning,
		"max_waiting", cfg.Queue.MaxWaiting)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := setupAppDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}

	if migrateCmd != "" {
		defer func() {
			if err := db.Close(); err != nil {
				log.Error("error closing database connection", "error", err)
			}
		}()
		return postgres.Migrate(ctx, db, log, migrateCmd, flag.Args()...)
	}

	app, err := newApplication(ctx, cfg, log, db)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return app.Run(ctx)
}
