package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/auth"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/config"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/db"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/exa"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/httpapi"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/inference"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/logging"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/reports"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/research"
)

// app holds the wired collaborators shared by every subcommand.
type app struct {
	cfg          config.Config
	logger       *zap.Logger
	database     *sql.DB
	reports      reports.Store
	exporter     reports.Exporter
	orchestrator *research.Orchestrator
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := os.Setenv("DEEP_RESEARCH_CONFIG", path); err != nil {
			return nil, fmt.Errorf("set config path: %w", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	database, err := db.Open(ctx, cfg)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("open db: %w", err)
	}
	store := reports.NewStore(database)
	if err := store.Migrate(ctx); err != nil {
		_ = database.Close()
		_ = logger.Sync()
		return nil, fmt.Errorf("migrate reports: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, database: database, reports: store}

	if cfg.ReportExportBucket != "" {
		gcs, err := reports.NewGCSExporter(ctx, cfg.ReportExportBucket)
		if err != nil {
			logger.Warn("report export disabled", zap.String("bucket", cfg.ReportExportBucket), zap.Error(err))
		} else {
			a.exporter = gcs
		}
	}

	searcher := exa.NewClient(cfg, nil, logger)
	completer := inference.NewClient(cfg, nil, logger)
	reader := research.NewHTTPReader(research.ReaderConfig{}, nil)
	a.orchestrator = research.NewOrchestrator(searcher, reader, completer, research.OrchestratorConfig{
		Runner: research.RunnerConfig{QueryPacing: cfg.QueryPacing},
	}, logger)

	return a, nil
}

func (a *app) dependencies() httpapi.Dependencies {
	deps := httpapi.Dependencies{
		Runner:   a.orchestrator,
		Reports:  a.reports,
		Exporter: a.exporter,
	}
	if a.cfg.AuthRequired {
		deps.Verifier = auth.NewVerifier(a.cfg)
	}
	return deps
}

func (a *app) close() {
	if err := a.database.Close(); err != nil {
		a.logger.Warn("close db", zap.Error(err))
	}
	_ = a.logger.Sync()
}
