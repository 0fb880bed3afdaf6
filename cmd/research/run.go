package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/reports"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/research"
)

const cliOwner = "cli"

func runCmd() *cobra.Command {
	var outPath string
	var noSave bool
	cmd := &cobra.Command{
		Use:   "run [query]",
		Short: "Run one research query and print the report as markdown",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(ctx, a.cfg.ResearchTimeout)
			defer cancel()

			updates := make(chan research.Update, 16)
			logged := make(chan struct{})
			go func() {
				defer close(logged)
				logUpdates(a.logger, updates)
			}()

			report, err := a.orchestrator.Run(ctx, strings.Join(args, " "), updates)
			close(updates)
			<-logged
			if err != nil {
				return err
			}

			if !noSave {
				if err := a.reports.Save(ctx, cliOwner, report); err != nil {
					a.logger.Warn("save report failed", zap.Error(err))
				} else if a.exporter != nil {
					if path, err := a.exporter.Export(ctx, report); err != nil {
						a.logger.Warn("export report failed", zap.Error(err))
					} else if err := a.reports.SetExportPath(ctx, report.ID, path); err != nil {
						a.logger.Warn("record export path failed", zap.Error(err))
					}
				}
			}

			markdown := reports.RenderMarkdown(report)
			if outPath == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), markdown)
				return err
			}
			if err := os.WriteFile(outPath, []byte(markdown), 0o644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			a.logger.Info("report written", zap.String("path", outPath), zap.String("report_id", report.ID))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the markdown report to a file instead of stdout")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "do not store the report in the database")
	return cmd
}

func logUpdates(logger *zap.Logger, updates <-chan research.Update) {
	lastStage := ""
	for update := range updates {
		if update.Stage == lastStage && update.Error == "" {
			continue
		}
		lastStage = update.Stage
		fields := []zap.Field{
			zap.String("state", string(update.State)),
			zap.Int("progress", update.ProgressPercent),
			zap.Int("sources", update.SourcesFound),
		}
		if update.Error != "" {
			logger.Warn(update.Stage, append(fields, zap.String("error", update.Error))...)
			continue
		}
		logger.Info(update.Stage, fields...)
	}
}
