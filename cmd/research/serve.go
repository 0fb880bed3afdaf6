package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/httpapi"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the research HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if addr == "" {
				addr = a.cfg.ListenAddress()
			}
			srv := &http.Server{
				Addr:        addr,
				Handler:     httpapi.NewRouter(a.cfg, a.dependencies(), a.logger),
				ReadTimeout: 15 * time.Second,
				// Research streams run up to the research timeout.
				WriteTimeout: a.cfg.ResearchTimeout + time.Minute,
				IdleTimeout:  60 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				a.logger.Info("api listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				if err != nil {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("shutdown error", zap.Error(err))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :$PORT)")
	return cmd
}
