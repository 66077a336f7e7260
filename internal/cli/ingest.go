package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/lecture-recorder/internal/ingest"
	"github.com/dj-oyu/lecture-recorder/internal/logger"
	"github.com/dj-oyu/lecture-recorder/internal/metrics"
)

func NewIngestCmd(deps *Dependencies) *cobra.Command {
	var (
		addr string
		dest string
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run the ingest service that receives chunks and assembles recordings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			if cmd.Flags().Changed("addr") {
				cfg.Ingest.Addr = addr
			}
			if cmd.Flags().Changed("dest") {
				cfg.Ingest.DestDir = dest
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			m := metrics.New()
			svc, err := ingest.New(ingest.Config{
				DestDir:        cfg.Ingest.DestDir,
				AllowedDomains: cfg.Ingest.AllowedDomains,
				ChunkDigits:    cfg.Ingest.ChunkDigits,
				RateLimit:      cfg.Ingest.RateLimit,
				MaxChunkBytes:  cfg.Ingest.MaxChunkBytes,
			}, m)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc.Start(context.WithoutCancel(ctx))
			defer svc.Close()

			if cfg.Metrics.Addr != "" {
				go func() {
					if err := m.StartServer(cfg.Metrics.Addr); err != nil {
						logger.Error("Main", "Metrics server error: %v", err)
					}
				}()
			}

			httpServer := &http.Server{
				Addr:              cfg.Ingest.Addr,
				Handler:           svc.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("Main", "Ingest service listening on %s, writing to %s", cfg.Ingest.Addr, cfg.Ingest.DestDir)
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				logger.Info("Main", "Shutting down, finishing queued jobs...")
			case err := <-errCh:
				return fmt.Errorf("HTTP server: %w", err)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&dest, "dest", "", "Directory receiving chunks and assembled files")

	return cmd
}
