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

	"github.com/dj-oyu/lecture-recorder/internal/api"
	"github.com/dj-oyu/lecture-recorder/internal/config"
	"github.com/dj-oyu/lecture-recorder/internal/logger"
	"github.com/dj-oyu/lecture-recorder/internal/metrics"
	"github.com/dj-oyu/lecture-recorder/internal/recording"
	"github.com/dj-oyu/lecture-recorder/internal/storage"
	"github.com/dj-oyu/lecture-recorder/internal/tracks"
	"github.com/dj-oyu/lecture-recorder/internal/upload"
	"github.com/dj-oyu/lecture-recorder/internal/webrtc"
)

func NewServeCmd(deps *Dependencies) *cobra.Command {
	var (
		addr      string
		endpoint  string
		root      string
		title     string
		recipient string
		timeslice time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recorder (WebRTC capture, control API and uploads)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := deps.Config
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.HTTP.Addr = addr
			}
			if flags.Changed("endpoint") {
				cfg.Upload.Endpoint = endpoint
			}
			if flags.Changed("storage") {
				cfg.Storage.Root = root
			}
			if flags.Changed("title") {
				cfg.Recording.Title = title
			}
			if flags.Changed("recipient") {
				cfg.Recording.Recipient = recipient
			}
			if flags.Changed("chunk-interval") {
				cfg.Recording.ChunkInterval = timeslice
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			srv, err := NewServer(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Remote ingest service URL (empty disables upload)")
	cmd.Flags().StringVar(&root, "storage", "", "Local recording directory")
	cmd.Flags().StringVar(&title, "title", "", "Default lecture title")
	cmd.Flags().StringVar(&recipient, "recipient", "", "Default result recipient address")
	cmd.Flags().DurationVar(&timeslice, "chunk-interval", 0, "Chunk interval handed to encoders")

	return cmd
}

// Server is the assembled recorder process.
type Server struct {
	cfg        config.Config
	metrics    *metrics.Metrics
	events     *api.Broadcaster
	registry   *tracks.Registry
	webrtc     *webrtc.Server
	controller *recording.Controller
	httpServer *http.Server
}

// NewServer builds every component from cfg.
func NewServer(cfg config.Config) (*Server, error) {
	m := metrics.New()

	store, err := storage.New(cfg.Storage.Root, storage.WithQuota(cfg.Storage.QuotaBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	events := api.NewBroadcaster()
	client := upload.NewClient(
		upload.WithHTTPClient(upload.NewHTTPClient(cfg.Upload.Timeout)),
		upload.WithNotifier(api.NewNotifier(events, upload.LogNotifier{})),
		upload.WithMetrics(m),
		upload.WithMaxInFlight(cfg.Upload.MaxInFlight),
		upload.WithPolicies(cfg.Upload.ChunkPolicy(), cfg.Upload.JobPolicy()),
	)

	registry := tracks.NewRegistry(tracks.WithOnChange(events.TracksChanged))

	rtc, err := webrtc.NewServer(cfg.WebRTC.STUN, cfg.WebRTC.MaxPeers, registry, webrtc.WithMetrics(m))
	if err != nil {
		registry.Close()
		return nil, fmt.Errorf("failed to create WebRTC server: %w", err)
	}

	ctrl := recording.New(registry, store, webrtc.NewEncoderFactory(), client,
		recording.Config{
			Timeslice: cfg.Recording.ChunkInterval,
			Endpoint:  cfg.Upload.Endpoint,
		},
		recording.WithHooks(events.Hooks()),
		recording.WithMetrics(m),
	)
	if _, err := ctrl.RecoverInterrupted(); err != nil {
		logger.Warn("Main", "Checking for interrupted recordings: %v", err)
	}

	control := api.NewServer(api.Deps{
		Registry: registry,
		Recorder: ctrl,
		Storage:  store,
		Offers:   rtc,
		Events:   events,
		Metrics:  m,
		Defaults: recording.Options{
			Title:     cfg.Recording.Title,
			Recipient: cfg.Recording.Recipient,
		},
	})

	return &Server{
		cfg:        cfg,
		metrics:    m,
		events:     events,
		registry:   registry,
		webrtc:     rtc,
		controller: ctrl,
		httpServer: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           control.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Run serves until ctx is cancelled and then shuts down.
func (s *Server) Run(ctx context.Context) error {
	logger.Info("Main", "Starting lecture recorder...")
	logger.Info("Main", "  HTTP server: %s", s.cfg.HTTP.Addr)
	logger.Info("Main", "  Storage: %s", s.cfg.Storage.Root)
	if s.cfg.Upload.Endpoint != "" {
		logger.Info("Main", "  Upload endpoint: %s", s.cfg.Upload.Endpoint)
	} else {
		logger.Info("Main", "  Upload disabled")
	}

	if s.cfg.Metrics.Addr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", s.cfg.Metrics.Addr)
			if err := s.metrics.StartServer(s.cfg.Metrics.Addr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Main", "Shutting down...")
	case err := <-errCh:
		runErr = fmt.Errorf("HTTP server: %w", err)
	}

	if err := s.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	logger.Info("Main", "Server stopped")
	return runErr
}

// Shutdown finishes an active recording and releases every component.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.controller.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing recorder: %w", err))
	}

	// SSE handlers only return once their channel is closed.
	s.events.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := s.webrtc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing WebRTC: %w", err))
	}
	s.registry.Close()

	if len(errs) > 0 {
		logger.Error("Main", "Errors during shutdown: %v", errors.Join(errs...))
	}
	return errors.Join(errs...)
}
