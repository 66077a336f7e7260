// Package cli wires the recorder components into the lecture-recorder command.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/lecture-recorder/internal/config"
	"github.com/dj-oyu/lecture-recorder/internal/logger"
	"github.com/dj-oyu/lecture-recorder/internal/version"
)

// shutdownTimeout bounds the wind-down after SIGINT or SIGTERM.
const shutdownTimeout = 30 * time.Second

// Dependencies are filled in before any subcommand runs.
type Dependencies struct {
	ConfigPath string
	LogLevel   string
	LogJSON    bool

	Config config.Config
}

func NewRootCmd() *cobra.Command {
	deps := &Dependencies{}

	rootCmd := &cobra.Command{
		Use:           "lecture-recorder",
		Short:         "Record lectures from WebRTC sources and ship them to a processing server",
		Long:          "lecture-recorder captures display, camera and microphone tracks, stores the recordings locally and forwards every chunk to a remote ingest service that assembles the final files.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return deps.load(cmd)
		},
	}

	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate(version.Full() + "\n")

	rootCmd.PersistentFlags().StringVarP(&deps.ConfigPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&deps.LogLevel, "log-level", "", "Log level (debug, info, warn, error, silent)")
	rootCmd.PersistentFlags().BoolVar(&deps.LogJSON, "log-json", false, "Emit JSON log lines")

	rootCmd.AddCommand(NewServeCmd(deps))
	rootCmd.AddCommand(NewIngestCmd(deps))
	rootCmd.AddCommand(NewListCmd(deps))
	rootCmd.AddCommand(NewDeleteCmd(deps))
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	})

	return rootCmd
}

// load reads the configuration, applies the global flags and installs the
// logger.
func (d *Dependencies) load(cmd *cobra.Command) error {
	loader := config.NewLoader(os.LookupEnv)
	cfg, err := loader.Load(d.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = d.LogLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON = d.LogJSON
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if cfg.Log.JSON {
		logger.InitWith(logger.NewJSON(level, os.Stderr))
	} else {
		logger.InitWith(logger.New(level, os.Stderr, cfg.Log.Color))
	}
	if d.ConfigPath != "" {
		logger.Debug("Config", "Loaded %s", d.ConfigPath)
	}
	for _, key := range loader.Applied() {
		logger.Debug("Config", "Using environment variable %s", key)
	}

	d.Config = cfg
	return nil
}
