// Package config loads the recorder configuration from defaults, an optional
// YAML file and LECTURE_RECORDER_* environment variables, in that order of
// precedence. Command-line flags are applied last by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/lecture-recorder/internal/logger"
	"github.com/dj-oyu/lecture-recorder/internal/upload"
)

// Config is the complete runtime configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Upload    UploadConfig    `yaml:"upload"`
	Recording RecordingConfig `yaml:"recording"`
	HTTP      HTTPConfig      `yaml:"http"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Log       LogConfig       `yaml:"log"`
}

type StorageConfig struct {
	Root       string `yaml:"root"`
	QuotaBytes int64  `yaml:"quota_bytes"`
}

type UploadConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	ChunkAttempts int           `yaml:"chunk_attempts"`
	ChunkInterval time.Duration `yaml:"chunk_interval"`
	JobAttempts   int           `yaml:"job_attempts"`
	JobInterval   time.Duration `yaml:"job_interval"`
	MaxInFlight   int64         `yaml:"max_in_flight"`
	Timeout       time.Duration `yaml:"timeout"`
}

// ChunkPolicy returns the retry policy for chunk uploads.
func (u UploadConfig) ChunkPolicy() upload.Policy {
	return upload.Policy{Attempts: u.ChunkAttempts, Interval: u.ChunkInterval}
}

// JobPolicy returns the retry policy for postprocessing requests.
func (u UploadConfig) JobPolicy() upload.Policy {
	return upload.Policy{Attempts: u.JobAttempts, Interval: u.JobInterval}
}

type RecordingConfig struct {
	ChunkInterval time.Duration `yaml:"chunk_interval"`
	Title         string        `yaml:"title"`
	Recipient     string        `yaml:"recipient"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty serves /metrics on the HTTP address
}

type WebRTCConfig struct {
	STUN     []string `yaml:"stun"`
	MaxPeers int      `yaml:"max_peers"`
}

type IngestConfig struct {
	Addr           string   `yaml:"addr"`
	DestDir        string   `yaml:"dest_dir"`
	AllowedDomains []string `yaml:"allowed_domains"`
	ChunkDigits    int      `yaml:"chunk_digits"`
	RateLimit      int      `yaml:"rate_limit"` // requests per minute per client, 0 disables
	MaxChunkBytes  int64    `yaml:"max_chunk_bytes"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	chunk, job := upload.ChunkPolicy, upload.JobPolicy
	return Config{
		Storage: StorageConfig{
			Root: "./data",
		},
		Upload: UploadConfig{
			ChunkAttempts: chunk.Attempts,
			ChunkInterval: chunk.Interval,
			JobAttempts:   job.Attempts,
			JobInterval:   job.Interval,
			MaxInFlight:   8,
			Timeout:       30 * time.Second,
		},
		Recording: RecordingConfig{
			ChunkInterval: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		WebRTC: WebRTCConfig{
			STUN:     []string{"stun:stun.l.google.com:19302"},
			MaxPeers: 4,
		},
		Ingest: IngestConfig{
			Addr:          ":8090",
			DestDir:       "./ingest",
			ChunkDigits:   4,
			RateLimit:     600,
			MaxChunkBytes: 64 << 20,
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
	}
}

// Loader merges configuration sources.
type Loader struct {
	lookup  func(string) (string, bool)
	applied []string
}

// NewLoader creates a loader reading the environment through lookup.
func NewLoader(lookup func(string) (string, bool)) *Loader {
	return &Loader{lookup: lookup}
}

// Load merges defaults, file and environment and validates the result.
// Load does not log: the logger is configured from its result.
func (l *Loader) Load(path string) (Config, error) {
	l.applied = nil
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := Decode(f, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := l.mergeEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Applied returns the environment variables the last Load took values from,
// in the order they were applied.
func (l *Loader) Applied() []string {
	return append([]string(nil), l.applied...)
}

// Decode reads YAML into cfg, rejecting unknown keys. Keys absent from the
// document keep their current value.
func Decode(r io.Reader, cfg *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration for values the recorder cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root must not be empty"))
	}
	if c.Storage.QuotaBytes < 0 {
		errs = append(errs, errors.New("storage.quota_bytes must not be negative"))
	}
	if c.Upload.Endpoint != "" {
		u, err := url.Parse(c.Upload.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("upload.endpoint %q is not an http(s) URL", c.Upload.Endpoint))
		}
	}
	if err := c.Upload.ChunkPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("upload chunk policy: %w", err))
	}
	if err := c.Upload.JobPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("upload job policy: %w", err))
	}
	if c.Upload.MaxInFlight < 1 {
		errs = append(errs, errors.New("upload.max_in_flight must be at least 1"))
	}
	if c.Recording.ChunkInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("recording.chunk_interval %s is too short", c.Recording.ChunkInterval))
	}
	for name, addr := range map[string]string{
		"http.addr":    c.HTTP.Addr,
		"metrics.addr": c.Metrics.Addr,
		"ingest.addr":  c.Ingest.Addr,
	} {
		if addr == "" && name == "metrics.addr" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s %q: %w", name, addr, err))
		}
	}
	if c.WebRTC.MaxPeers < 1 {
		errs = append(errs, errors.New("webrtc.max_peers must be at least 1"))
	}
	if c.Ingest.ChunkDigits < 1 || c.Ingest.ChunkDigits > 9 {
		errs = append(errs, fmt.Errorf("ingest.chunk_digits must be between 1 and 9, got %d", c.Ingest.ChunkDigits))
	}
	for _, d := range c.Ingest.AllowedDomains {
		if d == "" || strings.ContainsAny(d, "@ ") {
			errs = append(errs, fmt.Errorf("ingest.allowed_domains entry %q is not a domain", d))
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
