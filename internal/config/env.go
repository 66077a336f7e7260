package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment variable read by the loader.
const EnvPrefix = "LECTURE_RECORDER_"

// mergeEnv applies environment overrides. Environment variables take
// precedence over the file.
func (l *Loader) mergeEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := l.env(key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := l.env(key); ok {
			*dst = splitList(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := l.env(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	int64v := func(key string, dst *int64) {
		if v, ok := l.env(key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := l.env(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := l.env(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("STORAGE_ROOT", &cfg.Storage.Root)
	int64v("STORAGE_QUOTA_BYTES", &cfg.Storage.QuotaBytes)

	str("UPLOAD_ENDPOINT", &cfg.Upload.Endpoint)
	integer("UPLOAD_CHUNK_ATTEMPTS", &cfg.Upload.ChunkAttempts)
	duration("UPLOAD_CHUNK_INTERVAL", &cfg.Upload.ChunkInterval)
	integer("UPLOAD_JOB_ATTEMPTS", &cfg.Upload.JobAttempts)
	duration("UPLOAD_JOB_INTERVAL", &cfg.Upload.JobInterval)
	int64v("UPLOAD_MAX_IN_FLIGHT", &cfg.Upload.MaxInFlight)
	duration("UPLOAD_TIMEOUT", &cfg.Upload.Timeout)

	duration("RECORDING_CHUNK_INTERVAL", &cfg.Recording.ChunkInterval)
	str("RECORDING_TITLE", &cfg.Recording.Title)
	str("RECORDING_RECIPIENT", &cfg.Recording.Recipient)

	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("METRICS_ADDR", &cfg.Metrics.Addr)

	list("WEBRTC_STUN", &cfg.WebRTC.STUN)
	integer("WEBRTC_MAX_PEERS", &cfg.WebRTC.MaxPeers)

	str("INGEST_ADDR", &cfg.Ingest.Addr)
	str("INGEST_DEST_DIR", &cfg.Ingest.DestDir)
	list("INGEST_ALLOWED_DOMAINS", &cfg.Ingest.AllowedDomains)
	integer("INGEST_CHUNK_DIGITS", &cfg.Ingest.ChunkDigits)
	integer("INGEST_RATE_LIMIT", &cfg.Ingest.RateLimit)
	int64v("INGEST_MAX_CHUNK_BYTES", &cfg.Ingest.MaxChunkBytes)

	str("LOG_LEVEL", &cfg.Log.Level)
	boolean("LOG_COLOR", &cfg.Log.Color)
	boolean("LOG_JSON", &cfg.Log.JSON)

	return errors.Join(errs...)
}

// env looks up one variable. Empty values count as unset.
func (l *Loader) env(key string) (string, bool) {
	v, ok := l.lookup(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	l.applied = append(l.applied, EnvPrefix+key)
	return strings.TrimSpace(v), true
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
