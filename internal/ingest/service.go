// Package ingest is the remote side of the recorder: it stores uploaded chunks
// and assembles finished recordings.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/dj-oyu/lecture-recorder/internal/logger"
	"github.com/dj-oyu/lecture-recorder/internal/metrics"
	"github.com/dj-oyu/lecture-recorder/internal/storage"
)

var (
	ErrQueueFull = errors.New("postprocessing queue is full")
	ErrClosed    = errors.New("ingest service is closed")
)

// multipartMemory is the part of a chunk upload kept in memory.
const multipartMemory = 8 << 20

// Config configures the ingest service.
type Config struct {
	DestDir        string
	AllowedDomains []string
	ChunkDigits    int
	RateLimit      int // chunk requests per minute and client, 0 disables
	MaxChunkBytes  int64
	QueueSize      int
}

// Service stores chunks and runs postprocessing jobs on a single worker.
type Service struct {
	cfg       Config
	assembler *Assembler
	metrics   *metrics.Metrics
	maxIndex  uint64

	mu     sync.Mutex
	closed bool
	jobs   chan Job
	wg     sync.WaitGroup

	// OnManifest is called after each job, when set.
	OnManifest func(Manifest)
}

// New creates the destination directory and the service.
func New(cfg Config, m *metrics.Metrics) (*Service, error) {
	if cfg.ChunkDigits <= 0 {
		cfg.ChunkDigits = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if m == nil {
		m = metrics.New()
	}
	if err := os.MkdirAll(cfg.DestDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", cfg.DestDir, err)
	}
	return &Service{
		cfg:       cfg,
		assembler: NewAssembler(cfg.DestDir),
		metrics:   m,
		maxIndex:  uint64(math.Pow10(cfg.ChunkDigits)),
		jobs:      make(chan Job, cfg.QueueSize),
	}, nil
}

// Start runs the postprocessing worker until Close.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for job := range s.jobs {
			s.process(ctx, job)
		}
	}()
}

// Close stops accepting jobs and waits for the queued ones to finish.
func (s *Service) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.jobs)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Enqueue schedules postprocessing of a recording.
func (s *Service) Enqueue(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) process(ctx context.Context, job Job) {
	start := time.Now()
	logger.Info("Ingest", "Postprocessing %s (job %s)", job.Recording, job.ID)

	m, err := s.assembler.Assemble(ctx, job)
	if err != nil {
		logger.Error("Ingest", "Job %s: %v", job.ID, err)
	}
	s.metrics.IngestJobs.Add(1)
	report(m, time.Since(start))
	if s.OnManifest != nil {
		s.OnManifest(m)
	}
}

// report logs the summary a recipient would receive.
func report(m Manifest, took time.Duration) {
	log := logger.WithComponent("Ingest")
	ev := log.Info()
	if m.Result != ReasonSuccess {
		ev = log.Warn()
	}
	ev.Str("job", m.ID).
		Str("recording", m.Recording).
		Str("recipient", m.Recipient).
		Str("result", string(m.Result)).
		Int("tracks", len(m.Tracks)).
		Dur("took", took).
		Msgf("Finished rendering %s", m.Recording)
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.cfg.RateLimit > 0 {
				r.Use(rateLimit(s.cfg.RateLimit, time.Minute))
			}
			r.Post("/chunks", s.handleChunk)
		})
		r.Post("/jobs", s.handleJob)
	})
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate_limit_exceeded"})
		}),
	)
}

type chunkResponse struct {
	Recording string `json:"recording"`
	Track     string `json:"track"`
	Index     uint64 `json:"index"`
	Filename  string `json:"filename"`
	Bytes     int64  `json:"bytes"`
}

func (s *Service) handleChunk(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxChunkBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxChunkBytes+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.reject(w, http.StatusUnprocessableEntity, "invalid multipart body: %v", err)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	recording := r.FormValue("recording")
	track := r.FormValue("track")
	if !storage.ValidName(recording) || !storage.ValidName(track) {
		s.reject(w, http.StatusUnprocessableEntity, "invalid track %s, %s", recording, track)
		return
	}
	rawIndex := r.FormValue("index")
	index, err := strconv.ParseUint(rawIndex, 10, 64)
	if err != nil || index >= s.maxIndex {
		s.reject(w, http.StatusUnprocessableEntity, "invalid index %q", rawIndex)
		return
	}
	file, header, err := r.FormFile("chunk")
	if err != nil {
		s.reject(w, http.StatusUnprocessableEntity, "no chunk supplied")
		return
	}
	defer file.Close()
	if s.cfg.MaxChunkBytes > 0 && header.Size > s.cfg.MaxChunkBytes {
		s.reject(w, http.StatusRequestEntityTooLarge, "chunk of %d bytes exceeds %d", header.Size, s.cfg.MaxChunkBytes)
		return
	}

	name := fmt.Sprintf("%s%0*d", ChunkPrefix, s.cfg.ChunkDigits, index)
	n, err := s.saveChunk(filepath.Join(s.cfg.DestDir, recording, track), name, file)
	if err != nil {
		logger.Error("Ingest", "Saving %s/%s/%s: %v", recording, track, name, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to store chunk"})
		return
	}

	s.metrics.IngestChunks.Add(1)
	s.metrics.IngestBytes.Add(uint64(n))
	logger.Debug("Ingest", "Stored %s/%s/%s (%d bytes)", recording, track, name, n)
	writeJSON(w, http.StatusCreated, chunkResponse{
		Recording: recording,
		Track:     track,
		Index:     index,
		Filename:  name,
		Bytes:     n,
	})
}

func (s *Service) saveChunk(dir, name string, src io.Reader) (int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	pending, err := renameio.NewPendingFile(filepath.Join(dir, name), renameio.WithPermissions(0o644))
	if err != nil {
		return 0, err
	}
	defer func() { _ = pending.Cleanup() }()

	n, err := io.Copy(pending, src)
	if err != nil {
		return n, err
	}
	return n, pending.CloseAtomicallyReplace()
}

type jobRequest struct {
	Recording string `json:"recording"`
	Recipient string `json:"recipient"`
}

func (s *Service) handleJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		s.reject(w, http.StatusBadRequest, "invalid job: %v", err)
		return
	}
	if !storage.ValidName(req.Recording) {
		s.reject(w, http.StatusUnprocessableEntity, "invalid recording %q", req.Recording)
		return
	}
	if info, err := os.Stat(filepath.Join(s.cfg.DestDir, req.Recording)); err != nil || !info.IsDir() {
		s.reject(w, http.StatusBadRequest, "unknown recording %q", req.Recording)
		return
	}

	recipient, err := NormalizeRecipient(req.Recipient, s.cfg.AllowedDomains)
	if err != nil {
		logger.Warn("Ingest", "Invalid or disallowed recipient address: %v", err)
		recipient = ""
	}

	job := Job{
		ID:        uuid.NewString(),
		Recording: req.Recording,
		Recipient: recipient,
		Queued:    time.Now().UTC(),
	}
	if err := s.Enqueue(job); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	logger.Info("Ingest", "Queued job %s for %s", job.ID, job.Recording)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Service) reject(w http.ResponseWriter, status int, format string, args ...any) {
	s.metrics.IngestRejected.Add(1)
	msg := fmt.Sprintf(format, args...)
	logger.Debug("Ingest", "Rejected request (%d): %s", status, msg)
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
