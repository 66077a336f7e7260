// Package recording drives the recording lifecycle: it plans the jobs for the
// registered tracks, runs one encoder and sequencer per job, and schedules
// postprocessing once every job is done.
package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dj-oyu/lecture-recorder/internal/compose"
	"github.com/dj-oyu/lecture-recorder/internal/logger"
	"github.com/dj-oyu/lecture-recorder/internal/media"
	"github.com/dj-oyu/lecture-recorder/internal/metrics"
	"github.com/dj-oyu/lecture-recorder/internal/sequencer"
	"github.com/dj-oyu/lecture-recorder/internal/storage"
	"github.com/dj-oyu/lecture-recorder/internal/tracks"
	"github.com/dj-oyu/lecture-recorder/internal/upload"
	"github.com/dj-oyu/lecture-recorder/pkg/types"
)

var (
	ErrBusy         = errors.New("a recording is already in progress")
	ErrNotRecording = errors.New("no recording in progress")
	ErrClosed       = errors.New("recording controller is closed")
)

// Phase is the lifecycle state of the controller.
type Phase string

const (
	Idle      Phase = "idle"
	Starting  Phase = "starting"
	Recording Phase = "recording"
	Stopping  Phase = "stopping"
)

// TrackSource provides the tracks and selections to record.
type TrackSource interface {
	Snapshot() tracks.Snapshot
}

// Uploader mirrors chunks and schedules postprocessing.
type Uploader interface {
	SendChunk(ctx context.Context, endpoint string, up upload.ChunkUpload, opts ...upload.CallOption) error
	SchedulePostprocessing(ctx context.Context, endpoint, recording, recipient string, opts ...upload.CallOption) error
}

// Hooks are optional UI callbacks. None of them is needed for persistence or
// upload to work.
type Hooks struct {
	OnStarting     func(name string)
	OnStarted      func(name string, stop func())
	OnChunkWritten func(name, file string, size int64)
	OnFinished     func(name string)
	// OnWarning receives user-facing warnings about job-local failures.
	OnWarning func(msg string)
}

// Config holds the recording parameters.
type Config struct {
	Timeslice time.Duration // chunk interval handed to encoders
	Endpoint  string        // remote ingest service; empty disables upload
}

// Options are given per recording.
type Options struct {
	Title     string `json:"title"`
	Recipient string `json:"recipient"`
}

// Controller owns the active recording.
type Controller struct {
	source   TrackSource
	store    *storage.Gateway
	encoders media.EncoderFactory
	uploader Uploader
	metrics  *metrics.Metrics
	hooks    Hooks
	cfg      Config
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	bg      sync.WaitGroup

	mu     sync.Mutex
	phase  Phase
	sess   *session
	closed bool
}

type session struct {
	name      string
	recipient string
	startedAt time.Time
	jobs      []*job

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

type job struct {
	spec    compose.JobSpec
	file    string
	stream  *storage.FileStream
	encoder media.Encoder
	seq     *sequencer.Sequencer
	err     error // set when the job could not start
}

// Option configures a Controller.
type Option func(*Controller)

// WithHooks installs UI callbacks.
func WithHooks(h Hooks) Option {
	return func(c *Controller) { c.hooks = h }
}

// WithMetrics reports recording metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides the clock used for recording names.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates an idle controller.
func New(source TrackSource, store *storage.Gateway, encoders media.EncoderFactory, uploader Uploader, cfg Config, opts ...Option) *Controller {
	if cfg.Timeslice <= 0 {
		cfg.Timeslice = media.DefaultTimeslice
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		source:   source,
		store:    store,
		encoders: encoders,
		uploader: uploader,
		cfg:      cfg,
		now:      time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
		phase:    Idle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	return c
}

// RecoverInterrupted reports and clears the marker of a recording that did
// not finish in a previous run. Its files stay in storage.
func (c *Controller) RecoverInterrupted() (*Marker, error) {
	m, err := ReadMarker(c.store.Root())
	if err != nil || m == nil {
		return nil, err
	}
	logger.Warn("Recording", "Recording %s started at %s was interrupted", m.Name, m.StartedAt.Format(time.RFC3339))
	return m, removeMarker(c.store.Root())
}

// Start plans jobs from the current tracks and starts them. With no tracks it
// does nothing and returns an empty name. A job that fails to start is
// reported through OnWarning; the others keep recording.
func (c *Controller) Start(ctx context.Context, opts Options) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.phase != Idle {
		c.mu.Unlock()
		return "", ErrBusy
	}
	plan := compose.Plan(c.source.Snapshot())
	if len(plan) == 0 {
		c.mu.Unlock()
		logger.Info("Recording", "No tracks to record")
		return "", nil
	}

	now := c.now()
	sess := &session{
		name:      Name(opts.Title, now),
		recipient: opts.Recipient,
		startedAt: now,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.phase = Starting
	c.sess = sess
	c.mu.Unlock()

	logger.Info("Recording", "Starting %s with jobs %v", sess.name, compose.Titles(plan))
	if c.hooks.OnStarting != nil {
		c.hooks.OnStarting(sess.name)
	}
	marker := Marker{Name: sess.name, StartedAt: now.UTC(), Jobs: compose.Titles(plan)}
	if err := writeMarker(c.store.Root(), marker); err != nil {
		logger.Warn("Recording", "Failed to write marker: %v", err)
	}

	jobs := make([]*job, len(plan))
	var g errgroup.Group
	for i, spec := range plan {
		i, spec := i, spec
		g.Go(func() error {
			jobs[i] = c.startJob(ctx, sess, spec)
			return nil
		})
	}
	_ = g.Wait()

	running := 0
	for _, j := range jobs {
		if j.err == nil {
			running++
		}
	}

	c.mu.Lock()
	sess.jobs = jobs
	c.phase = Recording
	c.mu.Unlock()

	c.metrics.Recordings.Add(1)
	c.metrics.SetRecording(true, running)
	logger.Info("Recording", "Recording %s (%d/%d jobs running)", sess.name, running, len(jobs))

	if c.hooks.OnStarted != nil {
		c.hooks.OnStarted(sess.name, func() { _ = c.Stop() })
	}

	c.bg.Add(1)
	go c.finish(sess)
	return sess.name, nil
}

func (c *Controller) startJob(ctx context.Context, sess *session, spec compose.JobSpec) *job {
	j := &job{spec: spec}

	enc, err := c.encoders.NewEncoder(spec.Tracks, spec.MimeType)
	if err != nil {
		c.jobFailed(j, fmt.Errorf("create encoder: %w", err))
		return j
	}
	j.file = spec.Title + "." + enc.Extension()

	stream, err := c.store.OpenAppendStream(ctx, sess.name, j.file)
	if err != nil {
		c.jobFailed(j, err)
		return j
	}
	j.stream = stream

	j.seq = sequencer.New(spec.Title, c.handler(sess, j),
		sequencer.WithPersistError(func(title string, err error) {
			c.warn(fmt.Sprintf("Saving %s failed, the rest of this file is lost: %v", j.file, err))
		}),
		sequencer.WithDropped(func(*types.Chunk) {
			c.metrics.ChunksDropped.Add(1)
		}),
	)

	if err := enc.Start(c.cfg.Timeslice, j.seq); err != nil {
		j.seq.Finish(err)
		c.jobFailed(j, fmt.Errorf("start encoder: %w", err))
		return j
	}
	j.encoder = enc
	logger.Debug("Recording", "[%s] Job %s started -> %s", sess.name, spec.Title, j.file)
	return j
}

func (c *Controller) jobFailed(j *job, err error) {
	j.err = err
	c.warn(fmt.Sprintf("Could not start recording %s: %v", j.spec.Title, err))
}

func (c *Controller) warn(msg string) {
	logger.Warn("Recording", "%s", msg)
	if c.hooks.OnWarning != nil {
		c.hooks.OnWarning(msg)
	}
}

// handler persists a chunk to the job's file and forwards it to the remote
// service independently.
func (c *Controller) handler(sess *session, j *job) sequencer.Handler {
	return func(ch *types.Chunk, persist bool) sequencer.Result {
		c.metrics.ChunksReceived.Add(1)

		var res sequencer.Result
		if c.cfg.Endpoint != "" {
			forwarded := make(chan struct{})
			up := upload.ChunkUpload{
				Recording: sess.name,
				Track:     j.spec.Title,
				Index:     ch.Seq,
				Data:      ch.Data,
			}
			go func() {
				defer close(forwarded)
				_ = c.uploader.SendChunk(c.baseCtx, c.cfg.Endpoint, up)
			}()
			res.Forwarded = forwarded
		}

		if !persist {
			c.metrics.ChunksDropped.Add(1)
			return res
		}
		persisted := make(chan error, 1)
		go func() { persisted <- c.persist(sess, j, ch) }()
		res.Persisted = persisted
		return res
	}
}

func (c *Controller) persist(sess *session, j *job, ch *types.Chunk) error {
	start := time.Now()
	if err := j.stream.Write(c.baseCtx, ch.Data); err != nil {
		c.metrics.StorageErrors.Add(1)
		c.metrics.ChunksDropped.Add(1)
		if cerr := j.stream.Close(); cerr != nil {
			logger.Warn("Recording", "[%s] Closing %s after failed write: %v", sess.name, j.file, cerr)
		}
		return err
	}
	c.metrics.UpdatePersistLatency(time.Since(start))
	c.metrics.ChunksPersisted.Add(1)
	c.metrics.BytesPersisted.Add(uint64(ch.Size()))

	if c.hooks.OnChunkWritten != nil {
		c.hooks.OnChunkWritten(sess.name, j.file, int64(ch.Size()))
	}
	return nil
}

// finish waits for a stop request, or for every job to end on its own, and
// then winds the recording down.
func (c *Controller) finish(sess *session) {
	defer c.bg.Done()

	allDone := make(chan struct{})
	go func() {
		for _, j := range sess.jobs {
			if j.seq != nil {
				<-j.seq.Done()
			}
		}
		close(allDone)
	}()

	select {
	case <-sess.stopCh:
	case <-allDone:
		logger.Info("Recording", "[%s] All jobs ended", sess.name)
	}

	c.mu.Lock()
	c.phase = Stopping
	c.mu.Unlock()
	logger.Info("Recording", "Stopping %s", sess.name)

	for _, j := range sess.jobs {
		if j.encoder != nil {
			j.encoder.Stop()
		}
	}
	<-allDone

	var g errgroup.Group
	for _, j := range sess.jobs {
		if j.stream != nil {
			g.Go(j.stream.Close)
		}
	}
	if err := g.Wait(); err != nil {
		logger.Warn("Recording", "[%s] Closing files: %v", sess.name, err)
	}

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		_ = c.uploader.SchedulePostprocessing(c.baseCtx, c.cfg.Endpoint, sess.name, sess.recipient)
	}()

	if err := removeMarker(c.store.Root()); err != nil {
		logger.Warn("Recording", "Failed to remove marker: %v", err)
	}

	if c.hooks.OnFinished != nil {
		c.hooks.OnFinished(sess.name)
	}

	c.mu.Lock()
	c.phase = Idle
	c.sess = nil
	c.mu.Unlock()
	c.metrics.SetRecording(false, 0)
	logger.Info("Recording", "Finished %s", sess.name)
	close(sess.done)
}

// Stop asks the active recording to stop. It returns immediately; use Wait to
// block until the controller is idle again.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ErrNotRecording
	}
	c.sess.stopOnce.Do(func() { close(c.sess.stopCh) })
	return nil
}

// Wait blocks until the active recording, if any, has finished.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops an active recording and waits for it and for pending
// postprocessing requests. When ctx expires, in-flight uploads are cancelled.
// Start fails with ErrClosed afterwards.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	_ = c.Stop()
	err := c.Wait(ctx)

	idle := make(chan struct{})
	go func() {
		c.bg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		err = ctx.Err()
		c.cancel()
		<-idle
	}
	c.cancel()
	return err
}

// JobStatus describes one job of the active recording.
type JobStatus struct {
	Title  string           `json:"title"`
	File   string           `json:"file,omitempty"`
	Bytes  int64            `json:"bytes"`
	Error  string           `json:"error,omitempty"`
	Chunks sequencer.Status `json:"chunks"`
}

// Status is a point-in-time view of the controller.
type Status struct {
	Phase     Phase       `json:"phase"`
	Name      string      `json:"name,omitempty"`
	StartedAt *time.Time  `json:"started_at,omitempty"`
	Jobs      []JobStatus `json:"jobs,omitempty"`
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Status returns the current phase and, while recording, per-job progress.
func (c *Controller) Status() Status {
	c.mu.Lock()
	phase, sess := c.phase, c.sess
	var jobs []*job
	if sess != nil {
		jobs = sess.jobs
	}
	c.mu.Unlock()

	st := Status{Phase: phase}
	if sess == nil {
		return st
	}
	st.Name = sess.name
	started := sess.startedAt.UTC()
	st.StartedAt = &started
	for _, j := range jobs {
		js := JobStatus{Title: j.spec.Title, File: j.file}
		if j.stream != nil {
			js.Bytes = j.stream.Size()
		}
		if j.seq != nil {
			js.Chunks = j.seq.Status()
		}
		if j.err != nil {
			js.Error = j.err.Error()
		}
		st.Jobs = append(st.Jobs, js)
	}
	return st
}
