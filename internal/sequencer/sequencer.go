// Package sequencer serializes the chunks of one recording job. Chunks are
// accepted from the encoder without blocking and handed to the persistence
// step strictly one at a time in arrival order.
package sequencer

import (
	"sync"
	"time"

	"github.com/dj-oyu/lecture-recorder/internal/logger"
	"github.com/dj-oyu/lecture-recorder/pkg/types"
)

// Result holds the two independent handles for one chunk. Persisted yields the
// outcome of the local write and is awaited before the next chunk is handled.
// Forwarded is closed when the background upload has finished; the sequencer
// only waits for it before Done. Either may be nil when there is nothing to
// wait for.
type Result struct {
	Persisted <-chan error
	Forwarded <-chan struct{}
}

// Handler processes one chunk. persist is false once a previous write failed;
// the handler must then skip storage and only forward.
type Handler func(c *types.Chunk, persist bool) Result

// Resolved returns a Persisted handle that is already complete.
func Resolved(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	return ch
}

// Status is a point-in-time view of a sequencer.
type Status struct {
	Title     string `json:"title"`
	Submitted uint64 `json:"submitted"`
	Persisted uint64 `json:"persisted"`
	Pending   int    `json:"pending"`
	Failed    bool   `json:"failed"`
	Finished  bool   `json:"finished"`
}

// Sequencer drains the chunks of one job through its handler.
type Sequencer struct {
	title   string
	handler Handler
	onError func(title string, err error)
	onDrop  func(c *types.Chunk)
	now     func() time.Time

	mu        sync.Mutex
	queue     []*types.Chunk
	signal    chan struct{}
	finished  bool
	stopped   bool
	finishErr error
	nextSeq   uint64
	persisted uint64
	failed    bool

	forwarded sync.WaitGroup
	drained   chan struct{}
	done      chan struct{}
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithPersistError registers a callback invoked once, on the first failed
// write of the job.
func WithPersistError(fn func(title string, err error)) Option {
	return func(s *Sequencer) { s.onError = fn }
}

// WithDropped registers a callback for chunks submitted after the sequencer
// terminated.
func WithDropped(fn func(c *types.Chunk)) Option {
	return func(s *Sequencer) { s.onDrop = fn }
}

// WithClock overrides the arrival timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Sequencer) { s.now = now }
}

// New creates a sequencer for the job title and starts its processing loop.
func New(title string, handler Handler, opts ...Option) *Sequencer {
	s := &Sequencer{
		title:   title,
		handler: handler,
		now:     time.Now,
		signal:  make(chan struct{}),
		drained: make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.run()
	return s
}

// Title returns the job title.
func (s *Sequencer) Title() string { return s.title }

// Submit enqueues one chunk and returns immediately. The sequence number is
// assigned here, in arrival order. The encoder may reuse data.
func (s *Sequencer) Submit(data []byte) {
	s.mu.Lock()
	c := &types.Chunk{
		Data:      append([]byte(nil), data...),
		Title:     s.title,
		Seq:       s.nextSeq,
		Timestamp: s.now(),
	}
	s.nextSeq++

	if s.stopped {
		s.mu.Unlock()
		logger.Warn("Sequencer", "[%s] Chunk %d arrived after finish, dropped", s.title, c.Seq)
		if s.onDrop != nil {
			s.onDrop(c)
		}
		return
	}
	s.queue = append(s.queue, c)
	s.wakeLocked()
	s.mu.Unlock()
}

// Finish marks the end of input. err is the encoder error, if any. Chunks
// already submitted are still processed.
func (s *Sequencer) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.finishErr = err
	if err != nil {
		logger.Warn("Sequencer", "[%s] Encoder stopped with error: %v", s.title, err)
	}
	s.wakeLocked()
}

// wakeLocked resolves the current signal and installs a fresh one.
func (s *Sequencer) wakeLocked() {
	close(s.signal)
	s.signal = make(chan struct{})
}

// Drained is closed once every submitted chunk has passed the persistence step.
func (s *Sequencer) Drained() <-chan struct{} { return s.drained }

// Done is closed once drained and every forwarded handle has resolved.
func (s *Sequencer) Done() <-chan struct{} { return s.done }

// Err returns the error passed to Finish.
func (s *Sequencer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishErr
}

// Status returns the current counters.
func (s *Sequencer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Title:     s.title,
		Submitted: s.nextSeq,
		Persisted: s.persisted,
		Pending:   len(s.queue),
		Failed:    s.failed,
		Finished:  s.finished,
	}
}

func (s *Sequencer) run() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.finished {
				s.stopped = true
				s.mu.Unlock()
				break
			}
			sig := s.signal
			s.mu.Unlock()
			<-sig
			continue
		}
		c := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		persist := !s.failed
		s.mu.Unlock()

		s.process(c, persist)
	}

	close(s.drained)
	s.forwarded.Wait()
	close(s.done)
	logger.Debug("Sequencer", "[%s] Done after %d chunks", s.title, s.Status().Submitted)
}

func (s *Sequencer) process(c *types.Chunk, persist bool) {
	res := s.handler(c, persist)

	if res.Forwarded != nil {
		s.forwarded.Add(1)
		go func() {
			defer s.forwarded.Done()
			<-res.Forwarded
		}()
	}

	if res.Persisted == nil {
		return
	}
	err := <-res.Persisted

	s.mu.Lock()
	first := false
	if err == nil {
		if persist {
			s.persisted++
		}
	} else if !s.failed {
		s.failed = true
		first = true
	}
	s.mu.Unlock()

	if first {
		logger.Error("Sequencer", "[%s] Write of chunk %d failed, later chunks are not stored: %v", s.title, c.Seq, err)
		if s.onError != nil {
			s.onError(s.title, err)
		}
	}
}
