package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// FileStream is an append-only handle on one recording file. Writes must not
// overlap; Close is idempotent.
type FileStream struct {
	g         *Gateway
	f         *os.File
	recording string
	name      string
	key       string

	writing atomic.Bool
	mu      sync.Mutex
	size    int64
	closed  bool
}

// Recording returns the recording name.
func (s *FileStream) Recording() string { return s.recording }

// Name returns the file name.
func (s *FileStream) Name() string { return s.name }

// Size returns the bytes written so far.
func (s *FileStream) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Write appends p. A write issued while another is in flight fails with
// ErrConcurrentWrite.
func (s *FileStream) Write(ctx context.Context, p []byte) error {
	if !s.writing.CompareAndSwap(false, true) {
		return ErrConcurrentWrite
	}
	defer s.writing.Store(false)

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.g.reserve(int64(len(p))) {
		return fmt.Errorf("%w: %s/%s", ErrQuotaExceeded, s.recording, s.name)
	}

	n, err := s.f.Write(p)
	if short := int64(len(p) - n); short > 0 {
		s.g.usage.Add(-short)
	}
	s.size += int64(n)
	s.g.overrides.Set(s.key, s.size)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", s.recording, s.name, err)
	}
	return nil
}

// Close flushes and closes the file and clears its size override. Only the
// first call has an effect.
func (s *FileStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.f.Sync()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.g.overrides.Delete(s.key)
	s.g.release(s.recording)
	if err != nil {
		return fmt.Errorf("close %s/%s: %w", s.recording, s.name, err)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *FileStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SizeOverrides holds running byte counts of files still open for writing,
// keyed by OverrideKey.
type SizeOverrides struct {
	mu    sync.RWMutex
	sizes map[string]int64
}

// NewSizeOverrides creates an empty table.
func NewSizeOverrides() *SizeOverrides {
	return &SizeOverrides{sizes: make(map[string]int64)}
}

// OverrideKey returns the table key for a recording file.
func OverrideKey(recording, file string) string {
	return recording + "/" + file
}

func (o *SizeOverrides) Set(key string, size int64) {
	o.mu.Lock()
	o.sizes[key] = size
	o.mu.Unlock()
}

func (o *SizeOverrides) Get(key string) (int64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	size, ok := o.sizes[key]
	return size, ok
}

func (o *SizeOverrides) Delete(key string) {
	o.mu.Lock()
	delete(o.sizes, key)
	o.mu.Unlock()
}

// Len returns the number of open files tracked.
func (o *SizeOverrides) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sizes)
}
