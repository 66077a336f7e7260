// Package storage persists recordings below a sandboxed root directory. Each
// recording is a directory of append-only files.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dj-oyu/lecture-recorder/internal/logger"
)

var (
	ErrClosed          = errors.New("stream is closed")
	ErrConcurrentWrite = errors.New("write already in progress")
	ErrQuotaExceeded   = errors.New("storage quota exceeded")
	ErrInvalidName     = errors.New("invalid recording or file name")
	ErrNotFound        = errors.New("recording not found")
	ErrInUse           = errors.New("recording has open streams")
)

// RecordingsDir is the directory below the root holding one directory per
// recording.
const RecordingsDir = "recordings"

// SwapSuffix marks partial writes of the platform storage layer.
const SwapSuffix = ".crswap"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidName reports whether name is usable as a recording or file name.
func ValidName(name string) bool {
	return namePattern.MatchString(name) && name != "." && name != ".."
}

// transient reports whether a directory entry is a partial-write artifact.
func transient(name string) bool {
	return strings.HasSuffix(name, SwapSuffix) || strings.HasPrefix(name, ".")
}

// Gateway maps (recording, file) pairs to files below root.
type Gateway struct {
	root      string
	quota     int64
	usage     atomic.Int64
	overrides *SizeOverrides

	mu   sync.Mutex
	open map[string]int // recording -> open streams
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithQuota limits the total bytes stored. Zero means unlimited.
func WithQuota(bytes int64) Option {
	return func(g *Gateway) { g.quota = bytes }
}

// WithSizeOverrides shares a size override table with other components.
func WithSizeOverrides(o *SizeOverrides) Option {
	return func(g *Gateway) { g.overrides = o }
}

// New opens the gateway rooted at root, creating the directory if needed.
func New(root string, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		root: root,
		open: make(map[string]int),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.overrides == nil {
		g.overrides = NewSizeOverrides()
	}

	if err := os.MkdirAll(g.recordingsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	used, err := dirSize(g.recordingsDir())
	if err != nil {
		return nil, fmt.Errorf("measure storage root: %w", err)
	}
	g.usage.Store(used)

	logger.Debug("Storage", "Opened %s (usage=%d quota=%d)", root, used, g.quota)
	return g, nil
}

// Root returns the gateway root directory.
func (g *Gateway) Root() string { return g.root }

// Overrides returns the size override table.
func (g *Gateway) Overrides() *SizeOverrides { return g.overrides }

func (g *Gateway) recordingsDir() string {
	return filepath.Join(g.root, RecordingsDir)
}

func (g *Gateway) path(recording string, file ...string) (string, error) {
	if !ValidName(recording) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, recording)
	}
	parts := []string{g.recordingsDir(), recording}
	for _, f := range file {
		if !ValidName(f) {
			return "", fmt.Errorf("%w: %q", ErrInvalidName, f)
		}
		parts = append(parts, f)
	}
	return filepath.Join(parts...), nil
}

// OpenAppendStream creates the recording directory and file if absent and
// truncates an existing file.
func (g *Gateway) OpenAppendStream(ctx context.Context, recording, file string) (*FileStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := g.path(recording, file)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}

	var previous int64
	if fi, err := os.Stat(p); err == nil {
		previous = fi.Size()
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s/%s: %w", recording, file, err)
	}
	g.usage.Add(-previous)

	g.mu.Lock()
	g.open[recording]++
	g.mu.Unlock()

	s := &FileStream{
		g:         g,
		f:         f,
		recording: recording,
		name:      file,
		key:       OverrideKey(recording, file),
	}
	g.overrides.Set(s.key, 0)
	return s, nil
}

// reserve accounts n bytes against the quota.
func (g *Gateway) reserve(n int64) bool {
	if g.quota <= 0 {
		g.usage.Add(n)
		return true
	}
	for {
		cur := g.usage.Load()
		if cur+n > g.quota {
			return false
		}
		if g.usage.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

func (g *Gateway) release(recording string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open[recording]--; g.open[recording] <= 0 {
		delete(g.open, recording)
	}
}

// File describes one file of a recording. Size is nil when unknown.
type File struct {
	Name string `json:"name"`
	Size *int64 `json:"size,omitempty"`
}

// Recording is a named set of files.
type Recording struct {
	Name  string `json:"name"`
	Files []File `json:"files"`
}

// ListRecordings returns all recordings sorted by name, each with its files
// sorted by name. Sizes of files still open come from the override table.
func (g *Gateway) ListRecordings(ctx context.Context) ([]Recording, error) {
	entries, err := os.ReadDir(g.recordingsDir())
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}

	var out []Recording
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() || transient(e.Name()) {
			continue
		}
		rec := Recording{Name: e.Name(), Files: []File{}}

		files, err := os.ReadDir(filepath.Join(g.recordingsDir(), e.Name()))
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", e.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() || transient(f.Name()) {
				continue
			}
			file := File{Name: f.Name()}
			if size, ok := g.overrides.Get(OverrideKey(rec.Name, f.Name())); ok {
				file.Size = &size
			} else if fi, err := f.Info(); err == nil {
				size := fi.Size()
				file.Size = &size
			}
			rec.Files = append(rec.Files, file)
		}
		sort.Slice(rec.Files, func(i, j int) bool { return rec.Files[i].Name < rec.Files[j].Name })
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteRecording removes a recording and all its files.
func (g *Gateway) DeleteRecording(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := g.path(name)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open[name] > 0 {
		return fmt.Errorf("%w: %s", ErrInUse, name)
	}
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	size, _ := dirSize(p)
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	g.usage.Add(-size)
	logger.Info("Storage", "Deleted recording %s (%d bytes)", name, size)
	return nil
}

// Open opens a recording file for reading.
func (g *Gateway) Open(recording, file string) (*os.File, error) {
	p, err := g.path(recording, file)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, recording, file)
	}
	return f, err
}

// ReadFile returns the content of a recording file.
func (g *Gateway) ReadFile(recording, file string) ([]byte, error) {
	p, err := g.path(recording, file)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, recording, file)
	}
	return data, err
}

// Estimate reports storage usage and quota in bytes. Quota 0 means unlimited.
type Estimate struct {
	Usage int64 `json:"usage"`
	Quota int64 `json:"quota"`
}

// Estimate returns the current usage estimate.
func (g *Gateway) Estimate() Estimate {
	return Estimate{Usage: g.usage.Load(), Quota: g.quota}
}

// State is the listing together with the usage estimate.
type State struct {
	Estimate
	Recordings []Recording `json:"recordings"`
}

// State returns the usage estimate and the recording listing.
func (g *Gateway) State(ctx context.Context) (State, error) {
	recs, err := g.ListRecordings(ctx)
	if err != nil {
		return State{}, err
	}
	return State{Estimate: g.Estimate(), Recordings: recs}, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	return total, err
}
