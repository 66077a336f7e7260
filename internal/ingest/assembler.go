package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/dj-oyu/lecture-recorder/internal/logger"
)

const (
	// ChunkPrefix starts every stored chunk file name.
	ChunkPrefix = "chunk."
	// ManifestFile is written into the recording directory after assembly.
	ManifestFile = "job.json"
	// MainTrack is the track a recording cannot be rendered without.
	MainTrack = "stream"
	// OutputExt is appended to the track name of an assembled file.
	OutputExt = ".webm"
	// RTPDumpExt replaces OutputExt when the chunks carry an rtpdump stream.
	RTPDumpExt = ".rtpdump"
)

// rtpdumpMagic starts every rtpdump stream.
const rtpdumpMagic = "#!rtpplay1.0"

// Reason tells why a job produced its result.
type Reason string

const (
	ReasonSuccess           Reason = "success"
	ReasonFailure           Reason = "failure"
	ReasonMainStreamMissing Reason = "main_stream_missing"
)

// Job is one queued postprocessing request.
type Job struct {
	ID        string    `json:"id"`
	Recording string    `json:"recording"`
	Recipient string    `json:"recipient,omitempty"`
	Queued    time.Time `json:"queued_at"`
}

// TrackFile is one assembled track.
type TrackFile struct {
	Name   string `json:"name"`
	File   string `json:"file"`
	Chunks int    `json:"chunks"`
	Bytes  int64  `json:"bytes"`
}

// Manifest records the outcome of a job.
type Manifest struct {
	Job
	Tracks     []TrackFile `json:"tracks"`
	FinishedAt time.Time   `json:"finished_at"`
	Result     Reason      `json:"result"`
	Error      string      `json:"error,omitempty"`
}

// Assembler concatenates the uploaded chunks of each track in index order.
type Assembler struct {
	destDir string
	now     func() time.Time
}

// NewAssembler creates an assembler for recordings below destDir.
func NewAssembler(destDir string) *Assembler {
	return &Assembler{destDir: destDir, now: time.Now}
}

// Assemble builds <track>.webm (or .rtpdump) for every track of the job's recording and
// writes the manifest. The returned error is only about writing the manifest;
// assembly problems are reported in the manifest.
func (a *Assembler) Assemble(ctx context.Context, job Job) (Manifest, error) {
	m := Manifest{Job: job, Tracks: []TrackFile{}}
	dir := filepath.Join(a.destDir, job.Recording)

	tracks, err := trackDirs(dir)
	switch {
	case err != nil:
		m.Result, m.Error = ReasonFailure, err.Error()
	case !contains(tracks, MainTrack):
		logger.Info("Ingest", "%s has no main stream, nothing to do", job.Recording)
		m.Result = ReasonMainStreamMissing
	default:
		m.Result = ReasonSuccess
		for _, track := range tracks {
			if err := ctx.Err(); err != nil {
				m.Result, m.Error = ReasonFailure, err.Error()
				break
			}
			tf, err := a.assembleTrack(dir, track)
			if err != nil {
				logger.Error("Ingest", "Assembling %s/%s failed: %v", job.Recording, track, err)
				m.Result, m.Error = ReasonFailure, err.Error()
				break
			}
			m.Tracks = append(m.Tracks, tf)
		}
	}

	m.FinishedAt = a.now().UTC()
	if err := writeManifest(filepath.Join(dir, ManifestFile), m); err != nil {
		return m, err
	}
	return m, nil
}

func (a *Assembler) assembleTrack(dir, track string) (TrackFile, error) {
	chunks, err := chunkFiles(filepath.Join(dir, track))
	if err != nil {
		return TrackFile{}, err
	}
	ext, err := sniffExt(chunks[0])
	if err != nil {
		return TrackFile{}, err
	}
	out := track + ext
	tf := TrackFile{Name: track, File: out, Chunks: len(chunks)}

	pending, err := renameio.NewPendingFile(filepath.Join(dir, out), renameio.WithPermissions(0o644))
	if err != nil {
		return tf, fmt.Errorf("create %s: %w", out, err)
	}
	defer func() { _ = pending.Cleanup() }()

	for _, c := range chunks {
		n, err := copyFile(pending, c)
		if err != nil {
			return tf, err
		}
		tf.Bytes += n
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return tf, fmt.Errorf("replace %s: %w", out, err)
	}
	return tf, nil
}

// sniffExt picks the output extension from the first bytes of a track.
func sniffExt(firstChunk string) (string, error) {
	f, err := os.Open(firstChunk)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, len(rtpdumpMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read %s: %w", filepath.Base(firstChunk), err)
	}
	if string(head[:n]) == rtpdumpMagic {
		return RTPDumpExt, nil
	}
	return OutputExt, nil
}

func copyFile(dst io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := io.Copy(dst, f)
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", filepath.Base(path), err)
	}
	return n, nil
}

// trackDirs lists the track directories of a recording, sorted.
func trackDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var tracks []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			tracks = append(tracks, e.Name())
		}
	}
	sort.Strings(tracks)
	return tracks, nil
}

// chunkFiles returns the chunk paths of a track ordered by numeric index.
func chunkFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type indexed struct {
		index uint64
		path  string
	}
	var chunks []indexed
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, ChunkPrefix) {
			continue
		}
		idx, err := strconv.ParseUint(strings.TrimPrefix(name, ChunkPrefix), 10, 64)
		if err != nil {
			continue
		}
		chunks = append(chunks, indexed{idx, filepath.Join(dir, name)})
	}
	if len(chunks) == 0 {
		return nil, errors.New("track has no chunks")
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })

	paths := make([]string, len(chunks))
	for i, c := range chunks {
		paths[i] = c.path
	}
	return paths, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func writeManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest of a recording.
func ReadManifest(destDir, recording string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(destDir, recording, ManifestFile))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}
