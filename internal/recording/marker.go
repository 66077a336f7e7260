package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// MarkerFile is written below the storage root while a recording is active.
const MarkerFile = "active.json"

// Marker describes the active recording. A marker left behind at startup
// belongs to a recording that was interrupted.
type Marker struct {
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	Jobs      []string  `json:"jobs"`
}

func writeMarker(root string, m Marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}

	pending, err := renameio.NewPendingFile(filepath.Join(root, MarkerFile))
	if err != nil {
		return fmt.Errorf("create pending marker: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace marker: %w", err)
	}
	return nil
}

func removeMarker(root string) error {
	err := os.Remove(filepath.Join(root, MarkerFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ReadMarker returns the marker below root, or nil when there is none.
func ReadMarker(root string) (*Marker, error) {
	data, err := os.ReadFile(filepath.Join(root, MarkerFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode marker: %w", err)
	}
	return &m, nil
}
