// Package tracks holds the live set of captured tracks and the main display and
// overlay selections used to compose recordings.
package tracks

import (
	"errors"
	"sync"

	"github.com/dj-oyu/lecture-recorder/internal/logger"
	"github.com/dj-oyu/lecture-recorder/internal/media"
	"github.com/dj-oyu/lecture-recorder/pkg/types"
)

// ErrUnknownTrack is returned when selecting a track that is not registered as a
// display or video track.
var ErrUnknownTrack = errors.New("track is not a registered display or video track")

// Selection is the optional designation of one track. nil means unset.
type Selection = media.Track

// Updater computes a new selection from the old one.
type Updater func(old Selection) Selection

// Set returns an Updater that selects t.
func Set(t media.Track) Updater { return func(Selection) Selection { return t } }

// Clear returns an Updater that unsets the selection.
func Clear() Updater { return func(Selection) Selection { return nil } }

// Toggle selects t, or unsets the selection if t is already selected.
func Toggle(t media.Track) Updater {
	return func(old Selection) Selection {
		if old == t {
			return nil
		}
		return t
	}
}

// Snapshot is an immutable copy of the registry state.
type Snapshot struct {
	Display     []media.Track
	Video       []media.Track
	Audio       []media.Track
	MainDisplay media.Track
	Overlay     media.Track
}

// Empty reports whether no track is registered.
func (s Snapshot) Empty() bool {
	return len(s.Display) == 0 && len(s.Video) == 0 && len(s.Audio) == 0
}

// Find looks up a track by id in all collections.
func (s Snapshot) Find(id string) (media.Track, types.TrackCategory, bool) {
	for _, c := range []struct {
		cat    types.TrackCategory
		tracks []media.Track
	}{
		{types.CategoryDisplay, s.Display},
		{types.CategoryVideo, s.Video},
		{types.CategoryAudio, s.Audio},
	} {
		for _, t := range c.tracks {
			if t.ID() == id {
				return t, c.cat, true
			}
		}
	}
	return nil, "", false
}

// Registry is a single-writer state container. All mutations are routed through
// apply, which runs the reducer for the action under the lock and hands the
// resulting snapshot to the change callback.
type Registry struct {
	mu       sync.Mutex
	state    state
	watched  map[media.Track]struct{}
	wg       sync.WaitGroup
	closed   bool
	closeCh  chan struct{}

	onChange func(Snapshot)
}

type state struct {
	display     []media.Track
	video       []media.Track
	audio       []media.Track
	mainDisplay media.Track
	overlay     media.Track
}

// Option configures a Registry.
type Option func(*Registry)

// WithOnChange registers a callback invoked synchronously after every
// effective change, outside the registry lock.
func WithOnChange(fn func(Snapshot)) Option {
	return func(r *Registry) { r.onChange = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		watched: make(map[media.Track]struct{}),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddDisplayTracks registers captured screens.
func (r *Registry) AddDisplayTracks(tracks ...media.Track) {
	r.add(types.CategoryDisplay, tracks)
}

// AddVideoTracks registers cameras.
func (r *Registry) AddVideoTracks(tracks ...media.Track) {
	r.add(types.CategoryVideo, tracks)
}

// AddAudioTracks registers microphones.
func (r *Registry) AddAudioTracks(tracks ...media.Track) {
	r.add(types.CategoryAudio, tracks)
}

// Add registers tracks in the given category.
func (r *Registry) Add(category types.TrackCategory, tracks ...media.Track) {
	r.add(category, tracks)
}

func (r *Registry) add(category types.TrackCategory, tracks []media.Track) {
	if len(tracks) == 0 {
		return
	}

	fresh := r.apply(addAction{category: category, tracks: tracks})
	for _, t := range fresh {
		r.watchEnded(t)
	}
}

// RemoveTrack stops t and removes it. The ended signal of a track we stopped
// ourselves is not relied upon, so removal is dispatched directly; a racing
// ended signal dispatches the same action and finds nothing left to do.
func (r *Registry) RemoveTrack(t media.Track) {
	if t == nil {
		return
	}
	t.Stop()
	r.apply(removeAction{track: t})
}

// RemoveTrackByID removes the track with the given id.
func (r *Registry) RemoveTrackByID(id string) bool {
	t, _, ok := r.Snapshot().Find(id)
	if !ok {
		return false
	}
	r.RemoveTrack(t)
	return true
}

// SelectMainDisplay updates the main display selection.
func (r *Registry) SelectMainDisplay(fn Updater) error {
	return r.applyErr(selectAction{main: true, update: fn})
}

// SelectOverlay updates the overlay selection.
func (r *Registry) SelectOverlay(fn Updater) error {
	return r.applyErr(selectAction{main: false, update: fn})
}

// Snapshot returns a copy of the current state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() Snapshot {
	return Snapshot{
		Display:     append([]media.Track(nil), r.state.display...),
		Video:       append([]media.Track(nil), r.state.video...),
		Audio:       append([]media.Track(nil), r.state.audio...),
		MainDisplay: r.state.mainDisplay,
		Overlay:     r.state.overlay,
	}
}

// Close stops listening for ended signals. Registered tracks are left running.
func (r *Registry) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.closeCh)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// watchEnded attaches the single ended-listener for t. The caller has already
// accounted for it in r.wg.
func (r *Registry) watchEnded(t media.Track) {
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.watched, t)
			r.mu.Unlock()
		}()
		select {
		case <-t.Done():
			logger.Info("Registry", "Track %s ended", t.ID())
			r.apply(removeAction{track: t})
		case <-r.closeCh:
		}
	}()
}

func (r *Registry) applyErr(a action) error {
	r.mu.Lock()
	next, res, err := a.reduce(r.state)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.commitLocked(next, res)
	return nil
}

// apply runs a reducer and returns the tracks newly added by it.
func (r *Registry) apply(a action) []media.Track {
	r.mu.Lock()
	next, res, err := a.reduce(r.state)
	if err != nil {
		r.mu.Unlock()
		logger.Warn("Registry", "Rejected update: %v", err)
		return nil
	}

	var fresh []media.Track
	for _, t := range res.added {
		if r.closed {
			break
		}
		if _, ok := r.watched[t]; ok {
			continue
		}
		r.watched[t] = struct{}{}
		r.wg.Add(1)
		fresh = append(fresh, t)
	}
	for _, t := range res.removed {
		logger.Debug("Registry", "Track %s removed", t.ID())
	}
	r.commitLocked(next, res)
	return fresh
}

// commitLocked stores the new state, unlocks and reports the snapshot.
func (r *Registry) commitLocked(next state, res result) {
	if !res.changed {
		r.mu.Unlock()
		return
	}
	r.state = next
	snap := r.snapshotLocked()
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil {
		onChange(snap)
	}
}
