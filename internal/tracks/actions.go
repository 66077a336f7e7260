package tracks

import (
	"fmt"

	"github.com/dj-oyu/lecture-recorder/internal/media"
	"github.com/dj-oyu/lecture-recorder/pkg/types"
)

// action is one kind of registry mutation. reduce must not mutate its input.
type action interface {
	reduce(s state) (state, result, error)
}

type result struct {
	changed bool
	added   []media.Track
	removed []media.Track
}

type addAction struct {
	category types.TrackCategory
	tracks   []media.Track
}

func (a addAction) reduce(s state) (state, result, error) {
	var res result
	next := s
	for _, t := range a.tracks {
		if t == nil || s.contains(t) || media.Contains(res.added, t) {
			continue
		}
		res.added = append(res.added, t)
	}
	if len(res.added) == 0 {
		return s, res, nil
	}

	switch a.category {
	case types.CategoryDisplay:
		next.display = appendCopy(s.display, res.added)
	case types.CategoryVideo:
		next.video = appendCopy(s.video, res.added)
	case types.CategoryAudio:
		next.audio = appendCopy(s.audio, res.added)
	default:
		return s, result{}, fmt.Errorf("unknown track category %q", a.category)
	}
	res.changed = true
	return next, res, nil
}

// removeAction is dispatched by explicit removal and by the ended signal alike.
// Clearing a selection that points at the removed track happens in the same
// reduction.
type removeAction struct {
	track media.Track
}

func (a removeAction) reduce(s state) (state, result, error) {
	if !s.contains(a.track) {
		return s, result{}, nil
	}

	next := state{
		display:     without(s.display, a.track),
		video:       without(s.video, a.track),
		audio:       without(s.audio, a.track),
		mainDisplay: s.mainDisplay,
		overlay:     s.overlay,
	}
	if next.mainDisplay == a.track {
		next.mainDisplay = nil
	}
	if next.overlay == a.track {
		next.overlay = nil
	}
	return next, result{changed: true, removed: []media.Track{a.track}}, nil
}

type selectAction struct {
	main   bool
	update Updater
}

func (a selectAction) reduce(s state) (state, result, error) {
	old := s.overlay
	if a.main {
		old = s.mainDisplay
	}

	var sel media.Track
	if a.update != nil {
		sel = a.update(old)
	}
	if sel != nil && !media.Contains(s.display, sel) && !media.Contains(s.video, sel) {
		return s, result{}, ErrUnknownTrack
	}
	if sel == old {
		return s, result{}, nil
	}

	next := s
	if a.main {
		next.mainDisplay = sel
	} else {
		next.overlay = sel
	}
	return next, result{changed: true}, nil
}

func (s state) contains(t media.Track) bool {
	return media.Contains(s.display, t) || media.Contains(s.video, t) || media.Contains(s.audio, t)
}

func appendCopy(base, extra []media.Track) []media.Track {
	out := make([]media.Track, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

func without(tracks []media.Track, t media.Track) []media.Track {
	if !media.Contains(tracks, t) {
		return tracks
	}
	out := make([]media.Track, 0, len(tracks)-1)
	for _, candidate := range tracks {
		if candidate != t {
			out = append(out, candidate)
		}
	}
	return out
}
