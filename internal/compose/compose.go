// Package compose decides which recording jobs to create from the registered
// tracks and selections. Planning is pure: no storage or network access.
package compose

import (
	"fmt"

	"github.com/dj-oyu/lecture-recorder/internal/media"
	"github.com/dj-oyu/lecture-recorder/internal/tracks"
	"github.com/dj-oyu/lecture-recorder/pkg/types"
)

// Job titles with a fixed meaning for postprocessing.
const (
	TitleStream  = "stream"
	TitleOverlay = "overlay"
)

// JobSpec describes one output stream: its title and the tracks feeding it.
type JobSpec struct {
	Title    string
	Tracks   []media.Track
	MimeType string
}

// EffectiveMain returns the track recorded as the main stream: the explicit
// selection, else the first display that is not the overlay, else the first
// camera that is not the overlay.
//
// With several displays and no explicit selection the first one wins; whether
// that matches what users expect has not been validated.
func EffectiveMain(s tracks.Snapshot) media.Track {
	if s.MainDisplay != nil {
		return s.MainDisplay
	}
	for _, t := range s.Display {
		if t != s.Overlay {
			return t
		}
	}
	for _, t := range s.Video {
		if t != s.Overlay {
			return t
		}
	}
	return nil
}

// Plan returns the jobs for a recording of s, in a deterministic order.
//
// Encoders take at most one video and one audio track, so the main stream gets
// the first microphone and every other microphone, camera and display is
// recorded on its own.
func Plan(s tracks.Snapshot) []JobSpec {
	if s.Empty() {
		return nil
	}

	var jobs []JobSpec
	main := EffectiveMain(s)

	audio := s.Audio
	if main != nil {
		streamTracks := []media.Track{main}
		if len(audio) > 0 {
			streamTracks = append(streamTracks, audio[0])
			audio = audio[1:]
		}
		jobs = append(jobs, videoJob(TitleStream, streamTracks...))
	}
	for i, t := range audio {
		jobs = append(jobs, audioJob(fmt.Sprintf("audio-%d", i), t))
	}

	if s.Overlay != nil {
		jobs = append(jobs, videoJob(TitleOverlay, s.Overlay))
	}

	notYetHandled := func(t media.Track) bool {
		return t != main && t != s.Overlay
	}
	i := 0
	for _, t := range s.Video {
		if notYetHandled(t) {
			jobs = append(jobs, videoJob(fmt.Sprintf("video-%d", i), t))
			i++
		}
	}
	i = 0
	for _, t := range s.Display {
		if notYetHandled(t) {
			jobs = append(jobs, videoJob(fmt.Sprintf("display-%d", i), t))
			i++
		}
	}

	return jobs
}

func videoJob(title string, ts ...media.Track) JobSpec {
	return JobSpec{Title: title, Tracks: ts, MimeType: types.MimeVideoWebM}
}

func audioJob(title string, ts ...media.Track) JobSpec {
	return JobSpec{Title: title, Tracks: ts, MimeType: types.MimeAudioWebM}
}

// Titles returns the job titles in order.
func Titles(jobs []JobSpec) []string {
	titles := make([]string, 0, len(jobs))
	for _, j := range jobs {
		titles = append(titles, j.Title)
	}
	return titles
}
