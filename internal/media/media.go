// Package media defines the platform collaborators the recorder drives: live
// tracks and the encoders that turn a set of tracks into a chunked stream.
package media

import (
	"time"

	"github.com/dj-oyu/lecture-recorder/pkg/types"
)

// DefaultTimeslice is the chunking interval requested from encoders.
const DefaultTimeslice = 5 * time.Second

// Track is a live media source with an asynchronous end-of-life signal.
type Track interface {
	ID() string
	Kind() types.TrackKind
	// Done is closed when the source has ended for any reason (explicit stop,
	// unplugged device, revoked permission, closed peer connection).
	Done() <-chan struct{}
	// Stop asks the source to end. Done is closed asynchronously.
	Stop()
}

// Sink receives encoder output. Both methods must return without blocking on I/O.
type Sink interface {
	// Submit delivers one chunk in encoder order.
	Submit(data []byte)
	// Finish is called once after the last Submit. err is nil on a regular stop.
	Finish(err error)
}

// Encoder composes one or more tracks into a stream of chunks.
type Encoder interface {
	// Start begins delivering a chunk to sink every timeslice.
	Start(timeslice time.Duration, sink Sink) error
	// Stop requests the encoder to flush its last chunk and call sink.Finish.
	// It does not wait for that to happen.
	Stop()
	// Extension is the file extension of the produced container, without dot.
	Extension() string
}

// EncoderFactory creates encoders for a job's tracks.
type EncoderFactory interface {
	NewEncoder(tracks []Track, mimeType string) (Encoder, error)
}

// Kinds returns the kinds of tracks, in order.
func Kinds(tracks []Track) []types.TrackKind {
	kinds := make([]types.TrackKind, 0, len(tracks))
	for _, t := range tracks {
		kinds = append(kinds, t.Kind())
	}
	return kinds
}

// Contains reports whether tracks holds t.
func Contains(tracks []Track, t Track) bool {
	for _, candidate := range tracks {
		if candidate == t {
			return true
		}
	}
	return false
}
