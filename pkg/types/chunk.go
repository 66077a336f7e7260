package types

import "time"

// Chunk is one opaque unit of encoded media delivered by an encoder.
type Chunk struct {
	Data      []byte    // Encoded bytes, never inspected
	Title     string    // Title of the job that produced the chunk
	Seq       uint64    // Per-job sequence number assigned at arrival
	Timestamp time.Time // Arrival time
}

// Size returns the chunk length in bytes.
func (c *Chunk) Size() int {
	return len(c.Data)
}

// TrackKind is the media kind of a track.
type TrackKind string

const (
	KindVideo TrackKind = "video"
	KindAudio TrackKind = "audio"
)

// TrackCategory is the registry collection a track belongs to.
type TrackCategory string

const (
	CategoryDisplay TrackCategory = "display"
	CategoryVideo   TrackCategory = "video"
	CategoryAudio   TrackCategory = "audio"
)

// ParseTrackCategory maps a capture label to a category.
func ParseTrackCategory(s string) (TrackCategory, bool) {
	switch s {
	case "display", "screen":
		return CategoryDisplay, true
	case "video", "camera":
		return CategoryVideo, true
	case "audio", "microphone", "mic":
		return CategoryAudio, true
	default:
		return "", false
	}
}

// Mime types handed to encoders.
const (
	MimeVideoWebM = "video/webm"
	MimeAudioWebM = "audio/webm"
)
