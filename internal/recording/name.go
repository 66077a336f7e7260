package recording

import (
	"regexp"
	"time"
)

// unsafeChars matches characters that would trip up file systems or the
// command-line tools run during postprocessing.
var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Sanitize removes every character outside [A-Za-z0-9_.-].
func Sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "")
}

// Name builds the recording name from the lecture title and start time:
// "{title}_{ISO-8601 UTC}" with unsafe characters removed, or only the
// timestamp when no title is given.
func Name(title string, at time.Time) string {
	ts := at.UTC().Format(isoMillis)
	if title == "" {
		return Sanitize(ts)
	}
	return Sanitize(title + "_" + ts)
}
