// Package stub provides in-process tracks and encoders used by tests and by the
// synthetic capture mode of the recorder.
package stub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/lecture-recorder/internal/media"
	"github.com/dj-oyu/lecture-recorder/pkg/types"
)

// Track is a media.Track whose end can be triggered explicitly.
type Track struct {
	id       string
	kind     types.TrackKind
	done     chan struct{}
	once     sync.Once
	stopCall atomic.Int32
}

// NewTrack creates a live stub track. An empty id gets a random one.
func NewTrack(id string, kind types.TrackKind) *Track {
	if id == "" {
		id = fmt.Sprintf("stub-%s-%s", kind, uuid.New().String())
	}
	return &Track{
		id:   id,
		kind: kind,
		done: make(chan struct{}),
	}
}

// Video creates a live video track.
func Video(id string) *Track { return NewTrack(id, types.KindVideo) }

// Audio creates a live audio track.
func Audio(id string) *Track { return NewTrack(id, types.KindAudio) }

func (t *Track) ID() string { return t.id }
func (t *Track) Kind() types.TrackKind { return t.kind }
func (t *Track) Done() <-chan struct{} { return t.done }
func (t *Track) String() string { return t.id }
func (t *Track) StopCalls() int { return int(t.stopCall.Load()) }

// Stop ends the track, like a user-requested stop of the capture.
func (t *Track) Stop() {
	t.stopCall.Add(1)
	t.End()
}

// End fires the ended signal without a stop request (device unplugged).
func (t *Track) End() {
	t.once.Do(func() { close(t.done) })
}

// Ended reports whether the ended signal fired.
func (t *Track) Ended() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// ErrAlreadyStarted is returned by Start on a running encoder.
var ErrAlreadyStarted = errors.New("encoder already started")

// Encoder emits a chunk every timeslice while started. Chunk payloads come from
// the payload function; Emit allows tests to deliver chunks by hand.
type Encoder struct {
	mu       sync.Mutex
	tracks   []media.Track
	mimeType string
	payload  func(seq int) []byte
	sink     media.Sink
	started  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	finished chan struct{}
	seq      int
	failErr  error
	final    bool
}

// Tracks returns the tracks the encoder composes.
func (e *Encoder) Tracks() []media.Track { return e.tracks }

// MimeType returns the requested container type.
func (e *Encoder) MimeType() string { return e.mimeType }

// Extension implements media.Encoder.
func (e *Encoder) Extension() string { return "webm" }

// Start implements media.Encoder.
func (e *Encoder) Start(timeslice time.Duration, sink media.Sink) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}
	if timeslice <= 0 {
		timeslice = media.DefaultTimeslice
	}
	e.sink = sink
	e.started = true
	go e.run(timeslice)
	return nil
}

func (e *Encoder) run(timeslice time.Duration) {
	defer close(e.finished)

	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			e.mu.Lock()
			failErr := e.failErr
			final := e.final
			e.mu.Unlock()
			// A stopped recorder delivers whatever it buffered since the last slice.
			if final && failErr == nil {
				e.emit()
			}
			e.sink.Finish(failErr)
			return
		case <-ticker.C:
			e.emit()
		}
	}
}

func (e *Encoder) emit() {
	e.mu.Lock()
	seq := e.seq
	e.seq++
	sink := e.sink
	e.mu.Unlock()

	if data := e.payload(seq); len(data) > 0 {
		sink.Submit(data)
	}
}

// Emit delivers one chunk right away, as if a timeslice elapsed.
func (e *Encoder) Emit() {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if started {
		e.emit()
	}
}

// Stop implements media.Encoder.
func (e *Encoder) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Fail stops the encoder with an error, like an encoder error event.
func (e *Encoder) Fail(err error) {
	e.mu.Lock()
	e.failErr = err
	e.mu.Unlock()
	e.Stop()
}

// Finished is closed once sink.Finish has been called.
func (e *Encoder) Finished() <-chan struct{} { return e.finished }

// Factory creates stub encoders and remembers them in creation order.
type Factory struct {
	// Payload generates chunk data; defaults to a fixed-size pattern.
	Payload func(seq int) []byte
	// StartErr, if set, makes NewEncoder fail for the returned tracks.
	StartErr func(tracks []media.Track) error
	// NoFinalChunk disables the extra chunk emitted on Stop.
	NoFinalChunk bool

	mu       sync.Mutex
	encoders []*Encoder
}

// NewEncoder implements media.EncoderFactory.
func (f *Factory) NewEncoder(tracks []media.Track, mimeType string) (media.Encoder, error) {
	if f.StartErr != nil {
		if err := f.StartErr(tracks); err != nil {
			return nil, err
		}
	}

	payload := f.Payload
	if payload == nil {
		payload = DefaultPayload
	}

	enc := &Encoder{
		tracks:   append([]media.Track(nil), tracks...),
		mimeType: mimeType,
		payload:  payload,
		stopCh:   make(chan struct{}),
		finished: make(chan struct{}),
		final:    !f.NoFinalChunk,
	}

	f.mu.Lock()
	f.encoders = append(f.encoders, enc)
	f.mu.Unlock()
	return enc, nil
}

// Encoders returns the encoders created so far.
func (f *Factory) Encoders() []*Encoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Encoder(nil), f.encoders...)
}

// DefaultPayload returns 1 KiB tagged with the sequence number.
func DefaultPayload(seq int) []byte {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(seq + i)
	}
	return data
}
