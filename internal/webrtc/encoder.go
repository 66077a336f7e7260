package webrtc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/dj-oyu/lecture-recorder/internal/logger"
	"github.com/dj-oyu/lecture-recorder/internal/media"
)

// Extension is the file extension of the rtpdump streams written by Encoder.
const Extension = "rtpdump"

const (
	rtpdumpMagic      = "#!rtpplay1.0 0.0.0.0/0\n"
	rtpdumpHeaderSize = 16
	rtpdumpFrameSize  = 8
)

// ErrAlreadyStarted is returned by Start on a running encoder.
var ErrAlreadyStarted = errors.New("encoder already started")

// EncoderFactory creates encoders for tracks published over WebRTC.
type EncoderFactory struct {
	now func() time.Time
}

// NewEncoderFactory returns a factory stamping packets with the wall clock.
func NewEncoderFactory() *EncoderFactory {
	return &EncoderFactory{now: time.Now}
}

// NewEncoder implements media.EncoderFactory. Every track must come from this
// package.
func (f *EncoderFactory) NewEncoder(tracks []media.Track, mimeType string) (media.Encoder, error) {
	if len(tracks) == 0 {
		return nil, errors.New("no tracks to encode")
	}
	sources := make([]*Track, 0, len(tracks))
	for _, t := range tracks {
		rt, ok := t.(*Track)
		if !ok {
			return nil, fmt.Errorf("track %s was not published over WebRTC", t.ID())
		}
		sources = append(sources, rt)
	}
	now := f.now
	if now == nil {
		now = time.Now
	}
	return &Encoder{
		tracks:   sources,
		mimeType: mimeType,
		now:      now,
		stopCh:   make(chan struct{}),
		finished: make(chan struct{}),
	}, nil
}

// Encoder multiplexes the RTP packets of its tracks into one rtpdump stream
// and hands the bytes buffered during each timeslice to the sink. It stops
// on its own once every track has ended.
type Encoder struct {
	tracks   []*Track
	mimeType string
	now      func() time.Time

	mu      sync.Mutex
	started bool
	start   time.Time
	header  bool
	buf     []byte
	packets uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	finished chan struct{}
	cancels  []func()
	wg       sync.WaitGroup
}

// Extension implements media.Encoder.
func (e *Encoder) Extension() string { return Extension }

// MimeType returns the container type the job asked for.
func (e *Encoder) MimeType() string { return e.mimeType }

// Finished is closed once sink.Finish has been called.
func (e *Encoder) Finished() <-chan struct{} { return e.finished }

// Packets returns the number of packets written so far.
func (e *Encoder) Packets() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.packets
}

// Start implements media.Encoder.
func (e *Encoder) Start(timeslice time.Duration, sink media.Sink) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	if timeslice <= 0 {
		timeslice = media.DefaultTimeslice
	}
	e.started = true
	e.start = e.now()
	for _, t := range e.tracks {
		ch, cancel := t.subscribe()
		e.cancels = append(e.cancels, cancel)
		e.wg.Add(1)
		go e.consume(ch)
	}
	e.mu.Unlock()

	go func() {
		e.wg.Wait()
		e.Stop()
	}()
	go e.run(timeslice, sink)
	return nil
}

// Stop implements media.Encoder.
func (e *Encoder) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *Encoder) consume(ch <-chan *rtp.Packet) {
	defer e.wg.Done()
	for pkt := range ch {
		e.append(pkt)
	}
}

func (e *Encoder) run(timeslice time.Duration, sink media.Sink) {
	defer close(e.finished)

	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			for _, cancel := range e.cancels {
				cancel()
			}
			e.wg.Wait()
			e.flush(sink)
			logger.Debug("WebRTC", "Encoder for %d track(s) stopped after %d packets", len(e.tracks), e.Packets())
			sink.Finish(nil)
			return
		case <-ticker.C:
			e.flush(sink)
		}
	}
}

func (e *Encoder) flush(sink media.Sink) {
	e.mu.Lock()
	data := e.buf
	e.buf = nil
	e.mu.Unlock()

	if len(data) > 0 {
		sink.Submit(data)
	}
}

func (e *Encoder) append(pkt *rtp.Packet) {
	raw, err := pkt.Marshal()
	if err != nil {
		logger.Warn("WebRTC", "Dropping unmarshalable RTP packet: %v", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.header {
		e.buf = appendFileHeader(e.buf, e.start)
		e.header = true
	}
	offset := e.now().Sub(e.start)
	e.buf = appendFrame(e.buf, raw, offset)
	e.packets++
}

// appendFileHeader writes the rtpdump preamble: the text line followed by the
// recording start time, source address and port.
func appendFileHeader(dst []byte, start time.Time) []byte {
	dst = append(dst, rtpdumpMagic...)
	var hdr [rtpdumpHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(start.Unix()))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(start.Nanosecond()/1000))
	return append(dst, hdr[:]...)
}

// appendFrame writes one packet record: total length, packet length and the
// offset from the start in milliseconds.
func appendFrame(dst, packet []byte, offset time.Duration) []byte {
	var hdr [rtpdumpFrameSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(len(packet)+rtpdumpFrameSize))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(packet)))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(offset.Milliseconds()))
	dst = append(dst, hdr[:]...)
	return append(dst, packet...)
}
