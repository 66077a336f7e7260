package webrtc

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/dj-oyu/lecture-recorder/internal/logger"
	"github.com/dj-oyu/lecture-recorder/pkg/types"
)

// subscriberBuffer is the number of packets queued per encoder before drops.
const subscriberBuffer = 256

// Track is a media.Track fed by a remote RTP stream. It owns the read loop and
// fans every packet out to the subscribed encoders.
type Track struct {
	id    string
	kind  types.TrackKind
	codec string
	read  func() (*rtp.Packet, error)
	stop  func()

	mu      sync.Mutex
	subs    map[int]chan *rtp.Packet
	nextSub int
	ended   bool

	done     chan struct{}
	stopOnce sync.Once

	packetsRead    atomic.Uint64
	packetsDropped atomic.Uint64
}

// newTrack creates a track reading packets with read until it fails. stop is
// called once when the track is asked to end and must make read return.
func newTrack(id string, kind types.TrackKind, codec string, read func() (*rtp.Packet, error), stop func()) *Track {
	return &Track{
		id:    id,
		kind:  kind,
		codec: codec,
		read:  read,
		stop:  stop,
		subs:  make(map[int]chan *rtp.Packet),
		done:  make(chan struct{}),
	}
}

func (t *Track) ID() string { return t.id }
func (t *Track) Kind() types.TrackKind { return t.kind }
func (t *Track) Done() <-chan struct{} { return t.done }
func (t *Track) Codec() string { return t.codec }
func (t *Track) String() string { return t.id }
func (t *Track) PacketsRead() uint64 { return t.packetsRead.Load() }
func (t *Track) PacketsDropped() uint64 { return t.packetsDropped.Load() }

// Stop asks the remote side to end. Done is closed once the read loop exits.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		if t.stop != nil {
			go t.stop()
		}
	})
}

func (t *Track) run() {
	defer t.end()
	for {
		pkt, err := t.read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("WebRTC", "Track %s read ended: %v", t.id, err)
			}
			return
		}
		t.packetsRead.Add(1)
		t.broadcast(pkt)
	}
}

func (t *Track) broadcast(pkt *rtp.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ch := range t.subs {
		select {
		case ch <- pkt:
		default:
			// Encoder too slow, drop the packet for it
			t.packetsDropped.Add(1)
		}
	}
}

func (t *Track) end() {
	t.mu.Lock()
	t.ended = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	t.mu.Unlock()
	close(t.done)
	logger.Info("WebRTC", "Track %s ended (packets: %d, dropped: %d)",
		t.id, t.packetsRead.Load(), t.packetsDropped.Load())
}

// subscribe registers a packet consumer. The channel is closed when the track
// ends or the returned cancel function is called.
func (t *Track) subscribe() (<-chan *rtp.Packet, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan *rtp.Packet, subscriberBuffer)
	if t.ended {
		close(ch)
		return ch, func() {}
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			close(c)
			delete(t.subs, id)
		}
	}
}
