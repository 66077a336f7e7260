// Package webrtc accepts the tracks the capture page publishes over WebRTC and
// hands them to the track registry as media tracks.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/lecture-recorder/internal/logger"
	"github.com/dj-oyu/lecture-recorder/internal/media"
	"github.com/dj-oyu/lecture-recorder/internal/metrics"
	"github.com/dj-oyu/lecture-recorder/pkg/types"
)

// ErrTooManyPeers is returned by HandleOffer when the peer limit is reached.
var ErrTooManyPeers = errors.New("maximum number of peers reached")

// gatherTimeout bounds ICE candidate gathering for one offer.
const gatherTimeout = 10 * time.Second

// Registrar receives the tracks of new peers.
type Registrar interface {
	Add(category types.TrackCategory, tracks ...media.Track)
}

// Peer is one connected capture page
type Peer struct {
	id        string
	pc        *webrtc.PeerConnection
	createdAt time.Time

	mu     sync.Mutex
	tracks []*Track
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Tracks    []string  `json:"tracks"`
}

// Server manages publishing peer connections
type Server struct {
	peers     map[string]*Peer
	peersMu   sync.RWMutex
	config    webrtc.Configuration
	maxPeers  int
	api       *webrtc.API
	registrar Registrar
	metrics   *metrics.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics counts peers in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a server registering published tracks with registrar.
func NewServer(stunServers []string, maxPeers int, registrar Registrar, opts ...Option) (*Server, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{url},
		})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	// VP8/VP9/H.264 and Opus, whatever the browser offers
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingsEngine),
		webrtc.WithMediaEngine(mediaEngine),
	)

	s := &Server{
		peers: make(map[string]*Peer),
		config: webrtc.Configuration{
			ICEServers: iceServers,
		},
		maxPeers:  maxPeers,
		api:       api,
		registrar: registrar,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HandleOffer accepts an offer from a capture page and returns the answer
// with all ICE candidates included.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, errors.New("failed to parse offer: not an SDP offer")
	}

	if s.PeerCount() >= s.maxPeers {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyPeers, s.maxPeers)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	peer := &Peer{
		id:        uuid.NewString(),
		pc:        peerConn,
		createdAt: time.Now(),
	}

	// Registered before negotiation so that a connection failing at any
	// point releases its slot through RemovePeer.
	s.peersMu.Lock()
	if len(s.peers) >= s.maxPeers {
		s.peersMu.Unlock()
		_ = peerConn.Close()
		return nil, fmt.Errorf("%w (%d)", ErrTooManyPeers, s.maxPeers)
	}
	s.peers[peer.id] = peer
	s.peersMu.Unlock()
	if s.metrics != nil {
		s.metrics.ActivePeers.Add(1)
		s.metrics.TotalPeers.Add(1)
	}
	fail := func(err error) ([]byte, error) {
		s.RemovePeer(peer.id)
		return nil, err
	}

	peerConn.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.acceptTrack(peer, remote, receiver)
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Peer %s connection state: %s", peer.id, state.String())

		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			logger.Info("WebRTC", "Peer %s connection lost (%s), removing...", peer.id, state.String())
			s.RemovePeer(peer.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("failed to set remote description: %w", err))
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create answer: %w", err))
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)

	if err := peerConn.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("failed to set local description: %w", err))
	}

	select {
	case <-gatherComplete:
	case <-time.After(gatherTimeout):
		return fail(fmt.Errorf("ICE gathering did not complete within %s", gatherTimeout))
	}
	logger.Debug("WebRTC", "ICE gathering complete for peer %s", peer.id)

	if !s.hasPeer(peer.id) {
		return nil, fmt.Errorf("peer %s closed during ICE gathering", peer.id)
	}

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		return fail(errors.New("no local description available"))
	}

	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		return fail(fmt.Errorf("failed to marshal answer: %w", err))
	}

	logger.Info("WebRTC", "Peer %s connected", peer.id)
	return answerJSON, nil
}

func (s *Server) hasPeer(id string) bool {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	_, ok := s.peers[id]
	return ok
}

func (s *Server) acceptTrack(peer *Peer, remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := types.KindVideo
	if remote.Kind() == webrtc.RTPCodecTypeAudio {
		kind = types.KindAudio
	}
	category := Category(remote.StreamID(), kind)

	t := newTrack(
		fmt.Sprintf("%s-%s", peer.id[:8], remote.ID()),
		kind,
		remote.Codec().MimeType,
		func() (*rtp.Packet, error) {
			pkt, _, err := remote.ReadRTP()
			return pkt, err
		},
		func() {
			if err := receiver.Stop(); err != nil {
				logger.Debug("WebRTC", "Stopping receiver of track %s: %v", remote.ID(), err)
			}
		},
	)

	// Drain RTCP so interceptors keep running
	go func() {
		for {
			if _, _, err := receiver.ReadRTCP(); err != nil {
				return
			}
		}
	}()
	go t.run()

	peer.mu.Lock()
	peer.tracks = append(peer.tracks, t)
	peer.mu.Unlock()

	logger.Info("WebRTC", "Peer %s published %s track %s (%s, stream %q)",
		peer.id, category, t.ID(), t.Codec(), remote.StreamID())
	if s.registrar != nil {
		s.registrar.Add(category, t)
	}
}

// Category derives the registry collection from the stream id the capture
// page assigns ("display-1", "camera-1", "mic-1"). Unlabelled streams fall
// back to the track kind.
func Category(streamID string, kind types.TrackKind) types.TrackCategory {
	// A display stream may carry the tab audio
	if kind == types.KindAudio {
		return types.CategoryAudio
	}
	label := streamID
	if i := strings.IndexAny(label, "-:_"); i >= 0 {
		label = label[:i]
	}
	if c, ok := types.ParseTrackCategory(strings.ToLower(label)); ok && c != types.CategoryAudio {
		return c
	}
	return types.CategoryVideo
}

// RemovePeer closes a peer connection. Its tracks end once their read loops
// observe the closed connection.
func (s *Server) RemovePeer(peerID string) {
	s.peersMu.Lock()
	peer, exists := s.peers[peerID]
	if exists {
		delete(s.peers, peerID)
	}
	s.peersMu.Unlock()
	if !exists {
		return
	}

	if err := peer.pc.Close(); err != nil {
		logger.Debug("WebRTC", "Closing peer %s: %v", peerID, err)
	}
	if s.metrics != nil {
		s.metrics.ActivePeers.Add(^uint64(0))
	}

	peer.mu.Lock()
	n := len(peer.tracks)
	peer.mu.Unlock()
	logger.Info("WebRTC", "Peer %s disconnected (%d tracks)", peerID, n)
}

// PeerCount returns the number of connected peers
func (s *Server) PeerCount() int {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return len(s.peers)
}

// Peers returns a description of every connected peer.
func (s *Server) Peers() []PeerInfo {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()

	infos := make([]PeerInfo, 0, len(s.peers))
	for id, p := range s.peers {
		p.mu.Lock()
		ids := make([]string, 0, len(p.tracks))
		for _, t := range p.tracks {
			ids = append(ids, t.ID())
		}
		p.mu.Unlock()
		infos = append(infos, PeerInfo{ID: id, CreatedAt: p.createdAt, Tracks: ids})
	}
	return infos
}

// Close closes all peer connections
func (s *Server) Close() error {
	s.peersMu.RLock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.peersMu.RUnlock()

	for _, id := range ids {
		s.RemovePeer(id)
	}
	return nil
}
