package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/lecture-recorder/internal/logger"
	"github.com/dj-oyu/lecture-recorder/internal/recording"
	"github.com/dj-oyu/lecture-recorder/internal/tracks"
	"github.com/dj-oyu/lecture-recorder/internal/upload"
)

// Event types sent on /api/recording/events.
const (
	EventTracks       = "tracks"
	EventStarting     = "recording_starting"
	EventStarted      = "recording_started"
	EventChunkWritten = "chunk_written"
	EventFinished     = "recording_finished"
	EventWarning      = "warning"
	EventNotification = "notification"
)

// keepaliveInterval is the idle time after which SSE clients get a comment.
const keepaliveInterval = 30 * time.Second

// SerializedEvent carries an event in both wire formats.
type SerializedEvent struct {
	Type         string
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Pre-serialized google.protobuf.Struct, base64 encoded for SSE
}

// Broadcaster fans events out to SSE clients. Slow clients miss events
// instead of blocking the publisher.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	now     func() time.Time
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[int]chan *SerializedEvent),
		now:     time.Now,
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (b *Broadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, 32)
	b.clients[id] = ch

	logger.Debug("Events", "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		logger.Debug("Events", "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// Clients returns the number of subscribed clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// Publish serializes payload once and sends it to every client.
func (b *Broadcaster) Publish(eventType string, payload any) {
	event, err := b.serialize(eventType, payload)
	if err != nil {
		logger.Error("Events", "Serializing %s event: %v", eventType, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.clients {
		select {
		case ch <- event:
		default:
			logger.Debug("Events", "Client #%d too slow, dropped %s event", id, eventType)
		}
	}
}

func (b *Broadcaster) serialize(eventType string, payload any) (*SerializedEvent, error) {
	envelope := map[string]any{
		"type":      eventType,
		"data":      payload,
		"timestamp": float64(b.now().UnixMilli()) / 1000,
	}
	jsonData, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	// structpb only takes JSON-shaped values, so go through the JSON form
	var generic map[string]any
	if err := json.Unmarshal(jsonData, &generic); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}

	return &SerializedEvent{
		Type:         eventType,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// Hooks returns recording hooks publishing lifecycle events.
func (b *Broadcaster) Hooks() recording.Hooks {
	return recording.Hooks{
		OnStarting: func(name string) {
			b.Publish(EventStarting, map[string]any{"name": name})
		},
		OnStarted: func(name string, _ func()) {
			b.Publish(EventStarted, map[string]any{"name": name})
		},
		OnChunkWritten: func(name, file string, size int64) {
			b.Publish(EventChunkWritten, map[string]any{"name": name, "file": file, "size": size})
		},
		OnFinished: func(name string) {
			b.Publish(EventFinished, map[string]any{"name": name})
		},
		OnWarning: func(msg string) {
			b.Publish(EventWarning, map[string]any{"message": msg})
		},
	}
}

// TracksChanged publishes a registry snapshot. It fits tracks.WithOnChange.
func (b *Broadcaster) TracksChanged(s tracks.Snapshot) {
	b.Publish(EventTracks, newTracksView(s))
}

// Notifier publishes upload outcomes as notifications and forwards them to next.
type Notifier struct {
	events *Broadcaster
	next   upload.Notifier
}

// NewNotifier wraps next (may be nil).
func NewNotifier(events *Broadcaster, next upload.Notifier) *Notifier {
	return &Notifier{events: events, next: next}
}

func (n *Notifier) Success(msg string) {
	n.events.Publish(EventNotification, map[string]any{"level": "success", "message": msg})
	if n.next != nil {
		n.next.Success(msg)
	}
}

func (n *Notifier) Error(msg string) {
	n.events.Publish(EventNotification, map[string]any{"level": "error", "message": msg})
	if n.next != nil {
		n.next.Error(msg)
	}
}

// wantsProtobuf reports whether the client negotiated protobuf events.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return containsAny(accept, "application/protobuf", "application/x-protobuf")
}

// streamEvents writes events from eventCh as SSE until the client goes away
// or the channel is closed.
func streamEvents(w http.ResponseWriter, r *http.Request, eventCh <-chan *SerializedEvent, useProtobuf bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, ok := <-eventCh:
			if !ok {
				return
			}
			data := event.JSONData
			if useProtobuf {
				data = event.ProtobufData
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()

		case <-keepalive.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
