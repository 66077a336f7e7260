// Package api is the HTTP control surface of the recorder: WebRTC signalling,
// track selection, recording control, the local recording listing and the
// event stream that replaces the browser UI callbacks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dj-oyu/lecture-recorder/internal/logger"
	"github.com/dj-oyu/lecture-recorder/internal/media"
	"github.com/dj-oyu/lecture-recorder/internal/metrics"
	"github.com/dj-oyu/lecture-recorder/internal/recording"
	"github.com/dj-oyu/lecture-recorder/internal/storage"
	"github.com/dj-oyu/lecture-recorder/internal/tracks"
	"github.com/dj-oyu/lecture-recorder/internal/webrtc"
)

// maxBodyBytes bounds JSON and SDP request bodies.
const maxBodyBytes = 1 << 20

// OfferHandler answers WebRTC offers.
type OfferHandler interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
}

// Recorder is the recording lifecycle as seen by the API.
type Recorder interface {
	Start(ctx context.Context, opts recording.Options) (string, error)
	Stop() error
	Status() recording.Status
}

// Deps are the components served by the API. Offers and Metrics are optional.
type Deps struct {
	Registry *tracks.Registry
	Recorder Recorder
	Storage  *storage.Gateway
	Offers   OfferHandler
	Events   *Broadcaster
	Metrics  *metrics.Metrics
	// Defaults fill in a start request that leaves fields empty.
	Defaults recording.Options
}

// Server serves the control API.
type Server struct {
	deps    Deps
	started time.Time
}

// NewServer returns a configured control server.
func NewServer(deps Deps) *Server {
	if deps.Events == nil {
		deps.Events = NewBroadcaster()
	}
	return &Server{deps: deps, started: time.Now()}
}

// Events returns the broadcaster used for /api/recording/events.
func (s *Server) Events() *Broadcaster { return s.deps.Events }

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors)

	r.Post("/offer", s.handleOffer)
	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/tracks", s.handleTracks)
		r.Delete("/tracks/{id}", s.handleRemoveTrack)
		r.Put("/selection/main", s.handleSelect(s.deps.Registry.SelectMainDisplay))
		r.Put("/selection/overlay", s.handleSelect(s.deps.Registry.SelectOverlay))
		r.Post("/selection/main/toggle", s.handleToggle(s.deps.Registry.SelectMainDisplay))
		r.Post("/selection/overlay/toggle", s.handleToggle(s.deps.Registry.SelectOverlay))

		r.Post("/recording/start", s.handleRecordingStart)
		r.Post("/recording/stop", s.handleRecordingStop)
		r.Get("/recording/status", s.handleRecordingStatus)
		r.Get("/recording/events", s.handleEvents)

		r.Get("/recordings", s.handleRecordings)
		r.Get("/recordings/{name}/{file}", s.handleDownload)
		r.Delete("/recordings/{name}", s.handleDeleteRecording)
	})
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if s.deps.Offers == nil {
		writeError(w, http.StatusServiceUnavailable, "WebRTC capture is not enabled")
		return
	}
	offerJSON, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body")
		return
	}

	answerJSON, err := s.deps.Offers.HandleOffer(offerJSON)
	if err != nil {
		logger.Warn("HTTP", "WebRTC offer error: %v", err)
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, webrtc.ErrTooManyPeers):
			status = http.StatusTooManyRequests
		case strings.HasPrefix(err.Error(), "failed to parse offer"):
			status = http.StatusBadRequest
		}
		writeError(w, status, fmt.Sprintf("Failed to handle offer: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answerJSON)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"tracks":     len(snap.Display) + len(snap.Video) + len(snap.Audio),
		"phase":      s.deps.Recorder.Status().Phase,
		"sse_client": s.deps.Events.Clients(),
	})
}

// trackView is the JSON form of one track.
type trackView struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// tracksView is the JSON form of a registry snapshot.
type tracksView struct {
	Display     []trackView `json:"display"`
	Video       []trackView `json:"video"`
	Audio       []trackView `json:"audio"`
	MainDisplay string      `json:"main_display,omitempty"`
	Overlay     string      `json:"overlay,omitempty"`
}

func views(ts []media.Track) []trackView {
	out := make([]trackView, 0, len(ts))
	for _, t := range ts {
		out = append(out, trackView{ID: t.ID(), Kind: string(t.Kind())})
	}
	return out
}

func newTracksView(s tracks.Snapshot) tracksView {
	v := tracksView{
		Display: views(s.Display),
		Video:   views(s.Video),
		Audio:   views(s.Audio),
	}
	if s.MainDisplay != nil {
		v.MainDisplay = s.MainDisplay.ID()
	}
	if s.Overlay != nil {
		v.Overlay = s.Overlay.ID()
	}
	return v
}

func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newTracksView(s.deps.Registry.Snapshot()))
}

func (s *Server) handleRemoveTrack(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.Registry.RemoveTrackByID(id) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown track %q", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type selectionRequest struct {
	TrackID string `json:"track_id"`
}

// handleSelect sets the selection to the given track; an empty id clears it.
func (s *Server) handleSelect(apply func(tracks.Updater) error) http.HandlerFunc {
	return s.selection(apply, false)
}

// handleToggle selects the given track, or clears the selection if that track
// is already selected.
func (s *Server) handleToggle(apply func(tracks.Updater) error) http.HandlerFunc {
	return s.selection(apply, true)
}

func (s *Server) selection(apply func(tracks.Updater) error, toggle bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req selectionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if toggle && req.TrackID == "" {
			writeError(w, http.StatusBadRequest, "track_id is required")
			return
		}

		updater := tracks.Clear()
		if req.TrackID != "" {
			t, _, ok := s.deps.Registry.Snapshot().Find(req.TrackID)
			if !ok {
				writeError(w, http.StatusNotFound, fmt.Sprintf("unknown track %q", req.TrackID))
				return
			}
			updater = tracks.Set(t)
			if toggle {
				updater = tracks.Toggle(t)
			}
		}
		if err := apply(updater); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, tracks.ErrUnknownTrack) {
				status = http.StatusUnprocessableEntity
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, newTracksView(s.deps.Registry.Snapshot()))
	}
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	var opts recording.Options
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &opts); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if opts.Title == "" {
		opts.Title = s.deps.Defaults.Title
	}
	if opts.Recipient == "" {
		opts.Recipient = s.deps.Defaults.Recipient
	}

	// The recording outlives the request.
	name, err := s.deps.Recorder.Start(context.WithoutCancel(r.Context()), opts)
	switch {
	case errors.Is(err, recording.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, recording.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start recording: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": name != "",
		"name":    name,
		"status":  s.deps.Recorder.Status(),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Recorder.Stop(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recording.ErrNotRecording) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"status":  s.deps.Recorder.Status(),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Recorder.Status())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.deps.Events.Subscribe()
	defer s.deps.Events.Unsubscribe(id)
	streamEvents(w, r, eventCh, wantsProtobuf(r))
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Storage.State(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name, file := chi.URLParam(r, "name"), chi.URLParam(r, "file")
	f, err := s.deps.Storage.Open(name, file)
	if err != nil {
		writeError(w, storageStatus(err), err.Error())
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+"_"+path.Base(file)))
	http.ServeContent(w, r, file, info.ModTime(), f)
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Storage.DeleteRecording(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, storageStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func storageStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInUse):
		return http.StatusConflict
	case errors.Is(err, storage.ErrInvalidName):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Debug("HTTP", "Writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
