package api

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/lecture-recorder/internal/media/stub"
	"github.com/dj-oyu/lecture-recorder/internal/metrics"
	"github.com/dj-oyu/lecture-recorder/internal/recording"
	"github.com/dj-oyu/lecture-recorder/internal/storage"
	"github.com/dj-oyu/lecture-recorder/internal/tracks"
	"github.com/dj-oyu/lecture-recorder/internal/upload"
	"github.com/dj-oyu/lecture-recorder/internal/webrtc"
)

type fakeOffers struct {
	answer []byte
	err    error
}

func (f fakeOffers) HandleOffer([]byte) ([]byte, error) { return f.answer, f.err }

type captureNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureNotifier) Success(msg string) { c.add("ok: " + msg) }
func (c *captureNotifier) Error(msg string) { c.add("error: " + msg) }
func (c *captureNotifier) add(msg string) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

type testEnv struct {
	registry *tracks.Registry
	store    *storage.Gateway
	ctrl     *recording.Controller
	events   *Broadcaster
	srv      *httptest.Server
}

func newTestEnv(t *testing.T, offers OfferHandler) *testEnv {
	t.Helper()
	events := NewBroadcaster()
	e := &testEnv{
		registry: tracks.NewRegistry(tracks.WithOnChange(events.TracksChanged)),
		events:   events,
	}
	var err error
	e.store, err = storage.New(t.TempDir())
	require.NoError(t, err)

	e.ctrl = recording.New(e.registry, e.store, &stub.Factory{}, upload.NewClient(),
		recording.Config{Timeslice: 10 * time.Millisecond},
		recording.WithHooks(events.Hooks()),
	)
	s := NewServer(Deps{
		Registry: e.registry,
		Recorder: e.ctrl,
		Storage:  e.store,
		Offers:   offers,
		Events:   events,
		Metrics:  metrics.New(),
		Defaults: recording.Options{Title: "Lecture"},
	})
	e.srv = httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		events.Close()
		e.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, e.ctrl.Close(ctx))
		e.registry.Close()
	})
	return e
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestTracksAndSelection(t *testing.T) {
	e := newTestEnv(t, nil)
	display, camera, mic := stub.Video("display-1"), stub.Video("camera-1"), stub.Audio("mic-1")
	e.registry.AddDisplayTracks(display)
	e.registry.AddVideoTracks(camera)
	e.registry.AddAudioTracks(mic)

	resp, body := e.do(t, http.MethodGet, "/api/tracks", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view tracksView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, []trackView{{ID: "display-1", Kind: "video"}}, view.Display)
	assert.Equal(t, []trackView{{ID: "mic-1", Kind: "audio"}}, view.Audio)

	resp, body = e.do(t, http.MethodPut, "/api/selection/overlay", `{"track_id":"camera-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var selected tracksView
	require.NoError(t, json.Unmarshal(body, &selected))
	assert.Equal(t, "camera-1", selected.Overlay)

	resp, _ = e.do(t, http.MethodPut, "/api/selection/main", `{"track_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPut, "/api/selection/main", `{"track_id":"mic-1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPut, "/api/selection/main", `{"bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodPut, "/api/selection/overlay", `{"track_id":""}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cleared tracksView
	require.NoError(t, json.Unmarshal(body, &cleared))
	assert.Empty(t, cleared.Overlay)
	assert.Nil(t, e.registry.Snapshot().Overlay)

	resp, _ = e.do(t, http.MethodDelete, "/api/tracks/camera-1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = e.do(t, http.MethodDelete, "/api/tracks/camera-1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestToggleSelection(t *testing.T) {
	e := newTestEnv(t, nil)
	e.registry.AddDisplayTracks(stub.Video("display-1"), stub.Video("display-2"))

	toggle := func(track string) tracksView {
		t.Helper()
		resp, body := e.do(t, http.MethodPost, "/api/selection/main/toggle", `{"track_id":"`+track+`"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var v tracksView
		require.NoError(t, json.Unmarshal(body, &v))
		return v
	}

	assert.Equal(t, "display-2", toggle("display-2").MainDisplay)
	assert.Equal(t, "display-1", toggle("display-1").MainDisplay)
	assert.Empty(t, toggle("display-1").MainDisplay)
	assert.Nil(t, e.registry.Snapshot().MainDisplay)

	resp, _ := e.do(t, http.MethodPost, "/api/selection/overlay/toggle", `{"track_id":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/selection/overlay/toggle", `{"track_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecordingLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)
	e.registry.AddDisplayTracks(stub.Video("display-1"))
	e.registry.AddAudioTracks(stub.Audio("mic-1"))

	resp, body := e.do(t, http.MethodPost, "/api/recording/start", `{"title":"Algebra I"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var started struct {
		Success bool   `json:"success"`
		Name    string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(body, &started))
	assert.True(t, started.Success)
	assert.True(t, strings.HasPrefix(started.Name, "AlgebraI_"), started.Name)

	resp, _ = e.do(t, http.MethodPost, "/api/recording/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/recording/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status recording.Status
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, recording.Recording, status.Phase)
	assert.Equal(t, started.Name, status.Name)

	require.Eventually(t, func() bool {
		st := e.ctrl.Status()
		return len(st.Jobs) == 1 && st.Jobs[0].Bytes > 0
	}, 2*time.Second, 10*time.Millisecond)

	resp, _ = e.do(t, http.MethodPost, "/api/recording/stop", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.ctrl.Wait(ctx))

	resp, _ = e.do(t, http.MethodPost, "/api/recording/stop", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/recordings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state storage.State
	require.NoError(t, json.Unmarshal(body, &state))
	require.Len(t, state.Recordings, 1)
	assert.Equal(t, started.Name, state.Recordings[0].Name)
	require.Len(t, state.Recordings[0].Files, 1)
	file := state.Recordings[0].Files[0]
	assert.Equal(t, "stream.webm", file.Name)
	assert.Positive(t, state.Usage)

	resp, body = e.do(t, http.MethodGet, "/api/recordings/"+started.Name+"/stream.webm", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, file.Size)
	assert.Len(t, body, int(*file.Size))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")

	resp, _ = e.do(t, http.MethodGet, "/api/recordings/"+started.Name+"/missing.webm", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodDelete, "/api/recordings/"+started.Name, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = e.do(t, http.MethodDelete, "/api/recordings/"+started.Name, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartWithoutTracksIsNoOp(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, body := e.do(t, http.MethodPost, "/api/recording/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"success":false`)
	assert.Equal(t, recording.Idle, e.ctrl.Phase())
}

func TestStartAfterShutdown(t *testing.T) {
	e := newTestEnv(t, nil)
	e.registry.AddDisplayTracks(stub.Video("display-1"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.ctrl.Close(ctx))

	resp, _ := e.do(t, http.MethodPost, "/api/recording/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOfferRouting(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, _ := e.do(t, http.MethodPost, "/offer", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	e = newTestEnv(t, fakeOffers{err: fmt.Errorf("%w (4)", webrtc.ErrTooManyPeers)})
	resp, _ = e.do(t, http.MethodPost, "/offer", `{"type":"offer","sdp":"v=0"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	e = newTestEnv(t, fakeOffers{err: errors.New("failed to parse offer: bad")})
	resp, _ = e.do(t, http.MethodPost, "/offer", `x`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	e = newTestEnv(t, fakeOffers{answer: []byte(`{"type":"answer","sdp":"v=0"}`)})
	resp, body := e.do(t, http.MethodPost, "/offer", `{"type":"offer","sdp":"v=0"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"type":"answer","sdp":"v=0"}`, string(body))
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, body := e.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"phase":"idle"`)

	resp, body = e.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "recorder_")
}

func subscribe(t *testing.T, e *testEnv, accept string) *bufio.Reader {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/recording/events", nil)
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return e.events.Clients() > 0 }, time.Second, 5*time.Millisecond)
	return bufio.NewReader(resp.Body)
}

// nextEvent reads one SSE event and returns its type and data.
func nextEvent(t *testing.T, rd *bufio.Reader) (string, string) {
	t.Helper()
	var typ, data string
	for {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			return typ, data
		}
	}
}

func TestEventStreamJSON(t *testing.T) {
	e := newTestEnv(t, nil)
	rd := subscribe(t, e, "")

	e.registry.AddDisplayTracks(stub.Video("display-1"))

	typ, data := nextEvent(t, rd)
	assert.Equal(t, EventTracks, typ)
	var env struct {
		Type string     `json:"type"`
		Data tracksView `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &env))
	assert.Equal(t, EventTracks, env.Type)
	assert.Equal(t, "display-1", env.Data.Display[0].ID)
}

func TestEventStreamProtobuf(t *testing.T) {
	e := newTestEnv(t, nil)
	rd := subscribe(t, e, "application/protobuf")

	NewNotifier(e.events, nil).Error("Failed to upload stream chunk 3: boom")

	typ, data := nextEvent(t, rd)
	assert.Equal(t, EventNotification, typ)
	raw, err := base64.StdEncoding.DecodeString(data)
	require.NoError(t, err)
	var st structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &st))
	m := st.AsMap()
	assert.Equal(t, EventNotification, m["type"])
	payload := m["data"].(map[string]any)
	assert.Equal(t, "error", payload["level"])
	assert.Equal(t, "Failed to upload stream chunk 3: boom", payload["message"])
}

func TestNotifierForwards(t *testing.T) {
	next := &captureNotifier{}
	n := NewNotifier(NewBroadcaster(), next)
	n.Success("done")
	n.Error("failed")
	assert.Equal(t, []string{"ok: done", "error: failed"}, next.msgs)
}
