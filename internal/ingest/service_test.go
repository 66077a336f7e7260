package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/lecture-recorder/internal/metrics"
	"github.com/dj-oyu/lecture-recorder/internal/upload"
)

type fixture struct {
	svc       *Service
	srv       *httptest.Server
	dir       string
	metrics   *metrics.Metrics
	manifests chan Manifest
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{DestDir: dir, ChunkDigits: 4, MaxChunkBytes: 1 << 20}
	if mutate != nil {
		mutate(&cfg)
	}
	m := metrics.New()
	svc, err := New(cfg, m)
	require.NoError(t, err)

	f := &fixture{svc: svc, dir: dir, metrics: m, manifests: make(chan Manifest, 8)}
	svc.OnManifest = func(m Manifest) { f.manifests <- m }
	svc.Start(context.Background())
	f.srv = httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		f.srv.Close()
		svc.Close()
	})
	return f
}

func chunkBody(t *testing.T, fields map[string]string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if data != nil {
		part, err := w.CreateFormFile("chunk", "blob")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func (f *fixture) postChunk(t *testing.T, fields map[string]string, data []byte) *http.Response {
	t.Helper()
	body, ct := chunkBody(t, fields, data)
	resp, err := http.Post(f.srv.URL+"/api/chunks", ct, body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) postJob(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/api/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) manifest(t *testing.T) Manifest {
	t.Helper()
	select {
	case m := <-f.manifests:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no job finished")
		return Manifest{}
	}
}

func TestChunkStored(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.postChunk(t, map[string]string{"recording": "rec_1", "track": "stream", "index": "7"}, []byte("hello"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out chunkResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "chunk.0007", out.Filename)
	assert.Equal(t, int64(5), out.Bytes)

	data, err := os.ReadFile(filepath.Join(f.dir, "rec_1", "stream", "chunk.0007"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, uint64(1), f.metrics.IngestChunks.Load())
}

func TestChunkValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		fields map[string]string
		data   []byte
	}{
		{"unsafe recording", map[string]string{"recording": "../x", "track": "stream", "index": "0"}, []byte("x")},
		{"parent recording", map[string]string{"recording": "..", "track": "stream", "index": "0"}, []byte("x")},
		{"current recording", map[string]string{"recording": ".", "track": "stream", "index": "0"}, []byte("x")},
		{"parent track", map[string]string{"recording": "r", "track": "..", "index": "0"}, []byte("x")},
		{"current track", map[string]string{"recording": "r", "track": ".", "index": "0"}, []byte("x")},
		{"missing track", map[string]string{"recording": "r", "index": "0"}, []byte("x")},
		{"non-numeric index", map[string]string{"recording": "r", "track": "stream", "index": "-1"}, []byte("x")},
		{"index too large", map[string]string{"recording": "r", "track": "stream", "index": "10000"}, []byte("x")},
		{"no chunk", map[string]string{"recording": "r", "track": "stream", "index": "0"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.postChunk(t, tt.fields, tt.data)
			assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		})
	}
	assert.Equal(t, uint64(len(tests)), f.metrics.IngestRejected.Load())
	_, err := os.Stat(filepath.Join(f.dir, "r"))
	assert.True(t, os.IsNotExist(err), "rejected chunks leave no directories behind")
	for _, p := range []string{
		filepath.Join(f.dir, ChunkPrefix+"0000"),
		filepath.Join(filepath.Dir(f.dir), "stream"),
	} {
		_, err = os.Stat(p)
		assert.True(t, os.IsNotExist(err), "%s must not exist", p)
	}
}

func TestJobValidation(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusBadRequest, f.postJob(t, `not json`).StatusCode)
	assert.Equal(t, http.StatusUnprocessableEntity, f.postJob(t, `{"recording":"a/b"}`).StatusCode)
	assert.Equal(t, http.StatusUnprocessableEntity, f.postJob(t, `{"recording":".."}`).StatusCode)
	assert.Equal(t, http.StatusUnprocessableEntity, f.postJob(t, `{"recording":"."}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.postJob(t, `{"recording":"missing"}`).StatusCode)
}

func TestJobAssemblesTracks(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AllowedDomains = []string{"example.com"} })

	for i, part := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"} {
		resp := f.postChunk(t, map[string]string{"recording": "lec", "track": "stream", "index": strconv.Itoa(i)}, []byte(part))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp := f.postChunk(t, map[string]string{"recording": "lec", "track": "audio-0", "index": "0"}, []byte("mic"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.postJob(t, `{"recording":"lec","recipient":"Prof <prof@Dept.Example.COM>"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var job Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "prof@dept.example.com", job.Recipient)

	m := f.manifest(t)
	assert.Equal(t, ReasonSuccess, m.Result)
	assert.Equal(t, job.ID, m.ID)
	require.Len(t, m.Tracks, 2)
	assert.Equal(t, "audio-0", m.Tracks[0].Name)
	assert.Equal(t, 11, m.Tracks[1].Chunks)

	data, err := os.ReadFile(filepath.Join(f.dir, "lec", "stream.webm"))
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijk", string(data), "chunk 10 follows chunk 9")

	onDisk, err := ReadManifest(f.dir, "lec")
	require.NoError(t, err)
	assert.Equal(t, m.ID, onDisk.ID)
	assert.Equal(t, ReasonSuccess, onDisk.Result)
}

func TestJobWithoutMainStream(t *testing.T) {
	f := newFixture(t, nil)

	resp := f.postChunk(t, map[string]string{"recording": "lec", "track": "overlay", "index": "0"}, []byte("x"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, http.StatusAccepted, f.postJob(t, `{"recording":"lec"}`).StatusCode)

	m := f.manifest(t)
	assert.Equal(t, ReasonMainStreamMissing, m.Result)
	assert.Empty(t, m.Tracks)
	_, err := os.Stat(filepath.Join(f.dir, "lec", "overlay.webm"))
	assert.True(t, os.IsNotExist(err))
}

func TestDisallowedRecipientIsDropped(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.AllowedDomains = []string{"example.com"} })
	require.NoError(t, os.MkdirAll(filepath.Join(f.dir, "lec"), 0o755))

	resp := f.postJob(t, `{"recording":"lec","recipient":"someone@elsewhere.org"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var job Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	assert.Empty(t, job.Recipient)
	assert.Equal(t, ReasonMainStreamMissing, f.manifest(t).Result)
}

func TestChunkRateLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.RateLimit = 2 })

	fields := map[string]string{"recording": "r", "track": "stream", "index": "0"}
	assert.Equal(t, http.StatusCreated, f.postChunk(t, fields, []byte("x")).StatusCode)
	assert.Equal(t, http.StatusCreated, f.postChunk(t, fields, []byte("x")).StatusCode)
	resp := f.postChunk(t, fields, []byte("x"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestEnqueueAfterClose(t *testing.T) {
	svc, err := New(Config{DestDir: t.TempDir(), QueueSize: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Enqueue(Job{ID: "1", Recording: "r"}))
	assert.ErrorIs(t, svc.Enqueue(Job{ID: "2", Recording: "r"}), ErrQueueFull)
	svc.Close()
	assert.ErrorIs(t, svc.Enqueue(Job{ID: "3", Recording: "r"}), ErrClosed)
}

func TestUploadClientRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	client := upload.NewClient(upload.WithPolicies(
		upload.Policy{Attempts: 2, Interval: 10 * time.Millisecond},
		upload.Policy{Attempts: 2, Interval: 10 * time.Millisecond},
	))
	ctx := context.Background()

	for i, part := range []string{"one-", "two-", "three"} {
		require.NoError(t, client.SendChunk(ctx, f.srv.URL, upload.ChunkUpload{
			Recording: "Lecture_2025-12-21T123456.789Z",
			Track:     "stream",
			Index:     uint64(i),
			Data:      []byte(part),
		}))
	}
	require.NoError(t, client.SchedulePostprocessing(ctx, f.srv.URL, "Lecture_2025-12-21T123456.789Z", ""))

	m := f.manifest(t)
	assert.Equal(t, ReasonSuccess, m.Result)
	data, err := os.ReadFile(filepath.Join(f.dir, "Lecture_2025-12-21T123456.789Z", "stream.webm"))
	require.NoError(t, err)
	assert.Equal(t, "one-two-three", string(data))
}

func TestNormalizeRecipient(t *testing.T) {
	tests := []struct {
		in      string
		allowed []string
		want    string
		wantErr error
	}{
		{"", nil, "", nil},
		{"   ", []string{"example.com"}, "", nil},
		{"a@Example.COM", nil, "a@example.com", nil},
		{"Name <A.B@Example.com>", []string{"example.com"}, "A.B@example.com", nil},
		{"x@cs.example.com", []string{"example.com"}, "x@cs.example.com", nil},
		{"x@notexample.com", []string{"example.com"}, "", ErrRecipientNotAllowed},
		{"not an address", nil, "", ErrInvalidRecipient},
		{"a@", nil, "", ErrInvalidRecipient},
	}
	for _, tt := range tests {
		got, err := NormalizeRecipient(tt.in, tt.allowed)
		if tt.wantErr != nil {
			assert.ErrorIs(t, err, tt.wantErr, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
