package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.ChunksPersisted.Add(3)
	m.UploadFailures.Add(1)
	m.SetRecording(true, 2)
	m.UpdatePersistLatency(15 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, "recorder_chunks_persisted_total 3")
	assert.Contains(t, out, "recorder_upload_failures_total 1")
	assert.Contains(t, out, "recorder_recording_active 1")
	assert.Contains(t, out, "recorder_active_jobs 2")
	assert.Contains(t, out, "recorder_persist_latency_ms 15")
}

func TestSetRecordingIdle(t *testing.T) {
	m := New()
	m.SetRecording(true, 4)
	m.SetRecording(false, 0)
	assert.Zero(t, m.RecordingActive.Load())
	assert.Zero(t, m.ActiveJobs.Load())
}
