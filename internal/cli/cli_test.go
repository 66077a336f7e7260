package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/lecture-recorder/internal/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level=silent"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seed(t *testing.T, root, recording, file string, data []byte) {
	t.Helper()
	store, err := storage.New(root)
	require.NoError(t, err)
	ctx := context.Background()
	s, err := store.OpenAppendStream(ctx, recording, file)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, data))
	require.NoError(t, s.Close())
}

func TestListAndDelete(t *testing.T) {
	root := t.TempDir()
	t.Setenv("LECTURE_RECORDER_STORAGE_ROOT", root)

	out, err := execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No recordings found")

	seed(t, root, "Lecture_2025-01-01T100000.000Z", "stream.webm", make([]byte, 2048))

	out, err = execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Lecture_2025-01-01T100000.000Z")
	assert.Contains(t, out, "stream.webm")
	assert.Contains(t, out, "2.0 KiB")

	out, err = execute(t, "delete", "Lecture_2025-01-01T100000.000Z")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted Lecture_2025-01-01T100000.000Z")

	_, err = execute(t, "delete", "Lecture_2025-01-01T100000.000Z")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInvalidConfigIsReported(t *testing.T) {
	t.Setenv("LECTURE_RECORDER_STORAGE_ROOT", t.TempDir())
	t.Setenv("LECTURE_RECORDER_UPLOAD_ENDPOINT", "ftp://nowhere")

	_, err := execute(t, "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload.endpoint")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "lecture-recorder dev")
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "1.5 KiB", humanBytes(1536))
	assert.Equal(t, "3.0 MiB", humanBytes(3<<20))
}
