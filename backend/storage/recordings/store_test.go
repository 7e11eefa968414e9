package recordings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	logger := zerolog.Nop()
	fst := NewFileStore(Config{
		Logger: &logger,
		Dir:    filepath.Join(t.TempDir(), "recordings"),
	})
	clock := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	fst.now = func() time.Time {
		clock = clock.Add(1500 * time.Millisecond)
		return clock
	}
	return fst
}

func TestFileStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	fst := newTestStore(t)

	id, err := fst.CreateRecording(ctx, "standup")
	require.NoError(t, err)
	assert.Contains(t, id, "standup_")

	recs, err := fst.ListRecordings(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.RecordingStatusRecording, recs[0].Status)
	assert.Nil(t, recs[0].EndTime)

	require.NoError(t, fst.StoreRecordingBlob(ctx, id, []byte("webm-bytes")))
	b, err := os.ReadFile(filepath.Join(fst.dir, id+".webm"))
	require.NoError(t, err)
	assert.Equal(t, "webm-bytes", string(b))

	require.NoError(t, fst.FinalizeRecording(ctx, id))
	recs, err = fst.ListRecordings(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, model.RecordingStatusCompleted, rec.Status)
	require.NotNil(t, rec.EndTime)
	assert.Equal(t, int64(1500), rec.Duration)
	assert.Equal(t, id+".webm", rec.VideoFile)
	assert.Equal(t, "/recordings/"+id+".webm", rec.VideoPath)
}

func TestFileStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	fst := newTestStore(t)

	empty, err := fst.ListRecordings(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty, "missing directory lists as empty")

	first, err := fst.CreateRecording(ctx, "a")
	require.NoError(t, err)
	second, err := fst.CreateRecording(ctx, "b")
	require.NoError(t, err)

	recs, err := fst.ListRecordings(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, second, recs[0].RecordingID)
	assert.Equal(t, first, recs[1].RecordingID)
}

func TestFileStore_Errors(t *testing.T) {
	ctx := context.Background()
	fst := newTestStore(t)

	_, err := fst.CreateRecording(ctx, "")
	assert.ErrorIs(t, err, ErrRoomNameRequired)

	assert.ErrorIs(t, fst.FinalizeRecording(ctx, "nope"), ErrRecordingNotFound)
	assert.ErrorIs(t, fst.FinalizeRecording(ctx, "../etc/passwd"), ErrInvalidID)
	assert.ErrorIs(t, fst.StoreRecordingBlob(ctx, "missing", []byte("x")), ErrRecordingNotFound)
	assert.ErrorIs(t, fst.StoreRecordingBlob(ctx, "a/b", []byte("x")), ErrInvalidID)
}
