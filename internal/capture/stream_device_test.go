package capture

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/bandprep-backend/internal/assessment"
	"github.com/stemsi/bandprep-backend/internal/model"
)

type recordingUploader struct {
	data        []byte
	contentType string
	err         error
}

func (u *recordingUploader) SaveAnswerAudio(ctx context.Context, attemptID, sectionID uuid.UUID, ct string, r io.Reader) (model.AudioRef, error) {
	if u.err != nil {
		return model.AudioRef{}, u.err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return model.AudioRef{}, err
	}
	u.data = b
	u.contentType = ct
	return model.AudioRef{URL: "/uploads/answers/" + sectionID.String(), SizeBytes: int64(len(b)), ContentType: ct}, nil
}

func TestStreamDevice_RecordAndStop(t *testing.T) {
	up := &recordingUploader{}
	d := NewStreamDevice(uuid.New(), up, 1024)
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return start }

	section := uuid.New()
	h, err := d.StartCapture(context.Background(), section)
	require.NoError(t, err)
	assert.Equal(t, section, h.SectionID())
	assert.True(t, d.Recording())

	_, err = d.StartCapture(context.Background(), section)
	assert.ErrorIs(t, err, ErrBusy)

	_, err = d.Write([]byte("chunk-1|"))
	require.NoError(t, err)
	_, err = d.Write([]byte("chunk-2"))
	require.NoError(t, err)

	d.SetContentType("audio/ogg")
	d.now = func() time.Time { return start.Add(42 * time.Second) }
	ref, err := d.StopCapture(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "chunk-1|chunk-2", string(up.data))
	assert.Equal(t, "audio/ogg", up.contentType)
	assert.Equal(t, int64(15), ref.SizeBytes)
	assert.Equal(t, int64(42000), ref.DurationMs)
	assert.False(t, d.Recording())

	_, err = d.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestStreamDevice_SizeLimit(t *testing.T) {
	d := NewStreamDevice(uuid.New(), &recordingUploader{}, 8)
	_, err := d.StartCapture(context.Background(), uuid.New())
	require.NoError(t, err)

	_, err = d.Write([]byte("12345"))
	require.NoError(t, err)
	_, err = d.Write([]byte("67890"))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestStreamDevice_EmptyTakeSkipsUpload(t *testing.T) {
	up := &recordingUploader{err: errors.New("should not be called")}
	d := NewStreamDevice(uuid.New(), up, 0)
	h, err := d.StartCapture(context.Background(), uuid.New())
	require.NoError(t, err)

	ref, err := d.StopCapture(context.Background(), h)
	require.NoError(t, err)
	assert.Zero(t, ref.SizeBytes)
}

func TestStreamDevice_Cancel(t *testing.T) {
	d := NewStreamDevice(uuid.New(), &recordingUploader{}, 0)
	h, err := d.StartCapture(context.Background(), uuid.New())
	require.NoError(t, err)
	_, err = d.Write([]byte("abc"))
	require.NoError(t, err)

	require.NoError(t, d.CancelCapture(context.Background(), h))
	assert.False(t, d.Recording())
	require.NoError(t, d.CancelCapture(context.Background(), h))

	_, err = d.StopCapture(context.Background(), h)
	assert.ErrorIs(t, err, ErrStaleHandle)
}

func TestStreamDevice_UploadFailure(t *testing.T) {
	up := &recordingUploader{err: errors.New("bucket unavailable")}
	d := NewStreamDevice(uuid.New(), up, 0)
	h, err := d.StartCapture(context.Background(), uuid.New())
	require.NoError(t, err)
	_, err = d.Write([]byte("abc"))
	require.NoError(t, err)

	_, err = d.StopCapture(context.Background(), h)
	assert.ErrorContains(t, err, "bucket unavailable")
	assert.ErrorIs(t, err, assessment.ErrCaptureKept)
	assert.True(t, d.Recording())

	_, err = d.Write([]byte("def"))
	require.NoError(t, err)

	up.err = nil
	ref, err := d.StopCapture(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(up.data))
	assert.Equal(t, int64(6), ref.SizeBytes)
	assert.False(t, d.Recording())
}

func TestStreamDevice_UploadHonoursDeadline(t *testing.T) {
	d := NewStreamDevice(uuid.New(), blockingUploader{}, 0)
	h, err := d.StartCapture(context.Background(), uuid.New())
	require.NoError(t, err)
	_, err = d.Write([]byte("abc"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.StopCapture(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, d.Recording())

	require.NoError(t, d.CancelCapture(context.Background(), h))
	assert.False(t, d.Recording())
}

type blockingUploader struct{}

func (blockingUploader) SaveAnswerAudio(ctx context.Context, attemptID, sectionID uuid.UUID, ct string, r io.Reader) (model.AudioRef, error) {
	<-ctx.Done()
	return model.AudioRef{}, ctx.Err()
}
