// Package capture implements the audio capture device used by live sessions.
// Clients stream recorder chunks as binary WebSocket frames; the device
// buffers them and uploads the take when the capture stops.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/bandprep-backend/internal/assessment"
	"github.com/stemsi/bandprep-backend/internal/model"
)

var (
	ErrBusy         = errors.New("another capture is active")
	ErrNotRecording = errors.New("no capture is active")
	ErrTooLarge     = errors.New("recording exceeds size limit")
	ErrStaleHandle  = errors.New("capture handle is no longer active")
)

// Uploader stores a finished recording.
type Uploader interface {
	SaveAnswerAudio(ctx context.Context, attemptID, sectionID uuid.UUID, contentType string, r io.Reader) (model.AudioRef, error)
}

type recording struct {
	id        uuid.UUID
	section   uuid.UUID
	buf       bytes.Buffer
	startedAt time.Time
	truncated bool
}

func (r *recording) SectionID() uuid.UUID { return r.section }

// StreamDevice is an assessment.Device fed by Write.
type StreamDevice struct {
	attemptID   uuid.UUID
	uploader    Uploader
	maxBytes    int64
	contentType string
	now         func() time.Time

	mu     sync.Mutex
	active *recording
}

// NewStreamDevice returns a device for one attempt.
func NewStreamDevice(attemptID uuid.UUID, uploader Uploader, maxBytes int64) *StreamDevice {
	return &StreamDevice{
		attemptID:   attemptID,
		uploader:    uploader,
		maxBytes:    maxBytes,
		contentType: "audio/webm",
		now:         time.Now,
	}
}

// SetContentType sets the MIME type of the next recordings.
func (d *StreamDevice) SetContentType(ct string) {
	if ct == "" {
		return
	}
	d.mu.Lock()
	d.contentType = ct
	d.mu.Unlock()
}

// StartCapture opens a recording for sectionID.
func (d *StreamDevice) StartCapture(_ context.Context, sectionID uuid.UUID) (assessment.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		return nil, ErrBusy
	}
	d.active = &recording{id: uuid.New(), section: sectionID, startedAt: d.now()}
	return d.active, nil
}

// Write appends a chunk to the active recording. Chunks past the size limit
// are dropped and the recording is kept as truncated.
func (d *StreamDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return 0, ErrNotRecording
	}
	if d.maxBytes > 0 && int64(d.active.buf.Len()+len(p)) > d.maxBytes {
		d.active.truncated = true
		return 0, ErrTooLarge
	}
	return d.active.buf.Write(p)
}

// Recording reports whether a capture is open.
func (d *StreamDevice) Recording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil
}

// StopCapture closes the recording and uploads it. An empty take returns a
// zero AudioRef without uploading. When the upload fails the take is reopened
// and the error wraps assessment.ErrCaptureKept, so the same handle can be
// stopped again.
func (d *StreamDevice) StopCapture(ctx context.Context, h assessment.Handle) (model.AudioRef, error) {
	rec, err := d.take(h)
	if err != nil {
		return model.AudioRef{}, err
	}
	if rec.buf.Len() == 0 {
		return model.AudioRef{}, nil
	}

	d.mu.Lock()
	ct := d.contentType
	d.mu.Unlock()

	ref, err := d.uploader.SaveAnswerAudio(ctx, d.attemptID, rec.section, ct, bytes.NewReader(rec.buf.Bytes()))
	if err != nil {
		if !d.reopen(rec) {
			return model.AudioRef{}, fmt.Errorf("upload recording: %w", err)
		}
		return model.AudioRef{}, fmt.Errorf("%w: upload recording: %w", assessment.ErrCaptureKept, err)
	}
	ref.DurationMs = d.now().Sub(rec.startedAt).Milliseconds()
	return ref, nil
}

// CancelCapture discards the recording.
func (d *StreamDevice) CancelCapture(_ context.Context, h assessment.Handle) error {
	_, err := d.take(h)
	if errors.Is(err, ErrStaleHandle) {
		return nil
	}
	return err
}

// reopen makes rec the active recording again unless another took its place.
func (d *StreamDevice) reopen(rec *recording) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		return false
	}
	d.active = rec
	return true
}

func (d *StreamDevice) take(h assessment.Handle) (*recording, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := h.(*recording)
	if !ok || rec == nil {
		return nil, ErrStaleHandle
	}
	if d.active != rec {
		return nil, ErrStaleHandle
	}
	d.active = nil
	return rec, nil
}
