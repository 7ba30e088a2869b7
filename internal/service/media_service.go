package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/bandprep-backend/internal/config"
	"github.com/stemsi/bandprep-backend/internal/model"
	"github.com/stemsi/bandprep-backend/internal/storage"
)

// Sentinel errors for media uploads.
var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrFileTooLarge        = errors.New("file too large")
	ErrEmptyFile           = errors.New("empty file")
)

// MediaKind groups accepted MIME types.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaPDF   MediaKind = "pdf"
	MediaImage MediaKind = "image"
)

var allowedMIMETypes = map[string]struct {
	ext  string
	kind MediaKind
}{
	"image/jpeg":      {".jpg", MediaImage},
	"image/png":       {".png", MediaImage},
	"image/gif":       {".gif", MediaImage},
	"image/webp":      {".webp", MediaImage},
	"application/pdf": {".pdf", MediaPDF},
	"audio/mpeg":      {".mp3", MediaAudio},
	"audio/mp3":       {".mp3", MediaAudio},
	"audio/wav":       {".wav", MediaAudio},
	"audio/x-wav":     {".wav", MediaAudio},
	"audio/ogg":       {".ogg", MediaAudio},
	"audio/webm":      {".webm", MediaAudio},
	"video/webm":      {".webm", MediaAudio},
	"audio/mp4":       {".m4a", MediaAudio},
	"audio/x-m4a":     {".m4a", MediaAudio},
}

// MediaService stores dashboard uploads and recorded answers.
type MediaService struct {
	store storage.Store
	cfg   *config.Config
	log   zerolog.Logger
}

// NewMediaService creates a new MediaService.
func NewMediaService(store storage.Store, cfg *config.Config, log zerolog.Logger) *MediaService {
	return &MediaService{
		store: store,
		cfg:   cfg,
		log:   log.With().Str("component", "media_service").Logger(),
	}
}

// SaveUpload validates and stores a dashboard upload. It returns the public URL
// and the detected kind.
func (s *MediaService) SaveUpload(ctx context.Context, file multipart.File, header *multipart.FileHeader) (string, MediaKind, error) {
	contentType := normalizeContentType(header.Header.Get("Content-Type"))
	entry, ok := allowedMIMETypes[contentType]
	if !ok {
		return "", "", fmt.Errorf("%w: %s (allowed: %s)",
			ErrUnsupportedFileType, contentType, strings.Join(allowedTypes(), ", "))
	}

	limit := s.cfg.MaxUploadBytes
	if entry.kind == MediaAudio && s.cfg.MaxAudioBytes > 0 {
		limit = s.cfg.MaxAudioBytes
	}
	if header.Size > limit {
		return "", "", fmt.Errorf("%w: %d bytes (max: %d)", ErrFileTooLarge, header.Size, limit)
	}

	key := fmt.Sprintf("media/%s/%s%s", entry.kind, uuid.New().String(), entry.ext)
	obj, err := s.store.Put(ctx, key, contentType, io.LimitReader(file, limit))
	if err != nil {
		return "", "", fmt.Errorf("store upload: %w", err)
	}

	s.log.Info().Str("key", obj.Key).Str("kind", string(entry.kind)).Int64("size", obj.Size).Msg("Media uploaded")
	return obj.URL, entry.kind, nil
}

// SaveAnswerAudio stores a recorded answer for one section of an attempt.
func (s *MediaService) SaveAnswerAudio(ctx context.Context, attemptID, sectionID uuid.UUID, contentType string, r io.Reader) (model.AudioRef, error) {
	contentType = normalizeContentType(contentType)
	if contentType == "" {
		contentType = "audio/webm"
	}
	entry, ok := allowedMIMETypes[contentType]
	if !ok || entry.kind != MediaAudio {
		return model.AudioRef{}, fmt.Errorf("%w: %s", ErrUnsupportedFileType, contentType)
	}

	// One byte past the limit tells an oversized stream apart from an exact fit.
	limit := s.cfg.MaxAudioBytes
	key := fmt.Sprintf("answers/%s/%s-%s%s", attemptID, sectionID, uuid.New().String()[:8], entry.ext)
	obj, err := s.store.Put(ctx, key, contentType, io.LimitReader(r, limit+1))
	if err != nil {
		return model.AudioRef{}, fmt.Errorf("store answer audio: %w", err)
	}
	if obj.Size > limit {
		_ = s.store.Delete(ctx, obj.Key)
		return model.AudioRef{}, fmt.Errorf("%w: max %d bytes", ErrFileTooLarge, limit)
	}
	if obj.Size == 0 {
		_ = s.store.Delete(ctx, obj.Key)
		return model.AudioRef{}, ErrEmptyFile
	}

	return model.AudioRef{
		URL:         obj.URL,
		Key:         obj.Key,
		ContentType: contentType,
		SizeBytes:   obj.Size,
	}, nil
}

// IsAudio reports whether contentType is an accepted audio format.
func IsAudio(contentType string) bool {
	entry, ok := allowedMIMETypes[normalizeContentType(contentType)]
	return ok && entry.kind == MediaAudio
}

func normalizeContentType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

func allowedTypes() []string {
	types := make([]string, 0, len(allowedMIMETypes))
	for t := range allowedMIMETypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
