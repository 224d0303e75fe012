package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/proctor"
)

var _ proctor.SnapshotStore = (*MediaService)(nil)

// Sentinel errors for stored frames.
var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrFileTooLarge        = errors.New("file too large")
	ErrEmptyFile           = errors.New("empty file")
)

// Allowed image MIME types.
var allowedMIMETypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// MediaService stores reference photos and flagged snapshots on local
// disk under UPLOAD_DIR.
type MediaService struct {
	dir      string
	maxBytes int64
}

// NewMediaService creates a new MediaService.
func NewMediaService(cfg *config.Config) *MediaService {
	return &MediaService{dir: cfg.UploadDir, maxBytes: cfg.MaxUploadBytes}
}

// SaveReferencePhoto stores the preflight photo of a session and returns
// its URL path.
func (s *MediaService) SaveReferencePhoto(sessionID uuid.UUID, frame []byte) (string, error) {
	return s.save(filepath.Join("reference", sessionID.String()), frame)
}

// SaveSnapshot stores a flagged monitoring frame and returns its URL path.
func (s *MediaService) SaveSnapshot(ctx context.Context, sessionID uuid.UUID, frame []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.save(filepath.Join("snapshots", sessionID.String(), uuid.NewString()), frame)
}

// Open resolves a URL path returned by this service to a file on disk.
func (s *MediaService) Open(urlPath string) (*os.File, error) {
	rel := strings.TrimPrefix(urlPath, "/uploads/")
	if rel == urlPath || strings.Contains(rel, "..") {
		return nil, os.ErrNotExist
	}
	return os.Open(filepath.Join(s.dir, filepath.FromSlash(rel)))
}

func (s *MediaService) save(name string, frame []byte) (string, error) {
	if len(frame) == 0 {
		return "", ErrEmptyFile
	}
	if int64(len(frame)) > s.maxBytes {
		return "", fmt.Errorf("%w: %d bytes (max: %d)", ErrFileTooLarge, len(frame), s.maxBytes)
	}

	// Validate by content, the bytes came from the candidate's browser.
	contentType := http.DetectContentType(frame)
	ext, ok := allowedMIMETypes[contentType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, contentType)
	}

	rel := name + ext
	dest := filepath.Join(s.dir, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	if err := os.WriteFile(dest, frame, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}

	return "/uploads/" + filepath.ToSlash(rel), nil
}
