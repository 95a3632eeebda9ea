// Package media materializes inline message media to durable storage.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/signalix/realtime/internal/model"
)

// ErrUnsupported is returned for media that is neither a URL nor an inline image.
var ErrUnsupported = errors.New("unsupported media reference")

// ErrMismatch is returned when inline bytes are not the declared image format.
var ErrMismatch = errors.New("media content does not match declared type")

const maxInlineBytes = 8 << 20

var dataURIPattern = regexp.MustCompile(`^data:(image/[a-zA-Z0-9.+-]+);base64,`)

// Store writes inline media and returns a stable reference.
type Store interface {
	Save(ctx context.Context, owner, peer uuid.UUID, mimeType string, data []byte) (model.MediaRef, error)
}

// LocalStore writes media files under Dir and references them under URLPrefix.
type LocalStore struct {
	Dir       string
	URLPrefix string
	now       func() time.Time
}

// NewLocalStore creates the media directory if needed.
func NewLocalStore(dir, urlPrefix string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	return &LocalStore{Dir: dir, URLPrefix: urlPrefix, now: time.Now}, nil
}

// Save writes data as <owner>_<peer>_<unixmilli>.<ext>.
func (s *LocalStore) Save(ctx context.Context, owner, peer uuid.UUID, mimeType string, data []byte) (model.MediaRef, error) {
	if err := ctx.Err(); err != nil {
		return model.MediaRef{}, err
	}
	name := fmt.Sprintf("%s_%s_%d.%s", owner, peer, s.now().UnixMilli(), extensionFor(mimeType))
	if err := os.WriteFile(filepath.Join(s.Dir, name), data, 0o644); err != nil {
		return model.MediaRef{}, fmt.Errorf("failed to write media: %w", err)
	}
	return model.MediaRef{Path: path.Join(s.URLPrefix, name), Type: mimeType}, nil
}

func extensionFor(mimeType string) string {
	ext := strings.TrimPrefix(mimeType, "image/")
	if ext == "jpeg" {
		return "jpg"
	}
	if i := strings.IndexAny(ext, "+."); i > 0 {
		ext = ext[:i]
	}
	return ext
}

// IsInline reports whether ref is an inline data URI.
func IsInline(ref string) bool {
	return strings.HasPrefix(ref, "data:")
}

// IsURL reports whether ref is an external http(s) URL.
func IsURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// ParseDataURI decodes an inline image and checks the bytes match the declared type.
func ParseDataURI(ref string) (string, []byte, error) {
	m := dataURIPattern.FindStringSubmatch(ref)
	if m == nil {
		return "", nil, ErrUnsupported
	}
	declared := strings.ToLower(m[1])
	encoded := ref[len(m[0]):]
	if base64.StdEncoding.DecodedLen(len(encoded)) > maxInlineBytes {
		return "", nil, fmt.Errorf("inline media exceeds %d bytes", maxInlineBytes)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 media: %w", err)
	}
	if len(data) == 0 {
		return "", nil, fmt.Errorf("empty inline media")
	}

	detected := mimetype.Detect(data)
	if !detected.Is(declared) && !(declared == "image/jpg" && detected.Is("image/jpeg")) {
		return "", nil, fmt.Errorf("%w: declared %s, got %s", ErrMismatch, declared, detected.String())
	}
	if declared == "image/jpg" {
		declared = "image/jpeg"
	}
	return declared, data, nil
}

// TypeFromURL infers a MIME type from the URL's file extension.
func TypeFromURL(ref string) string {
	p := ref
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
