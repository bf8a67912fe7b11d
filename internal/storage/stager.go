// Package storage stages uploaded scans on disk so their references resolve after the response.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// URLPrefix is the HTTP path under which staged images are served.
const URLPrefix = "/uploads"

// StagedImage locates one stored upload.
type StagedImage struct {
	Name     string
	DiskPath string
	// FilePath is the server-relative path, also used as the record's image reference.
	FilePath string
	URL      string
}

// Stager writes uploads into a directory that is served under URLPrefix.
type Stager struct {
	dir     string
	baseURL string
	now     func() time.Time
}

// NewStager creates the upload directory if needed.
func NewStager(dir, publicBaseURL string) (*Stager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &Stager{dir: dir, baseURL: strings.TrimRight(publicBaseURL, "/"), now: time.Now}, nil
}

// Dir returns the directory holding staged uploads.
func (s *Stager) Dir() string {
	return s.dir
}

// Stage stores data under a unique name derived from the original filename. The file
// appears under its final name only once fully written.
func (s *Stager) Stage(originalName string, data []byte) (StagedImage, error) {
	name := fmt.Sprintf("scan_%d_%s_%s", s.now().Unix(), uuid.NewString()[:8], sanitize(originalName))

	tmp, err := os.CreateTemp(s.dir, ".staging-*")
	if err != nil {
		return StagedImage{}, fmt.Errorf("failed to create staging file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return StagedImage{}, fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return StagedImage{}, fmt.Errorf("failed to flush upload: %w", err)
	}

	diskPath := filepath.Join(s.dir, name)
	if err := os.Rename(tmpName, diskPath); err != nil {
		os.Remove(tmpName)
		return StagedImage{}, fmt.Errorf("failed to publish upload: %w", err)
	}

	filePath := URLPrefix + "/" + name
	return StagedImage{
		Name:     name,
		DiskPath: diskPath,
		FilePath: filePath,
		URL:      s.baseURL + filePath,
	}, nil
}

// sanitize keeps the base name of an upload to a conservative character set.
func sanitize(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > 64 {
		out = out[len(out)-64:]
	}
	if out == "" {
		return "upload"
	}
	return out
}
