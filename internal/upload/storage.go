package upload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/buzz-line/buzz-line/internal/common"
)

// Store keeps uploaded and downloaded attachments as flat files named by
// ULID. The stored name is the reference persisted on Message rows.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Create opens a new file for writing and returns its reference name.
func (s *Store) Create(ext string) (io.WriteCloser, string, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, "", err
	}
	ref := strings.ToLower(id) + ext
	f, err := os.Create(filepath.Join(s.dir, ref))
	if err != nil {
		return nil, "", err
	}
	return f, ref, nil
}

// Save writes r to a new stored file and returns its reference name.
func (s *Store) Save(r io.Reader, ext string) (string, error) {
	w, ref, err := s.Create(ext)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		s.Remove(ref)
		return "", err
	}
	if err := w.Close(); err != nil {
		s.Remove(ref)
		return "", err
	}
	return ref, nil
}

// Path resolves a reference to its on-disk path.
func (s *Store) Path(ref string) string {
	return filepath.Join(s.dir, filepath.Base(ref))
}

// Open returns the stored file for a sanitized reference.
func (s *Store) Open(ref string) (*os.File, error) {
	clean := filepath.Base(ref)
	if clean != ref || ref == "" || ref == "." {
		return nil, fmt.Errorf("upload: bad file reference %q", ref)
	}
	return os.Open(filepath.Join(s.dir, clean))
}

func (s *Store) Remove(ref string) {
	_ = os.Remove(filepath.Join(s.dir, filepath.Base(ref)))
}

// ExtFor picks a safe file extension from an original filename.
func ExtFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || len(ext) > 10 || strings.ContainsAny(ext, "/\\") {
		return ".bin"
	}
	return ext
}
