package upload

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// ErrUnsupportedType is returned for uploads whose content is not an image.
var ErrUnsupportedType = errors.New("unsupported image type")

// Image describes an uploaded file after it has been written to disk.
type Image struct {
	Path        string
	Filename    string
	ContentType string
	Size        int64
	SHA1        string
}

// Store writes uploads into a single directory under random names.
type Store struct {
	dir string
}

// NewStore creates the upload directory if needed.
func NewStore(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Store{dir: abs}, nil
}

// Dir returns the absolute upload directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save sniffs the upload, rejects non-images and copies it to disk while
// hashing it. The returned path is absolute.
func (s *Store) Save(fh *multipart.FileHeader) (*Image, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	mtype, err := mimetype.DetectReader(src)
	if err != nil {
		return nil, fmt.Errorf("sniff upload: %w", err)
	}
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mtype.String())
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind upload: %w", err)
	}

	ext := mtype.Extension()
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(fh.Filename))
	}
	path := filepath.Join(s.dir, uuid.NewString()+ext)

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}

	hash := sha1.New()
	size, err := io.Copy(io.MultiWriter(dst, hash), src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write upload file: %w", err)
	}

	return &Image{
		Path:        path,
		Filename:    filepath.Base(fh.Filename),
		ContentType: mtype.String(),
		Size:        size,
		SHA1:        hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// Remove deletes a stored upload. Paths outside the store are refused.
func (s *Store) Remove(path string) error {
	if filepath.Dir(path) != s.dir {
		return fmt.Errorf("refusing to remove %q outside upload dir", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove upload: %w", err)
	}
	return nil
}
