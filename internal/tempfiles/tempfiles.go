// Package tempfiles buffers upload streams on local disk before they are
// handed to a blob store.
package tempfiles

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrTooLarge is returned by Spool when the stream is longer than the limit.
var ErrTooLarge = errors.New("stream exceeds size limit")

// Create makes a temp file in the provided directory, creating the directory if needed.
func Create(dir string, pattern string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir %q: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return f, nil
}

// Spooled is a fully buffered stream, rewound to its start.
type Spooled struct {
	*os.File
	Size   int64
	SHA256 string
}

// Discard closes and removes the spool file.
func (s *Spooled) Discard() {
	_ = s.File.Close()
	_ = os.Remove(s.File.Name())
}

// Spool copies at most maxSize bytes of r into a temp file under dir while
// hashing it. Reading past maxSize fails with ErrTooLarge and leaves no file.
func Spool(dir, pattern string, r io.Reader, maxSize int64) (*Spooled, error) {
	f, err := Create(dir, pattern)
	if err != nil {
		return nil, err
	}
	s := &Spooled{File: f}
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), io.LimitReader(r, maxSize+1))
	if err != nil {
		s.Discard()
		return nil, fmt.Errorf("buffer stream: %w", err)
	}
	if n > maxSize {
		s.Discard()
		return nil, ErrTooLarge
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		s.Discard()
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	s.Size = n
	s.SHA256 = hex.EncodeToString(hasher.Sum(nil))
	return s, nil
}

// NewDeleteOnClose wraps an open file and removes it when the reader is closed.
func NewDeleteOnClose(file *os.File) io.ReadCloser {
	return &deleteOnCloseReadCloser{
		file: file,
		path: file.Name(),
	}
}

type deleteOnCloseReadCloser struct {
	file *os.File
	path string
	once sync.Once
}

func (d *deleteOnCloseReadCloser) Read(p []byte) (int, error) {
	return d.file.Read(p)
}

func (d *deleteOnCloseReadCloser) Close() error {
	var closeErr error
	var removeErr error
	d.once.Do(func() {
		closeErr = d.file.Close()
		if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
			removeErr = err
		}
	})
	if closeErr != nil {
		return closeErr
	}
	return removeErr
}
