package onnx

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// ExternalDataReader reads tensor data stored in files next to the model (ONNX "external data").
//
// Files are memory mapped once and shared by all tensors stored in them: large models usually keep
// all their weights in a single file.
type ExternalDataReader struct {
	baseDir string

	mu    sync.Mutex
	files map[string]*mmap.ReaderAt
}

// NewExternalDataReader creates a reader that resolves locations relative to baseDir, usually
// the directory of the model file.
func NewExternalDataReader(baseDir string) *ExternalDataReader {
	return &ExternalDataReader{
		baseDir: baseDir,
		files:   make(map[string]*mmap.ReaderAt),
	}
}

// file returns the memory mapped file for location, opening it on first use.
func (r *ExternalDataReader) file(location string) (*mmap.ReaderAt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.files == nil {
		return nil, errors.New("ExternalDataReader already closed")
	}
	if reader, found := r.files[location]; found {
		return reader, nil
	}
	path := filepath.Join(r.baseDir, location)
	reader, err := mmap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap external data file %q", path)
	}
	r.files[location] = reader
	return reader, nil
}

// ReadInto copies the tensor bytes described by info into dst, which must have exactly the
// size of the tensor.
func (r *ExternalDataReader) ReadInto(info *externalDataInfo, dst []byte) error {
	if r.baseDir == "" {
		return errors.New("base directory is required for reading external data")
	}
	if info.length > 0 && info.length != int64(len(dst)) {
		return errors.Errorf("external data length %d doesn't match the tensor size of %d bytes", info.length, len(dst))
	}
	reader, err := r.file(info.location)
	if err != nil {
		return err
	}
	n, err := reader.ReadAt(dst, info.offset)
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "failed to read %d bytes at offset %d of external data file %q",
			len(dst), info.offset, info.location)
	}
	if n != len(dst) {
		return errors.Errorf("external data file %q has only %d bytes at offset %d, %d were expected",
			info.location, n, info.offset, len(dst))
	}
	return nil
}

// Close unmaps all files. The reader can't be used afterward.
func (r *ExternalDataReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for location, reader := range r.files {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to unmap external data file %q", location)
		}
	}
	r.files = nil
	return firstErr
}

// readExternalDataDirect reads the tensor bytes with plain file reads, for file systems where
// memory mapping is not available.
func readExternalDataDirect(baseDir string, info *externalDataInfo, dst []byte) error {
	if baseDir == "" {
		return errors.New("base directory is required for reading external data")
	}
	path := filepath.Join(baseDir, info.location)
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open external data file %q", path)
	}
	defer func() { _ = f.Close() }()
	if _, err = f.Seek(info.offset, io.SeekStart); err != nil {
		return errors.Wrapf(err, "failed to seek to offset %d in external data file %q", info.offset, path)
	}
	if n, err := io.ReadFull(f, dst); err != nil {
		return errors.Wrapf(err, "failed to read %d bytes from external data file %q (read %d)", len(dst), path, n)
	}
	return nil
}
