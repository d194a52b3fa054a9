// Package file adapts an *os.File (a regular file or a block device node)
// into a backend.Storage, so tests and the mkext2/ext2dump tools can drive
// the driver against ordinary files instead of a kernel's own block layer.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/agostino64/ext2fs/backend"
)

type rawBackend struct {
	storage    fs.File
	sectorSize int64
	readOnly   bool
}

// New wraps an already-open file. sectorSize is typically 512.
func New(f fs.File, sectorSize int64, readOnly bool) backend.Storage {
	return rawBackend{storage: f, sectorSize: sectorSize, readOnly: readOnly}
}

// OpenFromPath opens an existing file or device node at pathName.
func OpenFromPath(pathName string, sectorSize int64, readOnly bool) (backend.Storage, error) {
	if pathName == "" {
		return nil, errors.New("must pass a device or file name")
	}
	if _, err := os.Stat(pathName); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s does not exist", pathName)
	}

	mode := os.O_RDONLY
	if !readOnly {
		mode = os.O_RDWR
	}
	f, err := os.OpenFile(pathName, mode, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", pathName, err)
	}
	return rawBackend{storage: f, sectorSize: sectorSize, readOnly: readOnly}, nil
}

// CreateFromPath creates a fresh, zero-length-turned-size image file.
func CreateFromPath(pathName string, size, sectorSize int64) (backend.Storage, error) {
	if size <= 0 {
		return nil, errors.New("size must be positive")
	}
	f, err := os.OpenFile(pathName, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", pathName, err)
	}
	if err := f.Truncate(size); err != nil {
		return nil, fmt.Errorf("truncate %s to %d: %w", pathName, size, err)
	}
	return rawBackend{storage: f, sectorSize: sectorSize, readOnly: false}, nil
}

var _ backend.Storage = (*rawBackend)(nil)

func (f rawBackend) Stat() (fs.FileInfo, error) { return f.storage.Stat() }
func (f rawBackend) Read(p []byte) (int, error) { return f.storage.Read(p) }
func (f rawBackend) Close() error                { return f.storage.Close() }
func (f rawBackend) SectorSize() int64           { return f.sectorSize }

func (f rawBackend) ReadAt(p []byte, off int64) (int, error) {
	ra, ok := f.storage.(interface {
		ReadAt([]byte, int64) (int, error)
	})
	if !ok {
		return 0, backend.ErrNotSuitable
	}
	return ra.ReadAt(p, off)
}

func (f rawBackend) Seek(offset int64, whence int) (int64, error) {
	sk, ok := f.storage.(interface {
		Seek(int64, int) (int64, error)
	})
	if !ok {
		return 0, backend.ErrNotSuitable
	}
	return sk.Seek(offset, whence)
}

func (f rawBackend) Writable() (backend.WritableFile, error) {
	if f.readOnly {
		return nil, backend.ErrIncorrectOpenMode
	}
	wf, ok := f.storage.(*os.File)
	if !ok {
		return nil, backend.ErrNotSuitable
	}
	return wf, nil
}
