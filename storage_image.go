// storage_image.go - Raw disk image handed to the storage collaborator
//
// The core does not emulate a disk controller. It opens and validates the
// image and exposes it as positional I/O, so a controller running on its own
// goroutine can serve sectors and report back through the signal queue.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const sectorSize = 512

// StorageImage is a sector-addressed disk image backed by a host file.
type StorageImage struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	size     int64
	readOnly bool
}

// OpenStorageImage opens path read-write, falling back to read-only when the
// host denies writing. The size must be a non-zero multiple of 512.
func OpenStorageImage(path string) (*StorageImage, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	readOnly := false
	f, err := os.OpenFile(abs, os.O_RDWR, 0)
	if os.IsPermission(err) {
		f, err = os.Open(abs)
		readOnly = true
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadStorageImage, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrBadStorageImage, err)
	}
	if st.IsDir() || st.Size() == 0 || st.Size()%sectorSize != 0 {
		f.Close()
		return nil, fmt.Errorf("%w: %s: size %d is not a multiple of %d", ErrBadStorageImage, abs, st.Size(), sectorSize)
	}
	return &StorageImage{f: f, path: abs, size: st.Size(), readOnly: readOnly}, nil
}

// Path returns the absolute host path.
func (s *StorageImage) Path() string { return s.path }

// Size returns the image size in bytes.
func (s *StorageImage) Size() int64 { return s.size }

// Sectors returns the number of 512-byte sectors.
func (s *StorageImage) Sectors() int64 { return s.size / sectorSize }

// ReadOnly reports whether writes are refused.
func (s *StorageImage) ReadOnly() bool { return s.readOnly }

// ReadAt implements io.ReaderAt.
func (s *StorageImage) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, os.ErrClosed
	}
	if off < 0 || off >= s.size {
		return 0, io.EOF
	}
	return s.f.ReadAt(p, off)
}

// WriteAt implements io.WriterAt. Writes never grow the image.
func (s *StorageImage) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, os.ErrClosed
	}
	if s.readOnly {
		return 0, fmt.Errorf("storage: %s is read-only", s.path)
	}
	if off < 0 || off+int64(len(p)) > s.size {
		return 0, fmt.Errorf("storage: write of %d bytes at %d past end of image", len(p), off)
	}
	return s.f.WriteAt(p, off)
}

// ReadSector reads sector lba into buf, which must hold 512 bytes.
func (s *StorageImage) ReadSector(lba int64, buf []byte) error {
	if lba < 0 || lba >= s.Sectors() {
		return fmt.Errorf("storage: sector %d out of range", lba)
	}
	_, err := s.ReadAt(buf[:sectorSize], lba*sectorSize)
	return err
}

// WriteSector writes 512 bytes from buf to sector lba.
func (s *StorageImage) WriteSector(lba int64, buf []byte) error {
	if lba < 0 || lba >= s.Sectors() {
		return fmt.Errorf("storage: sector %d out of range", lba)
	}
	_, err := s.WriteAt(buf[:sectorSize], lba*sectorSize)
	return err
}

// Close flushes and releases the file.
func (s *StorageImage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
