package flash

import (
	"fmt"
	"os"
	"sync"

	"github.com/arduino/go-paths-helper"
)

// File is Memory persisted to a backing file, so a simulated device keeps
// its programmed image across restarts. Every erase and program is written
// through before it returns.
type File struct {
	*Memory

	mu   sync.Mutex
	path *paths.Path
	f    *os.File
}

// OpenFile opens (or creates, fully erased) the backing file at path.
// An existing file must be exactly the storage size.
func OpenFile(path *paths.Path, g Geometry) (*File, error) {
	mem, err := NewMemory(g)
	if err != nil {
		return nil, err
	}

	if path.Exist() {
		data, err := path.ReadFile()
		if err != nil {
			return nil, fmt.Errorf("failed to read backing file: %w", err)
		}
		if uint64(len(data)) != uint64(g.Size) {
			return nil, fmt.Errorf("backing file %s is %d bytes, storage is %d", path, len(data), g.Size)
		}
		copy(mem.data, data)
	} else {
		if err := path.Parent().MkdirAll(); err != nil {
			return nil, fmt.Errorf("failed to create backing file directory: %w", err)
		}
		if err := path.WriteFile(mem.data); err != nil {
			return nil, fmt.Errorf("failed to create backing file: %w", err)
		}
	}

	f, err := os.OpenFile(path.String(), os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open backing file: %w", err)
	}

	return &File{Memory: mem, path: path, f: f}, nil
}

// Path returns the backing file path.
func (s *File) Path() *paths.Path {
	return s.path
}

// Erase erases the range and persists it.
func (s *File) Erase(addr, n uint32) error {
	if err := s.Memory.Erase(addr, n); err != nil {
		return err
	}
	return s.sync(addr, n)
}

// Program programs the range and persists it.
func (s *File) Program(addr uint32, data []byte) error {
	if err := s.Memory.Program(addr, data); err != nil {
		return err
	}
	return s.sync(addr, uint32(len(data)))
}

func (s *File) sync(addr, n uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("backing file %s is closed", s.path)
	}
	off := addr - s.geo.Base
	if _, err := s.f.WriteAt(s.snapshot(off, n), int64(off)); err != nil {
		return fmt.Errorf("failed to persist 0x%08x+%d: %w", addr, n, err)
	}
	return nil
}

// Close flushes and closes the backing file.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Sync()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.f = nil
	return err
}
