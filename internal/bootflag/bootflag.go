// Package bootflag persists the "stay in bootloader" request across a reboot,
// the way a watchdog scratch register pair survives a soft reset.
package bootflag

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/arduino/go-paths-helper"
)

// Magic marks a bootloader entry request. Its complement is stored next to
// it so that random power-on contents are never mistaken for a request.
const Magic uint32 = 0xb105f00d

// Store holds the flag.
type Store interface {
	// Load reports whether a bootloader entry was requested.
	Load() (bool, error)
	// Set writes or clears the request.
	Set(toBootloader bool) error
}

// words returns the scratch pair for a request.
func words(toBootloader bool) [2]uint32 {
	if toBootloader {
		return [2]uint32{Magic, ^Magic}
	}
	return [2]uint32{}
}

func requested(w [2]uint32) bool {
	return w[0] == Magic && w[1] == ^Magic
}

// Memory is a volatile Store, the equivalent of the scratch registers.
type Memory struct {
	mu      sync.Mutex
	scratch [2]uint32
}

// Load implements Store.
func (m *Memory) Load() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return requested(m.scratch), nil
}

// Set implements Store.
func (m *Memory) Set(toBootloader bool) error {
	m.mu.Lock()
	m.scratch = words(toBootloader)
	m.mu.Unlock()
	return nil
}

// Poke stores raw scratch contents.
func (m *Memory) Poke(a, b uint32) {
	m.mu.Lock()
	m.scratch = [2]uint32{a, b}
	m.mu.Unlock()
}

// File keeps the scratch pair in an 8 byte file. A missing file reads as no
// request.
type File struct {
	path *paths.Path
}

// NewFile returns a Store backed by path.
func NewFile(path *paths.Path) *File {
	return &File{path: path}
}

// Load implements Store.
func (f *File) Load() (bool, error) {
	data, err := f.path.ReadFile()
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read boot flag: %w", err)
	}
	if len(data) != 8 {
		return false, nil
	}
	return requested([2]uint32{
		binary.LittleEndian.Uint32(data[0:4]),
		binary.LittleEndian.Uint32(data[4:8]),
	}), nil
}

// Set implements Store.
func (f *File) Set(toBootloader bool) error {
	w := words(toBootloader)
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], w[0])
	binary.LittleEndian.PutUint32(data[4:8], w[1])

	if err := f.path.Parent().MkdirAll(); err != nil {
		return fmt.Errorf("create boot flag directory: %w", err)
	}
	if err := f.path.WriteFile(data); err != nil {
		return fmt.Errorf("write boot flag: %w", err)
	}
	return nil
}
