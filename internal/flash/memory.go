package flash

import (
	"fmt"
	"sync"
)

// Memory is an in-RAM NOR flash. Erase sets bytes to 0xFF; programming can
// only clear bits, so writing over data that was not erased ANDs the two.
//
// The lock plays the role of the critical section around erase and program:
// reads (instruction fetch on real hardware) wait while the array is busy.
type Memory struct {
	mu   sync.RWMutex
	geo  Geometry
	data []byte
}

// NewMemory creates erased storage with the given geometry.
func NewMemory(g Geometry) (*Memory, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	data := make([]byte, g.Size)
	for i := range data {
		data[i] = ErasedByte
	}
	return &Memory{geo: g, data: data}, nil
}

// Geometry returns the storage geometry.
func (m *Memory) Geometry() Geometry {
	return m.geo
}

// ReadAt copies len(p) bytes starting at addr into p.
func (m *Memory) ReadAt(p []byte, addr uint32) error {
	if uint64(len(p)) > uint64(m.geo.Size) || !m.geo.Contains(addr, uint32(len(p))) {
		return fmt.Errorf("read 0x%08x+%d: %w", addr, len(p), ErrOutOfRange)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	off := addr - m.geo.Base
	copy(p, m.data[off:])
	return nil
}

// Erase resets [addr, addr+n) to the erased state.
func (m *Memory) Erase(addr, n uint32) error {
	if !Aligned(addr, m.geo.EraseUnit) || !Aligned(n, m.geo.EraseUnit) {
		return fmt.Errorf("erase 0x%08x+%d: %w", addr, n, ErrUnaligned)
	}
	if !m.geo.Contains(addr, n) {
		return fmt.Errorf("erase 0x%08x+%d: %w", addr, n, ErrOutOfRange)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	off := addr - m.geo.Base
	for i := off; i < off+n; i++ {
		m.data[i] = ErasedByte
	}
	return nil
}

// Program writes data at addr.
func (m *Memory) Program(addr uint32, data []byte) error {
	n := uint32(len(data))
	if uint64(len(data)) > uint64(m.geo.Size) {
		return fmt.Errorf("program 0x%08x+%d: %w", addr, len(data), ErrOutOfRange)
	}
	if !Aligned(addr, m.geo.ProgramUnit) || !Aligned(n, m.geo.ProgramUnit) {
		return fmt.Errorf("program 0x%08x+%d: %w", addr, n, ErrUnaligned)
	}
	if !m.geo.Contains(addr, n) {
		return fmt.Errorf("program 0x%08x+%d: %w", addr, n, ErrOutOfRange)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	off := addr - m.geo.Base
	for i, b := range data {
		m.data[off+uint32(i)] &= b
	}
	return nil
}

// snapshot returns a copy of [off, off+n) of the backing array.
func (m *Memory) snapshot(off, n uint32) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, n)
	copy(out, m.data[off:off+n])
	return out
}
