// Package flash models the device's non-volatile program storage: a
// memory-mapped NOR flash with an erase unit (sector) and a program unit
// (page).
package flash

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfRange = errors.New("flash: address range outside storage")
	ErrUnaligned  = errors.New("flash: address or length not aligned")
)

// ErasedByte is the value of every byte after an erase.
const ErasedByte = 0xFF

// Geometry describes the storage address space.
type Geometry struct {
	Base        uint32 // address of the first byte
	Size        uint32 // capacity in bytes
	EraseUnit   uint32 // sector size
	ProgramUnit uint32 // page size
}

// End returns the first address past the storage. It is 64-bit so that a
// region ending at the top of the 32-bit space does not wrap.
func (g Geometry) End() uint64 {
	return uint64(g.Base) + uint64(g.Size)
}

// Contains reports whether [addr, addr+n) lies inside the storage.
func (g Geometry) Contains(addr, n uint32) bool {
	return addr >= g.Base && uint64(addr)+uint64(n) <= g.End()
}

// Validate checks that the geometry is usable.
func (g Geometry) Validate() error {
	if g.Size == 0 {
		return fmt.Errorf("flash: size must be non-zero")
	}
	if !isPow2(g.EraseUnit) || !isPow2(g.ProgramUnit) {
		return fmt.Errorf("flash: erase unit %d and program unit %d must be powers of two", g.EraseUnit, g.ProgramUnit)
	}
	if g.ProgramUnit > g.EraseUnit {
		return fmt.Errorf("flash: program unit %d larger than erase unit %d", g.ProgramUnit, g.EraseUnit)
	}
	if g.Base%g.EraseUnit != 0 || g.Size%g.EraseUnit != 0 {
		return fmt.Errorf("flash: base 0x%08x and size 0x%x must be erase unit aligned", g.Base, g.Size)
	}
	if g.End() > 1<<32 {
		return fmt.Errorf("flash: storage overflows the 32-bit address space")
	}
	return nil
}

// Aligned reports whether v is a multiple of unit, which must be a power of two.
func Aligned(v, unit uint32) bool {
	return v&(unit-1) == 0
}

func isPow2(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// Storage is the synchronous block storage contract the bootloader needs.
// Erase lengths must be erase unit multiples and program lengths program
// unit multiples; implementations reject anything else with ErrUnaligned.
type Storage interface {
	Geometry() Geometry
	ReadAt(p []byte, addr uint32) error
	Erase(addr, n uint32) error
	Program(addr uint32, data []byte) error
}
