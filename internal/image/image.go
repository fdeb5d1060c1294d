// Package image implements the application image header: the one record in
// storage that says whether a runnable application exists and where.
package image

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bigbag/wota/internal/checksum"
	"github.com/bigbag/wota/internal/flash"
)

var (
	ErrInvalid   = errors.New("image: header does not describe a valid image")
	ErrAlignment = errors.New("image: vector or size misaligned")
	ErrVerify    = errors.New("image: committed header does not match")
)

// headerWords is the number of meaningful words at the start of a header.
const headerWords = 3

// Header describes a committed application image.
type Header struct {
	Vector uint32 // address of the vector table: initial SP, then reset handler
	Size   uint32 // image length in bytes
	CRC    uint32 // CRC32 over [Vector, Vector+Size)
}

func (h Header) String() string {
	return fmt.Sprintf("vector=0x%08x size=%d crc=0x%08x", h.Vector, h.Size, h.CRC)
}

// Encode serializes the header into one program unit, zero padded.
func (h Header) Encode(unit uint32) []byte {
	buf := make([]byte, unit)
	binary.LittleEndian.PutUint32(buf[0:4], h.Vector)
	binary.LittleEndian.PutUint32(buf[4:8], h.Size)
	binary.LittleEndian.PutUint32(buf[8:12], h.CRC)
	return buf
}

// Decode parses a header from its stored form.
func Decode(b []byte) (Header, error) {
	if len(b) < headerWords*4 {
		return Header{}, fmt.Errorf("image: header too short: %d bytes", len(b))
	}
	return Header{
		Vector: binary.LittleEndian.Uint32(b[0:4]),
		Size:   binary.LittleEndian.Uint32(b[4:8]),
		CRC:    binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// FromBinary builds the header for a raw application binary that will be
// loaded at vector.
func FromBinary(vector uint32, data []byte) Header {
	return Header{
		Vector: vector,
		Size:   uint32(len(data)),
		CRC:    checksum.CRC32(data),
	}
}

// SectionAddress finds the load address of an application in a linker map:
// the second column of the first line starting with section.
func SectionAddress(r io.Reader, section string) (uint32, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, section) {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 || parts[0] != section {
			continue
		}
		v, err := strconv.ParseUint(parts[1], 0, 32)
		if err != nil {
			return 0, fmt.Errorf("image: section %s: %w", section, err)
		}
		return uint32(v), nil
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("image: section %s not found in map", section)
}

// Region is a plain address range.
type Region struct {
	Base uint32
	Size uint32
}

// Layout partitions the storage address space. The header lives in its own
// erase unit at HeaderAddr; everything from the next erase unit to the end
// of storage is the application region.
type Layout struct {
	Flash      flash.Geometry
	HeaderAddr uint32
	RAM        Region
}

// Validate checks the layout against its geometry.
func (l Layout) Validate() error {
	if err := l.Flash.Validate(); err != nil {
		return err
	}
	if l.Flash.ProgramUnit < headerWords*4 {
		return fmt.Errorf("image: program unit %d cannot hold a header", l.Flash.ProgramUnit)
	}
	if !flash.Aligned(l.HeaderAddr, l.Flash.EraseUnit) {
		return fmt.Errorf("image: header address 0x%08x not erase unit aligned", l.HeaderAddr)
	}
	if !l.Flash.Contains(l.HeaderAddr, 2*l.Flash.EraseUnit) {
		return fmt.Errorf("image: header address 0x%08x leaves no application region", l.HeaderAddr)
	}
	if l.RAM.Size == 0 {
		return fmt.Errorf("image: RAM region must be non-empty")
	}
	return nil
}

// WriteMin is the lowest address the protocol may erase or program.
func (l Layout) WriteMin() uint32 {
	return l.HeaderAddr + l.Flash.EraseUnit
}

// WriteSize is the size of the application region.
func (l Layout) WriteSize() uint32 {
	return uint32(l.Flash.End() - uint64(l.WriteMin()))
}

// Writable reports whether [addr, addr+n) lies inside the application region.
func (l Layout) Writable(addr, n uint32) bool {
	return addr >= l.WriteMin() && uint64(addr)+uint64(n) <= l.Flash.End()
}

// inRAM reports whether v is a plausible initial stack pointer. The top of
// RAM is included: a full descending stack starts there.
func (l Layout) inRAM(v uint32) bool {
	return v >= l.RAM.Base && uint64(v) <= uint64(l.RAM.Base)+uint64(l.RAM.Size)
}

// Check decides whether h describes a runnable image in r. It is the only
// gate before control is handed to an application.
func (l Layout) Check(r checksum.Reader, h Header) error {
	crc, err := checksum.RangeCRC32(r, h.Vector, h.Size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if crc != h.CRC {
		return fmt.Errorf("%w: crc 0x%08x, header says 0x%08x", ErrInvalid, crc, h.CRC)
	}

	var vt [8]byte
	if err := r.ReadAt(vt[:], h.Vector); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	sp := binary.LittleEndian.Uint32(vt[0:4])
	entry := binary.LittleEndian.Uint32(vt[4:8])

	if !l.inRAM(sp) {
		return fmt.Errorf("%w: stack pointer 0x%08x outside RAM", ErrInvalid, sp)
	}

	// Reset vector must be a thumb address inside the image, end included.
	if addr := entry &^ 1; addr < h.Vector || uint64(addr) > uint64(h.Vector)+uint64(h.Size) || entry&1 == 0 {
		return fmt.Errorf("%w: entry 0x%08x not a thumb address inside the image", ErrInvalid, entry)
	}

	return nil
}

// ReadHeader reads the currently committed header.
func (l Layout) ReadHeader(r checksum.Reader) (Header, error) {
	buf := make([]byte, l.Flash.ProgramUnit)
	if err := r.ReadAt(buf, l.HeaderAddr); err != nil {
		return Header{}, err
	}
	return Decode(buf)
}

// Seal validates h against the current storage contents and only then
// commits it: erase the header unit, program it, read it back.
//
// Between the erase and the program there is no valid header; a power loss
// there leaves the device in bootloader mode, never in a half-written image.
func (l Layout) Seal(s flash.Storage, h Header) error {
	if !flash.Aligned(h.Vector, l.Flash.ProgramUnit) || h.Size&0x3 != 0 {
		return fmt.Errorf("%w: %s", ErrAlignment, h)
	}

	if err := l.Check(s, h); err != nil {
		return err
	}

	candidate := h.Encode(l.Flash.ProgramUnit)
	if err := s.Erase(l.HeaderAddr, l.Flash.EraseUnit); err != nil {
		return fmt.Errorf("erase header: %w", err)
	}
	if err := s.Program(l.HeaderAddr, candidate); err != nil {
		return fmt.Errorf("program header: %w", err)
	}

	check := make([]byte, len(candidate))
	if err := s.ReadAt(check, l.HeaderAddr); err != nil {
		return fmt.Errorf("read back header: %w", err)
	}
	if !bytes.Equal(candidate, check) {
		return ErrVerify
	}

	return nil
}
