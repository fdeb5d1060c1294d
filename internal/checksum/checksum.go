// Package checksum computes the integrity values the bootloader reports:
// an IEEE 802.3 CRC32 and a 32-bit additive word sum.
package checksum

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// ErrUnaligned is returned when a range is not word aligned.
var ErrUnaligned = errors.New("checksum: address and length must be 4-byte aligned")

// chunkSize bounds the buffer used to stream a storage range.
const chunkSize = 4096

// Reader reads a range of the device address space.
type Reader interface {
	ReadAt(p []byte, addr uint32) error
}

// CRC32 returns the IEEE CRC32 (reflected, seed and final XOR 0xFFFFFFFF).
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// Sum adds up data as little-endian 32-bit words, modulo 2^32.
// Trailing bytes that do not fill a word are ignored.
func Sum(data []byte) uint32 {
	var sum uint32
	for i := 0; i+4 <= len(data); i += 4 {
		sum += binary.LittleEndian.Uint32(data[i:])
	}
	return sum
}

// CheckAligned validates the word alignment precondition of the range
// functions.
func CheckAligned(addr, n uint32) error {
	if addr&0x3 != 0 || n&0x3 != 0 {
		return fmt.Errorf("0x%08x+%d: %w", addr, n, ErrUnaligned)
	}
	return nil
}

// RangeCRC32 computes CRC32 over [addr, addr+n) of r.
func RangeCRC32(r Reader, addr, n uint32) (uint32, error) {
	if err := CheckAligned(addr, n); err != nil {
		return 0, err
	}
	h := crc32.NewIEEE()
	err := walk(r, addr, n, func(chunk []byte) {
		h.Write(chunk)
	})
	if err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

// RangeSum computes the additive word sum over [addr, addr+n) of r.
func RangeSum(r Reader, addr, n uint32) (uint32, error) {
	if err := CheckAligned(addr, n); err != nil {
		return 0, err
	}
	var sum uint32
	err := walk(r, addr, n, func(chunk []byte) {
		sum += Sum(chunk)
	})
	if err != nil {
		return 0, err
	}
	return sum, nil
}

func walk(r Reader, addr, n uint32, fn func([]byte)) error {
	if uint64(addr)+uint64(n) > 1<<32 {
		return fmt.Errorf("0x%08x+%d wraps the address space", addr, n)
	}
	buf := make([]byte, chunkSize)
	for done := uint32(0); done < n; {
		step := n - done
		if step > chunkSize {
			step = chunkSize
		}
		if err := r.ReadAt(buf[:step], addr+done); err != nil {
			return err
		}
		fn(buf[:step])
		done += step
	}
	return nil
}
