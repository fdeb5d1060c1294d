package client

import (
	"fmt"

	"github.com/bigbag/wota/internal/checksum"
	"github.com/bigbag/wota/internal/flash"
	"github.com/bigbag/wota/internal/image"
)

// Image is an application binary and its load address.
type Image struct {
	Addr uint32
	Data []byte
}

func align(val, to uint32) uint32 {
	return (val + (to - 1)) &^ (to - 1)
}

// Program writes img and seals it. The connection must be fresh: Program
// starts with the sync token. It returns the committed header.
func (c *Client) Program(img Image) (image.Header, error) {
	if err := c.Sync(); err != nil {
		return image.Header{}, fmt.Errorf("sync: %w", err)
	}

	c.reportProgress("Querying device info", 0, 1)
	info, err := c.Info()
	if err != nil {
		return image.Header{}, fmt.Errorf("info: %w", err)
	}
	c.reportProgress("Querying device info", 1, 1)
	c.log.WithField("info", fmt.Sprintf("%+v", info)).Debug("device info")

	if len(img.Data) == 0 {
		return image.Header{}, fmt.Errorf("image is empty")
	}
	if !flash.Aligned(img.Addr, info.ProgramUnit) {
		return image.Header{}, fmt.Errorf("load address 0x%08x is not aligned to %d", img.Addr, info.ProgramUnit)
	}

	// pad to the program unit with the erased value
	data := append([]byte(nil), img.Data...)
	for uint32(len(data))%info.ProgramUnit != 0 {
		data = append(data, flash.ErasedByte)
	}

	end := uint64(info.WriteMin) + uint64(info.WriteSize)
	if img.Addr < info.WriteMin {
		return image.Header{}, fmt.Errorf("image load address too low: 0x%08x < 0x%08x", img.Addr, info.WriteMin)
	}
	if uint64(img.Addr)+uint64(len(data)) > end {
		return image.Header{}, fmt.Errorf("image of %d bytes doesn't fit in flash at 0x%08x", len(data), img.Addr)
	}

	// One erase unit per command keeps each command short enough that
	// transports don't time out
	eraseStart := img.Addr &^ (info.EraseUnit - 1)
	eraseLen := align(img.Addr+uint32(len(data))-eraseStart, info.EraseUnit)
	c.reportProgress("Erasing", 0, int(eraseLen))
	for off := uint32(0); off < eraseLen; off += info.EraseUnit {
		if err := c.Erase(eraseStart+off, info.EraseUnit); err != nil {
			return image.Header{}, fmt.Errorf("erase 0x%08x: %w", eraseStart+off, err)
		}
		c.reportProgress("Erasing", int(off+info.EraseUnit), int(eraseLen))
	}

	chunk := info.MaxDataLen &^ (info.ProgramUnit - 1)
	if chunk == 0 {
		return image.Header{}, fmt.Errorf("max data length %d below program unit %d", info.MaxDataLen, info.ProgramUnit)
	}
	total := uint32(len(data))
	c.reportProgress("Writing", 0, int(total))
	for off := uint32(0); off < total; off += chunk {
		block := data[off:min(off+chunk, total)]
		crc, err := c.Write(img.Addr+off, block)
		if err != nil {
			return image.Header{}, fmt.Errorf("write 0x%08x: %w", img.Addr+off, err)
		}
		if want := checksum.CRC32(block); crc != want {
			return image.Header{}, fmt.Errorf("write 0x%08x: device stored crc 0x%08x, expected 0x%08x", img.Addr+off, crc, want)
		}
		c.reportProgress("Writing", int(off)+len(block), int(total))
	}

	c.reportProgress("Finalising", 0, 1)
	h := image.FromBinary(img.Addr, data)
	if err := c.Seal(h); err != nil {
		return image.Header{}, fmt.Errorf("seal: %w", err)
	}
	c.reportProgress("Finalising", 1, 1)

	return h, nil
}
