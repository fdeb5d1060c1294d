package bootloader

import (
	"errors"
	"fmt"

	"github.com/bigbag/wota/internal/checksum"
	"github.com/bigbag/wota/internal/flash"
	"github.com/bigbag/wota/internal/image"
	"github.com/bigbag/wota/internal/protocol"
	"github.com/bigbag/wota/internal/server"
)

// ErrTooLong is returned for payloads above protocol.MaxDataLen.
var ErrTooLong = errors.New("bootloader: length exceeds max data length")

// Commands returns the command set served by dev. SYNC comes first.
func Commands(dev *Device) []server.Command {
	return []server.Command{
		syncCmd{},
		readCmd{dev},
		csumCmd{dev},
		crcCmd{dev},
		eraseCmd{dev},
		writeCmd{dev},
		sealCmd{dev},
		goCmd{dev},
		infoCmd{dev},
		rebootCmd{dev},
	}
}

// NewTable builds the dispatch table for dev.
func NewTable(dev *Device) (*server.Table, error) {
	return server.NewTable(protocol.CmdSync, Commands(dev)...)
}

// SYNC
// WOTA
type syncCmd struct{}

func (syncCmd) Opcode() uint32 { return protocol.CmdSync }
func (syncCmd) Args() int      { return 0 }
func (syncCmd) RespArgs() int  { return 0 }

func (syncCmd) Handle(_ []uint32, _ []byte, _ []uint32, _ []byte) (uint32, error) {
	return protocol.RspSync, nil
}

// READ addr len
// OKOK [data]
type readCmd struct{ dev *Device }

func (readCmd) Opcode() uint32 { return protocol.CmdRead }
func (readCmd) Args() int      { return 2 }
func (readCmd) RespArgs() int  { return 0 }

func (c readCmd) Size(args []uint32) (uint32, uint32, error) {
	addr, n := args[0], args[1]
	if n > protocol.MaxDataLen {
		return 0, 0, fmt.Errorf("%w: read %d", ErrTooLong, n)
	}
	if err := c.dev.readable(addr, n); err != nil {
		return 0, 0, err
	}
	return 0, n, nil
}

func (c readCmd) Handle(args []uint32, _ []byte, _ []uint32, respData []byte) (uint32, error) {
	if err := c.dev.storage.ReadAt(respData, args[0]); err != nil {
		return protocol.RspErr, err
	}
	return protocol.RspOK, nil
}

// CSUM addr len
// OKOK csum
type csumCmd struct{ dev *Device }

func (csumCmd) Opcode() uint32 { return protocol.CmdCsum }
func (csumCmd) Args() int      { return 2 }
func (csumCmd) RespArgs() int  { return 1 }

func (c csumCmd) Size(args []uint32) (uint32, uint32, error) {
	if err := checksum.CheckAligned(args[0], args[1]); err != nil {
		return 0, 0, err
	}
	return 0, 0, c.dev.readable(args[0], args[1])
}

func (c csumCmd) Handle(args []uint32, _ []byte, resp []uint32, _ []byte) (uint32, error) {
	sum, err := checksum.RangeSum(c.dev.storage, args[0], args[1])
	if err != nil {
		return protocol.RspErr, err
	}
	resp[0] = sum
	return protocol.RspOK, nil
}

// CRCC addr len
// OKOK crc
type crcCmd struct{ dev *Device }

func (crcCmd) Opcode() uint32 { return protocol.CmdCRC }
func (crcCmd) Args() int      { return 2 }
func (crcCmd) RespArgs() int  { return 1 }

func (c crcCmd) Size(args []uint32) (uint32, uint32, error) {
	if err := checksum.CheckAligned(args[0], args[1]); err != nil {
		return 0, 0, err
	}
	return 0, 0, c.dev.readable(args[0], args[1])
}

func (c crcCmd) Handle(args []uint32, _ []byte, resp []uint32, _ []byte) (uint32, error) {
	crc, err := checksum.RangeCRC32(c.dev.storage, args[0], args[1])
	if err != nil {
		return protocol.RspErr, err
	}
	resp[0] = crc
	return protocol.RspOK, nil
}

// ERAS addr len
// OKOK
type eraseCmd struct{ dev *Device }

func (eraseCmd) Opcode() uint32 { return protocol.CmdErase }
func (eraseCmd) Args() int      { return 2 }
func (eraseCmd) RespArgs() int  { return 0 }

func (c eraseCmd) Size(args []uint32) (uint32, uint32, error) {
	return 0, 0, c.dev.writable(args[0], args[1], c.dev.layout.Flash.EraseUnit)
}

func (c eraseCmd) Handle(args []uint32, _ []byte, _ []uint32, _ []byte) (uint32, error) {
	addr, n := args[0], args[1]
	c.dev.log.WithFields(fieldsFor(addr, n)).Debug("erase")
	if err := c.dev.storage.Erase(addr, n); err != nil {
		return protocol.RspErr, fmt.Errorf("erase: %w", err)
	}
	return protocol.RspOK, nil
}

// WRIT addr len [data]
// OKOK crc
type writeCmd struct{ dev *Device }

func (writeCmd) Opcode() uint32 { return protocol.CmdWrite }
func (writeCmd) Args() int      { return 2 }
func (writeCmd) RespArgs() int  { return 1 }

func (c writeCmd) Size(args []uint32) (uint32, uint32, error) {
	addr, n := args[0], args[1]
	if n > protocol.MaxDataLen {
		return 0, 0, fmt.Errorf("%w: write %d", ErrTooLong, n)
	}
	if err := c.dev.writable(addr, n, c.dev.layout.Flash.ProgramUnit); err != nil {
		return 0, 0, err
	}
	return n, 0, nil
}

func (c writeCmd) Handle(args []uint32, data []byte, resp []uint32, _ []byte) (uint32, error) {
	addr, n := args[0], args[1]
	c.dev.log.WithFields(fieldsFor(addr, n)).Debug("program")
	if err := c.dev.storage.Program(addr, data); err != nil {
		return protocol.RspErr, fmt.Errorf("program: %w", err)
	}

	// CRC of what is now in storage, not of what was sent
	crc, err := checksum.RangeCRC32(c.dev.storage, addr, n)
	if err != nil {
		return protocol.RspErr, err
	}
	resp[0] = crc
	return protocol.RspOK, nil
}

// SEAL vector size crc
// OKOK
type sealCmd struct{ dev *Device }

func (sealCmd) Opcode() uint32 { return protocol.CmdSeal }
func (sealCmd) Args() int      { return 3 }
func (sealCmd) RespArgs() int  { return 0 }

func (c sealCmd) Handle(args []uint32, _ []byte, _ []uint32, _ []byte) (uint32, error) {
	h := image.Header{Vector: args[0], Size: args[1], CRC: args[2]}
	if err := c.dev.layout.Seal(c.dev.storage, h); err != nil {
		return protocol.RspErr, err
	}
	c.dev.log.WithField("header", h).Info("Image sealed")
	return protocol.RspOK, nil
}

// GOGO vector
// no response
type goCmd struct{ dev *Device }

func (goCmd) Opcode() uint32 { return protocol.CmdGo }
func (goCmd) Args() int      { return 1 }
func (goCmd) RespArgs() int  { return 0 }

func (c goCmd) Handle(args []uint32, _ []byte, _ []uint32, _ []byte) (uint32, error) {
	if err := c.dev.post(Jump{Vector: args[0]}); err != nil {
		return protocol.RspErr, err
	}
	return protocol.RspOK, server.ErrHangup
}

// INFO
// OKOK write_min write_size erase_unit program_unit max_data_len
type infoCmd struct{ dev *Device }

func (infoCmd) Opcode() uint32 { return protocol.CmdInfo }
func (infoCmd) Args() int      { return 0 }
func (infoCmd) RespArgs() int  { return 5 }

func (c infoCmd) Handle(_ []uint32, _ []byte, resp []uint32, _ []byte) (uint32, error) {
	l := c.dev.layout
	resp[0] = l.WriteMin()
	resp[1] = l.WriteSize()
	resp[2] = l.Flash.EraseUnit
	resp[3] = l.Flash.ProgramUnit
	resp[4] = protocol.MaxDataLen
	return protocol.RspOK, nil
}

// BOOT to_bootloader
// no response
type rebootCmd struct{ dev *Device }

func (rebootCmd) Opcode() uint32 { return protocol.CmdReboot }
func (rebootCmd) Args() int      { return 1 }
func (rebootCmd) RespArgs() int  { return 0 }

func (c rebootCmd) Handle(args []uint32, _ []byte, _ []uint32, _ []byte) (uint32, error) {
	if err := c.dev.post(Reboot{ToBootloader: args[0] != 0}); err != nil {
		return protocol.RspErr, err
	}
	return protocol.RspOK, server.ErrHangup
}

// readable checks that [addr, addr+n) lies inside storage.
func (d *Device) readable(addr, n uint32) error {
	if !d.layout.Flash.Contains(addr, n) {
		return fmt.Errorf("%w: 0x%08x+%d", flash.ErrOutOfRange, addr, n)
	}
	return nil
}

// writable checks that [addr, addr+n) lies inside the application region and
// is aligned to unit.
func (d *Device) writable(addr, n, unit uint32) error {
	if !flash.Aligned(addr, unit) || !flash.Aligned(n, unit) {
		return fmt.Errorf("%w: 0x%08x+%d to %d", flash.ErrUnaligned, addr, n, unit)
	}
	if !d.layout.Writable(addr, n) {
		return fmt.Errorf("%w: 0x%08x+%d outside 0x%08x..0x%08x",
			flash.ErrOutOfRange, addr, n, d.layout.WriteMin(), d.layout.Flash.End())
	}
	return nil
}
