// Package client talks to the bootloader from the host side.
package client

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/wota/internal/checksum"
	"github.com/bigbag/wota/internal/image"
	"github.com/bigbag/wota/internal/protocol"
)

const maxSyncAttempts = 5

// ErrNotSynced is returned when the device does not answer the sync token.
var ErrNotSynced = errors.New("client: device did not acknowledge sync")

// DeviceError is returned when the device answers with the error status.
type DeviceError struct {
	Op     uint32
	Status uint32
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device rejected %s: %s", protocol.CommandName(e.Op), protocol.StatusMessage(e.Status))
}

// ProgressCallback is called to report progress of a stage.
type ProgressCallback func(stage string, current, total int)

// Info is the device's answer to INFO.
type Info struct {
	WriteMin    uint32
	WriteSize   uint32
	EraseUnit   uint32
	ProgramUnit uint32
	MaxDataLen  uint32
}

// Client runs commands on a connected device.
type Client struct {
	rw       io.ReadWriter
	timeout  time.Duration
	progress ProgressCallback
	log      *logrus.Entry
}

// New creates a client on an open connection.
func New(rw io.ReadWriter) *Client {
	return &Client{
		rw:      rw,
		timeout: 10 * time.Second,
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
}

// SetProgressCallback sets the progress callback function.
func (c *Client) SetProgressCallback(cb ProgressCallback) {
	c.progress = cb
}

// SetTimeout sets the per command timeout, applied when the connection
// supports deadlines.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SetLogger sets the log entry.
func (c *Client) SetLogger(l *logrus.Entry) {
	c.log = l
}

func (c *Client) reportProgress(stage string, current, total int) {
	if c.progress != nil {
		c.progress(stage, current, total)
	}
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

func (c *Client) arm() {
	if d, ok := c.rw.(deadliner); ok && c.timeout > 0 {
		d.SetDeadline(time.Now().Add(c.timeout))
	}
}

// exec sends req and reads a response of nargs words and dataLen bytes.
func (c *Client) exec(req *protocol.Request, nargs, dataLen int) (*protocol.Response, error) {
	frame, err := req.Encode()
	if err != nil {
		return nil, err
	}

	c.arm()
	c.log.WithField("opcode", protocol.TagString(req.Opcode)).Tracef("send %d bytes", len(frame))
	if _, err := c.rw.Write(frame); err != nil {
		return nil, fmt.Errorf("%s: %w", protocol.CommandName(req.Opcode), err)
	}

	resp, err := protocol.ReadResponse(c.rw, nargs, dataLen)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", protocol.CommandName(req.Opcode), err)
	}

	expected := protocol.RspOK
	if req.Opcode == protocol.CmdSync {
		expected = protocol.RspSync
	}
	if !resp.IsSuccess(expected) {
		c.log.Debugf("%s failed: %s", protocol.CommandName(req.Opcode), resp.ErrorString(expected))
		return nil, &DeviceError{Op: req.Opcode, Status: resp.Status}
	}
	return resp, nil
}

// Sync sends the sync token, retrying a few times. It must be the first
// thing sent on a connection.
func (c *Client) Sync() error {
	var err error
	for attempt := 0; attempt < maxSyncAttempts; attempt++ {
		c.reportProgress("Synchronising", attempt, maxSyncAttempts)

		_, err = c.exec(protocol.NewRequest(protocol.CmdSync), 0, 0)
		if err == nil {
			c.reportProgress("Synchronising", maxSyncAttempts, maxSyncAttempts)
			return nil
		}

		var derr *DeviceError
		if !errors.As(err, &derr) {
			// transport failure, retrying will not help
			return err
		}
		err = fmt.Errorf("%w: got %s", ErrNotSynced, protocol.TagString(derr.Status))
	}
	return err
}

// Info queries the device geometry.
func (c *Client) Info() (Info, error) {
	resp, err := c.exec(protocol.NewRequest(protocol.CmdInfo), 5, 0)
	if err != nil {
		return Info{}, err
	}
	a := resp.Args
	return Info{
		WriteMin:    a[0],
		WriteSize:   a[1],
		EraseUnit:   a[2],
		ProgramUnit: a[3],
		MaxDataLen:  a[4],
	}, nil
}

// Read reads up to protocol.MaxDataLen bytes.
func (c *Client) Read(addr, n uint32) ([]byte, error) {
	resp, err := c.exec(protocol.NewRequest(protocol.CmdRead, addr, n), 0, int(n))
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ReadAll reads any length in max size chunks.
func (c *Client) ReadAll(addr, n uint32) ([]byte, error) {
	out := make([]byte, 0, n)
	for off := uint32(0); off < n; off += protocol.MaxDataLen {
		chunk := min(n-off, protocol.MaxDataLen)
		data, err := c.Read(addr+off, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		c.reportProgress("Reading", int(off+chunk), int(n))
	}
	return out, nil
}

// Csum returns the additive checksum of a word aligned range.
func (c *Client) Csum(addr, n uint32) (uint32, error) {
	resp, err := c.exec(protocol.NewRequest(protocol.CmdCsum, addr, n), 1, 0)
	if err != nil {
		return 0, err
	}
	return resp.Args[0], nil
}

// CRC returns the CRC32 of a word aligned range.
func (c *Client) CRC(addr, n uint32) (uint32, error) {
	resp, err := c.exec(protocol.NewRequest(protocol.CmdCRC, addr, n), 1, 0)
	if err != nil {
		return 0, err
	}
	return resp.Args[0], nil
}

// Erase erases an erase unit aligned range.
func (c *Client) Erase(addr, n uint32) error {
	_, err := c.exec(protocol.NewRequest(protocol.CmdErase, addr, n), 0, 0)
	return err
}

// Write programs data at addr and returns the CRC32 the device computed
// over what it stored.
func (c *Client) Write(addr uint32, data []byte) (uint32, error) {
	req := protocol.NewRequest(protocol.CmdWrite, addr, uint32(len(data))).WithData(data)
	resp, err := c.exec(req, 1, 0)
	if err != nil {
		return 0, err
	}
	return resp.Args[0], nil
}

// Seal commits an image header.
func (c *Client) Seal(h image.Header) error {
	_, err := c.exec(protocol.NewRequest(protocol.CmdSeal, h.Vector, h.Size, h.CRC), 0, 0)
	return err
}

// Go asks the device to jump to the image at vector.
func (c *Client) Go(vector uint32) error {
	return c.hangup(protocol.NewRequest(protocol.CmdGo, vector))
}

// Reboot asks the device to reset, into the bootloader if toBootloader.
func (c *Client) Reboot(toBootloader bool) error {
	var arg uint32
	if toBootloader {
		arg = 1
	}
	return c.hangup(protocol.NewRequest(protocol.CmdReboot, arg))
}

// hangup sends a command that is never answered: the device drops the
// connection or goes quiet. Only an error frame means failure.
func (c *Client) hangup(req *protocol.Request) error {
	frame, err := req.Encode()
	if err != nil {
		return err
	}
	c.arm()
	if _, err := c.rw.Write(frame); err != nil {
		return fmt.Errorf("%s: %w", protocol.CommandName(req.Opcode), err)
	}

	resp, err := protocol.ReadResponse(c.rw, 0, 0)
	if err != nil {
		c.log.WithError(err).Debugf("%s: no response, as expected", protocol.CommandName(req.Opcode))
		return nil
	}
	if resp.Status == protocol.RspOK {
		return nil
	}
	return &DeviceError{Op: req.Opcode, Status: resp.Status}
}

// Verify compares the device's CRC32 of [addr, addr+len(data)) with data,
// which must be a multiple of 4 bytes long.
func (c *Client) Verify(addr uint32, data []byte) error {
	remote, err := c.CRC(addr, uint32(len(data)))
	if err != nil {
		return err
	}
	if local := checksum.CRC32(data); local != remote {
		return fmt.Errorf("crc mismatch at 0x%08x: expected 0x%08x, device has 0x%08x", addr, local, remote)
	}
	return nil
}
