package bootloader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/bigbag/wota/internal/bootflag"
	"github.com/bigbag/wota/internal/flash"
	"github.com/bigbag/wota/internal/image"
	"github.com/bigbag/wota/internal/platform"
	"github.com/bigbag/wota/internal/protocol"
	"github.com/bigbag/wota/internal/server"
)

var testLayout = image.Layout{
	Flash: flash.Geometry{
		Base:        0x10000000,
		Size:        2 * 1024 * 1024,
		EraseUnit:   4096,
		ProgramUnit: 256,
	},
	HeaderAddr: 0x10003000,
	RAM:        image.Region{Base: 0x20000000, Size: 0x42000},
}

const writeMin = 0x10004000

var errInjected = errors.New("injected storage failure")

// trackedStorage counts mutations and can fail them.
type trackedStorage struct {
	flash.Storage
	erases, programs int
	failErase        bool
	failProgram      bool
}

func (s *trackedStorage) Erase(addr, n uint32) error {
	s.erases++
	if s.failErase {
		return errInjected
	}
	return s.Storage.Erase(addr, n)
}

func (s *trackedStorage) Program(addr uint32, data []byte) error {
	s.programs++
	if s.failProgram {
		return errInjected
	}
	return s.Storage.Program(addr, data)
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type testDevice struct {
	*Device
	store *trackedStorage
	sim   *platform.Sim
	flag  *bootflag.Memory
}

func newTestDevice(t *testing.T) *testDevice {
	t.Helper()
	mem, err := flash.NewMemory(testLayout.Flash)
	require.NoError(t, err)
	store := &trackedStorage{Storage: mem}
	flag := &bootflag.Memory{}
	sim := platform.NewSim(flag, quietLog())

	dev, err := New(Config{
		Storage:  store,
		Layout:   testLayout,
		Platform: sim,
		Log:      quietLog(),
	})
	require.NoError(t, err)
	return &testDevice{Device: dev, store: store, sim: sim, flag: flag}
}

// frames collects everything a session transmits.
type frames struct {
	queued [][]byte
}

func (f *frames) Write(p []byte) error {
	f.queued = append(f.queued, append([]byte(nil), p...))
	return nil
}

// conn drives a session the way a stream transport does: bytes are handed
// over no faster than the session asks for them and every queued frame is
// reported sent before more input arrives.
type conn struct {
	t    *testing.T
	sess *server.Session
	tx   *frames
}

func (d *testDevice) connect(t *testing.T, opts ...server.Option) *conn {
	t.Helper()
	table, err := NewTable(d.Device)
	require.NoError(t, err)
	tx := &frames{}
	opts = append([]server.Option{server.WithLogger(quietLog())}, opts...)
	c := &conn{t: t, sess: server.NewSession(table, tx, opts...), tx: tx}

	out, err := c.exchange([]byte("SYNC"))
	require.NoError(t, err)
	require.Equal(t, []byte("WOTA"), out)
	return c
}

func (c *conn) exchange(req []byte) ([]byte, error) {
	var out []byte
	for len(req) > 0 {
		want := c.sess.Want()
		if want == 0 {
			return out, fmt.Errorf("session not reading in %s", c.sess.State())
		}
		n := min(want, len(req))
		if err := c.sess.OnData(req[:n]); err != nil {
			return out, err
		}
		req = req[n:]

		for len(c.tx.queued) > 0 {
			f := c.tx.queued[0]
			c.tx.queued = c.tx.queued[1:]
			out = append(out, f...)
			if err := c.sess.OnSent(len(f)); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

// call sends one command and expects a successful response.
func (c *conn) call(op uint32, args []uint32, data []byte) []byte {
	c.t.Helper()
	out, err := c.exchange(encode(c.t, op, args, data))
	require.NoError(c.t, err)
	require.GreaterOrEqual(c.t, len(out), 4)
	require.Equal(c.t, "OKOK", string(out[:4]), "%s answered %q", protocol.TagString(op), out)
	return out[4:]
}

// reject sends one command and expects the error frame.
func (c *conn) reject(op uint32, args []uint32, data []byte) {
	c.t.Helper()
	out, err := c.exchange(encode(c.t, op, args, data))
	require.Equal(c.t, []byte("ERR!"), out)
	require.ErrorIs(c.t, err, server.ErrClosed)
}

func encode(t *testing.T, op uint32, args []uint32, data []byte) []byte {
	t.Helper()
	b, err := protocol.NewRequest(op, args...).WithData(data).Encode()
	require.NoError(t, err)
	return b
}

// appImage builds an application binary with a plausible vector table.
func appImage(vector uint32, size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*13 + 5)
	}
	binary.LittleEndian.PutUint32(data[0:4], testLayout.RAM.Base+testLayout.RAM.Size)
	binary.LittleEndian.PutUint32(data[4:8], vector+0x101)
	return data
}

// upload erases and writes data through the protocol, one max-size chunk
// at a time.
func (c *conn) upload(addr uint32, data []byte) {
	c.t.Helper()
	erase := (uint32(len(data)) + testLayout.Flash.EraseUnit - 1) &^ (testLayout.Flash.EraseUnit - 1)
	c.call(protocol.CmdErase, []uint32{addr, erase}, nil)
	for off := 0; off < len(data); off += protocol.MaxDataLen {
		chunk := data[off:min(off+protocol.MaxDataLen, len(data))]
		c.call(protocol.CmdWrite, []uint32{addr + uint32(off), uint32(len(chunk))}, chunk)
	}
}
