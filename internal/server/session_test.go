package server

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bigbag/wota/internal/protocol"
)

var (
	opEcho = protocol.Tag("ECHO")
	opFail = protocol.Tag("FAIL")
	opBye  = protocol.Tag("BYEE")
)

type syncCmd struct{}

func (syncCmd) Opcode() uint32 { return protocol.CmdSync }
func (syncCmd) Args() int      { return 0 }
func (syncCmd) RespArgs() int  { return 0 }
func (syncCmd) Handle(_ []uint32, _ []byte, _ []uint32, _ []byte) (uint32, error) {
	return protocol.RspSync, nil
}

// echoCmd takes a length, reads that many bytes, returns them reversed
// together with their sum.
type echoCmd struct{}

func (echoCmd) Opcode() uint32 { return opEcho }
func (echoCmd) Args() int      { return 1 }
func (echoCmd) RespArgs() int  { return 1 }
func (echoCmd) Size(args []uint32) (uint32, uint32, error) {
	if args[0] > protocol.MaxDataLen {
		return 0, 0, fmt.Errorf("too long")
	}
	return args[0], args[0], nil
}
func (echoCmd) Handle(_ []uint32, data []byte, resp []uint32, respData []byte) (uint32, error) {
	in := append([]byte(nil), data...)
	var sum uint32
	for i, b := range in {
		respData[len(in)-1-i] = b
		sum += uint32(b)
	}
	resp[0] = sum
	return protocol.RspOK, nil
}

type failCmd struct{}

func (failCmd) Opcode() uint32 { return opFail }
func (failCmd) Args() int      { return 0 }
func (failCmd) RespArgs() int  { return 0 }
func (failCmd) Handle(_ []uint32, _ []byte, _ []uint32, _ []byte) (uint32, error) {
	return 0, errors.New("storage failed")
}

type byeCmd struct{ called *bool }

func (byeCmd) Opcode() uint32 { return opBye }
func (byeCmd) Args() int      { return 1 }
func (byeCmd) RespArgs() int  { return 0 }
func (c byeCmd) Handle(_ []uint32, _ []byte, _ []uint32, _ []byte) (uint32, error) {
	if c.called != nil {
		*c.called = true
	}
	return 0, ErrHangup
}

type argsCmd struct {
	op   uint32
	n, r int
}

func (c argsCmd) Opcode() uint32 { return c.op }
func (c argsCmd) Args() int      { return c.n }
func (c argsCmd) RespArgs() int  { return c.r }
func (argsCmd) Handle(_ []uint32, _ []byte, _ []uint32, _ []byte) (uint32, error) {
	return protocol.RspOK, nil
}

// recorder is a Transmitter that keeps everything written.
type recorder struct {
	frames [][]byte
	fail   error
}

func (r *recorder) Write(p []byte) error {
	if r.fail != nil {
		return r.fail
	}
	r.frames = append(r.frames, append([]byte(nil), p...))
	return nil
}

func (r *recorder) last() []byte {
	if len(r.frames) == 0 {
		return nil
	}
	return r.frames[len(r.frames)-1]
}

func testTable(t *testing.T, extra ...Command) *Table {
	t.Helper()
	cmds := append([]Command{syncCmd{}, echoCmd{}, failCmd{}}, extra...)
	table, err := NewTable(protocol.CmdSync, cmds...)
	require.NoError(t, err)
	return table
}

func word(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func frame(op uint32, args []uint32, data []byte) []byte {
	out := word(op)
	for _, a := range args {
		out = append(out, word(a)...)
	}
	return append(out, data...)
}

// deliver feeds p in chunks of at most size bytes, the way a transport
// honouring Want would.
func deliver(t *testing.T, s *Session, p []byte, size int) {
	t.Helper()
	for len(p) > 0 {
		n := s.Want()
		if n > size {
			n = size
		}
		require.NotZero(t, n, "session wants nothing with %d bytes left in %s", len(p), s.State())
		if n > len(p) {
			n = len(p)
		}
		require.NoError(t, s.OnData(p[:n]))
		p = p[n:]
	}
}

// ack reports the last queued frame as sent.
func ack(t *testing.T, s *Session, r *recorder) error {
	t.Helper()
	return s.OnSent(len(r.last()))
}

func synced(t *testing.T, opts ...Option) (*Session, *recorder) {
	t.Helper()
	r := &recorder{}
	s := NewSession(testTable(t, byeCmd{}), r, opts...)
	require.Equal(t, StateAwaitSync, s.State())
	deliver(t, s, []byte("SYNC"), 4)
	require.Equal(t, []byte("WOTA"), r.last())
	require.Equal(t, StateWriteResp, s.State())
	require.NoError(t, ack(t, s, r))
	require.Equal(t, StateReadOpcode, s.State())
	return s, r
}

func TestNewTable_Validation(t *testing.T) {
	_, err := NewTable(protocol.CmdSync, syncCmd{}, argsCmd{op: 1, n: protocol.MaxArgs + 1})
	require.Error(t, err)
	_, err = NewTable(protocol.CmdSync, syncCmd{}, argsCmd{op: 1, r: protocol.MaxArgs + 1})
	require.Error(t, err)
	_, err = NewTable(protocol.CmdSync, syncCmd{}, syncCmd{})
	require.Error(t, err)
	_, err = NewTable(protocol.CmdSync, echoCmd{})
	require.Error(t, err)

	table, err := NewTable(protocol.CmdSync, syncCmd{}, argsCmd{op: 1, n: protocol.MaxArgs, r: protocol.MaxArgs})
	require.NoError(t, err)
	_, ok := table.Lookup(1)
	require.True(t, ok)
	_, ok = table.Lookup(2)
	require.False(t, ok)
}

func TestSession_SyncThenCommands(t *testing.T) {
	s, r := synced(t)

	// sync is also an ordinary command once synchronised
	deliver(t, s, []byte("SYNC"), 4)
	require.Equal(t, []byte("WOTA"), r.last())
	require.NoError(t, ack(t, s, r))

	payload := []byte{1, 2, 3, 4, 5}
	deliver(t, s, frame(opEcho, []uint32{5}, payload), 64)
	resp := r.last()
	require.Equal(t, []byte("OKOK"), resp[0:4])
	require.Equal(t, uint32(15), binary.LittleEndian.Uint32(resp[4:8]))
	require.Equal(t, []byte{5, 4, 3, 2, 1}, resp[8:])
	require.NoError(t, ack(t, s, r))

	// loops back to opcode, not to sync
	require.Equal(t, StateReadOpcode, s.State())
}

func TestSession_ByteAtATime(t *testing.T) {
	s, r := synced(t)

	payload := bytes.Repeat([]byte{0xAA}, 300)
	deliver(t, s, frame(opEcho, []uint32{300}, payload), 1)
	require.Len(t, r.last(), 8+300)
	require.Equal(t, uint32(300*0xAA), binary.LittleEndian.Uint32(r.last()[4:8]))
}

func TestSession_PartialSends(t *testing.T) {
	s, r := synced(t)
	deliver(t, s, frame(opEcho, []uint32{16}, make([]byte, 16)), 64)

	total := len(r.last())
	require.NoError(t, s.OnSent(10))
	require.Equal(t, StateWriteResp, s.State())
	require.NoError(t, s.OnSent(total-10))
	require.Equal(t, StateReadOpcode, s.State())
}

func TestSession_OverSend(t *testing.T) {
	s, r := synced(t)
	deliver(t, s, []byte("SYNC"), 4)
	require.Error(t, s.OnSent(len(r.last())+1))
	require.Equal(t, StateClosed, s.State())
}

func TestSession_BadSync(t *testing.T) {
	r := &recorder{}
	s := NewSession(testTable(t), r)

	require.NoError(t, s.OnData([]byte("SYNX")))
	require.Equal(t, []byte("ERR!"), r.last())
	require.Equal(t, StateWriteError, s.State())
	require.Zero(t, s.Want())

	require.True(t, errors.Is(ack(t, s, r), ErrClosed))
	require.Equal(t, StateClosed, s.State())
	require.True(t, errors.Is(s.OnData([]byte("SYNC")), ErrClosed))
}

func TestSession_ResyncPolicy(t *testing.T) {
	s, r := synced(t, WithErrorPolicy(PolicyResync))

	deliver(t, s, []byte("NOPE"), 4)
	require.Equal(t, []byte("ERR!"), r.last())
	require.NoError(t, ack(t, s, r))
	require.Equal(t, StateAwaitSync, s.State())

	deliver(t, s, []byte("SYNC"), 4)
	require.Equal(t, []byte("WOTA"), r.last())
}

func TestSession_UnknownOpcode(t *testing.T) {
	s, r := synced(t)
	deliver(t, s, []byte("NOPE"), 4)
	require.Equal(t, []byte("ERR!"), r.last())
	require.True(t, errors.Is(ack(t, s, r), ErrClosed))
}

func TestSession_SizeRejected(t *testing.T) {
	s, r := synced(t)
	deliver(t, s, frame(opEcho, []uint32{protocol.MaxDataLen + 1}, nil), 64)
	require.Equal(t, []byte("ERR!"), r.last())
	require.Equal(t, StateWriteError, s.State())
}

func TestSession_HandlerError(t *testing.T) {
	s, r := synced(t)
	deliver(t, s, []byte("FAIL"), 4)
	require.Equal(t, []byte("ERR!"), r.last())
}

func TestSession_Hangup(t *testing.T) {
	called := false
	r := &recorder{}
	s := NewSession(testTable(t, byeCmd{called: &called}), r)
	deliver(t, s, []byte("SYNC"), 4)
	require.NoError(t, ack(t, s, r))
	frames := len(r.frames)

	require.NoError(t, s.OnData(word(opBye)))
	err := s.OnData(word(1))
	require.True(t, errors.Is(err, ErrHangup))
	require.True(t, called)
	require.Len(t, r.frames, frames, "hang-up must not send a response")
	require.Equal(t, StateClosed, s.State())
}

func TestSession_OverflowNeverOverruns(t *testing.T) {
	for _, burst := range []int{5, 64, BufferSize, 4 * BufferSize} {
		t.Run(fmt.Sprint(burst), func(t *testing.T) {
			r := &recorder{}
			s := NewSession(testTable(t), r)

			require.NoError(t, s.OnData(bytes.Repeat([]byte{'S'}, burst)))
			require.Equal(t, []byte("ERR!"), r.last())
			require.Equal(t, StateWriteError, s.State())
		})
	}
}

func TestSession_OverflowMidCommand(t *testing.T) {
	s, r := synced(t)
	require.NoError(t, s.OnData(word(opEcho)))
	// args phase wants 4 bytes
	require.NoError(t, s.OnData(make([]byte, 9)))
	require.Equal(t, []byte("ERR!"), r.last())
}

func TestSession_OverflowWhileSending(t *testing.T) {
	s, r := synced(t)
	deliver(t, s, []byte("SYNC"), 4)
	require.Equal(t, StateWriteResp, s.State())

	err := s.OnData([]byte("X"))
	require.True(t, errors.Is(err, ErrOverflow))
	require.Equal(t, StateClosed, s.State())
	require.Equal(t, []byte("WOTA"), r.last())
}

func TestSession_TransmitFailure(t *testing.T) {
	r := &recorder{fail: errors.New("would block")}
	s := NewSession(testTable(t), r)
	require.Error(t, s.OnData([]byte("SYNC")))
	require.Equal(t, StateClosed, s.State())
}

func TestSession_Activity(t *testing.T) {
	n := 0
	s, _ := synced(t, WithActivity(func() { n++ }))
	require.Equal(t, 1, n)
	require.NoError(t, s.OnData([]byte("SY")))
	require.Equal(t, 2, n)
}

func TestSession_OnError(t *testing.T) {
	s, _ := synced(t)
	s.OnError(errors.New("reset by peer"))
	require.Equal(t, StateClosed, s.State())
	require.Zero(t, s.Want())
}

func TestParseErrorPolicy(t *testing.T) {
	p, err := ParseErrorPolicy("")
	require.NoError(t, err)
	require.Equal(t, PolicyClose, p)

	p, err = ParseErrorPolicy(" Resync ")
	require.NoError(t, err)
	require.Equal(t, PolicyResync, p)
	require.Equal(t, "resync", p.String())

	_, err = ParseErrorPolicy("retry")
	require.Error(t, err)
}
