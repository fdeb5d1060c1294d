package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/wota/internal/protocol"
)

var (
	ErrClosed        = errors.New("server: session closed")
	ErrBadSync       = errors.New("server: bad sync token")
	ErrUnknownOpcode = errors.New("server: unknown opcode")
	ErrOverflow      = errors.New("server: more data than expected")
)

// BufferSize holds the largest argument block plus the largest payload.
const BufferSize = protocol.WordSize*(1+protocol.MaxArgs) + protocol.MaxDataLen

// State is the protocol phase of a session.
type State int

const (
	StateAwaitSync State = iota
	StateReadOpcode
	StateReadArgs
	StateReadData
	StateWriteResp
	StateWriteError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitSync:
		return "await-sync"
	case StateReadOpcode:
		return "read-opcode"
	case StateReadArgs:
		return "read-args"
	case StateReadData:
		return "read-data"
	case StateWriteResp:
		return "write-resp"
	case StateWriteError:
		return "write-error"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrorPolicy decides what happens after an error frame has been sent.
type ErrorPolicy int

const (
	// PolicyClose drops the connection once the error frame is out.
	PolicyClose ErrorPolicy = iota
	// PolicyResync keeps the connection and waits for a new sync token.
	PolicyResync
)

// ParseErrorPolicy parses "close" or "resync".
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "close":
		return PolicyClose, nil
	case "resync":
		return PolicyResync, nil
	default:
		return PolicyClose, fmt.Errorf("unknown error policy %q (want close or resync)", s)
	}
}

func (p ErrorPolicy) String() string {
	if p == PolicyResync {
		return "resync"
	}
	return "close"
}

// Transmitter queues bytes for the transport. It must not block or call
// back into the session; the transport reports progress through OnSent.
// The session does not touch p again until all of it has been reported sent.
type Transmitter interface {
	Write(p []byte) error
}

// Option configures a session.
type Option func(*Session)

// WithErrorPolicy sets the post-error behaviour.
func WithErrorPolicy(p ErrorPolicy) Option {
	return func(s *Session) { s.policy = p }
}

// WithLogger sets the log entry.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Session) { s.log = l }
}

// WithActivity registers a callback run for every chunk of received data.
func WithActivity(fn func()) Option {
	return func(s *Session) { s.activity = fn }
}

// Session is the per-connection context: it turns the received byte stream
// into commands and queues framed responses. One command is in flight at a
// time; bytes are accumulated against the current phase until it is full.
type Session struct {
	table    *Table
	tx       Transmitter
	policy   ErrorPolicy
	log      *logrus.Entry
	activity func()

	state State
	buf   []byte

	rxReceived  int
	rxRemaining int
	txSent      int
	txRemaining int

	cmd         Command
	args        [protocol.MaxArgs]uint32
	respArgs    [protocol.MaxArgs]uint32
	respDataLen int
}

// NewSession creates a session waiting for the sync token.
func NewSession(table *Table, tx Transmitter, opts ...Option) *Session {
	s := &Session{
		table: table,
		tx:    tx,
		log:   logrus.NewEntry(logrus.StandardLogger()),
		buf:   make([]byte, BufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.syncBegin()
	return s
}

// State returns the current phase.
func (s *Session) State() State {
	return s.state
}

// Want returns how many more bytes the current phase expects.
func (s *Session) Want() int {
	return s.rxRemaining
}

// OnData delivers received bytes. A non-nil error means the transport must
// close the connection.
func (s *Session) OnData(p []byte) error {
	if s.state == StateClosed {
		return ErrClosed
	}
	if len(p) == 0 {
		return nil
	}
	if s.activity != nil {
		s.activity()
	}

	s.log.WithField("state", s.state).Tracef("recv %d bytes", len(p))

	if len(p) > s.rxRemaining {
		s.log.Warnf("more data than expected: %d vs %d", len(p), s.rxRemaining)
		if s.txRemaining > 0 {
			// A frame is still in flight in buf; nothing can be reported.
			s.close()
			return fmt.Errorf("%w: %d bytes while sending", ErrOverflow, len(p))
		}
		// Report the violation rather than just dropping the connection.
		return s.errorBegin(fmt.Errorf("%w: %d vs %d in %s", ErrOverflow, len(p), s.rxRemaining, s.state))
	}

	copy(s.buf[s.rxReceived:], p)
	s.rxReceived += len(p)
	s.rxRemaining -= len(p)

	if s.rxRemaining == 0 {
		return s.rxComplete()
	}
	return nil
}

// OnSent reports that n queued bytes reached the transport.
func (s *Session) OnSent(n int) error {
	if s.state == StateClosed {
		return ErrClosed
	}
	if n > s.txRemaining {
		s.close()
		return fmt.Errorf("server: tx len %d > remaining %d", n, s.txRemaining)
	}

	s.txRemaining -= n
	s.txSent += n

	if s.txRemaining == 0 {
		return s.txComplete()
	}
	return nil
}

// OnError reports that the transport failed or was closed by the peer.
func (s *Session) OnError(err error) {
	if s.state != StateClosed {
		s.log.WithError(err).Debug("transport error")
	}
	s.close()
}

func (s *Session) close() {
	s.state = StateClosed
	s.rxRemaining = 0
	s.txRemaining = 0
}

func (s *Session) rxComplete() error {
	switch s.state {
	case StateAwaitSync:
		return s.syncComplete()
	case StateReadOpcode:
		return s.opcodeComplete()
	case StateReadArgs:
		return s.argsComplete()
	case StateReadData:
		return s.dataComplete()
	default:
		s.close()
		return fmt.Errorf("server: receive completed in %s", s.state)
	}
}

func (s *Session) txComplete() error {
	switch s.state {
	case StateWriteResp:
		s.opcodeBegin()
		return nil
	case StateWriteError:
		if s.policy == PolicyResync {
			s.syncBegin()
			return nil
		}
		s.close()
		return ErrClosed
	default:
		s.close()
		return fmt.Errorf("server: send completed in %s", s.state)
	}
}

func (s *Session) receive(state State, n int) {
	s.state = state
	s.rxReceived = 0
	s.rxRemaining = n
}

func (s *Session) syncBegin() {
	s.receive(StateAwaitSync, protocol.WordSize)
	s.log.Debug("waiting for sync")
}

func (s *Session) syncComplete() error {
	token := s.word(0)
	if token != s.table.Sync() {
		s.log.Warnf("sync not correct: %q", protocol.TagString(token))
		return s.errorBegin(ErrBadSync)
	}
	return s.opcodeComplete()
}

func (s *Session) opcodeBegin() {
	s.receive(StateReadOpcode, protocol.WordSize)
}

func (s *Session) opcodeComplete() error {
	op := s.word(0)
	cmd, ok := s.table.Lookup(op)
	if !ok {
		s.log.Warnf("no command for %q", protocol.TagString(op))
		return s.errorBegin(fmt.Errorf("%w: %s", ErrUnknownOpcode, protocol.TagString(op)))
	}
	s.log.WithField("opcode", protocol.TagString(op)).Debug("got command")

	s.cmd = cmd
	return s.argsBegin()
}

func (s *Session) argsBegin() error {
	// Arguments land right after the opcode word.
	s.state = StateReadArgs
	s.rxReceived = protocol.WordSize
	s.rxRemaining = s.cmd.Args() * protocol.WordSize
	if s.rxRemaining == 0 {
		return s.argsComplete()
	}
	return nil
}

func (s *Session) argsComplete() error {
	n := s.cmd.Args()
	for i := 0; i < n; i++ {
		s.args[i] = s.word(1 + i)
	}

	var dataLen, respDataLen uint32
	if sz, ok := s.cmd.(Sizer); ok {
		var err error
		dataLen, respDataLen, err = sz.Size(s.args[:n])
		if err != nil {
			s.log.WithError(err).Warn("size rejected")
			return s.errorBegin(err)
		}
	}

	if !s.fits(n, dataLen) || !s.fits(s.cmd.RespArgs(), respDataLen) {
		return s.errorBegin(fmt.Errorf("server: payload %d/%d does not fit the buffer", dataLen, respDataLen))
	}
	s.respDataLen = int(respDataLen)

	return s.dataBegin(int(dataLen))
}

// fits reports whether nargs words plus a payload fit after the status word.
func (s *Session) fits(nargs int, payload uint32) bool {
	return uint64(s.body(nargs))+uint64(payload) <= uint64(len(s.buf))
}

func (s *Session) dataBegin(n int) error {
	s.state = StateReadData
	s.rxReceived = s.body(s.cmd.Args())
	s.rxRemaining = n
	if n == 0 {
		return s.dataComplete()
	}
	return nil
}

func (s *Session) dataComplete() error {
	cmd := s.cmd
	nargs := cmd.Args()
	nresp := cmd.RespArgs()

	dataStart := s.body(nargs)
	data := s.buf[dataStart:s.rxReceived]
	respStart := s.body(nresp)
	respData := s.buf[respStart : respStart+s.respDataLen]
	resp := s.respArgs[:nresp]
	for i := range resp {
		resp[i] = 0
	}

	status, err := cmd.Handle(s.args[:nargs], data, resp, respData)
	if errors.Is(err, ErrHangup) {
		s.log.WithField("opcode", protocol.TagString(cmd.Opcode())).Info("command hands off control, closing without response")
		s.close()
		return ErrHangup
	}
	if err != nil {
		s.log.WithError(err).WithField("opcode", protocol.TagString(cmd.Opcode())).Warn("command failed")
		return s.errorBegin(err)
	}
	if status == protocol.RspErr {
		return s.errorBegin(fmt.Errorf("server: %s returned the error status", protocol.TagString(cmd.Opcode())))
	}

	s.putWord(0, status)
	protocol.PutWords(s.buf[protocol.WordSize:], resp)

	return s.responseBegin()
}

func (s *Session) responseBegin() error {
	s.state = StateWriteResp
	s.txSent = 0
	s.txRemaining = s.body(s.cmd.RespArgs()) + s.respDataLen

	if err := s.tx.Write(s.buf[:s.txRemaining]); err != nil {
		s.close()
		return err
	}
	return nil
}

// errorBegin queues the error frame. The receive side is shut off until it
// has been sent.
func (s *Session) errorBegin(cause error) error {
	s.log.WithError(cause).Debug("sending error response")

	s.state = StateWriteError
	s.rxRemaining = 0
	s.txSent = 0
	s.txRemaining = protocol.WordSize
	s.putWord(0, protocol.RspErr)

	if err := s.tx.Write(s.buf[:protocol.WordSize]); err != nil {
		s.close()
		return err
	}
	return nil
}

func (s *Session) body(nargs int) int {
	return protocol.WordSize * (nargs + 1)
}

func (s *Session) word(i int) uint32 {
	return binary.LittleEndian.Uint32(s.buf[i*protocol.WordSize:])
}

func (s *Session) putWord(i int, v uint32) {
	binary.LittleEndian.PutUint32(s.buf[i*protocol.WordSize:], v)
}
