package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// readChunk is the largest single read handed to a session.
const readChunk = 1460

// Config configures a Server.
type Config struct {
	Policy   ErrorPolicy
	Log      *logrus.Entry
	Activity func() // called on every received chunk, may be nil
}

// Server runs protocol sessions over byte-stream transports. It serves
// exactly one connection at a time, whichever transport it arrives on;
// further connections are dropped at accept.
type Server struct {
	table *Table
	cfg   Config

	mu      sync.Mutex
	active  io.Closer
	retired bool
	nextID  int
}

// New creates a server dispatching on table.
func New(table *Table, cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{table: table, cfg: cfg}
}

// Serve accepts connections on ln until ctx is cancelled, the listener
// fails, or a command hangs up (ErrHangup). After a hang-up no further
// connection is accepted, so a pending control transfer always wins.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.cfg.Log.Infof("Starting server at %s", ln.Addr())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	hangup := make(chan struct{})
	var once sync.Once
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.closeActive()
			select {
			case <-hangup:
				return ErrHangup
			default:
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}

		if !s.claim(conn) {
			s.cfg.Log.Warnf("Already have a connection, rejecting %s", conn.RemoteAddr())
			conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.release()
			defer conn.Close()

			err := s.run(ctx, conn, conn.RemoteAddr().String(), nil)
			if errors.Is(err, ErrHangup) {
				s.retire()
				once.Do(func() { close(hangup) })
				ln.Close()
			}
		}()
	}
}

// ServeConn runs sessions over an already established stream, such as a
// serial line, until the peer goes away, ctx is cancelled, or a command hangs
// up. A session ended by an error frame is replaced by a fresh one waiting
// for sync, since a serial line has no connection to drop.
//
// The stream shares the server's single connection slot with Serve. A
// session takes the slot on its first received bytes and keeps it until it
// ends; bytes arriving while another connection holds the slot are dropped.
func (s *Server) ServeConn(ctx context.Context, rw io.ReadWriter, name string) error {
	for {
		held := false
		gate := func() bool {
			if !held {
				held = s.claim(streamSlot{})
			}
			return held
		}

		err := s.run(ctx, rw, name, gate)
		if errors.Is(err, ErrHangup) {
			s.retire()
		}
		if held {
			s.release()
		}

		switch {
		case errors.Is(err, ErrClosed):
			s.cfg.Log.WithField("conn", name).Debug("session closed, restarting")
			continue
		case errors.Is(err, ErrHangup):
			return ErrHangup
		default:
			return err
		}
	}
}

// streamSlot marks the connection slot as held by a stream. The stream
// belongs to the caller of ServeConn, so closing the slot leaves it open.
type streamSlot struct{}

func (streamSlot) Close() error { return nil }

func (s *Server) claim(c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil || s.retired {
		return false
	}
	s.active = c
	return true
}

// retire keeps every later claim from succeeding once a command has hung
// up, so nothing runs between the hang-up and the control transfer.
func (s *Server) retire() {
	s.mu.Lock()
	s.retired = true
	s.mu.Unlock()
}

func (s *Server) release() {
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
}

func (s *Server) closeActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.active.Close()
	}
}

// outbox is the Transmitter of stream transports: it holds queued bytes
// until the pump writes them.
type outbox struct {
	buf []byte
}

func (o *outbox) Write(p []byte) error {
	o.buf = append(o.buf, p...)
	return nil
}

// run drives one session. It returns nil when the peer closed the stream.
// A non-nil gate is asked before received bytes reach the session; when it
// refuses, they are dropped.
func (s *Server) run(ctx context.Context, rw io.ReadWriter, name string, gate func() bool) error {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	log := s.cfg.Log.WithFields(logrus.Fields{"conn": name, "session": id})
	log.Info("Connection opened")

	out := &outbox{}
	sess := NewSession(s.table, out,
		WithErrorPolicy(s.cfg.Policy),
		WithLogger(log),
		WithActivity(s.cfg.Activity),
	)

	err := pump(ctx, rw, sess, out, gate, log)
	switch {
	case err == nil:
		log.Info("Connection completed normally")
	case errors.Is(err, ErrHangup), errors.Is(err, ErrClosed):
		log.Info("Connection closed by server")
	default:
		log.WithError(err).Info("Connection error")
	}
	return err
}

func pump(ctx context.Context, rw io.ReadWriter, sess *Session, out *outbox, gate func() bool, log *logrus.Entry) error {
	chunk := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			sess.OnError(err)
			return err
		}

		for len(out.buf) > 0 {
			n, err := rw.Write(out.buf)
			out.buf = out.buf[n:]
			if err != nil {
				sess.OnError(err)
				return fmt.Errorf("write: %w", err)
			}
			if err := sess.OnSent(n); err != nil {
				return err
			}
		}

		// Only ask for what the current phase still needs, so a client that
		// streams a whole frame is consumed phase by phase.
		want := sess.Want()
		if want <= 0 || want > len(chunk) {
			want = len(chunk)
		}

		n, err := rw.Read(chunk[:want])
		if n > 0 {
			if gate != nil && !gate() {
				log.Warnf("Busy with another connection, dropping %d bytes", n)
			} else if derr := sess.OnData(chunk[:n]); derr != nil {
				return derr
			}
		}
		if err != nil {
			sess.OnError(err)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}
