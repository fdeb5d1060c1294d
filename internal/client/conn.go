package client

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/bigbag/wota/internal/protocol"
	"github.com/bigbag/wota/internal/serial"
)

// IsSerial reports whether target names a serial port rather than a
// network address.
func IsSerial(target string) bool {
	return strings.HasPrefix(target, "/dev/") || strings.HasPrefix(strings.ToUpper(target), "COM")
}

// NetworkAddress adds the default port to a bare host.
func NetworkAddress(target string) string {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target
	}
	return net.JoinHostPort(target, strconv.Itoa(protocol.DefaultPort))
}

// serialConn adapts a serial port's timeout to deadlines.
type serialConn struct {
	*serial.Port
}

func (c serialConn) SetDeadline(t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		// zero would mean poll forever
		d = time.Millisecond
	}
	c.SetTimeout(d)
	return nil
}

// Open connects to a device: a serial port at baud, or a TCP address.
func Open(target string, baud int, timeout time.Duration) (io.ReadWriteCloser, error) {
	if IsSerial(target) {
		port, err := serial.Open(target, baud)
		if err != nil {
			return nil, err
		}
		if err := port.Flush(); err != nil {
			port.Close()
			return nil, fmt.Errorf("flush %s: %w", target, err)
		}
		port.SetTimeout(timeout)
		return serialConn{port}, nil
	}

	conn, err := net.DialTimeout("tcp", NetworkAddress(target), timeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", target, err)
	}
	return conn, nil
}
