// Package serial wraps go.bug.st/serial for both ends of the protocol: the
// device daemon serving a UART and the host client talking to one.
package serial

import (
	"fmt"
	"os"
	"time"

	"go.bug.st/serial"
)

// pollInterval is the driver level read timeout.
const pollInterval = 100 * time.Millisecond

// Port wraps a serial port.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
	timeout  time.Duration
}

// Open opens a serial port with the specified baud rate, 8N1.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

// SetTimeout sets how long Read waits for the first byte. Zero makes Read
// return (0, nil) after a single poll interval, which lets a server loop
// check for cancellation.
func (p *Port) SetTimeout(d time.Duration) {
	p.timeout = d
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read reads data from the serial port. With a timeout set, it returns
// os.ErrDeadlineExceeded if nothing arrives in time.
func (p *Port) Read(buf []byte) (int, error) {
	deadline := time.Now().Add(p.timeout)
	for {
		n, err := p.port.Read(buf)
		if n > 0 || err != nil {
			return n, err
		}
		if p.timeout == 0 {
			return 0, nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("read %s: %w", p.portName, os.ErrDeadlineExceeded)
		}
	}
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// String describes the port for logs.
func (p *Port) String() string {
	return fmt.Sprintf("%s@%d", p.portName, p.baudRate)
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
