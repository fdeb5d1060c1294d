// Package detect finds devices running the bootloader.
package detect

import (
	"fmt"
	"time"

	"github.com/bigbag/wota/internal/client"
	"github.com/bigbag/wota/internal/serial"
)

// probeTimeout bounds each probe step.
const probeTimeout = 500 * time.Millisecond

// Result represents a detected device.
type Result struct {
	Target string
	Info   client.Info
}

// DetectDevice tries to detect a device on available serial ports.
// Returns the first one that answers, or an error.
func DetectDevice(baudRate int) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := probe(portName, baudRate)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("no bootloader found (last error: %w)", lastErr)
}

// DetectOn probes a single serial port or network address.
func DetectOn(target string, baudRate int) (*Result, error) {
	return probe(target, baudRate)
}

// ListDevices probes all serial ports plus the given network addresses and
// returns every device that answered.
func ListDevices(baudRate int, addrs ...string) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, target := range append(ports, addrs...) {
		result, err := probe(target, baudRate)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

func probe(target string, baudRate int) (*Result, error) {
	conn, err := client.Open(target, baudRate, probeTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	c := client.New(conn)
	c.SetTimeout(probeTimeout)

	if err := c.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync on %s: %w", target, err)
	}

	info, err := c.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", target, err)
	}

	return &Result{Target: target, Info: info}, nil
}
