package bootloader

import (
	"errors"
	"fmt"
)

// QueueLength is the capacity of the event queue.
const QueueLength = 8

// ErrQueueFull is returned when an event cannot be queued without blocking.
var ErrQueueFull = errors.New("bootloader: event queue full")

// Event is a request for the main loop. The set is closed: ServerReady,
// Reboot and Jump.
type Event interface {
	event()
	String() string
}

// ServerReady asks the main loop to start serving.
type ServerReady struct{}

// Reboot asks for a device reset.
type Reboot struct {
	ToBootloader bool
}

// Jump asks for control to be handed to the image at Vector.
type Jump struct {
	Vector uint32
}

func (ServerReady) event() {}
func (Reboot) event()      {}
func (Jump) event()        {}

func (ServerReady) String() string { return "server-ready" }

func (e Reboot) String() string {
	return fmt.Sprintf("reboot(to_bootloader=%v)", e.ToBootloader)
}

func (e Jump) String() string {
	return fmt.Sprintf("jump(0x%08x)", e.Vector)
}

// post queues ev without blocking.
func (d *Device) post(ev Event) error {
	select {
	case d.events <- ev:
		d.log.WithField("event", ev).Debug("event queued")
		return nil
	default:
		return fmt.Errorf("%w: dropping %s", ErrQueueFull, ev)
	}
}
