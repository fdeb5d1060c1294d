// Package platform abstracts the control transfers the bootloader performs:
// rebooting the device and jumping into an application image.
package platform

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/wota/internal/bootflag"
)

// Platform performs control transfers. On hardware neither call returns;
// simulated platforms return after recording the transfer.
type Platform interface {
	// Reboot resets the device, asking the next boot to stay in the
	// bootloader when toBootloader is set.
	Reboot(toBootloader bool) error
	// Jump hands control to the image whose vector table is at vector.
	Jump(vector uint32) error
}

// Kind is the type of a recorded transfer.
type Kind int

const (
	KindReboot Kind = iota + 1
	KindJump
)

func (k Kind) String() string {
	switch k {
	case KindReboot:
		return "reboot"
	case KindJump:
		return "jump"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Transfer records one control transfer.
type Transfer struct {
	Kind         Kind
	ToBootloader bool
	Vector       uint32
}

func (t Transfer) String() string {
	if t.Kind == KindJump {
		return fmt.Sprintf("jump to 0x%08x", t.Vector)
	}
	return fmt.Sprintf("reboot (to bootloader: %v)", t.ToBootloader)
}

// Sim is a host-side platform. Reboot persists the entry request in the boot
// flag store, as the watchdog scratch registers would.
type Sim struct {
	flag bootflag.Store
	log  *logrus.Entry

	mu        sync.Mutex
	transfers []Transfer
}

// NewSim creates a simulated platform.
func NewSim(flag bootflag.Store, log *logrus.Entry) *Sim {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sim{flag: flag, log: log}
}

// Reboot implements Platform.
func (s *Sim) Reboot(toBootloader bool) error {
	if err := s.flag.Set(toBootloader); err != nil {
		return fmt.Errorf("set boot flag: %w", err)
	}
	s.log.WithField("to_bootloader", toBootloader).Info("Rebooting")
	s.record(Transfer{Kind: KindReboot, ToBootloader: toBootloader})
	return nil
}

// Jump implements Platform.
func (s *Sim) Jump(vector uint32) error {
	s.log.Debug("Disabling interrupts")
	s.log.Debug("Resetting peripherals")
	s.log.Infof("Jumping to image at 0x%08x", vector)
	s.record(Transfer{Kind: KindJump, Vector: vector})
	return nil
}

func (s *Sim) record(t Transfer) {
	s.mu.Lock()
	s.transfers = append(s.transfers, t)
	s.mu.Unlock()
}

// Transfers returns every transfer performed so far.
func (s *Sim) Transfers() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transfer(nil), s.transfers...)
}

// Last returns the most recent transfer.
func (s *Sim) Last() (Transfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transfers) == 0 {
		return Transfer{}, false
	}
	return s.transfers[len(s.transfers)-1], true
}
