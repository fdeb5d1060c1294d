package bootloader

import (
	"fmt"

	"github.com/bigbag/wota/internal/bootflag"
	"github.com/bigbag/wota/internal/checksum"
	"github.com/bigbag/wota/internal/image"
)

// Mode is the outcome of the boot decision.
type Mode int

const (
	ModeBootloader Mode = iota
	ModeApplication
)

func (m Mode) String() string {
	if m == ModeApplication {
		return "application"
	}
	return "bootloader"
}

// Decision records what to boot and why.
type Decision struct {
	Mode   Mode
	Header image.Header // valid only for ModeApplication
	Reason string
}

// ShouldStay reports whether the bootloader was asked to stay, either by a
// previous reboot request or by the entry signal.
func ShouldStay(flag bootflag.Store, entryPin bool) (bool, error) {
	if entryPin {
		return true, nil
	}
	set, err := flag.Load()
	if err != nil {
		return true, err
	}
	return set, nil
}

// Decide runs once per power cycle, before the protocol engine starts. The
// application is booted only when nobody asked to stay and its header
// validates against storage.
func Decide(stay bool, layout image.Layout, r checksum.Reader) Decision {
	if stay {
		return Decision{Mode: ModeBootloader, Reason: "bootloader entry requested"}
	}

	h, err := layout.ReadHeader(r)
	if err != nil {
		return Decision{Mode: ModeBootloader, Reason: fmt.Sprintf("read header: %v", err)}
	}
	if err := layout.Check(r, h); err != nil {
		return Decision{Mode: ModeBootloader, Reason: err.Error()}
	}

	return Decision{Mode: ModeApplication, Header: h, Reason: "valid image"}
}
