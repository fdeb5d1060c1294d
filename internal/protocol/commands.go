package protocol

// Command opcodes. Each is a four character tag packed little-endian into a
// word, so "SYNC" goes out on the wire as the bytes 'S' 'Y' 'N' 'C'.
const (
	CmdSync   uint32 = 'S' | 'Y'<<8 | 'N'<<16 | 'C'<<24
	CmdInfo   uint32 = 'I' | 'N'<<8 | 'F'<<16 | 'O'<<24
	CmdRead   uint32 = 'R' | 'E'<<8 | 'A'<<16 | 'D'<<24
	CmdCsum   uint32 = 'C' | 'S'<<8 | 'U'<<16 | 'M'<<24
	CmdCRC    uint32 = 'C' | 'R'<<8 | 'C'<<16 | 'C'<<24
	CmdErase  uint32 = 'E' | 'R'<<8 | 'A'<<16 | 'S'<<24
	CmdWrite  uint32 = 'W' | 'R'<<8 | 'I'<<16 | 'T'<<24
	CmdSeal   uint32 = 'S' | 'E'<<8 | 'A'<<16 | 'L'<<24
	CmdGo     uint32 = 'G' | 'O'<<8 | 'G'<<16 | 'O'<<24
	CmdReboot uint32 = 'B' | 'O'<<8 | 'O'<<16 | 'T'<<24
)

// Response status words
const (
	RspSync uint32 = 'W' | 'O'<<8 | 'T'<<16 | 'A'<<24
	RspOK   uint32 = 'O' | 'K'<<8 | 'O'<<16 | 'K'<<24
	RspErr  uint32 = 'E' | 'R'<<8 | 'R'<<16 | '!'<<24
)

// Protocol limits
const (
	WordSize   = 4
	MaxArgs    = 5
	MaxDataLen = 1024
)

// DefaultPort is the TCP port the bootloader listens on.
const DefaultPort = 4242

// Tag packs a four character string into an opcode word.
// Shorter strings are zero padded, longer ones truncated.
func Tag(s string) uint32 {
	var v uint32
	for i := 0; i < WordSize && i < len(s); i++ {
		v |= uint32(s[i]) << (8 * i)
	}
	return v
}

// TagString unpacks an opcode word into its four characters.
// Non-printable bytes are rendered as '.'.
func TagString(v uint32) string {
	b := make([]byte, WordSize)
	for i := range b {
		c := byte(v >> (8 * i))
		if c < 0x20 || c > 0x7e {
			c = '.'
		}
		b[i] = c
	}
	return string(b)
}

// CommandName returns a human-readable name for an opcode.
func CommandName(op uint32) string {
	switch op {
	case CmdSync:
		return "sync"
	case CmdInfo:
		return "info"
	case CmdRead:
		return "read"
	case CmdCsum:
		return "checksum"
	case CmdCRC:
		return "crc"
	case CmdErase:
		return "erase"
	case CmdWrite:
		return "write"
	case CmdSeal:
		return "seal"
	case CmdGo:
		return "go"
	case CmdReboot:
		return "reboot"
	default:
		return "unknown(" + TagString(op) + ")"
	}
}

// StatusMessage returns a human-readable message for a response status.
func StatusMessage(status uint32) string {
	switch status {
	case RspOK:
		return "ok"
	case RspSync:
		return "synchronised"
	case RspErr:
		return "command rejected by device"
	default:
		return "unexpected status " + TagString(status)
	}
}
