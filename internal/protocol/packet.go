package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrTooManyArgs is returned when a frame carries more than MaxArgs words.
var ErrTooManyArgs = errors.New("protocol: too many arguments")

// Request is one client to device command.
type Request struct {
	Opcode uint32
	Args   []uint32
	Data   []byte
}

// Response is one device to client reply.
type Response struct {
	Status uint32
	Args   []uint32
	Data   []byte
}

// NewRequest creates a request for the given opcode and argument words.
func NewRequest(op uint32, args ...uint32) *Request {
	return &Request{Opcode: op, Args: args}
}

// WithData attaches a payload to the request.
func (r *Request) WithData(data []byte) *Request {
	r.Data = data
	return r
}

// Encode serializes the request.
func (r *Request) Encode() ([]byte, error) {
	// Frame format:
	// 0-3: opcode
	// 4+:  args, one little-endian word each
	// then: payload, length implied by the command
	if len(r.Args) > MaxArgs {
		return nil, ErrTooManyArgs
	}
	if len(r.Data) > MaxDataLen {
		return nil, fmt.Errorf("protocol: payload of %d bytes exceeds %d", len(r.Data), MaxDataLen)
	}

	packet := make([]byte, WordSize*(1+len(r.Args))+len(r.Data))
	binary.LittleEndian.PutUint32(packet[0:4], r.Opcode)
	PutWords(packet[WordSize:], r.Args)
	copy(packet[WordSize*(1+len(r.Args)):], r.Data)

	return packet, nil
}

// ReadResponse reads a response from the stream. The caller says how many
// argument words and payload bytes a successful response carries; an error
// response is always a single status word.
func ReadResponse(r io.Reader, nargs, dataLen int) (*Response, error) {
	if nargs > MaxArgs {
		return nil, ErrTooManyArgs
	}

	var status [WordSize]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}

	resp := &Response{Status: binary.LittleEndian.Uint32(status[:])}
	if resp.Status == RspErr {
		return resp, nil
	}

	if nargs > 0 {
		raw := make([]byte, WordSize*nargs)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("read response args: %w", err)
		}
		resp.Args = Words(raw)
	}

	if dataLen > 0 {
		resp.Data = make([]byte, dataLen)
		if _, err := io.ReadFull(r, resp.Data); err != nil {
			return nil, fmt.Errorf("read response data: %w", err)
		}
	}

	return resp, nil
}

// IsSuccess returns true if the response carries the expected status.
func (r *Response) IsSuccess(expected uint32) bool {
	return r.Status == expected
}

// ErrorString returns a human-readable error message.
func (r *Response) ErrorString(expected uint32) string {
	if r.IsSuccess(expected) {
		return ""
	}
	return fmt.Sprintf("status=%s (%s)", TagString(r.Status), StatusMessage(r.Status))
}

// PutWords writes words little-endian into buf, which must be large enough.
func PutWords(buf []byte, words []uint32) {
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*WordSize:], w)
	}
}

// Words decodes buf as little-endian words. Trailing bytes are ignored.
func Words(buf []byte) []uint32 {
	words := make([]uint32, len(buf)/WordSize)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[i*WordSize:])
	}
	return words
}
