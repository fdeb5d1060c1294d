package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestRequest_Encode_NoArgs(t *testing.T) {
	encoded, err := NewRequest(CmdInfo).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if string(encoded) != "INFO" {
		t.Errorf("Encode() = %q, want %q", encoded, "INFO")
	}
}

func TestRequest_Encode_ArgsAndData(t *testing.T) {
	data := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	encoded, err := NewRequest(CmdWrite, 0x10004000, 4).WithData(data).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	if len(encoded) != 12+len(data) {
		t.Fatalf("Encode() length = %d, want %d", len(encoded), 12+len(data))
	}
	if string(encoded[0:4]) != "WRIT" {
		t.Errorf("Encode() opcode = %q, want WRIT", encoded[0:4])
	}
	if addr := binary.LittleEndian.Uint32(encoded[4:8]); addr != 0x10004000 {
		t.Errorf("Encode() addr = 0x%X, want 0x10004000", addr)
	}
	if n := binary.LittleEndian.Uint32(encoded[8:12]); n != 4 {
		t.Errorf("Encode() len = %d, want 4", n)
	}
	if !bytes.Equal(encoded[12:], data) {
		t.Errorf("Encode() data = %v, want %v", encoded[12:], data)
	}
}

func TestRequest_Encode_Limits(t *testing.T) {
	if _, err := NewRequest(CmdSeal, 1, 2, 3, 4, 5, 6).Encode(); !errors.Is(err, ErrTooManyArgs) {
		t.Errorf("Encode() with 6 args error = %v, want ErrTooManyArgs", err)
	}

	_, err := NewRequest(CmdWrite, 0, MaxDataLen+1).WithData(make([]byte, MaxDataLen+1)).Encode()
	if err == nil {
		t.Error("Encode() with oversized payload expected error, got nil")
	}
}

func TestReadResponse_ArgsAndData(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, []uint32{RspOK, 0x12345678})
	buf.Write([]byte{1, 2, 3})

	resp, err := ReadResponse(&buf, 1, 3)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	if !resp.IsSuccess(RspOK) {
		t.Errorf("ReadResponse status = %s, want OKOK", TagString(resp.Status))
	}
	if len(resp.Args) != 1 || resp.Args[0] != 0x12345678 {
		t.Errorf("ReadResponse args = %v", resp.Args)
	}
	if !bytes.Equal(resp.Data, []byte{1, 2, 3}) {
		t.Errorf("ReadResponse data = %v", resp.Data)
	}
}

func TestReadResponse_ErrorIsSingleWord(t *testing.T) {
	buf := bytes.NewBufferString("ERR!")

	resp, err := ReadResponse(buf, 5, 1024)
	if err != nil {
		t.Fatalf("ReadResponse() error = %v", err)
	}
	if resp.Status != RspErr {
		t.Errorf("ReadResponse status = %s, want ERR!", TagString(resp.Status))
	}
	if resp.Args != nil || resp.Data != nil {
		t.Errorf("error response should carry no args or data")
	}
}

func TestReadResponse_Truncated(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"short status", "OK"},
		{"missing args", "OKOK\x01\x02"},
		{"missing data", "OKOK\x01\x02\x03\x04"},
	}

	for _, tc := range tests {
		_, err := ReadResponse(strings.NewReader(tc.input), 1, 8)
		if err == nil {
			t.Errorf("%s: ReadResponse expected error, got nil", tc.name)
			continue
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("%s: ReadResponse error = %v, want EOF", tc.name, err)
		}
	}
}

func TestResponse_ErrorString(t *testing.T) {
	resp := &Response{Status: RspOK}
	if s := resp.ErrorString(RspOK); s != "" {
		t.Errorf("ErrorString() for success = %q, want empty", s)
	}

	resp = &Response{Status: RspErr}
	s := resp.ErrorString(RspOK)
	if !strings.Contains(s, "ERR!") || !strings.Contains(s, "rejected") {
		t.Errorf("ErrorString() = %q", s)
	}
}

func TestWords_RoundTrip(t *testing.T) {
	in := []uint32{0, 1, 0xDEADBEEF, 0xFFFFFFFF}
	buf := make([]byte, len(in)*WordSize)
	PutWords(buf, in)

	out := Words(append(buf, 0x99))
	if len(out) != len(in) {
		t.Fatalf("Words() length = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("Words()[%d] = 0x%X, want 0x%X", i, out[i], in[i])
		}
	}
}
