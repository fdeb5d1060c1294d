package protocol

import (
	"encoding/binary"
	"testing"
)

func TestTag_MatchesConstants(t *testing.T) {
	tests := []struct {
		tag      string
		expected uint32
	}{
		{"SYNC", CmdSync},
		{"INFO", CmdInfo},
		{"READ", CmdRead},
		{"CSUM", CmdCsum},
		{"CRCC", CmdCRC},
		{"ERAS", CmdErase},
		{"WRIT", CmdWrite},
		{"SEAL", CmdSeal},
		{"GOGO", CmdGo},
		{"BOOT", CmdReboot},
		{"WOTA", RspSync},
		{"OKOK", RspOK},
		{"ERR!", RspErr},
	}

	for _, tc := range tests {
		if got := Tag(tc.tag); got != tc.expected {
			t.Errorf("Tag(%q) = 0x%08X, want 0x%08X", tc.tag, got, tc.expected)
		}
	}
}

func TestTag_WireOrder(t *testing.T) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, CmdSync)
	if string(buf) != "SYNC" {
		t.Errorf("CmdSync on the wire = %q, want %q", buf, "SYNC")
	}
}

func TestTag_ShortAndLong(t *testing.T) {
	if got := Tag("GO"); got != uint32('G')|uint32('O')<<8 {
		t.Errorf("Tag(\"GO\") = 0x%08X", got)
	}
	if Tag("SYNCHRONISE") != CmdSync {
		t.Errorf("Tag should truncate to four characters")
	}
}

func TestTagString(t *testing.T) {
	if got := TagString(CmdWrite); got != "WRIT" {
		t.Errorf("TagString(CmdWrite) = %q, want %q", got, "WRIT")
	}
	if got := TagString(0x00FF4142); got != "BA.." {
		t.Errorf("TagString(0x00FF4142) = %q, want %q", got, "BA..")
	}
}

func TestCommandName_Known(t *testing.T) {
	tests := []struct {
		op       uint32
		expected string
	}{
		{CmdSync, "sync"},
		{CmdInfo, "info"},
		{CmdRead, "read"},
		{CmdCsum, "checksum"},
		{CmdCRC, "crc"},
		{CmdErase, "erase"},
		{CmdWrite, "write"},
		{CmdSeal, "seal"},
		{CmdGo, "go"},
		{CmdReboot, "reboot"},
	}

	for _, tc := range tests {
		if got := CommandName(tc.op); got != tc.expected {
			t.Errorf("CommandName(%s) = %q, want %q", TagString(tc.op), got, tc.expected)
		}
	}
}

func TestCommandName_Unknown(t *testing.T) {
	if got := CommandName(Tag("NOPE")); got != "unknown(NOPE)" {
		t.Errorf("CommandName(NOPE) = %q", got)
	}
}

func TestStatusMessage(t *testing.T) {
	tests := []struct {
		status   uint32
		expected string
	}{
		{RspOK, "ok"},
		{RspSync, "synchronised"},
		{RspErr, "command rejected by device"},
		{Tag("ABCD"), "unexpected status ABCD"},
	}

	for _, tc := range tests {
		if got := StatusMessage(tc.status); got != tc.expected {
			t.Errorf("StatusMessage(%s) = %q, want %q", TagString(tc.status), got, tc.expected)
		}
	}
}

func TestConstants(t *testing.T) {
	if MaxArgs != 5 {
		t.Errorf("MaxArgs = %d, want 5", MaxArgs)
	}
	if MaxDataLen != 1024 {
		t.Errorf("MaxDataLen = %d, want 1024", MaxDataLen)
	}
	if DefaultPort != 4242 {
		t.Errorf("DefaultPort = %d, want 4242", DefaultPort)
	}
}
