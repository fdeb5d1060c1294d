package server

import (
	"errors"
	"fmt"

	"github.com/bigbag/wota/internal/protocol"
)

// ErrHangup is returned by a handler that has handed control elsewhere and
// must not be answered. The session closes without sending a response.
var ErrHangup = errors.New("server: command hangs up the connection")

// Command is one entry of the static command table.
//
// Handle runs once the arguments and payload have arrived. It fills resp
// (RespArgs words) and respData (the response length announced by Size) and
// returns the status word to echo; respData may share memory with data.
type Command interface {
	Opcode() uint32
	Args() int
	RespArgs() int
	Handle(args []uint32, data []byte, resp []uint32, respData []byte) (status uint32, err error)
}

// Sizer is implemented by commands with a request or response payload. Size
// runs after the arguments arrive and before any payload byte is read.
type Sizer interface {
	Size(args []uint32) (dataLen, respDataLen uint32, err error)
}

// Table is the immutable set of commands a session dispatches on.
type Table struct {
	sync uint32
	cmds map[uint32]Command
}

// NewTable builds a table. The sync opcode must be one of the commands:
// the first word of every connection is dispatched to it.
func NewTable(sync uint32, cmds ...Command) (*Table, error) {
	t := &Table{sync: sync, cmds: make(map[uint32]Command, len(cmds))}
	for _, c := range cmds {
		op := c.Opcode()
		if _, dup := t.cmds[op]; dup {
			return nil, fmt.Errorf("server: duplicate command %s", protocol.TagString(op))
		}
		if c.Args() < 0 || c.Args() > protocol.MaxArgs {
			return nil, fmt.Errorf("server: command %s takes %d args, max %d", protocol.TagString(op), c.Args(), protocol.MaxArgs)
		}
		if c.RespArgs() < 0 || c.RespArgs() > protocol.MaxArgs {
			return nil, fmt.Errorf("server: command %s returns %d args, max %d", protocol.TagString(op), c.RespArgs(), protocol.MaxArgs)
		}
		t.cmds[op] = c
	}
	if _, ok := t.cmds[sync]; !ok {
		return nil, fmt.Errorf("server: sync opcode %s has no command", protocol.TagString(sync))
	}
	return t, nil
}

// Lookup finds the command for an opcode.
func (t *Table) Lookup(op uint32) (Command, bool) {
	c, ok := t.cmds[op]
	return c, ok
}

// Sync returns the synchronisation opcode.
func (t *Table) Sync() uint32 {
	return t.sync
}
