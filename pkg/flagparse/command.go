package flagparse

import (
	"fmt"

	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// Command is the sub-command to execute.
type Command int

const (
	None Command = iota
	Copy
	Move
	Delete
	Pack
	Unpack
	Gzip
	Gunzip
	Retime
	Touch
	Batch
	Init
	Version
)

var commandToString = map[Command]string{
	None:    "none",
	Copy:    "copy",
	Move:    "move",
	Delete:  "delete",
	Pack:    "pack",
	Unpack:  "unpack",
	Gzip:    "gzip",
	Gunzip:  "gunzip",
	Retime:  "retime",
	Touch:   "touch",
	Batch:   "batch",
	Init:    "init",
	Version: "version",
}

var stringToCommand map[string]Command

func init() {
	stringToCommand = util.InvertMap(commandToString)
}

func (c Command) String() string {
	if str, ok := commandToString[c]; ok {
		return str
	}
	return fmt.Sprintf("unknown_command(%d)", c)
}

// IsJob reports whether the command runs transfer jobs on source paths.
func (c Command) IsJob() bool {
	return c >= Copy && c <= Touch
}

func ParseCommand(s string) (Command, error) {
	if command, ok := stringToCommand[s]; ok && command != None {
		return command, nil
	}
	return None, fmt.Errorf("invalid command: %q. Must be 'copy', 'move', 'delete', 'pack', 'unpack', 'gzip', 'gunzip', 'retime', 'touch', 'batch', 'init' or 'version'", s)
}
