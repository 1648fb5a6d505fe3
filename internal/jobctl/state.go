package jobctl

import "fmt"

// State is the lifecycle state of a job.
type State int

const (
	StateInit State = iota
	StateRunning
	StatePaused
	StateStopped
	StateRescheduled
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateRescheduled:
		return "rescheduled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CmdValue returns the command value reported for the state.
func (s State) CmdValue() int {
	switch s {
	case StateStopped:
		return int(CmdStop)
	case StatePaused:
		return int(CmdPause)
	case StateInit:
		return int(CmdInit)
	case StateRunning:
		return int(CmdRun)
	case StateRescheduled:
		return int(CmdResch)
	default:
		return 0
	}
}

// CmdValue identifies a transition requested through the command queue.
type CmdValue int

const (
	CmdStop     CmdValue = 0
	CmdPause    CmdValue = 1
	CmdInit     CmdValue = 2
	CmdRun      CmdValue = 3
	CmdResch    CmdValue = 4
	CmdEndOfDay CmdValue = 5
	CmdEndOfRun CmdValue = 6
)

func (v CmdValue) String() string {
	switch v {
	case CmdStop:
		return "stop"
	case CmdPause:
		return "pause"
	case CmdInit:
		return "init"
	case CmdRun:
		return "run"
	case CmdResch:
		return "resch"
	case CmdEndOfDay:
		return "eod"
	case CmdEndOfRun:
		return "end"
	default:
		return fmt.Sprintf("cmd(%d)", int(v))
	}
}

// Command is one queued request. Name is the addressed job key.
type Command struct {
	Name  string
	Value CmdValue
}

// EncodeState packs the error and command values into one byte.
func EncodeState(errValue, cmdValue int) int {
	return errValue + 8*cmdValue
}
