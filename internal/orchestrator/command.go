package orchestrator

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/wasilibs/go-re2"
)

// Driver command names. Any other name addresses a job by its key.
const (
	CommandSchedule = "sch"
	CommandMode     = "cmd"
)

// ErrMalformedCommand is returned for strings that are not name/value.
var ErrMalformedCommand = errors.New("malformed command")

var commandPattern = re2.MustCompile(`^[a-z]+/-?\d+$`)

// RemoteCommand is a parsed "name/value" command string.
type RemoteCommand struct {
	Name  string
	Value int
}

func (c RemoteCommand) String() string {
	return c.Name + "/" + strconv.Itoa(c.Value)
}

// ParseCommand splits s on its first "/".
func ParseCommand(s string) (RemoteCommand, error) {
	s = strings.TrimSpace(s)
	if !commandPattern.MatchString(s) {
		return RemoteCommand{}, errors.Wrapf(ErrMalformedCommand, "%q", s)
	}
	name, raw, _ := strings.Cut(s, "/")
	v, err := strconv.Atoi(raw)
	if err != nil {
		return RemoteCommand{}, errors.Wrapf(ErrMalformedCommand, "%q: %v", s, err)
	}
	return RemoteCommand{Name: name, Value: v}, nil
}
