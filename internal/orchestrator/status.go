package orchestrator

import (
	"fmt"
	"strings"

	"github.com/istvanzk/rpicampy-sub000/internal/jobctl"
)

// Job keys in combined state byte order, least significant first. The driver
// byte sits above the last one.
const (
	KeyTimer = "timer"
	KeyCam   = "cam"
	KeyUpl   = "upl"
	KeyDir   = "dir"
)

var JobKeys = []string{KeyTimer, KeyCam, KeyUpl, KeyDir}

// StatusNA marks a job that had no status message this cycle.
const StatusNA = "n/a"

// StatusSeparator joins the job messages of one cycle.
const StatusSeparator = " || "

// StatusSource is what the aggregation reads from a job.
type StatusSource interface {
	StateValue() int
	Status() *jobctl.StatusLog
}

// Report is one aggregation cycle.
type Report struct {
	Combined int64
	Dict     map[string]string
	Message  string
}

// DriverState encodes the driver byte.
func DriverState(enabled, cmdMode bool) int {
	v := 0
	if enabled {
		v = 1
	}
	if cmdMode {
		v += 8
	}
	return v
}

// Combine packs one byte per job value (JobKeys order) and the driver byte on top.
func Combine(driver int, values []int) int64 {
	var out int64
	for i, v := range values {
		out |= int64(v&0xff) << (8 * i)
	}
	out |= int64(driver&0xff) << (8 * len(values))
	return out
}

// StateValues returns the encoded state of every key; absent jobs count as 0.
func StateValues(keys []string, jobs map[string]StatusSource) []int {
	values := make([]int, len(keys))
	for i, k := range keys {
		if j, ok := jobs[k]; ok {
			values[i] = j.StateValue()
		}
	}
	return values
}

// Collect pops the newest status message of every job.
func Collect(keys []string, jobs map[string]StatusSource, combined int64) Report {
	r := Report{Combined: combined, Dict: make(map[string]string, len(keys))}

	var messages []string
	for _, k := range keys {
		r.Dict[k] = StatusNA
		j, ok := jobs[k]
		if !ok {
			continue
		}
		st, ok := j.Status().Pop()
		if !ok || st.Message == "" {
			continue
		}
		r.Dict[k] = fmt.Sprintf("%s:%d", st.Message, st.Value)
		messages = append(messages, st.Message)
	}
	r.Message = strings.Join(messages, StatusSeparator)
	return r
}
