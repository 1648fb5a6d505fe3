package jobctl

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Severity classifies a job failure.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLev0
	SeverityLev1
	SeverityLev2
	SeverityCrit
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityLev0:
		return "lev0"
	case SeverityLev1:
		return "lev1"
	case SeverityLev2:
		return "lev2"
	case SeverityCrit:
		return "crit"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Recoverable reports whether the controller retries after the grace period.
func (s Severity) Recoverable() bool {
	return s > SeverityNone && s < SeverityCrit
}

// JobError is a failure tagged with a severity.
type JobError struct {
	Severity Severity
	err      error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %v", e.Severity, e.err)
}

func (e *JobError) Unwrap() error {
	return e.err
}

// Errorf creates a severity-tagged error.
func Errorf(sev Severity, format string, args ...any) error {
	return &JobError{Severity: sev, err: errors.Newf(format, args...)}
}

// Wrap tags err with a severity. A nil err stays nil.
func Wrap(sev Severity, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &JobError{Severity: sev, err: errors.Wrap(err, msg)}
}

// SeverityOf returns the severity carried by err. Untagged errors are critical.
func SeverityOf(err error) Severity {
	if err == nil {
		return SeverityNone
	}
	var je *JobError
	if errors.As(err, &je) {
		return je.Severity
	}
	return SeverityCrit
}
