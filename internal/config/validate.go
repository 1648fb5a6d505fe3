package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() []error {
	var errors []error

	errors = append(errors, c.validateTimer()...)

	jobs := []struct {
		name string
		cfg  JobConfig
	}{
		{"cam", c.Jobs.Cam.JobConfig},
		{"upl", c.Jobs.Upl.JobConfig},
		{"dir", c.Jobs.Dir.JobConfig},
	}
	for _, j := range jobs {
		if len(j.cfg.IntervalSec) != len(c.Timer.Windows) {
			errors = append(errors, fmt.Errorf("jobs.%s.interval_sec must have one entry per timer window (got %d, want %d)",
				j.name, len(j.cfg.IntervalSec), len(c.Timer.Windows)))
		}
		for i, v := range j.cfg.IntervalSec {
			if v < 1 {
				errors = append(errors, fmt.Errorf("jobs.%s.interval_sec[%d] must be >= 1", j.name, i))
			}
		}
		if j.cfg.OffsetMin < 0 {
			errors = append(errors, fmt.Errorf("jobs.%s.offset_min must be >= 0", j.name))
		}
	}

	if c.Jobs.Cam.ImageDir == "" {
		errors = append(errors, fmt.Errorf("jobs.cam.image_dir is required"))
	} else if err := validatePath(c.Jobs.Cam.ImageDir, "jobs.cam.image_dir"); err != nil {
		errors = append(errors, err)
	}
	if strings.TrimSpace(c.Jobs.Cam.CaptureCmd) == "" {
		errors = append(errors, fmt.Errorf("jobs.cam.capture_cmd is required"))
	}
	if c.Jobs.Cam.ListSize < 1 {
		errors = append(errors, fmt.Errorf("jobs.cam.list_size must be >= 1"))
	}
	if c.Jobs.Upl.DestDir == "" {
		errors = append(errors, fmt.Errorf("jobs.upl.dest_dir is required"))
	} else if err := validatePath(c.Jobs.Upl.DestDir, "jobs.upl.dest_dir"); err != nil {
		errors = append(errors, err)
	}
	if strings.ContainsAny(c.Jobs.Upl.SnapName, `/\`) {
		errors = append(errors, fmt.Errorf("jobs.upl.snap_name must be a plain file name"))
	}
	if c.Jobs.Upl.FIFOSize < 1 {
		errors = append(errors, fmt.Errorf("jobs.upl.fifo_size must be >= 1"))
	}

	if c.Remote.Enabled() {
		if c.Remote.KeyFile == "" {
			errors = append(errors, fmt.Errorf("remote.key_file is required when the remote channel is enabled"))
		}
		if c.Remote.MaxClients < 1 {
			errors = append(errors, fmt.Errorf("remote.max_clients must be >= 1"))
		}
		if c.Remote.CmdRatePerMin < 1 {
			errors = append(errors, fmt.Errorf("remote.cmd_rate_per_min must be >= 1"))
		}
	}

	if c.Control.CmdIntervalSec < 1 {
		errors = append(errors, fmt.Errorf("control.cmd_interval_sec must be >= 1"))
	}
	if c.Control.CmdQueueTimeoutSec < 0 {
		errors = append(errors, fmt.Errorf("control.cmd_queue_timeout_sec must be >= 0"))
	}

	if c.Logging.Level == "" {
		errors = append(errors, fmt.Errorf("logging.level is required"))
	} else {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[strings.ToLower(c.Logging.Level)] {
			errors = append(errors, fmt.Errorf("invalid logging.level: %s (expected: debug, info, warn, error)", c.Logging.Level))
		}
	}
	if c.Logging.Format == "" {
		errors = append(errors, fmt.Errorf("logging.format is required"))
	} else {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[strings.ToLower(c.Logging.Format)] {
			errors = append(errors, fmt.Errorf("invalid logging.format: %s (expected: json, text)", c.Logging.Format))
		}
	}
	if c.Logging.Output == "" {
		errors = append(errors, fmt.Errorf("logging.output is required"))
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errors = append(errors, fmt.Errorf("metrics.path must start with /"))
	}

	return errors
}

func (c *Config) validateTimer() []error {
	var errors []error

	loc, err := c.Timer.LoadLocation()
	if err != nil {
		errors = append(errors, fmt.Errorf("invalid timer.location %q: %w", c.Timer.Location, err))
	} else if start, stop, err := c.Timer.DateRange(loc); err != nil {
		errors = append(errors, err)
	} else if stop.Before(start) {
		errors = append(errors, fmt.Errorf("timer.stop_date must not be before timer.start_date"))
	}

	if len(c.Timer.Windows) == 0 {
		errors = append(errors, fmt.Errorf("timer.windows must contain at least one window"))
	}
	prevStop := -1
	for i, w := range c.Timer.Windows {
		start, err := ParseClock(w.Start)
		if err != nil {
			errors = append(errors, fmt.Errorf("timer.windows[%d].start: %w", i, err))
			continue
		}
		stop, err := ParseClock(w.Stop)
		if err != nil {
			errors = append(errors, fmt.Errorf("timer.windows[%d].stop: %w", i, err))
			continue
		}
		if stop <= start {
			errors = append(errors, fmt.Errorf("timer.windows[%d] must stop after it starts", i))
		}
		if start <= prevStop {
			errors = append(errors, fmt.Errorf("timer.windows[%d] overlaps or precedes the previous window", i))
		}
		prevStop = stop
	}

	if c.Timer.IntervalSec < 1 {
		errors = append(errors, fmt.Errorf("timer.interval_sec must be >= 1"))
	}
	if c.Timer.ErrorDelayFactor < 1 {
		errors = append(errors, fmt.Errorf("timer.error_delay_factor must be >= 1"))
	}

	return errors
}

func validatePath(path, fieldName string) error {
	if path == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("%s contains potentially dangerous path traversal sequence", fieldName)
	}
	return nil
}
