package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const dateLayout = "2006-01-02"

// Load reads the configuration file, applies defaults and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyDefaults(&cfg)

	if err := expandEnvVars(&cfg); err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	return &cfg, nil
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q (expected HH:MM)", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// LoadLocation resolves the configured time zone.
func (t TimerConfig) LoadLocation() (*time.Location, error) {
	if t.Location == "" || strings.EqualFold(t.Location, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(t.Location)
}

// DateRange returns the first and last active day, both at 00:00 in loc.
func (t TimerConfig) DateRange(loc *time.Location) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(dateLayout, t.StartDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid timer.start_date %q: %w", t.StartDate, err)
	}
	stop, err := time.ParseInLocation(dateLayout, t.StopDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid timer.stop_date %q: %w", t.StopDate, err)
	}
	return start, stop, nil
}

// applyDefaults fills in unset values.
func applyDefaults(c *Config) {
	if c.Timer.IntervalSec == 0 {
		c.Timer.IntervalSec = 60
	}
	if c.Timer.ErrorDelayFactor == 0 {
		c.Timer.ErrorDelayFactor = 3
	}
	if c.Timer.Location == "" {
		c.Timer.Location = "Local"
	}

	if c.Jobs.Cam.ImageDir == "" {
		c.Jobs.Cam.ImageDir = "~/rpicampy/images"
	}
	if c.Jobs.Cam.CamID == "" {
		c.Jobs.Cam.CamID = "CAM1"
	}
	if c.Jobs.Cam.CaptureCmd == "" {
		c.Jobs.Cam.CaptureCmd = "rpicam-still --nopreview -t 1000 -o {output}"
	}
	if c.Jobs.Cam.CaptureTimeoutSec == 0 {
		c.Jobs.Cam.CaptureTimeoutSec = 30
	}
	if c.Jobs.Cam.ListSize == 0 {
		c.Jobs.Cam.ListSize = 10
	}

	if c.Jobs.Upl.OffsetMin == 0 {
		c.Jobs.Upl.OffsetMin = 1
	}
	if c.Jobs.Upl.LogFile == "" {
		c.Jobs.Upl.LogFile = "./upldlog.jsonl"
	}
	if c.Jobs.Upl.FIFOSize == 0 {
		c.Jobs.Upl.FIFOSize = 576
	}

	if c.Jobs.Dir.OffsetMin == 0 {
		c.Jobs.Dir.OffsetMin = 3
	}
	if c.Jobs.Dir.ListSize == 0 {
		c.Jobs.Dir.ListSize = 10
	}

	if c.Remote.Listen == "" {
		c.Remote.Listen = ":8765"
	}
	if c.Remote.MaxClients == 0 {
		c.Remote.MaxClients = 3
	}
	if c.Remote.CmdRatePerMin == 0 {
		c.Remote.CmdRatePerMin = 30
	}

	if c.Control.CmdIntervalSec == 0 {
		c.Control.CmdIntervalSec = 11
	}
	if c.Control.CmdQueueTimeoutSec == 0 {
		c.Control.CmdQueueTimeoutSec = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9108"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// expandEnvVars expands ${VAR} references and ~/ in path-like settings.
func expandEnvVars(c *Config) error {
	paths := []*string{
		&c.Jobs.Cam.ImageDir,
		&c.Jobs.Upl.DestDir,
		&c.Jobs.Upl.LogFile,
		&c.Remote.KeyFile,
	}
	for _, p := range paths {
		if strings.HasPrefix(*p, "${") {
			*p = expandEnv(*p)
		}
		*p = expandHome(*p)
	}

	if strings.HasPrefix(c.Remote.DeviceID, "${") {
		c.Remote.DeviceID = expandEnv(c.Remote.DeviceID)
	}
	if strings.HasPrefix(c.Logging.Output, "${") {
		c.Logging.Output = expandEnv(c.Logging.Output)
	}

	return nil
}

// expandEnv expands a ${VAR:default} reference.
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") {
		return s
	}

	end := strings.Index(s, "}")
	if end == -1 {
		return s
	}

	content := s[2:end]
	if parts := strings.SplitN(content, ":", 2); len(parts) == 2 {
		if val := os.Getenv(parts[0]); val != "" {
			return val + s[end+1:]
		}
		return parts[1] + s[end+1:]
	}

	return os.Getenv(content) + s[end+1:]
}

// expandHome expands a leading ~/ to the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
