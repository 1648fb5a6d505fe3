// Package config provides configuration loading and validation for rpicampy.
// It supports TOML configuration files (YAML when the file extension is .yaml or .yml)
// with environment variable expansion, default values, and validation.
//
// Configuration structure:
//   - [timer]: active date range, daily windows and the driver cadence
//   - [jobs.cam], [jobs.upl], [jobs.dir]: per-job intervals (one per window) and job settings
//   - [remote]: status/command channel
//   - [control]: command queue processing
//   - [logging]: level, format and output
//   - [metrics]: Prometheus endpoint
//
// Environment variables can be referenced using ${VAR} or ${VAR:default} syntax.
// For example: key_file = "${RPICAMPY_KEYS:/etc/rpicampy/keys}"
package config

// Config represents the main application configuration.
type Config struct {
	Timer   TimerConfig   `toml:"timer" yaml:"timer"`
	Jobs    JobsConfig    `toml:"jobs" yaml:"jobs"`
	Remote  RemoteConfig  `toml:"remote" yaml:"remote"`
	Control ControlConfig `toml:"control" yaml:"control"`
	Logging LoggingConfig `toml:"logging" yaml:"logging"`
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// TimerConfig describes when jobs are active.
type TimerConfig struct {
	StartDate        string         `toml:"start_date" yaml:"start_date"` // YYYY-MM-DD
	StopDate         string         `toml:"stop_date" yaml:"stop_date"`   // YYYY-MM-DD, inclusive
	Windows          []WindowConfig `toml:"windows" yaml:"windows"`
	IntervalSec      int            `toml:"interval_sec" yaml:"interval_sec"`
	ErrorDelayFactor int            `toml:"error_delay_factor" yaml:"error_delay_factor"`
	Location         string         `toml:"location" yaml:"location"`
}

// WindowConfig is one daily activity window.
type WindowConfig struct {
	Start string `toml:"start" yaml:"start"` // HH:MM
	Stop  string `toml:"stop" yaml:"stop"`   // HH:MM
}

// JobConfig holds the scheduling settings shared by all jobs.
type JobConfig struct {
	Enabled     *bool `toml:"enabled" yaml:"enabled"`           // default true
	IntervalSec []int `toml:"interval_sec" yaml:"interval_sec"` // one entry per timer window
	OffsetMin   int   `toml:"offset_min" yaml:"offset_min"`
}

// IsEnabled reports whether the job is built at all.
func (j JobConfig) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}

type JobsConfig struct {
	Cam CameraConfig   `toml:"cam" yaml:"cam"`
	Upl UploaderConfig `toml:"upl" yaml:"upl"`
	Dir DirConfig      `toml:"dir" yaml:"dir"`
}

type CameraConfig struct {
	JobConfig         `yaml:",inline"`
	ImageDir          string `toml:"image_dir" yaml:"image_dir"`
	CamID             string `toml:"cam_id" yaml:"cam_id"`
	CaptureCmd        string `toml:"capture_cmd" yaml:"capture_cmd"`
	CaptureTimeoutSec int    `toml:"capture_timeout_sec" yaml:"capture_timeout_sec"`
	ListSize          int    `toml:"list_size" yaml:"list_size"`
}

type UploaderConfig struct {
	JobConfig `yaml:",inline"`
	DestDir   string `toml:"dest_dir" yaml:"dest_dir"`
	LogFile   string `toml:"log_file" yaml:"log_file"`
	FIFOSize  int    `toml:"fifo_size" yaml:"fifo_size"`
	SnapName  string `toml:"snap_name" yaml:"snap_name"` // latest image copy in dest_dir, empty disables
}

type DirConfig struct {
	JobConfig `yaml:",inline"`
	ListSize  int `toml:"list_size" yaml:"list_size"`
}

// RemoteConfig configures the status/command channel.
type RemoteConfig struct {
	EnabledStatus bool   `toml:"enabled_status" yaml:"enabled_status"`
	EnabledCmd    bool   `toml:"enabled_cmd" yaml:"enabled_cmd"`
	Listen        string `toml:"listen" yaml:"listen"`
	KeyFile       string `toml:"key_file" yaml:"key_file"`
	MaxClients    int    `toml:"max_clients" yaml:"max_clients"`
	DeviceID      string `toml:"device_id" yaml:"device_id"`
	CmdRatePerMin int    `toml:"cmd_rate_per_min" yaml:"cmd_rate_per_min"`
}

// Enabled reports whether the channel server has to run at all.
func (r RemoteConfig) Enabled() bool {
	return r.EnabledStatus || r.EnabledCmd
}

type ControlConfig struct {
	CmdIntervalSec     int `toml:"cmd_interval_sec" yaml:"cmd_interval_sec"`
	CmdQueueTimeoutSec int `toml:"cmd_queue_timeout_sec" yaml:"cmd_queue_timeout_sec"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
	Output string `toml:"output" yaml:"output"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" yaml:"listen"`
	Path    string `toml:"path" yaml:"path"`
}
