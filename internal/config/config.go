// Package config loads the vicodec-pipeline settings. Precedence is
// command line flag, then TOML file, then default.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"

	"github.com/ehrlich-b/go-v4l2/internal/constants"
	"github.com/ehrlich-b/go-v4l2/internal/logging"
)

// Flag names
const (
	FlagConfig         = "config"
	FlagDevice         = "device"
	FlagWidth          = "width"
	FlagHeight         = "height"
	FlagInputBuffers   = "input-buffers"
	FlagCaptureBuffers = "capture-buffers"
	FlagStopAfter      = "stop-after"
	FlagSave           = "save"
	FlagMetricsAddr    = "metrics-addr"
	FlagLogLevel       = "log-level"
	FlagLogFormat      = "log-format"
)

// Pipeline holds the encoder pipeline settings.
type Pipeline struct {
	Config         string
	Device         string
	Width          int
	Height         int
	InputBuffers   int
	CaptureBuffers int
	StopAfter      int // 0 runs until interrupted
	Save           string
	MetricsAddr    string
	LogLevel       string
	LogFormat      string
}

// Default returns the built-in settings.
func Default() Pipeline {
	return Pipeline{
		Device:         constants.DefaultDevicePath,
		Width:          640,
		Height:         480,
		InputBuffers:   2,
		CaptureBuffers: 2,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// BindFlags registers the pipeline flags on fs, defaulting to cfg.
func BindFlags(fs *pflag.FlagSet, cfg *Pipeline) {
	fs.StringVar(&cfg.Config, FlagConfig, cfg.Config, "TOML configuration file")
	fs.StringVar(&cfg.Device, FlagDevice, cfg.Device, "encoder device node")
	fs.IntVar(&cfg.Width, FlagWidth, cfg.Width, "frame width")
	fs.IntVar(&cfg.Height, FlagHeight, cfg.Height, "frame height")
	fs.IntVar(&cfg.InputBuffers, FlagInputBuffers, cfg.InputBuffers, "number of OUTPUT (raw frame) buffers")
	fs.IntVar(&cfg.CaptureBuffers, FlagCaptureBuffers, cfg.CaptureBuffers, "number of CAPTURE (encoded) buffers")
	fs.IntVar(&cfg.StopAfter, FlagStopAfter, cfg.StopAfter, "stop after submitting this many frames (0 = run until interrupted)")
	fs.StringVar(&cfg.Save, FlagSave, cfg.Save, "write the encoded stream to this file")
	fs.StringVar(&cfg.MetricsAddr, FlagMetricsAddr, cfg.MetricsAddr, "serve Prometheus metrics on this address, e.g. :9100")
	fs.StringVar(&cfg.LogLevel, FlagLogLevel, cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, FlagLogFormat, cfg.LogFormat, "log format (text, json)")
}

// fileConfig is the TOML layout. Pointers tell absent keys apart.
type fileConfig struct {
	Device struct {
		Path *string `toml:"path"`
	} `toml:"device"`
	Encoder struct {
		Width          *int `toml:"width"`
		Height         *int `toml:"height"`
		InputBuffers   *int `toml:"input_buffers"`
		CaptureBuffers *int `toml:"capture_buffers"`
		StopAfter      *int `toml:"stop_after"`
	} `toml:"encoder"`
	Output struct {
		Save *string `toml:"save"`
	} `toml:"output"`
	Metrics struct {
		Addr *string `toml:"addr"`
	} `toml:"metrics"`
	Logging struct {
		Level  *string `toml:"level"`
		Format *string `toml:"format"`
	} `toml:"logging"`
}

// Load applies the file named by cfg.Config to cfg, skipping every
// setting whose flag was set explicitly on fs. fs may be nil.
func Load(cfg *Pipeline, fs *pflag.FlagSet) error {
	if cfg.Config == "" {
		return cfg.Validate()
	}
	data, err := os.ReadFile(cfg.Config)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse TOML config: %w", err)
	}

	changed := make(map[string]bool)
	if fs != nil {
		fs.Visit(func(f *pflag.Flag) {
			changed[f.Name] = true
		})
	}
	setString := func(flag string, dst *string, v *string) {
		if v != nil && !changed[flag] {
			*dst = *v
		}
	}
	setInt := func(flag string, dst *int, v *int) {
		if v != nil && !changed[flag] {
			*dst = *v
		}
	}

	setString(FlagDevice, &cfg.Device, fc.Device.Path)
	setInt(FlagWidth, &cfg.Width, fc.Encoder.Width)
	setInt(FlagHeight, &cfg.Height, fc.Encoder.Height)
	setInt(FlagInputBuffers, &cfg.InputBuffers, fc.Encoder.InputBuffers)
	setInt(FlagCaptureBuffers, &cfg.CaptureBuffers, fc.Encoder.CaptureBuffers)
	setInt(FlagStopAfter, &cfg.StopAfter, fc.Encoder.StopAfter)
	setString(FlagSave, &cfg.Save, fc.Output.Save)
	setString(FlagMetricsAddr, &cfg.MetricsAddr, fc.Metrics.Addr)
	setString(FlagLogLevel, &cfg.LogLevel, fc.Logging.Level)
	setString(FlagLogFormat, &cfg.LogFormat, fc.Logging.Format)

	return cfg.Validate()
}

// Validate checks the settings for values the pipeline cannot run with.
func (c *Pipeline) Validate() error {
	var errs []error
	if c.Device == "" {
		errs = append(errs, errors.New("device path is empty"))
	}
	if c.Width <= 0 || c.Height <= 0 {
		errs = append(errs, fmt.Errorf("invalid frame size %dx%d", c.Width, c.Height))
	}
	if c.InputBuffers < 1 || c.InputBuffers > constants.MaxBuffers {
		errs = append(errs, fmt.Errorf("input buffers must be between 1 and %d, got %d", constants.MaxBuffers, c.InputBuffers))
	}
	if c.CaptureBuffers < 1 || c.CaptureBuffers > constants.MaxBuffers {
		errs = append(errs, fmt.Errorf("capture buffers must be between 1 and %d, got %d", constants.MaxBuffers, c.CaptureBuffers))
	}
	if c.StopAfter < 0 {
		errs = append(errs, fmt.Errorf("stop-after must not be negative, got %d", c.StopAfter))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// LoggingConfig returns the logger configuration for the settings.
func (c *Pipeline) LoggingConfig() *logging.Config {
	lc := logging.DefaultConfig()
	if level, err := logging.ParseLevel(c.LogLevel); err == nil {
		lc.Level = level
	}
	lc.Format = c.LogFormat
	return lc
}
