package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"

	"skyguide/internal/guide"
)

const (
	defaultConfigPath = "~/.config/skyguide/config.json"
	envConfigPath     = "SKYGUIDE_CONFIG"
)

// Config holds user-editable settings for the guider.
type Config struct {
	Devices     Devices           `json:"devices"`
	Exposure    Exposure          `json:"exposure"`
	Calibration CalibrationConfig `json:"calibration"`
	Guide       GuideConfig       `json:"guide"`
	Logging     Logging           `json:"logging"`
	Paths       Paths             `json:"paths"`
	Server      Server            `json:"server"`
	Telemetry   Telemetry         `json:"telemetry"`
	Sim         Sim               `json:"sim"`
}

// Devices names the camera and mount used for guiding.
type Devices struct {
	Camera string `json:"camera"`
	Mount  string `json:"mount"`
}

// Exposure configures guide frames.
type Exposure struct {
	Seconds float64 `json:"seconds"`
	Gain    int     `json:"gain"`
	Offset  int     `json:"offset"`
}

// CalibrationConfig configures the calibration test pulses.
type CalibrationConfig struct {
	PulseMs int `json:"pulse_ms"`
	Steps   int `json:"steps"`
}

// GuideConfig holds the correction law settings. Reversal flags are copied
// into the calibration record when a calibration starts.
type GuideConfig struct {
	RAAggressiveness float64 `json:"ra_aggressiveness"`
	DEAggressiveness float64 `json:"de_aggressiveness"`
	PulseMin         int     `json:"pulse_min"`
	PulseMax         int     `json:"pulse_max"`
	RMSWindow        int     `json:"rms_window"`
	Sampling         float64 `json:"sampling"` // arcsec per pixel
	ReverseRA        bool    `json:"reverse_ra"`
	ReverseDE        bool    `json:"reverse_de"`
	DisableRAPlus    bool    `json:"disable_ra_plus"`
	DisableRAMinus   bool    `json:"disable_ra_minus"`
	DisableDEPlus    bool    `json:"disable_de_plus"`
	DisableDEMinus   bool    `json:"disable_de_minus"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`
}

// Paths configures persistence.
type Paths struct {
	DatabasePath   string `json:"database_path"`
	DatabaseDriver string `json:"database_driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// Server configures the control surfaces.
type Server struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Telemetry configures the optional InfluxDB export.
type Telemetry struct {
	Enabled     bool   `json:"enabled"`
	URL         string `json:"url"`
	Token       string `json:"token"`
	Org         string `json:"org"`
	Bucket      string `json:"bucket"`
	Measurement string `json:"measurement"`
}

// Sim configures the simulated camera and mount.
type Sim struct {
	Stars          int     `json:"stars"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Seed           int64   `json:"seed"`
	MsPerPixel     float64 `json:"ms_per_pixel"`
	RotationDeg    float64 `json:"rotation_deg"`
	DecDeg         float64 `json:"dec_deg"`
	RAHours        float64 `json:"ra_hours"`
	PierWest       bool    `json:"pier_west"`
	DriftRA        float64 `json:"drift_ra"` // px per second
	DriftDE        float64 `json:"drift_de"`
	PEAmplitude    float64 `json:"pe_amplitude"` // px
	PEPeriod       float64 `json:"pe_period"`    // seconds
	Jitter         float64 `json:"jitter"`       // px
	TimeScale      float64 `json:"time_scale"`
	DownloadMillis int     `json:"download_ms"`
}

// Params converts the guide section to the correction law parameters.
func (g GuideConfig) Params() guide.Params {
	return guide.Params{
		RAAggressiveness: g.RAAggressiveness,
		DEAggressiveness: g.DEAggressiveness,
		PulseMin:         g.PulseMin,
		PulseMax:         g.PulseMax,
		DisableRAPlus:    g.DisableRAPlus,
		DisableRAMinus:   g.DisableRAMinus,
		DisableDEPlus:    g.DisableDEPlus,
		DisableDEMinus:   g.DisableDEMinus,
		Sampling:         g.Sampling,
		RMSWindow:        g.RMSWindow,
	}
}

// Path returns the configuration file location, honouring SKYGUIDE_CONFIG.
func Path() (string, error) {
	p := os.Getenv(envConfigPath)
	if p == "" {
		p = defaultConfigPath
	}
	return expandUser(p)
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	p, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFile(p)
}

// LoadFile reads the JSON (comments allowed) configuration at path.
// A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Paths.DatabasePath, err = expandUser(cfg.Paths.DatabasePath); err != nil {
		return nil, err
	}
	if cfg.Logging.LogDir, err = expandUser(cfg.Logging.LogDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the guider cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Exposure.Seconds <= 0 {
		errs = append(errs, errors.New("exposure.seconds must be positive"))
	}
	if c.Calibration.PulseMs <= 0 {
		errs = append(errs, errors.New("calibration.pulse_ms must be positive"))
	}
	if c.Calibration.Steps < 1 {
		errs = append(errs, errors.New("calibration.steps must be at least 1"))
	}
	if c.Guide.PulseMin < 0 {
		errs = append(errs, errors.New("guide.pulse_min must not be negative"))
	}
	if c.Guide.PulseMin > c.Guide.PulseMax {
		errs = append(errs, fmt.Errorf("guide.pulse_min (%d) exceeds guide.pulse_max (%d)", c.Guide.PulseMin, c.Guide.PulseMax))
	}
	if c.Guide.RMSWindow < 1 {
		errs = append(errs, errors.New("guide.rms_window must be at least 1"))
	}
	if c.Guide.Sampling <= 0 {
		errs = append(errs, errors.New("guide.sampling must be positive"))
	}
	switch c.Paths.DatabaseDriver {
	case "", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("paths.database_driver %q is not supported", c.Paths.DatabaseDriver))
	}
	if c.Telemetry.Enabled && (c.Telemetry.URL == "" || c.Telemetry.Bucket == "") {
		errs = append(errs, errors.New("telemetry requires url and bucket when enabled"))
	}
	return errors.Join(errs...)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Devices: Devices{
			Camera: "Guide Simulator",
			Mount:  "Telescope Simulator",
		},
		Exposure: Exposure{Seconds: 2, Gain: 0, Offset: 0},
		Calibration: CalibrationConfig{
			PulseMs: 1000,
			Steps:   3,
		},
		Guide: GuideConfig{
			RAAggressiveness: 0.8,
			DEAggressiveness: 0.8,
			PulseMin:         20,
			PulseMax:         2000,
			RMSWindow:        50,
			Sampling:         1.5,

			// The simulated mount moves the star against the pulse direction
			// on both axes. Real mounts may need these cleared.
			ReverseRA: true,
			ReverseDE: true,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath:   filepath.Join(os.TempDir(), "skyguide.db"),
			DatabaseDriver: "sqlite",
		},
		Server: Server{
			HTTPAddr: ":8642",
			GRPCAddr: ":8643",
		},
		Telemetry: Telemetry{
			Org:         "skyguide",
			Bucket:      "guiding",
			Measurement: "guide_step",
		},
		Sim: Sim{
			Stars:          12,
			Width:          1280,
			Height:         960,
			Seed:           42,
			MsPerPixel:     100,
			RotationDeg:    0,
			DecDeg:         20,
			RAHours:        5.5,
			DriftRA:        0.05,
			DriftDE:        0.02,
			PEAmplitude:    0.5,
			PEPeriod:       480,
			Jitter:         0,
			TimeScale:      0.05,
			DownloadMillis: 200,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
