package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/adaround/internal/adaround"
	"github.com/samcharles93/adaround/internal/api"
)

// Config represents the adaround configuration file (~/.config/adaround/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Calibration defaults
	Reduced   *bool  `yaml:"reduced"`
	Seed      *int64 `yaml:"seed"`
	Objective string `yaml:"objective"`
	MaxLayers *int64 `yaml:"max_layers"`
	// Options overrides individual constants; keys follow adaround.Options.
	Options yaml.Node `yaml:"options"`

	// Server
	ServerAddress string      `yaml:"server_address"`
	ReportsDir    string      `yaml:"reports_dir"`
	SpecsDir      string      `yaml:"specs_dir"`
	QueueDepth    *int64      `yaml:"queue_depth"`
	Limits        *api.Limits `yaml:"limits"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "adaround", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	cfg, err := loadConfigFrom(configPath())
	if err != nil {
		return Config{}
	}
	return cfg
}

func loadConfigFrom(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyCalibrationConfig applies config file defaults to calibration
// variables when the corresponding CLI flag was not explicitly set.
func applyCalibrationConfig(c *cli.Command, cfg Config) {
	if cfg.Reduced != nil && !c.IsSet("reduced") {
		reduced = *cfg.Reduced
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.Objective != "" && !c.IsSet("objective") {
		objective = cfg.Objective
	}
	if cfg.MaxLayers != nil && !c.IsSet("max-layers") {
		maxLayers = *cfg.MaxLayers
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr, reportsDir, specsDir *string, queueDepth *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.ReportsDir != "" && !c.IsSet("reports-dir") {
		*reportsDir = cfg.ReportsDir
	}
	if cfg.SpecsDir != "" && !c.IsSet("specs-dir") {
		*specsDir = cfg.SpecsDir
	}
	if cfg.QueueDepth != nil && !c.IsSet("queue-depth") {
		*queueDepth = *cfg.QueueDepth
	}
}

// resolveOptions layers the calibration settings: preset, config file
// options, the --options file, then explicit flags.
func resolveOptions(cfg Config, optionsFile string) (adaround.Options, error) {
	opts := adaround.DefaultOptions()
	if reduced {
		opts = adaround.ReducedOptions()
	}
	if !cfg.Options.IsZero() {
		if err := cfg.Options.Decode(&opts); err != nil {
			return opts, fmt.Errorf("config options: %w", err)
		}
	}
	if optionsFile != "" {
		data, err := os.ReadFile(optionsFile)
		if err != nil {
			return opts, err
		}
		if err := yaml.Unmarshal(data, &opts); err != nil {
			return opts, fmt.Errorf("parse %s: %w", optionsFile, err)
		}
	}
	if seed != 0 {
		opts.Seed = seed
	}
	if objective != "" {
		opts.Objective = adaround.Objective(objective)
	}
	if maxLayers > 0 {
		opts.MaxLayers = int(maxLayers)
	}
	return opts, opts.Validate()
}
