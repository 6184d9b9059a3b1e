// Package config provides configuration loading and management for cellcount.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"cellcount/pkg/counting"
	"cellcount/pkg/reconcile"
)

// ErrInvalidConfig is returned when a configuration value is out of range
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many slices are filtered concurrently
		NumCores int `yaml:"numCores"`

		// ThresholdRatio is the minimum restricted/unrestricted area ratio
		// of a whole object, exclusive, in (0, 1]
		ThresholdRatio float64 `yaml:"thresholdRatio"`

		// ThresholdSize is the minimum restricted area in pixels, exclusive
		ThresholdSize int `yaml:"thresholdSize"`

		// ReportFragments logs accepted labels split into several pieces
		ReportFragments bool `yaml:"reportFragments"`
	} `yaml:"processing"`

	// Folder and file names inside every sample folder
	Folders struct {
		Labelmaps2D         string `yaml:"labelmaps2D"`
		Labelmaps3D         string `yaml:"labelmaps3D"`
		RegionMasks         string `yaml:"regionMasks"`
		SubpopulationMasks  string `yaml:"subpopulationMasks"`
		LabelsTotal         string `yaml:"labelsTotal"`
		LabelsSubpopulation string `yaml:"labelsSubpopulation"`
		Previews            string `yaml:"previews"`
		ResultsFile         string `yaml:"resultsFile"`
		SummaryFile         string `yaml:"summaryFile"`
	} `yaml:"folders"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// ExtractSlices saves x/y/z slice previews of the result volumes
		ExtractSlices bool `yaml:"extractSlices"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	th := reconcile.DefaultThresholds()
	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.ThresholdRatio = th.Ratio
	cfg.Processing.ThresholdSize = th.Size
	cfg.Processing.ReportFragments = false

	layout := counting.DefaultLayout()
	cfg.Folders.Labelmaps2D = layout.Labelmaps2D
	cfg.Folders.Labelmaps3D = layout.Labelmaps3D
	cfg.Folders.RegionMasks = layout.RegionMasks
	cfg.Folders.SubpopulationMasks = layout.SubpopulationMasks
	cfg.Folders.LabelsTotal = layout.LabelsTotal
	cfg.Folders.LabelsSubpopulation = layout.LabelsSubpop
	cfg.Folders.Previews = layout.Previews
	cfg.Folders.ResultsFile = layout.ResultsFile
	cfg.Folders.SummaryFile = layout.SummaryFile

	cfg.Output.Verbose = true
	cfg.Output.ExtractSlices = false

	return cfg
}

// Validate checks value ranges and that no folder name is empty
func (c *Config) Validate() error {
	if err := c.Thresholds().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Processing.NumCores < 1 {
		return fmt.Errorf("%w: numCores must be at least 1", ErrInvalidConfig)
	}

	folders := map[string]string{
		"labelmaps2D":         c.Folders.Labelmaps2D,
		"labelmaps3D":         c.Folders.Labelmaps3D,
		"regionMasks":         c.Folders.RegionMasks,
		"subpopulationMasks":  c.Folders.SubpopulationMasks,
		"labelsTotal":         c.Folders.LabelsTotal,
		"labelsSubpopulation": c.Folders.LabelsSubpopulation,
		"previews":            c.Folders.Previews,
		"resultsFile":         c.Folders.ResultsFile,
		"summaryFile":         c.Folders.SummaryFile,
	}
	for key, value := range folders {
		if value == "" {
			return fmt.Errorf("%w: folders.%s is empty", ErrInvalidConfig, key)
		}
	}
	if c.Folders.LabelsTotal == c.Folders.LabelsSubpopulation {
		return fmt.Errorf("%w: labelsTotal and labelsSubpopulation must differ", ErrInvalidConfig)
	}
	return nil
}

// Thresholds returns the reconciliation thresholds
func (c *Config) Thresholds() reconcile.Thresholds {
	return reconcile.Thresholds{Ratio: c.Processing.ThresholdRatio, Size: c.Processing.ThresholdSize}
}

// Layout returns the sample folder layout
func (c *Config) Layout() counting.Layout {
	return counting.Layout{
		Labelmaps2D:        c.Folders.Labelmaps2D,
		Labelmaps3D:        c.Folders.Labelmaps3D,
		RegionMasks:        c.Folders.RegionMasks,
		SubpopulationMasks: c.Folders.SubpopulationMasks,
		LabelsTotal:        c.Folders.LabelsTotal,
		LabelsSubpop:       c.Folders.LabelsSubpopulation,
		Previews:           c.Folders.Previews,
		ResultsFile:        c.Folders.ResultsFile,
		SummaryFile:        c.Folders.SummaryFile,
	}
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
