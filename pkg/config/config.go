// Package config provides configuration loading and management for mvfuse3d.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many cameras are processed concurrently
		NumCores int `yaml:"numCores"`

		// Scale is the image downscale factor used for depth estimation
		Scale int `yaml:"scale"`

		// Step is the pixel step inside a scaled image (volStepXY)
		Step int `yaml:"step"`

		// ImageCacheSize is the number of decoded images kept in memory
		ImageCacheSize int `yaml:"imageCacheSize"`
	} `yaml:"processing"`

	// Plane-sweeping and volume optimization parameters
	SGM struct {
		// VolGpuMB is the memory budget of one aggregation batch in megabytes
		VolGpuMB float64 `yaml:"volGpuMB"`

		// MaxVolumeMB bounds the Z-reduced volume; it drives volStepZ
		MaxVolumeMB float64 `yaml:"maxVolumeMB"`

		// NDepths is the number of depth hypotheses per reference camera
		NDepths int `yaml:"nDepths"`

		// MinDepth and MaxDepth are used for cameras without their own range
		MinDepth float64 `yaml:"minDepth"`
		MaxDepth float64 `yaml:"maxDepth"`

		// WSH is the half size of the matching window
		WSH int `yaml:"wsh"`

		// P1 and P2 are the small and large SGM smoothness penalties
		P1 int `yaml:"p1"`
		P2 int `yaml:"p2"`

		// ZBorder is the number of reduced slices ignored at both ends
		ZBorder int `yaml:"zBorder"`

		// WSPCostThreshold marks points costlier than this as weakly supported
		WSPCostThreshold int `yaml:"wspCostThreshold"`

		// NNearestCams is the number of neighbour cameras aggregated per reference camera
		NNearestCams int `yaml:"nNearestCams"`
	} `yaml:"sgm"`

	// Depth map filtering parameters
	Filter struct {
		PixSizeBall           int     `yaml:"pixSizeBall"`
		PixSizeBallWSP        int     `yaml:"pixSizeBallWSP"`
		NNearestCams          int     `yaml:"nNearestCams"`
		MinNumOfModals        int     `yaml:"minNumOfModals"`
		MinNumOfModalsWSP2SSP int     `yaml:"minNumOfConsistentCamsWithLowSimilarity"`
		MaxViewAngle          float64 `yaml:"maxViewAngle"`

		// Alpha scales the pixel size used to join neighbouring depths into a segment
		Alpha      float64 `yaml:"alpha"`
		MinSegSize int     `yaml:"minSegSize"`
	} `yaml:"filter"`

	// Scene partitioning parameters
	LargeScale struct {
		UniversePercentile     float64 `yaml:"universePercentile"`
		PointToJoinPixSizeDist float64 `yaml:"pointToJoinPixSizeDist"`
		MaxOcTreeDim           int     `yaml:"maxOcTreeDim"`
		HexahPixelSizeStep     int     `yaml:"hexahPixelSizeStep"`
	} `yaml:"largeScale"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults determines whether depth maps are rendered after each stage
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// FuseStep subsamples pixels when building the fused point set
		FuseStep int `yaml:"fuseStep"`

		// VisualizationScales is the number of pyramid levels written per depth map
		VisualizationScales int `yaml:"visualizationScales"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.Scale = 1
	cfg.Processing.Step = 1
	cfg.Processing.ImageCacheSize = 32

	cfg.SGM.VolGpuMB = 64
	cfg.SGM.MaxVolumeMB = 256
	cfg.SGM.NDepths = 128
	cfg.SGM.MinDepth = 0.5
	cfg.SGM.MaxDepth = 50
	cfg.SGM.WSH = 2
	cfg.SGM.P1 = 10
	cfg.SGM.P2 = 100
	cfg.SGM.ZBorder = 2
	cfg.SGM.WSPCostThreshold = 160
	cfg.SGM.NNearestCams = 4

	cfg.Filter.PixSizeBall = 0
	cfg.Filter.PixSizeBallWSP = 0
	cfg.Filter.NNearestCams = 10
	cfg.Filter.MinNumOfModals = 3
	cfg.Filter.MinNumOfModalsWSP2SSP = 4
	cfg.Filter.MaxViewAngle = 70
	cfg.Filter.Alpha = 10
	cfg.Filter.MinSegSize = 100

	cfg.LargeScale.UniversePercentile = 0.999
	cfg.LargeScale.PointToJoinPixSizeDist = 2.0
	cfg.LargeScale.MaxOcTreeDim = 1024
	cfg.LargeScale.HexahPixelSizeStep = 100

	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.Verbose = true
	cfg.Output.FuseStep = 1
	cfg.Output.VisualizationScales = 1

	return cfg
}

// Validate checks the values that would otherwise surface as panics deep in the pipeline
func (cfg *Config) Validate() error {
	if cfg.Processing.NumCores < 1 {
		return fmt.Errorf("processing.numCores must be positive, got %d", cfg.Processing.NumCores)
	}
	if cfg.Processing.Scale < 1 || cfg.Processing.Step < 1 {
		return fmt.Errorf("processing.scale and processing.step must be positive")
	}
	if cfg.SGM.NDepths < 1 {
		return fmt.Errorf("sgm.nDepths must be positive, got %d", cfg.SGM.NDepths)
	}
	if cfg.SGM.MinDepth <= 0 || cfg.SGM.MaxDepth <= cfg.SGM.MinDepth {
		return fmt.Errorf("sgm depth range [%g, %g] is invalid", cfg.SGM.MinDepth, cfg.SGM.MaxDepth)
	}
	if cfg.SGM.VolGpuMB <= 0 || cfg.SGM.MaxVolumeMB <= 0 {
		return fmt.Errorf("sgm memory budgets must be positive")
	}
	if cfg.Filter.MinNumOfModals < 1 {
		return fmt.Errorf("filter.minNumOfModals must be positive, got %d", cfg.Filter.MinNumOfModals)
	}
	if cfg.LargeScale.UniversePercentile <= 0 || cfg.LargeScale.UniversePercentile > 1 {
		return fmt.Errorf("largeScale.universePercentile must be in (0, 1]")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

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
