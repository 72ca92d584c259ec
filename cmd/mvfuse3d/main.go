package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"mvfuse3d/pkg/config"
	"mvfuse3d/pkg/reconstruction"
)

func main() {
	// Parse command line arguments
	scenePath := flag.String("scene", "", "YAML scene file listing the calibrated cameras")
	outputDir := flag.String("output", "mvfuse3d_output", "Directory for depth maps, visibility file and scene space")
	configPath := flag.String("config", "", "YAML configuration file (defaults are used when empty or missing)")
	writeConfig := flag.String("write-config", "", "Write the default configuration to this file and exit")
	numCores := flag.Int("cores", 0, "Number of cameras processed at once (overrides the configuration)")
	saveIntermediary := flag.Bool("save-intermediary", false, "Render depth maps after estimation and filtering")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *writeConfig)
		return
	}

	// Validate inputs
	if *scenePath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}
	if *numCores > 0 {
		cfg.Processing.NumCores = *numCores
	}
	if *saveIntermediary {
		cfg.Output.SaveIntermediaryResults = true
	}

	level := slog.LevelInfo
	if cfg.Output.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	r := reconstruction.NewReconstructor(&reconstruction.Params{
		ScenePath: *scenePath,
		OutputDir: *outputDir,
		Config:    cfg,
		Logger:    logger,
	})
	if err := r.Process(); err != nil {
		logger.Error("reconstruction failed", "err", err)
		os.Exit(1)
	}

	m := r.GetMetrics()
	fmt.Printf("\nReconstruction completed in %.2f seconds\n", m.Elapsed.Seconds())
	fmt.Printf("Visibility file: %s\n\n", filepath.Join(*outputDir, reconstruction.PtsCamsFile))
	fmt.Printf("Cameras:              %d\n", m.NumCams)
	fmt.Printf("Estimated points:     %d\n", m.EstimatedPoints)
	fmt.Printf("Filtered points:      %d (%.1f%% kept)\n", m.FilteredPoints, 100*m.KeptRatio)
	fmt.Printf("Fused points:         %d\n", m.FusedPoints)
	fmt.Printf("Cameras per point:    %.2f ± %.2f\n", m.MeanCamsPerPoint, m.StdCamsPerPoint)
	fmt.Printf("Minimal pixel size:   %.4g\n", m.MinPixSize)
	fmt.Printf("Space partitions:     %d x %d x %d\n", m.Dims.X, m.Dims.Y, m.Dims.Z)
}
