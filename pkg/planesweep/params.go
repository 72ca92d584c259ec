package planesweep

import (
	"log/slog"

	"mvfuse3d/pkg/config"
)

// SGMParams holds the plane-sweeping and volume optimization settings
type SGMParams struct {
	// VolGpuMB bounds one aggregation batch
	VolGpuMB float64

	// MaxVolumeMB bounds the Z-reduced volume
	MaxVolumeMB float64

	NDepths  int
	MinDepth float64
	MaxDepth float64

	// Scale is the image downscale, Step the pixel step inside the scaled image
	Scale int
	Step  int

	P1 int
	P2 int

	ZBorder int

	// WSPCostThreshold marks points whose best cost is above it as weakly supported
	WSPCostThreshold int

	// Logger receives debug output; nil means slog.Default()
	Logger *slog.Logger
}

// DefaultSGMParams mirrors the defaults of config.DefaultConfig.
func DefaultSGMParams() *SGMParams {
	return ParamsFromConfig(config.DefaultConfig())
}

// ParamsFromConfig extracts the volume settings of cfg.
func ParamsFromConfig(cfg *config.Config) *SGMParams {
	return &SGMParams{
		VolGpuMB:         cfg.SGM.VolGpuMB,
		MaxVolumeMB:      cfg.SGM.MaxVolumeMB,
		NDepths:          cfg.SGM.NDepths,
		MinDepth:         cfg.SGM.MinDepth,
		MaxDepth:         cfg.SGM.MaxDepth,
		Scale:            cfg.Processing.Scale,
		Step:             cfg.Processing.Step,
		P1:               cfg.SGM.P1,
		P2:               cfg.SGM.P2,
		ZBorder:          cfg.SGM.ZBorder,
		WSPCostThreshold: cfg.SGM.WSPCostThreshold,
	}
}

func (p *SGMParams) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
