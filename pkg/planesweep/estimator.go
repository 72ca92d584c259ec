package planesweep

import (
	"fmt"
	"time"

	"mvfuse3d/internal/models"
	"mvfuse3d/pkg/scene"
)

// Estimator computes the depth and similarity map of one reference camera
// from its neighbours.
type Estimator struct {
	mp      *scene.Params
	backend ComputeBackend
	params  *SGMParams
}

// NewEstimator wires a backend and parameters to a scene.
func NewEstimator(mp *scene.Params, backend ComputeBackend, params *SGMParams) *Estimator {
	if params == nil {
		params = DefaultSGMParams()
	}
	return &Estimator{mp: mp, backend: backend, params: params}
}

// MapScale is the downscale of the produced maps relative to the full images.
func (e *Estimator) MapScale() int {
	return max(1, e.params.Scale) * max(1, e.params.Step)
}

// Estimate sweeps the depth range of rc against tcams. The map has one pixel
// per volume cell. Similarity is cost/127.5 - 1, shifted by +2 for weakly
// supported points; pixels without a hypothesis get depth -1 and similarity 1.
func (e *Estimator) Estimate(rc int, tcams []int) (depth, sim *models.DepthMap, err error) {
	start := time.Now()
	log := e.params.logger()

	scale, step := max(1, e.params.Scale), max(1, e.params.Step)
	dimX, dimY := e.mp.Width(rc, scale*step), e.mp.Height(rc, scale*step)
	depth = models.NewDepthMap(dimX, dimY, models.InvalidDepth)
	sim = models.NewDepthMap(dimX, dimY, models.InvalidSim)
	if len(tcams) == 0 {
		log.Warn("no neighbour cameras, depth map left empty", "rc", rc)
		return depth, sim, nil
	}

	minD, maxD := e.mp.DepthRange(rc, e.params.MinDepth, e.params.MaxDepth)
	depths := DepthsUniformInverse(minD, maxD, e.params.NDepths)
	if len(depths) == 0 {
		return nil, nil, fmt.Errorf("camera %d: invalid depth range [%g, %g] with %d planes", rc, minD, maxD, e.params.NDepths)
	}

	vol, err := NewSGMVolume(e.params.VolGpuMB, dimX, dimY, len(depths), e.params, e.backend)
	if err != nil {
		return nil, nil, fmt.Errorf("camera %d: %w", rc, err)
	}

	window := Window{StepXY: step, Scale: scale, DimX: dimX, DimY: dimY}
	batch := vol.BatchZSteps()
	for zFrom := 0; zFrom < len(depths); zFrom += batch {
		n := min(batch, len(depths)-zFrom)
		for i, tc := range tcams {
			costs, err := e.backend.ComputeCostVolume(rc, tc, depths, zFrom, n, window)
			if err != nil {
				return nil, nil, fmt.Errorf("camera %d against %d: %w", rc, tc, err)
			}
			if i == 0 {
				err = vol.CopyVolume(costs, zFrom, n)
			} else {
				err = vol.AddVolumeSecondMin(costs, zFrom, n)
			}
			if err != nil {
				return nil, nil, fmt.Errorf("camera %d: %w", rc, err)
			}
		}
	}

	// with several neighbours the second best cost needs two of them to agree
	if len(tcams) > 1 {
		err = vol.CloneVolumeSecondStepZ()
	} else {
		err = vol.CloneVolumeStepZ()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("camera %d: %w", rc, err)
	}

	if err := vol.SGMOptimizeVolumeStepZ(rc, step, 0, 0, scale); err != nil {
		return nil, nil, fmt.Errorf("camera %d: %w", rc, err)
	}

	best, err := vol.GetOrigVolumeBestIdValFromVolumeStepZ(e.params.ZBorder)
	if err != nil {
		return nil, nil, fmt.Errorf("camera %d: %w", rc, err)
	}

	wsp := 0
	for i, b := range best {
		if b.ID < 0 {
			continue
		}
		depth.Data[i] = depths[b.ID]
		s := b.Value/127.5 - 1
		if int(b.Value) > e.params.WSPCostThreshold {
			s += 2
			wsp++
		}
		sim.Data[i] = s
	}

	log.Debug("depth map estimated",
		"rc", rc,
		"tcams", tcams,
		"width", dimX,
		"height", dimY,
		"planes", len(depths),
		"stepZ", vol.StepZ(),
		"valid", depth.CountValid(),
		"weak", wsp,
		"elapsed", time.Since(start))
	return depth, sim, nil
}
