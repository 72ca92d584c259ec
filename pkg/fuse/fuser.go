// Package fuse cross-validates per-camera depth maps, removes points other
// cameras do not corroborate and estimates the extent of the reconstructed
// scene.
package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"time"

	"github.com/golang/geo/r3"
	"golang.org/x/sync/errgroup"

	"mvfuse3d/internal/models"
	"mvfuse3d/pkg/config"
	"mvfuse3d/pkg/depthmap"
	"mvfuse3d/pkg/scene"
)

// Options holds the fusion settings. Zero values fall back to the defaults
// of config.DefaultConfig.
type Options struct {
	// Scale is the downscale of the stored maps relative to the full images
	Scale int

	// NumCores bounds the number of cameras processed at once
	NumCores int

	PixSizeBall           int
	PixSizeBallWSP        int
	NNearestCams          int
	MinNumOfModalsWSP2SSP int
	MaxViewAngle          float64

	UniversePercentile     float64
	PointToJoinPixSizeDist float64
	HexahPixelSizeStep     int

	Logger *slog.Logger
}

// OptionsFromConfig extracts the fusion settings of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Scale:                  max(1, cfg.Processing.Scale) * max(1, cfg.Processing.Step),
		NumCores:               cfg.Processing.NumCores,
		PixSizeBall:            cfg.Filter.PixSizeBall,
		PixSizeBallWSP:         cfg.Filter.PixSizeBallWSP,
		NNearestCams:           cfg.Filter.NNearestCams,
		MinNumOfModalsWSP2SSP:  cfg.Filter.MinNumOfModalsWSP2SSP,
		MaxViewAngle:           cfg.Filter.MaxViewAngle,
		UniversePercentile:     cfg.LargeScale.UniversePercentile,
		PointToJoinPixSizeDist: cfg.LargeScale.PointToJoinPixSizeDist,
		HexahPixelSizeStep:     cfg.LargeScale.HexahPixelSizeStep,
	}
}

func (o Options) withDefaults() Options {
	def := OptionsFromConfig(config.DefaultConfig())
	if o.Scale <= 0 {
		o.Scale = 1
	}
	if o.NumCores <= 0 {
		o.NumCores = runtime.NumCPU()
	}
	if o.NNearestCams <= 0 {
		o.NNearestCams = def.NNearestCams
	}
	if o.MinNumOfModalsWSP2SSP <= 0 {
		o.MinNumOfModalsWSP2SSP = def.MinNumOfModalsWSP2SSP
	}
	if o.UniversePercentile <= 0 || o.UniversePercentile > 1 {
		o.UniversePercentile = def.UniversePercentile
	}
	if o.PointToJoinPixSizeDist <= 0 {
		o.PointToJoinPixSizeDist = def.PointToJoinPixSizeDist
	}
	if o.HexahPixelSizeStep <= 0 {
		o.HexahPixelSizeStep = def.HexahPixelSizeStep
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Fuser filters the depth maps of a scene kept in a map store. Estimated maps
// are only read; filtering writes the Filtered stage.
type Fuser struct {
	mp    *scene.Params
	pc    *scene.Prematcher
	store *depthmap.Store
	opts  Options
	log   *slog.Logger
}

// NewFuser creates a fuser over the maps of store.
func NewFuser(mp *scene.Params, store *depthmap.Store, opts Options) *Fuser {
	opts = opts.withDefaults()
	return &Fuser{
		mp:    mp,
		pc:    scene.NewPrematcher(mp, opts.MaxViewAngle),
		store: store,
		opts:  opts,
		log:   opts.Logger,
	}
}

// Store returns the map store the fuser works on.
func (f *Fuser) Store() *depthmap.Store {
	return f.store
}

func (f *Fuser) loadMap(rc int, kind depthmap.Kind, stage depthmap.Stage) (*models.DepthMap, error) {
	return f.loadMapAt(rc, kind, stage, f.opts.Scale)
}

// loadMapAt loads a map expected to hold one value per scale x scale block
// of the rc image.
func (f *Fuser) loadMapAt(rc int, kind depthmap.Kind, stage depthmap.Stage, scale int) (*models.DepthMap, error) {
	return f.store.LoadMap(rc, kind, stage, f.mp.Width(rc, scale), f.mp.Height(rc, scale))
}

// FilterGroupsRC counts, for every pixel of rc, how many of its nNearestCams
// neighbours see a point at a consistent depth. The rc point is projected
// into each neighbour and compared with the neighbour depths in a (2d+1)^2
// window around the nearest pixel; d is pixSizeBallWSP for weakly supported
// rc pixels and pixSizeBall otherwise. A depth agrees when it is within twice
// the plane sweep pixel size. The counts are stored as the modals map of rc.
//
// It returns false without doing anything when the modals map already exists.
func (f *Fuser) FilterGroupsRC(rc, pixSizeBall, pixSizeBallWSP, nNearestCams int) (bool, error) {
	if f.store.Exists(rc, depthmap.NModMap, depthmap.Estimated) {
		return false, nil
	}
	start := time.Now()

	depth, err := f.loadMap(rc, depthmap.DepthMap, depthmap.Estimated)
	if err != nil {
		return false, err
	}
	sim, err := f.loadMap(rc, depthmap.SimMap, depthmap.Estimated)
	if err != nil {
		return false, err
	}

	modals := make(models.ModalsMap, len(depth.Data))
	tcams := f.pc.FindNearestCams(rc, nNearestCams)
	outside := 0

	for _, tc := range tcams {
		tdepth, err := f.loadMap(tc, depthmap.DepthMap, depthmap.Estimated)
		if err != nil {
			return false, err
		}
		tcam := f.mp.Camera(tc)
		for y := 0; y < depth.Height; y++ {
			for x := 0; x < depth.Width; x++ {
				i := y*depth.Width + x
				d := depth.Data[i]
				if d <= 0 {
					continue
				}
				p := f.mp.BackProjectScaled(rc, x, y, f.opts.Scale, float64(d))
				cx, cy, ok := f.cellOf(tcam, p, tdepth)
				if !ok {
					outside++
					continue
				}
				ball := pixSizeBall
				if sim.Data[i] >= 1 {
					ball = pixSizeBallWSP
				}
				tol := 2 * f.mp.PixelSizePlaneSweepAlpha(p, rc, tc, 1, 1)
				if corroborated(tdepth, cx, cy, ball, tcam.Depth(p), tol) && modals[i] < math.MaxUint8 {
					modals[i]++
				}
			}
		}
	}

	if err := f.store.SaveBytes(rc, depthmap.NModMap, depthmap.Estimated, modals); err != nil {
		return false, err
	}
	f.log.Debug("modals counted", "rc", rc, "tcams", tcams, "outside", outside, "elapsed", time.Since(start))
	return true, nil
}

// cellOf returns the cell of m, a map of cam at the fuser scale, nearest to
// the projection of p.
func (f *Fuser) cellOf(cam *scene.Camera, p r3.Vector, m *models.DepthMap) (int, int, bool) {
	px, py, ok := cam.Project(p)
	if !ok {
		return 0, 0, false
	}
	s := float64(f.opts.Scale)
	cx, cy := int(math.Round(px/s)), int(math.Round(py/s))
	if cx < 0 || cy < 0 || cx >= m.Width || cy >= m.Height {
		return 0, 0, false
	}
	return cx, cy, true
}

// corroborated reports whether a valid depth of m within ball cells of
// (cx, cy) is closer than tol to dist.
func corroborated(m *models.DepthMap, cx, cy, ball int, dist, tol float64) bool {
	for ny := max(0, cy-ball); ny <= min(m.Height-1, cy+ball); ny++ {
		for nx := max(0, cx-ball); nx <= min(m.Width-1, cx+ball); nx++ {
			if d := m.At(nx, ny); d > 0 && math.Abs(float64(d)-dist) < tol {
				return true
			}
		}
	}
	return false
}

// FilterDepthMapsRC applies the modal counts of rc to its estimated maps and
// writes the result as the filtered stage. With n the number of
// corroborating neighbours of a pixel:
//   - a weakly supported point with n >= minNumOfModalsWSP2SSP-1 becomes
//     strongly supported,
//   - a weakly supported point with n <= 1 is removed,
//   - any point with n < minNumOfModals-1 is removed.
func (f *Fuser) FilterDepthMapsRC(rc, minNumOfModals, minNumOfModalsWSP2SSP int) (bool, error) {
	depth, err := f.loadMap(rc, depthmap.DepthMap, depthmap.Estimated)
	if err != nil {
		return false, err
	}
	sim, err := f.loadMap(rc, depthmap.SimMap, depthmap.Estimated)
	if err != nil {
		return false, err
	}
	modals, err := f.store.LoadBytes(rc, depthmap.NModMap, depthmap.Estimated)
	if err != nil {
		return false, err
	}
	if len(modals) != len(depth.Data) {
		return false, fmt.Errorf("%w: camera %d modals map has %d values, depth map %d",
			depthmap.ErrSizeMismatch, rc, len(modals), len(depth.Data))
	}

	outDepth := depth.Clone()
	outSim := sim.Clone()
	removed, promoted := 0, 0
	for i, d := range depth.Data {
		if d <= 0 {
			continue
		}
		n := int(modals[i])
		s := sim.Data[i]
		keep := true
		if s >= 1 {
			switch {
			case n >= minNumOfModalsWSP2SSP-1:
				s -= 2
				promoted++
			case n <= 1:
				keep = false
			}
		}
		if n < minNumOfModals-1 {
			keep = false
		}

		if keep {
			outSim.Data[i] = s
		} else {
			outDepth.Data[i] = models.InvalidDepth
			outSim.Data[i] = models.InvalidSim
			removed++
		}
	}

	if err := f.store.SaveMap(rc, depthmap.DepthMap, depthmap.Filtered, outDepth); err != nil {
		return false, err
	}
	if err := f.store.SaveMap(rc, depthmap.SimMap, depthmap.Filtered, outSim); err != nil {
		return false, err
	}
	f.log.Debug("depth map filtered", "rc", rc, "removed", removed, "promoted", promoted, "kept", outDepth.CountValid())
	return true, nil
}

// forEachCam runs fn for every camera with at most NumCores at once. The
// first error stops cameras not started yet.
func (f *Fuser) forEachCam(cams []int, fn func(rc int) error) error {
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(f.opts.NumCores)
	for _, rc := range cams {
		if ctx.Err() != nil {
			break
		}
		rc := rc
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			return fn(rc)
		})
	}
	return g.Wait()
}

// FilterGroups counts the modals of every camera in cams.
func (f *Fuser) FilterGroups(cams []int) error {
	f.log.Info("filtering groups", "cams", len(cams))
	return f.forEachCam(cams, func(rc int) error {
		_, err := f.FilterGroupsRC(rc, f.opts.PixSizeBall, f.opts.PixSizeBallWSP, f.opts.NNearestCams)
		return err
	})
}

// FilterDepthMaps writes the filtered maps of every camera in cams.
func (f *Fuser) FilterDepthMaps(cams []int, minNumOfModals int) error {
	f.log.Info("filtering depth maps", "cams", len(cams), "minNumOfModals", minNumOfModals)
	return f.forEachCam(cams, func(rc int) error {
		_, err := f.FilterDepthMapsRC(rc, minNumOfModals, f.opts.MinNumOfModalsWSP2SSP)
		return err
	})
}
