package reconstruction

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"mvfuse3d/internal/models"
	"mvfuse3d/pkg/config"
	"mvfuse3d/pkg/depthmap"
	"mvfuse3d/pkg/fuse"
	"mvfuse3d/pkg/planesweep"
	"mvfuse3d/pkg/scene"
	"mvfuse3d/pkg/visibility"
)

// Output file names inside Params.OutputDir.
const (
	DepthMapsDir    = "depthMaps"
	IntermediaryDir = "intermediary"
	PtsCamsFile     = "ptsCams.bin"
	SpaceFile       = "space.yaml"
)

// Metrics summarises a reconstruction run. They describe how much of the
// estimated geometry survived filtering and how well the fused points are
// observed.
type Metrics struct {
	// NumCams is the number of reference cameras processed
	NumCams int

	// EstimatedPoints is the number of valid pixels over all estimated maps
	EstimatedPoints int

	// FilteredPoints is the number of valid pixels left after filtering and
	// small component removal
	FilteredPoints int

	// KeptRatio is FilteredPoints / EstimatedPoints
	KeptRatio float64

	// FusedPoints is the number of points written to the visibility file
	FusedPoints int

	// MeanCamsPerPoint and StdCamsPerPoint describe the size of the
	// visibility sets. A point seen only by its reference camera counts 1.
	MeanCamsPerPoint float64
	StdCamsPerPoint  float64

	// MinPixSize is the smallest pixel footprint found while bounding the scene
	MinPixSize float64

	// Dims is the number of partitions of the scene space
	Dims models.Voxel

	// Elapsed is the wall time of Process
	Elapsed time.Duration
}

// Params holds the reconstruction inputs.
type Params struct {
	// ScenePath is the YAML scene description listing the calibrated cameras.
	// It is ignored when Scene is set.
	ScenePath string

	// Scene is an already loaded camera set
	Scene *scene.Params

	// OutputDir receives the depth maps, the visibility file and the space
	// description
	OutputDir string

	// Config holds the processing settings; nil means config.DefaultConfig
	Config *config.Config

	// Images supplies the camera images; nil reads the image files named in
	// the scene
	Images planesweep.ImageSource

	// Logger receives progress output; nil means slog.Default()
	Logger *slog.Logger
}

// Space is the scene extent written to SpaceFile.
type Space struct {
	Hexahedron [8][3]float64 `yaml:"hexahedron"`
	Dims       [3]int        `yaml:"dims"`
	MinPixSize float64       `yaml:"minPixSize"`
	NumPoints  uint64        `yaml:"numPoints"`
}

// Reconstructor runs the multi-view reconstruction pipeline:
//  1. Loading the calibrated cameras
//  2. Estimating one depth map per camera by plane sweeping its neighbours
//  3. Cross-validating the depth maps between neighbouring cameras
//  4. Removing small connected components
//  5. Bounding and partitioning the scene space
//  6. Fusing the points with their visibility sets
//
// Every stage reads and writes the map store, so a run interrupted after
// the estimation resumes without recomputing existing depth maps.
type Reconstructor struct {
	// params stores the reconstruction configuration
	params *Params
	cfg    *config.Config
	log    *slog.Logger

	// mp is the camera set, available once the scene is loaded
	mp    *scene.Params
	store *depthmap.Store
	fuser *fuse.Fuser

	space  Space
	points []models.PointCams

	// metrics stores the run statistics after Process
	metrics Metrics
}

// NewReconstructor creates a reconstructor for the given parameters. Nothing
// is read before Process.
func NewReconstructor(params *Params) *Reconstructor {
	cfg := params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := params.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reconstructor{params: params, cfg: cfg, log: log}
}

// Process runs the complete reconstruction pipeline
func (r *Reconstructor) Process() error {
	start := time.Now()
	if err := r.cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	r.log.Info("Step 1: loading scene")
	if err := r.loadScene(); err != nil {
		return errors.Wrap(err, "failed to load scene")
	}
	cams := r.mp.AllCams()
	r.metrics.NumCams = len(cams)

	r.log.Info("Step 2: estimating depth maps", "cams", len(cams))
	if err := r.estimateDepthMaps(cams); err != nil {
		return errors.Wrap(err, "failed to estimate depth maps")
	}
	n, err := r.countPoints(cams, depthmap.Estimated)
	if err != nil {
		return err
	}
	r.metrics.EstimatedPoints = n
	r.saveIntermediaryResults("01_estimated", cams)

	r.log.Info("Step 3: filtering depth maps")
	if err := r.fuser.FilterGroups(cams); err != nil {
		return errors.Wrap(err, "failed to count modals")
	}
	if err := r.fuser.FilterDepthMaps(cams, r.cfg.Filter.MinNumOfModals); err != nil {
		return errors.Wrap(err, "failed to filter depth maps")
	}

	r.log.Info("Step 4: removing small components")
	if err := r.fuser.FilterSmallConnComponents(r.cfg.Filter.Alpha, r.cfg.Filter.MinSegSize, r.mapScale()); err != nil {
		return errors.Wrap(err, "failed to remove small components")
	}
	n, err = r.countPoints(cams, depthmap.Filtered)
	if err != nil {
		return err
	}
	r.metrics.FilteredPoints = n
	r.saveIntermediaryResults("02_filtered", cams)

	r.log.Info("Step 5: estimating scene space")
	if err := r.estimateSpace(); err != nil {
		return errors.Wrap(err, "failed to estimate scene space")
	}

	r.log.Info("Step 6: fusing points")
	if err := r.fusePoints(cams); err != nil {
		return errors.Wrap(err, "failed to fuse points")
	}

	r.metrics.Elapsed = time.Since(start)
	r.calculateMetrics()
	r.log.Info("reconstruction finished",
		"points", r.metrics.FusedPoints,
		"kept", fmt.Sprintf("%.1f%%", 100*r.metrics.KeptRatio),
		"elapsed", r.metrics.Elapsed)
	return nil
}

// loadScene reads the cameras and opens the map store.
func (r *Reconstructor) loadScene() error {
	r.mp = r.params.Scene
	if r.mp == nil {
		mp, err := scene.LoadScene(r.params.ScenePath)
		if err != nil {
			return err
		}
		r.mp = mp
	}

	store, err := depthmap.NewStore(filepath.Join(r.params.OutputDir, DepthMapsDir))
	if err != nil {
		return err
	}
	r.store = store

	opts := fuse.OptionsFromConfig(r.cfg)
	opts.Logger = r.log
	r.fuser = fuse.NewFuser(r.mp, store, opts)
	r.log.Debug("scene loaded", "cams", r.mp.NCams(), "store", store.Dir)
	return nil
}

func (r *Reconstructor) mapScale() int {
	return max(1, r.cfg.Processing.Scale) * max(1, r.cfg.Processing.Step)
}

// estimateDepthMaps computes the maps of every camera that has none yet.
// Cameras run in parallel, at most NumCores at a time; the cost volume of
// each camera is itself computed row-parallel by the backend.
func (r *Reconstructor) estimateDepthMaps(cams []int) error {
	backend, err := planesweep.NewCPUBackend(r.mp, r.cfg.SGM.WSH, r.cfg.Processing.ImageCacheSize, r.params.Images, r.log)
	if err != nil {
		return err
	}
	sgmParams := planesweep.ParamsFromConfig(r.cfg)
	sgmParams.Logger = r.log
	est := planesweep.NewEstimator(r.mp, backend, sgmParams)
	pc := scene.NewPrematcher(r.mp, r.cfg.Filter.MaxViewAngle)

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(max(1, r.cfg.Processing.NumCores))
	for _, rc := range cams {
		if r.store.Exists(rc, depthmap.DepthMap, depthmap.Estimated) &&
			r.store.Exists(rc, depthmap.SimMap, depthmap.Estimated) {
			r.log.Debug("depth map exists, skipping", "rc", rc)
			continue
		}
		rc := rc
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			start := time.Now()
			depth, sim, err := est.Estimate(rc, pc.FindNearestCams(rc, r.cfg.SGM.NNearestCams))
			if err != nil {
				return err
			}
			if err := r.store.SaveMap(rc, depthmap.SimMap, depthmap.Estimated, sim); err != nil {
				return err
			}
			// depth last, its presence marks the camera as done
			if err := r.store.SaveMap(rc, depthmap.DepthMap, depthmap.Estimated, depth); err != nil {
				return err
			}
			r.log.Info("depth map done", "rc", rc, "valid", depth.CountValid(), "elapsed", time.Since(start))
			return nil
		})
	}
	return g.Wait()
}

// countPoints sums the valid pixels of the depth maps of a stage.
func (r *Reconstructor) countPoints(cams []int, stage depthmap.Stage) (int, error) {
	n := 0
	for _, rc := range cams {
		depth, err := r.store.LoadMap(rc, depthmap.DepthMap, stage,
			r.mp.Width(rc, r.mapScale()), r.mp.Height(rc, r.mapScale()))
		if err != nil {
			return 0, err
		}
		n += depth.CountValid()
	}
	return n, nil
}

// estimateSpace bounds the filtered points and partitions the bounding box
// into cells an octree of MaxOcTreeDim leaves per side can resolve.
func (r *Reconstructor) estimateSpace() error {
	hexah, minPixSize, err := r.fuser.DivideSpace()
	if err != nil {
		return err
	}
	dims, space, err := r.fuser.EstimateDimensions(&hexah, r.mapScale(), r.cfg.LargeScale.MaxOcTreeDim)
	if err != nil {
		return err
	}
	n, err := r.fuser.ComputeNumberOfAllPoints(r.mapScale())
	if err != nil {
		return err
	}

	r.space = Space{Dims: [3]int{dims.X, dims.Y, dims.Z}, MinPixSize: minPixSize, NumPoints: n}
	for i, p := range space {
		r.space.Hexahedron[i] = [3]float64{p.X, p.Y, p.Z}
	}
	r.metrics.MinPixSize = minPixSize
	r.metrics.Dims = dims

	data, err := yaml.Marshal(&r.space)
	if err != nil {
		return errors.Wrap(err, "encoding space")
	}
	return errors.Wrap(os.WriteFile(filepath.Join(r.params.OutputDir, SpaceFile), data, 0644), "writing space")
}

// fusePoints builds the visibility sets and writes them to PtsCamsFile.
func (r *Reconstructor) fusePoints(cams []int) error {
	var withMaps []int
	for _, rc := range cams {
		if r.store.Exists(rc, depthmap.DepthMap, depthmap.Filtered) {
			withMaps = append(withMaps, rc)
		}
	}
	pts, err := r.fuser.FusePoints(withMaps, r.cfg.Output.FuseStep)
	if err != nil {
		return err
	}
	r.points = pts
	return visibility.Write(filepath.Join(r.params.OutputDir, PtsCamsFile), pts)
}

// calculateMetrics derives the visibility statistics from the fused points.
func (r *Reconstructor) calculateMetrics() {
	r.metrics.FusedPoints = len(r.points)
	if r.metrics.EstimatedPoints > 0 {
		r.metrics.KeptRatio = float64(r.metrics.FilteredPoints) / float64(r.metrics.EstimatedPoints)
	}
	if len(r.points) == 0 {
		return
	}
	counts := make([]float64, len(r.points))
	for i, p := range r.points {
		counts[i] = float64(len(p.Cams))
	}
	r.metrics.MeanCamsPerPoint, r.metrics.StdCamsPerPoint = stat.MeanStdDev(counts, nil)
}

// saveIntermediaryResults renders the current maps of cams when the
// configuration asks for it. Failures are logged, they never stop the run.
func (r *Reconstructor) saveIntermediaryResults(stage string, cams []int) {
	if !r.cfg.Output.SaveIntermediaryResults {
		return
	}
	dir := filepath.Join(r.params.OutputDir, IntermediaryDir, stage)
	if err := os.MkdirAll(dir, 0755); err != nil {
		r.log.Warn("failed to create intermediary directory", "dir", dir, "err", err)
		return
	}
	for _, rc := range cams {
		wrl := filepath.Join(dir, fmt.Sprintf("%04d.wrl", rc+1))
		if err := r.fuser.VisualizeStoredDepthMap(rc, wrl, r.mapScale(), 1, r.cfg.Output.VisualizationScales); err != nil {
			r.log.Warn("failed to save intermediary result", "stage", stage, "rc", rc, "err", err)
		}
	}
}

// GetMetrics returns the statistics of the last Process run.
func (r *Reconstructor) GetMetrics() Metrics {
	return r.metrics
}

// GetPoints returns the fused points of the last Process run.
func (r *Reconstructor) GetPoints() []models.PointCams {
	return r.points
}

// GetSpace returns the scene extent of the last Process run.
func (r *Reconstructor) GetSpace() Space {
	return r.space
}
