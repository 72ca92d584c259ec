package fuse

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"mvfuse3d/internal/models"
	"mvfuse3d/pkg/depthmap"
	"mvfuse3d/pkg/visualization"
)

// FusePoints back-projects every step-th valid filtered pixel of the cameras
// in cams. Each point carries rc followed by the neighbours whose filtered
// depth agrees with it, in neighbour order. The result follows the order of
// cams.
func (f *Fuser) FusePoints(cams []int, step int) ([]models.PointCams, error) {
	scale := f.opts.Scale
	tol := func(p models.PointCams, rc, tc int) float64 {
		return 2 * f.mp.PixelSizePlaneSweepAlpha(p.Point, rc, tc, 1, 1)
	}

	// neighbour maps are shared read-only between workers
	needed := make(map[int][]int, len(cams))
	maps := make(map[int]*models.DepthMap)
	for _, rc := range cams {
		tcams := f.pc.FindNearestCams(rc, f.opts.NNearestCams)
		needed[rc] = tcams
		for _, c := range append([]int{rc}, tcams...) {
			if _, ok := maps[c]; ok || !f.store.Exists(c, depthmap.DepthMap, depthmap.Filtered) {
				continue
			}
			m, err := f.loadMap(c, depthmap.DepthMap, depthmap.Filtered)
			if err != nil {
				return nil, err
			}
			maps[c] = m
		}
	}

	perCam := make([][]models.PointCams, len(cams))
	err := f.forEachCam(indices(len(cams)), func(i int) error {
		rc := cams[i]
		depth, ok := maps[rc]
		if !ok {
			return fmt.Errorf("camera %d has no filtered depth map", rc)
		}
		var out []models.PointCams
		for idx := 0; idx < len(depth.Data); idx += max(1, step) {
			d := depth.Data[idx]
			if d <= 0 {
				continue
			}
			p := models.PointCams{
				Point: f.mp.BackProjectScaled(rc, idx%depth.Width, idx/depth.Width, scale, float64(d)),
				Cams:  []int{rc},
			}
			for _, tc := range needed[rc] {
				tdepth, ok := maps[tc]
				if ok && f.consistent(p, tc, tdepth, tol(p, rc, tc)) {
					p.Cams = append(p.Cams, tc)
				}
			}
			out = append(out, p)
		}
		perCam[i] = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	var all []models.PointCams
	for _, pts := range perCam {
		all = append(all, pts...)
	}
	f.log.Info("points fused", "cams", len(cams), "points", len(all))
	return all, nil
}

// consistent reports whether tc sees p at its filtered depth.
func (f *Fuser) consistent(p models.PointCams, tc int, tdepth *models.DepthMap, tol float64) bool {
	cam := f.mp.Camera(tc)
	cx, cy, ok := f.cellOf(cam, p.Point, tdepth)
	return ok && corroborated(tdepth, cx, cy, 0, cam.Depth(p.Point), tol)
}

func indices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// TempPtsFileName is the per-camera point dump written by
// GenerateTempPtsSimsFiles: 3 float32 per pixel, zeros for invalid pixels.
func TempPtsFileName(dir string, rc int) string {
	return filepath.Join(dir, fmt.Sprintf("%04d_pts.bin", rc+1))
}

// TempSimsFileName is the per-camera similarity dump written by
// GenerateTempPtsSimsFiles.
func TempSimsFileName(dir string, rc int) string {
	return filepath.Join(dir, fmt.Sprintf("%04d_sims.bin", rc+1))
}

// GenerateTempPtsSimsFiles dumps the filtered points and similarities of
// every camera into a new directory below tmpDir and returns its path. With
// addRandomNoise, a percNoisePts fraction of the points is moved along its
// ray by up to noisPixSizeDistHalfThr pixel sizes.
func (f *Fuser) GenerateTempPtsSimsFiles(tmpDir string, addRandomNoise bool, percNoisePts float64, noisPixSizeDistHalfThr int) (string, error) {
	dir := filepath.Join(tmpDir, "depthMapsPtsSims_"+uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "creating temporary points directory")
	}

	cams := f.camsWithMaps(depthmap.Filtered)
	err := f.forEachCam(cams, func(rc int) error {
		depth, err := f.loadMap(rc, depthmap.DepthMap, depthmap.Filtered)
		if err != nil {
			return err
		}
		sim, err := f.loadMap(rc, depthmap.SimMap, depthmap.Filtered)
		if err != nil {
			return err
		}

		cam := f.mp.Camera(rc)
		rnd := rand.New(rand.NewSource(int64(rc) + 1))
		pts := make([]float32, 3*len(depth.Data))
		for i, d := range depth.Data {
			if d <= 0 {
				continue
			}
			x, y := i%depth.Width, i/depth.Width
			p := f.mp.BackProjectScaled(rc, x, y, f.opts.Scale, float64(d))
			if addRandomNoise && rnd.Float64() < percNoisePts {
				shift := (2*rnd.Float64() - 1) * float64(noisPixSizeDistHalfThr) * cam.PixelSize(p)
				p = f.mp.BackProjectScaled(rc, x, y, f.opts.Scale, float64(d)+shift)
			}
			pts[3*i] = float32(p.X)
			pts[3*i+1] = float32(p.Y)
			pts[3*i+2] = float32(p.Z)
		}

		if err := depthmap.SaveArrayFile(TempPtsFileName(dir, rc), pts); err != nil {
			return err
		}
		return depthmap.SaveArrayFile(TempSimsFileName(dir, rc), sim.Data)
	})
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	f.log.Debug("temporary points written", "dir", dir, "cams", len(cams))
	return dir, nil
}

// DeleteTempPtsSimsFiles removes a directory created by GenerateTempPtsSimsFiles.
func DeleteTempPtsSimsFiles(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrap(err, "removing temporary points")
	}
	return nil
}

// VisualizeDepthMap exports depth and sim of rc, stored at scale, as point
// sets and previews named after wrlFileName.
func (f *Fuser) VisualizeDepthMap(rc int, wrlFileName string, depth, sim *models.DepthMap, scale, step, scales int) error {
	v, err := visualization.NewViewer(f.mp.Camera(rc), depth, sim, scale)
	if err != nil {
		return errors.Wrapf(err, "camera %d", rc)
	}
	return v.Export(wrlFileName, step, scales)
}

// VisualizeStoredDepthMap exports the most processed maps of rc in the store.
func (f *Fuser) VisualizeStoredDepthMap(rc int, wrlFileName string, scale, step, scales int) error {
	stage := depthmap.Filtered
	if !f.store.Exists(rc, depthmap.DepthMap, stage) {
		stage = depthmap.Estimated
	}
	depth, err := f.loadMapAt(rc, depthmap.DepthMap, stage, scale)
	if err != nil {
		return err
	}
	var sim *models.DepthMap
	if f.store.Exists(rc, depthmap.SimMap, stage) {
		if sim, err = f.loadMapAt(rc, depthmap.SimMap, stage, scale); err != nil {
			return err
		}
	}
	return f.VisualizeDepthMap(rc, wrlFileName, depth, sim, scale, step, scales)
}
