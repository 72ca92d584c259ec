package fuse

import (
	"mvfuse3d/internal/models"
	"mvfuse3d/pkg/depthmap"
	"mvfuse3d/pkg/universe"
)

// SegmentDepthMap joins 4-connected valid pixels of rc whose back-projected
// points are closer than alpha pixel sizes at the map scale. segMap receives
// the component root of every pixel, -1 for invalid ones.
func (f *Fuser) SegmentDepthMap(alpha float64, rc int, depth *models.DepthMap, segMap []int, scale int) *universe.Universe {
	w, h := depth.Width, depth.Height
	u := universe.New(w * h)
	cam := f.mp.Camera(rc)
	s := float64(max(1, scale))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if depth.At(x, y) <= 0 {
				continue
			}
			p := f.mp.BackProjectScaled(rc, x, y, scale, float64(depth.At(x, y)))
			thr := alpha * cam.PixelSize(p) * s

			for _, n := range [2][2]int{{x + 1, y}, {x, y + 1}} {
				nx, ny := n[0], n[1]
				if nx >= w || ny >= h || depth.At(nx, ny) <= 0 {
					continue
				}
				q := f.mp.BackProjectScaled(rc, nx, ny, scale, float64(depth.At(nx, ny)))
				if p.Sub(q).Norm() < thr {
					u.AddEdge(y*w+x, ny*w+nx)
				}
			}
		}
	}

	if segMap != nil {
		for i := range segMap[:w*h] {
			if depth.Data[i] > 0 {
				segMap[i] = u.Find(i)
			} else {
				segMap[i] = -1
			}
		}
	}
	return u
}

// FilterSmallConnComponents removes, in the filtered maps of every camera,
// the connected components smaller than minSegSize pixels. scale is the
// downscale the maps were stored at.
func (f *Fuser) FilterSmallConnComponents(alpha float64, minSegSize, scale int) error {
	f.log.Info("removing small components", "alpha", alpha, "minSegSize", minSegSize)
	cams := f.camsWithMaps(depthmap.Filtered)
	return f.forEachCam(cams, func(rc int) error {
		return f.filterSmallConnComponentsRC(alpha, minSegSize, scale, rc)
	})
}

func (f *Fuser) filterSmallConnComponentsRC(alpha float64, minSegSize, scale, rc int) error {
	depth, err := f.loadMapAt(rc, depthmap.DepthMap, depthmap.Filtered, scale)
	if err != nil {
		return err
	}
	sim, err := f.loadMapAt(rc, depthmap.SimMap, depthmap.Filtered, scale)
	if err != nil {
		return err
	}

	removed := RemoveSmallSegments(f.SegmentDepthMap(alpha, rc, depth, nil, scale), depth, sim, minSegSize)

	if err := f.store.SaveMap(rc, depthmap.DepthMap, depthmap.Filtered, depth); err != nil {
		return err
	}
	if err := f.store.SaveMap(rc, depthmap.SimMap, depthmap.Filtered, sim); err != nil {
		return err
	}
	f.log.Debug("small components removed", "rc", rc, "removed", removed)
	return nil
}

// RemoveSmallSegments invalidates, in place, the valid pixels whose component
// in u has fewer than minSegSize pixels. sim may be nil. It returns the
// number of removed pixels.
func RemoveSmallSegments(u *universe.Universe, depth, sim *models.DepthMap, minSegSize int) int {
	removed := 0
	for i, d := range depth.Data {
		if d <= 0 || u.Size(u.Find(i)) >= minSegSize {
			continue
		}
		depth.Data[i] = models.InvalidDepth
		if sim != nil {
			sim.Data[i] = models.InvalidSim
		}
		removed++
	}
	return removed
}

// camsWithMaps lists the cameras whose depth map of the given stage exists.
func (f *Fuser) camsWithMaps(stage depthmap.Stage) []int {
	var cams []int
	for rc := 0; rc < f.mp.NCams(); rc++ {
		if f.store.Exists(rc, depthmap.DepthMap, stage) {
			cams = append(cams, rc)
		}
	}
	return cams
}
