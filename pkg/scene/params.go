package scene

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Params is the multi-view parameter set: every camera of the scene. It is
// loaded once per run and shared read-only by all stages.
type Params struct {
	Cameras []*Camera
}

// NewParams validates that camera indices match their positions.
func NewParams(cams []*Camera) (*Params, error) {
	for i, c := range cams {
		if c == nil {
			return nil, fmt.Errorf("camera %d is missing", i)
		}
		if c.Index != i {
			return nil, fmt.Errorf("camera at position %d has index %d", i, c.Index)
		}
	}
	return &Params{Cameras: cams}, nil
}

// NCams returns the number of cameras.
func (mp *Params) NCams() int {
	return len(mp.Cameras)
}

// Camera returns camera rc. An out of range index is a caller bug.
func (mp *Params) Camera(rc int) *Camera {
	if rc < 0 || rc >= len(mp.Cameras) {
		panic(fmt.Sprintf("scene: camera index %d out of range [0, %d)", rc, len(mp.Cameras)))
	}
	return mp.Cameras[rc]
}

// AllCams lists every camera index.
func (mp *Params) AllCams() []int {
	out := make([]int, len(mp.Cameras))
	for i := range out {
		out[i] = i
	}
	return out
}

// Width returns the image width of rc at the given downscale.
func (mp *Params) Width(rc, scale int) int {
	return mp.Camera(rc).Width / max(1, scale)
}

// Height returns the image height of rc at the given downscale.
func (mp *Params) Height(rc, scale int) int {
	return mp.Camera(rc).Height / max(1, scale)
}

// PixelSizePlaneSweepAlpha is the larger of the two pixel footprints at p in
// rc and tc, expressed in units of scale*step pixels.
func (mp *Params) PixelSizePlaneSweepAlpha(p r3.Vector, rc, tc, scale, step int) float64 {
	alpha := float64(max(1, scale) * max(1, step))
	return math.Max(mp.Camera(rc).PixelSizeAlpha(p, alpha), mp.Camera(tc).PixelSizeAlpha(p, alpha))
}

// BackProjectScaled returns the 3D point of scaled pixel (x, y) of rc.
func (mp *Params) BackProjectScaled(rc, x, y, scale int, depth float64) r3.Vector {
	s := float64(max(1, scale))
	return mp.Camera(rc).BackProject(float64(x)*s, float64(y)*s, depth)
}

// DepthRange returns the sweep range of rc, falling back to the given defaults.
func (mp *Params) DepthRange(rc int, defMin, defMax float64) (float64, float64) {
	c := mp.Camera(rc)
	lo, hi := c.MinDepth, c.MaxDepth
	if lo <= 0 {
		lo = defMin
	}
	if hi <= lo {
		hi = defMax
	}
	return lo, hi
}
