package scene

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"

	"mvfuse3d/internal/models"
)

// camCenter is a camera centre stored in the KD-tree
type camCenter struct {
	r3.Vector
	cam int
}

// Compare implements the kdtree.Comparable interface
func (p camCenter) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(camCenter)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

func (p camCenter) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two centres
func (p camCenter) Distance(c kdtree.Comparable) float64 {
	q := c.(camCenter)
	return p.Sub(q.Vector).Norm2()
}

type camCenters []camCenter

func (p camCenters) Index(i int) kdtree.Comparable         { return p[i] }
func (p camCenters) Len() int                              { return len(p) }
func (p camCenters) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p camCenters) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(centerPlane{camCenters: p, Dim: d}, kdtree.MedianOfRandoms(centerPlane{camCenters: p, Dim: d}, 100))
}

type centerPlane struct {
	camCenters
	kdtree.Dim
}

func (p centerPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.camCenters[i].X < p.camCenters[j].X
	case 1:
		return p.camCenters[i].Y < p.camCenters[j].Y
	case 2:
		return p.camCenters[i].Z < p.camCenters[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p centerPlane) Slice(start, end int) kdtree.SortSlicer {
	return centerPlane{camCenters: p.camCenters[start:end], Dim: p.Dim}
}

func (p centerPlane) Swap(i, j int) {
	p.camCenters[i], p.camCenters[j] = p.camCenters[j], p.camCenters[i]
}

// Prematcher selects neighbour cameras for a reference camera.
type Prematcher struct {
	mp *Params

	// MaxViewAngle in degrees; neighbours looking further away from the
	// reference optical axis are rejected. Zero disables the check.
	MaxViewAngle float64

	tree *kdtree.Tree
}

// NewPrematcher indexes the camera centres of mp.
func NewPrematcher(mp *Params, maxViewAngle float64) *Prematcher {
	pts := make(camCenters, mp.NCams())
	for i, c := range mp.Cameras {
		pts[i] = camCenter{Vector: c.C, cam: i}
	}
	pm := &Prematcher{mp: mp, MaxViewAngle: maxViewAngle}
	if len(pts) > 0 {
		pm.tree = kdtree.New(pts, false)
	}
	return pm
}

// FindNearestCams returns up to n cameras closest to rc, nearest first.
func (pm *Prematcher) FindNearestCams(rc, n int) []int {
	ref := pm.mp.Camera(rc)
	if n <= 0 || pm.tree == nil {
		return nil
	}

	keeper := kdtree.NewNKeeper(pm.mp.NCams())
	pm.tree.NearestSet(keeper, camCenter{Vector: ref.C, cam: rc})

	type cand struct {
		cam  int
		dist float64
	}
	cands := make([]cand, 0, keeper.Len())
	for _, item := range keeper.Heap {
		if item.Comparable == nil {
			continue
		}
		cc := item.Comparable.(camCenter)
		if cc.cam == rc || !pm.viewAngleOK(ref, pm.mp.Cameras[cc.cam]) {
			continue
		}
		cands = append(cands, cand{cam: cc.cam, dist: item.Dist})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].cam < cands[j].cam
	})

	out := make([]int, 0, n)
	for _, c := range cands {
		if len(out) == n {
			break
		}
		out = append(out, c.cam)
	}
	return out
}

func (pm *Prematcher) viewAngleOK(a, b *Camera) bool {
	if pm.MaxViewAngle <= 0 {
		return true
	}
	cos := a.ViewDirection().Dot(b.ViewDirection())
	angle := math.Acos(math.Max(-1, math.Min(1, cos))) * 180 / math.Pi
	return angle <= pm.MaxViewAngle
}

// FindCamsWhichIntersectsHexahedron returns the cameras that see a corner or
// the centre of h, or whose centre lies inside it.
func (pm *Prematcher) FindCamsWhichIntersectsHexahedron(h *models.Hexahedron) []int {
	probes := make([]r3.Vector, 0, 9)
	probes = append(probes, h[:]...)
	probes = append(probes, h.Center())

	var out []int
	for i, c := range pm.mp.Cameras {
		if IsPointInHexahedron(c.C, h) {
			out = append(out, i)
			continue
		}
		for _, p := range probes {
			if x, y, ok := c.Project(p); ok && c.InImage(x, y) {
				out = append(out, i)
				break
			}
		}
	}
	return out
}
