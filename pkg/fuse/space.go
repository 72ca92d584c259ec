package fuse

import (
	"fmt"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"mvfuse3d/internal/models"
	"mvfuse3d/pkg/depthmap"
	"mvfuse3d/pkg/scene"
)

// maxSpacePoints bounds the number of points DivideSpace analyses.
const maxSpacePoints = 1000000

// ComputeNumberOfAllPoints counts the valid pixels of all filtered depth maps
// stored at the given scale.
func (f *Fuser) ComputeNumberOfAllPoints(scale int) (uint64, error) {
	var n uint64
	for _, rc := range f.camsWithMaps(depthmap.Filtered) {
		depth, err := f.loadMapAt(rc, depthmap.DepthMap, depthmap.Filtered, scale)
		if err != nil {
			return 0, err
		}
		n += uint64(depth.CountValid())
	}
	return n, nil
}

// visitPoints calls fn with every step-th valid filtered point of rc.
func (f *Fuser) visitPoints(rc, step, scale int, fn func(p r3.Vector)) error {
	depth, err := f.loadMapAt(rc, depthmap.DepthMap, depthmap.Filtered, scale)
	if err != nil {
		return err
	}
	step = max(1, step)
	for i := 0; i < len(depth.Data); i += step {
		d := depth.Data[i]
		if d <= 0 {
			continue
		}
		fn(f.mp.BackProjectScaled(rc, i%depth.Width, i/depth.Width, scale, float64(d)))
	}
	return nil
}

// ComputeAveragePixelSizeInHexahedron returns the mean footprint of a map
// pixel over every step-th valid point inside hexah, seen from the camera
// that produced it. It returns -1 when no point lies inside.
func (f *Fuser) ComputeAveragePixelSizeInHexahedron(hexah *models.Hexahedron, step, scale int) (float64, error) {
	var sizes []float64
	s := float64(max(1, scale))
	for _, rc := range f.pc.FindCamsWhichIntersectsHexahedron(hexah) {
		if !f.store.Exists(rc, depthmap.DepthMap, depthmap.Filtered) {
			continue
		}
		cam := f.mp.Camera(rc)
		err := f.visitPoints(rc, step, scale, func(p r3.Vector) {
			if scene.IsPointInHexahedron(p, hexah) {
				sizes = append(sizes, cam.PixelSize(p)*s)
			}
		})
		if err != nil {
			return 0, err
		}
	}
	if len(sizes) == 0 {
		return -1, nil
	}
	return stat.Mean(sizes, nil), nil
}

// DivideSpace returns a box around the reconstructed points aligned with
// their principal axes. Along every axis the box spans the central
// UniversePercentile of the points, so sparse outliers do not inflate it.
// minPixSize is the smallest pixel footprint over the analysed points.
func (f *Fuser) DivideSpace() (models.Hexahedron, float64, error) {
	scale := f.opts.Scale
	total, err := f.ComputeNumberOfAllPoints(scale)
	if err != nil {
		return models.Hexahedron{}, 0, err
	}
	stride := max(1, int((total+maxSpacePoints-1)/maxSpacePoints))

	var pts []r3.Vector
	minPixSize := math.Inf(1)
	s := float64(max(1, scale))
	for _, rc := range f.camsWithMaps(depthmap.Filtered) {
		cam := f.mp.Camera(rc)
		err := f.visitPoints(rc, stride, scale, func(p r3.Vector) {
			pts = append(pts, p)
			minPixSize = math.Min(minPixSize, cam.PixelSize(p)*s)
		})
		if err != nil {
			return models.Hexahedron{}, 0, err
		}
	}
	if len(pts) < 4 {
		return models.Hexahedron{}, 0, fmt.Errorf("not enough points to bound the scene: %d", len(pts))
	}

	data := mat.NewDense(len(pts), 3, nil)
	for i, p := range pts {
		data.Set(i, 0, p.X)
		data.Set(i, 1, p.Y)
		data.Set(i, 2, p.Z)
	}
	var o r3.Vector
	o.X = stat.Mean(mat.Col(nil, 0, data), nil)
	o.Y = stat.Mean(mat.Col(nil, 1, data), nil)
	o.Z = stat.Mean(mat.Col(nil, 2, data), nil)

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)
	var eig mat.EigenSym
	if !eig.Factorize(&cov, true) {
		return models.Hexahedron{}, 0, fmt.Errorf("eigen decomposition of the point covariance failed")
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// eigenvalues are ascending, take the dominant direction first
	axis := func(c int) r3.Vector {
		return r3.Vector{X: vecs.At(0, c), Y: vecs.At(1, c), Z: vecs.At(2, c)}.Normalize()
	}
	vx, vy := axis(2), axis(1)
	vz := vx.Cross(vy).Normalize()

	perc := f.opts.UniversePercentile
	pad := minPixSize
	bounds := [3][2]float64{}
	proj := make([]float64, len(pts))
	for a, v := range [3]r3.Vector{vx, vy, vz} {
		for i, p := range pts {
			proj[i] = p.Sub(o).Dot(v)
		}
		sort.Float64s(proj)
		lo := stat.Quantile(1-perc, stat.Empirical, proj, nil)
		hi := stat.Quantile(perc, stat.Empirical, proj, nil)
		if hi-lo < pad {
			mid := (lo + hi) / 2
			lo, hi = mid-pad, mid+pad
		}
		bounds[a] = [2]float64{lo, hi}
	}

	hexah := scene.HexahedronFromFrame(o, vx, vy, vz,
		bounds[0][0], bounds[0][1],
		bounds[1][0], bounds[1][1],
		bounds[2][0], bounds[2][1])

	f.log.Info("scene space estimated",
		"points", len(pts),
		"stride", stride,
		"center", o,
		"extent", [3]float64{bounds[0][1] - bounds[0][0], bounds[1][1] - bounds[1][0], bounds[2][1] - bounds[2][0]},
		"minPixSize", minPixSize)
	return hexah, minPixSize, nil
}

// EstimateDimensions splits vox into cells that an octree of depth
// maxOcTreeDim can resolve at the average point spacing. The returned space
// is centred on vox and covers the whole number of cells.
//
// Parameters:
//   - vox: the box to partition
//   - scale: downscale of the stored maps
//   - maxOcTreeDim: number of leaves along one side of a cell
//
// Returns:
//   - the number of cells along each box axis
//   - the enlarged box
func (f *Fuser) EstimateDimensions(vox *models.Hexahedron, scale, maxOcTreeDim int) (models.Voxel, models.Hexahedron, error) {
	o := vox.Center()
	vx, vy, vz := vox[1].Sub(vox[0]), vox[3].Sub(vox[0]), vox[4].Sub(vox[0])
	sx, sy, sz := vx.Norm(), vy.Norm(), vz.Norm()

	avPix, err := f.ComputeAveragePixelSizeInHexahedron(vox, f.opts.HexahPixelSizeStep, scale)
	if err != nil {
		return models.Voxel{}, models.Hexahedron{}, err
	}
	if avPix <= 0 || maxOcTreeDim <= 0 {
		f.log.Warn("no points in space, keeping a single cell")
		return models.Voxel{X: 1, Y: 1, Z: 1}, *vox, nil
	}

	cell := avPix * f.opts.PointToJoinPixSizeDist * float64(maxOcTreeDim)
	cells := func(size float64) int {
		return max(1, int(math.Ceil(size/cell)))
	}
	dims := models.Voxel{X: cells(sx), Y: cells(sy), Z: cells(sz)}

	hx := float64(dims.X) * cell / 2
	hy := float64(dims.Y) * cell / 2
	hz := float64(dims.Z) * cell / 2
	space := scene.HexahedronFromFrame(o, vx.Normalize(), vy.Normalize(), vz.Normalize(), -hx, hx, -hy, hy, -hz, hz)

	f.log.Info("dimensions estimated", "avPixSize", avPix, "cellSize", cell, "dims", dims)
	return dims, space, nil
}
