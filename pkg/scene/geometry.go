package scene

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"mvfuse3d/internal/models"
)

// PointLineDistance returns the distance from p to the line through o with unit direction dir.
func PointLineDistance(p, o, dir r3.Vector) float64 {
	return p.Sub(o).Cross(dir).Norm()
}

// OrientedPointPlaneDistance is the signed distance of p to the plane through
// planePoint with unit normal n.
func OrientedPointPlaneDistance(p, planePoint, n r3.Vector) float64 {
	return p.Sub(planePoint).Dot(n)
}

// HexahedronCoordinates expresses p in the frame spanned by h[1]-h[0],
// h[3]-h[0] and h[4]-h[0]. ok is false for a degenerate hexahedron.
func HexahedronCoordinates(p r3.Vector, h *models.Hexahedron) (u, v, w float64, ok bool) {
	ax := h[1].Sub(h[0])
	ay := h[3].Sub(h[0])
	az := h[4].Sub(h[0])

	a := mat.NewDense(3, 3, []float64{
		ax.X, ay.X, az.X,
		ax.Y, ay.Y, az.Y,
		ax.Z, ay.Z, az.Z,
	})
	d := p.Sub(h[0])
	b := mat.NewVecDense(3, []float64{d.X, d.Y, d.Z})

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return 0, 0, 0, false
	}
	return x.AtVec(0), x.AtVec(1), x.AtVec(2), true
}

// IsPointInHexahedron reports whether p lies inside the box spanned by h.
func IsPointInHexahedron(p r3.Vector, h *models.Hexahedron) bool {
	u, v, w, ok := HexahedronCoordinates(p, h)
	if !ok {
		return false
	}
	return u >= 0 && u <= 1 && v >= 0 && v <= 1 && w >= 0 && w <= 1
}

// HexahedronFromFrame builds the box centred on o with unit axes vx, vy, vz
// and the given extents along them. Mins are signed offsets from o.
func HexahedronFromFrame(o, vx, vy, vz r3.Vector, minX, maxX, minY, maxY, minZ, maxZ float64) models.Hexahedron {
	at := func(dx, dy, dz float64) r3.Vector {
		return o.Add(vx.Mul(dx)).Add(vy.Mul(dy)).Add(vz.Mul(dz))
	}
	return models.Hexahedron{
		at(minX, minY, minZ),
		at(maxX, minY, minZ),
		at(maxX, maxY, minZ),
		at(minX, maxY, minZ),
		at(minX, minY, maxZ),
		at(maxX, minY, maxZ),
		at(maxX, maxY, maxZ),
		at(minX, maxY, maxZ),
	}
}

// AxisAlignedHexahedron is the box between lo and hi.
func AxisAlignedHexahedron(lo, hi r3.Vector) models.Hexahedron {
	return HexahedronFromFrame(r3.Vector{},
		r3.Vector{X: 1}, r3.Vector{Y: 1}, r3.Vector{Z: 1},
		lo.X, hi.X, lo.Y, hi.Y, lo.Z, hi.Z)
}
