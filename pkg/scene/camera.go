// Package scene holds the calibrated camera set shared read-only by the
// depth estimation and fusion stages.
package scene

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Camera is a calibrated pinhole camera with P = K[R | -RC].
// It is immutable once constructed.
type Camera struct {
	// Index is the position of the camera in the scene
	Index int

	// ImagePath points to the source image, may be empty for cameras used
	// only to interpret depth maps
	ImagePath string

	// Width and Height are the full resolution image dimensions
	Width  int
	Height int

	// MinDepth and MaxDepth bound the plane sweep; zero means unknown
	MinDepth float64
	MaxDepth float64

	K *mat.Dense
	R *mat.Dense
	C r3.Vector

	p    [12]float64 // row-major 3x4 projection
	iCam [9]float64  // row-major inverse of K*R
}

// NewCamera builds a camera from intrinsics K, rotation R and centre C.
func NewCamera(index, width, height int, k, r *mat.Dense, c r3.Vector) (*Camera, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("camera %d: invalid image size %dx%d", index, width, height)
	}
	if rr, cc := k.Dims(); rr != 3 || cc != 3 {
		return nil, fmt.Errorf("camera %d: K must be 3x3, got %dx%d", index, rr, cc)
	}
	if rr, cc := r.Dims(); rr != 3 || cc != 3 {
		return nil, fmt.Errorf("camera %d: R must be 3x3, got %dx%d", index, rr, cc)
	}

	cam := &Camera{
		Index:  index,
		Width:  width,
		Height: height,
		K:      mat.DenseCopyOf(k),
		R:      mat.DenseCopyOf(r),
		C:      c,
	}

	var m mat.Dense
	m.Mul(k, r)

	var iM mat.Dense
	if err := iM.Inverse(&m); err != nil {
		return nil, fmt.Errorf("camera %d: K*R is singular: %w", index, err)
	}

	// p4 = -K R C
	cv := mat.NewVecDense(3, []float64{c.X, c.Y, c.Z})
	var t mat.VecDense
	t.MulVec(&m, cv)

	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			cam.p[row*4+col] = m.At(row, col)
			cam.iCam[row*3+col] = iM.At(row, col)
		}
		cam.p[row*4+3] = -t.AtVec(row)
	}

	return cam, nil
}

// NewCameraFromP decomposes a 3x4 projection matrix into K, R and C.
func NewCameraFromP(index, width, height int, p *mat.Dense) (*Camera, error) {
	if rr, cc := p.Dims(); rr != 3 || cc != 4 {
		return nil, fmt.Errorf("camera %d: P must be 3x4, got %dx%d", index, rr, cc)
	}

	m := mat.DenseCopyOf(p.Slice(0, 3, 0, 3))
	p4 := mat.NewVecDense(3, []float64{p.At(0, 3), p.At(1, 3), p.At(2, 3)})

	// P is defined up to scale, pick the sign giving a proper rotation
	if mat.Det(m) < 0 {
		m.Scale(-1, m)
		p4.ScaleVec(-1, p4)
	}

	k, r, err := rq3(m)
	if err != nil {
		return nil, fmt.Errorf("camera %d: %w", index, err)
	}

	var iM mat.Dense
	if err := iM.Inverse(m); err != nil {
		return nil, fmt.Errorf("camera %d: P is degenerate: %w", index, err)
	}
	var c mat.VecDense
	c.MulVec(&iM, p4)

	return NewCamera(index, width, height, k, r, r3.Vector{X: -c.AtVec(0), Y: -c.AtVec(1), Z: -c.AtVec(2)})
}

// rq3 factors m = K*R with K upper triangular with a positive diagonal and
// K[2][2] = 1, R orthonormal. It runs a QR decomposition on the row-reversed
// transpose.
func rq3(m *mat.Dense) (*mat.Dense, *mat.Dense, error) {
	j := mat.NewDense(3, 3, []float64{0, 0, 1, 0, 1, 0, 1, 0, 0})

	var a mat.Dense
	a.Mul(j, m)

	var qr mat.QR
	qr.Factorize(a.T())

	var q, u mat.Dense
	qr.QTo(&q)
	qr.RTo(&u)

	var k, tmp mat.Dense
	tmp.Mul(j, u.T())
	k.Mul(&tmp, j)

	var r mat.Dense
	r.Mul(j, q.T())

	for i := 0; i < 3; i++ {
		if k.At(i, i) < 0 {
			for row := 0; row < 3; row++ {
				k.Set(row, i, -k.At(row, i))
			}
			for col := 0; col < 3; col++ {
				r.Set(i, col, -r.At(i, col))
			}
		}
	}

	s := k.At(2, 2)
	if s == 0 {
		return nil, nil, fmt.Errorf("degenerate intrinsics")
	}
	k.Scale(1/s, &k)

	return &k, &r, nil
}

// P returns a copy of the projection matrix.
func (c *Camera) P() *mat.Dense {
	return mat.NewDense(3, 4, append([]float64(nil), c.p[:]...))
}

// Project maps a 3D point to full resolution pixel coordinates. ok is false
// for points on or behind the camera plane.
func (c *Camera) Project(pt r3.Vector) (x, y float64, ok bool) {
	p := &c.p
	w := p[8]*pt.X + p[9]*pt.Y + p[10]*pt.Z + p[11]
	if w <= 0 {
		return 0, 0, false
	}
	x = (p[0]*pt.X + p[1]*pt.Y + p[2]*pt.Z + p[3]) / w
	y = (p[4]*pt.X + p[5]*pt.Y + p[6]*pt.Z + p[7]) / w
	return x, y, true
}

// PixelRay returns the unit world direction through full resolution pixel (x, y).
func (c *Camera) PixelRay(x, y float64) r3.Vector {
	m := &c.iCam
	v := r3.Vector{
		X: m[0]*x + m[1]*y + m[2],
		Y: m[3]*x + m[4]*y + m[5],
		Z: m[6]*x + m[7]*y + m[8],
	}
	return v.Normalize()
}

// BackProject returns the point at the given distance from the centre along
// the ray of pixel (x, y).
func (c *Camera) BackProject(x, y, depth float64) r3.Vector {
	return c.C.Add(c.PixelRay(x, y).Mul(depth))
}

// Depth is the distance between the camera centre and pt.
func (c *Camera) Depth(pt r3.Vector) float64 {
	return pt.Sub(c.C).Norm()
}

// ViewDirection is the optical axis in world coordinates.
func (c *Camera) ViewDirection() r3.Vector {
	return r3.Vector{X: c.R.At(2, 0), Y: c.R.At(2, 1), Z: c.R.At(2, 2)}.Normalize()
}

// InImage reports whether full resolution pixel coordinates lie inside the image.
func (c *Camera) InImage(x, y float64) bool {
	return x >= 0 && y >= 0 && x < float64(c.Width) && y < float64(c.Height)
}

// PixelSize is the footprint of one pixel at pt, the distance from pt to the
// ray of the pixel next to its projection.
func (c *Camera) PixelSize(pt r3.Vector) float64 {
	return c.PixelSizeAlpha(pt, 1)
}

// PixelSizeAlpha is PixelSize for a lateral offset of d pixels.
func (c *Camera) PixelSizeAlpha(pt r3.Vector, d float64) float64 {
	x, y, ok := c.Project(pt)
	if !ok {
		return math.Inf(1)
	}
	ray := c.PixelRay(x+d, y)
	return PointLineDistance(pt, c.C, ray)
}
