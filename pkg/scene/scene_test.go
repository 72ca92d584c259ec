package scene

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"mvfuse3d/internal/models"
)

func intrinsics(f, cx, cy float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{f, 0, cx, 0, f, cy, 0, 0, 1})
}

func identity() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// rotY returns a rotation of angle radians around the Y axis
func rotY(angle float64) *mat.Dense {
	c, s := math.Cos(angle), math.Sin(angle)
	return mat.NewDense(3, 3, []float64{c, 0, -s, 0, 1, 0, s, 0, c})
}

func TestProjectBackProject(t *testing.T) {
	cam, err := NewCamera(0, 64, 48, intrinsics(50, 32, 24), identity(), r3.Vector{})
	require.NoError(t, err)

	p := cam.BackProject(10, 30, 4)
	assert.InDelta(t, 4, cam.Depth(p), 1e-9)

	x, y, ok := cam.Project(p)
	require.True(t, ok)
	assert.InDelta(t, 10, x, 1e-9)
	assert.InDelta(t, 30, y, 1e-9)

	_, _, ok = cam.Project(r3.Vector{Z: -1})
	assert.False(t, ok, "points behind the camera must not project")
}

func TestPixelSizeGrowsWithDepth(t *testing.T) {
	cam, err := NewCamera(0, 64, 48, intrinsics(50, 32, 24), identity(), r3.Vector{})
	require.NoError(t, err)

	near := cam.PixelSize(r3.Vector{Z: 1})
	far := cam.PixelSize(r3.Vector{Z: 10})
	assert.InDelta(t, 1.0/50, near, 1e-4)
	assert.InDelta(t, 10*near, far, 1e-3)
	assert.InDelta(t, 3*near, cam.PixelSizeAlpha(r3.Vector{Z: 1}, 3), 1e-3)
}

// TestDecomposeProjection checks that K, R and C survive a P round trip
func TestDecomposeProjection(t *testing.T) {
	k := intrinsics(420, 160, 120)
	r := rotY(0.3)
	c := r3.Vector{X: 1, Y: -2, Z: 0.5}

	cam, err := NewCamera(0, 320, 240, k, r, c)
	require.NoError(t, err)

	p := cam.P()
	p.Scale(-3.5, p) // P is only defined up to scale
	back, err := NewCameraFromP(0, 320, 240, p)
	require.NoError(t, err)

	assert.True(t, mat.EqualApprox(k, back.K, 1e-6), "K mismatch:\n%v", mat.Formatted(back.K))
	assert.True(t, mat.EqualApprox(r, back.R, 1e-9), "R mismatch:\n%v", mat.Formatted(back.R))
	assert.InDelta(t, 0, back.C.Sub(c).Norm(), 1e-9)
}

func TestCameraFileRoundTrip(t *testing.T) {
	cam, err := NewCamera(0, 320, 240, intrinsics(300, 160, 120), rotY(-0.2), r3.Vector{X: 0.4})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "0001.P")
	require.NoError(t, SaveCameraFile(cam, path))

	back, err := LoadCameraFile(0, path, 320, 240)
	require.NoError(t, err)

	pt := r3.Vector{X: 0.3, Y: 0.1, Z: 5}
	x0, y0, _ := cam.Project(pt)
	x1, y1, ok := back.Project(pt)
	require.True(t, ok)
	assert.InDelta(t, x0, x1, 1e-6)
	assert.InDelta(t, y0, y1, 1e-6)
}

func TestLoadCameraFileTooShort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.P")
	require.NoError(t, os.WriteFile(path, []byte("CONTOUR\n1 2 3\n"), 0644))
	_, err := LoadCameraFile(0, path, 10, 10)
	assert.Error(t, err)
}

func TestLoadScene(t *testing.T) {
	dir := t.TempDir()
	yml := `cameras:
  - width: 64
    height: 48
    k: [50, 0, 32, 0, 50, 24, 0, 0, 1]
    r: [1, 0, 0, 0, 1, 0, 0, 0, 1]
    c: [0, 0, 0]
    minDepth: 1
    maxDepth: 5
  - width: 64
    height: 48
    p: [50, 0, 32, -50, 0, 50, 24, 0, 0, 0, 1, 0]
`
	path := filepath.Join(dir, "scene.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	mp, err := LoadScene(path)
	require.NoError(t, err)
	require.Equal(t, 2, mp.NCams())

	lo, hi := mp.DepthRange(0, 0.1, 100)
	assert.Equal(t, 1.0, lo)
	assert.Equal(t, 5.0, hi)

	// second camera is translated by +1 along X
	assert.InDelta(t, 1, mp.Camera(1).C.X, 1e-9)
	lo, hi = mp.DepthRange(1, 0.1, 100)
	assert.Equal(t, 0.1, lo)
	assert.Equal(t, 100.0, hi)
}

func TestCameraIndexOutOfRangePanics(t *testing.T) {
	mp, err := NewParams(nil)
	require.NoError(t, err)
	assert.Panics(t, func() { mp.Camera(0) })
}

func TestFindNearestCams(t *testing.T) {
	var cams []*Camera
	for i, x := range []float64{0, 1, 5, 2, 10} {
		c, err := NewCamera(i, 64, 48, intrinsics(50, 32, 24), identity(), r3.Vector{X: x})
		require.NoError(t, err)
		cams = append(cams, c)
	}
	// camera 5 looks sideways and must be rejected by the view angle check
	side, err := NewCamera(5, 64, 48, intrinsics(50, 32, 24), rotY(math.Pi/2), r3.Vector{X: 0.5})
	require.NoError(t, err)
	cams = append(cams, side)

	mp, err := NewParams(cams)
	require.NoError(t, err)

	pm := NewPrematcher(mp, 45)
	assert.Equal(t, []int{1, 3, 2}, pm.FindNearestCams(0, 3))
	assert.Equal(t, []int{1, 3, 2, 4}, pm.FindNearestCams(0, 10))

	pm.MaxViewAngle = 0
	assert.Equal(t, []int{5, 1}, pm.FindNearestCams(0, 2))
}

func TestHexahedron(t *testing.T) {
	h := AxisAlignedHexahedron(r3.Vector{X: -1, Y: -1, Z: 2}, r3.Vector{X: 1, Y: 1, Z: 4})
	assert.True(t, IsPointInHexahedron(r3.Vector{Z: 3}, &h))
	assert.False(t, IsPointInHexahedron(r3.Vector{Z: 5}, &h))
	assert.InDelta(t, 3, h.Center().Z, 1e-12)

	var flat models.Hexahedron
	assert.False(t, IsPointInHexahedron(r3.Vector{}, &flat))

	cam, err := NewCamera(0, 64, 48, intrinsics(50, 32, 24), identity(), r3.Vector{})
	require.NoError(t, err)
	behind, err := NewCamera(1, 64, 48, intrinsics(50, 32, 24), identity(), r3.Vector{Z: 10})
	require.NoError(t, err)
	mp, err := NewParams([]*Camera{cam, behind})
	require.NoError(t, err)

	pm := NewPrematcher(mp, 0)
	assert.Equal(t, []int{0}, pm.FindCamsWhichIntersectsHexahedron(&h))
}
