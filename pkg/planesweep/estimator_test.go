package planesweep

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"mvfuse3d/pkg/scene"
)

const (
	testFocal  = 50.0
	testWidth  = 64
	testHeight = 48
	planeZ     = 10.0
)

func testCamera(t *testing.T, index, w, h int, f float64, c r3.Vector) *scene.Camera {
	k := mat.NewDense(3, 3, []float64{f, 0, float64(w) / 2, 0, f, float64(h) / 2, 0, 0, 1})
	r := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	cam, err := scene.NewCamera(index, w, h, k, r, c)
	require.NoError(t, err)
	return cam
}

// texture is a non periodic pattern on the plane Z = planeZ
func texture(x, y float64) float64 {
	v := 0.5 + 0.2*math.Sin(5.3*x+1.7*y) + 0.2*math.Sin(3.1*y-4.2*x+0.5)
	return math.Min(math.Max(v, 0), 1)
}

// renderPlane images the textured plane from a camera looking down +Z.
func renderPlane(cam *scene.Camera) image.Image {
	img := image.NewGray(image.Rect(0, 0, cam.Width, cam.Height))
	cx, cy := float64(cam.Width)/2, float64(cam.Height)/2
	for v := 0; v < cam.Height; v++ {
		for u := 0; u < cam.Width; u++ {
			x := cam.C.X + (float64(u)-cx)/testFocal*planeZ
			y := cam.C.Y + (float64(v)-cy)/testFocal*planeZ
			img.SetGray(u, v, color.Gray{Y: uint8(math.Round(texture(x, y) * 255))})
		}
	}
	return img
}

func planeScene(t *testing.T) (*scene.Params, ImageSource) {
	cams := []*scene.Camera{
		testCamera(t, 0, testWidth, testHeight, testFocal, r3.Vector{}),
		testCamera(t, 1, testWidth, testHeight, testFocal, r3.Vector{X: 1.5}),
		testCamera(t, 2, testWidth, testHeight, testFocal, r3.Vector{X: -1.5}),
	}
	mp, err := scene.NewParams(cams)
	require.NoError(t, err)

	images := make(map[int]image.Image)
	for _, c := range cams {
		images[c.Index] = renderPlane(c)
	}
	source := func(cam *scene.Camera) (image.Image, error) {
		img, ok := images[cam.Index]
		if !ok {
			return nil, fmt.Errorf("no image for camera %d", cam.Index)
		}
		return img, nil
	}
	return mp, source
}

func TestEstimatorRecoversPlane(t *testing.T) {
	mp, source := planeScene(t)
	backend, err := NewCPUBackend(mp, 2, 8, source, nil)
	require.NoError(t, err)

	p := DefaultSGMParams()
	p.MinDepth = 5
	p.MaxDepth = 20
	p.NDepths = 96
	p.MaxVolumeMB = 64
	p.VolGpuMB = 0.09375 // 32 slices of 64x48 per batch
	p.Scale = 1
	p.Step = 1

	e := NewEstimator(mp, backend, p)
	depth, sim, err := e.Estimate(0, []int{1, 2})
	require.NoError(t, err)
	require.Equal(t, testWidth, depth.Width)
	require.Equal(t, testHeight, sim.Height)

	cam := mp.Camera(0)
	total, valid, good := 0, 0, 0
	var simSum float64
	for y := 8; y < testHeight-8; y++ {
		for x := 12; x < testWidth-12; x++ {
			total++
			d := float64(depth.At(x, y))
			if d <= 0 {
				continue
			}
			valid++
			want := planeZ / cam.PixelRay(float64(x), float64(y)).Z
			if math.Abs(d-want)/want < 0.1 {
				good++
			}
			simSum += float64(sim.At(x, y))
		}
	}
	assert.Greater(t, float64(good), 0.75*float64(total), "%d of %d pixels on the plane", good, total)
	assert.Less(t, simSum/float64(max(valid, 1)), 0.0)
}

func TestEstimatorWithoutNeighbours(t *testing.T) {
	mp, source := planeScene(t)
	backend, err := NewCPUBackend(mp, 2, 8, source, nil)
	require.NoError(t, err)

	depth, sim, err := NewEstimator(mp, backend, nil).Estimate(0, nil)
	require.NoError(t, err)
	assert.Zero(t, depth.CountValid())
	assert.Equal(t, float32(1), sim.At(3, 3))
}

func TestEstimatorMissingImage(t *testing.T) {
	mp, _ := planeScene(t)
	backend, err := NewCPUBackend(mp, 2, 8, nil, nil)
	require.NoError(t, err)

	_, _, err = NewEstimator(mp, backend, nil).Estimate(0, []int{1})
	assert.Error(t, err)
}

func TestSGMReplacesIsolatedOutlier(t *testing.T) {
	const n, z = 9, 12
	cams := []*scene.Camera{testCamera(t, 0, n, n, 10, r3.Vector{})}
	mp, err := scene.NewParams(cams)
	require.NoError(t, err)

	flat := image.NewGray(image.Rect(0, 0, n, n))
	for i := range flat.Pix {
		flat.Pix[i] = 128
	}
	source := func(*scene.Camera) (image.Image, error) { return flat, nil }
	backend, err := NewCPUBackend(mp, 1, 2, source, nil)
	require.NoError(t, err)

	// every pixel prefers plane 5, the centre alone prefers plane 10
	vol := make([]int32, n*n*z)
	for i := range vol {
		vol[i] = 200
	}
	centre := 4*n + 4
	for c := 0; c < n*n; c++ {
		vol[5*n*n+c] = 20
	}
	vol[5*n*n+centre] = 70
	vol[10*n*n+centre] = 40

	run := func(optimize bool) int {
		p := unbounded()
		p.P1, p.P2 = 10, 100
		v, err := NewSGMVolume(64, n, n, z, p, backend)
		require.NoError(t, err)
		require.NoError(t, v.CopyVolumeInt(vol))
		require.NoError(t, v.CloneVolumeStepZ())
		if optimize {
			require.NoError(t, v.SGMOptimizeVolumeStepZ(0, 1, 0, 0, 1))
		}
		best, err := v.GetOrigVolumeBestIdValFromVolumeStepZ(0)
		require.NoError(t, err)
		return best[centre].ID
	}

	assert.Equal(t, 10, run(false))
	assert.Equal(t, 5, run(true))
}

func TestDepthsUniformInverse(t *testing.T) {
	d := DepthsUniformInverse(1, 4, 4)
	require.Len(t, d, 4)
	assert.InDelta(t, 1.0, d[0], 1e-6)
	assert.InDelta(t, 4.0, d[3], 1e-6)
	// 1/d steps by 0.25
	assert.InDelta(t, 1/0.75, d[1], 1e-5)
	assert.InDelta(t, 2.0, d[2], 1e-5)

	assert.Nil(t, DepthsUniformInverse(2, 1, 10))
	assert.Equal(t, []float32{3}, DepthsUniformInverse(3, 9, 1))
}

func TestCostFromNCC(t *testing.T) {
	assert.Equal(t, uint8(0), costFromNCC(1))
	assert.Equal(t, uint8(128), costFromNCC(0))
	assert.Equal(t, uint8(255), costFromNCC(-1))
	assert.Equal(t, uint8(255), costFromNCC(-1.5))
}
