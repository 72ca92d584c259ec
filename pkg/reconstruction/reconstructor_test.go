package reconstruction

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"mvfuse3d/pkg/config"
	"mvfuse3d/pkg/depthmap"
	"mvfuse3d/pkg/scene"
	"mvfuse3d/pkg/visibility"
)

const (
	testFocal  = 50.0
	testWidth  = 64
	testHeight = 48
	planeZ     = 10.0
)

// texture is a non periodic pattern on the plane Z = planeZ
func texture(x, y float64) float64 {
	v := 0.5 + 0.2*math.Sin(5.3*x+1.7*y) + 0.2*math.Sin(3.1*y-4.2*x+0.5)
	return math.Min(math.Max(v, 0), 1)
}

// createTestScene renders the textured plane from three cameras on a
// horizontal baseline and writes their images and the scene file to dir
func createTestScene(t *testing.T, dir string) string {
	var sf scene.File
	for i, cx := range []float64{0, 1.5, -1.5} {
		img := image.NewGray(image.Rect(0, 0, testWidth, testHeight))
		for v := 0; v < testHeight; v++ {
			for u := 0; u < testWidth; u++ {
				x := cx + (float64(u)-testWidth/2)/testFocal*planeZ
				y := (float64(v) - testHeight/2) / testFocal * planeZ
				img.SetGray(u, v, color.Gray{Y: uint8(math.Round(texture(x, y) * 255))})
			}
		}
		name := filepath.Join("images", string(rune('a'+i))+".png")
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "images"), 0755))
		f, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())

		sf.Cameras = append(sf.Cameras, scene.CameraFile{
			Image: name,
			K:     []float64{testFocal, 0, testWidth / 2, 0, testFocal, testHeight / 2, 0, 0, 1},
			R:     []float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
			C:     []float64{cx, 0, 0},
		})
	}

	data, err := yaml.Marshal(&sf)
	require.NoError(t, err)
	path := filepath.Join(dir, "scene.yaml")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Processing.NumCores = 2
	cfg.Processing.ImageCacheSize = 8

	cfg.SGM.VolGpuMB = 0.09375
	cfg.SGM.MaxVolumeMB = 1
	cfg.SGM.NDepths = 96
	cfg.SGM.MinDepth = 5
	cfg.SGM.MaxDepth = 20
	cfg.SGM.NNearestCams = 2

	cfg.Filter.NNearestCams = 2
	cfg.Filter.MinNumOfModals = 2
	cfg.Filter.MinNumOfModalsWSP2SSP = 3
	cfg.Filter.MinSegSize = 20

	cfg.LargeScale.MaxOcTreeDim = 16
	cfg.LargeScale.HexahPixelSizeStep = 10

	cfg.Output.SaveIntermediaryResults = true
	return cfg
}

// TestBasicReconstructor runs the whole pipeline on a synthetic plane
func TestBasicReconstructor(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	r := NewReconstructor(&Params{
		ScenePath: createTestScene(t, dir),
		OutputDir: out,
		Config:    testConfig(),
	})
	require.NoError(t, r.Process())

	for _, name := range []string{
		filepath.Join(DepthMapsDir, "0001_depthMap_estimated.bin"),
		filepath.Join(DepthMapsDir, "0003_simMap_filtered.bin"),
		filepath.Join(DepthMapsDir, "0002_nmodMap_estimated.bin"),
		filepath.Join(IntermediaryDir, "01_estimated", "0001.wrl"),
		filepath.Join(IntermediaryDir, "02_filtered", "0002.png"),
		PtsCamsFile,
		SpaceFile,
	} {
		_, err := os.Stat(filepath.Join(out, name))
		assert.NoError(t, err, name)
	}

	m := r.GetMetrics()
	assert.Equal(t, 3, m.NumCams)
	assert.Greater(t, m.FilteredPoints, 0)
	assert.LessOrEqual(t, m.FilteredPoints, m.EstimatedPoints)
	assert.Equal(t, m.FilteredPoints, m.FusedPoints)
	assert.GreaterOrEqual(t, m.MeanCamsPerPoint, 1.0)
	assert.Positive(t, m.MinPixSize)

	ptsCams, err := visibility.ReadPtsCams(filepath.Join(out, PtsCamsFile))
	require.NoError(t, err)
	require.Len(t, ptsCams, m.FusedPoints)
	for i, p := range r.GetPoints() {
		assert.Equal(t, p.Cams, ptsCams[i])
	}
	used, err := visibility.ReadUsedCams(filepath.Join(out, PtsCamsFile))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1, 2}, used)

	data, err := os.ReadFile(filepath.Join(out, SpaceFile))
	require.NoError(t, err)
	var space Space
	require.NoError(t, yaml.Unmarshal(data, &space))
	assert.Equal(t, r.GetSpace(), space)
	for _, d := range space.Dims {
		assert.GreaterOrEqual(t, d, 1)
	}
	var cz float64
	for _, p := range space.Hexahedron {
		cz += p[2] / 8
	}
	assert.InDelta(t, planeZ, cz, 2)
}

// TestReconstructorResumes checks that existing depth maps are reused
func TestReconstructorResumes(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dir := t.TempDir()
	out := filepath.Join(dir, "out")
	params := &Params{
		ScenePath: createTestScene(t, dir),
		OutputDir: out,
		Config:    testConfig(),
	}
	first := NewReconstructor(params)
	require.NoError(t, first.Process())

	store := depthmap.Store{Dir: filepath.Join(out, DepthMapsDir)}
	before, err := os.Stat(store.Path(0, depthmap.DepthMap, depthmap.Estimated))
	require.NoError(t, err)

	second := NewReconstructor(params)
	require.NoError(t, second.Process())

	after, err := os.Stat(store.Path(0, depthmap.DepthMap, depthmap.Estimated))
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
	assert.Equal(t, first.GetMetrics().FusedPoints, second.GetMetrics().FusedPoints)
}

func TestReconstructorErrors(t *testing.T) {
	dir := t.TempDir()

	err := NewReconstructor(&Params{
		ScenePath: filepath.Join(dir, "missing.yaml"),
		OutputDir: dir,
	}).Process()
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Processing.NumCores = 0
	err = NewReconstructor(&Params{
		ScenePath: createTestScene(t, dir),
		OutputDir: dir,
		Config:    cfg,
	}).Process()
	assert.ErrorContains(t, err, "numCores")
}

func TestCalculateMetrics(t *testing.T) {
	r := NewReconstructor(&Params{})
	r.metrics.EstimatedPoints = 200
	r.metrics.FilteredPoints = 150
	r.points = nil
	r.calculateMetrics()
	assert.InDelta(t, 0.75, r.GetMetrics().KeptRatio, 1e-12)
	assert.Zero(t, r.GetMetrics().MeanCamsPerPoint)
}
