// Package visualization renders depth and similarity maps for inspection:
// PNG previews at several scales and VRML point sets of the back-projected
// pixels.
package visualization

import (
	"bufio"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"

	"mvfuse3d/internal/models"
	"mvfuse3d/pkg/scene"
)

// Viewer renders the maps of one reference camera.
type Viewer struct {
	// cam is the camera the maps belong to
	cam *scene.Camera

	// depth is required, sim may be nil
	depth *models.DepthMap
	sim   *models.SimMap

	// scale is the downscale of the maps relative to the camera image
	scale int
}

// NewViewer creates a viewer for maps computed at the given downscale.
func NewViewer(cam *scene.Camera, depth *models.DepthMap, sim *models.SimMap, scale int) (*Viewer, error) {
	if depth == nil {
		return nil, fmt.Errorf("depth map is required")
	}
	if sim != nil && (sim.Width != depth.Width || sim.Height != depth.Height) {
		return nil, fmt.Errorf("similarity map is %dx%d, depth map is %dx%d",
			sim.Width, sim.Height, depth.Width, depth.Height)
	}
	return &Viewer{cam: cam, depth: depth, sim: sim, scale: max(1, scale)}, nil
}

// depthRange returns the smallest and largest valid depth.
func (v *Viewer) depthRange() (float64, float64, bool) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, d := range v.depth.Data {
		if d > 0 {
			lo = math.Min(lo, float64(d))
			hi = math.Max(hi, float64(d))
		}
	}
	return lo, hi, hi >= lo
}

// DepthImage maps valid depths to gray levels, near pixels bright. Invalid
// pixels are black.
func (v *Viewer) DepthImage() image.Image {
	w, h := v.depth.Width, v.depth.Height
	img := image.NewGray16(image.Rect(0, 0, w, h))
	lo, hi, ok := v.depthRange()
	if !ok {
		return img
	}
	span := math.Max(hi-lo, 1e-9)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			d := float64(v.depth.At(x, y))
			if d <= 0 {
				continue
			}
			t := 1 - (d-lo)/span
			// keep valid pixels distinguishable from invalid ones
			value := uint16(1024 + t*(65535-1024))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img
}

// SimImage maps similarity [-1, 1] to gray, best matches white. Weakly
// supported points are tinted red.
func (v *Viewer) SimImage() image.Image {
	if v.sim == nil {
		return nil
	}
	w, h := v.sim.Width, v.sim.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if v.depth.At(x, y) <= 0 {
				img.SetRGBA(x, y, color.RGBA{A: 255})
				continue
			}
			s := float64(v.sim.At(x, y))
			weak := s >= 1
			if weak {
				s -= 2
			}
			g := uint8(math.Round(255 * (1 - (math.Min(math.Max(s, -1), 1)+1)/2)))
			c := color.RGBA{R: g, G: g, B: g, A: 255}
			if weak {
				c = color.RGBA{R: 255, G: g / 2, B: g / 2, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// Downscale shrinks img by factor with nearest neighbour sampling so that
// invalid pixels are not blended into valid ones.
func Downscale(img image.Image, factor int) image.Image {
	if factor <= 1 {
		return img
	}
	b := img.Bounds()
	w, h := max(1, b.Dx()/factor), max(1, b.Dy()/factor)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

// SaveImage writes img as PNG.
func SaveImage(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "creating image file")
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return errors.Wrapf(err, "encoding %s", filename)
	}
	return file.Close()
}

// Points back-projects every step-th valid pixel.
func (v *Viewer) Points(step int) ([]models.PointCams, []float32) {
	step = max(1, step)
	var pts []models.PointCams
	var sims []float32
	for y := 0; y < v.depth.Height; y += step {
		for x := 0; x < v.depth.Width; x += step {
			d := v.depth.At(x, y)
			if d <= 0 {
				continue
			}
			p := v.cam.BackProject(float64(x*v.scale), float64(y*v.scale), float64(d))
			pts = append(pts, models.PointCams{Point: p, Cams: []int{v.cam.Index}})
			s := float32(0)
			if v.sim != nil {
				s = v.sim.At(x, y)
			}
			sims = append(sims, s)
		}
	}
	return pts, sims
}

// WriteWRL writes the back-projected pixels as a coloured VRML point set.
func (v *Viewer) WriteWRL(filename string, step int) error {
	pts, sims := v.Points(step)

	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "creating wrl file")
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	fmt.Fprintln(w, "#VRML V2.0 utf8")
	fmt.Fprintln(w, "Shape {")
	fmt.Fprintln(w, "  geometry PointSet {")
	fmt.Fprintln(w, "    coord Coordinate {")
	fmt.Fprintln(w, "      point [")
	for _, p := range pts {
		fmt.Fprintf(w, "        %g %g %g,\n", p.Point.X, p.Point.Y, p.Point.Z)
	}
	fmt.Fprintln(w, "      ]")
	fmt.Fprintln(w, "    }")
	fmt.Fprintln(w, "    color Color {")
	fmt.Fprintln(w, "      color [")
	for _, s := range sims {
		r, g, b := simColor(s)
		fmt.Fprintf(w, "        %.3f %.3f %.3f,\n", r, g, b)
	}
	fmt.Fprintln(w, "      ]")
	fmt.Fprintln(w, "    }")
	fmt.Fprintln(w, "  }")
	fmt.Fprintln(w, "}")

	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "writing %s", filename)
	}
	return file.Close()
}

// simColor is green for good matches and red for weakly supported points.
func simColor(s float32) (float64, float64, float64) {
	if s >= 1 {
		return 1, 0, 0
	}
	t := (math.Min(math.Max(float64(s), -1), 1) + 1) / 2
	return t, 1 - t, 0
}

// ScaledName returns the file name used for pyramid level k of filename.
func ScaledName(filename string, k int) string {
	if k == 0 {
		return filename
	}
	ext := filepath.Ext(filename)
	return fmt.Sprintf("%s_scale%d%s", strings.TrimSuffix(filename, ext), k, ext)
}

// Export writes one point set per pyramid level, doubling the pixel step at
// each level, plus PNG previews of the depth map and, if present, the
// similarity map next to wrlFileName.
func (v *Viewer) Export(wrlFileName string, step, scales int) error {
	if err := os.MkdirAll(filepath.Dir(wrlFileName), 0755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	step = max(1, step)
	for k := 0; k < max(1, scales); k++ {
		if err := v.WriteWRL(ScaledName(wrlFileName, k), step<<k); err != nil {
			return err
		}
	}

	base := strings.TrimSuffix(wrlFileName, filepath.Ext(wrlFileName))
	if err := SaveImage(Downscale(v.DepthImage(), step), base+".png"); err != nil {
		return err
	}
	if sim := v.SimImage(); sim != nil {
		if err := SaveImage(Downscale(sim, step), base+"_sim.png"); err != nil {
			return err
		}
	}
	return nil
}
