package planesweep

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"runtime"

	"github.com/chewxy/math32"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"mvfuse3d/pkg/scene"
)

// ImageSource returns the source image of a camera.
type ImageSource func(cam *scene.Camera) (image.Image, error)

// FileImageSource decodes the png or jpeg file the camera points to.
func FileImageSource(cam *scene.Camera) (image.Image, error) {
	if cam.ImagePath == "" {
		return nil, fmt.Errorf("camera %d has no image", cam.Index)
	}
	f, err := os.Open(cam.ImagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening image of camera %d", cam.Index)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", cam.ImagePath)
	}
	return img, nil
}

type imageKey struct {
	cam   int
	scale int
}

// grayImage holds intensities in [0, 1].
type grayImage struct {
	w, h int
	pix  []float32
}

func (g *grayImage) at(x, y int) float32 {
	return g.pix[y*g.w+x]
}

func (g *grayImage) inside(x, y int) bool {
	return x >= 0 && y >= 0 && x < g.w && y < g.h
}

// sample interpolates bilinearly. ok is false outside the image.
func (g *grayImage) sample(x, y float32) (float32, bool) {
	if x < 0 || y < 0 || x > float32(g.w-1) || y > float32(g.h-1) {
		return 0, false
	}
	x0, y0 := int(x), int(y)
	x1, y1 := min(x0+1, g.w-1), min(y0+1, g.h-1)
	fx, fy := x-float32(x0), y-float32(y0)

	top := g.at(x0, y0)*(1-fx) + g.at(x1, y0)*fx
	bottom := g.at(x0, y1)*(1-fx) + g.at(x1, y1)*fx
	return top*(1-fy) + bottom*fy, true
}

// CPUBackend computes ZNCC cost volumes and runs the reductions and the SGM
// pass on the host. It is safe for concurrent use by several volumes.
type CPUBackend struct {
	mp      *scene.Params
	wsh     int
	source  ImageSource
	images  *lru.Cache[imageKey, *grayImage]
	workers int
	logger  *slog.Logger
}

// NewCPUBackend creates a backend matching (2*wsh+1)^2 patches and keeping up
// to cacheSize downscaled images. A nil source reads the camera image files.
func NewCPUBackend(mp *scene.Params, wsh, cacheSize int, source ImageSource, logger *slog.Logger) (*CPUBackend, error) {
	if source == nil {
		source = FileImageSource
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[imageKey, *grayImage](max(1, cacheSize))
	if err != nil {
		return nil, errors.Wrap(err, "creating image cache")
	}
	return &CPUBackend{
		mp:      mp,
		wsh:     max(0, wsh),
		source:  source,
		images:  cache,
		workers: runtime.NumCPU(),
		logger:  logger,
	}, nil
}

// image returns the gray image of cam downscaled to the map size at scale.
func (b *CPUBackend) image(cam, scale int) (*grayImage, error) {
	key := imageKey{cam: cam, scale: scale}
	if g, ok := b.images.Get(key); ok {
		return g, nil
	}

	c := b.mp.Camera(cam)
	src, err := b.source(c)
	if err != nil {
		return nil, err
	}

	w, h := b.mp.Width(cam, scale), b.mp.Height(cam, scale)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("camera %d: image too small for scale %d", cam, scale)
	}
	dst := image.NewGray(image.Rect(0, 0, w, h))
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		xdraw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, xdraw.Src)
	} else {
		xdraw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	}

	g := &grayImage{w: w, h: h, pix: make([]float32, w*h)}
	for y := 0; y < h; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+w]
		for x, v := range row {
			g.pix[y*w+x] = float32(v) / 255
		}
	}
	b.images.Add(key, g)
	b.logger.Debug("image cached", "cam", cam, "scale", scale, "width", w, "height", h)
	return g, nil
}

// ComputeCostVolume scores every cell of window against tc for each plane.
// The cost is (1-ZNCC)*127.5; cells whose patch leaves either image or has
// no texture get 255.
func (b *CPUBackend) ComputeCostVolume(rc, tc int, depths []float32, zFrom, nZSteps int, window Window) ([]uint8, error) {
	if zFrom < 0 || nZSteps <= 0 || zFrom+nZSteps > len(depths) {
		return nil, fmt.Errorf("planes [%d, %d) outside %d depths", zFrom, zFrom+nZSteps, len(depths))
	}
	s := window.scale()
	rimg, err := b.image(rc, s)
	if err != nil {
		return nil, err
	}
	timg, err := b.image(tc, s)
	if err != nil {
		return nil, err
	}

	out := make([]uint8, window.DimX*window.DimY*nZSteps)
	fill(out, maxCost)

	m := &matcher{
		rcam:   b.mp.Camera(rc),
		tcam:   b.mp.Camera(tc),
		rimg:   rimg,
		timg:   timg,
		wsh:    b.wsh,
		scale:  s,
		depths: depths[zFrom : zFrom+nZSteps],
	}

	var g errgroup.Group
	g.SetLimit(b.workers)
	slice := window.DimX * window.DimY
	for y := 0; y < window.DimY; y++ {
		y := y
		g.Go(func() error {
			for x := 0; x < window.DimX; x++ {
				px, py := window.pixel(x, y)
				m.cell(px, py, out[y*window.DimX+x:], slice)
			}
			return nil
		})
	}
	return out, g.Wait()
}

type matcher struct {
	rcam, tcam *scene.Camera
	rimg, timg *grayImage
	wsh        int
	scale      int
	depths     []float32
}

// cell writes the cost of pixel (px, py) for every plane into out[z*stride].
func (m *matcher) cell(px, py int, out []uint8, stride int) {
	n := (2*m.wsh + 1) * (2*m.wsh + 1)
	ref := make([]float32, 0, n)
	var mean float32
	for dy := -m.wsh; dy <= m.wsh; dy++ {
		for dx := -m.wsh; dx <= m.wsh; dx++ {
			if !m.rimg.inside(px+dx, py+dy) {
				return
			}
			v := m.rimg.at(px+dx, py+dy)
			ref = append(ref, v)
			mean += v
		}
	}
	mean /= float32(n)
	var refVar float32
	for i := range ref {
		ref[i] -= mean
		refVar += ref[i] * ref[i]
	}
	if refVar < 1e-6 {
		return
	}

	s := float64(m.scale)
	rays := make([][3]float64, 0, n)
	for dy := -m.wsh; dy <= m.wsh; dy++ {
		for dx := -m.wsh; dx <= m.wsh; dx++ {
			r := m.rcam.PixelRay(float64(px+dx)*s, float64(py+dy)*s)
			rays = append(rays, [3]float64{r.X, r.Y, r.Z})
		}
	}

	tgt := make([]float32, n)
	c := m.rcam.C
	for z, depth := range m.depths {
		d := float64(depth)
		ok := true
		var tmean float32
		for i, r := range rays {
			pt := c
			pt.X += r[0] * d
			pt.Y += r[1] * d
			pt.Z += r[2] * d
			tx, ty, front := m.tcam.Project(pt)
			if !front {
				ok = false
				break
			}
			v, in := m.timg.sample(float32(tx/s), float32(ty/s))
			if !in {
				ok = false
				break
			}
			tgt[i] = v
			tmean += v
		}
		if !ok {
			continue
		}
		tmean /= float32(n)

		var cov, tgtVar float32
		for i := range tgt {
			t := tgt[i] - tmean
			cov += ref[i] * t
			tgtVar += t * t
		}
		if tgtVar < 1e-6 {
			continue
		}
		ncc := cov / math32.Sqrt(refVar*tgtVar)
		out[z*stride] = costFromNCC(ncc)
	}
}

// costFromNCC maps a correlation in [-1, 1] to a cost in [0, 255].
func costFromNCC(ncc float32) uint8 {
	c := math32.Round((1 - ncc) * 127.5)
	return uint8(min(max(c, 0), maxCost))
}

// ReduceMin stores the element-wise minimum in dst.
func (b *CPUBackend) ReduceMin(dst, src []uint8) {
	for i, c := range src {
		if c < dst[i] {
			dst[i] = c
		}
	}
}

// ReduceSecondMin keeps the lowest cost in best and the next one in second.
func (b *CPUBackend) ReduceSecondMin(best, second, src []uint8) {
	for i, c := range src {
		switch {
		case c < best[i]:
			second[i] = best[i]
			best[i] = c
		case c < second[i]:
			second[i] = c
		}
	}
}

// ReduceAvg stores round((dst*n + src)/(n+1)) in dst.
func (b *CPUBackend) ReduceAvg(dst, src []uint8, n int) {
	n = max(0, n)
	for i, c := range src {
		sum := int(dst[i])*n + int(c)
		dst[i] = uint8((sum + (n+1)/2) / (n + 1))
	}
}
