package scene

import (
	"bufio"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// CameraFile is the YAML description of one camera. Either P or K, R and C
// must be given.
type CameraFile struct {
	Image    string    `yaml:"image"`
	Width    int       `yaml:"width"`
	Height   int       `yaml:"height"`
	P        []float64 `yaml:"p,omitempty"`
	K        []float64 `yaml:"k,omitempty"`
	R        []float64 `yaml:"r,omitempty"`
	C        []float64 `yaml:"c,omitempty"`
	MinDepth float64   `yaml:"minDepth,omitempty"`
	MaxDepth float64   `yaml:"maxDepth,omitempty"`
}

// File is the YAML scene description.
type File struct {
	Cameras []CameraFile `yaml:"cameras"`
}

// LoadScene reads a YAML scene description. Image paths are resolved relative
// to the scene file. Missing width/height are read from the image header.
func LoadScene(path string) (*Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading scene file")
	}

	var sf File
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, errors.Wrap(err, "parsing scene file")
	}
	if len(sf.Cameras) == 0 {
		return nil, fmt.Errorf("scene file %s lists no cameras", path)
	}

	dir := filepath.Dir(path)
	cams := make([]*Camera, len(sf.Cameras))
	for i, cf := range sf.Cameras {
		if cf.Image != "" && !filepath.IsAbs(cf.Image) {
			cf.Image = filepath.Join(dir, cf.Image)
		}
		cam, err := cameraFromFile(i, cf)
		if err != nil {
			return nil, err
		}
		cams[i] = cam
	}

	return NewParams(cams)
}

func cameraFromFile(index int, cf CameraFile) (*Camera, error) {
	if cf.Width == 0 || cf.Height == 0 {
		if cf.Image == "" {
			return nil, fmt.Errorf("camera %d: no image size and no image", index)
		}
		w, h, err := ImageSize(cf.Image)
		if err != nil {
			return nil, err
		}
		cf.Width, cf.Height = w, h
	}

	var (
		cam *Camera
		err error
	)
	switch {
	case len(cf.P) == 12:
		cam, err = NewCameraFromP(index, cf.Width, cf.Height, mat.NewDense(3, 4, cf.P))
	case len(cf.K) == 9 && len(cf.R) == 9 && len(cf.C) == 3:
		cam, err = NewCamera(index, cf.Width, cf.Height,
			mat.NewDense(3, 3, cf.K), mat.NewDense(3, 3, cf.R),
			r3.Vector{X: cf.C[0], Y: cf.C[1], Z: cf.C[2]})
	default:
		return nil, fmt.Errorf("camera %d: need p (12 values) or k, r (9 values) and c (3 values)", index)
	}
	if err != nil {
		return nil, err
	}

	cam.ImagePath = cf.Image
	cam.MinDepth = cf.MinDepth
	cam.MaxDepth = cf.MaxDepth
	return cam, nil
}

// ImageSize decodes only the header of an image file.
func ImageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.Wrap(err, "opening image")
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "decoding header of %s", path)
	}
	return cfg.Width, cfg.Height, nil
}

// LoadCameraFile reads a text projection matrix (".P" file). Non-numeric
// tokens such as the "CONTOUR" header are skipped; the first 12 numbers form P
// row by row.
func LoadCameraFile(index int, path string, width, height int) (*Camera, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening camera file")
	}
	defer f.Close()

	vals := make([]float64, 0, 12)
	sc := bufio.NewScanner(f)
	sc.Split(bufio.ScanWords)
	for sc.Scan() && len(vals) < 12 {
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			continue
		}
		vals = append(vals, v)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	if len(vals) != 12 {
		return nil, fmt.Errorf("camera file %s: expected 12 values, found %d", path, len(vals))
	}

	return NewCameraFromP(index, width, height, mat.NewDense(3, 4, vals))
}

// SaveCameraFile writes P in the format read by LoadCameraFile.
func SaveCameraFile(cam *Camera, path string) error {
	p := cam.P()
	var b strings.Builder
	b.WriteString("CONTOUR\n")
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			if c > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(strconv.FormatFloat(p.At(r, c), 'g', -1, 64))
		}
		b.WriteByte('\n')
	}
	return errors.Wrap(os.WriteFile(path, []byte(b.String()), 0644), "writing camera file")
}
