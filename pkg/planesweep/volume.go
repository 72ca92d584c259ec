// Package planesweep builds per-camera similarity volumes over a set of depth
// hypotheses and reduces them to depth and similarity maps.
package planesweep

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat"

	"mvfuse3d/internal/models"
)

var (
	// ErrInvalidDimensions is returned for volumes with a non-positive dimension.
	ErrInvalidDimensions = errors.New("invalid volume dimensions")

	// ErrVolumeBudgetExceeded is returned when a batch or a reduced volume does
	// not fit in the configured memory.
	ErrVolumeBudgetExceeded = errors.New("volume exceeds memory budget")

	// ErrVolumeReleased is returned when the full resolution volume is needed
	// after it was reduced or before anything was aggregated into it.
	ErrVolumeReleased = errors.New("full resolution volume not available")

	// ErrVolumeNotReduced is returned by operations on the Z-reduced volume
	// before CloneVolumeStepZ or CloneVolumeSecondStepZ ran.
	ErrVolumeNotReduced = errors.New("volume has not been reduced along Z")

	// ErrSizeMismatch is returned when an input buffer does not match the
	// requested range.
	ErrSizeMismatch = errors.New("volume buffer size mismatch")
)

const (
	megabyte = 1024 * 1024

	// bytes kept per cell of the reduced volume: the cost and the int32 plane index
	reducedCellBytes = 5

	maxCost = 255
)

// SGMVolume is the similarity volume of one reference camera. Cells are
// stored z-major: index (z*dimY+y)*dimX+x. It must not be shared between
// goroutines.
type SGMVolume struct {
	volGpuMB float64
	volDimX  int
	volDimY  int
	volDimZ  int
	volStepZ int

	params  *SGMParams
	backend ComputeBackend
	logger  *slog.Logger

	volume           []uint8
	volumeSecondBest []uint8
	filled           bool

	volumeStepZ []uint8
	volumeBestZ []int32
}

// NewSGMVolume allocates a volume of dimX*dimY*dimZ cells initialised to the
// worst cost. volGpuMB bounds one aggregation batch, params.MaxVolumeMB
// bounds the Z-reduced volume and so picks the Z step.
func NewSGMVolume(volGpuMB float64, dimX, dimY, dimZ int, params *SGMParams, backend ComputeBackend) (*SGMVolume, error) {
	if dimX <= 0 || dimY <= 0 || dimZ <= 0 {
		return nil, fmt.Errorf("%w: %dx%dx%d", ErrInvalidDimensions, dimX, dimY, dimZ)
	}
	if params == nil {
		params = DefaultSGMParams()
	}

	slice := float64(dimX * dimY)
	if slice > volGpuMB*megabyte {
		return nil, fmt.Errorf("%w: one %dx%d slice needs %.2f MB, batch budget is %.2f MB",
			ErrVolumeBudgetExceeded, dimX, dimY, slice/megabyte, volGpuMB)
	}

	step, err := chooseStepZ(dimX, dimY, dimZ, params.MaxVolumeMB)
	if err != nil {
		return nil, err
	}

	v := &SGMVolume{
		volGpuMB:         volGpuMB,
		volDimX:          dimX,
		volDimY:          dimY,
		volDimZ:          dimZ,
		volStepZ:         step,
		params:           params,
		backend:          backend,
		logger:           params.logger(),
		volume:           make([]uint8, dimX*dimY*dimZ),
		volumeSecondBest: make([]uint8, dimX*dimY*dimZ),
	}
	fill(v.volume, maxCost)
	fill(v.volumeSecondBest, maxCost)
	return v, nil
}

// chooseStepZ returns the smallest Z step whose reduced volume fits in maxMB.
// A non-positive maxMB means unbounded.
func chooseStepZ(dimX, dimY, dimZ int, maxMB float64) (int, error) {
	if maxMB <= 0 {
		return 1, nil
	}
	budget := maxMB * megabyte
	for step := 1; step <= dimZ; step++ {
		slices := (dimZ + step - 1) / step
		if float64(dimX*dimY*slices*reducedCellBytes) <= budget {
			return step, nil
		}
	}
	return 0, fmt.Errorf("%w: a single reduced %dx%d slice exceeds %.2f MB",
		ErrVolumeBudgetExceeded, dimX, dimY, maxMB)
}

func fill(b []uint8, v uint8) {
	for i := range b {
		b[i] = v
	}
}

// Dims returns the full resolution volume dimensions.
func (v *SGMVolume) Dims() (int, int, int) {
	return v.volDimX, v.volDimY, v.volDimZ
}

// StepZ returns the Z reduction factor.
func (v *SGMVolume) StepZ() int {
	return v.volStepZ
}

// ReducedDimZ is the number of slices kept by the Z reduction. Trailing
// slices that do not fill a whole step are dropped.
func (v *SGMVolume) ReducedDimZ() int {
	return v.volDimZ / v.volStepZ
}

// BatchZSteps is the number of Z slices one aggregation batch may carry.
func (v *SGMVolume) BatchZSteps() int {
	n := int(v.volGpuMB * megabyte / float64(v.volDimX*v.volDimY))
	return max(1, min(n, v.volDimZ))
}

func (v *SGMVolume) sliceSize() int {
	return v.volDimX * v.volDimY
}

// checkRange validates a Z batch. Out of range batches are caller bugs.
func (v *SGMVolume) checkRange(buf int, zFrom, nZSteps int) error {
	if zFrom < 0 || nZSteps <= 0 || zFrom+nZSteps > v.volDimZ {
		panic(fmt.Sprintf("planesweep: z range [%d, %d) outside [0, %d)", zFrom, zFrom+nZSteps, v.volDimZ))
	}
	if v.volume == nil || v.volumeSecondBest == nil {
		return ErrVolumeReleased
	}
	if nZSteps > v.BatchZSteps() {
		return fmt.Errorf("%w: batch of %d slices, at most %d fit in %.2f MB",
			ErrVolumeBudgetExceeded, nZSteps, v.BatchZSteps(), v.volGpuMB)
	}
	if want := nZSteps * v.sliceSize(); buf != want {
		return fmt.Errorf("%w: got %d cells, want %d", ErrSizeMismatch, buf, want)
	}
	return nil
}

func (v *SGMVolume) window(zFrom, nZSteps int) (int, int) {
	s := v.sliceSize()
	return zFrom * s, (zFrom + nZSteps) * s
}

// CopyVolumeInt overwrites the whole volume, clamping values to [0, 255].
func (v *SGMVolume) CopyVolumeInt(volume []int32) error {
	if v.volume == nil || v.volumeSecondBest == nil {
		return ErrVolumeReleased
	}
	if len(volume) != len(v.volume) {
		return fmt.Errorf("%w: got %d cells, want %d", ErrSizeMismatch, len(volume), len(v.volume))
	}
	for i, c := range volume {
		v.volume[i] = uint8(min(max(c, 0), maxCost))
	}
	fill(v.volumeSecondBest, maxCost)
	v.filled = true
	return nil
}

// CopyVolume overwrites the best costs of [zFrom, zFrom+nZSteps) and resets
// the second best costs of that range.
func (v *SGMVolume) CopyVolume(volume []uint8, zFrom, nZSteps int) error {
	if err := v.checkRange(len(volume), zFrom, nZSteps); err != nil {
		return err
	}
	lo, hi := v.window(zFrom, nZSteps)
	copy(v.volume[lo:hi], volume)
	fill(v.volumeSecondBest[lo:hi], maxCost)
	v.filled = true
	return nil
}

// AddVolumeMin keeps the running minimum of the best costs.
func (v *SGMVolume) AddVolumeMin(volume []uint8, zFrom, nZSteps int) error {
	if err := v.checkRange(len(volume), zFrom, nZSteps); err != nil {
		return err
	}
	lo, hi := v.window(zFrom, nZSteps)
	v.backend.ReduceMin(v.volume[lo:hi], volume)
	v.filled = true
	return nil
}

// AddVolumeSecondMin keeps the running best and second best costs.
func (v *SGMVolume) AddVolumeSecondMin(volume []uint8, zFrom, nZSteps int) error {
	if err := v.checkRange(len(volume), zFrom, nZSteps); err != nil {
		return err
	}
	lo, hi := v.window(zFrom, nZSteps)
	v.backend.ReduceSecondMin(v.volume[lo:hi], v.volumeSecondBest[lo:hi], volume)
	v.filled = true
	return nil
}

// AddVolumeAvg folds volume into a running mean; n is the number of
// contributions already aggregated in the range.
func (v *SGMVolume) AddVolumeAvg(n int, volume []uint8, zFrom, nZSteps int) error {
	if err := v.checkRange(len(volume), zFrom, nZSteps); err != nil {
		return err
	}
	lo, hi := v.window(zFrom, nZSteps)
	v.backend.ReduceAvg(v.volume[lo:hi], volume, n)
	v.filled = true
	return nil
}

// CloneVolumeStepZ reduces the best costs along Z and releases them. The
// second best costs stay available to CloneVolumeSecondStepZ.
func (v *SGMVolume) CloneVolumeStepZ() error {
	return v.reduceStepZ(&v.volume)
}

// CloneVolumeSecondStepZ reduces the second best costs along Z and releases
// them. It replaces any earlier reduction.
func (v *SGMVolume) CloneVolumeSecondStepZ() error {
	return v.reduceStepZ(&v.volumeSecondBest)
}

// reduceStepZ keeps, per group of volStepZ slices, the lowest cost and the
// plane that produced it. Ties go to the later plane. Only the reduced
// volume is released.
func (v *SGMVolume) reduceStepZ(srcp *[]uint8) error {
	src := *srcp
	if src == nil || !v.filled {
		return ErrVolumeReleased
	}

	s := v.sliceSize()
	zs := v.ReducedDimZ()
	v.volumeStepZ = make([]uint8, s*zs)
	v.volumeBestZ = make([]int32, s*zs)
	fill(v.volumeStepZ, maxCost)
	for i := range v.volumeBestZ {
		v.volumeBestZ[i] = -1
	}

	for z := 0; z < zs*v.volStepZ; z++ {
		dst := (z / v.volStepZ) * s
		off := z * s
		for i := 0; i < s; i++ {
			if c := src[off+i]; c <= v.volumeStepZ[dst+i] {
				v.volumeStepZ[dst+i] = c
				v.volumeBestZ[dst+i] = int32(z)
			}
		}
	}

	*srcp = nil
	return nil
}

// SGMOptimizeVolumeStepZ regularises the reduced volume. The window maps
// volume cells to pixels of the rc image at the given scale.
func (v *SGMVolume) SGMOptimizeVolumeStepZ(rc, volStepXY, volLUX, volLUY, scale int) error {
	if v.volumeStepZ == nil {
		return ErrVolumeNotReduced
	}
	w := Window{
		StepXY: volStepXY,
		LUX:    volLUX,
		LUY:    volLUY,
		Scale:  scale,
		DimX:   v.volDimX,
		DimY:   v.volDimY,
	}
	return v.backend.OptimizeVolume(rc, v.volumeStepZ, v.volDimX, v.volDimY, v.ReducedDimZ(), w, v.params.P1, v.params.P2)
}

// GetOrigVolumeBestIdValFromVolumeStepZ returns, per pixel, the original
// plane and the cost of the best reduced slice, skipping zborder slices at
// both ends. Pixels without any cost below 255 get ID -1.
func (v *SGMVolume) GetOrigVolumeBestIdValFromVolumeStepZ(zborder int) ([]models.IDValue, error) {
	if v.volumeStepZ == nil {
		return nil, ErrVolumeNotReduced
	}
	s := v.sliceSize()
	out := make([]models.IDValue, s)
	for i := range out {
		out[i] = models.IDValue{ID: -1, Value: maxCost}
	}

	zs := v.ReducedDimZ()
	for z := max(0, zborder); z < zs-zborder; z++ {
		off := z * s
		for i := 0; i < s; i++ {
			if c := float32(v.volumeStepZ[off+i]); c < out[i].Value {
				out[i] = models.IDValue{ID: int(v.volumeBestZ[off+i]), Value: c}
			}
		}
	}
	return out, nil
}

// GetZSlice returns a copy of layer z, from the reduced volume once it exists.
func (v *SGMVolume) GetZSlice(z int) []uint8 {
	src, dimZ := v.volume, v.volDimZ
	if v.volumeStepZ != nil {
		src, dimZ = v.volumeStepZ, v.ReducedDimZ()
	}
	if z < 0 || z >= dimZ {
		panic(fmt.Sprintf("planesweep: slice %d outside [0, %d)", z, dimZ))
	}
	s := v.sliceSize()
	out := make([]uint8, s)
	copy(out, src[z*s:(z+1)*s])
	return out
}

// ShowVolume logs min, mean and max cost of every layer.
func (v *SGMVolume) ShowVolume() {
	dimZ := v.volDimZ
	if v.volumeStepZ != nil {
		dimZ = v.ReducedDimZ()
	}
	vals := make([]float64, v.sliceSize())
	for z := 0; z < dimZ; z++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for i, c := range v.GetZSlice(z) {
			f := float64(c)
			vals[i] = f
			lo = math.Min(lo, f)
			hi = math.Max(hi, f)
		}
		v.logger.Debug("volume slice", "z", z, "min", lo, "mean", stat.Mean(vals, nil), "max", hi)
	}
}
