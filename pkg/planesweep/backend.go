package planesweep

// Window maps volume cells to pixels of a reference image: cell (x, y) is
// pixel (LUX + x*StepXY, LUY + y*StepXY) of the image downscaled by Scale.
type Window struct {
	StepXY int
	LUX    int
	LUY    int
	Scale  int

	// DimX and DimY are the number of cells along each axis
	DimX int
	DimY int
}

// pixel returns the scaled image coordinates of cell (x, y).
func (w Window) pixel(x, y int) (int, int) {
	step := max(1, w.StepXY)
	return w.LUX + x*step, w.LUY + y*step
}

func (w Window) scale() int {
	return max(1, w.Scale)
}

// ComputeBackend is the compute capability the volume drives: pairwise cost
// volumes and element-wise reductions. Volumes are z-major uint8 buffers.
type ComputeBackend interface {
	// ComputeCostVolume returns the costs of planes [zFrom, zFrom+nZSteps)
	// of depths between rc and tc for every cell of window.
	ComputeCostVolume(rc, tc int, depths []float32, zFrom, nZSteps int, window Window) ([]uint8, error)

	// ReduceMin stores min(dst, src) in dst.
	ReduceMin(dst, src []uint8)

	// ReduceSecondMin keeps the two lowest costs seen per cell.
	ReduceSecondMin(best, second, src []uint8)

	// ReduceAvg folds src into the mean of n previous contributions held in dst.
	ReduceAvg(dst, src []uint8, n int)

	// OptimizeVolume regularises vol in place.
	OptimizeVolume(rc int, vol []uint8, dimX, dimY, dimZ int, window Window, p1, p2 int) error
}
