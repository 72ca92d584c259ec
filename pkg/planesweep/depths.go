package planesweep

// DepthsUniformInverse returns n depths between minDepth and maxDepth spaced
// uniformly in inverse depth, nearest first.
func DepthsUniformInverse(minDepth, maxDepth float64, n int) []float32 {
	if n <= 0 || minDepth <= 0 || maxDepth <= minDepth {
		return nil
	}
	if n == 1 {
		return []float32{float32(minDepth)}
	}
	near, far := 1/minDepth, 1/maxDepth
	step := (near - far) / float64(n-1)
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(1 / (near - float64(i)*step))
	}
	out[n-1] = float32(maxDepth)
	return out
}
