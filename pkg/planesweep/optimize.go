package planesweep

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"golang.org/x/sync/errgroup"
)

// OptimizeVolume runs a four path semi-global aggregation over vol. P2 is
// lowered across intensity edges of the rc image: P2' = max(P1+1, P2*(1-|dI|)).
// The result is the mean of the path costs clamped to [0, 255].
func (b *CPUBackend) OptimizeVolume(rc int, vol []uint8, dimX, dimY, dimZ int, window Window, p1, p2 int) error {
	slice := dimX * dimY
	if len(vol) != slice*dimZ {
		return fmt.Errorf("%w: got %d cells, want %dx%dx%d", ErrSizeMismatch, len(vol), dimX, dimY, dimZ)
	}
	img, err := b.image(rc, window.scale())
	if err != nil {
		return err
	}

	intensity := make([]float32, slice)
	for y := 0; y < dimY; y++ {
		for x := 0; x < dimX; x++ {
			px, py := window.pixel(x, y)
			px = min(max(px, 0), img.w-1)
			py = min(max(py, 0), img.h-1)
			intensity[y*dimX+x] = img.at(px, py)
		}
	}

	a := &sgmAggregator{
		vol:       vol,
		acc:       make([]int32, len(vol)),
		intensity: intensity,
		slice:     slice,
		dimZ:      dimZ,
		p1:        int32(p1),
		p2:        float32(p2),
	}

	// horizontal and vertical paths touch disjoint cells within one phase
	var g errgroup.Group
	g.SetLimit(b.workers)
	for y := 0; y < dimY; y++ {
		y := y
		g.Go(func() error {
			cells := make([]int, dimX)
			for x := range cells {
				cells[x] = y*dimX + x
			}
			a.path(cells)
			reverse(cells)
			a.path(cells)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for x := 0; x < dimX; x++ {
		x := x
		g.Go(func() error {
			cells := make([]int, dimY)
			for y := range cells {
				cells[y] = y*dimX + x
			}
			a.path(cells)
			reverse(cells)
			a.path(cells)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, s := range a.acc {
		vol[i] = uint8(min(max((s+2)/4, 0), maxCost))
	}
	return nil
}

type sgmAggregator struct {
	vol       []uint8
	acc       []int32
	intensity []float32
	slice     int
	dimZ      int
	p1        int32
	p2        float32
}

// path accumulates the path cost along cells into acc.
func (a *sgmAggregator) path(cells []int) {
	prev := make([]int32, a.dimZ)
	cur := make([]int32, a.dimZ)
	var prevMin int32

	for k, c := range cells {
		curMin := int32(math.MaxInt32)
		if k == 0 {
			for z := range cur {
				cur[z] = int32(a.vol[z*a.slice+c])
				curMin = min(curMin, cur[z])
			}
		} else {
			dI := math32.Abs(a.intensity[c] - a.intensity[cells[k-1]])
			p2 := max(a.p1+1, int32(math32.Round(a.p2*(1-dI))))
			jump := prevMin + p2
			for z := range cur {
				best := min(prev[z], jump)
				if z > 0 {
					best = min(best, prev[z-1]+a.p1)
				}
				if z < a.dimZ-1 {
					best = min(best, prev[z+1]+a.p1)
				}
				cur[z] = int32(a.vol[z*a.slice+c]) + best - prevMin
				curMin = min(curMin, cur[z])
			}
		}
		for z, v := range cur {
			a.acc[z*a.slice+c] += v
		}
		prevMin = curMin
		prev, cur = cur, prev
	}
}

func reverse(s []int) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
