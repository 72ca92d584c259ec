package models

import (
	"github.com/golang/geo/r3"
)

// DepthMap is a per-pixel depth buffer of one reference camera at a given scale.
// Depth is the Euclidean distance from the camera centre; values <= 0 are invalid.
type DepthMap struct {
	// Data holds Width*Height values in row-major order
	Data []float32

	// Width and Height are the map dimensions in pixels
	Width  int
	Height int
}

// InvalidDepth is written into depth maps for removed or unknown pixels.
const InvalidDepth float32 = -1

// InvalidSim is the similarity stored alongside an invalid depth.
const InvalidSim float32 = 1

// NewDepthMap allocates a map filled with fill.
func NewDepthMap(width, height int, fill float32) *DepthMap {
	d := &DepthMap{
		Data:   make([]float32, width*height),
		Width:  width,
		Height: height,
	}
	if fill != 0 {
		for i := range d.Data {
			d.Data[i] = fill
		}
	}
	return d
}

// At returns the value at pixel (x, y).
func (d *DepthMap) At(x, y int) float32 {
	return d.Data[y*d.Width+x]
}

// Set stores v at pixel (x, y).
func (d *DepthMap) Set(x, y int, v float32) {
	d.Data[y*d.Width+x] = v
}

// Clone returns a deep copy so that filters never write into a borrowed map.
func (d *DepthMap) Clone() *DepthMap {
	out := &DepthMap{Width: d.Width, Height: d.Height, Data: make([]float32, len(d.Data))}
	copy(out.Data, d.Data)
	return out
}

// CountValid returns the number of pixels holding a positive depth.
func (d *DepthMap) CountValid() int {
	n := 0
	for _, v := range d.Data {
		if v > 0 {
			n++
		}
	}
	return n
}

// SimMap has the same layout as DepthMap. Lower is better; values >= 1 mark a
// weakly supported point.
type SimMap = DepthMap

// ModalsMap holds, per depth map pixel, the number of neighbour cameras that
// corroborate it. Same layout as DepthMap.Data.
type ModalsMap = []uint8

// IDValue is the best original depth-plane index and its cost for one pixel.
type IDValue struct {
	ID    int
	Value float32
}

// PointCams is a fused 3D point together with the cameras that observe it
// consistently, kept in insertion order.
type PointCams struct {
	Point r3.Vector
	Cams  []int
}

// Voxel holds the number of partitions along each hexahedron axis.
type Voxel struct {
	X, Y, Z int
}

// Hexahedron is an 8-corner region. Corners 0-3 form the first face and 4-7 the
// opposite one, so h[1]-h[0], h[3]-h[0] and h[4]-h[0] span the box.
type Hexahedron [8]r3.Vector

// Center returns the mean of the eight corners.
func (h Hexahedron) Center() r3.Vector {
	var c r3.Vector
	for _, p := range h {
		c = c.Add(p)
	}
	return c.Mul(1.0 / 8.0)
}
