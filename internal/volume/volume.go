// Package volume decodes scalar volumes from single-file NIfTI-1 containers.
package volume

import (
	"math"

	"github.com/neuroslice/server/internal/coords"
)

// Volume is a decoded scalar volume in row-major order with strides
// (1, nx, nx*ny).
type Volume struct {
	Data    []float32
	Dims    [3]int
	Spacing [3]float64
	Min     float32
	Max     float32

	// Mapper is selected once when the volume is decoded.
	Mapper coords.Mapper
}

// New builds a Volume from already normalised data, computing the value
// range and selecting the coordinate mapper.
func New(data []float32, dims [3]int, spacing [3]float64) (*Volume, error) {
	for _, n := range dims {
		if n <= 0 {
			return nil, &InvalidDimensionsError{Dims: dims}
		}
	}
	if len(data) != dims[0]*dims[1]*dims[2] {
		return nil, &FormatError{Reason: "data length does not match dimensions"}
	}
	minV, maxV := valueRange(data)
	return &Volume{
		Data:    data,
		Dims:    dims,
		Spacing: spacing,
		Min:     minV,
		Max:     maxV,
		Mapper:  coords.Select(dims, spacing),
	}, nil
}

// Voxels returns nx*ny*nz.
func (v *Volume) Voxels() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

// Index returns the flat offset of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return x + y*v.Dims[0] + z*v.Dims[0]*v.Dims[1]
}

// At returns the value at voxel (x, y, z).
func (v *Volume) At(x, y, z int) float32 {
	return v.Data[v.Index(x, y, z)]
}

// SameGrid reports whether two volumes share dimensions.
func (v *Volume) SameGrid(o *Volume) bool {
	return v != nil && o != nil && v.Dims == o.Dims
}

// ValueRange returns max-min, or 1 when the range is degenerate.
func (v *Volume) ValueRange() float32 {
	r := v.Max - v.Min
	if r == 0 {
		return 1
	}
	return r
}

// valueRange skips NaN and infinite samples; a volume with no finite
// sample reports (0, 0).
func valueRange(data []float32) (float32, float32) {
	var minV, maxV float32
	seen := false
	for _, x := range data {
		if !finite(x) {
			continue
		}
		if !seen {
			minV, maxV, seen = x, x, true
			continue
		}
		if x < minV {
			minV = x
		}
		if x > maxV {
			maxV = x
		}
	}
	return minV, maxV
}

func finite(x float32) bool {
	return !math.IsNaN(float64(x)) && !math.IsInf(float64(x), 0)
}
