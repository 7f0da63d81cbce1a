// Package coords converts between voxel indices and millimetre coordinates
// in stereotactic space.
package coords

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Axis names one of the three volume axes.
type Axis int

const (
	X Axis = iota
	Y
	Z
)

// String returns the lower-case axis letter.
func (a Axis) String() string {
	switch a {
	case X:
		return "x"
	case Y:
		return "y"
	case Z:
		return "z"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// Variant identifies which transform a Mapper implements.
type Variant string

const (
	VariantCanonicalAtlas Variant = "canonical_atlas"
	VariantGeneric        Variant = "generic"
)

// Mapper maps voxel indices to millimetres and back along one axis at a time.
// A Mapper is bound to the grid it was selected for.
type Mapper interface {
	Forward(i int, axis Axis) float64
	Inverse(mm float64, axis Axis) int
	Variant() Variant
	// Affine returns the 4x4 voxel-to-millimetre matrix.
	Affine() *mat.Dense
}

// Canonical atlas grid parameters.
var (
	atlasDims     = [3]int{91, 109, 91}
	atlasSpacing  = 2.0
	atlasSpacingT = 1e-3
)

// IsCanonicalAtlas reports whether a grid is the 91x109x91 2mm atlas grid.
func IsCanonicalAtlas(dims [3]int, spacing [3]float64) bool {
	if dims != atlasDims {
		return false
	}
	for _, s := range spacing {
		if math.Abs(s-atlasSpacing) > atlasSpacingT {
			return false
		}
	}
	return true
}

// Select picks the transform for a grid. It is meant to be called once per
// loaded volume.
func Select(dims [3]int, spacing [3]float64) Mapper {
	if IsCanonicalAtlas(dims, spacing) {
		return NewCanonicalAtlas()
	}
	return NewGeneric(dims, spacing)
}

// CanonicalAtlas is the published affine of the 2mm stereotactic grid.
type CanonicalAtlas struct {
	affine *mat.Dense
}

// NewCanonicalAtlas returns the fixed atlas transform.
func NewCanonicalAtlas() *CanonicalAtlas {
	return &CanonicalAtlas{
		affine: mat.NewDense(4, 4, []float64{
			-2, 0, 0, 90,
			0, 2, 0, -126,
			0, 0, 2, -72,
			0, 0, 0, 1,
		}),
	}
}

// Forward evaluates one row of the affine.
func (c *CanonicalAtlas) Forward(i int, axis Axis) float64 {
	r := int(axis)
	return c.affine.At(r, r)*float64(i) + c.affine.At(r, 3)
}

// Inverse rounds to the nearest atlas index and clamps into the grid.
func (c *CanonicalAtlas) Inverse(mm float64, axis Axis) int {
	var i int
	switch axis {
	case X:
		i = roundHalfUp((90 - mm) / 2)
	case Y:
		i = roundHalfUp((mm + 126) / 2)
	default:
		i = roundHalfUp((mm + 72) / 2)
	}
	return clamp(i, atlasDims[axis])
}

func (c *CanonicalAtlas) Variant() Variant { return VariantCanonicalAtlas }

func (c *CanonicalAtlas) Affine() *mat.Dense {
	return mat.DenseCopyOf(c.affine)
}

// axisSign is a display policy: x decreases with index so that the right
// hemisphere is drawn on the right; y and z are anterior/superior positive.
var axisSign = [3]float64{-1, 1, 1}

// Generic centres the grid on floor(n/2) and scales by voxel spacing.
type Generic struct {
	dims    [3]int
	spacing [3]float64
}

// NewGeneric returns the centred transform for an arbitrary grid.
func NewGeneric(dims [3]int, spacing [3]float64) *Generic {
	return &Generic{dims: dims, spacing: spacing}
}

func (g *Generic) center(axis Axis) int {
	return g.dims[axis] / 2
}

func (g *Generic) Forward(i int, axis Axis) float64 {
	return axisSign[axis] * float64(i-g.center(axis)) * g.spacing[axis]
}

func (g *Generic) Inverse(mm float64, axis Axis) int {
	i := roundHalfUp(axisSign[axis]*mm/g.spacing[axis] + float64(g.center(axis)))
	return clamp(i, g.dims[axis])
}

func (g *Generic) Variant() Variant { return VariantGeneric }

func (g *Generic) Affine() *mat.Dense {
	a := mat.NewDense(4, 4, nil)
	for r := 0; r < 3; r++ {
		scale := axisSign[r] * g.spacing[r]
		a.Set(r, r, scale)
		a.Set(r, 3, -scale*float64(g.center(Axis(r))))
	}
	a.Set(3, 3, 1)
	return a
}

// DisplayCoordinate converts a full voxel position to millimetres by
// applying the mapper's affine.
func DisplayCoordinate(m Mapper, ijk [3]int) [3]float64 {
	v := mat.NewVecDense(4, []float64{float64(ijk[0]), float64(ijk[1]), float64(ijk[2]), 1})
	var out mat.VecDense
	out.MulVec(m.Affine(), v)
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

func roundHalfUp(x float64) int {
	return int(math.Floor(x + 0.5))
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}
