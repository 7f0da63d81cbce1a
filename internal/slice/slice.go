// Package slice exposes axis-aligned planes of a volume.
package slice

import (
	"fmt"
	"strings"

	"github.com/neuroslice/server/internal/coords"
	"github.com/neuroslice/server/internal/volume"
)

// Axis is the plane orientation, named by the volume axis it holds fixed.
type Axis int

const (
	Sagittal Axis = iota // fixed x
	Coronal              // fixed y
	Axial                // fixed z
)

// Axes lists the three planes in display order.
var Axes = []Axis{Sagittal, Coronal, Axial}

func (a Axis) String() string {
	switch a {
	case Sagittal:
		return "sagittal"
	case Coronal:
		return "coronal"
	case Axial:
		return "axial"
	default:
		return fmt.Sprintf("plane(%d)", int(a))
	}
}

// ParseAxis accepts plane names or the fixed axis letter.
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sagittal", "x":
		return Sagittal, nil
	case "coronal", "y":
		return Coronal, nil
	case "axial", "z":
		return Axial, nil
	}
	return 0, fmt.Errorf("unknown plane axis: %q", s)
}

// Fixed returns the volume axis held constant by the plane.
func (a Axis) Fixed() coords.Axis {
	return coords.Axis(a)
}

// InPlane returns the volume axes along u and v.
func (a Axis) InPlane() (u, v coords.Axis) {
	switch a {
	case Sagittal:
		return coords.Y, coords.Z
	case Coronal:
		return coords.X, coords.Z
	default:
		return coords.X, coords.Y
	}
}

// Plane samples one orthogonal cross-section of a volume. The in-plane
// coordinate running along volume x is mirrored so that positive x is
// drawn on the right.
type Plane struct {
	Axis  Axis
	Index int
	W, H  int

	vol     *volume.Volume
	mirrorU bool
}

// Extract returns the plane at index along axis. The index is clamped into
// the volume.
func Extract(vol *volume.Volume, axis Axis, index int) *Plane {
	fixed := axis.Fixed()
	if index < 0 {
		index = 0
	}
	if index > vol.Dims[fixed]-1 {
		index = vol.Dims[fixed] - 1
	}
	ua, va := axis.InPlane()
	return &Plane{
		Axis:    axis,
		Index:   index,
		W:       vol.Dims[ua],
		H:       vol.Dims[va],
		vol:     vol,
		mirrorU: ua == coords.X,
	}
}

// VoxelFor returns the voxel read for in-plane coordinate (u, v).
func (p *Plane) VoxelFor(u, v int) [3]int {
	if p.mirrorU {
		u = p.W - 1 - u
	}
	var ijk [3]int
	ua, va := p.Axis.InPlane()
	ijk[p.Axis.Fixed()] = p.Index
	ijk[ua] = u
	ijk[va] = v
	return ijk
}

// InPlane projects a voxel position onto the plane's (u, v) coordinates.
func (p *Plane) InPlane(ijk [3]int) (u, v int) {
	ua, va := p.Axis.InPlane()
	u, v = ijk[ua], ijk[va]
	if p.mirrorU {
		u = p.W - 1 - u
	}
	return u, v
}

// At samples the plane at (u, v).
func (p *Plane) At(u, v int) float32 {
	ijk := p.VoxelFor(u, v)
	return p.vol.Data[p.vol.Index(ijk[0], ijk[1], ijk[2])]
}

// SameSize reports whether two planes have equal extents.
func (p *Plane) SameSize(o *Plane) bool {
	return p != nil && o != nil && p.W == o.W && p.H == o.H
}

// Size returns the plane extents.
func (p *Plane) Size() (w, h int) {
	return p.W, p.H
}
