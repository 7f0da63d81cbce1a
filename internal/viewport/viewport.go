// Package viewport fits a native-resolution plane into a display area and
// maps screen points back to plane pixels.
package viewport

import "math"

// Layout is the letterboxed placement of a w x h plane in an area.
type Layout struct {
	W, H           int
	AvailW, AvailH int
	Scale          float64
	DrawW, DrawH   int
	OffsetX        int
	OffsetY        int
}

// Fit computes the aspect-preserving layout. A non-positive availH is
// derived from availW and the plane's aspect ratio.
func Fit(w, h, availW, availH int) Layout {
	if w <= 0 || h <= 0 {
		return Layout{W: w, H: h, AvailW: availW, AvailH: availH}
	}
	if availW <= 0 {
		availW = w
	}
	if availH <= 0 {
		availH = int(math.Round(float64(availW) * float64(h) / float64(w)))
	}
	scale := math.Min(float64(availW)/float64(w), float64(availH)/float64(h))
	drawW := int(math.Round(float64(w) * scale))
	drawH := int(math.Round(float64(h) * scale))
	return Layout{
		W:       w,
		H:       h,
		AvailW:  availW,
		AvailH:  availH,
		Scale:   scale,
		DrawW:   drawW,
		DrawH:   drawH,
		OffsetX: floorDiv(availW-drawW, 2),
		OffsetY: floorDiv(availH-drawH, 2),
	}
}

// Contains reports whether a screen point lies on the drawn rectangle,
// edges included.
func (l Layout) Contains(sx, sy float64) bool {
	return sx >= float64(l.OffsetX) && sx <= float64(l.OffsetX+l.DrawW) &&
		sy >= float64(l.OffsetY) && sy <= float64(l.OffsetY+l.DrawH)
}

// ToScreen returns the screen position of the centre of image pixel (px, py).
func (l Layout) ToScreen(px, py int) (sx, sy float64) {
	sx = float64(l.OffsetX) + (float64(px)+0.5)*float64(l.DrawW)/float64(l.W)
	sy = float64(l.OffsetY) + (float64(py)+0.5)*float64(l.DrawH)/float64(l.H)
	return sx, sy
}

// ToPixel inverts the scale for a screen point. ok is false when the point
// falls outside the drawn rectangle.
func (l Layout) ToPixel(sx, sy float64) (px, py int, ok bool) {
	if l.DrawW <= 0 || l.DrawH <= 0 || !l.Contains(sx, sy) {
		return 0, 0, false
	}
	px = int(math.Floor((sx - float64(l.OffsetX)) * float64(l.W) / float64(l.DrawW)))
	py = int(math.Floor((sy - float64(l.OffsetY)) * float64(l.H) / float64(l.DrawH)))
	return clamp(px, l.W), clamp(py, l.H), true
}

func floorDiv(a, b int) int {
	return int(math.Floor(float64(a) / float64(b)))
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

// Planar is the part of a slice plane the scaler needs: its size and the
// in-plane mapping with the x-mirror applied.
type Planar interface {
	VoxelFor(u, v int) [3]int
	InPlane(ijk [3]int) (u, v int)
	Size() (w, h int)
}

// Crosshair returns the screen position of a voxel position projected onto
// the plane, using the same vertical flip as the compositor.
func (l Layout) Crosshair(p Planar, ijk [3]int) (sx, sy float64) {
	_, h := p.Size()
	u, v := p.InPlane(ijk)
	return l.ToScreen(u, h-1-v)
}

// Click resolves a screen point to the voxel it shows. ok is false when the
// point is outside the drawn image.
func (l Layout) Click(p Planar, sx, sy float64) (ijk [3]int, ok bool) {
	px, py, ok := l.ToPixel(sx, sy)
	if !ok {
		return ijk, false
	}
	_, h := p.Size()
	return p.VoxelFor(px, h-1-py), true
}
