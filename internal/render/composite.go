package render

import (
	"image"
	"image/color"
	"math"

	"github.com/neuroslice/server/internal/slice"
	"github.com/neuroslice/server/internal/threshold"
	"github.com/neuroslice/server/pkg/colormap"
)

// Style controls how the overlay is blended.
type Style struct {
	Alpha        float64 `json:"alpha" yaml:"alpha"`
	PositiveOnly bool    `json:"positive_only" yaml:"positive_only"`
	UseAbsolute  bool    `json:"use_absolute" yaml:"use_absolute"`
}

// Input is everything that determines one composited plane.
type Input struct {
	Background *slice.Plane
	BgMin      float32
	BgRange    float32

	Overlay   *slice.Plane
	Threshold threshold.Result
	Style     Style
	Color     color.RGBA
}

// Passes reports whether an overlay sample is drawn. NaN never passes.
func Passes(raw float32, th threshold.Result, style Style) bool {
	if math.IsNaN(float64(raw)) {
		return false
	}
	if style.PositiveOnly && raw <= 0 {
		return false
	}
	effective := raw
	if style.UseAbsolute && raw < 0 {
		effective = -raw
	}
	if !th.Defined {
		return effective > 0
	}
	return effective >= th.Value
}

// Composite blends the background plane in gray with the thresholded
// overlay in Color. Rows are flipped so that the high end of the vertical
// axis is at the top of the image. The result depends only on in.
func Composite(in Input) *image.RGBA {
	base := in.Background
	if base == nil {
		base = in.Overlay
	}
	if base == nil {
		return image.NewRGBA(image.Rect(0, 0, 0, 0))
	}
	w, h := base.W, base.H
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	bg := in.Background
	if bg != nil && (bg.W != w || bg.H != h) {
		bg = nil
	}
	ov := in.Overlay
	if ov != nil && (ov.W != w || ov.H != h) {
		ov = nil
	}

	bgRange := in.BgRange
	if bgRange == 0 {
		bgRange = 1
	}
	alpha := math.Max(0, math.Min(1, in.Style.Alpha))

	for v := 0; v < h; v++ {
		srcV := h - 1 - v
		row := img.Pix[v*img.Stride:]
		for u := 0; u < w; u++ {
			var px color.RGBA
			if bg != nil {
				t := float64((bg.At(u, srcV) - in.BgMin) / bgRange)
				if math.IsNaN(t) {
					t = 0
				}
				px = colormap.Gray.RGBAAt(t)
			} else {
				px = color.RGBA{A: 255}
			}

			if ov != nil && Passes(ov.At(u, srcV), in.Threshold, in.Style) {
				px.R = blend(px.R, in.Color.R, alpha)
				px.G = blend(px.G, in.Color.G, alpha)
				px.B = blend(px.B, in.Color.B, alpha)
			}

			i := u * 4
			row[i] = px.R
			row[i+1] = px.G
			row[i+2] = px.B
			row[i+3] = 255
		}
	}
	return img
}

func blend(bg, fg uint8, alpha float64) uint8 {
	return uint8(math.Round((1-alpha)*float64(bg) + alpha*float64(fg)))
}
