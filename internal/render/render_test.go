package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/neuroslice/server/internal/slice"
	"github.com/neuroslice/server/internal/threshold"
	"github.com/neuroslice/server/internal/volume"
)

var overlayRed = color.RGBA{R: 255, G: 0, B: 0, A: 255}

func filledVolume(t *testing.T, dims [3]int, fill float32) *volume.Volume {
	t.Helper()
	data := make([]float32, dims[0]*dims[1]*dims[2])
	for i := range data {
		data[i] = fill
	}
	vol, err := volume.New(data, dims, [3]float64{2, 2, 2})
	if err != nil {
		t.Fatalf("volume.New: %v", err)
	}
	return vol
}

func TestPasses(t *testing.T) {
	th := threshold.Result{Value: 3, Defined: true}
	tests := []struct {
		name  string
		raw   float32
		th    threshold.Result
		style Style
		want  bool
	}{
		{"positiveAboveThreshold", 5, th, Style{PositiveOnly: true}, true},
		{"negativeBlockedByPositiveOnly", -5, th, Style{PositiveOnly: true, UseAbsolute: true}, false},
		{"negativeWithoutAbsolute", -5, th, Style{}, false},
		{"negativeWithAbsolute", -5, th, Style{UseAbsolute: true}, true},
		{"equalToThreshold", 3, th, Style{}, true},
		{"belowThreshold", 2.9, th, Style{}, false},
		{"undefinedThresholdPositive", 0.1, threshold.Result{}, Style{}, true},
		{"undefinedThresholdZero", 0, threshold.Result{}, Style{}, false},
		{"undefinedThresholdAbsolute", -1, threshold.Result{}, Style{UseAbsolute: true}, true},
		{"nanNeverPasses", float32(math.NaN()), th, Style{UseAbsolute: true}, false},
		{"nanUndefinedThreshold", float32(math.NaN()), threshold.Result{}, Style{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Passes(tt.raw, tt.th, tt.style); got != tt.want {
				t.Fatalf("Passes(%v) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

// The end-to-end scenario: a uniform atlas-grid background with one
// supra-threshold overlay voxel.
func TestComposite_SingleOverlayVoxel(t *testing.T) {
	dims := [3]int{91, 109, 91}
	bg := filledVolume(t, dims, 100)
	ov := filledVolume(t, dims, 0)
	ov.Data[ov.Index(50, 60, 40)] = 10
	ov.Max = 10

	cfg := threshold.Config{Mode: threshold.ModeValue, Value: 5}
	img := Composite(Input{
		Background: slice.Extract(bg, slice.Axial, 40),
		BgMin:      bg.Min,
		BgRange:    bg.ValueRange(),
		Overlay:    slice.Extract(ov, slice.Axial, 40),
		Threshold:  threshold.Compute(ov, cfg),
		Style:      Style{Alpha: 1, PositiveOnly: true},
		Color:      overlayRed,
	})

	if b := img.Bounds(); b.Dx() != 91 || b.Dy() != 109 {
		t.Fatalf("image size = %v", b)
	}

	// Degenerate background range: (100-100)/1 -> gray 0.
	gray := color.RGBA{0, 0, 0, 255}
	// Voxel (50, 60) lands at (w-1-50, h-1-60) after the x mirror and row flip.
	hotX, hotY := 91-1-50, 109-1-60
	for y := 0; y < 109; y++ {
		for x := 0; x < 91; x++ {
			got := img.RGBAAt(x, y)
			if x == hotX && y == hotY {
				if got != overlayRed {
					t.Fatalf("overlay pixel = %#v, want %#v", got, overlayRed)
				}
				continue
			}
			if got != gray {
				t.Fatalf("pixel (%d,%d) = %#v, want background %#v", x, y, got, gray)
			}
		}
	}
}

func TestComposite_BackgroundGrayScale(t *testing.T) {
	vol := filledVolume(t, [3]int{3, 1, 1}, 0)
	vol.Data = []float32{10, 15, 20}
	vol.Min, vol.Max = 10, 20

	img := Composite(Input{
		Background: slice.Extract(vol, slice.Axial, 0),
		BgMin:      vol.Min,
		BgRange:    vol.ValueRange(),
	})
	// Mirrored: leftmost pixel is x=2 (value 20).
	want := []uint8{255, 127, 0}
	for x, w := range want {
		if got := img.RGBAAt(x, 0); got.R != w || got.G != w || got.B != w || got.A != 255 {
			t.Errorf("pixel %d = %#v, want gray %d", x, got, w)
		}
	}
}

func TestComposite_BackgroundLeadingNaN(t *testing.T) {
	nan := float32(math.NaN())
	vol, err := volume.New([]float32{nan, 50, 100, 150}, [3]int{4, 1, 1}, [3]float64{2, 2, 2})
	if err != nil {
		t.Fatalf("volume.New: %v", err)
	}
	if vol.Min != 50 || vol.Max != 150 {
		t.Fatalf("range = [%v, %v], want [50, 150]", vol.Min, vol.Max)
	}

	img := Composite(Input{
		Background: slice.Extract(vol, slice.Axial, 0),
		BgMin:      vol.Min,
		BgRange:    vol.ValueRange(),
	})
	// Mirrored: pixel 0 is x=3, the NaN voxel x=0 lands on pixel 3.
	want := []uint8{255, 127, 0, 0}
	for x, w := range want {
		if got := img.RGBAAt(x, 0); got.R != w || got.G != w || got.B != w {
			t.Errorf("pixel %d = %#v, want gray %d", x, got, w)
		}
	}
}

func TestComposite_AlphaBlend(t *testing.T) {
	bg := filledVolume(t, [3]int{2, 2, 1}, 1)
	bg.Min, bg.Max = 0, 1
	ov := filledVolume(t, [3]int{2, 2, 1}, 4)

	img := Composite(Input{
		Background: slice.Extract(bg, slice.Axial, 0),
		BgMin:      bg.Min,
		BgRange:    bg.ValueRange(),
		Overlay:    slice.Extract(ov, slice.Axial, 0),
		Threshold:  threshold.Result{Value: 1, Defined: true},
		Style:      Style{Alpha: 0.25},
		Color:      color.RGBA{R: 255, G: 0, B: 55, A: 255},
	})
	// 0.75*255 + 0.25*255 = 255; 0.75*255 + 0 = 191.25; 0.75*255 + 0.25*55 = 205.
	want := color.RGBA{R: 255, G: 191, B: 205, A: 255}
	if got := img.RGBAAt(0, 0); got != want {
		t.Fatalf("blended pixel = %#v, want %#v", got, want)
	}
}

func TestComposite_IsPure(t *testing.T) {
	dims := [3]int{13, 17, 11}
	bg := filledVolume(t, dims, 0)
	ov := filledVolume(t, dims, 0)
	for i := range bg.Data {
		bg.Data[i] = float32(i % 97)
		ov.Data[i] = float32(i%23) - 11
	}
	bg.Min, bg.Max = 0, 96

	in := Input{
		Background: slice.Extract(bg, slice.Coronal, 8),
		BgMin:      bg.Min,
		BgRange:    bg.ValueRange(),
		Overlay:    slice.Extract(ov, slice.Coronal, 8),
		Threshold:  threshold.Compute(ov, threshold.Config{Mode: threshold.ModePercentile, Percentile: 60}),
		Style:      Style{Alpha: 0.6, UseAbsolute: true},
		Color:      overlayRed,
	}
	a := Composite(in)
	b := Composite(in)
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Fatal("identical inputs produced different pixel buffers")
	}
}

func TestComposite_MismatchedOverlayIgnored(t *testing.T) {
	bg := filledVolume(t, [3]int{10, 12, 8}, 0)
	for i := range bg.Data {
		bg.Data[i] = float32(i % 7)
	}
	bg.Min, bg.Max = 0, 6
	ov := filledVolume(t, [3]int{12, 10, 8}, 50)

	for _, axis := range slice.Axes {
		base := Input{
			Background: slice.Extract(bg, axis, 3),
			BgMin:      bg.Min,
			BgRange:    bg.ValueRange(),
			Style:      Style{Alpha: 1},
			Color:      overlayRed,
		}
		withOverlay := base
		withOverlay.Overlay = slice.Extract(ov, axis, 3)
		withOverlay.Threshold = threshold.Result{Value: 1, Defined: true}

		if withOverlay.Overlay.SameSize(base.Background) {
			t.Fatalf("%s: expected planes of different size", axis)
		}
		plain := Composite(base)
		mixed := Composite(withOverlay)
		if !bytes.Equal(plain.Pix, mixed.Pix) {
			t.Errorf("%s: mismatched overlay changed the output", axis)
		}
	}
}

func TestComposite_OverlayAlone(t *testing.T) {
	ov := filledVolume(t, [3]int{3, 3, 3}, 2)
	img := Composite(Input{
		Overlay:   slice.Extract(ov, slice.Sagittal, 1),
		Threshold: threshold.Result{Value: 1, Defined: true},
		Style:     Style{Alpha: 0.5},
		Color:     color.RGBA{R: 200, G: 100, B: 0, A: 255},
	})
	want := color.RGBA{R: 100, G: 50, B: 0, A: 255}
	if got := img.RGBAAt(1, 1); got != want {
		t.Fatalf("overlay over black = %#v, want %#v", got, want)
	}
}

func TestRenderer_DisplayAndEncode(t *testing.T) {
	r := NewRenderer(Config{
		OverlayColor:   overlayRed,
		CrosshairColor: color.RGBA{G: 255, A: 255},
	})
	vol := filledVolume(t, [3]int{20, 10, 5}, 1)
	plane := slice.Extract(vol, slice.Axial, 2)
	native := r.Composite(Input{Background: plane, BgMin: 0, BgRange: 1})

	canvas, layout := r.Display(native, plane, [3]int{5, 5, 2}, 100, 100)
	if b := canvas.Bounds(); b.Dx() != 100 || b.Dy() != 100 {
		t.Fatalf("canvas size = %v", b)
	}
	if layout.DrawW != 100 || layout.DrawH != 50 || layout.OffsetY != 25 {
		t.Fatalf("layout = %+v", layout)
	}
	if got := canvas.RGBAAt(2, 2); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("letterbox margin = %#v, want black", got)
	}

	data, err := r.EncodePNG(canvas)
	if err != nil {
		t.Fatalf("EncodePNG: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if decoded.Bounds() != image.Rect(0, 0, 100, 100) {
		t.Fatalf("decoded bounds = %v", decoded.Bounds())
	}
}
