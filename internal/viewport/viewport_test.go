package viewport

import (
	"math"
	"testing"

	"github.com/neuroslice/server/internal/slice"
	"github.com/neuroslice/server/internal/volume"
)

func TestFit_Letterbox(t *testing.T) {
	tests := []struct {
		name           string
		w, h           int
		availW, availH int
		want           Layout
	}{
		{
			name: "wideArea",
			w:    91, h: 109, availW: 400, availH: 200,
			want: Layout{DrawW: 167, DrawH: 200, OffsetX: 116, OffsetY: 0},
		},
		{
			name: "tallArea",
			w:    100, h: 50, availW: 200, availH: 300,
			want: Layout{DrawW: 200, DrawH: 100, OffsetX: 0, OffsetY: 100},
		},
		{
			name: "derivedHeight",
			w:    91, h: 109, availW: 182, availH: 0,
			want: Layout{DrawW: 182, DrawH: 218, OffsetX: 0, OffsetY: 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fit(tt.w, tt.h, tt.availW, tt.availH)
			if got.DrawW != tt.want.DrawW || got.DrawH != tt.want.DrawH ||
				got.OffsetX != tt.want.OffsetX || got.OffsetY != tt.want.OffsetY {
				t.Fatalf("Fit = %+v, want draw %dx%d offset (%d,%d)",
					got, tt.want.DrawW, tt.want.DrawH, tt.want.OffsetX, tt.want.OffsetY)
			}
		})
	}
}

func TestFit_DerivedHeightFromAspect(t *testing.T) {
	l := Fit(91, 109, 300, -1)
	if want := int(math.Round(300.0 * 109 / 91)); l.AvailH != want {
		t.Fatalf("AvailH = %d, want %d", l.AvailH, want)
	}
}

func TestToPixel_RejectsOutside(t *testing.T) {
	l := Fit(100, 50, 200, 300)
	for _, p := range [][2]float64{{-1, 150}, {100, 99}, {100, 201}, {201, 150}} {
		if _, _, ok := l.ToPixel(p[0], p[1]); ok {
			t.Errorf("ToPixel(%v) accepted a point outside the drawn rectangle", p)
		}
	}
	if px, py, ok := l.ToPixel(200, 200); !ok || px != 99 || py != 49 {
		t.Errorf("ToPixel on the far edge = (%d,%d,%v), want (99,49,true)", px, py, ok)
	}
}

func TestToPixel_CenterIsAspectIndependent(t *testing.T) {
	w, h := 91, 109
	for _, area := range [][2]int{{91, 109}, {400, 400}, {1000, 300}, {137, 999}, {300, 0}} {
		l := Fit(w, h, area[0], area[1])
		cx := float64(l.OffsetX) + float64(l.DrawW)/2
		cy := float64(l.OffsetY) + float64(l.DrawH)/2
		px, py, ok := l.ToPixel(cx, cy)
		if !ok {
			t.Fatalf("area %v: centre rejected", area)
		}
		if math.Abs(float64(px)+0.5-float64(w)/2) > 0.5 || math.Abs(float64(py)+0.5-float64(h)/2) > 0.5 {
			t.Errorf("area %v: centre resolved to (%d,%d)", area, px, py)
		}
	}
}

func TestToScreen_RoundTrip(t *testing.T) {
	l := Fit(91, 109, 523, 311)
	for px := 0; px < 91; px += 7 {
		for py := 0; py < 109; py += 11 {
			sx, sy := l.ToScreen(px, py)
			gx, gy, ok := l.ToPixel(sx, sy)
			if !ok || gx != px || gy != py {
				t.Fatalf("ToPixel(ToScreen(%d,%d)) = (%d,%d,%v)", px, py, gx, gy, ok)
			}
		}
	}
}

func TestCrosshairAndClickAgree(t *testing.T) {
	dims := [3]int{9, 11, 7}
	vol, err := volume.New(make([]float32, 9*11*7), dims, [3]float64{1, 1, 1})
	if err != nil {
		t.Fatalf("volume.New: %v", err)
	}
	pos := [3]int{2, 8, 5}

	for _, axis := range slice.Axes {
		p := slice.Extract(vol, axis, pos[axis.Fixed()])
		l := Fit(p.W, p.H, 250, 170)

		sx, sy := l.Crosshair(p, pos)
		got, ok := l.Click(p, sx, sy)
		if !ok {
			t.Fatalf("%s: click on crosshair rejected", axis)
		}
		if got != pos {
			t.Errorf("%s: click on crosshair resolved to %v, want %v", axis, got, pos)
		}
	}
}

func TestClick_ConventionsOnAxialPlane(t *testing.T) {
	vol, err := volume.New(make([]float32, 4*3*2), [3]int{4, 3, 2}, [3]float64{1, 1, 1})
	if err != nil {
		t.Fatalf("volume.New: %v", err)
	}
	p := slice.Extract(vol, slice.Axial, 1)
	l := Fit(p.W, p.H, 4, 3)

	// Top-left screen pixel shows the highest x (mirrored) and highest y (flipped).
	got, ok := l.Click(p, 0.5, 0.5)
	if !ok || got != [3]int{3, 2, 1} {
		t.Fatalf("top-left click = %v, %v; want [3 2 1]", got, ok)
	}
	got, ok = l.Click(p, 3.5, 2.5)
	if !ok || got != [3]int{0, 0, 1} {
		t.Fatalf("bottom-right click = %v, %v; want [0 0 1]", got, ok)
	}
}
